package logpipe

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"datamake/internal/model"
	"datamake/internal/policy"
)

const stampLayout = "2006-01-02T15:04:05.000Z"

type Options struct {
	Workspace string
	Verbosity int
	// Display receives the filtered view. Verbosity 0 discards it entirely.
	Display io.Writer
	Marker  string
}

// Pipeline fans plan output into three persisted views plus the live
// display: raw timestamped stdout and stderr logs that keep every line, and
// a unified log carrying the display-filtered merge of both streams. The
// legacy combined-log name is hard-linked to the unified log before
// execution starts so older consumers tailing it see output from the first
// line.
type Pipeline struct {
	verbosity int
	marker    string
	display   io.Writer

	stdoutWriter *io.PipeWriter
	stderrWriter *io.PipeWriter

	unified   *os.File
	stdoutLog *os.File
	stderrLog *os.File

	unifiedPath string

	lines      chan string
	readers    sync.WaitGroup
	mergerDone chan struct{}

	mu       sync.Mutex
	firstErr error
}

// Open creates the log files and starts the stream processors. Any setup
// failure is fatal to the session: partial log files are not treated as
// valid.
func Open(opts Options) (*Pipeline, error) {
	if strings.TrimSpace(opts.Workspace) == "" {
		return nil, fmt.Errorf("log pipeline requires a workspace")
	}
	if opts.Marker == "" {
		opts.Marker = policy.StepMarker
	}
	display := opts.Display
	if display == nil || opts.Verbosity == 0 {
		display = io.Discard
	}

	p := &Pipeline{
		verbosity:   opts.Verbosity,
		marker:      opts.Marker,
		display:     display,
		unifiedPath: filepath.Join(opts.Workspace, model.UnifiedLogFileName),
		lines:       make(chan string, 256),
		mergerDone:  make(chan struct{}),
	}

	var err error
	p.unified, err = os.OpenFile(p.unifiedPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create unified log: %w", err)
	}
	legacyPath := filepath.Join(opts.Workspace, model.LegacyLogFileName)
	if err := os.Link(p.unifiedPath, legacyPath); err != nil {
		p.unified.Close()
		return nil, fmt.Errorf("link legacy log name: %w", err)
	}
	p.stdoutLog, err = os.OpenFile(filepath.Join(opts.Workspace, model.StdoutLogFileName), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		p.unified.Close()
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	p.stderrLog, err = os.OpenFile(filepath.Join(opts.Workspace, model.StderrLogFileName), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		p.unified.Close()
		p.stdoutLog.Close()
		return nil, fmt.Errorf("create stderr log: %w", err)
	}

	stdoutReader, stdoutWriter := io.Pipe()
	stderrReader, stderrWriter := io.Pipe()
	p.stdoutWriter = stdoutWriter
	p.stderrWriter = stderrWriter

	p.readers.Add(2)
	go p.pump(stdoutReader, p.stdoutLog)
	go p.pump(stderrReader, p.stderrLog)
	go p.merge()

	return p, nil
}

// Stdout is the writer to attach to the plan child's stdout.
func (p *Pipeline) Stdout() io.Writer { return p.stdoutWriter }

// Stderr is the writer to attach to the plan child's stderr.
func (p *Pipeline) Stderr() io.Writer { return p.stderrWriter }

func (p *Pipeline) UnifiedPath() string { return p.unifiedPath }

// pump copies one raw stream into its timestamped log and feeds every line
// to the merger. Lines longer than the read buffer are split into multiple
// records rather than failing: the child must never block on a stream the
// pipeline stopped reading.
func (p *Pipeline) pump(reader *io.PipeReader, raw *os.File) {
	defer p.readers.Done()
	br := bufio.NewReaderSize(reader, 64*1024)
	for {
		chunk, _, err := br.ReadLine()
		if err != nil {
			if err != io.EOF {
				p.recordErr(fmt.Errorf("read plan output: %w", err))
				reader.CloseWithError(err)
			}
			return
		}
		line := string(chunk)
		stamp := time.Now().UTC().Format(stampLayout)
		if _, err := fmt.Fprintf(raw, "%s %s\n", stamp, line); err != nil {
			p.recordErr(fmt.Errorf("write raw log: %w", err))
		}
		p.lines <- line
	}
}

// merge applies the display filter once and tees the result into the
// unified log and the live display.
func (p *Pipeline) merge() {
	defer close(p.mergerDone)
	for line := range p.lines {
		display, ok := FilterLine(p.verbosity, p.marker, line)
		if !ok {
			continue
		}
		if _, err := fmt.Fprintln(p.unified, display); err != nil {
			p.recordErr(fmt.Errorf("write unified log: %w", err))
		}
		fmt.Fprintln(p.display, display)
	}
}

// Close drains both streams, waits for the merger, and syncs the files.
// Call after the plan child has fully exited.
func (p *Pipeline) Close() error {
	p.stdoutWriter.Close()
	p.stderrWriter.Close()
	p.readers.Wait()
	close(p.lines)
	<-p.mergerDone

	for _, f := range []*os.File{p.unified, p.stdoutLog, p.stderrLog} {
		if err := f.Sync(); err != nil {
			p.recordErr(err)
		}
		if err := f.Close(); err != nil {
			p.recordErr(err)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.firstErr
}

func (p *Pipeline) recordErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.firstErr == nil {
		p.firstErr = err
	}
}

// FilterLine decides what a line contributes to the display view. Level 1
// passes only "last completed step" marker lines, stripped of the marker;
// every other level passes lines through untouched. Level 0 suppresses the
// terminal separately, not here, so the unified log stays complete.
func FilterLine(verbosity int, marker string, line string) (string, bool) {
	if verbosity != 1 {
		return line, true
	}
	if !strings.HasPrefix(line, marker) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, marker)), true
}

// Tail returns the last n lines of a log file.
func Tail(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text := strings.TrimRight(string(b), "\n")
	if text == "" {
		return nil, nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
