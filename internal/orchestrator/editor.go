package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"datamake/internal/planner"
)

// planStamp is the size+mtime pair used to decide whether the editor wrote
// the working copy at all. Bare mtime comparison misses editors that rewrite
// within the filesystem's timestamp granularity; the size half catches most
// of those.
type planStamp struct {
	size    int64
	modTime time.Time
}

func statPlan(path string) (planStamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return planStamp{}, err
	}
	return planStamp{size: info.Size(), modTime: info.ModTime()}, nil
}

func (p planStamp) equal(other planStamp) bool {
	return p.size == other.size && p.modTime.Equal(other.modTime)
}

// editPlan opens the working plan copy in the resolved editor and reports
// whether the file changed. The editor runs through the shell with inherited
// stdio; its exit status is deliberately ignored, the stamp decides.
func editPlan(ctx context.Context, shell string, editor string, planPath string) (bool, error) {
	before, err := statPlan(planPath)
	if err != nil {
		return false, fmt.Errorf("stat plan before edit: %w", err)
	}
	cmd := exec.CommandContext(ctx, shell, "-c", editor+" "+planner.ShellQuote(planPath))
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	_ = cmd.Run()
	after, err := statPlan(planPath)
	if err != nil {
		return false, fmt.Errorf("stat plan after edit: %w", err)
	}
	return !after.equal(before), nil
}

func fileDigest(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	digest := sha256.New()
	if _, err := io.Copy(digest, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}
