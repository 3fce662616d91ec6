package planner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Collaborators holds the configured external commands the session consults.
// Each command is run through the shell with shell-quoted targets appended.
type Collaborators struct {
	Shell          string
	OracleCommand  string
	PlanCommand    string
	VersionCommand string
}

// CheckSatisfied consults the done-oracle. Exit 0 means every target is
// satisfied, exit 1 means work is needed; any other outcome is a
// collaborator failure and aborts the session.
func (c Collaborators) CheckSatisfied(ctx context.Context, targets []string) (bool, error) {
	cmd := exec.CommandContext(ctx, c.Shell, "-c", commandLine(c.OracleCommand, targets))
	output, err := cmd.CombinedOutput()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("done oracle failed: %w: %s", err, strings.TrimSpace(string(output)))
}

// GeneratePlan asks the planner for plan text. The first stdout line is
// planner metadata and is discarded; an empty remainder is an error.
func (c Collaborators) GeneratePlan(ctx context.Context, targets []string) (string, error) {
	cmd := exec.CommandContext(ctx, c.Shell, "-c", commandLine(c.PlanCommand, targets))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("planner failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	_, plan, found := strings.Cut(stdout.String(), "\n")
	if !found || strings.TrimSpace(plan) == "" {
		return "", fmt.Errorf("planner produced no plan for targets %v", targets)
	}
	return plan, nil
}

// ToolVersion reports the toolchain version string. Best-effort: callers
// log failures and continue.
func (c Collaborators) ToolVersion(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, c.Shell, "-c", c.VersionCommand)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("version reporter failed: %w", err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// DoneAt reports when the targets were last produced: the newest
// modification time across all files matching the target patterns. Nil when
// nothing matches.
func DoneAt(targets []string) (*time.Time, error) {
	var newest *time.Time
	for _, target := range targets {
		matches, err := filepath.Glob(target)
		if err != nil {
			return nil, fmt.Errorf("bad target pattern %q: %w", target, err)
		}
		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil {
				continue
			}
			mtime := info.ModTime()
			if newest == nil || mtime.After(*newest) {
				newest = &mtime
			}
		}
	}
	return newest, nil
}

func commandLine(command string, targets []string) string {
	parts := []string{command}
	for _, target := range targets {
		parts = append(parts, ShellQuote(target))
	}
	return strings.Join(parts, " ")
}

// ShellQuote wraps s in single quotes so the shell passes it through as one
// word.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
