package planner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testCollaborators() Collaborators {
	return Collaborators{
		Shell:          "/bin/sh",
		OracleCommand:  "true",
		PlanCommand:    "true",
		VersionCommand: "true",
	}
}

func TestCheckSatisfiedExitCodes(t *testing.T) {
	ctx := context.Background()

	c := testCollaborators()
	c.OracleCommand = "exit 0"
	satisfied, err := c.CheckSatisfied(ctx, []string{"a"})
	if err != nil {
		t.Fatalf("oracle exit 0: %v", err)
	}
	if !satisfied {
		t.Fatalf("expected satisfied on exit 0")
	}

	c.OracleCommand = "exit 1"
	satisfied, err = c.CheckSatisfied(ctx, []string{"a"})
	if err != nil {
		t.Fatalf("oracle exit 1: %v", err)
	}
	if satisfied {
		t.Fatalf("expected not satisfied on exit 1")
	}

	c.OracleCommand = "echo broken >&2; exit 7"
	if _, err := c.CheckSatisfied(ctx, []string{"a"}); err == nil {
		t.Fatalf("expected collaborator failure on exit 7")
	} else if !strings.Contains(err.Error(), "broken") {
		t.Fatalf("expected oracle stderr in error, got %v", err)
	}
}

func TestCheckSatisfiedQuotesTargets(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	target := filepath.Join(dir, "with space.txt")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatalf("write target: %v", err)
	}

	c := testCollaborators()
	c.OracleCommand = "test -e"
	satisfied, err := c.CheckSatisfied(ctx, []string{target})
	if err != nil {
		t.Fatalf("oracle test -e: %v", err)
	}
	if !satisfied {
		t.Fatalf("expected existing target to be satisfied")
	}

	satisfied, err = c.CheckSatisfied(ctx, []string{filepath.Join(dir, "absent.txt")})
	if err != nil {
		t.Fatalf("oracle on absent target: %v", err)
	}
	if satisfied {
		t.Fatalf("expected absent target to be unsatisfied")
	}
}

func TestGeneratePlanDiscardsMetadataLine(t *testing.T) {
	ctx := context.Background()

	script := filepath.Join(t.TempDir(), "fake-planner.sh")
	body := "#!/bin/sh\necho planner metadata\necho 'echo step-one'\necho 'echo step-two'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write fake planner: %v", err)
	}

	c := testCollaborators()
	c.PlanCommand = script
	plan, err := c.GeneratePlan(ctx, []string{"a"})
	if err != nil {
		t.Fatalf("generate plan: %v", err)
	}
	if strings.Contains(plan, "planner metadata") {
		t.Fatalf("expected metadata line discarded, got %q", plan)
	}
	if !strings.Contains(plan, "echo step-one") || !strings.Contains(plan, "echo step-two") {
		t.Fatalf("expected plan steps preserved, got %q", plan)
	}
}

func TestGeneratePlanFailures(t *testing.T) {
	ctx := context.Background()

	c := testCollaborators()
	c.PlanCommand = "echo metadata-only"
	if _, err := c.GeneratePlan(ctx, []string{"a"}); err == nil {
		t.Fatalf("expected error when plan is empty after metadata")
	}

	c.PlanCommand = "echo planner blew up >&2; exit 3"
	if _, err := c.GeneratePlan(ctx, []string{"a"}); err == nil {
		t.Fatalf("expected error on planner failure")
	} else if !strings.Contains(err.Error(), "planner blew up") {
		t.Fatalf("expected planner stderr in error, got %v", err)
	}
}

func TestToolVersion(t *testing.T) {
	ctx := context.Background()

	c := testCollaborators()
	c.VersionCommand = "echo tool-1.2.3"
	version, err := c.ToolVersion(ctx)
	if err != nil {
		t.Fatalf("tool version: %v", err)
	}
	if version != "tool-1.2.3" {
		t.Fatalf("expected trimmed version string, got %q", version)
	}

	c.VersionCommand = "exit 9"
	if _, err := c.ToolVersion(ctx); err == nil {
		t.Fatalf("expected error from failing version reporter")
	}
}

func TestDoneAtPicksNewestMatch(t *testing.T) {
	dir := t.TempDir()
	older := filepath.Join(dir, "a.txt")
	newer := filepath.Join(dir, "b.txt")
	for _, path := range []string{older, newer} {
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	olderTime := time.Now().Add(-2 * time.Hour)
	newerTime := time.Now().Add(-1 * time.Hour)
	if err := os.Chtimes(older, olderTime, olderTime); err != nil {
		t.Fatalf("chtimes older: %v", err)
	}
	if err := os.Chtimes(newer, newerTime, newerTime); err != nil {
		t.Fatalf("chtimes newer: %v", err)
	}

	doneAt, err := DoneAt([]string{filepath.Join(dir, "*.txt")})
	if err != nil {
		t.Fatalf("done at: %v", err)
	}
	if doneAt == nil {
		t.Fatalf("expected a done-at time")
	}
	if doneAt.Sub(newerTime).Abs() > time.Second {
		t.Fatalf("expected newest mtime %v, got %v", newerTime, *doneAt)
	}

	doneAt, err = DoneAt([]string{filepath.Join(dir, "*.log")})
	if err != nil {
		t.Fatalf("done at without matches: %v", err)
	}
	if doneAt != nil {
		t.Fatalf("expected nil done-at when nothing matches, got %v", *doneAt)
	}
}
