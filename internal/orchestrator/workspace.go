package orchestrator

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid"

	"datamake/internal/model"
	"datamake/internal/planner"
)

// generateSessionID allocates a timestamped session id. The nanosecond
// suffix keeps ids from the same second distinct; the store's primary key
// arbitrates the rare remaining collision and callers regenerate.
func generateSessionID() string {
	now := time.Now().UTC()
	return "ses-" + now.Format("20060102-150405") + fmt.Sprintf(".%09d", now.Nanosecond())
}

// newInvocationID mints the ULID exported to the plan child as
// DATAMAKE_RUN_ID. Fresh per execution.
func newInvocationID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// createWorkspace makes the per-session directory under the configured root.
// The leaf is created with Mkdir so a colliding session id surfaces as an
// error instead of two sessions sharing a directory.
func createWorkspace(root string, sessionID string) (string, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return "", fmt.Errorf("workspace root is not configured")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("create workspace root: %w", err)
	}
	workspace := filepath.Join(root, sessionID)
	if err := os.Mkdir(workspace, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return workspace, nil
}

func openDriverLog(workspace string) (*slog.Logger, *os.File, error) {
	path := filepath.Join(workspace, model.DriverLogFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open driver log: %w", err)
	}
	return slog.New(slog.NewJSONHandler(file, nil)), file, nil
}

// writePlanFiles snapshots the plan text as both the working copy and the
// pre-edit original. The working copy stays non-executable until execution
// is imminent.
func writePlanFiles(workspace string, plan string) (string, string, error) {
	if !strings.HasSuffix(plan, "\n") {
		plan += "\n"
	}
	planPath := filepath.Join(workspace, model.PlanFileName)
	originalPath := filepath.Join(workspace, model.OriginalPlanFileName)
	if err := os.WriteFile(planPath, []byte(plan), 0o644); err != nil {
		return "", "", fmt.Errorf("write plan: %w", err)
	}
	if err := os.WriteFile(originalPath, []byte(plan), 0o644); err != nil {
		return "", "", fmt.Errorf("write original plan: %w", err)
	}
	return planPath, originalPath, nil
}

// writeVersionSnapshot records the toolchain version. Best-effort: a failing
// version reporter leaves the snapshot empty and the session proceeds.
func writeVersionSnapshot(ctx context.Context, collaborators planner.Collaborators, workspace string, driver *slog.Logger) {
	version, err := collaborators.ToolVersion(ctx)
	if err != nil {
		driver.Warn("version snapshot unavailable", "error", err.Error())
		version = ""
	}
	content := ""
	if version != "" {
		content = version + "\n"
	}
	if err := os.WriteFile(filepath.Join(workspace, model.VersionFileName), []byte(content), 0o644); err != nil {
		driver.Warn("write version snapshot", "error", err.Error())
	}
}

// writeEnvSnapshot records the full environment, sorted, one KEY=value per
// line. Unlike the version snapshot this one is required.
func writeEnvSnapshot(workspace string) error {
	environ := os.Environ()
	sort.Strings(environ)
	content := strings.Join(environ, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(workspace, model.EnvFileName), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write environment snapshot: %w", err)
	}
	return nil
}
