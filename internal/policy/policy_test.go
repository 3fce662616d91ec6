package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultPolicyIsValid(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected default policy to validate: %v", err)
	}
}

func TestLoadPolicyFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "policy.json")
	if err := SaveDefault(path); err != nil {
		t.Fatalf("save default policy: %v", err)
	}

	cfg, loadedPath, err := Load(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if loadedPath != path {
		t.Fatalf("expected loaded path %q, got %q", path, loadedPath)
	}
	if cfg.Execution.Shell != "/bin/sh" {
		t.Fatalf("expected default shell, got %q", cfg.Execution.Shell)
	}
	if cfg.Supervision.BackoffUnitMillis != 1000 {
		t.Fatalf("expected default backoff unit 1000, got %d", cfg.Supervision.BackoffUnitMillis)
	}
}

func TestLoadPolicyMissingFileUsesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "missing-policy.json")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected missing test policy file")
	}

	cfg, loadedPath, err := Load(path)
	if err != nil {
		t.Fatalf("load policy with missing file: %v", err)
	}
	if loadedPath != path {
		t.Fatalf("expected loaded path %q, got %q", path, loadedPath)
	}
	if cfg.Version != 1 {
		t.Fatalf("expected default policy version 1, got %d", cfg.Version)
	}
}

func TestLoadPolicyRejectsInvalidFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "policy.json")
	if err := os.WriteFile(path, []byte(`{"version": 1, "execution": {"shell": ""}}`), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	if _, _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for empty shell")
	}
}

func TestValidateRejectsBadSupervision(t *testing.T) {
	cfg := Default()
	cfg.Supervision.MaxRounds = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for zero max_rounds")
	}

	cfg = Default()
	cfg.Supervision.BackoffUnitMillis = -5
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for negative backoff unit")
	}
}

func TestResolveEditorPrecedence(t *testing.T) {
	t.Setenv("VISUAL", "visual-editor")
	t.Setenv("EDITOR", "plain-editor")

	cfg := Default()
	cfg.Editing.Editor = "policy-editor"
	if got := ResolveEditor(cfg); got != "policy-editor" {
		t.Fatalf("expected policy editor, got %q", got)
	}

	cfg.Editing.Editor = ""
	if got := ResolveEditor(cfg); got != "visual-editor" {
		t.Fatalf("expected VISUAL editor, got %q", got)
	}

	t.Setenv("VISUAL", "")
	if got := ResolveEditor(cfg); got != "plain-editor" {
		t.Fatalf("expected EDITOR fallback, got %q", got)
	}

	cfg.Editing.Enabled = false
	if got := ResolveEditor(cfg); got != "" {
		t.Fatalf("expected empty editor when editing disabled, got %q", got)
	}
}
