package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const DefaultPolicyPath = ".datamake/policy.json"

// StepMarker prefixes "last completed step" lines in plan output. The display
// filter consumes it; the raw logs keep it verbatim.
const StepMarker = "::done::"

type Config struct {
	Version   int `json:"version"`
	Workspace struct {
		Root string `json:"root"`
	} `json:"workspace"`
	Collaborators struct {
		OracleCommand  string `json:"oracle_command"`
		PlanCommand    string `json:"plan_command"`
		VersionCommand string `json:"version_command"`
	} `json:"collaborators"`
	Execution struct {
		Shell            string `json:"shell"`
		WaitDelaySeconds int    `json:"wait_delay_seconds"`
	} `json:"execution"`
	Editing struct {
		Enabled bool   `json:"enabled"`
		Editor  string `json:"editor"`
	} `json:"editing"`
	Display struct {
		Verbosity int `json:"verbosity"`
		TailLines int `json:"tail_lines"`
	} `json:"display"`
	Supervision struct {
		BackoffUnitMillis int `json:"backoff_unit_millis"`
		MaxRounds         int `json:"max_rounds"`
	} `json:"supervision"`
	Events struct {
		RedisURL string `json:"redis_url"`
		Stream   string `json:"stream"`
	} `json:"events"`
	Server struct {
		Addr string `json:"addr"`
	} `json:"server"`
}

func Default() Config {
	cfg := Config{
		Version: 1,
	}
	cfg.Workspace.Root = ".datamake/sessions"
	cfg.Collaborators.OracleCommand = "datamake-oracle"
	cfg.Collaborators.PlanCommand = "datamake-plan"
	cfg.Collaborators.VersionCommand = "datamake-version"
	cfg.Execution.Shell = "/bin/sh"
	cfg.Execution.WaitDelaySeconds = 5
	cfg.Editing.Enabled = true
	cfg.Editing.Editor = ""
	cfg.Display.Verbosity = 1
	cfg.Display.TailLines = 20
	cfg.Supervision.BackoffUnitMillis = 1000
	cfg.Supervision.MaxRounds = 10
	cfg.Events.RedisURL = ""
	cfg.Events.Stream = "datamake.session.status"
	cfg.Server.Addr = ":8722"
	return cfg
}

func Load(path string) (Config, string, error) {
	cfg := Default()
	finalPath := path
	if strings.TrimSpace(finalPath) == "" {
		finalPath = DefaultPolicyPath
	}
	if _, err := os.Stat(finalPath); os.IsNotExist(err) {
		return cfg, finalPath, nil
	}

	b, err := os.ReadFile(finalPath)
	if err != nil {
		return cfg, finalPath, fmt.Errorf("read policy %s: %w", finalPath, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("parse policy %s: %w", finalPath, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("validate policy %s: %w", finalPath, err)
	}
	return cfg, finalPath, nil
}

func SaveDefault(path string) error {
	cfg := Default()
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func Validate(cfg Config) error {
	if cfg.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}
	if strings.TrimSpace(cfg.Workspace.Root) == "" {
		return fmt.Errorf("workspace.root cannot be empty")
	}
	if strings.TrimSpace(cfg.Collaborators.OracleCommand) == "" {
		return fmt.Errorf("collaborators.oracle_command cannot be empty")
	}
	if strings.TrimSpace(cfg.Collaborators.PlanCommand) == "" {
		return fmt.Errorf("collaborators.plan_command cannot be empty")
	}
	if strings.TrimSpace(cfg.Execution.Shell) == "" {
		return fmt.Errorf("execution.shell cannot be empty")
	}
	if cfg.Execution.WaitDelaySeconds <= 0 {
		return fmt.Errorf("execution.wait_delay_seconds must be > 0")
	}
	if cfg.Display.Verbosity < 0 {
		return fmt.Errorf("display.verbosity must be >= 0")
	}
	if cfg.Display.TailLines <= 0 {
		return fmt.Errorf("display.tail_lines must be > 0")
	}
	if cfg.Supervision.BackoffUnitMillis <= 0 {
		return fmt.Errorf("supervision.backoff_unit_millis must be > 0")
	}
	if cfg.Supervision.MaxRounds <= 0 {
		return fmt.Errorf("supervision.max_rounds must be > 0")
	}
	if strings.TrimSpace(cfg.Events.RedisURL) != "" && strings.TrimSpace(cfg.Events.Stream) == "" {
		return fmt.Errorf("events.stream cannot be empty when events.redis_url is set")
	}
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	return nil
}

// ResolveEditor picks the editing command: policy first, then $VISUAL, then
// $EDITOR. Empty result means editing is skipped.
func ResolveEditor(cfg Config) string {
	if !cfg.Editing.Enabled {
		return ""
	}
	if editor := strings.TrimSpace(cfg.Editing.Editor); editor != "" {
		return editor
	}
	if editor := strings.TrimSpace(os.Getenv("VISUAL")); editor != "" {
		return editor
	}
	return strings.TrimSpace(os.Getenv("EDITOR"))
}
