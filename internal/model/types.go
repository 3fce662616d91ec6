package model

import (
	"fmt"
	"time"
)

type SessionStatus string

const (
	SessionStatusChecking  SessionStatus = "checking"
	SessionStatusSatisfied SessionStatus = "satisfied"
	SessionStatusPlanning  SessionStatus = "planning"
	SessionStatusEditing   SessionStatus = "editing"
	SessionStatusCanceled  SessionStatus = "canceled"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusSucceeded SessionStatus = "succeeded"
	SessionStatusAborted   SessionStatus = "aborted"
)

// IsTerminal reports whether no further transition can leave the status.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusSatisfied, SessionStatusCanceled, SessionStatusSucceeded, SessionStatusAborted:
		return true
	}
	return false
}

type PointerName string

// The four well-known status pointers. FINISHED additionally rotates prior
// values into numbered backups (FINISHED.1 is the oldest archived success).
const (
	PointerRunning  PointerName = "RUNNING"
	PointerLatest   PointerName = "LATEST"
	PointerFinished PointerName = "FINISHED"
	PointerAborted  PointerName = "ABORTED"
)

func FinishedBackupName(n int) PointerName {
	return PointerName(fmt.Sprintf("%s.%d", PointerFinished, n))
}

// Exit codes reported by the session CLI. Plan failures use the plan's own
// exit code; signal deaths use 128+signal.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitEditCanceled = 3
)

func SignalExitCode(sig int) int {
	return 128 + sig
}

// Workspace file names. The legacy combined-log name is a hard link to the
// unified log kept for older consumers that tail it.
const (
	PlanFileName         = "plan.sh"
	OriginalPlanFileName = "plan.orig.sh"
	VersionFileName      = "version.txt"
	EnvFileName          = "env.txt"
	UnifiedLogFileName   = "session.log"
	LegacyLogFileName    = "output.log"
	StdoutLogFileName    = "stdout.log"
	StderrLogFileName    = "stderr.log"
	DriverLogFileName    = "driver.log"
)

// Environment passed to the plan child on top of the inherited environment.
const (
	EnvRoot       = "DATAMAKE_ROOT"
	EnvWorkspace  = "DATAMAKE_WORKSPACE"
	EnvSession    = "DATAMAKE_SESSION"
	EnvRunID      = "DATAMAKE_RUN_ID"
	EnvInvokeDir  = "DATAMAKE_INVOKE_DIR"
	EnvStepMarker = "DATAMAKE_STEP_MARKER"
)

type SessionSpec struct {
	SessionID  string    `json:"session_id"`
	Targets    []string  `json:"targets"`
	Verbosity  int       `json:"verbosity"`
	Edit       bool      `json:"edit"`
	PolicyPath string    `json:"policy_path"`
	CreatedAt  time.Time `json:"created_at"`
}

type SessionRecord struct {
	SessionID    string        `json:"session_id"`
	Targets      []string      `json:"targets"`
	Status       SessionStatus `json:"status"`
	Workspace    string        `json:"workspace,omitempty"`
	InvocationID string        `json:"invocation_id,omitempty"`
	Verbosity    int           `json:"verbosity"`
	Edited       bool          `json:"edited"`
	ChildPID     int           `json:"child_pid,omitempty"`
	ExitCode     *int          `json:"exit_code,omitempty"`
	ErrorText    string        `json:"error_text,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
}

type PointerRecord struct {
	Name      PointerName `json:"name"`
	SessionID string      `json:"session_id"`
	Workspace string      `json:"workspace"`
	UpdatedAt time.Time   `json:"updated_at"`
}

type EventRecord struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	EventType string    `json:"event_type"`
	FromState string    `json:"from_state,omitempty"`
	ToState   string    `json:"to_state,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
