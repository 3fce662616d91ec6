package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"datamake/internal/model"
)

type SQLiteStore struct {
	DBPath     string
	SQLitePath string
}

func NewSQLiteStore(dbPath string) *SQLiteStore {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = ".datamake/datamake.db"
	}
	return &SQLiteStore{
		DBPath:     dbPath,
		SQLitePath: "sqlite3",
	}
}

func (s *SQLiteStore) Init() error {
	if err := os.MkdirAll(filepath.Dir(s.DBPath), 0o755); err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}

	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
  session_id TEXT PRIMARY KEY,
  targets_json TEXT NOT NULL,
  status TEXT NOT NULL,
  workspace TEXT NOT NULL DEFAULT '',
  invocation_id TEXT NOT NULL DEFAULT '',
  verbosity INTEGER NOT NULL DEFAULT 0,
  edited INTEGER NOT NULL DEFAULT 0,
  child_pid INTEGER NOT NULL DEFAULT 0,
  exit_code TEXT NOT NULL DEFAULT '',
  error_text TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  started_at TEXT NOT NULL DEFAULT '',
  finished_at TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS pointers (
  name TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  workspace TEXT NOT NULL DEFAULT '',
  updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  from_state TEXT NOT NULL DEFAULT '',
  to_state TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS outbox (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  message_id TEXT NOT NULL UNIQUE,
  topic TEXT NOT NULL,
  message_key TEXT NOT NULL DEFAULT '',
  payload_json TEXT NOT NULL,
  status TEXT NOT NULL,
  claim_token TEXT NOT NULL DEFAULT '',
  attempt_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  sent_at TEXT NOT NULL DEFAULT ''
);`

	return s.execSQL(schema)
}

// CreateSession inserts a new session row. A duplicate session_id fails the
// insert; callers regenerate the id and retry.
func (s *SQLiteStore) CreateSession(spec model.SessionSpec) error {
	targetsBytes, err := json.Marshal(spec.Targets)
	if err != nil {
		return fmt.Errorf("marshal session targets: %w", err)
	}
	now := time.Now().Format(time.RFC3339)
	sql := fmt.Sprintf(
		`INSERT INTO sessions (session_id, targets_json, status, workspace, invocation_id, verbosity, edited, child_pid, exit_code, error_text, created_at, updated_at, started_at, finished_at)
VALUES (%s, %s, %s, '', '', %d, 0, 0, '', '', %s, %s, '', '');`,
		quote(spec.SessionID), quote(string(targetsBytes)), quote(string(model.SessionStatusChecking)), spec.Verbosity, quote(now), quote(now),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) UpdateSessionStatus(sessionID string, status model.SessionStatus, errorText string) error {
	sql := fmt.Sprintf(
		`UPDATE sessions
SET status=%s, updated_at=%s, error_text=%s
WHERE session_id=%s;`,
		quote(string(status)), quote(time.Now().Format(time.RFC3339)), quote(errorText), quote(sessionID),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) UpdateSessionWorkspace(sessionID string, workspace string, invocationID string) error {
	sql := fmt.Sprintf(
		`UPDATE sessions
SET workspace=%s, invocation_id=%s, updated_at=%s
WHERE session_id=%s;`,
		quote(workspace), quote(invocationID), quote(time.Now().Format(time.RFC3339)), quote(sessionID),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) UpdateSessionEdited(sessionID string, edited bool) error {
	flag := 0
	if edited {
		flag = 1
	}
	sql := fmt.Sprintf(
		`UPDATE sessions
SET edited=%d, updated_at=%s
WHERE session_id=%s;`,
		flag, quote(time.Now().Format(time.RFC3339)), quote(sessionID),
	)
	return s.execSQL(sql)
}

// MarkSessionStarted records the plan child pid and the execution start time.
func (s *SQLiteStore) MarkSessionStarted(sessionID string, childPID int) error {
	now := time.Now().Format(time.RFC3339)
	sql := fmt.Sprintf(
		`UPDATE sessions
SET child_pid=%d, started_at=%s, updated_at=%s
WHERE session_id=%s;`,
		childPID, quote(now), quote(now), quote(sessionID),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) MarkSessionFinished(sessionID string, exitCode int) error {
	now := time.Now().Format(time.RFC3339)
	sql := fmt.Sprintf(
		`UPDATE sessions
SET exit_code=%s, child_pid=0, finished_at=%s, updated_at=%s
WHERE session_id=%s;`,
		quote(strconv.Itoa(exitCode)), quote(now), quote(now), quote(sessionID),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) GetSession(sessionID string) (model.SessionRecord, error) {
	sql := fmt.Sprintf(
		`SELECT session_id, targets_json, status, workspace, invocation_id, verbosity, edited, child_pid, exit_code, error_text, created_at, updated_at, started_at, finished_at
FROM sessions WHERE session_id=%s;`,
		quote(sessionID),
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return model.SessionRecord{}, err
	}
	if len(rows) == 0 {
		return model.SessionRecord{}, fmt.Errorf("session %s not found", sessionID)
	}
	return parseSessionRecord(rows[0])
}

func (s *SQLiteStore) ListSessions(limit int) ([]model.SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	sql := fmt.Sprintf(
		`SELECT session_id, targets_json, status, workspace, invocation_id, verbosity, edited, child_pid, exit_code, error_text, created_at, updated_at, started_at, finished_at
FROM sessions
ORDER BY session_id DESC
LIMIT %d;`,
		limit,
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return nil, err
	}
	out := make([]model.SessionRecord, 0, len(rows))
	for _, row := range rows {
		record, err := parseSessionRecord(row)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *SQLiteStore) SetPointer(name model.PointerName, sessionID string, workspace string) error {
	sql := fmt.Sprintf(
		`INSERT OR REPLACE INTO pointers (name, session_id, workspace, updated_at)
VALUES (%s, %s, %s, %s);`,
		quote(string(name)), quote(sessionID), quote(workspace), quote(time.Now().Format(time.RFC3339)),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) RemovePointer(name model.PointerName) error {
	sql := fmt.Sprintf(`DELETE FROM pointers WHERE name=%s;`, quote(string(name)))
	return s.execSQL(sql)
}

func (s *SQLiteStore) GetPointer(name model.PointerName) (model.PointerRecord, error) {
	sql := fmt.Sprintf(
		`SELECT name, session_id, workspace, updated_at FROM pointers WHERE name=%s;`,
		quote(string(name)),
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return model.PointerRecord{}, err
	}
	if len(rows) == 0 {
		return model.PointerRecord{}, fmt.Errorf("pointer %s not found", name)
	}
	return parsePointerRecord(rows[0])
}

func (s *SQLiteStore) ListPointers() ([]model.PointerRecord, error) {
	rows, err := s.queryJSON(`SELECT name, session_id, workspace, updated_at FROM pointers ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	out := make([]model.PointerRecord, 0, len(rows))
	for _, row := range rows {
		record, err := parsePointerRecord(row)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

// RotateFinished archives the current FINISHED pointer as FINISHED.<n+1>
// (n being the highest existing backup) and points FINISHED at the given
// session. The backup chain is unbounded.
func (s *SQLiteStore) RotateFinished(sessionID string, workspace string) error {
	rows, err := s.queryJSON(`SELECT name FROM pointers WHERE name LIKE 'FINISHED%' ORDER BY name;`)
	if err != nil {
		return err
	}
	hasCurrent := false
	maxBackup := 0
	for _, row := range rows {
		name := asString(row["name"])
		if name == string(model.PointerFinished) {
			hasCurrent = true
			continue
		}
		suffix := strings.TrimPrefix(name, string(model.PointerFinished)+".")
		if n, err := strconv.Atoi(suffix); err == nil && n > maxBackup {
			maxBackup = n
		}
	}

	now := time.Now().Format(time.RFC3339)
	if !hasCurrent {
		return s.SetPointer(model.PointerFinished, sessionID, workspace)
	}
	backupName := model.FinishedBackupName(maxBackup + 1)
	sql := fmt.Sprintf(
		`BEGIN IMMEDIATE;
UPDATE pointers SET name=%s WHERE name=%s;
INSERT OR REPLACE INTO pointers (name, session_id, workspace, updated_at)
VALUES (%s, %s, %s, %s);
COMMIT;`,
		quote(string(backupName)), quote(string(model.PointerFinished)),
		quote(string(model.PointerFinished)), quote(sessionID), quote(workspace), quote(now),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) AddEvent(sessionID, eventType, fromState, toState, message string) error {
	sql := fmt.Sprintf(
		`INSERT INTO events
  (session_id, event_type, from_state, to_state, message, created_at)
VALUES
  (%s, %s, %s, %s, %s, %s);`,
		quote(sessionID), quote(eventType), quote(fromState), quote(toState), quote(message), quote(time.Now().Format(time.RFC3339)),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) ListEvents(sessionID string, limit int) ([]model.EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	where := ""
	if strings.TrimSpace(sessionID) != "" {
		where = fmt.Sprintf("WHERE session_id=%s", quote(sessionID))
	}
	sql := fmt.Sprintf(
		`SELECT id, session_id, event_type, from_state, to_state, message, created_at
FROM events
%s
ORDER BY id DESC
LIMIT %d;`,
		where, limit,
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return nil, err
	}
	out := make([]model.EventRecord, 0, len(rows))
	for _, row := range rows {
		createdAt, err := time.Parse(time.RFC3339, asString(row["created_at"]))
		if err != nil {
			return nil, fmt.Errorf("parse event created_at: %w", err)
		}
		out = append(out, model.EventRecord{
			ID:        int64(asInt(row["id"])),
			SessionID: asString(row["session_id"]),
			EventType: asString(row["event_type"]),
			FromState: asString(row["from_state"]),
			ToState:   asString(row["to_state"]),
			Message:   asString(row["message"]),
			CreatedAt: createdAt,
		})
	}
	return out, nil
}

func (s *SQLiteStore) execSQL(sql string) error {
	cmd := exec.Command(s.SQLitePath, s.DBPath, sql)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sqlite exec failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (s *SQLiteStore) queryJSON(sql string) ([]map[string]any, error) {
	cmd := exec.Command(s.SQLitePath, "-json", s.DBPath, sql)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("sqlite query failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	output := strings.TrimSpace(stdout.String())
	if output == "" {
		return []map[string]any{}, nil
	}
	rows := []map[string]any{}
	if err := json.Unmarshal(stdout.Bytes(), &rows); err != nil {
		return nil, fmt.Errorf("parse sqlite json output: %w", err)
	}
	return rows, nil
}

func parseSessionRecord(row map[string]any) (model.SessionRecord, error) {
	createdAt, err := time.Parse(time.RFC3339, asString(row["created_at"]))
	if err != nil {
		return model.SessionRecord{}, fmt.Errorf("parse session created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339, asString(row["updated_at"]))
	if err != nil {
		return model.SessionRecord{}, fmt.Errorf("parse session updated_at: %w", err)
	}
	targets := []string{}
	if raw := asString(row["targets_json"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &targets); err != nil {
			return model.SessionRecord{}, fmt.Errorf("parse session targets: %w", err)
		}
	}
	var exitCode *int
	if raw := strings.TrimSpace(asString(row["exit_code"])); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return model.SessionRecord{}, fmt.Errorf("parse session exit_code: %w", err)
		}
		exitCode = &n
	}
	return model.SessionRecord{
		SessionID:    asString(row["session_id"]),
		Targets:      targets,
		Status:       model.SessionStatus(asString(row["status"])),
		Workspace:    asString(row["workspace"]),
		InvocationID: asString(row["invocation_id"]),
		Verbosity:    asInt(row["verbosity"]),
		Edited:       asInt(row["edited"]) == 1,
		ChildPID:     asInt(row["child_pid"]),
		ExitCode:     exitCode,
		ErrorText:    asString(row["error_text"]),
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
		StartedAt:    parseTimePtr(asString(row["started_at"])),
		FinishedAt:   parseTimePtr(asString(row["finished_at"])),
	}, nil
}

func parsePointerRecord(row map[string]any) (model.PointerRecord, error) {
	updatedAt, err := time.Parse(time.RFC3339, asString(row["updated_at"]))
	if err != nil {
		return model.PointerRecord{}, fmt.Errorf("parse pointer updated_at: %w", err)
	}
	return model.PointerRecord{
		Name:      model.PointerName(asString(row["name"])),
		SessionID: asString(row["session_id"]),
		Workspace: asString(row["workspace"]),
		UpdatedAt: updatedAt,
	}, nil
}

func quote(s string) string {
	s = strings.ReplaceAll(s, "'", "''")
	return "'" + s + "'"
}

func asString(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		if typed {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(v)
	}
}

func asInt(v any) int {
	switch typed := v.(type) {
	case float64:
		return int(typed)
	case string:
		n, _ := strconv.Atoi(typed)
		return n
	case int:
		return typed
	default:
		return 0
	}
}

func parseTimePtr(v string) *time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}
