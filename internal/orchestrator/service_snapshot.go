package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"datamake/internal/logpipe"
	"datamake/internal/model"
	"datamake/internal/proctree"
)

// SessionDetail is the full read-side view of one session: the record, its
// recent audit events, every status pointer, and a staleness probe on the
// recorded child pid.
type SessionDetail struct {
	Record   model.SessionRecord   `json:"record"`
	Events   []model.EventRecord   `json:"events"`
	Pointers []model.PointerRecord `json:"pointers"`
	Stale    bool                  `json:"stale"`
}

func (s *Service) SessionDetail(sessionID string) (SessionDetail, error) {
	record, err := s.resolveSession(sessionID)
	if err != nil {
		return SessionDetail{}, err
	}
	events, err := s.store.ListEvents(record.SessionID, 50)
	if err != nil {
		return SessionDetail{}, err
	}
	pointers, err := s.store.ListPointers()
	if err != nil {
		return SessionDetail{}, err
	}
	stale := record.Status == model.SessionStatusRunning &&
		record.ChildPID > 0 &&
		!proctree.Alive(record.ChildPID)
	return SessionDetail{
		Record:   record,
		Events:   events,
		Pointers: pointers,
		Stale:    stale,
	}, nil
}

// resolveSession maps an empty id to the most recent session.
func (s *Service) resolveSession(sessionID string) (model.SessionRecord, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID != "" {
		return s.store.GetSession(sessionID)
	}
	records, err := s.store.ListSessions(1)
	if err != nil {
		return model.SessionRecord{}, err
	}
	if len(records) == 0 {
		return model.SessionRecord{}, fmt.Errorf("no sessions recorded")
	}
	return records[0], nil
}

func (s *Service) Status(sessionID string) (string, error) {
	detail, err := s.SessionDetail(sessionID)
	if err != nil {
		return "", err
	}
	record := detail.Record

	var b strings.Builder
	b.WriteString(fmt.Sprintf("Session: %s\n", record.SessionID))
	b.WriteString(fmt.Sprintf("Status: %s\n", record.Status))
	if detail.Stale {
		b.WriteString(fmt.Sprintf("Warning: recorded child pid %d is gone; session looks stale\n", record.ChildPID))
	}
	b.WriteString(fmt.Sprintf("Targets: %s\n", strings.Join(record.Targets, ", ")))
	if record.Workspace != "" {
		b.WriteString(fmt.Sprintf("Workspace: %s\n", record.Workspace))
	}
	if record.InvocationID != "" {
		b.WriteString(fmt.Sprintf("Invocation: %s\n", record.InvocationID))
	}
	if record.Edited {
		b.WriteString("Edited: yes\n")
	}
	if record.ChildPID > 0 {
		b.WriteString(fmt.Sprintf("Child PID: %d\n", record.ChildPID))
	}
	if record.ExitCode != nil {
		b.WriteString(fmt.Sprintf("Exit code: %d\n", *record.ExitCode))
	}
	if record.ErrorText != "" {
		b.WriteString(fmt.Sprintf("Error: %s\n", record.ErrorText))
	}
	b.WriteString(fmt.Sprintf("Created: %s\n", record.CreatedAt.Format(time.RFC3339)))
	b.WriteString(fmt.Sprintf("Started: %s\n", formatTimeOrDash(record.StartedAt)))
	b.WriteString(fmt.Sprintf("Finished: %s\n", formatTimeOrDash(record.FinishedAt)))

	if len(detail.Pointers) > 0 {
		b.WriteString("Pointers:\n")
		for _, pointer := range detail.Pointers {
			marker := " "
			if pointer.SessionID == record.SessionID {
				marker = "*"
			}
			b.WriteString(fmt.Sprintf("  %s %s -> %s (%s)\n", marker, pointer.Name, pointer.SessionID, pointer.Workspace))
		}
	}
	if len(detail.Events) > 0 {
		b.WriteString("Recent events:\n")
		for _, event := range detail.Events {
			line := fmt.Sprintf("  %s %s", event.CreatedAt.Format(time.RFC3339), event.EventType)
			if event.FromState != "" || event.ToState != "" {
				line += fmt.Sprintf(" %s -> %s", event.FromState, event.ToState)
			}
			if event.Message != "" {
				line += ": " + event.Message
			}
			b.WriteString(line + "\n")
		}
	}
	return b.String(), nil
}

func (s *Service) Sessions(limit int) ([]model.SessionRecord, error) {
	return s.store.ListSessions(limit)
}

func (s *Service) Events(sessionID string, limit int) ([]model.EventRecord, error) {
	return s.store.ListEvents(strings.TrimSpace(sessionID), limit)
}

func (s *Service) Pointers() ([]model.PointerRecord, error) {
	return s.store.ListPointers()
}

// LogTail returns the last lines of a session's unified log. An empty
// session id reads the most recent session.
func (s *Service) LogTail(sessionID string, lines int) ([]string, error) {
	record, err := s.resolveSession(sessionID)
	if err != nil {
		return nil, err
	}
	if record.Workspace == "" {
		return nil, fmt.Errorf("session %s has no workspace", record.SessionID)
	}
	if lines <= 0 {
		lines = 20
	}
	return logpipe.Tail(filepath.Join(record.Workspace, model.UnifiedLogFileName), lines)
}

func (s *Service) BusStats() (model.OutboxStats, error) {
	return s.store.OutboxStats()
}

func (s *Service) BusHealth() error {
	return s.bus.Healthy()
}

func (s *Service) BusProcessOnce(ctx context.Context, limit int) (int, error) {
	return s.bus.ProcessOnce(ctx, limit)
}

func (s *Service) RecentBusMessages(limit int) ([]model.OutboxMessage, error) {
	return s.store.ListRecentOutbox(limit)
}

func formatTimeOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
