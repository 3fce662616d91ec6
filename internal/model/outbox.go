package model

import "time"

type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusSent       OutboxStatus = "sent"
	OutboxStatusFailed     OutboxStatus = "failed"
)

// TopicSessionStatus carries one message per session status transition.
const TopicSessionStatus = "session.status"

type OutboxMessage struct {
	ID         int64        `json:"id"`
	MessageID  string       `json:"message_id"`
	Topic      string       `json:"topic"`
	MessageKey string       `json:"message_key"`
	Payload    string       `json:"payload"`
	Status     OutboxStatus `json:"status"`
	ClaimToken string       `json:"claim_token,omitempty"`
	Attempts   int          `json:"attempts"`
	LastError  string       `json:"last_error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	SentAt     *time.Time   `json:"sent_at,omitempty"`
}

type OutboxStats struct {
	PendingCount      int   `json:"pending_count"`
	ProcessingCount   int   `json:"processing_count"`
	SentCount         int   `json:"sent_count"`
	FailedCount       int   `json:"failed_count"`
	OldestPendingAge  int64 `json:"oldest_pending_age_sec"`
	TotalCount        int   `json:"total_count"`
	LastSentAgeSec    int64 `json:"last_sent_age_sec"`
	HasPendingBacklog bool  `json:"has_pending_backlog"`
}

// SessionStatusEvent is the payload published on TopicSessionStatus.
type SessionStatusEvent struct {
	SessionID  string   `json:"session_id"`
	Targets    []string `json:"targets"`
	FromStatus string   `json:"from_status"`
	ToStatus   string   `json:"to_status"`
	Workspace  string   `json:"workspace,omitempty"`
	ExitCode   *int     `json:"exit_code,omitempty"`
	OccurredAt string   `json:"occurred_at"`
}
