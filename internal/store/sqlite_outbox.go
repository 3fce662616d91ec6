package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v3"

	"datamake/internal/model"
)

func (s *SQLiteStore) EnqueueOutbox(message model.OutboxMessage) error {
	messageID := strings.TrimSpace(message.MessageID)
	topic := strings.TrimSpace(message.Topic)
	payload := strings.TrimSpace(message.Payload)
	if messageID == "" {
		return fmt.Errorf("outbox message_id is required")
	}
	if topic == "" {
		return fmt.Errorf("outbox topic is required")
	}
	if payload == "" {
		return fmt.Errorf("outbox payload_json is required")
	}
	status := message.Status
	if strings.TrimSpace(string(status)) == "" {
		status = model.OutboxStatusPending
	}
	now := time.Now().Format(time.RFC3339)
	sql := fmt.Sprintf(
		`INSERT OR IGNORE INTO outbox
  (message_id, topic, message_key, payload_json, status, claim_token, attempt_count, last_error, created_at, updated_at, sent_at)
VALUES
  (%s, %s, %s, %s, %s, '', %d, %s, %s, %s, '');`,
		quote(messageID),
		quote(topic),
		quote(strings.TrimSpace(message.MessageKey)),
		quote(payload),
		quote(string(status)),
		message.Attempts,
		quote(strings.TrimSpace(message.LastError)),
		quote(now),
		quote(now),
	)
	return s.execSQL(sql)
}

// ClaimOutboxPending marks up to limit pending or failed messages as
// processing under a fresh claim token and returns exactly the claimed rows.
func (s *SQLiteStore) ClaimOutboxPending(limit int) ([]model.OutboxMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	token := shortuuid.New()
	sql := fmt.Sprintf(
		`BEGIN IMMEDIATE;
UPDATE outbox
SET status=%s,
    claim_token=%s,
    attempt_count=attempt_count+1,
    updated_at=%s
WHERE id IN (
  SELECT id
  FROM outbox
  WHERE status IN (%s, %s)
  ORDER BY created_at, id
  LIMIT %d
);
COMMIT;`,
		quote(string(model.OutboxStatusProcessing)),
		quote(token),
		quote(time.Now().Format(time.RFC3339)),
		quote(string(model.OutboxStatusPending)),
		quote(string(model.OutboxStatusFailed)),
		limit,
	)
	if err := s.execSQL(sql); err != nil {
		return nil, err
	}
	return s.listOutboxByClaimToken(token)
}

func (s *SQLiteStore) MarkOutboxSent(messageID string) error {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return fmt.Errorf("outbox message_id is required")
	}
	now := time.Now().Format(time.RFC3339)
	sql := fmt.Sprintf(
		`UPDATE outbox
SET status=%s,
    claim_token='',
    last_error='',
    sent_at=%s,
    updated_at=%s
WHERE message_id=%s;`,
		quote(string(model.OutboxStatusSent)),
		quote(now),
		quote(now),
		quote(messageID),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) MarkOutboxFailed(messageID string, lastError string) error {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return fmt.Errorf("outbox message_id is required")
	}
	now := time.Now().Format(time.RFC3339)
	sql := fmt.Sprintf(
		`UPDATE outbox
SET status=%s,
    claim_token='',
    last_error=%s,
    updated_at=%s
WHERE message_id=%s;`,
		quote(string(model.OutboxStatusFailed)),
		quote(strings.TrimSpace(lastError)),
		quote(now),
		quote(messageID),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) ListOutboxByStatus(status model.OutboxStatus, limit int) ([]model.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := fmt.Sprintf(
		`SELECT id, message_id, topic, message_key, payload_json, status, claim_token, attempt_count, last_error, created_at, updated_at, sent_at
FROM outbox
WHERE status=%s
ORDER BY id
LIMIT %d;`,
		quote(string(status)),
		limit,
	)
	return s.listOutbox(sql)
}

func (s *SQLiteStore) ListRecentOutbox(limit int) ([]model.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := fmt.Sprintf(
		`SELECT id, message_id, topic, message_key, payload_json, status, claim_token, attempt_count, last_error, created_at, updated_at, sent_at
FROM outbox
ORDER BY id DESC
LIMIT %d;`,
		limit,
	)
	return s.listOutbox(sql)
}

func (s *SQLiteStore) listOutboxByClaimToken(token string) ([]model.OutboxMessage, error) {
	sql := fmt.Sprintf(
		`SELECT id, message_id, topic, message_key, payload_json, status, claim_token, attempt_count, last_error, created_at, updated_at, sent_at
FROM outbox
WHERE status=%s AND claim_token=%s
ORDER BY created_at, id;`,
		quote(string(model.OutboxStatusProcessing)),
		quote(token),
	)
	return s.listOutbox(sql)
}

func (s *SQLiteStore) listOutbox(sql string) ([]model.OutboxMessage, error) {
	rows, err := s.queryJSON(sql)
	if err != nil {
		return nil, err
	}
	out := make([]model.OutboxMessage, 0, len(rows))
	for _, row := range rows {
		message, err := parseOutboxMessage(row)
		if err != nil {
			return nil, err
		}
		out = append(out, message)
	}
	return out, nil
}

func (s *SQLiteStore) CountOutboxByStatus(status model.OutboxStatus) (int, error) {
	sql := fmt.Sprintf(
		`SELECT count(*) AS count
FROM outbox
WHERE status=%s;`,
		quote(string(status)),
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return asInt(rows[0]["count"]), nil
}

func (s *SQLiteStore) OutboxStats() (model.OutboxStats, error) {
	stats := model.OutboxStats{}
	counts := map[model.OutboxStatus]*int{
		model.OutboxStatusPending:    &stats.PendingCount,
		model.OutboxStatusProcessing: &stats.ProcessingCount,
		model.OutboxStatusSent:       &stats.SentCount,
		model.OutboxStatusFailed:     &stats.FailedCount,
	}
	for status, target := range counts {
		count, err := s.CountOutboxByStatus(status)
		if err != nil {
			return model.OutboxStats{}, err
		}
		*target = count
	}
	stats.TotalCount = stats.PendingCount + stats.ProcessingCount + stats.SentCount + stats.FailedCount
	stats.HasPendingBacklog = stats.PendingCount > 0 || stats.FailedCount > 0

	now := time.Now()
	if oldest, err := s.oldestOutboxCreatedAt(model.OutboxStatusPending); err != nil {
		return model.OutboxStats{}, err
	} else if oldest != nil {
		stats.OldestPendingAge = int64(now.Sub(*oldest).Seconds())
	}
	if lastSent, err := s.latestOutboxSentAt(); err != nil {
		return model.OutboxStats{}, err
	} else if lastSent != nil {
		stats.LastSentAgeSec = int64(now.Sub(*lastSent).Seconds())
	}
	return stats, nil
}

func (s *SQLiteStore) oldestOutboxCreatedAt(status model.OutboxStatus) (*time.Time, error) {
	sql := fmt.Sprintf(
		`SELECT created_at
FROM outbox
WHERE status=%s
ORDER BY created_at, id
LIMIT 1;`,
		quote(string(status)),
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return parseTimePtr(asString(rows[0]["created_at"])), nil
}

func (s *SQLiteStore) latestOutboxSentAt() (*time.Time, error) {
	sql := fmt.Sprintf(
		`SELECT sent_at
FROM outbox
WHERE status=%s AND sent_at != ''
ORDER BY sent_at DESC
LIMIT 1;`,
		quote(string(model.OutboxStatusSent)),
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return parseTimePtr(asString(rows[0]["sent_at"])), nil
}

func parseOutboxMessage(row map[string]any) (model.OutboxMessage, error) {
	createdAt, err := time.Parse(time.RFC3339, asString(row["created_at"]))
	if err != nil {
		return model.OutboxMessage{}, fmt.Errorf("parse outbox created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339, asString(row["updated_at"]))
	if err != nil {
		return model.OutboxMessage{}, fmt.Errorf("parse outbox updated_at: %w", err)
	}
	return model.OutboxMessage{
		ID:         int64(asInt(row["id"])),
		MessageID:  asString(row["message_id"]),
		Topic:      asString(row["topic"]),
		MessageKey: asString(row["message_key"]),
		Payload:    asString(row["payload_json"]),
		Status:     model.OutboxStatus(asString(row["status"])),
		ClaimToken: asString(row["claim_token"]),
		Attempts:   asInt(row["attempt_count"]),
		LastError:  asString(row["last_error"]),
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
		SentAt:     parseTimePtr(asString(row["sent_at"])),
	}, nil
}
