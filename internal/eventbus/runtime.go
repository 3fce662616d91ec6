package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"datamake/internal/model"
	"datamake/internal/policy"
	"datamake/internal/store"
)

type MessageHandler func(context.Context, model.OutboxMessage) error

// Runtime drives the transactional outbox: Publish enqueues durably in the
// same store the session writes to, ProcessOnce drains claimed batches
// through registered per-topic handlers.
type Runtime struct {
	store    *store.SQLiteStore
	cfg      policy.Config
	mu       sync.RWMutex
	running  bool
	handlers map[string]MessageHandler
}

func NewRuntime(sqliteStore *store.SQLiteStore, cfg policy.Config) *Runtime {
	return &Runtime{
		store:    sqliteStore,
		cfg:      cfg,
		handlers: make(map[string]MessageHandler),
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	r.running = true
	return nil
}

func (r *Runtime) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
}

func (r *Runtime) Healthy() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.running {
		return fmt.Errorf("event bus runtime not started")
	}
	return nil
}

func (r *Runtime) RegisterHandler(topic string, handler MessageHandler) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return fmt.Errorf("event bus topic is required")
	}
	if handler == nil {
		return fmt.Errorf("event bus handler is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[topic] = handler
	return nil
}

// RegisterLocalDrain accepts messages on topic without forwarding them
// anywhere. Standalone installations without a broker use it so the outbox
// still drains and remains a queryable audit trail.
func (r *Runtime) RegisterLocalDrain(topic string) error {
	return r.RegisterHandler(topic, func(context.Context, model.OutboxMessage) error {
		return nil
	})
}

func (r *Runtime) Publish(topic string, messageKey string, payload any) (string, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return "", fmt.Errorf("event bus publish topic is required")
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal event bus payload: %w", err)
	}
	messageID := "evt-" + uuid.NewString()
	if err := r.store.EnqueueOutbox(model.OutboxMessage{
		MessageID:  messageID,
		Topic:      topic,
		MessageKey: strings.TrimSpace(messageKey),
		Payload:    string(encoded),
		Status:     model.OutboxStatusPending,
	}); err != nil {
		return "", err
	}
	return messageID, nil
}

func (r *Runtime) ProcessOnce(ctx context.Context, limit int) (int, error) {
	if err := r.Healthy(); err != nil {
		return 0, err
	}
	batch, err := r.store.ClaimOutboxPending(limit)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	r.mu.RLock()
	handlers := make(map[string]MessageHandler, len(r.handlers))
	for k, v := range r.handlers {
		handlers[k] = v
	}
	r.mu.RUnlock()

	for _, msg := range batch {
		handler := handlers[msg.Topic]
		if handler == nil {
			_ = r.store.MarkOutboxFailed(msg.MessageID, fmt.Sprintf("no handler for topic %s", msg.Topic))
			continue
		}
		if err := handler(ctx, msg); err != nil {
			_ = r.store.MarkOutboxFailed(msg.MessageID, err.Error())
			continue
		}
		if err := r.store.MarkOutboxSent(msg.MessageID); err != nil {
			return 0, err
		}
	}
	return len(batch), nil
}
