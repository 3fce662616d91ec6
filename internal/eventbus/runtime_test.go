package eventbus

import (
	"context"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"

	"datamake/internal/model"
	"datamake/internal/policy"
	"datamake/internal/store"
)

func newTestRuntime(t *testing.T) (*Runtime, *store.SQLiteStore) {
	t.Helper()
	if _, err := exec.LookPath("sqlite3"); err != nil {
		t.Skip("sqlite3 not available")
	}
	dbPath := filepath.Join(t.TempDir(), "datamake.db")
	sqliteStore := store.NewSQLiteStore(dbPath)
	if err := sqliteStore.Init(); err != nil {
		t.Fatalf("init store: %v", err)
	}
	rt := NewRuntime(sqliteStore, policy.Default())
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start runtime: %v", err)
	}
	t.Cleanup(rt.Stop)
	return rt, sqliteStore
}

func TestRuntimePublishAndProcessOnce(t *testing.T) {
	rt, sqliteStore := newTestRuntime(t)

	var handled int32
	if err := rt.RegisterHandler(model.TopicSessionStatus, func(ctx context.Context, message model.OutboxMessage) error {
		_ = ctx
		if message.Topic != model.TopicSessionStatus {
			t.Fatalf("unexpected topic %s", message.Topic)
		}
		atomic.AddInt32(&handled, 1)
		return nil
	}); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	if _, err := rt.Publish(model.TopicSessionStatus, "ses-1", model.SessionStatusEvent{
		SessionID: "ses-1",
		ToStatus:  string(model.SessionStatusRunning),
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	processed, err := rt.ProcessOnce(context.Background(), 10)
	if err != nil {
		t.Fatalf("process once: %v", err)
	}
	if processed < 1 {
		t.Fatalf("expected processed>=1, got %d", processed)
	}
	if atomic.LoadInt32(&handled) != 1 {
		t.Fatalf("expected handler invocation count 1, got %d", handled)
	}
	sent, err := sqliteStore.ListOutboxByStatus(model.OutboxStatusSent, 10)
	if err != nil {
		t.Fatalf("list sent outbox: %v", err)
	}
	if len(sent) != 1 {
		t.Fatalf("expected one sent outbox message, got %d", len(sent))
	}
}

func TestRuntimeLocalDrainMarksSent(t *testing.T) {
	rt, sqliteStore := newTestRuntime(t)

	if err := rt.RegisterLocalDrain(model.TopicSessionStatus); err != nil {
		t.Fatalf("register local drain: %v", err)
	}
	if _, err := rt.Publish(model.TopicSessionStatus, "ses-2", map[string]any{"session_id": "ses-2"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := rt.ProcessOnce(context.Background(), 10); err != nil {
		t.Fatalf("process once: %v", err)
	}

	stats, err := sqliteStore.OutboxStats()
	if err != nil {
		t.Fatalf("outbox stats: %v", err)
	}
	if stats.SentCount != 1 || stats.PendingCount != 0 {
		t.Fatalf("expected drained outbox, got %+v", stats)
	}
}

func TestRuntimeReplaysFailedMessageAfterHandlerRegistration(t *testing.T) {
	rt, sqliteStore := newTestRuntime(t)

	if _, err := rt.Publish(model.TopicSessionStatus, "ses-3", map[string]any{"ok": true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := rt.ProcessOnce(context.Background(), 10); err != nil {
		t.Fatalf("process without handler: %v", err)
	}

	failed, err := sqliteStore.ListOutboxByStatus(model.OutboxStatusFailed, 10)
	if err != nil {
		t.Fatalf("list failed outbox messages: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected one failed outbox message, got %d", len(failed))
	}

	var handled int32
	if err := rt.RegisterHandler(model.TopicSessionStatus, func(ctx context.Context, message model.OutboxMessage) error {
		_ = ctx
		atomic.AddInt32(&handled, 1)
		return nil
	}); err != nil {
		t.Fatalf("register replay handler: %v", err)
	}
	if _, err := rt.ProcessOnce(context.Background(), 10); err != nil {
		t.Fatalf("process replay message: %v", err)
	}
	if atomic.LoadInt32(&handled) != 1 {
		t.Fatalf("expected replay handler invocation count 1, got %d", handled)
	}

	sent, err := sqliteStore.ListOutboxByStatus(model.OutboxStatusSent, 10)
	if err != nil {
		t.Fatalf("list sent outbox messages: %v", err)
	}
	if len(sent) != 1 {
		t.Fatalf("expected replayed message to move to sent, got %d sent rows", len(sent))
	}
}

func TestRuntimeRejectsBadInput(t *testing.T) {
	rt, _ := newTestRuntime(t)

	if _, err := rt.Publish("", "key", map[string]any{}); err == nil {
		t.Fatalf("expected publish to reject empty topic")
	}
	if err := rt.RegisterHandler("", func(context.Context, model.OutboxMessage) error { return nil }); err == nil {
		t.Fatalf("expected register to reject empty topic")
	}
	if err := rt.RegisterHandler("x", nil); err == nil {
		t.Fatalf("expected register to reject nil handler")
	}

	rt.Stop()
	if _, err := rt.ProcessOnce(context.Background(), 10); err == nil {
		t.Fatalf("expected process once to fail when runtime stopped")
	}
}
