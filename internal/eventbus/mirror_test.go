package eventbus

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"datamake/internal/model"
	"datamake/internal/policy"
)

func startTestRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(server.Close)
	return server
}

func testPolicyWithRedis(server *miniredis.Miniredis) policy.Config {
	cfg := policy.Default()
	cfg.Events.RedisURL = "redis://" + server.Addr() + "/0"
	cfg.Events.Stream = "datamake-status-test"
	return cfg
}

func TestMirrorPublishesToRedisStream(t *testing.T) {
	redisServer := startTestRedis(t)
	cfg := testPolicyWithRedis(redisServer)

	mirror, err := NewMirror(cfg, nil)
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}
	t.Cleanup(func() { _ = mirror.Close() })

	ctx := context.Background()
	if err := mirror.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	handler := mirror.Handler()
	for _, id := range []string{"evt-a", "evt-b"} {
		err := handler(ctx, model.OutboxMessage{
			MessageID:  id,
			Topic:      model.TopicSessionStatus,
			MessageKey: "ses-9",
			Payload:    `{"session_id":"ses-9","to_status":"succeeded"}`,
		})
		if err != nil {
			t.Fatalf("mirror %s: %v", id, err)
		}
	}

	opts, err := redis.ParseURL(cfg.Events.RedisURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	length, err := client.XLen(ctx, cfg.Events.Stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if length != 2 {
		t.Fatalf("expected 2 stream entries, got %d", length)
	}
}

func TestMirrorRejectsBadURL(t *testing.T) {
	cfg := policy.Default()
	cfg.Events.RedisURL = "not-a-url"
	if _, err := NewMirror(cfg, nil); err == nil {
		t.Fatalf("expected error for malformed redis url")
	}
}

func TestMirrorPingFailsAfterOutage(t *testing.T) {
	redisServer := startTestRedis(t)
	cfg := testPolicyWithRedis(redisServer)

	mirror, err := NewMirror(cfg, nil)
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}
	t.Cleanup(func() { _ = mirror.Close() })

	redisServer.Close()
	if err := mirror.Ping(context.Background()); err == nil {
		t.Fatalf("expected ping to fail after redis outage")
	}
}
