package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T, ctx context.Context) *redis.Client {
	t.Helper()
	redisC, err := tcRedis.RunContainer(ctx,
		testcontainers.WithImage("redis:7-alpine"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")),
	)
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	t.Cleanup(func() { _ = redisC.Terminate(ctx) })
	uri, err := redisC.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("redis uri: %v", err)
	}
	opts, err := redis.ParseURL(uri)
	if err != nil {
		t.Fatalf("parse redis uri: %v", err)
	}
	return redis.NewClient(opts)
}

func TestRedisStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	client := startRedis(t, ctx)
	store := NewRedisStore(client, "test:cache:", time.Hour)

	m, err := NewManager(Config{TTL: time.Hour}, store)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if err := m.Set(ctx, "topic:a", corpus{Topic: "a"}, SetOptions{Priority: PriorityHigh}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	// bypass the hot layer so the round trip hits Redis
	e, ok, err := store.Read(ctx, "topic:a")
	if err != nil || !ok {
		t.Fatalf("Read = %v, %v", ok, err)
	}
	var got corpus
	if err := e.Decode(&got); err != nil || got.Topic != "a" {
		t.Fatalf("decoded %+v, %v", got, err)
	}
	if e.Priority != PriorityHigh {
		t.Fatalf("priority = %s", e.Priority)
	}

	if _, ok, _ := m.Get(ctx, "topic:a"); !ok {
		t.Fatalf("expected hit")
	}
	e, _, _ = store.Read(ctx, "topic:a")
	if e.AccessCount != 1 {
		t.Fatalf("access count = %d", e.AccessCount)
	}
	if ttl := client.TTL(ctx, "test:cache:topic:a").Val(); ttl <= time.Hour {
		t.Fatalf("physical ttl should be twice the cache ttl, got %s", ttl)
	}

	old := Entry{Meta: Meta{Key: "topic:old", CreatedAt: time.Now().Add(-2 * time.Hour)}, Value: []byte(`{}`)}
	if err := store.Write(ctx, old); err != nil {
		t.Fatalf("Write: %v", err)
	}
	rep, err := m.Sweep(ctx)
	if err != nil || rep.Expired != 1 {
		t.Fatalf("Sweep = %+v, %v", rep, err)
	}
	if n, _ := store.Len(ctx); n != 1 {
		t.Fatalf("Len = %d", n)
	}
	if _, ok, _ := store.Read(ctx, "topic:missing"); ok {
		t.Fatalf("missing key should miss")
	}
}
