package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mohammad-safakhou/corpus/config"
	"github.com/redis/go-redis/v9"
)

// DialRedis opens a client and checks it answers PING.
func DialRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		DialTimeout: cfg.Timeout,
		Password:    cfg.Password,
		DB:          cfg.DB,
	})
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr(), err)
	}
	if pong != "PONG" {
		_ = client.Close()
		return nil, fmt.Errorf("expected PONG, got %s", pong)
	}
	return client, nil
}

// RedisStore keeps the value at prefix+key, the bookkeeping in a hash at
// prefix+"meta:"+key and every live key in the set prefix+"keys". Both
// value and hash carry a physical TTL of twice the cache TTL so abandoned
// entries disappear even if no sweep runs.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	physTTL time.Duration
}

// NewRedisStore wraps client. ttl is the logical cache TTL.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "corpus:cache:"
	}
	return &RedisStore{client: client, prefix: prefix, physTTL: 2 * ttl}
}

func (s *RedisStore) valueKey(key string) string { return s.prefix + key }
func (s *RedisStore) metaKey(key string) string  { return s.prefix + "meta:" + key }
func (s *RedisStore) setKey() string             { return s.prefix + "keys" }

func (s *RedisStore) Read(ctx context.Context, key string) (Entry, bool, error) {
	pipe := s.client.Pipeline()
	valCmd := pipe.Get(ctx, s.valueKey(key))
	metaCmd := pipe.HGetAll(ctx, s.metaKey(key))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Entry{}, false, fmt.Errorf("redis read %s: %w", key, err)
	}
	val, err := valCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		s.client.SRem(ctx, s.setKey(), key)
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis read %s: %w", key, err)
	}
	meta, err := parseMeta(key, metaCmd.Val())
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{Meta: meta, Value: val}, true, nil
}

func (s *RedisStore) Write(ctx context.Context, e Entry) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.valueKey(e.Key), []byte(e.Value), s.physTTL)
		pipe.Del(ctx, s.metaKey(e.Key))
		pipe.HSet(ctx, s.metaKey(e.Key), map[string]any{
			"created_at":   e.CreatedAt.UTC().Format(time.RFC3339Nano),
			"access_count": e.AccessCount,
			"last_access":  e.LastAccess.UTC().Format(time.RFC3339Nano),
			"priority":     string(e.Priority),
		})
		if s.physTTL > 0 {
			pipe.Expire(ctx, s.metaKey(e.Key), s.physTTL)
		}
		pipe.SAdd(ctx, s.setKey(), e.Key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis write %s: %w", e.Key, err)
	}
	return nil
}

func (s *RedisStore) Touch(ctx context.Context, key string, at time.Time) error {
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, s.metaKey(key), "access_count", 1)
		pipe.HSet(ctx, s.metaKey(key), "last_access", at.UTC().Format(time.RFC3339Nano))
		return nil
	})
	return err
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	names := make([]string, 0, len(keys))
	members := make([]any, 0, len(keys))
	for _, k := range keys {
		names = append(names, s.valueKey(k))
		members = append(members, k)
	}
	var delCmd *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		delCmd = pipe.Del(ctx, names...)
		for _, k := range keys {
			pipe.Del(ctx, s.metaKey(k))
		}
		pipe.SRem(ctx, s.setKey(), members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis delete: %w", err)
	}
	return int(delCmd.Val()), nil
}

// ScanExpired also reports keys whose hash has already expired physically
// so they are dropped from the key set.
func (s *RedisStore) ScanExpired(ctx context.Context, createdBefore time.Time) ([]string, error) {
	metas, stale, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	out := stale
	for _, m := range metas {
		if m.CreatedAt.Before(createdBefore) {
			out = append(out, m.Key)
		}
	}
	return out, nil
}

func (s *RedisStore) List(ctx context.Context) ([]Meta, error) {
	metas, _, err := s.scan(ctx)
	return metas, err
}

func (s *RedisStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, s.setKey()).Result()
	return int(n), err
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) scan(ctx context.Context) ([]Meta, []string, error) {
	keys, err := s.client.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("redis list: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, s.metaKey(k))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, fmt.Errorf("redis list: %w", err)
	}
	var (
		metas []Meta
		stale []string
	)
	for i, k := range keys {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			stale = append(stale, k)
			continue
		}
		m, err := parseMeta(k, fields)
		if err != nil {
			stale = append(stale, k)
			continue
		}
		metas = append(metas, m)
	}
	return metas, stale, nil
}

func parseMeta(key string, fields map[string]string) (Meta, error) {
	m := Meta{Key: key, Priority: Priority(fields["priority"])}
	if v := fields["created_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return Meta{}, fmt.Errorf("entry %s created_at: %w", key, err)
		}
		m.CreatedAt = t
	}
	if v := fields["last_access"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			m.LastAccess = t
		}
	}
	if v := fields["access_count"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Meta{}, fmt.Errorf("entry %s access_count: %w", key, err)
		}
		m.AccessCount = n
	}
	return m, nil
}
