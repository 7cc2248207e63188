package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Priority orders entries for eviction. Critical entries are never evicted.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// ParsePriority maps a string to a Priority, defaulting to normal.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return p, nil
	default:
		return "", fmt.Errorf("unknown cache priority %q", s)
	}
}

// Meta is the bookkeeping half of an entry.
type Meta struct {
	Key         string    `json:"key"`
	CreatedAt   time.Time `json:"created_at"`
	AccessCount int64     `json:"access_count"`
	LastAccess  time.Time `json:"last_access"`
	Priority    Priority  `json:"priority"`
}

// Expired reports whether the entry is older than ttl at now.
func (m Meta) Expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(m.CreatedAt) > ttl
}

// Entry is one cached value with its bookkeeping.
type Entry struct {
	Meta
	Value json.RawMessage `json:"value"`
}

// Decode unmarshals the cached value into out.
func (e Entry) Decode(out any) error {
	return json.Unmarshal(e.Value, out)
}

// Store is a backing store for the manager. Read on a missing key returns
// ok=false and a nil error.
type Store interface {
	Read(ctx context.Context, key string) (Entry, bool, error)
	Write(ctx context.Context, e Entry) error
	Touch(ctx context.Context, key string, at time.Time) error
	Delete(ctx context.Context, keys ...string) (int, error)
	ScanExpired(ctx context.Context, createdBefore time.Time) ([]string, error)
	List(ctx context.Context) ([]Meta, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// Key derives the cache key for a topic request.
func Key(topic, preset, level, style string) string {
	norm := strings.ToLower(strings.TrimSpace(topic))
	sum := sha256.Sum256([]byte(norm + "|" + preset + "|" + level + "|" + style))
	return "topic:" + hex.EncodeToString(sum[:])
}
