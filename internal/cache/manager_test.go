package cache

import (
	"context"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type corpus struct {
	Topic   string   `json:"topic"`
	Results []string `json:"results"`
}

func newManager(t *testing.T, cfg Config, store Store) (*Manager, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	m, err := NewManager(cfg, store, WithClock(clk.Now), WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m, clk
}

func TestSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, Config{}, NewMemoryStore())
	key := Key("  Go Channels ", "general", "beginner", "")
	want := corpus{Topic: "go channels", Results: []string{"a", "b"}}
	if err := m.Set(ctx, key, want, SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	e, ok, err := m.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	var got corpus
	if err := e.Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Topic != want.Topic || len(got.Results) != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if e.Priority != PriorityNormal || e.AccessCount != 1 {
		t.Fatalf("unexpected meta %+v", e.Meta)
	}
	if _, ok, err := m.Get(ctx, "topic:missing"); ok || err != nil {
		t.Fatalf("missing key should be a clean miss, got %v, %v", ok, err)
	}
}

func TestKeyNormalisesTopic(t *testing.T) {
	a := Key("Rust Ownership", "general", "", "")
	b := Key("  rust ownership ", "general", "", "")
	if a != b || !strings.HasPrefix(a, "topic:") {
		t.Fatalf("keys differ: %s vs %s", a, b)
	}
	if a == Key("rust ownership", "academic", "", "") {
		t.Fatalf("preset should change the key")
	}
}

func TestExpiredEntryIsMissAndSwept(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m, clk := newManager(t, Config{TTL: 7 * 24 * time.Hour}, store)
	old := Entry{
		Meta:  Meta{Key: "topic:old", CreatedAt: clk.Now().Add(-8 * 24 * time.Hour), Priority: PriorityCritical},
		Value: []byte(`{}`),
	}
	_ = store.Write(ctx, old)
	_ = store.Write(ctx, Entry{Meta: Meta{Key: "topic:stale", CreatedAt: clk.Now().Add(-8 * 24 * time.Hour)}, Value: []byte(`{}`)})
	_ = m.Set(ctx, "topic:fresh", corpus{Topic: "fresh"}, SetOptions{})

	if _, ok, _ := m.Get(ctx, "topic:old"); ok {
		t.Fatalf("8 day old entry should be a miss with 7 day TTL")
	}
	if _, ok, _ := store.Read(ctx, "topic:old"); ok {
		t.Fatalf("expired read should delete the entry")
	}
	rep, err := m.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Expired != 1 {
		t.Fatalf("expected 1 expired entry swept, got %+v", rep)
	}
	if n, _ := store.Len(ctx); n != 1 {
		t.Fatalf("only the fresh entry should remain, got %d", n)
	}

	clk.Advance(8 * 24 * time.Hour)
	if _, ok, _ := m.Get(ctx, "topic:fresh"); ok {
		t.Fatalf("hot layer must honour TTL")
	}
}

func TestEvictionPolicy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m, clk := newManager(t, Config{MaxEntries: 3, LowAccessThreshold: 1}, store)

	_ = m.Set(ctx, "critical", corpus{}, SetOptions{Priority: PriorityCritical})
	clk.Advance(time.Minute)
	_ = m.Set(ctx, "popular", corpus{}, SetOptions{})
	for i := 0; i < 5; i++ {
		m.Get(ctx, "popular")
	}
	clk.Advance(time.Minute)
	_ = m.Set(ctx, "rare", corpus{}, SetOptions{})
	clk.Advance(time.Minute)
	_ = m.Set(ctx, "newest", corpus{}, SetOptions{})

	if n, _ := store.Len(ctx); n != 3 {
		t.Fatalf("expected 3 entries after eviction, got %d", n)
	}
	if _, ok, _ := store.Read(ctx, "rare"); ok {
		t.Fatalf("rarely accessed entry should be evicted first")
	}
	for _, k := range []string{"critical", "popular", "newest"} {
		if _, ok, _ := store.Read(ctx, k); !ok {
			t.Fatalf("%s should survive eviction", k)
		}
	}
}

func TestCriticalNeverEvicted(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m, clk := newManager(t, Config{MaxEntries: 1}, store)
	_ = m.Set(ctx, "a", corpus{}, SetOptions{Priority: PriorityCritical})
	clk.Advance(time.Second)
	_ = m.Set(ctx, "b", corpus{}, SetOptions{Priority: PriorityCritical})
	if n, _ := store.Len(ctx); n != 2 {
		t.Fatalf("critical entries must stay even over the limit, got %d", n)
	}
}

func TestInvalidateAndStats(t *testing.T) {
	ctx := context.Background()
	m, clk := newManager(t, Config{StatsTopN: 1}, NewMemoryStore())
	_ = m.Set(ctx, "a", corpus{}, SetOptions{})
	_ = m.Set(ctx, "b", corpus{}, SetOptions{})
	m.Get(ctx, "b")
	m.Get(ctx, "b")
	m.Get(ctx, "nope")
	clk.Advance(time.Hour)

	st, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Hits != 2 || st.Misses != 1 || st.Entries != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if st.HitRate < 0.66 || st.HitRate > 0.67 {
		t.Fatalf("hit rate = %v", st.HitRate)
	}
	if len(st.TopKeys) != 1 || st.TopKeys[0].Key != "b" || st.TopKeys[0].AccessCount != 2 {
		t.Fatalf("top keys = %+v", st.TopKeys)
	}
	if st.AverageAge != time.Hour {
		t.Fatalf("average age = %s", st.AverageAge)
	}

	removed, err := m.Invalidate(ctx, "b")
	if err != nil || !removed {
		t.Fatalf("Invalidate = %v, %v", removed, err)
	}
	if _, ok, _ := m.Get(ctx, "b"); ok {
		t.Fatalf("invalidated key still served")
	}
}

func TestConcurrentWritesLastWins(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, Config{}, NewMemoryStore())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = m.Set(ctx, "k", corpus{Results: []string{string(rune('a' + i))}}, SetOptions{})
		}(i)
	}
	wg.Wait()
	e, ok, _ := m.Get(ctx, "k")
	if !ok {
		t.Fatalf("expected entry after concurrent writes")
	}
	var got corpus
	if err := e.Decode(&got); err != nil || len(got.Results) != 1 {
		t.Fatalf("entry corrupted: %v %+v", err, got)
	}
}

func TestSweeperRunsOnSchedule(t *testing.T) {
	if testing.Short() {
		t.Skip("waits on a one-second cron tick")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := NewMemoryStore()
	m, clk := newManager(t, Config{TTL: time.Hour}, store)
	_ = store.Write(ctx, Entry{Meta: Meta{Key: "old", CreatedAt: clk.Now().Add(-2 * time.Hour)}, Value: []byte(`{}`)})

	if err := m.StartSweeper(ctx, "* * * * * * *"); err != nil {
		t.Fatalf("StartSweeper: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := store.Len(ctx); n == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("sweeper did not purge the expired entry")
}

func TestStartSweeperRejectsBadSchedule(t *testing.T) {
	m, _ := newManager(t, Config{}, NewMemoryStore())
	if err := m.StartSweeper(context.Background(), "not a cron"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"", PriorityNormal, false},
		{"HIGH", PriorityHigh, false},
		{"critical", PriorityCritical, false},
		{"urgent", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePriority(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("ParsePriority(%q) = %q, %v", tt.in, got, err)
		}
	}
}
