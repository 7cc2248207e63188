package dedup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/corpus/internal/agent"
)

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func hit(id, agentName, title, url, snippet string) agent.SearchHit {
	return agent.SearchHit{ID: id, Agent: agentName, Engine: agentName, Title: title, URL: url, Snippet: snippet}
}

func partitionIDs(t *testing.T, groups []Group) map[string]int {
	t.Helper()
	seen := map[string]int{}
	for _, g := range groups {
		for _, h := range g.Members() {
			seen[h.ID]++
		}
	}
	return seen
}

func assertPartition(t *testing.T, in []agent.SearchHit, groups []Group) {
	t.Helper()
	seen := partitionIDs(t, groups)
	if len(seen) != len(in) {
		t.Fatalf("partition covers %d hits, want %d", len(seen), len(in))
	}
	for _, h := range in {
		if seen[h.ID] != 1 {
			t.Fatalf("hit %s appears %d times", h.ID, seen[h.ID])
		}
	}
}

func mixedHits() []agent.SearchHit {
	return []agent.SearchHit{
		hit("w#0", "web", "Intro to X", "https://example.com/intro-to-x?utm_source=web", "A gentle introduction to X for complete beginners."),
		hit("w#1", "web", "Rust ownership explained", "https://blog.rs/ownership", "Ownership, borrowing and lifetimes in Rust."),
		hit("n#0", "news", "intro to x – guide", "https://example.com/intro-to-x/?utm_campaign=feed&fbclid=1", "Guide: a gentle introduction to X for complete beginners."),
		hit("n#1", "news", "Markets rally on rate cut", "https://news.example.org/markets", "Stocks rose after the central bank cut rates."),
		hit("a#0", "academic", "Ownership types in Rust", "https://arxiv.org/abs/1234", "A formal model of ownership types."),
		hit("a#1", "academic", "Rust ownership explained", "https://mirror.rs/ownership", "Ownership, borrowing and lifetimes in Rust."),
	}
}

func TestGroupPartitionsInput(t *testing.T) {
	e := NewEngine(Config{}, quiet())
	in := mixedHits()
	res, err := e.Group(context.Background(), "intro to x", in, nil)
	if err != nil {
		t.Fatalf("Group: %v", err)
	}
	assertPartition(t, in, res.Groups)
	if len(res.Groups) != 4 {
		t.Fatalf("expected 4 groups, got %d", len(res.Groups))
	}
}

func TestScenarioTrackingParamsAndNearTitles(t *testing.T) {
	e := NewEngine(Config{}, quiet())
	in := mixedHits()[:3]
	in = []agent.SearchHit{in[0], in[2]}
	res, _ := e.Group(context.Background(), "intro to x", in, nil)
	if len(res.Groups) != 1 {
		t.Fatalf("expected one group, got %d", len(res.Groups))
	}
	g := res.Groups[0]
	if len(g.Duplicates) != 1 {
		t.Fatalf("expected one duplicate, got %d", len(g.Duplicates))
	}
	c := g.Consolidate()
	if strings.Join(c.Sources, ",") != "news,web" {
		t.Fatalf("sources = %v", c.Sources)
	}
	if g.Similarity <= 0 || g.Similarity > 1 {
		t.Fatalf("similarity out of range: %v", g.Similarity)
	}
}

func TestScenarioDisjointHits(t *testing.T) {
	e := NewEngine(Config{}, quiet())
	in := []agent.SearchHit{
		hit("a#0", "a", "Photosynthesis basics", "https://bio.edu/photo", "How plants convert light into chemical energy."),
		hit("b#0", "b", "Kubernetes networking", "https://k8s.io/docs/net", "Services, pods and cluster networking."),
		hit("c#0", "c", "Baroque music history", "https://music.org/baroque", "Bach, Handel and the baroque era."),
	}
	res, _ := e.Group(context.Background(), "anything", in, nil)
	if len(res.Groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(res.Groups))
	}
	for _, g := range res.Groups {
		if len(g.Duplicates) != 0 {
			t.Fatalf("unexpected duplicates in %+v", g)
		}
	}
}

func TestSimilaritySymmetric(t *testing.T) {
	in := mixedHits()
	for i := range in {
		for j := range in {
			a := Similarity("intro to x", in[i], in[j])
			b := Similarity("intro to x", in[j], in[i])
			if a != b {
				t.Fatalf("similarity(%s,%s)=%v but reverse=%v", in[i].ID, in[j].ID, a, b)
			}
			if a < 0 || a > 1 {
				t.Fatalf("similarity out of range: %v", a)
			}
		}
	}
}

func TestGroupIsIdempotent(t *testing.T) {
	e := NewEngine(Config{}, quiet())
	in := mixedHits()
	r1, _ := e.Group(context.Background(), "rust", in, nil)
	r2, _ := e.Group(context.Background(), "rust", in, nil)
	if len(r1.Groups) != len(r2.Groups) {
		t.Fatalf("group counts differ")
	}
	for i := range r1.Groups {
		if r1.Groups[i].Primary.ID != r2.Groups[i].Primary.ID || len(r1.Groups[i].Duplicates) != len(r2.Groups[i].Duplicates) {
			t.Fatalf("group %d differs between runs", i)
		}
	}
}

func TestPrimaryAndStrategy(t *testing.T) {
	e := NewEngine(Config{}, quiet())
	score := 1.0
	rich := hit("r#0", "rich", "Deep dive into X", "https://x.dev/a", strings.Repeat("detailed content ", 20))
	rich.Score = &score
	thin := hit("t#0", "thin", "Deep dive into X", "https://x.dev/a?ref=feed", "short")
	res, _ := e.Group(context.Background(), "x", []agent.SearchHit{thin, rich}, map[string]float64{"rich": 0.9})
	g := res.Groups[0]
	if g.Primary.ID != "r#0" {
		t.Fatalf("expected higher quality hit as primary, got %s", g.Primary.ID)
	}
	if g.Strategy != StrategyKeepBest {
		t.Fatalf("expected keep_best for distant qualities, got %s", g.Strategy)
	}

	a := hit("a#0", "a", "Deep dive into X", "https://x.dev/a", "content one here")
	b := hit("b#0", "b", "Deep dive into X", "https://x.dev/a", "content two here, a little longer")
	res, _ = e.Group(context.Background(), "x", []agent.SearchHit{a, b}, nil)
	g = res.Groups[0]
	if g.Strategy != StrategyMerge {
		t.Fatalf("expected merge for close qualities, got %s", g.Strategy)
	}
	if c := g.Consolidate(); c.Snippet != b.Snippet {
		t.Fatalf("merge should keep longest snippet, got %q", c.Snippet)
	}

	first := NewEngine(Config{KeepFirst: true}, quiet())
	res, _ = first.Group(context.Background(), "x", []agent.SearchHit{thin, rich}, nil)
	if res.Groups[0].Primary.ID != "t#0" || res.Groups[0].Strategy != StrategyKeepFirst {
		t.Fatalf("keep_first should keep first-seen hit, got %+v", res.Groups[0])
	}
}

func TestGroupTruncatesLargeInput(t *testing.T) {
	e := NewEngine(Config{MaxInput: 5}, quiet())
	var in []agent.SearchHit
	for i := 0; i < 8; i++ {
		in = append(in, hit(fmt.Sprintf("s#%d", i), "s", "Same title", "https://same.com/page", "same snippet"))
	}
	res, err := e.Group(context.Background(), "t", in, nil)
	if err != nil {
		t.Fatalf("Group: %v", err)
	}
	if !res.Truncated {
		t.Fatalf("expected truncation flag")
	}
	assertPartition(t, in, res.Groups)
	if len(res.Groups) != 4 {
		t.Fatalf("expected 1 merged group + 3 singletons, got %d", len(res.Groups))
	}
}

func TestGroupHonoursCancellation(t *testing.T) {
	e := NewEngine(Config{}, quiet())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	in := mixedHits()
	res, err := e.Group(ctx, "x", in, nil)
	if !errors.Is(err, context.Canceled) || !res.Interrupted {
		t.Fatalf("expected interrupted scan, got %v", err)
	}
	assertPartition(t, in, res.Groups)
}
