package pipeline

import (
	"context"
	"errors"
	"io"
	"log"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/corpus/internal/agent"
	"github.com/mohammad-safakhou/corpus/internal/dedup"
	"github.com/mohammad-safakhou/corpus/internal/progress"
	"github.com/mohammad-safakhou/corpus/internal/resilience"
	"github.com/mohammad-safakhou/corpus/internal/scoring"
)

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
	onType map[progress.EventType]func()
}

func (r *recorder) Publish(_ string, e progress.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	fn := r.onType[e.Type]
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (r *recorder) types() []progress.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func newPipeline(t *testing.T, pub Publisher) *Pipeline {
	t.Helper()
	breakers := resilience.NewRegistry(resilience.BreakerConfig{FailureThreshold: 100})
	retrier := resilience.NewRetrier(resilience.RetryConfig{MaxAttempts: 1})
	collector := agent.NewCollector(agent.CollectorConfig{MaxParallel: 4, AgentTimeout: time.Second}, breakers, retrier, agent.WithLogger(quiet()))
	scorer, err := scoring.NewScorer(scoring.Config{})
	if err != nil {
		t.Fatalf("NewScorer: %v", err)
	}
	opts := []Option{WithLogger(quiet())}
	if pub != nil {
		opts = append(opts, WithPublisher(pub))
	}
	return New(Config{FinalizeTimeout: time.Second}, collector, dedup.NewEngine(dedup.Config{}, quiet()), scorer, opts...)
}

func static(name string, hits ...agent.SearchHit) agent.Descriptor {
	return agent.Descriptor{Agent: agent.AgentFunc{ID: name, Fn: func(context.Context, string, agent.SearchOptions) (agent.SearchResponse, error) {
		return agent.SearchResponse{Hits: hits}, nil
	}}, Trust: 0.7}
}

func failing(name string, err error) agent.Descriptor {
	return agent.Descriptor{Agent: agent.AgentFunc{ID: name, Fn: func(context.Context, string, agent.SearchOptions) (agent.SearchResponse, error) {
		return agent.SearchResponse{}, err
	}}}
}

func TestAggregateMergesTrackedDuplicates(t *testing.T) {
	rec := &recorder{}
	p := newPipeline(t, rec)
	descs := []agent.Descriptor{
		static("web", agent.SearchHit{Title: "Intro to X", URL: "https://example.com/intro-to-x?utm_source=web", Snippet: "A gentle introduction to X for complete beginners."}),
		static("news", agent.SearchHit{Title: "intro to x – guide", URL: "https://example.com/intro-to-x/?utm_campaign=feed&fbclid=1", Snippet: "Guide: a gentle introduction to X for complete beginners."}),
	}

	res := p.Aggregate(context.Background(), "topic-a", descs, "intro to x", scoring.Context{})
	if res.Status != StatusComplete {
		t.Fatalf("status = %s (%s)", res.Status, res.Summary.Error)
	}
	if len(res.Results) != 1 {
		t.Fatalf("expected one result, got %d", len(res.Results))
	}
	r := res.Results[0]
	if r.DuplicateCount < 1 {
		t.Fatalf("duplicate count = %d", r.DuplicateCount)
	}
	if strings.Join(r.Sources, ",") != "news,web" {
		t.Fatalf("sources = %v", r.Sources)
	}
	if res.Summary.TotalOriginalResults != 2 || res.Summary.DuplicatesRemoved != 1 {
		t.Fatalf("summary = %+v", res.Summary)
	}

	got := rec.types()
	if got[0] != progress.EventQueued || got[len(got)-1] != progress.EventComplete {
		t.Fatalf("unexpected event sequence %v", got)
	}
	want := map[progress.EventType]int{progress.EventAgentStatus: 2, progress.EventAggregating: 1, progress.EventScoring: 1}
	counts := map[progress.EventType]int{}
	for _, typ := range got {
		counts[typ]++
	}
	for typ, n := range want {
		if counts[typ] != n {
			t.Fatalf("%s events = %d, want %d", typ, counts[typ], n)
		}
	}
}

func TestAggregateMergesNearDuplicatesAcrossHosts(t *testing.T) {
	p := newPipeline(t, nil)
	descs := []agent.Descriptor{
		static("web", agent.SearchHit{Title: "Intro to X for beginners", URL: "https://blog-a.dev/x-intro", Snippet: "A gentle introduction to X for complete beginners."}),
		static("news", agent.SearchHit{Title: "Intro to X for Beginners!", URL: "https://learnx.io/posts/intro", Snippet: "A gentle introduction to X for complete beginners, with examples."}),
	}

	res := p.Aggregate(context.Background(), "topic-a", descs, "intro to x", scoring.Context{})
	if res.Status != StatusComplete {
		t.Fatalf("status = %s (%s)", res.Status, res.Summary.Error)
	}
	if len(res.Results) != 1 {
		t.Fatalf("expected near-identical hits on different urls to merge, got %d results", len(res.Results))
	}
	if strings.Join(res.Results[0].Sources, ",") != "news,web" {
		t.Fatalf("sources = %v", res.Results[0].Sources)
	}
	if res.Summary.DuplicatesRemoved != 1 || res.Attribution.DuplicateHits != 1 {
		t.Fatalf("summary = %+v, duplicate hits = %d", res.Summary, res.Attribution.DuplicateHits)
	}
}

func TestAggregateDisjointHits(t *testing.T) {
	p := newPipeline(t, nil)
	descs := []agent.Descriptor{
		static("a", agent.SearchHit{Title: "Learning basics: photosynthesis", URL: "https://bio.edu/photo", Snippet: "Learning how plants convert light into chemical energy."}),
		static("b", agent.SearchHit{Title: "Learning basics: Kubernetes networking", URL: "https://k8s.io/docs/net", Snippet: "Services, pods and cluster networking for learning."}),
		static("c", agent.SearchHit{Title: "Learning basics: baroque music", URL: "https://music.org/baroque", Snippet: "Bach, Handel and the baroque era for learning."}),
	}
	res := p.Aggregate(context.Background(), "topic-b", descs, "learning basics", scoring.Context{})
	if len(res.Results) != 3 || res.Summary.DuplicatesRemoved != 0 {
		t.Fatalf("expected 3 results and no duplicates, got %d / %d", len(res.Results), res.Summary.DuplicatesRemoved)
	}
	if res.Attribution.Redundancy != 0 {
		t.Fatalf("redundancy = %v", res.Attribution.Redundancy)
	}
}

func TestAggregateAllAgentsFail(t *testing.T) {
	rec := &recorder{}
	p := newPipeline(t, rec)
	descs := []agent.Descriptor{
		failing("a", errors.New("boom")),
		failing("b", resilience.ErrBadRequest),
	}
	res := p.Aggregate(context.Background(), "topic-c", descs, "anything", scoring.Context{})
	if res.Status != StatusFailed {
		t.Fatalf("status = %s", res.Status)
	}
	if res.Summary.TotalOriginalResults != 0 || len(res.Results) != 0 {
		t.Fatalf("expected empty result, got %+v", res.Summary)
	}
	if res.Summary.Error == "" || res.Summary.AgentsFailed != 2 {
		t.Fatalf("failure not reported: %+v", res.Summary)
	}
	if len(res.Attribution.Agents) != 2 {
		t.Fatalf("failed run should still attribute every agent, got %+v", res.Attribution.Agents)
	}
	for _, a := range res.Attribution.Agents {
		if a.Succeeded || a.Error == "" || a.Attempts != 1 {
			t.Fatalf("unexpected agent row %+v", a)
		}
	}
	got := rec.types()
	if got[len(got)-1] != progress.EventError {
		t.Fatalf("last event = %s, want error", got[len(got)-1])
	}
}

func TestAggregatePartialWhenOneAgentFails(t *testing.T) {
	p := newPipeline(t, nil)
	descs := []agent.Descriptor{
		static("a", agent.SearchHit{Title: "Go generics", URL: "https://go.dev/generics", Snippet: "Type parameters in Go."}),
		failing("b", errors.New("upstream down")),
	}
	res := p.Aggregate(context.Background(), "t", descs, "go generics", scoring.Context{})
	if res.Status != StatusPartial || len(res.Results) != 1 {
		t.Fatalf("status = %s, results = %d", res.Status, len(res.Results))
	}
	if res.Summary.AgentsSucceeded != 1 || res.Summary.AgentsFailed != 1 {
		t.Fatalf("agent counts = %+v", res.Summary)
	}
}

func TestAggregateIsIdempotent(t *testing.T) {
	p := newPipeline(t, nil)
	descs := []agent.Descriptor{
		static("web",
			agent.SearchHit{Title: "Intro to X", URL: "https://example.com/intro-to-x", Snippet: "A gentle introduction to X."},
			agent.SearchHit{Title: "X cheat sheet", URL: "https://cheats.dev/x", Snippet: "Everything about X on one page."},
		),
		static("news", agent.SearchHit{Title: "X 2.0 released", URL: "https://news.dev/x-2", Snippet: "The X project ships version 2.0."}),
	}
	first := p.Aggregate(context.Background(), "t", descs, "x", scoring.Context{})
	second := p.Aggregate(context.Background(), "t", descs, "x", scoring.Context{})
	ids := func(r Result) []string {
		out := make([]string, 0, len(r.Results))
		for _, a := range r.Results {
			out = append(out, a.ID)
		}
		return out
	}
	if !reflect.DeepEqual(ids(first), ids(second)) {
		t.Fatalf("ranking changed between runs: %v vs %v", ids(first), ids(second))
	}
}

func TestAggregateCancelledKeepsResolvedRuns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{onType: map[progress.EventType]func(){}}
	var once sync.Once
	rec.onType[progress.EventAgentStatus] = func() { once.Do(cancel) }

	p := newPipeline(t, rec)
	blocking := agent.Descriptor{Agent: agent.AgentFunc{ID: "slow", Fn: func(ctx context.Context, _ string, _ agent.SearchOptions) (agent.SearchResponse, error) {
		<-ctx.Done()
		return agent.SearchResponse{}, ctx.Err()
	}}}
	descs := []agent.Descriptor{
		static("fast", agent.SearchHit{Title: "Go channels", URL: "https://go.dev/channels", Snippet: "Channels connect goroutines."}),
		blocking,
	}
	res := p.Aggregate(ctx, "t", descs, "go channels", scoring.Context{})
	if res.Status != StatusCancelled {
		t.Fatalf("status = %s", res.Status)
	}
	if len(res.Results) != 1 {
		t.Fatalf("resolved run should still be aggregated, got %d results", len(res.Results))
	}
}
