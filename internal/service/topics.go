package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/corpus/internal/agent"
	"github.com/mohammad-safakhou/corpus/internal/attribution"
	"github.com/mohammad-safakhou/corpus/internal/cache"
	"github.com/mohammad-safakhou/corpus/internal/pipeline"
	"github.com/mohammad-safakhou/corpus/internal/progress"
	"github.com/mohammad-safakhou/corpus/internal/scoring"
	"github.com/mohammad-safakhou/corpus/internal/synth"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnknownAgent   = errors.New("unknown agent")
	ErrClosed         = errors.New("service closed")
)

// Request asks for the corpus of one topic.
type Request struct {
	Topic         string             `json:"topic"`
	Preset        string             `json:"preset,omitempty"`
	UserLevel     string             `json:"user_level,omitempty"`
	LearningStyle string             `json:"learning_style,omitempty"`
	Weights       map[string]float64 `json:"weights,omitempty"`
	Agents        []string           `json:"agents,omitempty"`
	Refresh       bool               `json:"refresh,omitempty"`
	Priority      string             `json:"priority,omitempty"`
}

// TopicCorpus is the cached unit: ranked results plus everything derived
// from them.
type TopicCorpus struct {
	TopicID     string                     `json:"topic_id"`
	Topic       string                     `json:"topic"`
	Status      pipeline.Status            `json:"status"`
	Results     []scoring.AggregatedResult `json:"results"`
	Summary     pipeline.Summary           `json:"summary"`
	Attribution attribution.Report         `json:"attribution"`
	Content     *synth.Content             `json:"content,omitempty"`
	GeneratedAt time.Time                  `json:"generated_at"`
}

// Response is a corpus and whether it came from the cache.
type Response struct {
	TopicCorpus
	Cached bool `json:"cached"`
}

// Topics joins cache, pipeline, synthesis and progress.
type Topics struct {
	pipeline    *pipeline.Pipeline
	cache       *cache.Manager
	synth       synth.Synthesizer
	progress    *progress.Broadcaster
	descriptors []agent.Descriptor
	logger      *log.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customises Topics.
type Option func(*Topics)

func WithLogger(l *log.Logger) Option {
	return func(t *Topics) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTopics wires the service. synthesizer and broadcaster may be nil.
func NewTopics(p *pipeline.Pipeline, c *cache.Manager, s synth.Synthesizer, b *progress.Broadcaster, descs []agent.Descriptor, opts ...Option) *Topics {
	base, cancel := context.WithCancel(context.Background())
	t := &Topics{
		pipeline:    p,
		cache:       c,
		synth:       s,
		progress:    b,
		descriptors: descs,
		logger:      log.New(log.Writer(), "[TOPICS] ", log.LstdFlags),
		base:        base,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Agents lists the configured agent names.
func (t *Topics) Agents() []string {
	out := make([]string, 0, len(t.descriptors))
	for _, d := range t.descriptors {
		out = append(out, d.AgentName())
	}
	return out
}

// TopicID is the stable id progress events for req are published under.
func TopicID(req Request) string {
	return strings.TrimPrefix(CacheKey(req), "topic:")
}

// CacheKey is the cache key for req. Custom weights are folded into the
// preset part so they never share an entry with the named preset.
func CacheKey(req Request) string {
	preset := req.Preset
	if len(req.Weights) > 0 {
		dims := make([]string, 0, len(req.Weights))
		for d, w := range req.Weights {
			dims = append(dims, fmt.Sprintf("%s=%g", strings.ToLower(d), w))
		}
		sort.Strings(dims)
		preset += ";" + strings.Join(dims, ",")
	}
	return cache.Key(req.Topic, preset, req.UserLevel, req.LearningStyle)
}

func (t *Topics) validate(req Request) ([]agent.Descriptor, scoring.Context, cache.Priority, error) {
	var rctx scoring.Context
	if strings.TrimSpace(req.Topic) == "" {
		return nil, rctx, "", fmt.Errorf("%w: topic required", ErrInvalidRequest)
	}
	priority, err := cache.ParsePriority(req.Priority)
	if err != nil {
		return nil, rctx, "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	rctx = scoring.Context{
		Topic:         strings.TrimSpace(req.Topic),
		Preset:        req.Preset,
		UserLevel:     req.UserLevel,
		LearningStyle: req.LearningStyle,
	}
	if len(req.Weights) > 0 {
		w, err := scoring.ParseWeights(req.Weights)
		if err != nil {
			return nil, rctx, "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		rctx.Weights = w
	}
	descs, err := t.selectAgents(req.Agents)
	if err != nil {
		return nil, rctx, "", err
	}
	return descs, rctx, priority, nil
}

func (t *Topics) selectAgents(names []string) ([]agent.Descriptor, error) {
	if len(names) == 0 {
		return t.descriptors, nil
	}
	byName := make(map[string]agent.Descriptor, len(t.descriptors))
	for _, d := range t.descriptors {
		byName[d.AgentName()] = d
	}
	out := make([]agent.Descriptor, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		d, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, n)
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, d)
	}
	return out, nil
}

// Aggregate serves req from the cache unless Refresh is set, otherwise
// runs the pipeline, synthesizes and caches the outcome. Only complete and
// partial corpora with results are cached.
func (t *Topics) Aggregate(ctx context.Context, req Request) (Response, error) {
	descs, rctx, priority, err := t.validate(req)
	if err != nil {
		return Response{}, err
	}
	key := CacheKey(req)
	topicID := TopicID(req)

	if !req.Refresh && t.cache != nil {
		entry, ok, err := t.cache.Get(ctx, key)
		if err != nil {
			t.logger.Printf("cache read %s: %v", key, err)
		}
		if ok {
			var tc TopicCorpus
			if err := entry.Decode(&tc); err == nil {
				t.publish(topicID, progress.EventComplete, progress.CompletePayload{
					Status:            string(tc.Status),
					Results:           len(tc.Results),
					DuplicatesRemoved: tc.Summary.DuplicatesRemoved,
					Cached:            true,
				})
				return Response{TopicCorpus: tc, Cached: true}, nil
			}
			t.logger.Printf("cache entry %s undecodable, recomputing", key)
		}
	}

	res := t.pipeline.Aggregate(ctx, topicID, descs, rctx.Topic, rctx)
	tc := TopicCorpus{
		TopicID:     topicID,
		Topic:       rctx.Topic,
		Status:      res.Status,
		Results:     res.Results,
		Summary:     res.Summary,
		Attribution: res.Attribution,
		GeneratedAt: time.Now().UTC(),
	}
	if len(res.Results) > 0 && t.synth != nil && ctx.Err() == nil {
		content, err := t.synth.Synthesize(ctx, res.Results, rctx.Topic, rctx)
		if err != nil {
			t.logger.Printf("synthesis for %s: %v", topicID, err)
		} else {
			tc.Content = &content
		}
	}

	cacheable := res.Status == pipeline.StatusComplete || res.Status == pipeline.StatusPartial
	if cacheable && len(res.Results) > 0 && t.cache != nil {
		if err := t.cache.Set(ctx, key, tc, cache.SetOptions{Priority: priority}); err != nil {
			t.logger.Printf("cache write %s: %v", key, err)
		}
	}
	return Response{TopicCorpus: tc}, nil
}

// Submit validates req and runs Aggregate in the background. Progress is
// published under the returned topic id.
func (t *Topics) Submit(req Request) (string, error) {
	if _, _, _, err := t.validate(req); err != nil {
		return "", err
	}
	if t.base.Err() != nil {
		return "", ErrClosed
	}
	topicID := TopicID(req)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if _, err := t.Aggregate(t.base, req); err != nil {
			t.logger.Printf("background aggregate %s: %v", topicID, err)
		}
	}()
	return topicID, nil
}

// Close cancels background runs and waits for them.
func (t *Topics) Close() error {
	t.cancel()
	t.wg.Wait()
	return nil
}

func (t *Topics) publish(topicID string, typ progress.EventType, payload any) {
	if t.progress == nil {
		return
	}
	t.progress.Publish(topicID, progress.NewEvent(topicID, typ, payload))
}
