package pipeline

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/mohammad-safakhou/corpus/internal/agent"
	"github.com/mohammad-safakhou/corpus/internal/attribution"
	"github.com/mohammad-safakhou/corpus/internal/dedup"
	"github.com/mohammad-safakhou/corpus/internal/progress"
	"github.com/mohammad-safakhou/corpus/internal/scoring"
	"github.com/mohammad-safakhou/corpus/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var pipelineTracer trace.Tracer = otel.Tracer("corpus/internal/pipeline")

// Status is the outcome of one aggregation.
type Status string

const (
	StatusComplete  Status = "complete"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Summary describes one aggregation in numbers.
type Summary struct {
	TotalOriginalResults int           `json:"total_original_results"`
	DeduplicatedCount    int           `json:"deduplicated_count"`
	DuplicatesRemoved    int           `json:"duplicates_removed"`
	FinalCount           int           `json:"final_count"`
	AgentsSucceeded      int           `json:"agents_succeeded"`
	AgentsPartial        int           `json:"agents_partial"`
	AgentsFailed         int           `json:"agents_failed"`
	AverageConfidence    float64       `json:"average_confidence"`
	AverageQuality       float64       `json:"average_quality"`
	Elapsed              time.Duration `json:"elapsed"`
	Preset               string        `json:"preset"`
	Truncated            bool          `json:"truncated"`
	Error                string        `json:"error,omitempty"`
}

// Result is what Aggregate always returns, whatever happened upstream.
type Result struct {
	TopicID     string                     `json:"topic_id"`
	Topic       string                     `json:"topic"`
	Status      Status                     `json:"status"`
	Results     []scoring.AggregatedResult `json:"results"`
	Summary     Summary                    `json:"summary"`
	Attribution attribution.Report         `json:"attribution"`
	Groups      []dedup.Group              `json:"-"`
	Runs        []agent.AgentRun           `json:"-"`
}

// Publisher receives phase events. *progress.Broadcaster satisfies it.
type Publisher interface {
	Publish(topicID string, e progress.Event)
}

// Config bounds the post-collection phases.
type Config struct {
	// FinalizeTimeout bounds dedup and scoring, which run detached from the
	// caller so that resolved runs are still aggregated after cancellation.
	FinalizeTimeout time.Duration
}

// Pipeline runs collection, dedup, scoring and attribution in sequence.
type Pipeline struct {
	cfg       Config
	collector *agent.Collector
	dedup     *dedup.Engine
	scorer    *scoring.Scorer
	publisher Publisher
	metrics   *telemetry.Metrics
	logger    *log.Logger
	now       func() time.Time
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithPublisher sends phase events to p.
func WithPublisher(p Publisher) Option { return func(pl *Pipeline) { pl.publisher = p } }

// WithMetrics records finished runs on m.
func WithMetrics(m *telemetry.Metrics) Option { return func(pl *Pipeline) { pl.metrics = m } }

// WithLogger replaces the default logger.
func WithLogger(l *log.Logger) Option {
	return func(pl *Pipeline) {
		if l != nil {
			pl.logger = l
		}
	}
}

// New wires the phase components.
func New(cfg Config, collector *agent.Collector, engine *dedup.Engine, scorer *scoring.Scorer, opts ...Option) *Pipeline {
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 10 * time.Second
	}
	p := &Pipeline{
		cfg:       cfg,
		collector: collector,
		dedup:     engine,
		scorer:    scorer,
		logger:    log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Collector returns the collector used for the agent phase.
func (p *Pipeline) Collector() *agent.Collector { return p.collector }

// Aggregate turns topic into a ranked corpus. It never returns without a
// status: total agent failure yields StatusFailed with the error text in
// the summary.
func (p *Pipeline) Aggregate(ctx context.Context, topicID string, descs []agent.Descriptor, topic string, rctx scoring.Context) Result {
	started := p.now()
	ctx, span := pipelineTracer.Start(ctx, "pipeline.aggregate", trace.WithAttributes(
		attribute.String("topic.id", topicID),
		attribute.Int("agents.count", len(descs)),
	))
	defer span.End()

	res := Result{TopicID: topicID, Topic: topic, Status: StatusComplete}
	if rctx.Topic == "" {
		rctx.Topic = topic
	}

	names := make([]string, 0, len(descs))
	trust := make(map[string]float64, len(descs))
	for _, d := range descs {
		names = append(names, d.AgentName())
		trust[d.AgentName()] = d.Trust
	}
	p.publish(topicID, progress.EventQueued, progress.QueuedPayload{Topic: topic, Agents: names})

	completed := 0
	runs, err := p.collector.Collect(ctx, topic, descs, func(run agent.AgentRun) {
		completed++
		p.publish(topicID, progress.EventAgentStatus, progress.AgentStatusPayload{
			Agent:     run.Agent,
			Status:    string(run.Status),
			Hits:      len(run.Hits),
			Latency:   run.Latency,
			Error:     run.Error,
			Completed: completed,
			Total:     len(descs),
		})
	})
	res.Runs = runs

	var hits []agent.SearchHit
	for _, run := range runs {
		switch run.Status {
		case agent.RunSuccess:
			res.Summary.AgentsSucceeded++
		case agent.RunPartial:
			res.Summary.AgentsPartial++
		default:
			res.Summary.AgentsFailed++
		}
		if run.Succeeded() {
			hits = append(hits, run.Hits...)
		}
	}

	cancelled := ctx.Err() != nil && !errors.Is(err, agent.ErrBatchDeadline)
	switch {
	case err != nil && len(hits) == 0:
		res.Status = StatusFailed
		if cancelled {
			res.Status = StatusCancelled
		}
		res.Summary.Error = err.Error()
		res.Attribution = attribution.Analyze(runs, nil, nil)
		return p.finish(span, res, started)
	case cancelled:
		res.Status = StatusCancelled
		res.Summary.Error = ctx.Err().Error()
	case res.Summary.AgentsFailed > 0 || res.Summary.AgentsPartial > 0:
		res.Status = StatusPartial
	}
	res.Summary.TotalOriginalResults = len(hits)

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.FinalizeTimeout)
	defer cancel()

	p.publish(topicID, progress.EventAggregating, progress.PhasePayload{Items: len(hits)})
	dctx, dspan := pipelineTracer.Start(fctx, "pipeline.dedup", trace.WithAttributes(attribute.Int("hits", len(hits))))
	grouped, derr := p.dedup.Group(dctx, topic, hits, trust)
	if derr != nil {
		dspan.RecordError(derr)
		p.logger.Printf("topic %s: dedup interrupted: %v", topicID, derr)
		if res.Status == StatusComplete {
			res.Status = StatusPartial
		}
	}
	dspan.End()
	res.Groups = grouped.Groups
	res.Summary.Truncated = grouped.Truncated || grouped.Interrupted
	res.Summary.DeduplicatedCount = len(grouped.Groups)
	res.Summary.DuplicatesRemoved = len(hits) - len(grouped.Groups)

	_, preset := p.scorer.Weights(rctx)
	p.publish(topicID, progress.EventScoring, progress.PhasePayload{Items: len(grouped.Groups), Preset: preset})
	_, sspan := pipelineTracer.Start(fctx, "pipeline.score", trace.WithAttributes(attribute.String("preset", preset)))
	res.Results, res.Summary.Preset = p.scorer.Rank(grouped.Groups, trust, rctx)
	sspan.End()

	res.Summary.FinalCount = len(res.Results)
	if n := len(res.Results); n > 0 {
		var conf, qual float64
		for _, r := range res.Results {
			conf += r.Confidence
			qual += r.Quality.Overall
		}
		res.Summary.AverageConfidence = conf / float64(n)
		res.Summary.AverageQuality = qual / float64(n)
	}
	res.Attribution = attribution.Analyze(runs, grouped.Groups, res.Results)
	return p.finish(span, res, started)
}

func (p *Pipeline) finish(span trace.Span, res Result, started time.Time) Result {
	res.Summary.Elapsed = p.now().Sub(started)
	if res.Results == nil {
		res.Results = []scoring.AggregatedResult{}
	}
	span.SetAttributes(
		attribute.String("status", string(res.Status)),
		attribute.Int("results.original", res.Summary.TotalOriginalResults),
		attribute.Int("results.final", res.Summary.FinalCount),
	)
	switch res.Status {
	case StatusFailed, StatusCancelled:
		span.SetStatus(codes.Error, res.Summary.Error)
		p.publish(res.TopicID, progress.EventError, progress.ErrorPayload{Status: string(res.Status), Error: res.Summary.Error})
		p.logger.Printf("topic %s %s after %s: %s", res.TopicID, res.Status, res.Summary.Elapsed, res.Summary.Error)
	default:
		p.publish(res.TopicID, progress.EventComplete, progress.CompletePayload{
			Status:            string(res.Status),
			Results:           res.Summary.FinalCount,
			DuplicatesRemoved: res.Summary.DuplicatesRemoved,
			Elapsed:           res.Summary.Elapsed,
		})
	}
	p.metrics.PipelineFinished(string(res.Status), res.Summary.Elapsed, res.Summary.TotalOriginalResults, res.Summary.FinalCount)
	return res
}

func (p *Pipeline) publish(topicID string, typ progress.EventType, payload any) {
	if p.publisher == nil || topicID == "" {
		return
	}
	p.publisher.Publish(topicID, progress.NewEvent(topicID, typ, payload))
}
