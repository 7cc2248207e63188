package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mohammad-safakhou/corpus/internal/resilience"
	"github.com/mohammad-safakhou/corpus/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var collectorTracer trace.Tracer = otel.Tracer("corpus/internal/agent/collector")

// CollectorConfig bounds fan-out and time.
type CollectorConfig struct {
	MaxParallel  int           `mapstructure:"max_parallel"`
	AgentTimeout time.Duration `mapstructure:"agent_timeout"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// Normalize applies defaults for unset values.
func (c CollectorConfig) Normalize() CollectorConfig {
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = 15 * time.Second
	}
	return c
}

// Collector fans a query out to agents and gathers one AgentRun per agent.
type Collector struct {
	cfg      CollectorConfig
	breakers *resilience.Registry
	retrier  *resilience.Retrier
	metrics  *telemetry.Metrics
	logger   *log.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// CollectorOption customises a Collector.
type CollectorOption func(*Collector)

// WithMetrics records agent calls on m.
func WithMetrics(m *telemetry.Metrics) CollectorOption {
	return func(c *Collector) { c.metrics = m }
}

// WithLogger replaces the default logger.
func WithLogger(l *log.Logger) CollectorOption {
	return func(c *Collector) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCollector wires the breaker registry and retrier shared by all agents.
func NewCollector(cfg CollectorConfig, breakers *resilience.Registry, retrier *resilience.Retrier, opts ...CollectorOption) *Collector {
	if breakers == nil {
		breakers = resilience.NewRegistry(resilience.BreakerConfig{})
	}
	if retrier == nil {
		retrier = resilience.NewRetrier(resilience.RetryConfig{})
	}
	c := &Collector{
		cfg:      cfg.Normalize(),
		breakers: breakers,
		retrier:  retrier,
		logger:   log.New(log.Writer(), "[COLLECTOR] ", log.LstdFlags),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Breakers exposes the registry for introspection.
func (c *Collector) Breakers() *resilience.Registry { return c.breakers }

// Collect invokes every descriptor's agent and returns runs in descriptor
// order. onDone, when set, is called once per agent as it resolves.
//
// The error is nil when at least one agent succeeded. Otherwise it is
// ErrBatchDeadline, the caller's context error, or *AllAgentsFailedError.
func (c *Collector) Collect(ctx context.Context, query string, descs []Descriptor, onDone func(AgentRun)) ([]AgentRun, error) {
	if len(descs) == 0 {
		return nil, ErrNoAgents
	}
	ctx, span := collectorTracer.Start(ctx, "agent.collect",
		trace.WithAttributes(attribute.Int("agents.count", len(descs))))
	defer span.End()

	batchCtx := ctx
	if c.cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		batchCtx, cancel = context.WithTimeout(ctx, c.cfg.BatchTimeout)
		defer cancel()
	}

	sem := semaphore.NewWeighted(int64(c.cfg.MaxParallel))
	runs := make([]AgentRun, len(descs))
	var (
		wg     sync.WaitGroup
		doneMu sync.Mutex
	)
	for i, d := range descs {
		wg.Add(1)
		go func(i int, d Descriptor) {
			defer wg.Done()
			var run AgentRun
			if err := sem.Acquire(batchCtx, 1); err != nil {
				run = failedRun(d, err, 0, 0)
			} else {
				run = c.runOne(batchCtx, query, d)
				sem.Release(1)
			}
			runs[i] = run
			c.metrics.AgentCall(run.Agent, string(run.Status), run.Latency, run.Attempts)
			if onDone != nil {
				doneMu.Lock()
				onDone(run)
				doneMu.Unlock()
			}
		}(i, d)
	}
	wg.Wait()

	var errs *multierror.Error
	succeeded := 0
	for _, r := range runs {
		if r.Succeeded() {
			succeeded++
			continue
		}
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", r.Agent, r.Err))
	}
	span.SetAttributes(attribute.Int("agents.succeeded", succeeded))
	if succeeded > 0 {
		return runs, nil
	}

	var err error
	switch {
	case ctx.Err() != nil:
		err = ctx.Err()
	case errors.Is(batchCtx.Err(), context.DeadlineExceeded):
		err = ErrBatchDeadline
	default:
		err = &AllAgentsFailedError{Errs: errs}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.logger.Printf("query %q: %v", query, err)
	return runs, err
}

// runOne searches through the agent's breaker and the shared retrier. It
// returns as soon as ctx is done even if the agent ignores cancellation.
func (c *Collector) runOne(ctx context.Context, query string, d Descriptor) AgentRun {
	name := d.AgentName()
	ctx, span := collectorTracer.Start(ctx, "agent.search",
		trace.WithAttributes(attribute.String("agent.name", name), attribute.String("agent.engine", d.Engine)))
	defer span.End()

	start := time.Now()
	if d.Agent == nil {
		return failedRun(d, fmt.Errorf("agent %q has no implementation", name), time.Since(start), 0)
	}
	limiter := c.limiter(name, d.RatePerSecond)
	breaker := c.breakers.Get(name)

	type outcome struct {
		resp     SearchResponse
		attempts int
		err      error
	}
	ch := make(chan outcome, 1)
	go func() {
		var o outcome
		o.resp, o.err = resilience.Call(ctx, breaker, func(ctx context.Context) (SearchResponse, error) {
			resp, n, err := resilience.DoValue(ctx, c.retrier, func(ctx context.Context) (SearchResponse, error) {
				if limiter != nil {
					if err := limiter.Wait(ctx); err != nil {
						if ctx.Err() != nil {
							return SearchResponse{}, ctx.Err()
						}
						return SearchResponse{}, resilience.Permanent(fmt.Errorf("rate limit: %w", err))
					}
				}
				callCtx, cancel := context.WithTimeout(ctx, c.cfg.AgentTimeout)
				defer cancel()
				return d.Agent.Search(callCtx, query, d.Options)
			})
			o.attempts = n
			return resp, err
		})
		ch <- o
	}()

	var o outcome
	select {
	case o = <-ch:
	case <-ctx.Done():
		o.err = ctx.Err()
	}
	latency := time.Since(start)
	if o.err != nil {
		span.RecordError(o.err)
		span.SetStatus(codes.Error, o.err.Error())
		c.logger.Printf("agent %s failed after %s: %v", name, latency.Round(time.Millisecond), o.err)
		return failedRun(d, o.err, latency, o.attempts)
	}

	hits := make([]SearchHit, 0, len(o.resp.Hits))
	for i, h := range o.resp.Hits {
		h.ID = fmt.Sprintf("%s#%d", name, i)
		h.Agent = name
		if h.Engine == "" {
			h.Engine = d.Engine
		}
		hits = append(hits, h)
	}
	kept, rejected := d.Filter.Apply(hits)
	status := RunSuccess
	if rejected > 0 {
		status = RunPartial
	}
	span.SetAttributes(attribute.Int("agent.hits", len(kept)), attribute.Int("agent.rejected", rejected))
	return AgentRun{
		Agent:    name,
		Engine:   d.Engine,
		Trust:    d.Trust,
		Status:   status,
		Hits:     kept,
		Rejected: rejected,
		Latency:  latency,
		Attempts: o.attempts,
	}
}

func (c *Collector) limiter(name string, perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.limiters[name]; ok {
		return l
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(perSecond), burst)
	c.limiters[name] = l
	return l
}

func failedRun(d Descriptor, err error, latency time.Duration, attempts int) AgentRun {
	return AgentRun{
		Agent:    d.AgentName(),
		Engine:   d.Engine,
		Trust:    d.Trust,
		Status:   RunFailure,
		Latency:  latency,
		Attempts: attempts,
		Err:      err,
		Error:    err.Error(),
	}
}
