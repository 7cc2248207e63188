package main

import (
	"context"
	"fmt"
	"log"

	"github.com/hashicorp/go-multierror"
	"github.com/mohammad-safakhou/corpus/config"
	"github.com/mohammad-safakhou/corpus/internal/agent"
	"github.com/mohammad-safakhou/corpus/internal/agent/sources"
	"github.com/mohammad-safakhou/corpus/internal/cache"
	"github.com/mohammad-safakhou/corpus/internal/dedup"
	"github.com/mohammad-safakhou/corpus/internal/pipeline"
	"github.com/mohammad-safakhou/corpus/internal/progress"
	"github.com/mohammad-safakhou/corpus/internal/resilience"
	"github.com/mohammad-safakhou/corpus/internal/scoring"
	"github.com/mohammad-safakhou/corpus/internal/service"
	"github.com/mohammad-safakhou/corpus/internal/synth"
	"github.com/mohammad-safakhou/corpus/internal/telemetry"
)

// app holds every long-lived component built from one config.
type app struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	metrics   *telemetry.Metrics
	breakers  *resilience.Registry
	progress  *progress.Broadcaster
	cache     *cache.Manager
	topics    *service.Topics
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	tel, err := telemetry.Setup(ctx, cfg.Telemetry, version)
	if err != nil {
		return nil, err
	}
	metrics := telemetry.NewMetrics()
	a := &app{cfg: cfg, telemetry: tel, metrics: metrics}

	a.breakers = resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.Resilience.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Resilience.Breaker.RecoveryTimeout,
	}, resilience.WithStateChange(func(name string, from, to resilience.State) {
		log.Printf("breaker %s: %s -> %s", name, from, to)
		metrics.BreakerTransition(name, to.String(), int(to))
	}))
	retrier := resilience.NewRetrier(resilience.RetryConfig{
		MaxAttempts: cfg.Resilience.Retry.MaxAttempts,
		BaseDelay:   cfg.Resilience.Retry.BaseDelay,
		Multiplier:  cfg.Resilience.Retry.Multiplier,
		MaxDelay:    cfg.Resilience.Retry.MaxDelay,
		Jitter:      cfg.Resilience.Retry.Jitter,
	}, resilience.WithRetryLogger(log.New(log.Writer(), "[RETRY] ", log.LstdFlags)))

	descs, err := sources.Descriptors(cfg.Agents.Descriptors, sources.NewHTTPClient(cfg.Agents.AgentTimeout))
	if err != nil {
		return nil, err
	}
	if len(descs) == 0 {
		log.Printf("no agents enabled; every aggregation will fail")
	}
	collector := agent.NewCollector(agent.CollectorConfig{
		MaxParallel:  cfg.Agents.MaxParallel,
		AgentTimeout: cfg.Agents.AgentTimeout,
		BatchTimeout: cfg.Agents.BatchTimeout,
	}, a.breakers, retrier, agent.WithMetrics(metrics))

	engine := dedup.NewEngine(dedup.Config{
		TitleThreshold:    cfg.Dedup.TitleThreshold,
		ContentThreshold:  cfg.Dedup.ContentThreshold,
		OverallFactor:     cfg.Dedup.OverallFactor,
		MergeQualityDelta: cfg.Dedup.MergeQualityDelta,
		KeepFirst:         cfg.Dedup.KeepFirst,
		MaxInput:          cfg.Dedup.MaxInput,
	}, log.New(log.Writer(), "[DEDUP] ", log.LstdFlags))
	scorer, err := scoring.NewScorer(scoring.Config{
		Preset:        cfg.Scoring.Preset,
		MaxResults:    cfg.Scoring.MaxResults,
		MinRelevance:  cfg.Scoring.MinRelevance,
		MinConfidence: cfg.Scoring.MinConfidence,
		Presets:       cfg.Scoring.Presets,
		DomainTrust:   cfg.Scoring.DomainTrust,
	})
	if err != nil {
		return nil, err
	}

	a.progress = progress.New(progress.Config{
		QueueSize:      cfg.Progress.QueueSize,
		StatusCapacity: cfg.Progress.StatusCapacity,
	}, metrics, nil)
	p := pipeline.New(pipeline.Config{FinalizeTimeout: cfg.Agents.FinalizeTimeout}, collector, engine, scorer,
		pipeline.WithPublisher(a.progress), pipeline.WithMetrics(metrics))

	store, err := openStore(ctx, cfg)
	if err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	a.cache, err = cache.NewManager(cache.Config{
		TTL:                cfg.Cache.TTL,
		HotCapacity:        cfg.Cache.HotCapacity,
		MaxEntries:         cfg.Cache.MaxEntries,
		LowAccessThreshold: int64(cfg.Cache.LowAccessThreshold),
		StatsTopN:          cfg.Cache.StatsTopN,
	}, store, cache.WithMetrics(metrics))
	if err != nil {
		_ = store.Close()
		_ = a.close(ctx)
		return nil, err
	}

	synthesizer, err := synth.New(cfg.Synthesis)
	if err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	a.topics = service.NewTopics(p, a.cache, synthesizer, a.progress, descs)
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config) (cache.Store, error) {
	switch cfg.Cache.Backend {
	case "", "memory":
		return cache.NewMemoryStore(), nil
	case "redis":
		client, err := cache.DialRedis(ctx, cfg.Storage.Redis)
		if err != nil {
			return nil, err
		}
		return cache.NewRedisStore(client, cfg.Cache.KeyPrefix, cfg.Cache.TTL), nil
	case "postgres":
		return cache.OpenPostgres(ctx, cfg.Storage.Postgres)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

// close releases components in reverse build order.
func (a *app) close(ctx context.Context) error {
	var result *multierror.Error
	if a.topics != nil {
		if err := a.topics.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if a.progress != nil {
		if err := a.progress.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("cache: %w", err))
		}
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
