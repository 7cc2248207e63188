package synth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/corpus/config"
	"github.com/mohammad-safakhou/corpus/internal/scoring"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var synthTracer trace.Tracer = otel.Tracer("corpus/internal/synth")

// OpenAI synthesizes with a chat completion model.
type OpenAI struct {
	client *openai.Client
	cfg    config.SynthesisConfig
	logger *log.Logger
}

// NewOpenAI builds a client for cfg.BaseURL, or the public API when unset.
func NewOpenAI(cfg config.SynthesisConfig) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("synthesis.api_key required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 800
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(oc),
		cfg:    cfg,
		logger: log.New(log.Writer(), "[SYNTH] ", log.LstdFlags),
	}, nil
}

func (o *OpenAI) Synthesize(ctx context.Context, results []scoring.AggregatedResult, topic string, rctx scoring.Context) (Content, error) {
	top := limit(results, o.cfg.MaxResults)
	if len(top) == 0 {
		return Content{}, errors.New("no results to synthesize")
	}
	ctx, span := synthTracer.Start(ctx, "synth.openai", trace.WithAttributes(
		attribute.String("model", o.cfg.Model),
		attribute.Int("sources", len(top)),
	))
	defer span.End()
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(rctx)},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(topic, top)},
		},
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Content{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Content{}, errors.New("chat completion returned no choices")
	}
	span.SetAttributes(attribute.Int("tokens", resp.Usage.TotalTokens))
	return Content{
		Summary:     strings.TrimSpace(resp.Choices[0].Message.Content),
		Citations:   citations(top),
		Model:       o.cfg.Model,
		UsedTokens:  resp.Usage.TotalTokens,
		GeneratedAt: time.Now().UTC(),
	}, nil
}

func systemPrompt(rctx scoring.Context) string {
	level := rctx.UserLevel
	if level == "" {
		level = "general"
	}
	style := rctx.LearningStyle
	if style == "" {
		style = "reading"
	}
	return "You write study overviews using ONLY the provided sources.\n" +
		"Cite facts with bracketed references like [1], [2] that map to the numbered sources.\n" +
		"Prefer newer sources when they conflict and say so. If something is unknown, say so.\n" +
		fmt.Sprintf("Audience level: %s. Learning style: %s.", level, style)
}

func userPrompt(topic string, results []scoring.AggregatedResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n\nSources:\n", topic)
	for i, r := range results {
		fmt.Fprintf(&b, "\n[%d] %s\nURL: %s\n", i+1, r.Title, r.URL)
		if r.PublishedAt != nil {
			fmt.Fprintf(&b, "Published: %s\n", r.PublishedAt.Format("2006-01-02"))
		}
		if s := clip(r.Snippet, 600); s != "" {
			fmt.Fprintf(&b, "Text: %s\n", s)
		}
	}
	b.WriteString("\nWrite the overview with citations.")
	return b.String()
}
