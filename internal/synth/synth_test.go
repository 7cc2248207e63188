package synth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/corpus/config"
	"github.com/mohammad-safakhou/corpus/internal/scoring"
)

func results() []scoring.AggregatedResult {
	return []scoring.AggregatedResult{
		{ID: "res_1", Title: "Go channels", URL: "https://www.go.dev/channels", Snippet: "Channels   connect\ngoroutines."},
		{ID: "res_2", Title: "Pipelines", URL: "https://blog.golang.org/pipelines", Snippet: "Pipelines built from channels."},
	}
}

func TestExtractive(t *testing.T) {
	s, err := New(config.SynthesisConfig{MaxResults: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c, err := s.Synthesize(context.Background(), results(), "go channels", scoring.Context{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if c.Model != "extractive" || len(c.Citations) != 1 {
		t.Fatalf("unexpected content %+v", c)
	}
	if !strings.Contains(c.Summary, "[1] Go channels: Channels connect goroutines.") {
		t.Fatalf("summary = %q", c.Summary)
	}
	if c.Citations[0].Domain != "go.dev" {
		t.Fatalf("domain = %q", c.Citations[0].Domain)
	}
}

func TestOpenAISynthesize(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","model":"test-model",
			"choices":[{"index":0,"message":{"role":"assistant","content":" Channels pass values [1]. "},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":30,"completion_tokens":12,"total_tokens":42}}`))
	}))
	defer srv.Close()

	s, err := New(config.SynthesisConfig{Enabled: true, APIKey: "k", BaseURL: srv.URL + "/v1", Model: "test-model"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c, err := s.Synthesize(context.Background(), results(), "go channels", scoring.Context{UserLevel: "beginner", LearningStyle: "visual"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if c.Summary != "Channels pass values [1]." || c.UsedTokens != 42 || len(c.Citations) != 2 {
		t.Fatalf("unexpected content %+v", c)
	}
	if got.Model != "test-model" || len(got.Messages) != 2 {
		t.Fatalf("unexpected request %+v", got)
	}
	if !strings.Contains(got.Messages[0].Content, "Audience level: beginner. Learning style: visual.") {
		t.Fatalf("system prompt = %q", got.Messages[0].Content)
	}
	if !strings.Contains(got.Messages[1].Content, "[2] Pipelines") {
		t.Fatalf("user prompt = %q", got.Messages[1].Content)
	}
}

func TestOpenAIRequiresKeyAndResults(t *testing.T) {
	if _, err := New(config.SynthesisConfig{Enabled: true}); err == nil {
		t.Fatalf("expected missing key error")
	}
	s, _ := NewOpenAI(config.SynthesisConfig{APIKey: "k"})
	if _, err := s.Synthesize(context.Background(), nil, "t", scoring.Context{}); err == nil {
		t.Fatalf("expected error for empty results")
	}
}

func TestClip(t *testing.T) {
	if got := clip("héllo wörld", 2); got != "h…" {
		t.Fatalf("clip = %q", got)
	}
	if got := clip("  a   b ", 0); got != "a b" {
		t.Fatalf("clip = %q", got)
	}
}
