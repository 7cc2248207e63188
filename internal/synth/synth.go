package synth

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mohammad-safakhou/corpus/config"
	"github.com/mohammad-safakhou/corpus/internal/scoring"
)

// Citation points a numbered reference in the summary at a result.
type Citation struct {
	ID          int        `json:"id"`
	ResultID    string     `json:"result_id"`
	Title       string     `json:"title"`
	URL         string     `json:"url"`
	Domain      string     `json:"domain,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// Content is the synthesized overview of a corpus.
type Content struct {
	Summary     string     `json:"summary"`
	Citations   []Citation `json:"citations"`
	Model       string     `json:"model"`
	UsedTokens  int        `json:"used_tokens,omitempty"`
	GeneratedAt time.Time  `json:"generated_at"`
}

// Synthesizer turns ranked results into content for the caller's level
// and learning style.
type Synthesizer interface {
	Synthesize(ctx context.Context, results []scoring.AggregatedResult, topic string, rctx scoring.Context) (Content, error)
}

// New returns the chat-model synthesizer when enabled, else the extractive one.
func New(cfg config.SynthesisConfig) (Synthesizer, error) {
	if !cfg.Enabled {
		return Extractive{MaxResults: cfg.MaxResults}, nil
	}
	return NewOpenAI(cfg)
}

// Extractive builds a bullet list from the top results without a model.
type Extractive struct {
	MaxResults int
}

func (e Extractive) Synthesize(_ context.Context, results []scoring.AggregatedResult, topic string, _ scoring.Context) (Content, error) {
	top := limit(results, e.MaxResults)
	var b strings.Builder
	fmt.Fprintf(&b, "Top sources for %q:\n", topic)
	for i, r := range top {
		fmt.Fprintf(&b, "- [%d] %s", i+1, r.Title)
		if s := clip(r.Snippet, 160); s != "" {
			fmt.Fprintf(&b, ": %s", s)
		}
		b.WriteString("\n")
	}
	return Content{
		Summary:     strings.TrimSpace(b.String()),
		Citations:   citations(top),
		Model:       "extractive",
		GeneratedAt: time.Now().UTC(),
	}, nil
}

func limit(results []scoring.AggregatedResult, n int) []scoring.AggregatedResult {
	if n <= 0 {
		n = 10
	}
	if len(results) > n {
		return results[:n]
	}
	return results
}

func citations(results []scoring.AggregatedResult) []Citation {
	out := make([]Citation, 0, len(results))
	for i, r := range results {
		out = append(out, Citation{
			ID:          i + 1,
			ResultID:    r.ID,
			Title:       r.Title,
			URL:         r.URL,
			Domain:      domain(r.URL),
			PublishedAt: r.PublishedAt,
		})
	}
	return out
}

// clip collapses whitespace and truncates to n bytes on a rune boundary.
func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func domain(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
