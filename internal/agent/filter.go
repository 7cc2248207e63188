package agent

import (
	"strings"

	"github.com/mohammad-safakhou/corpus/internal/helpers"
)

// Filter is the per-agent pre-filter applied before hits enter the pipeline.
type Filter struct {
	MinContentLength int      `mapstructure:"min_content_length" json:"min_content_length,omitempty"`
	RequiredFields   []string `mapstructure:"required_fields" json:"required_fields,omitempty"`
	ExcludedTerms    []string `mapstructure:"excluded_terms" json:"excluded_terms,omitempty"`
	StripHTML        bool     `mapstructure:"strip_html" json:"strip_html,omitempty"`
}

// Apply returns the hits that pass the filter and the number rejected.
func (f Filter) Apply(hits []SearchHit) ([]SearchHit, int) {
	kept := make([]SearchHit, 0, len(hits))
	excluded := make([]string, 0, len(f.ExcludedTerms))
	for _, term := range f.ExcludedTerms {
		if t := strings.ToLower(strings.TrimSpace(term)); t != "" {
			excluded = append(excluded, t)
		}
	}
	rejected := 0
	for _, h := range hits {
		if f.StripHTML {
			h.Title = helpers.PlainText(h.Title)
			h.Snippet = helpers.PlainText(h.Snippet)
		}
		if !f.accept(h, excluded) {
			rejected++
			continue
		}
		kept = append(kept, h)
	}
	return kept, rejected
}

func (f Filter) accept(h SearchHit, excluded []string) bool {
	if f.MinContentLength > 0 && len(strings.TrimSpace(h.Snippet)) < f.MinContentLength {
		return false
	}
	for _, field := range f.RequiredFields {
		if fieldValue(h, field) == "" {
			return false
		}
	}
	if len(excluded) > 0 {
		text := strings.ToLower(h.Title + " " + h.Snippet + " " + h.URL)
		for _, t := range excluded {
			if strings.Contains(text, t) {
				return false
			}
		}
	}
	return true
}

func fieldValue(h SearchHit, field string) string {
	switch strings.ToLower(field) {
	case "title":
		return strings.TrimSpace(h.Title)
	case "url":
		return strings.TrimSpace(h.URL)
	case "snippet", "content":
		return strings.TrimSpace(h.Snippet)
	case "published_at", "published":
		if h.PublishedAt == nil {
			return ""
		}
		return h.PublishedAt.String()
	case "engine":
		return h.Engine
	default:
		return h.Metadata[field]
	}
}
