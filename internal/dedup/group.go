package dedup

import (
	"sort"
	"strings"
	"time"

	"github.com/mohammad-safakhou/corpus/internal/agent"
)

// Strategy says how a group's members are consolidated.
type Strategy string

const (
	StrategyMerge     Strategy = "merge"
	StrategyKeepBest  Strategy = "keep_best"
	StrategyKeepFirst Strategy = "keep_first"
)

// Group is a cluster of hits judged to reference the same source.
type Group struct {
	Primary    agent.SearchHit   `json:"primary"`
	Duplicates []agent.SearchHit `json:"duplicates,omitempty"`
	Similarity float64           `json:"similarity"`
	Strategy   Strategy          `json:"strategy"`
	Quality    float64           `json:"quality"`
}

// Members returns the primary followed by its duplicates.
func (g Group) Members() []agent.SearchHit {
	out := make([]agent.SearchHit, 0, 1+len(g.Duplicates))
	out = append(out, g.Primary)
	return append(out, g.Duplicates...)
}

// Consolidated is the single record a group collapses into.
type Consolidated struct {
	Title       string
	URL         string
	Snippet     string
	Relevance   *float64
	PublishedAt *time.Time
	Metadata    map[string]string
	Sources     []string
	Engines     []string
}

// Consolidate collapses the group. Sources and engines always list every
// contributing member so corroboration survives keep_best. Merge keeps the
// longest snippet, averages agent relevance and unions metadata; the other
// strategies keep the primary's content.
func (g Group) Consolidate() Consolidated {
	c := Consolidated{
		Title:       g.Primary.Title,
		URL:         g.Primary.URL,
		Snippet:     g.Primary.Snippet,
		Relevance:   g.Primary.Score,
		PublishedAt: g.Primary.PublishedAt,
		Metadata:    copyMeta(g.Primary.Metadata),
	}
	members := g.Members()
	c.Sources = distinct(members, func(h agent.SearchHit) string { return h.Agent })
	c.Engines = distinct(members, func(h agent.SearchHit) string { return h.Engine })

	if g.Strategy != StrategyMerge || len(g.Duplicates) == 0 {
		return c
	}
	var sum float64
	var n int
	for _, h := range members {
		if len(strings.TrimSpace(h.Snippet)) > len(strings.TrimSpace(c.Snippet)) {
			c.Snippet = h.Snippet
		}
		if h.Score != nil {
			sum += *h.Score
			n++
		}
		if h.PublishedAt != nil && (c.PublishedAt == nil || h.PublishedAt.After(*c.PublishedAt)) {
			c.PublishedAt = h.PublishedAt
		}
		for k, v := range h.Metadata {
			if c.Metadata == nil {
				c.Metadata = map[string]string{}
			}
			if _, ok := c.Metadata[k]; !ok {
				c.Metadata[k] = v
			}
		}
	}
	if n > 0 {
		avg := sum / float64(n)
		c.Relevance = &avg
	}
	return c
}

func distinct(hits []agent.SearchHit, key func(agent.SearchHit) string) []string {
	seen := make(map[string]struct{}, len(hits))
	var out []string
	for _, h := range hits {
		k := key(h)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func copyMeta(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
