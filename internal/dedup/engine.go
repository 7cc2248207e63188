package dedup

import (
	"context"
	"log"
	"math"
	"strings"

	"github.com/mohammad-safakhou/corpus/internal/agent"
	"github.com/mohammad-safakhou/corpus/internal/helpers"
	"github.com/mohammad-safakhou/corpus/internal/similarity"
)

// Pairwise similarity weights.
const (
	titleWeight     = 0.4
	contentWeight   = 0.3
	urlWeight       = 0.2
	relevanceWeight = 0.1
)

// Config holds the duplicate thresholds.
type Config struct {
	TitleThreshold    float64 `mapstructure:"title_threshold"`
	ContentThreshold  float64 `mapstructure:"content_threshold"`
	OverallFactor     float64 `mapstructure:"overall_factor"`
	MergeQualityDelta float64 `mapstructure:"merge_quality_delta"`
	KeepFirst         bool    `mapstructure:"keep_first"`
	MaxInput          int     `mapstructure:"max_input"`
}

// Normalize applies defaults for unset values.
func (c Config) Normalize() Config {
	if c.TitleThreshold <= 0 {
		c.TitleThreshold = 0.85
	}
	if c.ContentThreshold <= 0 {
		c.ContentThreshold = 0.75
	}
	if c.OverallFactor <= 0 {
		c.OverallFactor = 0.8
	}
	if c.MergeQualityDelta <= 0 {
		c.MergeQualityDelta = 0.2
	}
	if c.MaxInput <= 0 {
		c.MaxInput = 300
	}
	return c
}

// OverallThreshold is the weighted-similarity cut-off.
func (c Config) OverallThreshold() float64 {
	return c.OverallFactor * math.Max(c.TitleThreshold, c.ContentThreshold)
}

// Result is the partition of one batch of hits.
type Result struct {
	Groups []Group
	// Truncated is set when hits beyond MaxInput were not compared.
	Truncated bool
	// Interrupted is set when the context ended the scan early; the
	// remaining hits were left as singletons.
	Interrupted bool
}

// Engine groups hits that reference the same underlying source.
type Engine struct {
	cfg    Config
	logger *log.Logger
}

func NewEngine(cfg Config, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[DEDUP] ", log.LstdFlags)
	}
	return &Engine{cfg: cfg.Normalize(), logger: logger}
}

// Config returns the normalised configuration.
func (e *Engine) Config() Config { return e.cfg }

// prepared caches per-hit values used by the O(n²) scan.
type prepared struct {
	hit       agent.SearchHit
	index     int
	canonical string
	host      string
	relevance float64
	quality   float64
}

// Group partitions hits into duplicate groups. Every input hit appears in
// exactly one group. trust maps agent name to its trust weight.
//
// The returned error is the context error when the scan was cut short; the
// Result is still a valid partition in that case.
func (e *Engine) Group(ctx context.Context, topic string, hits []agent.SearchHit, trust map[string]float64) (Result, error) {
	var res Result
	if len(hits) == 0 {
		return res, nil
	}
	compared := hits
	var overflow []agent.SearchHit
	if len(hits) > e.cfg.MaxInput {
		compared = hits[:e.cfg.MaxInput]
		overflow = hits[e.cfg.MaxInput:]
		res.Truncated = true
		e.logger.Printf("input of %d hits capped at %d; %d left ungrouped", len(hits), e.cfg.MaxInput, len(overflow))
	}

	items := make([]prepared, len(compared))
	for i, h := range compared {
		items[i] = e.prepare(topic, h, i, trust)
	}

	assigned := make([]bool, len(items))
	var scanErr error
	for seed := range items {
		if assigned[seed] {
			continue
		}
		if scanErr == nil {
			if err := ctx.Err(); err != nil {
				scanErr = err
				res.Interrupted = true
			}
		}
		assigned[seed] = true
		members := []int{seed}
		if scanErr == nil {
			queue := []int{seed}
			for len(queue) > 0 && scanErr == nil {
				cur := queue[0]
				queue = queue[1:]
				if err := ctx.Err(); err != nil {
					scanErr = err
					res.Interrupted = true
					break
				}
				for k := seed + 1; k < len(items); k++ {
					if assigned[k] {
						continue
					}
					if e.duplicate(items[cur], items[k]) {
						assigned[k] = true
						members = append(members, k)
						queue = append(queue, k)
					}
				}
			}
		}
		res.Groups = append(res.Groups, e.build(items, members))
	}

	for i, h := range overflow {
		p := e.prepare(topic, h, len(compared)+i, trust)
		res.Groups = append(res.Groups, e.build([]prepared{p}, []int{0}))
	}
	return res, scanErr
}

func (e *Engine) prepare(topic string, h agent.SearchHit, index int, trust map[string]float64) prepared {
	p := prepared{hit: h, index: index}
	if c, err := helpers.CanonicalURL(h.URL); err == nil {
		p.canonical = c
		p.host = helpers.Host(c)
	}
	p.relevance = similarity.TermOverlap(topic, h.Title+" "+h.Snippet)
	p.quality = Quality(h, trustOf(trust, h.Agent))
	return p
}

// Similarity is the weighted pairwise similarity in [0,1]. The relevance
// term is closeness of topic relevance, so identical relevance adds 0.1.
func Similarity(topic string, a, b agent.SearchHit) float64 {
	e := &Engine{cfg: Config{}.Normalize()}
	pa := e.prepare(topic, a, 0, nil)
	pb := e.prepare(topic, b, 1, nil)
	s, _, _ := e.compare(pa, pb)
	return s
}

func (e *Engine) compare(a, b prepared) (overall, titleSim, contentSim float64) {
	titleSim = similarity.Text(a.hit.Title, b.hit.Title)
	contentSim = similarity.Text(a.hit.Snippet, b.hit.Snippet)
	urlSim := 0.0
	switch {
	case a.canonical == "" || b.canonical == "":
	case a.canonical == b.canonical:
		urlSim = 1
	case a.host == b.host:
		urlSim = 0.5
	}
	closeness := 1 - math.Abs(a.relevance-b.relevance)
	overall = titleSim*titleWeight + contentSim*contentWeight + urlSim*urlWeight + closeness*relevanceWeight
	return overall, titleSim, contentSim
}

func (e *Engine) duplicate(a, b prepared) bool {
	if a.canonical != "" && a.canonical == b.canonical {
		return true
	}
	overall, titleSim, contentSim := e.compare(a, b)
	return titleSim >= e.cfg.TitleThreshold ||
		contentSim >= e.cfg.ContentThreshold ||
		overall >= e.cfg.OverallThreshold()
}

func (e *Engine) build(items []prepared, members []int) Group {
	primary := members[0]
	if !e.cfg.KeepFirst {
		for _, m := range members[1:] {
			if items[m].quality > items[primary].quality {
				primary = m
			}
		}
	}
	g := Group{Primary: items[primary].hit, Quality: items[primary].quality}
	allClose := true
	for _, m := range members {
		if m == primary {
			continue
		}
		g.Duplicates = append(g.Duplicates, items[m].hit)
		s, _, _ := e.compare(items[primary], items[m])
		if s > g.Similarity {
			g.Similarity = s
		}
		if items[primary].quality-items[m].quality > e.cfg.MergeQualityDelta {
			allClose = false
		}
	}
	switch {
	case e.cfg.KeepFirst:
		g.Strategy = StrategyKeepFirst
	case allClose:
		g.Strategy = StrategyMerge
	default:
		g.Strategy = StrategyKeepBest
	}
	return g
}

// Quality rates a single hit for primary selection: content length, title
// length, agent relevance and agent trust.
func Quality(h agent.SearchHit, trust float64) float64 {
	content := math.Min(float64(len(strings.TrimSpace(h.Snippet)))/300, 1)
	title := math.Min(float64(len(strings.TrimSpace(h.Title)))/80, 1)
	rel := 0.5
	if h.Score != nil {
		rel = clamp01(*h.Score)
	}
	return 0.35*content + 0.15*title + 0.25*rel + 0.25*trust
}

func trustOf(trust map[string]float64, agentName string) float64 {
	if v, ok := trust[agentName]; ok && v > 0 {
		return clamp01(v)
	}
	return 0.5
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
