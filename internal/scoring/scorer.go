package scoring

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/mohammad-safakhou/corpus/internal/dedup"
	"github.com/mohammad-safakhou/corpus/internal/helpers"
	"github.com/mohammad-safakhou/corpus/internal/similarity"
)

const recencyHalfLife = 180 * 24 * time.Hour

// QualityMetrics summarises the headline sub-scores of one result.
type QualityMetrics struct {
	ContentQuality    float64 `json:"content_quality"`
	SourceReliability float64 `json:"source_reliability"`
	Recency           float64 `json:"recency"`
	Relevance         float64 `json:"relevance"`
	Uniqueness        float64 `json:"uniqueness"`
	Overall           float64 `json:"overall"`
}

// AggregatedResult is one deduplicated, scored entry of the corpus.
type AggregatedResult struct {
	ID             string                `json:"id"`
	Title          string                `json:"title"`
	URL            string                `json:"url"`
	Snippet        string                `json:"snippet"`
	Sources        []string              `json:"sources"`
	Engines        []string              `json:"engines,omitempty"`
	Relevance      float64               `json:"relevance"`
	Confidence     float64               `json:"confidence"`
	DuplicateCount int                   `json:"duplicate_count"`
	Strategy       dedup.Strategy        `json:"strategy"`
	PublishedAt    *time.Time            `json:"published_at,omitempty"`
	Metadata       map[string]string     `json:"metadata,omitempty"`
	Quality        QualityMetrics        `json:"quality"`
	Dimensions     map[Dimension]float64 `json:"dimensions"`
	Score          float64               `json:"score"`
	Rank           int                   `json:"rank"`
}

// Config holds ranking thresholds and weight overrides.
type Config struct {
	Preset        string
	MaxResults    int
	MinRelevance  float64
	MinConfidence float64
	Presets       map[string]map[string]float64
	DomainTrust   map[string]float64
}

// Scorer ranks duplicate groups.
type Scorer struct {
	cfg     Config
	presets map[string]Weights
	now     func() time.Time
}

// NewScorer merges configured presets over the defaults.
func NewScorer(cfg Config) (*Scorer, error) {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 50
	}
	if cfg.Preset == "" {
		cfg.Preset = PresetGeneral
	}
	presets := DefaultPresets()
	for name, raw := range cfg.Presets {
		w, err := ParseWeights(raw)
		if err != nil {
			return nil, fmt.Errorf("preset %s: %w", name, err)
		}
		if w.Sum() <= 0 {
			return nil, fmt.Errorf("preset %s: weights sum to zero", name)
		}
		presets[strings.ToLower(name)] = w
	}
	for name, w := range presets {
		presets[name] = w.Normalized()
	}
	return &Scorer{cfg: cfg, presets: presets, now: time.Now}, nil
}

// WithClock replaces the time source used for recency.
func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	s.now = now
	return s
}

// Presets returns the normalised weight sets by name.
func (s *Scorer) Presets() map[string]Weights { return s.presets }

// Weights resolves the weights the context selects and the preset name.
func (s *Scorer) Weights(rctx Context) (Weights, string) {
	name := resolvePreset(rctx, s.presets, s.cfg.Preset)
	if len(rctx.Weights) > 0 && rctx.Weights.Sum() > 0 {
		return rctx.Weights.Normalized(), "custom"
	}
	return s.presets[name], name
}

// Rank scores every group, drops results under the relevance/confidence
// floors, sorts by score and truncates. trust maps agent name to trust.
func (s *Scorer) Rank(groups []dedup.Group, trust map[string]float64, rctx Context) ([]AggregatedResult, string) {
	weights, preset := s.Weights(rctx)
	now := s.now()
	out := make([]AggregatedResult, 0, len(groups))
	for _, g := range groups {
		r := s.build(g, trust, rctx.Topic, now)
		var total float64
		for _, d := range Dimensions {
			total += weights[d] * r.Dimensions[d]
		}
		r.Score = total
		r.Quality.Overall = total
		if r.Relevance < s.cfg.MinRelevance || r.Confidence < s.cfg.MinConfidence {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].DuplicateCount != out[j].DuplicateCount {
			return out[i].DuplicateCount > out[j].DuplicateCount
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > s.cfg.MaxResults {
		out = out[:s.cfg.MaxResults]
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out, preset
}

func (s *Scorer) build(g dedup.Group, trust map[string]float64, topic string, now time.Time) AggregatedResult {
	c := g.Consolidate()
	canonical, err := helpers.CanonicalURL(c.URL)
	if err != nil {
		canonical = c.URL
	}
	host := helpers.Host(canonical)
	r := AggregatedResult{
		ID:             "res_" + helpers.Fingerprint(canonical, strings.ToLower(c.Title))[:16],
		Title:          c.Title,
		URL:            c.URL,
		Snippet:        c.Snippet,
		Sources:        c.Sources,
		Engines:        c.Engines,
		DuplicateCount: len(g.Duplicates),
		Strategy:       g.Strategy,
		PublishedAt:    c.PublishedAt,
		Metadata:       c.Metadata,
	}

	relevance := 0.6*similarity.TermOverlap(topic, c.Title) + 0.4*similarity.TermOverlap(topic, c.Snippet)
	if c.Relevance != nil {
		relevance = 0.7*relevance + 0.3*clamp01(*c.Relevance)
	}
	corroboration := math.Min(1, 0.5+0.2*float64(len(c.Sources)-1))
	if len(c.Sources) == 0 {
		corroboration = 0.5
	}
	snippetLen := float64(len(strings.TrimSpace(c.Snippet)))
	confidence := 0.7*corroboration + 0.3*math.Min(snippetLen/200, 1)
	content := contentQuality(c.Title, c.Snippet, c.PublishedAt != nil)
	recency := recencyScore(c.PublishedAt, now)
	uniqueness := 1 / (1 + float64(len(g.Duplicates)))
	reliability := meanTrust(c.Sources, trust)
	credibility := s.credibility(host)
	authority := authorityScore(host, len(c.Sources))
	engagement := engagementScore(host, len(c.Engines))
	factual := 0.6*credibility + 0.4*corroboration

	r.Relevance = clamp01(relevance)
	r.Confidence = clamp01(confidence)
	r.Dimensions = map[Dimension]float64{
		Relevance:         r.Relevance,
		Confidence:        r.Confidence,
		Quality:           content,
		Recency:           recency,
		Uniqueness:        uniqueness,
		SourceReliability: reliability,
		Engagement:        engagement,
		Credibility:       credibility,
		Authority:         authority,
		FactualAccuracy:   clamp01(factual),
	}
	r.Quality = QualityMetrics{
		ContentQuality:    content,
		SourceReliability: reliability,
		Recency:           recency,
		Relevance:         r.Relevance,
		Uniqueness:        uniqueness,
	}
	return r
}

func contentQuality(title, snippet string, dated bool) float64 {
	length := math.Min(float64(len(strings.TrimSpace(snippet)))/300, 1)
	titleScore := 0.5
	if n := len(strings.TrimSpace(title)); n >= 10 && n <= 120 {
		titleScore = 1
	}
	if title != "" && strings.ToUpper(title) == title && strings.ToLower(title) != title {
		titleScore *= 0.5
	}
	date := 0.5
	if dated {
		date = 1
	}
	return clamp01(0.5*length + 0.3*titleScore + 0.2*date)
}

func recencyScore(published *time.Time, now time.Time) float64 {
	if published == nil || published.IsZero() {
		return 0.5
	}
	age := now.Sub(*published)
	if age <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * float64(age) / float64(recencyHalfLife))
}

func meanTrust(sources []string, trust map[string]float64) float64 {
	if len(sources) == 0 {
		return 0.5
	}
	var sum float64
	for _, s := range sources {
		if v, ok := trust[s]; ok && v > 0 {
			sum += clamp01(v)
		} else {
			sum += 0.5
		}
	}
	return sum / float64(len(sources))
}

var referenceHosts = []string{
	"wikipedia.org", "arxiv.org", "nature.com", "ieee.org", "acm.org", "sciencedirect.com",
	"springer.com", "britannica.com", "nih.gov", "jstor.org", "mit.edu", "stanford.edu",
}

var communityHosts = []string{
	"reddit.com", "stackoverflow.com", "stackexchange.com", "news.ycombinator.com",
	"dev.to", "medium.com", "discourse.org", "quora.com",
}

var videoHosts = []string{"youtube.com", "youtu.be", "vimeo.com", "ted.com", "coursera.org", "khanacademy.org"}

func hostIn(host string, list []string) bool {
	for _, h := range list {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

func (s *Scorer) credibility(host string) float64 {
	if host == "" {
		return 0.3
	}
	// the most specific configured domain wins
	best, trust := "", 0.0
	for h, v := range s.cfg.DomainTrust {
		if (host == h || strings.HasSuffix(host, "."+h)) && len(h) > len(best) {
			best, trust = h, v
		}
	}
	if best != "" {
		return trust
	}
	switch {
	case hostIn(host, referenceHosts):
		return 0.85
	case strings.HasSuffix(host, ".edu"), strings.HasSuffix(host, ".gov"):
		return 0.9
	case strings.HasSuffix(host, ".org"):
		return 0.7
	default:
		return 0.5
	}
}

func authorityScore(host string, sources int) float64 {
	switch {
	case hostIn(host, referenceHosts):
		return 0.9
	case strings.HasSuffix(host, ".edu"), strings.HasSuffix(host, ".gov"):
		return 0.8
	default:
		return math.Min(0.4+0.1*float64(sources), 0.7)
	}
}

func engagementScore(host string, engines int) float64 {
	base := math.Min(0.3+0.15*float64(engines), 0.6)
	switch {
	case hostIn(host, videoHosts):
		return 0.9
	case hostIn(host, communityHosts):
		return 0.8
	default:
		return base
	}
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
