package attribution

import (
	"sort"
	"time"

	"github.com/mohammad-safakhou/corpus/internal/agent"
	"github.com/mohammad-safakhou/corpus/internal/dedup"
	"github.com/mohammad-safakhou/corpus/internal/scoring"
)

// Quality buckets for the distribution.
const (
	highQuality   = 0.7
	mediumQuality = 0.4
)

// AgentContribution is one agent's share of the corpus.
type AgentContribution struct {
	Agent           string          `json:"agent"`
	Status          agent.RunStatus `json:"status"`
	Succeeded       bool            `json:"succeeded"`
	Hits            int             `json:"hits"`
	Rejected        int             `json:"rejected,omitempty"`
	Contributed     int             `json:"contributed"`
	ContributionPct float64         `json:"contribution_pct"`
	Latency         time.Duration   `json:"latency"`
	Attempts        int             `json:"attempts"`
	Error           string          `json:"error,omitempty"`
}

// QualityDistribution buckets final results by overall quality.
type QualityDistribution struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// Coverage describes how many distinct agents back each final result.
type Coverage struct {
	MeanAgentsPerResult float64     `json:"mean_agents_per_result"`
	Histogram           map[int]int `json:"histogram"`
}

// Report is read-only bookkeeping over one aggregation.
type Report struct {
	Agents        []AgentContribution `json:"agents"`
	Engines       map[string]int      `json:"engines"`
	Quality       QualityDistribution `json:"quality"`
	Coverage      Coverage            `json:"coverage"`
	TotalHits     int                 `json:"total_hits"`
	DuplicateHits int                 `json:"duplicate_hits"`
	Redundancy    float64             `json:"redundancy"`
}

// Analyze builds the report. It never mutates its inputs.
func Analyze(runs []agent.AgentRun, groups []dedup.Group, results []scoring.AggregatedResult) Report {
	rep := Report{
		Engines:  map[string]int{},
		Coverage: Coverage{Histogram: map[int]int{}},
	}

	contributed := map[string]int{}
	var agentsTotal int
	for _, r := range results {
		for _, src := range r.Sources {
			contributed[src]++
		}
		n := len(r.Sources)
		agentsTotal += n
		rep.Coverage.Histogram[n]++
		switch {
		case r.Quality.Overall >= highQuality:
			rep.Quality.High++
		case r.Quality.Overall >= mediumQuality:
			rep.Quality.Medium++
		default:
			rep.Quality.Low++
		}
	}
	if len(results) > 0 {
		rep.Coverage.MeanAgentsPerResult = float64(agentsTotal) / float64(len(results))
	}

	for _, run := range runs {
		c := AgentContribution{
			Agent:       run.Agent,
			Status:      run.Status,
			Succeeded:   run.Succeeded(),
			Hits:        len(run.Hits),
			Rejected:    run.Rejected,
			Contributed: contributed[run.Agent],
			Latency:     run.Latency,
			Attempts:    run.Attempts,
			Error:       run.Error,
		}
		if len(results) > 0 {
			c.ContributionPct = 100 * float64(c.Contributed) / float64(len(results))
		}
		rep.Agents = append(rep.Agents, c)
	}
	sort.SliceStable(rep.Agents, func(i, j int) bool {
		return rep.Agents[i].ContributionPct > rep.Agents[j].ContributionPct
	})

	for _, g := range groups {
		for _, h := range g.Members() {
			rep.TotalHits++
			engine := h.Engine
			if engine == "" {
				engine = h.Agent
			}
			rep.Engines[engine]++
		}
		rep.DuplicateHits += len(g.Duplicates)
	}
	if rep.TotalHits > 0 {
		rep.Redundancy = float64(rep.DuplicateHits) / float64(rep.TotalHits)
	}
	return rep
}
