package attribution

import (
	"errors"
	"math"
	"testing"

	"github.com/mohammad-safakhou/corpus/internal/agent"
	"github.com/mohammad-safakhou/corpus/internal/dedup"
	"github.com/mohammad-safakhou/corpus/internal/scoring"
)

func TestAnalyze(t *testing.T) {
	h := func(id, a string) agent.SearchHit { return agent.SearchHit{ID: id, Agent: a, Engine: a + "-engine"} }
	runs := []agent.AgentRun{
		{Agent: "web", Status: agent.RunSuccess, Hits: []agent.SearchHit{h("w#0", "web"), h("w#1", "web")}},
		{Agent: "news", Status: agent.RunPartial, Hits: []agent.SearchHit{h("n#0", "news")}, Rejected: 1},
		{Agent: "video", Status: agent.RunFailure, Err: errors.New("down"), Error: "down"},
	}
	groups := []dedup.Group{
		{Primary: h("w#0", "web"), Duplicates: []agent.SearchHit{h("n#0", "news")}},
		{Primary: h("w#1", "web")},
	}
	results := []scoring.AggregatedResult{
		{ID: "r1", Sources: []string{"news", "web"}, Quality: scoring.QualityMetrics{Overall: 0.8}},
		{ID: "r2", Sources: []string{"web"}, Quality: scoring.QualityMetrics{Overall: 0.3}},
	}

	rep := Analyze(runs, groups, results)
	if rep.TotalHits != 3 || rep.DuplicateHits != 1 {
		t.Fatalf("totals = %d/%d", rep.TotalHits, rep.DuplicateHits)
	}
	if math.Abs(rep.Redundancy-1.0/3) > 1e-9 {
		t.Fatalf("redundancy = %v", rep.Redundancy)
	}
	if rep.Agents[0].Agent != "web" || rep.Agents[0].ContributionPct != 100 {
		t.Fatalf("web should lead with 100%%, got %+v", rep.Agents[0])
	}
	if rep.Agents[1].Agent != "news" || rep.Agents[1].ContributionPct != 50 || rep.Agents[1].Rejected != 1 {
		t.Fatalf("unexpected news contribution %+v", rep.Agents[1])
	}
	if rep.Agents[2].Succeeded || rep.Agents[2].Error != "down" {
		t.Fatalf("failed agent should be reported, got %+v", rep.Agents[2])
	}
	if rep.Engines["web-engine"] != 2 || rep.Engines["news-engine"] != 1 {
		t.Fatalf("engine counts = %v", rep.Engines)
	}
	if rep.Quality.High != 1 || rep.Quality.Low != 1 {
		t.Fatalf("quality distribution = %+v", rep.Quality)
	}
	if rep.Coverage.MeanAgentsPerResult != 1.5 || rep.Coverage.Histogram[2] != 1 {
		t.Fatalf("coverage = %+v", rep.Coverage)
	}
}

func TestAnalyzeEmpty(t *testing.T) {
	rep := Analyze(nil, nil, nil)
	if rep.Redundancy != 0 || rep.TotalHits != 0 || len(rep.Agents) != 0 {
		t.Fatalf("unexpected empty report %+v", rep)
	}
}
