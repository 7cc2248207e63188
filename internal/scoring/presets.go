package scoring

import (
	"fmt"
	"sort"
	"strings"
)

// Dimension is one axis of the composite score.
type Dimension string

const (
	Relevance         Dimension = "relevance"
	Confidence        Dimension = "confidence"
	Quality           Dimension = "quality"
	Recency           Dimension = "recency"
	Uniqueness        Dimension = "uniqueness"
	SourceReliability Dimension = "source_reliability"
	Engagement        Dimension = "engagement"
	Credibility       Dimension = "credibility"
	Authority         Dimension = "authority"
	FactualAccuracy   Dimension = "factual_accuracy"
)

// Dimensions lists every dimension in a fixed order.
var Dimensions = []Dimension{
	Relevance, Confidence, Quality, Recency, Uniqueness,
	SourceReliability, Engagement, Credibility, Authority, FactualAccuracy,
}

// Weights maps dimensions to their share of the composite score.
type Weights map[Dimension]float64

// Sum adds every weight.
func (w Weights) Sum() float64 {
	var s float64
	for _, v := range w {
		s += v
	}
	return s
}

// Normalized scales the weights to sum to 1. Negative weights are dropped.
func (w Weights) Normalized() Weights {
	out := make(Weights, len(Dimensions))
	var sum float64
	for _, d := range Dimensions {
		if v := w[d]; v > 0 {
			out[d] = v
			sum += v
		}
	}
	if sum == 0 {
		return out
	}
	for d, v := range out {
		out[d] = v / sum
	}
	return out
}

// Preset names.
const (
	PresetGeneral   = "general"
	PresetAcademic  = "academic"
	PresetCommunity = "community"
	PresetVideo     = "video"
)

// DefaultPresets returns fresh copies of the built-in weight sets.
func DefaultPresets() map[string]Weights {
	return map[string]Weights{
		PresetGeneral: {
			Relevance: 0.25, Confidence: 0.10, Quality: 0.15, Recency: 0.10, Uniqueness: 0.05,
			SourceReliability: 0.10, Engagement: 0.05, Credibility: 0.10, Authority: 0.05, FactualAccuracy: 0.05,
		},
		PresetAcademic: {
			Relevance: 0.20, Confidence: 0.10, Quality: 0.10, Recency: 0.05, Uniqueness: 0.05,
			SourceReliability: 0.10, Engagement: 0, Credibility: 0.15, Authority: 0.15, FactualAccuracy: 0.10,
		},
		PresetCommunity: {
			Relevance: 0.20, Confidence: 0.10, Quality: 0.10, Recency: 0.15, Uniqueness: 0.05,
			SourceReliability: 0.05, Engagement: 0.25, Credibility: 0.05, Authority: 0, FactualAccuracy: 0.05,
		},
		PresetVideo: {
			Relevance: 0.25, Confidence: 0.05, Quality: 0.15, Recency: 0.10, Uniqueness: 0.05,
			SourceReliability: 0.05, Engagement: 0.25, Credibility: 0.05, Authority: 0, FactualAccuracy: 0.05,
		},
	}
}

// ParseWeights converts a config map into Weights, rejecting unknown dimensions.
func ParseWeights(raw map[string]float64) (Weights, error) {
	known := make(map[Dimension]struct{}, len(Dimensions))
	for _, d := range Dimensions {
		known[d] = struct{}{}
	}
	w := make(Weights, len(raw))
	var unknown []string
	for k, v := range raw {
		d := Dimension(strings.ToLower(strings.TrimSpace(k)))
		if _, ok := known[d]; !ok {
			unknown = append(unknown, k)
			continue
		}
		w[d] = v
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown scoring dimensions: %s", strings.Join(unknown, ", "))
	}
	return w, nil
}

// Context is what the caller knows about the learner.
type Context struct {
	Topic         string  `json:"topic"`
	Preset        string  `json:"preset,omitempty"`
	UserLevel     string  `json:"user_level,omitempty"`
	LearningStyle string  `json:"learning_style,omitempty"`
	Weights       Weights `json:"weights,omitempty"`
}

// resolvePreset picks the preset: explicit name, then learning style, then
// user level, then the configured default.
func resolvePreset(rctx Context, presets map[string]Weights, fallback string) string {
	if name := strings.ToLower(strings.TrimSpace(rctx.Preset)); name != "" {
		if _, ok := presets[name]; ok {
			return name
		}
	}
	switch strings.ToLower(strings.TrimSpace(rctx.LearningStyle)) {
	case "visual", "video":
		return PresetVideo
	case "social", "community", "discussion":
		return PresetCommunity
	}
	switch strings.ToLower(strings.TrimSpace(rctx.UserLevel)) {
	case "advanced", "expert", "research":
		return PresetAcademic
	}
	if _, ok := presets[fallback]; ok {
		return fallback
	}
	return PresetGeneral
}
