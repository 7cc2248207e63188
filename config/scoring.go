package config

import (
	"fmt"
	"strings"
)

// ScoringConfig selects the ranking preset and its thresholds.
type ScoringConfig struct {
	Preset        string                        `mapstructure:"preset"`
	MaxResults    int                           `mapstructure:"max_results"`
	MinRelevance  float64                       `mapstructure:"min_relevance"`
	MinConfidence float64                       `mapstructure:"min_confidence"`
	Presets       map[string]map[string]float64 `mapstructure:"presets"`
	DomainTrust   map[string]float64            `mapstructure:"domain_trust"`
}

// Normalize clamps configuration values and standardises keys.
func (c ScoringConfig) Normalize() ScoringConfig {
	cfg := c
	cfg.Preset = strings.ToLower(strings.TrimSpace(cfg.Preset))
	if cfg.Preset == "" {
		cfg.Preset = "general"
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 50
	}
	cfg.MinRelevance = clamp01(cfg.MinRelevance)
	cfg.MinConfidence = clamp01(cfg.MinConfidence)

	presets := make(map[string]map[string]float64, len(cfg.Presets))
	for name, weights := range cfg.Presets {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			continue
		}
		w := make(map[string]float64, len(weights))
		for dim, v := range weights {
			w[strings.ToLower(strings.TrimSpace(dim))] = v
		}
		presets[key] = w
	}
	cfg.Presets = presets

	trust := make(map[string]float64, len(cfg.DomainTrust))
	for host, value := range cfg.DomainTrust {
		key := strings.TrimPrefix(strings.TrimSpace(strings.ToLower(host)), "www.")
		if key == "" {
			continue
		}
		trust[key] = clamp01(value)
	}
	cfg.DomainTrust = trust
	return cfg
}

// Validate ensures configuration is internally consistent.
func (c ScoringConfig) Validate() error {
	for name, weights := range c.Presets {
		sum := 0.0
		for dim, v := range weights {
			if v < 0 {
				return fmt.Errorf("scoring.presets.%s.%s cannot be negative", name, dim)
			}
			sum += v
		}
		if sum == 0 {
			return fmt.Errorf("scoring.presets.%s has no positive weight", name)
		}
	}
	return nil
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
