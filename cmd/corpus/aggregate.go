package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/corpus/config"
	"github.com/mohammad-safakhou/corpus/internal/service"
	"github.com/spf13/cobra"
)

func aggregateCMD(cfgPath *string) *cobra.Command {
	var req service.Request
	var weights map[string]string
	var agg = &cobra.Command{
		Use:   "aggregate [topic]",
		Short: "Build one topic corpus and print it as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseWeights(weights)
			if err != nil {
				return err
			}
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			req.Topic = strings.Join(args, " ")
			req.Weights = parsed
			resp, err := a.topics.Aggregate(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	f := agg.Flags()
	f.StringVar(&req.Preset, "preset", "", "scoring preset")
	f.StringVar(&req.UserLevel, "level", "", "audience level")
	f.StringVar(&req.LearningStyle, "style", "", "learning style")
	f.StringToStringVar(&weights, "weight", nil, "custom dimension weights, e.g. relevance=0.5,recency=0.2")
	f.StringSliceVar(&req.Agents, "agents", nil, "restrict to these agents")
	f.BoolVar(&req.Refresh, "refresh", false, "bypass the cache")
	f.StringVar(&req.Priority, "priority", "", "cache priority: low, normal, high or critical")

	return agg
}

func parseWeights(raw map[string]string) (map[string]float64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("weight %s: %w", k, err)
		}
		out[k] = f
	}
	return out, nil
}
