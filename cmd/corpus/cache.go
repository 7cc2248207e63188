package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mohammad-safakhou/corpus/config"
	"github.com/spf13/cobra"
)

func cacheCMD(cfgPath *string) *cobra.Command {
	var root = &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the corpus cache",
	}

	withApp := func(run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())
			return run(cmd, a, args)
		}
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print cache statistics",
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			s, err := a.cache.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(s)
		}),
	}
	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired entries and enforce the size limit",
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			r, err := a.cache.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(r)
		}),
	}
	invalidate := &cobra.Command{
		Use:   "invalidate [key...]",
		Short: "Drop cache entries by key",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			for _, key := range args {
				ok, err := a.cache.Invalidate(cmd.Context(), key)
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%v\n", key, ok)
			}
			return nil
		}),
	}
	root.AddCommand(stats, sweep, invalidate)
	return root
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
