package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alvmarrod/lineage-weaver/internal/crawler"
)

func newFreshCmd(opts *rootOptions) *cobra.Command {
	var noResolve bool

	cmd := &cobra.Command{
		Use:   "fresh [seed...]",
		Short: "Start a crawl from seed locators",
		Long: `Starts a crawl from the given seed locators, or from seed_locators in the
config when none are given. Seeds are crawled even if the reference snapshot
does not list them. Links are resolved at the end unless --no-resolve is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			seeds := args
			if len(seeds) == 0 {
				seeds = opts.cfg.SeedLocators
			}
			if len(seeds) == 0 {
				return errors.New("no seed locators given and seed_locators is empty")
			}

			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) (string, error) {
				canonical, err := a.canonicalSeeds(seeds)
				if err != nil {
					return reasonError, err
				}
				return a.crawl(ctx, func(c *crawler.Controller, ctx context.Context) (crawler.Summary, error) {
					return c.RunFresh(ctx, canonical)
				}, !noResolve)
			})
		},
	}
	cmd.Flags().BoolVar(&noResolve, "no-resolve", false, "skip link resolution after the crawl")
	return cmd
}

func newResumeCmd(opts *rootOptions) *cobra.Command {
	var noResolve bool

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue an interrupted crawl from the database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) (string, error) {
				return a.crawl(ctx, (*crawler.Controller).RunResume, !noResolve)
			})
		},
	}
	cmd.Flags().BoolVar(&noResolve, "no-resolve", false, "skip link resolution after the crawl")
	return cmd
}

func newReprocessCmd(opts *rootOptions) *cobra.Command {
	var noResolve bool

	cmd := &cobra.Command{
		Use:   "reprocess",
		Short: "Re-parse every cached page without touching the network",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) (string, error) {
				return a.crawl(ctx, (*crawler.Controller).RunReprocess, !noResolve)
			})
		},
	}
	cmd.Flags().BoolVar(&noResolve, "no-resolve", false, "skip link resolution after reprocessing")
	return cmd
}

func newResolveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Recompute resolved entity links from raw links",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) (string, error) {
				a.tracker.SetRun(a.runID, "resolve")
				if err := a.resolve(ctx); err != nil {
					if errors.Is(err, context.Canceled) {
						return reasonSignal, nil
					}
					return reasonError, fmt.Errorf("resolve: %w", err)
				}
				return reasonResolved, nil
			})
		},
	}
}
