package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/offlinesync/internal/cache"
	"github.com/mschirtzinger/offlinesync/internal/schema"
	"github.com/mschirtzinger/offlinesync/internal/ui"
)

var cacheCmd = &cobra.Command{
	Use:     "cache",
	GroupID: "sync",
	Short:   "Cache maintenance",
	Long: `Inspect and trim the local cache.

Eviction removes the oldest entries first. Entries with queued writes
are not spared, but their queued operations still replay.`,
}

var cacheMaintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run full cache maintenance now",
	Long: `Trim every entity type to cache.keep_per_type entries, enforce
cache.max_bytes and record the run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Dispose()

		report, err := a.Maintain(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Maintenance complete\n", ui.RenderPass("✓"))
		for _, t := range schema.AllEntityTypes() {
			fmt.Fprintf(out, "   %-9s evicted %d, health %s\n", t+":", report.Evicted[t], ui.RenderScore(report.Scores[t], cache.HealthyScore))
		}
		if report.LimitEvicted > 0 {
			fmt.Fprintf(out, "   Size limit evicted %d more\n", report.LimitEvicted)
		}
		return nil
	},
}

var cacheEvictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Keep only the newest N entries of a type",
	RunE: func(cmd *cobra.Command, args []string) error {
		keep, _ := cmd.Flags().GetInt("keep")
		typeName, _ := cmd.Flags().GetString("type")
		if keep < 0 {
			return fmt.Errorf("--keep must not be negative")
		}

		types := schema.AllEntityTypes()
		if typeName != "" {
			t, err := schema.ParseEntityType(typeName)
			if err != nil {
				return err
			}
			types = []schema.EntityType{t}
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Dispose()

		out := cmd.OutOrStdout()
		for _, t := range types {
			n, err := a.Cache.EvictLeastRecentlyUsed(cmd.Context(), t, keep)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s %s: evicted %d\n", ui.RenderPass("✓"), t, n)
		}
		return nil
	},
}

var cacheLimitCmd = &cobra.Command{
	Use:   "limit",
	Short: "Evict oldest entries until the cache fits in N bytes",
	RunE: func(cmd *cobra.Command, args []string) error {
		maxBytes, _ := cmd.Flags().GetInt64("bytes")
		if maxBytes <= 0 {
			return fmt.Errorf("--bytes must be positive")
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Dispose()

		n, err := a.Cache.EnforceStorageLimit(cmd.Context(), maxBytes)
		if err != nil {
			return err
		}
		size, err := a.Cache.EstimateSize(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Evicted %d entries, cache is now %s\n", ui.RenderPass("✓"), n, humanBytes(size))
		return nil
	},
}

func init() {
	cacheEvictCmd.Flags().Int("keep", 500, "entries to keep per type")
	cacheEvictCmd.Flags().StringP("type", "t", "", "entity type (default: all)")
	cacheLimitCmd.Flags().Int64("bytes", 5<<20, "maximum estimated cache size in bytes")

	cacheCmd.AddCommand(cacheMaintainCmd, cacheEvictCmd, cacheLimitCmd)
	rootCmd.AddCommand(cacheCmd)
}
