package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xibosignage/cachecore/cacheanalyzer"
	"github.com/xibosignage/cachecore/config"
	"github.com/xibosignage/cachecore/contentstore"
	"github.com/xibosignage/cachecore/model"
)

func newEvictCmd() *cobra.Command {
	var (
		storeDir     string
		quota        int64
		threshold    int
		manifestPath string
	)

	cmd := &cobra.Command{
		Use:   "evict",
		Short: "Run one CacheAnalyzer reconciliation pass on demand",
		Long: `evict runs a single pass of §4.6's required-vs-orphaned partition and
oldest-first eviction, without starting the periodic loop. A manifest is
optional; without one every stored file is treated as orphaned.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			store, err := contentstore.New(storeDir, quota)
			if err != nil {
				return fmt.Errorf("failed to open content store: %w", err)
			}
			defer store.Close()

			source := emptyManifestSource
			if manifestPath != "" {
				m, err := loadManifest(manifestPath)
				if err != nil {
					return err
				}
				source = func() *model.Manifest { return m }
			}

			analyzer := cacheanalyzer.New(store, source, 0, threshold)
			report := analyzer.RunOnce()

			fmt.Printf("storage: %d/%d bytes (%d files)\n", report.Storage, report.Quota, report.Files)
			fmt.Printf("orphaned: %d (%d bytes)\n", len(report.Orphaned), report.OrphanedSize)
			fmt.Printf("evicted: %d\n", len(report.Evicted))
			for _, e := range report.Evicted {
				fmt.Printf("  %s/%s (%d bytes)\n", e.Type, e.ID, e.Size)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&storeDir, "store", "./cache-data", "Content store base directory")
	cmd.Flags().Int64Var(&quota, "quota", 0, "Storage quota in bytes (0 = unbounded)")
	cmd.Flags().IntVar(&threshold, "threshold", config.Default().Threshold, "Usage percent above which eviction runs")
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "Manifest file declaring the currently-required set (optional)")

	return cmd
}
