package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/xibosignage/cachecore/config"
	"github.com/xibosignage/cachecore/contentstore"
	"github.com/xibosignage/cachecore/download"
)

func newSyncCmd() *cobra.Command {
	var (
		storeDir     string
		quota        int64
		concurrency  int
		withBars     bool
		bandwidthBPS int64
	)

	cmd := &cobra.Command{
		Use:   "sync <manifest.json>",
		Short: "Download every file a manifest requires into the content store",
		Long: `sync parses a manifest (§6's JSON required-files list), builds the
ordered task sequence via LayoutTaskBuilder (§4.5) and runs it through
DownloadQueue (§4.4) until every file is complete or failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			manifest, err := loadManifest(args[0])
			if err != nil {
				return err
			}

			store, err := contentstore.New(storeDir, quota)
			if err != nil {
				return fmt.Errorf("failed to open content store: %w", err)
			}
			defer store.Close()

			cfg := config.Default()
			cfg.Concurrency = concurrency
			cfg.BandwidthLimitBPS = bandwidthBPS

			tracker := download.NewTracker(withBars)
			queue := download.NewQueue(store, http.DefaultClient, cfg, tracker)
			defer queue.Shutdown()

			builder := download.NewLayoutTaskBuilder(queue)
			if err := builder.Build(cmd.Context(), manifest.Files); err != nil {
				return fmt.Errorf("failed to build task sequence: %w", err)
			}

			waitForQueueDrain(cmd.Context(), queue)
			tracker.Wait()

			fmt.Printf("synced %d required files\n", len(manifest.Files))
			return nil
		},
	}

	cmd.Flags().StringVar(&storeDir, "store", "./cache-data", "Content store base directory")
	cmd.Flags().Int64Var(&quota, "quota", 0, "Storage quota in bytes (0 = unbounded)")
	cmd.Flags().IntVar(&concurrency, "workers", config.Default().Concurrency, "Number of parallel fetches")
	cmd.Flags().BoolVar(&withBars, "progress", true, "Show a terminal progress bar per in-flight file")
	cmd.Flags().Int64Var(&bandwidthBPS, "bandwidth-limit", 0, "Cap background fetches to this many bytes/sec (0 = unlimited)")

	return cmd
}

// waitForQueueDrain polls the queue until it has neither queued nor
// in-flight work left, or ctx is cancelled.
func waitForQueueDrain(ctx context.Context, queue *download.DownloadQueue) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if queue.Len() == 0 && queue.Running() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
