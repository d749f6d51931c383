package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/xibosignage/cachecore/cacheanalyzer"
	"github.com/xibosignage/cachecore/config"
	"github.com/xibosignage/cachecore/contentstore"
	"github.com/xibosignage/cachecore/httpapi"
	"github.com/xibosignage/cachecore/logger"
	"github.com/xibosignage/cachecore/widget"
)

func newServeCmd() *cobra.Command {
	var (
		storeDir  string
		listen    string
		base      string
		quota     int64
		threshold int
		interval  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local cache server and reconciliation loop",
		Long: `serve starts the HTTP surface described in §6 (GET/HEAD {BASE}/cache/...,
PUT /store/..., POST /store/delete, GET /store/list, POST /widget/...) and
launches CacheAnalyzer in the background to evict orphaned files once
storage usage crosses --threshold percent of --quota.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			store, err := contentstore.New(storeDir, quota)
			if err != nil {
				return fmt.Errorf("failed to open content store: %w", err)
			}
			defer store.Close()

			pre := widget.New(store, http.DefaultClient, base)
			server := httpapi.NewServer(store, pre)

			// No manifest source is wired for a bare serve invocation; the
			// analyzer always runs with an empty required set, so every
			// stored file counts as orphaned. This still lets `serve`
			// demonstrate the reconciliation loop with --threshold and
			// --interval against whatever is on disk.
			analyzer := cacheanalyzer.New(store, emptyManifestSource, interval, threshold)
			analyzer.Start()
			defer analyzer.Stop()

			go func() {
				for report := range analyzer.Reports() {
					logger.Info("reconciliation pass",
						"orphaned", len(report.Orphaned), "evicted", len(report.Evicted),
						"usage", report.Storage, "quota", report.Quota)
				}
			}()

			logger.Info("cache server listening", "addr", listen, "store", storeDir)
			httpServer := &http.Server{Addr: listen, Handler: server.Handler}

			ctx := cmd.Context()
			errCh := make(chan error, 1)
			go func() { errCh <- httpServer.ListenAndServe() }()

			select {
			case <-ctx.Done():
				logger.Info("shutting down cache server")
				return httpServer.Close()
			case err := <-errCh:
				if err != nil && err != http.ErrServerClosed {
					return fmt.Errorf("cache server failed: %w", err)
				}
				return nil
			}
		},
	}

	cmd.Flags().StringVar(&storeDir, "store", "./cache-data", "Content store base directory")
	cmd.Flags().StringVar(&listen, "listen", ":8067", "HTTP listen address")
	cmd.Flags().StringVar(&base, "base", "http://127.0.0.1:8067", "Base URL widgets are rewritten to reference")
	cmd.Flags().Int64Var(&quota, "quota", 0, "Storage quota in bytes (0 = unbounded)")
	cmd.Flags().IntVar(&threshold, "threshold", config.Default().Threshold, "Usage percent above which eviction runs")
	cmd.Flags().DurationVar(&interval, "interval", config.Default().AnalyzerInterval, "Reconciliation pass cadence")

	return cmd
}
