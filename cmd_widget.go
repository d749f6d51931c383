package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/xibosignage/cachecore/contentstore"
	"github.com/xibosignage/cachecore/widget"
)

func newWidgetCmd() *cobra.Command {
	var (
		storeDir string
		base     string
		layout   string
		region   string
		media    string
		outPath  string
	)

	cmd := &cobra.Command{
		Use:   "widget <html-file>",
		Short: "Run WidgetHtmlPreprocessor over a local HTML file and publish the result",
		Long: `widget exercises §4.7 without a running server: it reads an HTML file,
rewrites base/signed-URL/hostAddress references and fetches every
discovered static resource into the content store, then publishes the
rewritten HTML under widget/{layoutId}/{regionId}/{mediaId}.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read html file: %w", err)
			}

			store, err := contentstore.New(storeDir, 0)
			if err != nil {
				return fmt.Errorf("failed to open content store: %w", err)
			}
			defer store.Close()

			pre := widget.New(store, http.DefaultClient, base)
			out, err := pre.CacheWidgetHtml(cmd.Context(), layout, region, media, string(raw))
			if err != nil {
				return fmt.Errorf("failed to preprocess widget html: %w", err)
			}

			if outPath == "" {
				fmt.Println(out)
				return nil
			}
			if err := os.WriteFile(outPath, []byte(out), 0o644); err != nil {
				return fmt.Errorf("failed to write output: %w", err)
			}
			fmt.Printf("wrote rewritten widget html to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&storeDir, "store", "./cache-data", "Content store base directory")
	cmd.Flags().StringVar(&base, "base", "http://127.0.0.1:8067", "Base URL to rewrite widget references to")
	cmd.Flags().StringVar(&layout, "layout", "", "Layout id")
	cmd.Flags().StringVar(&region, "region", "", "Region id")
	cmd.Flags().StringVar(&media, "media", "", "Widget media id")
	cmd.Flags().StringVar(&outPath, "out", "", "Write rewritten HTML to this file instead of stdout")

	cmd.MarkFlagRequired("layout")
	cmd.MarkFlagRequired("region")
	cmd.MarkFlagRequired("media")

	return cmd
}
