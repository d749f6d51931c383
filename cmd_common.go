package main

import (
	"fmt"
	"os"

	"github.com/xibosignage/cachecore/model"
)

// emptyManifestSource is a cacheanalyzer.ManifestSource with no required
// files, used when a command runs the analyzer without a manifest on hand.
func emptyManifestSource() *model.Manifest {
	return &model.Manifest{Layouts: make(map[string][]string)}
}

// loadManifest opens and parses the manifest file at path (§6's JSON
// required-files list).
func loadManifest(path string) (*model.Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	m, err := model.ParseManifest(f)
	if err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}
