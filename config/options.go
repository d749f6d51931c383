// Package config holds the dynamic configuration for the download-and-cache
// core, following the teacher's plain-struct-with-defaults idiom
// (download.Options / download.DefaultOptions in the reference client).
package config

import (
	"runtime"
	"time"
)

const (
	// ChunkThreshold is the file size above which chunking is used (§6).
	ChunkThreshold = 100 * 1 << 20 // 100 MiB

	// ChunkSize is the byte size for each chunk of a chunked file (§6).
	ChunkSize = 50 * 1 << 20 // 50 MiB
)

// Options configures a DownloadQueue and its collaborators. Every field is
// documented in spec.md §6.
type Options struct {
	// Concurrency is the maximum number of simultaneous HTTP fetches.
	Concurrency int
	// ChunkSize is the byte size used when splitting large files into chunks.
	ChunkSize int64
	// MaxChunksPerFile is a soft cap on the number of chunks a single file
	// resolves to: FileDownload.resolve grows the effective chunk size past
	// ChunkSize, if needed, to keep a large file's chunk count at or below
	// this value. 0 means no cap.
	MaxChunksPerFile int
	// Threshold is the storage usage percent above which CacheAnalyzer evicts.
	Threshold int
	// ChunkThreshold is the file size above which a file is chunked.
	ChunkThreshold int64
	// MaxRetries is the per-task retry budget.
	MaxRetries int
	// VerifyMD5 enables optional MD5 verification of assembled content.
	VerifyMD5 bool
	// AnalyzerInterval is the cadence of CacheAnalyzer's reconciliation pass.
	AnalyzerInterval time.Duration
	// BandwidthLimitBPS caps bytes/sec spent on background fetches so the
	// download queue never starves the signage player's other network use.
	// 0 means unlimited.
	BandwidthLimitBPS int64
}

// Default returns Options populated with the spec's defaults.
func Default() Options {
	return Options{
		Concurrency:       6,
		ChunkSize:         ChunkSize,
		MaxChunksPerFile:  64,
		Threshold:         80,
		ChunkThreshold:    ChunkThreshold,
		MaxRetries:        3,
		VerifyMD5:         true,
		AnalyzerInterval:  5 * time.Minute,
		BandwidthLimitBPS: 0,
	}
}

// DefaultMaxWorkers mirrors the teacher's runtime-scaled worker default,
// offered as an alternative starting point for Concurrency on capable hosts.
var DefaultMaxWorkers = min(runtime.NumCPU()*2, 16)
