// Package cacheanalyzer implements the periodic reconciliation pass of
// spec.md §4.6: diff the required set against everything the store holds,
// identify orphans, and evict oldest-first once usage crosses a threshold.
// Grounded on the teacher's progress.Tracker ticker idiom
// (stopChan/doneChan, a 100ms-scale select loop) and on update.GenerateDelta's
// added/modified/removed partitioning, generalized here to a two-way
// required/orphaned split.
package cacheanalyzer

import (
	"sort"
	"time"

	"gitlab.com/NebulousLabs/threadgroup"

	"github.com/xibosignage/cachecore/contentstore"
	"github.com/xibosignage/cachecore/logger"
	"github.com/xibosignage/cachecore/model"
)

// Report is the structured output of one reconciliation pass (§4.6 step 5).
type Report struct {
	Timestamp    int64
	Storage      int64 // usage in bytes at the time of the pass
	Quota        int64
	Files        int
	Orphaned     []contentstore.ListEntry
	OrphanedSize int64
	Evicted      []contentstore.ListEntry
	Threshold    int
}

// ManifestSource supplies the current required-id set on each pass. The
// analyzer never holds its own manifest; the caller's ManifestSource is
// invoked fresh on every tick so a reconciliation always reflects the
// host's latest manifest (spec.md §3 "Manifest... a new manifest may
// arrive at any time and triggers reconciliation").
type ManifestSource func() *model.Manifest

// Analyzer runs the periodic reconciliation loop described in §4.6.
type Analyzer struct {
	store    *contentstore.Store
	manifest ManifestSource
	interval time.Duration
	threshold int

	reports chan Report

	tg       threadgroup.ThreadGroup
	stopChan chan struct{}
	doneChan chan struct{}
}

// New creates an Analyzer. threshold is the storage usage percent above
// which eviction is considered (default 80 per §4.6 step 4).
func New(store *contentstore.Store, manifest ManifestSource, interval time.Duration, threshold int) *Analyzer {
	return &Analyzer{
		store:     store,
		manifest:  manifest,
		interval:  interval,
		threshold: threshold,
		reports:   make(chan Report, 4),
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
}

// Reports returns the channel reconciliation reports are published on.
// Buffered; when a slow consumer lets the buffer fill, new reports are
// dropped.
func (a *Analyzer) Reports() <-chan Report {
	return a.reports
}

// Start launches the ticker-driven reconciliation loop in its own
// goroutine, mirroring the teacher's Tracker.displayLoop shutdown pair.
func (a *Analyzer) Start() {
	go a.loop()
}

func (a *Analyzer) loop() {
	defer close(a.doneChan)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
			if err := a.tg.Add(); err != nil {
				return
			}
			report := a.RunOnce()
			a.tg.Done()
			select {
			case a.reports <- report:
			default:
				logger.Warn("cacheanalyzer: report channel full, dropping")
			}
		}
	}
}

// Stop halts the reconciliation loop and waits for the in-flight pass, if
// any, to finish.
func (a *Analyzer) Stop() {
	select {
	case <-a.stopChan:
	default:
		close(a.stopChan)
	}
	<-a.doneChan
	a.tg.Stop()
}

// RunOnce performs a single reconciliation pass synchronously, per the
// five steps of §4.6. Exported so callers (a CLI "evict" subcommand, a
// test) can drive it on demand instead of waiting for the ticker.
func (a *Analyzer) RunOnce() Report {
	entries, err := a.store.List()
	if err != nil {
		logger.Error("cacheanalyzer: list failed", "err", err)
		return Report{Timestamp: nowMillis(), Threshold: a.threshold}
	}

	var required map[string]bool
	var layoutRequired map[string]bool
	if m := a.manifest(); m != nil {
		required = m.RequiredIDs()
		layoutRequired = make(map[string]bool, len(required))
		for id := range required {
			layoutRequired[id] = true
		}
	} else {
		required = map[string]bool{}
	}

	var orphaned []contentstore.ListEntry
	var orphanedSize int64
	for _, e := range entries {
		if isRequired(e, required, layoutRequired) {
			continue
		}
		orphaned = append(orphaned, e)
		orphanedSize += e.Size
	}

	sort.SliceStable(orphaned, func(i, j int) bool {
		return orphaned[i].CachedAt < orphaned[j].CachedAt
	})

	usage, quota := a.store.Capacity()

	report := Report{
		Timestamp:    nowMillis(),
		Storage:      usage,
		Quota:        quota,
		Files:        len(entries),
		Orphaned:     orphaned,
		OrphanedSize: orphanedSize,
		Threshold:    a.threshold,
	}

	if quota <= 0 || len(orphaned) == 0 {
		return report
	}

	usagePct := int(usage * 100 / quota)
	if usagePct <= a.threshold {
		return report
	}

	targetFree := usage - quota*int64(a.threshold)/100
	report.Evicted = a.evict(orphaned, targetFree, required, layoutRequired)
	return report
}

// evict removes orphaned entries oldest-first until at least targetFree
// bytes have been freed (§4.6 step 4). It re-checks each candidate against
// the required set immediately before deleting, guarding invariant 6
// ("never evicts a file whose id is in the supplied required set") against
// a manifest update racing the eviction pass. Individual delete failures
// are logged and skipped, never aborting the pass (§4.6 closing rule).
func (a *Analyzer) evict(orphaned []contentstore.ListEntry, targetFree int64, required, layoutRequired map[string]bool) []contentstore.ListEntry {
	var freed int64
	var evicted []contentstore.ListEntry

	for _, e := range orphaned {
		if freed >= targetFree {
			break
		}
		if isRequired(e, required, layoutRequired) {
			continue
		}
		ref := model.FileRef{Type: e.Type, ID: e.ID}
		deleted, _ := a.store.Remove([]model.FileRef{ref})
		if deleted == 0 {
			logger.Warn("cacheanalyzer: eviction failed, skipping", "id", e.ID, "type", e.Type)
			continue
		}
		freed += e.Size
		evicted = append(evicted, e)
	}
	return evicted
}

// isRequired reports whether entry e is required directly, or — for a
// widget whose id is a "layoutId/regionId/mediaId" triple — inherits
// required-ness from its layout (§4.6 step 2).
func isRequired(e contentstore.ListEntry, required, layoutRequired map[string]bool) bool {
	if required[e.ID] {
		return true
	}
	if e.Type != model.TypeWidget {
		return false
	}
	ref := model.FileRef{Type: e.Type, ID: e.ID}
	layoutID, _, _, ok := ref.WidgetTriple()
	if !ok {
		return false
	}
	return layoutRequired[layoutID]
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
