package download

import (
	"context"
	"sort"

	"github.com/xibosignage/cachecore/model"
)

// LayoutTaskBuilder produces the ordered task sequence for a coherent group
// of required files — typically one layout's worth — per spec.md §4.5.
// Grounded on the teacher's downloader.go batch-planning phase (it sorts
// and groups FileInfo entries before any fetch starts), generalized from a
// single download session into a per-layout planning pass that can run
// many times over the life of a DownloadQueue.
type LayoutTaskBuilder struct {
	queue *DownloadQueue
}

// NewLayoutTaskBuilder binds a builder to the queue it will push into.
func NewLayoutTaskBuilder(queue *DownloadQueue) *LayoutTaskBuilder {
	return &LayoutTaskBuilder{queue: queue}
}

type wholeFileEntry struct {
	entry QueueEntry
	size  int64
}

// Build registers every file in files with the queue (deduplicating
// against anything already active), resolves each newly-registered file's
// size and chunking decision, and pushes one combined ordered sequence:
// small whole files first, then each chunked file's opening/closing chunk,
// a single shared barrier, then the remaining body chunks (spec.md §4.5
// steps 3-5). Files already active in the queue are left alone — their
// existing FileDownload continues to own its own tasks.
func (b *LayoutTaskBuilder) Build(ctx context.Context, files []model.RequiredFile) error {
	var wholeFiles []wholeFileEntry
	var beforeAll, afterAll []QueueEntry
	var resolved []*FileDownload

	for _, rf := range files {
		file, isNew := b.queue.registerFile(rf)
		if !isNew {
			continue
		}

		before, after, err := file.resolve(ctx, rf.Size)
		if err != nil {
			// This file failed to resolve (e.g. HEAD probe error); it has
			// already transitioned to failed internally. Other files in
			// the group still proceed.
			continue
		}
		resolved = append(resolved, file)

		if len(after) == 0 && len(before) == 1 && before[0].Task.Whole {
			wholeFiles = append(wholeFiles, wholeFileEntry{entry: before[0], size: file.sizeUnlocked()})
			continue
		}

		beforeAll = append(beforeAll, before...)
		afterAll = append(afterAll, after...)
	}

	sort.SliceStable(wholeFiles, func(i, j int) bool {
		return wholeFiles[i].size < wholeFiles[j].size
	})

	sequence := make([]QueueEntry, 0, len(wholeFiles)+len(beforeAll)+len(afterAll)+1)
	for _, wf := range wholeFiles {
		sequence = append(sequence, wf.entry)
	}
	sequence = append(sequence, beforeAll...)
	if len(afterAll) > 0 {
		sequence = append(sequence, QueueEntry{Barrier: true})
		sequence = append(sequence, afterAll...)
	}

	for _, f := range resolved {
		f.markDownloading()
	}

	if len(sequence) == 0 {
		return nil
	}
	b.queue.enqueueOrderedTasks(sequence)
	return nil
}
