// Package download implements the scheduler and chunk-reassembly engine:
// DownloadTask, FileDownload, DownloadQueue and LayoutTaskBuilder (spec.md
// §4.2-§4.5). Grounded throughout on the teacher's download package
// (chunk.go, downloader.go, writer.go, resume.go, progress.go), generalized
// from a one-shot game-install batch into a long-lived, continuously
// enqueued signage cache pipeline.
package download

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"

	"gitlab.com/NebulousLabs/ratelimit"
	"gitlab.com/NebulousLabs/threadgroup"

	"github.com/xibosignage/cachecore/config"
	"github.com/xibosignage/cachecore/contentstore"
	"github.com/xibosignage/cachecore/model"
)

// QueueEntry is one slot in the DownloadQueue's flat sequence: either a
// Task or the distinguished BARRIER value (spec.md §3).
type QueueEntry struct {
	Task    *Task
	Barrier bool
}

// Barrier is the distinguished queue entry that hard-gates later tasks
// until every earlier task has finished.
var Barrier = QueueEntry{Barrier: true}

type taskDone struct {
	task *Task
}

// DownloadQueue is the bounded-concurrency dispatcher of spec.md §4.4 — the
// hardest subsystem: a flat FIFO of Task|BARRIER entries with admission,
// dedup, priority boost, a barrier gate and a dispatch loop. All mutations
// are serialised behind mu, per §5's "mutually exclusive" requirement.
type DownloadQueue struct {
	store    *contentstore.Store
	client   *http.Client
	cfg      config.Options
	Progress *Tracker
	limiter  *ratelimit.RateLimit

	mu          sync.Mutex
	entries     []QueueEntry
	activeFiles map[string]*FileDownload
	running     int

	completions chan taskDone
	tg          threadgroup.ThreadGroup
}

// NewQueue builds a DownloadQueue bound to store for persistence and client
// for fetches; cfg supplies concurrency, chunking and retry settings
// (spec.md §6 configuration table). tracker may be nil to disable progress
// events entirely.
func NewQueue(store *contentstore.Store, client *http.Client, cfg config.Options, tracker *Tracker) *DownloadQueue {
	if client == nil {
		client = http.DefaultClient
	}
	var limiter *ratelimit.RateLimit
	if cfg.BandwidthLimitBPS > 0 {
		limiter = ratelimit.NewRateLimit(64<<10, cfg.BandwidthLimitBPS, cfg.BandwidthLimitBPS)
	}
	q := &DownloadQueue{
		store:       store,
		client:      client,
		cfg:         cfg,
		Progress:    tracker,
		limiter:     limiter,
		activeFiles: make(map[string]*FileDownload),
		completions: make(chan taskDone, 64),
	}
	go q.runLoop()
	return q
}

// runLoop is the dispatcher's single reader of task completions. Keeping
// it a distinct goroutine, fed by a channel rather than having the fetch
// goroutine re-enter q.mu itself, is the "two-step post to dispatcher"
// pattern §5 requires so a worker's callback never synchronously re-enters
// the queue mutex.
func (q *DownloadQueue) runLoop() {
	for {
		select {
		case <-q.tg.StopChan():
			return
		case done, ok := <-q.completions:
			if !ok {
				return
			}
			q.mu.Lock()
			if q.running > 0 {
				q.running--
			}
			q.dispatchLocked()
			q.mu.Unlock()
			_ = done
		}
	}
}

// Shutdown stops the completion loop, so finished fetches no longer start
// queued entries, and waits for in-flight fetches to drain, using
// threadgroup the way the Sia-family packages guard long-lived background
// loops. Dispatch itself is not disabled: a task started by a later
// enqueue or UrgentChunk runs outside the thread group.
func (q *DownloadQueue) Shutdown() error {
	return q.tg.Stop()
}

// Enqueue is the admission path (spec.md §4.4 "Admission"). Duplicate
// enqueues of the same (type,id) are idempotent and cheap: the existing
// FileDownload is returned, its URL refreshed if the new one expires
// later. prepare runs in its own goroutine since HEAD probes are a
// suspension point that must not block the caller.
func (q *DownloadQueue) Enqueue(ctx context.Context, required model.RequiredFile) *FileDownload {
	file, isNew := q.registerFile(required)
	if !isNew {
		return file
	}

	if err := q.tg.Add(); err == nil {
		go func() {
			defer q.tg.Done()
			file.prepare(ctx, q, required.Size)
		}()
	} else {
		go file.prepare(ctx, q, required.Size)
	}
	return file
}

// registerFile performs the dedup/URL-refresh admission check without
// triggering preparation, so LayoutTaskBuilder can resolve several files'
// sizes itself before any tasks reach the queue (spec.md §4.5 step 1).
func (q *DownloadQueue) registerFile(required model.RequiredFile) (file *FileDownload, isNew bool) {
	key := required.Ref.Key()

	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.activeFiles[key]; ok {
		if laterExpiry(required.URL, existing.URL) {
			existing.refreshURL(required.URL)
		}
		return existing, false
	}

	file = newFileDownload(required.Ref, required.URL, required.MD5, q.store, q.client, q.cfg)
	file.tracker = q.Progress
	q.activeFiles[key] = file
	return file, true
}

// laterExpiry compares the X-Amz-Expires query parameter of two signed
// URLs (spec.md §6); an unparseable or absent value loses.
func laterExpiry(newURL, oldURL string) bool {
	return parseExpires(newURL) > parseExpires(oldURL)
}

func parseExpires(rawURL string) int64 {
	u, err := url.Parse(rawURL)
	if err != nil {
		return -1
	}
	v := u.Query().Get("X-Amz-Expires")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// enqueueOrderedTasks appends items to the tail and runs the dispatch loop
// (spec.md §4.4 "Ordered push").
func (q *DownloadQueue) enqueueOrderedTasks(items []QueueEntry) {
	q.mu.Lock()
	q.entries = append(q.entries, items...)
	q.dispatchLocked()
	q.mu.Unlock()
}

// dispatchLocked implements processQueue (spec.md §4.4 "Dispatch loop").
// Caller must hold q.mu.
func (q *DownloadQueue) dispatchLocked() {
	for q.running < q.cfg.Concurrency {
		if len(q.entries) == 0 {
			return
		}
		head := q.entries[0]
		if head.Barrier {
			if q.running > 0 {
				return // hard gate: in-flight tasks must drain first
			}
			q.entries = q.entries[1:]
			continue
		}
		q.entries = q.entries[1:]
		q.startTaskLocked(head.Task)
	}
}

func (q *DownloadQueue) startTaskLocked(t *Task) {
	q.running++
	if file, ok := q.activeFiles[t.Ref.Key()]; ok {
		file.taskStarting()
	}

	runOne := func() {
		t.run(context.Background(), q.client, q.cfg.MaxRetries, q.limiter, q.tg.StopChan())
		q.completions <- taskDone{task: t}
	}
	if err := q.tg.Add(); err == nil {
		go func() { defer q.tg.Done(); runOne() }()
	} else {
		go runOne()
	}
}

// Prioritize implements spec.md §4.4 "Priority boost": every un-started
// task for (type,id) is bumped to high priority and the queue is stably
// re-sorted within each barrier-delimited segment.
func (q *DownloadQueue) Prioritize(ref model.FileRef) bool {
	key := ref.Key()

	q.mu.Lock()
	defer q.mu.Unlock()

	found := false
	for _, qe := range q.entries {
		if !qe.Barrier && qe.Task.Ref.Key() == key {
			qe.Task.setPriority(PriorityHigh)
			found = true
		}
	}
	if found {
		q.resortByPriorityLocked()
		return true
	}
	_, running := q.activeFiles[key]
	return running
}

// resortByPriorityLocked stably sorts each barrier-delimited run of tasks
// by descending priority. Barriers never move.
func (q *DownloadQueue) resortByPriorityLocked() {
	segStart := 0
	for i := 0; i <= len(q.entries); i++ {
		if i == len(q.entries) || q.entries[i].Barrier {
			seg := q.entries[segStart:i]
			sort.SliceStable(seg, func(a, b int) bool {
				return seg[a].Task.Priority() > seg[b].Task.Priority()
			})
			segStart = i + 1
		}
	}
}

// UrgentChunk implements spec.md §4.4 "Urgent chunk": the only way to
// bypass a barrier. The matching chunk task is pulled out of wherever it
// sits and reinserted at the absolute head of the queue.
func (q *DownloadQueue) UrgentChunk(ref model.FileRef, chunkIndex int) bool {
	key := ref.Key()

	q.mu.Lock()
	defer q.mu.Unlock()

	for i, qe := range q.entries {
		if qe.Barrier || qe.Task.Whole || qe.Task.Ref.Key() != key || qe.Task.Chunk != chunkIndex {
			continue
		}
		qe.Task.setPriority(PriorityUrgent)
		q.entries = append(q.entries[:i:i], q.entries[i+1:]...)
		q.entries = append([]QueueEntry{qe}, q.entries...)
		q.dispatchLocked()
		return true
	}
	return false
}

// RemoveCompleted drops the key from activeFiles. Per spec.md §4.4 this is
// the caller's responsibility once it has finished post-processing a
// completed file (e.g. widget rewriting) — FileDownload never calls it
// for itself, so late duplicate enqueues keep deduplicating against the
// still-cached FileDownload until the caller explicitly releases it.
func (q *DownloadQueue) RemoveCompleted(ref model.FileRef) {
	q.mu.Lock()
	delete(q.activeFiles, ref.Key())
	q.mu.Unlock()
}

// Lookup returns the active FileDownload for ref, if any.
func (q *DownloadQueue) Lookup(ref model.FileRef) (*FileDownload, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	f, ok := q.activeFiles[ref.Key()]
	return f, ok
}

// Clear implements spec.md §4.4 "Clear": drops pending entries and
// activeFiles and resets running to 0. In-flight fetches are not
// cancelled; their eventual completions find an empty queue, and runLoop
// never decrements running below zero.
func (q *DownloadQueue) Clear() {
	q.mu.Lock()
	q.entries = nil
	q.activeFiles = make(map[string]*FileDownload)
	q.running = 0
	q.mu.Unlock()
}

// Len reports the number of un-dispatched entries, for diagnostics.
func (q *DownloadQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Running reports the current in-flight task count.
func (q *DownloadQueue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}
