package download

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"

	"github.com/xibosignage/cachecore/config"
	"github.com/xibosignage/cachecore/contentstore"
	"github.com/xibosignage/cachecore/model"
)

// FileState is a FileDownload's position in its orchestration state machine
// (spec.md §4.3).
type FileState int

const (
	FilePending FileState = iota
	FilePreparing
	FileDownloading
	FileComplete
	FileFailed
)

func (s FileState) String() string {
	switch s {
	case FilePending:
		return "pending"
	case FilePreparing:
		return "preparing"
	case FileDownloading:
		return "downloading"
	case FileComplete:
		return "complete"
	case FileFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type waitResult struct {
	data []byte
	err  error
}

// ChunkSink receives bytes as soon as a chunk lands, letting large files
// stream straight through to ContentStore without a second in-memory copy
// (spec.md §4.3's onChunkDownloaded; grounded on the teacher's DiskWriter
// immediately releasing its MemoryLimiter budget after each write).
type ChunkSink func(chunkIndex int, data []byte)

// FileDownload orchestrates one RequiredFile into ContentStore. Grounded on
// the teacher's download/downloader.go Downloader, generalized from a
// whole-session batch driver into a single-file state machine that a
// DownloadQueue can run many of concurrently.
type FileDownload struct {
	Ref         model.FileRef
	URL         string
	MD5         string
	ContentType string
	TotalBytes  int64
	TotalChunks int
	ChunkSize   int64

	onChunkDownloaded ChunkSink

	store   *contentstore.Store
	client  *http.Client
	cfg     config.Options
	tracker *Tracker

	mu               sync.Mutex
	skipChunks       map[int]bool
	runningTaskCount int
	downloadedBytes  int64
	state            FileState
	waiters          []chan waitResult
	lastErr          error
}

func newFileDownload(ref model.FileRef, url, md5sum string, store *contentstore.Store, client *http.Client, cfg config.Options) *FileDownload {
	return &FileDownload{
		Ref:        ref,
		URL:        url,
		MD5:        md5sum,
		store:      store,
		client:     client,
		cfg:        cfg,
		skipChunks: make(map[int]bool),
		state:      FilePending,
	}
}

func (f *FileDownload) State() FileState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// sizeUnlocked reads TotalBytes after resolve has populated it; used by
// LayoutTaskBuilder immediately after a synchronous resolve() call, so no
// concurrent writer can be racing it.
func (f *FileDownload) sizeUnlocked() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.TotalBytes
}

// refreshURL swaps in a later-expiring signed URL for an already-active
// file (spec.md §4.4 dedup rule).
func (f *FileDownload) refreshURL(url string) {
	f.mu.Lock()
	f.URL = url
	f.mu.Unlock()
}

// SetSkipChunks marks chunk indices already present on disk so prepare does
// not re-emit tasks for them (resume, spec.md §4.3 step 3).
func (f *FileDownload) SetSkipChunks(indices []int) {
	f.mu.Lock()
	for _, i := range indices {
		f.skipChunks[i] = true
	}
	f.mu.Unlock()
}

// SetChunkSink attaches a streaming sink; once set, Wait resolves with a nil
// body rather than the full assembled content (the bytes stay in the store
// and TotalBytes carries the size).
func (f *FileDownload) SetChunkSink(sink ChunkSink) {
	f.mu.Lock()
	f.onChunkDownloaded = sink
	f.mu.Unlock()
}

// prepare resolves size, decides chunked vs whole, and emits the ordered
// task sequence to queue under the file's own barrier (spec.md §4.3). Used
// by the queue's plain Enqueue path; LayoutTaskBuilder instead calls
// resolve directly so it can merge several files' before/after groups
// behind one shared barrier (spec.md §4.5).
func (f *FileDownload) prepare(ctx context.Context, queue *DownloadQueue, declaredSize int64) error {
	before, after, err := f.resolve(ctx, declaredSize)
	if err != nil {
		return err
	}

	entries := before
	if len(after) > 0 {
		entries = append(entries, QueueEntry{Barrier: true})
		entries = append(entries, after...)
	}

	f.mu.Lock()
	f.state = FileDownloading
	complete := f.downloadedBytes >= f.TotalBytes && len(entries) == 0
	f.mu.Unlock()

	if complete {
		f.finish()
		return nil
	}

	queue.enqueueOrderedTasks(entries)
	return nil
}

// resolve implements spec.md §4.3 "Preparation" steps 1-3: it resolves
// size (declared or HEAD), decides chunked vs whole, credits skipChunks,
// and returns the chunk-0/chunk-(N-1) "before" group separately from the
// remaining-chunks "after" group — without a barrier and without pushing
// to the queue, so a caller can combine groups across several files.
func (f *FileDownload) resolve(ctx context.Context, declaredSize int64) (before, after []QueueEntry, err error) {
	f.mu.Lock()
	f.state = FilePreparing
	f.mu.Unlock()

	size := declaredSize
	contentType := f.ContentType
	if size <= 0 {
		headSize, headType, herr := f.probeHead(ctx)
		if herr != nil {
			f.fail(networkErr(herr))
			return nil, nil, herr
		}
		size = headSize
		if contentType == "" {
			contentType = headType
		}
	}

	f.mu.Lock()
	f.TotalBytes = size
	f.ContentType = contentType
	f.mu.Unlock()

	if size <= f.cfg.ChunkThreshold {
		f.mu.Lock()
		f.TotalChunks = 1
		f.mu.Unlock()
		task := newTask(f.Ref, f.URL, f)
		task.Expect = expectedContentKind(f.Ref.Type)
		return []QueueEntry{{Task: task}}, nil, nil
	}

	chunkSize := f.cfg.ChunkSize
	total := int((size + chunkSize - 1) / chunkSize)
	if cap := f.cfg.MaxChunksPerFile; cap > 0 && total > cap {
		// Grow the chunk size just enough to bring the chunk count back
		// under the cap rather than rejecting the file outright (§6:
		// MaxChunksPerFile is a soft cap, not a hard file-size limit).
		chunkSize = (size + int64(cap) - 1) / int64(cap)
		total = int((size + chunkSize - 1) / chunkSize)
	}

	f.mu.Lock()
	f.TotalChunks = total
	f.ChunkSize = chunkSize
	for i := 0; i < total; i++ {
		if f.skipChunks[i] {
			f.downloadedBytes += chunkBytes(i, total, size, chunkSize)
		}
	}
	f.mu.Unlock()

	before, after = f.orderedChunkTasks(total, size, chunkSize)
	return before, after, nil
}

// markDownloading transitions a builder-resolved file just before its tasks
// are handed to the queue (LayoutTaskBuilder calls this instead of
// prepare's inline transition).
func (f *FileDownload) markDownloading() {
	f.mu.Lock()
	f.state = FileDownloading
	f.mu.Unlock()
}

// orderedChunkTasks implements the chunk-0/chunk-(N-1) vs. rest split
// shared between FileDownload.prepare and LayoutTaskBuilder (spec.md §4.3,
// §4.5); the caller decides where (or whether) to insert a barrier between
// the two groups it returns.
func (f *FileDownload) orderedChunkTasks(total int, size, chunkSize int64) (before, after []QueueEntry) {
	emit := func(i int) QueueEntry {
		start := int64(i) * chunkSize
		end := start + chunkBytes(i, total, size, chunkSize) - 1
		task := newChunkTask(f.Ref, f.URL, i, start, end, f)
		task.Expect = expectedContentKind(f.Ref.Type)
		return QueueEntry{Task: task}
	}

	lastIdx := total - 1
	for i := 0; i < total; i++ {
		if f.skipChunks[i] {
			continue
		}
		if i == 0 || i == lastIdx {
			before = append(before, emit(i))
			continue
		}
		after = append(after, emit(i))
	}
	return before, after
}

func chunkBytes(index, total int, size, chunkSize int64) int64 {
	if index < total-1 {
		return chunkSize
	}
	remainder := size - int64(total-1)*chunkSize
	if remainder <= 0 {
		return chunkSize
	}
	return remainder
}

func (f *FileDownload) probeHead(ctx context.Context) (int64, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, f.URL, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, "", &HTTPError{StatusCode: resp.StatusCode}
	}
	return resp.ContentLength, resp.Header.Get("Content-Type"), nil
}

// onTaskComplete implements taskOwner; writes bytes through to ContentStore
// and checks for whole-file completion (spec.md §4.3 "Completion").
func (f *FileDownload) onTaskComplete(t *Task, data []byte) {
	if t.Whole {
		if _, err := f.store.Put(f.Ref, data, f.ContentType); err != nil {
			f.fail(err)
			return
		}
	} else {
		if _, err := f.store.AppendChunk(f.Ref, t.Chunk, f.TotalChunks, f.ChunkSize, data); err != nil {
			f.fail(err)
			return
		}
	}

	f.mu.Lock()
	if f.onChunkDownloaded != nil {
		f.mu.Unlock()
		f.onChunkDownloaded(t.Chunk, data)
		f.mu.Lock()
	}
	f.runningTaskCount--
	f.downloadedBytes += int64(len(data))
	done := f.runningTaskCount <= 0 && f.downloadedBytes >= f.TotalBytes
	terminal := f.state == FileComplete || f.state == FileFailed
	loaded, total := f.downloadedBytes, f.TotalBytes
	f.mu.Unlock()

	f.publish(loaded, total, false, nil)

	if terminal {
		return
	}
	if done {
		f.finish()
	}
}

// onTaskFailed implements taskOwner. A Pending outcome defers the file
// without failing it; anything else is a permanent failure (spec.md §7
// propagation policy: no file-level retry in this core).
func (f *FileDownload) onTaskFailed(t *Task, err error) {
	f.mu.Lock()
	if f.state == FileComplete || f.state == FileFailed {
		f.mu.Unlock()
		return
	}
	f.runningTaskCount--

	var taskErr *TaskError
	if e, ok := err.(*TaskError); ok {
		taskErr = e
	}
	if taskErr != nil && taskErr.Kind == KindPending {
		f.state = FilePending
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	f.fail(err)
}

// finish verifies MD5 (if declared) then resolves waiters and flips to
// complete or, on mismatch, to failed with an Integrity error (spec.md
// §4.3 "MD5 verification").
func (f *FileDownload) finish() {
	var body []byte
	var err error
	f.mu.Lock()
	hasSink := f.onChunkDownloaded != nil
	f.mu.Unlock()

	if !hasSink {
		body, err = f.store.Get(f.Ref)
		if err != nil {
			f.fail(err)
			return
		}
	}

	if f.cfg.VerifyMD5 && f.MD5 != "" && !hasSink {
		sum := md5.Sum(body)
		if hex.EncodeToString(sum[:]) != f.MD5 {
			f.store.Remove([]model.FileRef{f.Ref})
			f.fail(integrityErr(fmt.Errorf("md5 mismatch for %s", f.Ref.Key())))
			return
		}
	}

	f.mu.Lock()
	f.state = FileComplete
	waiters := f.waiters
	f.waiters = nil
	total := f.TotalBytes
	f.mu.Unlock()

	f.publish(total, total, true, nil)

	for _, ch := range waiters {
		ch <- waitResult{data: body}
		close(ch)
	}
}

// publish emits a progress event through the file's tracker, if one is
// attached (spec.md §7 "the core emits progress events").
func (f *FileDownload) publish(loaded, total int64, complete bool, err error) {
	if f.tracker == nil {
		return
	}
	f.tracker.Publish(chunkEvent(f.Ref, f.Ref.Filename, loaded, total, complete, err))
}

func (f *FileDownload) fail(err error) {
	f.mu.Lock()
	if f.state == FileComplete || f.state == FileFailed {
		f.mu.Unlock()
		return
	}
	f.state = FileFailed
	f.lastErr = err
	loaded, total := f.downloadedBytes, f.TotalBytes
	waiters := f.waiters
	f.waiters = nil
	f.mu.Unlock()

	f.publish(loaded, total, false, err)

	for _, ch := range waiters {
		ch <- waitResult{err: err}
		close(ch)
	}
}

// Wait blocks until the file reaches a terminal state. Multiple concurrent
// callers, registered before or after completion, all observe the same
// outcome (spec.md §4.3 "Waiter contract").
func (f *FileDownload) Wait(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	switch f.state {
	case FileComplete:
		hasSink := f.onChunkDownloaded != nil
		f.mu.Unlock()
		if hasSink {
			return nil, nil
		}
		return f.store.Get(f.Ref)
	case FileFailed:
		err := f.lastErr
		f.mu.Unlock()
		return nil, err
	}
	ch := make(chan waitResult, 1)
	f.waiters = append(f.waiters, ch)
	f.mu.Unlock()

	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		return nil, cancelledErr(ctx.Err())
	}
}

// taskStarting is called by DownloadQueue under its own lock accounting;
// FileDownload only tracks the in-flight count here.
func (f *FileDownload) taskStarting() {
	f.mu.Lock()
	f.runningTaskCount++
	f.mu.Unlock()
}
