package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"gitlab.com/NebulousLabs/ratelimit"

	"github.com/xibosignage/cachecore/model"
)

type recordingOwner struct {
	mu       sync.Mutex
	data     []byte
	err      error
	complete bool
	failed   bool
}

func (o *recordingOwner) onTaskComplete(t *Task, data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.data = data
	o.complete = true
}

func (o *recordingOwner) onTaskFailed(t *Task, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
	o.failed = true
}

func TestTaskWholeFileSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	owner := &recordingOwner{}
	task := newTask(model.FileRef{Type: model.TypeMedia, ID: "1"}, srv.URL, owner)
	task.run(context.Background(), srv.Client(), 3, nil, nil)

	if !owner.complete || string(owner.data) != "hello" {
		t.Fatalf("expected completion with body, got complete=%v data=%q err=%v", owner.complete, owner.data, owner.err)
	}
	if task.State() != TaskComplete {
		t.Fatalf("state = %v, want complete", task.State())
	}
}

func TestTaskChunkRangeHeader(t *testing.T) {
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("abcd"))
	}))
	defer srv.Close()

	owner := &recordingOwner{}
	task := newChunkTask(model.FileRef{Type: model.TypeMedia, ID: "big"}, srv.URL, 2, 100, 103, owner)
	task.run(context.Background(), srv.Client(), 3, nil, nil)

	if gotRange != "bytes=100-103" {
		t.Fatalf("Range header = %q, want bytes=100-103", gotRange)
	}
	if !owner.complete {
		t.Fatalf("expected task to complete, err=%v", owner.err)
	}
}

func TestTaskPendingDefersWithoutRetry(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	owner := &recordingOwner{}
	task := newTask(model.FileRef{Type: model.TypeMedia, ID: "1"}, srv.URL, owner)
	task.run(context.Background(), srv.Client(), 3, nil, nil)

	if !owner.failed {
		t.Fatal("expected onTaskFailed to be called for a 202")
	}
	var taskErr *TaskError
	if !ok(owner.err, &taskErr) || taskErr.Kind != KindPending {
		t.Fatalf("expected Pending error kind, got %v", owner.err)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable Pending, got %d", attempts)
	}
}

func TestTaskRetriesOn5xxThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	owner := &recordingOwner{}
	task := newTask(model.FileRef{Type: model.TypeMedia, ID: "1"}, srv.URL, owner)
	task.run(context.Background(), srv.Client(), 3, nil, nil)

	if !owner.complete || string(owner.data) != "ok" {
		t.Fatalf("expected eventual success, complete=%v err=%v", owner.complete, owner.err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestTaskExhaustsRetriesAndFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	owner := &recordingOwner{}
	task := newTask(model.FileRef{Type: model.TypeMedia, ID: "1"}, srv.URL, owner)
	task.run(context.Background(), srv.Client(), 2, nil, nil)

	if !owner.failed {
		t.Fatal("expected failure after retries exhausted")
	}
	if task.State() != TaskFailed {
		t.Fatalf("state = %v, want failed", task.State())
	}
}

func TestTaskBadContentTypeFailsAsHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>not media</html>"))
	}))
	defer srv.Close()

	owner := &recordingOwner{}
	task := newTask(model.FileRef{Type: model.TypeMedia, ID: "1"}, srv.URL, owner)
	task.Expect = "image/jpeg"
	task.run(context.Background(), srv.Client(), 3, nil, nil)

	if !owner.failed {
		t.Fatal("expected failure on content-type mismatch")
	}
	var taskErr *TaskError
	if !ok(owner.err, &taskErr) || taskErr.Kind != KindHTTP {
		t.Fatalf("expected Http error kind, got %v", owner.err)
	}
}

func ok(err error, target **TaskError) bool {
	te, isTaskErr := err.(*TaskError)
	if !isTaskErr {
		return false
	}
	*target = te
	return true
}

func TestTaskFetchThroughBandwidthLimiterPreservesBody(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	owner := &recordingOwner{}
	task := newTask(model.FileRef{Type: model.TypeMedia, ID: "capped"}, srv.URL, owner)
	limiter := ratelimit.NewRateLimit(16, 1<<20, 1<<20)
	task.run(context.Background(), srv.Client(), 3, limiter, make(chan struct{}))

	if !owner.complete || string(owner.data) != string(payload) {
		t.Fatalf("expected rate-limited fetch to preserve body, got complete=%v data=%q err=%v", owner.complete, owner.data, owner.err)
	}
}
