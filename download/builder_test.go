package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/xibosignage/cachecore/config"
	"github.com/xibosignage/cachecore/contentstore"
	"github.com/xibosignage/cachecore/model"
)

// TestLayoutTaskBuilderFailsMediaOnTextContentTypeLeak exercises the
// corruption check end to end through the real Build -> resolve -> Task
// path (no hand-set Task.Expect), confirming a media file whose server
// responds 200 with a text/html body — a CMS error page or login
// redirect, not the real asset — lands in FileFailed with an Http error
// rather than being cached as the literal HTML response.
func TestLayoutTaskBuilderFailsMediaOnTextContentTypeLeak(t *testing.T) {
	cfg := config.Default()
	cfg.Concurrency = 10

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>please sign in</html>"))
	}))
	defer srv.Close()

	store, err := contentstore.New(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	q := NewQueue(store, srv.Client(), cfg, nil)

	builder := NewLayoutTaskBuilder(q)
	ref := model.FileRef{Type: model.TypeMedia, ID: "leaked"}
	files := []model.RequiredFile{
		{Ref: ref, URL: srv.URL, Size: int64(len("<html>please sign in</html>"))},
	}

	if err := builder.Build(context.Background(), files); err != nil {
		t.Fatalf("Build: %v", err)
	}

	f, ok := q.Lookup(ref)
	if !ok {
		t.Fatal("expected the file to be registered")
	}
	waitForState(t, f, FileFailed, 2*time.Second)

	var taskErr *TaskError
	if !errors.As(f.lastErr, &taskErr) || taskErr.Kind != KindHTTP {
		t.Fatalf("expected a KindHTTP failure, got %v", f.lastErr)
	}
}

// TestFileDownloadResolveClampsChunkCountToMaxChunksPerFile confirms
// resolve grows the effective chunk size rather than letting a very
// small ChunkSize explode a large file into more chunks than
// MaxChunksPerFile permits.
func TestFileDownloadResolveClampsChunkCountToMaxChunksPerFile(t *testing.T) {
	cfg := config.Default()
	cfg.ChunkThreshold = 8
	cfg.ChunkSize = 4
	cfg.MaxChunksPerFile = 2

	store, err := contentstore.New(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	q := NewQueue(store, http.DefaultClient, cfg, nil)

	ref := model.FileRef{Type: model.TypeMedia, ID: "huge"}
	f, _ := q.registerFile(model.RequiredFile{Ref: ref, URL: "http://example.invalid/huge"})

	if _, _, err := f.resolve(context.Background(), 20); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if f.TotalChunks > cfg.MaxChunksPerFile {
		t.Fatalf("expected at most %d chunks, got %d", cfg.MaxChunksPerFile, f.TotalChunks)
	}
	if f.ChunkSize <= cfg.ChunkSize {
		t.Fatalf("expected chunk size to grow past the configured %d, got %d", cfg.ChunkSize, f.ChunkSize)
	}
}

func TestLayoutTaskBuilderCompletesSmallAndChunkedFiles(t *testing.T) {
	cfg := config.Default()
	cfg.ChunkThreshold = 8
	cfg.ChunkSize = 4
	cfg.Concurrency = 100

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rng := r.Header.Get("Range"); rng != "" {
			var start, end int64
			fmt.Sscanf(rng, "bytes=%d-%d", &start, &end)
			w.WriteHeader(http.StatusPartialContent)
			w.Write(make([]byte, end-start+1))
			return
		}
		size, _ := strconv.Atoi(r.URL.Query().Get("size"))
		w.Write(make([]byte, size))
	}))
	defer srv.Close()

	store, err := contentstore.New(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	q := NewQueue(store, srv.Client(), cfg, nil)

	builder := NewLayoutTaskBuilder(q)

	files := []model.RequiredFile{
		{Ref: model.FileRef{Type: model.TypeMedia, ID: "small-2"}, URL: srv.URL + "?size=7", Size: 7},
		{Ref: model.FileRef{Type: model.TypeMedia, ID: "small-1"}, URL: srv.URL + "?size=5", Size: 5},
		{Ref: model.FileRef{Type: model.TypeMedia, ID: "chunked"}, URL: srv.URL + "?size=20", Size: 20},
	}

	if err := builder.Build(context.Background(), files); err != nil {
		t.Fatalf("Build: %v", err)
	}

	chunkedRef := model.FileRef{Type: model.TypeMedia, ID: "chunked"}
	cf, ok := q.Lookup(chunkedRef)
	if !ok {
		t.Fatal("expected the chunked file to be registered")
	}
	waitForState(t, cf, FileComplete, 2*time.Second)

	small1Ref := model.FileRef{Type: model.TypeMedia, ID: "small-1"}
	small2Ref := model.FileRef{Type: model.TypeMedia, ID: "small-2"}
	s1, _ := q.Lookup(small1Ref)
	s2, _ := q.Lookup(small2Ref)
	waitForState(t, s1, FileComplete, 2*time.Second)
	waitForState(t, s2, FileComplete, 2*time.Second)
}

func TestLayoutTaskBuilderSkipsAlreadyActiveFiles(t *testing.T) {
	cfg := config.Default()
	q, _, srv := newTestQueue(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	})

	ref := model.FileRef{Type: model.TypeMedia, ID: "dup"}
	existing := q.Enqueue(context.Background(), model.RequiredFile{Ref: ref, URL: srv.URL, Size: 1})

	builder := NewLayoutTaskBuilder(q)
	if err := builder.Build(context.Background(), []model.RequiredFile{
		{Ref: ref, URL: srv.URL, Size: 1},
	}); err != nil {
		t.Fatalf("Build: %v", err)
	}

	got, ok := q.Lookup(ref)
	if !ok || got != existing {
		t.Fatal("expected Build to dedup against the already-active file")
	}
}
