package contentstore

import (
	"testing"

	"github.com/xibosignage/cachecore/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ref := model.FileRef{Type: model.TypeMedia, ID: "1"}

	ok, err := s.Put(ref, []byte("hello world"), "image/jpeg")
	if err != nil || !ok {
		t.Fatalf("Put failed: ok=%v err=%v", ok, err)
	}

	if !s.Has(ref) {
		t.Fatal("expected Has == true after Put")
	}

	got, err := s.Get(ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("Get = %q, want %q", got, "hello world")
	}
}

func TestGetMissingReturnsNilNoError(t *testing.T) {
	s := newTestStore(t)
	ref := model.FileRef{Type: model.TypeMedia, ID: "missing"}

	got, err := s.Get(ref)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil blob, got %v", got)
	}
	if s.Has(ref) {
		t.Fatal("expected Has == false for missing file")
	}
}

func TestAppendChunkAssemblesInAnyOrder(t *testing.T) {
	s := newTestStore(t)
	ref := model.FileRef{Type: model.TypeMedia, ID: "big"}

	const chunkSize = 4
	chunks := [][]byte{[]byte("aaaa"), []byte("bbbb"), []byte("cc")}

	// Write out of order: 2, 0, 1.
	order := []int{2, 0, 1}
	for _, i := range order {
		ok, err := s.AppendChunk(ref, i, len(chunks), chunkSize, chunks[i])
		if err != nil || !ok {
			t.Fatalf("AppendChunk(%d) failed: ok=%v err=%v", i, ok, err)
		}
	}

	if !s.Has(ref) {
		t.Fatal("expected file complete after all chunks written")
	}

	got, err := s.Get(ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := "aaaabbbbcc"
	if string(got) != want {
		t.Fatalf("Get = %q, want %q", got, want)
	}
}

func TestAppendChunkIdempotent(t *testing.T) {
	s := newTestStore(t)
	ref := model.FileRef{Type: model.TypeMedia, ID: "dup"}

	for i := 0; i < 2; i++ {
		ok, err := s.AppendChunk(ref, 0, 1, 4, []byte("data"))
		if err != nil || !ok {
			t.Fatalf("AppendChunk rep %d failed: ok=%v err=%v", i, ok, err)
		}
	}

	got, err := s.Get(ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "data" {
		t.Fatalf("Get = %q, want %q (no duplication)", got, "data")
	}
}

func TestPutReplacesAtomically(t *testing.T) {
	s := newTestStore(t)
	ref := model.FileRef{Type: model.TypeMedia, ID: "1"}

	if _, err := s.Put(ref, []byte("first"), "text/plain"); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if _, err := s.Put(ref, []byte("second version"), "text/plain"); err != nil {
		t.Fatalf("second Put: %v", err)
	}

	got, err := s.Get(ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "second version" {
		t.Fatalf("Get = %q, want replaced content", got)
	}
}

func TestRemoveBatch(t *testing.T) {
	s := newTestStore(t)
	refs := []model.FileRef{
		{Type: model.TypeMedia, ID: "1"},
		{Type: model.TypeMedia, ID: "2"},
	}
	for _, ref := range refs {
		if _, err := s.Put(ref, []byte("x"), "text/plain"); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	missing := model.FileRef{Type: model.TypeMedia, ID: "404"}
	deleted, total := s.Remove(append(refs, missing))

	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	if deleted != 3 {
		// removing a nonexistent key is a no-op success in bolt/os.Remove,
		// so all three report deleted.
		t.Fatalf("deleted = %d, want 3", deleted)
	}
	for _, ref := range refs {
		if s.Has(ref) {
			t.Fatalf("expected %v removed", ref)
		}
	}
}

func TestListAndCapacity(t *testing.T) {
	s := newTestStore(t)
	refs := []model.FileRef{
		{Type: model.TypeMedia, ID: "1"},
		{Type: model.TypeMedia, ID: "2"},
	}
	for _, ref := range refs {
		if _, err := s.Put(ref, []byte("abcd"), "text/plain"); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	entries, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List returned %d entries, want 2", len(entries))
	}

	usage, quota := s.Capacity()
	if usage != 8 {
		t.Fatalf("usage = %d, want 8", usage)
	}
	if quota != 0 {
		t.Fatalf("quota = %d, want 0 (unbounded)", quota)
	}
}

func TestPutRejectsOverQuota(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	ref := model.FileRef{Type: model.TypeMedia, ID: "big"}
	ok, err := s.Put(ref, []byte("way too big"), "text/plain")
	if ok || err == nil {
		t.Fatalf("expected Put to fail over quota, got ok=%v err=%v", ok, err)
	}
	var serr *StoreError
	if se, ok2 := err.(*StoreError); !ok2 || se.Kind != KindCapacity {
		t.Fatalf("expected Capacity error kind, got %v (%T)", err, serr)
	}
}
