// Package contentstore implements the typed, URL-addressable blob store of
// spec.md §4.1: metadata lives in a bbolt index (grounded on the bolt usage
// in the Sia forks' explorer/consensus persistence layers), blob bytes live
// as plain files on disk under a content-addressed directory layout
// (grounded on the teacher's download/writer.go offset-based chunk writes).
package contentstore

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/xibosignage/cachecore/model"
)

// ListEntry is one row of Store.List's enumeration (§4.1).
type ListEntry struct {
	ID       string
	Type     model.FileType
	Size     int64
	CachedAt int64
}

// Store is the ContentStore implementation.
type Store struct {
	baseDir string
	idx     *index
	quota   int64 // 0 means unbounded

	mu       sync.Mutex // guards fileLock
	fileLock map[string]*sync.Mutex
}

// New opens (creating if necessary) a Store rooted at baseDir. quota is the
// storage budget in bytes used by capacity(); 0 means unbounded, matching
// §4.1's "quota is unbounded when the platform does not expose a limit".
func New(baseDir string, quota int64) (*Store, error) {
	idx, err := openIndex(filepath.Join(baseDir, "index.db"))
	if err != nil {
		return nil, err
	}
	return &Store{
		baseDir:  baseDir,
		idx:      idx,
		quota:    quota,
		fileLock: make(map[string]*sync.Mutex),
	}, nil
}

// Close releases the underlying metadata index.
func (s *Store) Close() error {
	return s.idx.close()
}

// lockFor serializes appends to the same (type,id) key while letting
// distinct keys proceed concurrently (§4.1 invariant b).
func (s *Store) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.fileLock[key]
	if !ok {
		l = &sync.Mutex{}
		s.fileLock[key] = l
	}
	return l
}

// Has reports whether a complete StoredFile exists for ref.
func (s *Store) Has(ref model.FileRef) bool {
	sf, err := s.idx.get(ref.Key())
	if err != nil {
		return false
	}
	return sf.Exists()
}

// Get returns the assembled bytes for ref, or nil with no error if absent
// (§4.1: "not found on get → returns null, not an error").
func (s *Store) Get(ref model.FileRef) ([]byte, error) {
	sf, err := s.idx.get(ref.Key())
	if err != nil {
		return nil, err
	}
	if !sf.Exists() {
		return nil, nil
	}
	data, err := readAll(blobPath(s.baseDir, ref))
	if err != nil {
		return nil, ioErr(err)
	}
	return data, nil
}

// GetRange returns the inclusive byte range [start,end] of ref's assembled
// content, supporting the local namespace's Range-header serving (§6).
func (s *Store) GetRange(ref model.FileRef, start, end int64) ([]byte, error) {
	sf, err := s.idx.get(ref.Key())
	if err != nil {
		return nil, err
	}
	if !sf.Exists() {
		return nil, nil
	}
	if end >= sf.Size {
		end = sf.Size - 1
	}
	data, err := readRange(blobPath(s.baseDir, ref), start, end)
	if err != nil {
		return nil, ioErr(err)
	}
	return data, nil
}

// Put performs an atomic whole-file write, replacing any existing
// StoredFile for ref (§4.1 invariant c).
func (s *Store) Put(ref model.FileRef, body []byte, contentType string) (bool, error) {
	key := ref.Key()
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	if s.quota > 0 {
		usage, _ := s.Capacity()
		if usage+int64(len(body)) > s.quota {
			return false, capacityErr(errQuotaExceeded)
		}
	}

	if err := writeWhole(blobPath(s.baseDir, ref), body); err != nil {
		return false, ioErr(err)
	}

	sf := &model.StoredFile{
		Ref:          ref,
		Size:         int64(len(body)),
		ContentType:  contentType,
		CachedAt:     nowMillis(),
		Completeness: model.CompletenessWhole,
	}
	if err := s.idx.put(key, sf); err != nil {
		return false, err
	}
	return true, nil
}

// AppendChunk idempotently writes one chunk of ref's content and updates
// ChunksPresent, transitioning the StoredFile to whole once every chunk has
// landed (§4.1).
func (s *Store) AppendChunk(ref model.FileRef, chunkIndex, totalChunks int, chunkSize int64, data []byte) (bool, error) {
	key := ref.Key()
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	sf, err := s.idx.get(key)
	if err != nil {
		return false, err
	}
	if sf == nil {
		sf = &model.StoredFile{
			Ref:           ref,
			Completeness:  model.CompletenessChunked,
			TotalChunks:   totalChunks,
			ChunkSize:     chunkSize,
			ChunksPresent: make(map[int]bool, totalChunks),
		}
	}
	if sf.ChunksPresent == nil {
		sf.ChunksPresent = make(map[int]bool, totalChunks)
	}

	if sf.ChunksPresent[chunkIndex] {
		return true, nil // idempotent: already have this chunk
	}

	if s.quota > 0 {
		usage, _ := s.Capacity()
		if usage+int64(len(data)) > s.quota {
			return false, capacityErr(errQuotaExceeded)
		}
	}

	if err := writeChunkAt(blobPath(s.baseDir, ref), chunkIndex, chunkSize, data); err != nil {
		return false, ioErr(err)
	}

	sf.ChunksPresent[chunkIndex] = true
	sf.Size += int64(len(data))
	sf.CachedAt = nowMillis()

	if sf.Exists() {
		sf.Completeness = model.CompletenessWhole
	}

	if err := s.idx.put(key, sf); err != nil {
		return false, err
	}
	return true, nil
}

// Remove performs a best-effort batch delete and returns the counts (§4.1).
func (s *Store) Remove(refs []model.FileRef) (deleted, total int) {
	total = len(refs)
	for _, ref := range refs {
		key := ref.Key()
		lock := s.lockFor(key)
		lock.Lock()
		err1 := removeBlob(blobPath(s.baseDir, ref))
		err2 := s.idx.delete(key)
		lock.Unlock()
		if err1 == nil && err2 == nil {
			deleted++
		}
	}
	return deleted, total
}

// List enumerates every stored file, used by CacheAnalyzer (§4.1).
func (s *Store) List() ([]ListEntry, error) {
	files, err := s.idx.list()
	if err != nil {
		return nil, err
	}
	out := make([]ListEntry, 0, len(files))
	for _, sf := range files {
		out = append(out, ListEntry{
			ID:       sf.Ref.ID,
			Type:     sf.Ref.Type,
			Size:     sf.Size,
			CachedAt: sf.CachedAt,
		})
	}
	return out, nil
}

// Capacity reports current usage and the configured quota (0 == unbounded).
func (s *Store) Capacity() (usage, quota int64) {
	files, err := s.idx.list()
	if err != nil {
		return 0, s.quota
	}
	for _, sf := range files {
		usage += sf.Size
	}
	return usage, s.quota
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
