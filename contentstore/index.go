package contentstore

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/xibosignage/cachecore/model"
)

// database buckets, following the Sia explorer/consensus naming idiom of
// one []byte constant per bucket.
var (
	bucketFiles = []byte("Files")
)

// index is the bbolt-backed metadata store for StoredFile records. Blob
// bytes live on disk (chunkfile.go); index only tracks the (type,id) ->
// StoredFile mapping, mirroring the Sia forks' split between bolt-held
// metadata and on-disk contract/blob data.
type index struct {
	db *bolt.DB
}

func openIndex(path string) (*index, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketFiles)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init index buckets: %w", err)
	}
	return &index{db: db}, nil
}

func (ix *index) close() error {
	return ix.db.Close()
}

// dbGetFile returns a 'func(*bolt.Tx) error' that decodes the StoredFile for
// key into sf, following the teacher pack's dbGetAndDecode idiom.
func dbGetFile(key string, sf *model.StoredFile) func(*bolt.Tx) error {
	return func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketFiles).Get([]byte(key))
		if raw == nil {
			return errNotExist
		}
		return json.Unmarshal(raw, sf)
	}
}

func (ix *index) get(key string) (*model.StoredFile, error) {
	var sf model.StoredFile
	err := ix.db.View(dbGetFile(key, &sf))
	if err == errNotExist {
		return nil, nil
	}
	if err != nil {
		return nil, ioErr(err)
	}
	return &sf, nil
}

func (ix *index) put(key string, sf *model.StoredFile) error {
	raw, err := json.Marshal(sf)
	if err != nil {
		return ioErr(err)
	}
	err = ix.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).Put([]byte(key), raw)
	})
	if err != nil {
		return ioErr(err)
	}
	return nil
}

func (ix *index) delete(key string) error {
	err := ix.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).Delete([]byte(key))
	})
	if err != nil {
		return ioErr(err)
	}
	return nil
}

func (ix *index) list() ([]*model.StoredFile, error) {
	var out []*model.StoredFile
	err := ix.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(_, raw []byte) error {
			var sf model.StoredFile
			if err := json.Unmarshal(raw, &sf); err != nil {
				return err
			}
			out = append(out, &sf)
			return nil
		})
	})
	if err != nil {
		return nil, ioErr(err)
	}
	return out, nil
}
