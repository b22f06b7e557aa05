package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
	bolt "go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
)

// Name of the bucket holding result records.
var resultsBucket = []byte("results")

// How long opening the index waits for another process to release it.
const openTimeout = 5 * time.Second

// Persisted form of a succeeded result.
type record struct {
	Result
	Kind      string    `json:"kind"`      // Operation kind, for inspection.
	CreatedAt time.Time `json:"createdAt"` // Time the result was produced.
}

// Persistent index from node digest to succeeded result.
//
// The index is a single bbolt file. Records only reference blobs; the blobs
// themselves live in the content-addressed store.
type Index struct {
	db *bolt.DB // Underlying database.
}

// Opens or creates the index at the given path.
func OpenIndex(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open cache index %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(resultsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Index{db: db}, nil
}

// Returns the record stored for a node digest.
func (i *Index) Get(dgst digest.Digest) (*Result, bool, error) {
	var rec *record
	err := i.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(resultsBucket).Get([]byte(dgst))
		if b == nil {
			return nil
		}
		rec = &record{}
		if err := json.Unmarshal(b, rec); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidRecord, dgst, err)
		}
		return nil
	})
	if err != nil || rec == nil {
		return nil, false, mapBoltError(err)
	}

	r := rec.Result
	r.Status = StatusSucceeded
	return &r, true, nil
}

// Stores a succeeded result under a node digest.
func (i *Index) Put(dgst digest.Digest, kind string, r *Result) error {
	if r.Status != StatusSucceeded {
		return fmt.Errorf("%w: only succeeded results are persisted", ErrInvalidRecord)
	}

	b, err := json.Marshal(record{Result: *r, Kind: kind, CreatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}

	return mapBoltError(i.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(resultsBucket).Put([]byte(dgst), b)
	}))
}

// Removes the record for a node digest.
func (i *Index) Delete(dgst digest.Digest) error {
	return mapBoltError(i.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(resultsBucket).Delete([]byte(dgst))
	}))
}

// Calls fn for every record in the index.
//
// Records that cannot be decoded are skipped.
func (i *Index) Walk(fn func(node digest.Digest, r *Result) error) error {
	return mapBoltError(i.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(resultsBucket).ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			r := rec.Result
			r.Status = StatusSucceeded
			return fn(digest.Digest(k), &r)
		})
	}))
}

// Returns the number of records.
func (i *Index) Len() (int, error) {
	var n int
	err := i.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(resultsBucket).Stats().KeyN
		return nil
	})
	return n, mapBoltError(err)
}

// Closes the database.
func (i *Index) Close() error {
	return i.db.Close()
}

func mapBoltError(err error) error {
	if errors.Is(err, berrors.ErrDatabaseNotOpen) {
		return ErrIndexClosed
	}
	return err
}
