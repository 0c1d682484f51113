// Package metacache remembers, per project, the content hash each file had
// when it was last embedded. The indexer consults it to skip unchanged files
// without touching the vector store.
package metacache

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketFiles = []byte("files")
	bucketMeta  = []byte("meta")
	keyModel    = []byte("model_fingerprint")
)

// ErrNotFound is returned by Get for unknown paths.
var ErrNotFound = errors.New("metacache: entry not found")

// Entry is the recorded state of one file.
type Entry struct {
	Hash       string    `json:"hash"`
	ExternalID string    `json:"external_id"`
	Chunks     int       `json:"chunks"`
	IndexedAt  time.Time `json:"indexed_at"`
}

// Fingerprint identifies the embedding model that produced the cached state.
type Fingerprint struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
}

// Cache is a bbolt backed map from relative path to Entry.
type Cache struct {
	db *bbolt.DB
}

// Open opens or creates the cache file. bbolt holds an exclusive file lock,
// so a second opener waits up to timeout.
func Open(path string, timeout time.Duration) (*Cache, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata cache: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketFiles, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Cache{db: db}, nil
}

// Close releases the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the entry for relPath.
func (c *Cache) Get(relPath string) (Entry, error) {
	var e Entry
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get([]byte(relPath))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &e)
	})
	return e, err
}

// Put records the entry for relPath. Callers write only after the store has
// durably accepted the file.
func (c *Cache) Put(relPath string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFiles).Put([]byte(relPath), data)
	})
}

// Delete removes relPath. Missing keys are not an error.
func (c *Cache) Delete(relPath string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFiles).Delete([]byte(relPath))
	})
}

// Paths iterates over all recorded paths. The snapshot is taken up front so
// the caller may modify the cache while ranging.
func (c *Cache) Paths() iter.Seq[string] {
	var keys []string
	_ = c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return func(yield func(string) bool) {
		for _, k := range keys {
			if !yield(k) {
				return
			}
		}
	}
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	n := 0
	_ = c.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketFiles).Stats().KeyN
		return nil
	})
	return n
}

// Reset drops every file entry.
func (c *Cache) Reset() error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketFiles); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(bucketFiles)
		return err
	})
}

// Fingerprint returns the stored model fingerprint, if any.
func (c *Cache) Fingerprint() (Fingerprint, bool) {
	var fp Fingerprint
	found := false
	_ = c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(keyModel)
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &fp); err == nil {
			found = true
		}
		return nil
	})
	return fp, found
}

// EnsureFingerprint stores fp and drops all file entries when it differs
// from the recorded one. Returns true when the cache was invalidated.
func (c *Cache) EnsureFingerprint(fp Fingerprint) (bool, error) {
	current, ok := c.Fingerprint()
	if ok && current == fp {
		return false, nil
	}

	data, err := json.Marshal(fp)
	if err != nil {
		return false, err
	}
	invalidated := ok || c.Len() > 0
	err = c.db.Update(func(tx *bbolt.Tx) error {
		if invalidated {
			if err := tx.DeleteBucket(bucketFiles); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(bucketFiles); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketMeta).Put(keyModel, data)
	})
	return invalidated, err
}
