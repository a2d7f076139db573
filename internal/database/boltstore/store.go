// Package boltstore keeps the deferred job queue in a bbolt file. Jobs
// survive restarts of the process; losing the file drops pending topic
// reopens and hidden-post notices.
package boltstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"
)

var (
	// BucketJobs stores jobs keyed by "runAt(big-endian nanos)|id" so a cursor
	// walks them in due order
	BucketJobs = []byte("jobs")

	// BucketJobIndex maps job id to its BucketJobs key
	BucketJobIndex = []byte("jobs_by_id")
)

var buckets = [][]byte{BucketJobs, BucketJobIndex}

const (
	defaultPath        = "data/jobs.db"
	defaultLockTimeout = 5 * time.Second
	defaultFileMode    = os.FileMode(0o600)
)

// Options configures the job database. Zero fields take defaults.
type Options struct {
	Path string

	// LockTimeout bounds the wait for the file lock held by another process.
	LockTimeout time.Duration

	FileMode os.FileMode
}

func (o Options) withDefaults() Options {
	if o.Path == "" {
		o.Path = defaultPath
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = defaultLockTimeout
	}
	if o.FileMode == 0 {
		o.FileMode = defaultFileMode
	}
	return o
}

// Store owns the bbolt handle.
type Store struct {
	db   *bolt.DB
	path string
}

// Open opens or creates the job database, creating parent directories and
// buckets as needed.
func Open(opts Options) (*Store, error) {
	opts = opts.withDefaults()

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("boltstore: create directory: %w", err)
	}
	db, err := bolt.Open(opts.Path, opts.FileMode, &bolt.Options{Timeout: opts.LockTimeout})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", opts.Path, err)
	}
	if err := db.Update(createBuckets); err != nil {
		db.Close()
		return nil, err
	}

	log.Debug().Str("path", opts.Path).Msg("boltstore: opened")
	return &Store{db: db, path: opts.Path}, nil
}

func createBuckets(tx *bolt.Tx) error {
	for _, name := range buckets {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return fmt.Errorf("boltstore: create bucket %s: %w", name, err)
		}
	}
	return nil
}

// Path is the file backing the store.
func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// JobStore returns the job queue backed by this database.
func (s *Store) JobStore() *JobStore {
	return &JobStore{db: s.db}
}
