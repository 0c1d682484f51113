package indexer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/osgrep/internal/metacache"
	"github.com/dshills/osgrep/internal/store"
	"github.com/dshills/osgrep/internal/workerpool"
	"github.com/dshills/osgrep/pkg/types"
)

const (
	// DefaultQueueSize bounds the channel between the walker and the uploaders
	DefaultQueueSize = 64
)

// FileSource enumerates candidate files below a root
type FileSource interface {
	Files(ctx context.Context, root string) iter.Seq2[string, error]
}

// Indexer brings a store in line with the files on disk
type Indexer struct {
	store  store.Store
	files  FileSource
	cache  *metacache.Cache
	logger *slog.Logger
}

// Config holds indexing configuration
type Config struct {
	Root    string
	StoreID string

	// Workers is the number of concurrent uploads, usually the pool size
	Workers   int
	QueueSize int

	// Force re-embeds every file regardless of the cache
	Force bool
	// DryRun reports what would change without writing anything
	DryRun bool

	// Fingerprint of the embedding model; a change invalidates the cache
	Fingerprint *metacache.Fingerprint

	OnProgress func(Progress)
}

// Progress is reported after each file
type Progress struct {
	Path    string
	Scanned int
	Indexed int
	Skipped int
	Failed  int
}

// FileFailure records a file that could not be indexed
type FileFailure struct {
	Path string `json:"path"`
	Err  string `json:"error"`
}

// Statistics tracks indexing progress and results
type Statistics struct {
	FilesScanned  int           `json:"files_scanned"`
	FilesIndexed  int           `json:"files_indexed"`
	FilesSkipped  int           `json:"files_skipped"`
	FilesFailed   int           `json:"files_failed"`
	FilesDeleted  int           `json:"files_deleted"`
	ChunksCreated int           `json:"chunks_created"`
	CacheReset    bool          `json:"cache_reset,omitempty"`
	DryRun        bool          `json:"dry_run,omitempty"`
	Duration      time.Duration `json:"duration"`
	Failures      []FileFailure `json:"failures,omitempty"`
}

// New creates an indexer. cache may be nil, in which case every file is
// treated as changed.
func New(s store.Store, files FileSource, cache *metacache.Cache, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{store: s, files: files, cache: cache, logger: logger}
}

type outcome int

const (
	outcomeIndexed outcome = iota
	outcomeSkipped
	outcomeFailed
)

// run carries the counters of one IndexProject call
type run struct {
	cfg Config

	scanned atomic.Int64
	indexed atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
	chunks  atomic.Int64

	mu       sync.Mutex
	failures []FileFailure
}

func (r *run) fail(rel string, err error) {
	r.mu.Lock()
	r.failures = append(r.failures, FileFailure{Path: rel, Err: err.Error()})
	r.mu.Unlock()
}

// IndexProject walks cfg.Root and uploads every new or changed file.
// Files that fail to read or process are recorded in Statistics.Failures and
// do not stop the run. Store and cache errors abort it. When the walk
// completes, files known to the store or cache but no longer on disk are
// deleted from both.
func (idx *Indexer) IndexProject(ctx context.Context, cfg Config) (*Statistics, error) {
	start := time.Now()
	if cfg.Root == "" || cfg.StoreID == "" {
		return nil, errors.New("indexer: root and store id are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	stats := &Statistics{DryRun: cfg.DryRun}
	if err := idx.prepareCache(cfg, stats); err != nil {
		return stats, err
	}

	r := &run{cfg: cfg}
	seen := make(map[string]struct{})

	g, gctx := errgroup.WithContext(ctx)
	paths := make(chan string, cfg.QueueSize)

	g.Go(func() error {
		defer close(paths)
		for path, err := range idx.files.Files(gctx, cfg.Root) {
			if err != nil {
				return fmt.Errorf("walk %s: %w", cfg.Root, err)
			}
			rel, err := relPath(cfg.Root, path)
			if err != nil {
				return err
			}
			seen[rel] = struct{}{}
			select {
			case paths <- path:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for range cfg.Workers {
		g.Go(func() error {
			for path := range paths {
				rel, _ := relPath(cfg.Root, path)
				out, err := idx.indexFile(gctx, r, path, rel)
				if err != nil {
					return err
				}
				r.scanned.Add(1)
				switch out {
				case outcomeIndexed:
					r.indexed.Add(1)
				case outcomeSkipped:
					r.skipped.Add(1)
				case outcomeFailed:
					r.failed.Add(1)
				}
				if cfg.OnProgress != nil {
					r.mu.Lock()
					cfg.OnProgress(Progress{
						Path:    rel,
						Scanned: int(r.scanned.Load()),
						Indexed: int(r.indexed.Load()),
						Skipped: int(r.skipped.Load()),
						Failed:  int(r.failed.Load()),
					})
					r.mu.Unlock()
				}
			}
			return nil
		})
	}

	err := g.Wait()
	r.fillStats(stats)
	if err != nil {
		stats.Duration = time.Since(start)
		return stats, err
	}

	deleted, err := idx.reconcile(ctx, cfg, seen)
	stats.FilesDeleted = deleted
	stats.Duration = time.Since(start)
	if err != nil {
		return stats, err
	}

	idx.logger.Info("index complete",
		"root", cfg.Root,
		"scanned", stats.FilesScanned,
		"indexed", stats.FilesIndexed,
		"skipped", stats.FilesSkipped,
		"failed", stats.FilesFailed,
		"deleted", stats.FilesDeleted,
		"dry_run", cfg.DryRun,
		"duration", stats.Duration)
	return stats, nil
}

func (idx *Indexer) prepareCache(cfg Config, stats *Statistics) error {
	if idx.cache == nil || cfg.DryRun {
		return nil
	}
	if cfg.Force {
		if err := idx.cache.Reset(); err != nil {
			return fmt.Errorf("reset metadata cache: %w", err)
		}
		stats.CacheReset = true
	}
	if cfg.Fingerprint != nil {
		reset, err := idx.cache.EnsureFingerprint(*cfg.Fingerprint)
		if err != nil {
			return fmt.Errorf("record model fingerprint: %w", err)
		}
		if reset && !stats.CacheReset {
			idx.logger.Warn("embedding model changed, re-embedding all files",
				"provider", cfg.Fingerprint.Provider,
				"model", cfg.Fingerprint.Model,
				"dimension", cfg.Fingerprint.Dimension)
			stats.CacheReset = true
		}
	}
	return nil
}

// indexFile returns an error only for failures that must stop the run
func (idx *Indexer) indexFile(ctx context.Context, r *run, path, rel string) (outcome, error) {
	if err := ctx.Err(); err != nil {
		return outcomeFailed, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		// the file changed under us between walk and read
		idx.logger.Warn("skipping unreadable file", "path", rel, "error", err)
		r.fail(rel, err)
		return outcomeFailed, nil
	}
	hash := types.HashContent(content)

	if idx.cache != nil && !r.cfg.Force {
		entry, err := idx.cache.Get(rel)
		switch {
		case err == nil && entry.Hash == hash:
			return outcomeSkipped, nil
		case err != nil && !errors.Is(err, metacache.ErrNotFound):
			return outcomeFailed, fmt.Errorf("read metadata cache for %s: %w", rel, err)
		}
	}

	if r.cfg.DryRun {
		idx.logger.Debug("would index", "path", rel)
		return outcomeIndexed, nil
	}

	chunks := 0
	err = idx.store.UploadFile(ctx, r.cfg.StoreID, bytes.NewReader(content), store.UploadOptions{
		ExternalID: rel,
		Overwrite:  true,
		Metadata:   store.Metadata{Path: rel, Hash: hash},
		OnProgress: func(_, total int) { chunks = total },
	})
	if err != nil {
		if errors.Is(err, workerpool.ErrProcessing) {
			idx.logger.Warn("failed to process file", "path", rel, "error", err)
			r.fail(rel, err)
			return outcomeFailed, nil
		}
		return outcomeFailed, fmt.Errorf("upload %s: %w", rel, err)
	}

	if idx.cache != nil {
		err := idx.cache.Put(rel, metacache.Entry{
			Hash:       hash,
			ExternalID: rel,
			Chunks:     chunks,
			IndexedAt:  time.Now().UTC(),
		})
		if err != nil {
			return outcomeFailed, fmt.Errorf("update metadata cache for %s: %w", rel, err)
		}
	}
	r.chunks.Add(int64(chunks))
	return outcomeIndexed, nil
}

// reconcile deletes files the walk did not produce
func (idx *Indexer) reconcile(ctx context.Context, cfg Config, seen map[string]struct{}) (int, error) {
	stale := make(map[string]struct{})

	for f, err := range idx.store.ListFiles(ctx, cfg.StoreID) {
		if err != nil {
			if cfg.DryRun && errors.Is(err, store.ErrStoreNotFound) {
				break
			}
			return 0, fmt.Errorf("list store files: %w", err)
		}
		if _, ok := seen[f.ExternalID]; !ok {
			stale[f.ExternalID] = struct{}{}
		}
	}
	if idx.cache != nil {
		for rel := range idx.cache.Paths() {
			if _, ok := seen[rel]; !ok {
				stale[rel] = struct{}{}
			}
		}
	}

	if cfg.DryRun {
		for rel := range stale {
			idx.logger.Debug("would delete", "path", rel)
		}
		return len(stale), nil
	}

	for rel := range stale {
		if err := idx.store.DeleteFile(ctx, cfg.StoreID, rel); err != nil {
			return 0, fmt.Errorf("delete %s: %w", rel, err)
		}
		if idx.cache != nil {
			if err := idx.cache.Delete(rel); err != nil {
				return 0, fmt.Errorf("update metadata cache for %s: %w", rel, err)
			}
		}
		idx.logger.Debug("deleted stale file", "path", rel)
	}
	return len(stale), nil
}

func (r *run) fillStats(s *Statistics) {
	s.FilesScanned = int(r.scanned.Load())
	s.FilesIndexed = int(r.indexed.Load())
	s.FilesSkipped = int(r.skipped.Load())
	s.FilesFailed = int(r.failed.Load())
	s.ChunksCreated = int(r.chunks.Load())
	r.mu.Lock()
	s.Failures = append([]FileFailure(nil), r.failures...)
	r.mu.Unlock()
}

// relPath is the slash separated path of file below root, used as the
// external id and cache key
func relPath(root, file string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absRoot, file)
	if err != nil {
		return "", fmt.Errorf("relative path of %s: %w", file, err)
	}
	if !fs.ValidPath(filepath.ToSlash(rel)) {
		return "", fmt.Errorf("%s is outside %s", file, root)
	}
	return filepath.ToSlash(rel), nil
}
