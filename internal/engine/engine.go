// Package engine wires the index of one project: paths, configuration,
// worker pool, store backend, walker and metadata cache.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dshills/osgrep/internal/chunker"
	"github.com/dshills/osgrep/internal/config"
	"github.com/dshills/osgrep/internal/embedder"
	"github.com/dshills/osgrep/internal/git"
	"github.com/dshills/osgrep/internal/indexer"
	"github.com/dshills/osgrep/internal/metacache"
	"github.com/dshills/osgrep/internal/project"
	"github.com/dshills/osgrep/internal/searcher"
	"github.com/dshills/osgrep/internal/shutdown"
	"github.com/dshills/osgrep/internal/store"
	"github.com/dshills/osgrep/internal/walker"
	"github.com/dshills/osgrep/internal/workerpool"
	"github.com/dshills/osgrep/pkg/types"
)

// StoreIDPrefix starts every store name
const StoreIDPrefix = "osgrep-"

const cacheOpenTimeout = 2 * time.Second

// Options configures Open
type Options struct {
	// StartDir is the project directory; empty means the working directory
	StartDir string

	// DryRun creates no directories and writes nothing
	DryRun bool

	// Config replaces the layered configuration when set
	Config *config.Config

	// Embedder replaces the configured provider when set
	Embedder embedder.Embedder

	Logger *slog.Logger
}

// Engine is the index of one project
type Engine struct {
	paths   *project.Paths
	cfg     *config.Config
	storeID string
	dryRun  bool

	git      *git.Adapter
	emb      embedder.Embedder
	pool     *workerpool.Pool
	store    store.Store
	walker   *walker.Walker
	shutdown *shutdown.Sequence
	logger   *slog.Logger

	mu   sync.Mutex
	lock *indexer.WriterLock
}

// Open resolves the project containing opts.StartDir and builds its
// components. A linked worktree resolves to its main repository so all
// worktrees share one index.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	start := opts.StartDir
	if start == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		start = wd
	}
	start, err := filepath.Abs(start)
	if err != nil {
		return nil, err
	}

	adapter := git.NewAdapter(logger)
	if adapter.IsWorktree(start) {
		if mainRoot, ok := adapter.MainRepoRoot(start); ok {
			logger.Info("using the main repository index for worktree", "worktree", start, "main", mainRoot)
			start = mainRoot
		}
	}

	paths, err := project.Resolve(start, project.Options{DryRun: opts.DryRun})
	if err != nil {
		return nil, fmt.Errorf("resolve project paths: %w", err)
	}

	cfg := opts.Config
	if cfg == nil {
		cfg, err = loadConfig(paths)
		if err != nil {
			return nil, err
		}
		if !opts.DryRun {
			if err := cfg.SaveProject(paths.ConfigPath); err != nil {
				logger.Warn("failed to write project config", "path", paths.ConfigPath, "error", err)
			}
		}
	}

	emb := opts.Embedder
	if emb == nil {
		emb, err = embedder.New(embedder.Config{
			Provider:  cfg.Embedding.Provider,
			Model:     cfg.Embedding.Model,
			BaseURL:   cfg.Embedding.BaseURL,
			APIKey:    cfg.Embedding.APIKey,
			Dimension: cfg.Embedding.Dimension,
			CacheSize: cfg.Embedding.CacheSize,
		})
		if err != nil {
			return nil, fmt.Errorf("create embedder: %w", err)
		}
	}

	pool := workerpool.New(workerpool.Config{
		Size:      cfg.Index.Workers,
		BatchSize: cfg.Index.BatchSize,
		Logger:    logger,
	}, chunker.NewWithConfig(chunker.Config{
		MaxLines:     cfg.Index.ChunkLines,
		OverlapLines: cfg.Index.ChunkOverlap,
	}), emb)

	st, err := openStore(cfg, paths, pool, emb, opts.DryRun, logger)
	if err != nil {
		_ = pool.Destroy(ctx)
		return nil, err
	}

	e := &Engine{
		paths:   paths,
		cfg:     cfg,
		storeID: StoreIDFor(paths.Root),
		dryRun:  opts.DryRun,
		git:     adapter,
		emb:     emb,
		pool:    pool,
		store:   st,
		walker: walker.New(adapter, walker.Options{
			IgnorePatterns: cfg.Index.IgnorePatterns,
			MaxFileSize:    cfg.Index.MaxFileSize,
			Logger:         logger,
		}),
		shutdown: shutdown.New(logger),
		logger:   logger,
	}

	e.shutdown.SetPool(pool)
	e.shutdown.OnCleanup("release writer lock", func(context.Context) error { return e.releaseLock() })
	e.shutdown.OnClose("close store", st.Close)
	e.shutdown.OnClose("close embedder", emb.Close)
	return e, nil
}

// Locate returns the paths Open would use for startDir. It creates nothing
// and needs no config, so callers can look for a running server cheaply.
func Locate(startDir string) (*project.Paths, error) {
	start, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}
	if git.IsWorktree(start) {
		if mainRoot, ok := git.MainRepoRoot(start); ok {
			start = mainRoot
		}
	}
	return project.Resolve(start, project.Options{DryRun: true})
}

func loadConfig(paths *project.Paths) (*config.Config, error) {
	globalRoot, err := project.GlobalRoot()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(config.Sources{
		GlobalDir:     globalRoot,
		ProjectConfig: paths.ConfigPath,
		EnvFile:       filepath.Join(paths.Root, ".env"),
	})
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

func openStore(cfg *config.Config, paths *project.Paths, pool *workerpool.Pool, emb embedder.Embedder, dryRun bool, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendQdrant:
		s, err := store.NewQdrantStore(pool, store.QdrantOptions{
			URL:             cfg.Store.QdrantURL,
			APIKey:          cfg.Store.QdrantAPIKey,
			Dimension:       emb.Dimension(),
			RerankDimension: cfg.Search.RerankDimension,
			Logger:          logger,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to qdrant: %w", err)
		}
		return s, nil
	default:
		dbPath := paths.VectorDBPath()
		if dryRun {
			if _, err := os.Stat(dbPath); err != nil {
				// nothing indexed yet; an empty in-memory store reports everything as new
				dbPath = ":memory:"
			}
		}
		s, err := store.OpenLocalStore(dbPath, pool, store.LocalOptions{
			Provider:        emb.Provider(),
			Model:           emb.Model(),
			Dimension:       emb.Dimension(),
			RerankDimension: cfg.Search.RerankDimension,
			Logger:          logger,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// StoreIDFor derives a stable store name from the project root
func StoreIDFor(root string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(root)))
	return StoreIDPrefix + hex.EncodeToString(sum[:])[:12]
}

// Paths returns the resolved project paths
func (e *Engine) Paths() *project.Paths { return e.paths }

// Config returns the effective configuration
func (e *Engine) Config() *config.Config { return e.cfg }

// StoreID returns the store name of this project
func (e *Engine) StoreID() string { return e.storeID }

// Logger returns the engine's logger
func (e *Engine) Logger() *slog.Logger { return e.logger }

// Shutdown exposes the exit sequence so callers can add their own steps
func (e *Engine) Shutdown() *shutdown.Sequence { return e.shutdown }

// EnsureStore creates the project's store if it does not exist yet
func (e *Engine) EnsureStore(ctx context.Context) error {
	_, err := e.store.Retrieve(ctx, e.storeID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrStoreNotFound) {
		return err
	}

	description := e.paths.Root
	if remote, ok := e.git.RemoteURL(e.paths.Root); ok {
		description = remote
	}
	_, err = e.store.Create(ctx, store.CreateOptions{Name: e.storeID, Description: description})
	if err != nil {
		return fmt.Errorf("create store: %w", err)
	}
	e.logger.Info("created store", "store", e.storeID, "description", description)
	return nil
}

// IndexOptions tunes one index run
type IndexOptions struct {
	Force      bool
	OnProgress func(indexer.Progress)
}

// Index brings the store in line with the project files. It holds the
// writer lock for the whole run and fails with indexer.ErrLockHeld when
// another writer is active. A dry-run engine reports without writing.
func (e *Engine) Index(ctx context.Context, opts IndexOptions) (*indexer.Statistics, error) {
	cfg := indexer.Config{
		Root:      e.paths.Root,
		StoreID:   e.storeID,
		Workers:   e.pool.Stats().Size,
		QueueSize: e.cfg.Index.QueueSize,
		Force:     opts.Force,
		DryRun:    e.dryRun,
		Fingerprint: &metacache.Fingerprint{
			Provider:  e.emb.Provider(),
			Model:     e.emb.Model(),
			Dimension: e.emb.Dimension(),
		},
		OnProgress: opts.OnProgress,
	}

	if e.dryRun {
		cache, err := e.openExistingCache()
		if err != nil {
			return nil, err
		}
		if cache != nil {
			defer func() { _ = cache.Close() }()
		}
		return indexer.New(e.store, e.walker, cache, e.logger).IndexProject(ctx, cfg)
	}

	if err := e.acquireLock(); err != nil {
		return nil, err
	}
	defer func() {
		if err := e.releaseLock(); err != nil {
			e.logger.Warn("failed to release writer lock", "error", err)
		}
	}()

	if err := e.EnsureStore(ctx); err != nil {
		return nil, err
	}

	cache, err := metacache.Open(e.paths.MetadataStorePath, cacheOpenTimeout)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cache.Close() }()

	return indexer.New(e.store, e.walker, cache, e.logger).IndexProject(ctx, cfg)
}

func (e *Engine) openExistingCache() (*metacache.Cache, error) {
	if _, err := os.Stat(e.paths.MetadataStorePath); err != nil {
		return nil, nil
	}
	return metacache.Open(e.paths.MetadataStorePath, cacheOpenTimeout)
}

func (e *Engine) acquireLock() error {
	lock, err := indexer.AcquireWriterLock(e.paths.LockDir())
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.lock = lock
	e.mu.Unlock()
	return nil
}

func (e *Engine) releaseLock() error {
	e.mu.Lock()
	lock := e.lock
	e.lock = nil
	e.mu.Unlock()
	if lock == nil {
		return nil
	}
	return lock.Release()
}

// SearchParams are per-query options. Zero values take configured defaults.
type SearchParams struct {
	TopK       int
	Rerank     *bool
	Mode       searcher.SearchMode
	PathPrefix string
	PathGlob   string
}

func (e *Engine) searchArgs(p SearchParams) (int, store.SearchOptions, *store.Filters) {
	topK := p.TopK
	if topK <= 0 {
		topK = e.cfg.Search.TopK
	}
	opts := store.SearchOptions{Rerank: e.cfg.Search.Rerank, Mode: p.Mode}
	if p.Rerank != nil {
		opts.Rerank = *p.Rerank
	}
	var filters *store.Filters
	if p.PathPrefix != "" || p.PathGlob != "" {
		filters = &store.Filters{PathPrefix: p.PathPrefix, PathGlob: p.PathGlob}
	}
	return topK, opts, filters
}

// Search queries the project index. It takes no lock. A project that was
// never indexed returns no results.
func (e *Engine) Search(ctx context.Context, query string, p SearchParams) ([]types.SearchResult, error) {
	topK, opts, filters := e.searchArgs(p)
	results, err := e.store.Search(ctx, e.storeID, query, topK, opts, filters)
	if errors.Is(err, store.ErrStoreNotFound) {
		return []types.SearchResult{}, nil
	}
	return results, err
}

// Ask answers a question from the project index
func (e *Engine) Ask(ctx context.Context, question string, p SearchParams) (*store.AskResponse, error) {
	topK, opts, filters := e.searchArgs(p)
	resp, err := e.store.Ask(ctx, e.storeID, question, topK, opts, filters)
	if errors.Is(err, store.ErrStoreNotFound) {
		return &store.AskResponse{Answer: "The project has not been indexed yet.", Sources: []types.SearchResult{}}, nil
	}
	return resp, err
}

// Status describes the project index
type Status struct {
	Root      string      `json:"root"`
	IndexDir  string      `json:"index_dir"`
	StoreID   string      `json:"store_id"`
	Backend   string      `json:"backend"`
	Provider  string      `json:"provider"`
	Model     string      `json:"model"`
	Dimension int         `json:"dimension"`
	Indexed   bool        `json:"indexed"`
	Indexing  bool        `json:"indexing"`
	Store     *store.Info `json:"store,omitempty"`
}

// Status reports the index state without taking any lock
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	s := &Status{
		Root:      e.paths.Root,
		IndexDir:  e.paths.IndexDir,
		StoreID:   e.storeID,
		Backend:   e.cfg.Store.Backend,
		Provider:  e.emb.Provider(),
		Model:     e.emb.Model(),
		Dimension: e.emb.Dimension(),
	}
	if _, err := os.Stat(filepath.Join(e.paths.LockDir(), indexer.LockFileName)); err == nil {
		s.Indexing = true
	}

	info, err := e.store.GetInfo(ctx, e.storeID)
	switch {
	case errors.Is(err, store.ErrStoreNotFound):
	case err != nil:
		return nil, err
	default:
		s.Indexed = true
		s.Store = info
	}
	return s, nil
}

// Unlock removes a writer lock left behind by a crashed process
func (e *Engine) Unlock() (string, error) {
	return indexer.RemoveWriterLock(e.paths.LockDir())
}

// Close runs the shutdown sequence: pool, lock, then store
func (e *Engine) Close(ctx context.Context) error {
	return e.shutdown.Run(ctx)
}
