// Package workerpool runs the expensive, parallelizable work of the index:
// chunking and embedding files, encoding queries and reranking candidates.
//
// Workers are goroutines started lazily up to the configured size and reused
// for the lifetime of the pool. Work is fed through a bounded queue, so
// submitters block when every worker is busy and the queue is full.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/dshills/osgrep/internal/embedder"
	"github.com/dshills/osgrep/pkg/types"
)

var (
	// ErrProcessing wraps any failure of a single task, including panics.
	ErrProcessing = errors.New("worker task failed")

	// ErrPoolClosed is returned for work submitted after Destroy.
	ErrPoolClosed = errors.New("worker pool closed")
)

// Default sizes
const (
	DefaultQueueSize = 64
	DefaultBatchSize = embedder.DefaultBatchSize
)

// Chunker splits file content into chunks
type Chunker interface {
	ChunkFile(path string, content []byte) ([]types.Chunk, error)
}

// Config sizes the pool. Zero values take defaults.
type Config struct {
	Size      int // maximum concurrent workers, default runtime.NumCPU()
	QueueSize int // tasks waiting for a worker
	BatchSize int // texts per embedding call
	Logger    *slog.Logger
}

// Stats is a point in time view of the pool
type Stats struct {
	Size      int
	Workers   int
	Queued    int
	Active    int
	Completed int64
	Failed    int64
}

// Pool executes tasks on a bounded set of goroutines
type Pool struct {
	chunker   Chunker
	embedder  embedder.Embedder
	size      int
	batchSize int
	logger    *slog.Logger

	tasks chan *task

	mu         sync.Mutex
	closed     bool
	workers    int
	submitting sync.WaitGroup
	running    sync.WaitGroup
	done       chan struct{}

	// cancels in-flight work when Destroy runs out of time
	baseCtx context.Context
	cancel  context.CancelFunc

	queued    atomic.Int64
	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

type task struct {
	ctx    context.Context
	run    func(ctx context.Context) (any, error)
	result chan taskResult
}

type taskResult struct {
	value any
	err   error
}

// New creates a pool. No goroutines are started until work arrives.
func New(cfg Config, c Chunker, e embedder.Embedder) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > embedder.MaxBatchSize {
		cfg.BatchSize = embedder.MaxBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Pool{
		chunker:   c,
		embedder:  e,
		size:      cfg.Size,
		batchSize: cfg.BatchSize,
		logger:    logger,
		tasks:     make(chan *task, cfg.QueueSize),
		done:      make(chan struct{}),
		baseCtx:   baseCtx,
		cancel:    cancel,
	}
}

// Stats returns current counters
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	workers := p.workers
	p.mu.Unlock()
	return Stats{
		Size:      p.size,
		Workers:   workers,
		Queued:    int(p.queued.Load()),
		Active:    int(p.active.Load()),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

// submit queues fn and waits for its result. It blocks while the queue is
// full and gives up when ctx is done.
func (p *Pool) submit(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.submitting.Add(1)
	if p.workers < p.size && int(p.queued.Load()+p.active.Load()) >= p.workers {
		p.workers++
		p.running.Add(1)
		go p.worker()
	}
	p.mu.Unlock()

	t := &task{ctx: ctx, run: fn, result: make(chan taskResult, 1)}
	p.queued.Add(1)
	select {
	case p.tasks <- t:
		p.submitting.Done()
	case <-ctx.Done():
		p.queued.Add(-1)
		p.submitting.Done()
		return nil, ctx.Err()
	}

	select {
	case r := <-t.result:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.running.Done()
	for t := range p.tasks {
		p.queued.Add(-1)
		p.active.Add(1)
		value, err := p.execute(t)
		p.active.Add(-1)
		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
		t.result <- taskResult{value: value, err: err}
	}
}

func (p *Pool) execute(t *task) (value any, err error) {
	if err := t.ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(p.baseCtx, cancel)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked", "panic", r)
			value, err = nil, fmt.Errorf("%w: panic: %v", ErrProcessing, r)
		}
	}()
	return t.run(ctx)
}

// Destroy stops accepting work, lets queued and in-flight tasks finish and
// stops every worker. If ctx expires first, in-flight work is cancelled and
// ctx's error is returned once the workers have exited. Calling Destroy again
// waits for the first call to complete.
func (p *Pool) Destroy(ctx context.Context) error {
	p.mu.Lock()
	first := !p.closed
	p.closed = true
	p.mu.Unlock()

	if first {
		go func() {
			p.submitting.Wait()
			close(p.tasks)
			p.running.Wait()
			p.cancel()
			close(p.done)
		}()
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.cancel()
		<-p.done
		return ctx.Err()
	}
}

// ProcessFileInput is one file to chunk and embed
type ProcessFileInput struct {
	Path    string // relative, slash separated
	Content []byte
	Hash    string
}

// ProcessFileResult carries embedded chunks. Every chunk has its Vector set.
type ProcessFileResult struct {
	Path   string
	Hash   string
	Chunks []types.Chunk
}

// ProgressFunc is called after each embedded batch of a file
type ProgressFunc func(done, total int)

// ProcessFile chunks and embeds one file on a worker. onProgress may be nil.
func (p *Pool) ProcessFile(ctx context.Context, in ProcessFileInput, onProgress ProgressFunc) (*ProcessFileResult, error) {
	v, err := p.submit(ctx, func(ctx context.Context) (any, error) {
		return p.processFile(ctx, in, onProgress)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ProcessFileResult), nil
}

func (p *Pool) processFile(ctx context.Context, in ProcessFileInput, onProgress ProgressFunc) (*ProcessFileResult, error) {
	chunks, err := p.chunker.ChunkFile(in.Path, in.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk %s: %w", ErrProcessing, in.Path, err)
	}

	for start := 0; start < len(chunks); start += p.batchSize {
		end := min(start+p.batchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Content)
		}

		vectors, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: embed %s: %w", ErrProcessing, in.Path, err)
		}
		if len(vectors) != len(texts) {
			return nil, fmt.Errorf("%w: embed %s: got %d vectors for %d chunks", ErrProcessing, in.Path, len(vectors), len(texts))
		}
		for i, v := range vectors {
			chunks[start+i].Vector = v
		}
		if onProgress != nil {
			onProgress(end, len(chunks))
		}
	}

	return &ProcessFileResult{Path: in.Path, Hash: in.Hash, Chunks: chunks}, nil
}
