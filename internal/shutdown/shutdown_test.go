package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/osgrep/internal/logging"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()
}

type fakePool struct {
	rec *recorder
	err error
	// blocks until ctx is done when set
	hang bool
}

func (p *fakePool) Destroy(ctx context.Context) error {
	p.rec.add("pool")
	if p.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return p.err
}

func TestRun_Order(t *testing.T) {
	rec := &recorder{}
	s := New(logging.Discard())

	// registered out of order on purpose
	s.OnClose("store", func() error { rec.add("store"); return nil })
	s.OnCleanup("lock", func(context.Context) error { rec.add("lock"); return nil })
	s.OnCleanup("registry", func(context.Context) error { rec.add("registry"); return nil })
	s.SetPool(&fakePool{rec: rec})

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{"pool", "lock", "registry", "store"}, rec.calls)
}

func TestRun_ContinuesAfterFailures(t *testing.T) {
	rec := &recorder{}
	s := New(logging.Discard())
	poolErr := errors.New("pool stuck")
	lockErr := errors.New("lock gone")

	s.SetPool(&fakePool{rec: rec, err: poolErr})
	s.OnCleanup("lock", func(context.Context) error { rec.add("lock"); return lockErr })
	s.OnClose("store", func() error { rec.add("store"); return nil })

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, poolErr)
	assert.ErrorIs(t, err, lockErr)
	assert.Equal(t, []string{"pool", "lock", "store"}, rec.calls)
}

func TestRun_Once(t *testing.T) {
	rec := &recorder{}
	s := New(logging.Discard())
	s.OnCleanup("lock", func(context.Context) error { rec.add("lock"); return errors.New("x") })

	first := s.Run(context.Background())
	second := s.Run(context.Background())
	assert.Equal(t, first, second)
	assert.Len(t, rec.calls, 1)
}

func TestRun_CleanupAfterPoolTimeout(t *testing.T) {
	rec := &recorder{}
	s := New(logging.Discard())
	s.SetPool(&fakePool{rec: rec, hang: true})

	var cleanupCtxErr error
	s.OnCleanup("lock", func(ctx context.Context) error {
		rec.add("lock")
		cleanupCtxErr = ctx.Err()
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []string{"pool", "lock"}, rec.calls)
	assert.NoError(t, cleanupCtxErr, "cleanup steps get a live context")
}

func TestRun_Empty(t *testing.T) {
	assert.NoError(t, New(nil).Run(context.Background()))
}
