package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsSubmittedWork(t *testing.T) {
	p := NewWorkerPool(2)
	defer p.Shutdown()

	var count atomic.Int64
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
			count.Add(1)
			return nil
		}))
	}
	p.Wait()

	assert.Equal(t, int64(5), count.Load())
	assert.Equal(t, int64(5), p.Metrics().Completed)
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	p := NewWorkerPool(2)
	defer p.Shutdown()

	var active, peak atomic.Int64
	for i := 0; i < 6; i++ {
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
			n := active.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			return nil
		}))
	}
	p.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	p := NewWorkerPool(1)
	defer p.Shutdown()

	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		panic("boom")
	}))
	p.Wait()

	m := p.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(1), m.Failed)
}

func TestWorkerPool_RejectsAfterShutdown(t *testing.T) {
	p := NewWorkerPool(1)
	p.Shutdown()

	err := p.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestWorkerPool_SubmitHonorsContext(t *testing.T) {
	p := NewWorkerPool(1)
	defer p.Shutdown()

	release := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	p.Wait()
}
