package pool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/float-service/internal/pool"
)

var errJob = errors.New("job failed")

type recordingObserver struct {
	maxDepth  atomic.Int64
	maxActive atomic.Int64
}

func (o *recordingObserver) QueueDepth(depth int) {
	if int64(depth) > o.maxDepth.Load() {
		o.maxDepth.Store(int64(depth))
	}
}

func (o *recordingObserver) ActiveWorkers(active int) {
	if int64(active) > o.maxActive.Load() {
		o.maxActive.Store(int64(active))
	}
}

func newTestPool(t *testing.T, workers, queueSize int, observer pool.Observer) *pool.Pool {
	t.Helper()

	log, err := logger.New(t.TempDir(), "pool-test.log")
	require.NoError(t, err)

	workerPool, err := pool.New(workers, queueSize, observer, log)
	require.NoError(t, err)

	t.Cleanup(func() {
		workerPool.Close()
		_ = log.Close()
	})

	return workerPool
}

func TestNew_RejectsZeroWorkers(t *testing.T) {
	t.Parallel()

	_, err := pool.New(0, 1, nil, nil)
	require.ErrorIs(t, err, pool.ErrInvalidSize)
}

func TestDo_ReturnsJobResult(t *testing.T) {
	t.Parallel()

	workerPool := newTestPool(t, 2, 4, nil)

	var ran atomic.Bool

	err := workerPool.Do(context.Background(), func(context.Context) error {
		ran.Store(true)

		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran.Load())

	err = workerPool.Do(context.Background(), func(context.Context) error { return errJob })
	require.ErrorIs(t, err, errJob)
}

func TestDo_RecoversPanics(t *testing.T) {
	t.Parallel()

	workerPool := newTestPool(t, 1, 1, nil)

	err := workerPool.Do(context.Background(), func(context.Context) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	require.NoError(t, workerPool.Do(context.Background(), func(context.Context) error { return nil }))
}

func TestDo_QueueFull(t *testing.T) {
	t.Parallel()

	observer := &recordingObserver{}
	workerPool := newTestPool(t, 1, 1, observer)

	started := make(chan struct{})
	release := make(chan struct{})

	var waitGroup sync.WaitGroup

	waitGroup.Add(2)

	go func() {
		defer waitGroup.Done()

		_ = workerPool.Do(context.Background(), func(context.Context) error {
			close(started)
			<-release

			return nil
		})
	}()

	<-started

	go func() {
		defer waitGroup.Done()

		_ = workerPool.Do(context.Background(), func(context.Context) error { return nil })
	}()

	require.Eventually(t, func() bool { return workerPool.Pending() == 1 }, time.Second, time.Millisecond)

	err := workerPool.Do(context.Background(), func(context.Context) error { return nil })
	require.ErrorIs(t, err, pool.ErrQueueFull)

	close(release)
	waitGroup.Wait()

	assert.Equal(t, int64(1), observer.maxActive.Load())
	assert.Equal(t, int64(1), observer.maxDepth.Load())
}

func TestDo_BoundsConcurrency(t *testing.T) {
	t.Parallel()

	workerPool := newTestPool(t, 2, 16, nil)

	var (
		running   atomic.Int32
		peak      atomic.Int32
		waitGroup sync.WaitGroup
	)

	for range 8 {
		waitGroup.Add(1)

		go func() {
			defer waitGroup.Done()

			err := workerPool.Do(context.Background(), func(context.Context) error {
				current := running.Add(1)
				for {
					seen := peak.Load()
					if current <= seen || peak.CompareAndSwap(seen, current) {
						break
					}
				}

				time.Sleep(5 * time.Millisecond)
				running.Add(-1)

				return nil
			})
			assert.NoError(t, err)
		}()
	}

	waitGroup.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestDo_DropsAbandonedJobs(t *testing.T) {
	t.Parallel()

	workerPool := newTestPool(t, 1, 1, nil)

	started := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = workerPool.Do(context.Background(), func(context.Context) error {
			close(started)
			<-release

			return nil
		})
	}()

	<-started

	ctx, cancel := context.WithCancel(context.Background())

	var ran atomic.Bool

	result := make(chan error, 1)

	go func() {
		result <- workerPool.Do(ctx, func(context.Context) error {
			ran.Store(true)

			return nil
		})
	}()

	require.Eventually(t, func() bool { return workerPool.Pending() == 1 }, time.Second, time.Millisecond)
	cancel()
	close(release)

	require.ErrorIs(t, <-result, context.Canceled)
	assert.False(t, ran.Load())
}

func TestDo_WaitsForCancelledJobToReturn(t *testing.T) {
	t.Parallel()

	workerPool := newTestPool(t, 1, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var finished atomic.Bool

	err := workerPool.Do(ctx, func(jobCtx context.Context) error {
		<-jobCtx.Done()
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)

		return jobCtx.Err()
	})

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, finished.Load(), "Do must not return before the job does")
}

func TestClose_RejectsNewWork(t *testing.T) {
	t.Parallel()

	log, err := logger.New(t.TempDir(), "pool-close.log")
	require.NoError(t, err)

	defer log.Close()

	workerPool, err := pool.New(1, 1, nil, log)
	require.NoError(t, err)

	workerPool.Close()
	workerPool.Close()

	err = workerPool.Do(context.Background(), func(context.Context) error { return nil })
	require.ErrorIs(t, err, pool.ErrClosed)
}
