// Package pool runs blocking inference calls on a fixed set of workers.
//
// Submission never blocks: when every worker is busy and the queue is full the
// caller is turned away with ErrQueueFull. A caller that got a slot waits until
// its job has either run to completion or been dropped before it started, so
// resources the job reads from can be released safely once Do returns.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/book-expert/logger"
)

var (
	// ErrQueueFull is returned when the pool cannot accept more work.
	ErrQueueFull = errors.New("inference queue is full")
	// ErrClosed is returned for submissions after Close.
	ErrClosed = errors.New("inference pool is closed")
	// ErrInvalidSize is returned by New for a pool without workers.
	ErrInvalidSize = errors.New("pool needs at least one worker")
)

// Func is a unit of work. It must return promptly once ctx is done.
type Func func(ctx context.Context) error

// Observer receives pool state changes; metrics implement it.
type Observer interface {
	QueueDepth(depth int)
	ActiveWorkers(active int)
}

type job struct {
	ctx  context.Context
	fn   Func
	done chan error
}

// Pool is a bounded worker pool.
type Pool struct {
	jobs     chan job
	mutex    sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	observer Observer
	log      *logger.Logger

	activeMutex sync.Mutex
	active      int
}

// New starts workers goroutines sharing a queue of queueSize pending jobs.
// observer may be nil.
func New(workers, queueSize int, observer Observer, log *logger.Logger) (*Pool, error) {
	if workers < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSize, workers)
	}

	if queueSize < 0 {
		queueSize = 0
	}

	p := &Pool{
		jobs:     make(chan job, queueSize),
		observer: observer,
		log:      log,
	}

	for workerID := range workers {
		p.wg.Add(1)

		go p.run(workerID)
	}

	return p, nil
}

// Do runs fn on a worker and returns its error. With a zero-length queue a job
// is only accepted when a worker is idle and waiting.
func (p *Pool) Do(ctx context.Context, fn Func) error {
	work := job{
		ctx:  ctx,
		fn:   fn,
		done: make(chan error, 1),
	}

	err := p.enqueue(work)
	if err != nil {
		return err
	}

	return <-work.done
}

func (p *Pool) enqueue(work job) error {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if p.closed {
		return ErrClosed
	}

	select {
	case p.jobs <- work:
		p.observeQueue()

		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) run(workerID int) {
	defer p.wg.Done()

	for work := range p.jobs {
		p.observeQueue()

		ctxErr := work.ctx.Err()
		if ctxErr != nil {
			p.log.Warn("Worker %d dropping job abandoned before start: %v", workerID, ctxErr)
			work.done <- ctxErr

			continue
		}

		p.setActive(1)
		work.done <- p.execute(work)
		p.setActive(-1)
	}
}

func (p *Pool) execute(work job) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("inference job panicked: %v", recovered)
		}
	}()

	return work.fn(work.ctx)
}

// Close stops accepting work, lets queued jobs finish and waits for the workers.
func (p *Pool) Close() {
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()

		return
	}

	p.closed = true
	close(p.jobs)
	p.mutex.Unlock()

	p.wg.Wait()
}

func (p *Pool) setActive(delta int) {
	p.activeMutex.Lock()
	p.active += delta
	active := p.active
	p.activeMutex.Unlock()

	if p.observer != nil {
		p.observer.ActiveWorkers(active)
	}
}

func (p *Pool) observeQueue() {
	if p.observer != nil {
		p.observer.QueueDepth(len(p.jobs))
	}
}
