package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgellow/area/internal"
)

// ErrExecutorClosed is returned by Submit after Stop
var ErrExecutorClosed = errors.New("executor closed")

// ErrQueueFull reports that a key already has too many pending jobs
var ErrQueueFull = errors.New("key queue full")

// QueueFullError carries diagnostics while satisfying errors.Is(_, ErrQueueFull)
type QueueFullError struct {
	Key      string
	Capacity int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue for %s full (cap=%d)", e.Key, e.Capacity)
}

func (e *QueueFullError) Is(target error) bool { return target == ErrQueueFull }

// Job is a unit of work run by the Executor
type Job interface {
	Run(ctx context.Context)
}

// JobFunc adapts a function to a Job
type JobFunc func(ctx context.Context)

// Run implements Job for JobFunc
func (f JobFunc) Run(ctx context.Context) { f(ctx) }

type queuedJob struct {
	ctx context.Context
	job Job
}

type keyQueue struct {
	jobs []queuedJob
}

// Executor runs jobs FIFO per key with at most Workers jobs running at once.
// Keys never wait on each other, only on free capacity.
type Executor struct {
	slots    chan struct{}
	maxQueue int

	mu     sync.Mutex
	queues map[string]*keyQueue
	closed bool

	wg sync.WaitGroup
}

// NewExecutor creates an executor running up to workers jobs concurrently,
// with at most maxQueue pending jobs per key
func NewExecutor(workers, maxQueue int) *Executor {
	if workers <= 0 {
		workers = 8
	}
	if maxQueue <= 0 {
		maxQueue = 16
	}
	return &Executor{
		slots:    make(chan struct{}, workers),
		maxQueue: maxQueue,
		queues:   make(map[string]*keyQueue),
	}
}

// Submit enqueues job behind the jobs already pending for key.
// A job whose ctx is done by the time its turn comes is dropped without running.
func (e *Executor) Submit(ctx context.Context, key string, job Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrExecutorClosed
	}

	q, running := e.queues[key]
	if !running {
		q = &keyQueue{}
		e.queues[key] = q
	}
	if len(q.jobs) >= e.maxQueue {
		queueFullTotal.Inc()
		return &QueueFullError{Key: key, Capacity: e.maxQueue}
	}
	q.jobs = append(q.jobs, queuedJob{ctx: ctx, job: job})
	submissionsTotal.Inc()

	if !running {
		e.wg.Add(1)
		go e.drain(key, q)
	}
	return nil
}

// Pending reports the number of queued, not yet started jobs of key
func (e *Executor) Pending(key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if q, ok := e.queues[key]; ok {
		return len(q.jobs)
	}
	return 0
}

// Stop rejects new jobs and waits for every queued job to finish or be dropped.
// It is idempotent.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.wg.Wait()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.wg.Wait()
}

func (e *Executor) drain(key string, q *keyQueue) {
	defer e.wg.Done()

	for {
		e.mu.Lock()
		if len(q.jobs) == 0 {
			delete(e.queues, key)
			e.mu.Unlock()
			return
		}
		qj := q.jobs[0]
		q.jobs = q.jobs[1:]
		e.mu.Unlock()

		e.run(key, qj)
	}
}

func (e *Executor) run(key string, qj queuedJob) {
	select {
	case e.slots <- struct{}{}:
	case <-qj.ctx.Done():
		return
	}
	defer func() { <-e.slots }()

	if qj.ctx.Err() != nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			internal.LogErrorWithFields("executor", "Job panicked", map[string]any{
				"key":   key,
				"panic": fmt.Sprint(r),
			})
		}
	}()

	inFlight.Inc()
	defer inFlight.Dec()
	start := time.Now()
	qj.job.Run(qj.ctx)
	runDuration.Observe(time.Since(start).Seconds())
}
