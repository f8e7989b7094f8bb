// Package scheduler provides the process-wide queue of runnable project
// handles and the fixed worker pool that drains it.
//
// The queue is a plain FIFO. A handle may be pushed any number of times;
// exclusivity is the job's own concern (see project.Task.RunIfIdle), so a
// worker that pops a busy job simply returns and takes the next one.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/maxpert/gitsync/telemetry"
	"github.com/rs/zerolog/log"
)

// DefaultWorkers is used when a non-positive worker count is configured
const DefaultWorkers = 4

// Job is a handle the scheduler can run
type Job interface {
	// RunIfIdle performs the job's work unless it is already running elsewhere.
	// It must never block waiting for another execution of the same job.
	RunIfIdle(ctx context.Context)
	Name() string
}

// Scheduler is an unbounded FIFO of jobs consumed by a fixed set of workers
type Scheduler struct {
	mu     sync.Mutex
	queue  []Job
	signal chan struct{}

	workers     int
	running     atomic.Bool
	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a scheduler with the given pool size
func New(workers int) *Scheduler {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Scheduler{
		signal:  make(chan struct{}, 1),
		workers: workers,
	}
}

// Workers returns the pool size
func (s *Scheduler) Workers() int {
	return s.workers
}

// Push appends a job to the tail of the queue. Safe for concurrent use.
func (s *Scheduler) Push(j Job) {
	s.mu.Lock()
	s.queue = append(s.queue, j)
	depth := len(s.queue)
	s.mu.Unlock()

	telemetry.SchedulerQueueDepth.Set(float64(depth))
	s.notify()
}

// Len returns the number of queued handles
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Pop removes the head of the queue, blocking while the queue is empty.
// Returns false once ctx is done.
func (s *Scheduler) Pop(ctx context.Context) (Job, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			j := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			depth := len(s.queue)
			s.mu.Unlock()

			telemetry.SchedulerQueueDepth.Set(float64(depth))
			if depth > 0 {
				// Hand the wakeup on to another idle worker
				s.notify()
			}
			return j, true
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-s.signal:
		}
	}
}

func (s *Scheduler) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Start launches the worker pool
func (s *Scheduler) Start(ctx context.Context) {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running.Load() {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running.Store(true)

	log.Info().Int("workers", s.workers).Msg("Starting scheduler")

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.work(ctx, i)
	}
}

// Stop cancels the workers and waits for in-flight jobs to return
func (s *Scheduler) Stop() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running.Swap(false) {
		return
	}

	s.cancel()
	s.wg.Wait()
	log.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) work(ctx context.Context, id int) {
	defer s.wg.Done()

	for {
		j, ok := s.Pop(ctx)
		if !ok {
			return
		}

		telemetry.WorkersBusy.Inc()
		if err := s.execute(ctx, j); err != nil {
			log.Error().
				Err(err).
				Int("worker", id).
				Str("project", j.Name()).
				Msg("Job panicked")
		}
		telemetry.WorkersBusy.Dec()
	}
}

// execute keeps a panicking job from taking its worker down with it
func (s *Scheduler) execute(ctx context.Context, j Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.WorkerPanicsTotal.Inc()
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	j.RunIfIdle(ctx)
	return nil
}
