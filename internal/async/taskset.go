package async

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"banto/internal/errors"
	"banto/internal/logging"
)

// TaskSet supervises detached follow-up work (decision logging, fact
// persistence, derived updates) off the synchronous response path.
//
// Submit never blocks the caller: each task gets its own guarded
// goroutine and waits on a semaphore bounding concurrent execution.
// Every handle is retained until the task finishes, so Drain observes
// all failures and nothing is dropped silently. Task failures are
// logged by name and error kind only; payload content never reaches
// the log.
type TaskSet struct {
	logger logging.Logger
	sem    *semaphore.Weighted
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[uint64]string
	nextID   uint64

	closed   atomic.Bool
	failures atomic.Uint64
}

// NewTaskSet creates a task set running at most limit tasks concurrently.
func NewTaskSet(limit int, logger logging.Logger) *TaskSet {
	if limit < 1 {
		limit = 1
	}
	return &TaskSet{
		logger:   logging.OrNop(logger),
		sem:      semaphore.NewWeighted(int64(limit)),
		inflight: make(map[uint64]string),
	}
}

// Submit schedules fn under the given task name. After Drain has begun,
// fn runs synchronously so shutdown work is still executed.
func (s *TaskSet) Submit(name string, fn func() error) {
	if s.closed.Load() {
		s.run(name, fn)
		return
	}

	id := s.register(name)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.unregister(id)
		if err := s.sem.Acquire(context.Background(), 1); err != nil {
			// semaphore acquire only fails on context cancellation,
			// and this context has none
			s.run(name, fn)
			return
		}
		defer s.sem.Release(1)
		s.run(name, fn)
	}()
}

func (s *TaskSet) run(name string, fn func() error) {
	defer Recover(s.logger, name)
	if err := fn(); err != nil {
		s.failures.Add(1)
		s.logger.Warn("background task %s failed: kind=%s", name, errors.KindOf(err))
	}
}

// InFlight returns the number of submitted tasks not yet finished.
func (s *TaskSet) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Failures returns the number of tasks that returned an error.
func (s *TaskSet) Failures() uint64 {
	return s.failures.Load()
}

// Drain stops accepting detached work and waits for in-flight tasks.
// It returns the context error if ctx expires first; tasks keep their
// handles either way.
func (s *TaskSet) Drain(ctx context.Context) error {
	s.closed.Store(true)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *TaskSet) register(name string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.inflight[s.nextID] = name
	return s.nextID
}

func (s *TaskSet) unregister(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}
