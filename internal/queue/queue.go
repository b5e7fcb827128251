// Package queue provides the two-lane, bounded-concurrency, cancellable task
// manager behind OCR submission and document generation. Each lane is a FIFO
// queue with its own concurrency limit; within a lane at most one live task
// exists per key (submitting under an active key cancels the prior task).
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/scan2doc/scan2doc/internal/observability"
)

// ErrCancelled is returned by Checkpoint and by task bodies that observe
// their cancellation signal. It wraps context.Canceled so callers can use
// errors.Is against either sentinel.
var ErrCancelled = fmt.Errorf("task cancelled: %w", context.Canceled)

// IsCancelled reports whether err is a cooperative-cancellation exit.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// Checkpoint is the cooperative cancellation check a task body must invoke
// after every suspension point (network call, store read/write) and before
// any further state mutation.
func Checkpoint(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ErrCancelled
	default:
		return nil
	}
}

// TaskFunc is a unit of queued work. The context carries the task's
// cancellation signal; cancellation is advisory, the body must check it at
// safe points via Checkpoint.
type TaskFunc func(ctx context.Context) error

// TaskState tracks a task through its lifetime inside a lane.
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskDone      TaskState = "done"
	TaskCancelled TaskState = "cancelled"
	TaskFailed    TaskState = "failed"
)

type task struct {
	key    string
	fn     TaskFunc
	ctx    context.Context
	cancel context.CancelFunc
	state  TaskState // guarded by the lane mutex
}

// LaneStats reports lane occupancy: Pending is the number of running tasks,
// Size is running plus queued.
type LaneStats struct {
	Pending int `json:"pending"`
	Size    int `json:"size"`
}

// Stats reports both lanes.
type Stats struct {
	OCR        LaneStats `json:"ocr"`
	Generation LaneStats `json:"generation"`
}

type lane struct {
	name string
	log  *observability.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	byKey   map[string]*task // live (queued or running) task per key
	pending []*task
	active  int
	closed  bool

	wg sync.WaitGroup
}

func newLane(name string, limit int, log *observability.Logger) *lane {
	l := &lane{
		name:  name,
		log:   log.WithComponent("queue." + name),
		byKey: make(map[string]*task),
	}
	l.cond = sync.NewCond(&l.mu)
	for i := 0; i < limit; i++ {
		l.wg.Add(1)
		go l.worker()
	}
	return l
}

// add enqueues fn under key, cancelling any prior live task for the same key
// first. Returns once the new task is scheduled, not when it completes.
func (l *lane) add(key string, fn TaskFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	if prev, ok := l.byKey[key]; ok {
		l.cancelLocked(prev)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{key: key, fn: fn, ctx: ctx, cancel: cancel, state: TaskQueued}
	l.byKey[key] = t
	l.pending = append(l.pending, t)
	l.cond.Signal()
}

// cancelLocked cancels a task. A queued task is unlinked immediately; a
// running one keeps its slot until the body observes the signal and exits.
func (l *lane) cancelLocked(t *task) {
	t.cancel()
	if t.state == TaskQueued {
		t.state = TaskCancelled
		if l.byKey[t.key] == t {
			delete(l.byKey, t.key)
		}
	}
}

func (l *lane) cancel(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.byKey[key]
	if !ok {
		return false
	}
	l.cancelLocked(t)
	return true
}

func (l *lane) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.pending {
		if t.state == TaskQueued {
			t.cancel()
			t.state = TaskCancelled
		}
	}
	l.pending = nil
	for key, t := range l.byKey {
		t.cancel()
		if t.state != TaskRunning {
			delete(l.byKey, key)
		}
	}
	l.cond.Broadcast()
}

func (l *lane) stats() LaneStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LaneStats{Pending: l.active, Size: l.active + len(l.pending)}
}

func (l *lane) close() {
	l.mu.Lock()
	l.closed = true
	for _, t := range l.pending {
		if t.state == TaskQueued {
			t.cancel()
			t.state = TaskCancelled
		}
	}
	l.pending = nil
	for _, t := range l.byKey {
		t.cancel()
	}
	l.cond.Broadcast()
	l.mu.Unlock()
	l.wg.Wait()
}

// wait blocks until the lane holds no queued or running tasks.
func (l *lane) wait() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.active > 0 || len(l.pending) > 0 {
		l.cond.Wait()
	}
}

func (l *lane) worker() {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		for !l.closed && len(l.pending) == 0 {
			l.cond.Wait()
		}
		if l.closed && len(l.pending) == 0 {
			l.mu.Unlock()
			return
		}
		t := l.pending[0]
		l.pending = l.pending[1:]
		if t.state != TaskQueued {
			// Cancelled while waiting its turn.
			l.mu.Unlock()
			continue
		}
		t.state = TaskRunning
		l.active++
		l.mu.Unlock()

		l.run(t)

		l.mu.Lock()
		l.active--
		if l.byKey[t.key] == t {
			delete(l.byKey, t.key)
		}
		l.cond.Broadcast()
		l.mu.Unlock()
	}
}

// run executes one task. Failures are caught at the lane boundary and
// logged; they never crash the lane or block subsequent tasks. The manager
// does not retry; retry is a caller decision.
func (l *lane) run(t *task) {
	defer t.cancel()

	defer func() {
		if r := recover(); r != nil {
			l.mu.Lock()
			t.state = TaskFailed
			l.mu.Unlock()
			l.log.Error().Str("key", t.key).Interface("panic", r).Msg("task panicked")
		}
	}()

	err := t.fn(t.ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case err == nil:
		t.state = TaskDone
	case IsCancelled(err) || t.ctx.Err() != nil:
		// Cooperative abort: exit silently, no error surfaced.
		t.state = TaskCancelled
		l.log.Debug().Str("key", t.key).Msg("task cancelled")
	default:
		t.state = TaskFailed
		l.log.Error().Str("key", t.key).Err(err).Msg("task failed")
	}
}

// Config sets the per-lane concurrency limits.
type Config struct {
	OCRConcurrency        int
	GenerationConcurrency int
}

// Manager owns the OCR and Generation lanes. It is constructed explicitly at
// bootstrap and passed by reference to the components that submit work.
type Manager struct {
	ocr *lane
	gen *lane
}

// NewManager creates a manager with both lanes running.
func NewManager(cfg Config, log *observability.Logger) *Manager {
	if cfg.OCRConcurrency < 1 {
		cfg.OCRConcurrency = 1
	}
	if cfg.GenerationConcurrency < 1 {
		cfg.GenerationConcurrency = 1
	}
	return &Manager{
		ocr: newLane("ocr", cfg.OCRConcurrency, log),
		gen: newLane("generation", cfg.GenerationConcurrency, log),
	}
}

// AddOCRTask schedules fn in the OCR lane under the given page key.
func (m *Manager) AddOCRTask(key string, fn TaskFunc) {
	m.ocr.add(key, fn)
}

// AddGenerationTask schedules fn in the Generation lane under the given key.
func (m *Manager) AddGenerationTask(key string, fn TaskFunc) {
	m.gen.add(key, fn)
}

// Cancel cancels the task under key in whichever lane holds it. It reports
// whether any task was found.
func (m *Manager) Cancel(key string) bool {
	found := m.ocr.cancel(key)
	if m.gen.cancel(key) {
		found = true
	}
	return found
}

// Stats returns per-lane occupancy for observability.
func (m *Manager) Stats() Stats {
	return Stats{OCR: m.ocr.stats(), Generation: m.gen.stats()}
}

// Clear drains both lanes, cancelling everything. Intended for reset and
// test scenarios.
func (m *Manager) Clear() {
	m.ocr.clear()
	m.gen.clear()
}

// Wait blocks until both lanes are empty.
func (m *Manager) Wait() {
	m.ocr.wait()
	m.gen.wait()
}

// Close cancels outstanding work and stops the lane workers.
func (m *Manager) Close() {
	m.ocr.close()
	m.gen.close()
}
