package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned by futures of tasks submitted after Close.
var ErrClosed = errors.New("executor closed")

// Task is a unit of background work.
type Task struct {
	// Name labels the task in logs.
	Name string

	// Run does the work. The context is detached from the submitter's and is
	// cancelled only when the executor is closed.
	Run func(ctx context.Context) error
}

// Future reports the outcome of a submitted task.
type Future struct {
	done chan struct{}
	err  error
}

// Done is closed when the task has finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the task finishes and returns its error.
func (f *Future) Wait() error {
	<-f.done
	return f.err
}

func (f *Future) complete(err error) {
	f.err = err
	close(f.done)
}

// Executor runs tasks asynchronously on their own goroutines.
type Executor struct {
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewExecutor creates a new executor. A nil logger discards task logs.
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit launches t in a goroutine and returns its future. Tasks submitted
// after Close fail with ErrClosed without running.
func (e *Executor) Submit(t Task) *Future {
	f := &Future{done: make(chan struct{})}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		f.complete(fmt.Errorf("submit %s: %w", t.Name, ErrClosed))
		return f
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		f.complete(e.run(t))
	}()

	return f
}

// Wait blocks until all in-flight tasks complete.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Close stops accepting tasks, waits for in-flight ones up to timeout and then
// cancels their context.
func (e *Executor) Close(timeout time.Duration) {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		e.logger.Warn("executor: cancelling tasks still running after timeout", "timeout", timeout.String())
		e.cancel()
		<-done
	}
	e.cancel()
}

// run executes one task, converting a panic into an error.
func (e *Executor) run(t Task) (err error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Name, p)
		}
		if err != nil {
			e.logger.Error("task failed", "task", t.Name, "duration_ms", time.Since(start).Milliseconds(), "error", err)
			return
		}
		e.logger.Debug("task finished", "task", t.Name, "duration_ms", time.Since(start).Milliseconds())
	}()

	return t.Run(e.ctx)
}
