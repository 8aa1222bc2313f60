// Package promise provides deferred computations that are chained with
// continuations and driven by a single-goroutine event loop.
//
// A Loop runs every continuation on one goroutine, so code inside a chain
// never races with other continuations on the same loop. Blocking work,
// typically I/O, is started with Go and runs on its own goroutine; only the
// settlement is handed back to the loop.
package promise

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrLoopRunning is returned by Run when the loop is already being run.
var ErrLoopRunning = errors.New("promise: loop already running")

// Logger is the logging interface used by the loop.
// It is satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
}

// Loop is a cooperative scheduler for continuations.
type Loop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}

	running atomic.Bool
	logger  Logger
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// LoopLoggerOption sets the logger used to report recovered panics.
func LoopLoggerOption(logger Logger) LoopOption {
	return func(l *Loop) {
		l.logger = logger
	}
}

// NewLoop creates an idle loop. Call Run to start processing continuations.
func NewLoop(opts ...LoopOption) *Loop {
	l := &Loop{
		wake:   make(chan struct{}, 1),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes queued continuations until ctx is canceled.
// Continuations posted while the loop is stopped stay queued for the next Run.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer l.running.Store(false)

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for i, task := range batch {
			if ctx.Err() != nil {
				l.requeue(batch[i:])
				return ctx.Err()
			}
			l.exec(task)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			l.logger.Debug("loop stopped", "pending", l.Pending())
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Pending returns the number of continuations waiting to run.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Loop) post(task func()) {
	l.mu.Lock()
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// requeue puts unexecuted tasks back in front of anything posted meanwhile.
func (l *Loop) requeue(tasks []func()) {
	l.mu.Lock()
	l.queue = append(append([]func(){}, tasks...), l.queue...)
	l.mu.Unlock()
}

func (l *Loop) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("continuation panicked", "panic", fmt.Sprint(r))
		}
	}()
	task()
}
