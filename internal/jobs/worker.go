// Package jobs provides the polling-worker primitive shared by the commis
// dispatcher and other background loops, plus queue statistics for the
// metrics surface. Claiming itself lives with the owning domain: the only
// path from queued to running is the courses repository's atomic claim.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// WorkerConfig configures a polling worker.
type WorkerConfig struct {
	// Name tags log records from this worker.
	Name string
	// PollInterval is how often the tick function runs (default 1s).
	PollInterval time.Duration
}

// Worker runs a tick function on an interval with graceful shutdown. The
// tick is responsible for claiming and spawning its own work; the worker
// never overlaps ticks.
type Worker struct {
	config    WorkerConfig
	log       *slog.Logger
	tick      func(ctx context.Context) error
	stopCh    chan struct{}
	stoppedCh chan struct{}
	running   bool
	mu        sync.Mutex
}

// NewWorker creates a polling worker around tick.
func NewWorker(config WorkerConfig, log *slog.Logger, tick func(ctx context.Context) error) *Worker {
	if config.PollInterval == 0 {
		config.PollInterval = time.Second
	}
	return &Worker{
		config:    config,
		log:       log.With(slog.String("worker", config.Name)),
		tick:      tick,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start begins the polling loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.stoppedCh = make(chan struct{})
	w.mu.Unlock()

	w.log.Info("worker starting", slog.Duration("poll_interval", w.config.PollInterval))
	go w.run(ctx)
	return nil
}

// Stop halts the loop, waiting for the current tick to finish or ctx to
// expire.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	select {
	case <-w.stoppedCh:
		w.log.Info("worker stopped")
	case <-ctx.Done():
		w.log.Warn("worker stop timeout")
	}
	return nil
}

// IsRunning reports whether the loop is active.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.stoppedCh)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.tick(ctx); err != nil {
				w.log.Warn("tick failed", slog.String("error", err.Error()))
			}
		}
	}
}
