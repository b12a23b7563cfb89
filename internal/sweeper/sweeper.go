// Package sweeper runs periodic background maintenance tasks with explicit
// start/stop, so service shutdown is deterministic.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opticut/collab/internal/logging"
)

// Task is one sweep pass. A returned error is logged and the sweep retries at
// the next interval; a failed pass is never fatal.
type Task func(ctx context.Context) error

// Sweeper invokes a task on a fixed interval until stopped.
type Sweeper struct {
	name     string
	interval time.Duration
	task     Task
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a sweeper. It does not start until Start is called.
func New(name string, interval time.Duration, task Task) *Sweeper {
	return &Sweeper{
		name:     name,
		interval: interval,
		task:     task,
		logger:   logging.ForService("sweeper").With("sweep", name),
	}
}

// Start launches the background loop. Starting a running sweeper is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	s.logger.Info("sweep started", "interval", s.interval)

	go s.run(ctx, s.done)
}

func (s *Sweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.task(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Stop halts the loop and waits for any in-flight pass to finish. Stopping a
// stopped sweeper is a no-op.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("sweep stopped")
}
