package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opticut/collab/internal/logging"
)

// Bus provides asynchronous event fan-out with non-blocking publish.
type Bus struct {
	eventChan chan Event

	bufferSize int
	workers    int

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	mu      sync.Mutex

	consumers []Consumer

	stats struct {
		received  atomic.Uint64
		processed atomic.Uint64
		dropped   atomic.Uint64
		errors    atomic.Uint64
	}

	logger *slog.Logger
}

// Config holds event bus configuration.
type Config struct {
	BufferSize int
	Workers    int
}

// DefaultConfig returns the default event bus configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize: 4096,
		Workers:    2,
	}
}

// NewBus creates an event bus. Workers start with the first registered
// consumer.
func NewBus(config Config) *Bus {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		eventChan:  make(chan Event, config.BufferSize),
		bufferSize: config.BufferSize,
		workers:    config.Workers,
		ctx:        ctx,
		cancel:     cancel,
		logger:     logging.ForService("events"),
	}
}

// RegisterConsumer adds a new event consumer and starts the workers on the
// first registration.
func (b *Bus) RegisterConsumer(consumer Consumer) error {
	if b == nil {
		return fmt.Errorf("event bus not initialized")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.consumers {
		if existing.Name() == consumer.Name() {
			return fmt.Errorf("consumer %s already registered", consumer.Name())
		}
	}
	b.consumers = append(b.consumers, consumer)

	b.logger.Info("registered event consumer", "consumer", consumer.Name())

	if len(b.consumers) == 1 {
		b.start()
	}
	return nil
}

// NewEvent stamps a broadcast event with an id and timestamp.
func NewEvent(eventType, tenantID string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		TenantID:  tenantID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// TryPublish attempts to publish an event without blocking. Returns true if
// the event was accepted, false if dropped.
func (b *Bus) TryPublish(event Event) bool {
	if b == nil || !b.running.Load() {
		return false
	}

	select {
	case b.eventChan <- event:
		b.stats.received.Add(1)
		return true
	default:
		// Channel full, drop the event. Log at debug level to avoid spam.
		b.stats.dropped.Add(1)
		b.logger.Debug("event dropped due to full buffer",
			"type", event.Type,
			"tenant", event.TenantID,
		)
		return false
	}
}

func (b *Bus) start() {
	if b.running.Swap(true) {
		return // Already running
	}

	b.logger.Info("starting event bus workers", "count", b.workers)

	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}
}

func (b *Bus) worker(id int) {
	defer b.wg.Done()

	logger := b.logger.With("worker_id", id)

	for {
		select {
		case <-b.ctx.Done():
			return
		case event, ok := <-b.eventChan:
			if !ok {
				return
			}
			b.processEvent(event, logger)
		}
	}
}

// processEvent sends the event to all registered consumers.
func (b *Bus) processEvent(event Event, logger *slog.Logger) {
	b.mu.Lock()
	consumers := make([]Consumer, len(b.consumers))
	copy(consumers, b.consumers)
	b.mu.Unlock()

	for _, consumer := range consumers {
		// Recovery wrapper so one misbehaving consumer cannot kill a worker.
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.stats.errors.Add(1)
					logger.Error("consumer panicked",
						"consumer", consumer.Name(),
						"panic", r,
						"type", event.Type,
					)
				}
			}()

			if err := consumer.ProcessEvent(b.ctx, event); err != nil {
				b.stats.errors.Add(1)
				logger.Error("consumer error",
					"consumer", consumer.Name(),
					"error", err,
					"type", event.Type,
				)
				return
			}
			b.stats.processed.Add(1)
		}()
	}
}

// Shutdown stops accepting events and waits for the workers to drain, up to
// the supplied timeout.
func (b *Bus) Shutdown(timeout time.Duration) error {
	if b == nil {
		return nil
	}

	b.logger.Info("shutting down event bus", "timeout", timeout)

	b.running.Store(false)
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("event bus shutdown complete")
		return nil
	case <-time.After(timeout):
		b.logger.Warn("event bus shutdown timeout exceeded")
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

// Stats returns current event bus counters.
func (b *Bus) Stats() BusStats {
	if b == nil {
		return BusStats{}
	}
	return BusStats{
		EventsReceived:  b.stats.received.Load(),
		EventsProcessed: b.stats.processed.Load(),
		EventsDropped:   b.stats.dropped.Load(),
		ConsumerErrors:  b.stats.errors.Load(),
	}
}
