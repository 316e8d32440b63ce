// Package dispatcher runs named background jobs over the event bus.
// Jobs are published to per-queue subjects and consumed by queue
// subscribers, so multiple instances share the work without duplicate
// delivery.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/sitedoc/sitedoc/internal/common/errors"
	"github.com/sitedoc/sitedoc/internal/common/logger"
	"github.com/sitedoc/sitedoc/internal/events"
	"github.com/sitedoc/sitedoc/internal/events/bus"
)

// Queue names. Agent jobs carry LLM and session work; backend jobs
// carry housekeeping such as the stall sweep.
const (
	QueueAgent   = "agent"
	QueueBackend = "backend"
)

const (
	maxAttempts = 3
	baseBackoff = time.Second
)

// Handler executes one job. A transient error triggers a bounded retry;
// any other error fails the job.
type Handler func(ctx context.Context, args map[string]interface{}) error

// Dispatcher routes enqueued jobs to registered handlers.
type Dispatcher struct {
	bus    bus.EventBus
	logger *logger.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	subs     []bus.Subscription
	timers   []*time.Timer
	closed   bool
}

// New creates a dispatcher on the given event bus.
func New(eventBus bus.EventBus, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "dispatcher")),
		handlers: make(map[string]Handler),
	}
}

// Register binds a job name to its handler. Registration must happen
// before workers start.
func (d *Dispatcher) Register(name string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = handler
}

// Enqueue publishes a job onto the named queue.
func (d *Dispatcher) Enqueue(ctx context.Context, queue, name string, args map[string]interface{}) error {
	event := bus.NewEvent("job", "dispatcher", map[string]interface{}{
		"name": name,
		"args": args,
	})
	return d.bus.Publish(ctx, events.JobSubject(queue), event)
}

// EnqueueIn publishes a job after the given delay. The delay timer is
// process-local; a restart before it fires drops the job, which the
// stall sweep compensates for.
func (d *Dispatcher) EnqueueIn(ctx context.Context, delay time.Duration, queue, name string, args map[string]interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		if err := d.Enqueue(ctx, queue, name, args); err != nil {
			d.logger.Error("Failed to enqueue delayed job",
				zap.String("job", name),
				zap.Error(err))
		}
	})
	d.timers = append(d.timers, timer)
}

// Every enqueues a job onto the named queue at a fixed interval until
// the context is cancelled. Routing through the queue keeps periodic
// work single-flight across instances.
func (d *Dispatcher) Every(ctx context.Context, interval time.Duration, queue, name string, args map[string]interface{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.Enqueue(ctx, queue, name, args); err != nil {
					d.logger.Error("Failed to enqueue periodic job",
						zap.String("job", name),
						zap.Error(err))
				}
			}
		}
	}()
}

// StartWorkers subscribes the given number of workers to a queue.
func (d *Dispatcher) StartWorkers(queue string, count int) error {
	if count <= 0 {
		count = 1
	}
	group := "workers." + queue

	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < count; i++ {
		sub, err := d.bus.QueueSubscribe(events.JobSubject(queue), group, d.handleJob)
		if err != nil {
			return fmt.Errorf("failed to start worker for queue %s: %w", queue, err)
		}
		d.subs = append(d.subs, sub)
	}
	d.logger.Info("Workers started",
		zap.String("queue", queue),
		zap.Int("count", count))
	return nil
}

func (d *Dispatcher) handleJob(ctx context.Context, event *bus.Event) error {
	name, _ := event.Data["name"].(string)
	args, _ := event.Data["args"].(map[string]interface{})

	d.mu.RLock()
	handler, ok := d.handlers[name]
	d.mu.RUnlock()
	if !ok {
		d.logger.Warn("No handler registered for job", zap.String("job", name))
		return nil
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = handler(ctx, args)
		if err == nil {
			return nil
		}
		if !apperrors.IsTransient(err) {
			break
		}
		if attempt < maxAttempts {
			backoff := baseBackoff << (attempt - 1)
			d.logger.Warn("Job failed, retrying",
				zap.String("job", name),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	d.logger.Error("Job failed",
		zap.String("job", name),
		zap.Error(err))
	return err
}

// Stop unsubscribes all workers and cancels pending delayed jobs.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true

	for _, sub := range d.subs {
		_ = sub.Unsubscribe()
	}
	d.subs = nil
	for _, timer := range d.timers {
		timer.Stop()
	}
	d.timers = nil
}
