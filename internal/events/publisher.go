// Package events ships security events to the audit sinks. Publishing never
// blocks the request path: events are queued and written in batches by a
// single worker.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"auth-core/internal/metrics"
	"auth-core/internal/model"
	"auth-core/internal/util"
)

// Publisher is fire-and-forget: callers never see sink failures.
type Publisher interface {
	Publish(ctx context.Context, ev *model.SecurityEvent)
}

// Sink receives batches from the dispatcher.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch []*model.SecurityEvent) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *model.SecurityEvent) {}

type DispatcherOptions struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

func DefaultDispatcherOptions() DispatcherOptions {
	return DispatcherOptions{
		QueueSize:     4096,
		BatchSize:     100,
		FlushInterval: time.Second,
		WriteTimeout:  5 * time.Second,
	}
}

type Dispatcher struct {
	sinks   []Sink
	opts    DispatcherOptions
	metrics *metrics.Metrics
	queue   chan *model.SecurityEvent
	done    chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func NewDispatcher(opts DispatcherOptions, m *metrics.Metrics, sinks ...Sink) *Dispatcher {
	defaults := DefaultDispatcherOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaults.QueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaults.BatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaults.FlushInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}

	d := &Dispatcher{
		sinks:   sinks,
		opts:    opts,
		metrics: m,
		queue:   make(chan *model.SecurityEvent, opts.QueueSize),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Publish fills in ID and OccurredAt when missing and enqueues ev. A full
// queue drops the event.
func (d *Dispatcher) Publish(_ context.Context, ev *model.SecurityEvent) {
	if ev == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.metrics.EventDropped()
		return
	}

	select {
	case d.queue <- ev:
	default:
		d.metrics.EventDropped()
		util.Warn("Security event queue full, dropping event",
			zap.String("event_type", string(ev.Type)),
			zap.String("event_id", ev.ID))
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)

	ticker := time.NewTicker(d.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]*model.SecurityEvent, 0, d.opts.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		d.write(batch)
		batch = make([]*model.SecurityEvent, 0, d.opts.BatchSize)
	}

	for {
		select {
		case ev, ok := <-d.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= d.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// write fans the batch out to every sink in parallel. A failing sink is
// logged and does not affect the others.
func (d *Dispatcher) write(batch []*model.SecurityEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.WriteTimeout)
	defer cancel()

	var g errgroup.Group
	for _, sink := range d.sinks {
		sink := sink
		g.Go(func() error {
			if err := sink.Write(ctx, batch); err != nil {
				util.Error("Failed to write security events",
					zap.String("sink", sink.Name()),
					zap.Int("batch_size", len(batch)),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Close stops accepting events and drains the queue.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
		<-d.done
		util.Info("Security event dispatcher closed")
	})
}
