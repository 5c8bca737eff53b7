// Package notify delivers violation events to their sinks off the engine loop.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/invigilator/internal/types"
)

const (
	DefaultBufferSize  = 256
	DefaultSinkTimeout = 5 * time.Second
)

// Sink receives one event. Errors are logged by the dispatcher and otherwise ignored.
type Sink interface {
	Deliver(ctx context.Context, ev types.ViolationEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev types.ViolationEvent) error

func (f SinkFunc) Deliver(ctx context.Context, ev types.ViolationEvent) error { return f(ctx, ev) }

type namedSink struct {
	name string
	sink Sink
}

// Dispatcher queues events and fans them out to sinks from one goroutine.
// Record never blocks: a full queue drops the event and counts it.
type Dispatcher struct {
	queue   chan types.ViolationEvent
	sinks   []namedSink
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
	done      chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBufferSize sets the queue length.
func WithBufferSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan types.ViolationEvent, n)
		}
	}
}

// WithSinkTimeout bounds each Deliver call.
func WithSinkTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithSink adds a named sink. Sinks run in the order they were added.
func WithSink(name string, s Sink) Option {
	return func(d *Dispatcher) {
		d.sinks = append(d.sinks, namedSink{name: name, sink: s})
	}
}

// NewDispatcher starts the delivery goroutine.
func NewDispatcher(logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		queue:   make(chan types.ViolationEvent, DefaultBufferSize),
		timeout: DefaultSinkTimeout,
		logger:  logger.With("component", "dispatcher"),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.loop()
	return d
}

// Record queues ev for delivery.
func (d *Dispatcher) Record(ev types.ViolationEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.dropped.Add(1)
		d.logger.Warn("violation queue full, event dropped", "exam_id", ev.ExamID, "type", ev.Kind)
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for ev := range d.queue {
		d.deliver(ev)
	}
}

func (d *Dispatcher) deliver(ev types.ViolationEvent) {
	ok := true
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := s.sink.Deliver(ctx, ev)
		cancel()
		if err != nil {
			ok = false
			d.logger.Error("violation delivery failed",
				"sink", s.name, "exam_id", ev.ExamID, "type", ev.Kind, "err", err)
		}
	}
	if ok {
		d.delivered.Add(1)
	} else {
		d.failed.Add(1)
	}
}

// Delivered counts events every sink accepted.
func (d *Dispatcher) Delivered() uint64 { return d.delivered.Load() }

// Dropped counts events lost to a full queue or a closed dispatcher.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Failed counts events at least one sink rejected.
func (d *Dispatcher) Failed() uint64 { return d.failed.Load() }

// Close stops accepting events and waits for the queue to drain or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("violation queue not drained"), ctx.Err())
	}
}
