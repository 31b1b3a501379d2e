package events

import (
	"context"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Default bus sizing.
const (
	defaultAsyncWorkers = 4
	defaultHistorySize  = 256
	defaultQueueSize    = 512
)

// Handler processes one event. Sync handlers run on the publisher's
// goroutine in subscription order; async handlers run on the worker pool.
type Handler func(ctx context.Context, evt Event)

// subscription pairs a handler with a name used in logs.
type subscription struct {
	name    string
	handler Handler
}

// delivery is one queued async dispatch.
type delivery struct {
	sub subscription
	evt Event
}

// BusConfig tunes the event bus.
type BusConfig struct {
	// AsyncWorkers is the async dispatch pool size. Zero means the default.
	AsyncWorkers int

	// HistorySize is the event history ring capacity. Zero means the
	// default; negative disables history.
	HistorySize int

	// QueueSize is the async delivery queue capacity. Zero means the default.
	QueueSize int

	// Logger is the structured logger for dispatch diagnostics.
	// When nil, a discard logger is used.
	Logger *slog.Logger
}

// Bus routes events to subscribers. Sync subscribers see every event in
// publish order before Publish returns; async subscribers are decoupled
// through a bounded queue and a fixed worker pool. A panicking handler is
// logged and never takes down the publisher or the pool.
type Bus struct {
	logger *slog.Logger

	mu        sync.RWMutex
	syncSubs  map[EventType][]subscription
	asyncSubs map[EventType][]subscription
	closed    bool

	queue   chan delivery
	workers sync.WaitGroup

	history *historyRing
}

// NewBus creates a started bus. Callers must Close it to drain the async
// queue before process exit.
func NewBus(cfg BusConfig) *Bus {
	if cfg.AsyncWorkers <= 0 {
		cfg.AsyncWorkers = defaultAsyncWorkers
	}

	if cfg.HistorySize == 0 {
		cfg.HistorySize = defaultHistorySize
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	b := &Bus{
		logger:    cfg.Logger,
		syncSubs:  make(map[EventType][]subscription),
		asyncSubs: make(map[EventType][]subscription),
		queue:     make(chan delivery, cfg.QueueSize),
		history:   newHistoryRing(cfg.HistorySize),
	}

	for i := 0; i < cfg.AsyncWorkers; i++ {
		b.workers.Add(1)

		go b.worker()
	}

	return b
}

// SubscribeSync registers a handler that runs on the publisher's goroutine.
// Handlers for the same type run in subscription order.
func (b *Bus) SubscribeSync(t EventType, name string, h Handler) error {
	return b.subscribe(t, name, h, true)
}

// SubscribeAsync registers a handler that runs on the async worker pool.
// Delivery order between async handlers is not defined.
func (b *Bus) SubscribeAsync(t EventType, name string, h Handler) error {
	return b.subscribe(t, name, h, false)
}

func (b *Bus) subscribe(t EventType, name string, h Handler, sync bool) error {
	if !t.Valid() {
		return ErrUnknownEvent
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	sub := subscription{name: name, handler: h}
	if sync {
		b.syncSubs[t] = append(b.syncSubs[t], sub)
	} else {
		b.asyncSubs[t] = append(b.asyncSubs[t], sub)
	}

	return nil
}

// Publish records evt in the history, runs all sync handlers to completion,
// then enqueues async deliveries. Enqueueing blocks when the queue is full;
// cancelling ctx abandons the remaining enqueues and returns the ctx error.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	if !evt.Type.Valid() {
		return ErrUnknownEvent
	}

	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}

	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	b.mu.RLock()

	if b.closed {
		b.mu.RUnlock()

		return ErrBusClosed
	}

	syncSubs := b.syncSubs[evt.Type]
	asyncSubs := b.asyncSubs[evt.Type]

	b.mu.RUnlock()

	b.history.add(evt)

	for _, sub := range syncSubs {
		b.dispatch(ctx, sub, evt)
	}

	for _, sub := range asyncSubs {
		select {
		case b.queue <- delivery{sub: sub, evt: evt}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// Recent returns up to n most recent events, newest first. n <= 0 returns
// the whole history.
func (b *Bus) Recent(n int) []Event {
	return b.history.recent(n)
}

// Close stops accepting publishes, drains the async queue, and waits for
// the workers to finish. Safe to call once.
func (b *Bus) Close() {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()

		return
	}

	b.closed = true

	b.mu.Unlock()

	close(b.queue)
	b.workers.Wait()
}

// worker drains the async queue until it is closed.
func (b *Bus) worker() {
	defer b.workers.Done()

	for d := range b.queue {
		b.dispatch(context.Background(), d.sub, d.evt)
	}
}

// dispatch runs one handler, containing panics.
func (b *Bus) dispatch(ctx context.Context, sub subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"handler", sub.name,
				"event", string(evt.Type),
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	sub.handler(ctx, evt)
}

// historyRing is a fixed-capacity ring of the most recent events.
type historyRing struct {
	mu   sync.Mutex
	buf  []Event
	next int
	size int
}

// newHistoryRing creates a ring of the given capacity. Non-positive
// capacity disables recording.
func newHistoryRing(capacity int) *historyRing {
	if capacity < 0 {
		capacity = 0
	}

	return &historyRing{buf: make([]Event, capacity)}
}

func (r *historyRing) add(evt Event) {
	if len(r.buf) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = evt
	r.next = (r.next + 1) % len(r.buf)

	if r.size < len(r.buf) {
		r.size++
	}
}

func (r *historyRing) recent(n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > r.size {
		n = r.size
	}

	out := make([]Event, 0, n)

	// Walk backwards from the most recently written slot.
	idx := r.next - 1
	for i := 0; i < n; i++ {
		if idx < 0 {
			idx += len(r.buf)
		}

		out = append(out, r.buf[idx])
		idx--
	}

	return out
}
