// Package bus implements the process-wide message bus: named, unbounded FIFO
// queues with at most one handler per queue. Every queue is served by its own
// goroutine so handlers never run reentrantly, and a failing handler never
// stops delivery of later messages.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/snipewatch/internal/clock"
	"github.com/JakeFAU/snipewatch/internal/clock/system"
	"github.com/JakeFAU/snipewatch/internal/id/uuid"
	"github.com/JakeFAU/snipewatch/internal/metrics"
)

// Well-known queue names.
const (
	QueueSwing  = "swing"
	QueueRedraw = "redraw"
	QueueMy     = "my"
	QueueSplash = "splash"
)

// UpdateQueue returns the per-category start/stop queue name.
func UpdateQueue(category string) string {
	return "update." + category
}

// ErrClosed is returned by Close when called on a bus that is already shut down.
var ErrClosed = errors.New("bus closed")

// Envelope wraps a published message.
type Envelope struct {
	ID    string
	Queue string
	Body  string
	At    time.Time
}

// Handler consumes messages from one queue. Returned errors are logged.
type Handler func(ctx context.Context, msg Envelope) error

// IDGenerator mints envelope identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Config wires the bus collaborators. All fields are optional.
type Config struct {
	Logger      *zap.Logger
	Clock       clock.Clock
	IDs         IDGenerator
	BaseContext context.Context

	// Fallback handles queues nobody subscribed to explicitly.
	Fallback Handler
}

// Bus is a registry of named queues.
type Bus struct {
	logger   *zap.Logger
	clock    clock.Clock
	ids      IDGenerator
	baseCtx  context.Context
	fallback Handler

	mu     sync.Mutex
	queues map[string]*queue
	closed bool
	wg     sync.WaitGroup
}

type queue struct {
	name    string
	mu      sync.Mutex
	pending []Envelope
	handler Handler
	wake    chan struct{}
	stop    chan struct{}
}

// New constructs a Bus.
func New(cfg Config) *Bus {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = system.New()
	}
	ids := cfg.IDs
	if ids == nil {
		ids = uuid.New()
	}
	base := cfg.BaseContext
	if base == nil {
		base = context.Background()
	}
	return &Bus{
		logger:   logger,
		clock:    clk,
		ids:      ids,
		baseCtx:  base,
		fallback: cfg.Fallback,
		queues:   make(map[string]*queue),
	}
}

// Publish appends body to the named queue. It never blocks. Messages published
// after Close are dropped.
func (b *Bus) Publish(name, body string) {
	if b == nil {
		return
	}
	q := b.queue(name)
	if q == nil {
		b.logger.Debug("dropping message on closed bus", zap.String("queue", name))
		return
	}
	id, err := b.ids.NewID()
	if err != nil {
		b.logger.Warn("envelope id generation failed", zap.Error(err))
	}
	q.mu.Lock()
	q.pending = append(q.pending, Envelope{ID: id, Queue: name, Body: body, At: b.clock.Now()})
	depth := len(q.pending)
	q.mu.Unlock()
	metrics.SetQueueDepth(name, depth)
	q.signal()
}

// Subscribe installs h as the handler for the named queue, replacing any
// previous handler. A nil handler uninstalls; messages then wait until a new
// handler arrives.
func (b *Bus) Subscribe(name string, h Handler) {
	q := b.queue(name)
	if q == nil {
		return
	}
	q.mu.Lock()
	q.handler = h
	q.mu.Unlock()
	q.signal()
}

// Pending reports how many messages wait on the named queue.
func (b *Bus) Pending(name string) int {
	b.mu.Lock()
	q, ok := b.queues[name]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops accepting messages, delivers what is queued on queues that have
// a handler, and waits for the workers to exit or ctx to expire.
func (b *Bus) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.closed = true
	for _, q := range b.queues {
		close(q.stop)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bus close wait: %w", ctx.Err())
	}
}

func (b *Bus) queue(name string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	q, ok := b.queues[name]
	if !ok {
		q = &queue{
			name:    name,
			handler: b.fallback,
			wake:    make(chan struct{}, 1),
			stop:    make(chan struct{}),
		}
		b.queues[name] = q
		b.wg.Add(1)
		go b.run(q)
	}
	return q
}

func (q *queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) run(q *queue) {
	defer b.wg.Done()
	for {
		select {
		case <-q.wake:
			b.drain(q)
		case <-q.stop:
			b.drain(q)
			return
		}
	}
}

func (b *Bus) drain(q *queue) {
	for {
		q.mu.Lock()
		if q.handler == nil || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		msg := q.pending[0]
		q.pending[0] = Envelope{}
		q.pending = q.pending[1:]
		h := q.handler
		depth := len(q.pending)
		q.mu.Unlock()

		metrics.SetQueueDepth(q.name, depth)
		b.deliver(h, msg)
	}
}

func (b *Bus) deliver(h Handler, msg Envelope) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ObserveHandlerFailure(msg.Queue)
			b.logger.Error("bus handler panicked",
				zap.String("queue", msg.Queue),
				zap.String("message_id", msg.ID),
				zap.Any("panic", r),
			)
		}
	}()
	if err := h(b.baseCtx, msg); err != nil {
		metrics.ObserveHandlerFailure(msg.Queue)
		b.logger.Warn("bus handler failed",
			zap.String("queue", msg.Queue),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
}
