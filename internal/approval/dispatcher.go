package approval

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/atmx/prediction-ledger/internal/metrics"
)

// ErrQueueFull is returned by Dispatcher.Notify when the queue is full.
var ErrQueueFull = errors.New("approval: notification queue full")

const (
	defaultQueueSize = 256
	deliverTimeout   = 10 * time.Second
)

// Dispatcher makes any Channel asynchronous. Notify only enqueues; a single
// worker started by Run delivers in order. Failed deliveries are logged and
// counted, never retried.
type Dispatcher struct {
	channel Channel
	queue   chan Summary
	done    chan struct{}
}

// NewDispatcher creates a dispatcher in front of ch. size <= 0 uses a default.
func NewDispatcher(ch Channel, size int) *Dispatcher {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Dispatcher{
		channel: ch,
		queue:   make(chan Summary, size),
		done:    make(chan struct{}),
	}
}

// Notify enqueues s without blocking.
func (d *Dispatcher) Notify(_ context.Context, s Summary) error {
	select {
	case d.queue <- s:
		return nil
	default:
		metrics.NotificationFailures.WithLabelValues("queue_full").Inc()
		slog.Warn("approval queue full, dropping notification", "request", s.RequestID)
		return ErrQueueFull
	}
}

// Run delivers queued summaries until ctx is cancelled, then drains what is
// left with a fresh deadline per item.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case s := <-d.queue:
			d.deliver(ctx, s)
		}
	}
}

// Done is closed when Run has returned.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) drain() {
	for {
		select {
		case s := <-d.queue:
			d.deliver(context.Background(), s)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, s Summary) {
	ctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()

	start := time.Now()
	err := d.channel.Notify(ctx, s)
	metrics.OperationLatency.WithLabelValues("notify").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.NotificationFailures.WithLabelValues("delivery").Inc()
		slog.Error("approval notification failed", "request", s.RequestID, "err", err)
	}
}
