package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ridepool/internal/models"
	"github.com/example/ridepool/internal/observability"
)

// Sink is an event bus backend.
type Sink interface {
	Send(ctx context.Context, rec models.AllocationRecord) error
	Close() error
}

// Dispatcher buffers records and hands them to a Sink from one goroutine.
// Publish never blocks; when the buffer is full the record is dropped and
// counted. The allocation log stays the source of truth.
type Dispatcher struct {
	sink    Sink
	buf     chan models.AllocationRecord
	logger  *slog.Logger
	timeout time.Duration
}

func NewDispatcher(sink Sink, size int, logger *slog.Logger) *Dispatcher {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{sink: sink, buf: make(chan models.AllocationRecord, size), logger: logger, timeout: 2 * time.Second}
}

func (d *Dispatcher) Publish(rec models.AllocationRecord) {
	select {
	case d.buf <- rec:
	default:
		observability.EventsPublished.WithLabelValues("dropped").Inc()
		d.logger.Warn("event buffer full, record dropped", "seq", rec.Seq, "pool_id", rec.PoolID)
	}
}

// Run sends buffered records until ctx is done, then flushes what is left
// within one timeout and closes the sink.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case rec := <-d.buf:
			d.send(ctx, rec)
		case <-ctx.Done():
			return d.flush()
		}
	}
}

func (d *Dispatcher) flush() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	for {
		select {
		case rec := <-d.buf:
			d.send(ctx, rec)
		default:
			return d.sink.Close()
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, rec models.AllocationRecord) {
	sctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.sink.Send(sctx, rec); err != nil {
		observability.EventsPublished.WithLabelValues("error").Inc()
		d.logger.Error("event publish failed", "seq", rec.Seq, "pool_id", rec.PoolID, "error", err)
		return
	}
	observability.EventsPublished.WithLabelValues("ok").Inc()
}
