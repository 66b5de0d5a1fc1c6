package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ridepool/internal/models"
	"github.com/example/ridepool/internal/observability"
)

// ErrOutboxFull is returned by Outbox.Notify when the buffer has no room.
var ErrOutboxFull = errors.New("notification outbox full")

// Sender delivers one decision to one rider.
type Sender interface {
	Notify(riderID string, rec models.AllocationRecord) error
}

type notice struct {
	riderID string
	rec     models.AllocationRecord
}

// Outbox buffers rider notifications and delivers them from one goroutine,
// so a slow websocket or webhook never holds up the request that produced
// the decision. Notify never blocks.
type Outbox struct {
	send   Sender
	buf    chan notice
	logger *slog.Logger
	drain  time.Duration
}

func NewOutbox(send Sender, size int, logger *slog.Logger) *Outbox {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{send: send, buf: make(chan notice, size), logger: logger, drain: 5 * time.Second}
}

func (o *Outbox) Notify(riderID string, rec models.AllocationRecord) error {
	select {
	case o.buf <- notice{riderID: riderID, rec: rec}:
		return nil
	default:
		observability.NotificationsSent.WithLabelValues("outbox", "dropped").Inc()
		return ErrOutboxFull
	}
}

// Run delivers buffered notices until ctx is done, then keeps delivering
// what is left for at most the drain period.
func (o *Outbox) Run(ctx context.Context) error {
	for {
		select {
		case n := <-o.buf:
			o.deliver(n)
		case <-ctx.Done():
			o.flush()
			return nil
		}
	}
}

func (o *Outbox) flush() {
	deadline := time.Now().Add(o.drain)
	for time.Now().Before(deadline) {
		select {
		case n := <-o.buf:
			o.deliver(n)
		default:
			return
		}
	}
	if left := len(o.buf); left > 0 {
		o.logger.Warn("notifications not delivered before shutdown", "pending", left)
	}
}

func (o *Outbox) deliver(n notice) {
	if err := o.send.Notify(n.riderID, n.rec); err != nil {
		o.logger.Debug("rider notification failed", "rider_id", n.riderID, "request_id", n.rec.RequestID, "error", err)
	}
}
