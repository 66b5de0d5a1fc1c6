package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/example/ridepool/internal/allocation"
	"github.com/example/ridepool/internal/models"
	"github.com/example/ridepool/internal/observability"
	"github.com/example/ridepool/internal/registry"
)

// Book tracks join request state. The request queue owns it; the matcher
// only reads and updates statuses while holding the pool lock.
type Book interface {
	Get(id string) (models.JoinRequest, bool)
	SetStatus(id string, status models.RequestStatus, reason models.Reason, at time.Time)
}

// Service decides admission, waitlisting and promotion for join requests.
// All decisions on one pool are serialized by that pool's allocation lock;
// different pools never contend.
type Service struct {
	Pools  *registry.Registry
	Log    allocation.Log
	Book   Book
	Logger *slog.Logger
	Now    func() time.Time
}

// Outcome lists the records committed by one matcher call, in log order.
// A cancellation may commit several (the cancel plus promotions).
type Outcome struct {
	Records []models.AllocationRecord
}

// Last returns the latest record committed for requestID.
func (o Outcome) Last(requestID string) (models.AllocationRecord, bool) {
	for i := len(o.Records) - 1; i >= 0; i-- {
		if o.Records[i].RequestID == requestID {
			return o.Records[i], true
		}
	}
	return models.AllocationRecord{}, false
}

var errSeatVanished = errors.New("seat vanished under pool lock")

// now is truncated to the microsecond, the precision Postgres keeps.
func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC().Truncate(time.Microsecond)
	}
	return time.Now().UTC().Truncate(time.Microsecond)
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) lock(poolID string) (func(), error) {
	start := time.Now()
	unlock, err := s.Pools.Lock(poolID)
	if err != nil {
		return nil, err
	}
	observability.LockWait.Observe(time.Since(start).Seconds())
	return unlock, nil
}

// Admit decides a freshly submitted request that is Pending in the book.
// The request is Confirmed if a seat is free, Waitlisted otherwise, or
// Rejected when its rider already holds a place or the pool was cancelled.
// A window that no longer overlaps the pool returns ErrTimeConflict and
// records nothing.
func (s *Service) Admit(ctx context.Context, req models.JoinRequest) (Outcome, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	unlock, err := s.lock(req.PoolID)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	// A concurrent Withdraw may have cancelled the request before we got
	// the lock.
	if cur, ok := s.Book.Get(req.ID); !ok || cur.Status != models.StatusPending {
		return Outcome{}, fmt.Errorf("request %s no longer pending: %w", req.ID, models.ErrInvalidTransition)
	}

	var out Outcome
	// Seats freed by an earlier failed promotion go to the waitlist first.
	if err := s.promote(ctx, &out, req.PoolID); err != nil {
		return out, err
	}

	pool, err := s.Pools.GetPool(req.PoolID)
	if err != nil {
		return out, err
	}
	entry := models.WaitlistEntry{RequestID: req.ID, RiderID: req.RiderID, Window: req.Window, ArrivedAt: req.ArrivedAt}

	switch {
	case pool.Cancelled:
		return out, s.reject(ctx, &out, pool.ID, entry, models.ReasonPoolCancelled)
	case riderPresent(pool, req.RiderID):
		return out, s.reject(ctx, &out, pool.ID, entry, models.ReasonAlreadyJoined)
	case !req.Window.Overlaps(pool.Window):
		return out, fmt.Errorf("request window outside pool %s window: %w", pool.ID, models.ErrTimeConflict)
	case len(pool.Confirmed) < pool.SeatCount:
		return out, s.confirm(ctx, &out, pool.ID, entry, models.ReasonAccepted)
	default:
		return out, s.waitlist(ctx, &out, pool.ID, entry)
	}
}

// Settle hands seats left free by an earlier failed promotion to the
// waitlist. Every locked operation settles first; Settle lets a caller do
// it without another decision, as after a replay.
func (s *Service) Settle(ctx context.Context, poolID string) (Outcome, error) {
	unlock, err := s.lock(poolID)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	var out Outcome
	return out, s.promote(ctx, &out, poolID)
}

// Withdraw cancels a request. A confirmed seat is released and the
// waitlist head promoted before the pool lock is dropped. If the cancel is
// committed but a promotion append fails, the returned error wraps the
// storage failure and the outcome still lists the committed records.
func (s *Service) Withdraw(ctx context.Context, requestID string) (Outcome, error) {
	req, ok := s.Book.Get(requestID)
	if !ok {
		return Outcome{}, fmt.Errorf("request %s: %w", requestID, models.ErrNotFound)
	}
	unlock, err := s.lock(req.PoolID)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	var out Outcome
	if err := s.promote(ctx, &out, req.PoolID); err != nil {
		return out, err
	}
	// Re-read: a promotion, ours or a racing one, may have moved it.
	req, _ = s.Book.Get(requestID)
	if err := s.cancel(ctx, &out, req, models.ReasonRiderCancelled); err != nil {
		return out, err
	}
	if req.Status == models.StatusConfirmed {
		if err := s.promote(ctx, &out, req.PoolID); err != nil {
			return out, fmt.Errorf("request %s cancelled, seat not yet reassigned: %w", req.ID, err)
		}
	}
	return out, nil
}

// CancelPool withdraws the pool: a pool-level Cancelled record is logged,
// then every confirmed and waitlisted request is Cancelled with reason
// PoolCancelled. persist runs under the pool lock before anything is
// logged; if it or the pool record fails nothing changes in memory.
func (s *Service) CancelPool(ctx context.Context, poolID string, persist func(context.Context) error) (Outcome, error) {
	unlock, err := s.lock(poolID)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	pool, err := s.Pools.GetPool(poolID)
	if err != nil {
		return Outcome{}, err
	}
	var out Outcome
	if !pool.Cancelled {
		if persist != nil {
			if err := persist(ctx); err != nil {
				return Outcome{}, err
			}
		}
		rec, err := s.appendPool(ctx, poolID, models.StatusCancelled, models.ReasonPoolCancelled, nil)
		if err != nil {
			return Outcome{}, err
		}
		if err := s.Pools.MarkCancelled(poolID); err != nil {
			return Outcome{}, err
		}
		observability.PoolsOpen.Dec()
		s.record(&out, rec)
	}

	ids := make([]string, 0, len(pool.Confirmed)+len(pool.Waitlist))
	confirmed := make([]string, 0, len(pool.Confirmed))
	for _, reqID := range pool.Confirmed {
		confirmed = append(confirmed, reqID)
	}
	sort.Strings(confirmed)
	ids = append(ids, confirmed...)
	for _, w := range pool.Waitlist {
		ids = append(ids, w.RequestID)
	}
	for _, id := range ids {
		req, ok := s.Book.Get(id)
		if !ok {
			continue
		}
		if err := s.cancel(ctx, &out, req, models.ReasonPoolCancelled); err != nil {
			return out, err
		}
	}
	return out, nil
}

// Reschedule moves the pool departure window and logs a pool-level
// Rescheduled record. It fails with ErrTimeConflict if a confirmed rider
// would fall outside the new window. persist runs under the pool lock after
// validation; when the record cannot be logged it is called again with the
// old window.
func (s *Service) Reschedule(ctx context.Context, poolID string, window models.Window, persist func(context.Context, models.Window) error) (Outcome, error) {
	unlock, err := s.lock(poolID)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	var out Outcome
	if err := s.promote(ctx, &out, poolID); err != nil {
		return out, err
	}
	pool, err := s.Pools.GetPool(poolID)
	if err != nil {
		return out, err
	}
	windows := make(map[string]models.Window, len(pool.Confirmed))
	for riderID, reqID := range pool.Confirmed {
		if req, ok := s.Book.Get(reqID); ok {
			windows[riderID] = req.Window
		}
	}
	if err := s.Pools.CheckReschedule(poolID, window, windows); err != nil {
		return out, err
	}
	if persist != nil {
		if err := persist(ctx, window); err != nil {
			return out, err
		}
	}
	rec, err := s.appendPool(ctx, poolID, models.DecisionRescheduled, models.ReasonDriverRescheduled, &window)
	if err != nil {
		if persist != nil {
			if rerr := persist(ctx, pool.Window); rerr != nil {
				s.logger().Error("pool window not restored", "pool_id", poolID, "error", rerr)
			}
		}
		return out, err
	}
	if err := s.Pools.Reschedule(poolID, window, windows); err != nil {
		return out, err
	}
	s.record(&out, rec)
	s.logger().Info("pool rescheduled", "pool_id", poolID, "start", window.Start, "end", window.End)
	return out, nil
}

// promote fills free seats from the waitlist head in FIFO order. A head
// whose window no longer overlaps the pool is Rejected with StaleConflict
// and the next head is tried. Caller holds the pool lock.
func (s *Service) promote(ctx context.Context, out *Outcome, poolID string) error {
	for {
		pool, err := s.Pools.GetPool(poolID)
		if err != nil {
			return err
		}
		if pool.Cancelled || len(pool.Confirmed) >= pool.SeatCount {
			return nil
		}
		head, ok := s.Pools.PeekHead(poolID)
		if !ok {
			return nil
		}
		if req, ok := s.Book.Get(head.RequestID); !ok || req.Status != models.StatusWaitlisted {
			s.logger().Warn("dropping stray waitlist entry", "pool_id", poolID, "request_id", head.RequestID)
			if s.Pools.RemoveWaiting(poolID, head.RequestID) {
				observability.WaitlistDepth.Dec()
			}
			continue
		}
		if !head.Window.Overlaps(pool.Window) {
			if err := s.reject(ctx, out, poolID, head, models.ReasonStaleConflict); err != nil {
				return err
			}
			continue
		}
		if err := s.confirm(ctx, out, poolID, head, models.ReasonPromoted); err != nil {
			return err
		}
	}
}

// confirm reserves a seat and records it; if the append fails the seat is
// released so that state and log never diverge.
func (s *Service) confirm(ctx context.Context, out *Outcome, poolID string, e models.WaitlistEntry, reason models.Reason) error {
	ok, err := s.Pools.ReserveSeat(poolID, e.RiderID, e.RequestID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("confirm %s: %w", e.RequestID, errSeatVanished)
	}
	rec, err := s.append(ctx, poolID, e, models.StatusConfirmed, reason)
	if err != nil {
		s.Pools.ReleaseSeat(poolID, e.RiderID)
		return err
	}
	if reason == models.ReasonPromoted && s.Pools.RemoveWaiting(poolID, e.RequestID) {
		observability.WaitlistDepth.Dec()
	}
	s.commit(out, rec)
	return nil
}

func (s *Service) waitlist(ctx context.Context, out *Outcome, poolID string, e models.WaitlistEntry) error {
	if err := s.Pools.Enqueue(poolID, e); err != nil {
		return err
	}
	rec, err := s.append(ctx, poolID, e, models.StatusWaitlisted, models.ReasonCapacity)
	if err != nil {
		s.Pools.RemoveWaiting(poolID, e.RequestID)
		return err
	}
	observability.WaitlistDepth.Inc()
	s.commit(out, rec)
	return nil
}

// reject records a Rejected decision and drops the request from the
// waitlist if it was parked there.
func (s *Service) reject(ctx context.Context, out *Outcome, poolID string, e models.WaitlistEntry, reason models.Reason) error {
	rec, err := s.append(ctx, poolID, e, models.StatusRejected, reason)
	if err != nil {
		return err
	}
	if s.Pools.RemoveWaiting(poolID, e.RequestID) {
		observability.WaitlistDepth.Dec()
	}
	if reason == models.ReasonStaleConflict {
		s.logger().Info("stale waitlist entry rejected", "pool_id", poolID, "request_id", e.RequestID, "reason", reason)
	}
	s.commit(out, rec)
	return nil
}

// cancel moves req to Cancelled. The record is appended before any state
// change; releasing a seat or leaving the waitlist cannot fail afterwards.
func (s *Service) cancel(ctx context.Context, out *Outcome, req models.JoinRequest, reason models.Reason) error {
	if !req.Status.CanTransition(models.StatusCancelled) {
		return fmt.Errorf("request %s is %s: %w", req.ID, req.Status, models.ErrInvalidTransition)
	}
	e := models.WaitlistEntry{RequestID: req.ID, RiderID: req.RiderID, Window: req.Window, ArrivedAt: req.ArrivedAt}
	rec, err := s.append(ctx, req.PoolID, e, models.StatusCancelled, reason)
	if err != nil {
		return err
	}
	switch req.Status {
	case models.StatusConfirmed:
		s.Pools.ReleaseSeat(req.PoolID, req.RiderID)
	case models.StatusWaitlisted:
		if s.Pools.RemoveWaiting(req.PoolID, req.ID) {
			observability.WaitlistDepth.Dec()
		}
	}
	s.commit(out, rec)
	return nil
}

func (s *Service) append(ctx context.Context, poolID string, e models.WaitlistEntry, decision models.RequestStatus, reason models.Reason) (models.AllocationRecord, error) {
	rec, err := s.Log.Append(ctx, models.AllocationRecord{
		RequestID: e.RequestID,
		PoolID:    poolID,
		RiderID:   e.RiderID,
		Decision:  decision,
		Reason:    reason,
		Timestamp: s.now(),
	})
	if err != nil {
		observability.LogAppendErrors.Inc()
		s.logger().Error("allocation log append failed", "pool_id", poolID, "request_id", e.RequestID, "decision", decision, "error", err)
		return models.AllocationRecord{}, err
	}
	return rec, nil
}

func (s *Service) appendPool(ctx context.Context, poolID string, decision models.RequestStatus, reason models.Reason, window *models.Window) (models.AllocationRecord, error) {
	rec, err := s.Log.Append(ctx, models.AllocationRecord{
		PoolID:    poolID,
		Decision:  decision,
		Reason:    reason,
		Window:    window,
		Timestamp: s.now(),
	})
	if err != nil {
		observability.LogAppendErrors.Inc()
		s.logger().Error("allocation log append failed", "pool_id", poolID, "decision", decision, "error", err)
		return models.AllocationRecord{}, err
	}
	return rec, nil
}

// commit publishes a logged request record to the book and the outcome.
func (s *Service) commit(out *Outcome, rec models.AllocationRecord) {
	s.Book.SetStatus(rec.RequestID, rec.Decision, rec.Reason, rec.Timestamp)
	s.record(out, rec)
}

func (s *Service) record(out *Outcome, rec models.AllocationRecord) {
	out.Records = append(out.Records, rec)
	observability.DecisionsTotal.WithLabelValues(string(rec.Decision), string(rec.Reason)).Inc()
	s.logger().Debug("allocation committed", "seq", rec.Seq, "pool_id", rec.PoolID, "request_id", rec.RequestID, "decision", rec.Decision, "reason", rec.Reason)
}

func riderPresent(p models.Pool, riderID string) bool {
	if _, ok := p.Confirmed[riderID]; ok {
		return true
	}
	for _, w := range p.Waitlist {
		if w.RiderID == riderID {
			return true
		}
	}
	return false
}
