package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ridepool/internal/geo"
	"github.com/example/ridepool/internal/matcher"
	"github.com/example/ridepool/internal/models"
	"github.com/example/ridepool/internal/observability"
	"github.com/example/ridepool/internal/registry"
	"github.com/example/ridepool/internal/storage"
)

// DepositHolder places and releases a payment hold for a seat.
type DepositHolder interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Cancel(ctx context.Context, ref string) error
}

// Notifier tells a rider about a decision on one of their requests.
type Notifier interface {
	Notify(riderID string, rec models.AllocationRecord) error
}

// Publisher hands committed records to the event bus. It must not block.
type Publisher interface {
	Publish(rec models.AllocationRecord)
}

// Queue is the entry point for every write: pool creation, rider
// registration, join submissions and cancellations. Decisions are delegated
// to the matcher synchronously; callers never observe a Pending request.
type Queue struct {
	Pools    *registry.Registry
	Matcher  *matcher.Service
	Book     *Book
	Store    storage.Store
	Deposits DepositHolder
	Currency string
	Notifier Notifier
	Events   Publisher
	Places   geo.Places
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

// Result is the state of a request after a call, plus every record the
// call committed (promotions of other requests included).
type Result struct {
	Request models.JoinRequest        `json:"request"`
	Records []models.AllocationRecord `json:"records"`
}

// now is truncated to the microsecond so that arrival order survives a
// round trip through Postgres.
func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now().UTC().Truncate(time.Microsecond)
	}
	return time.Now().UTC().Truncate(time.Microsecond)
}

func (q *Queue) newID() string {
	if q.NewID != nil {
		return q.NewID()
	}
	return uuid.NewString()
}

func (q *Queue) logger() *slog.Logger {
	if q.Logger != nil {
		return q.Logger
	}
	return slog.Default()
}

// CreatePool validates and persists a pool, then registers it.
func (q *Queue) CreatePool(ctx context.Context, spec models.PoolSpec) (models.Pool, error) {
	p, err := q.Pools.NewPool(spec)
	if err != nil {
		return models.Pool{}, err
	}
	if err := q.Store.SavePool(ctx, p); err != nil {
		return models.Pool{}, err
	}
	q.Pools.Insert(p)
	observability.PoolsOpen.Inc()
	if q.Places != nil && p.Route.OriginCoord != nil {
		if err := q.Places.Put(ctx, p.ID, *p.Route.OriginCoord); err != nil {
			q.logger().Warn("pool origin not indexed", "pool_id", p.ID, "error", err)
		}
	}
	q.logger().Info("pool created", "pool_id", p.ID, "driver_id", p.DriverID, "seats", p.SeatCount)
	return q.Pools.GetPool(p.ID)
}

// RegisterRider persists and registers a rider profile.
func (q *Queue) RegisterRider(ctx context.Context, id, displayName string) (models.RiderProfile, error) {
	if strings.TrimSpace(id) == "" {
		return models.RiderProfile{}, fmt.Errorf("rider id required: %w", models.ErrInvalidConfig)
	}
	if displayName == "" {
		displayName = id
	}
	if err := q.Store.SaveRider(ctx, models.RiderProfile{ID: id, DisplayName: displayName}); err != nil {
		return models.RiderProfile{}, err
	}
	return q.Pools.RegisterRider(id, displayName)
}

// Submit validates a join request and returns once the matcher has
// committed its decision. Validation errors (InvalidConfig, NotFound,
// TimeConflict) record nothing and leave the pool untouched.
func (q *Queue) Submit(ctx context.Context, riderID, poolID string, window models.Window) (Result, error) {
	if strings.TrimSpace(riderID) == "" {
		return Result{}, fmt.Errorf("rider id required: %w", models.ErrInvalidConfig)
	}
	if !window.Valid() {
		return Result{}, fmt.Errorf("window start must precede end: %w", models.ErrInvalidConfig)
	}
	pool, err := q.Pools.GetPool(poolID)
	if err != nil {
		return Result{}, err
	}
	if !window.Overlaps(pool.Window) {
		return Result{}, fmt.Errorf("request window outside pool %s window: %w", poolID, models.ErrTimeConflict)
	}
	if err := q.Pools.EnsureRider(riderID); err != nil {
		return Result{}, err
	}

	req := models.JoinRequest{
		ID:        q.newID(),
		RiderID:   riderID,
		PoolID:    poolID,
		Window:    window,
		ArrivedAt: q.now(),
		Status:    models.StatusPending,
	}
	req.UpdatedAt = req.ArrivedAt

	if pool.FareCents > 0 && q.Deposits != nil && !pool.Cancelled {
		ref, err := q.Deposits.Hold(ctx, pool.FareCents, q.currency(), riderID)
		if err != nil {
			return Result{}, fmt.Errorf("hold deposit for %s: %v: %w", riderID, err, models.ErrPaymentFailed)
		}
		req.DepositRef = ref
	}

	if err := q.Store.SaveRequest(ctx, req); err != nil {
		q.releaseDeposit(ctx, req)
		return Result{}, err
	}
	q.Book.Put(req)

	out, err := q.Matcher.Admit(ctx, req)
	q.after(ctx, out)
	if err != nil {
		if cur, ok := q.Book.Get(req.ID); ok && cur.Status == models.StatusPending {
			q.Book.Forget(req.ID)
			q.releaseDeposit(ctx, req)
		}
		return Result{}, err
	}

	final, _ := q.Book.Get(req.ID)
	q.logger().Info("join request decided", "request_id", final.ID, "pool_id", poolID, "rider_id", riderID, "status", final.Status, "reason", final.Reason)
	return Result{Request: final, Records: out.Records}, nil
}

// Cancel withdraws a request. Cancelling a confirmed request frees its seat
// and promotes the waitlist head before returning. When the cancel
// committed but the promotion could not be logged, the result is returned
// together with the error; the seat is reassigned by the next operation on
// the pool.
func (q *Queue) Cancel(ctx context.Context, requestID string) (Result, error) {
	out, err := q.Matcher.Withdraw(ctx, requestID)
	q.after(ctx, out)
	final, _ := q.Book.Get(requestID)
	if err != nil {
		if len(out.Records) == 0 {
			return Result{}, err
		}
		return Result{Request: final, Records: out.Records}, err
	}
	q.logger().Info("join request cancelled", "request_id", requestID, "pool_id", final.PoolID, "promoted", len(out.Records)-1)
	return Result{Request: final, Records: out.Records}, nil
}

// CancelPool withdraws a pool and cancels every request holding a place.
func (q *Queue) CancelPool(ctx context.Context, poolID string) ([]models.AllocationRecord, error) {
	out, err := q.Matcher.CancelPool(ctx, poolID, func(ctx context.Context) error {
		return q.Store.MarkPoolCancelled(ctx, poolID)
	})
	q.after(ctx, out)
	if err != nil {
		return out.Records, err
	}
	if q.Places != nil {
		if err := q.Places.Remove(ctx, poolID); err != nil {
			q.logger().Warn("pool origin not unindexed", "pool_id", poolID, "error", err)
		}
	}
	q.logger().Info("pool cancelled", "pool_id", poolID, "records", len(out.Records))
	return out.Records, nil
}

// Nearby returns open pools whose pickup lies near the point, closest
// first.
func (q *Queue) Nearby(ctx context.Context, lat, lon float64, limit int) ([]models.Pool, error) {
	if q.Places == nil {
		return nil, nil
	}
	hits, err := q.Places.Nearby(ctx, lat, lon, limit)
	if err != nil {
		return nil, fmt.Errorf("nearby pools: %v: %w", err, models.ErrStorageUnavailable)
	}
	out := make([]models.Pool, 0, len(hits))
	for _, h := range hits {
		p, err := q.Pools.GetPool(h.PoolID)
		if err != nil || p.Cancelled {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// IndexPlaces loads the pickup point of every open pool into Places, as
// needed after a replay.
func (q *Queue) IndexPlaces(ctx context.Context) error {
	if q.Places == nil {
		return nil
	}
	var errs []error
	for _, p := range q.Pools.ListPools() {
		if p.Cancelled || p.Route.OriginCoord == nil {
			continue
		}
		if err := q.Places.Put(ctx, p.ID, *p.Route.OriginCoord); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reschedule moves a pool's departure window.
func (q *Queue) Reschedule(ctx context.Context, poolID string, window models.Window) (models.Pool, error) {
	out, err := q.Matcher.Reschedule(ctx, poolID, window, func(ctx context.Context, w models.Window) error {
		return q.Store.UpdatePoolWindow(ctx, poolID, w)
	})
	q.after(ctx, out)
	if err != nil {
		return models.Pool{}, err
	}
	return q.Pools.GetPool(poolID)
}

// Settle fills seats that a failed promotion left free in every open
// pool. Run it after a replay, before traffic is accepted.
func (q *Queue) Settle(ctx context.Context) error {
	var errs []error
	for _, p := range q.Pools.ListPools() {
		if p.Cancelled {
			continue
		}
		out, err := q.Matcher.Settle(ctx, p.ID)
		q.after(ctx, out)
		if err != nil {
			errs = append(errs, fmt.Errorf("settle pool %s: %w", p.ID, err))
			continue
		}
		if len(out.Records) > 0 {
			q.logger().Info("pool settled", "pool_id", p.ID, "records", len(out.Records))
		}
	}
	return errors.Join(errs...)
}

func (q *Queue) Get(requestID string) (models.JoinRequest, error) {
	r, ok := q.Book.Get(requestID)
	if !ok {
		return models.JoinRequest{}, fmt.Errorf("request %s: %w", requestID, models.ErrNotFound)
	}
	return r, nil
}

func (q *Queue) ListByPool(poolID string) ([]models.JoinRequest, error) {
	if _, err := q.Pools.GetPool(poolID); err != nil {
		return nil, err
	}
	return q.Book.ListByPool(poolID), nil
}

// after runs the side effects of committed records outside the pool lock:
// deposits of requests that ended Rejected or Cancelled are released, the
// riders are notified and the records published. All are best-effort.
// Pool-level records are only published.
func (q *Queue) after(ctx context.Context, out matcher.Outcome) {
	for _, rec := range out.Records {
		if rec.PoolLevel() {
			if q.Events != nil {
				q.Events.Publish(rec)
			}
			continue
		}
		if rec.Decision == models.StatusRejected || rec.Decision == models.StatusCancelled {
			if req, ok := q.Book.Get(rec.RequestID); ok {
				q.releaseDeposit(ctx, req)
			}
		}
		if q.Notifier != nil {
			if err := q.Notifier.Notify(rec.RiderID, rec); err != nil {
				q.logger().Debug("rider notification failed", "rider_id", rec.RiderID, "request_id", rec.RequestID, "error", err)
			}
		}
		if q.Events != nil {
			q.Events.Publish(rec)
		}
	}
}

func (q *Queue) releaseDeposit(ctx context.Context, req models.JoinRequest) {
	if q.Deposits == nil || req.DepositRef == "" {
		return
	}
	if err := q.Deposits.Cancel(ctx, req.DepositRef); err != nil {
		q.logger().Error("deposit release failed", "request_id", req.ID, "deposit_ref", req.DepositRef, "error", err)
	}
}

func (q *Queue) currency() string {
	if q.Currency != "" {
		return q.Currency
	}
	return "usd"
}

// IsCallerError reports whether err is a caller input error that must not
// be retried automatically.
func IsCallerError(err error) bool {
	return errors.Is(err, models.ErrInvalidConfig) ||
		errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrTimeConflict) ||
		errors.Is(err, models.ErrInvalidTransition)
}
