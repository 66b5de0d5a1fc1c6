package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/example/ridepool/internal/allocation"
	"github.com/example/ridepool/internal/models"
	"github.com/example/ridepool/internal/observability"
	"github.com/example/ridepool/internal/queue"
	"github.com/example/ridepool/internal/registry"
	"github.com/example/ridepool/internal/storage"
)

// State is what Replay rebuilds: the pool registry and the request book.
type State struct {
	Pools   *registry.Registry
	Book    *queue.Book
	Records int
	LastSeq int64
	// Dropped counts stored requests that never received a decision.
	Dropped int
}

// Replay rebuilds pools, riders and request statuses from the store and
// applies every allocation record in sequence order. Requests without a
// record are dropped: their submission failed before it was acknowledged.
func Replay(ctx context.Context, store storage.Store, log allocation.Log, logger *slog.Logger, opts ...registry.Option) (*State, error) {
	if logger == nil {
		logger = slog.Default()
	}
	st := &State{Pools: registry.New(opts...), Book: queue.NewBook()}

	riders, err := store.LoadRiders(ctx)
	if err != nil {
		return nil, fmt.Errorf("load riders: %w", err)
	}
	for _, r := range riders {
		if _, err := st.Pools.RegisterRider(r.ID, r.DisplayName); err != nil {
			return nil, err
		}
	}

	pools, err := store.LoadPools(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pools: %w", err)
	}
	for _, p := range pools {
		p.Confirmed = nil
		p.Waitlist = nil
		st.Pools.Insert(p)
	}

	stored, err := store.LoadRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("load requests: %w", err)
	}
	pending := make(map[string]models.JoinRequest, len(stored))
	for _, r := range stored {
		r.Status = models.StatusPending
		r.Reason = ""
		pending[r.ID] = r
	}

	seen := make(map[string]models.JoinRequest, len(stored))
	waiting := 0
	for rec, err := range log.All(ctx) {
		if err != nil {
			return nil, fmt.Errorf("read allocation log: %w", err)
		}
		if rec.PoolLevel() {
			if err := applyPool(st.Pools, rec); err != nil {
				return nil, err
			}
			st.Records++
			st.LastSeq = rec.Seq
			continue
		}
		req, ok := seen[rec.RequestID]
		if !ok {
			if req, ok = pending[rec.RequestID]; !ok {
				return nil, fmt.Errorf("record %d references unknown request %s", rec.Seq, rec.RequestID)
			}
		}
		if err := apply(st.Pools, req, rec); err != nil {
			return nil, err
		}
		switch {
		case req.Status == models.StatusWaitlisted && rec.Decision != models.StatusWaitlisted:
			waiting--
		case req.Status != models.StatusWaitlisted && rec.Decision == models.StatusWaitlisted:
			waiting++
		}
		req.Status = rec.Decision
		req.Reason = rec.Reason
		req.UpdatedAt = rec.Timestamp
		seen[req.ID] = req
		st.Records++
		st.LastSeq = rec.Seq
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		req := seen[id]
		if err := st.Pools.EnsureRider(req.RiderID); err != nil {
			return nil, err
		}
		st.Book.Put(req)
	}
	st.Dropped = len(pending) - len(seen)

	open := 0
	for _, p := range st.Pools.ListPools() {
		if !p.Cancelled {
			open++
		}
	}
	observability.PoolsOpen.Set(float64(open))
	observability.WaitlistDepth.Set(float64(waiting))
	logger.Info("state replayed", "pools", len(pools), "requests", len(seen), "records", st.Records, "last_seq", st.LastSeq, "dropped", st.Dropped)
	return st, nil
}

// apply performs the registry change a record describes, given the
// request's status before it.
func apply(pools *registry.Registry, req models.JoinRequest, rec models.AllocationRecord) error {
	if !req.Status.CanTransition(rec.Decision) {
		return fmt.Errorf("record %d: request %s cannot move from %s to %s", rec.Seq, req.ID, req.Status, rec.Decision)
	}
	entry := models.WaitlistEntry{RequestID: req.ID, RiderID: req.RiderID, Window: req.Window, ArrivedAt: req.ArrivedAt}
	switch rec.Decision {
	case models.StatusConfirmed:
		if req.Status == models.StatusWaitlisted {
			pools.RemoveWaiting(req.PoolID, req.ID)
		}
		ok, err := pools.ReserveSeat(req.PoolID, req.RiderID, req.ID)
		if err != nil {
			return fmt.Errorf("record %d: %w", rec.Seq, err)
		}
		if !ok {
			return fmt.Errorf("record %d: no seat for request %s in pool %s", rec.Seq, req.ID, req.PoolID)
		}
	case models.StatusWaitlisted:
		if err := pools.Enqueue(req.PoolID, entry); err != nil {
			return fmt.Errorf("record %d: %w", rec.Seq, err)
		}
	case models.StatusRejected:
		pools.RemoveWaiting(req.PoolID, req.ID)
	case models.StatusCancelled:
		switch req.Status {
		case models.StatusConfirmed:
			pools.ReleaseSeat(req.PoolID, req.RiderID)
		case models.StatusWaitlisted:
			pools.RemoveWaiting(req.PoolID, req.ID)
		}
	}
	return nil
}

// applyPool replays a pool-level record. The pools table already holds the
// latest window, so a reschedule only has to name a known pool.
func applyPool(pools *registry.Registry, rec models.AllocationRecord) error {
	if _, err := pools.GetPool(rec.PoolID); err != nil {
		return fmt.Errorf("record %d references unknown pool %s", rec.Seq, rec.PoolID)
	}
	switch rec.Decision {
	case models.StatusCancelled:
		return pools.MarkCancelled(rec.PoolID)
	case models.DecisionRescheduled:
		return nil
	default:
		return fmt.Errorf("record %d: pool %s cannot be %s", rec.Seq, rec.PoolID, rec.Decision)
	}
}

// Verify checks the allocation invariants of a state: no pool over
// capacity, no open pool with a free seat while riders wait, every
// confirmed seat backed by a Confirmed request of the same rider, every
// waitlist entry backed by a Waitlisted request, and every Confirmed or
// Waitlisted request present in its pool. All violations are returned
// joined.
func Verify(pools *registry.Registry, book *queue.Book) error {
	var errs []error
	placed := map[string]bool{}
	for _, p := range pools.ListPools() {
		if len(p.Confirmed) > p.SeatCount {
			errs = append(errs, fmt.Errorf("pool %s: %d confirmed exceeds %d seats", p.ID, len(p.Confirmed), p.SeatCount))
		}
		if !p.Cancelled && len(p.Confirmed) < p.SeatCount && len(p.Waitlist) > 0 {
			errs = append(errs, fmt.Errorf("pool %s: %d free seats while %d riders wait", p.ID, p.SeatCount-len(p.Confirmed), len(p.Waitlist)))
		}
		for riderID, reqID := range p.Confirmed {
			placed[reqID] = true
			r, ok := book.Get(reqID)
			switch {
			case !ok:
				errs = append(errs, fmt.Errorf("pool %s: seat of %s held by unknown request %s", p.ID, riderID, reqID))
			case r.Status != models.StatusConfirmed:
				errs = append(errs, fmt.Errorf("pool %s: seat held by request %s in status %s", p.ID, reqID, r.Status))
			case r.RiderID != riderID:
				errs = append(errs, fmt.Errorf("pool %s: seat of %s held by request %s of %s", p.ID, riderID, reqID, r.RiderID))
			}
		}
		for i, w := range p.Waitlist {
			placed[w.RequestID] = true
			if i > 0 && !p.Waitlist[i-1].Before(w) {
				errs = append(errs, fmt.Errorf("pool %s: waitlist out of order at %s", p.ID, w.RequestID))
			}
			if r, ok := book.Get(w.RequestID); !ok || r.Status != models.StatusWaitlisted {
				errs = append(errs, fmt.Errorf("pool %s: waitlist entry %s is not waitlisted", p.ID, w.RequestID))
			}
			if _, dup := p.Confirmed[w.RiderID]; dup {
				errs = append(errs, fmt.Errorf("pool %s: rider %s both confirmed and waitlisted", p.ID, w.RiderID))
			}
		}
	}
	for _, r := range book.All() {
		if (r.Status == models.StatusConfirmed || r.Status == models.StatusWaitlisted) && !placed[r.ID] {
			errs = append(errs, fmt.Errorf("request %s is %s but not placed in pool %s", r.ID, r.Status, r.PoolID))
		}
	}
	return errors.Join(errs...)
}

// Diff reports the differences between two states as a go-cmp diff, or ""
// when pools and requests match. Timestamps compare to the microsecond so
// a state read back from Postgres equals the one that wrote it.
func Diff(live, replayed *State) string {
	opts := cmp.Options{
		cmpopts.EquateEmpty(),
		cmpopts.EquateApproxTime(time.Microsecond),
	}
	if d := cmp.Diff(live.Pools.ListPools(), replayed.Pools.ListPools(), opts); d != "" {
		return "pools (-live +replayed):\n" + d
	}
	if d := cmp.Diff(live.Book.All(), replayed.Book.All(), opts); d != "" {
		return "requests (-live +replayed):\n" + d
	}
	return ""
}
