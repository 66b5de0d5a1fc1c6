package recovery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ridepool/internal/allocation"
	"github.com/example/ridepool/internal/matcher"
	"github.com/example/ridepool/internal/models"
	"github.com/example/ridepool/internal/queue"
	"github.com/example/ridepool/internal/registry"
	"github.com/example/ridepool/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func liveQueue(store storage.Store, log allocation.Log) *queue.Queue {
	reg := registry.New()
	book := queue.NewBook()
	return &queue.Queue{
		Pools:   reg,
		Matcher: &matcher.Service{Pools: reg, Log: log, Book: book},
		Book:    book,
		Store:   store,
	}
}

func TestReplayReproducesLiveState(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	log := allocation.NewMemoryLog()
	q := liveQueue(store, log)

	window := models.Window{Start: t0, End: t0.Add(time.Hour)}
	slot := models.Window{Start: t0.Add(5 * time.Minute), End: t0.Add(15 * time.Minute)}
	small, err := q.CreatePool(ctx, models.PoolSpec{DriverID: "d1", Window: window, SeatCount: 2})
	require.NoError(t, err)
	doomed, err := q.CreatePool(ctx, models.PoolSpec{DriverID: "d2", Window: window, SeatCount: 1})
	require.NoError(t, err)
	_, err = q.RegisterRider(ctx, "alice", "Alice")
	require.NoError(t, err)

	var first string
	for i := 0; i < 5; i++ {
		res, err := q.Submit(ctx, fmt.Sprintf("rider-%d", i), small.ID, slot)
		require.NoError(t, err)
		if i == 0 {
			first = res.Request.ID
		}
	}
	_, err = q.Cancel(ctx, first)
	require.NoError(t, err)
	_, err = q.Submit(ctx, "rider-1", small.ID, slot) // AlreadyJoined
	require.NoError(t, err)

	_, err = q.Submit(ctx, "alice", doomed.ID, slot)
	require.NoError(t, err)
	_, err = q.Submit(ctx, "bob", doomed.ID, slot)
	require.NoError(t, err)
	_, err = q.CancelPool(ctx, doomed.ID)
	require.NoError(t, err)

	_, err = q.Reschedule(ctx, small.ID, models.Window{Start: t0.Add(10 * time.Minute), End: t0.Add(time.Hour)})
	require.NoError(t, err)

	st, err := Replay(ctx, store, log, nil)
	require.NoError(t, err)
	assert.Equal(t, log.Len(), st.Records)
	assert.Zero(t, st.Dropped)

	live := &State{Pools: q.Pools, Book: q.Book}
	assert.Empty(t, Diff(live, st))
	require.NoError(t, Verify(st.Pools, st.Book))
	require.NoError(t, Verify(q.Pools, q.Book))

	prof, err := st.Pools.GetRider("alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", prof.DisplayName)
}

func TestReplayDropsUndecidedRequests(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	log := allocation.NewMemoryLog()
	q := liveQueue(store, log)

	p, err := q.CreatePool(ctx, models.PoolSpec{DriverID: "d", Window: models.Window{Start: t0, End: t0.Add(time.Hour)}, SeatCount: 1})
	require.NoError(t, err)
	log.FailNext(1)
	_, err = q.Submit(ctx, "alice", p.ID, models.Window{Start: t0, End: t0.Add(time.Minute)})
	require.ErrorIs(t, err, models.ErrStorageUnavailable)

	st, err := Replay(ctx, store, log, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Dropped)
	assert.Empty(t, st.Book.All())
}

func TestReplayRejectsUnknownRequest(t *testing.T) {
	ctx := context.Background()
	log := allocation.NewMemoryLog()
	_, err := log.Append(ctx, models.AllocationRecord{RequestID: "ghost", PoolID: "p", Decision: models.StatusConfirmed})
	require.NoError(t, err)

	_, err = Replay(ctx, storage.NewMemoryStore(), log, nil)
	require.ErrorContains(t, err, "unknown request ghost")
}

func TestReplayRejectsIllegalTransition(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	log := allocation.NewMemoryLog()
	q := liveQueue(store, log)
	p, err := q.CreatePool(ctx, models.PoolSpec{DriverID: "d", Window: models.Window{Start: t0, End: t0.Add(time.Hour)}, SeatCount: 1})
	require.NoError(t, err)
	res, err := q.Submit(ctx, "alice", p.ID, models.Window{Start: t0, End: t0.Add(time.Minute)})
	require.NoError(t, err)
	_, err = log.Append(ctx, models.AllocationRecord{RequestID: res.Request.ID, PoolID: p.ID, RiderID: "alice", Decision: models.StatusWaitlisted})
	require.NoError(t, err)

	_, err = Replay(ctx, store, log, nil)
	require.ErrorContains(t, err, "cannot move from Confirmed to Waitlisted")
}

func TestVerifyReportsViolations(t *testing.T) {
	reg := registry.New()
	book := queue.NewBook()
	id, err := reg.CreatePool(models.PoolSpec{DriverID: "d", Window: models.Window{Start: t0, End: t0.Add(time.Hour)}, SeatCount: 1})
	require.NoError(t, err)

	_, err = reg.ReserveSeat(id, "alice", "r1")
	require.NoError(t, err)
	book.Put(models.JoinRequest{ID: "r1", RiderID: "alice", PoolID: id, Status: models.StatusWaitlisted})
	book.Put(models.JoinRequest{ID: "r2", RiderID: "bob", PoolID: id, Status: models.StatusConfirmed})

	err = Verify(reg, book)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seat held by request r1 in status Waitlisted")
	assert.Contains(t, err.Error(), "request r2 is Confirmed but not placed")
}

func TestReplayAppliesPoolRecords(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	log := allocation.NewMemoryLog()
	q := liveQueue(store, log)
	p, err := q.CreatePool(ctx, models.PoolSpec{DriverID: "d", Window: models.Window{Start: t0, End: t0.Add(time.Hour)}, SeatCount: 1})
	require.NoError(t, err)

	// The record reached the log but the pools row was never updated.
	_, err = log.Append(ctx, models.AllocationRecord{PoolID: p.ID, Decision: models.StatusCancelled, Reason: models.ReasonPoolCancelled})
	require.NoError(t, err)

	st, err := Replay(ctx, store, log, nil)
	require.NoError(t, err)
	got, err := st.Pools.GetPool(p.ID)
	require.NoError(t, err)
	assert.True(t, got.Cancelled)
	assert.Equal(t, 1, st.Records)

	_, err = log.Append(ctx, models.AllocationRecord{PoolID: "ghost", Decision: models.DecisionRescheduled})
	require.NoError(t, err)
	_, err = Replay(ctx, store, log, nil)
	require.ErrorContains(t, err, "unknown pool ghost")
}

// promotionFailingLog fails the append with the given 1-based index.
type promotionFailingLog struct {
	*allocation.MemoryLog
	calls  int
	failAt int
}

func (f *promotionFailingLog) Append(ctx context.Context, rec models.AllocationRecord) (models.AllocationRecord, error) {
	f.calls++
	if f.calls == f.failAt {
		return models.AllocationRecord{}, fmt.Errorf("append: injected: %w", models.ErrStorageUnavailable)
	}
	return f.MemoryLog.Append(ctx, rec)
}

func TestUnassignedSeatFlaggedThenSettledAfterReplay(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	log := allocation.NewMemoryLog()
	q := liveQueue(store, log)
	p, err := q.CreatePool(ctx, models.PoolSpec{DriverID: "d", Window: models.Window{Start: t0, End: t0.Add(time.Hour)}, SeatCount: 1})
	require.NoError(t, err)
	slot := models.Window{Start: t0, End: t0.Add(time.Minute)}
	a, err := q.Submit(ctx, "alice", p.ID, slot)
	require.NoError(t, err)
	b, err := q.Submit(ctx, "bob", p.ID, slot)
	require.NoError(t, err)

	q.Matcher.Log = &promotionFailingLog{MemoryLog: log, calls: 2, failAt: 4}
	_, err = q.Cancel(ctx, a.Request.ID)
	require.ErrorIs(t, err, models.ErrStorageUnavailable)

	st, err := Replay(ctx, store, log, nil)
	require.NoError(t, err)
	err = Verify(st.Pools, st.Book)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 free seats while 1 riders wait")

	restarted := &queue.Queue{
		Pools:   st.Pools,
		Matcher: &matcher.Service{Pools: st.Pools, Log: log, Book: st.Book},
		Book:    st.Book,
		Store:   store,
	}
	require.NoError(t, restarted.Settle(ctx))
	require.NoError(t, Verify(st.Pools, st.Book))
	got, err := restarted.Get(b.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, got.Status)
}
