package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ridepool/internal/allocation"
	"github.com/example/ridepool/internal/geo"
	"github.com/example/ridepool/internal/matcher"
	"github.com/example/ridepool/internal/models"
	"github.com/example/ridepool/internal/registry"
	"github.com/example/ridepool/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeDeposits struct {
	mu        sync.Mutex
	holds     map[string]int64
	cancelled []string
	fail      bool
	n         int
}

func (f *fakeDeposits) Hold(_ context.Context, amount int64, currency, customerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("card declined")
	}
	f.n++
	ref := fmt.Sprintf("pi_%d", f.n)
	if f.holds == nil {
		f.holds = map[string]int64{}
	}
	f.holds[ref] = amount
	return ref, nil
}

func (f *fakeDeposits) Cancel(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, ref)
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent map[string][]models.RequestStatus
}

func (f *fakeNotifier) Notify(riderID string, rec models.AllocationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = map[string][]models.RequestStatus{}
	}
	f.sent[riderID] = append(f.sent[riderID], rec.Decision)
	return nil
}

type fakePublisher struct {
	mu   sync.Mutex
	recs []models.AllocationRecord
}

func (f *fakePublisher) Publish(rec models.AllocationRecord) {
	f.mu.Lock()
	f.recs = append(f.recs, rec)
	f.mu.Unlock()
}

// flakyLog fails exactly the append with the given 1-based index.
type flakyLog struct {
	*allocation.MemoryLog
	calls  int
	failAt int
}

func (f *flakyLog) Append(ctx context.Context, rec models.AllocationRecord) (models.AllocationRecord, error) {
	f.calls++
	if f.calls == f.failAt {
		return models.AllocationRecord{}, fmt.Errorf("append: injected: %w", models.ErrStorageUnavailable)
	}
	return f.MemoryLog.Append(ctx, rec)
}

type fixture struct {
	q        *Queue
	store    *storage.MemoryStore
	log      *allocation.MemoryLog
	deposits *fakeDeposits
	notifier *fakeNotifier
	events   *fakePublisher
}

func newFixture() *fixture {
	reg := registry.New()
	book := NewBook()
	log := allocation.NewMemoryLog()
	f := &fixture{
		store:    storage.NewMemoryStore(),
		log:      log,
		deposits: &fakeDeposits{},
		notifier: &fakeNotifier{},
		events:   &fakePublisher{},
	}
	var n int
	f.q = &Queue{
		Pools:    reg,
		Matcher:  &matcher.Service{Pools: reg, Log: log, Book: book},
		Book:     book,
		Store:    f.store,
		Deposits: f.deposits,
		Notifier: f.notifier,
		Events:   f.events,
		Now: func() time.Time {
			n++
			return t0.Add(time.Duration(n) * time.Second)
		},
	}
	return f
}

func (f *fixture) pool(t *testing.T, seats int, fare int64) models.Pool {
	t.Helper()
	p, err := f.q.CreatePool(context.Background(), models.PoolSpec{
		DriverID:  "driver",
		Title:     "airport run",
		Window:    models.Window{Start: t0, End: t0.Add(time.Hour)},
		SeatCount: seats,
		FareCents: fare,
	})
	require.NoError(t, err)
	return p
}

var inside = models.Window{Start: t0.Add(10 * time.Minute), End: t0.Add(20 * time.Minute)}

func TestSubmitConfirmsThenWaitlists(t *testing.T) {
	f := newFixture()
	p := f.pool(t, 1, 0)
	ctx := context.Background()

	a, err := f.q.Submit(ctx, "alice", p.ID, inside)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, a.Request.Status)
	require.Len(t, a.Records, 1)

	b, err := f.q.Submit(ctx, "bob", p.ID, inside)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaitlisted, b.Request.Status)

	c, err := f.q.Cancel(ctx, a.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, c.Request.Status)
	require.Len(t, c.Records, 2)
	assert.Equal(t, b.Request.ID, c.Records[1].RequestID)

	got, err := f.q.Get(b.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, got.Status)

	assert.Equal(t, []models.RequestStatus{models.StatusConfirmed, models.StatusCancelled}, f.notifier.sent["alice"])
	assert.Equal(t, []models.RequestStatus{models.StatusWaitlisted, models.StatusConfirmed}, f.notifier.sent["bob"])
	assert.Len(t, f.events.recs, 4)
}

func TestSubmitValidationRecordsNothing(t *testing.T) {
	f := newFixture()
	p := f.pool(t, 2, 0)
	ctx := context.Background()

	_, err := f.q.Submit(ctx, "", p.ID, inside)
	require.ErrorIs(t, err, models.ErrInvalidConfig)

	_, err = f.q.Submit(ctx, "alice", p.ID, models.Window{Start: inside.End, End: inside.Start})
	require.ErrorIs(t, err, models.ErrInvalidConfig)

	_, err = f.q.Submit(ctx, "alice", "missing", inside)
	require.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.q.Submit(ctx, "alice", p.ID, models.Window{Start: t0.Add(2 * time.Hour), End: t0.Add(3 * time.Hour)})
	require.ErrorIs(t, err, models.ErrTimeConflict)

	assert.Zero(t, f.log.Len())
	reqs, err := f.q.ListByPool(p.ID)
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestSubmitStorageFailureLeavesNoTrace(t *testing.T) {
	f := newFixture()
	p := f.pool(t, 1, 1500)
	f.log.FailNext(1)

	_, err := f.q.Submit(context.Background(), "alice", p.ID, inside)
	require.ErrorIs(t, err, models.ErrStorageUnavailable)
	assert.False(t, IsCallerError(err))

	reqs, _ := f.q.ListByPool(p.ID)
	assert.Empty(t, reqs)
	got, _ := f.q.Pools.GetPool(p.ID)
	assert.Empty(t, got.Confirmed)
	assert.Equal(t, []string{"pi_1"}, f.deposits.cancelled, "held deposit is released")
}

func TestDepositHeldAndReleasedOnCancel(t *testing.T) {
	f := newFixture()
	p := f.pool(t, 1, 2500)
	ctx := context.Background()

	res, err := f.q.Submit(ctx, "alice", p.ID, inside)
	require.NoError(t, err)
	assert.Equal(t, "pi_1", res.Request.DepositRef)
	assert.EqualValues(t, 2500, f.deposits.holds["pi_1"])
	assert.Empty(t, f.deposits.cancelled)

	_, err = f.q.Cancel(ctx, res.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"pi_1"}, f.deposits.cancelled)
}

func TestDepositDeclinedIsPaymentFailed(t *testing.T) {
	f := newFixture()
	p := f.pool(t, 1, 2500)
	f.deposits.fail = true

	_, err := f.q.Submit(context.Background(), "alice", p.ID, inside)
	require.ErrorIs(t, err, models.ErrPaymentFailed)
	assert.Zero(t, f.log.Len())
}

func TestRejectedRequestReleasesDeposit(t *testing.T) {
	f := newFixture()
	p := f.pool(t, 2, 900)
	ctx := context.Background()

	_, err := f.q.Submit(ctx, "alice", p.ID, inside)
	require.NoError(t, err)
	dup, err := f.q.Submit(ctx, "alice", p.ID, inside)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, dup.Request.Status)
	assert.Equal(t, models.ReasonAlreadyJoined, dup.Request.Reason)
	assert.Equal(t, []string{"pi_2"}, f.deposits.cancelled)
}

func TestCancelPoolPersistsAndCancelsAll(t *testing.T) {
	f := newFixture()
	p := f.pool(t, 1, 0)
	ctx := context.Background()

	a, err := f.q.Submit(ctx, "alice", p.ID, inside)
	require.NoError(t, err)
	b, err := f.q.Submit(ctx, "bob", p.ID, inside)
	require.NoError(t, err)

	recs, err := f.q.CancelPool(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.True(t, recs[0].PoolLevel())
	assert.Len(t, f.events.recs, 5)
	assert.NotContains(t, f.notifier.sent, "")

	for _, id := range []string{a.Request.ID, b.Request.ID} {
		r, _ := f.q.Get(id)
		assert.Equal(t, models.StatusCancelled, r.Status)
		assert.Equal(t, models.ReasonPoolCancelled, r.Reason)
	}

	stored, err := f.store.LoadPools(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.True(t, stored[0].Cancelled)

	_, err = f.q.Cancel(ctx, a.Request.ID)
	require.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestReschedulePersistsWindow(t *testing.T) {
	f := newFixture()
	p := f.pool(t, 2, 0)
	ctx := context.Background()
	_, err := f.q.Submit(ctx, "alice", p.ID, inside)
	require.NoError(t, err)

	_, err = f.q.Reschedule(ctx, p.ID, models.Window{Start: t0.Add(30 * time.Minute), End: t0.Add(2 * time.Hour)})
	require.ErrorIs(t, err, models.ErrTimeConflict)

	moved := models.Window{Start: t0.Add(15 * time.Minute), End: t0.Add(2 * time.Hour)}
	got, err := f.q.Reschedule(ctx, p.ID, moved)
	require.NoError(t, err)
	assert.Equal(t, moved, got.Window)

	stored, _ := f.store.LoadPools(ctx)
	assert.Equal(t, moved, stored[0].Window)

	recs, err := allocation.Collect(f.log.History(ctx, p.ID))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, models.DecisionRescheduled, recs[1].Decision)
	assert.Equal(t, &moved, recs[1].Window)
}

func TestRescheduleStoreFailureKeepsOldWindow(t *testing.T) {
	f := newFixture()
	p := f.pool(t, 2, 0)
	f.store.FailNext(1)

	_, err := f.q.Reschedule(context.Background(), p.ID, models.Window{Start: t0, End: t0.Add(2 * time.Hour)})
	require.ErrorIs(t, err, models.ErrStorageUnavailable)
	got, _ := f.q.Pools.GetPool(p.ID)
	assert.Equal(t, p.Window, got.Window)
}

func TestRegisterRider(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.q.RegisterRider(ctx, " ", "")
	require.ErrorIs(t, err, models.ErrInvalidConfig)

	prof, err := f.q.RegisterRider(ctx, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, "alice", prof.DisplayName)

	riders, err := f.store.LoadRiders(ctx)
	require.NoError(t, err)
	assert.Len(t, riders, 1)
}

func TestConcurrentSubmitsFillExactly(t *testing.T) {
	f := newFixture()
	p := f.pool(t, 3, 0)
	f.q.Now = nil

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.q.Submit(context.Background(), fmt.Sprintf("rider-%d", i), p.ID, inside)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	counts := map[models.RequestStatus]int{}
	reqs, err := f.q.ListByPool(p.ID)
	require.NoError(t, err)
	for _, r := range reqs {
		counts[r.Status]++
	}
	assert.Equal(t, 3, counts[models.StatusConfirmed])
	assert.Equal(t, 37, counts[models.StatusWaitlisted])
	assert.Equal(t, 40, f.log.Len())
}

func TestNearbySkipsCancelledPools(t *testing.T) {
	f := newFixture()
	f.q.Places = geo.NewIndex()
	ctx := context.Background()

	mk := func(lat float64) models.Pool {
		p, err := f.q.CreatePool(ctx, models.PoolSpec{
			DriverID:  "driver",
			Route:     models.Route{Origin: "stop", OriginCoord: &models.Coord{Lat: lat, Lon: 13.405}},
			Window:    models.Window{Start: t0, End: t0.Add(time.Hour)},
			SeatCount: 2,
		})
		require.NoError(t, err)
		return p
	}
	near := mk(52.5201)
	far := mk(52.5290)
	gone := mk(52.5200)
	_, err := f.q.CancelPool(ctx, gone.ID)
	require.NoError(t, err)

	pools, err := f.q.Nearby(ctx, 52.52, 13.405, 10)
	require.NoError(t, err)
	require.Len(t, pools, 2)
	assert.Equal(t, near.ID, pools[0].ID)
	assert.Equal(t, far.ID, pools[1].ID)
}

func TestCancelReportsUnassignedSeat(t *testing.T) {
	f := newFixture()
	p := f.pool(t, 1, 0)
	ctx := context.Background()

	a, err := f.q.Submit(ctx, "alice", p.ID, inside)
	require.NoError(t, err)
	b, err := f.q.Submit(ctx, "bob", p.ID, inside)
	require.NoError(t, err)

	f.q.Matcher.Log = &flakyLog{MemoryLog: f.log, calls: 2, failAt: 4}
	res, err := f.q.Cancel(ctx, a.Request.ID)
	require.ErrorIs(t, err, models.ErrStorageUnavailable)
	assert.Equal(t, models.StatusCancelled, res.Request.Status)
	require.Len(t, res.Records, 1)

	waiting, _ := f.q.Get(b.Request.ID)
	require.Equal(t, models.StatusWaitlisted, waiting.Status)

	require.NoError(t, f.q.Settle(ctx))
	got, _ := f.q.Get(b.Request.ID)
	assert.Equal(t, models.StatusConfirmed, got.Status)
	assert.Equal(t, models.ReasonPromoted, got.Reason)
	assert.Equal(t, []models.RequestStatus{models.StatusWaitlisted, models.StatusConfirmed}, f.notifier.sent["bob"])
}

func TestArrivalTimesKeepMicrosecondPrecision(t *testing.T) {
	f := newFixture()
	p := f.pool(t, 1, 0)
	f.q.Now = func() time.Time { return t0.Add(123456789 * time.Nanosecond) }

	res, err := f.q.Submit(context.Background(), "alice", p.ID, inside)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(123456*time.Microsecond), res.Request.ArrivedAt)
	require.Len(t, res.Records, 1)
	assert.Zero(t, res.Records[0].Timestamp.Nanosecond()%1000)
}
