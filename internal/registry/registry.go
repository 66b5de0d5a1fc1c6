package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ridepool/internal/models"
)

// entry pairs a pool with its own allocation lock. alloc is held by the
// matcher across a whole decision; mu only guards the pool fields so that
// readers and ReserveSeat stay linearizable even without alloc.
type entry struct {
	alloc sync.Mutex
	mu    sync.RWMutex
	pool  models.Pool
}

// Registry is the arena of pools keyed by id plus the rider directory.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*entry
	order []string

	ridersMu sync.RWMutex
	riders   map[string]*rider

	now   func() time.Time
	newID func() string
}

type rider struct {
	id           string
	displayName  string
	reservations map[string]struct{}
}

type Option func(*Registry)

// WithClock overrides the clock used for CreatedAt stamps.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithIDs overrides pool id generation.
func WithIDs(newID func() string) Option { return func(r *Registry) { r.newID = newID } }

func New(opts ...Option) *Registry {
	r := &Registry{
		pools:  make(map[string]*entry),
		riders: make(map[string]*rider),
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func validateSpec(spec models.PoolSpec) error {
	switch {
	case strings.TrimSpace(spec.DriverID) == "":
		return fmt.Errorf("driver id required: %w", models.ErrInvalidConfig)
	case spec.SeatCount <= 0:
		return fmt.Errorf("seat count %d must be > 0: %w", spec.SeatCount, models.ErrInvalidConfig)
	case !spec.Window.Valid():
		return fmt.Errorf("window start must precede end: %w", models.ErrInvalidConfig)
	case spec.FareCents < 0:
		return fmt.Errorf("fare must not be negative: %w", models.ErrInvalidConfig)
	}
	return nil
}

// NewPool validates spec and builds a pool without registering it.
func (r *Registry) NewPool(spec models.PoolSpec) (models.Pool, error) {
	if err := validateSpec(spec); err != nil {
		return models.Pool{}, err
	}
	return models.Pool{
		ID:        r.newID(),
		DriverID:  spec.DriverID,
		Title:     spec.Title,
		Route:     spec.Route,
		Window:    spec.Window,
		SeatCount: spec.SeatCount,
		FareCents: spec.FareCents,
		Confirmed: map[string]string{},
		CreatedAt: r.now().UTC(),
	}, nil
}

// CreatePool registers a new pool and returns its id.
func (r *Registry) CreatePool(spec models.PoolSpec) (string, error) {
	p, err := r.NewPool(spec)
	if err != nil {
		return "", err
	}
	r.Insert(p)
	return p.ID, nil
}

// Insert adds an already built pool, replacing any pool with the same id.
// Used by CreatePool and by recovery.
func (r *Registry) Insert(p models.Pool) {
	if p.Confirmed == nil {
		p.Confirmed = map[string]string{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pools[p.ID]; !ok {
		r.order = append(r.order, p.ID)
	}
	r.pools[p.ID] = &entry{pool: p}
}

func (r *Registry) lookup(poolID string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.pools[poolID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", poolID, models.ErrNotFound)
	}
	return e, nil
}

// GetPool returns a deep copy of the pool.
func (r *Registry) GetPool(poolID string) (models.Pool, error) {
	e, err := r.lookup(poolID)
	if err != nil {
		return models.Pool{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return clonePool(e.pool), nil
}

// ListPools returns snapshots of every pool in creation order.
func (r *Registry) ListPools() []models.Pool {
	r.mu.RLock()
	ids := append([]string(nil), r.order...)
	r.mu.RUnlock()
	out := make([]models.Pool, 0, len(ids))
	for _, id := range ids {
		if p, err := r.GetPool(id); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// Lock acquires the exclusive allocation lock of one pool. The returned
// func releases it.
func (r *Registry) Lock(poolID string) (func(), error) {
	e, err := r.lookup(poolID)
	if err != nil {
		return nil, err
	}
	e.alloc.Lock()
	return e.alloc.Unlock, nil
}

// ReserveSeat confirms riderID in the pool iff a seat remains and the rider
// holds none yet. A full pool is not an error.
func (r *Registry) ReserveSeat(poolID, riderID, requestID string) (bool, error) {
	e, err := r.lookup(poolID)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	if _, held := e.pool.Confirmed[riderID]; held || len(e.pool.Confirmed) >= e.pool.SeatCount {
		e.mu.Unlock()
		return false, nil
	}
	e.pool.Confirmed[riderID] = requestID
	e.mu.Unlock()

	r.addReservation(riderID, requestID)
	return true, nil
}

// ReleaseSeat frees the rider's seat. Releasing a seat that is not held, or
// on an unknown pool, is a no-op so that replays are harmless.
func (r *Registry) ReleaseSeat(poolID, riderID string) {
	e, err := r.lookup(poolID)
	if err != nil {
		return
	}
	e.mu.Lock()
	requestID, held := e.pool.Confirmed[riderID]
	delete(e.pool.Confirmed, riderID)
	e.mu.Unlock()

	if held {
		r.dropReservation(riderID, requestID)
	}
}

// Enqueue inserts an entry into the pool waitlist keeping (ArrivedAt,
// RequestID) order. Re-enqueueing an already waiting request is a no-op.
func (r *Registry) Enqueue(poolID string, w models.WaitlistEntry) error {
	e, err := r.lookup(poolID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cur := range e.pool.Waitlist {
		if cur.RequestID == w.RequestID {
			return nil
		}
	}
	i := sort.Search(len(e.pool.Waitlist), func(i int) bool { return w.Before(e.pool.Waitlist[i]) })
	e.pool.Waitlist = append(e.pool.Waitlist, models.WaitlistEntry{})
	copy(e.pool.Waitlist[i+1:], e.pool.Waitlist[i:])
	e.pool.Waitlist[i] = w
	return nil
}

// PeekHead returns the first waitlisted entry without removing it.
func (r *Registry) PeekHead(poolID string) (models.WaitlistEntry, bool) {
	e, err := r.lookup(poolID)
	if err != nil {
		return models.WaitlistEntry{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.pool.Waitlist) == 0 {
		return models.WaitlistEntry{}, false
	}
	return e.pool.Waitlist[0], true
}

// RemoveWaiting drops requestID from the waitlist and reports whether it
// was present.
func (r *Registry) RemoveWaiting(poolID, requestID string) bool {
	e, err := r.lookup(poolID)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, w := range e.pool.Waitlist {
		if w.RequestID == requestID {
			e.pool.Waitlist = append(e.pool.Waitlist[:i], e.pool.Waitlist[i+1:]...)
			return true
		}
	}
	return false
}

// CheckReschedule reports whether the pool could move to window: every
// confirmed rider must still overlap it. Waitlisted riders are re-checked on
// promotion instead. confirmedWindows maps rider id to requested window.
func (r *Registry) CheckReschedule(poolID string, window models.Window, confirmedWindows map[string]models.Window) error {
	e, err := r.lookup(poolID)
	if err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return checkReschedule(e.pool, window, confirmedWindows)
}

// Reschedule moves the pool window after the same checks as
// CheckReschedule. The caller must hold the pool allocation lock.
func (r *Registry) Reschedule(poolID string, window models.Window, confirmedWindows map[string]models.Window) error {
	e, err := r.lookup(poolID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := checkReschedule(e.pool, window, confirmedWindows); err != nil {
		return err
	}
	e.pool.Window = window
	return nil
}

func checkReschedule(p models.Pool, window models.Window, confirmedWindows map[string]models.Window) error {
	if !window.Valid() {
		return fmt.Errorf("window start must precede end: %w", models.ErrInvalidConfig)
	}
	for riderID := range p.Confirmed {
		if w, ok := confirmedWindows[riderID]; ok && !w.Overlaps(window) {
			return fmt.Errorf("confirmed rider %s outside new window: %w", riderID, models.ErrTimeConflict)
		}
	}
	return nil
}

// MarkCancelled flags the pool as withdrawn by its driver.
func (r *Registry) MarkCancelled(poolID string) error {
	e, err := r.lookup(poolID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.pool.Cancelled = true
	e.mu.Unlock()
	return nil
}

func clonePool(p models.Pool) models.Pool {
	out := p
	out.Confirmed = make(map[string]string, len(p.Confirmed))
	for k, v := range p.Confirmed {
		out.Confirmed[k] = v
	}
	out.Waitlist = append([]models.WaitlistEntry(nil), p.Waitlist...)
	if p.Route.OriginCoord != nil {
		c := *p.Route.OriginCoord
		out.Route.OriginCoord = &c
	}
	if p.Route.DestCoord != nil {
		c := *p.Route.DestCoord
		out.Route.DestCoord = &c
	}
	return out
}
