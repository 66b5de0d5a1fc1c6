package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/example/ridepool/internal/models"
)

// Store persists pool definitions, request definitions and rider profiles.
// Dynamic allocation state (confirmed sets, waitlists, statuses) is not
// stored here; it is rebuilt from the allocation log.
type Store interface {
	SavePool(ctx context.Context, p models.Pool) error
	UpdatePoolWindow(ctx context.Context, poolID string, w models.Window) error
	MarkPoolCancelled(ctx context.Context, poolID string) error
	SaveRequest(ctx context.Context, r models.JoinRequest) error
	SaveRider(ctx context.Context, r models.RiderProfile) error
	LoadPools(ctx context.Context) ([]models.Pool, error)
	LoadRequests(ctx context.Context) ([]models.JoinRequest, error)
	LoadRiders(ctx context.Context) ([]models.RiderProfile, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	pools    map[string]models.Pool
	requests map[string]models.JoinRequest
	riders   map[string]models.RiderProfile
	fail     int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:    make(map[string]models.Pool),
		requests: make(map[string]models.JoinRequest),
		riders:   make(map[string]models.RiderProfile),
	}
}

// FailNext makes the next n writes fail with ErrStorageUnavailable.
func (m *MemoryStore) FailNext(n int) {
	m.mu.Lock()
	m.fail = n
	m.mu.Unlock()
}

func (m *MemoryStore) failing() error {
	if m.fail > 0 {
		m.fail--
		return fmt.Errorf("injected failure: %w", models.ErrStorageUnavailable)
	}
	return nil
}

func (m *MemoryStore) SavePool(_ context.Context, p models.Pool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing(); err != nil {
		return err
	}
	p.Confirmed = nil
	p.Waitlist = nil
	m.pools[p.ID] = p
	return nil
}

func (m *MemoryStore) UpdatePoolWindow(_ context.Context, poolID string, w models.Window) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing(); err != nil {
		return err
	}
	p, ok := m.pools[poolID]
	if !ok {
		return fmt.Errorf("pool %s: %w", poolID, models.ErrNotFound)
	}
	p.Window = w
	m.pools[poolID] = p
	return nil
}

func (m *MemoryStore) MarkPoolCancelled(_ context.Context, poolID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing(); err != nil {
		return err
	}
	p, ok := m.pools[poolID]
	if !ok {
		return fmt.Errorf("pool %s: %w", poolID, models.ErrNotFound)
	}
	p.Cancelled = true
	m.pools[poolID] = p
	return nil
}

func (m *MemoryStore) SaveRequest(_ context.Context, r models.JoinRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing(); err != nil {
		return err
	}
	r.Status = models.StatusPending
	r.Reason = ""
	m.requests[r.ID] = r
	return nil
}

func (m *MemoryStore) SaveRider(_ context.Context, r models.RiderProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing(); err != nil {
		return err
	}
	r.Reservations = nil
	m.riders[r.ID] = r
	return nil
}

func (m *MemoryStore) LoadPools(context.Context) ([]models.Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) LoadRequests(context.Context) ([]models.JoinRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.JoinRequest, 0, len(m.requests))
	for _, r := range m.requests {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) LoadRiders(context.Context) ([]models.RiderProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.RiderProfile, 0, len(m.riders))
	for _, r := range m.riders {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
