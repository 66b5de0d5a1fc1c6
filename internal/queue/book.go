package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/example/ridepool/internal/models"
)

// Book holds every known join request keyed by id. It satisfies
// matcher.Book.
type Book struct {
	mu       sync.RWMutex
	requests map[string]models.JoinRequest
	byPool   map[string][]string
}

func NewBook() *Book {
	return &Book{requests: make(map[string]models.JoinRequest), byPool: make(map[string][]string)}
}

// Put inserts or replaces a request.
func (b *Book) Put(r models.JoinRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.requests[r.ID]; !ok {
		b.byPool[r.PoolID] = append(b.byPool[r.PoolID], r.ID)
	}
	b.requests[r.ID] = r
}

func (b *Book) Get(id string) (models.JoinRequest, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.requests[id]
	return r, ok
}

func (b *Book) SetStatus(id string, status models.RequestStatus, reason models.Reason, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.requests[id]
	if !ok {
		return
	}
	r.Status = status
	r.Reason = reason
	r.UpdatedAt = at
	b.requests[id] = r
}

// Forget drops a request that never got a decision.
func (b *Book) Forget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.requests[id]
	if !ok {
		return
	}
	delete(b.requests, id)
	ids := b.byPool[r.PoolID]
	for i, cur := range ids {
		if cur == id {
			b.byPool[r.PoolID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
}

// ListByPool returns the pool's requests ordered by arrival, then id.
func (b *Book) ListByPool(poolID string) []models.JoinRequest {
	b.mu.RLock()
	out := make([]models.JoinRequest, 0, len(b.byPool[poolID]))
	for _, id := range b.byPool[poolID] {
		out = append(out, b.requests[id])
	}
	b.mu.RUnlock()
	sortRequests(out)
	return out
}

// All returns every request ordered by arrival, then id.
func (b *Book) All() []models.JoinRequest {
	b.mu.RLock()
	out := make([]models.JoinRequest, 0, len(b.requests))
	for _, r := range b.requests {
		out = append(out, r)
	}
	b.mu.RUnlock()
	sortRequests(out)
	return out
}

func sortRequests(rs []models.JoinRequest) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].ArrivedAt.Equal(rs[j].ArrivedAt) {
			return rs[i].ArrivedAt.Before(rs[j].ArrivedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}
