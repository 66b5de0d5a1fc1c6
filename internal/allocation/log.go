package allocation

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/example/ridepool/internal/models"
)

// Log is the append-only allocation record store. It is the recovery source
// of truth: replaying All in order rebuilds every pool and request.
type Log interface {
	// Append durably stores rec and returns it with its sequence number.
	// The only failure is models.ErrStorageUnavailable.
	Append(ctx context.Context, rec models.AllocationRecord) (models.AllocationRecord, error)
	// History yields the records of one pool in sequence order. Each range
	// over the returned sequence starts from the beginning.
	History(ctx context.Context, poolID string) iter.Seq2[models.AllocationRecord, error]
	// All yields every record in sequence order.
	All(ctx context.Context) iter.Seq2[models.AllocationRecord, error]
}

// Collect drains a record sequence into a slice.
func Collect(seq iter.Seq2[models.AllocationRecord, error]) ([]models.AllocationRecord, error) {
	var out []models.AllocationRecord
	for rec, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// MemoryLog keeps records in process. FailNext lets tests simulate an
// unavailable backend.
type MemoryLog struct {
	mu      sync.RWMutex
	records []models.AllocationRecord
	fail    int
}

func NewMemoryLog() *MemoryLog { return &MemoryLog{} }

// FailNext makes the next n appends fail with ErrStorageUnavailable.
func (m *MemoryLog) FailNext(n int) {
	m.mu.Lock()
	m.fail = n
	m.mu.Unlock()
}

func (m *MemoryLog) Append(ctx context.Context, rec models.AllocationRecord) (models.AllocationRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.AllocationRecord{}, fmt.Errorf("append: %v: %w", err, models.ErrStorageUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail > 0 {
		m.fail--
		return models.AllocationRecord{}, fmt.Errorf("append: injected failure: %w", models.ErrStorageUnavailable)
	}
	rec.Seq = int64(len(m.records)) + 1
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *MemoryLog) History(ctx context.Context, poolID string) iter.Seq2[models.AllocationRecord, error] {
	return m.scan(ctx, func(r models.AllocationRecord) bool { return r.PoolID == poolID })
}

func (m *MemoryLog) All(ctx context.Context) iter.Seq2[models.AllocationRecord, error] {
	return m.scan(ctx, func(models.AllocationRecord) bool { return true })
}

// scan walks records by index so appends made while iterating are seen
// without holding the lock across yields.
func (m *MemoryLog) scan(ctx context.Context, keep func(models.AllocationRecord) bool) iter.Seq2[models.AllocationRecord, error] {
	return func(yield func(models.AllocationRecord, error) bool) {
		for i := 0; ; i++ {
			if err := ctx.Err(); err != nil {
				yield(models.AllocationRecord{}, fmt.Errorf("history: %v: %w", err, models.ErrStorageUnavailable))
				return
			}
			m.mu.RLock()
			if i >= len(m.records) {
				m.mu.RUnlock()
				return
			}
			rec := m.records[i]
			m.mu.RUnlock()
			if keep(rec) && !yield(rec, nil) {
				return
			}
		}
	}
}

// Len reports how many records have been appended.
func (m *MemoryLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
