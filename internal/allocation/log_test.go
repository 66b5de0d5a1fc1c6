package allocation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ridepool/internal/models"
)

func rec(req, pool string, d models.RequestStatus) models.AllocationRecord {
	return models.AllocationRecord{RequestID: req, PoolID: pool, RiderID: "rider-" + req, Decision: d, Timestamp: time.Unix(1, 0)}
}

func TestMemoryLogAssignsSequence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewMemoryLog()

	a, err := l.Append(ctx, rec("r1", "p1", models.StatusConfirmed))
	require.NoError(t, err)
	b, err := l.Append(ctx, rec("r2", "p2", models.StatusWaitlisted))
	require.NoError(t, err)
	c, err := l.Append(ctx, rec("r3", "p1", models.StatusConfirmed))
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3}, []int64{a.Seq, b.Seq, c.Seq})

	hist, err := Collect(l.History(ctx, "p1"))
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "r1", hist[0].RequestID)
	assert.Equal(t, "r3", hist[1].RequestID)
}

func TestMemoryLogHistoryIsRestartable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewMemoryLog()
	for _, id := range []string{"r1", "r2", "r3"} {
		_, err := l.Append(ctx, rec(id, "p1", models.StatusConfirmed))
		require.NoError(t, err)
	}

	seq := l.History(ctx, "p1")
	var first []string
	for r, err := range seq {
		require.NoError(t, err)
		first = append(first, r.RequestID)
		if len(first) == 2 {
			break
		}
	}
	again, err := Collect(seq)
	require.NoError(t, err)

	assert.Equal(t, []string{"r1", "r2"}, first)
	assert.Len(t, again, 3)
}

func TestMemoryLogFailNext(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewMemoryLog()
	l.FailNext(1)

	_, err := l.Append(ctx, rec("r1", "p1", models.StatusConfirmed))
	require.ErrorIs(t, err, models.ErrStorageUnavailable)
	assert.Equal(t, 0, l.Len())

	got, err := l.Append(ctx, rec("r1", "p1", models.StatusConfirmed))
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Seq)
}

func TestMemoryLogCancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryLog().Append(ctx, rec("r1", "p1", models.StatusConfirmed))
	require.ErrorIs(t, err, models.ErrStorageUnavailable)
}
