package geo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ridepool/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// one degree of latitude is about 111.2 km
	assert.InDelta(t, 111195, Haversine(0, 0, 1, 0), 50)
}

func TestNearbyOrdersAndLimits(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	require.NoError(t, idx.Put(ctx, "far", models.Coord{Lat: 52.5300, Lon: 13.4050}))
	require.NoError(t, idx.Put(ctx, "near", models.Coord{Lat: 52.5205, Lon: 13.4050}))
	require.NoError(t, idx.Put(ctx, "mid", models.Coord{Lat: 52.5250, Lon: 13.4050}))
	require.NoError(t, idx.Put(ctx, "other-city", models.Coord{Lat: 48.1351, Lon: 11.5820}))

	hits, err := idx.Nearby(ctx, 52.5200, 13.4050, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "near", hits[0].PoolID)
	assert.Equal(t, "mid", hits[1].PoolID)

	all, err := idx.Nearby(ctx, 52.5200, 13.4050, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3, "pools beyond the radius are excluded")

	require.NoError(t, idx.Remove(ctx, "near"))
	hits, _ = idx.Nearby(ctx, 52.5200, 13.4050, 1)
	assert.Equal(t, "mid", hits[0].PoolID)
}
