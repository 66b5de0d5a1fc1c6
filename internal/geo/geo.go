package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/ridepool/internal/models"
)

// Hit is one pool found near a point, with its pickup distance in meters.
type Hit struct {
	PoolID   string  `json:"pool_id"`
	Distance float64 `json:"distance_m"`
}

// Places indexes pool pickup points for nearby search.
type Places interface {
	Put(ctx context.Context, poolID string, at models.Coord) error
	Remove(ctx context.Context, poolID string) error
	Nearby(ctx context.Context, lat, lon float64, limit int) ([]Hit, error)
}

// DefaultRadius bounds nearby searches, in meters.
const DefaultRadius = 5000.0

type Index struct {
	mu     sync.RWMutex
	points map[string]models.Coord
	radius float64
}

func NewIndex() *Index {
	return &Index{points: make(map[string]models.Coord), radius: DefaultRadius}
}

func (g *Index) Put(_ context.Context, poolID string, at models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.points[poolID] = at
	return nil
}

func (g *Index) Remove(_ context.Context, poolID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.points, poolID)
	return nil
}

// Nearby scans every point; fine for the pool counts one process holds.
func (g *Index) Nearby(_ context.Context, lat, lon float64, limit int) ([]Hit, error) {
	g.mu.RLock()
	hits := make([]Hit, 0, len(g.points))
	for id, c := range g.points {
		if d := Haversine(lat, lon, c.Lat, c.Lon); d <= g.radius {
			hits = append(hits, Hit{PoolID: id, Distance: d})
		}
	}
	g.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].PoolID < hits[j].PoolID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
