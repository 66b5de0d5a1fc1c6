package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/example/ridepool/internal/models"
)

// RegisterRider creates a rider profile. Registering an existing id updates
// nothing and returns the stored profile.
func (r *Registry) RegisterRider(id, displayName string) (models.RiderProfile, error) {
	if strings.TrimSpace(id) == "" {
		return models.RiderProfile{}, fmt.Errorf("rider id required: %w", models.ErrInvalidConfig)
	}
	if displayName == "" {
		displayName = id
	}
	r.ridersMu.Lock()
	defer r.ridersMu.Unlock()
	rd, ok := r.riders[id]
	if !ok {
		rd = &rider{id: id, displayName: displayName, reservations: map[string]struct{}{}}
		r.riders[id] = rd
	}
	return rd.profile(), nil
}

// EnsureRider registers id with its id as display name if it is unknown.
func (r *Registry) EnsureRider(id string) error {
	_, err := r.RegisterRider(id, "")
	return err
}

func (r *Registry) GetRider(id string) (models.RiderProfile, error) {
	r.ridersMu.RLock()
	defer r.ridersMu.RUnlock()
	rd, ok := r.riders[id]
	if !ok {
		return models.RiderProfile{}, fmt.Errorf("rider %s: %w", id, models.ErrNotFound)
	}
	return rd.profile(), nil
}

// RemoveRider deletes a profile that holds no reservations.
func (r *Registry) RemoveRider(id string) error {
	r.ridersMu.Lock()
	defer r.ridersMu.Unlock()
	rd, ok := r.riders[id]
	if !ok {
		return fmt.Errorf("rider %s: %w", id, models.ErrNotFound)
	}
	if len(rd.reservations) > 0 {
		return fmt.Errorf("rider %s holds %d reservations: %w", id, len(rd.reservations), models.ErrInvalidTransition)
	}
	delete(r.riders, id)
	return nil
}

func (r *Registry) addReservation(riderID, requestID string) {
	r.ridersMu.Lock()
	defer r.ridersMu.Unlock()
	rd, ok := r.riders[riderID]
	if !ok {
		rd = &rider{id: riderID, displayName: riderID, reservations: map[string]struct{}{}}
		r.riders[riderID] = rd
	}
	rd.reservations[requestID] = struct{}{}
}

func (r *Registry) dropReservation(riderID, requestID string) {
	r.ridersMu.Lock()
	defer r.ridersMu.Unlock()
	if rd, ok := r.riders[riderID]; ok {
		delete(rd.reservations, requestID)
	}
}

func (rd *rider) profile() models.RiderProfile {
	res := make([]string, 0, len(rd.reservations))
	for id := range rd.reservations {
		res = append(res, id)
	}
	sort.Strings(res)
	return models.RiderProfile{ID: rd.id, DisplayName: rd.displayName, Reservations: res}
}
