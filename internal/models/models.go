package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w Window) Valid() bool { return w.Start.Before(w.End) }

// Overlaps reports whether the two windows share any instant. Windows that
// only touch at an endpoint do not overlap.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

type Route struct {
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
	OriginCoord *Coord `json:"origin_coord,omitempty"`
	DestCoord   *Coord `json:"dest_coord,omitempty"`
}

type RiderProfile struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"display_name"`
	Reservations []string `json:"reservations"` // request ids holding a confirmed seat
}

// PoolSpec carries the driver-supplied parameters of a new pool.
type PoolSpec struct {
	DriverID  string `json:"driver_id"`
	Title     string `json:"title"`
	Route     Route  `json:"route"`
	Window    Window `json:"window"`
	SeatCount int    `json:"seat_count"`
	FareCents int64  `json:"fare_cents"`
}

// WaitlistEntry is a request parked on a full pool.
type WaitlistEntry struct {
	RequestID string    `json:"request_id"`
	RiderID   string    `json:"rider_id"`
	Window    Window    `json:"window"`
	ArrivedAt time.Time `json:"arrived_at"`
}

// Before orders waitlist entries by arrival, ties broken by request id.
func (e WaitlistEntry) Before(o WaitlistEntry) bool {
	if !e.ArrivedAt.Equal(o.ArrivedAt) {
		return e.ArrivedAt.Before(o.ArrivedAt)
	}
	return e.RequestID < o.RequestID
}

type Pool struct {
	ID        string            `json:"id"`
	DriverID  string            `json:"driver_id"`
	Title     string            `json:"title"`
	Route     Route             `json:"route"`
	Window    Window            `json:"window"`
	SeatCount int               `json:"seat_count"`
	FareCents int64             `json:"fare_cents"`
	Confirmed map[string]string `json:"confirmed"` // rider id -> request id
	Waitlist  []WaitlistEntry   `json:"waitlist"`
	Cancelled bool              `json:"cancelled"`
	CreatedAt time.Time         `json:"created_at"`
}

func (p Pool) SeatsLeft() int { return p.SeatCount - len(p.Confirmed) }

type RequestStatus string

const (
	StatusPending    RequestStatus = "Pending"
	StatusConfirmed  RequestStatus = "Confirmed"
	StatusWaitlisted RequestStatus = "Waitlisted"
	StatusRejected   RequestStatus = "Rejected"
	StatusCancelled  RequestStatus = "Cancelled"
)

// DecisionRescheduled is the decision of a pool-level record that moved the
// pool window. It is never a request status.
const DecisionRescheduled RequestStatus = "Rescheduled"

// Terminal reports whether no further transition is allowed.
func (s RequestStatus) Terminal() bool {
	return s == StatusRejected || s == StatusCancelled
}

// CanTransition reports whether moving from s to next is a legal request
// status change.
func (s RequestStatus) CanTransition(next RequestStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusConfirmed || next == StatusWaitlisted || next == StatusRejected || next == StatusCancelled
	case StatusWaitlisted:
		return next == StatusConfirmed || next == StatusRejected || next == StatusCancelled
	case StatusConfirmed:
		return next == StatusCancelled
	default:
		return false
	}
}

type Reason string

const (
	ReasonAccepted           Reason = "Accepted"
	ReasonPromoted           Reason = "Promoted"
	ReasonCapacity           Reason = "Capacity"
	ReasonStaleConflict      Reason = "StaleConflict"
	ReasonAlreadyJoined      Reason = "AlreadyJoined"
	ReasonPoolCancelled      Reason = "PoolCancelled"
	ReasonRiderCancelled     Reason = "RiderCancelled"
	ReasonDriverRescheduled  Reason = "DriverRescheduled"
	ReasonStorageUnavailable Reason = "StorageUnavailable"
)

type JoinRequest struct {
	ID         string        `json:"id"`
	RiderID    string        `json:"rider_id"`
	PoolID     string        `json:"pool_id"`
	Window     Window        `json:"window"`
	ArrivedAt  time.Time     `json:"arrived_at"`
	Status     RequestStatus `json:"status"`
	Reason     Reason        `json:"reason,omitempty"`
	DepositRef string        `json:"deposit_ref,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// AllocationRecord is one immutable entry of the allocation log. Decision
// is the status the request moved to. Pool-level records (a pool cancelled
// or rescheduled by its driver) carry no request or rider; Window holds the
// new window of a reschedule.
type AllocationRecord struct {
	Seq       int64         `json:"seq"`
	RequestID string        `json:"request_id"`
	PoolID    string        `json:"pool_id"`
	RiderID   string        `json:"rider_id"`
	Decision  RequestStatus `json:"decision"`
	Reason    Reason        `json:"reason"`
	Window    *Window       `json:"window,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

func (r AllocationRecord) PoolLevel() bool { return r.RequestID == "" }
