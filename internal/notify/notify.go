// README: Notification port and event payloads published on ride activity.
package notify

import (
	"context"
	"time"

	"github.com/Kuany4953/wasil-sub001/internal/types"
)

// Notifier delivers ride lifecycle events to the parties that care about
// them. Implementations must be safe for concurrent use; delivery is at
// most once and callers treat failures as non-fatal.
type Notifier interface {
	// DriverOffered tells one candidate driver about a dispatched request.
	DriverOffered(ctx context.Context, offer DriverOffer) error
	// WaveSent tells the rider how many drivers were offered their request.
	WaveSent(ctx context.Context, w Wave) error
	// RiderMatched tells the rider their request was accepted.
	RiderMatched(ctx context.Context, m Match) error
	// RideTaken tells a losing candidate the request is gone.
	RideTaken(ctx context.Context, t Taken) error
	// StatusChanged reports a ride lifecycle transition.
	StatusChanged(ctx context.Context, u StatusUpdate) error
	// RideCancelled reports a cancellation with the fee charged.
	RideCancelled(ctx context.Context, c Cancellation) error
}

// DriverOffer is the dispatch payload shown to a candidate driver.
type DriverOffer struct {
	RideUUID           string      `json:"ride_uuid"`
	DriverID           types.ID    `json:"driver_id"`
	Pickup             types.Point `json:"pickup"`
	PickupAddress      string      `json:"pickup_address"`
	Dropoff            types.Point `json:"dropoff"`
	DropoffAddress     string      `json:"dropoff_address"`
	RideType           string      `json:"ride_type"`
	EstimatedFare      int64       `json:"estimated_fare"`
	Currency           string      `json:"currency"`
	DistanceToPickupKm float64     `json:"distance_to_pickup_km"`
	EtaSeconds         int64       `json:"eta_seconds"`
	ExpiresAt          time.Time   `json:"expires_at"`
}

// Wave is the rider's "N drivers notified" progress message for one
// dispatch fan-out.
type Wave struct {
	RideUUID        string    `json:"ride_uuid"`
	RiderID         types.ID  `json:"rider_id"`
	DriversNotified int       `json:"drivers_notified"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Match tells the rider which driver accepted and how far out they are.
type Match struct {
	RideUUID   string   `json:"ride_uuid"`
	RiderID    types.ID `json:"rider_id"`
	DriverID   types.ID `json:"driver_id"`
	EtaSeconds int64    `json:"eta_seconds"`
}

// Taken closes the offer on a losing driver's screen.
type Taken struct {
	RideUUID string   `json:"ride_uuid"`
	DriverID types.ID `json:"driver_id"`
}

// StatusUpdate reports one ride transition to the rider's live view.
type StatusUpdate struct {
	RideUUID   string    `json:"ride_uuid"`
	RiderID    types.ID  `json:"rider_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Cancellation reports who pulled out and what it cost.
type Cancellation struct {
	RideUUID    string      `json:"ride_uuid"`
	RiderID     types.ID    `json:"rider_id"`
	DriverID    *types.ID   `json:"driver_id,omitempty"`
	CancelledBy types.Actor `json:"cancelled_by"`
	Reason      string      `json:"reason,omitempty"`
	Fee         int64       `json:"fee"`
	Currency    string      `json:"currency"`
	OccurredAt  time.Time   `json:"occurred_at"`
}
