// README: Dispatch requests (driver offers) and their lifecycle.
package dispatch

import (
	"time"

	"github.com/Kuany4953/wasil-sub001/internal/types"
)

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestDeclined RequestStatus = "declined"
	RequestExpired  RequestStatus = "expired"
	RequestTaken    RequestStatus = "taken"
)

// RideRequest is one offer extended to one driver. The (ride_id, driver_id)
// pair is the identity; a driver never holds two live offers for the same
// ride.
type RideRequest struct {
	RideID             types.ID
	DriverID           types.ID
	Status             RequestStatus
	DistanceToPickupKm float64
	EtaSeconds         int64
	CreatedAt          time.Time
	RespondedAt        *time.Time
}

// Result describes one dispatch wave.
type Result struct {
	RideID    types.ID
	Offered   []RideRequest
	ExpiresAt time.Time
}

// Acceptance is returned to the winning driver.
type Acceptance struct {
	RideID             types.ID
	DriverID           types.ID
	DistanceToPickupKm float64
	EtaSeconds         int64
}

// DeclineResult reports how many offers remain live after a decline.
type DeclineResult struct {
	RideID          types.ID
	RemainingOffers int
	WaveExhausted   bool
}

// AcceptCheck is the advisory pre-check a driver app calls before accepting.
// The settlement transaction re-verifies everything.
type AcceptCheck struct {
	Allowed bool
	Reason  string
}

const (
	ReasonNoPendingRequest  = "no_pending_request"
	ReasonRideGone          = "ride_gone"
	ReasonDriverBusy        = "driver_busy"
	ReasonDriverOffline     = "driver_offline"
	ReasonDriverUnavailable = "driver_unavailable"
)
