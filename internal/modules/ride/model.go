// README: Ride aggregate, status machine, and audit event definitions.
package ride

import (
	"time"

	"github.com/Kuany4953/wasil-sub001/internal/modules/pricing"
	"github.com/Kuany4953/wasil-sub001/internal/types"
)

type Status string

const (
	StatusNone       Status = "none"
	StatusRequested  Status = "requested"
	StatusAccepted   Status = "accepted"
	StatusArriving   Status = "arriving"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Ride is the ledger row: the single source of truth for a trip.
type Ride struct {
	ID            types.ID
	UUID          string // opaque external identifier
	RiderID       types.ID
	DriverID      *types.ID
	RideType      types.RideType
	Status        Status
	StatusVersion int

	Pickup         types.Point
	PickupAddress  string
	Dropoff        types.Point
	DropoffAddress string
	RoadCondition  pricing.RoadCondition

	EstimatedFare      types.Money
	EstimatedBreakdown pricing.FareBreakdown
	ActualFare         *types.Money
	ActualBreakdown    *pricing.FareBreakdown

	EstimatedDistanceKm  float64
	EstimatedDurationSec int64
	ActualDistanceKm     *float64
	ActualDurationSec    *int64

	RequestedAt time.Time
	AcceptedAt  *time.Time
	ArrivingAt  *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time

	CancelledBy        *types.Actor
	CancellationReason *string
	CancellationFee    *types.Money

	RiderRating    *int16
	RiderFeedback  *string
	DriverRating   *int16
	DriverFeedback *string
}

// Event is one audit row in the ride status history.
type Event struct {
	ID         int64
	RideID     types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  types.Actor
	ActorID    *types.ID
	CreatedAt  time.Time
}

// Tracking is the accumulated trip telemetry for an in-progress ride.
type Tracking struct {
	RideID     types.ID
	LastPoint  types.Point
	DistanceKm float64
	Waypoints  int
	StartedAt  time.Time
	UpdatedAt  time.Time
}

// AllowedTransitions represents the ride state flow as code. Cancellation is
// reachable from every non-terminal state; everything else moves strictly
// forward.
var AllowedTransitions = map[Status][]Status{
	StatusRequested:  {StatusAccepted, StatusCancelled},
	StatusAccepted:   {StatusArriving, StatusCancelled},
	StatusArriving:   {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a ride in this status can never change again.
func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusCancelled
}
