// README: Driver location model for the GEO index.
package geo

import (
	"time"

	"github.com/Kuany4953/wasil-sub001/internal/types"
)

// DriverLocation is a driver's last known state in the index.
type DriverLocation struct {
	DriverID      types.ID
	Position      types.Point
	HeadingDeg    float64
	SpeedKmh      float64
	Available     bool
	Online        bool
	CurrentRideID types.ID // empty when idle
	UpdatedAt     time.Time
	Distance      float64 // km from the queried origin, set by searches
}

// Heartbeat is one position report from a driver app.
type Heartbeat struct {
	DriverID   types.ID
	Position   types.Point
	HeadingDeg float64
	SpeedKmh   float64
}
