// README: Shared identifier and geo primitives used across modules.
package types

import "math"

// ID identifies a row within the service. Generated IDs are 32 hex chars.
type ID string

func (id ID) String() string { return string(id) }

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64
	Lng float64
}

const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance to other in kilometres.
func (p Point) DistanceKm(other Point) float64 {
	dLat := degreesToRadians(other.Lat - p.Lat)
	dLng := degreesToRadians(other.Lng - p.Lng)

	rLat1 := degreesToRadians(p.Lat)
	rLat2 := degreesToRadians(other.Lat)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// InRange reports whether the point is a plausible WGS84 coordinate.
func (p Point) InRange() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// Actor names which party performed a state change.
type Actor string

const (
	ActorRider  Actor = "rider"
	ActorDriver Actor = "driver"
	ActorSystem Actor = "system"
)

// Valid reports whether a is a known actor.
func (a Actor) Valid() bool {
	switch a {
	case ActorRider, ActorDriver, ActorSystem:
		return true
	}
	return false
}

// RideType selects the vehicle class and the fare rate applied to a ride.
type RideType string

const (
	RideTypeEconomyMoto RideType = "economy_moto"
	RideTypeStandard    RideType = "standard"
	RideTypePremium     RideType = "premium"
)

// Valid reports whether t is one of the supported ride types.
func (t RideType) Valid() bool {
	switch t {
	case RideTypeEconomyMoto, RideTypeStandard, RideTypePremium:
		return true
	}
	return false
}
