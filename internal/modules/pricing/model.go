// README: Fare rate definitions and quote input/output shapes.
package pricing

import (
	"time"

	"github.com/Kuany4953/wasil-sub001/internal/types"
)

// Rate holds the per-ride-type fare constants. Amounts are whole currency
// units (the currency has zero decimal places).
type Rate struct {
	RideType        types.RideType
	BaseFare        int64
	PerKm           int64
	PerMin          int64
	BookingFee      int64
	MinimumFare     int64
	CancellationFee int64
	Multiplier      float64
	Currency        string
}

// RoadCondition scales the fare for the surface quality of the route.
type RoadCondition string

const (
	RoadPaved   RoadCondition = "paved"
	RoadGravel  RoadCondition = "gravel"
	RoadUnpaved RoadCondition = "unpaved"
)

func (r RoadCondition) multiplier() (float64, bool) {
	switch r {
	case "", RoadPaved:
		return 1.0, true
	case RoadGravel:
		return 1.15, true
	case RoadUnpaved:
		return 1.3, true
	}
	return 0, false
}

// QuoteInput carries everything a quote depends on. Now is explicit so the
// same input always yields the same breakdown.
type QuoteInput struct {
	DistanceKm    float64
	DurationSec   int64
	RideType      types.RideType
	Surge         float64 // 0 means derive from time of day
	RoadCondition RoadCondition
	Pickup        types.Point
	Now           time.Time
}

// FareBreakdown is the fully itemized result of a quote. It is derived, never
// stored as the source of truth, and recomputed for every request.
type FareBreakdown struct {
	BaseFare     int64 `json:"base_fare"`
	DistanceFare int64 `json:"distance_fare"`
	TimeFare     int64 `json:"time_fare"`
	BookingFee   int64 `json:"booking_fee"`
	NightFee     int64 `json:"night_fee"`

	RideTypeMultiplier float64 `json:"ride_type_multiplier"`
	SurgeMultiplier    float64 `json:"surge_multiplier"`
	SeasonalMultiplier float64 `json:"seasonal_multiplier"`
	RoadMultiplier     float64 `json:"road_multiplier"`

	Subtotal int64  `json:"subtotal"`
	Total    int64  `json:"total"`
	Currency string `json:"currency"`
}

// Money returns the total as a money value.
func (b FareBreakdown) Money() types.Money {
	return types.Money{Amount: b.Total, Currency: b.Currency}
}

// CancelQuery carries the facts a cancellation fee depends on.
type CancelQuery struct {
	RideType       types.RideType
	RequestedAt    time.Time
	DriverAssigned bool
	CancelledBy    types.Actor
	At             time.Time
}

// defaultRates back the store when a ride type has no persisted row yet.
var defaultRates = map[types.RideType]Rate{
	types.RideTypeEconomyMoto: {
		RideType: types.RideTypeEconomyMoto, BaseFare: 300, PerKm: 200, PerMin: 30,
		BookingFee: 100, MinimumFare: 700, CancellationFee: 300, Multiplier: 0.7, Currency: "KZT",
	},
	types.RideTypeStandard: {
		RideType: types.RideTypeStandard, BaseFare: 500, PerKm: 300, PerMin: 50,
		BookingFee: 100, MinimumFare: 1000, CancellationFee: 500, Multiplier: 1.0, Currency: "KZT",
	},
	types.RideTypePremium: {
		RideType: types.RideTypePremium, BaseFare: 800, PerKm: 450, PerMin: 80,
		BookingFee: 150, MinimumFare: 2000, CancellationFee: 800, Multiplier: 1.5, Currency: "KZT",
	},
}

// DefaultRate returns the built-in rate for a ride type.
func DefaultRate(t types.RideType) (Rate, bool) {
	r, ok := defaultRates[t]
	return r, ok
}
