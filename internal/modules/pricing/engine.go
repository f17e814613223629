// README: Pure fare math: quote composition, time-of-day bands, cancellation fees.
package pricing

import (
	"math"
	"time"

	"github.com/Kuany4953/wasil-sub001/internal/types"
)

const (
	// FreeCancelWindow is how long after requesting a ride cancellation
	// stays free for everyone.
	FreeCancelWindow = 120 * time.Second

	surgeMorningRush = 1.25
	surgeEveningRush = 1.3
	surgeNight       = 1.1
	seasonalPeak     = 1.2

	// nightSafetyFee is added once, after multipliers, for night rides.
	nightSafetyFee int64 = 150
)

// Quote composes a fare breakdown from the input and a rate. The caller is
// responsible for validation; Quote itself never fails and never consults
// the wall clock beyond in.Now.
func Quote(in QuoteInput, rate Rate) FareBreakdown {
	distanceFare := int64(math.Round(in.DistanceKm * float64(rate.PerKm)))
	minutes := float64(in.DurationSec) / 60.0
	timeFare := int64(math.Round(minutes * float64(rate.PerMin)))
	subtotal := rate.BaseFare + distanceFare + timeFare

	surge, nightFee := TimeOfDaySurge(in.Now)
	if in.Surge > 0 {
		surge = in.Surge
	}
	seasonal := SeasonalMultiplier(in.Now)
	road, _ := in.RoadCondition.multiplier()

	composite := rate.Multiplier * surge * seasonal * road
	total := int64(math.Round(float64(subtotal)*composite)) + nightFee + rate.BookingFee
	if total < rate.MinimumFare {
		total = rate.MinimumFare
	}

	return FareBreakdown{
		BaseFare:           rate.BaseFare,
		DistanceFare:       distanceFare,
		TimeFare:           timeFare,
		BookingFee:         rate.BookingFee,
		NightFee:           nightFee,
		RideTypeMultiplier: rate.Multiplier,
		SurgeMultiplier:    surge,
		SeasonalMultiplier: seasonal,
		RoadMultiplier:     road,
		Subtotal:           subtotal,
		Total:              total,
		Currency:           rate.Currency,
	}
}

// TimeOfDaySurge maps a timestamp to the surge band it falls in. The night
// band also carries the additive safety fee; the fee follows the clock even
// when the caller overrides the surge multiplier.
func TimeOfDaySurge(now time.Time) (mult float64, nightFee int64) {
	h := now.Hour()
	switch {
	case h >= 7 && h < 9:
		return surgeMorningRush, 0
	case h >= 17 && h < 19:
		return surgeEveningRush, 0
	case h >= 22 || h < 6:
		return surgeNight, nightSafetyFee
	default:
		return 1.0, 0
	}
}

// SeasonalMultiplier returns the calendar multiplier for a timestamp. The
// new-year peak window (Dec 20 through Jan 8) is the only season above 1.0.
func SeasonalMultiplier(now time.Time) float64 {
	m, d := now.Month(), now.Day()
	if (m == time.December && d >= 20) || (m == time.January && d <= 8) {
		return seasonalPeak
	}
	return 1.0
}

// CancellationFee prices a cancellation. Free within the grace window from
// the request time; drivers are never charged; riders pay the flat fee only
// once a driver had been assigned.
func CancellationFee(rate Rate, requestedAt time.Time, driverAssigned bool, by types.Actor, now time.Time) int64 {
	if now.Sub(requestedAt) <= FreeCancelWindow {
		return 0
	}
	if by != types.ActorRider {
		return 0
	}
	if !driverAssigned {
		return 0
	}
	return rate.CancellationFee
}
