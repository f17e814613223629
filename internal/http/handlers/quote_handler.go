// README: Fare quote handler: price a trip without creating a ride.
package handlers

import (
	"math"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Kuany4953/wasil-sub001/internal/modules/pricing"
	"github.com/Kuany4953/wasil-sub001/internal/types"
)

type QuoteHandler struct {
	pricing     *pricing.Service
	avgSpeedKmh float64
}

func NewQuoteHandler(pricingSvc *pricing.Service, avgSpeedKmh float64) *QuoteHandler {
	return &QuoteHandler{pricing: pricingSvc, avgSpeedKmh: avgSpeedKmh}
}

type quoteReq struct {
	PickupLat     float64 `json:"pickup_lat"`
	PickupLng     float64 `json:"pickup_lng"`
	DropoffLat    float64 `json:"dropoff_lat"`
	DropoffLng    float64 `json:"dropoff_lng"`
	RideType      string  `json:"ride_type"`
	RoadCondition string  `json:"road_condition"`
	Surge         float64 `json:"surge"`
}

// Estimate handles POST /api/quotes. Distance is straight-line and the
// duration is derived from the configured average speed, the same figures
// ride creation uses.
func (h *QuoteHandler) Estimate(c *gin.Context) {
	var req quoteReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	pickup := types.Point{Lat: req.PickupLat, Lng: req.PickupLng}
	dropoff := types.Point{Lat: req.DropoffLat, Lng: req.DropoffLng}
	if !pickup.InRange() || !dropoff.InRange() {
		writeError(c, http.StatusBadRequest, "coordinates out of range")
		return
	}
	road := pricing.RoadCondition(req.RoadCondition)
	if road == "" {
		road = pricing.RoadPaved
	}

	distanceKm := pickup.DistanceKm(dropoff)
	durationSec := int64(0)
	if h.avgSpeedKmh > 0 {
		durationSec = int64(math.Round(distanceKm / h.avgSpeedKmh * 3600))
	}

	breakdown, err := h.pricing.Quote(c.Request.Context(), pricing.QuoteInput{
		DistanceKm:    distanceKm,
		DurationSec:   durationSec,
		RideType:      types.RideType(req.RideType),
		Surge:         req.Surge,
		RoadCondition: road,
		Pickup:        pickup,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}

	writeJSON(c, http.StatusOK, gin.H{
		"distance_km":  distanceKm,
		"duration_sec": durationSec,
		"breakdown":    breakdown,
		"total":        breakdown.Total,
		"currency":     breakdown.Currency,
	})
}
