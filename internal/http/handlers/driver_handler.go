// README: Driver handlers: location heartbeat, availability, offline.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Kuany4953/wasil-sub001/internal/modules/geo"
	"github.com/Kuany4953/wasil-sub001/internal/modules/ride"
	"github.com/Kuany4953/wasil-sub001/internal/types"
)

type DriverHandler struct {
	geo   *geo.Service
	rides *ride.Service
	log   *slog.Logger
}

func NewDriverHandler(geoSvc *geo.Service, rideSvc *ride.Service, log *slog.Logger) *DriverHandler {
	return &DriverHandler{geo: geoSvc, rides: rideSvc, log: log}
}

type heartbeatReq struct {
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	HeadingDeg float64 `json:"heading_deg"`
	SpeedKmh   float64 `json:"speed_kmh"`
}

// UpdateLocation handles PUT /api/drivers/:id/location. While the driver is
// on a trip the same heartbeat also feeds the ride odometer.
func (h *DriverHandler) UpdateLocation(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		writeError(c, http.StatusBadRequest, "missing driver id")
		return
	}
	var req heartbeatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}

	pos := types.Point{Lat: req.Lat, Lng: req.Lng}
	res, err := h.geo.Heartbeat(c.Request.Context(), geo.Heartbeat{
		DriverID:   types.ID(id),
		Position:   pos,
		HeadingDeg: req.HeadingDeg,
		SpeedKmh:   req.SpeedKmh,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}

	if res.RideID != "" && h.rides != nil {
		if err := h.rides.RecordWaypoint(c.Request.Context(), res.RideID, pos); err != nil {
			h.log.WarnContext(c.Request.Context(), "waypoint not recorded",
				"driver_id", id, "ride_id", string(res.RideID), "error", err)
		}
	}

	writeJSON(c, http.StatusOK, gin.H{
		"status":  "ok",
		"ride_id": res.RideID,
	})
}

type availabilityReq struct {
	Available *bool `json:"available"`
}

// SetAvailability handles PUT /api/drivers/:id/availability.
func (h *DriverHandler) SetAvailability(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		writeError(c, http.StatusBadRequest, "missing driver id")
		return
	}
	var req availabilityReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Available == nil {
		writeError(c, http.StatusBadRequest, "missing available")
		return
	}
	if err := h.geo.SetAvailability(c.Request.Context(), types.ID(id), *req.Available); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"driver_id": id, "available": *req.Available})
}

// GoOffline handles POST /api/drivers/:id/offline: drop out of the
// dispatch index entirely.
func (h *DriverHandler) GoOffline(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		writeError(c, http.StatusBadRequest, "missing driver id")
		return
	}
	if err := h.geo.GoOffline(c.Request.Context(), types.ID(id)); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"driver_id": id, "online": false})
}

// GetLocation handles GET /api/drivers/:id/location.
func (h *DriverHandler) GetLocation(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		writeError(c, http.StatusBadRequest, "missing driver id")
		return
	}
	loc, err := h.geo.Get(c.Request.Context(), types.ID(id))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"driver_id":       loc.DriverID,
		"position":        pointView{Lat: loc.Position.Lat, Lng: loc.Position.Lng},
		"heading_deg":     loc.HeadingDeg,
		"speed_kmh":       loc.SpeedKmh,
		"available":       loc.Available,
		"online":          loc.Online,
		"current_ride_id": loc.CurrentRideID,
		"updated_at":      loc.UpdatedAt,
	})
}
