// README: Ride lifecycle handlers: request, dispatch, accept/decline, progress, cancel, rate.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Kuany4953/wasil-sub001/internal/domain"
	"github.com/Kuany4953/wasil-sub001/internal/modules/dispatch"
	"github.com/Kuany4953/wasil-sub001/internal/modules/pricing"
	"github.com/Kuany4953/wasil-sub001/internal/modules/ride"
	"github.com/Kuany4953/wasil-sub001/internal/types"
)

type RideHandler struct {
	rides    *ride.Service
	dispatch *dispatch.Service
	log      *slog.Logger
}

func NewRideHandler(rideSvc *ride.Service, dispatchSvc *dispatch.Service, log *slog.Logger) *RideHandler {
	return &RideHandler{rides: rideSvc, dispatch: dispatchSvc, log: log}
}

type createRideReq struct {
	RiderID        string  `json:"rider_id"`
	PickupLat      float64 `json:"pickup_lat"`
	PickupLng      float64 `json:"pickup_lng"`
	PickupAddress  string  `json:"pickup_address"`
	DropoffLat     float64 `json:"dropoff_lat"`
	DropoffLng     float64 `json:"dropoff_lng"`
	DropoffAddress string  `json:"dropoff_address"`
	RideType       string  `json:"ride_type"`
	RoadCondition  string  `json:"road_condition"`
	Surge          float64 `json:"surge"`
}

// Create handles POST /api/rides: price and persist the request, then fire
// the first dispatch wave. A failed wave does not fail the creation; the
// ride stays requested and a wave can be re-fired via Dispatch.
func (h *RideHandler) Create(c *gin.Context) {
	var req createRideReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.RiderID) == "" {
		writeError(c, http.StatusBadRequest, "missing rider_id")
		return
	}

	r, err := h.rides.Create(c.Request.Context(), ride.CreateCommand{
		RiderID:        types.ID(req.RiderID),
		Pickup:         types.Point{Lat: req.PickupLat, Lng: req.PickupLng},
		PickupAddress:  req.PickupAddress,
		Dropoff:        types.Point{Lat: req.DropoffLat, Lng: req.DropoffLng},
		DropoffAddress: req.DropoffAddress,
		RideType:       types.RideType(req.RideType),
		RoadCondition:  pricing.RoadCondition(req.RoadCondition),
		Surge:          req.Surge,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}

	offered := 0
	if h.dispatch != nil {
		res, err := h.dispatch.MatchAndDispatch(c.Request.Context(), r.ID)
		if err != nil {
			h.log.WarnContext(c.Request.Context(), "initial dispatch wave failed",
				"ride_id", string(r.ID), "error", err)
		} else {
			offered = len(res.Offered)
		}
	}

	writeJSON(c, http.StatusCreated, gin.H{
		"ride":            newRideView(r),
		"drivers_offered": offered,
	})
}

// Get handles GET /api/rides/:id. The path segment may be the internal id
// or the external UUID.
func (h *RideHandler) Get(c *gin.Context) {
	r, err := h.lookup(c)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newRideView(r))
}

// Events handles GET /api/rides/:id/events.
func (h *RideHandler) Events(c *gin.Context) {
	r, err := h.lookup(c)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	events, err := h.rides.Events(c.Request.Context(), r.ID)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	views := make([]eventView, 0, len(events))
	for _, e := range events {
		views = append(views, newEventView(e))
	}
	writeJSON(c, http.StatusOK, gin.H{"ride_id": r.ID, "events": views})
}

// Offers handles GET /api/rides/:id/offers.
func (h *RideHandler) Offers(c *gin.Context) {
	r, err := h.lookup(c)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	offers, err := h.dispatch.Offers(c.Request.Context(), r.ID)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	views := make([]offerView, 0, len(offers))
	for _, q := range offers {
		views = append(views, newOfferView(q))
	}
	writeJSON(c, http.StatusOK, gin.H{"ride_id": r.ID, "offers": views})
}

// Dispatch handles POST /api/rides/:id/dispatch: fire another offer wave
// for a ride that is still waiting for a driver.
func (h *RideHandler) Dispatch(c *gin.Context) {
	r, err := h.lookup(c)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	res, err := h.dispatch.MatchAndDispatch(c.Request.Context(), r.ID)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	views := make([]offerView, 0, len(res.Offered))
	for _, q := range res.Offered {
		views = append(views, newOfferView(q))
	}
	writeJSON(c, http.StatusOK, gin.H{
		"ride_id":    r.ID,
		"offers":     views,
		"expires_at": res.ExpiresAt,
	})
}

type driverActionReq struct {
	DriverID string `json:"driver_id"`
}

// Accept handles POST /api/rides/:id/accept. Exactly one driver wins the
// race; everyone else gets a 409.
func (h *RideHandler) Accept(c *gin.Context) {
	r, req, ok := h.driverAction(c)
	if !ok {
		return
	}
	acc, err := h.dispatch.Accept(c.Request.Context(), dispatch.AcceptCommand{
		RideID:   r.ID,
		DriverID: types.ID(req.DriverID),
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"ride_id":     acc.RideID,
		"driver_id":   acc.DriverID,
		"status":      ride.StatusAccepted,
		"eta_seconds": acc.EtaSeconds,
	})
}

// Decline handles POST /api/rides/:id/decline.
func (h *RideHandler) Decline(c *gin.Context) {
	r, req, ok := h.driverAction(c)
	if !ok {
		return
	}
	res, err := h.dispatch.Decline(c.Request.Context(), dispatch.DeclineCommand{
		RideID:   r.ID,
		DriverID: types.ID(req.DriverID),
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"ride_id":          res.RideID,
		"remaining_offers": res.RemainingOffers,
		"wave_exhausted":   res.WaveExhausted,
	})
}

// CanAccept handles GET /api/rides/:id/can-accept?driver_id=. Drivers poll
// this before showing the accept button; the answer is advisory, the
// settlement transaction is the authority.
func (h *RideHandler) CanAccept(c *gin.Context) {
	driverID := c.Query("driver_id")
	if driverID == "" {
		writeError(c, http.StatusBadRequest, "missing driver_id")
		return
	}
	r, err := h.lookup(c)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	check, err := h.dispatch.CanDriverAccept(c.Request.Context(), r.ID, types.ID(driverID))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"allowed": check.Allowed,
		"reason":  check.Reason,
	})
}

// Arrive handles POST /api/rides/:id/arrive.
func (h *RideHandler) Arrive(c *gin.Context) {
	h.progress(c, h.rides.Arrive)
}

// Start handles POST /api/rides/:id/start.
func (h *RideHandler) Start(c *gin.Context) {
	h.progress(c, h.rides.Start)
}

// Complete handles POST /api/rides/:id/complete.
func (h *RideHandler) Complete(c *gin.Context) {
	h.progress(c, h.rides.Complete)
}

type cancelRideReq struct {
	By     string `json:"by"`
	Reason string `json:"reason"`
}

// Cancel handles POST /api/rides/:id/cancel.
func (h *RideHandler) Cancel(c *gin.Context) {
	var req cancelRideReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if !types.Actor(req.By).Valid() {
		writeError(c, http.StatusBadRequest, "by must be rider, driver, or system")
		return
	}
	r, err := h.lookup(c)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	cancelled, err := h.rides.Cancel(c.Request.Context(), ride.CancelCommand{
		RideID: r.ID,
		By:     types.Actor(req.By),
		Reason: req.Reason,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	resp := gin.H{"ride_id": cancelled.ID, "status": cancelled.Status}
	// A zero fee means the cancellation was free; the field is omitted.
	if fee := cancelled.CancellationFee; fee != nil && fee.Amount > 0 {
		resp["cancellation_fee"] = moneyView{Amount: fee.Amount, Currency: fee.Currency}
	}
	writeJSON(c, http.StatusOK, resp)
}

type rateRideReq struct {
	By       string `json:"by"`
	Rating   int    `json:"rating"`
	Feedback string `json:"feedback"`
}

// Rate handles POST /api/rides/:id/rating.
func (h *RideHandler) Rate(c *gin.Context) {
	var req rateRideReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Rating < 1 || req.Rating > 5 {
		writeError(c, http.StatusBadRequest, "rating must be between 1 and 5")
		return
	}
	r, err := h.lookup(c)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	err = h.rides.Rate(c.Request.Context(), ride.RateCommand{
		RideID:   r.ID,
		By:       types.Actor(req.By),
		Rating:   req.Rating,
		Feedback: req.Feedback,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ride_id": r.ID, "rated": true})
}

func (h *RideHandler) progress(c *gin.Context, op func(context.Context, ride.ProgressCommand) (*ride.Ride, error)) {
	r, req, ok := h.driverAction(c)
	if !ok {
		return
	}
	updated, err := op(c.Request.Context(), ride.ProgressCommand{
		RideID:   r.ID,
		DriverID: types.ID(req.DriverID),
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newRideView(updated))
}

// driverAction decodes the driver_id body shared by the driver-side
// endpoints, then resolves the ride. Body validation comes first so a
// malformed request never costs a database round trip.
func (h *RideHandler) driverAction(c *gin.Context) (*ride.Ride, driverActionReq, bool) {
	var req driverActionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return nil, driverActionReq{}, false
	}
	if strings.TrimSpace(req.DriverID) == "" {
		writeError(c, http.StatusBadRequest, "missing driver_id")
		return nil, driverActionReq{}, false
	}
	r, err := h.lookup(c)
	if err != nil {
		writeDomainError(c, err)
		return nil, driverActionReq{}, false
	}
	return r, req, true
}

func (h *RideHandler) lookup(c *gin.Context) (*ride.Ride, error) {
	id := c.Param("id")
	if id == "" {
		return nil, domain.Validationf("missing ride id")
	}
	r, err := h.rides.Get(c.Request.Context(), types.ID(id))
	if errors.Is(err, domain.ErrNotFound) && strings.Contains(id, "-") {
		return h.rides.GetByUUID(c.Request.Context(), id)
	}
	return r, err
}

// --- views ---

type rideView struct {
	RideID         types.ID       `json:"ride_id"`
	UUID           string         `json:"uuid"`
	RiderID        types.ID       `json:"rider_id"`
	DriverID       *types.ID      `json:"driver_id,omitempty"`
	RideType       types.RideType `json:"ride_type"`
	Status         ride.Status    `json:"status"`
	Pickup         pointView      `json:"pickup"`
	PickupAddress  string         `json:"pickup_address,omitempty"`
	Dropoff        pointView      `json:"dropoff"`
	DropoffAddress string         `json:"dropoff_address,omitempty"`

	EstimatedFare      moneyView              `json:"estimated_fare"`
	EstimatedBreakdown pricing.FareBreakdown  `json:"estimated_breakdown"`
	ActualFare         *moneyView             `json:"actual_fare,omitempty"`
	ActualBreakdown    *pricing.FareBreakdown `json:"actual_breakdown,omitempty"`

	EstimatedDistanceKm  float64  `json:"estimated_distance_km"`
	EstimatedDurationSec int64    `json:"estimated_duration_sec"`
	ActualDistanceKm     *float64 `json:"actual_distance_km,omitempty"`
	ActualDurationSec    *int64   `json:"actual_duration_sec,omitempty"`

	RequestedAt time.Time  `json:"requested_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	ArrivingAt  *time.Time `json:"arriving_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	CancelledBy        *types.Actor `json:"cancelled_by,omitempty"`
	CancellationReason *string      `json:"cancellation_reason,omitempty"`
	CancellationFee    *moneyView   `json:"cancellation_fee,omitempty"`

	RiderRating  *int16 `json:"rider_rating,omitempty"`
	DriverRating *int16 `json:"driver_rating,omitempty"`
}

func newRideView(r *ride.Ride) rideView {
	v := rideView{
		RideID:               r.ID,
		UUID:                 r.UUID,
		RiderID:              r.RiderID,
		DriverID:             r.DriverID,
		RideType:             r.RideType,
		Status:               r.Status,
		Pickup:               pointView{Lat: r.Pickup.Lat, Lng: r.Pickup.Lng},
		PickupAddress:        r.PickupAddress,
		Dropoff:              pointView{Lat: r.Dropoff.Lat, Lng: r.Dropoff.Lng},
		DropoffAddress:       r.DropoffAddress,
		EstimatedFare:        moneyView{Amount: r.EstimatedFare.Amount, Currency: r.EstimatedFare.Currency},
		EstimatedBreakdown:   r.EstimatedBreakdown,
		ActualBreakdown:      r.ActualBreakdown,
		EstimatedDistanceKm:  r.EstimatedDistanceKm,
		EstimatedDurationSec: r.EstimatedDurationSec,
		ActualDistanceKm:     r.ActualDistanceKm,
		ActualDurationSec:    r.ActualDurationSec,
		RequestedAt:          r.RequestedAt,
		AcceptedAt:           r.AcceptedAt,
		ArrivingAt:           r.ArrivingAt,
		StartedAt:            r.StartedAt,
		CompletedAt:          r.CompletedAt,
		CancelledAt:          r.CancelledAt,
		CancelledBy:          r.CancelledBy,
		CancellationReason:   r.CancellationReason,
		RiderRating:          r.RiderRating,
		DriverRating:         r.DriverRating,
	}
	if r.ActualFare != nil {
		v.ActualFare = &moneyView{Amount: r.ActualFare.Amount, Currency: r.ActualFare.Currency}
	}
	if fee := r.CancellationFee; fee != nil && fee.Amount > 0 {
		v.CancellationFee = &moneyView{Amount: fee.Amount, Currency: fee.Currency}
	}
	return v
}

type eventView struct {
	FromStatus ride.Status `json:"from_status"`
	ToStatus   ride.Status `json:"to_status"`
	ActorType  types.Actor `json:"actor_type"`
	ActorID    *types.ID   `json:"actor_id,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

func newEventView(e ride.Event) eventView {
	return eventView{
		FromStatus: e.FromStatus,
		ToStatus:   e.ToStatus,
		ActorType:  e.ActorType,
		ActorID:    e.ActorID,
		CreatedAt:  e.CreatedAt,
	}
}

type offerView struct {
	DriverID           types.ID               `json:"driver_id"`
	Status             dispatch.RequestStatus `json:"status"`
	DistanceToPickupKm float64                `json:"distance_to_pickup_km"`
	EtaSeconds         int64                  `json:"eta_seconds"`
	CreatedAt          time.Time              `json:"created_at"`
	RespondedAt        *time.Time             `json:"responded_at,omitempty"`
}

func newOfferView(q dispatch.RideRequest) offerView {
	return offerView{
		DriverID:           q.DriverID,
		Status:             q.Status,
		DistanceToPickupKm: q.DistanceToPickupKm,
		EtaSeconds:         q.EtaSeconds,
		CreatedAt:          q.CreatedAt,
		RespondedAt:        q.RespondedAt,
	}
}
