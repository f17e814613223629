// README: Ride lifecycle service: creation, progress transitions, settlement.
package ride

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/Kuany4953/wasil-sub001/internal/domain"
	"github.com/Kuany4953/wasil-sub001/internal/modules/pricing"
	"github.com/Kuany4953/wasil-sub001/internal/notify"
	"github.com/Kuany4953/wasil-sub001/internal/types"
)

const defaultAvgSpeedKmh = 30.0

// Quoter is the slice of the pricing service this package needs.
type Quoter interface {
	Quote(ctx context.Context, in pricing.QuoteInput) (pricing.FareBreakdown, error)
	CancellationFee(ctx context.Context, q pricing.CancelQuery) (types.Money, error)
}

// DriverPool frees a driver once their ride reaches a terminal state.
type DriverPool interface {
	ReleaseDriver(ctx context.Context, driverID types.ID) error
}

// RequestCloser retires any open dispatch requests for a ride.
type RequestCloser interface {
	CloseForRide(ctx context.Context, rideID types.ID) error
}

type Service struct {
	store       *Store
	quoter      Quoter
	notifier    notify.Notifier
	drivers     DriverPool
	requests    RequestCloser
	log         *slog.Logger
	avgSpeedKmh float64
	now         func() time.Time
}

type Option func(*Service)

// WithClock overrides the service clock, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithDriverPool(p DriverPool) Option {
	return func(s *Service) { s.drivers = p }
}

func WithRequestCloser(rc RequestCloser) Option {
	return func(s *Service) { s.requests = rc }
}

// WithAvgSpeed tunes the speed assumption behind duration estimates.
func WithAvgSpeed(kmh float64) Option {
	return func(s *Service) { s.avgSpeedKmh = kmh }
}

func NewService(store *Store, quoter Quoter, notifier notify.Notifier, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:       store,
		quoter:      quoter,
		notifier:    notifier,
		log:         log,
		avgSpeedKmh: defaultAvgSpeedKmh,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateCommand struct {
	RiderID        types.ID
	Pickup         types.Point
	PickupAddress  string
	Dropoff        types.Point
	DropoffAddress string
	RideType       types.RideType
	RoadCondition  pricing.RoadCondition
	Surge          float64 // 0 derives surge from the request time
}

// ProgressCommand drives one forward transition. DriverID, when set, must
// match the assigned driver.
type ProgressCommand struct {
	RideID   types.ID
	DriverID types.ID
}

type CancelCommand struct {
	RideID types.ID
	By     types.Actor
	Reason string
}

type RateCommand struct {
	RideID   types.ID
	By       types.Actor
	Rating   int
	Feedback string
}

// Create validates the request, prices it, and persists a new ride in
// requested state. Dispatch picks it up from there.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Ride, error) {
	if cmd.RiderID == "" {
		return nil, domain.Validationf("rider id is required")
	}
	if !cmd.Pickup.InRange() {
		return nil, domain.Validationf("pickup coordinates out of range")
	}
	if !cmd.Dropoff.InRange() {
		return nil, domain.Validationf("dropoff coordinates out of range")
	}
	if !cmd.RideType.Valid() {
		return nil, domain.Validationf("unknown ride type %q", cmd.RideType)
	}
	if cmd.Surge != 0 && cmd.Surge < 1.0 {
		return nil, domain.Validationf("surge multiplier must be at least 1.0")
	}

	active, err := s.store.HasActiveByRider(ctx, cmd.RiderID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, domain.ErrActiveRide
	}

	now := s.now().UTC()
	road := cmd.RoadCondition
	if road == "" {
		road = pricing.RoadPaved
	}
	distanceKm := cmd.Pickup.DistanceKm(cmd.Dropoff)
	durationSec := estimateDurationSec(distanceKm, s.avgSpeedKmh)

	breakdown, err := s.quoter.Quote(ctx, pricing.QuoteInput{
		DistanceKm:    distanceKm,
		DurationSec:   durationSec,
		RideType:      cmd.RideType,
		Surge:         cmd.Surge,
		RoadCondition: road,
		Pickup:        cmd.Pickup,
		Now:           now,
	})
	if err != nil {
		return nil, err
	}

	r := &Ride{
		ID:                   newID(),
		UUID:                 uuid.NewString(),
		RiderID:              cmd.RiderID,
		RideType:             cmd.RideType,
		Status:               StatusRequested,
		StatusVersion:        1,
		Pickup:               cmd.Pickup,
		PickupAddress:        cmd.PickupAddress,
		Dropoff:              cmd.Dropoff,
		DropoffAddress:       cmd.DropoffAddress,
		RoadCondition:        road,
		EstimatedFare:        breakdown.Money(),
		EstimatedBreakdown:   breakdown,
		EstimatedDistanceKm:  distanceKm,
		EstimatedDurationSec: durationSec,
		RequestedAt:          now,
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	_ = s.store.AppendEvent(ctx, &Event{
		RideID:     r.ID,
		FromStatus: StatusNone,
		ToStatus:   StatusRequested,
		ActorType:  types.ActorRider,
		ActorID:    &cmd.RiderID,
		CreatedAt:  now,
	})
	return r, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Ride, error) {
	if id == "" {
		return nil, domain.Validationf("ride id is required")
	}
	return s.store.Get(ctx, id)
}

// GetByUUID resolves a ride by its external identifier.
func (s *Service) GetByUUID(ctx context.Context, uuid string) (*Ride, error) {
	if uuid == "" {
		return nil, domain.Validationf("ride uuid is required")
	}
	return s.store.GetByUUID(ctx, uuid)
}

func (s *Service) Events(ctx context.Context, id types.ID) ([]Event, error) {
	if id == "" {
		return nil, domain.Validationf("ride id is required")
	}
	return s.store.ListEvents(ctx, id)
}

// Arrive marks the assigned driver as at (or approaching) the pickup point.
func (s *Service) Arrive(ctx context.Context, cmd ProgressCommand) (*Ride, error) {
	r, err := s.loadForDriver(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !CanTransition(r.Status, StatusArriving) {
		return nil, domain.Transition(string(r.Status), string(StatusArriving))
	}

	now := s.now().UTC()
	if err := s.store.MarkArriving(ctx, r.ID, now); err != nil {
		return nil, err
	}
	s.recordTransition(ctx, r, StatusArriving, types.ActorDriver, r.DriverID, now)
	return s.store.Get(ctx, r.ID)
}

// Start begins the trip and seeds the odometer at the pickup point.
func (s *Service) Start(ctx context.Context, cmd ProgressCommand) (*Ride, error) {
	r, err := s.loadForDriver(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !CanTransition(r.Status, StatusInProgress) {
		return nil, domain.Transition(string(r.Status), string(StatusInProgress))
	}

	now := s.now().UTC()
	if err := s.store.MarkStarted(ctx, r.ID, now); err != nil {
		return nil, err
	}
	if err := s.store.EnsureTracking(ctx, r.ID, r.Pickup, now); err != nil {
		s.log.WarnContext(ctx, "tracking seed failed, final fare will use estimates",
			"ride_id", string(r.ID), "error", err)
	}
	s.recordTransition(ctx, r, StatusInProgress, types.ActorDriver, r.DriverID, now)
	return s.store.Get(ctx, r.ID)
}

// Complete settles the trip: the final fare is recomputed from the tracked
// distance and the real duration, with the surge locked at its estimated
// value so the rider is not repriced mid-trip.
func (s *Service) Complete(ctx context.Context, cmd ProgressCommand) (*Ride, error) {
	r, err := s.loadForDriver(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !CanTransition(r.Status, StatusCompleted) {
		return nil, domain.Transition(string(r.Status), string(StatusCompleted))
	}

	now := s.now().UTC()
	startedAt := r.RequestedAt
	if r.StartedAt != nil {
		startedAt = *r.StartedAt
	}
	distanceKm := r.EstimatedDistanceKm
	tracking, err := s.store.GetTracking(ctx, r.ID)
	switch {
	case err == nil:
		distanceKm = tracking.DistanceKm
	case errors.Is(err, domain.ErrNotFound):
		// no waypoints recorded: settle on the estimate
	default:
		return nil, err
	}
	durationSec := int64(now.Sub(startedAt).Seconds())
	if durationSec < 0 {
		durationSec = 0
	}

	lockedSurge := r.EstimatedBreakdown.SurgeMultiplier
	if lockedSurge < 1.0 {
		lockedSurge = 1.0
	}
	breakdown, err := s.quoter.Quote(ctx, pricing.QuoteInput{
		DistanceKm:    distanceKm,
		DurationSec:   durationSec,
		RideType:      r.RideType,
		Surge:         lockedSurge,
		RoadCondition: r.RoadCondition,
		Pickup:        r.Pickup,
		Now:           startedAt,
	})
	if err != nil {
		return nil, err
	}

	err = s.store.MarkCompleted(ctx, r.ID, CompletionRecord{
		Fare:        breakdown.Money(),
		Breakdown:   breakdown,
		DistanceKm:  distanceKm,
		DurationSec: durationSec,
		At:          now,
	})
	if err != nil {
		return nil, err
	}
	s.releaseDriver(ctx, r)
	s.recordTransition(ctx, r, StatusCompleted, types.ActorDriver, r.DriverID, now)
	return s.store.Get(ctx, r.ID)
}

// Cancel aborts the ride from any non-terminal state. The fee policy lives
// in pricing. Open dispatch requests and the assigned driver are released
// best effort; acceptance re-checks ride status before claiming.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Ride, error) {
	if cmd.RideID == "" {
		return nil, domain.Validationf("ride id is required")
	}
	if cmd.By != types.ActorRider && cmd.By != types.ActorDriver {
		return nil, domain.Validationf("cancellation actor must be rider or driver")
	}

	r, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(r.Status, StatusCancelled) {
		return nil, domain.Transition(string(r.Status), string(StatusCancelled))
	}

	now := s.now().UTC()
	fee, err := s.quoter.CancellationFee(ctx, pricing.CancelQuery{
		RideType:       r.RideType,
		RequestedAt:    r.RequestedAt,
		DriverAssigned: r.DriverID != nil,
		CancelledBy:    cmd.By,
		At:             now,
	})
	if err != nil {
		return nil, err
	}

	err = s.store.MarkCancelled(ctx, r.ID, CancellationRecord{
		By:     cmd.By,
		Reason: cmd.Reason,
		Fee:    fee,
		At:     now,
	})
	if err != nil {
		return nil, err
	}

	if s.requests != nil {
		if err := s.requests.CloseForRide(ctx, r.ID); err != nil {
			s.log.WarnContext(ctx, "closing dispatch requests failed",
				"ride_id", string(r.ID), "error", err)
		}
	}
	s.releaseDriver(ctx, r)

	actorID := actorRef(r, cmd.By)
	_ = s.store.AppendEvent(ctx, &Event{
		RideID:     r.ID,
		FromStatus: r.Status,
		ToStatus:   StatusCancelled,
		ActorType:  cmd.By,
		ActorID:    actorID,
		CreatedAt:  now,
	})
	if s.notifier != nil {
		err := s.notifier.RideCancelled(ctx, notify.Cancellation{
			RideUUID:    r.UUID,
			RiderID:     r.RiderID,
			DriverID:    r.DriverID,
			CancelledBy: cmd.By,
			Reason:      cmd.Reason,
			Fee:         fee.Amount,
			Currency:    fee.Currency,
			OccurredAt:  now,
		})
		if err != nil {
			s.log.WarnContext(ctx, "cancellation notification failed",
				"ride_id", string(r.ID), "error", err)
		}
	}
	return s.store.Get(ctx, r.ID)
}

// Rate records a post-ride rating. Each side rates once, completed rides
// only.
func (s *Service) Rate(ctx context.Context, cmd RateCommand) error {
	if cmd.RideID == "" {
		return domain.Validationf("ride id is required")
	}
	if cmd.Rating < 1 || cmd.Rating > 5 {
		return domain.Validationf("rating must be between 1 and 5")
	}
	switch cmd.By {
	case types.ActorRider:
		return s.store.SetRiderRating(ctx, cmd.RideID, int16(cmd.Rating), cmd.Feedback)
	case types.ActorDriver:
		return s.store.SetDriverRating(ctx, cmd.RideID, int16(cmd.Rating), cmd.Feedback)
	default:
		return domain.Validationf("rating actor must be rider or driver")
	}
}

// RecordWaypoint feeds one GPS fix into the trip odometer. Fixes arriving
// before the trip starts are dropped.
func (s *Service) RecordWaypoint(ctx context.Context, rideID types.ID, p types.Point) error {
	if rideID == "" {
		return domain.Validationf("ride id is required")
	}
	if !p.InRange() {
		return domain.Validationf("waypoint coordinates out of range")
	}
	_, err := s.store.AccumulateWaypoint(ctx, rideID, p, s.now().UTC())
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Service) loadForDriver(ctx context.Context, cmd ProgressCommand) (*Ride, error) {
	if cmd.RideID == "" {
		return nil, domain.Validationf("ride id is required")
	}
	r, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if cmd.DriverID != "" && (r.DriverID == nil || *r.DriverID != cmd.DriverID) {
		return nil, domain.Validationf("driver %s is not assigned to this ride", cmd.DriverID)
	}
	return r, nil
}

func (s *Service) recordTransition(ctx context.Context, r *Ride, to Status, actor types.Actor, actorID *types.ID, at time.Time) {
	_ = s.store.AppendEvent(ctx, &Event{
		RideID:     r.ID,
		FromStatus: r.Status,
		ToStatus:   to,
		ActorType:  actor,
		ActorID:    actorID,
		CreatedAt:  at,
	})
	if s.notifier == nil {
		return
	}
	err := s.notifier.StatusChanged(ctx, notify.StatusUpdate{
		RideUUID:   r.UUID,
		RiderID:    r.RiderID,
		FromStatus: string(r.Status),
		ToStatus:   string(to),
		OccurredAt: at,
	})
	if err != nil {
		s.log.WarnContext(ctx, "status notification failed",
			"ride_id", string(r.ID), "to", string(to), "error", err)
	}
}

func (s *Service) releaseDriver(ctx context.Context, r *Ride) {
	if s.drivers == nil || r.DriverID == nil {
		return
	}
	if err := s.drivers.ReleaseDriver(ctx, *r.DriverID); err != nil {
		s.log.WarnContext(ctx, "driver release failed, driver remains marked busy",
			"driver_id", string(*r.DriverID), "error", err)
	}
}

func actorRef(r *Ride, by types.Actor) *types.ID {
	switch by {
	case types.ActorRider:
		return &r.RiderID
	case types.ActorDriver:
		return r.DriverID
	default:
		return nil
	}
}

func estimateDurationSec(distanceKm, speedKmh float64) int64 {
	if speedKmh <= 0 {
		speedKmh = defaultAvgSpeedKmh
	}
	return int64(math.Round(distanceKm / speedKmh * 3600))
}

func newID() types.ID {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return types.ID(hex.EncodeToString(b))
}
