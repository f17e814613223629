// README: Geo service: heartbeats, availability, nearby searches with pg fallback.
package geo

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Kuany4953/wasil-sub001/internal/domain"
	"github.com/Kuany4953/wasil-sub001/internal/types"
)

type Service struct {
	store     *Store
	staleness time.Duration
	log       *slog.Logger
	now       func() time.Time
}

// Option adjusts service construction.
type Option func(*Service)

// WithClock injects the time source, letting tests pin "now".
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store *Store, staleness time.Duration, log *slog.Logger, opts ...Option) *Service {
	s := &Service{store: store, staleness: staleness, log: log, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HeartbeatResult tells the caller whether the driver is on an active ride,
// so the ride tracker can be fed the same waypoint.
type HeartbeatResult struct {
	RideID     types.ID // empty when idle
	ReportedAt time.Time
}

// Heartbeat ingests one position report: write-through to Postgres, then the
// Redis index. The index entry is rewritten with the snapshot row's
// availability and ride assignment, so index drift lasts at most one report
// interval. A Redis outage degrades the serving index but never loses the
// report.
func (s *Service) Heartbeat(ctx context.Context, hb Heartbeat) (HeartbeatResult, error) {
	if hb.DriverID == "" {
		return HeartbeatResult{}, domain.Validationf("driver_id is required")
	}
	if !hb.Position.InRange() {
		return HeartbeatResult{}, domain.Validationf("position out of range: lat=%v lng=%v", hb.Position.Lat, hb.Position.Lng)
	}

	now := s.now().UTC()
	loc := DriverLocation{
		DriverID:   hb.DriverID,
		Position:   hb.Position,
		HeadingDeg: hb.HeadingDeg,
		SpeedKmh:   hb.SpeedKmh,
		Online:     true,
		UpdatedAt:  now,
	}

	snap, err := s.store.GetSnapshot(ctx, hb.DriverID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		// First contact; the snapshot insert defaults to available.
		loc.Available = true
	case err != nil:
		return HeartbeatResult{}, err
	default:
		loc.Available = snap.Available
		loc.CurrentRideID = snap.CurrentRideID
	}

	if err := s.store.UpsertSnapshot(ctx, loc); err != nil {
		return HeartbeatResult{}, err
	}
	if err := s.store.IndexPosition(ctx, loc); err != nil {
		s.log.WarnContext(ctx, "geo index update failed, serving degraded",
			"driver_id", hb.DriverID, "err", err)
	}

	return HeartbeatResult{RideID: loc.CurrentRideID, ReportedAt: now}, nil
}

// SetAvailability flips whether the driver accepts new requests.
func (s *Service) SetAvailability(ctx context.Context, id types.ID, available bool) error {
	if id == "" {
		return domain.Validationf("driver_id is required")
	}
	if err := s.store.SnapshotAvailability(ctx, id, available, s.now().UTC()); err != nil {
		return err
	}
	if err := s.store.IndexAvailability(ctx, id, available); err != nil {
		s.log.WarnContext(ctx, "geo availability index update failed",
			"driver_id", id, "err", err)
	}
	return nil
}

// GoOffline removes the driver from the candidate pool entirely.
func (s *Service) GoOffline(ctx context.Context, id types.ID) error {
	if id == "" {
		return domain.Validationf("driver_id is required")
	}
	if err := s.store.SetSnapshotOffline(ctx, id, s.now().UTC()); err != nil {
		return err
	}
	if err := s.store.RemoveIndexed(ctx, id); err != nil {
		s.log.WarnContext(ctx, "geo index removal failed", "driver_id", id, "err", err)
	}
	return nil
}

// FindNearby returns up to limit available drivers within radiusKm of origin,
// nearest first, skipping positions older than the staleness window. Errors
// wrap ErrUnavailable when the index cannot be reached, so the caller can
// fail over to FindNearbyFallback.
func (s *Service) FindNearby(ctx context.Context, origin types.Point, radiusKm float64, limit int) ([]DriverLocation, error) {
	if err := validateSearch(origin, radiusKm, limit); err != nil {
		return nil, err
	}
	return s.store.SearchIndexed(ctx, origin, radiusKm, limit, s.now().UTC().Add(-s.staleness))
}

// FindNearbyFallback answers the same query from the Postgres snapshots.
func (s *Service) FindNearbyFallback(ctx context.Context, origin types.Point, radiusKm float64, limit int) ([]DriverLocation, error) {
	if err := validateSearch(origin, radiusKm, limit); err != nil {
		return nil, err
	}
	return s.store.SearchSnapshots(ctx, origin, radiusKm, limit, s.now().UTC().Add(-s.staleness))
}

// Get reads the driver's current state, preferring the index.
func (s *Service) Get(ctx context.Context, id types.ID) (DriverLocation, error) {
	loc, found, err := s.store.GetIndexed(ctx, id)
	if err == nil && found {
		return loc, nil
	}
	if err != nil && !errors.Is(err, domain.ErrUnavailable) {
		return DriverLocation{}, err
	}
	return s.store.GetSnapshot(ctx, id)
}

// MarkBusy mirrors a ride assignment into the index. The dispatch
// settlement row in Postgres stays authoritative; a stale index can only
// re-offer a driver that settlement will reject, and the driver's next
// heartbeat rewrites the index from that row.
func (s *Service) MarkBusy(ctx context.Context, id types.ID, rideID types.ID) error {
	return s.store.IndexRide(ctx, id, rideID)
}

// ReleaseDriver frees the driver after a ride reaches a terminal state.
func (s *Service) ReleaseDriver(ctx context.Context, id types.ID) error {
	if err := s.store.ReleaseSnapshot(ctx, id, s.now().UTC()); err != nil {
		return err
	}
	if err := s.store.IndexRide(ctx, id, ""); err != nil {
		s.log.WarnContext(ctx, "geo release index update failed", "driver_id", id, "err", err)
	}
	return nil
}

func validateSearch(origin types.Point, radiusKm float64, limit int) error {
	if !origin.InRange() {
		return domain.Validationf("origin out of range: lat=%v lng=%v", origin.Lat, origin.Lng)
	}
	if radiusKm <= 0 {
		return domain.Validationf("radius_km must be positive, got %v", radiusKm)
	}
	if limit <= 0 {
		return domain.Validationf("limit must be positive, got %d", limit)
	}
	return nil
}
