// README: Dispatch service: matching fan-out, acceptance, decline, expiry.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/Kuany4953/wasil-sub001/internal/config"
	"github.com/Kuany4953/wasil-sub001/internal/domain"
	"github.com/Kuany4953/wasil-sub001/internal/modules/geo"
	"github.com/Kuany4953/wasil-sub001/internal/modules/ride"
	"github.com/Kuany4953/wasil-sub001/internal/notify"
	"github.com/Kuany4953/wasil-sub001/internal/types"
)

const defaultAvgSpeedKmh = 30.0

// RideSource is the slice of the ride service dispatch needs.
type RideSource interface {
	Get(ctx context.Context, id types.ID) (*ride.Ride, error)
}

// DriverPool is the slice of the geo service dispatch needs.
type DriverPool interface {
	FindNearby(ctx context.Context, origin types.Point, radiusKm float64, limit int) ([]geo.DriverLocation, error)
	FindNearbyFallback(ctx context.Context, origin types.Point, radiusKm float64, limit int) ([]geo.DriverLocation, error)
	Get(ctx context.Context, id types.ID) (geo.DriverLocation, error)
	MarkBusy(ctx context.Context, id, rideID types.ID) error
}

type Service struct {
	store       *Store
	cache       *Cache
	rides       RideSource
	drivers     DriverPool
	notifier    notify.Notifier
	ranker      Ranker
	cfg         config.DispatchConfig
	log         *slog.Logger
	avgSpeedKmh float64
	now         func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRanker swaps the candidate ordering strategy.
func WithRanker(r Ranker) Option {
	return func(s *Service) { s.ranker = r }
}

func WithAvgSpeed(kmh float64) Option {
	return func(s *Service) { s.avgSpeedKmh = kmh }
}

func NewService(store *Store, cache *Cache, rides RideSource, drivers DriverPool, notifier notify.Notifier, cfg config.DispatchConfig, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:       store,
		cache:       cache,
		rides:       rides,
		drivers:     drivers,
		notifier:    notifier,
		ranker:      ByDistance{},
		cfg:         cfg,
		log:         log,
		avgSpeedKmh: defaultAvgSpeedKmh,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type AcceptCommand struct {
	RideID   types.ID
	DriverID types.ID
}

type DeclineCommand struct {
	RideID   types.ID
	DriverID types.ID
}

// MatchAndDispatch runs one offer wave for a requested ride: find nearby
// available drivers, rank them, persist the top offers, and notify the
// drivers. The ride itself stays in requested state until someone accepts.
func (s *Service) MatchAndDispatch(ctx context.Context, rideID types.ID) (*Result, error) {
	if rideID == "" {
		return nil, domain.Validationf("ride id is required")
	}
	r, err := s.rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status != ride.StatusRequested || r.DriverID != nil {
		return nil, domain.ErrRideTaken
	}

	// The dedupe slot is advisory: if Redis is down we dispatch anyway and
	// rely on the (ride, driver) primary key to absorb duplicate offers.
	ok, err := s.cache.TryBeginDispatch(ctx, rideID, s.cfg.RequestTTL)
	if err != nil {
		s.log.WarnContext(ctx, "dispatch dedupe unavailable, proceeding",
			"ride_id", string(rideID), "error", err)
		ok = true
	}
	if !ok {
		return nil, domain.ErrDispatchInFlight
	}

	limit := s.cfg.FanoutSize * s.cfg.OverfetchRatio
	if limit < s.cfg.FanoutSize {
		limit = s.cfg.FanoutSize
	}
	candidates, err := s.drivers.FindNearby(ctx, r.Pickup, s.cfg.RadiusKm, limit)
	if errors.Is(err, domain.ErrUnavailable) {
		s.log.WarnContext(ctx, "geo index unavailable, searching snapshots",
			"ride_id", string(rideID), "error", err)
		candidates, err = s.drivers.FindNearbyFallback(ctx, r.Pickup, s.cfg.RadiusKm, limit)
	}
	if err != nil {
		s.endDispatch(ctx, rideID)
		return nil, err
	}

	ranked := s.ranker.Rank(r.Pickup, candidates)
	if len(ranked) > s.cfg.FanoutSize {
		ranked = ranked[:s.cfg.FanoutSize]
	}

	now := s.now().UTC()
	if len(ranked) == 0 {
		s.endDispatch(ctx, rideID)
		s.log.InfoContext(ctx, "no drivers in range", "ride_id", string(rideID))
		return &Result{RideID: rideID, ExpiresAt: now}, nil
	}

	reqs := make([]RideRequest, 0, len(ranked))
	for _, c := range ranked {
		reqs = append(reqs, RideRequest{
			RideID:             rideID,
			DriverID:           c.DriverID,
			Status:             RequestPending,
			DistanceToPickupKm: c.Distance,
			EtaSeconds:         etaSeconds(c.Distance, s.avgSpeedKmh),
			CreatedAt:          now,
		})
	}
	offered, err := s.store.InsertRequests(ctx, reqs)
	if err != nil {
		s.endDispatch(ctx, rideID)
		return nil, err
	}
	if len(offered) == 0 {
		// Every candidate already saw (and retired) an offer for this ride.
		s.endDispatch(ctx, rideID)
		s.log.InfoContext(ctx, "no new drivers to offer",
			"ride_id", string(rideID), "candidates", len(ranked))
		return &Result{RideID: rideID, ExpiresAt: now}, nil
	}
	driverIDs := make([]types.ID, 0, len(offered))
	for _, q := range offered {
		driverIDs = append(driverIDs, q.DriverID)
	}
	if err := s.cache.MirrorOffers(ctx, rideID, driverIDs, s.cfg.RequestTTL); err != nil {
		s.log.WarnContext(ctx, "offer cache mirror failed",
			"ride_id", string(rideID), "error", err)
	}

	expiresAt := now.Add(s.cfg.RequestTTL)
	if s.notifier != nil {
		for _, q := range offered {
			err := s.notifier.DriverOffered(ctx, notify.DriverOffer{
				RideUUID:           r.UUID,
				DriverID:           q.DriverID,
				Pickup:             r.Pickup,
				PickupAddress:      r.PickupAddress,
				Dropoff:            r.Dropoff,
				DropoffAddress:     r.DropoffAddress,
				RideType:           string(r.RideType),
				EstimatedFare:      r.EstimatedFare.Amount,
				Currency:           r.EstimatedFare.Currency,
				DistanceToPickupKm: q.DistanceToPickupKm,
				EtaSeconds:         q.EtaSeconds,
				ExpiresAt:          expiresAt,
			})
			if err != nil {
				s.log.WarnContext(ctx, "driver offer notification failed",
					"ride_id", string(rideID), "driver_id", string(q.DriverID), "error", err)
			}
		}
		err := s.notifier.WaveSent(ctx, notify.Wave{
			RideUUID:        r.UUID,
			RiderID:         r.RiderID,
			DriversNotified: len(offered),
			ExpiresAt:       expiresAt,
		})
		if err != nil {
			s.log.WarnContext(ctx, "wave notification failed",
				"ride_id", string(rideID), "error", err)
		}
	}
	s.log.InfoContext(ctx, "dispatch wave sent",
		"ride_id", string(rideID), "offers", len(offered), "expires_at", expiresAt)
	return &Result{RideID: rideID, Offered: offered, ExpiresAt: expiresAt}, nil
}

// Accept settles the race for a ride. Exactly one driver wins; everyone
// else gets a conflict.
func (s *Service) Accept(ctx context.Context, cmd AcceptCommand) (*Acceptance, error) {
	if cmd.RideID == "" || cmd.DriverID == "" {
		return nil, domain.Validationf("ride id and driver id are required")
	}
	r, err := s.rides.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	winner, losers, err := s.store.Settle(ctx, cmd.RideID, cmd.DriverID, now)
	if err != nil {
		return nil, err
	}

	purged := append([]types.ID{cmd.DriverID}, losers...)
	if err := s.cache.PurgeRide(ctx, cmd.RideID, purged); err != nil {
		s.log.WarnContext(ctx, "offer cache purge failed, keys will expire on their own",
			"ride_id", string(cmd.RideID), "error", err)
	}

	// Mirror the claim into the geo index. The settlement row stays
	// authoritative; a stale mirror can only re-offer a driver that
	// settlement will reject, and the driver's next heartbeat rewrites
	// the index from that row.
	if err := s.drivers.MarkBusy(ctx, cmd.DriverID, cmd.RideID); err != nil {
		if err := s.drivers.MarkBusy(ctx, cmd.DriverID, cmd.RideID); err != nil {
			s.log.WarnContext(ctx, "geo busy flag not mirrored",
				"driver_id", string(cmd.DriverID), "error", err)
		}
	}

	if s.notifier != nil {
		err := s.notifier.RiderMatched(ctx, notify.Match{
			RideUUID:   r.UUID,
			RiderID:    r.RiderID,
			DriverID:   cmd.DriverID,
			EtaSeconds: winner.EtaSeconds,
		})
		if err != nil {
			s.log.WarnContext(ctx, "rider match notification failed",
				"ride_id", string(cmd.RideID), "error", err)
		}
		for _, l := range losers {
			if err := s.notifier.RideTaken(ctx, notify.Taken{RideUUID: r.UUID, DriverID: l}); err != nil {
				s.log.WarnContext(ctx, "ride taken notification failed",
					"driver_id", string(l), "error", err)
			}
		}
	}

	s.log.InfoContext(ctx, "ride accepted",
		"ride_id", string(cmd.RideID), "driver_id", string(cmd.DriverID), "losing_offers", len(losers))
	return &Acceptance{
		RideID:             cmd.RideID,
		DriverID:           cmd.DriverID,
		DistanceToPickupKm: winner.DistanceToPickupKm,
		EtaSeconds:         winner.EtaSeconds,
	}, nil
}

// Decline retires one offer. When the last live offer goes, the wave is
// exhausted and the dispatch slot reopens so the rider can trigger another
// wave immediately.
func (s *Service) Decline(ctx context.Context, cmd DeclineCommand) (*DeclineResult, error) {
	if cmd.RideID == "" || cmd.DriverID == "" {
		return nil, domain.Validationf("ride id and driver id are required")
	}
	now := s.now().UTC()
	if err := s.store.Decline(ctx, cmd.RideID, cmd.DriverID, now); err != nil {
		return nil, err
	}
	if err := s.cache.DropOffer(ctx, cmd.RideID, cmd.DriverID); err != nil {
		s.log.WarnContext(ctx, "offer cache drop failed",
			"ride_id", string(cmd.RideID), "driver_id", string(cmd.DriverID), "error", err)
	}

	remaining, err := s.store.PendingCount(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	res := &DeclineResult{RideID: cmd.RideID, RemainingOffers: remaining, WaveExhausted: remaining == 0}
	if res.WaveExhausted {
		s.endDispatch(ctx, cmd.RideID)
		s.log.WarnContext(ctx, "all dispatch offers declined, ride needs attention",
			"ride_id", string(cmd.RideID))
	}
	return res, nil
}

// CanDriverAccept is the cheap pre-check behind the driver app's accept
// button. It can go stale the moment it returns; Settle has the final word.
func (s *Service) CanDriverAccept(ctx context.Context, rideID, driverID types.ID) (AcceptCheck, error) {
	if rideID == "" || driverID == "" {
		return AcceptCheck{}, domain.Validationf("ride id and driver id are required")
	}
	// The cached offer key answers most liveness probes; a miss or a cache
	// error falls through to the authoritative row.
	has, err := s.cache.HasOffer(ctx, rideID, driverID)
	if err != nil || !has {
		has, err = s.store.HasPending(ctx, rideID, driverID)
		if err != nil {
			return AcceptCheck{}, err
		}
	}
	if !has {
		return AcceptCheck{Reason: ReasonNoPendingRequest}, nil
	}

	r, err := s.rides.Get(ctx, rideID)
	if errors.Is(err, domain.ErrNotFound) {
		return AcceptCheck{Reason: ReasonRideGone}, nil
	}
	if err != nil {
		return AcceptCheck{}, err
	}
	if r.Status != ride.StatusRequested || r.DriverID != nil {
		return AcceptCheck{Reason: ReasonRideGone}, nil
	}

	loc, err := s.drivers.Get(ctx, driverID)
	if errors.Is(err, domain.ErrNotFound) {
		return AcceptCheck{Reason: ReasonDriverOffline}, nil
	}
	if err != nil {
		return AcceptCheck{}, err
	}
	if !loc.Online {
		return AcceptCheck{Reason: ReasonDriverOffline}, nil
	}
	if loc.CurrentRideID != "" {
		return AcceptCheck{Reason: ReasonDriverBusy}, nil
	}
	if !loc.Available {
		return AcceptCheck{Reason: ReasonDriverUnavailable}, nil
	}
	return AcceptCheck{Allowed: true}, nil
}

// CloseForRide retires all pending offers for a ride that left the market
// (cancelled, typically) and tells the affected drivers.
func (s *Service) CloseForRide(ctx context.Context, rideID types.ID) error {
	if rideID == "" {
		return domain.Validationf("ride id is required")
	}
	now := s.now().UTC()
	drivers, err := s.store.CloseForRide(ctx, rideID, now)
	if err != nil {
		return err
	}
	if err := s.cache.PurgeRide(ctx, rideID, drivers); err != nil {
		s.log.WarnContext(ctx, "offer cache purge failed, keys will expire on their own",
			"ride_id", string(rideID), "error", err)
	}
	if s.notifier != nil && len(drivers) > 0 {
		r, err := s.rides.Get(ctx, rideID)
		if err != nil {
			s.log.WarnContext(ctx, "ride lookup for close notifications failed",
				"ride_id", string(rideID), "error", err)
			return nil
		}
		for _, d := range drivers {
			if err := s.notifier.RideTaken(ctx, notify.Taken{RideUUID: r.UUID, DriverID: d}); err != nil {
				s.log.WarnContext(ctx, "offer close notification failed",
					"driver_id", string(d), "error", err)
			}
		}
	}
	return nil
}

// Offers lists every request ever extended for a ride, newest state first.
func (s *Service) Offers(ctx context.Context, rideID types.ID) ([]RideRequest, error) {
	if rideID == "" {
		return nil, domain.Validationf("ride id is required")
	}
	return s.store.ListByRide(ctx, rideID)
}

// ExpireStale retires offers whose TTL has strictly elapsed and reports
// rides whose wave died without an acceptance.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	now := s.now().UTC()
	cutoff := now.Add(-s.cfg.RequestTTL)
	expired, err := s.store.ExpireOlderThan(ctx, cutoff, now)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	byRide := make(map[types.ID][]types.ID)
	for _, r := range expired {
		byRide[r.RideID] = append(byRide[r.RideID], r.DriverID)
	}
	for rideID, drivers := range byRide {
		if err := s.cache.PurgeRide(ctx, rideID, drivers); err != nil {
			s.log.WarnContext(ctx, "offer cache purge failed, keys will expire on their own",
				"ride_id", string(rideID), "error", err)
		}
		remaining, err := s.store.PendingCount(ctx, rideID)
		if err != nil {
			s.log.WarnContext(ctx, "pending count failed after expiry",
				"ride_id", string(rideID), "error", err)
			continue
		}
		if remaining > 0 {
			continue
		}
		r, err := s.rides.Get(ctx, rideID)
		if err == nil && r.Status == ride.StatusRequested && r.DriverID == nil {
			s.log.WarnContext(ctx, "dispatch wave expired with no acceptance, ride needs attention",
				"ride_id", string(rideID))
		}
	}
	return len(expired), nil
}

// RunExpirySweeper drives ExpireStale on a fixed tick until the context is
// cancelled.
func (s *Service) RunExpirySweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ExpireStale(ctx)
			if err != nil {
				s.log.WarnContext(ctx, "expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.log.InfoContext(ctx, "expired stale dispatch offers", "count", n)
			}
		}
	}
}

func (s *Service) endDispatch(ctx context.Context, rideID types.ID) {
	if err := s.cache.EndDispatch(ctx, rideID); err != nil {
		s.log.WarnContext(ctx, "dispatch slot release failed, it will expire on its own",
			"ride_id", string(rideID), "error", err)
	}
}

func etaSeconds(distanceKm, speedKmh float64) int64 {
	if speedKmh <= 0 {
		speedKmh = defaultAvgSpeedKmh
	}
	return int64(math.Round(distanceKm / speedKmh * 3600))
}
