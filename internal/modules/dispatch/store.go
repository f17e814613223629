// README: Postgres persistence for dispatch requests and acceptance settlement.
package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Kuany4953/wasil-sub001/internal/domain"
	"github.com/Kuany4953/wasil-sub001/internal/modules/ride"
	"github.com/Kuany4953/wasil-sub001/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// InsertRequests writes one pending offer row per driver and returns the
// requests actually inserted. A (ride, driver) pair that was already offered
// is skipped, so a later wave cannot revive a retired offer.
func (s *Store) InsertRequests(ctx context.Context, reqs []RideRequest) ([]RideRequest, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin insert requests: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted := make([]RideRequest, 0, len(reqs))
	for _, r := range reqs {
		tag, err := tx.Exec(ctx, `
			INSERT INTO ride_requests (ride_id, driver_id, status, distance_to_pickup_km, eta_seconds, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (ride_id, driver_id) DO NOTHING`,
			string(r.RideID), string(r.DriverID), string(r.Status),
			r.DistanceToPickupKm, r.EtaSeconds, r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("insert ride request: %w", err)
		}
		if tag.RowsAffected() > 0 {
			inserted = append(inserted, r)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit insert requests: %w", err)
	}
	return inserted, nil
}

// Settle is the exactly-one-winner transaction. It locks the ride row,
// claims the driver, accepts the winning request, retires the pending
// siblings, and assigns the ride, all or nothing. Coupling the driver claim
// to the same transaction keeps "one ride per driver" true even when two
// rides court the same driver at once.
func (s *Store) Settle(ctx context.Context, rideID, driverID types.ID, at time.Time) (RideRequest, []types.ID, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return RideRequest{}, nil, fmt.Errorf("begin settle: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		status    string
		curDriver sql.NullString
	)
	err = tx.QueryRow(ctx, `SELECT status, driver_id FROM rides WHERE id = $1 FOR UPDATE`,
		string(rideID)).Scan(&status, &curDriver)
	if errors.Is(err, pgx.ErrNoRows) {
		return RideRequest{}, nil, domain.NotFound("ride")
	}
	if err != nil {
		return RideRequest{}, nil, fmt.Errorf("lock ride: %w", err)
	}
	if status != string(ride.StatusRequested) || curDriver.Valid {
		return RideRequest{}, nil, domain.ErrRideTaken
	}

	tag, err := tx.Exec(ctx, `
		UPDATE driver_locations
		SET current_ride_id = $2, is_available = FALSE, last_updated = $3
		WHERE driver_id = $1 AND current_ride_id IS NULL AND is_online = TRUE`,
		string(driverID), string(rideID), at,
	)
	if err != nil {
		return RideRequest{}, nil, fmt.Errorf("claim driver: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return RideRequest{}, nil, domain.ErrDriverBusy
	}

	winner := RideRequest{
		RideID:      rideID,
		DriverID:    driverID,
		Status:      RequestAccepted,
		RespondedAt: &at,
	}
	err = tx.QueryRow(ctx, `
		UPDATE ride_requests
		SET status = $3, responded_at = $4
		WHERE ride_id = $1 AND driver_id = $2 AND status = $5
		RETURNING distance_to_pickup_km, eta_seconds, created_at`,
		string(rideID), string(driverID), string(RequestAccepted), at, string(RequestPending),
	).Scan(&winner.DistanceToPickupKm, &winner.EtaSeconds, &winner.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return RideRequest{}, nil, domain.ErrNoPendingRequest
	}
	if err != nil {
		return RideRequest{}, nil, fmt.Errorf("accept request: %w", err)
	}

	rows, err := tx.Query(ctx, `
		UPDATE ride_requests
		SET status = $3, responded_at = $4
		WHERE ride_id = $1 AND driver_id <> $2 AND status = $5
		RETURNING driver_id`,
		string(rideID), string(driverID), string(RequestTaken), at, string(RequestPending),
	)
	if err != nil {
		return RideRequest{}, nil, fmt.Errorf("retire siblings: %w", err)
	}
	var losers []types.ID
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			rows.Close()
			return RideRequest{}, nil, fmt.Errorf("scan retired sibling: %w", err)
		}
		losers = append(losers, types.ID(d))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return RideRequest{}, nil, fmt.Errorf("retire siblings: %w", err)
	}

	tag, err = tx.Exec(ctx, `
		UPDATE rides
		SET status = $2, driver_id = $3, accepted_at = $4, status_version = status_version + 1
		WHERE id = $1 AND status = $5`,
		string(rideID), string(ride.StatusAccepted), string(driverID), at, string(ride.StatusRequested),
	)
	if err != nil {
		return RideRequest{}, nil, fmt.Errorf("assign ride: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return RideRequest{}, nil, domain.ErrRideTaken
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ride_status_events (ride_id, from_status, to_status, actor_type, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(rideID), string(ride.StatusRequested), string(ride.StatusAccepted),
		string(types.ActorDriver), string(driverID), at,
	)
	if err != nil {
		return RideRequest{}, nil, fmt.Errorf("append accept event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return RideRequest{}, nil, fmt.Errorf("commit settle: %w", err)
	}
	return winner, losers, nil
}

// Decline retires one driver's pending offer.
func (s *Store) Decline(ctx context.Context, rideID, driverID types.ID, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE ride_requests
		SET status = $3, responded_at = $4
		WHERE ride_id = $1 AND driver_id = $2 AND status = $5`,
		string(rideID), string(driverID), string(RequestDeclined), at, string(RequestPending),
	)
	if err != nil {
		return fmt.Errorf("decline request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNoPendingRequest
	}
	return nil
}

// CloseForRide retires every pending offer for a ride that left the market,
// returning the drivers whose offers were pulled.
func (s *Store) CloseForRide(ctx context.Context, rideID types.ID, at time.Time) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE ride_requests
		SET status = $2, responded_at = $3
		WHERE ride_id = $1 AND status = $4
		RETURNING driver_id`,
		string(rideID), string(RequestExpired), at, string(RequestPending),
	)
	if err != nil {
		return nil, fmt.Errorf("close requests: %w", err)
	}
	defer rows.Close()

	var drivers []types.ID
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan closed request: %w", err)
		}
		drivers = append(drivers, types.ID(d))
	}
	return drivers, rows.Err()
}

// ExpireOlderThan retires pending offers created strictly before the cutoff.
func (s *Store) ExpireOlderThan(ctx context.Context, cutoff, at time.Time) ([]RideRequest, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE ride_requests
		SET status = $2, responded_at = $3
		WHERE status = $4 AND created_at < $1
		RETURNING ride_id, driver_id, distance_to_pickup_km, eta_seconds, created_at`,
		cutoff, string(RequestExpired), at, string(RequestPending),
	)
	if err != nil {
		return nil, fmt.Errorf("expire requests: %w", err)
	}
	defer rows.Close()

	var expired []RideRequest
	for rows.Next() {
		r := RideRequest{Status: RequestExpired, RespondedAt: &at}
		if err := rows.Scan(&r.RideID, &r.DriverID, &r.DistanceToPickupKm, &r.EtaSeconds, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan expired request: %w", err)
		}
		expired = append(expired, r)
	}
	return expired, rows.Err()
}

func (s *Store) PendingCount(ctx context.Context, rideID types.ID) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM ride_requests WHERE ride_id = $1 AND status = $2`,
		string(rideID), string(RequestPending),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending requests: %w", err)
	}
	return n, nil
}

func (s *Store) HasPending(ctx context.Context, rideID, driverID types.ID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM ride_requests
			WHERE ride_id = $1 AND driver_id = $2 AND status = $3
		)`, string(rideID), string(driverID), string(RequestPending),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending request: %w", err)
	}
	return exists, nil
}

func (s *Store) ListByRide(ctx context.Context, rideID types.ID) ([]RideRequest, error) {
	rows, err := s.db.Query(ctx, `
		SELECT ride_id, driver_id, status, distance_to_pickup_km, eta_seconds, created_at, responded_at
		FROM ride_requests WHERE ride_id = $1
		ORDER BY distance_to_pickup_km, driver_id`, string(rideID))
	if err != nil {
		return nil, fmt.Errorf("list ride requests: %w", err)
	}
	defer rows.Close()

	var reqs []RideRequest
	for rows.Next() {
		var (
			r           RideRequest
			respondedAt sql.NullTime
		)
		if err := rows.Scan(&r.RideID, &r.DriverID, &r.Status, &r.DistanceToPickupKm, &r.EtaSeconds, &r.CreatedAt, &respondedAt); err != nil {
			return nil, fmt.Errorf("scan ride request: %w", err)
		}
		if respondedAt.Valid {
			t := respondedAt.Time.UTC()
			r.RespondedAt = &t
		}
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}
