// README: Postgres persistence for rides, status events, and trip tracking.
package ride

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Kuany4953/wasil-sub001/internal/domain"
	"github.com/Kuany4953/wasil-sub001/internal/modules/pricing"
	"github.com/Kuany4953/wasil-sub001/internal/types"
)

// maxWaypointStepKm bounds the distance credited between two consecutive
// waypoints. Larger jumps are GPS noise: the anchor moves, the odometer
// does not.
const maxWaypointStepKm = 2.0

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, r *Ride) error {
	estBreakdown, err := json.Marshal(r.EstimatedBreakdown)
	if err != nil {
		return fmt.Errorf("encode estimated breakdown: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO rides (
			id, uuid, rider_id, ride_type, status, status_version,
			pickup_lat, pickup_lng, pickup_address,
			dropoff_lat, dropoff_lng, dropoff_address,
			road_condition, currency,
			estimated_fare, estimated_breakdown,
			estimated_distance_km, estimated_duration_sec,
			requested_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		string(r.ID), r.UUID, string(r.RiderID), string(r.RideType), string(r.Status), r.StatusVersion,
		r.Pickup.Lat, r.Pickup.Lng, r.PickupAddress,
		r.Dropoff.Lat, r.Dropoff.Lng, r.DropoffAddress,
		string(r.RoadCondition), r.EstimatedFare.Currency,
		r.EstimatedFare.Amount, estBreakdown,
		r.EstimatedDistanceKm, r.EstimatedDurationSec,
		r.RequestedAt,
	)
	if err != nil {
		return fmt.Errorf("create ride: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Ride, error) {
	return s.getBy(ctx, "id", string(id))
}

func (s *Store) GetByUUID(ctx context.Context, uuid string) (*Ride, error) {
	return s.getBy(ctx, "uuid", uuid)
}

func (s *Store) getBy(ctx context.Context, column, value string) (*Ride, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, uuid, rider_id, driver_id, ride_type, status, status_version,
		       pickup_lat, pickup_lng, pickup_address,
		       dropoff_lat, dropoff_lng, dropoff_address,
		       road_condition, currency,
		       estimated_fare, estimated_breakdown, actual_fare, actual_breakdown,
		       estimated_distance_km, estimated_duration_sec,
		       actual_distance_km, actual_duration_sec,
		       requested_at, accepted_at, arriving_at, started_at, completed_at, cancelled_at,
		       cancelled_by, cancellation_reason, cancellation_fee,
		       rider_rating, rider_feedback, driver_rating, driver_feedback
		FROM rides WHERE `+column+` = $1`, value)

	var (
		r            Ride
		driverID     sql.NullString
		currency     string
		estAmount    int64
		estBreakdown []byte
		actAmount    sql.NullInt64
		actBreakdown []byte
		actDistance  sql.NullFloat64
		actDuration  sql.NullInt64
		acceptedAt   sql.NullTime
		arrivingAt   sql.NullTime
		startedAt    sql.NullTime
		completedAt  sql.NullTime
		cancelledAt  sql.NullTime
		cancelledBy  sql.NullString
		cancelReason sql.NullString
		cancelFee    sql.NullInt64
		riderRating  sql.NullInt16
		riderNote    sql.NullString
		driverRating sql.NullInt16
		driverNote   sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.UUID, &r.RiderID, &driverID, &r.RideType, &r.Status, &r.StatusVersion,
		&r.Pickup.Lat, &r.Pickup.Lng, &r.PickupAddress,
		&r.Dropoff.Lat, &r.Dropoff.Lng, &r.DropoffAddress,
		&r.RoadCondition, &currency,
		&estAmount, &estBreakdown, &actAmount, &actBreakdown,
		&r.EstimatedDistanceKm, &r.EstimatedDurationSec,
		&actDistance, &actDuration,
		&r.RequestedAt, &acceptedAt, &arrivingAt, &startedAt, &completedAt, &cancelledAt,
		&cancelledBy, &cancelReason, &cancelFee,
		&riderRating, &riderNote, &driverRating, &driverNote,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NotFound("ride")
	}
	if err != nil {
		return nil, fmt.Errorf("get ride: %w", err)
	}

	if driverID.Valid {
		id := types.ID(driverID.String)
		r.DriverID = &id
	}
	r.EstimatedFare = types.Money{Amount: estAmount, Currency: currency}
	if len(estBreakdown) > 0 {
		if err := json.Unmarshal(estBreakdown, &r.EstimatedBreakdown); err != nil {
			return nil, fmt.Errorf("decode estimated breakdown: %w", err)
		}
	}
	if actAmount.Valid {
		fare := types.Money{Amount: actAmount.Int64, Currency: currency}
		r.ActualFare = &fare
	}
	if len(actBreakdown) > 0 {
		var b pricing.FareBreakdown
		if err := json.Unmarshal(actBreakdown, &b); err != nil {
			return nil, fmt.Errorf("decode actual breakdown: %w", err)
		}
		r.ActualBreakdown = &b
	}
	r.ActualDistanceKm = toFloatPtr(actDistance)
	r.ActualDurationSec = toIntPtr(actDuration)
	r.AcceptedAt = toTimePtr(acceptedAt)
	r.ArrivingAt = toTimePtr(arrivingAt)
	r.StartedAt = toTimePtr(startedAt)
	r.CompletedAt = toTimePtr(completedAt)
	r.CancelledAt = toTimePtr(cancelledAt)
	if cancelledBy.Valid {
		by := types.Actor(cancelledBy.String)
		r.CancelledBy = &by
	}
	r.CancellationReason = toStringPtr(cancelReason)
	if cancelFee.Valid {
		fee := types.Money{Amount: cancelFee.Int64, Currency: currency}
		r.CancellationFee = &fee
	}
	r.RiderRating = toInt16Ptr(riderRating)
	r.RiderFeedback = toStringPtr(riderNote)
	r.DriverRating = toInt16Ptr(driverRating)
	r.DriverFeedback = toStringPtr(driverNote)
	return &r, nil
}

// HasActiveByRider reports whether the rider already has a ride that is not
// yet completed or cancelled.
func (s *Store) HasActiveByRider(ctx context.Context, riderID types.ID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM rides
			WHERE rider_id = $1 AND status NOT IN ($2, $3)
		)`, string(riderID), string(StatusCompleted), string(StatusCancelled),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active ride: %w", err)
	}
	return exists, nil
}

// MarkArriving moves an accepted ride to arriving. The status predicate in
// the WHERE clause makes the transition race-safe: zero rows means somebody
// else moved the ride first.
func (s *Store) MarkArriving(ctx context.Context, id types.ID, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE rides
		SET status = $2, status_version = status_version + 1, arriving_at = $3
		WHERE id = $1 AND status = $4`,
		string(id), string(StatusArriving), at, string(StatusAccepted),
	)
	if err != nil {
		return fmt.Errorf("mark arriving: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionConflict(ctx, id, StatusArriving)
	}
	return nil
}

func (s *Store) MarkStarted(ctx context.Context, id types.ID, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE rides
		SET status = $2, status_version = status_version + 1, started_at = $3
		WHERE id = $1 AND status = $4`,
		string(id), string(StatusInProgress), at, string(StatusArriving),
	)
	if err != nil {
		return fmt.Errorf("mark started: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionConflict(ctx, id, StatusInProgress)
	}
	return nil
}

// CompletionRecord carries the settled actuals written on completion.
type CompletionRecord struct {
	Fare        types.Money
	Breakdown   pricing.FareBreakdown
	DistanceKm  float64
	DurationSec int64
	At          time.Time
}

func (s *Store) MarkCompleted(ctx context.Context, id types.ID, rec CompletionRecord) error {
	breakdown, err := json.Marshal(rec.Breakdown)
	if err != nil {
		return fmt.Errorf("encode actual breakdown: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE rides
		SET status = $2, status_version = status_version + 1, completed_at = $3,
		    actual_fare = $4, actual_breakdown = $5,
		    actual_distance_km = $6, actual_duration_sec = $7
		WHERE id = $1 AND status = $8`,
		string(id), string(StatusCompleted), rec.At,
		rec.Fare.Amount, breakdown,
		rec.DistanceKm, rec.DurationSec,
		string(StatusInProgress),
	)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionConflict(ctx, id, StatusCompleted)
	}
	return nil
}

// CancellationRecord carries who cancelled, why, and the fee charged.
type CancellationRecord struct {
	By     types.Actor
	Reason string
	Fee    types.Money
	At     time.Time
}

func (s *Store) MarkCancelled(ctx context.Context, id types.ID, rec CancellationRecord) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE rides
		SET status = $2, status_version = status_version + 1, cancelled_at = $3,
		    cancelled_by = $4, cancellation_reason = $5, cancellation_fee = $6
		WHERE id = $1 AND status IN ($7, $8, $9, $10)`,
		string(id), string(StatusCancelled), rec.At,
		string(rec.By), rec.Reason, rec.Fee.Amount,
		string(StatusRequested), string(StatusAccepted), string(StatusArriving), string(StatusInProgress),
	)
	if err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionConflict(ctx, id, StatusCancelled)
	}
	return nil
}

// SetRiderRating records the rider's rating of the driver. The rating is
// write-once and only valid on completed rides, both enforced by the WHERE
// clause.
func (s *Store) SetRiderRating(ctx context.Context, id types.ID, rating int16, feedback string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE rides SET rider_rating = $2, rider_feedback = $3
		WHERE id = $1 AND status = $4 AND rider_rating IS NULL`,
		string(id), rating, feedback, string(StatusCompleted),
	)
	if err != nil {
		return fmt.Errorf("set rider rating: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.ratingConflict(ctx, id, func(r *Ride) bool { return r.RiderRating != nil })
	}
	return nil
}

func (s *Store) SetDriverRating(ctx context.Context, id types.ID, rating int16, feedback string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE rides SET driver_rating = $2, driver_feedback = $3
		WHERE id = $1 AND status = $4 AND driver_rating IS NULL`,
		string(id), rating, feedback, string(StatusCompleted),
	)
	if err != nil {
		return fmt.Errorf("set driver rating: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.ratingConflict(ctx, id, func(r *Ride) bool { return r.DriverRating != nil })
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	var actorID *string
	if e.ActorID != nil {
		v := string(*e.ActorID)
		actorID = &v
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO ride_status_events (ride_id, from_status, to_status, actor_type, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.RideID), string(e.FromStatus), string(e.ToStatus),
		string(e.ActorType), actorID, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append ride event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, rideID types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, ride_id, from_status, to_status, actor_type, actor_id, created_at
		FROM ride_status_events WHERE ride_id = $1 ORDER BY id`, string(rideID))
	if err != nil {
		return nil, fmt.Errorf("list ride events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			actorID sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.RideID, &e.FromStatus, &e.ToStatus, &e.ActorType, &actorID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ride event: %w", err)
		}
		if actorID.Valid {
			id := types.ID(actorID.String)
			e.ActorID = &id
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// EnsureTracking seeds the trip odometer at the pickup point. Calling it
// twice is harmless.
func (s *Store) EnsureTracking(ctx context.Context, rideID types.ID, origin types.Point, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO ride_tracking (ride_id, last_lat, last_lng, distance_km, waypoints, started_at, updated_at)
		VALUES ($1, $2, $3, 0, 0, $4, $4)
		ON CONFLICT (ride_id) DO NOTHING`,
		string(rideID), origin.Lat, origin.Lng, at,
	)
	if err != nil {
		return fmt.Errorf("ensure ride tracking: %w", err)
	}
	return nil
}

// AccumulateWaypoint advances the trip odometer under a row lock so that
// concurrent heartbeats from a flaky connection cannot double-count a leg.
func (s *Store) AccumulateWaypoint(ctx context.Context, rideID types.ID, p types.Point, at time.Time) (Tracking, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Tracking{}, fmt.Errorf("begin tracking tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t := Tracking{RideID: rideID}
	err = tx.QueryRow(ctx, `
		SELECT last_lat, last_lng, distance_km, waypoints, started_at
		FROM ride_tracking WHERE ride_id = $1 FOR UPDATE`, string(rideID),
	).Scan(&t.LastPoint.Lat, &t.LastPoint.Lng, &t.DistanceKm, &t.Waypoints, &t.StartedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Tracking{}, domain.NotFound("ride tracking")
	}
	if err != nil {
		return Tracking{}, fmt.Errorf("lock ride tracking: %w", err)
	}

	if step := t.LastPoint.DistanceKm(p); step <= maxWaypointStepKm {
		t.DistanceKm += step
	}
	t.LastPoint = p
	t.Waypoints++
	t.UpdatedAt = at

	_, err = tx.Exec(ctx, `
		UPDATE ride_tracking
		SET last_lat = $2, last_lng = $3, distance_km = $4, waypoints = $5, updated_at = $6
		WHERE ride_id = $1`,
		string(rideID), p.Lat, p.Lng, t.DistanceKm, t.Waypoints, at,
	)
	if err != nil {
		return Tracking{}, fmt.Errorf("update ride tracking: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Tracking{}, fmt.Errorf("commit tracking tx: %w", err)
	}
	return t, nil
}

func (s *Store) GetTracking(ctx context.Context, rideID types.ID) (Tracking, error) {
	t := Tracking{RideID: rideID}
	err := s.db.QueryRow(ctx, `
		SELECT last_lat, last_lng, distance_km, waypoints, started_at, updated_at
		FROM ride_tracking WHERE ride_id = $1`, string(rideID),
	).Scan(&t.LastPoint.Lat, &t.LastPoint.Lng, &t.DistanceKm, &t.Waypoints, &t.StartedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Tracking{}, domain.NotFound("ride tracking")
	}
	if err != nil {
		return Tracking{}, fmt.Errorf("get ride tracking: %w", err)
	}
	return t, nil
}

// transitionConflict explains a guarded update that matched no rows by
// re-reading the row: either the ride is gone or it is no longer in a
// status the transition accepts.
func (s *Store) transitionConflict(ctx context.Context, id types.ID, to Status) error {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return domain.Transition(string(cur.Status), string(to))
}

func (s *Store) ratingConflict(ctx context.Context, id types.ID, rated func(*Ride) bool) error {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status != StatusCompleted {
		return domain.Transition(string(cur.Status), "rated")
	}
	if rated(cur) {
		return domain.ErrAlreadyRated
	}
	return domain.ErrConflict
}

func toStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func toIntPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func toInt16Ptr(v sql.NullInt16) *int16 {
	if !v.Valid {
		return nil
	}
	return &v.Int16
}

func toFloatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}
