// README: Fare rate store backed by PostgreSQL.
package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Kuany4953/wasil-sub001/internal/domain"
	"github.com/Kuany4953/wasil-sub001/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// GetRate loads the persisted rate for a ride type.
func (s *Store) GetRate(ctx context.Context, rideType types.RideType) (Rate, error) {
	const q = `
		SELECT ride_type, base_fare, per_km, per_min, booking_fee,
		       minimum_fare, cancellation_fee, multiplier, currency
		FROM fare_rates
		WHERE ride_type = $1`

	var r Rate
	err := s.db.QueryRow(ctx, q, string(rideType)).Scan(
		&r.RideType, &r.BaseFare, &r.PerKm, &r.PerMin, &r.BookingFee,
		&r.MinimumFare, &r.CancellationFee, &r.Multiplier, &r.Currency,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Rate{}, domain.NotFound("fare rate")
	}
	if err != nil {
		return Rate{}, fmt.Errorf("get fare rate: %w", err)
	}
	return r, nil
}

// UpsertRate writes a rate row, replacing any previous values for the type.
func (s *Store) UpsertRate(ctx context.Context, r Rate) error {
	const q = `
		INSERT INTO fare_rates (ride_type, base_fare, per_km, per_min, booking_fee,
		                        minimum_fare, cancellation_fee, multiplier, currency)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (ride_type) DO UPDATE SET
			base_fare = EXCLUDED.base_fare,
			per_km = EXCLUDED.per_km,
			per_min = EXCLUDED.per_min,
			booking_fee = EXCLUDED.booking_fee,
			minimum_fare = EXCLUDED.minimum_fare,
			cancellation_fee = EXCLUDED.cancellation_fee,
			multiplier = EXCLUDED.multiplier,
			currency = EXCLUDED.currency`

	_, err := s.db.Exec(ctx, q, string(r.RideType), r.BaseFare, r.PerKm, r.PerMin,
		r.BookingFee, r.MinimumFare, r.CancellationFee, r.Multiplier, r.Currency)
	if err != nil {
		return fmt.Errorf("upsert fare rate: %w", err)
	}
	return nil
}
