// README: Pricing service: validated quotes and cancellation fees over the rate store.
package pricing

import (
	"context"
	"errors"
	"time"

	"github.com/Kuany4953/wasil-sub001/internal/domain"
	"github.com/Kuany4953/wasil-sub001/internal/types"
)

type Service struct {
	store *Store
	now   func() time.Time
}

// Option adjusts service construction.
type Option func(*Service)

// WithClock injects the time source, letting tests pin "now".
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds a pricing service. A nil store means built-in default
// rates only.
func NewService(store *Store, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Quote validates the input, resolves the rate for the ride type, and
// composes the fare breakdown.
func (s *Service) Quote(ctx context.Context, in QuoteInput) (FareBreakdown, error) {
	if in.DistanceKm < 0 {
		return FareBreakdown{}, domain.Validationf("distance_km must be non-negative, got %v", in.DistanceKm)
	}
	if in.DurationSec < 0 {
		return FareBreakdown{}, domain.Validationf("duration_sec must be non-negative, got %d", in.DurationSec)
	}
	if !in.RideType.Valid() {
		return FareBreakdown{}, domain.Validationf("unknown ride type %q", in.RideType)
	}
	if in.Surge != 0 && in.Surge < 1.0 {
		return FareBreakdown{}, domain.Validationf("surge multiplier must be at least 1.0, got %v", in.Surge)
	}
	if _, ok := in.RoadCondition.multiplier(); !ok {
		return FareBreakdown{}, domain.Validationf("unknown road condition %q", in.RoadCondition)
	}
	if in.Now.IsZero() {
		in.Now = s.now()
	}

	rate, err := s.rate(ctx, in.RideType)
	if err != nil {
		return FareBreakdown{}, err
	}
	return Quote(in, rate), nil
}

// CancellationFee resolves the rate and prices a cancellation.
func (s *Service) CancellationFee(ctx context.Context, q CancelQuery) (types.Money, error) {
	if !q.CancelledBy.Valid() {
		return types.Money{}, domain.Validationf("unknown actor %q", q.CancelledBy)
	}
	if q.At.IsZero() {
		q.At = s.now()
	}
	rate, err := s.rate(ctx, q.RideType)
	if err != nil {
		return types.Money{}, err
	}
	fee := CancellationFee(rate, q.RequestedAt, q.DriverAssigned, q.CancelledBy, q.At)
	return types.Money{Amount: fee, Currency: rate.Currency}, nil
}

// rate prefers the persisted row and falls back to built-in defaults when no
// row exists for the type.
func (s *Service) rate(ctx context.Context, t types.RideType) (Rate, error) {
	if s.store != nil {
		r, err := s.store.GetRate(ctx, t)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return Rate{}, err
		}
	}
	r, ok := DefaultRate(t)
	if !ok {
		return Rate{}, domain.NotFound("fare rate")
	}
	return r, nil
}
