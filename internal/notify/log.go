// README: Log-only Notifier used when no message broker is configured.
package notify

import (
	"context"
	"log/slog"
)

// LogNotifier writes every notification to the structured log instead of a
// broker. It keeps single-binary and test deployments working without
// RabbitMQ.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) DriverOffered(ctx context.Context, offer DriverOffer) error {
	n.log.InfoContext(ctx, "notify driver offered",
		"ride_uuid", offer.RideUUID,
		"driver_id", string(offer.DriverID),
		"distance_to_pickup_km", offer.DistanceToPickupKm,
		"eta_seconds", offer.EtaSeconds,
	)
	return nil
}

func (n *LogNotifier) WaveSent(ctx context.Context, w Wave) error {
	n.log.InfoContext(ctx, "notify wave sent",
		"ride_uuid", w.RideUUID,
		"rider_id", string(w.RiderID),
		"drivers_notified", w.DriversNotified,
	)
	return nil
}

func (n *LogNotifier) RiderMatched(ctx context.Context, m Match) error {
	n.log.InfoContext(ctx, "notify rider matched",
		"ride_uuid", m.RideUUID,
		"rider_id", string(m.RiderID),
		"driver_id", string(m.DriverID),
	)
	return nil
}

func (n *LogNotifier) RideTaken(ctx context.Context, t Taken) error {
	n.log.InfoContext(ctx, "notify ride taken",
		"ride_uuid", t.RideUUID,
		"driver_id", string(t.DriverID),
	)
	return nil
}

func (n *LogNotifier) StatusChanged(ctx context.Context, u StatusUpdate) error {
	n.log.InfoContext(ctx, "notify status changed",
		"ride_uuid", u.RideUUID,
		"from", u.FromStatus,
		"to", u.ToStatus,
	)
	return nil
}

func (n *LogNotifier) RideCancelled(ctx context.Context, c Cancellation) error {
	n.log.InfoContext(ctx, "notify ride cancelled",
		"ride_uuid", c.RideUUID,
		"cancelled_by", string(c.CancelledBy),
		"fee", c.Fee,
	)
	return nil
}
