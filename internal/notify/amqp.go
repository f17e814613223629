// README: RabbitMQ topic publisher implementing the Notifier port.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Kuany4953/wasil-sub001/internal/infra"
	"github.com/Kuany4953/wasil-sub001/internal/types"
)

const reconnInterval = 10 * time.Second

// AMQPNotifier publishes ride events to a durable topic exchange. Consumers
// bind per-driver and per-rider queues against the routing keys below.
type AMQPNotifier struct {
	url      string
	exchange string
	log      *slog.Logger

	mu           sync.Mutex
	conn         *amqp.Connection
	ch           *amqp.Channel
	reconnecting bool
}

func NewAMQPNotifier(url, exchange string, log *slog.Logger) (*AMQPNotifier, error) {
	n := &AMQPNotifier{url: url, exchange: exchange, log: log}
	if err := n.connect(); err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	return n, nil
}

func (n *AMQPNotifier) DriverOffered(ctx context.Context, offer DriverOffer) error {
	return n.publish(ctx, offerKey(offer.DriverID), offer)
}

func (n *AMQPNotifier) WaveSent(ctx context.Context, w Wave) error {
	return n.publish(ctx, waveKey(w.RiderID), w)
}

func (n *AMQPNotifier) RiderMatched(ctx context.Context, m Match) error {
	return n.publish(ctx, matchedKey(m.RiderID), m)
}

func (n *AMQPNotifier) RideTaken(ctx context.Context, t Taken) error {
	return n.publish(ctx, takenKey(t.DriverID), t)
}

func (n *AMQPNotifier) StatusChanged(ctx context.Context, u StatusUpdate) error {
	return n.publish(ctx, statusKey(u.RideUUID), u)
}

func (n *AMQPNotifier) RideCancelled(ctx context.Context, c Cancellation) error {
	return n.publish(ctx, cancelledKey(c.RideUUID), c)
}

func (n *AMQPNotifier) publish(ctx context.Context, key string, payload any) error {
	n.mu.Lock()
	ch := n.ch
	closed := n.conn == nil || n.conn.IsClosed()
	n.mu.Unlock()

	if closed {
		go n.reconnect()
		return errors.New("rabbitmq connection is closed")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return ch.PublishWithContext(ctx, n.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (n *AMQPNotifier) IsAlive() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil || n.conn.IsClosed() {
		return false
	}
	if n.ch == nil || n.ch.IsClosed() {
		return false
	}
	return true
}

func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.ch != nil && !n.ch.IsClosed() {
		if err := n.ch.Close(); err != nil {
			return fmt.Errorf("close rabbitmq channel: %w", err)
		}
	}
	if n.conn != nil && !n.conn.IsClosed() {
		if err := n.conn.Close(); err != nil {
			return fmt.Errorf("close rabbitmq connection: %w", err)
		}
	}
	return nil
}

func (n *AMQPNotifier) connect() error {
	conn, err := infra.NewAMQP(n.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if err := ch.ExchangeDeclare(n.exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return err
	}

	n.mu.Lock()
	n.conn = conn
	n.ch = ch
	n.mu.Unlock()
	return nil
}

func (n *AMQPNotifier) reconnect() {
	n.mu.Lock()
	if n.reconnecting {
		n.mu.Unlock()
		return
	}
	n.reconnecting = true
	n.mu.Unlock()

	t := time.NewTicker(reconnInterval)
	defer t.Stop()

	for range t.C {
		if err := n.connect(); err == nil {
			n.log.Info("rabbitmq reconnected")
			n.mu.Lock()
			n.reconnecting = false
			n.mu.Unlock()
			return
		}
		n.log.Warn("rabbitmq reconnect failed, retrying")
	}
}

func offerKey(driverID types.ID) string {
	return fmt.Sprintf("ride.offer.%s", driverID)
}

func waveKey(riderID types.ID) string {
	return fmt.Sprintf("ride.wave.%s", riderID)
}

func matchedKey(riderID types.ID) string {
	return fmt.Sprintf("ride.matched.%s", riderID)
}

func takenKey(driverID types.ID) string {
	return fmt.Sprintf("ride.taken.%s", driverID)
}

func statusKey(rideUUID string) string {
	return fmt.Sprintf("ride.status.%s", rideUUID)
}

func cancelledKey(rideUUID string) string {
	return fmt.Sprintf("ride.cancelled.%s", rideUUID)
}
