// Package notify carries queue wake-up notifications over RabbitMQ, for
// deployments where the database's LISTEN/NOTIFY is unavailable (e.g. behind
// a transaction-pooling proxy).
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/pgqueue/internal/store"
)

// ErrSubscriptionClosed is returned by Wait after the broker closed the
// delivery channel.
var ErrSubscriptionClosed = errors.New("notification subscription closed")

// Broker is the subset of shared/rabbitmq.Client used here.
type Broker interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
	Subscribe(routingKeys []string) (<-chan amqp.Delivery, func() error, error)
}

// AMQP publishes each notification with the channel as routing key,
// retrying with backoff.
type AMQP struct {
	broker Broker
	logger *slog.Logger
}

var _ store.PubSub = (*AMQP)(nil)

// NewAMQP creates a RabbitMQ-backed notification transport.
func NewAMQP(broker Broker, logger *slog.Logger) *AMQP {
	return &AMQP{broker: broker, logger: logger}
}

func (a *AMQP) Publish(ctx context.Context, channel, payload string) error {
	return a.broker.PublishWithRetry(ctx, channel, []byte(payload), "text/plain")
}

func (a *AMQP) Subscribe(_ context.Context, channels []string) (store.Subscription, error) {
	deliveries, cancel, err := a.broker.Subscribe(channels)
	if err != nil {
		return nil, err
	}
	return &amqpSubscription{deliveries: deliveries, cancel: cancel, logger: a.logger}, nil
}

type amqpSubscription struct {
	deliveries <-chan amqp.Delivery
	cancel     func() error
	logger     *slog.Logger
}

func (s *amqpSubscription) Wait(ctx context.Context, timeout time.Duration) (store.Notification, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case d, ok := <-s.deliveries:
		if !ok {
			return store.Notification{}, ErrSubscriptionClosed
		}
		return store.Notification{Channel: d.RoutingKey, Payload: string(d.Body)}, nil
	case <-timer:
		return store.Notification{}, store.ErrWaitTimeout
	case <-ctx.Done():
		return store.Notification{}, ctx.Err()
	}
}

func (s *amqpSubscription) Close() error {
	if err := s.cancel(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		s.logger.Warn("Failed to close notification subscription", slog.Any("error", err))
		return err
	}
	return nil
}
