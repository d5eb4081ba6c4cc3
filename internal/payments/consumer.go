package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"campaign-dialer/internal/config"
	"campaign-dialer/pkg/logger"

	"github.com/streadway/amqp"
)

var ErrFeedClosed = errors.New("payments: delivery channel closed")

// Consumer applies grants from the queue. A delivery is acked once it is
// applied, found to be a duplicate or found to be unreadable; anything else
// is requeued.
type Consumer struct {
	proc *Processor
	log  *slog.Logger
}

func NewConsumer(proc *Processor, log *slog.Logger) *Consumer {
	return &Consumer{proc: proc, log: logger.Component(log, "grant-feed")}
}

func (c *Consumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrFeedClosed
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	var n Notice
	if err := json.Unmarshal(d.Body, &n); err != nil {
		c.log.Warn("unreadable grant dropped", "delivery_tag", d.DeliveryTag, "err", err)
		c.ack(d)
		return
	}
	res, err := c.proc.Apply(ctx, n, false)
	switch {
	case err == nil:
		c.log.Debug("grant processed", "payment_ref", n.PaymentRef, "outcome", string(res.Outcome))
		c.ack(d)
	case errors.Is(err, ErrInvalidNotice):
		c.log.Warn("invalid grant dropped", "payment_ref", n.PaymentRef, "account_id", n.AccountID)
		c.ack(d)
	default:
		c.log.Error("grant failed, requeueing", "payment_ref", n.PaymentRef, "err", err)
		if nerr := d.Nack(false, true); nerr != nil {
			c.log.Warn("nack failed", "delivery_tag", d.DeliveryTag, "err", nerr)
		}
	}
}

func (c *Consumer) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.log.Warn("ack failed", "delivery_tag", d.DeliveryTag, "err", err)
	}
}

// Feed is an open AMQP consumer on the grants queue.
type Feed struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	Deliveries <-chan amqp.Delivery
}

// OpenFeed connects, declares the durable queue and starts a manual-ack consumer.
func OpenFeed(cfg config.AMQPConfig) (*Feed, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp qos: %w", err)
	}
	q, err := ch.QueueDeclare(
		cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp queue declare: %w", err)
	}
	msgs, err := ch.Consume(
		q.Name,
		"campaign-dialer",
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp consume: %w", err)
	}
	return &Feed{conn: conn, ch: ch, Deliveries: msgs}, nil
}

func (f *Feed) Close() error {
	_ = f.ch.Close()
	return f.conn.Close()
}
