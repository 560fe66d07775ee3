// README: RabbitMQ channel; persistent JSON messages on a topic exchange with publisher confirms.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type RabbitChannel struct {
	conn     *amqp.Connection
	ch       amqpChannel
	confirms chan amqp.Confirmation
	exchange string

	mu sync.Mutex
	// tag is the delivery tag of the last successful publish; the broker
	// numbers confirms from 1 in publish order.
	tag uint64
}

// NewRabbitChannel dials url, declares exchange and puts the channel in confirm mode.
func NewRabbitChannel(url, exchange string) (*RabbitChannel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq declare %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq confirm mode: %w", err)
	}
	r := newRabbitChannel(ch, ch.NotifyPublish(make(chan amqp.Confirmation, 64)), exchange)
	r.conn = conn
	return r, nil
}

func newRabbitChannel(ch amqpChannel, confirms chan amqp.Confirmation, exchange string) *RabbitChannel {
	return &RabbitChannel{ch: ch, confirms: confirms, exchange: exchange}
}

func (c *RabbitChannel) Name() string { return "rabbitmq" }

// RoutingKey is "<recipient role>.<code>", e.g. "driver.offer_accepted".
func RoutingKey(n Notification) string {
	return string(n.RecipientRole) + "." + string(n.Code)
}

func (c *RabbitChannel) Deliver(ctx context.Context, n Notification) error {
	body, err := encode(n)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err = c.ch.PublishWithContext(ctx, c.exchange, RoutingKey(n), false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    string(n.ID),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	c.tag++
	tag := c.tag

	// Confirms older than tag belong to publishes whose wait timed out; they
	// were already reported as failures and get retried, so skip them.
	for {
		select {
		case conf, ok := <-c.confirms:
			if !ok {
				return errors.New("rabbitmq: confirm channel closed")
			}
			if conf.DeliveryTag < tag {
				continue
			}
			if conf.DeliveryTag > tag {
				return fmt.Errorf("rabbitmq: confirm %d arrived before %d", conf.DeliveryTag, tag)
			}
			if !conf.Ack {
				return fmt.Errorf("rabbitmq: publish %s not acknowledged", n.ID)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *RabbitChannel) Close() error {
	err := c.ch.Close()
	if c.conn != nil {
		err = errors.Join(err, c.conn.Close())
	}
	return err
}
