// README: Kafka channel; one JSON message per notification keyed by booking id.
package notify

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaChannel struct {
	writer messageWriter
}

func NewKafkaChannel(brokers []string, topic string) *KafkaChannel {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaChannel{writer: w}
}

func (c *KafkaChannel) Name() string { return "kafka" }

// Deliver keys by booking id so one booking's notifications stay ordered on a partition.
func (c *KafkaChannel) Deliver(ctx context.Context, n Notification) error {
	body, err := encode(n)
	if err != nil {
		return err
	}
	err = c.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.BookingID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "notification_id", Value: []byte(n.ID)},
			{Key: "code", Value: []byte(n.Code)},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (c *KafkaChannel) Close() error {
	if c.writer == nil {
		return nil
	}
	return c.writer.Close()
}
