// README: Outbound delivery channels; log, Firebase Cloud Messaging, RabbitMQ and Kafka.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"firebase.google.com/go/v4/messaging"
)

// Channel owns the transport for one delivery attempt. The dispatcher owns retries.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

type LogChannel struct {
	log *slog.Logger
}

func NewLogChannel(log *slog.Logger) *LogChannel {
	return &LogChannel{log: log}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Deliver(_ context.Context, n Notification) error {
	c.log.Info("notification",
		"notification_id", n.ID,
		"booking_id", n.BookingID,
		"code", n.Code,
		"recipient_role", n.RecipientRole,
		"recipient_id", n.RecipientID,
	)
	return nil
}

// fcmSender is the part of *messaging.Client the channel uses.
type fcmSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMChannel pushes to one topic per recipient; apps subscribe to their own
// topic at sign-in and dispatch consoles to the role topic.
type FCMChannel struct {
	client fcmSender
}

func NewFCMChannel(client *messaging.Client) *FCMChannel {
	return &FCMChannel{client: client}
}

func (c *FCMChannel) Name() string { return "fcm" }

func (c *FCMChannel) Deliver(ctx context.Context, n Notification) error {
	label, _ := n.Payload["label"].(string)
	if label == "" {
		label = string(n.Code)
	}
	msg := &messaging.Message{
		Topic: Topic(n),
		Data: map[string]string{
			"notification_id": string(n.ID),
			"booking_id":      string(n.BookingID),
			"entry_id":        strconv.FormatInt(n.EntryID, 10),
			"code":            string(n.Code),
		},
		Notification: &messaging.Notification{
			Title: label,
			Body:  fmt.Sprintf("Booking %s", n.BookingID),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}
	if _, err := c.client.Send(ctx, msg); err != nil {
		return fmt.Errorf("sending FCM to topic %s: %w", msg.Topic, err)
	}
	return nil
}

// Topic is the FCM topic a recipient listens on.
func Topic(n Notification) string {
	if n.RecipientID == "" {
		return string(n.RecipientRole) + "s"
	}
	return string(n.RecipientRole) + "_" + string(n.RecipientID)
}

func encode(n Notification) ([]byte, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encode notification %s: %w", n.ID, err)
	}
	return b, nil
}
