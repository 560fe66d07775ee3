package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"

	"chauffeur/internal/modules/booking"
)

var sample = Notification{
	ID:            "n_1",
	BookingID:     "b_1",
	EntryID:       7,
	Code:          booking.CodeOfferSent,
	RecipientRole: booking.RolePassenger,
	RecipientID:   "p_1",
	Payload:       map[string]any{"label": "Price offer sent"},
	Status:        StatusPending,
}

type fakeSender struct {
	msgs []*messaging.Message
	err  error
}

func (f *fakeSender) Send(_ context.Context, m *messaging.Message) (string, error) {
	f.msgs = append(f.msgs, m)
	return "projects/x/messages/1", f.err
}

func TestFCMChannelTopicAndData(t *testing.T) {
	sender := &fakeSender{}
	c := &FCMChannel{client: sender}
	if err := c.Deliver(context.Background(), sample); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	m := sender.msgs[0]
	if m.Topic != "passenger_p_1" || m.Data["notification_id"] != "n_1" || m.Data["entry_id"] != "7" {
		t.Fatalf("message = %+v", m)
	}
	if m.Notification.Title != "Price offer sent" {
		t.Fatalf("title = %q", m.Notification.Title)
	}

	group := sample
	group.RecipientRole, group.RecipientID = booking.RoleDispatcher, ""
	if Topic(group) != "dispatchers" {
		t.Fatalf("group topic = %q", Topic(group))
	}

	sender.err = errors.New("quota")
	if err := c.Deliver(context.Background(), sample); err == nil {
		t.Fatalf("send error swallowed")
	}
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaChannelKeysByBooking(t *testing.T) {
	w := &fakeWriter{}
	c := &KafkaChannel{writer: w}
	if err := c.Deliver(context.Background(), sample); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "b_1" {
		t.Fatalf("messages = %+v", w.msgs)
	}
	var got Notification
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != sample.ID || got.Code != sample.Code {
		t.Fatalf("decoded %+v", got)
	}
}

type fakeAMQP struct {
	confirms chan amqp.Confirmation
	ack      bool
	keys     []string
	ids      []string
}

func (f *fakeAMQP) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.keys = append(f.keys, key)
	f.ids = append(f.ids, msg.MessageId)
	f.confirms <- amqp.Confirmation{DeliveryTag: uint64(len(f.keys)), Ack: f.ack}
	return nil
}

func (f *fakeAMQP) Close() error { return nil }

func TestRabbitChannelWaitsForConfirm(t *testing.T) {
	confirms := make(chan amqp.Confirmation, 1)
	fake := &fakeAMQP{confirms: confirms, ack: true}
	c := newRabbitChannel(fake, confirms, "booking.notifications")

	if err := c.Deliver(context.Background(), sample); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if fake.keys[0] != "passenger.offer_sent" || fake.ids[0] != "n_1" {
		t.Fatalf("routing key %q message id %q", fake.keys[0], fake.ids[0])
	}

	fake.ack = false
	if err := c.Deliver(context.Background(), sample); err == nil {
		t.Fatalf("nack reported as delivered")
	}
}

// heldAMQP never confirms on its own; the test feeds confirms by hand.
type heldAMQP struct{ published int }

func (h *heldAMQP) PublishWithContext(context.Context, string, string, bool, bool, amqp.Publishing) error {
	h.published++
	return nil
}

func (h *heldAMQP) Close() error { return nil }

func TestRabbitChannelSkipsLateConfirm(t *testing.T) {
	confirms := make(chan amqp.Confirmation, 4)
	fake := &heldAMQP{}
	c := newRabbitChannel(fake, confirms, "booking.notifications")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	err := c.Deliver(ctx, sample)
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("first deliver: %v", err)
	}

	// The ack for the timed-out publish shows up after the broker nacks the next one.
	confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: true}
	confirms <- amqp.Confirmation{DeliveryTag: 2, Ack: false}
	if err := c.Deliver(context.Background(), sample); err == nil {
		t.Fatalf("second publish took the late ack of the first")
	}

	confirms <- amqp.Confirmation{DeliveryTag: 3, Ack: true}
	if err := c.Deliver(context.Background(), sample); err != nil {
		t.Fatalf("third deliver: %v", err)
	}
	if fake.published != 3 {
		t.Fatalf("published %d", fake.published)
	}
}
