package notify

import (
	"testing"

	"chauffeur/internal/modules/booking"
)

func TestFeedFiltersByBookingAndRole(t *testing.T) {
	f := NewFeed(4)
	passenger := f.Subscribe("b_1", booking.RolePassenger)
	all := f.Subscribe("b_1", "")
	other := f.Subscribe("b_2", "")
	defer passenger.Close()
	defer all.Close()
	defer other.Close()

	if sent := f.Publish(Notification{ID: "n_1", BookingID: "b_1", RecipientRole: booking.RoleDriver}); sent != 1 {
		t.Fatalf("driver notification reached %d subscribers, want 1", sent)
	}
	if sent := f.Publish(Notification{ID: "n_2", BookingID: "b_1", RecipientRole: booking.RolePassenger}); sent != 2 {
		t.Fatalf("passenger notification reached %d subscribers, want 2", sent)
	}
	if got := <-passenger.C; got.ID != "n_2" {
		t.Fatalf("passenger got %s", got.ID)
	}
	if len(other.C) != 0 {
		t.Fatalf("other booking received live messages")
	}
}

func TestFeedDropsForSlowSubscriber(t *testing.T) {
	f := NewFeed(1)
	s := f.Subscribe("b_1", "")
	defer s.Close()

	f.Publish(Notification{ID: "n_1", BookingID: "b_1"})
	if sent := f.Publish(Notification{ID: "n_2", BookingID: "b_1"}); sent != 0 {
		t.Fatalf("full subscriber still counted as sent")
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	f := NewFeed(1)
	s := f.Subscribe("b_1", "")
	s.Close()
	s.Close()
	if f.Subscribers("b_1") != 0 {
		t.Fatalf("closed subscription still registered")
	}
	if _, ok := <-s.C; ok {
		t.Fatalf("closed subscription channel still open")
	}
}
