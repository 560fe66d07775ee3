// README: Dispatcher tests; retries with backoff, terminal failure, non-blocking publish and sweep recovery.
package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chauffeur/internal/config"
	"chauffeur/internal/modules/booking"
	"chauffeur/internal/types"
)

type flakyChannel struct {
	mu       sync.Mutex
	failures int
	calls    int
	block    chan struct{}
}

func (c *flakyChannel) Name() string { return "test" }

func (c *flakyChannel) Deliver(ctx context.Context, _ Notification) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failures {
		return errors.New("transport unavailable")
	}
	return nil
}

func (c *flakyChannel) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func fastConfig() config.NotifyConfig {
	return config.NotifyConfig{
		Workers:     2,
		QueueSize:   32,
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		SendTimeout: time.Second,
		RetryEvery:  time.Hour,
	}
}

func offerSentBooking() (*booking.Booking, booking.TimelineEntry) {
	driver := types.ID("d_1")
	dispatcher := types.ID("desk_1")
	price := types.Money{Amount: 12000, Currency: "USD"}
	deadline := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	b := &booking.Booking{
		ID:             "b_1",
		PassengerID:    "p_1",
		DriverID:       &driver,
		DispatcherID:   &dispatcher,
		EstimatedPrice: types.Money{Amount: 9500, Currency: "USD"},
		OfferedPrice:   &price,
		Status:         booking.StatusOfferSent,
		Version:        1,
		Deadline:       &deadline,
		DeadlineKind:   booking.DeadlineOfferResponse,
	}
	e := booking.TimelineEntry{ID: 7, BookingID: b.ID, ActorRole: booking.RoleDispatcher, Code: booking.CodeOfferSent, Label: "Price offer sent"}
	return b, e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func statusOf(t *testing.T, s Store, bookingID types.ID) []Notification {
	t.Helper()
	ns, err := s.ListByBooking(context.Background(), bookingID)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	return ns
}

func TestPublishRetriesUntilDelivered(t *testing.T) {
	store := NewMemoryStore()
	ch := &flakyChannel{failures: 2}
	d := NewDispatcher(Deps{Store: store, Channel: ch}, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	b, e := offerSentBooking()
	d.Publish(ctx, b, e)

	waitFor(t, "delivery", func() bool {
		ns := statusOf(t, store, b.ID)
		return len(ns) == 1 && ns[0].Status == StatusDelivered
	})
	n := statusOf(t, store, b.ID)[0]
	if n.Attempts != 3 || n.RecipientRole != booking.RolePassenger || n.RecipientID != "p_1" {
		t.Fatalf("notification = %+v", n)
	}
	if ch.callCount() != 3 {
		t.Fatalf("channel called %d times, want 3", ch.callCount())
	}
}

func TestDeliveryGivesUpAfterMaxAttempts(t *testing.T) {
	store := NewMemoryStore()
	ch := &flakyChannel{failures: 100}
	d := NewDispatcher(Deps{Store: store, Channel: ch}, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	b, e := offerSentBooking()
	d.Publish(ctx, b, e)

	waitFor(t, "failure", func() bool {
		ns := statusOf(t, store, b.ID)
		return len(ns) == 1 && ns[0].Status == StatusFailed
	})
	n := statusOf(t, store, b.ID)[0]
	if n.Attempts != 3 || n.LastError == "" {
		t.Fatalf("failed notification = %+v", n)
	}
	time.Sleep(20 * time.Millisecond)
	if ch.callCount() != 3 {
		t.Fatalf("kept delivering after giving up: %d calls", ch.callCount())
	}
}

func TestAttemptReportsDeliveryFailed(t *testing.T) {
	store := NewMemoryStore()
	d := NewDispatcher(Deps{Store: store, Channel: &flakyChannel{failures: 100}}, fastConfig())
	n := Notification{ID: "n_1", BookingID: "b_1", EntryID: 1, Code: booking.CodePaymentSent, RecipientRole: booking.RoleDriver, Status: StatusPending, Attempts: 2}
	if _, err := store.Save(context.Background(), []Notification{n}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := d.attempt(context.Background(), n); !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("got %v, want ErrDeliveryFailed", err)
	}
}

func TestPublishDoesNotBlockOnDelivery(t *testing.T) {
	store := NewMemoryStore()
	ch := &flakyChannel{block: make(chan struct{})}
	defer close(ch.block)
	feed := NewFeed(4)
	d := NewDispatcher(Deps{Store: store, Channel: ch, Feed: feed}, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	b, e := offerSentBooking()
	sub := feed.Subscribe(b.ID, booking.RolePassenger)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			e.ID = int64(100 + i)
			d.Publish(ctx, b, e)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a stalled channel")
	}

	select {
	case n := <-sub.C:
		if n.Code != booking.CodeOfferSent {
			t.Fatalf("live notification code = %s", n.Code)
		}
	case <-time.After(time.Second):
		t.Fatalf("live feed did not receive the notification")
	}
}

func TestPublishSkipsDuplicateEntry(t *testing.T) {
	store := NewMemoryStore()
	d := NewDispatcher(Deps{Store: store, Channel: &flakyChannel{}}, fastConfig())
	b, e := offerSentBooking()
	e.Code = booking.CodeOfferDeclined
	b.Status = booking.StatusOfferDeclined

	d.Publish(context.Background(), b, e)
	d.Publish(context.Background(), b, e)

	ns := statusOf(t, store, b.ID)
	if len(ns) != 2 {
		t.Fatalf("stored %d notifications, want one each for driver and dispatcher", len(ns))
	}
}

func TestSweepPicksUpPendingAfterRestart(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)
	seed := []Notification{
		{ID: "n_due", BookingID: "b_1", EntryID: 1, Code: booking.CodeOfferSent, RecipientRole: booking.RolePassenger, Status: StatusPending, NextAttemptAt: &past},
		{ID: "n_new", BookingID: "b_1", EntryID: 2, Code: booking.CodeOfferAccepted, RecipientRole: booking.RoleDriver, Status: StatusPending},
		{ID: "n_later", BookingID: "b_1", EntryID: 3, Code: booking.CodePaymentSent, RecipientRole: booking.RoleDriver, Status: StatusPending, NextAttemptAt: &future},
		{ID: "n_done", BookingID: "b_1", EntryID: 4, Code: booking.CodePaymentReceived, RecipientRole: booking.RolePassenger, Status: StatusDelivered},
	}
	if _, err := store.Save(context.Background(), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	d := NewDispatcher(Deps{Store: store, Channel: &flakyChannel{}, Clock: func() time.Time { return now }}, fastConfig())
	n, err := d.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("sweep enqueued %d, want 2", n)
	}
	if again, _ := d.Sweep(context.Background()); again != 0 {
		t.Fatalf("second sweep re-enqueued %d owned notifications", again)
	}
}

func TestBackoff(t *testing.T) {
	base, ceiling := 500*time.Millisecond, 3*time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 3 * time.Second},
		{10, 3 * time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(base, ceiling, tc.attempt); got != tc.want {
			t.Errorf("Backoff(attempt=%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
