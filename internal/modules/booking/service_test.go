// README: Negotiation engine tests (scenarios, idempotence, validation, races) on the in-memory store.
package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chauffeur/internal/config"
	"chauffeur/internal/types"
)

var (
	passenger  = Actor{Role: RolePassenger, ID: "p_1"}
	driver     = Actor{Role: RoleDriver, ID: "d_1"}
	otherDrv   = Actor{Role: RoleDriver, ID: "d_2"}
	dispatcher = Actor{Role: RoleDispatcher, ID: "desk_1"}
	usd120     = types.Money{Amount: 12000, Currency: "USD"}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixedPricing struct{ amount int64 }

func (p fixedPricing) Quote(context.Context, types.Route, string) (types.Money, error) {
	return types.Money{Amount: p.amount, Currency: "USD"}, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	codes []Code
}

func (n *recordingNotifier) Publish(_ context.Context, _ *Booking, e TimelineEntry) {
	n.mu.Lock()
	n.codes = append(n.codes, e.Code)
	n.mu.Unlock()
}

func (n *recordingNotifier) last() Code {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.codes) == 0 {
		return ""
	}
	return n.codes[len(n.codes)-1]
}

type recordingTimer struct {
	mu    sync.Mutex
	armed map[types.ID]time.Time
}

func (r *recordingTimer) Arm(id types.ID, at time.Time) {
	r.mu.Lock()
	r.armed[id] = at
	r.mu.Unlock()
}

func (r *recordingTimer) Disarm(id types.ID) {
	r.mu.Lock()
	delete(r.armed, id)
	r.mu.Unlock()
}

func (r *recordingTimer) get(id types.ID) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.armed[id]
	return at, ok
}

type harness struct {
	svc      *Service
	store    *MemoryStore
	clock    *fakeClock
	notifier *recordingNotifier
	timer    *recordingTimer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    NewMemoryStore(),
		clock:    newFakeClock(),
		notifier: &recordingNotifier{},
		timer:    &recordingTimer{armed: map[types.ID]time.Time{}},
	}
	h.svc = NewService(Deps{
		Store:    h.store,
		Pricing:  fixedPricing{amount: 9500},
		Notifier: h.notifier,
		Clock:    h.clock.Now,
	}, config.NegotiationConfig{
		OfferResponseWindow:  15 * time.Minute,
		DriverResponseWindow: 5 * time.Minute,
		Currency:             "USD",
	})
	h.svc.SetTimer(h.timer)
	return h
}

func (h *harness) create(t *testing.T) *Booking {
	t.Helper()
	b, err := h.svc.Create(context.Background(), CreateCommand{
		PassengerID:     passenger.ID,
		Pickup:          types.Point{Lat: 25.033, Lng: 121.565},
		Dropoff:         types.Point{Lat: 25.0478, Lng: 121.5318},
		PickupAt:        h.clock.Now().Add(2 * time.Hour),
		VehicleCategory: "sedan",
	})
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	return b
}

func (h *harness) offer(t *testing.T, id types.ID) *Booking {
	t.Helper()
	b, err := h.svc.SendOffer(context.Background(), SendOfferCommand{BookingID: id, Actor: dispatcher, Price: usd120, DriverID: driver.ID})
	if err != nil {
		t.Fatalf("send offer: %v", err)
	}
	return b
}

func (h *harness) timelineCodes(t *testing.T, id types.ID) []Code {
	t.Helper()
	entries, err := h.svc.Timeline(context.Background(), id)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	out := make([]Code, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Code)
	}
	return out
}

func assertConsistent(t *testing.T, b *Booking) {
	t.Helper()
	if err := CheckConsistency(b); err != nil {
		t.Fatalf("inconsistent booking in %s: %v", b.Status, err)
	}
}

func assertCodes(t *testing.T, got []Code, want ...Code) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("timeline = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("timeline = %v, want %v", got, want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		action Action
		role   Role
		from   Status
		to     Status
		ok     bool
	}{
		{ActionSendOffer, RoleDispatcher, StatusRequested, StatusOfferSent, true},
		{ActionSendOffer, RoleDriver, StatusRequested, StatusOfferSent, true},
		{ActionAcceptOffer, RolePassenger, StatusOfferSent, StatusAwaitingPayment, true},
		{ActionDeclineOffer, RolePassenger, StatusOfferSent, StatusOfferDeclined, true},
		{ActionTimeout, RoleSystem, StatusOfferSent, StatusRequested, true},
		{ActionTimeout, RoleSystem, StatusRequested, StatusRequested, true},
		{ActionConfirmPaymentSent, RolePassenger, StatusAwaitingPayment, StatusPaymentSubmitted, true},
		{ActionConfirmPaymentReceived, RoleDriver, StatusPaymentSubmitted, StatusAllSet, true},
		{ActionAcceptDirectly, RoleDriver, StatusRequested, StatusAwaitingPayment, true},
		{ActionAssignDriver, RoleDispatcher, StatusRequested, StatusRequested, true},
		{ActionDeclineRequest, RoleDriver, StatusRequested, StatusRequested, true},
		// wrong role
		{ActionSendOffer, RolePassenger, StatusRequested, "", false},
		{ActionAcceptOffer, RoleDriver, StatusOfferSent, "", false},
		{ActionConfirmPaymentReceived, RolePassenger, StatusPaymentSubmitted, "", false},
		{ActionTimeout, RoleDispatcher, StatusOfferSent, "", false},
		// wrong state
		{ActionAcceptOffer, RolePassenger, StatusOfferDeclined, "", false},
		{ActionSendOffer, RoleDriver, StatusAllSet, "", false},
		{ActionConfirmPaymentSent, RolePassenger, StatusOfferSent, "", false},
		{ActionTimeout, RoleSystem, StatusAwaitingPayment, "", false},
		{"cancel", RolePassenger, StatusRequested, "", false},
	}
	for _, tc := range cases {
		to, ok := CanTransition(tc.action, tc.role, tc.from)
		if ok != tc.ok || to != tc.to {
			t.Errorf("CanTransition(%s, %s, %s) = (%s, %v), want (%s, %v)", tc.action, tc.role, tc.from, to, ok, tc.to, tc.ok)
		}
	}
}

func TestCreateBooking(t *testing.T) {
	h := newHarness(t)
	b := h.create(t)

	if b.Status != StatusRequested || b.Version != 0 {
		t.Fatalf("got status %s version %d", b.Status, b.Version)
	}
	if b.EstimatedPrice.Amount != 9500 || b.EstimatedPrice.Currency != "USD" {
		t.Fatalf("estimated price = %v", b.EstimatedPrice)
	}
	if b.PassengerStatus != PassengerWaitingForOffer || b.DriverStatus != DriverUnassigned || b.PaymentStatus != PaymentNone {
		t.Fatalf("unexpected axes: %s %s %s", b.PassengerStatus, b.DriverStatus, b.PaymentStatus)
	}
	assertConsistent(t, b)
	assertCodes(t, h.timelineCodes(t, b.ID), CodeBookingRequested)
	if h.notifier.last() != CodeBookingRequested {
		t.Fatalf("dispatcher not notified of new request")
	}
}

func TestCreateBookingValidation(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	pickup := types.Point{Lat: 25.033, Lng: 121.565}
	dropoff := types.Point{Lat: 25.0478, Lng: 121.5318}

	cases := []struct {
		name  string
		cmd   CreateCommand
		field string
	}{
		{"missing passenger", CreateCommand{Pickup: pickup, Dropoff: dropoff, PickupAt: now.Add(time.Hour), VehicleCategory: "sedan"}, "passenger_id"},
		{"bad pickup", CreateCommand{PassengerID: "p", Pickup: types.Point{Lat: 200}, Dropoff: dropoff, PickupAt: now.Add(time.Hour), VehicleCategory: "sedan"}, "pickup"},
		{"same points", CreateCommand{PassengerID: "p", Pickup: pickup, Dropoff: pickup, PickupAt: now.Add(time.Hour), VehicleCategory: "sedan"}, "dropoff"},
		{"past pickup", CreateCommand{PassengerID: "p", Pickup: pickup, Dropoff: dropoff, PickupAt: now.Add(-time.Minute), VehicleCategory: "sedan"}, "pickup_at"},
		{"no category", CreateCommand{PassengerID: "p", Pickup: pickup, Dropoff: dropoff, PickupAt: now.Add(time.Hour)}, "vehicle_category"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Create(context.Background(), tc.cmd)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("field = %s, want %s", verr.Field, tc.field)
			}
		})
	}
}

// Scenario: dispatcher offers, passenger accepts before the deadline.
func TestOfferAcceptedBeforeDeadline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.create(t)

	b = h.offer(t, b.ID)
	if b.Status != StatusOfferSent {
		t.Fatalf("status = %s, want offer_sent", b.Status)
	}
	wantDeadline := h.clock.Now().Add(15 * time.Minute)
	if b.Deadline == nil || !b.Deadline.Equal(wantDeadline) || b.DeadlineKind != DeadlineOfferResponse {
		t.Fatalf("deadline = %v (%s), want %v", b.Deadline, b.DeadlineKind, wantDeadline)
	}
	if at, ok := h.timer.get(b.ID); !ok || !at.Equal(wantDeadline) {
		t.Fatalf("timer not armed at %v", wantDeadline)
	}
	assertConsistent(t, b)

	h.clock.Advance(4 * time.Minute)
	b, err := h.svc.AcceptOffer(ctx, ActorCommand{BookingID: b.ID, Actor: passenger})
	if err != nil {
		t.Fatalf("accept offer: %v", err)
	}
	if b.Status != StatusAwaitingPayment {
		t.Fatalf("status = %s, want awaiting_payment", b.Status)
	}
	if b.FinalPrice == nil || *b.FinalPrice != usd120 {
		t.Fatalf("final price = %v, want %v", b.FinalPrice, usd120)
	}
	if b.Deadline != nil {
		t.Fatalf("deadline still armed: %v", b.Deadline)
	}
	if _, ok := h.timer.get(b.ID); ok {
		t.Fatalf("timer still armed after acceptance")
	}
	assertConsistent(t, b)
	assertCodes(t, h.timelineCodes(t, b.ID), CodeBookingRequested, CodeOfferSent, CodeOfferAccepted)
}

// Scenario: nobody answers the offer and the deadline fires.
func TestOfferExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.offer(t, h.create(t).ID)
	deadline := *b.Deadline

	h.clock.Advance(10 * time.Minute)
	if err := h.svc.Expire(ctx, b.ID, deadline); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("early expire: got %v, want ErrInvalidTransition", err)
	}

	h.clock.Advance(5 * time.Minute)
	if err := h.svc.Expire(ctx, b.ID, deadline); err != nil {
		t.Fatalf("expire: %v", err)
	}
	got, err := h.svc.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusRequested || got.OfferedPrice != nil || got.DriverID != nil || got.Deadline != nil {
		t.Fatalf("after expiry: status=%s offered=%v driver=%v deadline=%v", got.Status, got.OfferedPrice, got.DriverID, got.Deadline)
	}
	if h.notifier.last() != CodeOfferExpired {
		t.Fatalf("last notification = %s, want offer_expired", h.notifier.last())
	}
	assertConsistent(t, got)

	// A second firing of the same deadline has nothing left to do.
	if err := h.svc.Expire(ctx, b.ID, deadline); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("stale expire: got %v, want ErrInvalidTransition", err)
	}

	// The booking can be offered again.
	again := h.offer(t, b.ID)
	if again.Status != StatusOfferSent {
		t.Fatalf("re-offer status = %s", again.Status)
	}
	assertCodes(t, h.timelineCodes(t, b.ID), CodeBookingRequested, CodeOfferSent, CodeOfferExpired, CodeOfferSent)
}

// Scenario: payment handshake with a retried confirmation.
func TestPaymentHandshakeIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.offer(t, h.create(t).ID)

	steps := []func() (*Booking, error){
		func() (*Booking, error) { return h.svc.AcceptOffer(ctx, ActorCommand{BookingID: b.ID, Actor: passenger}) },
		func() (*Booking, error) {
			return h.svc.ConfirmPaymentSent(ctx, ActorCommand{BookingID: b.ID, Actor: passenger})
		},
		func() (*Booking, error) {
			return h.svc.ConfirmPaymentReceived(ctx, ActorCommand{BookingID: b.ID, Actor: driver})
		},
	}
	var err error
	for _, step := range steps {
		h.clock.Advance(time.Minute)
		if b, err = step(); err != nil {
			t.Fatalf("step failed: %v", err)
		}
		assertConsistent(t, b)
	}
	if b.Status != StatusAllSet {
		t.Fatalf("status = %s, want all_set", b.Status)
	}
	before := len(h.timelineCodes(t, b.ID))

	h.clock.Advance(time.Minute)
	dup, err := h.svc.ConfirmPaymentReceived(ctx, ActorCommand{BookingID: b.ID, Actor: driver})
	if err != nil {
		t.Fatalf("duplicate confirm: %v", err)
	}
	if dup.Status != StatusAllSet || dup.Version != b.Version {
		t.Fatalf("duplicate changed booking: status=%s version=%d", dup.Status, dup.Version)
	}
	if after := len(h.timelineCodes(t, b.ID)); after != before {
		t.Fatalf("duplicate appended a timeline entry: %d -> %d", before, after)
	}
	if !dup.OfferSentAt.Before(*dup.OfferAcceptedAt) || !dup.OfferAcceptedAt.Before(*dup.PassengerPaidAt) || !dup.PassengerPaidAt.Before(*dup.DriverPaidAt) {
		t.Fatalf("milestones out of order")
	}
}

// Scenario: passenger declines; the booking is terminal.
func TestDeclineIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.offer(t, h.create(t).ID)

	b, err := h.svc.DeclineOffer(ctx, ActorCommand{BookingID: b.ID, Actor: passenger, Reason: "too expensive"})
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if b.Status != StatusOfferDeclined || b.Deadline != nil {
		t.Fatalf("status=%s deadline=%v", b.Status, b.Deadline)
	}
	assertConsistent(t, b)

	_, err = h.svc.AcceptOffer(ctx, ActorCommand{BookingID: b.ID, Actor: driver})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("driver accept after decline: got %v, want ErrInvalidTransition", err)
	}
	_, err = h.svc.AcceptOffer(ctx, ActorCommand{BookingID: b.ID, Actor: passenger})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("passenger accept after decline: got %v, want ErrInvalidTransition", err)
	}
}

func TestDuplicateOfferIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.offer(t, h.create(t).ID)

	h.clock.Advance(time.Second)
	second := h.offer(t, first.ID)
	if second.Version != first.Version || !second.Deadline.Equal(*first.Deadline) {
		t.Fatalf("duplicate offer re-armed: v%d -> v%d", first.Version, second.Version)
	}
	assertCodes(t, h.timelineCodes(t, first.ID), CodeBookingRequested, CodeOfferSent)

	// A different price is a new transition, and the booking already left requested.
	_, err := h.svc.SendOffer(ctx, SendOfferCommand{BookingID: first.ID, Actor: dispatcher, Price: types.Money{Amount: 15000}, DriverID: driver.ID})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("changed offer: got %v, want ErrInvalidTransition", err)
	}
}

func TestRepeatedOfferInOtherCurrencyIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.offer(t, h.create(t).ID)

	_, err := h.svc.SendOffer(ctx, SendOfferCommand{BookingID: first.ID, Actor: dispatcher, Price: types.Money{Amount: usd120.Amount, Currency: "EUR"}, DriverID: driver.ID})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "price.currency" {
		t.Fatalf("got %v, want price.currency validation error", err)
	}

	// Omitting the currency means the booking's own, so this is still a retry.
	again, err := h.svc.SendOffer(ctx, SendOfferCommand{BookingID: first.ID, Actor: dispatcher, Price: types.Money{Amount: usd120.Amount}, DriverID: driver.ID})
	if err != nil {
		t.Fatalf("retry without currency: %v", err)
	}
	if again.Version != first.Version {
		t.Fatalf("retry without currency bumped v%d -> v%d", first.Version, again.Version)
	}
	assertCodes(t, h.timelineCodes(t, first.ID), CodeBookingRequested, CodeOfferSent)
}

func TestSendOfferValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.create(t)

	cases := []struct {
		name string
		cmd  SendOfferCommand
		want func(error) bool
	}{
		{"zero price", SendOfferCommand{BookingID: b.ID, Actor: dispatcher, DriverID: driver.ID}, IsValidation},
		{"negative price", SendOfferCommand{BookingID: b.ID, Actor: dispatcher, DriverID: driver.ID, Price: types.Money{Amount: -5}}, IsValidation},
		{"wrong currency", SendOfferCommand{BookingID: b.ID, Actor: dispatcher, DriverID: driver.ID, Price: types.Money{Amount: 100, Currency: "EUR"}}, IsValidation},
		{"dispatcher without driver", SendOfferCommand{BookingID: b.ID, Actor: dispatcher, Price: usd120}, IsValidation},
		{"passenger offering", SendOfferCommand{BookingID: b.ID, Actor: passenger, Price: usd120}, func(err error) bool { return errors.Is(err, ErrInvalidTransition) }},
		{"driver for someone else", SendOfferCommand{BookingID: b.ID, Actor: driver, Price: usd120, DriverID: otherDrv.ID}, func(err error) bool { return errors.Is(err, ErrInvalidTransition) }},
		{"unknown booking", SendOfferCommand{BookingID: "missing", Actor: dispatcher, Price: usd120, DriverID: driver.ID}, func(err error) bool { return errors.Is(err, ErrNotFound) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.SendOffer(ctx, tc.cmd)
			if !tc.want(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}

	got, _ := h.svc.Get(ctx, b.ID)
	if got.Version != 0 || got.Status != StatusRequested {
		t.Fatalf("rejected offers changed the booking: %s v%d", got.Status, got.Version)
	}
}

func TestDriverOffersForThemselves(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.create(t)

	b, err := h.svc.SendOffer(ctx, SendOfferCommand{BookingID: b.ID, Actor: driver, Price: types.Money{Amount: 11000}})
	if err != nil {
		t.Fatalf("driver offer: %v", err)
	}
	if !b.IsDriver(driver.ID) || b.DispatcherID != nil {
		t.Fatalf("driver=%v dispatcher=%v", b.DriverID, b.DispatcherID)
	}
	if b.OfferedPrice.Currency != "USD" {
		t.Fatalf("offered currency = %q", b.OfferedPrice.Currency)
	}

	_, err = h.svc.ConfirmPaymentReceived(ctx, ActorCommand{BookingID: b.ID, Actor: otherDrv})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("other driver: got %v", err)
	}
}

func TestAcceptDirectly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.create(t)

	b, err := h.svc.AcceptDirectly(ctx, AcceptDirectlyCommand{BookingID: b.ID, Actor: driver})
	if err != nil {
		t.Fatalf("accept directly: %v", err)
	}
	if b.Status != StatusAwaitingPayment {
		t.Fatalf("status = %s", b.Status)
	}
	if b.FinalPrice == nil || b.FinalPrice.Amount != 9500 || b.OfferedPrice.Amount != 9500 {
		t.Fatalf("prices offered=%v final=%v, want the 9500 estimate", b.OfferedPrice, b.FinalPrice)
	}
	if b.OfferSentAt == nil || b.OfferAcceptedAt == nil || !b.OfferSentAt.Equal(*b.OfferAcceptedAt) {
		t.Fatalf("milestones sent=%v accepted=%v", b.OfferSentAt, b.OfferAcceptedAt)
	}
	assertConsistent(t, b)
	assertCodes(t, h.timelineCodes(t, b.ID), CodeBookingRequested, CodeAcceptedDirectly)

	// Retried call is a no-op.
	again, err := h.svc.AcceptDirectly(ctx, AcceptDirectlyCommand{BookingID: b.ID, Actor: driver})
	if err != nil || again.Version != b.Version {
		t.Fatalf("retry: version %d err %v", again.Version, err)
	}
	_, err = h.svc.AcceptDirectly(ctx, AcceptDirectlyCommand{BookingID: b.ID, Actor: otherDrv})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second driver: got %v", err)
	}
}

func TestAssignDriverRequestLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.create(t)

	b, err := h.svc.AssignDriver(ctx, AssignDriverCommand{BookingID: b.ID, Actor: dispatcher, DriverID: driver.ID})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if b.DriverStatus != DriverRequestPending || b.DeadlineKind != DeadlineDriverResponse {
		t.Fatalf("driver status %s kind %s", b.DriverStatus, b.DeadlineKind)
	}
	if p := Project(b, driver); p.RequiredStep != StepRespondToRequest {
		t.Fatalf("driver step = %s", p.RequiredStep)
	}
	assertConsistent(t, b)

	_, err = h.svc.DeclineRequest(ctx, ActorCommand{BookingID: b.ID, Actor: otherDrv})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("unassigned driver decline: got %v", err)
	}
	b, err = h.svc.DeclineRequest(ctx, ActorCommand{BookingID: b.ID, Actor: driver, Reason: "off shift"})
	if err != nil {
		t.Fatalf("decline request: %v", err)
	}
	if b.HasDriver() || b.Deadline != nil || b.DriverStatus != DriverUnassigned {
		t.Fatalf("driver=%v deadline=%v status=%s", b.DriverID, b.Deadline, b.DriverStatus)
	}
	if p := Project(b, dispatcher); p.RequiredStep != StepAssignDriver {
		t.Fatalf("dispatcher step = %s", p.RequiredStep)
	}

	// Reassign and let the request lapse.
	b, err = h.svc.AssignDriver(ctx, AssignDriverCommand{BookingID: b.ID, Actor: dispatcher, DriverID: otherDrv.ID})
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	h.clock.Advance(5 * time.Minute)
	if err := h.svc.Expire(ctx, b.ID, *b.Deadline); err != nil {
		t.Fatalf("expire request: %v", err)
	}
	got, _ := h.svc.Get(ctx, b.ID)
	if got.HasDriver() || got.Status != StatusRequested {
		t.Fatalf("after request expiry: driver=%v status=%s", got.DriverID, got.Status)
	}
	assertConsistent(t, got)
	assertCodes(t, h.timelineCodes(t, b.ID),
		CodeBookingRequested, CodeDriverAssigned, CodeRequestDeclined, CodeDriverAssigned, CodeRequestExpired)
}

func TestExpireIgnoresReplacedDeadline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.create(t)

	b, err := h.svc.AssignDriver(ctx, AssignDriverCommand{BookingID: b.ID, Actor: dispatcher, DriverID: driver.ID})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	old := *b.Deadline
	h.clock.Advance(time.Minute)
	b = h.offer(t, b.ID)

	h.clock.Advance(20 * time.Minute)
	if err := h.svc.Expire(ctx, b.ID, old); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("replaced deadline: got %v", err)
	}
	if err := h.svc.Expire(ctx, b.ID, *b.Deadline); err != nil {
		t.Fatalf("current deadline: %v", err)
	}
}

func TestConcurrentAcceptVsDecline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.offer(t, h.create(t).ID)

	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, fn := range []func() error{
		func() error {
			_, err := h.svc.AcceptOffer(ctx, ActorCommand{BookingID: b.ID, Actor: passenger})
			return err
		},
		func() error {
			_, err := h.svc.DeclineOffer(ctx, ActorCommand{BookingID: b.ID, Actor: passenger})
			return err
		},
	} {
		wg.Add(1)
		go func(fn func() error) {
			defer wg.Done()
			<-start
			errs <- fn()
		}(fn)
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 success, got %d", success)
	}
	got, _ := h.svc.Get(ctx, b.ID)
	if got.Version != b.Version+1 {
		t.Fatalf("version = %d, want %d", got.Version, b.Version+1)
	}
	assertConsistent(t, got)
	if n := len(h.timelineCodes(t, b.ID)); n != 3 {
		t.Fatalf("timeline entries = %d, want 3", n)
	}
}

func TestConcurrentOffersSameBooking(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.create(t)

	drivers := []types.ID{"d_1", "d_2", "d_3", "d_4", "d_5", "d_6"}
	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, len(drivers))
	for _, id := range drivers {
		wg.Add(1)
		go func(id types.ID) {
			defer wg.Done()
			<-start
			_, err := h.svc.SendOffer(ctx, SendOfferCommand{BookingID: b.ID, Actor: Actor{Role: RoleDriver, ID: id}, Price: usd120})
			errs <- err
		}(id)
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 success, got %d", success)
	}
	got, _ := h.svc.Get(ctx, b.ID)
	if got.Status != StatusOfferSent || !got.HasDriver() {
		t.Fatalf("final status %s driver %v", got.Status, got.DriverID)
	}
}

func TestTimelineTimestampsAreMonotonic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.offer(t, h.create(t).ID)

	// A clock that steps backwards must not reorder the log.
	h.clock.Advance(-time.Hour)
	if _, err := h.svc.AcceptOffer(ctx, ActorCommand{BookingID: b.ID, Actor: passenger}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	entries, err := h.svc.Timeline(ctx, b.ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].CreatedAt.Before(entries[i-1].CreatedAt) {
			t.Fatalf("entry %d at %v precedes entry %d at %v", i, entries[i].CreatedAt, i-1, entries[i-1].CreatedAt)
		}
	}
	got, _ := h.svc.Get(ctx, b.ID)
	assertConsistent(t, got)
}
