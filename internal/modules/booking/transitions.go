// README: Transition table plus per-action validation, mutation and duplicate detection.
package booking

import (
	"slices"
	"time"

	"chauffeur/internal/types"
)

type transition struct {
	bookingID types.ID
	action    Action
	actor     Actor
	price     *types.Money
	driverID  types.ID
	reason    string
	// deadline is the armed instant a timeout was scheduled for.
	deadline time.Time
}

type rule struct {
	roles []Role
	from  []Status
	to    Status
}

var transitions = map[Action]rule{
	ActionAssignDriver:           {roles: []Role{RoleDispatcher}, from: []Status{StatusRequested}, to: StatusRequested},
	ActionDeclineRequest:         {roles: []Role{RoleDriver}, from: []Status{StatusRequested}, to: StatusRequested},
	ActionSendOffer:              {roles: []Role{RoleDispatcher, RoleDriver}, from: []Status{StatusRequested}, to: StatusOfferSent},
	ActionAcceptOffer:            {roles: []Role{RolePassenger}, from: []Status{StatusOfferSent}, to: StatusAwaitingPayment},
	ActionDeclineOffer:           {roles: []Role{RolePassenger}, from: []Status{StatusOfferSent}, to: StatusOfferDeclined},
	ActionTimeout:                {roles: []Role{RoleSystem}, from: []Status{StatusOfferSent, StatusRequested}, to: StatusRequested},
	ActionConfirmPaymentSent:     {roles: []Role{RolePassenger}, from: []Status{StatusAwaitingPayment}, to: StatusPaymentSubmitted},
	ActionConfirmPaymentReceived: {roles: []Role{RoleDriver}, from: []Status{StatusPaymentSubmitted}, to: StatusAllSet},
	ActionAcceptDirectly:         {roles: []Role{RoleDriver}, from: []Status{StatusRequested}, to: StatusAwaitingPayment},
}

// CanTransition reports the target status of action when taken by role from
// status, ignoring party and payload checks.
func CanTransition(action Action, role Role, from Status) (Status, bool) {
	r, ok := transitions[action]
	if !ok || !slices.Contains(r.roles, role) || !slices.Contains(r.from, from) {
		return "", false
	}
	return r.to, true
}

func (s *Service) check(b *Booking, t transition, r rule) error {
	if !slices.Contains(r.roles, t.actor.Role) {
		return rejectf("%s cannot %s", t.actor.Role, t.action)
	}
	if t.actor.Role != RoleSystem && t.actor.ID == "" {
		return invalid("actor_id", "required")
	}
	if !slices.Contains(r.from, b.Status) {
		return rejectf("cannot %s a booking in %s", t.action, b.Status)
	}

	switch t.action {
	case ActionAssignDriver:
		if t.driverID == "" {
			return invalid("driver_id", "required")
		}
		if b.OfferedPrice != nil {
			return rejectf("booking has an outstanding offer")
		}
	case ActionDeclineRequest:
		if !b.IsDriver(t.actor.ID) {
			return rejectf("driver %s is not assigned to booking %s", t.actor.ID, b.ID)
		}
		if b.DeadlineKind != DeadlineDriverResponse {
			return rejectf("no pending request to decline")
		}
	case ActionSendOffer:
		if t.actor.Role == RoleDriver {
			if b.HasDriver() && !b.IsDriver(t.actor.ID) {
				return rejectf("booking %s is assigned to another driver", b.ID)
			}
			if t.driverID != "" && t.driverID != t.actor.ID {
				return rejectf("a driver can only offer for themselves")
			}
		} else if t.driverID == "" && !b.HasDriver() {
			return invalid("driver_id", "required when no driver is assigned")
		}
		if err := checkPrice(t.price, b.EstimatedPrice.Currency); err != nil {
			return err
		}
	case ActionAcceptOffer, ActionDeclineOffer, ActionConfirmPaymentSent:
		if t.actor.ID != b.PassengerID {
			return rejectf("passenger %s does not own booking %s", t.actor.ID, b.ID)
		}
	case ActionConfirmPaymentReceived:
		if !b.IsDriver(t.actor.ID) {
			return rejectf("driver %s is not assigned to booking %s", t.actor.ID, b.ID)
		}
	case ActionAcceptDirectly:
		if b.HasDriver() && !b.IsDriver(t.actor.ID) {
			return rejectf("booking %s is assigned to another driver", b.ID)
		}
		if t.price != nil {
			if err := checkPrice(t.price, b.EstimatedPrice.Currency); err != nil {
				return err
			}
		} else if !b.EstimatedPrice.IsPositive() {
			return invalid("price", "required when the booking has no estimate")
		}
	case ActionTimeout:
		want := DeadlineDriverResponse
		if b.Status == StatusOfferSent {
			want = DeadlineOfferResponse
		}
		if b.Deadline == nil || b.DeadlineKind != want {
			return rejectf("no %s deadline outstanding", want)
		}
		if !t.deadline.IsZero() && !b.Deadline.Equal(t.deadline) {
			return rejectf("deadline %s was replaced by %s", t.deadline.Format(time.RFC3339), b.Deadline.Format(time.RFC3339))
		}
		if s.now().Before(*b.Deadline) {
			return rejectf("deadline %s has not elapsed", b.Deadline.Format(time.RFC3339))
		}
	}
	return nil
}

func checkPrice(p *types.Money, currency string) error {
	if p == nil || !p.IsPositive() {
		return invalid("price", "must be positive")
	}
	return checkCurrency(p, currency)
}

// checkCurrency rejects a payload price in a currency other than the
// booking's. An empty payload currency means the booking's own.
func checkCurrency(p *types.Money, currency string) error {
	if p != nil && p.Currency != "" && currency != "" && p.Currency != currency {
		return invalid("price.currency", "must be "+currency)
	}
	return nil
}

// mutate applies an already-checked transition to b and returns its timeline entry.
func (s *Service) mutate(b *Booking, t transition, r rule) TimelineEntry {
	at := s.now()
	if at.Before(b.UpdatedAt) {
		at = b.UpdatedAt
	}
	meta := map[string]any{}
	code := CodeBookingRequested

	switch t.action {
	case ActionAssignDriver:
		driver := t.driverID
		dispatcher := t.actor.ID
		b.DriverID = &driver
		b.DispatcherID = &dispatcher
		b.arm(DeadlineDriverResponse, at.Add(s.cfg.DriverResponseWindow))
		code = CodeDriverAssigned
		meta["driver_id"] = string(driver)
		meta["respond_by"] = b.Deadline.Format(time.RFC3339)

	case ActionDeclineRequest:
		meta["driver_id"] = string(*b.DriverID)
		b.DriverID = nil
		b.disarm()
		code = CodeRequestDeclined

	case ActionSendOffer:
		driver := t.driverID
		if t.actor.Role == RoleDriver {
			driver = t.actor.ID
		} else if driver == "" {
			driver = *b.DriverID
		}
		b.DriverID = &driver
		if t.actor.Role == RoleDispatcher {
			dispatcher := t.actor.ID
			b.DispatcherID = &dispatcher
		}
		b.OfferedPrice = s.money(t.price, b)
		setOnce(&b.OfferSentAt, at)
		b.arm(DeadlineOfferResponse, at.Add(s.cfg.OfferResponseWindow))
		code = CodeOfferSent
		meta["price"] = b.OfferedPrice.Amount
		meta["currency"] = b.OfferedPrice.Currency
		meta["driver_id"] = string(driver)
		meta["expires_at"] = b.Deadline.Format(time.RFC3339)

	case ActionAcceptOffer:
		b.FinalPrice = cloneMoney(b.OfferedPrice)
		setOnce(&b.OfferAcceptedAt, at)
		b.disarm()
		code = CodeOfferAccepted
		meta["final_price"] = b.FinalPrice.Amount
		meta["currency"] = b.FinalPrice.Currency

	case ActionDeclineOffer:
		b.disarm()
		code = CodeOfferDeclined
		meta["offered_price"] = b.OfferedPrice.Amount

	case ActionTimeout:
		meta["deadline"] = b.Deadline.Format(time.RFC3339)
		if b.HasDriver() {
			meta["driver_id"] = string(*b.DriverID)
		}
		code = CodeRequestExpired
		if b.Status == StatusOfferSent {
			code = CodeOfferExpired
			meta["offered_price"] = b.OfferedPrice.Amount
			b.OfferedPrice = nil
		}
		b.DriverID = nil
		b.disarm()

	case ActionConfirmPaymentSent:
		setOnce(&b.PassengerPaidAt, at)
		code = CodePaymentSent
		meta["amount"] = b.FinalPrice.Amount

	case ActionConfirmPaymentReceived:
		setOnce(&b.DriverPaidAt, at)
		code = CodePaymentReceived
		meta["amount"] = b.FinalPrice.Amount

	case ActionAcceptDirectly:
		driver := t.actor.ID
		b.DriverID = &driver
		price := s.money(t.price, b)
		if t.price == nil {
			price = cloneMoney(&b.EstimatedPrice)
		}
		b.OfferedPrice = price
		b.FinalPrice = cloneMoney(price)
		setOnce(&b.OfferSentAt, at)
		setOnce(&b.OfferAcceptedAt, at)
		b.disarm()
		code = CodeAcceptedDirectly
		meta["final_price"] = price.Amount
		meta["currency"] = price.Currency
	}
	if t.reason != "" {
		meta["reason"] = t.reason
	}

	b.Status = r.to
	b.LastAction = t.action
	b.LastActorRole = t.actor.Role
	b.LastActorID = t.actor.ID
	b.UpdatedAt = at
	b.syncAxes()
	return newEntry(b.ID, t.actor.Role, t.actor.ID, code, at, meta)
}

// money normalises a payload price to the booking currency.
func (s *Service) money(p *types.Money, b *Booking) *types.Money {
	if p == nil {
		return nil
	}
	m := *p
	if m.Currency == "" {
		m.Currency = b.EstimatedPrice.Currency
	}
	return &m
}

// isDuplicate reports whether t repeats the transition that produced b's
// current state. Timeouts are never duplicates; the deadline check covers them.
func isDuplicate(b *Booking, t transition, r rule) bool {
	if t.action == ActionTimeout {
		return false
	}
	if b.Status != r.to || b.LastAction != t.action || b.LastActorRole != t.actor.Role || b.LastActorID != t.actor.ID {
		return false
	}
	switch t.action {
	case ActionAssignDriver:
		return b.IsDriver(t.driverID)
	case ActionSendOffer:
		if t.driverID != "" && !b.IsDriver(t.driverID) {
			return false
		}
		return samePrice(t.price, b.OfferedPrice, b.EstimatedPrice.Currency)
	case ActionAcceptDirectly:
		if t.price == nil {
			return true
		}
		return samePrice(t.price, b.FinalPrice, b.EstimatedPrice.Currency)
	}
	return true
}

func samePrice(p, stored *types.Money, currency string) bool {
	if p == nil || stored == nil {
		return false
	}
	pc, sc := p.Currency, stored.Currency
	if pc == "" {
		pc = currency
	}
	if sc == "" {
		sc = currency
	}
	return p.Amount == stored.Amount && pc == sc
}
