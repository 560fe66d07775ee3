// README: Booking aggregate, negotiation states, actor roles and per-actor status axes.
package booking

import (
	"time"

	"chauffeur/internal/types"
)

// Status is the single authoritative negotiation state of a booking.
type Status string

const (
	StatusRequested        Status = "requested"
	StatusOfferSent        Status = "offer_sent"
	StatusAwaitingPayment  Status = "awaiting_payment"
	StatusPaymentSubmitted Status = "payment_submitted"
	StatusAllSet           Status = "all_set"
	StatusOfferDeclined    Status = "offer_declined"
)

// Statuses lists every stored status, in lifecycle order.
var Statuses = []Status{
	StatusRequested,
	StatusOfferSent,
	StatusAwaitingPayment,
	StatusPaymentSubmitted,
	StatusAllSet,
	StatusOfferDeclined,
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusAllSet || s == StatusOfferDeclined
}

type Role string

const (
	RolePassenger  Role = "passenger"
	RoleDriver     Role = "driver"
	RoleDispatcher Role = "dispatcher"
	RoleSystem     Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RolePassenger, RoleDriver, RoleDispatcher, RoleSystem:
		return true
	}
	return false
}

type Action string

const (
	ActionAssignDriver           Action = "assign_driver"
	ActionDeclineRequest         Action = "decline_request"
	ActionSendOffer              Action = "send_offer"
	ActionAcceptOffer            Action = "accept_offer"
	ActionDeclineOffer           Action = "decline_offer"
	ActionTimeout                Action = "timeout"
	ActionConfirmPaymentSent     Action = "confirm_payment_sent"
	ActionConfirmPaymentReceived Action = "confirm_payment_received"
	ActionAcceptDirectly         Action = "accept_directly"
)

// DeadlineKind names the time-boxed step a booking is waiting on.
type DeadlineKind string

const (
	DeadlineNone           DeadlineKind = ""
	DeadlineOfferResponse  DeadlineKind = "offer_response"
	DeadlineDriverResponse DeadlineKind = "driver_response"
)

type PassengerStatus string

const (
	PassengerWaitingForOffer PassengerStatus = "waiting_for_offer"
	PassengerOfferReceived   PassengerStatus = "offer_received"
	PassengerPaymentDue      PassengerStatus = "payment_due"
	PassengerPaymentSent     PassengerStatus = "payment_sent"
	PassengerAllSet          PassengerStatus = "all_set"
	PassengerDeclined        PassengerStatus = "declined"
)

type DriverStatus string

const (
	DriverUnassigned       DriverStatus = "unassigned"
	DriverRequestPending   DriverStatus = "request_pending"
	DriverOfferPending     DriverStatus = "offer_pending"
	DriverAwaitingPayment  DriverStatus = "awaiting_payment"
	DriverPaymentToConfirm DriverStatus = "payment_to_confirm"
	DriverAllSet           DriverStatus = "all_set"
	DriverReleased         DriverStatus = "released"
)

type PaymentStatus string

const (
	PaymentNone               PaymentStatus = "none"
	PaymentPending            PaymentStatus = "pending"
	PaymentPassengerConfirmed PaymentStatus = "passenger_confirmed"
	PaymentDriverConfirmed    PaymentStatus = "driver_confirmed"
)

type Booking struct {
	ID              types.ID
	PassengerID     types.ID
	DriverID        *types.ID
	DispatcherID    *types.ID
	Pickup          types.Point
	Dropoff         types.Point
	PickupAt        time.Time
	VehicleCategory string

	EstimatedPrice types.Money
	OfferedPrice   *types.Money
	FinalPrice     *types.Money

	Status          Status
	PassengerStatus PassengerStatus
	DriverStatus    DriverStatus
	PaymentStatus   PaymentStatus
	Version         int

	Deadline     *time.Time
	DeadlineKind DeadlineKind

	LastAction    Action
	LastActorRole Role
	LastActorID   types.ID

	CreatedAt       time.Time
	UpdatedAt       time.Time
	OfferSentAt     *time.Time
	OfferAcceptedAt *time.Time
	PassengerPaidAt *time.Time
	DriverPaidAt    *time.Time
}

// Deadline is one outstanding time-boxed step.
type Deadline struct {
	BookingID types.ID
	Kind      DeadlineKind
	At        time.Time
}

// Clone returns a deep copy so callers never share pointer fields with a store.
func (b *Booking) Clone() *Booking {
	if b == nil {
		return nil
	}
	c := *b
	c.DriverID = cloneID(b.DriverID)
	c.DispatcherID = cloneID(b.DispatcherID)
	c.OfferedPrice = cloneMoney(b.OfferedPrice)
	c.FinalPrice = cloneMoney(b.FinalPrice)
	c.Deadline = cloneTime(b.Deadline)
	c.OfferSentAt = cloneTime(b.OfferSentAt)
	c.OfferAcceptedAt = cloneTime(b.OfferAcceptedAt)
	c.PassengerPaidAt = cloneTime(b.PassengerPaidAt)
	c.DriverPaidAt = cloneTime(b.DriverPaidAt)
	return &c
}

func (b *Booking) HasDriver() bool {
	return b.DriverID != nil && *b.DriverID != ""
}

// IsDriver reports whether id is the driver currently attached to the booking.
func (b *Booking) IsDriver(id types.ID) bool {
	return b.HasDriver() && *b.DriverID == id
}

func (b *Booking) arm(kind DeadlineKind, at time.Time) {
	b.DeadlineKind = kind
	b.Deadline = &at
}

func (b *Booking) disarm() {
	b.DeadlineKind = DeadlineNone
	b.Deadline = nil
}

// syncAxes rewrites the per-actor and payment axes from the authoritative status.
func (b *Booking) syncAxes() {
	b.PassengerStatus, b.DriverStatus, b.PaymentStatus = Axes(b.Status, b.HasDriver())
}

// setOnce records a milestone the first time it is reached.
func setOnce(field **time.Time, at time.Time) {
	if *field != nil {
		return
	}
	t := at
	*field = &t
}

func cloneID(v *types.ID) *types.ID {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneMoney(v *types.Money) *types.Money {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
