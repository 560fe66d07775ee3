// README: Status projector; derives each actor's required step purely from persisted booking fields.
package booking

import (
	"errors"
	"fmt"
	"time"

	"chauffeur/internal/types"
)

// Step is what an actor view must present next.
type Step string

const (
	StepNone                   Step = "none"
	StepAssignDriver           Step = "assign_driver"
	StepRespondToRequest       Step = "respond_to_request"
	StepSendOffer              Step = "send_offer"
	StepReviewOffer            Step = "review_offer"
	StepSendPayment            Step = "send_payment"
	StepConfirmPaymentReceived Step = "confirm_payment_received"
)

type Projection struct {
	BookingID       types.ID
	Role            Role
	Status          Status
	RequiredStep    Step
	Headline        string
	PassengerStatus PassengerStatus
	DriverStatus    DriverStatus
	PaymentStatus   PaymentStatus
	EstimatedPrice  types.Money
	OfferedPrice    *types.Money
	FinalPrice      *types.Money
	Deadline        *time.Time
	DeadlineKind    DeadlineKind
	Version         int
	Terminal        bool
}

// Axes maps the authoritative status onto the passenger, driver and payment axes.
func Axes(s Status, driverAssigned bool) (PassengerStatus, DriverStatus, PaymentStatus) {
	switch s {
	case StatusRequested:
		if driverAssigned {
			return PassengerWaitingForOffer, DriverRequestPending, PaymentNone
		}
		return PassengerWaitingForOffer, DriverUnassigned, PaymentNone
	case StatusOfferSent:
		return PassengerOfferReceived, DriverOfferPending, PaymentNone
	case StatusAwaitingPayment:
		return PassengerPaymentDue, DriverAwaitingPayment, PaymentPending
	case StatusPaymentSubmitted:
		return PassengerPaymentSent, DriverPaymentToConfirm, PaymentPassengerConfirmed
	case StatusAllSet:
		return PassengerAllSet, DriverAllSet, PaymentDriverConfirmed
	case StatusOfferDeclined:
		return PassengerDeclined, DriverReleased, PaymentNone
	}
	return PassengerWaitingForOffer, DriverUnassigned, PaymentNone
}

// Project is total: every status and actor yields exactly one step. Actors
// who are not a party to the booking are shown StepNone.
func Project(b *Booking, actor Actor) Projection {
	role := actor.Role
	step, title := StepNone, ""
	if isParty(b, actor) {
		step, title = requiredStep(b, role), headline(b, role)
	} else {
		title = bystanderHeadline(b, role)
	}
	p := Projection{
		BookingID:       b.ID,
		Role:            role,
		Status:          b.Status,
		RequiredStep:    step,
		Headline:        title,
		PassengerStatus: b.PassengerStatus,
		DriverStatus:    b.DriverStatus,
		PaymentStatus:   b.PaymentStatus,
		EstimatedPrice:  b.EstimatedPrice,
		OfferedPrice:    cloneMoney(b.OfferedPrice),
		FinalPrice:      cloneMoney(b.FinalPrice),
		Deadline:        cloneTime(b.Deadline),
		DeadlineKind:    b.DeadlineKind,
		Version:         b.Version,
		Terminal:        b.Status.IsTerminal(),
	}
	return p
}

// isParty reports whether actor may act on b. Any driver may pick up an
// unassigned request; dispatchers and the system see every booking.
func isParty(b *Booking, actor Actor) bool {
	switch actor.Role {
	case RolePassenger:
		return actor.ID == b.PassengerID
	case RoleDriver:
		return !b.HasDriver() || b.IsDriver(actor.ID)
	}
	return true
}

func bystanderHeadline(b *Booking, role Role) string {
	if role == RoleDriver && b.HasDriver() {
		return "Assigned to another driver"
	}
	return "Not your booking"
}

func requiredStep(b *Booking, role Role) Step {
	switch role {
	case RolePassenger:
		switch b.Status {
		case StatusOfferSent:
			return StepReviewOffer
		case StatusAwaitingPayment:
			return StepSendPayment
		}
	case RoleDriver:
		switch b.Status {
		case StatusRequested:
			if b.HasDriver() {
				return StepRespondToRequest
			}
			return StepSendOffer
		case StatusPaymentSubmitted:
			return StepConfirmPaymentReceived
		}
	case RoleDispatcher:
		if b.Status == StatusRequested && !b.HasDriver() {
			return StepAssignDriver
		}
	}
	return StepNone
}

func headline(b *Booking, role Role) string {
	switch b.Status {
	case StatusRequested:
		switch role {
		case RolePassenger:
			return "Waiting for offer"
		case RoleDriver:
			if b.HasDriver() {
				return "New ride request"
			}
			return "Open ride request"
		default:
			if b.HasDriver() {
				return "Waiting for driver response"
			}
			return "Needs a driver"
		}
	case StatusOfferSent:
		if role == RolePassenger {
			return "Offer received"
		}
		return "Waiting for passenger"
	case StatusAwaitingPayment:
		if role == RolePassenger {
			return "Payment due"
		}
		return "Waiting for payment"
	case StatusPaymentSubmitted:
		if role == RoleDriver {
			return "Confirm payment received"
		}
		return "Payment sent, waiting for driver"
	case StatusAllSet:
		return "All set"
	case StatusOfferDeclined:
		if role == RolePassenger {
			return "You declined the offer"
		}
		return "Offer declined"
	}
	return string(b.Status)
}

// CheckConsistency reports every way b disagrees with the transition table.
func CheckConsistency(b *Booking) error {
	var errs []error
	if !b.Status.Valid() {
		return fmt.Errorf("unknown status %q", b.Status)
	}

	ps, ds, pay := Axes(b.Status, b.HasDriver())
	if b.PassengerStatus != ps || b.DriverStatus != ds || b.PaymentStatus != pay {
		errs = append(errs, fmt.Errorf("axes (%s, %s, %s) do not match status %s", b.PassengerStatus, b.DriverStatus, b.PaymentStatus, b.Status))
	}

	if (b.Deadline == nil) != (b.DeadlineKind == DeadlineNone) {
		errs = append(errs, errors.New("deadline and deadline kind disagree"))
	}
	switch b.DeadlineKind {
	case DeadlineOfferResponse:
		if b.Status != StatusOfferSent {
			errs = append(errs, fmt.Errorf("offer deadline outstanding in %s", b.Status))
		}
	case DeadlineDriverResponse:
		if b.Status != StatusRequested || !b.HasDriver() {
			errs = append(errs, fmt.Errorf("driver deadline outstanding in %s", b.Status))
		}
	}

	if b.Status != StatusRequested && !b.HasDriver() {
		errs = append(errs, fmt.Errorf("status %s without a driver", b.Status))
	}
	if b.Status == StatusRequested && b.OfferedPrice != nil {
		errs = append(errs, errors.New("requested booking carries an offered price"))
	}
	if b.Status == StatusOfferSent && b.OfferedPrice == nil {
		errs = append(errs, errors.New("offer sent without an offered price"))
	}

	settled := map[Status]bool{StatusAwaitingPayment: true, StatusPaymentSubmitted: true, StatusAllSet: true}
	if settled[b.Status] && (b.FinalPrice == nil || b.OfferAcceptedAt == nil) {
		errs = append(errs, fmt.Errorf("status %s without final price or acceptance time", b.Status))
	}
	if (b.Status == StatusPaymentSubmitted || b.Status == StatusAllSet) && b.PassengerPaidAt == nil {
		errs = append(errs, errors.New("payment submitted without passenger timestamp"))
	}
	if b.Status == StatusAllSet && b.DriverPaidAt == nil {
		errs = append(errs, errors.New("all set without driver timestamp"))
	}

	milestones := []*time.Time{b.OfferSentAt, b.OfferAcceptedAt, b.PassengerPaidAt, b.DriverPaidAt}
	var prev *time.Time
	for _, m := range milestones {
		if m == nil {
			continue
		}
		if prev != nil && m.Before(*prev) {
			errs = append(errs, errors.New("milestone timestamps decrease"))
			break
		}
		prev = m
	}
	return errors.Join(errs...)
}

// TimelineRow is a display-only rendering of one timeline entry.
type TimelineRow struct {
	At    time.Time
	Actor Role
	Code  Code
	Label string
}

func DescribeTimeline(entries []TimelineEntry) []TimelineRow {
	rows := make([]TimelineRow, 0, len(entries))
	for _, e := range entries {
		label := e.Label
		if label == "" {
			label = e.Code.Label()
		}
		rows = append(rows, TimelineRow{At: e.CreatedAt, Actor: e.ActorRole, Code: e.Code, Label: label})
	}
	return rows
}
