// README: Notification records and the recipient lookup for each timeline code.
package notify

import (
	"time"

	"chauffeur/internal/modules/booking"
	"chauffeur/internal/types"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Notification is one message for one recipient about one timeline entry.
// Consumers de-duplicate on ID.
type Notification struct {
	ID            types.ID       `json:"id"`
	BookingID     types.ID       `json:"booking_id"`
	EntryID       int64          `json:"entry_id"`
	Code          booking.Code   `json:"code"`
	RecipientRole booking.Role   `json:"recipient_role"`
	RecipientID   types.ID       `json:"recipient_id,omitempty"`
	Payload       map[string]any `json:"payload"`
	Status        Status         `json:"status"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"-"`
	NextAttemptAt *time.Time     `json:"-"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"-"`
}

// Recipient is a role plus an optional actor id; an empty id addresses the
// whole role group (the dispatch desk before anyone picked the booking up).
type Recipient struct {
	Role booking.Role
	ID   types.ID
}

type audience uint8

const (
	toPassenger audience = 1 << iota
	toDriver
	toDispatcher
)

var recipientsByCode = map[booking.Code]audience{
	booking.CodeBookingRequested: toDispatcher,
	booking.CodeDriverAssigned:   toDriver,
	booking.CodeRequestDeclined:  toDispatcher,
	booking.CodeRequestExpired:   toDispatcher,
	booking.CodeOfferSent:        toPassenger,
	booking.CodeOfferAccepted:    toDriver | toDispatcher,
	booking.CodeOfferDeclined:    toDriver | toDispatcher,
	booking.CodeOfferExpired:     toDispatcher | toPassenger,
	booking.CodeAcceptedDirectly: toPassenger | toDispatcher,
	booking.CodePaymentSent:      toDriver,
	booking.CodePaymentReceived:  toPassenger | toDispatcher,
}

// Recipients resolves who hears about code on b. A driver who was cleared by
// the transition is not addressed.
func Recipients(code booking.Code, b *booking.Booking) []Recipient {
	a := recipientsByCode[code]
	var out []Recipient
	if a&toPassenger != 0 {
		out = append(out, Recipient{Role: booking.RolePassenger, ID: b.PassengerID})
	}
	if a&toDriver != 0 && b.HasDriver() {
		out = append(out, Recipient{Role: booking.RoleDriver, ID: *b.DriverID})
	}
	if a&toDispatcher != 0 {
		r := Recipient{Role: booking.RoleDispatcher}
		if b.DispatcherID != nil {
			r.ID = *b.DispatcherID
		}
		out = append(out, r)
	}
	return out
}

func payloadFor(b *booking.Booking, e booking.TimelineEntry) map[string]any {
	p := map[string]any{
		"booking_id": string(b.ID),
		"code":       string(e.Code),
		"label":      e.Label,
		"status":     string(b.Status),
		"version":    b.Version,
		"actor_role": string(e.ActorRole),
	}
	if b.OfferedPrice != nil {
		p["offered_price"] = b.OfferedPrice.Amount
	}
	if b.FinalPrice != nil {
		p["final_price"] = b.FinalPrice.Amount
	}
	if b.OfferedPrice != nil || b.FinalPrice != nil {
		p["currency"] = b.EstimatedPrice.Currency
	}
	if b.Deadline != nil {
		p["deadline"] = b.Deadline.UTC().Format(time.RFC3339)
		p["deadline_kind"] = string(b.DeadlineKind)
	}
	if len(e.Metadata) > 0 {
		p["metadata"] = e.Metadata
	}
	return p
}
