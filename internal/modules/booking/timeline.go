// README: Timeline entries; append-only history of committed transitions.
package booking

import (
	"maps"
	"time"

	"chauffeur/internal/types"
)

// Code is the closed vocabulary of timeline facts.
type Code string

const (
	CodeBookingRequested Code = "booking_requested"
	CodeDriverAssigned   Code = "driver_assigned"
	CodeRequestDeclined  Code = "request_declined"
	CodeRequestExpired   Code = "request_expired"
	CodeOfferSent        Code = "offer_sent"
	CodeOfferAccepted    Code = "offer_accepted"
	CodeOfferDeclined    Code = "offer_declined"
	CodeOfferExpired     Code = "offer_expired"
	CodeAcceptedDirectly Code = "accepted_directly"
	CodePaymentSent      Code = "payment_sent"
	CodePaymentReceived  Code = "payment_received"
)

var codeLabels = map[Code]string{
	CodeBookingRequested: "Ride requested",
	CodeDriverAssigned:   "Driver assigned",
	CodeRequestDeclined:  "Driver declined the request",
	CodeRequestExpired:   "Driver did not respond in time",
	CodeOfferSent:        "Price offer sent",
	CodeOfferAccepted:    "Offer accepted",
	CodeOfferDeclined:    "Offer declined",
	CodeOfferExpired:     "Offer expired",
	CodeAcceptedDirectly: "Driver accepted the ride",
	CodePaymentSent:      "Passenger confirmed payment sent",
	CodePaymentReceived:  "Driver confirmed payment received",
}

func (c Code) Valid() bool {
	_, ok := codeLabels[c]
	return ok
}

func (c Code) Label() string {
	if l, ok := codeLabels[c]; ok {
		return l
	}
	return string(c)
}

// TimelineEntry is one immutable fact about a booking. Entries are ordered by
// (CreatedAt, ID).
type TimelineEntry struct {
	ID        int64
	BookingID types.ID
	ActorRole Role
	ActorID   *types.ID
	Code      Code
	Label     string
	Metadata  map[string]any
	CreatedAt time.Time
}

func newEntry(bookingID types.ID, role Role, actorID types.ID, code Code, at time.Time, meta map[string]any) TimelineEntry {
	e := TimelineEntry{
		BookingID: bookingID,
		ActorRole: role,
		Code:      code,
		Label:     code.Label(),
		Metadata:  make(map[string]any, len(meta)),
		CreatedAt: at,
	}
	if actorID != "" {
		id := actorID
		e.ActorID = &id
	}
	maps.Copy(e.Metadata, meta)
	return e
}
