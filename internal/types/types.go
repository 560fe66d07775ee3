// README: Shared identifiers and geo points.
package types

import (
	"time"

	"github.com/google/uuid"
)

// ID is an opaque identifier; booking and notification ids are uuids,
// actor ids come from the identity provider as-is.
type ID string

func NewID() ID {
	return ID(uuid.NewString())
}

func (id ID) String() string {
	return string(id)
}

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Route is what the pricing oracle needs to quote a ride.
type Route struct {
	Pickup   Point
	Dropoff  Point
	PickupAt time.Time
}
