// README: In-process live feed; per-booking fan-out to websocket subscribers.
package notify

import (
	"sync"

	"chauffeur/internal/modules/booking"
	"chauffeur/internal/observability"
	"chauffeur/internal/types"
)

// Feed never blocks a publisher. A subscriber that falls behind loses live
// messages and re-reads the booking projection instead.
type Feed struct {
	mu     sync.RWMutex
	subs   map[types.ID]map[*Subscription]struct{}
	buffer int
}

func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = 16
	}
	return &Feed{subs: make(map[types.ID]map[*Subscription]struct{}), buffer: buffer}
}

type Subscription struct {
	C <-chan Notification

	ch        chan Notification
	bookingID types.ID
	role      booking.Role
	feed      *Feed
	once      sync.Once
}

// Subscribe returns live notifications for bookingID addressed to role. An
// empty role receives every recipient's copy.
func (f *Feed) Subscribe(bookingID types.ID, role booking.Role) *Subscription {
	ch := make(chan Notification, f.buffer)
	s := &Subscription{C: ch, ch: ch, bookingID: bookingID, role: role, feed: f}

	f.mu.Lock()
	set, ok := f.subs[bookingID]
	if !ok {
		set = make(map[*Subscription]struct{})
		f.subs[bookingID] = set
	}
	set[s] = struct{}{}
	f.mu.Unlock()
	observability.FeedSubscribers.Inc()
	return s
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		f := s.feed
		f.mu.Lock()
		if set, ok := f.subs[s.bookingID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(f.subs, s.bookingID)
			}
		}
		close(s.ch)
		f.mu.Unlock()
		observability.FeedSubscribers.Dec()
	})
}

// Publish returns the number of subscribers that received n.
func (f *Feed) Publish(n Notification) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	sent := 0
	for s := range f.subs[n.BookingID] {
		if s.role != "" && s.role != n.RecipientRole {
			continue
		}
		select {
		case s.ch <- n:
			sent++
		default:
		}
	}
	return sent
}

func (f *Feed) Subscribers(bookingID types.ID) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[bookingID])
}
