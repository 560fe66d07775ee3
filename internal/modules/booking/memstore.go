// README: In-memory booking store with the same version semantics as PostgresStore (tests, local runs).
package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"chauffeur/internal/types"
)

type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[types.ID]*Booking
	timeline map[types.ID][]TimelineEntry
	seq      int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[types.ID]*Booking),
		timeline: make(map[types.ID][]TimelineEntry),
	}
}

func (m *MemoryStore) Create(_ context.Context, b *Booking, e TimelineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.ID]; ok {
		return ErrVersionConflict
	}
	m.bookings[b.ID] = b.Clone()
	m.appendLocked(b.ID, e)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (m *MemoryStore) ApplyTransition(_ context.Context, id types.ID, expectedVersion int, mutate Mutation) (*Booking, *TimelineEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.bookings[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if cur.Version != expectedVersion {
		return nil, nil, ErrVersionConflict
	}

	next := cur.Clone()
	e, err := mutate(next)
	if err != nil {
		return nil, nil, err
	}
	next.Version = expectedVersion + 1
	m.bookings[id] = next

	saved := m.appendLocked(id, e)
	return next.Clone(), &saved, nil
}

func (m *MemoryStore) Timeline(_ context.Context, id types.ID) ([]TimelineEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.timeline[id]
	out := make([]TimelineEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (m *MemoryStore) ListDue(_ context.Context, before time.Time, limit int) ([]Deadline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Deadline
	for id, b := range m.bookings {
		if b.Deadline == nil || b.Deadline.After(before) {
			continue
		}
		out = append(out, Deadline{BookingID: id, Kind: b.DeadlineKind, At: *b.Deadline})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) appendLocked(id types.ID, e TimelineEntry) TimelineEntry {
	m.seq++
	e.ID = m.seq
	e.BookingID = id
	m.timeline[id] = append(m.timeline[id], e)
	return e
}
