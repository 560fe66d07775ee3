// README: Notification persistence; Postgres for production, memory for tests and local runs.
package notify

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"chauffeur/internal/infra"
	"chauffeur/internal/types"
)

type Store interface {
	// Save inserts notifications and returns the ones actually stored; a row
	// already present for the same entry and recipient is skipped.
	Save(ctx context.Context, ns []Notification) ([]Notification, error)
	Update(ctx context.Context, n Notification) error
	ListPending(ctx context.Context, before time.Time, limit int) ([]Notification, error)
	ListByBooking(ctx context.Context, bookingID types.ID) ([]Notification, error)
}

type PostgresStore struct {
	uow *infra.UnitOfWork
}

func NewPostgresStore(uow *infra.UnitOfWork) *PostgresStore {
	return &PostgresStore{uow: uow}
}

const notificationColumns = `id, booking_id, entry_id, code, recipient_role, recipient_id, payload,
	status, attempts, last_error, next_attempt_at, created_at, updated_at`

func (s *PostgresStore) Save(ctx context.Context, ns []Notification) ([]Notification, error) {
	var saved []Notification
	err := s.uow.WithinTx(ctx, func(ctx context.Context) error {
		q := s.uow.Q(ctx)
		for _, n := range ns {
			tag, err := q.Exec(ctx, `
				INSERT INTO notifications (`+notificationColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
				ON CONFLICT (entry_id, recipient_role, recipient_id) DO NOTHING`,
				string(n.ID), string(n.BookingID), n.EntryID, string(n.Code), string(n.RecipientRole), string(n.RecipientID), n.Payload,
				string(n.Status), n.Attempts, n.LastError, n.NextAttemptAt, n.CreatedAt, n.UpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("insert notification: %w", err)
			}
			if tag.RowsAffected() == 1 {
				saved = append(saved, n)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *PostgresStore) Update(ctx context.Context, n Notification) error {
	_, err := s.uow.Q(ctx).Exec(ctx, `
		UPDATE notifications
		SET status = $2, attempts = $3, last_error = $4, next_attempt_at = $5, updated_at = $6
		WHERE id = $1`,
		string(n.ID), string(n.Status), n.Attempts, n.LastError, n.NextAttemptAt, n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPending(ctx context.Context, before time.Time, limit int) ([]Notification, error) {
	return s.query(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		ORDER BY created_at
		LIMIT $2`, before, limit)
}

func (s *PostgresStore) ListByBooking(ctx context.Context, bookingID types.ID) ([]Notification, error) {
	return s.query(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE booking_id = $1
		ORDER BY created_at, entry_id`, string(bookingID))
}

func (s *PostgresStore) query(ctx context.Context, stmt string, args ...any) ([]Notification, error) {
	rows, err := s.uow.Q(ctx).Query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNotification(row scanner) (Notification, error) {
	var n Notification
	var next sql.NullTime
	err := row.Scan(
		&n.ID, &n.BookingID, &n.EntryID, &n.Code, &n.RecipientRole, &n.RecipientID, &n.Payload,
		&n.Status, &n.Attempts, &n.LastError, &next, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return Notification{}, err
	}
	if next.Valid {
		t := next.Time
		n.NextAttemptAt = &t
	}
	return n, nil
}

type MemoryStore struct {
	mu    sync.Mutex
	byID  map[types.ID]Notification
	keys  map[string]types.ID
	order []types.ID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[types.ID]Notification), keys: make(map[string]types.ID)}
}

func (m *MemoryStore) Save(_ context.Context, ns []Notification) ([]Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var saved []Notification
	for _, n := range ns {
		key := fmt.Sprintf("%d/%s/%s", n.EntryID, n.RecipientRole, n.RecipientID)
		if _, ok := m.keys[key]; ok {
			continue
		}
		m.keys[key] = n.ID
		m.byID[n.ID] = n
		m.order = append(m.order, n.ID)
		saved = append(saved, n)
	}
	return saved, nil
}

func (m *MemoryStore) Update(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[n.ID]; !ok {
		return fmt.Errorf("notification %s not found", n.ID)
	}
	m.byID[n.ID] = n
	return nil
}

func (m *MemoryStore) ListPending(_ context.Context, before time.Time, limit int) ([]Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Notification
	for _, id := range m.order {
		n := m.byID[id]
		if n.Status != StatusPending || (n.NextAttemptAt != nil && n.NextAttemptAt.After(before)) {
			continue
		}
		out = append(out, n)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ListByBooking(_ context.Context, bookingID types.ID) ([]Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Notification
	for _, id := range m.order {
		if n := m.byID[id]; n.BookingID == bookingID {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EntryID < out[j].EntryID })
	return out, nil
}
