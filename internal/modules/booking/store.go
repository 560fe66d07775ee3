// README: Booking store contract and its PostgreSQL implementation (optimistic version checks).
package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"chauffeur/internal/infra"
	"chauffeur/internal/types"
)

// Mutation edits a private copy of the stored booking and returns the timeline
// entry to append with it. Returning an error aborts the write.
type Mutation func(b *Booking) (TimelineEntry, error)

type Store interface {
	Create(ctx context.Context, b *Booking, e TimelineEntry) error
	Get(ctx context.Context, id types.ID) (*Booking, error)
	// ApplyTransition commits mutate only if the stored version still equals
	// expectedVersion; the booking row and the timeline entry are one unit.
	ApplyTransition(ctx context.Context, id types.ID, expectedVersion int, mutate Mutation) (*Booking, *TimelineEntry, error)
	Timeline(ctx context.Context, id types.ID) ([]TimelineEntry, error)
	ListDue(ctx context.Context, before time.Time, limit int) ([]Deadline, error)
}

type PostgresStore struct {
	uow *infra.UnitOfWork
}

func NewPostgresStore(uow *infra.UnitOfWork) *PostgresStore {
	return &PostgresStore{uow: uow}
}

const bookingColumns = `
	id, passenger_id, driver_id, dispatcher_id,
	pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, pickup_at, vehicle_category,
	currency, estimated_price, offered_price, final_price,
	status, passenger_status, driver_status, payment_status, version,
	deadline_at, deadline_kind, last_action, last_actor_role, last_actor_id,
	created_at, updated_at, offer_sent_at, offer_accepted_at, passenger_paid_at, driver_paid_at`

func (s *PostgresStore) Create(ctx context.Context, b *Booking, e TimelineEntry) error {
	return s.uow.WithinTx(ctx, func(ctx context.Context) error {
		q := s.uow.Q(ctx)
		_, err := q.Exec(ctx, `
			INSERT INTO bookings (`+bookingColumns+`)
			VALUES (
				$1, $2, $3, $4,
				$5, $6, $7, $8, $9, $10,
				$11, $12, $13, $14,
				$15, $16, $17, $18, $19,
				$20, $21, $22, $23, $24,
				$25, $26, $27, $28, $29, $30
			)`,
			bookingArgs(b)...,
		)
		if err != nil {
			return fmt.Errorf("insert booking: %w", err)
		}
		_, err = s.appendEntry(ctx, q, e)
		return err
	})
}

func (s *PostgresStore) Get(ctx context.Context, id types.ID) (*Booking, error) {
	row := s.uow.Q(ctx).QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, string(id))
	return scanBooking(row)
}

func (s *PostgresStore) ApplyTransition(ctx context.Context, id types.ID, expectedVersion int, mutate Mutation) (*Booking, *TimelineEntry, error) {
	var (
		out   *Booking
		entry *TimelineEntry
	)
	err := s.uow.WithinTx(ctx, func(ctx context.Context) error {
		q := s.uow.Q(ctx)
		cur, err := scanBooking(q.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, string(id)))
		if err != nil {
			return err
		}
		if cur.Version != expectedVersion {
			return ErrVersionConflict
		}

		next := cur.Clone()
		e, err := mutate(next)
		if err != nil {
			return err
		}
		next.Version = expectedVersion + 1

		tag, err := q.Exec(ctx, `
			UPDATE bookings
			SET driver_id = $3,
				dispatcher_id = $4,
				offered_price = $5,
				final_price = $6,
				status = $7,
				passenger_status = $8,
				driver_status = $9,
				payment_status = $10,
				version = $11,
				deadline_at = $12,
				deadline_kind = $13,
				last_action = $14,
				last_actor_role = $15,
				last_actor_id = $16,
				updated_at = $17,
				offer_sent_at = $18,
				offer_accepted_at = $19,
				passenger_paid_at = $20,
				driver_paid_at = $21
			WHERE id = $1 AND version = $2`,
			string(id), expectedVersion,
			idPtr(next.DriverID), idPtr(next.DispatcherID),
			amountPtr(next.OfferedPrice), amountPtr(next.FinalPrice),
			string(next.Status), string(next.PassengerStatus), string(next.DriverStatus), string(next.PaymentStatus),
			next.Version,
			next.Deadline, kindPtr(next.DeadlineKind),
			string(next.LastAction), string(next.LastActorRole), string(next.LastActorID),
			next.UpdatedAt,
			next.OfferSentAt, next.OfferAcceptedAt, next.PassengerPaidAt, next.DriverPaidAt,
		)
		if err != nil {
			return fmt.Errorf("update booking: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return ErrVersionConflict
		}

		e.BookingID = id
		saved, err := s.appendEntry(ctx, q, e)
		if err != nil {
			return err
		}
		out, entry = next, saved
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, entry, nil
}

func (s *PostgresStore) Timeline(ctx context.Context, id types.ID) ([]TimelineEntry, error) {
	rows, err := s.uow.Q(ctx).Query(ctx, `
		SELECT id, booking_id, actor_role, actor_id, code, label, metadata, created_at
		FROM booking_timeline
		WHERE booking_id = $1
		ORDER BY created_at, id`, string(id),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TimelineEntry
	for rows.Next() {
		var e TimelineEntry
		var actorID sql.NullString
		if err := rows.Scan(&e.ID, &e.BookingID, &e.ActorRole, &actorID, &e.Code, &e.Label, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		if actorID.Valid {
			a := types.ID(actorID.String)
			e.ActorID = &a
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListDue(ctx context.Context, before time.Time, limit int) ([]Deadline, error) {
	rows, err := s.uow.Q(ctx).Query(ctx, `
		SELECT id, deadline_kind, deadline_at
		FROM bookings
		WHERE deadline_at IS NOT NULL AND deadline_at <= $1
		ORDER BY deadline_at
		LIMIT $2`, before, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Deadline
	for rows.Next() {
		var d Deadline
		if err := rows.Scan(&d.BookingID, &d.Kind, &d.At); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) appendEntry(ctx context.Context, q infra.Querier, e TimelineEntry) (*TimelineEntry, error) {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	err := q.QueryRow(ctx, `
		INSERT INTO booking_timeline (booking_id, actor_role, actor_id, code, label, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		string(e.BookingID), string(e.ActorRole), idPtr(e.ActorID), string(e.Code), e.Label, e.Metadata, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return nil, fmt.Errorf("append timeline: %w", err)
	}
	return &e, nil
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	var driverID, dispatcherID, deadlineKind sql.NullString
	var offered, final sql.NullInt64
	var deadline, offerSent, offerAccepted, passengerPaid, driverPaid sql.NullTime

	err := row.Scan(
		&b.ID, &b.PassengerID, &driverID, &dispatcherID,
		&b.Pickup.Lat, &b.Pickup.Lng, &b.Dropoff.Lat, &b.Dropoff.Lng, &b.PickupAt, &b.VehicleCategory,
		&b.EstimatedPrice.Currency, &b.EstimatedPrice.Amount, &offered, &final,
		&b.Status, &b.PassengerStatus, &b.DriverStatus, &b.PaymentStatus, &b.Version,
		&deadline, &deadlineKind, &b.LastAction, &b.LastActorRole, &b.LastActorID,
		&b.CreatedAt, &b.UpdatedAt, &offerSent, &offerAccepted, &passengerPaid, &driverPaid,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	b.DriverID = toIDPtr(driverID)
	b.DispatcherID = toIDPtr(dispatcherID)
	b.OfferedPrice = toMoneyPtr(offered, b.EstimatedPrice.Currency)
	b.FinalPrice = toMoneyPtr(final, b.EstimatedPrice.Currency)
	b.Deadline = toTimePtr(deadline)
	if deadlineKind.Valid {
		b.DeadlineKind = DeadlineKind(deadlineKind.String)
	}
	b.OfferSentAt = toTimePtr(offerSent)
	b.OfferAcceptedAt = toTimePtr(offerAccepted)
	b.PassengerPaidAt = toTimePtr(passengerPaid)
	b.DriverPaidAt = toTimePtr(driverPaid)
	return &b, nil
}

func bookingArgs(b *Booking) []any {
	return []any{
		string(b.ID), string(b.PassengerID), idPtr(b.DriverID), idPtr(b.DispatcherID),
		b.Pickup.Lat, b.Pickup.Lng, b.Dropoff.Lat, b.Dropoff.Lng, b.PickupAt, b.VehicleCategory,
		b.EstimatedPrice.Currency, b.EstimatedPrice.Amount, amountPtr(b.OfferedPrice), amountPtr(b.FinalPrice),
		string(b.Status), string(b.PassengerStatus), string(b.DriverStatus), string(b.PaymentStatus), b.Version,
		b.Deadline, kindPtr(b.DeadlineKind), string(b.LastAction), string(b.LastActorRole), string(b.LastActorID),
		b.CreatedAt, b.UpdatedAt, b.OfferSentAt, b.OfferAcceptedAt, b.PassengerPaidAt, b.DriverPaidAt,
	}
}

func idPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func amountPtr(v *types.Money) *int64 {
	if v == nil {
		return nil
	}
	n := v.Amount
	return &n
}

func kindPtr(k DeadlineKind) *string {
	if k == DeadlineNone {
		return nil
	}
	s := string(k)
	return &s
}

func toIDPtr(v sql.NullString) *types.ID {
	if !v.Valid {
		return nil
	}
	id := types.ID(v.String)
	return &id
}

func toMoneyPtr(v sql.NullInt64, currency string) *types.Money {
	if !v.Valid {
		return nil
	}
	return &types.Money{Amount: v.Int64, Currency: currency}
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
