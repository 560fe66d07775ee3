// README: Negotiation engine; validates actor transitions and commits them through the store.
package booking

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"chauffeur/internal/config"
	"chauffeur/internal/logging"
	"chauffeur/internal/observability"
	"chauffeur/internal/types"
)

// PricingOracle quotes a ride; treated as pure.
type PricingOracle interface {
	Quote(ctx context.Context, route types.Route, vehicleCategory string) (types.Money, error)
}

// Notifier fans out a committed transition. It must not block.
type Notifier interface {
	Publish(ctx context.Context, b *Booking, e TimelineEntry)
}

// Timer keeps at most one pending deadline per booking.
type Timer interface {
	Arm(id types.ID, at time.Time)
	Disarm(id types.ID)
}

type Deps struct {
	Store    Store
	Pricing  PricingOracle
	Notifier Notifier
	Logger   *slog.Logger
	Clock    func() time.Time
}

type Service struct {
	store    Store
	pricing  PricingOracle
	notifier Notifier
	timer    Timer
	cfg      config.NegotiationConfig
	log      *slog.Logger
	clock    func() time.Time
}

func NewService(deps Deps, cfg config.NegotiationConfig) *Service {
	s := &Service{
		store:    deps.Store,
		pricing:  deps.Pricing,
		notifier: deps.Notifier,
		cfg:      cfg,
		log:      deps.Logger,
		clock:    deps.Clock,
	}
	if s.log == nil {
		s.log = logging.Discard()
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.cfg.Currency == "" {
		s.cfg.Currency = "USD"
	}
	return s
}

// SetTimer attaches the expiry scheduler; it is constructed after the service
// because it calls back into Expire.
func (s *Service) SetTimer(t Timer) {
	s.timer = t
}

// Actor is the caller of a transition as established by the transport layer.
type Actor struct {
	Role Role
	ID   types.ID
}

type CreateCommand struct {
	PassengerID     types.ID
	Pickup          types.Point
	Dropoff         types.Point
	PickupAt        time.Time
	VehicleCategory string
}

type AssignDriverCommand struct {
	BookingID types.ID
	Actor     Actor
	DriverID  types.ID
}

type SendOfferCommand struct {
	BookingID types.ID
	Actor     Actor
	Price     types.Money
	// DriverID lets a dispatcher attach the driver the offer is made for.
	DriverID types.ID
}

type AcceptDirectlyCommand struct {
	BookingID types.ID
	Actor     Actor
	Price     *types.Money
}

// ActorCommand covers transitions without a payload.
type ActorCommand struct {
	BookingID types.ID
	Actor     Actor
	Reason    string
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Booking, error) {
	now := s.now()
	if cmd.PassengerID == "" {
		return nil, invalid("passenger_id", "required")
	}
	if !cmd.Pickup.Valid() {
		return nil, invalid("pickup", "coordinates out of range")
	}
	if !cmd.Dropoff.Valid() {
		return nil, invalid("dropoff", "coordinates out of range")
	}
	if cmd.Pickup == cmd.Dropoff {
		return nil, invalid("dropoff", "must differ from pickup")
	}
	if cmd.PickupAt.IsZero() {
		return nil, invalid("pickup_at", "required")
	}
	if cmd.PickupAt.Before(now) {
		return nil, invalid("pickup_at", "must be in the future")
	}
	if cmd.VehicleCategory == "" {
		return nil, invalid("vehicle_category", "required")
	}

	est := types.Money{Amount: 0, Currency: s.cfg.Currency}
	if s.pricing != nil {
		route := types.Route{Pickup: cmd.Pickup, Dropoff: cmd.Dropoff, PickupAt: cmd.PickupAt}
		m, err := s.pricing.Quote(ctx, route, cmd.VehicleCategory)
		if err != nil {
			s.log.Warn("pricing quote failed", "passenger_id", cmd.PassengerID, "error", err)
		} else {
			est.Amount = m.Amount
		}
	}

	b := &Booking{
		ID:              types.NewID(),
		PassengerID:     cmd.PassengerID,
		Pickup:          cmd.Pickup,
		Dropoff:         cmd.Dropoff,
		PickupAt:        cmd.PickupAt.UTC(),
		VehicleCategory: cmd.VehicleCategory,
		EstimatedPrice:  est,
		Status:          StatusRequested,
		LastActorRole:   RolePassenger,
		LastActorID:     cmd.PassengerID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	b.syncAxes()
	e := newEntry(b.ID, RolePassenger, cmd.PassengerID, CodeBookingRequested, now, map[string]any{
		"estimated_price":  est.Amount,
		"currency":         est.Currency,
		"vehicle_category": cmd.VehicleCategory,
	})
	if err := s.store.Create(ctx, b, e); err != nil {
		return nil, err
	}
	s.log.Info("booking created", "booking_id", b.ID, "passenger_id", b.PassengerID)
	s.afterCommit(ctx, b, e)
	return b.Clone(), nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Booking, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Timeline(ctx context.Context, id types.ID) ([]TimelineEntry, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Timeline(ctx, id)
}

func (s *Service) Project(ctx context.Context, id types.ID, actor Actor) (Projection, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return Projection{}, err
	}
	return Project(b, actor), nil
}

func (s *Service) AssignDriver(ctx context.Context, cmd AssignDriverCommand) (*Booking, error) {
	return s.apply(ctx, transition{bookingID: cmd.BookingID, action: ActionAssignDriver, actor: cmd.Actor, driverID: cmd.DriverID})
}

func (s *Service) DeclineRequest(ctx context.Context, cmd ActorCommand) (*Booking, error) {
	return s.apply(ctx, transition{bookingID: cmd.BookingID, action: ActionDeclineRequest, actor: cmd.Actor, reason: cmd.Reason})
}

func (s *Service) SendOffer(ctx context.Context, cmd SendOfferCommand) (*Booking, error) {
	price := cmd.Price
	return s.apply(ctx, transition{bookingID: cmd.BookingID, action: ActionSendOffer, actor: cmd.Actor, price: &price, driverID: cmd.DriverID})
}

func (s *Service) AcceptOffer(ctx context.Context, cmd ActorCommand) (*Booking, error) {
	return s.apply(ctx, transition{bookingID: cmd.BookingID, action: ActionAcceptOffer, actor: cmd.Actor})
}

func (s *Service) DeclineOffer(ctx context.Context, cmd ActorCommand) (*Booking, error) {
	return s.apply(ctx, transition{bookingID: cmd.BookingID, action: ActionDeclineOffer, actor: cmd.Actor, reason: cmd.Reason})
}

func (s *Service) ConfirmPaymentSent(ctx context.Context, cmd ActorCommand) (*Booking, error) {
	return s.apply(ctx, transition{bookingID: cmd.BookingID, action: ActionConfirmPaymentSent, actor: cmd.Actor})
}

func (s *Service) ConfirmPaymentReceived(ctx context.Context, cmd ActorCommand) (*Booking, error) {
	return s.apply(ctx, transition{bookingID: cmd.BookingID, action: ActionConfirmPaymentReceived, actor: cmd.Actor})
}

func (s *Service) AcceptDirectly(ctx context.Context, cmd AcceptDirectlyCommand) (*Booking, error) {
	return s.apply(ctx, transition{bookingID: cmd.BookingID, action: ActionAcceptDirectly, actor: cmd.Actor, price: cmd.Price})
}

// Expire fires the timeout for the deadline armed at `at`. A booking that
// already left the timed step yields ErrInvalidTransition.
func (s *Service) Expire(ctx context.Context, id types.ID, at time.Time) error {
	_, err := s.apply(ctx, transition{bookingID: id, action: ActionTimeout, actor: Actor{Role: RoleSystem}, deadline: at})
	return err
}

// apply reads fresh state, validates and commits. A version conflict is
// re-read and re-validated once before it reaches the caller.
func (s *Service) apply(ctx context.Context, t transition) (*Booking, error) {
	r, ok := transitions[t.action]
	if !ok {
		return nil, rejectf("unknown action %q", t.action)
	}

	for attempt := 0; ; attempt++ {
		cur, err := s.store.Get(ctx, t.bookingID)
		if err != nil {
			s.record(t.action, err)
			return nil, err
		}
		if err := checkCurrency(t.price, cur.EstimatedPrice.Currency); err != nil {
			s.record(t.action, err)
			return nil, err
		}
		if isDuplicate(cur, t, r) {
			observability.Transitions.WithLabelValues(string(t.action), "duplicate").Inc()
			return cur, nil
		}
		if err := s.check(cur, t, r); err != nil {
			s.record(t.action, err)
			return nil, err
		}

		from := cur.Status
		updated, entry, err := s.store.ApplyTransition(ctx, cur.ID, cur.Version, func(b *Booking) (TimelineEntry, error) {
			if err := s.check(b, t, r); err != nil {
				return TimelineEntry{}, err
			}
			return s.mutate(b, t, r), nil
		})
		if errors.Is(err, ErrVersionConflict) && attempt == 0 {
			observability.VersionConflicts.Inc()
			s.log.Debug("version conflict, re-validating", "booking_id", t.bookingID, "action", t.action)
			continue
		}
		if err != nil {
			s.record(t.action, err)
			return nil, err
		}

		s.record(t.action, nil)
		s.log.Info("transition committed",
			"booking_id", updated.ID,
			"action", t.action,
			"actor_role", t.actor.Role,
			"from", from,
			"to", updated.Status,
			"version", updated.Version,
		)
		s.afterCommit(ctx, updated, *entry)
		return updated, nil
	}
}

// afterCommit arms or disarms the deadline from committed state and hands the
// transition to the notifier. Neither can undo the commit.
func (s *Service) afterCommit(ctx context.Context, b *Booking, e TimelineEntry) {
	if s.timer != nil {
		if b.Deadline != nil {
			s.timer.Arm(b.ID, *b.Deadline)
		} else {
			s.timer.Disarm(b.ID)
		}
	}
	if s.notifier != nil {
		s.notifier.Publish(context.WithoutCancel(ctx), b.Clone(), e)
	}
}

func (s *Service) record(action Action, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case errors.Is(err, ErrInvalidTransition):
		result = "invalid_transition"
	case errors.Is(err, ErrVersionConflict):
		result = "version_conflict"
	case IsValidation(err):
		result = "validation_error"
	default:
		result = "error"
	}
	observability.Transitions.WithLabelValues(string(action), result).Inc()
}

// now is truncated to microseconds so in-memory deadlines equal the ones
// read back from Postgres.
func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}
