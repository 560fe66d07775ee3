// README: Expiry scheduler; one in-memory timer per booking deadline plus a store sweep for restarts.
package expiry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"chauffeur/internal/config"
	"chauffeur/internal/logging"
	"chauffeur/internal/modules/booking"
	"chauffeur/internal/observability"
	"chauffeur/internal/types"
)

// Expirer applies the timeout transition for the deadline armed at `at`.
type Expirer interface {
	Expire(ctx context.Context, id types.ID, at time.Time) error
}

// DueLister returns outstanding deadlines at or before a given instant.
type DueLister interface {
	ListDue(ctx context.Context, before time.Time, limit int) ([]booking.Deadline, error)
}

// Claimer makes a firing exclusive across replicas. Claim returns false when
// another process already owns the (booking, deadline) pair.
type Claimer interface {
	Claim(ctx context.Context, id types.ID, at time.Time) (bool, error)
	Release(ctx context.Context, id types.ID, at time.Time) error
}

type Deps struct {
	Expirer Expirer
	Due     DueLister
	Claimer Claimer
	Logger  *slog.Logger
	Clock   func() time.Time
}

type pending struct {
	gen   uint64
	at    time.Time
	timer *time.Timer
}

type Scheduler struct {
	expirer Expirer
	due     DueLister
	claimer Claimer
	cfg     config.ExpiryConfig
	log     *slog.Logger
	clock   func() time.Time

	mu     sync.Mutex
	gen    uint64
	timers map[types.ID]*pending
}

func NewScheduler(deps Deps, cfg config.ExpiryConfig) *Scheduler {
	s := &Scheduler{
		expirer: deps.Expirer,
		due:     deps.Due,
		claimer: deps.Claimer,
		cfg:     cfg,
		log:     deps.Logger,
		clock:   deps.Clock,
		timers:  make(map[types.ID]*pending),
	}
	if s.log == nil {
		s.log = logging.Discard()
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.cfg.SweepInterval <= 0 {
		s.cfg.SweepInterval = 30 * time.Second
	}
	if s.cfg.SweepBatch <= 0 {
		s.cfg.SweepBatch = 100
	}
	return s
}

// Arm replaces any timer already held for id.
func (s *Scheduler) Arm(id types.ID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.timers[id]; ok {
		if p.at.Equal(at) {
			return
		}
		p.timer.Stop()
	}
	s.gen++
	gen := s.gen
	delay := at.Sub(s.clock())
	if delay < 0 {
		delay = 0
	}
	s.timers[id] = &pending{
		gen:   gen,
		at:    at,
		timer: time.AfterFunc(delay, func() { s.fire(id, gen, at) }),
	}
	observability.TimersArmed.Set(float64(len(s.timers)))
	s.log.Debug("deadline armed", "booking_id", id, "at", at)
}

// Disarm drops the timer for id. A timer already firing is not interrupted;
// the engine rejects it once the booking has left the timed step.
func (s *Scheduler) Disarm(id types.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.timers[id]; ok {
		p.timer.Stop()
		delete(s.timers, id)
		observability.TimersArmed.Set(float64(len(s.timers)))
	}
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// PendingAt reports the deadline held for id, if any.
func (s *Scheduler) PendingAt(id types.ID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.timers[id]
	if !ok {
		return time.Time{}, false
	}
	return p.at, true
}

// Run sweeps the store on start and then every SweepInterval until ctx ends.
// The sweep fires deadlines that passed while no timer was held (restarts,
// other replicas) and arms the ones coming up before the next tick.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	defer s.stopAll()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("expiry sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep fires every stored deadline already due and returns how many it fired.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	if s.due == nil {
		return 0, nil
	}
	now := s.clock()
	due, err := s.due.ListDue(ctx, now.Add(s.cfg.SweepInterval), s.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, d := range due {
		if d.At.After(now) {
			s.Arm(d.BookingID, d.At)
			continue
		}
		s.forget(d.BookingID, d.At)
		s.expire(ctx, d.BookingID, d.At)
		fired++
	}
	return fired, nil
}

func (s *Scheduler) fire(id types.ID, gen uint64, at time.Time) {
	s.mu.Lock()
	p, ok := s.timers[id]
	if !ok || p.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	observability.TimersArmed.Set(float64(len(s.timers)))
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.expire(ctx, id, at)
}

// forget drops a held timer for exactly this deadline so the sweep and the
// timer do not both fire it.
func (s *Scheduler) forget(id types.ID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.timers[id]; ok && p.at.Equal(at) {
		p.timer.Stop()
		delete(s.timers, id)
		observability.TimersArmed.Set(float64(len(s.timers)))
	}
}

func (s *Scheduler) expire(ctx context.Context, id types.ID, at time.Time) {
	if s.claimer != nil {
		ok, err := s.claimer.Claim(ctx, id, at)
		if err != nil {
			s.log.Warn("expiry claim failed, firing anyway", "booking_id", id, "error", err)
		} else if !ok {
			observability.ExpiryFired.WithLabelValues("claimed_elsewhere").Inc()
			return
		}
	}

	err := s.expirer.Expire(ctx, id, at)
	switch {
	case err == nil:
		observability.ExpiryFired.WithLabelValues("expired").Inc()
		s.log.Info("deadline expired", "booking_id", id, "at", at)
	case errors.Is(err, booking.ErrInvalidTransition), errors.Is(err, booking.ErrNotFound):
		observability.ExpiryFired.WithLabelValues("stale").Inc()
		s.log.Debug("deadline already resolved", "booking_id", id, "at", at, "reason", err)
	default:
		observability.ExpiryFired.WithLabelValues("error").Inc()
		s.log.Error("expire booking failed", "booking_id", id, "at", at, "error", err)
		if s.claimer != nil {
			if rerr := s.claimer.Release(context.WithoutCancel(ctx), id, at); rerr != nil {
				s.log.Warn("release expiry claim", "booking_id", id, "error", rerr)
			}
		}
	}
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.timers {
		p.timer.Stop()
		delete(s.timers, id)
	}
	observability.TimersArmed.Set(0)
}
