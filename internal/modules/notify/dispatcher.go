// README: Notification dispatcher; persists, fans out live and delivers with bounded exponential backoff.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chauffeur/internal/config"
	"chauffeur/internal/logging"
	"chauffeur/internal/modules/booking"
	"chauffeur/internal/observability"
	"chauffeur/internal/types"
)

// ErrDeliveryFailed marks a notification that used up its attempts.
var ErrDeliveryFailed = errors.New("notification delivery failed")

type Deps struct {
	Store   Store
	Channel Channel
	Feed    *Feed
	Logger  *slog.Logger
	Clock   func() time.Time
}

type Dispatcher struct {
	store   Store
	channel Channel
	feed    *Feed
	cfg     config.NotifyConfig
	log     *slog.Logger
	clock   func() time.Time

	queue chan Notification

	// owned holds ids queued or waiting on a backoff timer in this process,
	// so the retry sweep does not enqueue them twice.
	mu    sync.Mutex
	owned map[types.ID]struct{}
}

func NewDispatcher(deps Deps, cfg config.NotifyConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.RetryEvery <= 0 {
		cfg.RetryEvery = 10 * time.Second
	}
	d := &Dispatcher{
		store:   deps.Store,
		channel: deps.Channel,
		feed:    deps.Feed,
		cfg:     cfg,
		log:     deps.Logger,
		clock:   deps.Clock,
		queue:   make(chan Notification, cfg.QueueSize),
		owned:   make(map[types.ID]struct{}),
	}
	if d.log == nil {
		d.log = logging.Discard()
	}
	if d.clock == nil {
		d.clock = time.Now
	}
	if d.store == nil {
		d.store = NewMemoryStore()
	}
	if d.channel == nil {
		d.channel = NewLogChannel(d.log)
	}
	return d
}

// Publish records one notification per recipient and hands them to the
// workers. It never blocks on delivery and never fails the caller.
func (d *Dispatcher) Publish(ctx context.Context, b *booking.Booking, e booking.TimelineEntry) {
	now := d.clock().UTC()
	recipients := Recipients(e.Code, b)
	if len(recipients) == 0 {
		return
	}
	payload := payloadFor(b, e)
	ns := make([]Notification, 0, len(recipients))
	for _, r := range recipients {
		ns = append(ns, Notification{
			ID:            types.NewID(),
			BookingID:     b.ID,
			EntryID:       e.ID,
			Code:          e.Code,
			RecipientRole: r.Role,
			RecipientID:   r.ID,
			Payload:       payload,
			Status:        StatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	saved, err := d.store.Save(ctx, ns)
	if err != nil {
		// Without a row the retry sweep cannot recover these; still try them live.
		d.log.Error("save notifications", "booking_id", b.ID, "code", e.Code, "error", err)
		saved = ns
	}
	for _, n := range saved {
		if d.feed != nil {
			d.feed.Publish(n)
		}
		d.enqueue(n)
	}
}

// Run starts the workers and the retry sweep and blocks until ctx is done and
// the workers have returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.RunRetrySweep(ctx)
	}()
	wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-d.queue:
			_ = d.attempt(ctx, n)
		}
	}
}

// RunRetrySweep re-enqueues stored pending notifications whose next attempt
// is due and that this process is not already handling.
func (d *Dispatcher) RunRetrySweep(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.RetryEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
				d.log.Error("notification retry sweep", "error", err)
			}
		}
	}
}

// Sweep enqueues due pending notifications and returns how many it picked up.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	pending, err := d.store.ListPending(ctx, d.clock(), d.cfg.QueueSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range pending {
		if d.enqueue(p) {
			n++
		}
	}
	return n, nil
}

// enqueue claims n for this process and queues it. A full queue leaves it
// pending for the sweep.
func (d *Dispatcher) enqueue(n Notification) bool {
	d.mu.Lock()
	if _, ok := d.owned[n.ID]; ok {
		d.mu.Unlock()
		return false
	}
	d.owned[n.ID] = struct{}{}
	d.mu.Unlock()

	select {
	case d.queue <- n:
		return true
	default:
		d.release(n.ID)
		d.log.Warn("notification queue full, left for retry sweep", "notification_id", n.ID, "booking_id", n.BookingID)
		return false
	}
}

func (d *Dispatcher) release(id types.ID) {
	d.mu.Lock()
	delete(d.owned, id)
	d.mu.Unlock()
}

// attempt makes one delivery try and records the outcome. The returned error
// wraps ErrDeliveryFailed once the notification has given up.
func (d *Dispatcher) attempt(ctx context.Context, n Notification) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	err := d.channel.Deliver(sendCtx, n)
	cancel()

	now := d.clock().UTC()
	n.Attempts++
	n.UpdatedAt = now
	channel := d.channel.Name()

	switch {
	case err == nil:
		n.Status = StatusDelivered
		n.LastError = ""
		n.NextAttemptAt = nil
		d.save(ctx, n)
		d.release(n.ID)
		observability.Notifications.WithLabelValues(channel, string(StatusDelivered)).Inc()
		observability.NotificationAttempts.Observe(float64(n.Attempts))
		return nil

	case n.Attempts >= d.cfg.MaxAttempts:
		n.Status = StatusFailed
		n.LastError = err.Error()
		n.NextAttemptAt = nil
		d.save(ctx, n)
		d.release(n.ID)
		observability.Notifications.WithLabelValues(channel, string(StatusFailed)).Inc()
		observability.NotificationAttempts.Observe(float64(n.Attempts))
		failed := fmt.Errorf("%w: %s to %s after %d attempts: %v", ErrDeliveryFailed, n.Code, n.RecipientRole, n.Attempts, err)
		d.log.Error("notification failed",
			"notification_id", n.ID,
			"booking_id", n.BookingID,
			"code", n.Code,
			"recipient_role", n.RecipientRole,
			"channel", channel,
			"attempts", n.Attempts,
			"error", err,
		)
		return failed

	default:
		wait := Backoff(d.cfg.BaseBackoff, d.cfg.MaxBackoff, n.Attempts)
		next := now.Add(wait)
		n.Status = StatusPending
		n.LastError = err.Error()
		n.NextAttemptAt = &next
		d.save(ctx, n)
		observability.Notifications.WithLabelValues(channel, "retry").Inc()
		d.log.Warn("notification delivery failed, will retry",
			"notification_id", n.ID,
			"attempt", n.Attempts,
			"retry_in", wait,
			"error", err,
		)
		time.AfterFunc(wait, func() {
			select {
			case d.queue <- n:
			default:
				d.release(n.ID)
			}
		})
		return err
	}
}

func (d *Dispatcher) save(ctx context.Context, n Notification) {
	if err := d.store.Update(context.WithoutCancel(ctx), n); err != nil {
		d.log.Error("update notification", "notification_id", n.ID, "error", err)
	}
}

// Backoff is base * 2^(attempt-1), capped at ceiling.
func Backoff(base, ceiling time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	wait := base
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= ceiling {
			return ceiling
		}
	}
	if wait > ceiling {
		return ceiling
	}
	return wait
}
