// README: Entry point; loads config, wires services, starts HTTP server and background workers.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	firebase "firebase.google.com/go/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"chauffeur/internal/config"
	httptransport "chauffeur/internal/http"
	"chauffeur/internal/infra"
	"chauffeur/internal/logging"
	"chauffeur/internal/modules/booking"
	"chauffeur/internal/modules/expiry"
	"chauffeur/internal/modules/notify"
	"chauffeur/internal/modules/pricing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("chauffeur-api stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if cfg.Firebase.ProjectID == "" {
		return errors.New("CHAUFFEUR_FIREBASE_PROJECT_ID is required")
	}
	app, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		return err
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, app)
	if err != nil {
		return err
	}

	var (
		bookingStore booking.Store
		notifyStore  notify.Store
		rates        pricing.RateLookup
	)
	switch cfg.Store {
	case "postgres":
		dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			return err
		}
		defer dbPool.Close()
		bookingStore, notifyStore, rates = postgresStores(dbPool)
	default:
		log.Warn("using in-memory stores; state is lost on restart")
		bookingStore = booking.NewMemoryStore()
		notifyStore = notify.NewMemoryStore()
	}

	var routes pricing.RouteEstimator
	if cfg.Maps.APIKey != "" {
		mapsRoutes, err := pricing.NewMapsRouteEstimator(cfg.Maps.APIKey, log)
		if err != nil {
			return err
		}
		routes = mapsRoutes
	}
	pricingSvc := pricing.NewService(rates, routes, cfg.Negotiation.Currency)

	channel, closeChannel, err := notifyChannel(ctx, cfg.Notify, app, log)
	if err != nil {
		return err
	}
	defer closeChannel()

	feed := notify.NewFeed(32)
	dispatcher := notify.NewDispatcher(notify.Deps{
		Store:   notifyStore,
		Channel: channel,
		Feed:    feed,
		Logger:  log.With("module", "notify"),
	}, cfg.Notify)

	bookingSvc := booking.NewService(booking.Deps{
		Store:    bookingStore,
		Pricing:  pricingSvc,
		Notifier: dispatcher,
		Logger:   log.With("module", "booking"),
	}, cfg.Negotiation)

	expiryDeps := expiry.Deps{
		Expirer: bookingSvc,
		Due:     bookingStore,
		Logger:  log.With("module", "expiry"),
	}
	if cfg.Redis.Addr != "" {
		redisClient, err := infra.NewRedis(ctx, cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		expiryDeps.Claimer = expiry.NewRedisClaimer(redisClient, cfg.Expiry.ClaimTTL)
	}
	scheduler := expiry.NewScheduler(expiryDeps, cfg.Expiry)
	bookingSvc.SetTimer(scheduler)

	handler := httptransport.NewServer(httptransport.ServerDeps{
		Booking:  bookingSvc,
		Feed:     feed,
		Verifier: verifier,
		Logger:   log.With("module", "http"),
	})
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler.Routes()}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info("http listening", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	wg.Wait()
	return nil
}

func postgresStores(pool *pgxpool.Pool) (booking.Store, notify.Store, pricing.RateLookup) {
	uow := infra.NewUnitOfWork(pool)
	return booking.NewPostgresStore(uow), notify.NewPostgresStore(uow), pricing.NewStore(pool)
}

func notifyChannel(ctx context.Context, cfg config.NotifyConfig, app *firebase.App, log *slog.Logger) (notify.Channel, func(), error) {
	noop := func() {}
	switch cfg.Channel {
	case "fcm":
		client, err := infra.NewFirebaseMessaging(ctx, app)
		if err != nil {
			return nil, noop, err
		}
		return notify.NewFCMChannel(client), noop, nil
	case "rabbitmq":
		ch, err := notify.NewRabbitChannel(cfg.RabbitURL, cfg.RabbitExch)
		if err != nil {
			return nil, noop, err
		}
		return ch, func() { _ = ch.Close() }, nil
	case "kafka":
		ch := notify.NewKafkaChannel(cfg.KafkaBrokers, cfg.KafkaTopic)
		return ch, func() { _ = ch.Close() }, nil
	default:
		return notify.NewLogChannel(log.With("module", "notify")), noop, nil
	}
}
