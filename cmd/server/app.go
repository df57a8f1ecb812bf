package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fare"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/storage"
)

type rideBackend interface {
	storage.Repository
	storage.DriverSeeder
}

type app struct {
	cfg     config.ServerConfig
	logger  *slog.Logger
	rt      *realtime.Service
	server  *http.Server
	closers []func() error
}

// newApp wires the configured backends. Postgres, Redis, Kafka, Stripe and
// OSRM are each optional; without them the server runs fully in memory.
func newApp(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	var ready []httpapi.Pinger

	var rides rideBackend
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, ps.Close)
		ready = append(ready, ps)
		if cfg.RunMigrations {
			applied, err := ps.Migrate(ctx)
			if err != nil {
				a.close()
				return nil, err
			}
			logger.Info("migrations applied", "files", applied)
		}
		rides = ps
	} else {
		rides = storage.NewMemoryStore()
	}

	var presence storage.PresenceStore = rides
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		a.closers = append(a.closers, rc.Close)
		rp := storage.NewRedisPresence(rc)
		ready = append(ready, rp)
		presence = rp
	}
	repo := storage.Combine(presence, rides)

	if cfg.SeedDemo {
		n, err := storage.SeedDemo(ctx, rides, presence)
		if err != nil {
			a.close()
			return nil, err
		}
		logger.Info("demo fleet seeded", "created", n)
	}

	var events realtime.EventSink
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaRideEventsTopic)
		a.closers = append(a.closers, kp.Close)
		events = kp
	}

	var holder realtime.PaymentHolder
	if cfg.StripeAPIKey != "" {
		holder = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	quoter := &fare.Quoter{AvgSpeedKmh: cfg.AvgSpeedKmh, Logger: logger}
	if cfg.OSRMURL != "" {
		quoter.ETA = eta.NewOSRMClient(cfg.OSRMURL)
		quoter.Cache = eta.NewCache(cfg.ETACacheTTL)
	}

	a.rt = realtime.NewService(
		realtime.Deps{Store: repo, Events: events, Payments: holder, Logger: logger},
		realtime.WithOfferTimeout(cfg.OfferTimeout),
		realtime.WithTokenTTL(cfg.RideTokenTTL),
		realtime.WithQuoter(quoter),
		realtime.WithCurrency(cfg.Currency),
	)

	// Posted locations only reach presence through Kafka when the
	// consumer has a shared Redis to write to.
	var ingestSink realtime.EventSink
	if events != nil && cfg.RedisAddr != "" {
		ingestSink = events
	}
	srv := httpapi.NewServer(httpapi.Deps{
		Realtime:       a.rt,
		Store:          repo,
		Quoter:         quoter,
		Currency:       cfg.Currency,
		Events:         ingestSink,
		Logger:         logger,
		AllowedOrigins: cfg.WSAllowedOrigins,
		Ready:          ready,
	})
	a.server = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return a, nil
}

func (a *app) run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("ride-dispatch listening", "addr", a.cfg.HTTPAddr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (a *app) close() {
	if a.rt != nil {
		a.rt.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close dependency", "error", err)
		}
	}
}
