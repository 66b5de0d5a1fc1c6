package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/ridepool/internal/allocation"
	"github.com/example/ridepool/internal/config"
	"github.com/example/ridepool/internal/dispatch"
	"github.com/example/ridepool/internal/events"
	"github.com/example/ridepool/internal/geo"
	httpapi "github.com/example/ridepool/internal/http"
	"github.com/example/ridepool/internal/logging"
	"github.com/example/ridepool/internal/matcher"
	"github.com/example/ridepool/internal/payments"
	"github.com/example/ridepool/internal/queue"
	"github.com/example/ridepool/internal/recovery"
	"github.com/example/ridepool/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var (
		store storage.Store
		log   allocation.Log
	)
	if cfg.PGDSN != "" {
		db, err := storage.Open(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if cfg.RunMigrations {
			applied, err := storage.Migrate(ctx, db, cfg.MigrationsDir)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "files", applied)
		}
		store = storage.NewPostgresStore(db)
		log = allocation.NewPostgresLog(db)
	} else {
		logger.Warn("PG_DSN not set, state is kept in memory only")
		store = storage.NewMemoryStore()
		log = allocation.NewMemoryLog()
	}

	st, err := recovery.Replay(ctx, store, log, logger)
	if err != nil {
		return err
	}

	ws := dispatch.NewWSRegistry()
	outbox := dispatch.NewOutbox(dispatch.NewPushDispatcher(cfg.WebhookURL, ws), cfg.NotifyBuffer, logger)
	q := &queue.Queue{
		Pools:    st.Pools,
		Matcher:  &matcher.Service{Pools: st.Pools, Log: log, Book: st.Book, Logger: logger},
		Book:     st.Book,
		Store:    store,
		Currency: cfg.DepositCurrency,
		Notifier: outbox,
		Logger:   logger,
	}

	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		q.Places = geo.NewRedisIndex(rc, cfg.RedisGeoKey)
	} else {
		q.Places = geo.NewIndex()
	}
	if err := q.IndexPlaces(ctx); err != nil {
		logger.Warn("pool origins not fully indexed", "error", err)
	}

	if cfg.StripeAPIKey != "" {
		sc, err := payments.NewStripeClient(cfg.StripeAPIKey)
		if err != nil {
			return err
		}
		q.Deposits = sc
	}

	var sink events.Sink
	switch {
	case len(cfg.KafkaBrokers) > 0:
		sink = events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
	case cfg.AMQPURL != "":
		as, err := events.NewAMQPSink(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return err
		}
		sink = as
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return outbox.Run(gctx) })
	if sink != nil {
		d := events.NewDispatcher(sink, cfg.EventBuffer, logger)
		q.Events = d
		g.Go(func() error { return d.Run(gctx) })
	}

	// Seats left free by a promotion that failed before the restart are
	// handed out before traffic is accepted.
	if err := q.Settle(ctx); err != nil {
		return err
	}
	if err := recovery.Verify(st.Pools, st.Book); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(q, log, ws, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	g.Go(func() error {
		logger.Info("ridepool listening", "addr", cfg.HTTPAddr, "pools", len(st.Pools.ListPools()), "last_seq", st.LastSeq)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
