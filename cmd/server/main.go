package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	accounthandler "remit/internal/account/handler"
	accountmodels "remit/internal/account/models"
	accountservice "remit/internal/account/service"
	accountstore "remit/internal/account/store"
	"remit/internal/ledger/events"
	ledgerstore "remit/internal/ledger/store"
	"remit/internal/platform/config"
	"remit/internal/platform/httpserver"
	"remit/internal/platform/kafka"
	"remit/internal/platform/logger"
	"remit/internal/platform/metrics"
	"remit/internal/platform/middleware"
	"remit/internal/platform/postgres"
	redisclient "remit/internal/platform/redis"
	"remit/internal/recipient"
	"remit/internal/reconcile"
	transferhandler "remit/internal/transfer/handler"
	"remit/internal/transfer/lock"
	transfermetrics "remit/internal/transfer/metrics"
	"remit/internal/transfer/service"
	"remit/pkg/platform/circuit"
	"remit/pkg/platform/httputil"
)

const shutdownGrace = 10 * time.Second

// accountStore is everything the server needs from account storage.
type accountStore interface {
	service.AccountStore
	recipient.Directory
	reconcile.Accounts
	Create(ctx context.Context, account *accountmodels.Account) error
}

// ledgerStore is everything the server needs from the ledger.
type ledgerStore interface {
	service.Ledger
	accountservice.History
	reconcile.Ledger
}

// main wires dependencies and runs the HTTP server, the ledger event worker
// and the reconciliation schedule until SIGINT or SIGTERM.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	var (
		accounts accountStore
		ledger   ledgerStore
		unit     service.StoreTx
		db       *sql.DB
	)
	if cfg.DatabaseURL != "" {
		var err error
		db, err = postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := postgres.Migrate(ctx, db); err != nil {
			return err
		}
		accounts = accountstore.NewPostgres(db)
		ledger = ledgerstore.NewPostgres(db)
		unit = service.NewPostgresTx(db, cfg.Transfer.Timeout)
		log.Info("using postgres storage")
	} else {
		memory := accountstore.NewInMemory()
		accounts = memory
		ledger = ledgerstore.NewInMemory()
		unit = service.NewInlineTx(cfg.Transfer.Timeout, memory)
		log.Warn("DATABASE_URL not set, using in-memory storage")
	}

	redis, err := redisclient.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	var locker lock.Locker = lock.NewSharded(cfg.Transfer.Timeout)
	if redis != nil {
		defer redis.Close()
		locker = lock.NewRedis(redis,
			lock.WithExpiry(cfg.Redis.LockTTL),
			lock.WithRedisLogger(log),
		)
		log.Info("using redis write-intent locks")
	}

	producer, err := kafka.New(cfg.Kafka)
	if err != nil {
		return err
	}
	eventMetrics := events.NewMetrics(prometheus.DefaultRegisterer)
	var sink events.Sink = events.NewLogSink(log)
	if producer != nil {
		defer producer.Close()
		if err := producer.EnsureTopic(ctx); err != nil {
			log.Warn("could not ensure kafka topic", "topic", producer.Topic(), "error", err)
		}
		sink = events.NewKafkaSink(producer)
		log.Info("publishing ledger events to kafka", "topic", producer.Topic())
	}
	publisher := events.NewPublisher(events.WithLogger(log), events.WithMetrics(eventMetrics))
	worker := events.NewWorker(sink, publisher.Inbox(), circuit.New("ledger-events"), log, eventMetrics)

	transferMetrics := transfermetrics.New()
	engine := service.New(accounts, ledger, recipient.New(accounts, recipient.WithLogger(log)),
		service.WithLogger(log),
		service.WithMetrics(transferMetrics),
		service.WithLocker(locker),
		service.WithTx(unit),
		service.WithPublisher(publisher),
		service.WithMaxAttempts(cfg.Transfer.MaxAttempts),
		service.WithBackoff(cfg.Transfer.BackoffBase),
	)
	accountsView := accountservice.New(accounts, ledger, accountservice.WithLogger(log))
	reconciler := reconcile.New(accounts, ledger,
		reconcile.WithLogger(log),
		reconcile.WithMetrics(transferMetrics),
	)

	if cfg.SeedDemoAccounts {
		if err := seedDemoAccounts(ctx, accounts, log); err != nil {
			return err
		}
	}

	validator := middleware.NewHMACValidator(cfg.JWTSigningKey, cfg.JWTIssuer)
	httpMetrics := metrics.New()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestTime)
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Logger(log))
	r.Get("/healthz", healthHandler(db, redis, producer))
	r.Handle("/metrics", promhttp.Handler())
	transferhandler.New(engine, log, httpMetrics, validator).Register(r)
	accounthandler.New(accountsView, log, httpMetrics, validator).Register(r)

	srv := httpserver.New(cfg.Addr, r)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting remit", "addr", cfg.Addr)
		return httpserver.Serve(gctx, srv, shutdownGrace)
	})
	g.Go(func() error {
		if err := worker.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return reconciler.Schedule(gctx, cfg.ReconcileSpec)
	})
	return g.Wait()
}

// healthHandler reports 503 naming the first dependency that fails to answer.
func healthHandler(db *sql.DB, redis *goredis.Client, producer *kafka.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := []struct {
			name  string
			check func(context.Context) error
		}{
			{"postgres", func(ctx context.Context) error {
				if db == nil {
					return nil
				}
				return db.PingContext(ctx)
			}},
			{"redis", func(ctx context.Context) error {
				if redis == nil {
					return nil
				}
				return redis.Ping(ctx).Err()
			}},
			{"kafka", func(ctx context.Context) error {
				if producer == nil {
					return nil
				}
				return producer.Health(ctx)
			}},
		}
		for _, c := range checks {
			if err := c.check(ctx); err != nil {
				httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "unavailable",
					"reason": fmt.Sprintf("%s: %v", c.name, err),
				})
				return
			}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
