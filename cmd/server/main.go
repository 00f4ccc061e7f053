package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/PortNumber53/subcatalog/backend/internal/auth"
	"github.com/PortNumber53/subcatalog/backend/internal/billing"
	"github.com/PortNumber53/subcatalog/backend/internal/clock"
	"github.com/PortNumber53/subcatalog/backend/internal/config"
	"github.com/PortNumber53/subcatalog/backend/internal/gateway"
	"github.com/PortNumber53/subcatalog/backend/internal/httpserver"
	"github.com/PortNumber53/subcatalog/backend/internal/logger"
	"github.com/PortNumber53/subcatalog/backend/internal/migrations"
	"github.com/PortNumber53/subcatalog/backend/internal/notify"
	"github.com/PortNumber53/subcatalog/backend/internal/store"
	"github.com/PortNumber53/subcatalog/backend/internal/sweeper"
	"github.com/PortNumber53/subcatalog/backend/internal/worker"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", logger.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	logDBTarget(log, "primary", cfg.DatabaseURL)
	configureDB(db)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrationsWithDirtyFix(db, log); err != nil {
		return fmt.Errorf("apply database migrations: %w", err)
	}

	st, err := store.New(db)
	if err != nil {
		return fmt.Errorf("create store: %w", err)
	}
	jobStore, err := store.NewJobStore(db)
	if err != nil {
		return fmt.Errorf("create job store: %w", err)
	}

	clk := clock.Real{}

	var (
		gw            billing.Gateway
		verifyWebhook func(*http.Request) bool
	)
	if cfg.GatewayEnabled() {
		client, err := gateway.NewClient(gateway.Config{
			ShopID:          cfg.Gateway.ShopID,
			SecretKey:       cfg.Gateway.SecretKey,
			CheckoutURL:     cfg.Gateway.CheckoutURL,
			APIURL:          cfg.Gateway.APIURL,
			Test:            cfg.Gateway.Test,
			SuccessURL:      cfg.Gateway.SuccessURL,
			FailURL:         cfg.Gateway.FailURL,
			NotificationURL: cfg.Gateway.NotificationURL,
			Timeout:         cfg.Gateway.Timeout,
			Logger:          log,
		})
		if err != nil {
			return fmt.Errorf("create gateway client: %w", err)
		}
		gw = client
		if cfg.Gateway.VerifyWebhookAuth {
			verifyWebhook = client.VerifyBasicAuth
		}
	} else {
		log.Warn("payment gateway not configured; only free plans can be subscribed")
	}

	manager := billing.NewManager(st, gw, clk, log, billing.ManagerConfig{
		CheckoutExpiry:  cfg.Gateway.CheckoutExpiry,
		DefaultCurrency: cfg.Gateway.Currency,
	})
	ledger := billing.NewLedger(st, clk, log)

	issuer, err := auth.NewIssuer(st, auth.Config{
		SigningKey: cfg.JWT.SigningKey,
		Issuer:     cfg.JWT.Issuer,
		Audience:   cfg.JWT.Audience,
		AccessTTL:  cfg.JWT.AccessTTL,
		RefreshTTL: cfg.JWT.RefreshTTL,
	}, clk, log)
	if err != nil {
		return fmt.Errorf("create credential issuer: %w", err)
	}

	var notifier notify.Notifier
	if cfg.Notify.URL != "" {
		notifier = notify.NewHTTPNotifier(cfg.Notify.URL, cfg.Notify.Timeout)
	} else {
		log.Info("NOTIFY_URL not set; notifications will be logged")
		notifier = notify.NewLogNotifier(log)
	}

	workerCfg := worker.DefaultConfig()
	workerCfg.MaxConcurrent = cfg.Worker.MaxConcurrent
	workerCfg.PollInterval = cfg.Worker.PollInterval
	workerCfg.RetryBaseDelay = cfg.Worker.RetryBaseDelay
	workerCfg.RetryMaxDelay = cfg.Worker.RetryMaxDelay
	jobWorker := worker.New(workerCfg, jobStore, nil, log)
	worker.RegisterNotifications(jobWorker, notifier)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var locker sweeper.Locker
	if cfg.RedisURL != "" {
		rdb, err := sweeper.ConnectRedis(ctx, cfg.RedisURL, 5, 2*time.Second)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		locker = sweeper.NewRedisLocker(rdb, "subcatalog:")
	} else {
		locker = sweeper.NewLocalLocker()
	}

	scheduler := sweeper.NewScheduler(locker, cfg.Sweepers.LeaseTTL, log)
	if err := scheduleSweepers(scheduler, cfg, st, jobStore, gw, ledger, manager, clk, log); err != nil {
		return err
	}

	srv := httpserver.New(cfg, httpserver.Deps{
		DB:            st,
		Issuer:        issuer,
		Subscriptions: manager,
		Webhooks:      ledger,
		VerifyWebhook: verifyWebhook,
		Jobs:          jobStore,
		Worker:        jobWorker,
		Logger:        log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, 10*time.Second)
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		jobWorker.Start(gctx)
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), workerCfg.ShutdownTimeout)
		defer cancel()
		return jobWorker.Stop(stopCtx)
	})

	log.Info("backend starting", slog.String("addr", cfg.ServerAddress))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("backend stopped")
	return nil
}

func scheduleSweepers(s *sweeper.Scheduler, cfg config.Config, st *store.Store, jobs *store.JobStore, gw billing.Gateway, ledger *billing.Ledger, manager *billing.Manager, clk clock.Clock, log *slog.Logger) error {
	sw := cfg.Sweepers
	if gw != nil {
		stuck := sweeper.NewStuckPayments(st, gw, ledger, clk, log, sw.StuckThreshold, sw.BatchSize)
		if err := s.Add("stuck_payments", sw.StuckInterval, stuck); err != nil {
			return err
		}
	}
	expirations := sweeper.NewExpirations(st, manager, clk, log, sw.BatchSize)
	if err := s.Add("expirations", sw.ExpirationInterval, expirations); err != nil {
		return err
	}
	cleanup := sweeper.NewJobCleanup(jobs, sw.JobRetention, log)
	return s.Add("job_cleanup", sw.CleanupInterval, cleanup)
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func runMigrationsWithDirtyFix(db *sql.DB, log *slog.Logger) error {
	err := migrations.Up(db, log)
	if err == nil || !migrations.IsDirty(err) {
		return err
	}
	log.Warn("migrations: dirty database detected, attempting to fix", logger.Error(err))
	if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
		log.Error("migrations: failed to fix dirty database", logger.Error(fixErr))
		return err
	}
	return migrations.Up(db, log)
}

func logDBTarget(log *slog.Logger, name, dsn string) {
	// Avoid logging secrets: only log hostname + database path.
	u, err := url.Parse(dsn)
	if err != nil {
		log.Info("database configured", slog.String("name", name), slog.String("dsn_error", err.Error()))
		return
	}
	log.Info("database configured",
		slog.String("name", name),
		slog.String("host", u.Hostname()),
		slog.String("db", strings.TrimPrefix(u.Path, "/")),
	)
}
