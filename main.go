package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"auction-engine/internal/auth"
	bidding "auction-engine/internal/biddingService"
	"auction-engine/internal/config"
	"auction-engine/internal/dedupe"
	"auction-engine/internal/ledger"
	"auction-engine/internal/lifecycle"
	"auction-engine/internal/notify"
	"auction-engine/internal/realtime"
	"auction-engine/internal/repository"
	"auction-engine/internal/scheduler"
	"auction-engine/internal/serial"
	"auction-engine/internal/server"
	"auction-engine/utils"

	"github.com/redis/go-redis/v9"
)

// advisoryMargin keeps an auctionEnding dedupe key alive past the auction's end
const advisoryMargin = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := utils.SetLevel(cfg.Logging.Level); err != nil {
		utils.Fatal("invalid log level", map[string]any{"level": cfg.Logging.Level, "error": err.Error()})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := utils.Logger()

	store, closeStore := openStore(cfg)
	defer closeStore()

	var rc *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			utils.Fatal("invalid redis url", map[string]any{"error": err.Error()})
		}
		rc = redis.NewClient(opts)
		defer rc.Close()
	}

	locker := serial.NewKeyedLocker(cfg.Bidding.LockTimeout)
	hub := realtime.NewHub(store, locker, cfg.Bidding.SubscriberBuffer, logger)

	var publisher realtime.Publisher = hub
	var deduper dedupe.Deduper = dedupe.NewMemoryDeduper(cfg.Scheduler.EndingLead + advisoryMargin)
	if rc != nil {
		relay := realtime.NewRedisRelay(hub, rc, cfg.Redis.RelayChannel, logger)
		go relay.Run(ctx)
		publisher = relay
		deduper = dedupe.NewRedisDeduper(rc, "auction-engine:advisory", cfg.Scheduler.EndingLead+advisoryMargin)
	}

	dispatcher := notify.NewDispatcher(openSink(ctx, cfg, rc), notify.Options{
		Workers:     cfg.Notifications.Workers,
		QueueSize:   cfg.Notifications.QueueSize,
		MaxAttempts: cfg.Notifications.MaxAttempts,
	}, logger)
	dispatcher.Start(ctx)

	bidLedger := ledger.New(store, locker, publisher, dispatcher, logger,
		ledger.WithMaxAttempts(cfg.Bidding.MaxAttempts))
	machine := lifecycle.New(store, locker, publisher, dispatcher, logger,
		lifecycle.WithMaxAttempts(cfg.Bidding.MaxAttempts))

	sched := scheduler.New(store, machine, locker, publisher, deduper, scheduler.Config{
		Interval:     cfg.Scheduler.Interval,
		EndingLead:   cfg.Scheduler.EndingLead,
		AutoActivate: cfg.Scheduler.AutoActivate,
		Parallelism:  cfg.Scheduler.Parallelism,
	}, logger)
	go sched.Run(ctx)

	authenticator, err := auth.New(auth.Config{
		Secret:   cfg.Auth.JWTSecret,
		JWKSURL:  cfg.Auth.JWKSURL,
		Audience: cfg.Auth.Audience,
		Issuer:   cfg.Auth.Issuer,
	}, logger)
	if err != nil {
		utils.Fatal("failed to configure auth", map[string]any{"error": err.Error()})
	}
	defer authenticator.Close()

	biddingSvc := bidding.NewBiddingService(store, bidLedger, machine, cfg.Bidding.RequireApproval)
	router := server.SetupRouter(biddingSvc, hub, authenticator, locker)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		utils.Info("starting auction server", map[string]any{"port": cfg.Server.Port, "store": cfg.Store.Driver})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.Fatal("failed to start server", map[string]any{"error": err.Error()})
		}
	}()

	<-ctx.Done()
	utils.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		utils.Error("graceful shutdown failed", map[string]any{"error": err.Error()})
	}
	dispatcher.Wait()
}

// openStore returns the configured auction store and its release func
func openStore(cfg *config.Config) (repository.AuctionStore, func()) {
	if cfg.Store.Driver == "sqlite" {
		repo, err := repository.NewSQLiteRepo(cfg.Store.SQLitePath)
		if err != nil {
			utils.Fatal("failed to open sqlite store", map[string]any{"path": cfg.Store.SQLitePath, "error": err.Error()})
		}
		return repo, func() { _ = repo.Close() }
	}
	return repository.NewMemoryRepo(), func() {}
}

// openSink returns the configured notification sink
func openSink(ctx context.Context, cfg *config.Config, rc *redis.Client) notify.Sink {
	switch cfg.Notifications.Sink {
	case "redis":
		return notify.NewRedisSink(rc, "auction-engine:notifications", 0)
	case "table":
		sink, err := notify.NewTableSink(ctx, cfg.Notifications.Table.ConnectionString, cfg.Notifications.Table.Name)
		if err != nil {
			utils.Fatal("failed to open notifications table", map[string]any{"table": cfg.Notifications.Table.Name, "error": err.Error()})
		}
		return sink
	default:
		return notify.NewLogSink(utils.Logger())
	}
}
