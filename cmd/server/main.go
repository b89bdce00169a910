package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/waveline/campaign-engine/internal/cache"
	"github.com/waveline/campaign-engine/internal/config"
	"github.com/waveline/campaign-engine/internal/db"
	"github.com/waveline/campaign-engine/internal/dispatch"
	"github.com/waveline/campaign-engine/internal/handler"
	"github.com/waveline/campaign-engine/internal/queue"
	"github.com/waveline/campaign-engine/internal/repository"
	"github.com/waveline/campaign-engine/internal/service"
	"github.com/waveline/campaign-engine/internal/throttle"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, relying on OS environment")
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.LoadAll()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	database, err := db.Connect(cfg.Database.PostgresURL)
	if err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	var c cache.Cache = cache.Noop{}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c = cache.NewRedisCache(rdb, cfg.Redis.TTL)
		slog.Info("redis cache enabled", "addr", cfg.Redis.Address)
	}

	publisher, err := queue.NewAMQPPublisher(cfg.Queue.AMQPURL, cfg.Queue.QueueName)
	if err != nil {
		slog.Error("queue connection failed", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	campaignRepo := &repository.CampaignRepository{DB: database}
	recipientRepo := &repository.RecipientRepository{DB: database}
	contactRepo := &repository.ContactRepository{DB: database}
	inboxRepo := &repository.InboxRepository{DB: database}

	segmentation := &service.SegmentationEngine{
		Contacts:    contactRepo,
		ScanTimeout: cfg.Engagement.SegmentationTimeout,
	}
	gate := &service.ComplianceGate{
		Campaigns:  campaignRepo,
		Recipients: recipientRepo,
		Inboxes:    inboxRepo,
	}
	// One lock registry across the state machine and materializer keeps
	// commit and activation on the same campaign serialized.
	locks := service.NewLockRegistry()
	stateMachine := service.NewCampaignStateMachine(campaignRepo, recipientRepo, gate, locks)
	materializer := service.NewAudienceMaterializer(
		campaignRepo, recipientRepo, contactRepo, segmentation,
		cfg.Engagement.UploadCreateContacts, locks,
	)
	campaignService := &service.CampaignService{
		Campaigns:  campaignRepo,
		Recipients: recipientRepo,
		Inboxes:    inboxRepo,
		Cache:      c,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Seed buckets from recent dispatch history so a restart cannot burst
	// past the per-minute rate.
	throttler := throttle.New(func(campaignID uuid.UUID, since time.Time) int {
		n, err := recipientRepo.CountDispatchedSince(ctx, campaignID, since)
		if err != nil {
			slog.Warn("throttle seed lookup failed", "campaign_id", campaignID, "error", err)
			return 0
		}
		return n
	})

	driver := dispatch.NewDriver(
		campaignRepo, recipientRepo, stateMachine, throttler, publisher,
		cfg.Dispatch.Interval, cfg.Dispatch.BatchSize,
	)
	driver.Start(ctx)
	defer driver.Stop()

	h := &handler.CampaignHandler{
		Service:      campaignService,
		Segmentation: segmentation,
		Materializer: materializer,
		Gate:         gate,
		StateMachine: stateMachine,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Mount("/", h.Routes())

	srv := &http.Server{Addr: cfg.Server.Address, Handler: r}
	go func() {
		slog.Info("server listening", "addr", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
	}
}
