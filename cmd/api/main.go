package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Raymond9734/campaign-dispatch/internal/config"
	"github.com/Raymond9734/campaign-dispatch/internal/db"
	"github.com/Raymond9734/campaign-dispatch/internal/handler"
	"github.com/Raymond9734/campaign-dispatch/internal/logging"
	"github.com/Raymond9734/campaign-dispatch/internal/queue"
	"github.com/Raymond9734/campaign-dispatch/internal/repository"
	"github.com/Raymond9734/campaign-dispatch/internal/service"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("api server stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting campaign dispatch API")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.New(db.Config{
		DSN:             cfg.Database.DSN(),
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer database.Close()

	logger.Info("connected to database")

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx); err != nil {
			return err
		}
	}

	queueClient, err := openEventQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer queueClient.Close()

	campaignRepo := repository.NewCampaignRepository(database.DB)
	subscriberRepo := repository.NewSubscriberRepository(database.DB)
	contentRepo := repository.NewContentRepository(database.DB)

	segments := service.NewSegmentResolver(subscriberRepo, cfg.Segments.Catalog, cfg.Worker.SegmentPageTimeout)
	templateSvc := service.NewTemplateService(service.LinkOptions{
		TrackingBaseURL: cfg.Links.TrackingBaseURL,
		SigningKey:      cfg.Links.SigningKey,
	})
	snapshotSvc, err := service.NewSnapshotService(contentRepo, cfg.Links.UnsubscribeURLTemplate, logger)
	if err != nil {
		return err
	}
	campaignSvc := service.NewCampaignService(campaignRepo, segments, snapshotSvc, templateSvc, logger)

	router := handler.NewRouter(handler.Handlers{
		Campaigns: handler.NewCampaignHandler(campaignSvc, segments, logger),
		Webhooks:  handler.NewWebhookHandler(queueClient, templateSvc, logger),
		Health: handler.NewHealthHandler(
			handler.PingFunc(database.Health),
			handler.PingFunc(queueClient.Health),
			logger,
		),
	}, cfg.API.AllowedOrigins, logger)

	addr := fmt.Sprintf(":%d", cfg.API.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("API server listening", slog.String("addr", addr))
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err

	case <-ctx.Done():
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
		return nil
	}
}

// openEventQueue connects the configured delivery event backend
func openEventQueue(ctx context.Context, cfg *config.Config, logger *slog.Logger) (queue.Client, error) {
	if cfg.Queue.Backend == "kafka" {
		return queue.NewKafkaClient(queue.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}, logger)
	}

	redisClient, err := queue.Connect(ctx, cfg.Queue.RedisURL, logger)
	if err != nil {
		return nil, err
	}
	return queue.NewRedisClient(redisClient, cfg.Queue.QueueName, logger), nil
}
