package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/Raymond9734/campaign-dispatch/internal/config"
	"github.com/Raymond9734/campaign-dispatch/internal/db"
	"github.com/Raymond9734/campaign-dispatch/internal/lock"
	"github.com/Raymond9734/campaign-dispatch/internal/logging"
	"github.com/Raymond9734/campaign-dispatch/internal/queue"
	"github.com/Raymond9734/campaign-dispatch/internal/repository"
	"github.com/Raymond9734/campaign-dispatch/internal/service"
	"github.com/Raymond9734/campaign-dispatch/internal/worker"
)

const coordinatorLockKey = "campaign-coordinator"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.LogLevel).With(slog.String("worker_id", cfg.Worker.ID))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("worker stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting campaign dispatch worker",
		slog.Int("batch_size", cfg.Worker.BatchSize),
		slog.Int("concurrency", cfg.Worker.Concurrency),
		slog.String("transport", cfg.Transport.Backend),
	)

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

	// Redis backs the coordinator lock whichever event queue is configured
	redisClient, err := queue.Connect(ctx, cfg.Queue.RedisURL, logger)
	if err != nil {
		return err
	}

	queueClient, err := openEventQueue(cfg, redisClient, logger)
	if err != nil {
		_ = redisClient.Close()
		return err
	}
	defer queueClient.Close()
	if cfg.Queue.Backend != "redis" {
		defer redisClient.Close()
	}

	transport, err := newTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}

	campaignRepo := repository.NewCampaignRepository(database.DB)
	subscriberRepo := repository.NewSubscriberRepository(database.DB)

	segments := service.NewSegmentResolver(subscriberRepo, cfg.Segments.Catalog, cfg.Worker.SegmentPageTimeout)
	templateSvc := service.NewTemplateService(service.LinkOptions{
		TrackingBaseURL: cfg.Links.TrackingBaseURL,
		SigningKey:      cfg.Links.SigningKey,
	})
	statsSvc := service.NewStatsService(campaignRepo, logger)

	dispatcher := worker.NewDispatcher(campaignRepo, segments, templateSvc, statsSvc, transport, worker.DispatcherConfig{
		WorkerID:             cfg.Worker.ID,
		BatchSize:            cfg.Worker.BatchSize,
		Concurrency:          cfg.Worker.Concurrency,
		SendTimeout:          cfg.Worker.SendTimeout,
		Retries:              cfg.Worker.PageFetchRetries,
		RetryInitialInterval: cfg.Worker.RetryInitialInterval,
		LeaseTTL:             cfg.Worker.LeaseTTL,
		SendRatePerSecond:    cfg.Worker.SendRatePerSecond,
		SendRateBurst:        cfg.Worker.SendRateBurst,
		MaxFailureRate:       cfg.Worker.MaxFailureRate,
		FailureRateMinSample: cfg.Worker.FailureRateMinSample,
	}, logger)

	coordinator := worker.NewCoordinator(
		campaignRepo,
		dispatcher,
		lock.NewRedisLock(redisClient, coordinatorLockKey, cfg.Worker.CoordinatorInterval),
		worker.CoordinatorConfig{
			WorkerID:           cfg.Worker.ID,
			Interval:           cfg.Worker.CoordinatorInterval,
			LeaseTTL:           cfg.Worker.LeaseTTL,
			MaxActiveCampaigns: cfg.Worker.MaxActiveCampaigns,
		},
		logger,
	)

	consumer := worker.NewEventConsumer(queueClient, statsSvc, cfg.Worker.EventConcurrency, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coordinator.Start(gctx) })
	g.Go(func() error { return consumer.Run(gctx) })

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("worker stopped gracefully")
	return nil
}

// openEventQueue builds the configured delivery event backend. The redis
// backend takes ownership of redisClient.
func openEventQueue(cfg *config.Config, redisClient *redis.Client, logger *slog.Logger) (queue.Client, error) {
	if cfg.Queue.Backend == "kafka" {
		return queue.NewKafkaClient(queue.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}, logger)
	}
	return queue.NewRedisClient(redisClient, cfg.Queue.QueueName, logger), nil
}

func newTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (worker.Transport, error) {
	if cfg.Transport.Backend == "ses" {
		return worker.NewSESTransport(ctx, worker.SESConfig{
			Region:           cfg.Transport.SESRegion,
			AccessKey:        cfg.Transport.SESAccessKey,
			SecretKey:        cfg.Transport.SESSecretKey,
			FromAddress:      cfg.Transport.FromAddress,
			FromName:         cfg.Transport.FromName,
			ConfigurationSet: cfg.Transport.SESConfigSet,
		}, logger)
	}

	logger.Warn("using mock transport, no mail leaves this process",
		slog.Float64("success_rate", cfg.Transport.MockSuccessRate),
	)
	return worker.NewMockTransport(cfg.Transport.MockSuccessRate, 50*time.Millisecond, 200*time.Millisecond), nil
}
