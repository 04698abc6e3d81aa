package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Raymond9734/campaign-dispatch/internal/models"
)

const requeueTimeout = 5 * time.Second

// redisClient implements Client with a Redis list
type redisClient struct {
	client    *redis.Client
	queueName string
	logger    *slog.Logger
}

// Connect parses a Redis URL and verifies the connection
func Connect(ctx context.Context, url string, logger *slog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("connected to Redis", slog.String("addr", opts.Addr))
	return client, nil
}

// NewRedisClient creates a queue on the list queueName. The connection is
// shared; Close closes it.
func NewRedisClient(client *redis.Client, queueName string, logger *slog.Logger) Client {
	return &redisClient{
		client:    client,
		queueName: queueName,
		logger:    logger,
	}
}

// Publish pushes an event onto the list
func (c *redisClient) Publish(ctx context.Context, event *models.DeliveryEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// LPUSH + BRPOP gives FIFO
	if err := c.client.LPush(ctx, c.queueName, data).Err(); err != nil {
		return fmt.Errorf("failed to push event to queue: %w", err)
	}

	c.logger.Debug("event published to queue",
		slog.String("campaign_id", event.CampaignID),
		slog.String("event", string(event.Event)),
	)

	return nil
}

// Consume pops events and hands each to handler on a bounded set of
// goroutines. Handlers run without ctx's cancellation and in-flight events
// finish before Consume returns. An event whose handler fails is pushed back.
func (c *redisClient) Consume(ctx context.Context, handler EventHandler, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}

	c.logger.Info("starting event consumer",
		slog.String("queue", c.queueName),
		slog.Int("concurrency", concurrency),
	)

	semaphore := make(chan struct{}, concurrency)
	drain := func() {
		for i := 0; i < concurrency; i++ {
			semaphore <- struct{}{}
		}
		c.logger.Info("all in-flight events completed")
	}

	for {
		if ctx.Err() != nil {
			drain()
			return ctx.Err()
		}

		result, err := c.client.BRPop(ctx, time.Second, c.queueName).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				drain()
				return ctx.Err()
			}
			c.logger.Error("failed to pop from queue", slog.String("error", err.Error()))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}

		// BRPOP returns [queueName, value]
		if len(result) < 2 {
			c.logger.Error("unexpected BRPOP result format")
			continue
		}

		var event models.DeliveryEvent
		if err := json.Unmarshal([]byte(result[1]), &event); err != nil {
			c.logger.Error("dropping malformed event",
				slog.String("error", err.Error()),
				slog.String("data", result[1]),
			)
			continue
		}

		semaphore <- struct{}{}

		go func(event models.DeliveryEvent, raw string) {
			defer func() { <-semaphore }()

			// the event has already left the list, so it is finished even
			// after ctx is cancelled
			hctx := context.WithoutCancel(ctx)
			if err := handler(hctx, &event); err != nil {
				c.logger.Error("handler failed to process event, requeueing",
					slog.String("campaign_id", event.CampaignID),
					slog.String("event", string(event.Event)),
					slog.String("error", err.Error()),
				)
				c.requeue(hctx, raw)
			}
		}(event, result[1])
	}
}

// requeue pushes a raw event back to the tail of the queue
func (c *redisClient) requeue(ctx context.Context, raw string) {
	ctx, cancel := context.WithTimeout(ctx, requeueTimeout)
	defer cancel()

	if err := c.client.LPush(ctx, c.queueName, raw).Err(); err != nil {
		c.logger.Error("failed to requeue event, event lost",
			slog.String("error", err.Error()),
			slog.String("data", raw),
		)
	}
}

// Close closes the Redis connection
func (c *redisClient) Close() error {
	c.logger.Info("closing Redis connection")
	return c.client.Close()
}

// Health checks if Redis is healthy
func (c *redisClient) Health(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

