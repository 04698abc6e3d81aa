package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Raymond9734/campaign-dispatch/internal/models"
	"github.com/Raymond9734/campaign-dispatch/internal/queue"
	"github.com/Raymond9734/campaign-dispatch/internal/service"
)

// EventConsumer applies delivery events from the queue to campaign stats
type EventConsumer struct {
	queue       queue.Client
	stats       service.StatsService
	concurrency int
	logger      *slog.Logger
}

// NewEventConsumer creates a new event consumer
func NewEventConsumer(q queue.Client, stats service.StatsService, concurrency int, logger *slog.Logger) *EventConsumer {
	return &EventConsumer{
		queue:       q,
		stats:       stats,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run consumes until ctx is cancelled
func (c *EventConsumer) Run(ctx context.Context) error {
	return c.queue.Consume(ctx, c.Handle, c.concurrency)
}

// Handle records one event. Events that can never apply are logged and
// dropped; storage errors are retried a few times before giving up.
func (c *EventConsumer) Handle(ctx context.Context, event *models.DeliveryEvent) error {
	event.Normalize()
	if err := event.Validate(); err != nil {
		c.logger.Warn("dropping invalid delivery event",
			slog.String("campaign_id", event.CampaignID),
			slog.String("event", string(event.Event)),
			slog.String("error", err.Error()),
		)
		return nil
	}

	op := func() (struct{}, error) {
		err := c.stats.RecordEvent(ctx, event.CampaignID, event.Event, event.Delta)
		var appErr *models.AppError
		if errors.As(err, &appErr) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	_, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(3))

	var appErr *models.AppError
	if errors.As(err, &appErr) {
		c.logger.Warn("dropping delivery event",
			slog.String("campaign_id", event.CampaignID),
			slog.String("event", string(event.Event)),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if err != nil {
		return err
	}

	c.logger.Debug("delivery event recorded",
		slog.String("campaign_id", event.CampaignID),
		slog.String("event", string(event.Event)),
		slog.Int64("delta", event.Delta),
	)
	return nil
}
