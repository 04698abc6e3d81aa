package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Raymond9734/campaign-dispatch/internal/models"
	"github.com/Raymond9734/campaign-dispatch/internal/queue"
	"github.com/Raymond9734/campaign-dispatch/internal/service"
)

// flakyStats fails the first failures calls with a storage error
type flakyStats struct {
	service.StatsService
	failures int
	calls    int
}

func (s *flakyStats) RecordEvent(ctx context.Context, campaignID string, kind models.EventKind, delta int64) error {
	s.calls++
	if s.calls <= s.failures {
		return errors.New("connection refused")
	}
	return s.StatsService.RecordEvent(ctx, campaignID, kind, delta)
}

// sliceQueue replays a fixed list of events to the handler
type sliceQueue struct {
	queue.Client
	events []*models.DeliveryEvent
}

func (q *sliceQueue) Consume(ctx context.Context, handler queue.EventHandler, _ int) error {
	for _, ev := range q.events {
		if err := handler(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func TestEventConsumer_AppliesEvents(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, service.SegmentSubscribers)
	stats := service.NewStatsService(fx.store, discardLogger())

	q := &sliceQueue{events: []*models.DeliveryEvent{
		{CampaignID: fx.campaignID, Event: models.EventOpened},
		{CampaignID: fx.campaignID, Event: models.EventOpened, Delta: 2},
		{CampaignID: fx.campaignID, Event: models.EventClicked},
		{CampaignID: fx.campaignID, Event: "delivered"},
		{CampaignID: uuid.NewString(), Event: models.EventBounced},
		{CampaignID: "not-a-uuid", Event: models.EventBounced},
		{CampaignID: fx.campaignID, Event: models.EventComplained, Delta: -1},
	}}

	consumer := NewEventConsumer(q, stats, 1, discardLogger())
	require.NoError(t, consumer.Run(ctx))

	c := fx.campaign(t)
	assert.Equal(t, models.CampaignStats{Opened: 3, Clicked: 1}, c.Stats)
}

func TestEventConsumer_CountsAfterCompletion(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, service.SegmentSubscribers)
	require.NoError(t, fx.campaigns.MarkCompleted(ctx, fx.campaignID))

	consumer := NewEventConsumer(nil, service.NewStatsService(fx.store, discardLogger()), 1, discardLogger())
	require.NoError(t, consumer.Handle(ctx, &models.DeliveryEvent{CampaignID: fx.campaignID, Event: models.EventOpened}))

	c := fx.campaign(t)
	assert.Equal(t, models.CampaignStatusCompleted, c.Status)
	assert.Equal(t, models.CampaignStats{Opened: 1}, c.Stats)
}

func TestEventConsumer_RetriesStorageErrors(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, service.SegmentSubscribers)

	t.Run("recovers", func(t *testing.T) {
		stats := &flakyStats{StatsService: service.NewStatsService(fx.store, discardLogger()), failures: 2}
		consumer := NewEventConsumer(nil, stats, 1, discardLogger())

		require.NoError(t, consumer.Handle(ctx, &models.DeliveryEvent{CampaignID: fx.campaignID, Event: models.EventUnsubscribed}))
		assert.Equal(t, 3, stats.calls)
		assert.Equal(t, int64(1), fx.campaign(t).Stats.Unsubscribed)
	})

	t.Run("gives up", func(t *testing.T) {
		stats := &flakyStats{StatsService: service.NewStatsService(fx.store, discardLogger()), failures: 10}
		consumer := NewEventConsumer(nil, stats, 1, discardLogger())

		err := consumer.Handle(ctx, &models.DeliveryEvent{CampaignID: fx.campaignID, Event: models.EventUnsubscribed})
		assert.Error(t, err)
		assert.Equal(t, 3, stats.calls)
	})
}
