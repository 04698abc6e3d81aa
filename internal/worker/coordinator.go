package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Raymond9734/campaign-dispatch/internal/models"
	"github.com/Raymond9734/campaign-dispatch/internal/repository"
)

// claimScanLimit bounds how many candidates one pass looks at
const claimScanLimit = 10

// Runner drives one claimed campaign
type Runner interface {
	Run(ctx context.Context, campaignID string) error
}

// Locker serializes coordinator passes across worker processes
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// CoordinatorConfig tunes the resume coordinator
type CoordinatorConfig struct {
	WorkerID           string
	Interval           time.Duration
	LeaseTTL           time.Duration
	MaxActiveCampaigns int
}

// Coordinator finds sending campaigns without a live claim and starts a
// dispatch loop for them, one claim per pass
type Coordinator struct {
	campaigns repository.CampaignRepository
	runner    Runner
	lock      Locker
	cfg       CoordinatorConfig
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup

	// Now is the clock used for claim deadlines
	Now func() time.Time
}

// NewCoordinator creates a new coordinator. lock may be nil when a single
// worker process is running.
func NewCoordinator(
	campaigns repository.CampaignRepository,
	runner Runner,
	lock Locker,
	cfg CoordinatorConfig,
	logger *slog.Logger,
) *Coordinator {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.MaxActiveCampaigns < 1 {
		cfg.MaxActiveCampaigns = 1
	}

	return &Coordinator{
		campaigns: campaigns,
		runner:    runner,
		lock:      lock,
		cfg:       cfg,
		logger:    logger,
		active:    make(map[string]struct{}),
		Now:       time.Now,
	}
}

// Start runs a pass immediately and then on every interval until ctx is
// cancelled, then waits for the running dispatch loops to stop
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info("resume coordinator started",
		slog.String("worker_id", c.cfg.WorkerID),
		slog.Duration("interval", c.cfg.Interval),
		slog.Int("max_active_campaigns", c.cfg.MaxActiveCampaigns),
	)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := c.Pass(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("coordinator pass failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			c.logger.Info("coordinator stopping, waiting for dispatch loops")
			c.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Pass claims at most one campaign, oldest started first, and starts its
// dispatch loop. It returns the claimed id, or "" when nothing was claimed.
func (c *Coordinator) Pass(ctx context.Context) (string, error) {
	if c.activeCount() >= c.cfg.MaxActiveCampaigns {
		return "", nil
	}

	if c.lock != nil {
		acquired, err := c.lock.Acquire(ctx)
		if err != nil {
			return "", err
		}
		if !acquired {
			c.logger.Debug("coordinator lock held elsewhere, skipping pass")
			return "", nil
		}
		defer func() {
			if err := c.lock.Release(context.WithoutCancel(ctx)); err != nil {
				c.logger.Warn("failed to release coordinator lock", slog.String("error", err.Error()))
			}
		}()
	}

	now := c.Now().UTC()
	candidates, err := c.campaigns.ListClaimable(ctx, now, claimScanLimit)
	if err != nil {
		return "", err
	}

	for _, campaign := range candidates {
		if c.isActive(campaign.ID) {
			continue
		}

		claimed, err := c.campaigns.Claim(ctx, campaign.ID, c.cfg.WorkerID, now, now.Add(c.cfg.LeaseTTL))
		if err != nil {
			return "", err
		}
		if !claimed {
			continue
		}

		c.launch(ctx, campaign.ID)
		return campaign.ID, nil
	}

	return "", nil
}

// Wait blocks until every dispatch loop started by this coordinator returns
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) launch(ctx context.Context, campaignID string) {
	c.mu.Lock()
	c.active[campaignID] = struct{}{}
	c.mu.Unlock()

	c.logger.Info("campaign claimed",
		slog.String("campaign_id", campaignID),
		slog.String("worker_id", c.cfg.WorkerID),
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.active, campaignID)
			c.mu.Unlock()
		}()

		err := c.runner.Run(ctx, campaignID)
		switch {
		case err == nil:
		case errors.Is(err, models.ErrClaimLost), errors.Is(err, context.Canceled):
			c.logger.Info("dispatch loop ended",
				slog.String("campaign_id", campaignID),
				slog.String("reason", err.Error()),
			)
		default:
			c.logger.Error("dispatch loop ended with error",
				slog.String("campaign_id", campaignID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (c *Coordinator) activeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

func (c *Coordinator) isActive(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[id]
	return ok
}
