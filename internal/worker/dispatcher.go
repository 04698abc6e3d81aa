package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Raymond9734/campaign-dispatch/internal/logging"
	"github.com/Raymond9734/campaign-dispatch/internal/models"
	"github.com/Raymond9734/campaign-dispatch/internal/repository"
	"github.com/Raymond9734/campaign-dispatch/internal/service"
)

// DispatcherConfig tunes the dispatch loop
type DispatcherConfig struct {
	WorkerID             string
	BatchSize            int
	Concurrency          int
	SendTimeout          time.Duration
	Retries              uint
	RetryInitialInterval time.Duration
	LeaseTTL             time.Duration
	SendRatePerSecond    float64
	SendRateBurst        int

	// MaxFailureRate fails the campaign once failed/attempted exceeds it.
	// Zero disables the check.
	MaxFailureRate       float64
	FailureRateMinSample int64
}

// Dispatcher delivers a claimed campaign page by page, persisting the
// cursor after every page
type Dispatcher struct {
	campaigns repository.CampaignRepository
	segments  service.SegmentResolver
	templates service.TemplateService
	stats     service.StatsService
	transport Transport
	limiter   *rate.Limiter
	cfg       DispatcherConfig
	logger    *slog.Logger

	// Now is the clock used for lease deadlines
	Now func() time.Time
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(
	campaigns repository.CampaignRepository,
	segments service.SegmentResolver,
	templates service.TemplateService,
	stats service.StatsService,
	transport Transport,
	cfg DispatcherConfig,
	logger *slog.Logger,
) *Dispatcher {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = 500 * time.Millisecond
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}

	limit := rate.Inf
	if cfg.SendRatePerSecond > 0 {
		limit = rate.Limit(cfg.SendRatePerSecond)
	}
	burst := cfg.SendRateBurst
	if burst < 1 {
		burst = 1
	}

	return &Dispatcher{
		campaigns: campaigns,
		segments:  segments,
		templates: templates,
		stats:     stats,
		transport: transport,
		limiter:   rate.NewLimiter(limit, burst),
		cfg:       cfg,
		logger:    logger,
		Now:       time.Now,
	}
}

// runTally counts sends attempted by one Run call
type runTally struct {
	attempted atomic.Int64
	failed    atomic.Int64
}

// Run drives a campaign the caller has claimed until it completes, fails,
// the claim is lost or ctx is cancelled. Cancellation takes effect between
// pages; the page in flight is finished and its cursor persisted first.
func (d *Dispatcher) Run(ctx context.Context, campaignID string) error {
	campaign, err := d.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("failed to load campaign: %w", err)
	}

	if campaign.Status != models.CampaignStatusSending {
		d.logger.Info("campaign no longer sending, skipping",
			slog.String("campaign_id", campaignID),
			slog.String("status", string(campaign.Status)),
		)
		return nil
	}

	if campaign.Snapshot == nil {
		return d.fail(ctx, campaignID, "campaign has no snapshot")
	}

	segment, err := d.segments.Resolve(campaign.Segment)
	if err != nil {
		return d.fail(ctx, campaignID, fmt.Sprintf("segment %q cannot be resolved", campaign.Segment))
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go d.heartbeat(runCtx, cancel, campaignID)

	d.logger.Info("dispatch started",
		slog.String("campaign_id", campaignID),
		slog.String("worker_id", d.cfg.WorkerID),
		slog.String("segment", segment.Name),
		slog.Int64("subscriber_cursor", campaign.CursorFor(models.RecipientSubscriber)),
		slog.Int64("user_cursor", campaign.CursorFor(models.RecipientUser)),
	)

	tally := &runTally{}
	for _, kind := range segment.Sources {
		if err := d.runPhase(runCtx, campaign, segment, kind, tally); err != nil {
			if cause := context.Cause(runCtx); errors.Is(cause, models.ErrClaimLost) {
				err = cause
			}
			return d.stop(ctx, campaignID, err)
		}
	}

	if err := d.campaigns.MarkCompleted(context.WithoutCancel(ctx), campaignID, d.cfg.WorkerID, d.Now().UTC()); err != nil {
		return fmt.Errorf("failed to mark campaign completed: %w", err)
	}

	d.logger.Info("campaign completed",
		slog.String("campaign_id", campaignID),
		slog.Int64("attempted", tally.attempted.Load()),
		slog.Int64("failed", tally.failed.Load()),
	)

	return nil
}

// runPhase pages through one recipient kind starting after its persisted
// cursor. An empty page ends the phase.
func (d *Dispatcher) runPhase(ctx context.Context, campaign *models.Campaign, segment models.Segment, kind models.RecipientKind, tally *runTally) error {
	cursor := campaign.CursorFor(kind)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := d.fetchPage(ctx, segment, kind, cursor)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			d.logger.Info("phase finished",
				slog.String("campaign_id", campaign.ID),
				slog.String("kind", string(kind)),
				slog.Int64("cursor", cursor),
			)
			return nil
		}

		d.sendPage(ctx, campaign, page, tally)

		last := page[len(page)-1].ID
		if err := d.advance(ctx, campaign.ID, kind, last); err != nil {
			return err
		}
		cursor = last

		d.logger.Debug("page dispatched",
			slog.String("campaign_id", campaign.ID),
			slog.String("kind", string(kind)),
			slog.Int("size", len(page)),
			slog.Int64("cursor", cursor),
		)

		if reason, exceeded := d.failureRateExceeded(tally); exceeded {
			return &policyError{reason: reason}
		}
	}
}

// fetchPage reads the next page, retrying with exponential backoff
func (d *Dispatcher) fetchPage(ctx context.Context, segment models.Segment, kind models.RecipientKind, afterID int64) ([]models.Recipient, error) {
	op := func() ([]models.Recipient, error) {
		page, err := d.segments.Page(ctx, segment, kind, afterID, d.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			d.logger.Warn("segment page fetch failed",
				slog.String("segment", segment.Name),
				slog.Int64("after_id", afterID),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
		return page, nil
	}

	return backoff.Retry(ctx, op, d.retryOptions()...)
}

// sendPage delivers every recipient of the page on a bounded pool and
// returns once all sends have finished. Sends are detached from ctx so a
// shutdown never leaves a page half delivered.
func (d *Dispatcher) sendPage(ctx context.Context, campaign *models.Campaign, page []models.Recipient, tally *runTally) {
	sendCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)

	for _, recipient := range page {
		g.Go(func() error {
			d.deliver(sendCtx, campaign, recipient, tally)
			return nil
		})
	}

	_ = g.Wait()
}

// deliver renders and sends to one recipient and records the outcome.
// Failures are counted, never returned.
func (d *Dispatcher) deliver(ctx context.Context, campaign *models.Campaign, recipient models.Recipient, tally *runTally) {
	tally.attempted.Add(1)

	err := d.send(ctx, campaign, recipient)
	outcome := models.EventSent
	if err != nil {
		tally.failed.Add(1)
		outcome = models.EventFailed
		d.logger.Warn("delivery failed",
			slog.String("campaign_id", campaign.ID),
			slog.Int64("recipient_id", recipient.ID),
			slog.String("recipient_kind", string(recipient.Kind)),
			slog.String("to", logging.RedactEmail(recipient.Address)),
			slog.String("error", err.Error()),
		)
	}

	if err := d.stats.RecordEvent(ctx, campaign.ID, outcome, 1); err != nil {
		d.logger.Error("failed to record delivery outcome",
			slog.String("campaign_id", campaign.ID),
			slog.Int64("recipient_id", recipient.ID),
			slog.String("event", string(outcome)),
			slog.String("error", err.Error()),
		)
	}
}

func (d *Dispatcher) send(ctx context.Context, campaign *models.Campaign, recipient models.Recipient) error {
	msg, err := d.templates.RenderForRecipient(campaign, recipient)
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	if _, err := d.transport.Send(sendCtx, msg); err != nil {
		return err
	}
	return nil
}

// advance persists the cursor and renews the lease. Losing the claim is
// not retried.
func (d *Dispatcher) advance(ctx context.Context, campaignID string, kind models.RecipientKind, cursor int64) error {
	writeCtx := context.WithoutCancel(ctx)

	op := func() (struct{}, error) {
		err := d.campaigns.AdvanceCursor(writeCtx, campaignID, d.cfg.WorkerID, kind, cursor, d.leaseUntil())
		if errors.Is(err, models.ErrClaimLost) {
			return struct{}{}, backoff.Permanent(err)
		}
		if err != nil {
			d.logger.Warn("cursor write failed",
				slog.String("campaign_id", campaignID),
				slog.Int64("cursor", cursor),
				slog.String("error", err.Error()),
			)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(writeCtx, op, d.retryOptions()...)
	return err
}

// heartbeat renews the lease while a page is in flight. Losing the claim
// cancels the run.
func (d *Dispatcher) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, campaignID string) {
	ticker := time.NewTicker(d.cfg.LeaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := d.campaigns.RenewLease(ctx, campaignID, d.cfg.WorkerID, d.leaseUntil())
			switch {
			case errors.Is(err, models.ErrClaimLost):
				cancel(models.ErrClaimLost)
				return
			case err != nil && ctx.Err() == nil:
				d.logger.Warn("lease renewal failed",
					slog.String("campaign_id", campaignID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// stop classifies why a run ended early
func (d *Dispatcher) stop(ctx context.Context, campaignID string, err error) error {
	var policy *policyError
	switch {
	case errors.Is(err, models.ErrClaimLost):
		d.logger.Warn("claim lost, stopping dispatch",
			slog.String("campaign_id", campaignID),
			slog.String("worker_id", d.cfg.WorkerID),
		)
		return err
	case ctx.Err() != nil:
		d.logger.Info("dispatch interrupted, campaign left for resume",
			slog.String("campaign_id", campaignID),
		)
		return ctx.Err()
	case errors.As(err, &policy):
		return d.fail(ctx, campaignID, policy.reason)
	default:
		return d.fail(ctx, campaignID, err.Error())
	}
}

// fail marks the campaign failed, keeping its cursors. The transition is
// best effort; when it cannot be written the campaign stays sending and is
// resumed later.
func (d *Dispatcher) fail(ctx context.Context, campaignID, reason string) error {
	if err := d.campaigns.MarkFailed(context.WithoutCancel(ctx), campaignID, d.cfg.WorkerID, reason); err != nil {
		d.logger.Error("failed to mark campaign failed",
			slog.String("campaign_id", campaignID),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("dispatch aborted (%s): %w", reason, err)
	}

	d.logger.Error("campaign failed",
		slog.String("campaign_id", campaignID),
		slog.String("reason", reason),
	)
	return fmt.Errorf("campaign failed: %s", reason)
}

func (d *Dispatcher) failureRateExceeded(tally *runTally) (string, bool) {
	if d.cfg.MaxFailureRate <= 0 {
		return "", false
	}
	attempted := tally.attempted.Load()
	if attempted == 0 || attempted < d.cfg.FailureRateMinSample {
		return "", false
	}
	failed := tally.failed.Load()
	ratio := float64(failed) / float64(attempted)
	if ratio <= d.cfg.MaxFailureRate {
		return "", false
	}
	return fmt.Sprintf("failure rate %.2f over %d sends exceeds %.2f", ratio, attempted, d.cfg.MaxFailureRate), true
}

func (d *Dispatcher) leaseUntil() time.Time {
	return d.Now().UTC().Add(d.cfg.LeaseTTL)
}

func (d *Dispatcher) retryOptions() []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.RetryInitialInterval
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(d.cfg.Retries),
	}
}

type policyError struct {
	reason string
}

func (e *policyError) Error() string {
	return e.reason
}
