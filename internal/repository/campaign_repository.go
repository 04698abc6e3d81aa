package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/Raymond9734/campaign-dispatch/internal/models"
)

// CampaignRepository defines the interface for campaign data access.
//
// Every state-changing method is a single conditional UPDATE, so callers
// racing on the same campaign see exactly one winner.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *models.Campaign) error
	GetByID(ctx context.Context, id string) (*models.Campaign, error)
	List(ctx context.Context, filter models.CampaignFilter) ([]*models.Campaign, int64, error)
	UpdateDraft(ctx context.Context, campaign *models.Campaign) error
	Delete(ctx context.Context, id string) error

	// BeginSending writes the snapshot and moves a draft to sending. The
	// draft must still carry draftUpdatedAt, the version the snapshot was
	// built from; an edit in between is reported as models.ErrConflict.
	BeginSending(ctx context.Context, id string, draftUpdatedAt time.Time, snapshot *models.Snapshot, startedAt time.Time) error
	// MarkCompleted and MarkFailed end a sending campaign. A non-empty
	// workerID must still hold the claim, otherwise models.ErrClaimLost is
	// returned.
	MarkCompleted(ctx context.Context, id, workerID string, completedAt time.Time) error
	MarkFailed(ctx context.Context, id, workerID, reason string) error

	// Claim takes the dispatch lease of a sending campaign whose lease is
	// free or expired at now. It reports false when another worker holds it.
	Claim(ctx context.Context, id, workerID string, now, leaseUntil time.Time) (bool, error)
	// AdvanceCursor moves the cursor of one recipient phase forward and
	// renews the lease. It returns models.ErrClaimLost when the caller no
	// longer owns a sending campaign.
	AdvanceCursor(ctx context.Context, id, workerID string, kind models.RecipientKind, cursor int64, leaseUntil time.Time) error
	RenewLease(ctx context.Context, id, workerID string, leaseUntil time.Time) error
	ListClaimable(ctx context.Context, now time.Time, limit int) ([]*models.Campaign, error)

	IncrementStat(ctx context.Context, id string, kind models.EventKind, delta int64) error
}

// campaignRepository implements CampaignRepository using PostgreSQL
type campaignRepository struct {
	db *sql.DB
}

// NewCampaignRepository creates a new campaign repository
func NewCampaignRepository(db *sql.DB) CampaignRepository {
	return &campaignRepository{db: db}
}

const campaignColumns = `
	id, name, subject, preheader, template, segment, content_ids, body_html,
	snapshot_html, snapshot_text, snapshot_meta, snapshot_content_ids,
	status, last_processed_id, last_processed_user_id, started_at, completed_at,
	failure_reason, claimed_by, lease_until,
	sent_count, opened_count, clicked_count, bounced_count, unsubscribed_count,
	complained_count, failed_count,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner) (*models.Campaign, error) {
	var (
		c            models.Campaign
		snapHTML     sql.NullString
		snapText     sql.NullString
		snapMeta     models.SnapshotMeta
		snapContents []string
	)

	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Subject,
		&c.Preheader,
		&c.Template,
		&c.Segment,
		pq.Array(&c.ContentIDs),
		&c.BodyHTML,
		&snapHTML,
		&snapText,
		&snapMeta,
		pq.Array(&snapContents),
		&c.Status,
		&c.LastProcessedID,
		&c.LastProcessedUserID,
		&c.StartedAt,
		&c.CompletedAt,
		&c.FailureReason,
		&c.ClaimedBy,
		&c.LeaseUntil,
		&c.Stats.Sent,
		&c.Stats.Opened,
		&c.Stats.Clicked,
		&c.Stats.Bounced,
		&c.Stats.Unsubscribed,
		&c.Stats.Complained,
		&c.Stats.Failed,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if snapHTML.Valid {
		c.Snapshot = &models.Snapshot{
			HTML:       snapHTML.String,
			Text:       snapText.String,
			Meta:       snapMeta,
			ContentIDs: snapContents,
		}
	}

	return &c, nil
}

// Create inserts a new draft campaign
func (r *campaignRepository) Create(ctx context.Context, campaign *models.Campaign) error {
	query := `
		INSERT INTO campaigns (id, name, subject, preheader, template, segment, content_ids, body_html, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`

	err := r.db.QueryRowContext(
		ctx,
		query,
		campaign.ID,
		campaign.Name,
		campaign.Subject,
		campaign.Preheader,
		campaign.Template,
		campaign.Segment,
		pq.Array(campaign.ContentIDs),
		campaign.BodyHTML,
		campaign.Status,
	).Scan(&campaign.CreatedAt, &campaign.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}

	return nil
}

// GetByID retrieves a campaign by ID
func (r *campaignRepository) GetByID(ctx context.Context, id string) (*models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	campaign, err := scanCampaign(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("campaign %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}

	return campaign, nil
}

// List retrieves campaigns with pagination and filtering
func (r *campaignRepository) List(ctx context.Context, filter models.CampaignFilter) ([]*models.Campaign, int64, error) {
	models.ValidateAndSetDefaults(&filter.Page, &filter.PageSize)

	where := ` WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if filter.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, filter.Status)
		argPos++
	}

	if filter.Segment != "" {
		where += fmt.Sprintf(" AND segment = $%d", argPos)
		args = append(args, filter.Segment)
		argPos++
	}

	var totalCount int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&totalCount)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count campaigns: %w", err)
	}

	offset := models.CalculateOffset(filter.Page, filter.PageSize)
	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, filter.PageSize, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	campaigns := []*models.Campaign{}
	for rows.Next() {
		campaign, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan campaign: %w", err)
		}
		campaigns = append(campaigns, campaign)
	}

	if err = rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating campaigns: %w", err)
	}

	return campaigns, totalCount, nil
}

// UpdateDraft overwrites the editorial inputs of a draft campaign
func (r *campaignRepository) UpdateDraft(ctx context.Context, campaign *models.Campaign) error {
	query := `
		UPDATE campaigns
		SET name = $2, subject = $3, preheader = $4, template = $5, segment = $6,
		    content_ids = $7, body_html = $8, updated_at = NOW()
		WHERE id = $1 AND status = 'draft'
		RETURNING updated_at`

	err := r.db.QueryRowContext(
		ctx,
		query,
		campaign.ID,
		campaign.Name,
		campaign.Subject,
		campaign.Preheader,
		campaign.Template,
		campaign.Segment,
		pq.Array(campaign.ContentIDs),
		campaign.BodyHTML,
	).Scan(&campaign.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return r.transitionError(ctx, campaign.ID, "edit")
	}
	if err != nil {
		return fmt.Errorf("failed to update campaign: %w", err)
	}

	return nil
}

// Delete removes a draft campaign
func (r *campaignRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM campaigns WHERE id = $1 AND status = 'draft'`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete campaign: %w", err)
	}

	return r.requireRow(ctx, result, id, "delete")
}

// BeginSending stores the snapshot, sets started_at and clears both cursors
// in the same statement that leaves draft
func (r *campaignRepository) BeginSending(ctx context.Context, id string, draftUpdatedAt time.Time, snapshot *models.Snapshot, startedAt time.Time) error {
	query := `
		UPDATE campaigns
		SET status = 'sending',
		    snapshot_html = $2, snapshot_text = $3, snapshot_meta = $4, snapshot_content_ids = $5,
		    started_at = $6, last_processed_id = NULL, last_processed_user_id = NULL,
		    claimed_by = NULL, lease_until = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'draft' AND snapshot_html IS NULL AND updated_at = $7`

	result, err := r.db.ExecContext(
		ctx,
		query,
		id,
		snapshot.HTML,
		snapshot.Text,
		snapshot.Meta,
		pq.Array(snapshot.ContentIDs),
		startedAt,
		draftUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to begin sending: %w", err)
	}

	err = r.requireRow(ctx, result, id, "start sending")
	if isStatus(err, models.CampaignStatusDraft) {
		return models.ErrConflictWithMsg(fmt.Sprintf("campaign %s was edited while sending started", id))
	}
	return err
}

// MarkCompleted moves a sending campaign to completed and releases its claim
func (r *campaignRepository) MarkCompleted(ctx context.Context, id, workerID string, completedAt time.Time) error {
	query := `
		UPDATE campaigns
		SET status = 'completed', completed_at = $2, claimed_by = NULL, lease_until = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
		  AND ($3 = '' OR claimed_by IS NULL OR claimed_by = $3)`

	result, err := r.db.ExecContext(ctx, query, id, completedAt, workerID)
	if err != nil {
		return fmt.Errorf("failed to mark campaign completed: %w", err)
	}

	return r.requireEnd(ctx, result, id, workerID, "complete")
}

// MarkFailed moves a sending campaign to failed. Cursors are left untouched.
func (r *campaignRepository) MarkFailed(ctx context.Context, id, workerID, reason string) error {
	query := `
		UPDATE campaigns
		SET status = 'failed', failure_reason = $2, claimed_by = NULL, lease_until = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
		  AND ($3 = '' OR claimed_by IS NULL OR claimed_by = $3)`

	result, err := r.db.ExecContext(ctx, query, id, reason, workerID)
	if err != nil {
		return fmt.Errorf("failed to mark campaign failed: %w", err)
	}

	return r.requireEnd(ctx, result, id, workerID, "fail")
}

// Claim takes the dispatch lease
func (r *campaignRepository) Claim(ctx context.Context, id, workerID string, now, leaseUntil time.Time) (bool, error) {
	query := `
		UPDATE campaigns
		SET claimed_by = $2, lease_until = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
		  AND (claimed_by IS NULL OR lease_until IS NULL OR lease_until < $3)`

	result, err := r.db.ExecContext(ctx, query, id, workerID, now, leaseUntil)
	if err != nil {
		return false, fmt.Errorf("failed to claim campaign: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

// AdvanceCursor persists the last processed id of a phase. GREATEST keeps
// the cursor from moving backwards.
func (r *campaignRepository) AdvanceCursor(ctx context.Context, id, workerID string, kind models.RecipientKind, cursor int64, leaseUntil time.Time) error {
	column, err := cursorColumn(kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE campaigns
		SET %[1]s = GREATEST(COALESCE(%[1]s, 0), $3), lease_until = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'sending' AND claimed_by = $2`, column)

	result, err := r.db.ExecContext(ctx, query, id, workerID, cursor, leaseUntil)
	if err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}

	return requireClaim(result)
}

// RenewLease extends the lease held by workerID
func (r *campaignRepository) RenewLease(ctx context.Context, id, workerID string, leaseUntil time.Time) error {
	query := `
		UPDATE campaigns
		SET lease_until = $3
		WHERE id = $1 AND status = 'sending' AND claimed_by = $2`

	result, err := r.db.ExecContext(ctx, query, id, workerID, leaseUntil)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}

	return requireClaim(result)
}

// ListClaimable returns sending campaigns without a live lease, oldest
// started first
func (r *campaignRepository) ListClaimable(ctx context.Context, now time.Time, limit int) ([]*models.Campaign, error) {
	query := `SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE status = 'sending'
		  AND (claimed_by IS NULL OR lease_until IS NULL OR lease_until < $1)
		ORDER BY started_at ASC, id ASC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list claimable campaigns: %w", err)
	}
	defer rows.Close()

	campaigns := []*models.Campaign{}
	for rows.Next() {
		campaign, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		campaigns = append(campaigns, campaign)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating campaigns: %w", err)
	}

	return campaigns, nil
}

// IncrementStat adds delta to one counter. There is no status guard: events
// arriving after completion still count.
func (r *campaignRepository) IncrementStat(ctx context.Context, id string, kind models.EventKind, delta int64) error {
	column, ok := kind.Column()
	if !ok {
		return models.ErrInvalidInput(fmt.Sprintf("invalid event: %q", kind))
	}
	if delta <= 0 {
		return models.ErrInvalidInput("delta must be positive")
	}

	query := fmt.Sprintf(`UPDATE campaigns SET %[1]s = %[1]s + $2 WHERE id = $1`, column)

	result, err := r.db.ExecContext(ctx, query, id, delta)
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", column, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return models.ErrNotFoundWithMsg(fmt.Sprintf("campaign %s not found", id))
	}

	return nil
}

func cursorColumn(kind models.RecipientKind) (string, error) {
	switch kind {
	case models.RecipientSubscriber:
		return "last_processed_id", nil
	case models.RecipientUser:
		return "last_processed_user_id", nil
	default:
		return "", fmt.Errorf("unknown recipient kind %q", kind)
	}
}

func requireClaim(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return models.ErrClaimLost
	}
	return nil
}

// requireRow turns a conditional update that matched nothing into either
// not found or an invalid transition
func (r *campaignRepository) requireRow(ctx context.Context, result sql.Result, id, action string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return r.transitionError(ctx, id, action)
	}

	return nil
}

// requireEnd reports a terminal update that matched nothing. A campaign
// still sending means the caller's claim is gone.
func (r *campaignRepository) requireEnd(ctx context.Context, result sql.Result, id, workerID, action string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	err = r.transitionError(ctx, id, action)
	if workerID != "" && isStatus(err, models.CampaignStatusSending) {
		return models.ErrClaimLost
	}
	return err
}

func (r *campaignRepository) transitionError(ctx context.Context, id, action string) error {
	var status models.CampaignStatus
	err := r.db.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFoundWithMsg(fmt.Sprintf("campaign %s not found", id))
	}
	if err != nil {
		return fmt.Errorf("failed to read campaign status: %w", err)
	}

	return &statusError{
		status: status,
		err:    models.ErrInvalidTransitionWithMsg(fmt.Sprintf("cannot %s campaign %s in status %s", action, id, status)),
	}
}

// statusError is an invalid transition that remembers the status it found
type statusError struct {
	status models.CampaignStatus
	err    error
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }

func isStatus(err error, status models.CampaignStatus) bool {
	var se *statusError
	return errors.As(err, &se) && se.status == status
}
