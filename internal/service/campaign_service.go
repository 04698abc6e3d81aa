package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Raymond9734/campaign-dispatch/internal/models"
	"github.com/Raymond9734/campaign-dispatch/internal/repository"
)

// CampaignService handles campaign business logic and owns the status
// state machine
type CampaignService interface {
	Create(ctx context.Context, req *CreateCampaignRequest) (*models.Campaign, error)
	GetByID(ctx context.Context, id string) (*models.Campaign, error)
	List(ctx context.Context, filter models.CampaignFilter) (*CampaignListResult, error)
	Update(ctx context.Context, id string, req *UpdateCampaignRequest) (*models.Campaign, error)
	Delete(ctx context.Context, id string) error
	Duplicate(ctx context.Context, id string) (*models.Campaign, error)

	StartSend(ctx context.Context, id string) (*models.Campaign, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, reason string) error

	GetAnalytics(ctx context.Context, id string) (*models.CampaignAnalytics, error)
	Preview(ctx context.Context, id string, req *PreviewRequest) (*PreviewResult, error)
}

type campaignService struct {
	campaignRepo repository.CampaignRepository
	segments     SegmentResolver
	snapshots    SnapshotService
	templateSvc  TemplateService
	logger       *slog.Logger
}

// NewCampaignService creates a new campaign service
func NewCampaignService(
	campaignRepo repository.CampaignRepository,
	segments SegmentResolver,
	snapshots SnapshotService,
	templateSvc TemplateService,
	logger *slog.Logger,
) CampaignService {
	return &campaignService{
		campaignRepo: campaignRepo,
		segments:     segments,
		snapshots:    snapshots,
		templateSvc:  templateSvc,
		logger:       logger,
	}
}

// Create creates a new draft campaign
func (s *campaignService) Create(ctx context.Context, req *CreateCampaignRequest) (*models.Campaign, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	campaign := &models.Campaign{
		ID:         uuid.NewString(),
		Name:       req.Name,
		Subject:    req.Subject,
		Preheader:  req.Preheader,
		Template:   models.TemplateKind(req.Template),
		Segment:    req.Segment,
		ContentIDs: req.ContentIDs,
		BodyHTML:   req.BodyHTML,
		Status:     models.CampaignStatusDraft,
	}
	if campaign.ContentIDs == nil {
		campaign.ContentIDs = []string{}
	}

	if err := s.validateDraft(campaign); err != nil {
		return nil, err
	}

	if err := s.campaignRepo.Create(ctx, campaign); err != nil {
		s.logger.Error("failed to create campaign",
			slog.String("error", err.Error()),
			slog.String("name", req.Name),
		)
		return nil, fmt.Errorf("failed to create campaign: %w", err)
	}

	s.logger.Info("campaign created",
		slog.String("campaign_id", campaign.ID),
		slog.String("name", campaign.Name),
		slog.String("template", string(campaign.Template)),
		slog.String("segment", campaign.Segment),
	)

	return campaign, nil
}

// GetByID retrieves a campaign
func (s *campaignService) GetByID(ctx context.Context, id string) (*models.Campaign, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	return s.campaignRepo.GetByID(ctx, id)
}

// List retrieves campaigns with pagination
func (s *campaignService) List(ctx context.Context, filter models.CampaignFilter) (*CampaignListResult, error) {
	if filter.Status != "" && !models.IsValidCampaignStatus(filter.Status) {
		return nil, models.ErrInvalidInput(fmt.Sprintf("invalid status filter: %q", filter.Status))
	}

	campaigns, totalCount, err := s.campaignRepo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}

	models.ValidateAndSetDefaults(&filter.Page, &filter.PageSize)

	return &CampaignListResult{
		Data:       campaigns,
		Pagination: models.NewPaginationResult(filter.Page, filter.PageSize, totalCount),
	}, nil
}

// Update edits a draft. Any other status is an invalid transition.
func (s *campaignService) Update(ctx context.Context, id string, req *UpdateCampaignRequest) (*models.Campaign, error) {
	campaign, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if campaign.Status != models.CampaignStatusDraft {
		return nil, models.ErrInvalidTransitionWithMsg(
			fmt.Sprintf("campaign with status '%s' can no longer be edited", campaign.Status),
		)
	}

	req.Apply(campaign)
	if err := s.validateDraft(campaign); err != nil {
		return nil, err
	}

	if err := s.campaignRepo.UpdateDraft(ctx, campaign); err != nil {
		return nil, err
	}

	s.logger.Info("campaign updated", slog.String("campaign_id", id))

	return campaign, nil
}

// Delete removes a draft
func (s *campaignService) Delete(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	if err := s.campaignRepo.Delete(ctx, id); err != nil {
		return err
	}

	s.logger.Info("campaign deleted", slog.String("campaign_id", id))
	return nil
}

// Duplicate creates a new draft from another campaign's inputs. This is how
// a finished campaign is sent again.
func (s *campaignService) Duplicate(ctx context.Context, id string) (*models.Campaign, error) {
	source, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	copyReq := &CreateCampaignRequest{
		Name:       source.Name + " (copy)",
		Subject:    source.Subject,
		Preheader:  source.Preheader,
		Template:   string(source.Template),
		Segment:    source.Segment,
		ContentIDs: append([]string(nil), source.ContentIDs...),
		BodyHTML:   source.BodyHTML,
	}

	dup, err := s.Create(ctx, copyReq)
	if err != nil {
		return nil, err
	}

	s.logger.Info("campaign duplicated",
		slog.String("source_campaign_id", source.ID),
		slog.String("campaign_id", dup.ID),
	)

	return dup, nil
}

// StartSend freezes the snapshot and moves a draft to sending. The snapshot,
// status, started_at and cleared cursors are written together; if another
// request wins the race this one gets an invalid transition, and if the draft
// was edited while the snapshot was built it gets a conflict.
func (s *campaignService) StartSend(ctx context.Context, id string) (*models.Campaign, error) {
	campaign, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !campaign.Status.CanTransitionTo(models.CampaignStatusSending) {
		return nil, models.ErrInvalidTransitionWithMsg(
			fmt.Sprintf("campaign with status '%s' cannot be sent", campaign.Status),
		)
	}

	if err := campaign.ValidateTemplateContent(); err != nil {
		return nil, err
	}

	if _, err := s.segments.Resolve(campaign.Segment); err != nil {
		return nil, err
	}

	snapshot, err := s.snapshots.Build(ctx, campaign)
	if err != nil {
		s.logger.Warn("snapshot rejected",
			slog.String("campaign_id", id),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	startedAt := time.Now().UTC()
	if err := s.campaignRepo.BeginSending(ctx, id, campaign.UpdatedAt, snapshot, startedAt); err != nil {
		return nil, err
	}

	s.logger.Info("campaign sending started",
		slog.String("campaign_id", id),
		slog.String("segment", campaign.Segment),
		slog.Int("content_items", len(snapshot.ContentIDs)),
	)

	return s.campaignRepo.GetByID(ctx, id)
}

// MarkCompleted moves a sending campaign to completed
func (s *campaignService) MarkCompleted(ctx context.Context, id string) error {
	if err := s.campaignRepo.MarkCompleted(ctx, id, "", time.Now().UTC()); err != nil {
		return err
	}

	s.logger.Info("campaign completed", slog.String("campaign_id", id))
	return nil
}

// MarkFailed moves a sending campaign to failed, keeping its cursors
func (s *campaignService) MarkFailed(ctx context.Context, id string, reason string) error {
	if err := s.campaignRepo.MarkFailed(ctx, id, "", reason); err != nil {
		return err
	}

	s.logger.Error("campaign failed",
		slog.String("campaign_id", id),
		slog.String("reason", reason),
	)
	return nil
}

// GetAnalytics returns counters and derived rates
func (s *campaignService) GetAnalytics(ctx context.Context, id string) (*models.CampaignAnalytics, error) {
	campaign, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return models.NewCampaignAnalytics(campaign), nil
}

// Preview renders the campaign for a sample recipient. Drafts are rendered
// from a throwaway snapshot; anything else uses the frozen one.
func (s *campaignService) Preview(ctx context.Context, id string, req *PreviewRequest) (*PreviewResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	campaign, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	fromSnapshot := campaign.Snapshot != nil
	if !fromSnapshot {
		snapshot, err := s.snapshots.Build(ctx, campaign)
		if err != nil {
			return nil, err
		}
		campaign.Snapshot = snapshot
	}

	message, err := s.templateSvc.RenderForRecipient(campaign, req.Recipient())
	if err != nil {
		return nil, fmt.Errorf("failed to render preview: %w", err)
	}

	return &PreviewResult{
		FromSnapshot: fromSnapshot,
		Message:      message,
	}, nil
}

// validateDraft checks inputs that can be verified before sending starts
func (s *campaignService) validateDraft(campaign *models.Campaign) error {
	if err := campaign.ValidateInputs(); err != nil {
		return err
	}
	if _, err := s.segments.Resolve(campaign.Segment); err != nil {
		return err
	}
	if campaign.Template == models.TemplateCustom && campaign.BodyHTML != "" {
		if err := s.templateSvc.ValidateTemplate(campaign.BodyHTML); err != nil {
			return err
		}
	}
	return nil
}

func validateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return models.ErrNotFoundWithMsg(fmt.Sprintf("campaign %s not found", id))
	}
	return nil
}
