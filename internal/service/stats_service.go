package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Raymond9734/campaign-dispatch/internal/models"
	"github.com/Raymond9734/campaign-dispatch/internal/repository"
)

// StatsService records delivery counters
type StatsService interface {
	RecordEvent(ctx context.Context, campaignID string, kind models.EventKind, delta int64) error
}

type statsService struct {
	campaignRepo repository.CampaignRepository
	logger       *slog.Logger
}

// NewStatsService creates a new stats service
func NewStatsService(campaignRepo repository.CampaignRepository, logger *slog.Logger) StatsService {
	return &statsService{
		campaignRepo: campaignRepo,
		logger:       logger,
	}
}

// RecordEvent adds delta to the counter for kind. The campaign's status is
// not checked, so provider events that arrive after completion still count.
func (s *statsService) RecordEvent(ctx context.Context, campaignID string, kind models.EventKind, delta int64) error {
	if !models.IsValidEventKind(string(kind)) {
		return models.ErrInvalidInput(fmt.Sprintf("invalid event: %q", kind))
	}
	if delta <= 0 {
		return models.ErrInvalidInput("delta must be positive")
	}
	if _, err := uuid.Parse(campaignID); err != nil {
		return models.ErrNotFoundWithMsg(fmt.Sprintf("campaign %s not found", campaignID))
	}

	if err := s.campaignRepo.IncrementStat(ctx, campaignID, kind, delta); err != nil {
		return fmt.Errorf("failed to record %s event: %w", kind, err)
	}

	s.logger.Debug("stat recorded",
		slog.String("campaign_id", campaignID),
		slog.String("event", string(kind)),
		slog.Int64("delta", delta),
	)

	return nil
}
