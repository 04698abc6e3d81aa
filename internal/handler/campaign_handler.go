package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Raymond9734/campaign-dispatch/internal/models"
	"github.com/Raymond9734/campaign-dispatch/internal/service"
)

// CampaignHandler handles campaign HTTP requests
type CampaignHandler struct {
	campaignService service.CampaignService
	segments        service.SegmentResolver
	logger          *slog.Logger
}

// NewCampaignHandler creates a new campaign handler
func NewCampaignHandler(campaignService service.CampaignService, segments service.SegmentResolver, logger *slog.Logger) *CampaignHandler {
	return &CampaignHandler{
		campaignService: campaignService,
		segments:        segments,
		logger:          logger,
	}
}

// CreateCampaign handles POST /campaigns
func (h *CampaignHandler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req service.CreateCampaignRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON format")
		return
	}

	campaign, err := h.campaignService.Create(r.Context(), &req)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondCreated(w, campaign)
}

// ListCampaigns handles GET /campaigns
func (h *CampaignHandler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	page, _ := strconv.Atoi(query.Get("page"))
	pageSize, _ := strconv.Atoi(query.Get("page_size"))

	filter := models.CampaignFilter{
		Status:   query.Get("status"),
		Segment:  query.Get("segment"),
		Page:     page,
		PageSize: pageSize,
	}

	result, err := h.campaignService.List(r.Context(), filter)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondSuccess(w, result)
}

// GetCampaign handles GET /campaigns/{id}
func (h *CampaignHandler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, err := h.campaignService.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondSuccess(w, campaign)
}

// UpdateCampaign handles PATCH /campaigns/{id}
func (h *CampaignHandler) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	var req service.UpdateCampaignRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON format")
		return
	}

	campaign, err := h.campaignService.Update(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondSuccess(w, campaign)
}

// DeleteCampaign handles DELETE /campaigns/{id}
func (h *CampaignHandler) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := h.campaignService.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleError(w, err, h.logger)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SendCampaign handles POST /campaigns/{id}/send. The worker picks the
// campaign up on its next coordinator pass.
func (h *CampaignHandler) SendCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, err := h.campaignService.StartSend(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondJSON(w, http.StatusAccepted, campaign)
}

// DuplicateCampaign handles POST /campaigns/{id}/duplicate
func (h *CampaignHandler) DuplicateCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, err := h.campaignService.Duplicate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondCreated(w, campaign)
}

// GetAnalytics handles GET /campaigns/{id}/analytics
func (h *CampaignHandler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	analytics, err := h.campaignService.GetAnalytics(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondSuccess(w, analytics)
}

// PreviewCampaign handles POST /campaigns/{id}/preview. The body is
// optional.
func (h *CampaignHandler) PreviewCampaign(w http.ResponseWriter, r *http.Request) {
	var req service.PreviewRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON format")
		return
	}

	result, err := h.campaignService.Preview(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondSuccess(w, result)
}

// ListSegments handles GET /segments
func (h *CampaignHandler) ListSegments(w http.ResponseWriter, r *http.Request) {
	names := h.segments.Names()
	segments := make([]models.Segment, 0, len(names))
	for _, name := range names {
		seg, err := h.segments.Resolve(name)
		if err != nil {
			handleError(w, err, h.logger)
			return
		}
		segments = append(segments, seg)
	}

	respondSuccess(w, map[string]interface{}{"data": segments})
}
