package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/Raymond9734/campaign-dispatch/internal/models"
	"github.com/Raymond9734/campaign-dispatch/internal/service"
)

const maxWebhookBody = 1 << 20

// transparentGIF is a 1x1 transparent image served by the open pixel
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00,
	0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02,
	0x44, 0x01, 0x00, 0x3b,
}

// EventPublisher hands delivery events to the worker
type EventPublisher interface {
	Publish(ctx context.Context, event *models.DeliveryEvent) error
}

// WebhookHandler accepts delivery provider callbacks and tracking hits and
// queues them for the stats aggregator
type WebhookHandler struct {
	publisher EventPublisher
	templates service.TemplateService
	logger    *slog.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(publisher EventPublisher, templates service.TemplateService, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		publisher: publisher,
		templates: templates,
		logger:    logger,
	}
}

// ReceiveEvents handles POST /webhooks/events. The body is one event or an
// array of events; nothing is queued unless every event is valid.
func (h *WebhookHandler) ReceiveEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "Request body too large")
		return
	}

	events, err := parseEvents(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON format")
		return
	}
	if len(events) == 0 {
		respondError(w, http.StatusBadRequest, models.CodeInvalidInput, "no events in request")
		return
	}

	for i, ev := range events {
		ev.Normalize()
		if err := ev.Validate(); err != nil {
			handleError(w, fmt.Errorf("event %d: %w", i, err), h.logger)
			return
		}
		if _, err := uuid.Parse(ev.CampaignID); err != nil {
			respondError(w, http.StatusBadRequest, models.CodeInvalidInput, fmt.Sprintf("event %d: invalid campaign_id", i))
			return
		}
	}

	for _, ev := range events {
		if err := h.publisher.Publish(r.Context(), ev); err != nil {
			h.logger.Error("failed to queue delivery event",
				slog.String("campaign_id", ev.CampaignID),
				slog.String("event", string(ev.Event)),
				slog.String("error", err.Error()),
			)
			respondError(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "Events could not be queued")
			return
		}
	}

	respondJSON(w, http.StatusAccepted, map[string]int{"accepted": len(events)})
}

// TrackOpen handles GET /track/open. The pixel is always served; only hits
// with a valid signature are counted.
func (h *WebhookHandler) TrackOpen(w http.ResponseWriter, r *http.Request) {
	defer writePixel(w)

	q := r.URL.Query()
	campaignID := q.Get("c")
	recipientID, err := strconv.ParseInt(q.Get("r"), 10, 64)
	if err != nil || !models.IsValidRecipientKind(q.Get("k")) {
		return
	}
	if _, err := uuid.Parse(campaignID); err != nil {
		return
	}

	recipient := models.Recipient{ID: recipientID, Kind: models.RecipientKind(q.Get("k"))}
	if !h.templates.VerifyRecipient(campaignID, recipient, q.Get("t")) {
		h.logger.Debug("open pixel signature mismatch", slog.String("campaign_id", campaignID))
		return
	}

	event := &models.DeliveryEvent{
		CampaignID:  campaignID,
		RecipientID: recipientID,
		Event:       models.EventOpened,
	}
	event.Normalize()

	if err := h.publisher.Publish(r.Context(), event); err != nil {
		h.logger.Error("failed to queue open event",
			slog.String("campaign_id", campaignID),
			slog.String("error", err.Error()),
		)
	}
}

func writePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(transparentGIF)
}

// parseEvents accepts a single JSON object or an array of them
func parseEvents(body []byte) ([]*models.DeliveryEvent, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var events []*models.DeliveryEvent
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, err
		}
		return events, nil
	}

	var event models.DeliveryEvent
	if err := json.Unmarshal(trimmed, &event); err != nil {
		return nil, err
	}
	return []*models.DeliveryEvent{&event}, nil
}
