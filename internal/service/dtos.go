package service

import (
	"strings"

	"github.com/Raymond9734/campaign-dispatch/internal/models"
)

// CreateCampaignRequest represents a request to create a draft campaign
type CreateCampaignRequest struct {
	Name       string   `json:"name"`
	Subject    string   `json:"subject"`
	Preheader  string   `json:"preheader"`
	Template   string   `json:"template"`
	Segment    string   `json:"segment"`
	ContentIDs []string `json:"content_ids"`
	BodyHTML   string   `json:"body_html"`
}

// Validate performs validation on the create campaign request
func (r *CreateCampaignRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return models.ErrInvalidInput("name is required")
	}
	if strings.TrimSpace(r.Subject) == "" {
		return models.ErrInvalidInput("subject is required")
	}
	if r.Template == "" {
		return models.ErrInvalidInput("template is required")
	}
	if !models.IsValidTemplateKind(r.Template) {
		return models.ErrInvalidInput("invalid template (must be 'standard' or 'custom')")
	}
	if strings.TrimSpace(r.Segment) == "" {
		return models.ErrInvalidInput("segment is required")
	}
	return nil
}

// UpdateCampaignRequest carries the draft fields to change. Nil fields are
// left as they are.
type UpdateCampaignRequest struct {
	Name       *string   `json:"name,omitempty"`
	Subject    *string   `json:"subject,omitempty"`
	Preheader  *string   `json:"preheader,omitempty"`
	Template   *string   `json:"template,omitempty"`
	Segment    *string   `json:"segment,omitempty"`
	ContentIDs *[]string `json:"content_ids,omitempty"`
	BodyHTML   *string   `json:"body_html,omitempty"`
}

// Apply copies the set fields onto campaign
func (r *UpdateCampaignRequest) Apply(campaign *models.Campaign) {
	if r.Name != nil {
		campaign.Name = *r.Name
	}
	if r.Subject != nil {
		campaign.Subject = *r.Subject
	}
	if r.Preheader != nil {
		campaign.Preheader = *r.Preheader
	}
	if r.Template != nil {
		campaign.Template = models.TemplateKind(*r.Template)
	}
	if r.Segment != nil {
		campaign.Segment = *r.Segment
	}
	if r.ContentIDs != nil {
		campaign.ContentIDs = append([]string(nil), (*r.ContentIDs)...)
	}
	if r.BodyHTML != nil {
		campaign.BodyHTML = *r.BodyHTML
	}
}

// PreviewRequest names the recipient a preview is rendered for. All fields
// are optional.
type PreviewRequest struct {
	Email         string `json:"email"`
	RecipientID   int64  `json:"recipient_id"`
	RecipientKind string `json:"recipient_kind"`
}

// Validate performs validation on the preview request
func (r *PreviewRequest) Validate() error {
	if r.RecipientID < 0 {
		return models.ErrInvalidInput("recipient_id must not be negative")
	}
	if r.RecipientKind != "" && !models.IsValidRecipientKind(r.RecipientKind) {
		return models.ErrInvalidInput("invalid recipient_kind (must be 'subscriber' or 'user')")
	}
	return nil
}

// Recipient returns the sample recipient, filling defaults
func (r *PreviewRequest) Recipient() models.Recipient {
	rcpt := models.Recipient{
		ID:      r.RecipientID,
		Address: r.Email,
		Kind:    models.RecipientKind(r.RecipientKind),
	}
	if rcpt.Address == "" {
		rcpt.Address = "preview@example.com"
	}
	if rcpt.Kind == "" {
		rcpt.Kind = models.RecipientSubscriber
	}
	return rcpt
}

// PreviewResult is a message rendered for one sample recipient
type PreviewResult struct {
	FromSnapshot bool                    `json:"from_snapshot"`
	Message      *models.OutboundMessage `json:"message"`
}

// CampaignListResult represents paginated campaign list results
type CampaignListResult struct {
	Data       []*models.Campaign      `json:"data"`
	Pagination models.PaginationResult `json:"pagination"`
}
