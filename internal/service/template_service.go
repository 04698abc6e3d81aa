package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/Raymond9734/campaign-dispatch/internal/models"
)

// TemplateService substitutes per-recipient placeholders into a frozen
// snapshot
type TemplateService interface {
	Render(template string, values map[string]string) string
	RenderForRecipient(campaign *models.Campaign, recipient models.Recipient) (*models.OutboundMessage, error)
	ValidateTemplate(template string) error
	ExtractPlaceholders(template string) []string
	SignRecipient(campaignID string, recipient models.Recipient) string
	VerifyRecipient(campaignID string, recipient models.Recipient, token string) bool
}

// Placeholders substituted at send time
var validPlaceholders = map[string]bool{
	"unsubscribe_url": true,
	"recipient_id":    true,
	"email":           true,
	"campaign_id":     true,
}

// LinkOptions configures generated links
type LinkOptions struct {
	TrackingBaseURL string
	SigningKey      string
}

type templateService struct {
	placeholderPattern *regexp.Regexp
	links              LinkOptions
}

// NewTemplateService creates a new template service
func NewTemplateService(links LinkOptions) TemplateService {
	links.TrackingBaseURL = strings.TrimRight(links.TrackingBaseURL, "/")
	return &templateService{
		placeholderPattern: regexp.MustCompile(`\{([a-z_]+)\}`),
		links:              links,
	}
}

// Render replaces known placeholders with values. Unknown placeholders are
// left intact.
func (s *templateService) Render(template string, values map[string]string) string {
	return s.placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		if value, exists := values[strings.Trim(match, "{}")]; exists {
			return value
		}
		return match
	})
}

// RenderForRecipient builds the message for one recipient from the campaign
// snapshot. The campaign's editable inputs are never read.
func (s *templateService) RenderForRecipient(campaign *models.Campaign, recipient models.Recipient) (*models.OutboundMessage, error) {
	if campaign.Snapshot == nil {
		return nil, models.ErrInvalidTemplateContentWithMsg(fmt.Sprintf("campaign %s has no snapshot", campaign.ID))
	}
	snap := campaign.Snapshot

	recipientID := strconv.FormatInt(recipient.ID, 10)
	token := s.SignRecipient(campaign.ID, recipient)

	unsubscribeURL := s.Render(snap.Meta.UnsubscribeURLTemplate, map[string]string{
		"campaign_id":    url.QueryEscape(campaign.ID),
		"recipient_id":   recipientID,
		"recipient_kind": string(recipient.Kind),
		"token":          token,
		"email":          url.QueryEscape(recipient.Address),
	})

	textValues := map[string]string{
		"unsubscribe_url": unsubscribeURL,
		"recipient_id":    recipientID,
		"email":           recipient.Address,
		"campaign_id":     campaign.ID,
	}
	htmlValues := map[string]string{
		"unsubscribe_url": html.EscapeString(unsubscribeURL),
		"recipient_id":    recipientID,
		"email":           html.EscapeString(recipient.Address),
		"campaign_id":     html.EscapeString(campaign.ID),
	}

	body := s.Render(snap.HTML, htmlValues)
	if s.links.TrackingBaseURL != "" {
		body = insertPixel(body, s.openPixel(campaign.ID, recipient, token))
	}

	return &models.OutboundMessage{
		CampaignID:     campaign.ID,
		RecipientID:    recipient.ID,
		RecipientKind:  recipient.Kind,
		To:             recipient.Address,
		Subject:        s.Render(snap.Meta.Subject, textValues),
		Preheader:      s.Render(snap.Meta.Preheader, textValues),
		HTML:           body,
		Text:           s.Render(snap.Text, textValues),
		UnsubscribeURL: unsubscribeURL,
	}, nil
}

// ValidateTemplate rejects placeholders that would never be substituted
func (s *templateService) ValidateTemplate(template string) error {
	var invalid []string
	for _, placeholder := range s.ExtractPlaceholders(template) {
		if !validPlaceholders[placeholder] {
			invalid = append(invalid, placeholder)
		}
	}

	if len(invalid) > 0 {
		return models.ErrInvalidInput(
			fmt.Sprintf("invalid placeholders: %s. Valid placeholders are: unsubscribe_url, recipient_id, email, campaign_id",
				strings.Join(invalid, ", ")),
		)
	}

	return nil
}

// ExtractPlaceholders returns all placeholders found in template
func (s *templateService) ExtractPlaceholders(template string) []string {
	matches := s.placeholderPattern.FindAllStringSubmatch(template, -1)
	placeholders := make([]string, 0, len(matches))

	for _, match := range matches {
		if len(match) > 1 {
			placeholders = append(placeholders, match[1])
		}
	}

	return placeholders
}

// SignRecipient returns the link token binding a recipient to a campaign
func (s *templateService) SignRecipient(campaignID string, recipient models.Recipient) string {
	mac := hmac.New(sha256.New, []byte(s.links.SigningKey))
	fmt.Fprintf(mac, "%s|%s|%d", campaignID, recipient.Kind, recipient.ID)
	return hex.EncodeToString(mac.Sum(nil))[:32]
}

// VerifyRecipient checks a token produced by SignRecipient
func (s *templateService) VerifyRecipient(campaignID string, recipient models.Recipient, token string) bool {
	expected := s.SignRecipient(campaignID, recipient)
	return hmac.Equal([]byte(expected), []byte(token))
}

func (s *templateService) openPixel(campaignID string, recipient models.Recipient, token string) string {
	q := url.Values{}
	q.Set("c", campaignID)
	q.Set("r", strconv.FormatInt(recipient.ID, 10))
	q.Set("k", string(recipient.Kind))
	q.Set("t", token)

	src := s.links.TrackingBaseURL + "/track/open?" + q.Encode()
	return `<img src="` + html.EscapeString(src) + `" width="1" height="1" alt="" style="display:none">`
}

func insertPixel(body, pixel string) string {
	if i := strings.LastIndex(strings.ToLower(body), "</body>"); i != -1 {
		return body[:i] + pixel + body[i:]
	}
	return body + pixel
}
