package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// CampaignStatus is the lifecycle state of a campaign
type CampaignStatus string

// Campaign status constants
const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusSending   CampaignStatus = "sending"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusFailed    CampaignStatus = "failed"
)

// TemplateKind selects how a campaign's content is produced
type TemplateKind string

// Template kind constants
const (
	TemplateStandard TemplateKind = "standard"
	TemplateCustom   TemplateKind = "custom"
)

// transitions lists every legal status change. Terminal states have no entry.
var transitions = map[CampaignStatus][]CampaignStatus{
	CampaignStatusDraft:   {CampaignStatusSending},
	CampaignStatusSending: {CampaignStatusCompleted, CampaignStatusFailed},
}

// CanTransitionTo reports whether a campaign in status s may move to next
func (s CampaignStatus) CanTransitionTo(next CampaignStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignStatusCompleted || s == CampaignStatusFailed
}

// IsValidCampaignStatus checks if the campaign status is valid
func IsValidCampaignStatus(status string) bool {
	switch CampaignStatus(status) {
	case CampaignStatusDraft, CampaignStatusSending, CampaignStatusCompleted, CampaignStatusFailed:
		return true
	default:
		return false
	}
}

// IsValidTemplateKind checks if the template kind is valid
func IsValidTemplateKind(kind string) bool {
	return TemplateKind(kind) == TemplateStandard || TemplateKind(kind) == TemplateCustom
}

// Campaign is one unit of bulk delivery.
//
// Name, Subject, Preheader, Template, Segment, ContentIDs and BodyHTML are
// editorial inputs and may only change while the campaign is a draft. Once
// sending starts the dispatcher reads Snapshot exclusively.
type Campaign struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Subject    string       `json:"subject"`
	Preheader  string       `json:"preheader"`
	Template   TemplateKind `json:"template"`
	Segment    string       `json:"segment"`
	ContentIDs []string     `json:"content_ids"`
	BodyHTML   string       `json:"body_html,omitempty"`

	Snapshot *Snapshot `json:"snapshot,omitempty"`

	Status              CampaignStatus `json:"status"`
	LastProcessedID     *int64         `json:"last_processed_id,omitempty"`
	LastProcessedUserID *int64         `json:"last_processed_user_id,omitempty"`
	StartedAt           *time.Time     `json:"started_at,omitempty"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
	FailureReason       *string        `json:"failure_reason,omitempty"`
	ClaimedBy           *string        `json:"claimed_by,omitempty"`
	LeaseUntil          *time.Time     `json:"lease_until,omitempty"`

	Stats CampaignStats `json:"stats"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot is the frozen rendering of a campaign, written once at send start
type Snapshot struct {
	HTML       string       `json:"html"`
	Text       string       `json:"text"`
	Meta       SnapshotMeta `json:"meta"`
	ContentIDs []string     `json:"content_ids,omitempty"`
}

// SnapshotMeta carries the message envelope frozen alongside the body
type SnapshotMeta struct {
	Subject                string    `json:"subject"`
	Preheader              string    `json:"preheader"`
	UnsubscribeURLTemplate string    `json:"unsubscribe_url_template"`
	SnapshottedAt          time.Time `json:"snapshotted_at"`
}

// Value stores the metadata block as JSONB. lib/pq sends []byte as bytea,
// so the document goes out as text.
func (m SnapshotMeta) Value() (driver.Value, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan reads the metadata block from a JSONB column
func (m *SnapshotMeta) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	case nil:
		*m = SnapshotMeta{}
		return nil
	default:
		return fmt.Errorf("unsupported snapshot meta type %T", src)
	}
}

// CampaignStats holds the aggregated delivery counters. Failed counts
// per-recipient transport failures and is kept apart from Bounced, which
// only the delivery provider reports.
type CampaignStats struct {
	Sent         int64 `json:"sent"`
	Opened       int64 `json:"opened"`
	Clicked      int64 `json:"clicked"`
	Bounced      int64 `json:"bounced"`
	Unsubscribed int64 `json:"unsubscribed"`
	Complained   int64 `json:"complained"`
	Failed       int64 `json:"failed"`
}

// CampaignFilter holds filtering options for listing campaigns
type CampaignFilter struct {
	Status   string
	Segment  string
	Page     int
	PageSize int
}

// ValidateInputs checks the editorial fields required for any campaign
func (c *Campaign) ValidateInputs() error {
	if strings.TrimSpace(c.Name) == "" {
		return ErrInvalidInput("name is required")
	}
	if strings.TrimSpace(c.Subject) == "" {
		return ErrInvalidInput("subject is required")
	}
	if !IsValidTemplateKind(string(c.Template)) {
		return ErrInvalidInput(fmt.Sprintf("invalid template: %q (must be 'standard' or 'custom')", c.Template))
	}
	if strings.TrimSpace(c.Segment) == "" {
		return ErrInvalidInput("segment is required")
	}
	return nil
}

// ValidateTemplateContent checks the template specific requirements that
// must hold before a snapshot can be taken
func (c *Campaign) ValidateTemplateContent() error {
	switch c.Template {
	case TemplateStandard:
		if len(c.ContentIDs) == 0 {
			return ErrInvalidTemplateContentWithMsg("standard campaigns need at least one content item")
		}
	case TemplateCustom:
		if strings.TrimSpace(c.BodyHTML) == "" {
			return ErrInvalidTemplateContentWithMsg("custom campaigns need body content")
		}
	default:
		return ErrInvalidTemplateContentWithMsg(fmt.Sprintf("unknown template %q", c.Template))
	}
	return nil
}

// CursorFor returns the persisted cursor for the given recipient phase, or 0
// when the phase has not started
func (c *Campaign) CursorFor(kind RecipientKind) int64 {
	var cursor *int64
	switch kind {
	case RecipientSubscriber:
		cursor = c.LastProcessedID
	case RecipientUser:
		cursor = c.LastProcessedUserID
	}
	if cursor == nil {
		return 0
	}
	return *cursor
}

// CampaignAnalytics is the derived read model served to dashboards
type CampaignAnalytics struct {
	CampaignID      string         `json:"campaign_id"`
	Status          CampaignStatus `json:"status"`
	Stats           CampaignStats  `json:"stats"`
	OpenRate        float64        `json:"open_rate"`
	ClickRate       float64        `json:"click_rate"`
	BounceRate      float64        `json:"bounce_rate"`
	UnsubscribeRate float64        `json:"unsubscribe_rate"`
	ComplaintRate   float64        `json:"complaint_rate"`
}

// NewCampaignAnalytics derives percentage rates relative to sent
func NewCampaignAnalytics(c *Campaign) *CampaignAnalytics {
	s := c.Stats
	return &CampaignAnalytics{
		CampaignID:      c.ID,
		Status:          c.Status,
		Stats:           s,
		OpenRate:        percentOf(s.Opened, s.Sent),
		ClickRate:       percentOf(s.Clicked, s.Sent),
		BounceRate:      percentOf(s.Bounced, s.Sent),
		UnsubscribeRate: percentOf(s.Unsubscribed, s.Sent),
		ComplaintRate:   percentOf(s.Complained, s.Sent),
	}
}

// percentOf returns n/total*100 rounded to two decimals, 0 when total is 0
func percentOf(n, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*100*100) / 100
}
