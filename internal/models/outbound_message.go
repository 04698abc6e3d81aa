package models

import (
	"fmt"
	"time"
)

// ContentItem is an article as returned by the content repository
type ContentItem struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	Description string `json:"description"`
	Image       string `json:"image"`
	URL         string `json:"url"`
}

// OutboundMessage is a snapshot rendered for a single recipient
type OutboundMessage struct {
	CampaignID     string        `json:"campaign_id"`
	RecipientID    int64         `json:"recipient_id"`
	RecipientKind  RecipientKind `json:"recipient_kind"`
	To             string        `json:"to"`
	Subject        string        `json:"subject"`
	Preheader      string        `json:"preheader"`
	HTML           string        `json:"html"`
	Text           string        `json:"text"`
	UnsubscribeURL string        `json:"unsubscribe_url"`
}

// EventKind names a stats counter
type EventKind string

// Event kinds. EventFailed is recorded by the dispatcher only.
const (
	EventSent         EventKind = "sent"
	EventOpened       EventKind = "opened"
	EventClicked      EventKind = "clicked"
	EventBounced      EventKind = "bounced"
	EventUnsubscribed EventKind = "unsubscribed"
	EventComplained   EventKind = "complained"
	EventFailed       EventKind = "failed"
)

var eventColumns = map[EventKind]string{
	EventSent:         "sent_count",
	EventOpened:       "opened_count",
	EventClicked:      "clicked_count",
	EventBounced:      "bounced_count",
	EventUnsubscribed: "unsubscribed_count",
	EventComplained:   "complained_count",
	EventFailed:       "failed_count",
}

// Column returns the campaigns table counter column for the event kind
func (k EventKind) Column() (string, bool) {
	col, ok := eventColumns[k]
	return col, ok
}

// IsValidEventKind checks if the event kind names a counter
func IsValidEventKind(kind string) bool {
	_, ok := eventColumns[EventKind(kind)]
	return ok
}

// Apply adds delta to the matching counter of s
func (s *CampaignStats) Apply(kind EventKind, delta int64) {
	switch kind {
	case EventSent:
		s.Sent += delta
	case EventOpened:
		s.Opened += delta
	case EventClicked:
		s.Clicked += delta
	case EventBounced:
		s.Bounced += delta
	case EventUnsubscribed:
		s.Unsubscribed += delta
	case EventComplained:
		s.Complained += delta
	case EventFailed:
		s.Failed += delta
	}
}

// DeliveryEvent is a provider callback routed to the stats aggregator
type DeliveryEvent struct {
	CampaignID        string    `json:"campaign_id"`
	RecipientID       int64     `json:"recipient_id,omitempty"`
	Event             EventKind `json:"event"`
	Delta             int64     `json:"delta,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
}

// Normalize fills defaults for fields a provider may omit
func (e *DeliveryEvent) Normalize() {
	if e.Delta == 0 {
		e.Delta = 1
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
}

// Validate performs validation on a delivery event
func (e *DeliveryEvent) Validate() error {
	if e.CampaignID == "" {
		return ErrInvalidInput("campaign_id is required")
	}
	if !IsValidEventKind(string(e.Event)) {
		return ErrInvalidInput(fmt.Sprintf("invalid event: %q", e.Event))
	}
	if e.Event == EventFailed {
		return ErrInvalidInput("event failed is recorded by the dispatcher only")
	}
	if e.Delta < 0 {
		return ErrInvalidInput("delta must not be negative")
	}
	return nil
}
