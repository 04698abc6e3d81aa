// Package memory is a test double for the repository interfaces. It applies
// the same conditional rules as the PostgreSQL queries and backs the
// service, worker and handler tests; no binary wires it in.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Raymond9734/campaign-dispatch/internal/models"
)

type member struct {
	recipient models.Recipient
	tags      []string
	active    bool
}

// Store is a CampaignRepository, SubscriberDirectory and ContentRepository
// guarded by one mutex
type Store struct {
	mu        sync.Mutex
	campaigns map[string]*models.Campaign
	created   []string
	members   map[models.RecipientKind][]member
	nextID    map[models.RecipientKind]int64
	content   map[string]models.ContentItem
	pageReads int
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		campaigns: make(map[string]*models.Campaign),
		members:   make(map[models.RecipientKind][]member),
		nextID:    make(map[models.RecipientKind]int64),
		content:   make(map[string]models.ContentItem),
	}
}

// AddRecipients appends n active recipients of kind with ascending ids and
// returns them
func (s *Store) AddRecipients(kind models.RecipientKind, n int, tags ...string) []models.Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Recipient, 0, n)
	for i := 0; i < n; i++ {
		s.nextID[kind]++
		id := s.nextID[kind]
		r := models.Recipient{
			ID:      id,
			Address: fmt.Sprintf("%s-%d@example.com", kind, id),
			Kind:    kind,
		}
		s.members[kind] = append(s.members[kind], member{recipient: r, tags: tags, active: true})
		out = append(out, r)
	}
	return out
}

// Deactivate marks a recipient as no longer deliverable
func (s *Store) Deactivate(kind models.RecipientKind, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.members[kind] {
		if s.members[kind][i].recipient.ID == id {
			s.members[kind][i].active = false
		}
	}
}

// PutContent stores or replaces content items
func (s *Store) PutContent(items ...models.ContentItem) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range items {
		s.content[item.ID] = item
	}
}

// PageReads returns how many segment pages were served
func (s *Store) PageReads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pageReads
}

// Create inserts a new campaign
func (s *Store) Create(_ context.Context, c *models.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.campaigns[c.ID]; ok {
		return fmt.Errorf("failed to create campaign: duplicate id %s", c.ID)
	}

	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	s.campaigns[c.ID] = clone(c)
	s.created = append(s.created, c.ID)
	return nil
}

// GetByID retrieves a campaign by ID
func (s *Store) GetByID(_ context.Context, id string) (*models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return nil, notFound(id)
	}
	return clone(c), nil
}

// List retrieves campaigns newest first
func (s *Store) List(_ context.Context, filter models.CampaignFilter) ([]*models.Campaign, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	models.ValidateAndSetDefaults(&filter.Page, &filter.PageSize)

	var matched []*models.Campaign
	for i := len(s.created) - 1; i >= 0; i-- {
		c, ok := s.campaigns[s.created[i]]
		if !ok {
			continue
		}
		if filter.Status != "" && string(c.Status) != filter.Status {
			continue
		}
		if filter.Segment != "" && c.Segment != filter.Segment {
			continue
		}
		matched = append(matched, c)
	}

	total := int64(len(matched))
	offset := models.CalculateOffset(filter.Page, filter.PageSize)
	out := []*models.Campaign{}
	for i := offset; i < len(matched) && i < offset+filter.PageSize; i++ {
		out = append(out, clone(matched[i]))
	}
	return out, total, nil
}

// UpdateDraft overwrites the inputs of a draft
func (s *Store) UpdateDraft(_ context.Context, c *models.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.requireStatus(c.ID, models.CampaignStatusDraft, "edit")
	if err != nil {
		return err
	}

	cur.Name = c.Name
	cur.Subject = c.Subject
	cur.Preheader = c.Preheader
	cur.Template = c.Template
	cur.Segment = c.Segment
	cur.ContentIDs = append([]string(nil), c.ContentIDs...)
	cur.BodyHTML = c.BodyHTML
	// every edit moves updated_at forward, even within one clock tick
	now := time.Now().UTC()
	if !now.After(cur.UpdatedAt) {
		now = cur.UpdatedAt.Add(time.Microsecond)
	}
	cur.UpdatedAt = now
	c.UpdatedAt = now
	return nil
}

// Delete removes a draft
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.requireStatus(id, models.CampaignStatusDraft, "delete"); err != nil {
		return err
	}
	delete(s.campaigns, id)
	return nil
}

// BeginSending writes the snapshot and moves a draft to sending
func (s *Store) BeginSending(_ context.Context, id string, draftUpdatedAt time.Time, snapshot *models.Snapshot, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.requireStatus(id, models.CampaignStatusDraft, "start sending")
	if err != nil {
		return err
	}
	if cur.Snapshot != nil {
		return models.ErrInvalidTransitionWithMsg(fmt.Sprintf("campaign %s already has a snapshot", id))
	}
	if !cur.UpdatedAt.Equal(draftUpdatedAt) {
		return models.ErrConflictWithMsg(fmt.Sprintf("campaign %s was edited while sending started", id))
	}

	snap := *snapshot
	snap.ContentIDs = append([]string(nil), snapshot.ContentIDs...)
	cur.Snapshot = &snap
	cur.Status = models.CampaignStatusSending
	cur.StartedAt = &startedAt
	cur.LastProcessedID = nil
	cur.LastProcessedUserID = nil
	cur.ClaimedBy = nil
	cur.LeaseUntil = nil
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkCompleted moves a sending campaign to completed
func (s *Store) MarkCompleted(_ context.Context, id, workerID string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.requireEnd(id, workerID, "complete")
	if err != nil {
		return err
	}
	cur.Status = models.CampaignStatusCompleted
	cur.CompletedAt = &completedAt
	cur.ClaimedBy = nil
	cur.LeaseUntil = nil
	return nil
}

// MarkFailed moves a sending campaign to failed
func (s *Store) MarkFailed(_ context.Context, id, workerID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.requireEnd(id, workerID, "fail")
	if err != nil {
		return err
	}
	cur.Status = models.CampaignStatusFailed
	cur.FailureReason = &reason
	cur.ClaimedBy = nil
	cur.LeaseUntil = nil
	return nil
}

// Claim takes the dispatch lease when it is free or expired
func (s *Store) Claim(_ context.Context, id, workerID string, now, leaseUntil time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.campaigns[id]
	if !ok || cur.Status != models.CampaignStatusSending || !claimable(cur, now) {
		return false, nil
	}
	w := workerID
	cur.ClaimedBy = &w
	cur.LeaseUntil = &leaseUntil
	return true, nil
}

// AdvanceCursor moves a phase cursor forward and renews the lease
func (s *Store) AdvanceCursor(_ context.Context, id, workerID string, kind models.RecipientKind, cursor int64, leaseUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.requireClaim(id, workerID)
	if err != nil {
		return err
	}

	var field **int64
	switch kind {
	case models.RecipientSubscriber:
		field = &cur.LastProcessedID
	case models.RecipientUser:
		field = &cur.LastProcessedUserID
	default:
		return fmt.Errorf("unknown recipient kind %q", kind)
	}

	if *field == nil || **field < cursor {
		v := cursor
		*field = &v
	}
	cur.LeaseUntil = &leaseUntil
	return nil
}

// RenewLease extends the lease held by workerID
func (s *Store) RenewLease(_ context.Context, id, workerID string, leaseUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.requireClaim(id, workerID)
	if err != nil {
		return err
	}
	cur.LeaseUntil = &leaseUntil
	return nil
}

// ListClaimable returns sending campaigns without a live lease, oldest
// started first
func (s *Store) ListClaimable(_ context.Context, now time.Time, limit int) ([]*models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Campaign
	for _, c := range s.campaigns {
		if c.Status == models.CampaignStatusSending && claimable(c, now) {
			out = append(out, clone(c))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].StartedAt, out[j].StartedAt
		if a != nil && b != nil && !a.Equal(*b) {
			return a.Before(*b)
		}
		return out[i].ID < out[j].ID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// IncrementStat adds a positive delta to one counter regardless of status
func (s *Store) IncrementStat(_ context.Context, id string, kind models.EventKind, delta int64) error {
	if !models.IsValidEventKind(string(kind)) {
		return models.ErrInvalidInput(fmt.Sprintf("invalid event: %q", kind))
	}
	if delta <= 0 {
		return models.ErrInvalidInput("delta must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.campaigns[id]
	if !ok {
		return notFound(id)
	}
	cur.Stats.Apply(kind, delta)
	return nil
}

// GetSegmentPage returns active recipients of one kind after afterID
func (s *Store) GetSegmentPage(_ context.Context, q models.SegmentQuery, afterID int64, pageSize int) ([]models.Recipient, error) {
	if !models.IsValidRecipientKind(string(q.Kind)) {
		return nil, fmt.Errorf("unknown recipient kind %q", q.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pageReads++
	out := make([]models.Recipient, 0, pageSize)
	for _, m := range s.members[q.Kind] {
		if len(out) == pageSize {
			break
		}
		if m.recipient.ID <= afterID || !m.active || !anyTag(m.tags, q.Tags) {
			continue
		}
		out = append(out, m.recipient)
	}
	return out, nil
}

// GetContentItemsByIds returns the items that exist
func (s *Store) GetContentItemsByIds(_ context.Context, ids []string) ([]models.ContentItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.ContentItem{}
	for _, id := range ids {
		if item, ok := s.content[id]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *Store) requireStatus(id string, want models.CampaignStatus, action string) (*models.Campaign, error) {
	cur, ok := s.campaigns[id]
	if !ok {
		return nil, notFound(id)
	}
	if cur.Status != want {
		return nil, models.ErrInvalidTransitionWithMsg(fmt.Sprintf("cannot %s campaign %s in status %s", action, id, cur.Status))
	}
	return cur, nil
}

// requireEnd is requireStatus(sending) plus, for a non-empty workerID, the
// claim check
func (s *Store) requireEnd(id, workerID, action string) (*models.Campaign, error) {
	cur, err := s.requireStatus(id, models.CampaignStatusSending, action)
	if err != nil {
		return nil, err
	}
	if workerID != "" && cur.ClaimedBy != nil && *cur.ClaimedBy != workerID {
		return nil, models.ErrClaimLost
	}
	return cur, nil
}

func (s *Store) requireClaim(id, workerID string) (*models.Campaign, error) {
	cur, ok := s.campaigns[id]
	if !ok || cur.Status != models.CampaignStatusSending || cur.ClaimedBy == nil || *cur.ClaimedBy != workerID {
		return nil, models.ErrClaimLost
	}
	return cur, nil
}

func claimable(c *models.Campaign, now time.Time) bool {
	return c.ClaimedBy == nil || c.LeaseUntil == nil || c.LeaseUntil.Before(now)
}

func anyTag(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}

func notFound(id string) error {
	return models.ErrNotFoundWithMsg(fmt.Sprintf("campaign %s not found", id))
}

func clone(c *models.Campaign) *models.Campaign {
	out := *c
	out.ContentIDs = append([]string(nil), c.ContentIDs...)
	if c.Snapshot != nil {
		snap := *c.Snapshot
		snap.ContentIDs = append([]string(nil), c.Snapshot.ContentIDs...)
		out.Snapshot = &snap
	}
	out.LastProcessedID = clonePtr(c.LastProcessedID)
	out.LastProcessedUserID = clonePtr(c.LastProcessedUserID)
	out.StartedAt = clonePtr(c.StartedAt)
	out.CompletedAt = clonePtr(c.CompletedAt)
	out.FailureReason = clonePtr(c.FailureReason)
	out.ClaimedBy = clonePtr(c.ClaimedBy)
	out.LeaseUntil = clonePtr(c.LeaseUntil)
	return &out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
