package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Raymond9734/campaign-dispatch/internal/models"
	"github.com/Raymond9734/campaign-dispatch/internal/repository/memory"
)

type testServices struct {
	store     *memory.Store
	campaigns CampaignService
	stats     StatsService
}

func newTestServices(t *testing.T) *testServices {
	t.Helper()

	store := memory.NewStore()
	store.PutContent(
		models.ContentItem{ID: "a1", Title: "Rates rise", URL: "https://news/a1"},
		models.ContentItem{ID: "a2", Title: "Storm warning", URL: "https://news/a2"},
	)

	logger := discardLogger()
	segments := NewSegmentResolver(store, []models.Segment{
		{Name: "tech", Sources: []models.RecipientKind{models.RecipientSubscriber}, Tags: []string{"tech"}},
	}, time.Second)
	templates := NewTemplateService(LinkOptions{SigningKey: "test"})

	return &testServices{
		store:     store,
		campaigns: NewCampaignService(store, segments, newSnapshotter(t, store), templates, logger),
		stats:     NewStatsService(store, logger),
	}
}

func standardRequest() *CreateCampaignRequest {
	return &CreateCampaignRequest{
		Name:       "Morning digest",
		Subject:    "Today",
		Template:   "standard",
		Segment:    "all",
		ContentIDs: []string{"a1", "a2"},
	}
}

func TestCampaignService_Create(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		req      *CreateCampaignRequest
		wantCode string
	}{
		{name: "valid standard", req: standardRequest()},
		{
			name: "valid custom",
			req:  &CreateCampaignRequest{Name: "n", Subject: "s", Template: "custom", Segment: "tech", BodyHTML: "<p>{email}</p>"},
		},
		{
			name:     "missing subject",
			req:      &CreateCampaignRequest{Name: "n", Template: "custom", Segment: "all"},
			wantCode: models.CodeInvalidInput,
		},
		{
			name:     "unknown template",
			req:      &CreateCampaignRequest{Name: "n", Subject: "s", Template: "mjml", Segment: "all"},
			wantCode: models.CodeInvalidInput,
		},
		{
			name:     "unknown segment",
			req:      &CreateCampaignRequest{Name: "n", Subject: "s", Template: "custom", Segment: "vips"},
			wantCode: models.CodeInvalidInput,
		},
		{
			name:     "unknown placeholder in custom body",
			req:      &CreateCampaignRequest{Name: "n", Subject: "s", Template: "custom", Segment: "all", BodyHTML: "Hi {first_name}"},
			wantCode: models.CodeInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := svc.campaigns.Create(ctx, tt.req)
			if tt.wantCode != "" {
				var appErr *models.AppError
				require.ErrorAs(t, err, &appErr)
				assert.Equal(t, tt.wantCode, appErr.Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, models.CampaignStatusDraft, c.Status)
			assert.NotEmpty(t, c.ID)
			assert.Nil(t, c.Snapshot)
		})
	}
}

func TestCampaignService_StartSend(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	c, err := svc.campaigns.Create(ctx, standardRequest())
	require.NoError(t, err)

	started, err := svc.campaigns.StartSend(ctx, c.ID)
	require.NoError(t, err)

	assert.Equal(t, models.CampaignStatusSending, started.Status)
	require.NotNil(t, started.Snapshot)
	assert.Equal(t, []string{"a1", "a2"}, started.Snapshot.ContentIDs)
	assert.NotNil(t, started.StartedAt)
	assert.Nil(t, started.LastProcessedID)
	assert.Nil(t, started.LastProcessedUserID)

	_, err = svc.campaigns.StartSend(ctx, c.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

// editingContent runs onFetch once, while a snapshot is being built
type editingContent struct {
	*memory.Store
	onFetch func()
}

func (e *editingContent) GetContentItemsByIds(ctx context.Context, ids []string) ([]models.ContentItem, error) {
	if e.onFetch != nil {
		fn := e.onFetch
		e.onFetch = nil
		fn()
	}
	return e.Store.GetContentItemsByIds(ctx, ids)
}

func TestCampaignService_StartSend_DraftEditedDuringSnapshot(t *testing.T) {
	store := memory.NewStore()
	store.PutContent(models.ContentItem{ID: "a1", Title: "Rates rise", URL: "https://news/a1"})
	content := &editingContent{Store: store}

	snapshots, err := NewSnapshotService(content, testUnsubscribeTemplate, discardLogger())
	require.NoError(t, err)
	segments := NewSegmentResolver(store, nil, time.Second)
	campaigns := NewCampaignService(store, segments, snapshots, NewTemplateService(LinkOptions{SigningKey: "test"}), discardLogger())
	ctx := context.Background()

	req := standardRequest()
	req.ContentIDs = []string{"a1"}
	c, err := campaigns.Create(ctx, req)
	require.NoError(t, err)

	var editErr error
	content.onFetch = func() {
		subject := "NEW"
		_, editErr = campaigns.Update(ctx, c.ID, &UpdateCampaignRequest{Subject: &subject})
	}

	_, err = campaigns.StartSend(ctx, c.ID)
	require.NoError(t, editErr)
	assert.ErrorIs(t, err, models.ErrConflict)

	stored, err := campaigns.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusDraft, stored.Status)
	assert.Nil(t, stored.Snapshot)
	assert.Equal(t, "NEW", stored.Subject)

	started, err := campaigns.StartSend(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, started.Snapshot)
	assert.Equal(t, "NEW", started.Snapshot.Meta.Subject)
}

func TestCampaignService_StartSend_RejectsEmptyStandard(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	req := standardRequest()
	req.ContentIDs = nil
	c, err := svc.campaigns.Create(ctx, req)
	require.NoError(t, err)

	_, err = svc.campaigns.StartSend(ctx, c.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTemplateContent)

	stored, err := svc.campaigns.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusDraft, stored.Status)
	assert.Nil(t, stored.Snapshot)
}

func TestCampaignService_SnapshotIsImmutable(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	c, err := svc.campaigns.Create(ctx, standardRequest())
	require.NoError(t, err)
	started, err := svc.campaigns.StartSend(ctx, c.ID)
	require.NoError(t, err)
	frozen := *started.Snapshot

	// Source article edited after send start
	svc.store.PutContent(models.ContentItem{ID: "a1", Title: "Rates FALL", URL: "https://news/a1"})

	newName := "renamed"
	_, err = svc.campaigns.Update(ctx, c.ID, &UpdateCampaignRequest{Name: &newName})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	preview, err := svc.campaigns.Preview(ctx, c.ID, &PreviewRequest{Email: "p@example.com"})
	require.NoError(t, err)
	assert.True(t, preview.FromSnapshot)
	assert.Contains(t, preview.Message.HTML, "Rates rise")
	assert.NotContains(t, preview.Message.HTML, "Rates FALL")

	stored, err := svc.campaigns.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, frozen, *stored.Snapshot)
	assert.Equal(t, "Morning digest", stored.Name)
}

func TestCampaignService_TerminalStatesAreFinal(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	for _, finish := range []string{"completed", "failed"} {
		t.Run(finish, func(t *testing.T) {
			c, err := svc.campaigns.Create(ctx, standardRequest())
			require.NoError(t, err)
			_, err = svc.campaigns.StartSend(ctx, c.ID)
			require.NoError(t, err)

			if finish == "completed" {
				require.NoError(t, svc.campaigns.MarkCompleted(ctx, c.ID))
			} else {
				require.NoError(t, svc.campaigns.MarkFailed(ctx, c.ID, "provider down"))
			}

			assert.ErrorIs(t, svc.campaigns.MarkCompleted(ctx, c.ID), models.ErrInvalidTransition)
			assert.ErrorIs(t, svc.campaigns.MarkFailed(ctx, c.ID, "again"), models.ErrInvalidTransition)
			_, err = svc.campaigns.StartSend(ctx, c.ID)
			assert.ErrorIs(t, err, models.ErrInvalidTransition)
			assert.ErrorIs(t, svc.campaigns.Delete(ctx, c.ID), models.ErrInvalidTransition)

			stored, err := svc.campaigns.GetByID(ctx, c.ID)
			require.NoError(t, err)
			assert.Equal(t, models.CampaignStatus(finish), stored.Status)
		})
	}
}

func TestCampaignService_MarkFailedFromDraft(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	c, err := svc.campaigns.Create(ctx, standardRequest())
	require.NoError(t, err)

	assert.ErrorIs(t, svc.campaigns.MarkFailed(ctx, c.ID, "nope"), models.ErrInvalidTransition)
	assert.ErrorIs(t, svc.campaigns.MarkCompleted(ctx, c.ID), models.ErrInvalidTransition)
}

func TestCampaignService_LateEventsAfterCompletion(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	c, err := svc.campaigns.Create(ctx, standardRequest())
	require.NoError(t, err)
	_, err = svc.campaigns.StartSend(ctx, c.ID)
	require.NoError(t, err)
	require.NoError(t, svc.stats.RecordEvent(ctx, c.ID, models.EventSent, 4))
	require.NoError(t, svc.campaigns.MarkCompleted(ctx, c.ID))

	before, err := svc.campaigns.GetByID(ctx, c.ID)
	require.NoError(t, err)

	require.NoError(t, svc.stats.RecordEvent(ctx, c.ID, models.EventOpened, 1))

	after, err := svc.campaigns.GetByID(ctx, c.ID)
	require.NoError(t, err)

	want := before.Stats
	want.Opened++
	assert.Equal(t, want, after.Stats)
	assert.Equal(t, models.CampaignStatusCompleted, after.Status)
}

func TestStatsService_RecordEvent_Rejects(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	c, err := svc.campaigns.Create(ctx, standardRequest())
	require.NoError(t, err)

	tests := []struct {
		name  string
		id    string
		kind  models.EventKind
		delta int64
		isErr error
		code  string
	}{
		{name: "zero delta", id: c.ID, kind: models.EventOpened, delta: 0, code: models.CodeInvalidInput},
		{name: "negative delta", id: c.ID, kind: models.EventClicked, delta: -2, code: models.CodeInvalidInput},
		{name: "unknown kind", id: c.ID, kind: "delivered", delta: 1, code: models.CodeInvalidInput},
		{name: "malformed id", id: "nope", kind: models.EventOpened, delta: 1, isErr: models.ErrNotFound},
		{name: "unknown campaign", id: "0b1b7c4e-5a1f-4a53-9a0f-2d4c5e6f7a8b", kind: models.EventOpened, delta: 1, isErr: models.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.stats.RecordEvent(ctx, tt.id, tt.kind, tt.delta)
			require.Error(t, err)
			if tt.isErr != nil {
				assert.True(t, errors.Is(err, tt.isErr))
			}
			if tt.code != "" {
				var appErr *models.AppError
				require.ErrorAs(t, err, &appErr)
				assert.Equal(t, tt.code, appErr.Code)
			}
		})
	}

	stored, err := svc.campaigns.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStats{}, stored.Stats)
}

func TestCampaignService_GetAnalytics(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	c, err := svc.campaigns.Create(ctx, standardRequest())
	require.NoError(t, err)

	a, err := svc.campaigns.GetAnalytics(ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, a.OpenRate)

	require.NoError(t, svc.stats.RecordEvent(ctx, c.ID, models.EventSent, 8))
	require.NoError(t, svc.stats.RecordEvent(ctx, c.ID, models.EventOpened, 3))
	require.NoError(t, svc.stats.RecordEvent(ctx, c.ID, models.EventClicked, 1))

	a, err = svc.campaigns.GetAnalytics(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 37.5, a.OpenRate)
	assert.Equal(t, 12.5, a.ClickRate)
	assert.Equal(t, int64(8), a.Stats.Sent)
}

func TestCampaignService_UpdateAndDelete(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	c, err := svc.campaigns.Create(ctx, standardRequest())
	require.NoError(t, err)

	segment := "tech"
	updated, err := svc.campaigns.Update(ctx, c.ID, &UpdateCampaignRequest{Segment: &segment})
	require.NoError(t, err)
	assert.Equal(t, "tech", updated.Segment)

	bad := "nowhere"
	_, err = svc.campaigns.Update(ctx, c.ID, &UpdateCampaignRequest{Segment: &bad})
	assert.Error(t, err)

	require.NoError(t, svc.campaigns.Delete(ctx, c.ID))
	_, err = svc.campaigns.GetByID(ctx, c.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCampaignService_Duplicate(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	c, err := svc.campaigns.Create(ctx, standardRequest())
	require.NoError(t, err)
	_, err = svc.campaigns.StartSend(ctx, c.ID)
	require.NoError(t, err)
	require.NoError(t, svc.campaigns.MarkCompleted(ctx, c.ID))

	dup, err := svc.campaigns.Duplicate(ctx, c.ID)
	require.NoError(t, err)

	assert.NotEqual(t, c.ID, dup.ID)
	assert.Equal(t, models.CampaignStatusDraft, dup.Status)
	assert.Equal(t, "Morning digest (copy)", dup.Name)
	assert.Equal(t, c.ContentIDs, dup.ContentIDs)
	assert.Nil(t, dup.Snapshot)
	assert.Equal(t, models.CampaignStats{}, dup.Stats)
}

func TestCampaignService_PreviewDraft(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	c, err := svc.campaigns.Create(ctx, standardRequest())
	require.NoError(t, err)

	preview, err := svc.campaigns.Preview(ctx, c.ID, &PreviewRequest{Email: "p@example.com", RecipientID: 3})
	require.NoError(t, err)

	assert.False(t, preview.FromSnapshot)
	assert.Equal(t, "p@example.com", preview.Message.To)
	assert.Contains(t, preview.Message.UnsubscribeURL, "r=3")

	stored, err := svc.campaigns.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.Snapshot)
	assert.Equal(t, models.CampaignStatusDraft, stored.Status)

	_, err = svc.campaigns.Preview(ctx, c.ID, &PreviewRequest{RecipientKind: "admin"})
	assert.Error(t, err)
}

func TestCampaignService_List(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.campaigns.Create(ctx, standardRequest())
		require.NoError(t, err)
	}

	result, err := svc.campaigns.List(ctx, models.CampaignFilter{Status: "draft", PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, result.Data, 2)
	assert.Equal(t, int64(3), result.Pagination.TotalCount)
	assert.Equal(t, 2, result.Pagination.TotalPages)

	_, err = svc.campaigns.List(ctx, models.CampaignFilter{Status: "paused"})
	assert.Error(t, err)
}
