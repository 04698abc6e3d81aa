package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Raymond9734/campaign-dispatch/internal/models"
)

var campaignRowColumns = []string{
	"id", "name", "subject", "preheader", "template", "segment", "content_ids", "body_html",
	"snapshot_html", "snapshot_text", "snapshot_meta", "snapshot_content_ids",
	"status", "last_processed_id", "last_processed_user_id", "started_at", "completed_at",
	"failure_reason", "claimed_by", "lease_until",
	"sent_count", "opened_count", "clicked_count", "bounced_count", "unsubscribed_count",
	"complained_count", "failed_count",
	"created_at", "updated_at",
}

const campaignID = "5f0c6f0e-8a8e-4f56-9a1c-2f7c52a0c001"

func newMock(t *testing.T) (*campaignRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &campaignRepository{db: db}, mock
}

func draftRow(now time.Time) []driver.Value {
	return []driver.Value{
		campaignID, "Weekly digest", "This week", "", "standard", "all", "{a1,a2}", "",
		nil, nil, nil, nil,
		"draft", nil, nil, nil, nil,
		nil, nil, nil,
		0, 0, 0, 0, 0, 0, 0,
		now, now,
	}
}

func TestCampaignRepository_GetByID(t *testing.T) {
	repo, mock := newMock(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM campaigns WHERE id = $1")).
		WithArgs(campaignID).
		WillReturnRows(sqlmock.NewRows(campaignRowColumns).AddRow(draftRow(now)...))

	c, err := repo.GetByID(context.Background(), campaignID)
	require.NoError(t, err)

	assert.Equal(t, campaignID, c.ID)
	assert.Equal(t, models.CampaignStatusDraft, c.Status)
	assert.Equal(t, models.TemplateStandard, c.Template)
	assert.Equal(t, []string{"a1", "a2"}, c.ContentIDs)
	assert.Nil(t, c.Snapshot)
	assert.Nil(t, c.LastProcessedID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignRepository_GetByID_WithSnapshot(t *testing.T) {
	repo, mock := newMock(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	row := draftRow(now)
	row[8] = "<p>frozen</p>"
	row[9] = "frozen"
	row[10] = []byte(`{"subject":"This week","unsubscribe_url_template":"https://x/u?r={recipient_id}"}`)
	row[11] = "{a1}"
	row[12] = "sending"
	row[13] = int64(600)
	row[15] = now
	row[20] = int64(600)

	mock.ExpectQuery(regexp.QuoteMeta("FROM campaigns WHERE id = $1")).
		WithArgs(campaignID).
		WillReturnRows(sqlmock.NewRows(campaignRowColumns).AddRow(row...))

	c, err := repo.GetByID(context.Background(), campaignID)
	require.NoError(t, err)
	require.NotNil(t, c.Snapshot)

	assert.Equal(t, "<p>frozen</p>", c.Snapshot.HTML)
	assert.Equal(t, "frozen", c.Snapshot.Text)
	assert.Equal(t, "This week", c.Snapshot.Meta.Subject)
	assert.Equal(t, []string{"a1"}, c.Snapshot.ContentIDs)
	require.NotNil(t, c.LastProcessedID)
	assert.Equal(t, int64(600), *c.LastProcessedID)
	assert.Equal(t, int64(600), c.Stats.Sent)
}

func TestCampaignRepository_GetByID_NotFound(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM campaigns WHERE id = $1")).
		WithArgs(campaignID).
		WillReturnRows(sqlmock.NewRows(campaignRowColumns))

	_, err := repo.GetByID(context.Background(), campaignID)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestCampaignRepository_BeginSending(t *testing.T) {
	startedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	editedAt := time.Date(2026, 3, 1, 9, 58, 12, 345678000, time.UTC)
	snapshot := &models.Snapshot{
		HTML:       "<p>hi</p>",
		Text:       "hi",
		Meta:       models.SnapshotMeta{Subject: "Hi"},
		ContentIDs: []string{"a1"},
	}

	t.Run("draft moves to sending", func(t *testing.T) {
		repo, mock := newMock(t)

		mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND status = 'draft' AND snapshot_html IS NULL AND updated_at = $7")).
			WithArgs(campaignID, "<p>hi</p>", "hi", sqlmock.AnyArg(), sqlmock.AnyArg(), startedAt, editedAt).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.BeginSending(context.Background(), campaignID, editedAt, snapshot, startedAt))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already sending is an invalid transition", func(t *testing.T) {
		repo, mock := newMock(t)

		mock.ExpectExec(regexp.QuoteMeta("SET status = 'sending'")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM campaigns WHERE id = $1")).
			WithArgs(campaignID).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("sending"))

		err := repo.BeginSending(context.Background(), campaignID, editedAt, snapshot, startedAt)
		assert.True(t, errors.Is(err, models.ErrInvalidTransition))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("draft edited since it was read is a conflict", func(t *testing.T) {
		repo, mock := newMock(t)

		mock.ExpectExec(regexp.QuoteMeta("SET status = 'sending'")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM campaigns WHERE id = $1")).
			WithArgs(campaignID).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("draft"))

		err := repo.BeginSending(context.Background(), campaignID, editedAt, snapshot, startedAt)
		assert.True(t, errors.Is(err, models.ErrConflict))
		assert.False(t, errors.Is(err, models.ErrInvalidTransition))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing campaign is not found", func(t *testing.T) {
		repo, mock := newMock(t)

		mock.ExpectExec(regexp.QuoteMeta("SET status = 'sending'")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM campaigns")).
			WillReturnRows(sqlmock.NewRows([]string{"status"}))

		err := repo.BeginSending(context.Background(), campaignID, editedAt, snapshot, startedAt)
		assert.True(t, errors.Is(err, models.ErrNotFound))
	})
}

func TestCampaignRepository_MarkCompleted(t *testing.T) {
	completedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("claim holder completes", func(t *testing.T) {
		repo, mock := newMock(t)

		mock.ExpectExec(regexp.QuoteMeta("AND ($3 = '' OR claimed_by IS NULL OR claimed_by = $3)")).
			WithArgs(campaignID, completedAt, "worker-a").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.MarkCompleted(context.Background(), campaignID, "worker-a", completedAt))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("another worker's claim is lost", func(t *testing.T) {
		repo, mock := newMock(t)

		mock.ExpectExec(regexp.QuoteMeta("SET status = 'completed'")).
			WithArgs(campaignID, completedAt, "worker-a").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM campaigns WHERE id = $1")).
			WithArgs(campaignID).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("sending"))

		err := repo.MarkCompleted(context.Background(), campaignID, "worker-a", completedAt)
		assert.True(t, errors.Is(err, models.ErrClaimLost))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("terminal campaign is an invalid transition", func(t *testing.T) {
		repo, mock := newMock(t)

		mock.ExpectExec(regexp.QuoteMeta("SET status = 'failed'")).
			WithArgs(campaignID, "provider down", "").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM campaigns WHERE id = $1")).
			WithArgs(campaignID).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))

		err := repo.MarkFailed(context.Background(), campaignID, "", "provider down")
		assert.True(t, errors.Is(err, models.ErrInvalidTransition))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCampaignRepository_UpdateDraft_RejectsNonDraft(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND status = 'draft'")).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM campaigns")).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))

	err := repo.UpdateDraft(context.Background(), &models.Campaign{ID: campaignID, Name: "x"})
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))
}

func TestCampaignRepository_AdvanceCursor(t *testing.T) {
	lease := time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC)

	tests := []struct {
		name    string
		kind    models.RecipientKind
		column  string
		rows    int64
		wantErr error
	}{
		{"subscriber cursor", models.RecipientSubscriber, "last_processed_id = GREATEST(COALESCE(last_processed_id, 0), $3)", 1, nil},
		{"user cursor", models.RecipientUser, "last_processed_user_id = GREATEST(COALESCE(last_processed_user_id, 0), $3)", 1, nil},
		{"claim lost", models.RecipientSubscriber, "last_processed_id = GREATEST", 0, models.ErrClaimLost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newMock(t)

			mock.ExpectExec(regexp.QuoteMeta(tt.column)).
				WithArgs(campaignID, "worker-a", int64(700), lease).
				WillReturnResult(sqlmock.NewResult(0, tt.rows))

			err := repo.AdvanceCursor(context.Background(), campaignID, "worker-a", tt.kind, 700, lease)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestCampaignRepository_Claim(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	lease := now.Add(2 * time.Minute)

	for _, rows := range []int64{1, 0} {
		repo, mock := newMock(t)

		mock.ExpectExec(regexp.QuoteMeta("(claimed_by IS NULL OR lease_until IS NULL OR lease_until < $3)")).
			WithArgs(campaignID, "worker-a", now, lease).
			WillReturnResult(sqlmock.NewResult(0, rows))

		ok, err := repo.Claim(context.Background(), campaignID, "worker-a", now, lease)
		require.NoError(t, err)
		assert.Equal(t, rows == 1, ok)
	}
}

func TestCampaignRepository_ListClaimable(t *testing.T) {
	repo, mock := newMock(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	row := draftRow(now)
	row[12] = "sending"

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY started_at ASC, id ASC")).
		WithArgs(now, 5).
		WillReturnRows(sqlmock.NewRows(campaignRowColumns).AddRow(row...))

	campaigns, err := repo.ListClaimable(context.Background(), now, 5)
	require.NoError(t, err)
	require.Len(t, campaigns, 1)
	assert.Equal(t, models.CampaignStatusSending, campaigns[0].Status)
}

func TestCampaignRepository_IncrementStat(t *testing.T) {
	t.Run("atomic increment", func(t *testing.T) {
		repo, mock := newMock(t)

		mock.ExpectExec(regexp.QuoteMeta("UPDATE campaigns SET opened_count = opened_count + $2 WHERE id = $1")).
			WithArgs(campaignID, int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.IncrementStat(context.Background(), campaignID, models.EventOpened, 1))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-positive delta never reaches the database", func(t *testing.T) {
		repo, mock := newMock(t)

		err := repo.IncrementStat(context.Background(), campaignID, models.EventOpened, 0)
		var appErr *models.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, models.CodeInvalidInput, appErr.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown campaign", func(t *testing.T) {
		repo, mock := newMock(t)

		mock.ExpectExec(regexp.QuoteMeta("failed_count = failed_count + $2")).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.IncrementStat(context.Background(), campaignID, models.EventFailed, 3)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestCampaignRepository_List(t *testing.T) {
	repo, mock := newMock(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM campaigns WHERE 1=1 AND status = $1")).
		WithArgs("draft").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(21))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3")).
		WithArgs("draft", 20, 20).
		WillReturnRows(sqlmock.NewRows(campaignRowColumns).AddRow(draftRow(now)...))

	campaigns, total, err := repo.List(context.Background(), models.CampaignFilter{Status: "draft", Page: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(21), total)
	assert.Len(t, campaigns, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}
