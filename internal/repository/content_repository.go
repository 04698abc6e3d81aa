package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/Raymond9734/campaign-dispatch/internal/models"
)

// ContentRepository looks up the articles a standard campaign curates
type ContentRepository interface {
	// GetContentItemsByIds returns the items that exist, in no particular
	// order. Unknown ids are silently absent.
	GetContentItemsByIds(ctx context.Context, ids []string) ([]models.ContentItem, error)
}

// contentRepository implements ContentRepository using PostgreSQL
type contentRepository struct {
	db *sql.DB
}

// NewContentRepository creates a new content repository
func NewContentRepository(db *sql.DB) ContentRepository {
	return &contentRepository{db: db}
}

// GetContentItemsByIds fetches content items in one round trip
func (r *contentRepository) GetContentItemsByIds(ctx context.Context, ids []string) ([]models.ContentItem, error) {
	if len(ids) == 0 {
		return []models.ContentItem{}, nil
	}

	query := `
		SELECT id, title, body, description, image, url
		FROM content_items
		WHERE id = ANY($1)`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to get content items: %w", err)
	}
	defer rows.Close()

	items := make([]models.ContentItem, 0, len(ids))
	for rows.Next() {
		var item models.ContentItem
		if err := rows.Scan(&item.ID, &item.Title, &item.Body, &item.Description, &item.Image, &item.URL); err != nil {
			return nil, fmt.Errorf("failed to scan content item: %w", err)
		}
		items = append(items, item)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating content items: %w", err)
	}

	return items, nil
}
