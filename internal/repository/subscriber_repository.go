package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/Raymond9734/campaign-dispatch/internal/models"
)

// SubscriberDirectory pages through deliverable recipients of one kind in
// ascending id order
type SubscriberDirectory interface {
	GetSegmentPage(ctx context.Context, query models.SegmentQuery, afterID int64, pageSize int) ([]models.Recipient, error)
}

// subscriberRepository implements SubscriberDirectory using PostgreSQL.
// Subscribers and registered users live in separate tables with separate
// id sequences.
type subscriberRepository struct {
	db *sql.DB
}

// NewSubscriberRepository creates a new subscriber directory
func NewSubscriberRepository(db *sql.DB) SubscriberDirectory {
	return &subscriberRepository{db: db}
}

// GetSegmentPage returns up to pageSize recipients with id > afterID. An
// empty page means the kind is exhausted for now.
func (r *subscriberRepository) GetSegmentPage(ctx context.Context, q models.SegmentQuery, afterID int64, pageSize int) ([]models.Recipient, error) {
	var query string
	switch q.Kind {
	case models.RecipientSubscriber:
		query = `SELECT id, email FROM subscribers WHERE status = 'active' AND id > $1`
	case models.RecipientUser:
		query = `SELECT id, email FROM users WHERE newsletter_opt_in AND id > $1`
	default:
		return nil, fmt.Errorf("unknown recipient kind %q", q.Kind)
	}

	args := []interface{}{afterID, pageSize}
	if len(q.Tags) > 0 {
		query += ` AND tags && $3`
		args = append(args, pq.Array(q.Tags))
	}
	query += ` ORDER BY id ASC LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s page: %w", q.Kind, err)
	}
	defer rows.Close()

	recipients := make([]models.Recipient, 0, pageSize)
	for rows.Next() {
		rcpt := models.Recipient{Kind: q.Kind}
		if err := rows.Scan(&rcpt.ID, &rcpt.Address); err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		recipients = append(recipients, rcpt)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recipients: %w", err)
	}

	return recipients, nil
}
