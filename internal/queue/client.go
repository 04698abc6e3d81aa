package queue

import (
	"context"

	"github.com/Raymond9734/campaign-dispatch/internal/models"
)

// Client defines the interface for delivery event queue operations
type Client interface {
	// Publish sends a delivery event to the queue
	Publish(ctx context.Context, event *models.DeliveryEvent) error

	// Consume receives events and processes them with the handler until ctx
	// is cancelled. concurrency controls how many events are processed at once.
	Consume(ctx context.Context, handler EventHandler, concurrency int) error

	// Close closes the queue connection
	Close() error

	// Health checks if the queue is healthy
	Health(ctx context.Context) error
}

// EventHandler is a function that processes one delivery event. A non-nil
// error puts the event back on the queue, so handlers return nil for events
// that should be dropped.
type EventHandler func(ctx context.Context, event *models.DeliveryEvent) error
