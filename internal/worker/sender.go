package worker

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/Raymond9734/campaign-dispatch/internal/models"
)

// SendResult is what a transport reports for an accepted message
type SendResult struct {
	MessageID string
}

// Transport delivers one rendered message
type Transport interface {
	Send(ctx context.Context, msg *models.OutboundMessage) (*SendResult, error)
}

// mockTransport simulates delivery with a configurable success rate
type mockTransport struct {
	successRate float64
	minDelay    time.Duration
	maxDelay    time.Duration
}

// NewMockTransport creates a simulated transport.
// successRate: probability of success (0.0 to 1.0), default 0.97
func NewMockTransport(successRate float64, minDelay, maxDelay time.Duration) Transport {
	if successRate <= 0 || successRate > 1.0 {
		successRate = 0.97
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}

	return &mockTransport{
		successRate: successRate,
		minDelay:    minDelay,
		maxDelay:    maxDelay,
	}
}

// Send simulates sending a message
func (t *mockTransport) Send(ctx context.Context, msg *models.OutboundMessage) (*SendResult, error) {
	delay := t.minDelay
	if spread := t.maxDelay - t.minDelay; spread > 0 {
		delay += time.Duration(rand.Int63n(int64(spread)))
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if rand.Float64() > t.successRate {
		return nil, fmt.Errorf("mock transport rejected %s: simulated provider error", msg.To)
	}

	return &SendResult{MessageID: "mock-" + uuid.NewString()}, nil
}
