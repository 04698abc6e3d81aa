package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Raymond9734/campaign-dispatch/internal/models"
)

func testMessage() *models.OutboundMessage {
	return &models.OutboundMessage{
		CampaignID:    "0b1b7c4e-5a1f-4a53-9a0f-2d4c5e6f7a8b",
		RecipientID:   42,
		RecipientKind: models.RecipientUser,
		To:            "jane@example.com",
		Subject:       "Morning digest",
		HTML:          "<p>Hello</p>",
		Text:          "Hello",
	}
}

func TestMockTransport(t *testing.T) {
	t.Run("always succeeds at rate 1", func(t *testing.T) {
		tr := NewMockTransport(1.0, 0, 0)
		for i := 0; i < 50; i++ {
			res, err := tr.Send(context.Background(), testMessage())
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(res.MessageID, "mock-"))
		}
	})

	t.Run("honours cancellation during latency", func(t *testing.T) {
		tr := NewMockTransport(1.0, time.Second, 2*time.Second)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := tr.Send(ctx, testMessage())
		assert.ErrorIs(t, err, context.Canceled)
	})
}

type fakeSES struct {
	input *sesv2.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(_ context.Context, params *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-123")}, nil
}

func TestSESTransport_Send(t *testing.T) {
	api := &fakeSES{}
	tr := newSESTransport(api, SESConfig{
		FromAddress:      "news@example.com",
		FromName:         "The Newsroom",
		ConfigurationSet: "campaigns",
	}, discardLogger())

	res, err := tr.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "ses-123", res.MessageID)

	in := api.input
	require.NotNil(t, in)
	assert.Equal(t, "The Newsroom <news@example.com>", aws.ToString(in.FromEmailAddress))
	assert.Equal(t, []string{"jane@example.com"}, in.Destination.ToAddresses)
	assert.Equal(t, "campaigns", aws.ToString(in.ConfigurationSetName))
	assert.Equal(t, "Morning digest", aws.ToString(in.Content.Simple.Subject.Data))
	assert.Equal(t, "<p>Hello</p>", aws.ToString(in.Content.Simple.Body.Html.Data))
	assert.Equal(t, "Hello", aws.ToString(in.Content.Simple.Body.Text.Data))

	tags := map[string]string{}
	for _, tag := range in.EmailTags {
		tags[aws.ToString(tag.Name)] = aws.ToString(tag.Value)
	}
	assert.Equal(t, map[string]string{
		"campaign_id":    "0b1b7c4e-5a1f-4a53-9a0f-2d4c5e6f7a8b",
		"recipient_id":   "42",
		"recipient_kind": "user",
	}, tags)
}

func TestSESTransport_SendError(t *testing.T) {
	api := &fakeSES{err: errors.New("MessageRejected")}
	tr := newSESTransport(api, SESConfig{FromAddress: "news@example.com"}, discardLogger())

	_, err := tr.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "jane@example.com")
	assert.Equal(t, "news@example.com", aws.ToString(api.input.FromEmailAddress))
}
