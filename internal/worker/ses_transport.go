package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/Raymond9734/campaign-dispatch/internal/logging"
	"github.com/Raymond9734/campaign-dispatch/internal/models"
)

// SESConfig holds the settings for the SES transport
type SESConfig struct {
	Region           string
	AccessKey        string
	SecretKey        string
	FromAddress      string
	FromName         string
	ConfigurationSet string
}

// sesAPI is the part of the SES client the transport uses
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESTransport sends messages through AWS SES v2
type SESTransport struct {
	client sesAPI
	cfg    SESConfig
	logger *slog.Logger
}

// NewSESTransport creates an SES transport. Static credentials are used when
// both keys are set; otherwise the default AWS credential chain applies.
func NewSESTransport(ctx context.Context, cfg SESConfig, logger *slog.Logger) (*SESTransport, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("SES transport initialized",
		slog.String("region", cfg.Region),
		slog.String("from", cfg.FromAddress),
	)

	return newSESTransport(sesv2.NewFromConfig(awsCfg), cfg, logger), nil
}

func newSESTransport(client sesAPI, cfg SESConfig, logger *slog.Logger) *SESTransport {
	return &SESTransport{client: client, cfg: cfg, logger: logger}
}

// Send delivers one message. The campaign and recipient ids travel as
// message tags so provider events can be routed back to the campaign.
func (t *SESTransport) Send(ctx context.Context, msg *models.OutboundMessage) (*SendResult, error) {
	from := t.cfg.FromAddress
	if t.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", t.cfg.FromName, t.cfg.FromAddress)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("campaign_id"), Value: aws.String(msg.CampaignID)},
			{Name: aws.String("recipient_id"), Value: aws.String(strconv.FormatInt(msg.RecipientID, 10))},
			{Name: aws.String("recipient_kind"), Value: aws.String(string(msg.RecipientKind))},
		},
	}

	if msg.Text != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}
	if t.cfg.ConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(t.cfg.ConfigurationSet)
	}

	out, err := t.client.SendEmail(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("ses send to %s: %w", logging.RedactEmail(msg.To), err)
	}

	result := &SendResult{}
	if out.MessageId != nil {
		result.MessageID = *out.MessageId
	}

	t.logger.Debug("ses message accepted",
		slog.String("campaign_id", msg.CampaignID),
		slog.String("to", logging.RedactEmail(msg.To)),
		slog.String("message_id", result.MessageID),
	)

	return result, nil
}
