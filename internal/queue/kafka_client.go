package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"github.com/Raymond9734/campaign-dispatch/internal/models"
)

// KafkaConfig holds Kafka queue settings
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kgo.Message, error)
	CommitMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// kafkaClient implements Client on a Kafka topic. Offsets are committed
// manually after the handler returns.
type kafkaClient struct {
	cfg     KafkaConfig
	writer  messageWriter
	reader  messageReader
	timeout time.Duration
	logger  *slog.Logger
}

// NewKafkaClient creates a Kafka queue client. The reader is created on the
// first Consume call so the API process, which only publishes, never joins
// the consumer group.
func NewKafkaClient(cfg KafkaConfig, logger *slog.Logger) (Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one Kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}

	w := &kgo.Writer{
		Addr:         kgo.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kgo.LeastBytes{},
		RequiredAcks: kgo.RequireOne,
	}

	logger.Info("kafka event queue configured",
		slog.Any("brokers", cfg.Brokers),
		slog.String("topic", cfg.Topic),
	)

	return &kafkaClient{
		cfg:     cfg,
		writer:  w,
		timeout: 3 * time.Second,
		logger:  logger,
	}, nil
}

// Publish writes an event keyed by campaign id
func (c *kafkaClient) Publish(ctx context.Context, event *models.DeliveryEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// keep the API from hanging when Kafka is down
	wctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err = c.writer.WriteMessages(wctx, kgo.Message{
		Key:   []byte(event.CampaignID),
		Value: data,
		Time:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to write event to kafka: %w", err)
	}
	return nil
}

// Consume fetches events in partition order. concurrency is ignored: the
// offset of a message is only committed after every earlier one. A message
// whose handler fails is written back to the topic before its offset is
// committed.
func (c *kafkaClient) Consume(ctx context.Context, handler EventHandler, _ int) error {
	if c.reader == nil {
		c.reader = kgo.NewReader(kgo.ReaderConfig{
			Brokers:        c.cfg.Brokers,
			Topic:          c.cfg.Topic,
			GroupID:        c.cfg.GroupID,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: 0, // manual commits
		})
	}

	c.logger.Info("starting kafka event consumer",
		slog.String("topic", c.cfg.Topic),
		slog.String("group_id", c.cfg.GroupID),
	)

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("failed to fetch from kafka", slog.String("error", err.Error()))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}

		var event models.DeliveryEvent
		if err := json.Unmarshal(m.Value, &event); err != nil {
			c.logger.Error("dropping malformed event",
				slog.String("error", err.Error()),
				slog.Int64("offset", m.Offset),
			)
		} else if err := handler(context.WithoutCancel(ctx), &event); err != nil {
			c.logger.Error("handler failed to process event, requeueing",
				slog.String("campaign_id", event.CampaignID),
				slog.String("event", string(event.Event)),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
			// without a copy further down the topic the offset must stay
			// uncommitted; stop so the group redelivers it
			if rerr := c.requeue(ctx, m); rerr != nil {
				return fmt.Errorf("event at offset %d neither handled nor requeued: %w", m.Offset, errors.Join(err, rerr))
			}
		}

		if err := c.commit(ctx, m); err != nil {
			c.logger.Warn("failed to commit kafka offset",
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

// requeue writes a failed message back to the end of the topic
func (c *kafkaClient) requeue(ctx context.Context, m kgo.Message) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()
	return c.writer.WriteMessages(wctx, kgo.Message{Key: m.Key, Value: m.Value, Time: time.Now()})
}

func (c *kafkaClient) commit(ctx context.Context, m kgo.Message) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()
	return c.reader.CommitMessages(cctx, m)
}

// Close flushes the writer and leaves the consumer group
func (c *kafkaClient) Close() error {
	c.logger.Info("closing kafka client")
	err := c.writer.Close()
	if c.reader != nil {
		err = errors.Join(err, c.reader.Close())
	}
	return err
}

// Health dials the first reachable broker
func (c *kafkaClient) Health(ctx context.Context) error {
	var lastErr error
	for _, broker := range c.cfg.Brokers {
		conn, err := kgo.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return fmt.Errorf("kafka health check failed: %w", lastErr)
}
