package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Raymond9734/campaign-dispatch/internal/models"
)

// sliceReader serves fixed messages and cancels the consumer once they are
// used up
type sliceReader struct {
	mu        sync.Mutex
	messages  []kgo.Message
	committed []int64
	drained   context.CancelFunc
}

func (r *sliceReader) FetchMessage(ctx context.Context) (kgo.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		r.drained()
		return kgo.Message{}, context.Canceled
	}
	m := r.messages[0]
	r.messages = r.messages[1:]
	return m, nil
}

func (r *sliceReader) CommitMessages(_ context.Context, msgs ...kgo.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *sliceReader) Close() error { return nil }

type recordingWriter struct {
	mu      sync.Mutex
	written []kgo.Message
	err     error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kgo.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func eventMessages(t *testing.T, kinds ...models.EventKind) []kgo.Message {
	t.Helper()
	msgs := make([]kgo.Message, 0, len(kinds))
	for i, kind := range kinds {
		data, err := json.Marshal(models.DeliveryEvent{CampaignID: "c1", Event: kind, Delta: 1})
		require.NoError(t, err)
		msgs = append(msgs, kgo.Message{Key: []byte("c1"), Value: data, Offset: int64(i)})
	}
	return msgs
}

func newTestKafka(reader *sliceReader, writer *recordingWriter) *kafkaClient {
	return &kafkaClient{
		cfg:     KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "events", GroupID: "stats"},
		writer:  writer,
		reader:  reader,
		timeout: time.Second,
		logger:  slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
}

func TestKafkaClient_FailedEventIsWrittenBackBeforeCommit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &sliceReader{
		messages: eventMessages(t, models.EventOpened, models.EventClicked, models.EventBounced),
		drained:  cancel,
	}
	writer := &recordingWriter{}
	c := newTestKafka(reader, writer)

	var seen []models.EventKind
	err := c.Consume(ctx, func(hctx context.Context, event *models.DeliveryEvent) error {
		seen = append(seen, event.Event)
		if event.Event == models.EventClicked {
			return errors.New("stats table locked")
		}
		return nil
	}, 1)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []models.EventKind{models.EventOpened, models.EventClicked, models.EventBounced}, seen)
	assert.Equal(t, []int64{0, 1, 2}, reader.committed)

	require.Len(t, writer.written, 1)
	var requeued models.DeliveryEvent
	require.NoError(t, json.Unmarshal(writer.written[0].Value, &requeued))
	assert.Equal(t, models.EventClicked, requeued.Event)
	assert.Equal(t, []byte("c1"), writer.written[0].Key)
}

func TestKafkaClient_OffsetStaysWhenEventCannotBeWrittenBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &sliceReader{
		messages: eventMessages(t, models.EventOpened, models.EventClicked, models.EventBounced),
		drained:  cancel,
	}
	writer := &recordingWriter{err: errors.New("leader not available")}
	c := newTestKafka(reader, writer)

	err := c.Consume(ctx, func(_ context.Context, event *models.DeliveryEvent) error {
		if event.Event == models.EventClicked {
			return errors.New("stats table locked")
		}
		return nil
	}, 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "offset 1")

	assert.Equal(t, []int64{0}, reader.committed)
	assert.Len(t, reader.messages, 1)
}

func TestKafkaClient_HandlerOutlivesShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &sliceReader{messages: eventMessages(t, models.EventOpened), drained: cancel}
	c := newTestKafka(reader, &recordingWriter{})

	err := c.Consume(ctx, func(hctx context.Context, _ *models.DeliveryEvent) error {
		cancel()
		return hctx.Err()
	}, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int64{0}, reader.committed)
}
