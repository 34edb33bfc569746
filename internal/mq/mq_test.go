package mq

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- BuildTaskMessage Tests ---

func TestBuildTaskMessage(t *testing.T) {
	eta := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	task := CeleryTask{
		ID:       "new-id",
		Name:     "billing.tasks.charge_card",
		Args:     []any{42},
		Kwargs:   map[string]any{"currency": "EUR"},
		RootID:   "root-1",
		ParentID: "failed-id",
		Retries:  2,
		ETA:      &eta,
	}

	msg, err := BuildTaskMessage(task, "celerywatch@test")
	require.NoError(t, err)

	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, "utf-8", msg.ContentEncoding)
	assert.Equal(t, "new-id", msg.CorrelationId)

	assert.Equal(t, "billing.tasks.charge_card", msg.Headers["task"])
	assert.Equal(t, "new-id", msg.Headers["id"])
	assert.Equal(t, "root-1", msg.Headers["root_id"])
	assert.Equal(t, "failed-id", msg.Headers["parent_id"])
	assert.Equal(t, int32(2), msg.Headers["retries"])
	assert.Equal(t, "2026-03-01T12:00:30Z", msg.Headers["eta"])
	assert.Equal(t, "py", msg.Headers["lang"])
	assert.NoError(t, msg.Headers.Validate())

	var body []json.RawMessage
	require.NoError(t, json.Unmarshal(msg.Body, &body))
	require.Len(t, body, 3)
	assert.JSONEq(t, `[42]`, string(body[0]))
	assert.JSONEq(t, `{"currency":"EUR"}`, string(body[1]))
	assert.JSONEq(t, `{"callbacks":null,"errbacks":null,"chain":null,"chord":null}`, string(body[2]))
}

func TestBuildTaskMessage_Defaults(t *testing.T) {
	msg, err := BuildTaskMessage(CeleryTask{Name: "reports.build"}, "o")
	require.NoError(t, err)

	id, _ := msg.Headers["id"].(string)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, msg.Headers["root_id"], "root_id defaults to own id")
	assert.Nil(t, msg.Headers["parent_id"])
	assert.Nil(t, msg.Headers["eta"])

	var body []any
	require.NoError(t, json.Unmarshal(msg.Body, &body))
	assert.Equal(t, []any{}, body[0])
	assert.Equal(t, map[string]any{}, body[1])
}

func TestBuildTaskMessage_RequiresName(t *testing.T) {
	_, err := BuildTaskMessage(CeleryTask{}, "o")
	assert.ErrorIs(t, err, ErrInvalidTask)
}

// --- DecodeKombuEnvelope Tests ---

func TestDecodeKombuEnvelope(t *testing.T) {
	event := `{"type":"task-failed","uuid":"abc","hostname":"celery@w1"}`

	tests := []struct {
		name    string
		payload string
		want    string
		wantErr bool
	}{
		{
			name: "base64 body",
			payload: `{"body":"` + base64.StdEncoding.EncodeToString([]byte(event)) +
				`","content-type":"application/json","properties":{"body_encoding":"base64"}}`,
			want: event,
		},
		{
			name:    "plain string body",
			payload: `{"body":` + mustQuote(event) + `,"properties":{}}`,
			want:    event,
		},
		{
			name:    "object body",
			payload: `{"body":` + event + `}`,
			want:    event,
		},
		{name: "no body", payload: `{"properties":{}}`, wantErr: true},
		{name: "not json", payload: `garbage`, wantErr: true},
		{
			name:    "bad base64",
			payload: `{"body":"!!!","properties":{"body_encoding":"base64"}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeKombuEnvelope([]byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestNewRedisEventSource_DefaultPattern(t *testing.T) {
	src, err := NewRedisEventSource(RedisSourceConfig{URL: "redis://localhost:6379/3"})
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, "/3.celeryev/*", src.pattern)
}

func TestTopologyInfo(t *testing.T) {
	assert.Contains(t, TopologyInfo(QueueEvents), "celerywatch.events")
}

func mustQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// --- EventConsumer Tests ---

type ackRecorder struct {
	acked, nacked, requeued int
}

func (a *ackRecorder) Ack(uint64, bool) error { a.acked++; return nil }
func (a *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked++
	if requeue {
		a.requeued++
	}
	return nil
}
func (a *ackRecorder) Reject(uint64, bool) error { return nil }

type sinkFunc func(ctx context.Context, source string, body []byte) error

func (f sinkFunc) Ingest(ctx context.Context, source string, body []byte) error {
	return f(ctx, source, body)
}

func TestEventConsumer_AckAndNack(t *testing.T) {
	var sources []string
	c := NewEventConsumer(nil, nil, "", sinkFunc(func(_ context.Context, source string, body []byte) error {
		sources = append(sources, source)
		if string(body) == "garbage" {
			return errors.New("decode event: invalid character")
		}
		return nil
	}))
	assert.Equal(t, QueueEvents, c.queue)

	acks := &ackRecorder{}
	c.handle(context.Background(), amqp.Delivery{Acknowledger: acks, Body: []byte(`{"type":"task-failed"}`)})
	c.handle(context.Background(), amqp.Delivery{Acknowledger: acks, Body: []byte("garbage")})

	assert.Equal(t, 1, acks.acked)
	assert.Equal(t, 1, acks.nacked)
	assert.Zero(t, acks.requeued, "broken events are never requeued")
	assert.Equal(t, []string{SourceAMQP, SourceAMQP}, sources)
}

func TestBackoff(t *testing.T) {
	var b backoff

	got := []time.Duration{b.next(), b.next(), b.next()}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, got)

	for i := 0; i < 10; i++ {
		b.next()
	}
	assert.Equal(t, reconnectMaxDelay, b.next())

	b.reset()
	assert.Equal(t, reconnectMinDelay, b.next(), "a successful subscription starts over")
}
