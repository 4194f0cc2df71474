package bridge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/schema"
)

func TestEncodeEnvelopeJSONPayload(t *testing.T) {
	frame, err := encodeEnvelope(schema.Message{
		Topic:       "strategy.signal.BTCUSDT",
		PublisherID: "strategy-worker",
		PublishedAt: 123,
		Payload:     []byte(`{"side":"buy"}`),
	})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	assert.Equal(t, "strategy.signal.BTCUSDT", env.Topic)
	assert.Equal(t, "strategy-worker", env.PublisherID)
	assert.Equal(t, int64(123), env.PublishedAt)
	assert.JSONEq(t, `{"side":"buy"}`, string(env.Payload))
}

func TestEncodeEnvelopeBinaryPayload(t *testing.T) {
	frame, err := encodeEnvelope(schema.Message{
		Topic:   "strategy.signal.BTCUSDT",
		Payload: []byte("not json"),
	})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(frame, &env))

	var s string
	require.NoError(t, json.Unmarshal(env.Payload, &s))
	assert.Equal(t, "not json", s)
}

func TestBroadcastDropsWhenClientFull(t *testing.T) {
	b := New(Config{ClientQueueSize: 1})
	c := &client{queue: make(chan []byte, 1)}
	b.clients[c] = struct{}{}

	b.broadcast([]byte("first"))
	b.broadcast([]byte("second"))

	assert.Equal(t, []byte("first"), <-c.queue)
	select {
	case extra := <-c.queue:
		t.Fatalf("expected overflow drop, got %q", extra)
	default:
	}
}

func TestClientCloseIsIdempotent(t *testing.T) {
	c := &client{queue: make(chan []byte, 1)}
	c.close()
	c.close()

	_, ok := <-c.queue
	assert.False(t, ok)
}
