package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchesPrefix(t *testing.T) {
	tests := []struct {
		name   string
		topic  string
		prefix string
		want   bool
	}{
		{"exact root", "strategy.signal.BTCUSDT", TopicStrategySignal, true},
		{"full topic as prefix", "strategy.signal.BTCUSDT", "strategy.signal.BTCUSDT", true},
		{"different root", "execution.order.BTCUSDT", TopicStrategySignal, false},
		{"shared leading bytes only", "strategy.signals.BTCUSDT", "strategy.signal.X", false},
		{"empty prefix matches all", "arb.opportunity.ETHUSDT", "", true},
		{"prefix longer than topic", "arb", TopicArbOpportunity, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchesPrefix(tt.topic, tt.prefix))
		})
	}
}

func TestValidTopic(t *testing.T) {
	assert.True(t, ValidTopic("strategy.signal.BTCUSDT"))
	assert.True(t, ValidTopic("a"))
	assert.False(t, ValidTopic(""))
	assert.False(t, ValidTopic("has space"))
	assert.False(t, ValidTopic("tab\there"))
	assert.False(t, ValidTopic("newline\n"))
	assert.False(t, ValidTopic("ctrl\x01byte"))
}

func TestMessageClone(t *testing.T) {
	payload := []byte("original")
	m := Message{Topic: "strategy.signal.BTCUSDT", Payload: payload}

	clone := m.Clone()
	payload[0] = 'X'

	assert.Equal(t, byte('o'), clone.Payload[0])
	assert.Equal(t, m.Topic, clone.Topic)
}
