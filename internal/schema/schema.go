package schema

import "strings"

// Message is the immutable unit of communication on the relay.
// The relay never parses Payload; its layout is owned by the
// producing and consuming workers.
type Message struct {
	Topic       string
	PublisherID string
	PublishedAt int64 // unix nanoseconds
	Payload     []byte
}

// Clone returns a deep copy so consumers can hold messages
// beyond the lifetime of the transport buffer.
func (m Message) Clone() Message {
	out := m
	if len(m.Payload) > 0 {
		out.Payload = make([]byte, len(m.Payload))
		copy(out.Payload, m.Payload)
	}
	return out
}

// Well-known topic roots. Topics are hierarchical dot-separated
// strings, e.g. "strategy.signal.BTCUSD".
const (
	TopicStrategySignal = "strategy.signal."
	TopicExecutionOrder = "execution.order."
	TopicArbOpportunity = "arb.opportunity."
)

// MatchesPrefix reports whether topic starts with prefix.
// Prefix matching is the only routing and authorization mechanism:
// a subscriber sees a message iff one of its prefixes matches.
func MatchesPrefix(topic, prefix string) bool {
	return strings.HasPrefix(topic, prefix)
}

// ValidTopic reports whether a topic is non-empty and contains
// no whitespace or control bytes.
func ValidTopic(topic string) bool {
	if topic == "" {
		return false
	}
	for i := 0; i < len(topic); i++ {
		if topic[i] <= ' ' || topic[i] == 0x7f {
			return false
		}
	}
	return true
}
