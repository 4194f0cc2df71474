package relay

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/codec"
	"main/internal/schema"
)

func startRelay(t *testing.T) (*Server, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)

	server := NewServer(Config{
		IngressAddr: "127.0.0.1:0",
		EgressAddr:  "127.0.0.1:0",
		Stats:       &Stats{},
	})
	go func() {
		_ = server.Run(ctx)
	}()

	select {
	case <-server.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not become ready")
	}
	return server, ctx
}

func startPublisher(t *testing.T, ctx context.Context, server *Server, id string) *Publisher {
	t.Helper()
	pub := NewPublisher(PublisherConfig{
		Addr: server.IngressAddr(),
		ID:   id,
	})
	go func() {
		_ = pub.Run(ctx)
	}()
	require.Eventually(t, pub.Connected, 2*time.Second, 5*time.Millisecond)
	return pub
}

func startSubscriber(t *testing.T, ctx context.Context, server *Server, id string, prefixes ...string) *Subscriber {
	t.Helper()
	sub := NewSubscriber(SubscriberConfig{
		Addr:     server.EgressAddr(),
		ID:       id,
		Prefixes: prefixes,
	})
	go func() {
		_ = sub.Run(ctx)
	}()
	require.Eventually(t, sub.Connected, 2*time.Second, 5*time.Millisecond)
	// Give the server a moment to apply the subscribe control frames.
	time.Sleep(50 * time.Millisecond)
	return sub
}

func receiveOne(t *testing.T, sub *Subscriber) schema.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	msg, err := sub.Receive(ctx)
	require.NoError(t, err)
	return msg
}

func TestRelayDeliversInOrder(t *testing.T) {
	server, ctx := startRelay(t)
	sub := startSubscriber(t, ctx, server, "sub-order", schema.TopicStrategySignal)
	pub := startPublisher(t, ctx, server, "pub-order")

	const count = 100
	for i := 0; i < count; i++ {
		payload := []byte(fmt.Sprintf("msg-%03d", i))
		require.NoError(t, pub.Publish(schema.TopicStrategySignal+"BTCUSDT", payload))
	}

	for i := 0; i < count; i++ {
		msg := receiveOne(t, sub)
		assert.Equal(t, fmt.Sprintf("msg-%03d", i), string(msg.Payload))
		assert.Equal(t, "pub-order", msg.PublisherID)
		assert.Equal(t, schema.TopicStrategySignal+"BTCUSDT", msg.Topic)
	}
}

func TestRelayPrefixIsolation(t *testing.T) {
	server, ctx := startRelay(t)
	signals := startSubscriber(t, ctx, server, "sub-signals", schema.TopicStrategySignal)
	orders := startSubscriber(t, ctx, server, "sub-orders", schema.TopicExecutionOrder)
	pub := startPublisher(t, ctx, server, "pub-iso")

	require.NoError(t, pub.Publish(schema.TopicStrategySignal+"BTCUSDT", []byte("signal")))
	require.NoError(t, pub.Publish(schema.TopicExecutionOrder+"BTCUSDT", []byte("order")))

	msg := receiveOne(t, signals)
	assert.Equal(t, "signal", string(msg.Payload))

	msg = receiveOne(t, orders)
	assert.Equal(t, "order", string(msg.Payload))

	// Neither subscriber has anything beyond its own prefix.
	quiet, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	_, err := signals.Receive(quiet)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRelayZeroSubscribersIsSilent(t *testing.T) {
	server, ctx := startRelay(t)
	pub := startPublisher(t, ctx, server, "pub-silent")

	require.NoError(t, pub.Publish(schema.TopicArbOpportunity+"ETHUSDT", []byte("nobody")))

	assert.Eventually(t, func() bool {
		return server.Stats().Snapshot().Published == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(0), server.Stats().Snapshot().Forwarded)
}

func TestRelayFanout(t *testing.T) {
	server, ctx := startRelay(t)
	first := startSubscriber(t, ctx, server, "sub-a", schema.TopicStrategySignal)
	second := startSubscriber(t, ctx, server, "sub-b", "strategy.")
	pub := startPublisher(t, ctx, server, "pub-fan")

	require.NoError(t, pub.Publish(schema.TopicStrategySignal+"BTCUSDT", []byte("fan")))

	assert.Equal(t, "fan", string(receiveOne(t, first).Payload))
	assert.Equal(t, "fan", string(receiveOne(t, second).Payload))
}

func TestSubscriberUnsubscribeStopsDelivery(t *testing.T) {
	server, ctx := startRelay(t)
	sub := startSubscriber(t, ctx, server, "sub-unsub", schema.TopicStrategySignal)
	pub := startPublisher(t, ctx, server, "pub-unsub")

	require.NoError(t, pub.Publish(schema.TopicStrategySignal+"BTCUSDT", []byte("before")))
	assert.Equal(t, "before", string(receiveOne(t, sub).Payload))

	require.NoError(t, sub.Unsubscribe(schema.TopicStrategySignal))
	// The control frame is applied by the server asynchronously.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, pub.Publish(schema.TopicStrategySignal+"BTCUSDT", []byte("after")))
	quiet, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()
	_, err := sub.Receive(quiet)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscriberLiveSubscribe(t *testing.T) {
	server, ctx := startRelay(t)
	sub := startSubscriber(t, ctx, server, "sub-live", schema.TopicStrategySignal)
	pub := startPublisher(t, ctx, server, "pub-live")

	require.NoError(t, sub.Subscribe(schema.TopicExecutionOrder))
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, pub.Publish(schema.TopicExecutionOrder+"BTCUSDT", []byte("added")))
	assert.Equal(t, "added", string(receiveOne(t, sub).Payload))
}

func TestReceiveContextCancel(t *testing.T) {
	server, runCtx := startRelay(t)
	sub := startSubscriber(t, runCtx, server, "sub-cancel", schema.TopicStrategySignal)

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := sub.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubscriberCloseUnblocksReceive(t *testing.T) {
	server, ctx := startRelay(t)
	sub := startSubscriber(t, ctx, server, "sub-close", schema.TopicStrategySignal)

	go func() {
		time.Sleep(50 * time.Millisecond)
		sub.Close()
	}()
	_, err := sub.Receive(t.Context())
	assert.ErrorIs(t, err, ErrSubscriberClosed)
}

func TestPublishInvalidTopic(t *testing.T) {
	pub := NewPublisher(PublisherConfig{Addr: "127.0.0.1:1", ID: "pub-bad"})

	assert.ErrorIs(t, pub.Publish("", []byte("x")), ErrInvalidTopic)
	assert.ErrorIs(t, pub.Publish("has space", []byte("x")), ErrInvalidTopic)
}

func TestPublishAfterClose(t *testing.T) {
	pub := NewPublisher(PublisherConfig{Addr: "127.0.0.1:1", ID: "pub-closed"})
	pub.Close()

	assert.ErrorIs(t, pub.Publish("strategy.signal.BTCUSDT", []byte("x")), ErrPublisherClosed)
}

func TestPublishOversizedPayload(t *testing.T) {
	pub := NewPublisher(PublisherConfig{Addr: "127.0.0.1:1", ID: "pub-big", MaxFrameSize: 64})

	err := pub.Publish("strategy.signal.BTCUSDT", bytes.Repeat([]byte("x"), 128))
	assert.ErrorIs(t, err, codec.ErrFrameTooLarge)
}

func TestServerRunsAgainAfterStop(t *testing.T) {
	server := NewServer(Config{
		IngressAddr: "127.0.0.1:0",
		EgressAddr:  "127.0.0.1:0",
		Stats:       &Stats{},
	})

	ctx1, cancel1 := context.WithCancel(t.Context())
	run1 := make(chan error, 1)
	go func() { run1 <- server.Run(ctx1) }()
	select {
	case <-server.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("first run did not become ready")
	}

	cancel1()
	select {
	case err := <-run1:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("first run did not stop")
	}

	// The same instance serves a second run end to end.
	ctx2, cancel2 := context.WithCancel(t.Context())
	defer cancel2()
	run2 := make(chan error, 1)
	go func() { run2 <- server.Run(ctx2) }()
	select {
	case <-server.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("second run did not become ready")
	}

	sub := startSubscriber(t, ctx2, server, "sub-restart", schema.TopicStrategySignal)
	pub := startPublisher(t, ctx2, server, "pub-restart")
	require.NoError(t, pub.Publish(schema.TopicStrategySignal+"BTCUSDT", []byte("again")))
	assert.Equal(t, "again", string(receiveOne(t, sub).Payload))
}

func TestClientsReconnectAfterRelayRestart(t *testing.T) {
	server := NewServer(Config{
		IngressAddr: "127.0.0.1:0",
		EgressAddr:  "127.0.0.1:0",
		Stats:       &Stats{},
	})

	ctx1, cancel1 := context.WithCancel(t.Context())
	run1 := make(chan error, 1)
	go func() { run1 <- server.Run(ctx1) }()
	select {
	case <-server.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not become ready")
	}
	ingress := server.IngressAddr()
	egress := server.EgressAddr()

	fast := Backoff{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2.0}
	pub := NewPublisher(PublisherConfig{Addr: ingress, ID: "pub-rc", Backoff: fast})
	sub := NewSubscriber(SubscriberConfig{
		Addr:     egress,
		ID:       "sub-rc",
		Prefixes: []string{schema.TopicStrategySignal},
		Backoff:  fast,
	})
	go func() { _ = pub.Run(t.Context()) }()
	go func() { _ = sub.Run(t.Context()) }()
	require.Eventually(t, pub.Connected, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, sub.Connected, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, pub.Publish(schema.TopicStrategySignal+"BTCUSDT", []byte("before")))
	assert.Equal(t, "before", string(receiveOne(t, sub).Payload))

	cancel1()
	select {
	case <-run1:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
	require.Eventually(t, func() bool {
		return !pub.Connected() && !sub.Connected()
	}, 2*time.Second, 5*time.Millisecond)

	// A replacement relay on the same addresses: both handles reconnect
	// and the subscriber replays its prefixes.
	replacement := NewServer(Config{
		IngressAddr: ingress,
		EgressAddr:  egress,
		Stats:       &Stats{},
	})
	ctx2, cancel2 := context.WithCancel(t.Context())
	defer cancel2()
	go func() { _ = replacement.Run(ctx2) }()
	select {
	case <-replacement.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("replacement relay did not become ready")
	}

	require.Eventually(t, pub.Connected, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, sub.Connected, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, pub.Publish(schema.TopicStrategySignal+"BTCUSDT", []byte("after")))
	assert.Equal(t, "after", string(receiveOne(t, sub).Payload))
}

func TestRelayPrefixIsolationUnderConcurrency(t *testing.T) {
	server, ctx := startRelay(t)

	const (
		groups   = 4
		perGroup = 50
	)
	prefixes := make([]string, groups)
	subs := make([]*Subscriber, groups)
	pubs := make([]*Publisher, groups)
	for i := 0; i < groups; i++ {
		prefixes[i] = fmt.Sprintf("stress.%d.", i)
		subs[i] = startSubscriber(t, ctx, server, fmt.Sprintf("sub-%d", i), prefixes[i])
		pubs[i] = startPublisher(t, ctx, server, fmt.Sprintf("pub-%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < groups; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; n < perGroup; n++ {
				topic := prefixes[i] + "SYM"
				payload := []byte(fmt.Sprintf("%d-%03d", i, n))
				assert.NoError(t, pubs[i].Publish(topic, payload))
			}
		}(i)
	}
	// Churn an unrelated prefix on every subscriber while publishing.
	for i := 0; i < groups; i++ {
		wg.Add(1)
		go func(sub *Subscriber) {
			defer wg.Done()
			for n := 0; n < 20; n++ {
				assert.NoError(t, sub.Subscribe("noise."))
				assert.NoError(t, sub.Unsubscribe("noise."))
			}
		}(subs[i])
	}
	wg.Wait()

	// Every subscriber sees exactly its own group's messages, in order.
	for i := 0; i < groups; i++ {
		for n := 0; n < perGroup; n++ {
			msg := receiveOne(t, subs[i])
			require.Truef(t, schema.MatchesPrefix(msg.Topic, prefixes[i]),
				"subscriber %d received topic %s", i, msg.Topic)
			assert.Equal(t, fmt.Sprintf("%d-%03d", i, n), string(msg.Payload))
		}
	}
}
