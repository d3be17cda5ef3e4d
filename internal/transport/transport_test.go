package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/protocol"
	"collabtext/internal/relayserver"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collector records envelopes delivered to an observer.
type collector struct {
	mu   sync.Mutex
	seen []protocol.Envelope
}

func (c *collector) observe(env protocol.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, env)
}

func (c *collector) envelopes() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Envelope(nil), c.seen...)
}

func TestMemoryBusDeliversToOthersOnly(t *testing.T) {
	bus := NewMemoryBus(discardLogger())
	alice := bus.Attach("abc123", "alice")
	bob := bus.Attach("abc123", "bob")
	stranger := bus.Attach("zzz", "stranger")

	var atAlice, atBob, atStranger collector
	alice.OnReceive(atAlice.observe)
	bob.OnReceive(atBob.observe)
	stranger.OnReceive(atStranger.observe)

	alice.Send(protocol.Heartbeat{ParticipantID: "alice"})
	assert.Equal(t, 1, bus.Drain())

	assert.Empty(t, atAlice.envelopes())
	assert.Equal(t, []protocol.Envelope{protocol.Heartbeat{ParticipantID: "alice"}}, atBob.envelopes())
	assert.Empty(t, atStranger.envelopes())
}

func TestMultipleObserversAllInvoked(t *testing.T) {
	bus := NewMemoryBus(discardLogger())
	alice := bus.Attach("s", "alice")
	bob := bus.Attach("s", "bob")

	var first, second collector
	bob.OnReceive(first.observe)
	unsubscribe := bob.OnReceive(second.observe)

	alice.Send(protocol.Leave{ParticipantID: "alice"})
	bus.Drain()
	unsubscribe()
	unsubscribe()
	alice.Send(protocol.Leave{ParticipantID: "alice"})
	bus.Drain()

	assert.Len(t, first.envelopes(), 2)
	assert.Len(t, second.envelopes(), 1)
}

func TestMemoryBusPerSenderOrder(t *testing.T) {
	bus := NewMemoryBus(discardLogger())
	alice := bus.Attach("s", "alice")
	bob := bus.Attach("s", "bob")
	var got collector
	bob.OnReceive(got.observe)

	for i := int64(0); i < 5; i++ {
		alice.Send(protocol.Update{Participant: protocol.Participant{ID: "alice", LastActive: i}})
	}
	bus.Drain()

	envelopes := got.envelopes()
	require.Len(t, envelopes, 5)
	for i, env := range envelopes {
		assert.Equal(t, int64(i), env.(protocol.Update).Participant.LastActive)
	}
}

func TestClosedMemoryTransportStopsReceiving(t *testing.T) {
	bus := NewMemoryBus(discardLogger())
	alice := bus.Attach("s", "alice")
	bob := bus.Attach("s", "bob")
	var got collector
	bob.OnReceive(got.observe)

	alice.Send(protocol.Heartbeat{ParticipantID: "alice"})
	require.NoError(t, bob.Close())
	bus.Drain()

	assert.Empty(t, got.envelopes())
}

func TestSoloNeverDelivers(t *testing.T) {
	solo := Solo{Logger: discardLogger()}
	called := false
	unsubscribe := solo.OnReceive(func(protocol.Envelope) { called = true })
	solo.Send(protocol.Heartbeat{ParticipantID: "me"})
	unsubscribe()
	assert.False(t, called)
	assert.NoError(t, solo.Close())
}

func TestRelayURL(t *testing.T) {
	got, err := RelayURL("https://relay.example.com/", "abc 123")
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example.com/ws/abc%20123", got)

	got, err = RelayURL("ws://localhost:8081", "abc")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8081/ws/abc", got)

	_, err = RelayURL("ftp://relay", "abc")
	assert.Error(t, err)
}

func TestRelayTransportRoundTrip(t *testing.T) {
	relay := relayserver.New(nil, discardLogger())
	server := httptest.NewServer(relay.Handler())
	defer server.Close()

	opts := func(origin string) Options {
		return Options{Origin: origin, CompressAbove: 64, Logger: discardLogger()}
	}
	alice, err := DialRelay(server.URL, "abc123", opts("alice"))
	require.NoError(t, err)
	defer alice.Close()
	bob, err := DialRelay(server.URL, "abc123", opts("bob"))
	require.NoError(t, err)
	defer bob.Close()

	for _, tr := range []*RelayTransport{alice, bob} {
		select {
		case <-tr.Ready():
		case <-time.After(5 * time.Second):
			t.Fatal("relay transport never connected")
		}
	}
	require.Eventually(t, func() bool { return relay.RoomSizes()["abc123"] == 2 }, 5*time.Second, 10*time.Millisecond)

	var atAlice, atBob collector
	alice.OnReceive(atAlice.observe)
	bob.OnReceive(atBob.observe)

	content := strings.Repeat("x", 4096)
	update := protocol.Update{Participant: protocol.Participant{ID: "alice", LiveContent: &content, LastActive: 7}}
	alice.Send(update)

	require.Eventually(t, func() bool { return len(atBob.envelopes()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, protocol.Envelope(update), atBob.envelopes()[0])
	assert.Empty(t, atAlice.envelopes())
}

func TestRedisTransportRoundTrip(t *testing.T) {
	redisURL := os.Getenv("COLLABTEXT_TEST_REDIS")
	if redisURL == "" {
		t.Skip("COLLABTEXT_TEST_REDIS not set")
	}
	ctx := context.Background()
	opts := func(origin string) Options { return Options{Origin: origin, Logger: discardLogger()} }

	alice, err := DialRedis(ctx, redisURL, "redis-test", opts("alice"))
	require.NoError(t, err)
	defer alice.Close()
	bob, err := DialRedis(ctx, redisURL, "redis-test", opts("bob"))
	require.NoError(t, err)
	defer bob.Close()

	var atAlice, atBob collector
	alice.OnReceive(atAlice.observe)
	bob.OnReceive(atBob.observe)

	alice.Send(protocol.Heartbeat{ParticipantID: "alice"})

	require.Eventually(t, func() bool { return len(atBob.envelopes()) == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, atAlice.envelopes(), "own publications are filtered by origin")
}
