// Package transport carries envelopes between the participants of one
// session.
//
// The contract every implementation meets: delivery is at most once, frames
// from one sender arrive in the order they were sent, there is no ordering
// across senders, nothing is persisted, and a participant never receives
// its own envelopes. Send never fails from the caller's point of view;
// problems are logged and the envelope is dropped.
//
// [RedisTransport] publishes to a Redis channel named after the session
// token. [RelayTransport] connects to a collab-relay server over a
// websocket. [Solo] is used when neither can be set up and turns the
// session into a single-process one. [MemoryBus] connects transports inside
// one process for tests.
package transport

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"collabtext/internal/protocol"
)

// Transport is a best-effort broadcast medium scoped to one session.
type Transport interface {
	// Send queues env for every other participant. It never blocks on
	// the network and never reports failure.
	Send(env protocol.Envelope)

	// OnReceive registers fn to be called once per envelope from another
	// participant. All registered observers see every envelope. The
	// returned function removes the observer.
	OnReceive(fn func(protocol.Envelope)) (unsubscribe func())

	// Close detaches from the medium.
	Close() error
}

// DefaultCompressAbove is the frame body size above which frames are
// zstd-compressed. Full tree snapshots are the frames that cross it.
const DefaultCompressAbove = 16 << 10

// outboxSize bounds frames waiting to be written; further sends are
// dropped until the writer catches up.
const outboxSize = 256

// Options configures the network transports.
type Options struct {
	// Origin identifies this process on the wire. Defaults to a random
	// UUID.
	Origin string

	// CompressAbove is passed to protocol.EncodeFrame. Zero selects
	// DefaultCompressAbove; a negative value disables compression.
	CompressAbove int

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Origin == "" {
		o.Origin = uuid.NewString()
	}
	switch {
	case o.CompressAbove == 0:
		o.CompressAbove = DefaultCompressAbove
	case o.CompressAbove < 0:
		o.CompressAbove = 0
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// observers fans envelopes out to every registered callback, in
// registration order.
type observers struct {
	mu     sync.Mutex
	nextID int
	list   []observer
}

type observer struct {
	id int
	fn func(protocol.Envelope)
}

func (o *observers) add(fn func(protocol.Envelope)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.list = append(o.list, observer{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			for i, obs := range o.list {
				if obs.id == id {
					o.list = append(o.list[:i:i], o.list[i+1:]...)
					return
				}
			}
		})
	}
}

func (o *observers) deliver(env protocol.Envelope) {
	o.mu.Lock()
	list := o.list
	o.mu.Unlock()
	for _, obs := range list {
		obs.fn(env)
	}
}

// receiveFrame decodes one inbound frame and hands it to observers unless
// it is malformed or our own.
func receiveFrame(data []byte, origin string, obs *observers, logger *slog.Logger) {
	from, env, err := protocol.DecodeFrame(data)
	if err != nil {
		logger.Warn("dropping undecodable frame", "from", from, "error", err)
		return
	}
	if from == origin {
		return
	}
	logger.Debug("envelope received", "kind", env.Kind(), "from", from)
	obs.deliver(env)
}
