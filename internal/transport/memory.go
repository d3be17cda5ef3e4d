package transport

import (
	"log/slog"
	"sync"

	"collabtext/internal/protocol"
)

// Compile-time interface checks.
var (
	_ Transport = (*MemoryTransport)(nil)
	_ Transport = (*RedisTransport)(nil)
	_ Transport = (*RelayTransport)(nil)
	_ Transport = Solo{}
)

// MemoryBus connects transports within one process. Frames go through the
// real wire codec. Nothing is delivered until Drain is called, which lets
// tests interleave participants deterministically.
type MemoryBus struct {
	mu      sync.Mutex
	members map[string][]*MemoryTransport // key: session token
	pending []delivery
	logger  *slog.Logger
}

type delivery struct {
	to    *MemoryTransport
	frame []byte
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{members: make(map[string][]*MemoryTransport), logger: logger}
}

// Attach joins the bus under token. Only transports attached with the same
// token see each other's envelopes.
func (b *MemoryBus) Attach(token, origin string) *MemoryTransport {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := &MemoryTransport{bus: b, token: token, origin: origin}
	b.members[token] = append(b.members[token], t)
	return t
}

// Drain delivers queued frames, including any queued by observers while
// draining, until nothing is pending. It returns the number delivered.
func (b *MemoryBus) Drain() int {
	delivered := 0
	for {
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.mu.Unlock()
			return delivered
		}
		next := b.pending[0]
		b.pending = b.pending[1:]
		b.mu.Unlock()

		if next.to.isClosed() {
			continue
		}
		receiveFrame(next.frame, next.to.origin, &next.to.observers, b.logger)
		delivered++
	}
}

// Pending returns the number of queued frames.
func (b *MemoryBus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *MemoryBus) publish(from *MemoryTransport, frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, member := range b.members[from.token] {
		if member == from {
			continue
		}
		b.pending = append(b.pending, delivery{to: member, frame: frame})
	}
}

func (b *MemoryBus) detach(t *MemoryTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members := b.members[t.token]
	for i, member := range members {
		if member == t {
			b.members[t.token] = append(members[:i:i], members[i+1:]...)
			break
		}
	}
	if len(b.members[t.token]) == 0 {
		delete(b.members, t.token)
	}
}

// MemoryTransport is one participant's attachment to a MemoryBus.
type MemoryTransport struct {
	observers

	bus    *MemoryBus
	token  string
	origin string

	closeMu sync.Mutex
	closed  bool
}

func (t *MemoryTransport) Send(env protocol.Envelope) {
	if t.isClosed() {
		return
	}
	frame, err := protocol.EncodeFrame(t.origin, env, DefaultCompressAbove)
	if err != nil {
		t.bus.logger.Warn("dropping unencodable envelope", "kind", env.Kind(), "error", err)
		return
	}
	t.bus.publish(t, frame)
}

func (t *MemoryTransport) OnReceive(fn func(protocol.Envelope)) func() {
	return t.add(fn)
}

func (t *MemoryTransport) Close() error {
	t.closeMu.Lock()
	t.closed = true
	t.closeMu.Unlock()
	t.bus.detach(t)
	return nil
}

func (t *MemoryTransport) isClosed() bool {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	return t.closed
}
