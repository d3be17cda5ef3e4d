// Package session is the collaboration service of one process. It owns the
// session token, host authority, the local participant record, the
// presence register and the workspace tree, and it reacts to envelopes
// delivered by a transport.
//
// A Session is created once by main and lives as long as the process.
// Envelope handlers and local operations are serialized by a single mutex,
// so protocol logic never runs concurrently. Callbacks registered with
// Subscribe and Watch run after the mutex is released and may call back
// into the Session.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"collabtext/internal/hostrecord"
	"collabtext/internal/identity"
	"collabtext/internal/presence"
	"collabtext/internal/protocol"
	"collabtext/internal/transport"
	"collabtext/internal/workspace"
)

// palette supplies default color tags.
var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4",
	"#42d4f4", "#f032e6", "#469990", "#9a6324", "#800000",
}

// Config wires a Session to its collaborators.
type Config struct {
	Identity  identity.Identity
	Store     hostrecord.Store
	Transport transport.Transport
	Logger    *slog.Logger

	// ShareBase is the address the session link is built on, such as
	// the agent's UI URL. Empty means the link is the bare token.
	ShareBase string

	// Now defaults to time.Now.
	Now func() time.Time
}

// Patch changes some fields of the local participant. Nil fields are left
// alone. Setting ActiveFilePath to "" closes the file and also clears the
// cursor and live content.
type Patch struct {
	DisplayName    *string
	ColorTag       *string
	ActiveFilePath *string
	Cursor         *protocol.Cursor
	LiveContent    *string
}

// Session is the process-wide collaboration service.
type Session struct {
	token     string
	shareBase string
	store     hostrecord.Store
	transport transport.Transport
	logger    *slog.Logger
	now       func() time.Time
	presence  *presence.Register
	detach    func()

	mu         sync.Mutex
	host       bool
	self       protocol.Participant
	tree       []*workspace.Node
	connecting bool
	started    bool
	// synced is set once a SYNC_INIT has replaced the tree.
	synced bool

	subscribers listeners[protocol.Envelope]
	watchers    listeners[struct{}]
}

// New creates a Session and starts listening on the transport. Nothing is
// sent until Start.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Transport == nil {
		cfg.Transport = transport.Solo{Logger: cfg.Logger}
	}
	if cfg.Store == nil {
		cfg.Store = hostrecord.NewMemoryStore()
	}

	selfID := uuid.NewString()
	s := &Session{
		token:     cfg.Identity.Token,
		shareBase: cfg.ShareBase,
		store:     cfg.Store,
		transport: cfg.Transport,
		logger:    cfg.Logger.With("session", cfg.Identity.Token),
		now:       cfg.Now,
		presence:  presence.NewRegister(selfID),
		host:      cfg.Identity.Host,
		self: protocol.Participant{
			ID:          selfID,
			DisplayName: "anonymous",
			ColorTag:    colorFor(selfID),
		},
		tree: []*workspace.Node{},
	}
	s.detach = cfg.Transport.OnReceive(s.handle)
	return s
}

func colorFor(id string) string {
	return palette[xxhash.Sum64String(id)%uint64(len(palette))]
}

// SessionID returns the session token.
func (s *Session) SessionID() string { return s.token }

// ShareLink returns the link other participants use to join.
func (s *Session) ShareLink() string { return identity.ShareLink(s.shareBase, s.token) }

// IsHost reports whether this process answers join requests.
func (s *Session) IsHost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

// Connecting reports whether this guest is still waiting for its first
// snapshot.
func (s *Session) Connecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connecting
}

// ClaimHost takes host authority regardless of the host record, persists
// it, and ends any wait for a snapshot. Authority is taken even when
// persisting fails; the error reports only the persistence failure.
func (s *Session) ClaimHost(ctx context.Context) error {
	s.mu.Lock()
	s.host = true
	s.connecting = false
	s.mu.Unlock()

	s.logger.Warn("host authority claimed manually")
	s.watchers.notify(struct{}{})
	return identity.ClaimHost(ctx, s.token, s.store)
}

// RegisterUser sets the local participant record. An empty ID keeps the
// one generated at construction; empty display name or color keep theirs.
func (s *Session) RegisterUser(p protocol.Participant) protocol.Participant {
	s.mu.Lock()
	if p.ID == "" {
		p.ID = s.self.ID
	}
	if p.DisplayName == "" {
		p.DisplayName = s.self.DisplayName
	}
	if p.ColorTag == "" {
		p.ColorTag = colorFor(p.ID)
	}
	p.LastActive = s.stamp()
	s.self = p.Clone()
	s.presence.SetSelf(p.ID)
	started := s.started
	s.mu.Unlock()

	if started {
		s.transport.Send(protocol.Update{Participant: p.Clone()})
	}
	return p
}

// CurrentUser returns the local participant record.
func (s *Session) CurrentUser() protocol.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self.Clone()
}

// UpdateState applies patch to the local participant, stamps a fresh
// activity time and broadcasts the whole resulting record. Between Leave
// and the next Start the record changes only locally.
func (s *Session) UpdateState(patch Patch) protocol.Participant {
	s.mu.Lock()
	p := s.self.Clone()
	if patch.DisplayName != nil {
		p.DisplayName = *patch.DisplayName
	}
	if patch.ColorTag != nil {
		p.ColorTag = *patch.ColorTag
	}
	if patch.ActiveFilePath != nil {
		p.ActiveFilePath = *patch.ActiveFilePath
		if p.ActiveFilePath == "" {
			p.Cursor = nil
			p.LiveContent = nil
		}
	}
	if patch.Cursor != nil {
		cursor := *patch.Cursor
		p.Cursor = &cursor
	}
	if patch.LiveContent != nil {
		content := *patch.LiveContent
		p.LiveContent = &content
	}
	p.LastActive = s.stamp()
	s.self = p
	started := s.started
	s.mu.Unlock()

	if started {
		s.transport.Send(protocol.Update{Participant: p.Clone()})
	}
	s.watchers.notify(struct{}{})
	return p.Clone()
}

// stamp returns a unix millisecond time not earlier than the previous one.
// Called with s.mu held.
func (s *Session) stamp() int64 {
	now := s.now().UnixMilli()
	if now < s.self.LastActive {
		return s.self.LastActive
	}
	return now
}

// Broadcast sends env to the other participants as is.
func (s *Session) Broadcast(env protocol.Envelope) {
	s.transport.Send(env)
}

// Subscribe registers fn to receive every inbound envelope after the
// session has applied it.
func (s *Session) Subscribe(fn func(protocol.Envelope)) (unsubscribe func()) {
	return s.subscribers.add(fn)
}

// Watch registers fn to be called after any change to the tree, presence
// or session state, local or remote.
func (s *Session) Watch(fn func()) (cancel func()) {
	return s.watchers.add(func(struct{}) { fn() })
}

// Start announces this participant. A guest also requests a snapshot and
// stays in the connecting state until the first SYNC_INIT arrives.
// Calling Start again re-sends the announcement.
func (s *Session) Start() {
	s.mu.Lock()
	s.started = true
	self := s.self.Clone()
	if !s.host && !s.synced {
		s.connecting = true
	}
	connecting := s.connecting
	s.mu.Unlock()

	s.transport.Send(protocol.Join{Participant: self})
	if connecting {
		s.logger.Info("requesting snapshot from host")
		s.transport.Send(protocol.JoinRequest{Participant: self.Clone()})
	}
	s.watchers.notify(struct{}{})
}

// Heartbeat tells peers this participant is still attached.
func (s *Session) Heartbeat() {
	s.transport.Send(protocol.Heartbeat{ParticipantID: s.CurrentUser().ID})
}

// Leave announces departure. The session stays usable; a later Start joins
// again.
func (s *Session) Leave() {
	s.mu.Lock()
	s.started = false
	id := s.self.ID
	s.mu.Unlock()
	s.transport.Send(protocol.Leave{ParticipantID: id})
}

// Close detaches from the transport. The transport itself is owned by the
// caller.
func (s *Session) Close() {
	s.detach()
}

// Participants returns the presence records of everyone else.
func (s *Session) Participants() []presence.Entry {
	return s.presence.Entries()
}

// EditorsOf returns the peers whose active file is path.
func (s *Session) EditorsOf(path string) []protocol.Participant {
	return s.presence.EditorsOf(path)
}

// Stale returns the peers not heard from within after.
func (s *Session) Stale(after time.Duration) []protocol.Participant {
	return s.presence.Stale(s.now(), after)
}

// listeners is a registration list of callbacks.
type listeners[T any] struct {
	mu     sync.Mutex
	nextID int
	list   []listener[T]
}

type listener[T any] struct {
	id int
	fn func(T)
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	l.list = append(l.list, listener[T]{id: id, fn: fn})
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, entry := range l.list {
			if entry.id == id {
				l.list = append(l.list[:i:i], l.list[i+1:]...)
				return
			}
		}
	}
}

func (l *listeners[T]) notify(v T) {
	l.mu.Lock()
	list := l.list
	l.mu.Unlock()
	for _, entry := range list {
		entry.fn(v)
	}
}
