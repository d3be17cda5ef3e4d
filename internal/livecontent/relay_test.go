package livecontent

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/identity"
	"collabtext/internal/protocol"
	"collabtext/internal/session"
	"collabtext/internal/transport"
	"collabtext/internal/workspace"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// buffer is an Editor that records what the relay did to it.
type buffer struct {
	mu      sync.Mutex
	active  string
	content string
	cursors map[string]protocol.Cursor
}

func newBuffer() *buffer { return &buffer{cursors: make(map[string]protocol.Cursor)} }

func (b *buffer) ActiveFile() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

func (b *buffer) ReplaceBuffer(path, content string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.content = content
}

func (b *buffer) ShowCursor(peer protocol.Participant) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursors[peer.ID] = *peer.Cursor
}

func (b *buffer) HideCursor(peerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cursors, peerID)
}

type peer struct {
	session *session.Session
	editor  *buffer
	relay   *Relay
}

func newPair(t *testing.T) (*transport.MemoryBus, peer, peer) {
	t.Helper()
	bus := transport.NewMemoryBus(discard)
	mk := func(name string) peer {
		tr := bus.Attach("doc", name)
		s := session.New(session.Config{
			Identity:  identity.Identity{Token: "doc", Host: true},
			Transport: tr,
			Logger:    discard,
		})
		s.RegisterUser(protocol.Participant{ID: name, DisplayName: name})
		editor := newBuffer()
		relay := New(s, editor, discard)
		t.Cleanup(func() {
			relay.Close()
			s.Close()
			tr.Close()
		})
		return peer{session: s, editor: editor, relay: relay}
	}
	alice, bob := mk("alice"), mk("bob")

	require.NoError(t, alice.session.EditTree(func(tree []*workspace.Node) ([]*workspace.Node, error) {
		return []*workspace.Node{
			workspace.File("main.go", "package main\n"),
			workspace.File("README.md", "# readme\n"),
		}, nil
	}))
	alice.session.Start()
	bob.session.Start()
	bus.Drain()
	return bus, alice, bob
}

func TestEditOverwritesMatchingBuffer(t *testing.T) {
	bus, alice, bob := newPair(t)

	content, err := alice.relay.Open("main.go")
	require.NoError(t, err)
	assert.Equal(t, "package main\n", content)
	bob.editor.active = "main.go"

	alice.relay.Edit("package main\n\nfunc main() {}\n", protocol.Cursor{Line: 2, Column: 15})
	bus.Drain()

	assert.Equal(t, "package main\n\nfunc main() {}\n", bob.editor.content)
	assert.Equal(t, protocol.Cursor{Line: 2, Column: 15}, bob.editor.cursors["alice"])
	assert.Equal(t, "package main\n", workspace.Find(bob.session.Tree(), "main.go").Text(),
		"relayed buffers do not change the tree")
}

func TestEditForOtherFileOnlyUpdatesPresence(t *testing.T) {
	bus, alice, bob := newPair(t)
	bob.editor.active = "README.md"

	_, err := alice.relay.Open("main.go")
	require.NoError(t, err)
	alice.relay.Edit("changed", protocol.Cursor{Line: 0, Column: 7})
	bus.Drain()

	assert.Empty(t, bob.editor.content)
	assert.Empty(t, bob.editor.cursors)
	assert.Len(t, bob.session.EditorsOf("main.go"), 1)
}

func TestCursorHiddenWhenPeerLeavesFile(t *testing.T) {
	bus, alice, bob := newPair(t)
	bob.editor.active = "main.go"

	_, err := alice.relay.Open("main.go")
	require.NoError(t, err)
	bus.Drain()
	require.Contains(t, bob.editor.cursors, "alice")

	alice.relay.CloseFile()
	bus.Drain()
	assert.NotContains(t, bob.editor.cursors, "alice")

	_, err = alice.relay.Open("main.go")
	require.NoError(t, err)
	bus.Drain()
	require.Contains(t, bob.editor.cursors, "alice")

	alice.session.Leave()
	bus.Drain()
	assert.NotContains(t, bob.editor.cursors, "alice")
}

func TestOwnRecordNeverOverwritesBuffer(t *testing.T) {
	bus, alice, _ := newPair(t)
	_, err := alice.relay.Open("main.go")
	require.NoError(t, err)
	alice.relay.Edit("package main\n// mine\n", protocol.Cursor{Line: 1, Column: 7})
	bus.Drain()
	alice.editor.active = "main.go"
	alice.editor.content = "package main\n// mine\n"

	stale := "package main\n"
	echo := bus.Attach("doc", "echo")
	t.Cleanup(func() { echo.Close() })
	echo.Send(protocol.Update{Participant: protocol.Participant{
		ID:             "alice",
		ActiveFilePath: "main.go",
		LiveContent:    &stale,
		Cursor:         &protocol.Cursor{Line: 0, Column: 0},
	}})
	bus.Drain()

	assert.Equal(t, "package main\n// mine\n", alice.editor.content)
	assert.NotContains(t, alice.editor.cursors, "alice")
}

func TestSaveBroadcastsTree(t *testing.T) {
	bus, alice, bob := newPair(t)

	require.NoError(t, alice.relay.Save("main.go", "package saved\n"))
	bus.Drain()

	node := workspace.Find(bob.session.Tree(), "main.go")
	assert.Equal(t, "package saved\n", node.Text())
	require.NotNil(t, node.Dirty)
	assert.True(t, node.Dirty.Modified)

	assert.Error(t, alice.relay.Save("missing.go", ""))
	_, err := alice.relay.Open("missing.go")
	assert.Error(t, err)
}
