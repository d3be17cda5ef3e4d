package uihub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/identity"
	"collabtext/internal/session"
	"collabtext/internal/workspace"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type mountHandle string

func (h mountHandle) Location() string { return string(h) }

func startHub(t *testing.T, id identity.Identity) (*session.Session, *websocket.Conn) {
	t.Helper()
	sess := session.New(session.Config{Identity: id, Logger: discard, ShareBase: "http://localhost:8080/"})
	require.NoError(t, sess.EditTree(func([]*workspace.Node) ([]*workspace.Node, error) {
		mount := workspace.Dir("scratch")
		mount.LocalOnly = true
		mount.Handle = mountHandle("/tmp/scratch")
		return []*workspace.Node{
			workspace.Dir("src", workspace.File("src/main.go", "package main\n")),
			mount,
		}, nil
	}))

	hub := New(sess, discard)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	server := httptest.NewServer(hub.Handler(""))
	t.Cleanup(func() {
		cancel()
		server.Close()
	})

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return sess, conn
}

// next reads events until one satisfies match.
func next(t *testing.T, conn *websocket.Conn, match func(event) bool) event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var e event
		require.NoError(t, json.Unmarshal(data, &e))
		if match(e) {
			return e
		}
	}
}

func ofType(kind string) func(event) bool {
	return func(e event) bool { return e.Type == kind }
}

func send(t *testing.T, conn *websocket.Conn, cmd command) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(cmd))
}

func TestInitialStateIncludesLocalState(t *testing.T) {
	_, conn := startHub(t, identity.Identity{Token: "abc123", Host: true})

	e := next(t, conn, ofType("state"))

	require.NotNil(t, e.State)
	assert.Equal(t, "abc123", e.State.Session)
	assert.Equal(t, "http://localhost:8080/?session=abc123", e.State.Link)
	assert.True(t, e.State.Host)
	assert.False(t, e.State.Connecting)
	require.Len(t, e.State.Tree, 2)
	assert.True(t, e.State.Tree[1].LocalOnly)
	assert.Equal(t, "/tmp/scratch", e.State.Tree[1].Location)
}

func TestOpenAndEditUpdatePresence(t *testing.T) {
	sess, conn := startHub(t, identity.Identity{Token: "abc123", Host: true})
	next(t, conn, ofType("state"))

	send(t, conn, command{Type: "open", Path: "src/main.go"})
	e := next(t, conn, ofType("buffer"))
	assert.Equal(t, "src/main.go", e.Path)
	assert.Equal(t, "package main\n", *e.Content)

	content := "package main\n// edited\n"
	send(t, conn, command{Type: "edit", Content: &content})
	next(t, conn, func(e event) bool {
		return e.Type == "state" && e.State.Self.LiveContent != nil && *e.State.Self.LiveContent == content
	})
	assert.Equal(t, "src/main.go", sess.CurrentUser().ActiveFilePath)

	send(t, conn, command{Type: "save", Content: &content})
	next(t, conn, func(e event) bool {
		return e.Type == "state" && len(e.State.Tree) > 0 &&
			len(e.State.Tree[0].Children) == 1 && e.State.Tree[0].Children[0].Content != nil &&
			*e.State.Tree[0].Children[0].Content == content
	})
}

func TestToggleAndErrors(t *testing.T) {
	_, conn := startHub(t, identity.Identity{Token: "abc123", Host: true})
	next(t, conn, ofType("state"))

	send(t, conn, command{Type: "toggle", Path: "src"})
	next(t, conn, func(e event) bool {
		return e.Type == "state" && e.State.Tree[0].Expanded
	})

	send(t, conn, command{Type: "toggle", Path: "src/main.go"})
	e := next(t, conn, ofType("error"))
	assert.Contains(t, e.Message, "no directory")

	send(t, conn, command{Type: "dance"})
	e = next(t, conn, ofType("error"))
	assert.Contains(t, e.Message, "unknown command")
}

func TestClaimHost(t *testing.T) {
	sess, conn := startHub(t, identity.Identity{Token: "abc123"})
	sess.Start()
	next(t, conn, func(e event) bool { return e.Type == "state" && e.State.Connecting })

	send(t, conn, command{Type: "claim_host"})
	next(t, conn, func(e event) bool { return e.Type == "state" && e.State.Host && !e.State.Connecting })
	assert.True(t, sess.IsHost())
}
