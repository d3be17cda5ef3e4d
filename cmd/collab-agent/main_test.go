package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/config"
	"collabtext/internal/identity"
	"collabtext/internal/session"
	"collabtext/internal/transport"
	"collabtext/internal/workspace"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestDialTransportFallsBackToSolo(t *testing.T) {
	cfg := config.DefaultAgent()

	cfg.Transport.Kind = config.TransportNone
	assert.IsType(t, transport.Solo{}, dialTransport(context.Background(), cfg, "abc123", discard))

	cfg.Transport.Kind = config.TransportRelay
	cfg.Transport.RelayURL = "ftp://relay.example.com"
	assert.IsType(t, transport.Solo{}, dialTransport(context.Background(), cfg, "abc123", discard))

	cfg.Transport.RelayURL = "http://127.0.0.1:1"
	tr := dialTransport(context.Background(), cfg, "abc123", discard)
	defer tr.Close()
	assert.IsType(t, &transport.RelayTransport{}, tr, "relay dials in the background")
}

func TestSeedSharesDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "a.txt"), []byte("hi"), 0o644))

	sess := session.New(session.Config{Identity: identity.Identity{Token: "abc123", Host: true}, Logger: discard})
	require.NoError(t, seed(sess, dir))

	node := workspace.Find(sess.Tree(), "src/a.txt")
	require.NotNil(t, node)
	assert.Equal(t, "hi", node.Text())
	assert.False(t, workspace.Find(sess.Tree(), "src").LocalOnly)

	assert.Error(t, seed(sess, filepath.Join(dir, "missing")))
}
