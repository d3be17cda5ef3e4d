package identity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/hostrecord"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

var errDiskGone = errors.New("disk gone")

// brokenStore fails every operation.
type brokenStore struct{}

func (brokenStore) Hosts(context.Context, string) (bool, error)       { return false, errDiskGone }
func (brokenStore) Record(context.Context, string) error              { return errDiskGone }
func (brokenStore) List(context.Context) ([]hostrecord.Record, error) { return nil, errDiskGone }
func (brokenStore) Close() error                                      { return nil }

func TestResolveMintsAndHostsWithoutToken(t *testing.T) {
	store := hostrecord.NewMemoryStore()

	id, err := Resolve(context.Background(), "", store, discard)

	require.NoError(t, err)
	assert.True(t, id.Host)
	assert.True(t, id.Minted)
	assert.Regexp(t, tokenPattern, id.Token)
	hosts, err := store.Hosts(context.Background(), id.Token)
	require.NoError(t, err)
	assert.True(t, hosts, "minted token is persisted as hosted")
}

func TestResolveResumesHostedToken(t *testing.T) {
	store := hostrecord.NewMemoryStore()
	require.NoError(t, store.Record(context.Background(), "abc123"))

	id, err := Resolve(context.Background(), "https://collab.example.com/?session=abc123", store, discard)

	require.NoError(t, err)
	assert.Equal(t, Identity{Token: "abc123", Host: true}, id)
}

func TestResolveJoinsUnknownTokenAsGuest(t *testing.T) {
	id, err := Resolve(context.Background(), "abc123", hostrecord.NewMemoryStore(), discard)

	require.NoError(t, err)
	assert.Equal(t, Identity{Token: "abc123"}, id)
}

func TestResolveSurvivesBrokenRecord(t *testing.T) {
	id, err := Resolve(context.Background(), "", brokenStore{}, discard)
	require.NoError(t, err)
	assert.True(t, id.Host)
	assert.NotEmpty(t, id.Token)

	id, err = Resolve(context.Background(), "abc123", brokenStore{}, discard)
	require.NoError(t, err)
	assert.False(t, id.Host)
}

func TestParseLink(t *testing.T) {
	cases := []struct {
		link string
		want string
	}{
		{"", ""},
		{"abc123", "abc123"},
		{"  abc123 ", "abc123"},
		{"http://localhost:8080/?session=x_y-z", "x_y-z"},
		{"collabtext://join?session=abc", "abc"},
	}
	for _, tc := range cases {
		got, err := ParseLink(tc.link)
		require.NoError(t, err, tc.link)
		assert.Equal(t, tc.want, got, tc.link)
	}

	for _, bad := range []string{"http://localhost:8080/", "has space", "semi;colon", "http://x/?session=a%2Fb"} {
		_, err := ParseLink(bad)
		assert.Error(t, err, bad)
	}
}

func TestShareLinkRoundTrip(t *testing.T) {
	link := ShareLink("http://localhost:8080/editor?theme=dark", "abc123")
	assert.Contains(t, link, "session=abc123")
	assert.Contains(t, link, "theme=dark")

	token, err := ParseLink(link)
	require.NoError(t, err)
	assert.Equal(t, "abc123", token)

	assert.Equal(t, "abc123", ShareLink("", "abc123"))
}

func TestClaimHost(t *testing.T) {
	store := hostrecord.NewMemoryStore()
	require.NoError(t, ClaimHost(context.Background(), "abc123", store))

	id, err := Resolve(context.Background(), "abc123", store, discard)
	require.NoError(t, err)
	assert.True(t, id.Host)

	assert.Error(t, ClaimHost(context.Background(), "abc123", brokenStore{}))
}
