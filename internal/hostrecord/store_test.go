package hostrecord

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exercise runs the behavior every Store must share.
func exercise(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	hosts, err := store.Hosts(ctx, "abc123")
	require.NoError(t, err)
	assert.False(t, hosts)

	require.NoError(t, store.Record(ctx, "abc123"))
	require.NoError(t, store.Record(ctx, "abc123"))
	require.NoError(t, store.Record(ctx, "def456"))

	hosts, err = store.Hosts(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, hosts)

	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	tokens := []string{records[0].Token, records[1].Token}
	assert.ElementsMatch(t, []string{"abc123", "def456"}, tokens)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	exercise(t, store)

	require.NoError(t, store.Close())
	_, err := store.Hosts(context.Background(), "abc123")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "hosts.db")

	store, err := OpenBolt(path)
	require.NoError(t, err)
	exercise(t, store)
	require.NoError(t, store.Close())

	reopened, err := OpenBolt(path)
	require.NoError(t, err)
	defer reopened.Close()

	hosts, err := reopened.Hosts(context.Background(), "def456")
	require.NoError(t, err)
	assert.True(t, hosts)
}

func TestPostgresStore(t *testing.T) {
	databaseURL := os.Getenv("COLLABTEXT_TEST_POSTGRES")
	if databaseURL == "" {
		t.Skip("COLLABTEXT_TEST_POSTGRES not set")
	}
	store, err := OpenPostgres(context.Background(), databaseURL, "test-"+uuid.NewString())
	require.NoError(t, err)
	defer store.Close()

	exercise(t, store)
}
