package rejectset

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/firefrp/firefrp/internal/domain"
	"github.com/firefrp/firefrp/internal/jsonstore"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestAddAndContains(t *testing.T) {
	s := New()
	require.False(t, s.Contains("k1"))
	s.Add("k1")
	require.True(t, s.Contains("k1"))
	require.Equal(t, 1, s.Len())
}

func TestAddIgnoresEmptyKey(t *testing.T) {
	s := New()
	s.Add("")
	require.Equal(t, 0, s.Len())
}

func TestPruneEvictsOldEntries(t *testing.T) {
	s := New()
	s.mu.Lock()
	s.entries["stale"] = time.Now().UTC().Add(-2 * time.Hour)
	s.entries["fresh"] = time.Now().UTC()
	s.mu.Unlock()

	s.Prune(time.Hour)
	require.False(t, s.Contains("stale"))
	require.True(t, s.Contains("fresh"))
}

func TestRebuildFromStoreOnlyLoadsRecentTerminal(t *testing.T) {
	store, err := jsonstore.Open(t.TempDir(), discardLogger())
	require.NoError(t, err)

	_, err = store.Keys.Insert(&domain.Credential{
		Key: "recent-revoked", Status: domain.StatusRevoked, UpdatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	_, err = store.Keys.Insert(&domain.Credential{
		Key: "stale-revoked", Status: domain.StatusRevoked, UpdatedAt: time.Now().UTC().Add(-48 * time.Hour),
	})
	require.NoError(t, err)
	_, err = store.Keys.Insert(&domain.Credential{
		Key: "active-key", Status: domain.StatusActive, UpdatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	s := New()
	RebuildFromStore(s, store, 24*time.Hour)

	require.True(t, s.Contains("recent-revoked"))
	require.False(t, s.Contains("stale-revoked"))
	require.False(t, s.Contains("active-key"))
}
