package jsonstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/firefrp/firefrp/internal/domain"
)

func TestStoreOpenCreatesBothCollections(t *testing.T) {
	store, err := Open(t.TempDir(), discardLogger())
	require.NoError(t, err)
	require.Empty(t, store.Keys.All())
	require.Empty(t, store.Audit.All())
}

func TestStoreFindByKeyAndTunnelID(t *testing.T) {
	store, err := Open(t.TempDir(), discardLogger())
	require.NoError(t, err)

	cred, err := store.Keys.Insert(&domain.Credential{
		TunnelID: "t1", Key: "k1", UserID: "u1", GroupID: "g1",
		GameType: domain.GameMinecraft, Status: domain.StatusPending, RemotePort: 20001,
	})
	require.NoError(t, err)

	byKey, ok := store.FindByKey("k1")
	require.True(t, ok)
	require.Equal(t, cred.ID, byKey.ID)

	byTunnel, ok := store.FindByTunnelID("t1")
	require.True(t, ok)
	require.Equal(t, cred.ID, byTunnel.ID)

	_, ok = store.FindByKey("no-such-key")
	require.False(t, ok)
}

func TestStoreActiveByUserAndGroupExcludeTerminal(t *testing.T) {
	store, err := Open(t.TempDir(), discardLogger())
	require.NoError(t, err)

	active, err := store.Keys.Insert(&domain.Credential{
		UserID: "u1", GroupID: "g1", Status: domain.StatusActive, RemotePort: 20001,
	})
	require.NoError(t, err)
	_, err = store.Keys.Insert(&domain.Credential{
		UserID: "u1", GroupID: "g1", Status: domain.StatusRevoked, RemotePort: 20002,
	})
	require.NoError(t, err)

	byUser := store.ActiveByUser("u1")
	require.Len(t, byUser, 1)
	require.Equal(t, active.ID, byUser[0].ID)

	byGroup := store.ActiveByGroup("g1")
	require.Len(t, byGroup, 1)

	require.Len(t, store.AllActive(), 1)
}

func TestStoreAllocatedPortsOnlyCountsHeldPorts(t *testing.T) {
	store, err := Open(t.TempDir(), discardLogger())
	require.NoError(t, err)

	_, err = store.Keys.Insert(&domain.Credential{Status: domain.StatusPending, RemotePort: 20001})
	require.NoError(t, err)
	_, err = store.Keys.Insert(&domain.Credential{Status: domain.StatusExpired, RemotePort: 20002})
	require.NoError(t, err)

	ports := store.AllocatedPorts()
	require.Contains(t, ports, 20001)
	require.NotContains(t, ports, 20002)
}

func TestStoreAppendAuditIsAppendOnly(t *testing.T) {
	store, err := Open(t.TempDir(), discardLogger())
	require.NoError(t, err)

	keyID := int64(5)
	require.NoError(t, store.AppendAudit(domain.EventKeyCreated, &keyID, "details"))
	require.NoError(t, store.AppendAudit(domain.EventKeyExpired, &keyID, "more details"))

	entries := store.Audit.All()
	require.Len(t, entries, 2)
	require.Equal(t, int64(1), entries[0].ID)
	require.Equal(t, int64(2), entries[1].ID)
}
