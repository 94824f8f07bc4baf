package expiry

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/firefrp/firefrp/internal/credential"
	"github.com/firefrp/firefrp/internal/domain"
	"github.com/firefrp/firefrp/internal/jsonstore"
	"github.com/firefrp/firefrp/internal/portalloc"
	"github.com/firefrp/firefrp/internal/rejectset"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func withMutex() (func(func()), *sync.Mutex) {
	var mu sync.Mutex
	return func(fn func()) { mu.Lock(); defer mu.Unlock(); fn() }, &mu
}

func TestStartRunsAnImmediateSweep(t *testing.T) {
	log := discardLogger()
	store, err := jsonstore.Open(t.TempDir(), log)
	require.NoError(t, err)
	cred := credential.New(store, portalloc.New(20000, 20009), "ff-", log)
	reject := rejectset.New()
	lock, _ := withMutex()

	stale, err := cred.Create("u1", "Alice", "g1", domain.GameMinecraft, -time.Minute)
	require.NoError(t, err)

	sc := New(cred, reject, lock, log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sc.Start(ctx))
	defer sc.Stop()

	rec, ok := cred.GetByTunnelID(stale.TunnelID)
	require.True(t, ok)
	require.Equal(t, domain.StatusExpired, rec.Status)
	require.True(t, reject.Contains(stale.Key))
}

func TestStopIsSafeWithoutStart(t *testing.T) {
	sc := &Scheduler{}
	sc.Stop()
}
