package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/contentgen-pipeline/internal/access"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%03d", g.n), nil
}

func newTestLedger() *Ledger {
	return NewLedger(&stepClock{now: time.Unix(1000, 0).UTC()}, &seqIDs{})
}

func TestLedgerRequestAccessIsIdempotent(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger()
	ctx := context.Background()

	first, err := ledger.RequestAccess(ctx, "10.0.0.1", "please")
	require.NoError(t, err)
	require.Equal(t, access.StatusPending, first.Status)
	require.Equal(t, "please", first.Note)

	_, err = ledger.SetStatus(ctx, first.ID, access.StatusBlacklist)
	require.NoError(t, err)

	again, err := ledger.RequestAccess(ctx, "10.0.0.1", "again")
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, access.StatusBlacklist, again.Status, "status is never reset by a repeat request")
	require.Equal(t, "please", again.Note)
	require.Equal(t, first.RequestedAt, again.RequestedAt)
}

func TestLedgerConcurrentRequestsResolveToOneEntry(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger()
	ctx := context.Background()

	const callers = 32
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := ledger.RequestAccess(ctx, "203.0.113.9", "")
			assert.NoError(t, err)
			ids[i] = entry.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
	entries, err := ledger.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestLedgerLookupAndList(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger()
	ctx := context.Background()

	_, err := ledger.Lookup(ctx, "10.0.0.9")
	require.ErrorIs(t, err, access.ErrNotFound)

	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		_, err := ledger.RequestAccess(ctx, ip, "")
		require.NoError(t, err)
	}
	entries, err := ledger.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "10.0.0.3", entries[0].IP)
	require.Equal(t, "10.0.0.1", entries[2].IP)

	found, err := ledger.Lookup(ctx, "10.0.0.2")
	require.NoError(t, err)
	require.Equal(t, access.StatusPending, found.Status)
}

func TestLedgerSetStatus(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger()
	ctx := context.Background()

	entry, err := ledger.RequestAccess(ctx, "10.0.0.1", "")
	require.NoError(t, err)

	approved, err := ledger.SetStatus(ctx, entry.ID, access.StatusWhitelist)
	require.NoError(t, err)
	require.NotNil(t, approved.ApprovedAt)

	blocked, err := ledger.SetStatus(ctx, entry.ID, access.StatusBlacklist)
	require.NoError(t, err)
	require.Equal(t, *approved.ApprovedAt, *blocked.ApprovedAt)

	looked, err := ledger.Lookup(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, access.StatusBlacklist, looked.Status)

	_, err = ledger.SetStatus(ctx, "missing", access.StatusWhitelist)
	require.ErrorIs(t, err, access.ErrNotFound)

	_, err = ledger.SetStatus(ctx, entry.ID, access.Status("approved"))
	require.ErrorIs(t, err, access.ErrInvalidStatus)
}

func TestLedgerLookupTrimsIP(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger()
	ctx := context.Background()

	created, err := ledger.RequestAccess(ctx, " 10.0.0.1 ", "")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", created.IP)

	found, err := ledger.Lookup(ctx, "\t10.0.0.1 ")
	require.NoError(t, err)
	require.Equal(t, created.ID, found.ID)

	_, err = ledger.Lookup(ctx, "   ")
	require.ErrorIs(t, err, access.ErrNotFound)
}
