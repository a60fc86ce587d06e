package sqlite

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

type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type counterIDs struct {
	mu sync.Mutex
	n  int
}

func (g *counterIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("entry-%02d", g.n), nil
}

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	ledger, err := Open(context.Background(), ":memory:",
		&tickClock{now: time.UnixMilli(1_700_000_000_000).UTC()}, &counterIDs{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })
	return ledger
}

func TestOpenValidatesArguments(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "", &tickClock{}, &counterIDs{})
	require.Error(t, err)
	_, err = Open(context.Background(), ":memory:", nil, &counterIDs{})
	require.Error(t, err)
}

func TestRequestAccessReturnsExistingEntry(t *testing.T) {
	t.Parallel()

	ledger := openTestLedger(t)
	ctx := context.Background()

	first, err := ledger.RequestAccess(ctx, "198.51.100.7", "hello")
	require.NoError(t, err)
	require.Equal(t, access.StatusPending, first.Status)
	require.Equal(t, "hello", first.Note)
	require.Nil(t, first.ApprovedAt)

	second, err := ledger.RequestAccess(ctx, "198.51.100.7", "")
	require.NoError(t, err)
	require.Equal(t, first, second)

	_, err = ledger.RequestAccess(ctx, "   ", "")
	require.Error(t, err)
}

func TestConcurrentRequestsShareOneRow(t *testing.T) {
	t.Parallel()

	ledger := openTestLedger(t)
	ctx := context.Background()

	const callers = 16
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := ledger.RequestAccess(ctx, "10.1.1.1", "")
			assert.NoError(t, err)
			ids[i] = entry.ID
		}(i)
	}
	wg.Wait()

	entries, err := ledger.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	for _, id := range ids {
		require.Equal(t, entries[0].ID, id)
	}
}

func TestSetStatusApprovalStamp(t *testing.T) {
	t.Parallel()

	ledger := openTestLedger(t)
	ctx := context.Background()

	entry, err := ledger.RequestAccess(ctx, "10.0.0.1", "")
	require.NoError(t, err)

	approved, err := ledger.SetStatus(ctx, entry.ID, access.StatusWhitelist)
	require.NoError(t, err)
	require.NotNil(t, approved.ApprovedAt)

	again, err := ledger.SetStatus(ctx, entry.ID, access.StatusWhitelist)
	require.NoError(t, err)
	require.Equal(t, *approved.ApprovedAt, *again.ApprovedAt, "whitelist to whitelist keeps the stamp")

	blocked, err := ledger.SetStatus(ctx, entry.ID, access.StatusBlacklist)
	require.NoError(t, err)
	require.Equal(t, *approved.ApprovedAt, *blocked.ApprovedAt)

	restored, err := ledger.SetStatus(ctx, entry.ID, access.StatusWhitelist)
	require.NoError(t, err)
	require.True(t, restored.ApprovedAt.After(*approved.ApprovedAt))

	_, err = ledger.SetStatus(ctx, "missing", access.StatusPending)
	require.ErrorIs(t, err, access.ErrNotFound)
	_, err = ledger.SetStatus(ctx, entry.ID, access.Status("bogus"))
	require.ErrorIs(t, err, access.ErrInvalidStatus)
}

func TestListNewestFirstAndLookup(t *testing.T) {
	t.Parallel()

	ledger := openTestLedger(t)
	ctx := context.Background()

	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		_, err := ledger.RequestAccess(ctx, ip, "")
		require.NoError(t, err)
	}
	entries, err := ledger.List(ctx)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2", entries[0].IP)
	require.Equal(t, "10.0.0.1", entries[1].IP)

	_, err = ledger.Lookup(ctx, "10.0.0.3")
	require.ErrorIs(t, err, access.ErrNotFound)
}

func TestLookupTrimsIP(t *testing.T) {
	t.Parallel()

	ledger := openTestLedger(t)
	ctx := context.Background()

	created, err := ledger.RequestAccess(ctx, "10.0.0.7", "")
	require.NoError(t, err)

	found, err := ledger.Lookup(ctx, " 10.0.0.7\n")
	require.NoError(t, err)
	require.Equal(t, created.ID, found.ID)

	_, err = ledger.Lookup(ctx, "")
	require.ErrorIs(t, err, access.ErrNotFound)
}
