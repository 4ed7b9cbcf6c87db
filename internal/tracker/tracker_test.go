package tracker_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"gigescrow/internal/db"
	"gigescrow/internal/domain"
	"gigescrow/internal/migrate"
	"gigescrow/internal/registry"
	"gigescrow/internal/tracker"
)

var (
	client     = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	freelancer = common.HexToAddress("0x00000000000000000000000000000000000000f1")
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return conn
}

func seedGig(t *testing.T, conn *sql.DB) int64 {
	t.Helper()
	g, err := registry.Registry{}.Create(context.Background(), conn, registry.NewGig{
		Depositor:   client,
		Beneficiary: freelancer,
		Amount:      uint256.NewInt(100),
		Descriptor:  domain.Descriptor{Scope: "acme", Resource: "widgets", Target: "42"},
	})
	require.NoError(t, err)
	return g.ID
}

func TestBeginResolve(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	gigID := seedGig(t, conn)
	tr := tracker.Tracker{Now: func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }}

	id, err := tr.Begin(ctx, conn, gigID, client)
	require.NoError(t, err)
	require.NotEqual(t, domain.RequestID{}, id)

	pending, err := tr.IsPending(ctx, conn, gigID)
	require.NoError(t, err)
	require.True(t, pending)

	p, err := tr.Pending(ctx, conn, gigID)
	require.NoError(t, err)
	require.Equal(t, id, p.RequestID)
	require.Equal(t, client, p.RequestedBy)

	_, err = tr.Begin(ctx, conn, gigID, freelancer)
	require.ErrorIs(t, err, tracker.ErrAlreadyPending)

	got, err := tr.Resolve(ctx, conn, id)
	require.NoError(t, err)
	require.Equal(t, gigID, got)

	pending, err = tr.IsPending(ctx, conn, gigID)
	require.NoError(t, err)
	require.False(t, pending)

	_, err = tr.Resolve(ctx, conn, id)
	require.ErrorIs(t, err, tracker.ErrNotFound)
}

func TestRequestIDsAreUnique(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	gigID := seedGig(t, conn)
	// A frozen clock and same caller must still produce distinct ids.
	tr := tracker.Tracker{Now: func() time.Time { return time.Unix(1700000000, 0) }}

	seen := map[domain.RequestID]bool{}
	for i := 0; i < 5; i++ {
		id, err := tr.Begin(ctx, conn, gigID, client)
		require.NoError(t, err)
		require.False(t, seen[id], "duplicate request id %s", id.Hex())
		seen[id] = true
		_, err = tr.Resolve(ctx, conn, id)
		require.NoError(t, err)
	}
}

func TestResolveUnknown(t *testing.T) {
	conn := openDB(t)
	_, err := tracker.Tracker{}.Resolve(context.Background(), conn, common.HexToHash("0xdead"))
	require.ErrorIs(t, err, tracker.ErrNotFound)

	_, err = tracker.Tracker{}.Pending(context.Background(), conn, 99)
	require.ErrorIs(t, err, tracker.ErrNotFound)
}

func TestBeginRolledBackLeavesNothingPending(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	gigID := seedGig(t, conn)

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = tracker.Tracker{}.Begin(ctx, tx, gigID, client)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	pending, err := tracker.Tracker{}.IsPending(ctx, conn, gigID)
	require.NoError(t, err)
	require.False(t, pending)
}

func TestPendingRejectsCorruptTimestamp(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	gigID := seedGig(t, conn)
	at := time.Date(2024, 3, 1, 12, 0, 0, 250_000_000, time.UTC)
	tr := tracker.Tracker{Now: func() time.Time { return at }}

	_, err := tr.Begin(ctx, conn, gigID, client)
	require.NoError(t, err)
	p, err := tr.Pending(ctx, conn, gigID)
	require.NoError(t, err)
	require.True(t, at.Equal(p.RequestedAt))

	_, err = conn.ExecContext(ctx, `UPDATE verification_requests SET requested_at='soon' WHERE gig_id=?`, gigID)
	require.NoError(t, err)
	_, err = tr.Pending(ctx, conn, gigID)
	require.ErrorContains(t, err, "corrupt requested_at")
}
