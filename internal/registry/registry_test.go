package registry_test

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
)

var (
	client     = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	freelancer = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	descriptor = domain.Descriptor{Scope: "acme", Resource: "widgets", Target: "42"}
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return conn
}

func TestValidate(t *testing.T) {
	ok := registry.NewGig{Depositor: client, Beneficiary: freelancer, Amount: uint256.NewInt(1), Descriptor: descriptor}
	require.NoError(t, registry.Validate(ok))

	cases := []struct {
		name string
		mut  func(*registry.NewGig)
		want error
	}{
		{"zero depositor", func(g *registry.NewGig) { g.Depositor = common.Address{} }, registry.ErrZeroAddress},
		{"zero beneficiary", func(g *registry.NewGig) { g.Beneficiary = common.Address{} }, registry.ErrZeroAddress},
		{"same party", func(g *registry.NewGig) { g.Beneficiary = client }, registry.ErrSameParty},
		{"zero amount", func(g *registry.NewGig) { g.Amount = uint256.NewInt(0) }, registry.ErrInvalidAmount},
		{"nil amount", func(g *registry.NewGig) { g.Amount = nil }, registry.ErrInvalidAmount},
		{"blank scope", func(g *registry.NewGig) { g.Descriptor.Scope = " " }, registry.ErrEmptyDescriptor},
		{"blank target", func(g *registry.NewGig) { g.Descriptor.Target = "" }, registry.ErrEmptyDescriptor},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := ok
			tc.mut(&g)
			require.ErrorIs(t, registry.Validate(g), tc.want)
		})
	}
}

func TestCreateGetClose(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	r := registry.Registry{Now: func() time.Time { return now }}

	amount, _ := uint256.FromDecimal("1000000000000000000000")
	g, err := r.Create(ctx, conn, registry.NewGig{Depositor: client, Beneficiary: freelancer, Amount: amount, Descriptor: descriptor})
	require.NoError(t, err)
	require.EqualValues(t, 1, g.ID)

	got, err := r.Get(ctx, conn, g.ID)
	require.NoError(t, err)
	require.True(t, got.Open)
	require.Equal(t, client, got.Depositor)
	require.Equal(t, freelancer, got.Beneficiary)
	require.Equal(t, amount.Dec(), got.Amount.Dec())
	require.Equal(t, descriptor, got.Descriptor)
	require.True(t, now.Equal(got.CreatedAt))

	require.NoError(t, r.Close(ctx, conn, g.ID, domain.OutcomeReleased))
	got, err = r.Get(ctx, conn, g.ID)
	require.NoError(t, err)
	require.False(t, got.Open)
	require.Equal(t, domain.OutcomeReleased, got.Outcome)
	require.NotNil(t, got.ClosedAt)

	require.ErrorIs(t, r.Close(ctx, conn, g.ID, domain.OutcomeCancelled), registry.ErrAlreadyClosed)
	require.ErrorIs(t, r.Close(ctx, conn, 42, domain.OutcomeCancelled), registry.ErrNotFound)
}

func TestGetNotFound(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	for _, id := range []int64{0, -1, 1, 7} {
		_, err := registry.Registry{}.Get(ctx, conn, id)
		require.ErrorIs(t, err, registry.ErrNotFound, "id %d", id)
	}
}

func TestIDsMonotonic(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	r := registry.Registry{}
	var last int64
	for i := 0; i < 3; i++ {
		g, err := r.Create(ctx, conn, registry.NewGig{Depositor: client, Beneficiary: freelancer, Amount: uint256.NewInt(5), Descriptor: descriptor})
		require.NoError(t, err)
		require.Greater(t, g.ID, last)
		last = g.ID
	}
}

func TestList(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	r := registry.Registry{}
	other := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	for _, dep := range []common.Address{client, other, client} {
		_, err := r.Create(ctx, conn, registry.NewGig{Depositor: dep, Beneficiary: freelancer, Amount: uint256.NewInt(5), Descriptor: descriptor})
		require.NoError(t, err)
	}
	require.NoError(t, r.Close(ctx, conn, 1, domain.OutcomeCancelled))

	all, err := r.List(ctx, conn, registry.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.EqualValues(t, 3, all[0].ID)

	mine, err := r.List(ctx, conn, registry.ListFilter{Depositor: &client})
	require.NoError(t, err)
	require.Len(t, mine, 2)

	open := true
	openOnly, err := r.List(ctx, conn, registry.ListFilter{Open: &open})
	require.NoError(t, err)
	require.Len(t, openOnly, 2)

	page, err := r.List(ctx, conn, registry.ListFilter{Limit: 1, Cursor: 3})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.EqualValues(t, 2, page[0].ID)
}

func TestCreatedAtKeepsSubSecondPrecision(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 9, 30, 0, 900_000_000, time.UTC)
	r := registry.Registry{Now: func() time.Time { return now }}

	g, err := r.Create(ctx, conn, registry.NewGig{Depositor: client, Beneficiary: freelancer, Amount: uint256.NewInt(5), Descriptor: descriptor})
	require.NoError(t, err)
	require.True(t, now.Equal(g.CreatedAt))

	got, err := r.Get(ctx, conn, g.ID)
	require.NoError(t, err)
	require.True(t, now.Equal(got.CreatedAt), "stored %s, want %s", got.CreatedAt, now)
}

func TestCorruptTimestampIsAnError(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	r := registry.Registry{}
	g, err := r.Create(ctx, conn, registry.NewGig{Depositor: client, Beneficiary: freelancer, Amount: uint256.NewInt(5), Descriptor: descriptor})
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, `UPDATE gigs SET created_at='yesterday' WHERE id=?`, g.ID)
	require.NoError(t, err)
	_, err = r.Get(ctx, conn, g.ID)
	require.ErrorContains(t, err, "corrupt created_at")

	_, err = conn.ExecContext(ctx, `UPDATE gigs SET created_at=?, open=0, outcome='cancelled', closed_at='never' WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339Nano), g.ID)
	require.NoError(t, err)
	_, err = r.Get(ctx, conn, g.ID)
	require.ErrorContains(t, err, "corrupt closed_at")
}
