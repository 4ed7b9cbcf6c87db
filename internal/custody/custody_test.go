package custody_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"gigescrow/internal/custody"
	"gigescrow/internal/db"
	"gigescrow/internal/migrate"
)

var (
	vault = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return conn
}

func TestLockAndRelease(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	l := custody.Ledger{Vault: vault}

	_, err := l.Mint(ctx, conn, alice, uint256.NewInt(500))
	require.NoError(t, err)
	_, err = l.Approve(ctx, conn, alice, uint256.NewInt(300))
	require.NoError(t, err)

	require.NoError(t, l.Lock(ctx, conn, alice, uint256.NewInt(200)))
	acct, err := l.Account(ctx, conn, alice)
	require.NoError(t, err)
	require.EqualValues(t, 300, acct.Balance.Uint64())
	require.EqualValues(t, 100, acct.Allowance.Uint64())
	held, err := l.Custodied(ctx, conn)
	require.NoError(t, err)
	require.EqualValues(t, 200, held.Uint64())

	require.NoError(t, l.Release(ctx, conn, bob, uint256.NewInt(200)))
	acct, err = l.Account(ctx, conn, bob)
	require.NoError(t, err)
	require.EqualValues(t, 200, acct.Balance.Uint64())
	held, err = l.Custodied(ctx, conn)
	require.NoError(t, err)
	require.True(t, held.IsZero())
}

func TestLockFailures(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	l := custody.Ledger{Vault: vault}

	err := l.Lock(ctx, conn, alice, uint256.NewInt(10))
	require.ErrorIs(t, err, custody.ErrInsufficientAuthorization)

	_, err = l.Approve(ctx, conn, alice, uint256.NewInt(10))
	require.NoError(t, err)
	err = l.Lock(ctx, conn, alice, uint256.NewInt(10))
	require.ErrorIs(t, err, custody.ErrInsufficientFunds)

	var te *custody.TransferError
	require.True(t, errors.As(err, &te))
	require.Equal(t, "lock", te.Op)
	require.Equal(t, alice, te.Account)

	err = l.Lock(ctx, conn, vault, uint256.NewInt(1))
	require.ErrorIs(t, err, custody.ErrTransferRejected)

	// nothing moved
	held, err := l.Custodied(ctx, conn)
	require.NoError(t, err)
	require.True(t, held.IsZero())
}

func TestReleaseFailures(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	l := custody.Ledger{Vault: vault}

	err := l.Release(ctx, conn, bob, uint256.NewInt(1))
	require.ErrorIs(t, err, custody.ErrTransferRejected)

	err = l.Release(ctx, conn, common.Address{}, uint256.NewInt(0))
	require.ErrorIs(t, err, custody.ErrTransferRejected)
}

func TestMintOverflow(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	l := custody.Ledger{Vault: vault}
	max := new(uint256.Int).SetAllOne()

	_, err := l.Mint(ctx, conn, alice, max)
	require.NoError(t, err)
	_, err = l.Mint(ctx, conn, alice, uint256.NewInt(1))
	require.ErrorIs(t, err, custody.ErrTransferRejected)

	acct, err := l.Account(ctx, conn, alice)
	require.NoError(t, err)
	require.Equal(t, max.Dec(), acct.Balance.Dec())
}

func TestMovesRollBackWithTransaction(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	l := custody.Ledger{Vault: vault}
	_, err := l.Mint(ctx, conn, alice, uint256.NewInt(50))
	require.NoError(t, err)
	_, err = l.Approve(ctx, conn, alice, uint256.NewInt(50))
	require.NoError(t, err)

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, l.Lock(ctx, tx, alice, uint256.NewInt(50)))
	require.NoError(t, tx.Rollback())

	acct, err := l.Account(ctx, conn, alice)
	require.NoError(t, err)
	require.EqualValues(t, 50, acct.Balance.Uint64())
	require.EqualValues(t, 50, acct.Allowance.Uint64())
}
