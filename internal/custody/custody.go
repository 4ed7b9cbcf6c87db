// Package custody moves escrowed value between depositors, the custody
// account and payees. Balances live in the accounts table and every move runs
// inside the caller's transaction, so a failure later in the same operation
// undoes it.
package custody

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"gigescrow/internal/db"
	"gigescrow/internal/domain"
)

var (
	ErrInsufficientFunds         = errors.New("insufficient funds")
	ErrInsufficientAuthorization = errors.New("insufficient authorization")
	ErrTransferRejected          = errors.New("transfer rejected")
)

// TransferError reports a failed move. Kind is one of the package sentinels
// and is what errors.Is matches against.
type TransferError struct {
	Op      string
	Kind    error
	Account common.Address
	Amount  *uint256.Int
}

func (e *TransferError) Error() string {
	amt := "0"
	if e.Amount != nil {
		amt = e.Amount.Dec()
	}
	return fmt.Sprintf("%s %s for %s: %v", e.Op, amt, e.Account.Hex(), e.Kind)
}

func (e *TransferError) Unwrap() error { return e.Kind }

type Ledger struct {
	Vault common.Address
	Now   func() time.Time
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Lock pulls amount from the owner into the custody account, consuming the
// owner's allowance.
func (l Ledger) Lock(ctx context.Context, q db.Querier, from common.Address, amount *uint256.Int) error {
	fail := func(kind error) error {
		return &TransferError{Op: "lock", Kind: kind, Account: from, Amount: amount}
	}
	if from == l.Vault || domain.IsZero(from) {
		return fail(ErrTransferRejected)
	}
	acct, err := l.Account(ctx, q, from)
	if err != nil {
		return err
	}
	if acct.Allowance.Lt(amount) {
		return fail(ErrInsufficientAuthorization)
	}
	if acct.Balance.Lt(amount) {
		return fail(ErrInsufficientFunds)
	}
	vault, err := l.Account(ctx, q, l.Vault)
	if err != nil {
		return err
	}
	credited, overflow := new(uint256.Int).AddOverflow(vault.Balance, amount)
	if overflow {
		return fail(ErrTransferRejected)
	}
	acct.Balance = new(uint256.Int).Sub(acct.Balance, amount)
	acct.Allowance = new(uint256.Int).Sub(acct.Allowance, amount)
	vault.Balance = credited
	if err := l.put(ctx, q, acct); err != nil {
		return err
	}
	return l.put(ctx, q, vault)
}

// Release pays amount out of the custody account.
func (l Ledger) Release(ctx context.Context, q db.Querier, to common.Address, amount *uint256.Int) error {
	fail := func(kind error) error {
		return &TransferError{Op: "release", Kind: kind, Account: to, Amount: amount}
	}
	if domain.IsZero(to) || to == l.Vault {
		return fail(ErrTransferRejected)
	}
	vault, err := l.Account(ctx, q, l.Vault)
	if err != nil {
		return err
	}
	if vault.Balance.Lt(amount) {
		return fail(ErrTransferRejected)
	}
	acct, err := l.Account(ctx, q, to)
	if err != nil {
		return err
	}
	credited, overflow := new(uint256.Int).AddOverflow(acct.Balance, amount)
	if overflow {
		return fail(ErrTransferRejected)
	}
	vault.Balance = new(uint256.Int).Sub(vault.Balance, amount)
	acct.Balance = credited
	if err := l.put(ctx, q, vault); err != nil {
		return err
	}
	return l.put(ctx, q, acct)
}

// Mint credits new value to an account.
func (l Ledger) Mint(ctx context.Context, q db.Querier, to common.Address, amount *uint256.Int) (domain.Account, error) {
	if domain.IsZero(to) || to == l.Vault {
		return domain.Account{}, &TransferError{Op: "mint", Kind: ErrTransferRejected, Account: to, Amount: amount}
	}
	acct, err := l.Account(ctx, q, to)
	if err != nil {
		return domain.Account{}, err
	}
	credited, overflow := new(uint256.Int).AddOverflow(acct.Balance, amount)
	if overflow {
		return domain.Account{}, &TransferError{Op: "mint", Kind: ErrTransferRejected, Account: to, Amount: amount}
	}
	acct.Balance = credited
	return acct, l.put(ctx, q, acct)
}

// Approve sets how much the custody account may pull from owner. It replaces
// any previous allowance.
func (l Ledger) Approve(ctx context.Context, q db.Querier, owner common.Address, amount *uint256.Int) (domain.Account, error) {
	if domain.IsZero(owner) || owner == l.Vault {
		return domain.Account{}, &TransferError{Op: "approve", Kind: ErrTransferRejected, Account: owner, Amount: amount}
	}
	acct, err := l.Account(ctx, q, owner)
	if err != nil {
		return domain.Account{}, err
	}
	acct.Allowance = new(uint256.Int).Set(amount)
	return acct, l.put(ctx, q, acct)
}

// Account returns the stored balances; unknown addresses read as zero.
func (l Ledger) Account(ctx context.Context, q db.Querier, addr common.Address) (domain.Account, error) {
	var bal, allow string
	err := q.QueryRowContext(ctx, `SELECT balance,allowance FROM accounts WHERE address=?`, addr.Hex()).Scan(&bal, &allow)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{Address: addr, Balance: new(uint256.Int), Allowance: new(uint256.Int)}, nil
	}
	if err != nil {
		return domain.Account{}, err
	}
	acct := domain.Account{Address: addr}
	if acct.Balance, err = uint256.FromDecimal(bal); err != nil {
		return domain.Account{}, fmt.Errorf("account %s: corrupt balance %q", addr.Hex(), bal)
	}
	if acct.Allowance, err = uint256.FromDecimal(allow); err != nil {
		return domain.Account{}, fmt.Errorf("account %s: corrupt allowance %q", addr.Hex(), allow)
	}
	return acct, nil
}

// Custodied is the balance currently held by the custody account.
func (l Ledger) Custodied(ctx context.Context, q db.Querier) (*uint256.Int, error) {
	acct, err := l.Account(ctx, q, l.Vault)
	if err != nil {
		return nil, err
	}
	return acct.Balance, nil
}

func (l Ledger) put(ctx context.Context, q db.Querier, acct domain.Account) error {
	_, err := q.ExecContext(ctx, `INSERT INTO accounts(address,balance,allowance,updated_at) VALUES (?,?,?,?)
ON CONFLICT(address) DO UPDATE SET balance=excluded.balance, allowance=excluded.allowance, updated_at=excluded.updated_at`,
		acct.Address.Hex(), acct.Balance.Dec(), acct.Allowance.Dec(), l.now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("write account %s: %w", acct.Address.Hex(), err)
	}
	return nil
}
