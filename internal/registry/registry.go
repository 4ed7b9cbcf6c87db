// Package registry owns gig records and their open/closed lifecycle.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"gigescrow/internal/db"
	"gigescrow/internal/domain"
)

var (
	ErrNotFound        = errors.New("gig not found")
	ErrZeroAddress     = errors.New("depositor and beneficiary must be non-zero addresses")
	ErrSameParty       = errors.New("depositor and beneficiary must differ")
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrEmptyDescriptor = errors.New("scope, resource and target are required")
	ErrAlreadyClosed   = errors.New("gig already closed")
)

// NewGig holds the creation inputs; amount and parties are immutable after Create.
type NewGig struct {
	Depositor   common.Address
	Beneficiary common.Address
	Amount      *uint256.Int
	Descriptor  domain.Descriptor
}

// Validate checks every creation invariant and reports the first violation.
func Validate(g NewGig) error {
	if domain.IsZero(g.Depositor) || domain.IsZero(g.Beneficiary) {
		return ErrZeroAddress
	}
	if g.Depositor == g.Beneficiary {
		return ErrSameParty
	}
	if g.Amount == nil || g.Amount.IsZero() {
		return ErrInvalidAmount
	}
	d := g.Descriptor
	if strings.TrimSpace(d.Scope) == "" || strings.TrimSpace(d.Resource) == "" || strings.TrimSpace(d.Target) == "" {
		return ErrEmptyDescriptor
	}
	return nil
}

type Registry struct {
	Now func() time.Time
}

func (r Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Create validates and stores an open gig, returning it with its assigned id.
// Ids come from the table's AUTOINCREMENT sequence and are never reused.
func (r Registry) Create(ctx context.Context, q db.Querier, g NewGig) (domain.Gig, error) {
	if err := Validate(g); err != nil {
		return domain.Gig{}, err
	}
	created := r.now().UTC()
	res, err := q.ExecContext(ctx, `INSERT INTO gigs(depositor,beneficiary,amount,scope,resource,target,open,created_at) VALUES (?,?,?,?,?,?,1,?)`,
		g.Depositor.Hex(), g.Beneficiary.Hex(), g.Amount.Dec(), g.Descriptor.Scope, g.Descriptor.Resource, g.Descriptor.Target, created.Format(time.RFC3339Nano))
	if err != nil {
		return domain.Gig{}, fmt.Errorf("insert gig: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Gig{}, err
	}
	return domain.Gig{
		ID:          id,
		Depositor:   g.Depositor,
		Beneficiary: g.Beneficiary,
		Amount:      new(uint256.Int).Set(g.Amount),
		Descriptor:  g.Descriptor,
		Open:        true,
		CreatedAt:   created,
	}, nil
}

const gigColumns = `id,depositor,beneficiary,amount,scope,resource,target,open,COALESCE(outcome,''),created_at,closed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanGig(row scanner) (domain.Gig, error) {
	var (
		g                domain.Gig
		depositor, benef string
		amount, outcome  string
		createdAt        string
		closedAt         sql.NullString
		open             int
	)
	if err := row.Scan(&g.ID, &depositor, &benef, &amount, &g.Descriptor.Scope, &g.Descriptor.Resource, &g.Descriptor.Target, &open, &outcome, &createdAt, &closedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return g, ErrNotFound
		}
		return g, err
	}
	amt, err := uint256.FromDecimal(amount)
	if err != nil {
		return g, fmt.Errorf("gig %d: corrupt amount %q", g.ID, amount)
	}
	g.Depositor = common.HexToAddress(depositor)
	g.Beneficiary = common.HexToAddress(benef)
	g.Amount = amt
	g.Open = open == 1
	g.Outcome = domain.GigOutcome(outcome)
	if g.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return g, fmt.Errorf("gig %d: corrupt created_at %q", g.ID, createdAt)
	}
	if closedAt.Valid {
		ts, err := time.Parse(time.RFC3339Nano, closedAt.String)
		if err != nil {
			return g, fmt.Errorf("gig %d: corrupt closed_at %q", g.ID, closedAt.String)
		}
		g.ClosedAt = &ts
	}
	return g, nil
}

// Get loads a gig. Id 0 is reserved and never found.
func (r Registry) Get(ctx context.Context, q db.Querier, id int64) (domain.Gig, error) {
	if id <= 0 {
		return domain.Gig{}, ErrNotFound
	}
	return scanGig(q.QueryRowContext(ctx, `SELECT `+gigColumns+` FROM gigs WHERE id=?`, id))
}

// Close marks an open gig terminal. Closing a closed gig is a caller bug and
// returns ErrAlreadyClosed.
func (r Registry) Close(ctx context.Context, q db.Querier, id int64, outcome domain.GigOutcome) error {
	closed := r.now().UTC().Format(time.RFC3339Nano)
	res, err := q.ExecContext(ctx, `UPDATE gigs SET open=0, outcome=?, closed_at=? WHERE id=? AND open=1`, string(outcome), closed, id)
	if err != nil {
		return fmt.Errorf("close gig %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := r.Get(ctx, q, id); err != nil {
		return err
	}
	return fmt.Errorf("gig %d: %w", id, ErrAlreadyClosed)
}

// ListFilter narrows List; zero values match everything. Cursor is the last
// id seen on the previous page.
type ListFilter struct {
	Depositor   *common.Address
	Beneficiary *common.Address
	Open        *bool
	Limit       int
	Cursor      int64
}

func (r Registry) List(ctx context.Context, q db.Querier, f ListFilter) ([]domain.Gig, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Depositor != nil {
		clauses = append(clauses, "depositor=?")
		args = append(args, f.Depositor.Hex())
	}
	if f.Beneficiary != nil {
		clauses = append(clauses, "beneficiary=?")
		args = append(args, f.Beneficiary.Hex())
	}
	if f.Open != nil {
		clauses = append(clauses, "open=?")
		args = append(args, boolInt(*f.Open))
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id < ?")
		args = append(args, f.Cursor)
	}
	query := `SELECT ` + gigColumns + ` FROM gigs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Gig
	for rows.Next() {
		g, err := scanGig(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
