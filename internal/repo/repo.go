package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gigescrow/internal/db"
	"gigescrow/internal/domain"
)

// Repo persists the supporting records around the escrow core: the event
// log, oracle settings and API keys.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) q(q db.Querier) db.Querier {
	if q != nil {
		return q
	}
	return r.DB
}

type EventFilters struct {
	Type   string
	GigID  int64
	Actor  string
	Limit  int
	Cursor int64
}

const eventColumns = `id,ts,type,COALESCE(gig_id,0),actor,payload_json`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.GigID, &e.Actor, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns events newest first. Cursor is the smallest id of the
// previous page.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.GigID > 0 {
		clauses = append(clauses, "gig_id=?")
		args = append(args, f.GigID)
	}
	if f.Actor != "" {
		clauses = append(clauses, "actor=?")
		args = append(args, f.Actor)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// GetOracleSettings loads the singleton settings row.
func (r Repo) GetOracleSettings(ctx context.Context, q db.Querier) (domain.OracleSettings, error) {
	var (
		s         domain.OracleSettings
		updatedAt string
	)
	err := r.q(q).QueryRowContext(ctx, `SELECT template,subscription_id,gas_limit,don_id,updated_by,updated_at FROM oracle_settings WHERE id=1`).
		Scan(&s.Template, &s.Routing.SubscriptionID, &s.Routing.GasLimit, &s.Routing.DonID, &s.UpdatedBy, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return s, nil
}

func (r Repo) UpsertOracleSettings(ctx context.Context, q db.Querier, s domain.OracleSettings) error {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO oracle_settings(id,template,subscription_id,gas_limit,don_id,updated_by,updated_at) VALUES (1,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET template=excluded.template, subscription_id=excluded.subscription_id, gas_limit=excluded.gas_limit,
don_id=excluded.don_id, updated_by=excluded.updated_by, updated_at=excluded.updated_at`,
		s.Template, s.Routing.SubscriptionID, s.Routing.GasLimit, s.Routing.DonID, s.UpdatedBy, s.UpdatedAt.UTC().Format(time.RFC3339))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
