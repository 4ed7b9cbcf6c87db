// Package tracker keeps the index of outstanding verification requests.
//
// A gig has at most one outstanding request. The verification_requests table
// is keyed by gig id, so "pending" is derived from row presence and the
// request id column (unique) provides the reverse lookup used by callbacks.
package tracker

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"gigescrow/internal/db"
	"gigescrow/internal/domain"
)

var (
	ErrAlreadyPending = errors.New("verification already pending")
	ErrNotFound       = errors.New("verification request not found")
)

const nonceSequence = "request_nonce"

type Tracker struct {
	Now func() time.Time
}

func (t Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Begin records a new outstanding request for gigID and returns its id.
func (t Tracker) Begin(ctx context.Context, q db.Querier, gigID int64, caller common.Address) (domain.RequestID, error) {
	pending, err := t.IsPending(ctx, q, gigID)
	if err != nil {
		return domain.RequestID{}, err
	}
	if pending {
		return domain.RequestID{}, fmt.Errorf("gig %d: %w", gigID, ErrAlreadyPending)
	}
	nonce, err := nextNonce(ctx, q)
	if err != nil {
		return domain.RequestID{}, err
	}
	now := t.now().UTC()
	id := requestID(nonce, caller, now, gigID)
	if _, err := q.ExecContext(ctx, `INSERT INTO verification_requests(gig_id,request_id,requested_by,requested_at) VALUES (?,?,?,?)`,
		gigID, id.Hex(), caller.Hex(), now.Format(time.RFC3339Nano)); err != nil {
		return domain.RequestID{}, fmt.Errorf("insert verification request: %w", err)
	}
	return id, nil
}

// Resolve removes the request and returns the gig that issued it. Each id
// resolves at most once; a second call reports ErrNotFound.
func (t Tracker) Resolve(ctx context.Context, q db.Querier, id domain.RequestID) (int64, error) {
	var gigID int64
	err := q.QueryRowContext(ctx, `DELETE FROM verification_requests WHERE request_id=? RETURNING gig_id`, id.Hex()).Scan(&gigID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("request %s: %w", id.Hex(), ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	return gigID, nil
}

func (t Tracker) IsPending(ctx context.Context, q db.Querier, gigID int64) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM verification_requests WHERE gig_id=?`, gigID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Pending returns the outstanding request for gigID or ErrNotFound.
func (t Tracker) Pending(ctx context.Context, q db.Querier, gigID int64) (domain.PendingRequest, error) {
	var reqID, by, at string
	err := q.QueryRowContext(ctx, `SELECT request_id,requested_by,requested_at FROM verification_requests WHERE gig_id=?`, gigID).Scan(&reqID, &by, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PendingRequest{}, ErrNotFound
	}
	if err != nil {
		return domain.PendingRequest{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return domain.PendingRequest{}, fmt.Errorf("gig %d: corrupt requested_at %q", gigID, at)
	}
	return domain.PendingRequest{
		GigID:       gigID,
		RequestID:   common.HexToHash(reqID),
		RequestedBy: common.HexToAddress(by),
		RequestedAt: ts,
	}, nil
}

// Count returns the number of outstanding requests across all gigs.
func (t Tracker) Count(ctx context.Context, q db.Querier) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM verification_requests`).Scan(&n)
	return n, err
}

func nextNonce(ctx context.Context, q db.Querier) (uint64, error) {
	var v int64
	err := q.QueryRowContext(ctx, `INSERT INTO sequences(name,value) VALUES (?,1)
ON CONFLICT(name) DO UPDATE SET value=value+1 RETURNING value`, nonceSequence).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("next request nonce: %w", err)
	}
	return uint64(v), nil
}

// requestID hashes the persisted nonce with the caller, wall clock and gig id.
// The nonce alone guarantees uniqueness; the other inputs keep ids from being
// guessable by counting.
func requestID(nonce uint64, caller common.Address, at time.Time, gigID int64) domain.RequestID {
	var buf [8]byte
	parts := make([][]byte, 0, 4)
	binary.BigEndian.PutUint64(buf[:], nonce)
	parts = append(parts, append([]byte(nil), buf[:]...), caller.Bytes())
	binary.BigEndian.PutUint64(buf[:], uint64(at.UnixNano()))
	parts = append(parts, append([]byte(nil), buf[:]...))
	binary.BigEndian.PutUint64(buf[:], uint64(gigID))
	parts = append(parts, append([]byte(nil), buf[:]...))
	return crypto.Keccak256Hash(parts...)
}
