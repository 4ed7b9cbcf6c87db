package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gigescrow/internal/db"
)

const (
	GigCreated           = "gig.created"
	GigFunded            = "gig.funded"
	VerificationRequest  = "verification.requested"
	VerificationResolved = "verification.resolved"
	PaymentReleased      = "payment.released"
	GigCancelled         = "gig.cancelled"
	OracleConfigUpdated  = "oracle.config.updated"
	LedgerMinted         = "ledger.minted"
	LedgerApproved       = "ledger.approved"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event row inside the caller's transaction. gigID 0 means
// the event is not tied to a gig.
func (w Writer) Append(ctx context.Context, q db.Querier, evtType string, gigID int64, actor string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO events(ts,type,gig_id,actor,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullableID(gigID), actor, string(data))
	return err
}

func nullableID(v int64) any {
	if v <= 0 {
		return nil
	}
	return v
}
