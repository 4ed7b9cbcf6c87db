package server

import (
	"encoding/json"
	"time"

	"gigescrow/internal/domain"
	"gigescrow/internal/engine"
)

// Request payloads

type CreateGigRequest struct {
	Beneficiary string `json:"beneficiary" example:"0x00000000000000000000000000000000000000f1"`
	Amount      string `json:"amount" example:"1000000000000000000" doc:"Base-10 token amount"`
	Scope       string `json:"scope" example:"acme"`
	Resource    string `json:"resource" example:"widgets"`
	Target      string `json:"target" example:"42"`
}

type CallbackOutcome struct {
	Confirmed *bool  `json:"confirmed,omitempty"`
	Error     string `json:"error,omitempty"`
}

type CallbackRequest struct {
	RequestID string          `json:"request_id"`
	Outcome   CallbackOutcome `json:"outcome"`
}

type TemplateRequest struct {
	Template string `json:"template"`
}

type RoutingRequest struct {
	SubscriptionID uint64 `json:"subscription_id"`
	GasLimit       uint32 `json:"gas_limit"`
	DonID          string `json:"don_id"`
}

type MintRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type ApproveRequest struct {
	Amount string `json:"amount"`
}

type DevLoginRequest struct {
	Address string `json:"address"`
}

// Response payloads

type PendingResponse struct {
	RequestID   string `json:"request_id"`
	RequestedBy string `json:"requested_by"`
	RequestedAt string `json:"requested_at" format:"date-time"`
}

type GigResponse struct {
	ID          int64             `json:"id"`
	Depositor   string            `json:"depositor"`
	Beneficiary string            `json:"beneficiary"`
	Amount      string            `json:"amount"`
	Descriptor  domain.Descriptor `json:"descriptor"`
	Open        bool              `json:"open"`
	Outcome     string            `json:"outcome,omitempty"`
	CreatedAt   string            `json:"created_at" format:"date-time"`
	ClosedAt    string            `json:"closed_at,omitempty"`
	HasPending  bool              `json:"has_pending"`
	Pending     *PendingResponse  `json:"pending,omitempty"`
}

type paginatedGigs struct {
	Items      []GigResponse `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type VerifyResponse struct {
	GigID     int64  `json:"gig_id"`
	RequestID string `json:"request_id"`
}

type ResolutionResponse struct {
	GigID     int64  `json:"gig_id"`
	RequestID string `json:"request_id"`
	Confirmed bool   `json:"confirmed"`
	Error     string `json:"error,omitempty"`
	Released  bool   `json:"released"`
}

type OracleConfigResponse struct {
	Template  string         `json:"template"`
	Routing   RoutingRequest `json:"routing"`
	UpdatedBy string         `json:"updated_by"`
	UpdatedAt string         `json:"updated_at" format:"date-time"`
}

type AccountResponse struct {
	Address   string `json:"address"`
	Balance   string `json:"balance"`
	Allowance string `json:"allowance"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	GigID   int64          `json:"gig_id,omitempty"`
	Actor   string         `json:"actor"`
	Payload map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	Address string   `json:"address"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func gigResponse(v engine.GigView) GigResponse {
	res := GigResponse{
		ID:          v.ID,
		Depositor:   v.Depositor.Hex(),
		Beneficiary: v.Beneficiary.Hex(),
		Amount:      v.Amount.Dec(),
		Descriptor:  v.Descriptor,
		Open:        v.Open,
		Outcome:     string(v.Outcome),
		CreatedAt:   v.CreatedAt.UTC().Format(time.RFC3339),
	}
	if v.ClosedAt != nil {
		res.ClosedAt = v.ClosedAt.UTC().Format(time.RFC3339)
	}
	if v.Pending != nil {
		res.HasPending = true
		res.Pending = &PendingResponse{
			RequestID:   v.Pending.RequestID.Hex(),
			RequestedBy: v.Pending.RequestedBy.Hex(),
			RequestedAt: v.Pending.RequestedAt.UTC().Format(time.RFC3339),
		}
	}
	return res
}

func mapGigs(items []engine.GigView) []GigResponse {
	res := make([]GigResponse, 0, len(items))
	for _, v := range items {
		res = append(res, gigResponse(v))
	}
	return res
}

func resolutionResponse(r engine.Resolution) ResolutionResponse {
	return ResolutionResponse{
		GigID:     r.GigID,
		RequestID: r.RequestID.Hex(),
		Confirmed: r.Confirmed,
		Error:     r.Diagnostic,
		Released:  r.Released,
	}
}

func oracleConfigResponse(s domain.OracleSettings) OracleConfigResponse {
	return OracleConfigResponse{
		Template: s.Template,
		Routing: RoutingRequest{
			SubscriptionID: s.Routing.SubscriptionID,
			GasLimit:       s.Routing.GasLimit,
			DonID:          s.Routing.DonID,
		},
		UpdatedBy: s.UpdatedBy,
		UpdatedAt: s.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func accountResponse(a domain.Account) AccountResponse {
	return AccountResponse{
		Address:   a.Address.Hex(),
		Balance:   a.Balance.Dec(),
		Allowance: a.Allowance.Dec(),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		GigID:   e.GigID,
		Actor:   e.Actor,
		Payload: decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
