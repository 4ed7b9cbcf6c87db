package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RequestID identifies one outstanding verification request.
type RequestID = common.Hash

var (
	ErrInvalidAddress   = errors.New("invalid address")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrInvalidRequestID = errors.New("invalid request id")
)

type GigOutcome string

const (
	OutcomeReleased  GigOutcome = "released"
	OutcomeCancelled GigOutcome = "cancelled"
)

// Descriptor names the external condition the oracle is asked to check.
type Descriptor struct {
	Scope    string `json:"scope"`
	Resource string `json:"resource"`
	Target   string `json:"target"`
}

// Args returns the descriptor in the positional order handed to the oracle script.
func (d Descriptor) Args() []string {
	return []string{d.Scope, d.Resource, d.Target}
}

type Gig struct {
	ID          int64
	Depositor   common.Address
	Beneficiary common.Address
	Amount      *uint256.Int
	Descriptor  Descriptor
	Open        bool
	Outcome     GigOutcome
	CreatedAt   time.Time
	ClosedAt    *time.Time
}

type PendingRequest struct {
	GigID       int64
	RequestID   RequestID
	RequestedBy common.Address
	RequestedAt time.Time
}

type Account struct {
	Address   common.Address
	Balance   *uint256.Int
	Allowance *uint256.Int
}

type OracleRouting struct {
	SubscriptionID uint64 `json:"subscription_id" yaml:"subscription_id"`
	GasLimit       uint32 `json:"gas_limit" yaml:"gas_limit"`
	DonID          string `json:"don_id" yaml:"don_id"`
}

type OracleSettings struct {
	Template  string
	Routing   OracleRouting
	UpdatedBy string
	UpdatedAt time.Time
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	GigID   int64  `json:"gig_id,omitempty"`
	Actor   string `json:"actor"`
	Payload string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Address   string `json:"address"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ParseAddress accepts a 0x-prefixed or bare 40 digit hex address.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}

// ParseAmount parses a base-10 token amount.
func ParseAmount(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return v, nil
}

func ParseRequestID(s string) (RequestID, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s) != 2*common.HashLength {
		return RequestID{}, fmt.Errorf("%w: %q", ErrInvalidRequestID, s)
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return RequestID{}, fmt.Errorf("%w: %q", ErrInvalidRequestID, s)
		}
	}
	return common.HexToHash(s), nil
}

// IsZero reports whether addr is the zero address.
func IsZero(addr common.Address) bool {
	return addr == (common.Address{})
}
