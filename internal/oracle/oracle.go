// Package oracle is the boundary to the external verifier network. Requests go
// out through a Port; results come back later through the coordinator's
// callback entry point as an Outcome.
package oracle

import (
	"context"
	"errors"

	"gigescrow/internal/domain"
)

// Request is what the verifier receives for one verification attempt.
type Request struct {
	RequestID  domain.RequestID     `json:"request_id"`
	GigID      int64                `json:"gig_id"`
	Descriptor domain.Descriptor    `json:"descriptor"`
	Args       []string             `json:"args"`
	Source     string               `json:"source"`
	Routing    domain.OracleRouting `json:"routing"`
}

// Port submits a request. A nil error means the verifier accepted it and will
// call back eventually; it says nothing about the outcome.
type Port interface {
	Submit(ctx context.Context, req Request) error
}

// Outcome is the verifier's answer. A failure carries a diagnostic and is
// treated as a negative result by the state machine.
type Outcome struct {
	Confirmed  bool
	Diagnostic string
}

func Success(confirmed bool) Outcome { return Outcome{Confirmed: confirmed} }

func Failure(diagnostic string) Outcome {
	if diagnostic == "" {
		diagnostic = "verifier error"
	}
	return Outcome{Diagnostic: diagnostic}
}

func (o Outcome) Failed() bool { return o.Diagnostic != "" }

// Positive reports whether the outcome authorizes release.
func (o Outcome) Positive() bool { return !o.Failed() && o.Confirmed }

var ErrRejected = errors.New("verifier rejected request")
