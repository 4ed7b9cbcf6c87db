// Package auth decides which principals may invoke which escrow operations.
// Roles are derived from addresses: the parties of a gig, plus the configured
// admin and oracle accounts.
package auth

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"gigescrow/internal/domain"
)

var ErrUnauthorized = errors.New("unauthorized")

type Role string

const (
	RoleDepositor   Role = "depositor"
	RoleBeneficiary Role = "beneficiary"
	RoleAdmin       Role = "admin"
	RoleOracle      Role = "oracle"
)

type Operation string

const (
	OpVerify    Operation = "gig.verify"
	OpCancel    Operation = "gig.cancel"
	OpCallback  Operation = "oracle.callback"
	OpConfigure Operation = "oracle.configure"
	OpMint      Operation = "ledger.mint"
)

var capabilities = map[Operation][]Role{
	OpVerify:    {RoleDepositor, RoleBeneficiary, RoleAdmin},
	OpCancel:    {RoleDepositor},
	OpCallback:  {RoleOracle},
	OpConfigure: {RoleAdmin},
	OpMint:      {RoleAdmin},
}

// ForbiddenError indicates the caller holds none of the roles an operation needs.
type ForbiddenError struct {
	Op     Operation
	Caller common.Address
}

func (e ForbiddenError) Error() string {
	roles := make([]string, 0, len(capabilities[e.Op]))
	for _, r := range capabilities[e.Op] {
		roles = append(roles, string(r))
	}
	return fmt.Sprintf("%s: %s requires one of [%s]", e.Caller.Hex(), e.Op, strings.Join(roles, ","))
}

func (e ForbiddenError) Unwrap() error { return ErrUnauthorized }

type Principals struct {
	Admin  common.Address
	Oracle common.Address
}

// Roles lists the roles caller holds, in the context of gig when non-nil.
func (p Principals) Roles(caller common.Address, gig *domain.Gig) []Role {
	if domain.IsZero(caller) {
		return nil
	}
	var roles []Role
	if gig != nil {
		if caller == gig.Depositor {
			roles = append(roles, RoleDepositor)
		}
		if caller == gig.Beneficiary {
			roles = append(roles, RoleBeneficiary)
		}
	}
	if caller == p.Admin {
		roles = append(roles, RoleAdmin)
	}
	if caller == p.Oracle {
		roles = append(roles, RoleOracle)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

// Require returns a ForbiddenError unless caller holds a role permitted for op.
func (p Principals) Require(op Operation, caller common.Address, gig *domain.Gig) error {
	held := p.Roles(caller, gig)
	for _, want := range capabilities[op] {
		for _, r := range held {
			if r == want {
				return nil
			}
		}
	}
	return ForbiddenError{Op: op, Caller: caller}
}
