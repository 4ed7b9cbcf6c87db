package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	log "github.com/sirupsen/logrus"

	"gigescrow/internal/db"
	"gigescrow/internal/domain"
	"gigescrow/internal/engine/auth"
	"gigescrow/internal/events"
	"gigescrow/internal/repo"
)

// oracleSettings returns the stored settings, falling back to config when
// nothing has been seeded yet.
func (e Engine) oracleSettings(ctx context.Context, q db.Querier) (domain.OracleSettings, error) {
	s, err := e.Repo.GetOracleSettings(ctx, q)
	if errors.Is(err, repo.ErrNotFound) {
		return e.configuredOracleSettings(), nil
	}
	return s, err
}

func (e Engine) configuredOracleSettings() domain.OracleSettings {
	return domain.OracleSettings{
		Template:  e.Config.Oracle.Template,
		Routing:   e.Config.Oracle.Routing,
		UpdatedBy: "config",
		UpdatedAt: e.now().UTC(),
	}
}

// OracleSettings returns the template and routing used for new requests.
func (e Engine) OracleSettings(ctx context.Context) (domain.OracleSettings, error) {
	if e.Config == nil {
		return domain.OracleSettings{}, errors.New("config not loaded")
	}
	return e.oracleSettings(ctx, e.DB)
}

// EnsureOracleSettings seeds the stored settings from config on first start.
// Later admin updates live in the database and win over the config file.
func (e Engine) EnsureOracleSettings(ctx context.Context) error {
	tx, done, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer done()
	if _, err := e.Repo.GetOracleSettings(ctx, tx); err == nil {
		return nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if err := e.Repo.UpsertOracleSettings(ctx, tx, e.configuredOracleSettings()); err != nil {
		return fmt.Errorf("seed oracle settings: %w", err)
	}
	return tx.Commit()
}

// SetQueryTemplate replaces the verification script sent with every
// subsequent request.
func (e Engine) SetQueryTemplate(ctx context.Context, caller common.Address, template string) (domain.OracleSettings, error) {
	if strings.TrimSpace(template) == "" {
		return domain.OracleSettings{}, ErrEmptyTemplate
	}
	return e.updateOracleSettings(ctx, caller, "template", func(s *domain.OracleSettings) {
		s.Template = template
	})
}

// SetOracleRouting replaces the subscription, gas budget and DON used for
// subsequent requests.
func (e Engine) SetOracleRouting(ctx context.Context, caller common.Address, routing domain.OracleRouting) (domain.OracleSettings, error) {
	if routing.GasLimit == 0 {
		return domain.OracleSettings{}, fmt.Errorf("%w: gas_limit must be positive", ErrInvalidRouting)
	}
	if strings.TrimSpace(routing.DonID) == "" {
		return domain.OracleSettings{}, fmt.Errorf("%w: don_id is required", ErrInvalidRouting)
	}
	return e.updateOracleSettings(ctx, caller, "routing", func(s *domain.OracleSettings) {
		s.Routing = routing
	})
}

func (e Engine) updateOracleSettings(ctx context.Context, caller common.Address, field string, apply func(*domain.OracleSettings)) (domain.OracleSettings, error) {
	tx, done, err := e.begin(ctx)
	if err != nil {
		return domain.OracleSettings{}, err
	}
	defer done()
	if err := e.principals().Require(auth.OpConfigure, caller, nil); err != nil {
		return domain.OracleSettings{}, err
	}
	s, err := e.oracleSettings(ctx, tx)
	if err != nil {
		return domain.OracleSettings{}, err
	}
	apply(&s)
	s.UpdatedBy = caller.Hex()
	s.UpdatedAt = e.now().UTC()
	if err := e.Repo.UpsertOracleSettings(ctx, tx, s); err != nil {
		return domain.OracleSettings{}, err
	}
	if err := e.events().Append(ctx, tx, events.OracleConfigUpdated, 0, caller.Hex(), events.EventPayload{
		"field":           field,
		"subscription_id": s.Routing.SubscriptionID,
		"gas_limit":       s.Routing.GasLimit,
		"don_id":          s.Routing.DonID,
		"template_bytes":  len(s.Template),
	}); err != nil {
		return domain.OracleSettings{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.OracleSettings{}, err
	}
	e.logger().WithFields(log.Fields{"field": field, "caller": caller.Hex()}).Info("oracle settings updated")
	return s, nil
}

// Mint credits value to an account. Only the admin may mint.
func (e Engine) Mint(ctx context.Context, caller, to common.Address, amount *uint256.Int) (domain.Account, error) {
	if amount == nil || amount.IsZero() {
		return domain.Account{}, fmt.Errorf("%w: must be positive", domain.ErrInvalidAmount)
	}
	tx, done, err := e.begin(ctx)
	if err != nil {
		return domain.Account{}, err
	}
	defer done()
	if err := e.principals().Require(auth.OpMint, caller, nil); err != nil {
		return domain.Account{}, err
	}
	acct, err := e.ledger().Mint(ctx, tx, to, amount)
	if err != nil {
		e.custodyFailed(err)
		return domain.Account{}, err
	}
	if err := e.events().Append(ctx, tx, events.LedgerMinted, 0, caller.Hex(), events.EventPayload{
		"to":     to.Hex(),
		"amount": amount.Dec(),
	}); err != nil {
		return domain.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Account{}, err
	}
	return acct, nil
}

// Approve sets the allowance owner grants the custody account. Any account
// may approve on its own behalf; zero revokes.
func (e Engine) Approve(ctx context.Context, owner common.Address, amount *uint256.Int) (domain.Account, error) {
	if amount == nil {
		return domain.Account{}, fmt.Errorf("%w: amount required", domain.ErrInvalidAmount)
	}
	tx, done, err := e.begin(ctx)
	if err != nil {
		return domain.Account{}, err
	}
	defer done()
	acct, err := e.ledger().Approve(ctx, tx, owner, amount)
	if err != nil {
		e.custodyFailed(err)
		return domain.Account{}, err
	}
	if err := e.events().Append(ctx, tx, events.LedgerApproved, 0, owner.Hex(), events.EventPayload{
		"spender": e.Config.CustodyAddress().Hex(),
		"amount":  amount.Dec(),
	}); err != nil {
		return domain.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Account{}, err
	}
	return acct, nil
}
