package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	log "github.com/sirupsen/logrus"

	"gigescrow/internal/config"
	"gigescrow/internal/custody"
	"gigescrow/internal/domain"
	"gigescrow/internal/engine/auth"
	"gigescrow/internal/events"
	"gigescrow/internal/metrics"
	"gigescrow/internal/oracle"
	"gigescrow/internal/registry"
	"gigescrow/internal/repo"
	"gigescrow/internal/tracker"
)

var (
	ErrNotOpen        = errors.New("gig is not open")
	ErrTooRecent      = errors.New("gig is too recent to cancel")
	ErrOracleSubmit   = errors.New("oracle submission failed")
	ErrEmptyTemplate  = errors.New("query template must not be blank")
	ErrInvalidRouting = errors.New("invalid oracle routing")
)

const (
	opCreate   = "create_gig"
	opVerify   = "verify_work"
	opCallback = "verification_result"
	opCancel   = "cancel_gig"
)

// Engine coordinates custody, the gig registry, the request tracker and the
// oracle port. Every mutating entry point holds mu for its whole duration and
// runs in one transaction, so callbacks never observe a half-finished
// verification and no two transitions interleave on a gig.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Config  *config.Config
	Oracle  oracle.Port
	Metrics *metrics.Metrics
	Log     log.FieldLogger
	Now     func() time.Time

	mu *sync.Mutex
}

func New(db *sql.DB, cfg *config.Config, port oracle.Port) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Config:  cfg,
		Oracle:  port,
		Metrics: metrics.New(),
		Log:     log.StandardLogger(),
		Now:     time.Now,
		mu:      &sync.Mutex{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() log.FieldLogger {
	if e.Log != nil {
		return e.Log
	}
	return log.StandardLogger()
}

func (e Engine) gigs() registry.Registry   { return registry.Registry{Now: e.now} }
func (e Engine) requests() tracker.Tracker { return tracker.Tracker{Now: e.now} }
func (e Engine) events() events.Writer     { return events.Writer{Now: e.now} }
func (e Engine) ledger() custody.Ledger    { return custody.Ledger{Vault: e.Config.CustodyAddress(), Now: e.now} }
func (e Engine) principals() auth.Principals {
	return auth.Principals{Admin: e.Config.AdminAddress(), Oracle: e.Config.OracleAddress()}
}

// Roles lists the deployment-wide roles (admin, oracle) held by addr.
func (e Engine) Roles(addr common.Address) []auth.Role {
	if e.Config == nil {
		return nil
	}
	return e.principals().Roles(addr, nil)
}

// begin takes the write lock and opens the operation's transaction. The
// returned func rolls back (a no-op after Commit) and unlocks.
func (e Engine) begin(ctx context.Context) (*sql.Tx, func(), error) {
	if e.Config == nil {
		return nil, nil, errors.New("config not loaded")
	}
	if e.mu != nil {
		e.mu.Lock()
	}
	unlock := func() {
		if e.mu != nil {
			e.mu.Unlock()
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return tx, func() {
		_ = tx.Rollback()
		unlock()
	}, nil
}

// CreateGigOptions are parameters for creating a gig. The depositor is the
// caller and must have approved the custody account for at least Amount.
type CreateGigOptions struct {
	Depositor   common.Address
	Beneficiary common.Address
	Amount      *uint256.Int
	Descriptor  domain.Descriptor
}

// CreateGig locks the deposit and then records the gig. A failed lock leaves
// no record behind.
func (e Engine) CreateGig(ctx context.Context, opts CreateGigOptions) (g domain.Gig, err error) {
	defer func() { e.Metrics.Operation(opCreate, err) }()
	ng := registry.NewGig{
		Depositor:   opts.Depositor,
		Beneficiary: opts.Beneficiary,
		Amount:      opts.Amount,
		Descriptor:  opts.Descriptor,
	}
	if err := registry.Validate(ng); err != nil {
		return domain.Gig{}, err
	}
	tx, done, err := e.begin(ctx)
	if err != nil {
		return domain.Gig{}, err
	}
	defer done()

	if err := e.ledger().Lock(ctx, tx, opts.Depositor, opts.Amount); err != nil {
		e.custodyFailed(err)
		return domain.Gig{}, err
	}
	g, err = e.gigs().Create(ctx, tx, ng)
	if err != nil {
		return domain.Gig{}, err
	}
	actor := opts.Depositor.Hex()
	if err := e.events().Append(ctx, tx, events.GigFunded, g.ID, actor, events.EventPayload{
		"amount":  g.Amount.Dec(),
		"custody": e.Config.CustodyAddress().Hex(),
	}); err != nil {
		return domain.Gig{}, err
	}
	if err := e.events().Append(ctx, tx, events.GigCreated, g.ID, actor, events.EventPayload{
		"depositor":   g.Depositor.Hex(),
		"beneficiary": g.Beneficiary.Hex(),
		"amount":      g.Amount.Dec(),
		"scope":       g.Descriptor.Scope,
		"resource":    g.Descriptor.Resource,
		"target":      g.Descriptor.Target,
	}); err != nil {
		return domain.Gig{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Gig{}, err
	}
	e.logger().WithFields(log.Fields{"gig_id": g.ID, "depositor": actor, "amount": g.Amount.Dec()}).Info("gig created")
	return g, nil
}

// VerifyWork records a pending request and submits it to the oracle. If the
// submit fails the transaction is rolled back, so the gig is not left pending.
func (e Engine) VerifyWork(ctx context.Context, gigID int64, caller common.Address) (id domain.RequestID, err error) {
	defer func() { e.Metrics.Operation(opVerify, err) }()
	tx, done, err := e.begin(ctx)
	if err != nil {
		return domain.RequestID{}, err
	}
	defer done()

	g, err := e.gigs().Get(ctx, tx, gigID)
	if err != nil {
		return domain.RequestID{}, err
	}
	if !g.Open {
		return domain.RequestID{}, fmt.Errorf("gig %d: %w", gigID, ErrNotOpen)
	}
	if err := e.principals().Require(auth.OpVerify, caller, &g); err != nil {
		return domain.RequestID{}, err
	}
	id, err = e.requests().Begin(ctx, tx, gigID, caller)
	if err != nil {
		return domain.RequestID{}, err
	}
	settings, err := e.oracleSettings(ctx, tx)
	if err != nil {
		return domain.RequestID{}, err
	}
	req := oracle.Request{
		RequestID:  id,
		GigID:      gigID,
		Descriptor: g.Descriptor,
		Args:       g.Descriptor.Args(),
		Source:     settings.Template,
		Routing:    settings.Routing,
	}
	fields := log.Fields{"gig_id": gigID, "request_id": id.Hex(), "caller": caller.Hex()}
	if e.Oracle == nil {
		return domain.RequestID{}, fmt.Errorf("%w: no oracle configured", ErrOracleSubmit)
	}
	started := time.Now()
	if err := e.Oracle.Submit(ctx, req); err != nil {
		e.logger().WithFields(fields).WithError(err).Warn("oracle submit failed")
		return domain.RequestID{}, fmt.Errorf("%w: %w", ErrOracleSubmit, err)
	}
	e.Metrics.Submitted(time.Since(started).Seconds())
	if err := e.events().Append(ctx, tx, events.VerificationRequest, gigID, caller.Hex(), events.EventPayload{
		"request_id":      id.Hex(),
		"subscription_id": settings.Routing.SubscriptionID,
		"gas_limit":       settings.Routing.GasLimit,
		"don_id":          settings.Routing.DonID,
	}); err != nil {
		return domain.RequestID{}, err
	}
	if err := tx.Commit(); err != nil {
		// The oracle already has the request; its callback will be rejected
		// as unknown and the caller may verify again.
		e.logger().WithFields(fields).WithError(err).Error("verification submitted but not recorded")
		return domain.RequestID{}, err
	}
	e.refreshPending(ctx)
	e.logger().WithFields(fields).Info("verification requested")
	return id, nil
}

// Resolution describes what a verification callback did.
type Resolution struct {
	GigID      int64            `json:"gig_id"`
	RequestID  domain.RequestID `json:"request_id"`
	Confirmed  bool             `json:"confirmed"`
	Diagnostic string           `json:"error,omitempty"`
	Released   bool             `json:"released"`
}

// OnVerificationResult applies an oracle callback. Only the configured oracle
// may call it. Each request id resolves once; a replay fails with
// tracker.ErrNotFound and changes nothing.
func (e Engine) OnVerificationResult(ctx context.Context, requestID domain.RequestID, outcome oracle.Outcome, caller common.Address) (res Resolution, err error) {
	defer func() { e.Metrics.Operation(opCallback, err) }()
	tx, done, err := e.begin(ctx)
	if err != nil {
		return Resolution{}, err
	}
	defer done()

	if err := e.principals().Require(auth.OpCallback, caller, nil); err != nil {
		e.logger().WithFields(log.Fields{"request_id": requestID.Hex(), "caller": caller.Hex()}).Warn("callback from non-oracle caller rejected")
		return Resolution{}, err
	}
	gigID, err := e.requests().Resolve(ctx, tx, requestID)
	if err != nil {
		if errors.Is(err, tracker.ErrNotFound) {
			e.logger().WithField("request_id", requestID.Hex()).Error("callback for unknown verification request")
		}
		return Resolution{}, err
	}
	g, err := e.gigs().Get(ctx, tx, gigID)
	if err != nil {
		return Resolution{}, err
	}
	fields := log.Fields{"gig_id": gigID, "request_id": requestID.Hex()}
	res = Resolution{GigID: gigID, RequestID: requestID, Confirmed: outcome.Positive(), Diagnostic: outcome.Diagnostic}
	if outcome.Failed() {
		e.logger().WithFields(fields).WithField("diagnostic", outcome.Diagnostic).Warn("oracle reported failure")
	}
	if err := e.events().Append(ctx, tx, events.VerificationResolved, gigID, caller.Hex(), events.EventPayload{
		"request_id": requestID.Hex(),
		"outcome":    res.Confirmed,
		"error":      outcome.Diagnostic,
	}); err != nil {
		return Resolution{}, err
	}
	if res.Confirmed && g.Open {
		if err := e.gigs().Close(ctx, tx, gigID, domain.OutcomeReleased); err != nil {
			return Resolution{}, err
		}
		if err := e.ledger().Release(ctx, tx, g.Beneficiary, g.Amount); err != nil {
			e.custodyFailed(err)
			return Resolution{}, err
		}
		if err := e.events().Append(ctx, tx, events.PaymentReleased, gigID, caller.Hex(), events.EventPayload{
			"beneficiary": g.Beneficiary.Hex(),
			"amount":      g.Amount.Dec(),
			"request_id":  requestID.Hex(),
		}); err != nil {
			return Resolution{}, err
		}
		res.Released = true
	}
	if err := tx.Commit(); err != nil {
		return Resolution{}, err
	}
	e.refreshPending(ctx)
	switch {
	case res.Released:
		e.Metrics.Resolution("released")
		e.logger().WithFields(fields).WithField("amount", g.Amount.Dec()).Info("payment released")
	case outcome.Failed():
		e.Metrics.Resolution("failed")
	default:
		e.Metrics.Resolution("retryable")
		e.logger().WithFields(fields).Info("verification not confirmed; gig remains open")
	}
	return res, nil
}

// CancelGig refunds the depositor once the grace period has passed and no
// verification is in flight.
func (e Engine) CancelGig(ctx context.Context, gigID int64, caller common.Address) (g domain.Gig, err error) {
	defer func() { e.Metrics.Operation(opCancel, err) }()
	tx, done, err := e.begin(ctx)
	if err != nil {
		return domain.Gig{}, err
	}
	defer done()

	g, err = e.gigs().Get(ctx, tx, gigID)
	if err != nil {
		return domain.Gig{}, err
	}
	if err := e.principals().Require(auth.OpCancel, caller, &g); err != nil {
		return domain.Gig{}, err
	}
	if !g.Open {
		return domain.Gig{}, fmt.Errorf("gig %d: %w", gigID, ErrNotOpen)
	}
	pending, err := e.requests().IsPending(ctx, tx, gigID)
	if err != nil {
		return domain.Gig{}, err
	}
	if pending {
		return domain.Gig{}, fmt.Errorf("gig %d: %w", gigID, tracker.ErrAlreadyPending)
	}
	grace := e.Config.CancelGracePeriod()
	if elapsed := e.now().Sub(g.CreatedAt); elapsed < grace {
		return domain.Gig{}, fmt.Errorf("gig %d: %w: %s of %s elapsed", gigID, ErrTooRecent, elapsed.Truncate(time.Second), grace)
	}
	if err := e.gigs().Close(ctx, tx, gigID, domain.OutcomeCancelled); err != nil {
		return domain.Gig{}, err
	}
	if err := e.ledger().Release(ctx, tx, g.Depositor, g.Amount); err != nil {
		e.custodyFailed(err)
		return domain.Gig{}, err
	}
	if err := e.events().Append(ctx, tx, events.GigCancelled, gigID, caller.Hex(), events.EventPayload{
		"depositor": g.Depositor.Hex(),
		"amount":    g.Amount.Dec(),
	}); err != nil {
		return domain.Gig{}, err
	}
	g, err = e.gigs().Get(ctx, tx, gigID)
	if err != nil {
		return domain.Gig{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Gig{}, err
	}
	e.logger().WithFields(log.Fields{"gig_id": gigID, "amount": g.Amount.Dec()}).Info("gig cancelled")
	return g, nil
}

// GigView is a gig together with its outstanding request, if any.
type GigView struct {
	domain.Gig
	Pending *domain.PendingRequest
}

func (e Engine) GetGig(ctx context.Context, id int64) (GigView, error) {
	g, err := e.gigs().Get(ctx, e.DB, id)
	if err != nil {
		return GigView{}, err
	}
	return e.view(ctx, g)
}

func (e Engine) ListGigs(ctx context.Context, f registry.ListFilter) ([]GigView, error) {
	gigs, err := e.gigs().List(ctx, e.DB, f)
	if err != nil {
		return nil, err
	}
	res := make([]GigView, 0, len(gigs))
	for _, g := range gigs {
		v, err := e.view(ctx, g)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, nil
}

func (e Engine) view(ctx context.Context, g domain.Gig) (GigView, error) {
	v := GigView{Gig: g}
	p, err := e.requests().Pending(ctx, e.DB, g.ID)
	switch {
	case err == nil:
		v.Pending = &p
	case !errors.Is(err, tracker.ErrNotFound):
		return GigView{}, err
	}
	return v, nil
}

func (e Engine) Account(ctx context.Context, addr common.Address) (domain.Account, error) {
	return e.ledger().Account(ctx, e.DB, addr)
}

// Custodied is the total value currently held for open gigs.
func (e Engine) Custodied(ctx context.Context) (*uint256.Int, error) {
	return e.ledger().Custodied(ctx, e.DB)
}

func (e Engine) custodyFailed(err error) {
	var te *custody.TransferError
	if !errors.As(err, &te) {
		return
	}
	e.Metrics.CustodyError(te.Op, te.Kind.Error())
	e.logger().WithFields(log.Fields{"op": te.Op, "account": te.Account.Hex()}).WithError(err).Warn("custody transfer failed")
}

func (e Engine) refreshPending(ctx context.Context) {
	n, err := e.requests().Count(ctx, e.DB)
	if err != nil {
		e.logger().WithError(err).Debug("count pending requests")
		return
	}
	e.Metrics.Pending(n)
}
