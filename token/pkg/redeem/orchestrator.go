package redeem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hanami-labs/hanami/token/pkg/ledger"
	"github.com/hanami-labs/hanami/token/pkg/remote"
)

// Invalidator drops caller-scoped cached state. On completion the caller's
// cached balance and item snapshots are invalidated, never patched, because
// authoritative state lives entirely server-side.
type Invalidator interface {
	Invalidate(caller string)
}

type Config struct {
	Logger   *slog.Logger
	Ledger   ledger.Client
	Registry Registry
	// Spender is the registry's ledger account, named as the sole spender of
	// every redemption allowance.
	Spender      ledger.Account
	Clock        clockwork.Clock
	StageTimeout time.Duration
	Cache        Invalidator // optional
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger client is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry client is required")
	}
	if cfg.Spender.Owner == "" {
		return errors.New("spender account is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 15 * time.Second
	}
	return nil
}

type flightKey struct {
	caller string
	itemID string
}

// flight is the orchestrator-owned record of one (caller, item) redemption.
// It survives the call that created it so later calls can observe completion
// or drive a retry.
type flight struct {
	state                State
	failure              *Failure
	active               bool
	costMinor            uint64
	allowanceOutstanding bool
	approvedBlock        uint64
	updatedAt            time.Time
}

// Orchestrator drives the approve→redeem state machine and enforces
// single-flight per (caller, item): a second call for the same pair while one
// is in progress is refused before any remote call is made.
type Orchestrator struct {
	log *slog.Logger
	cfg Config

	mu      sync.Mutex
	flights map[flightKey]*flight
}

func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		log:     cfg.Logger,
		cfg:     cfg,
		flights: make(map[flightKey]*flight),
	}, nil
}

// Redeem runs the full approve→redeem flow for one item.
//
// There is no compensating revoke: if the flow fails after approve, the
// granted allowance stays outstanding until consumed by a retry, replaced by
// a later approve, or expired upstream. Status reports it so the risk is
// visible rather than silently patched.
func (o *Orchestrator) Redeem(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	key := flightKey{caller: req.Caller.Owner, itemID: req.ItemID}
	if err := o.begin(key, req.CostMinor); err != nil {
		return err
	}

	// Advisory only: the ledger re-checks authoritatively during approve.
	if balance, err := o.balanceOf(ctx, req.Caller); err != nil {
		o.log.Warn("redeem: advisory balance check skipped", "caller", req.Caller.Owner, "error", err)
	} else if balance < req.CostMinor {
		o.abandon(key)
		return fmt.Errorf("%w: balance %d below cost %d", ErrInsufficientBalance, balance, req.CostMinor)
	}

	return o.run(ctx, key, req, StageApprove)
}

// Retry re-drives a failed flight. A redeem-stage failure re-enters only the
// redeem step, reusing the outstanding allowance; it never silently
// re-approves. An approve-stage failure starts again from approve.
func (o *Orchestrator) Retry(ctx context.Context, caller ledger.Account, itemID string) error {
	if caller.Owner == "" || itemID == "" {
		return fmt.Errorf("%w: caller and item id are required", ErrInvalidRequest)
	}
	key := flightKey{caller: caller.Owner, itemID: itemID}

	o.mu.Lock()
	f, ok := o.flights[key]
	if !ok {
		o.mu.Unlock()
		return ErrNoFlight
	}
	if f.active {
		o.mu.Unlock()
		return fmt.Errorf("%w: redemption in progress for item %s", ErrStateConflict, itemID)
	}
	switch f.state {
	case StateCompleted:
		o.mu.Unlock()
		return ErrAlreadyRedeemed
	case StateFailed:
	default:
		o.mu.Unlock()
		return fmt.Errorf("%w: cannot retry from state %s", ErrStateConflict, f.state)
	}
	from := f.failure.Stage
	cost := f.costMinor
	f.active = true
	o.mu.Unlock()

	o.log.Info("redeem: retrying", "caller", caller.Owner, "item", itemID, "from_stage", from)
	return o.run(ctx, key, Request{Caller: caller, ItemID: itemID, CostMinor: cost}, from)
}

// Status returns the current snapshot of a flight, if one exists.
func (o *Orchestrator) Status(caller ledger.Account, itemID string) (Status, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	f, ok := o.flights[flightKey{caller: caller.Owner, itemID: itemID}]
	if !ok {
		return Status{State: StateIdle}, false
	}
	return Status{
		State:                f.state,
		Failure:              f.failure,
		AllowanceOutstanding: f.allowanceOutstanding,
		ApprovedBlock:        f.approvedBlock,
		UpdatedAt:            f.updatedAt,
	}, true
}

// run executes the state machine from the given stage. The flight must
// already be marked active by the caller.
func (o *Orchestrator) run(ctx context.Context, key flightKey, req Request, from Stage) error {
	defer o.settle(key)

	if from == StageApprove {
		o.transition(key, StateApproving)
		actx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
		block, err := o.cfg.Ledger.Approve(actx, o.cfg.Spender, req.CostMinor, approveMemo(req.ItemID))
		cancel()
		if err != nil {
			fail := approveFailure(err)
			o.fail(key, fail)
			o.log.Warn("redeem: approve stage failed", "caller", req.Caller.Owner, "item", req.ItemID, "reason", fail.Reason, "error", err)
			return fail
		}
		o.approved(key, block)
		o.log.Debug("redeem: allowance approved", "caller", req.Caller.Owner, "item", req.ItemID, "block", block)
	}

	o.transition(key, StateRedeeming)
	rctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	err := o.cfg.Registry.Redeem(rctx, req.Caller.Owner, req.ItemID)
	cancel()
	if err != nil {
		fail := redeemFailure(err)
		o.fail(key, fail)
		o.log.Warn("redeem: redeem stage failed, allowance outstanding", "caller", req.Caller.Owner, "item", req.ItemID, "reason", fail.Reason, "error", err)
		return fail
	}

	o.complete(key)
	if o.cfg.Cache != nil {
		o.cfg.Cache.Invalidate(req.Caller.Owner)
	}
	o.log.Info("redeem: completed", "caller", req.Caller.Owner, "item", req.ItemID, "cost_minor", req.CostMinor)
	return nil
}

func (o *Orchestrator) begin(key flightKey, costMinor uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if f, ok := o.flights[key]; ok {
		switch {
		case f.active:
			return fmt.Errorf("%w: redemption already in progress for item %s", ErrStateConflict, key.itemID)
		case f.state == StateCompleted:
			return ErrAlreadyRedeemed
		default:
			return fmt.Errorf("%w: previous attempt failed at %s stage, retry instead", ErrStateConflict, f.failure.Stage)
		}
	}
	o.flights[key] = &flight{
		state:     StateIdle,
		active:    true,
		costMinor: costMinor,
		updatedAt: o.cfg.Clock.Now(),
	}
	return nil
}

// abandon removes a flight that never left Idle (validation failures only).
func (o *Orchestrator) abandon(key flightKey) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.flights, key)
}

func (o *Orchestrator) settle(key flightKey) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if f, ok := o.flights[key]; ok {
		f.active = false
	}
}

func (o *Orchestrator) transition(key flightKey, state State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if f, ok := o.flights[key]; ok {
		f.state = state
		f.updatedAt = o.cfg.Clock.Now()
	}
}

func (o *Orchestrator) approved(key flightKey, block uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if f, ok := o.flights[key]; ok {
		f.state = StateApproved
		f.allowanceOutstanding = true
		f.approvedBlock = block
		f.updatedAt = o.cfg.Clock.Now()
	}
}

func (o *Orchestrator) fail(key flightKey, fail *Failure) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if f, ok := o.flights[key]; ok {
		f.state = StateFailed
		f.failure = fail
		f.updatedAt = o.cfg.Clock.Now()
	}
}

func (o *Orchestrator) complete(key flightKey) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if f, ok := o.flights[key]; ok {
		f.state = StateCompleted
		f.failure = nil
		f.allowanceOutstanding = false
		f.updatedAt = o.cfg.Clock.Now()
	}
}

func (o *Orchestrator) balanceOf(ctx context.Context, caller ledger.Account) (uint64, error) {
	bctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()
	return o.cfg.Ledger.BalanceOf(bctx, caller)
}

func approveMemo(itemID string) []byte {
	return []byte("redeem:" + itemID)
}

func approveFailure(err error) *Failure {
	reason := ReasonApprovalUnavailable
	if remote.IsRejected(err) {
		reason = ReasonApprovalRejected
	}
	return &Failure{Stage: StageApprove, Reason: reason, Err: err}
}

func redeemFailure(err error) *Failure {
	reason := ReasonRedemptionUnavailable
	if remote.IsRejected(err) {
		reason = ReasonRedemptionRejected
	}
	return &Failure{Stage: StageRedeem, Reason: reason, Err: err}
}
