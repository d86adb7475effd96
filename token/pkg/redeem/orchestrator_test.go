package redeem

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanami-labs/hanami/token/pkg/ledger"
	"github.com/hanami-labs/hanami/token/pkg/remote"
	hanamitesting "github.com/hanami-labs/hanami/utils/pkg/testing"
)

type mockLedger struct {
	BalanceOfFunc            func(ctx context.Context, account ledger.Account) (uint64, error)
	TransactionHistoryOfFunc func(ctx context.Context, account ledger.Account) ([]ledger.Entry, error)
	ApproveFunc              func(ctx context.Context, spender ledger.Account, amountMinor uint64, memo []byte) (uint64, error)
}

func (m *mockLedger) BalanceOf(ctx context.Context, account ledger.Account) (uint64, error) {
	return m.BalanceOfFunc(ctx, account)
}

func (m *mockLedger) TransactionHistoryOf(ctx context.Context, account ledger.Account) ([]ledger.Entry, error) {
	return m.TransactionHistoryOfFunc(ctx, account)
}

func (m *mockLedger) Approve(ctx context.Context, spender ledger.Account, amountMinor uint64, memo []byte) (uint64, error) {
	return m.ApproveFunc(ctx, spender, amountMinor, memo)
}

type mockRegistry struct {
	ListAvailableFunc func(ctx context.Context, caller string) ([]Item, error)
	RedeemFunc        func(ctx context.Context, caller, itemID string) error
}

func (m *mockRegistry) ListAvailable(ctx context.Context, caller string) ([]Item, error) {
	return m.ListAvailableFunc(ctx, caller)
}

func (m *mockRegistry) Redeem(ctx context.Context, caller, itemID string) error {
	return m.RedeemFunc(ctx, caller, itemID)
}

type mockInvalidator struct {
	mu    sync.Mutex
	calls []string
}

func (m *mockInvalidator) Invalidate(caller string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, caller)
}

func (m *mockInvalidator) invalidated() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

var (
	testCaller  = ledger.Account{Owner: "CallerAcc"}
	testSpender = ledger.Account{Owner: "RegistrySpender"}
)

func wealthyLedger(approves *atomic.Int32) *mockLedger {
	return &mockLedger{
		BalanceOfFunc: func(ctx context.Context, account ledger.Account) (uint64, error) {
			return 1_000_000_000, nil
		},
		ApproveFunc: func(ctx context.Context, spender ledger.Account, amountMinor uint64, memo []byte) (uint64, error) {
			if approves != nil {
				approves.Add(1)
			}
			return 42, nil
		},
	}
}

func newTestOrchestrator(t *testing.T, l ledger.Client, r Registry, cache Invalidator) *Orchestrator {
	t.Helper()
	o, err := New(Config{
		Logger:   hanamitesting.NewLogger(),
		Ledger:   l,
		Registry: r,
		Spender:  testSpender,
		Clock:    clockwork.NewFakeClock(),
		Cache:    cache,
	})
	require.NoError(t, err)
	return o
}

func TestHanami_Redeem_ConfigValidation(t *testing.T) {
	t.Parallel()

	l := wealthyLedger(nil)
	r := &mockRegistry{}

	_, err := New(Config{Ledger: l, Registry: r, Spender: testSpender})
	require.Error(t, err)

	_, err = New(Config{Logger: hanamitesting.NewLogger(), Registry: r, Spender: testSpender})
	require.Error(t, err)

	_, err = New(Config{Logger: hanamitesting.NewLogger(), Ledger: l, Registry: r})
	require.Error(t, err)

	o, err := New(Config{Logger: hanamitesting.NewLogger(), Ledger: l, Registry: r, Spender: testSpender})
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, o.cfg.StageTimeout)
	assert.NotNil(t, o.cfg.Clock)
}

func TestHanami_Redeem_CompletesBothStages(t *testing.T) {
	t.Parallel()

	var approves atomic.Int32
	var redeems atomic.Int32
	var gotMemo []byte
	var gotAmount uint64

	l := wealthyLedger(nil)
	l.ApproveFunc = func(ctx context.Context, spender ledger.Account, amountMinor uint64, memo []byte) (uint64, error) {
		approves.Add(1)
		assert.Equal(t, testSpender, spender)
		gotMemo = memo
		gotAmount = amountMinor
		return 42, nil
	}
	r := &mockRegistry{
		RedeemFunc: func(ctx context.Context, caller, itemID string) error {
			redeems.Add(1)
			assert.Equal(t, testCaller.Owner, caller)
			assert.Equal(t, "item-1", itemID)
			return nil
		},
	}
	cache := &mockInvalidator{}
	o := newTestOrchestrator(t, l, r, cache)

	err := o.Redeem(context.Background(), Request{Caller: testCaller, ItemID: "item-1", CostMinor: 500_000_000})
	require.NoError(t, err)

	assert.Equal(t, int32(1), approves.Load())
	assert.Equal(t, int32(1), redeems.Load())
	assert.Equal(t, []byte("redeem:item-1"), gotMemo)
	assert.Equal(t, uint64(500_000_000), gotAmount)
	assert.Equal(t, []string{testCaller.Owner}, cache.invalidated())

	status, ok := o.Status(testCaller, "item-1")
	require.True(t, ok)
	assert.Equal(t, StateCompleted, status.State)
	assert.Nil(t, status.Failure)
	assert.False(t, status.AllowanceOutstanding)
	assert.Equal(t, uint64(42), status.ApprovedBlock)
}

func TestHanami_Redeem_InvalidRequestMakesNoRemoteCalls(t *testing.T) {
	t.Parallel()

	l := &mockLedger{
		BalanceOfFunc: func(ctx context.Context, account ledger.Account) (uint64, error) {
			t.Error("balance must not be read for an invalid request")
			return 0, nil
		},
		ApproveFunc: func(ctx context.Context, spender ledger.Account, amountMinor uint64, memo []byte) (uint64, error) {
			t.Error("approve must not be called for an invalid request")
			return 0, nil
		},
	}
	o := newTestOrchestrator(t, l, &mockRegistry{}, nil)

	err := o.Redeem(context.Background(), Request{ItemID: "item-1", CostMinor: 1})
	require.ErrorIs(t, err, ErrInvalidRequest)

	err = o.Redeem(context.Background(), Request{Caller: testCaller, CostMinor: 1})
	require.ErrorIs(t, err, ErrInvalidRequest)

	err = o.Redeem(context.Background(), Request{Caller: testCaller, ItemID: "item-1"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestHanami_Redeem_InsufficientBalanceAbortsBeforeApprove(t *testing.T) {
	t.Parallel()

	var approves atomic.Int32
	l := wealthyLedger(&approves)
	l.BalanceOfFunc = func(ctx context.Context, account ledger.Account) (uint64, error) {
		return 100, nil
	}
	o := newTestOrchestrator(t, l, &mockRegistry{}, nil)

	err := o.Redeem(context.Background(), Request{Caller: testCaller, ItemID: "item-1", CostMinor: 500})
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, int32(0), approves.Load())

	// The aborted attempt leaves no flight behind; a later attempt with
	// sufficient funds starts fresh.
	_, ok := o.Status(testCaller, "item-1")
	assert.False(t, ok)
}

func TestHanami_Redeem_BalanceCheckIsAdvisoryOnly(t *testing.T) {
	t.Parallel()

	// A failing balance read must not block the flow: the ledger re-checks
	// authoritatively during approve.
	var approves atomic.Int32
	l := wealthyLedger(&approves)
	l.BalanceOfFunc = func(ctx context.Context, account ledger.Account) (uint64, error) {
		return 0, errors.New("balance unavailable")
	}
	r := &mockRegistry{
		RedeemFunc: func(ctx context.Context, caller, itemID string) error { return nil },
	}
	o := newTestOrchestrator(t, l, r, nil)

	err := o.Redeem(context.Background(), Request{Caller: testCaller, ItemID: "item-1", CostMinor: 500})
	require.NoError(t, err)
	assert.Equal(t, int32(1), approves.Load())
}

func TestHanami_Redeem_ApproveRejectionFailsApproveStage(t *testing.T) {
	t.Parallel()

	l := wealthyLedger(nil)
	l.ApproveFunc = func(ctx context.Context, spender ledger.Account, amountMinor uint64, memo []byte) (uint64, error) {
		return 0, &remote.RejectedError{Service: "ledger", Code: -32001, Message: "insufficient funds"}
	}
	r := &mockRegistry{
		RedeemFunc: func(ctx context.Context, caller, itemID string) error {
			t.Error("redeem must not run when approve failed")
			return nil
		},
	}
	o := newTestOrchestrator(t, l, r, nil)

	err := o.Redeem(context.Background(), Request{Caller: testCaller, ItemID: "item-1", CostMinor: 500})
	require.Error(t, err)

	var fail *Failure
	require.ErrorAs(t, err, &fail)
	assert.Equal(t, StageApprove, fail.Stage)
	assert.Equal(t, ReasonApprovalRejected, fail.Reason)
	assert.False(t, fail.Retryable())

	status, ok := o.Status(testCaller, "item-1")
	require.True(t, ok)
	assert.Equal(t, StateFailed, status.State)
	assert.False(t, status.AllowanceOutstanding, "nothing was committed")
}

func TestHanami_Redeem_RedeemFailureLeavesAllowanceOutstanding(t *testing.T) {
	t.Parallel()

	var approves atomic.Int32
	l := wealthyLedger(&approves)
	r := &mockRegistry{
		RedeemFunc: func(ctx context.Context, caller, itemID string) error {
			return &remote.RejectedError{Service: "registry", Code: 409, Message: "item exhausted"}
		},
	}
	o := newTestOrchestrator(t, l, r, nil)

	err := o.Redeem(context.Background(), Request{Caller: testCaller, ItemID: "item-1", CostMinor: 500})
	require.Error(t, err)

	var fail *Failure
	require.ErrorAs(t, err, &fail)
	assert.Equal(t, StageRedeem, fail.Stage)
	assert.Equal(t, ReasonRedemptionRejected, fail.Reason)

	// The granted allowance is reported, not silently revoked.
	status, ok := o.Status(testCaller, "item-1")
	require.True(t, ok)
	assert.Equal(t, StateFailed, status.State)
	assert.True(t, status.AllowanceOutstanding)
	assert.Equal(t, uint64(42), status.ApprovedBlock)
	assert.Equal(t, int32(1), approves.Load())
}

func TestHanami_Redeem_RetryAfterRedeemFailureSkipsApprove(t *testing.T) {
	t.Parallel()

	var approves atomic.Int32
	var redeems atomic.Int32
	l := wealthyLedger(&approves)
	r := &mockRegistry{
		RedeemFunc: func(ctx context.Context, caller, itemID string) error {
			if redeems.Add(1) == 1 {
				return &remote.UnavailableError{Service: "registry", Err: errors.New("timeout")}
			}
			return nil
		},
	}
	cache := &mockInvalidator{}
	o := newTestOrchestrator(t, l, r, cache)

	err := o.Redeem(context.Background(), Request{Caller: testCaller, ItemID: "item-1", CostMinor: 500})
	var fail *Failure
	require.ErrorAs(t, err, &fail)
	assert.Equal(t, StageRedeem, fail.Stage)
	assert.True(t, fail.Retryable())

	// Retry resumes at the redeem stage and reuses the outstanding allowance;
	// it must not grant a second one.
	require.NoError(t, o.Retry(context.Background(), testCaller, "item-1"))
	assert.Equal(t, int32(1), approves.Load(), "approve must not run again")
	assert.Equal(t, int32(2), redeems.Load())

	status, ok := o.Status(testCaller, "item-1")
	require.True(t, ok)
	assert.Equal(t, StateCompleted, status.State)
	assert.False(t, status.AllowanceOutstanding)
	assert.Equal(t, []string{testCaller.Owner}, cache.invalidated())
}

func TestHanami_Redeem_RetryAfterApproveFailureRunsBothStages(t *testing.T) {
	t.Parallel()

	var approves atomic.Int32
	var redeems atomic.Int32
	l := wealthyLedger(nil)
	l.ApproveFunc = func(ctx context.Context, spender ledger.Account, amountMinor uint64, memo []byte) (uint64, error) {
		if approves.Add(1) == 1 {
			return 0, &remote.UnavailableError{Service: "ledger", Err: errors.New("connection refused")}
		}
		return 42, nil
	}
	r := &mockRegistry{
		RedeemFunc: func(ctx context.Context, caller, itemID string) error {
			redeems.Add(1)
			return nil
		},
	}
	o := newTestOrchestrator(t, l, r, nil)

	err := o.Redeem(context.Background(), Request{Caller: testCaller, ItemID: "item-1", CostMinor: 500})
	var fail *Failure
	require.ErrorAs(t, err, &fail)
	assert.Equal(t, StageApprove, fail.Stage)
	assert.Equal(t, ReasonApprovalUnavailable, fail.Reason)

	require.NoError(t, o.Retry(context.Background(), testCaller, "item-1"))
	assert.Equal(t, int32(2), approves.Load())
	assert.Equal(t, int32(1), redeems.Load())
}

func TestHanami_Redeem_SecondCallWhileInFlightConflicts(t *testing.T) {
	t.Parallel()

	approveEntered := make(chan struct{})
	release := make(chan struct{})
	var approves atomic.Int32

	l := wealthyLedger(nil)
	l.ApproveFunc = func(ctx context.Context, spender ledger.Account, amountMinor uint64, memo []byte) (uint64, error) {
		approves.Add(1)
		close(approveEntered)
		<-release
		return 42, nil
	}
	r := &mockRegistry{
		RedeemFunc: func(ctx context.Context, caller, itemID string) error { return nil },
	}
	o := newTestOrchestrator(t, l, r, nil)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- o.Redeem(context.Background(), Request{Caller: testCaller, ItemID: "item-1", CostMinor: 500})
	}()

	<-approveEntered

	// The duplicate is refused before reaching any remote service.
	err := o.Redeem(context.Background(), Request{Caller: testCaller, ItemID: "item-1", CostMinor: 500})
	require.ErrorIs(t, err, ErrStateConflict)
	assert.Equal(t, int32(1), approves.Load())

	close(release)
	require.NoError(t, <-firstDone)
}

func TestHanami_Redeem_DifferentItemsProceedIndependently(t *testing.T) {
	t.Parallel()

	approveEntered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	l := wealthyLedger(nil)
	l.ApproveFunc = func(ctx context.Context, spender ledger.Account, amountMinor uint64, memo []byte) (uint64, error) {
		if string(memo) == "redeem:item-1" {
			once.Do(func() { close(approveEntered) })
			<-release
		}
		return 42, nil
	}
	r := &mockRegistry{
		RedeemFunc: func(ctx context.Context, caller, itemID string) error { return nil },
	}
	o := newTestOrchestrator(t, l, r, nil)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- o.Redeem(context.Background(), Request{Caller: testCaller, ItemID: "item-1", CostMinor: 500})
	}()
	<-approveEntered

	// Single-flight is scoped per (caller, item), not per caller.
	require.NoError(t, o.Redeem(context.Background(), Request{Caller: testCaller, ItemID: "item-2", CostMinor: 500}))

	close(release)
	require.NoError(t, <-firstDone)
}

func TestHanami_Redeem_CompletedItemRefusesSecondRedemption(t *testing.T) {
	t.Parallel()

	var approves atomic.Int32
	l := wealthyLedger(&approves)
	r := &mockRegistry{
		RedeemFunc: func(ctx context.Context, caller, itemID string) error { return nil },
	}
	o := newTestOrchestrator(t, l, r, nil)

	require.NoError(t, o.Redeem(context.Background(), Request{Caller: testCaller, ItemID: "item-1", CostMinor: 500}))

	err := o.Redeem(context.Background(), Request{Caller: testCaller, ItemID: "item-1", CostMinor: 500})
	require.ErrorIs(t, err, ErrAlreadyRedeemed)
	assert.Equal(t, int32(1), approves.Load())

	err = o.Retry(context.Background(), testCaller, "item-1")
	require.ErrorIs(t, err, ErrAlreadyRedeemed)
}

func TestHanami_Redeem_FailedFlightDirectsToRetry(t *testing.T) {
	t.Parallel()

	l := wealthyLedger(nil)
	r := &mockRegistry{
		RedeemFunc: func(ctx context.Context, caller, itemID string) error {
			return &remote.UnavailableError{Service: "registry", Err: errors.New("timeout")}
		},
	}
	o := newTestOrchestrator(t, l, r, nil)

	err := o.Redeem(context.Background(), Request{Caller: testCaller, ItemID: "item-1", CostMinor: 500})
	require.Error(t, err)

	// A fresh Redeem on a failed flight is a conflict; only Retry resumes it.
	err = o.Redeem(context.Background(), Request{Caller: testCaller, ItemID: "item-1", CostMinor: 500})
	require.ErrorIs(t, err, ErrStateConflict)
}

func TestHanami_Redeem_RetryWithoutFlight(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, wealthyLedger(nil), &mockRegistry{}, nil)

	err := o.Retry(context.Background(), testCaller, "item-1")
	require.ErrorIs(t, err, ErrNoFlight)

	err = o.Retry(context.Background(), ledger.Account{}, "item-1")
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestHanami_Redeem_StatusUnknownFlight(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, wealthyLedger(nil), &mockRegistry{}, nil)

	status, ok := o.Status(testCaller, "never-seen")
	assert.False(t, ok)
	assert.Equal(t, StateIdle, status.State)
}
