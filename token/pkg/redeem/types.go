// Package redeem orchestrates the two-phase redemption of LUM for collectible
// items: grant the item registry a spending allowance on the ledger, then ask
// the registry to consume it. The two phases hit independent services and are
// not atomic; the orchestrator's job is getting the partial-failure semantics
// right.
package redeem

import (
	"errors"
	"fmt"
	"time"

	"github.com/hanami-labs/hanami/token/pkg/ledger"
)

// Item is a redeemable collectible as listed by the registry service.
type Item struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Description        string `json:"description"`
	ImageURL           string `json:"image_url,omitempty"`
	Rarity             string `json:"rarity,omitempty"`
	PriceMinor         uint64 `json:"price_minor"`
	MaxRedemptions     uint32 `json:"max_redemptions"`
	CurrentRedemptions uint32 `json:"current_redemptions"`
	Redeemed           bool   `json:"redeemed"`
}

// State of one (caller, item) redemption flight. Transitions are monotonic
// forward; the only backward move is an explicit Retry re-entering a stage
// from StateFailed.
type State uint8

const (
	StateIdle State = iota
	StateApproving
	StateApproved
	StateRedeeming
	StateCompleted
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:      "idle",
	StateApproving: "approving",
	StateApproved:  "approved",
	StateRedeeming: "redeeming",
	StateCompleted: "completed",
	StateFailed:    "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Stage identifies which phase of the flow a failure belongs to, so retries
// resume at the right place.
type Stage string

const (
	StageApprove Stage = "approve"
	StageRedeem  Stage = "redeem"
)

// Reason is the failure taxonomy for a redemption flight.
type Reason string

const (
	ReasonApprovalRejected      Reason = "approval_rejected"
	ReasonApprovalUnavailable   Reason = "approval_unavailable"
	ReasonRedemptionRejected    Reason = "redemption_rejected"
	ReasonRedemptionUnavailable Reason = "redemption_unavailable"
)

// Failure records where and why a redemption flight stopped.
type Failure struct {
	Stage  Stage  `json:"stage"`
	Reason Reason `json:"reason"`
	Err    error  `json:"-"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("redemption failed at %s stage (%s): %v", f.Stage, f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether the underlying cause was transport-level, i.e.
// the outcome is unknown and re-attempting the same stage is sound.
func (f *Failure) Retryable() bool {
	return f.Reason == ReasonApprovalUnavailable || f.Reason == ReasonRedemptionUnavailable
}

// Request asks for one item to be redeemed on behalf of one caller.
type Request struct {
	Caller    ledger.Account
	ItemID    string
	CostMinor uint64
}

// ErrInvalidRequest is raised before any remote call for malformed requests.
var ErrInvalidRequest = errors.New("invalid redemption request")

func (r Request) Validate() error {
	if r.Caller.Owner == "" {
		return fmt.Errorf("%w: caller is required", ErrInvalidRequest)
	}
	if r.ItemID == "" {
		return fmt.Errorf("%w: item id is required", ErrInvalidRequest)
	}
	if r.CostMinor == 0 {
		return fmt.Errorf("%w: cost must be positive", ErrInvalidRequest)
	}
	return nil
}

var (
	// ErrStateConflict is returned when a flight for the same (caller, item)
	// is already in progress, or when authoritative state contradicts the
	// requested transition. The conflicting call makes no remote calls.
	ErrStateConflict = errors.New("redemption state conflict")

	// ErrAlreadyRedeemed is returned when the caller has already completed a
	// redemption of the item. No remote call is made.
	ErrAlreadyRedeemed = errors.New("item already redeemed")

	// ErrNoFlight is returned by Retry when there is nothing to retry.
	ErrNoFlight = errors.New("no redemption to retry")

	// ErrInsufficientBalance is the advisory client-side balance check; the
	// authoritative check happens on the ledger during approve.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Status is a point-in-time snapshot of one redemption flight.
type Status struct {
	State                State     `json:"state"`
	Failure              *Failure  `json:"failure,omitempty"`
	AllowanceOutstanding bool      `json:"allowance_outstanding"`
	ApprovedBlock        uint64    `json:"approved_block,omitempty"`
	UpdatedAt            time.Time `json:"updated_at"`
}
