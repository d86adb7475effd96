// Package ledger defines the token ledger's wire types and an RPC client for
// the ledger service. Entries are immutable once read; everything downstream
// derives from them without mutating them.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
)

// Operation is the closed set of ledger operation kinds. Unknown wire tags
// decode to OpUnknown rather than failing, so a ledger upgrade can never crash
// history rendering.
type Operation uint8

const (
	OpUnknown Operation = iota
	OpTransfer
	OpMint
	OpBurn
	OpApprove
)

var operationNames = map[Operation]string{
	OpUnknown:  "unknown",
	OpTransfer: "transfer",
	OpMint:     "mint",
	OpBurn:     "burn",
	OpApprove:  "approve",
}

func (op Operation) String() string {
	if s, ok := operationNames[op]; ok {
		return s
	}
	return "unknown"
}

// ParseOperation maps a wire tag to an Operation. Unrecognized tags map to
// OpUnknown, never an error.
func ParseOperation(s string) Operation {
	switch s {
	case "transfer":
		return OpTransfer
	case "mint":
		return OpMint
	case "burn":
		return OpBurn
	case "approve":
		return OpApprove
	default:
		return OpUnknown
	}
}

// ErrInvalidAccount is returned for account identifiers that are not valid
// base58 text. It is raised before any remote call is made.
var ErrInvalidAccount = errors.New("invalid account")

// Account references a ledger account: an owner identity plus an optional
// subaccount.
type Account struct {
	Owner      string `json:"owner"`
	Subaccount []byte `json:"subaccount,omitempty"`
}

// ParseAccount validates a base58 owner identifier and returns the account.
func ParseAccount(owner string) (Account, error) {
	if owner == "" {
		return Account{}, fmt.Errorf("%w: empty owner", ErrInvalidAccount)
	}
	if _, err := base58.Decode(owner); err != nil {
		return Account{}, fmt.Errorf("%w: %q: %v", ErrInvalidAccount, owner, err)
	}
	return Account{Owner: owner}, nil
}

// Entry is a single raw ledger operation as supplied by the ledger service.
type Entry struct {
	Op          Operation
	From        Account
	To          Account
	AmountMinor uint64
	Memo        []byte
	Timestamp   time.Time
}

type wireEntry struct {
	Op          string  `json:"op"`
	From        Account `json:"from"`
	To          Account `json:"to"`
	AmountMinor uint64  `json:"amount"`
	Memo        []byte  `json:"memo,omitempty"`
	TimestampNs int64   `json:"timestamp_ns"`
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Op = ParseOperation(w.Op)
	e.From = w.From
	e.To = w.To
	e.AmountMinor = w.AmountMinor
	e.Memo = w.Memo
	e.Timestamp = time.Unix(0, w.TimestampNs).UTC()
	return nil
}

func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEntry{
		Op:          e.Op.String(),
		From:        e.From,
		To:          e.To,
		AmountMinor: e.AmountMinor,
		Memo:        e.Memo,
		TimestampNs: e.Timestamp.UnixNano(),
	})
}
