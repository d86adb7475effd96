// Package activity turns raw ledger entries into role-aware transaction
// records and folds them into earned/spent aggregates. Classification is a
// pure, single pass over each entry with no cross-entry state: the same
// (entry, viewpoint, role) always yields the same record.
package activity

import (
	"time"
	"unicode/utf8"

	"github.com/hanami-labs/hanami/token/pkg/amount"
	"github.com/hanami-labs/hanami/token/pkg/ledger"
)

// Direction is the movement of value from the viewpoint's perspective.
type Direction uint8

const (
	DirectionNeutral Direction = iota
	DirectionCredit
	DirectionDebit
)

func (d Direction) String() string {
	switch d {
	case DirectionCredit:
		return "credit"
	case DirectionDebit:
		return "debit"
	default:
		return "neutral"
	}
}

func (d Direction) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// Role is the lens a viewpoint identity is classified under.
type Role uint8

const (
	RoleParticipant Role = iota
	RoleCommunity
)

func (r Role) String() string {
	if r == RoleCommunity {
		return "community"
	}
	return "participant"
}

// ParseRole maps a wire value to a Role, defaulting to participant.
func ParseRole(s string) Role {
	if s == "community" {
		return RoleCommunity
	}
	return RoleParticipant
}

// Category is the business meaning of a record under a given role.
type Category string

const (
	CategoryReward       Category = "reward"
	CategorySpend        Category = "spend"
	CategoryApprove      Category = "approve"
	CategoryTopUp        Category = "topup"
	CategoryDistribution Category = "distribution"
	CategoryInternal     Category = "internal"
	CategoryUnknown      Category = "unknown"
)

// Record is a classified transaction, derived fresh on every pass and never
// persisted independently of its source entry.
type Record struct {
	Title       string    `json:"title"`
	Subtitle    string    `json:"subtitle"`
	Direction   Direction `json:"direction"`
	AmountMinor uint64    `json:"amount_minor"`
	OccurredAt  time.Time `json:"occurred_at"`
	Category    Category  `json:"category"`
}

// DisplayAmount renders the record's amount with its direction applied, so a
// debit of one token reads "-1.00". Neutral records carry no sign.
func (r Record) DisplayAmount() string {
	return amount.ToSignedDisplay(r.AmountMinor, r.Direction == DirectionDebit)
}

const memoPlaceholder = "No description"

// categoryByRole maps (role, direction) to the business category for
// recognized operations. Community entries have no neutral row because the
// community lens only reports value movement.
var categoryByRole = map[Role]map[Direction]Category{
	RoleParticipant: {
		DirectionCredit:  CategoryReward,
		DirectionDebit:   CategorySpend,
		DirectionNeutral: CategoryApprove,
	},
	RoleCommunity: {
		DirectionCredit: CategoryTopUp,
		DirectionDebit:  CategoryDistribution,
	},
}

func categoryFor(role Role, dir Direction) Category {
	if c, ok := categoryByRole[role][dir]; ok {
		return c
	}
	return CategoryUnknown
}

// Classify derives one record from one ledger entry, relative to the
// viewpoint identity and role.
//
// Direction follows the from-holder rule: Transfer and Mint credit the
// viewpoint unless the viewpoint is the from holder; Burn always debits;
// Approve moves no funds. A self-directed Transfer or Mint (viewpoint owns
// both sides) moves no net value for that identity, so it is classified
// neutral/internal rather than inflating earned totals.
func Classify(e ledger.Entry, viewpoint string, role Role) Record {
	rec := Record{
		Subtitle:    memoSubtitle(e.Memo),
		AmountMinor: e.AmountMinor,
		OccurredAt:  e.Timestamp,
	}

	switch e.Op {
	case ledger.OpTransfer, ledger.OpMint:
		if e.Op == ledger.OpTransfer {
			rec.Title = "Token Transfer"
		} else {
			rec.Title = "Mint Token"
		}
		if e.From.Owner == viewpoint && e.To.Owner == viewpoint {
			rec.Direction = DirectionNeutral
			rec.Category = CategoryInternal
			return rec
		}
		if e.From.Owner == viewpoint {
			rec.Direction = DirectionDebit
		} else {
			rec.Direction = DirectionCredit
		}
	case ledger.OpBurn:
		rec.Title = "Token Burn"
		rec.Direction = DirectionDebit
	case ledger.OpApprove:
		rec.Title = "Token Approval"
		rec.Direction = DirectionNeutral
	case ledger.OpUnknown:
		rec.Title = "Unknown Operation"
		rec.Direction = DirectionNeutral
		rec.Category = CategoryUnknown
		return rec
	default:
		rec.Title = "Unknown Operation"
		rec.Direction = DirectionNeutral
		rec.Category = CategoryUnknown
		return rec
	}

	rec.Category = categoryFor(role, rec.Direction)
	return rec
}

func memoSubtitle(memo []byte) string {
	if len(memo) == 0 || !utf8.Valid(memo) {
		return memoPlaceholder
	}
	return string(memo)
}
