package activity

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/hanami-labs/hanami/token/pkg/ledger"
)

// Summary aggregates one viewpoint's classified activity. BalanceMinor is
// always an authoritative ledger read, never the sum of record amounts:
// approvals appear in history without moving funds, so a derived balance
// would drift.
type Summary struct {
	BalanceMinor     uint64 `json:"balance_minor"`
	TotalEarnedMinor uint64 `json:"total_earned_minor"`
	TotalSpentMinor  uint64 `json:"total_spent_minor"`
}

// Summarize folds classified records into earned/spent totals. Pure: no I/O,
// no mutation of its inputs. Neutral records contribute to neither total.
func Summarize(records []Record, balanceMinor uint64) Summary {
	s := Summary{BalanceMinor: balanceMinor}
	for _, r := range records {
		switch r.Direction {
		case DirectionCredit:
			s.TotalEarnedMinor += r.AmountMinor
		case DirectionDebit:
			s.TotalSpentMinor += r.AmountMinor
		}
	}
	return s
}

// FetchSummary reads the viewpoint's balance and transaction history
// concurrently, joins both results, and only then classifies and aggregates.
// The join matters: deriving earned/spent against a balance from a different
// instant would present inconsistent figures.
func FetchSummary(ctx context.Context, c ledger.Client, viewpoint ledger.Account, role Role) ([]Record, Summary, error) {
	var (
		balance uint64
		entries []ledger.Entry
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		balance, err = c.BalanceOf(gctx, viewpoint)
		return err
	})
	g.Go(func() error {
		var err error
		entries, err = c.TransactionHistoryOf(gctx, viewpoint)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, Summary{}, fmt.Errorf("fetch summary for %s: %w", viewpoint.Owner, err)
	}

	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		records = append(records, Classify(e, viewpoint.Owner, role))
	}
	return records, Summarize(records, balance), nil
}
