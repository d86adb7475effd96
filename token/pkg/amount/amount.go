// Package amount converts between integer minor units and decimal display
// values. LUM amounts are carried as uint64 minor units at 10^8 per whole
// token; all arithmetic elsewhere in the repo happens in minor units and this
// package is the single place display conversion happens.
package amount

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MinorUnitsPerToken is the e8s scale: 10^8 minor units per whole LUM.
const MinorUnitsPerToken = 100_000_000

const displayScale = 8

// ErrInvalidAmount is returned for display values that cannot be converted to
// minor units: negative, malformed, non-finite, or out of range. It is always
// raised before any remote call is made.
var ErrInvalidAmount = errors.New("invalid amount")

// ToDisplay formats minor units as a decimal display string. Trailing zeros
// beyond two decimal places are trimmed, so whole amounts render as "5.00"
// while sub-unit precision is never dropped: ToMinor(ToDisplay(x)) == x for
// every uint64 x.
func ToDisplay(minor uint64) string {
	s := decimal.NewFromUint64(minor).Shift(-displayScale).StringFixed(displayScale)
	dot := strings.IndexByte(s, '.')
	frac := strings.TrimRight(s[dot+1:], "0")
	for len(frac) < 2 {
		frac += "0"
	}
	return s[:dot+1] + frac
}

// ToSignedDisplay formats minor units with an explicit sign, so a debit of
// one token reads "-1.00". A zero amount is never signed.
func ToSignedDisplay(minor uint64, negative bool) string {
	s := ToDisplay(minor)
	if negative && minor > 0 {
		return "-" + s
	}
	return s
}

// ToMinor parses a decimal display value and rounds it to the nearest minor
// unit. Negative and non-finite inputs are rejected with ErrInvalidAmount.
func ToMinor(display string) (uint64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(display))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, display)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: negative value %q", ErrInvalidAmount, display)
	}
	minor := d.Shift(displayScale).Round(0).BigInt()
	if !minor.IsUint64() {
		return 0, fmt.Errorf("%w: %q exceeds the representable range", ErrInvalidAmount, display)
	}
	return minor.Uint64(), nil
}
