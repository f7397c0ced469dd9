package marketplace

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultDecimals is the decimal shift of the payment token.
const DefaultDecimals int32 = 18

// ToBaseUnits converts a human-entered amount such as "1.5" into the token's
// smallest unit by shifting the decimal point right by decimals places.
func ToBaseUnits(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	shifted := d.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", amount, decimals)
	}
	return shifted.BigInt(), nil
}

// FormatAmount renders a base-unit amount with two decimals, the way prices
// and balances are displayed.
func FormatAmount(base *big.Int, decimals int32) string {
	if base == nil {
		base = new(big.Int)
	}
	return decimal.NewFromBigInt(base, -decimals).StringFixed(2)
}
