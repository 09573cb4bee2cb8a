package server

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// parseUnits converts a decimal amount such as "0.01" to the smallest unit of a
// currency with the given decimals. Amounts finer than one unit are refused.
func parseUnits(amount string, decimals int) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("amount is not a decimal. %s", amount)
	}
	if d.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive. %s", amount)
	}
	units := d.Shift(int32(decimals))
	if !units.IsInteger() {
		return nil, fmt.Errorf("amount %s has more than %d decimals", amount, decimals)
	}
	return units.BigInt(), nil
}

// parseInt parses an optional decimal integer, empty means nil.
func parseInt(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("not an unsigned integer. %s", s)
	}
	return n, nil
}
