package assetexchange

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/kaifufi/asset-exchange-go/chain"
)

const (
	MaxDecimals = 18
	ZeroAddress = "0x0000000000000000000000000000000000000000"
)

// AmountToWei converts a human-readable amount such as "1.5" to base units.
// Digits beyond decimals are rejected rather than rounded.
func AmountToWei(amount string, decimals int32) (*big.Int, error) {
	if decimals < 0 || decimals > MaxDecimals {
		return nil, &InvalidParamError{Message: fmt.Sprintf("decimals must be between 0 and %d, got: %d", MaxDecimals, decimals)}
	}
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, &InvalidParamError{Message: fmt.Sprintf("invalid amount %q: %v", amount, err)}
	}
	if d.Sign() < 0 {
		return nil, &InvalidParamError{Message: fmt.Sprintf("amount must not be negative, got: %s", amount)}
	}

	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, &InvalidParamError{Message: fmt.Sprintf("amount %s has more than %d decimals", amount, decimals)}
	}

	result, ok := new(big.Int).SetString(scaled.StringFixed(0), 10)
	if !ok {
		return nil, &InvalidParamError{Message: fmt.Sprintf("invalid amount %q", amount)}
	}
	if result.Cmp(chain.MaxUint256()) > 0 {
		return nil, &InvalidParamError{Message: fmt.Sprintf("amount too large for uint256: %s", result.String())}
	}
	return result, nil
}

// WeiToAmount formats base units as a human-readable amount
func WeiToAmount(wei *big.Int, decimals int32) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -decimals).String()
}

// ParseBig parses a non-negative decimal integer in base units
func ParseBig(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, &InvalidParamError{Message: fmt.Sprintf("invalid %s: %q", field, s)}
	}
	if v.Sign() < 0 {
		return nil, &InvalidParamError{Message: fmt.Sprintf("%s must not be negative: %s", field, s)}
	}
	if v.Cmp(chain.MaxUint256()) > 0 {
		return nil, &InvalidParamError{Message: fmt.Sprintf("%s too large for uint256: %s", field, s)}
	}
	return v, nil
}
