// Package fees splits a sale amount between the seller, the exchange fee
// collector, a royalty recipient and an optional affiliate.
package fees

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// BasisPoints is the denominator for every bps value.
const BasisPoints = 10_000

var (
	ErrFeeConfigurationInvalid = errors.New("fees: invalid configuration")
	ErrInvalidAmount           = errors.New("fees: invalid amount")
)

// FeeMode selects who bears the exchange fee.
type FeeMode uint8

const (
	// FeeOnTop charges the buyer amount plus the exchange fee.
	FeeOnTop FeeMode = iota
	// FeeDeducted takes the exchange fee out of the seller's proceeds.
	FeeDeducted
)

func (m FeeMode) String() string {
	switch m {
	case FeeOnTop:
		return "on_top"
	case FeeDeducted:
		return "deducted"
	default:
		return fmt.Sprintf("fee_mode(%d)", uint8(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m FeeMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *FeeMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "on_top":
		*m = FeeOnTop
	case "deducted":
		*m = FeeDeducted
	default:
		return fmt.Errorf("%w: unknown fee mode %q", ErrFeeConfigurationInvalid, text)
	}
	return nil
}

// AffiliateMode selects how an affiliate share is funded.
type AffiliateMode uint8

const (
	// AffiliateCarveOut pays the affiliate out of the exchange fee.
	AffiliateCarveOut AffiliateMode = iota
	// AffiliateAdditive charges the affiliate share to the buyer on top.
	AffiliateAdditive
)

func (m AffiliateMode) String() string {
	switch m {
	case AffiliateCarveOut:
		return "carve_out"
	case AffiliateAdditive:
		return "additive"
	default:
		return fmt.Sprintf("affiliate_mode(%d)", uint8(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m AffiliateMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *AffiliateMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "carve_out":
		*m = AffiliateCarveOut
	case "additive":
		*m = AffiliateAdditive
	default:
		return fmt.Errorf("%w: unknown affiliate mode %q", ErrFeeConfigurationInvalid, text)
	}
	return nil
}

// Config holds the exchange fee policy.
type Config struct {
	ExchangeFeeBps    uint64
	MaxExchangeFeeBps uint64
	MaxRoyaltyBps     uint64
	FeeCollector      common.Address
	Mode              FeeMode
	AffiliateMode     AffiliateMode
}

// Validate checks the configured rates against their ceilings.
func (c Config) Validate() error {
	if c.MaxExchangeFeeBps > BasisPoints {
		return fmt.Errorf("%w: max exchange fee %d bps exceeds %d", ErrFeeConfigurationInvalid, c.MaxExchangeFeeBps, BasisPoints)
	}
	if c.ExchangeFeeBps > c.MaxExchangeFeeBps {
		return fmt.Errorf("%w: exchange fee %d bps exceeds maximum %d", ErrFeeConfigurationInvalid, c.ExchangeFeeBps, c.MaxExchangeFeeBps)
	}
	if c.MaxRoyaltyBps > BasisPoints {
		return fmt.Errorf("%w: max royalty %d bps exceeds %d", ErrFeeConfigurationInvalid, c.MaxRoyaltyBps, BasisPoints)
	}
	if c.ExchangeFeeBps > 0 && c.FeeCollector == (common.Address{}) {
		return fmt.Errorf("%w: fee collector is required", ErrFeeConfigurationInvalid)
	}
	if c.Mode > FeeDeducted {
		return fmt.Errorf("%w: unknown fee mode %d", ErrFeeConfigurationInvalid, c.Mode)
	}
	if c.AffiliateMode > AffiliateAdditive {
		return fmt.Errorf("%w: unknown affiliate mode %d", ErrFeeConfigurationInvalid, c.AffiliateMode)
	}
	return nil
}
