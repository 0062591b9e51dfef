package fees

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Split is the breakdown of one sale.
//
// Gross is what the payer hands over. NetToSeller + ExchangeFee + RoyaltyFee
// plus any additive affiliate share always equals Gross. CollectorFee is the
// part of ExchangeFee left after a carve-out affiliate share.
type Split struct {
	Amount           *big.Int
	Gross            *big.Int
	NetToSeller      *big.Int
	ExchangeFee      *big.Int
	CollectorFee     *big.Int
	FeeCollector     common.Address
	RoyaltyFee       *big.Int
	RoyaltyRecipient common.Address
	AffiliateFee     *big.Int
	Affiliate        common.Address
	Mode             FeeMode
	AffiliateMode    AffiliateMode
}

// AdditiveAffiliateFee returns the affiliate share charged on top of the fees.
func (s *Split) AdditiveAffiliateFee() *big.Int {
	if s.AffiliateMode == AffiliateAdditive {
		return new(big.Int).Set(s.AffiliateFee)
	}
	return big.NewInt(0)
}

// Reconciles reports whether the parts add up to Gross with nothing left over.
func (s *Split) Reconciles() bool {
	sum := new(big.Int).Add(s.NetToSeller, s.ExchangeFee)
	sum.Add(sum, s.RoyaltyFee)
	sum.Add(sum, s.AdditiveAffiliateFee())
	if sum.Cmp(s.Gross) != 0 {
		return false
	}
	if s.AffiliateMode == AffiliateCarveOut {
		carved := new(big.Int).Add(s.CollectorFee, s.AffiliateFee)
		return carved.Cmp(s.ExchangeFee) == 0
	}
	return s.CollectorFee.Cmp(s.ExchangeFee) == 0
}

// Resolver computes splits from a fee policy.
type Resolver struct {
	cfg        Config
	royalties  RoyaltyResolver
	affiliates AffiliateRegistry
}

// NewResolver validates cfg and builds a Resolver. royalties and affiliates
// may be nil.
func NewResolver(cfg Config, royalties RoyaltyResolver, affiliates AffiliateRegistry) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Resolver{cfg: cfg, royalties: royalties, affiliates: affiliates}, nil
}

// Config returns the fee policy.
func (r *Resolver) Config() Config {
	return r.cfg
}

// ComputeSplit divides amount for a sale of (collection, tokenID). A zero
// affiliate address means no referrer.
func (r *Resolver) ComputeSplit(ctx context.Context, amount *big.Int, collection common.Address, tokenID *big.Int, affiliate common.Address) (*Split, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if err := r.cfg.Validate(); err != nil {
		return nil, err
	}

	split := &Split{
		Amount:        new(big.Int).Set(amount),
		ExchangeFee:   bpsOf(amount, r.cfg.ExchangeFeeBps),
		FeeCollector:  r.cfg.FeeCollector,
		RoyaltyFee:    big.NewInt(0),
		AffiliateFee:  big.NewInt(0),
		Mode:          r.cfg.Mode,
		AffiliateMode: r.cfg.AffiliateMode,
	}

	if r.royalties != nil {
		fee, recipient, err := r.royalties.Resolve(ctx, collection, tokenID, amount)
		if err != nil {
			return nil, fmt.Errorf("fees: resolve royalty: %w", err)
		}
		if fee != nil && fee.Sign() != 0 {
			if fee.Sign() < 0 {
				return nil, fmt.Errorf("%w: negative royalty", ErrFeeConfigurationInvalid)
			}
			if limit := bpsOf(amount, r.cfg.MaxRoyaltyBps); fee.Cmp(limit) > 0 {
				return nil, fmt.Errorf("%w: royalty %s exceeds maximum %s", ErrFeeConfigurationInvalid, fee, limit)
			}
			if recipient == (common.Address{}) {
				return nil, fmt.Errorf("%w: royalty without recipient", ErrFeeConfigurationInvalid)
			}
			split.RoyaltyFee = new(big.Int).Set(fee)
			split.RoyaltyRecipient = recipient
		}
	}

	if affiliate != (common.Address{}) && r.affiliates != nil {
		bps, ok, err := r.affiliates.AffiliateBps(ctx, affiliate)
		if err != nil {
			return nil, fmt.Errorf("fees: resolve affiliate: %w", err)
		}
		if ok && bps > 0 {
			if bps > BasisPoints {
				return nil, fmt.Errorf("%w: affiliate %d bps exceeds %d", ErrFeeConfigurationInvalid, bps, BasisPoints)
			}
			if r.cfg.AffiliateMode == AffiliateAdditive {
				split.AffiliateFee = bpsOf(amount, bps)
			} else {
				split.AffiliateFee = bpsOf(split.ExchangeFee, bps)
			}
			split.Affiliate = affiliate
		}
	}

	split.CollectorFee = new(big.Int).Set(split.ExchangeFee)
	if r.cfg.AffiliateMode == AffiliateCarveOut {
		split.CollectorFee.Sub(split.CollectorFee, split.AffiliateFee)
	}

	additive := split.AdditiveAffiliateFee()
	switch r.cfg.Mode {
	case FeeDeducted:
		deductions := new(big.Int).Add(split.ExchangeFee, split.RoyaltyFee)
		if deductions.Cmp(amount) > 0 {
			return nil, fmt.Errorf("%w: fees %s exceed amount %s", ErrFeeConfigurationInvalid, deductions, amount)
		}
		split.Gross = new(big.Int).Add(amount, additive)
		split.NetToSeller = new(big.Int).Sub(amount, deductions)
	default:
		if split.RoyaltyFee.Cmp(amount) > 0 {
			return nil, fmt.Errorf("%w: royalty %s exceeds amount %s", ErrFeeConfigurationInvalid, split.RoyaltyFee, amount)
		}
		split.Gross = new(big.Int).Add(amount, split.ExchangeFee)
		split.Gross.Add(split.Gross, additive)
		split.NetToSeller = new(big.Int).Sub(amount, split.RoyaltyFee)
	}
	return split, nil
}
