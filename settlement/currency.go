package settlement

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kaifufi/asset-exchange-go/chain"
	"github.com/kaifufi/asset-exchange-go/fees"
)

// payment describes how the payer settles.
type payment struct {
	native bool
	token  common.Address
	label  string
	payer  common.Address
	value  *big.Int
}

type payout struct {
	to     common.Address
	amount *big.Int
}

// directPayment selects the rail for a live purchase. Native value attached
// to a fungible purchase is left with the payer.
func directPayment(l *chain.Listing, payer common.Address, value *big.Int) payment {
	if l.IsFungiblePayment {
		return payment{token: l.PaymentAsset, label: CurrencyFungible, payer: payer}
	}
	v := big.NewInt(0)
	if value != nil {
		v = new(big.Int).Set(value)
	}
	return payment{native: true, label: CurrencyNative, payer: payer, value: v}
}

// auctionPayment selects the rail for a finalized bid. A native denominated
// auction is paid in the wrapped native token because the bidder is not
// present at finalization.
func (e *Engine) auctionPayment(l *chain.Listing, payer common.Address) (payment, error) {
	if l.IsFungiblePayment {
		return payment{token: l.PaymentAsset, label: CurrencyFungible, payer: payer}, nil
	}
	if e.wrappedNative == (common.Address{}) {
		return payment{}, fmt.Errorf("%w: no wrapped native token for native auctions", ErrEngineMisconfigured)
	}
	return payment{token: e.wrappedNative, label: CurrencyWrappedNative, payer: payer}, nil
}

// checkFunds verifies the payer can cover gross on the chosen rail.
func (e *Engine) checkFunds(ctx context.Context, r Readers, pay payment, gross *big.Int) error {
	if pay.native {
		if pay.value.Cmp(gross) < 0 {
			return fmt.Errorf("%w: sent %s, owe %s", ErrInsufficientPayment, pay.value, gross)
		}
		if r.Native == nil {
			return fmt.Errorf("%w: no native bank", ErrEngineMisconfigured)
		}
		balance, err := r.Native.NativeBalance(ctx, pay.payer)
		if err != nil {
			return fmt.Errorf("native balance: %w", err)
		}
		if balance.Cmp(pay.value) < 0 {
			return fmt.Errorf("%w: payer holds %s, sent %s", ErrInsufficientBalance, balance, pay.value)
		}
		return nil
	}

	if r.Fungible == nil {
		return fmt.Errorf("%w: no fungible registry", ErrEngineMisconfigured)
	}
	allowance, err := r.Fungible.TokenAllowance(ctx, pay.token, pay.payer, e.address)
	if err != nil {
		return fmt.Errorf("token allowance: %w", err)
	}
	if allowance.Cmp(gross) < 0 {
		return fmt.Errorf("%w: allowed %s, owe %s", ErrAllowanceInsufficient, allowance, gross)
	}
	balance, err := r.Fungible.TokenBalance(ctx, pay.token, pay.payer)
	if err != nil {
		return fmt.Errorf("token balance: %w", err)
	}
	if balance.Cmp(gross) < 0 {
		return fmt.Errorf("%w: payer holds %s, owe %s", ErrInsufficientBalance, balance, gross)
	}
	return nil
}

// moveFunds collects gross from the payer and forwards every share. It
// returns the native refund, if any.
func (e *Engine) moveFunds(ctx context.Context, pay payment, seller common.Address, split *fees.Split) (*big.Int, error) {
	refund := big.NewInt(0)
	shares := payouts(seller, split)

	if pay.native {
		if err := e.native.TransferNative(ctx, pay.payer, e.address, pay.value); err != nil {
			return nil, fmt.Errorf("%w: collect native payment: %w", ErrTransferFailed, err)
		}
		for _, p := range shares {
			if err := e.native.TransferNative(ctx, e.address, p.to, p.amount); err != nil {
				return nil, fmt.Errorf("%w: pay %s: %w", ErrTransferFailed, p.to.Hex(), err)
			}
		}
		refund.Sub(pay.value, split.Gross)
		if refund.Sign() > 0 {
			if err := e.native.TransferNative(ctx, e.address, pay.payer, refund); err != nil {
				return nil, fmt.Errorf("%w: refund: %w", ErrTransferFailed, err)
			}
		}
		return refund, nil
	}

	if err := e.fungible.TransferTokenFrom(ctx, e.address, pay.token, pay.payer, e.address, split.Gross); err != nil {
		return nil, fmt.Errorf("%w: collect payment: %w", ErrTransferFailed, err)
	}
	for _, p := range shares {
		if err := e.fungible.TransferToken(ctx, pay.token, e.address, p.to, p.amount); err != nil {
			return nil, fmt.Errorf("%w: pay %s: %w", ErrTransferFailed, p.to.Hex(), err)
		}
	}
	return refund, nil
}

func payouts(seller common.Address, split *fees.Split) []payout {
	all := []payout{
		{to: seller, amount: split.NetToSeller},
		{to: split.FeeCollector, amount: split.CollectorFee},
		{to: split.RoyaltyRecipient, amount: split.RoyaltyFee},
		{to: split.Affiliate, amount: split.AffiliateFee},
	}
	out := all[:0]
	for _, p := range all {
		if p.amount != nil && p.amount.Sign() > 0 {
			out = append(out, p)
		}
	}
	return out
}
