package settlement

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kaifufi/asset-exchange-go/chain"
)

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedListing, fmt.Sprintf(format, args...))
}

// ValidateListing checks that a listing has the shape its type requires.
func ValidateListing(l *chain.Listing) error {
	if l == nil {
		return malformed("missing listing")
	}
	if !l.ListingType.Valid() {
		return malformed("unknown listing type %d", uint8(l.ListingType))
	}
	if l.TokenID == nil || l.TokenID.Sign() < 0 {
		return malformed("invalid token id")
	}
	if l.SoftCap == nil || l.HardCap == nil || l.SoftCap.Sign() < 0 || l.HardCap.Sign() < 0 {
		return malformed("invalid price bounds")
	}
	if l.Seller == (common.Address{}) {
		return malformed("missing seller")
	}
	if l.IsFungiblePayment && l.PaymentAsset == (common.Address{}) {
		return malformed("fungible payment without payment asset")
	}

	switch l.ListingType {
	case chain.DirectSale:
		if l.EndTime != 0 && l.EndTime < l.StartTime {
			return malformed("end %d before start %d", l.EndTime, l.StartTime)
		}
		if l.HardCap.Sign() != 0 && l.HardCap.Cmp(l.SoftCap) < 0 {
			return malformed("hard cap below soft cap")
		}
	case chain.EnglishAuction:
		if l.EndTime != 0 && l.EndTime <= l.StartTime {
			return malformed("end %d not after start %d", l.EndTime, l.StartTime)
		}
		if l.HardCap.Sign() != 0 && l.HardCap.Cmp(l.SoftCap) < 0 {
			return malformed("hard cap below soft cap")
		}
	case chain.DutchAuction:
		if l.StartTime >= l.EndTime {
			return malformed("dutch auction needs start %d before end %d", l.StartTime, l.EndTime)
		}
		if l.HardCap.Cmp(l.SoftCap) < 0 {
			return malformed("hard cap below soft cap")
		}
	}
	return nil
}

// ValidateBid checks that a bid is complete.
func ValidateBid(b *chain.Bid) error {
	switch {
	case b == nil:
		return fmt.Errorf("%w: missing bid", ErrMalformedBid)
	case b.TokenID == nil || b.TokenID.Sign() < 0:
		return fmt.Errorf("%w: invalid token id", ErrMalformedBid)
	case b.BidAmount == nil || b.BidAmount.Sign() < 0:
		return fmt.Errorf("%w: invalid bid amount", ErrMalformedBid)
	case b.Bidder == (common.Address{}):
		return fmt.Errorf("%w: missing bidder", ErrMalformedBid)
	case b.IsFungiblePayment && b.PaymentAsset == (common.Address{}):
		return fmt.Errorf("%w: fungible payment without payment asset", ErrMalformedBid)
	}
	return nil
}

// checkWindow applies the listing's start and end times at now. An EndTime of
// zero never expires.
func checkWindow(l *chain.Listing, now int64) error {
	notStarted, expired := ErrAuctionNotStarted, ErrAuctionExpired
	if l.ListingType == chain.DirectSale {
		notStarted, expired = ErrListingNotStarted, ErrListingExpired
	}
	t := clampUnix(now)
	if t < l.StartTime {
		return fmt.Errorf("%w: starts at %d, now %d", notStarted, l.StartTime, t)
	}
	if l.EndTime != 0 && t > l.EndTime {
		return fmt.Errorf("%w: ended at %d, now %d", expired, l.EndTime, t)
	}
	return nil
}

// CurrentPrice returns the listing's floor price at now. A Dutch auction
// decays linearly from HardCap at StartTime to SoftCap at EndTime; other
// types return SoftCap.
func CurrentPrice(l *chain.Listing, now int64) (*big.Int, error) {
	if err := ValidateListing(l); err != nil {
		return nil, err
	}
	if l.ListingType != chain.DutchAuction {
		return new(big.Int).Set(l.SoftCap), nil
	}

	t := clampUnix(now)
	if t <= l.StartTime {
		return new(big.Int).Set(l.HardCap), nil
	}
	if t >= l.EndTime {
		return new(big.Int).Set(l.SoftCap), nil
	}

	elapsed := new(big.Int).SetUint64(t - l.StartTime)
	duration := new(big.Int).SetUint64(l.EndTime - l.StartTime)
	decay := new(big.Int).Sub(l.HardCap, l.SoftCap)
	decay.Mul(decay, elapsed)
	decay.Quo(decay, duration)
	return new(big.Int).Sub(l.HardCap, decay), nil
}

// checkDirectPrice bounds a direct purchase to [SoftCap, HardCap]. A zero
// HardCap has no ceiling.
func checkDirectPrice(l *chain.Listing, amount *big.Int) error {
	if amount.Cmp(l.SoftCap) < 0 {
		return fmt.Errorf("%w: %s below %s", ErrPriceOutOfRange, amount, l.SoftCap)
	}
	if l.HardCap.Sign() != 0 && amount.Cmp(l.HardCap) > 0 {
		return fmt.Errorf("%w: %s above %s", ErrPriceOutOfRange, amount, l.HardCap)
	}
	return nil
}

// checkBidPrice applies the auction floor at now.
func checkBidPrice(l *chain.Listing, amount *big.Int, now int64) error {
	floor, err := CurrentPrice(l, now)
	if err != nil {
		return err
	}
	if amount.Cmp(floor) < 0 {
		return fmt.Errorf("%w: bid %s, floor %s", ErrBidBelowFloor, amount, floor)
	}
	if l.ListingType == chain.EnglishAuction && l.HardCap.Sign() != 0 && amount.Cmp(l.HardCap) > 0 {
		return fmt.Errorf("%w: bid %s above ceiling %s", ErrPriceOutOfRange, amount, l.HardCap)
	}
	return nil
}

func clampUnix(now int64) uint64 {
	if now < 0 {
		return 0
	}
	return uint64(now)
}
