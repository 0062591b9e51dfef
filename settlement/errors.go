package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/kaifufi/asset-exchange-go/chain"
	"github.com/kaifufi/asset-exchange-go/fees"
	"github.com/kaifufi/asset-exchange-go/nonce"
)

var (
	ErrInvalidSignature        = chain.ErrInvalidSignature
	ErrInvalidListingSignature = fmt.Errorf("listing: %w", chain.ErrInvalidSignature)
	ErrInvalidBidSignature     = fmt.Errorf("bid: %w", chain.ErrInvalidSignature)
	ErrInvalidCancelSignature  = fmt.Errorf("cancel: %w", chain.ErrInvalidSignature)

	ErrNonceMismatch = nonce.ErrNonceMismatch

	ErrListingNotStarted = errors.New("settlement: listing not started")
	ErrListingExpired    = errors.New("settlement: listing expired")
	ErrAuctionNotStarted = errors.New("settlement: auction not started")
	ErrAuctionExpired    = errors.New("settlement: auction expired")

	ErrPriceOutOfRange = errors.New("settlement: price out of range")
	ErrBidBelowFloor   = errors.New("settlement: bid below floor")

	ErrNotApproved           = errors.New("settlement: engine not approved for item")
	ErrNotOwner              = errors.New("settlement: seller does not own item")
	ErrAllowanceInsufficient = errors.New("settlement: allowance insufficient")
	ErrInsufficientBalance   = errors.New("settlement: insufficient balance")
	ErrReentrantCall         = errors.New("settlement: reentrant call")
	ErrEngineBusy            = errors.New("settlement: engine busy")

	ErrAssetMismatch    = errors.New("settlement: listing and bid reference different items")
	ErrCurrencyMismatch = errors.New("settlement: listing and bid use different currencies")
	ErrMalformedListing = errors.New("settlement: malformed listing")
	ErrMalformedBid     = errors.New("settlement: malformed bid")
	ErrWrongListingType = errors.New("settlement: wrong listing type")

	ErrFeeConfigurationInvalid = fees.ErrFeeConfigurationInvalid
	ErrEngineMisconfigured     = errors.New("settlement: engine misconfigured")

	ErrInsufficientPayment = errors.New("settlement: insufficient payment")
	ErrTransferFailed      = errors.New("settlement: transfer failed")
)

// Error categories reported by Category.
const (
	CategorySignature     = "signature"
	CategoryReplay        = "replay"
	CategoryWindow        = "window"
	CategoryPrice         = "price"
	CategoryAuthorization = "authorization"
	CategoryConsistency   = "consistency"
	CategoryConfiguration = "configuration"
	CategoryCurrency      = "currency"
	CategoryBusy          = "busy"
	CategoryInternal      = "internal"
)

var categories = []struct {
	category string
	errs     []error
}{
	{CategorySignature, []error{chain.ErrInvalidSignature}},
	{CategoryReplay, []error{nonce.ErrNonceMismatch, nonce.ErrNonceExhausted}},
	{CategoryWindow, []error{ErrListingNotStarted, ErrListingExpired, ErrAuctionNotStarted, ErrAuctionExpired}},
	{CategoryPrice, []error{ErrPriceOutOfRange, ErrBidBelowFloor}},
	{CategoryAuthorization, []error{ErrNotApproved, ErrNotOwner, ErrAllowanceInsufficient, ErrReentrantCall}},
	{CategoryConsistency, []error{ErrAssetMismatch, ErrCurrencyMismatch, ErrMalformedListing, ErrMalformedBid, ErrWrongListingType, chain.ErrUint256Overflow, chain.ErrInvalidTokenID, chain.ErrInvalidAmount}},
	{CategoryConfiguration, []error{fees.ErrFeeConfigurationInvalid, ErrEngineMisconfigured}},
	{CategoryCurrency, []error{ErrInsufficientPayment, ErrInsufficientBalance, ErrTransferFailed}},
	{CategoryBusy, []error{ErrEngineBusy, context.DeadlineExceeded, context.Canceled}},
}

// Category maps an engine error to its taxonomy bucket. Unknown errors are
// internal.
func Category(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range categories {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.category
			}
		}
	}
	return CategoryInternal
}
