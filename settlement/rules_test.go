package settlement

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaifufi/asset-exchange-go/chain"
	"github.com/kaifufi/asset-exchange-go/fees"
	"github.com/kaifufi/asset-exchange-go/nonce"
)

func dutch(soft, hard int64, t0, t1 uint64) *chain.Listing {
	return &chain.Listing{
		OriginAsset: collectionAddr,
		TokenID:     big.NewInt(1),
		Seller:      common.HexToAddress("0x01"),
		StartTime:   t0,
		EndTime:     t1,
		SoftCap:     big.NewInt(soft),
		HardCap:     big.NewInt(hard),
		ListingType: chain.DutchAuction,
	}
}

func TestCurrentPriceDutchDecay(t *testing.T) {
	l := dutch(1_000, 2_000, 100, 200)

	tests := []struct {
		now  int64
		want int64
	}{
		{0, 2_000},
		{100, 2_000},
		{101, 1_990},
		{150, 1_500},
		{199, 1_010},
		{200, 1_000},
		{10_000, 1_000},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("t=%d", tt.now), func(t *testing.T) {
			price, err := CurrentPrice(l, tt.now)
			require.NoError(t, err)
			assert.Equal(t, big.NewInt(tt.want).String(), price.String())
		})
	}
}

func TestCurrentPriceRoundsTowardsHardCap(t *testing.T) {
	// 1000 * 1 / 3 = 333.33 decays by 333
	l := dutch(0, 1_000, 0, 3)
	price, err := CurrentPrice(l, 1)
	require.NoError(t, err)
	assert.Equal(t, "667", price.String())
}

func TestCurrentPriceMonotonic(t *testing.T) {
	l := dutch(7, 1_000_003, 1_000, 4_600)
	prev, err := CurrentPrice(l, 900)
	require.NoError(t, err)
	for now := int64(1_000); now <= 4_700; now += 7 {
		price, err := CurrentPrice(l, now)
		require.NoError(t, err)
		require.True(t, price.Cmp(prev) <= 0, "price rose at %d", now)
		require.True(t, price.Cmp(l.SoftCap) >= 0)
		require.True(t, price.Cmp(l.HardCap) <= 0)
		prev = price
	}
	assert.Equal(t, "7", prev.String())
}

func TestCurrentPriceFlatTypes(t *testing.T) {
	l := dutch(10, 20, 100, 200)
	l.ListingType = chain.EnglishAuction
	price, err := CurrentPrice(l, 150)
	require.NoError(t, err)
	assert.Equal(t, "10", price.String())

	l.ListingType = chain.DirectSale
	price, err = CurrentPrice(l, 150)
	require.NoError(t, err)
	assert.Equal(t, "10", price.String())
}

func TestValidateListing(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(l *chain.Listing)
		ok     bool
	}{
		{"valid dutch", func(*chain.Listing) {}, true},
		{"dutch zero duration", func(l *chain.Listing) { l.EndTime = l.StartTime }, false},
		{"dutch inverted caps", func(l *chain.Listing) { l.SoftCap = big.NewInt(3_000) }, false},
		{"unknown type", func(l *chain.Listing) { l.ListingType = chain.ListingType(7) }, false},
		{"missing token", func(l *chain.Listing) { l.TokenID = nil }, false},
		{"negative cap", func(l *chain.Listing) { l.SoftCap = big.NewInt(-1) }, false},
		{"missing seller", func(l *chain.Listing) { l.Seller = common.Address{} }, false},
		{"fungible without token", func(l *chain.Listing) { l.IsFungiblePayment = true }, false},
		{"english open ended", func(l *chain.Listing) {
			l.ListingType = chain.EnglishAuction
			l.EndTime = 0
		}, true},
		{"english uncapped", func(l *chain.Listing) {
			l.ListingType = chain.EnglishAuction
			l.HardCap = big.NewInt(0)
		}, true},
		{"english inverted caps", func(l *chain.Listing) {
			l.ListingType = chain.EnglishAuction
			l.HardCap = big.NewInt(500)
		}, false},
		{"direct without end", func(l *chain.Listing) {
			l.ListingType = chain.DirectSale
			l.EndTime = 0
		}, true},
		{"direct ends before start", func(l *chain.Listing) {
			l.ListingType = chain.DirectSale
			l.EndTime = l.StartTime - 1
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := dutch(1_000, 2_000, 100, 200)
			tt.mutate(l)
			err := ValidateListing(l)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrMalformedListing)
		})
	}
}

func TestValidateBid(t *testing.T) {
	valid := func() *chain.Bid {
		return &chain.Bid{
			OriginAsset: collectionAddr,
			TokenID:     big.NewInt(1),
			Bidder:      common.HexToAddress("0x02"),
			BidAmount:   big.NewInt(5),
		}
	}
	assert.NoError(t, ValidateBid(valid()))
	assert.ErrorIs(t, ValidateBid(nil), ErrMalformedBid)

	b := valid()
	b.BidAmount = nil
	assert.ErrorIs(t, ValidateBid(b), ErrMalformedBid)

	b = valid()
	b.Bidder = common.Address{}
	assert.ErrorIs(t, ValidateBid(b), ErrMalformedBid)

	b = valid()
	b.IsFungiblePayment = true
	assert.ErrorIs(t, ValidateBid(b), ErrMalformedBid)
}

func TestCheckWindow(t *testing.T) {
	l := dutch(1, 2, 100, 200)
	assert.ErrorIs(t, checkWindow(l, 99), ErrAuctionNotStarted)
	assert.NoError(t, checkWindow(l, 100))
	assert.NoError(t, checkWindow(l, 200))
	assert.ErrorIs(t, checkWindow(l, 201), ErrAuctionExpired)

	l.ListingType = chain.DirectSale
	assert.ErrorIs(t, checkWindow(l, 99), ErrListingNotStarted)
	assert.ErrorIs(t, checkWindow(l, 201), ErrListingExpired)

	l.EndTime = 0
	assert.NoError(t, checkWindow(l, 1<<40))
	assert.ErrorIs(t, checkWindow(l, -5), ErrListingNotStarted)
}

func TestCategory(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrInvalidListingSignature, CategorySignature},
		{fmt.Errorf("%w: short", ErrInvalidBidSignature), CategorySignature},
		{chain.ErrInvalidSignature, CategorySignature},
		{nonce.ErrNonceMismatch, CategoryReplay},
		{nonce.ErrNonceExhausted, CategoryReplay},
		{ErrListingExpired, CategoryWindow},
		{ErrAuctionNotStarted, CategoryWindow},
		{ErrBidBelowFloor, CategoryPrice},
		{ErrNotApproved, CategoryAuthorization},
		{fmt.Errorf("%w: held", ErrEngineBusy), CategoryBusy},
		{ErrReentrantCall, CategoryAuthorization},
		{ErrAssetMismatch, CategoryConsistency},
		{chain.ErrUint256Overflow, CategoryConsistency},
		{fees.ErrFeeConfigurationInvalid, CategoryConfiguration},
		{ErrEngineMisconfigured, CategoryConfiguration},
		{fmt.Errorf("%w: pay: boom", ErrTransferFailed), CategoryCurrency},
		{ErrInsufficientPayment, CategoryCurrency},
		{errors.New("boom"), CategoryInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Category(tt.err), "%v", tt.err)
	}
}
