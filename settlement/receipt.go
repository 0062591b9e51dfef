package settlement

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/kaifufi/asset-exchange-go/chain"
	"github.com/kaifufi/asset-exchange-go/fees"
)

// Settlement kinds
const (
	KindDirectBuy = "direct_buy"
	KindAuction   = "auction"
)

// Payment rails
const (
	CurrencyNative        = "native"
	CurrencyFungible      = "fungible"
	CurrencyWrappedNative = "wrapped_native"
)

// Receipt records one committed settlement.
type Receipt struct {
	ID               string         `json:"id"`
	Kind             string         `json:"kind"`
	ListingType      string         `json:"listingType"`
	Collection       common.Address `json:"collection"`
	TokenID          *big.Int       `json:"tokenId"`
	Seller           common.Address `json:"seller"`
	Buyer            common.Address `json:"buyer"`
	Currency         string         `json:"currency"`
	PaymentAsset     common.Address `json:"paymentAsset"`
	Amount           *big.Int       `json:"amount"`
	Gross            *big.Int       `json:"gross"`
	NetToSeller      *big.Int       `json:"netToSeller"`
	ExchangeFee      *big.Int       `json:"exchangeFee"`
	CollectorFee     *big.Int       `json:"collectorFee"`
	FeeCollector     common.Address `json:"feeCollector"`
	RoyaltyFee       *big.Int       `json:"royaltyFee"`
	RoyaltyRecipient common.Address `json:"royaltyRecipient"`
	AffiliateFee     *big.Int       `json:"affiliateFee"`
	Affiliate        common.Address `json:"affiliate"`
	Refund           *big.Int       `json:"refund"`
	SellerNonce      uint64         `json:"sellerNonce"`
	BidderNonce      *uint64        `json:"bidderNonce,omitempty"`
	SettledAt        int64          `json:"settledAt"`
}

func newReceipt(kind string, l *chain.Listing, buyer common.Address, pay payment, split *fees.Split, refund *big.Int, now int64) *Receipt {
	return &Receipt{
		ID:               uuid.NewString(),
		Kind:             kind,
		ListingType:      l.ListingType.String(),
		Collection:       l.OriginAsset,
		TokenID:          new(big.Int).Set(l.TokenID),
		Seller:           l.Seller,
		Buyer:            buyer,
		Currency:         pay.label,
		PaymentAsset:     pay.token,
		Amount:           split.Amount,
		Gross:            split.Gross,
		NetToSeller:      split.NetToSeller,
		ExchangeFee:      split.ExchangeFee,
		CollectorFee:     split.CollectorFee,
		FeeCollector:     split.FeeCollector,
		RoyaltyFee:       split.RoyaltyFee,
		RoyaltyRecipient: split.RoyaltyRecipient,
		AffiliateFee:     split.AffiliateFee,
		Affiliate:        split.Affiliate,
		Refund:           refund,
		SellerNonce:      l.Nonce,
		SettledAt:        now,
	}
}
