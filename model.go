package assetexchange

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kaifufi/asset-exchange-go/chain"
	"github.com/kaifufi/asset-exchange-go/settlement"
)

// ListingData is the wire form of a listing. Amounts and token ids are
// decimal strings in base units.
type ListingData struct {
	OriginAsset       string `json:"originAsset"`
	TokenID           string `json:"tokenId"`
	Seller            string `json:"seller"`
	StartTime         uint64 `json:"startTime"`
	EndTime           uint64 `json:"endTime"`
	SoftCap           string `json:"softCap"`
	HardCap           string `json:"hardCap"`
	IsFungiblePayment bool   `json:"isFungiblePayment"`
	PaymentAsset      string `json:"paymentAsset"`
	ListingType       uint8  `json:"listingType"`
	Nonce             uint64 `json:"nonce"`
}

// BidData is the wire form of a bid
type BidData struct {
	OriginAsset       string `json:"originAsset"`
	TokenID           string `json:"tokenId"`
	Bidder            string `json:"bidder"`
	BidAmount         string `json:"bidAmount"`
	IsFungiblePayment bool   `json:"isFungiblePayment"`
	PaymentAsset      string `json:"paymentAsset"`
	Nonce             uint64 `json:"nonce"`
}

// SignedListing represents a listing with its signature
type SignedListing struct {
	Listing   ListingData `json:"listing"`
	Signature string      `json:"signature"`
}

// SignedBid represents a bid with its signature
type SignedBid struct {
	Bid       BidData `json:"bid"`
	Signature string  `json:"signature"`
}

// SignedCancel authorises advancing Signer's nonce past Nonce
type SignedCancel struct {
	Signer    string `json:"signer"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

// DirectBuyInput is the body of a direct purchase
type DirectBuyInput struct {
	Listing       SignedListing `json:"listing"`
	Buyer         string        `json:"buyer"`
	PaymentAmount string        `json:"paymentAmount"`
	Value         string        `json:"value,omitempty"`
	Affiliate     string        `json:"affiliate,omitempty"`
}

// FinalizeInput is the body of an auction finalization
type FinalizeInput struct {
	Listing     SignedListing `json:"listing"`
	Bid         SignedBid     `json:"bid"`
	SellerNonce uint64        `json:"sellerNonce"`
	BidderNonce uint64        `json:"bidderNonce"`
	Affiliate   string        `json:"affiliate,omitempty"`
}

// NonceResponse is a signer's current nonce
type NonceResponse struct {
	Address string `json:"address"`
	Nonce   uint64 `json:"nonce"`
}

// PriceResponse is a listing's floor at a point in time and what a buyer
// paying it hands over once fees are added.
type PriceResponse struct {
	Price string `json:"price"`
	Gross string `json:"gross"`
	At    int64  `json:"at"`
}

// ReceiptsResponse lists settlement receipts, newest first
type ReceiptsResponse struct {
	Receipts []*settlement.Receipt `json:"receipts"`
}

// ErrorResponse is the body of every failed API call
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// NewListingData converts a listing to its wire form
func NewListingData(l *chain.Listing) ListingData {
	return ListingData{
		OriginAsset:       l.OriginAsset.Hex(),
		TokenID:           bigString(l.TokenID),
		Seller:            l.Seller.Hex(),
		StartTime:         l.StartTime,
		EndTime:           l.EndTime,
		SoftCap:           bigString(l.SoftCap),
		HardCap:           bigString(l.HardCap),
		IsFungiblePayment: l.IsFungiblePayment,
		PaymentAsset:      l.PaymentAsset.Hex(),
		ListingType:       uint8(l.ListingType),
		Nonce:             l.Nonce,
	}
}

// ToListing parses the wire form
func (d ListingData) ToListing() (*chain.Listing, error) {
	origin, err := ParseAddress("originAsset", d.OriginAsset)
	if err != nil {
		return nil, err
	}
	seller, err := ParseAddress("seller", d.Seller)
	if err != nil {
		return nil, err
	}
	payment, err := ParseOptionalAddress("paymentAsset", d.PaymentAsset)
	if err != nil {
		return nil, err
	}
	tokenID, err := ParseBig("tokenId", d.TokenID)
	if err != nil {
		return nil, err
	}
	soft, err := ParseBig("softCap", d.SoftCap)
	if err != nil {
		return nil, err
	}
	hard, err := ParseBig("hardCap", d.HardCap)
	if err != nil {
		return nil, err
	}
	t := chain.ListingType(d.ListingType)
	if !t.Valid() {
		return nil, &InvalidParamError{Message: fmt.Sprintf("unknown listing type: %d", d.ListingType)}
	}
	return &chain.Listing{
		OriginAsset:       origin,
		TokenID:           tokenID,
		Seller:            seller,
		StartTime:         d.StartTime,
		EndTime:           d.EndTime,
		SoftCap:           soft,
		HardCap:           hard,
		IsFungiblePayment: d.IsFungiblePayment,
		PaymentAsset:      payment,
		ListingType:       t,
		Nonce:             d.Nonce,
	}, nil
}

// NewBidData converts a bid to its wire form
func NewBidData(b *chain.Bid) BidData {
	return BidData{
		OriginAsset:       b.OriginAsset.Hex(),
		TokenID:           bigString(b.TokenID),
		Bidder:            b.Bidder.Hex(),
		BidAmount:         bigString(b.BidAmount),
		IsFungiblePayment: b.IsFungiblePayment,
		PaymentAsset:      b.PaymentAsset.Hex(),
		Nonce:             b.Nonce,
	}
}

// ToBid parses the wire form
func (d BidData) ToBid() (*chain.Bid, error) {
	origin, err := ParseAddress("originAsset", d.OriginAsset)
	if err != nil {
		return nil, err
	}
	bidder, err := ParseAddress("bidder", d.Bidder)
	if err != nil {
		return nil, err
	}
	payment, err := ParseOptionalAddress("paymentAsset", d.PaymentAsset)
	if err != nil {
		return nil, err
	}
	tokenID, err := ParseBig("tokenId", d.TokenID)
	if err != nil {
		return nil, err
	}
	amount, err := ParseBig("bidAmount", d.BidAmount)
	if err != nil {
		return nil, err
	}
	return &chain.Bid{
		OriginAsset:       origin,
		TokenID:           tokenID,
		Bidder:            bidder,
		BidAmount:         amount,
		IsFungiblePayment: d.IsFungiblePayment,
		PaymentAsset:      payment,
		Nonce:             d.Nonce,
	}, nil
}

// Decode parses a signed listing
func (s SignedListing) Decode() (*chain.Listing, []byte, error) {
	l, err := s.Listing.ToListing()
	if err != nil {
		return nil, nil, err
	}
	sig, err := chain.DecodeSignature(s.Signature)
	if err != nil {
		return nil, nil, err
	}
	return l, sig, nil
}

// Decode parses a signed bid
func (s SignedBid) Decode() (*chain.Bid, []byte, error) {
	b, err := s.Bid.ToBid()
	if err != nil {
		return nil, nil, err
	}
	sig, err := chain.DecodeSignature(s.Signature)
	if err != nil {
		return nil, nil, err
	}
	return b, sig, nil
}

// Decode parses a signed cancel
func (s SignedCancel) Decode() (*chain.Cancel, []byte, error) {
	signer, err := ParseAddress("signer", s.Signer)
	if err != nil {
		return nil, nil, err
	}
	sig, err := chain.DecodeSignature(s.Signature)
	if err != nil {
		return nil, nil, err
	}
	return &chain.Cancel{Signer: signer, Nonce: s.Nonce}, sig, nil
}

// ToRequest parses the body into an engine request
func (in DirectBuyInput) ToRequest() (settlement.DirectBuyRequest, error) {
	l, sig, err := in.Listing.Decode()
	if err != nil {
		return settlement.DirectBuyRequest{}, err
	}
	buyer, err := ParseAddress("buyer", in.Buyer)
	if err != nil {
		return settlement.DirectBuyRequest{}, err
	}
	amount, err := ParseBig("paymentAmount", in.PaymentAmount)
	if err != nil {
		return settlement.DirectBuyRequest{}, err
	}
	value := big.NewInt(0)
	if in.Value != "" {
		if value, err = ParseBig("value", in.Value); err != nil {
			return settlement.DirectBuyRequest{}, err
		}
	}
	affiliate, err := ParseOptionalAddress("affiliate", in.Affiliate)
	if err != nil {
		return settlement.DirectBuyRequest{}, err
	}
	return settlement.DirectBuyRequest{
		Listing:       l,
		Signature:     sig,
		Buyer:         buyer,
		PaymentAmount: amount,
		Value:         value,
		Affiliate:     affiliate,
	}, nil
}

// ToRequest parses the body into an engine request
func (in FinalizeInput) ToRequest() (settlement.FinalizeRequest, error) {
	l, lsig, err := in.Listing.Decode()
	if err != nil {
		return settlement.FinalizeRequest{}, err
	}
	b, bsig, err := in.Bid.Decode()
	if err != nil {
		return settlement.FinalizeRequest{}, err
	}
	affiliate, err := ParseOptionalAddress("affiliate", in.Affiliate)
	if err != nil {
		return settlement.FinalizeRequest{}, err
	}
	return settlement.FinalizeRequest{
		Listing:          l,
		Bid:              b,
		ListingSignature: lsig,
		BidSignature:     bsig,
		SellerNonce:      in.SellerNonce,
		BidderNonce:      in.BidderNonce,
		Affiliate:        affiliate,
	}, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// ParseAddress parses a required hex address
func ParseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, &InvalidParamError{Message: fmt.Sprintf("invalid %s address: %q", field, s)}
	}
	return common.HexToAddress(s), nil
}

// ParseOptionalAddress parses a hex address, where empty means the zero address
func ParseOptionalAddress(field, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	return ParseAddress(field, s)
}

// PreflightResponse is what a settlement would do if submitted now
type PreflightResponse struct {
	Kind         string `json:"kind"`
	Currency     string `json:"currency"`
	Price        string `json:"price"`
	Gross        string `json:"gross"`
	NetToSeller  string `json:"netToSeller"`
	ExchangeFee  string `json:"exchangeFee"`
	CollectorFee string `json:"collectorFee"`
	RoyaltyFee   string `json:"royaltyFee"`
	AffiliateFee string `json:"affiliateFee"`
}

// NewPreflightResponse converts an engine preflight result
func NewPreflightResponse(res *settlement.PreflightResult) PreflightResponse {
	return PreflightResponse{
		Kind:         res.Kind,
		Currency:     res.Currency,
		Price:        bigString(res.Price),
		Gross:        bigString(res.Split.Gross),
		NetToSeller:  bigString(res.Split.NetToSeller),
		ExchangeFee:  bigString(res.Split.ExchangeFee),
		CollectorFee: bigString(res.Split.CollectorFee),
		RoyaltyFee:   bigString(res.Split.RoyaltyFee),
		AffiliateFee: bigString(res.Split.AffiliateFee),
	}
}
