package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ListingType selects the settlement rules applied to a listing
type ListingType uint8

const (
	DirectSale ListingType = iota
	EnglishAuction
	DutchAuction
)

// String returns the listing type name
func (t ListingType) String() string {
	switch t {
	case DirectSale:
		return "direct_sale"
	case EnglishAuction:
		return "english_auction"
	case DutchAuction:
		return "dutch_auction"
	default:
		return fmt.Sprintf("listing_type(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the known listing types
func (t ListingType) Valid() bool {
	return t <= DutchAuction
}

// IsAuction reports whether settlement requires a bid
func (t ListingType) IsAuction() bool {
	return t == EnglishAuction || t == DutchAuction
}

// Listing is a seller's signed offer to sell one item
type Listing struct {
	OriginAsset       common.Address
	TokenID           *big.Int
	Seller            common.Address
	StartTime         uint64
	EndTime           uint64
	SoftCap           *big.Int
	HardCap           *big.Int
	IsFungiblePayment bool
	PaymentAsset      common.Address
	ListingType       ListingType
	Nonce             uint64
}

// Bid is a bidder's signed offer to pay for a listed item
type Bid struct {
	OriginAsset       common.Address
	TokenID           *big.Int
	Bidder            common.Address
	BidAmount         *big.Int
	IsFungiblePayment bool
	PaymentAsset      common.Address
	Nonce             uint64
}

// Cancel authorises advancing the signer's nonce past Nonce
type Cancel struct {
	Signer common.Address
	Nonce  uint64
}

// SameAsset reports whether the bid targets the listed item
func (l *Listing) SameAsset(b *Bid) bool {
	return l.OriginAsset == b.OriginAsset && l.TokenID != nil && b.TokenID != nil && l.TokenID.Cmp(b.TokenID) == 0
}

// SameCurrency reports whether the bid pays in the listing's currency
func (l *Listing) SameCurrency(b *Bid) bool {
	if l.IsFungiblePayment != b.IsFungiblePayment {
		return false
	}
	if !l.IsFungiblePayment {
		return true
	}
	return l.PaymentAsset == b.PaymentAsset
}

// Copy returns a deep copy of the listing
func (l *Listing) Copy() *Listing {
	cp := *l
	cp.TokenID = copyBig(l.TokenID)
	cp.SoftCap = copyBig(l.SoftCap)
	cp.HardCap = copyBig(l.HardCap)
	return &cp
}

// Copy returns a deep copy of the bid
func (b *Bid) Copy() *Bid {
	cp := *b
	cp.TokenID = copyBig(b.TokenID)
	cp.BidAmount = copyBig(b.BidAmount)
	return &cp
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// ERC20 ABI JSON for the calls the exchange relies on
const erc20ABIJSON = `[
	{
		"constant": true,
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"}
		],
		"name": "allowance",
		"outputs": [{"name": "", "type": "uint256"}],
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [{"name": "account", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"name": "spender", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"name": "approve",
		"outputs": [{"name": "", "type": "bool"}],
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [],
		"name": "decimals",
		"outputs": [{"name": "", "type": "uint8"}],
		"type": "function"
	}
]`

// ERC721 ABI JSON for ownership and approval queries
const erc721ABIJSON = `[
	{
		"constant": true,
		"inputs": [{"name": "tokenId", "type": "uint256"}],
		"name": "ownerOf",
		"outputs": [{"name": "", "type": "address"}],
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [{"name": "tokenId", "type": "uint256"}],
		"name": "getApproved",
		"outputs": [{"name": "", "type": "address"}],
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "operator", "type": "address"}
		],
		"name": "isApprovedForAll",
		"outputs": [{"name": "", "type": "bool"}],
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"name": "operator", "type": "address"},
			{"name": "approved", "type": "bool"}
		],
		"name": "setApprovalForAll",
		"outputs": [],
		"type": "function"
	}
]`

var (
	erc20ABI  = mustParseABI("ERC20", erc20ABIJSON)
	erc721ABI = mustParseABI("ERC721", erc721ABIJSON)
)

// GetERC20ABI returns the parsed ERC20 ABI
func GetERC20ABI() abi.ABI {
	return erc20ABI
}

// GetERC721ABI returns the parsed ERC721 ABI
func GetERC721ABI() abi.ABI {
	return erc721ABI
}

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("failed to parse " + name + " ABI: " + err.Error())
	}
	return parsed
}
