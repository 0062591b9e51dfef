package chain

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// EIP712 related errors
var (
	ErrInvalidChainID  = errors.New("invalid chain ID")
	ErrInvalidTokenID  = errors.New("invalid token ID")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrUint256Overflow = errors.New("value does not fit in uint256")
)

// Default domain values, matching the signature provider used by wallets.
const (
	DefaultDomainName    = "Metatime"
	DefaultDomainVersion = "1.0"
)

// Type strings. Field order is part of the signed payload and must never change.
const (
	EIP712DomainType = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"
	ListingType712   = "Listing(address originAddress,uint256 tokenId,address seller,uint256 startTimestamp,uint256 endTimestamp,uint256 softCap,uint256 hardCap,bool isERC20,address erc20TokenAddress,uint256 listingType,uint256 nonce)"
	BidType712       = "Bid(address originAddress,uint256 tokenId,address bidder,uint256 bidAmount,bool isERC20,address erc20TokenAddress,uint256 nonce)"
	CancelType712    = "Cancel(address signer,uint256 nonce)"
)

// Pre-computed type hashes using keccak256
var (
	EIP712DomainTypeHash = crypto.Keccak256Hash([]byte(EIP712DomainType))
	ListingTypeHash      = crypto.Keccak256Hash([]byte(ListingType712))
	BidTypeHash          = crypto.Keccak256Hash([]byte(BidType712))
	CancelTypeHash       = crypto.Keccak256Hash([]byte(CancelType712))
)

var (
	bytes32Type, _ = abi.NewType("bytes32", "", nil)
	uint256Type, _ = abi.NewType("uint256", "", nil)
	addressType, _ = abi.NewType("address", "", nil)
	boolType, _    = abi.NewType("bool", "", nil)
)

// SigningDomain binds signatures to one deployment of the exchange.
type SigningDomain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// NewSigningDomain creates a SigningDomain with the default name and version
func NewSigningDomain(chainID *big.Int, verifyingContract common.Address) *SigningDomain {
	return &SigningDomain{
		Name:              DefaultDomainName,
		Version:           DefaultDomainVersion,
		ChainID:           new(big.Int).Set(chainID),
		VerifyingContract: verifyingContract,
	}
}

// Validate checks that the domain can be encoded.
func (d *SigningDomain) Validate() error {
	if d == nil || d.ChainID == nil || d.ChainID.Sign() <= 0 {
		return ErrInvalidChainID
	}
	return checkUint256(d.ChainID)
}

// Separator computes the EIP712 domain separator hash
func (d *SigningDomain) Separator() common.Hash {
	// typeHash ++ keccak256(name) ++ keccak256(version) ++ chainId ++ verifyingContract
	arguments := abi.Arguments{
		{Type: bytes32Type},
		{Type: bytes32Type},
		{Type: bytes32Type},
		{Type: uint256Type},
		{Type: addressType},
	}

	encoded, err := arguments.Pack(
		EIP712DomainTypeHash,
		crypto.Keccak256Hash([]byte(d.Name)),
		crypto.Keccak256Hash([]byte(d.Version)),
		d.ChainID,
		d.VerifyingContract,
	)
	if err != nil {
		panic("failed to encode domain separator: " + err.Error())
	}

	return crypto.Keccak256Hash(encoded)
}

// TypedDataHash creates the final EIP712 digest to be signed:
// keccak256("\x19\x01" ++ domainSeparator ++ structHash)
func (d *SigningDomain) TypedDataHash(structHash common.Hash) common.Hash {
	separator := d.Separator()

	data := make([]byte, 0, 2+32+32)
	data = append(data, 0x19, 0x01)
	data = append(data, separator.Bytes()...)
	data = append(data, structHash.Bytes()...)

	return crypto.Keccak256Hash(data)
}

// Hash computes the struct hash for the listing
func (l *Listing) Hash() (common.Hash, error) {
	if err := l.checkEncodable(); err != nil {
		return common.Hash{}, err
	}

	arguments := abi.Arguments{
		{Type: bytes32Type}, // typeHash
		{Type: addressType}, // originAddress
		{Type: uint256Type}, // tokenId
		{Type: addressType}, // seller
		{Type: uint256Type}, // startTimestamp
		{Type: uint256Type}, // endTimestamp
		{Type: uint256Type}, // softCap
		{Type: uint256Type}, // hardCap
		{Type: boolType},    // isERC20
		{Type: addressType}, // erc20TokenAddress
		{Type: uint256Type}, // listingType
		{Type: uint256Type}, // nonce
	}

	encoded, err := arguments.Pack(
		ListingTypeHash,
		l.OriginAsset,
		l.TokenID,
		l.Seller,
		new(big.Int).SetUint64(l.StartTime),
		new(big.Int).SetUint64(l.EndTime),
		l.SoftCap,
		l.HardCap,
		l.IsFungiblePayment,
		l.PaymentAsset,
		big.NewInt(int64(l.ListingType)),
		new(big.Int).SetUint64(l.Nonce),
	)
	if err != nil {
		return common.Hash{}, err
	}

	return crypto.Keccak256Hash(encoded), nil
}

// Hash computes the struct hash for the bid
func (b *Bid) Hash() (common.Hash, error) {
	if err := b.checkEncodable(); err != nil {
		return common.Hash{}, err
	}

	arguments := abi.Arguments{
		{Type: bytes32Type}, // typeHash
		{Type: addressType}, // originAddress
		{Type: uint256Type}, // tokenId
		{Type: addressType}, // bidder
		{Type: uint256Type}, // bidAmount
		{Type: boolType},    // isERC20
		{Type: addressType}, // erc20TokenAddress
		{Type: uint256Type}, // nonce
	}

	encoded, err := arguments.Pack(
		BidTypeHash,
		b.OriginAsset,
		b.TokenID,
		b.Bidder,
		b.BidAmount,
		b.IsFungiblePayment,
		b.PaymentAsset,
		new(big.Int).SetUint64(b.Nonce),
	)
	if err != nil {
		return common.Hash{}, err
	}

	return crypto.Keccak256Hash(encoded), nil
}

// Hash computes the struct hash for a cancellation
func (c *Cancel) Hash() common.Hash {
	arguments := abi.Arguments{
		{Type: bytes32Type},
		{Type: addressType},
		{Type: uint256Type},
	}

	encoded, err := arguments.Pack(CancelTypeHash, c.Signer, new(big.Int).SetUint64(c.Nonce))
	if err != nil {
		panic("failed to encode cancel struct: " + err.Error())
	}

	return crypto.Keccak256Hash(encoded)
}

// ListingDigest returns the digest a seller signs for the listing.
func (d *SigningDomain) ListingDigest(l *Listing) (common.Hash, error) {
	structHash, err := l.Hash()
	if err != nil {
		return common.Hash{}, err
	}
	return d.TypedDataHash(structHash), nil
}

// BidDigest returns the digest a bidder signs for the bid.
func (d *SigningDomain) BidDigest(b *Bid) (common.Hash, error) {
	structHash, err := b.Hash()
	if err != nil {
		return common.Hash{}, err
	}
	return d.TypedDataHash(structHash), nil
}

// CancelDigest returns the digest a signer signs to cancel their nonce.
func (d *SigningDomain) CancelDigest(c *Cancel) common.Hash {
	return d.TypedDataHash(c.Hash())
}

func (l *Listing) checkEncodable() error {
	if l.TokenID == nil {
		return ErrInvalidTokenID
	}
	if l.SoftCap == nil || l.HardCap == nil {
		return ErrInvalidAmount
	}
	for _, v := range []*big.Int{l.TokenID, l.SoftCap, l.HardCap} {
		if err := checkUint256(v); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bid) checkEncodable() error {
	if b.TokenID == nil {
		return ErrInvalidTokenID
	}
	if b.BidAmount == nil {
		return ErrInvalidAmount
	}
	if err := checkUint256(b.TokenID); err != nil {
		return err
	}
	return checkUint256(b.BidAmount)
}

func checkUint256(v *big.Int) error {
	if v.Sign() < 0 {
		return ErrUint256Overflow
	}
	if _, overflow := uint256.FromBig(v); overflow {
		return ErrUint256Overflow
	}
	return nil
}
