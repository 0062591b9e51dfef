package chain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidSignature is returned when a signature is malformed or was not
// produced by the expected signer.
var ErrInvalidSignature = errors.New("invalid signature")

// SignatureLength is the size of an [R || S || V] signature
const SignatureLength = crypto.SignatureLength

// Signer builds and signs listings, bids and cancellations off-ledger
type Signer struct {
	domain *SigningDomain
	key    *ecdsa.PrivateKey
	addr   common.Address
}

// NewSigner creates a new Signer for the given domain
func NewSigner(domain *SigningDomain, key *ecdsa.PrivateKey) (*Signer, error) {
	if key == nil {
		return nil, fmt.Errorf("signer key is required")
	}
	if err := domain.Validate(); err != nil {
		return nil, err
	}
	return &Signer{
		domain: domain,
		key:    key,
		addr:   crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// NewSignerFromHex creates a Signer from a hex encoded private key
func NewSignerFromHex(domain *SigningDomain, privateKeyHex string) (*Signer, error) {
	key, err := crypto.HexToECDSA(trimHexPrefix(privateKeyHex))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewSigner(domain, key)
}

// Address returns the address of the signing key
func (s *Signer) Address() common.Address {
	return s.addr
}

// Domain returns the signing domain
func (s *Signer) Domain() *SigningDomain {
	return s.domain
}

// SignListing signs a listing. The listing's Seller must be the signer.
func (s *Signer) SignListing(l *Listing) ([]byte, error) {
	if l.Seller != s.addr {
		return nil, fmt.Errorf("listing seller %s is not signer %s", l.Seller.Hex(), s.addr.Hex())
	}
	digest, err := s.domain.ListingDigest(l)
	if err != nil {
		return nil, fmt.Errorf("failed to hash listing: %w", err)
	}
	return s.sign(digest)
}

// SignBid signs a bid. The bid's Bidder must be the signer.
func (s *Signer) SignBid(b *Bid) ([]byte, error) {
	if b.Bidder != s.addr {
		return nil, fmt.Errorf("bid bidder %s is not signer %s", b.Bidder.Hex(), s.addr.Hex())
	}
	digest, err := s.domain.BidDigest(b)
	if err != nil {
		return nil, fmt.Errorf("failed to hash bid: %w", err)
	}
	return s.sign(digest)
}

// SignCancel signs a cancellation of the signer's nonce
func (s *Signer) SignCancel(nonce uint64) (*Cancel, []byte, error) {
	c := &Cancel{Signer: s.addr, Nonce: nonce}
	sig, err := s.sign(s.domain.CancelDigest(c))
	if err != nil {
		return nil, nil, err
	}
	return c, sig, nil
}

func (s *Signer) sign(digest common.Hash) ([]byte, error) {
	signature, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	// Add recovery ID
	signature[64] += 27

	return signature, nil
}

// RecoverSigner recovers the address that produced sig over digest
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}

	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	r := new(big.Int).SetBytes(normalized[:32])
	sv := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(normalized[64], r, sv, true) {
		return common.Address{}, fmt.Errorf("%w: bad signature values", ErrInvalidSignature)
	}

	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	addr := crypto.PubkeyToAddress(*pub)
	if addr == (common.Address{}) {
		return common.Address{}, ErrInvalidSignature
	}
	return addr, nil
}

// VerifyListing checks that sig was produced by the listing's seller under domain
func VerifyListing(domain *SigningDomain, l *Listing, sig []byte) error {
	digest, err := domain.ListingDigest(l)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return verify(digest, sig, l.Seller)
}

// VerifyBid checks that sig was produced by the bidder under domain
func VerifyBid(domain *SigningDomain, b *Bid, sig []byte) error {
	digest, err := domain.BidDigest(b)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return verify(digest, sig, b.Bidder)
}

// VerifyCancel checks that sig was produced by the cancelling signer under domain
func VerifyCancel(domain *SigningDomain, c *Cancel, sig []byte) error {
	return verify(domain.CancelDigest(c), sig, c.Signer)
}

func verify(digest common.Hash, sig []byte, expected common.Address) error {
	recovered, err := RecoverSigner(digest, sig)
	if err != nil {
		return err
	}
	if recovered != expected {
		return ErrInvalidSignature
	}
	return nil
}

// DecodeSignature parses a 0x-prefixed hex signature
func DecodeSignature(s string) ([]byte, error) {
	sig, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return sig, nil
}

// EncodeSignature formats a signature as 0x-prefixed hex
func EncodeSignature(sig []byte) string {
	return hexutil.Encode(sig)
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
