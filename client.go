package assetexchange

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kaifufi/asset-exchange-go/chain"
	"github.com/kaifufi/asset-exchange-go/settlement"
)

// NativeDecimals is the precision of the chain's native currency
const NativeDecimals = 18

// Client is the main SDK client. It signs listings, bids and cancellations
// with one key and relays them to an exchange node.
type Client struct {
	apiClient *APIClient
	registry  *chain.RegistryReader
	signer    *chain.Signer
	chainID   ChainID
	exchange  common.Address
}

// ClientConfig holds configuration for creating a Client
type ClientConfig struct {
	Host         string
	Token        string
	ChainID      ChainID
	RPCURL       string // optional, needed for fungible currencies and approval checks
	PrivateKey   string
	ExchangeAddr string
}

// ListingInput describes a listing in display units
type ListingInput struct {
	OriginAsset  common.Address
	TokenID      *big.Int
	Type         chain.ListingType
	SoftCap      string
	HardCap      string
	PaymentAsset common.Address // zero for the native currency
	StartTime    uint64         // zero means now
	EndTime      uint64
}

// BidInput describes a bid in display units
type BidInput struct {
	OriginAsset  common.Address
	TokenID      *big.Int
	Amount       string
	PaymentAsset common.Address
}

// NewClient creates a new exchange SDK client
func NewClient(config ClientConfig) (*Client, error) {
	isSupported := false
	for _, supportedID := range SupportedChainIDs {
		if config.ChainID == supportedID {
			isSupported = true
			break
		}
	}
	if !isSupported {
		return nil, &InvalidParamError{
			Message: fmt.Sprintf("chain_id must be one of %v", SupportedChainIDs),
		}
	}

	if config.ExchangeAddr == "" {
		config.ExchangeAddr = DefaultContractAddresses[config.ChainID].Exchange
	}
	exchange, err := ParseAddress("exchange", config.ExchangeAddr)
	if err != nil {
		return nil, err
	}

	domain := chain.NewSigningDomain(big.NewInt(int64(config.ChainID)), exchange)
	signer, err := chain.NewSignerFromHex(domain, config.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	c := &Client{
		apiClient: NewAPIClient(config.Host, config.Token),
		signer:    signer,
		chainID:   config.ChainID,
		exchange:  exchange,
	}

	if config.RPCURL != "" {
		c.registry, err = chain.DialRegistryReader(config.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create registry reader: %w", err)
		}
	}
	return c, nil
}

// Close closes the client and cleans up resources
func (c *Client) Close() {
	if c.registry != nil {
		c.registry.Close()
	}
}

// Address returns the signing account
func (c *Client) Address() common.Address {
	return c.signer.Address()
}

// API returns the underlying HTTP client
func (c *Client) API() *APIClient {
	return c.apiClient
}

// CreateListing signs a listing at the account's current nonce
func (c *Client) CreateListing(ctx context.Context, in ListingInput) (*SignedListing, error) {
	if !in.Type.Valid() {
		return nil, &InvalidParamError{Message: fmt.Sprintf("unknown listing type: %d", in.Type)}
	}
	if in.TokenID == nil {
		return nil, &InvalidParamError{Message: "tokenId is required"}
	}
	decimals, err := c.currencyDecimals(ctx, in.PaymentAsset)
	if err != nil {
		return nil, err
	}
	soft, err := AmountToWei(in.SoftCap, decimals)
	if err != nil {
		return nil, &InvalidParamError{Message: fmt.Sprintf("invalid softCap: %v", err)}
	}
	hard, err := AmountToWei(in.HardCap, decimals)
	if err != nil {
		return nil, &InvalidParamError{Message: fmt.Sprintf("invalid hardCap: %v", err)}
	}
	nonce, err := c.apiClient.GetNonce(ctx, c.Address())
	if err != nil {
		return nil, err
	}

	start := in.StartTime
	if start == 0 {
		start = uint64(time.Now().Unix())
	}
	l := &chain.Listing{
		OriginAsset:       in.OriginAsset,
		TokenID:           in.TokenID,
		Seller:            c.Address(),
		StartTime:         start,
		EndTime:           in.EndTime,
		SoftCap:           soft,
		HardCap:           hard,
		IsFungiblePayment: in.PaymentAsset != (common.Address{}),
		PaymentAsset:      in.PaymentAsset,
		ListingType:       in.Type,
		Nonce:             nonce.Nonce,
	}
	if err := settlement.ValidateListing(l); err != nil {
		return nil, &InvalidParamError{Message: err.Error()}
	}
	sig, err := c.signer.SignListing(l)
	if err != nil {
		return nil, err
	}
	return &SignedListing{Listing: NewListingData(l), Signature: chain.EncodeSignature(sig)}, nil
}

// CreateBid signs a bid at the account's current nonce
func (c *Client) CreateBid(ctx context.Context, in BidInput) (*SignedBid, error) {
	if in.TokenID == nil {
		return nil, &InvalidParamError{Message: "tokenId is required"}
	}
	decimals, err := c.currencyDecimals(ctx, in.PaymentAsset)
	if err != nil {
		return nil, err
	}
	amount, err := AmountToWei(in.Amount, decimals)
	if err != nil {
		return nil, &InvalidParamError{Message: fmt.Sprintf("invalid amount: %v", err)}
	}
	nonce, err := c.apiClient.GetNonce(ctx, c.Address())
	if err != nil {
		return nil, err
	}

	b := &chain.Bid{
		OriginAsset:       in.OriginAsset,
		TokenID:           in.TokenID,
		Bidder:            c.Address(),
		BidAmount:         amount,
		IsFungiblePayment: in.PaymentAsset != (common.Address{}),
		PaymentAsset:      in.PaymentAsset,
		Nonce:             nonce.Nonce,
	}
	sig, err := c.signer.SignBid(b)
	if err != nil {
		return nil, err
	}
	return &SignedBid{Bid: NewBidData(b), Signature: chain.EncodeSignature(sig)}, nil
}

// Buy purchases a listing for the account. value is the native amount sent
// and is ignored for fungible listings; nil sends exactly what the node
// quotes.
func (c *Client) Buy(ctx context.Context, listing SignedListing, value *big.Int, affiliate common.Address) (*settlement.Receipt, error) {
	in := DirectBuyInput{
		Listing: listing,
		Buyer:   c.Address().Hex(),
	}
	if affiliate != (common.Address{}) {
		in.Affiliate = affiliate.Hex()
	}
	price, err := c.apiClient.CurrentPrice(ctx, listing.Listing, 0, in.Affiliate)
	if err != nil {
		return nil, err
	}
	in.PaymentAmount = price.Price
	if !listing.Listing.IsFungiblePayment {
		in.Value = price.Gross
		if value != nil {
			in.Value = value.String()
		}
	}
	return c.apiClient.DirectBuy(ctx, in)
}

// Finalize settles an auction between a signed listing and a signed bid
func (c *Client) Finalize(ctx context.Context, listing SignedListing, bid SignedBid, affiliate common.Address) (*settlement.Receipt, error) {
	in := FinalizeInput{
		Listing:     listing,
		Bid:         bid,
		SellerNonce: listing.Listing.Nonce,
		BidderNonce: bid.Bid.Nonce,
	}
	if affiliate != (common.Address{}) {
		in.Affiliate = affiliate.Hex()
	}
	return c.apiClient.FinalizeAuction(ctx, in)
}

// CancelOrders invalidates every listing and bid signed at the account's
// current nonce.
func (c *Client) CancelOrders(ctx context.Context) (*NonceResponse, error) {
	nonce, err := c.apiClient.GetNonce(ctx, c.Address())
	if err != nil {
		return nil, err
	}
	cancel, sig, err := c.signer.SignCancel(nonce.Nonce)
	if err != nil {
		return nil, err
	}
	return c.apiClient.CancelNonce(ctx, SignedCancel{
		Signer:    cancel.Signer.Hex(),
		Nonce:     cancel.Nonce,
		Signature: chain.EncodeSignature(sig),
	})
}

// CollectionApprovalCalldata returns setApprovalForAll(exchange, true)
// calldata for a collection.
func (c *Client) CollectionApprovalCalldata() ([]byte, error) {
	return chain.SetApprovalForAllCalldata(c.exchange, true)
}

// CurrencyApprovalCalldata returns approve(exchange, amount) calldata. A nil
// amount approves the maximum.
func (c *Client) CurrencyApprovalCalldata(amount *big.Int) ([]byte, error) {
	if amount == nil {
		amount = chain.MaxUint256()
	}
	return chain.ApproveCalldata(c.exchange, amount)
}

// IsCollectionApproved reports whether the exchange may move the account's
// tokens in collection.
func (c *Client) IsCollectionApproved(ctx context.Context, collection common.Address) (bool, error) {
	if c.registry == nil {
		return false, &InvalidParamError{Message: "rpc url is required to read approvals"}
	}
	return c.registry.IsApprovedForAll(ctx, collection, c.Address(), c.exchange)
}

// CurrencyAllowance returns how much of token the exchange may spend
func (c *Client) CurrencyAllowance(ctx context.Context, token common.Address) (*big.Int, error) {
	if c.registry == nil {
		return nil, &InvalidParamError{Message: "rpc url is required to read allowances"}
	}
	return c.registry.TokenAllowance(ctx, token, c.Address(), c.exchange)
}

// GetNonce fetches the account's current nonce
func (c *Client) GetNonce(ctx context.Context) (uint64, error) {
	n, err := c.apiClient.GetNonce(ctx, c.Address())
	if err != nil {
		return 0, err
	}
	return n.Nonce, nil
}

// LatestReceipts fetches recent settlements
func (c *Client) LatestReceipts(ctx context.Context, limit int) ([]*settlement.Receipt, error) {
	res, err := c.apiClient.LatestReceipts(ctx, limit)
	if err != nil {
		return nil, err
	}
	return res.Receipts, nil
}

func (c *Client) currencyDecimals(ctx context.Context, token common.Address) (int32, error) {
	if token == (common.Address{}) {
		return NativeDecimals, nil
	}
	if c.registry == nil {
		return 0, &InvalidParamError{Message: "rpc url is required for fungible payment assets"}
	}
	d, err := c.registry.TokenDecimals(ctx, token)
	if err != nil {
		return 0, fmt.Errorf("failed to read decimals of %s: %w", token.Hex(), err)
	}
	return int32(d), nil
}
