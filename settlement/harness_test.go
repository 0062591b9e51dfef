package settlement

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/kaifufi/asset-exchange-go/chain"
	"github.com/kaifufi/asset-exchange-go/fees"
	"github.com/kaifufi/asset-exchange-go/ledger"
	"github.com/kaifufi/asset-exchange-go/nonce"
)

const start = int64(1_700_000_000)

var (
	exchangeAddr   = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	collectionAddr = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	tokenAddr      = common.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0")
	wethAddr       = common.HexToAddress("0xCf7Ed3AccA5a467e9e704C703E8D87F634fB0Fc9")
	collectorAddr  = common.HexToAddress("0x000000000000000000000000000000000000fee5")
	itemID         = big.NewInt(1)
)

func ether(tenths int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(tenths), big.NewInt(1e17))
}

type memReceipts struct {
	mu   sync.Mutex
	list []*Receipt
}

func (m *memReceipts) AppendReceipt(r *Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.list = append(m.list, r)
	return nil
}

func (m *memReceipts) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.list)
}

type recordingEmitter struct {
	mu       sync.Mutex
	receipts []*Receipt
}

func (r *recordingEmitter) Emit(rec *Receipt) {
	r.mu.Lock()
	r.receipts = append(r.receipts, rec)
	r.mu.Unlock()
}

// hookedAssets runs a hook before every item transfer.
type hookedAssets struct {
	*ledger.Ledger
	onTransfer func(ctx context.Context) error
}

func (h *hookedAssets) TransferAsset(ctx context.Context, operator, collection, from, to common.Address, tokenID *big.Int) error {
	if h.onTransfer != nil {
		if err := h.onTransfer(ctx); err != nil {
			return err
		}
	}
	return h.Ledger.TransferAsset(ctx, operator, collection, from, to, tokenID)
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	domain   *chain.SigningDomain
	ledger   *ledger.Ledger
	assets   *hookedAssets
	nonces   *nonce.Registry
	engine   *Engine
	receipts *memReceipts
	emitter  *recordingEmitter
	seller   *chain.Signer
	bidder   *chain.Signer
	rival    *chain.Signer
	now      int64
}

func newSigner(t *testing.T, domain *chain.SigningDomain) *chain.Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := chain.NewSigner(domain, key)
	require.NoError(t, err)
	return s
}

func newHarness(t *testing.T, mutate ...func(*Config, *Dependencies)) *harness {
	t.Helper()
	domain := chain.NewSigningDomain(big.NewInt(1337), exchangeAddr)
	l := ledger.New()
	assets := &hookedAssets{Ledger: l}

	nonces, err := nonce.NewRegistry(nil)
	require.NoError(t, err)
	resolver, err := fees.NewResolver(fees.Config{
		ExchangeFeeBps:    500,
		MaxExchangeFeeBps: 1_000,
		MaxRoyaltyBps:     1_000,
		FeeCollector:      collectorAddr,
	}, nil, nil)
	require.NoError(t, err)

	receipts := &memReceipts{}
	cfg := Config{Domain: domain, WrappedNative: wethAddr}
	deps := Dependencies{
		Nonces:   nonces,
		Fees:     resolver,
		Assets:   assets,
		Fungible: l,
		Native:   l,
		Journal:  l,
		Receipts: receipts,
	}
	for _, m := range mutate {
		m(&cfg, &deps)
	}
	engine, err := NewEngine(cfg, deps)
	require.NoError(t, err)

	h := &harness{
		t:        t,
		ctx:      context.Background(),
		domain:   domain,
		ledger:   l,
		assets:   assets,
		nonces:   nonces,
		engine:   engine,
		receipts: receipts,
		emitter:  &recordingEmitter{},
		seller:   newSigner(t, domain),
		bidder:   newSigner(t, domain),
		rival:    newSigner(t, domain),
		now:      start,
	}
	engine.SetNowFunc(func() int64 { return h.now })
	engine.SetEmitter(h.emitter)

	require.NoError(t, l.Mint721(collectionAddr, itemID, h.seller.Address()))
	require.NoError(t, l.SetApprovalForAll(collectionAddr, h.seller.Address(), exchangeAddr, true))
	return h
}

func (h *harness) directListing(price int64) *chain.Listing {
	return &chain.Listing{
		OriginAsset: collectionAddr,
		TokenID:     new(big.Int).Set(itemID),
		Seller:      h.seller.Address(),
		StartTime:   uint64(start),
		SoftCap:     big.NewInt(price),
		HardCap:     big.NewInt(price),
		ListingType: chain.DirectSale,
		Nonce:       h.nonces.Fetch(h.seller.Address()),
	}
}

func (h *harness) englishListing() *chain.Listing {
	return &chain.Listing{
		OriginAsset:       collectionAddr,
		TokenID:           new(big.Int).Set(itemID),
		Seller:            h.seller.Address(),
		StartTime:         uint64(start),
		EndTime:           uint64(start + 86_400),
		SoftCap:           ether(10),
		HardCap:           ether(20),
		IsFungiblePayment: true,
		PaymentAsset:      tokenAddr,
		ListingType:       chain.EnglishAuction,
		Nonce:             h.nonces.Fetch(h.seller.Address()),
	}
}

func (h *harness) dutchListing() *chain.Listing {
	l := h.englishListing()
	l.ListingType = chain.DutchAuction
	l.EndTime = uint64(start + 3_600)
	return l
}

func (h *harness) bid(s *chain.Signer, l *chain.Listing, amount *big.Int) *chain.Bid {
	return &chain.Bid{
		OriginAsset:       l.OriginAsset,
		TokenID:           new(big.Int).Set(l.TokenID),
		Bidder:            s.Address(),
		BidAmount:         amount,
		IsFungiblePayment: l.IsFungiblePayment,
		PaymentAsset:      l.PaymentAsset,
		Nonce:             h.nonces.Fetch(s.Address()),
	}
}

func (h *harness) signListing(l *chain.Listing) []byte {
	sig, err := h.seller.SignListing(l)
	require.NoError(h.t, err)
	return sig
}

func (h *harness) signBid(s *chain.Signer, b *chain.Bid) []byte {
	sig, err := s.SignBid(b)
	require.NoError(h.t, err)
	return sig
}

func (h *harness) finalizeRequest(l *chain.Listing, s *chain.Signer, b *chain.Bid) FinalizeRequest {
	return FinalizeRequest{
		Listing:          l,
		Bid:              b,
		ListingSignature: h.signListing(l),
		BidSignature:     h.signBid(s, b),
		SellerNonce:      l.Nonce,
		BidderNonce:      b.Nonce,
	}
}

// fund mints token to addr and approves the engine for allowance.
func (h *harness) fund(token, addr common.Address, balance, allowance *big.Int) {
	require.NoError(h.t, h.ledger.MintFungible(token, addr, balance))
	require.NoError(h.t, h.ledger.ApproveToken(token, addr, exchangeAddr, allowance))
}

func (h *harness) tokenBalance(token, addr common.Address) string {
	bal, err := h.ledger.TokenBalance(h.ctx, token, addr)
	require.NoError(h.t, err)
	return bal.String()
}

func (h *harness) nativeBalance(addr common.Address) string {
	bal, err := h.ledger.NativeBalance(h.ctx, addr)
	require.NoError(h.t, err)
	return bal.String()
}

func (h *harness) owner() common.Address {
	owner, err := h.ledger.OwnerOf(h.ctx, collectionAddr, itemID)
	require.NoError(h.t, err)
	return owner
}
