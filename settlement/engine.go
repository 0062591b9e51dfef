// Package settlement validates signed listings and bids and executes trades
// atomically against the asset, fungible and native registries.
package settlement

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kaifufi/asset-exchange-go/chain"
	"github.com/kaifufi/asset-exchange-go/fees"
	"github.com/kaifufi/asset-exchange-go/logging"
	"github.com/kaifufi/asset-exchange-go/nonce"
)

var log = logging.NewLog("settlement")

// DefaultLockWait bounds how long a call waits for a running settlement.
const DefaultLockWait = 30 * time.Second

// Config holds the engine settings.
type Config struct {
	// Domain signatures must be bound to. Its verifying contract is the
	// engine's own account: sellers approve it and payments route through it.
	Domain *chain.SigningDomain
	// WrappedNative is the token native denominated auctions settle in.
	WrappedNative common.Address
	// AllowDutchBuyNow lets DirectBuy take a Dutch listing at its current price.
	AllowDutchBuyNow bool
	// LockWait is how long a call waits for the settlement in progress before
	// failing with ErrEngineBusy. Zero means DefaultLockWait.
	LockWait time.Duration
}

// Dependencies are the collaborators the engine drives.
type Dependencies struct {
	Nonces   *nonce.Registry
	Fees     *fees.Resolver
	Assets   AssetRegistry
	Fungible FungibleRegistry
	Native   NativeBank
	Journal  Journal
	Receipts ReceiptLog
}

// DirectBuyRequest buys a DirectSale listing outright.
type DirectBuyRequest struct {
	Listing   *chain.Listing
	Signature []byte
	Buyer     common.Address
	// PaymentAmount is the sale price. Fees are computed on it.
	PaymentAmount *big.Int
	// Value is native currency sent with a native purchase.
	Value     *big.Int
	Affiliate common.Address
}

// FinalizeRequest settles an auction with one winning bid.
type FinalizeRequest struct {
	Listing          *chain.Listing
	Bid              *chain.Bid
	ListingSignature []byte
	BidSignature     []byte
	SellerNonce      uint64
	BidderNonce      uint64
	Affiliate        common.Address
}

// PreflightRequest describes a settlement to check without executing it. A
// nil Bid checks a direct purchase.
type PreflightRequest struct {
	Listing          *chain.Listing
	ListingSignature []byte
	Bid              *chain.Bid
	BidSignature     []byte
	Buyer            common.Address
	PaymentAmount    *big.Int
	Value            *big.Int
	Affiliate        common.Address
	// At evaluates the time window at a unix time instead of now.
	At int64
}

// PreflightResult is what the settlement would do.
type PreflightResult struct {
	Kind     string
	Currency string
	Price    *big.Int
	Split    *fees.Split
}

type nonceUse struct {
	signer common.Address
	nonce  uint64
}

// plan is a fully validated settlement awaiting execution.
type plan struct {
	kind    string
	listing *chain.Listing
	bid     *chain.Bid
	buyer   common.Address
	pay     payment
	split   *fees.Split
	consume []nonceUse
	now     int64
}

// Engine executes settlements one at a time.
type Engine struct {
	lock     chan struct{}
	lockWait time.Duration

	domain           *chain.SigningDomain
	address          common.Address
	wrappedNative    common.Address
	allowDutchBuyNow bool

	nonces   *nonce.Registry
	fees     *fees.Resolver
	assets   AssetRegistry
	fungible FungibleRegistry
	native   NativeBank
	journal  Journal
	receipts ReceiptLog
	emitter  Emitter
	nowFn    func() int64
}

// NewEngine validates cfg and deps and builds an Engine. Fungible, Native and
// Receipts are optional; settlements that need a missing registry fail with
// ErrEngineMisconfigured.
func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	if err := cfg.Domain.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineMisconfigured, err)
	}
	if cfg.Domain.VerifyingContract == (common.Address{}) {
		return nil, fmt.Errorf("%w: verifying contract is required", ErrEngineMisconfigured)
	}
	if deps.Nonces == nil || deps.Fees == nil || deps.Assets == nil || deps.Journal == nil {
		return nil, fmt.Errorf("%w: nonces, fees, assets and journal are required", ErrEngineMisconfigured)
	}
	lockWait := cfg.LockWait
	if lockWait <= 0 {
		lockWait = DefaultLockWait
	}
	return &Engine{
		lock:             make(chan struct{}, 1),
		lockWait:         lockWait,
		domain:           cfg.Domain,
		address:          cfg.Domain.VerifyingContract,
		wrappedNative:    cfg.WrappedNative,
		allowDutchBuyNow: cfg.AllowDutchBuyNow,
		nonces:           deps.Nonces,
		fees:             deps.Fees,
		assets:           deps.Assets,
		fungible:         deps.Fungible,
		native:           deps.Native,
		journal:          deps.Journal,
		receipts:         deps.Receipts,
		emitter:          NoopEmitter{},
		nowFn:            func() int64 { return time.Now().Unix() },
	}, nil
}

// SetNowFunc overrides the time source, primarily used in tests. It must not
// be called while settlements are running.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures where committed receipts are published.
func (e *Engine) SetEmitter(emitter Emitter) {
	e.lock <- struct{}{}
	defer e.release()
	if emitter == nil {
		e.emitter = NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) now() int64 {
	if e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// Address is the engine's account.
func (e *Engine) Address() common.Address {
	return e.address
}

// Domain returns the signing domain.
func (e *Engine) Domain() *chain.SigningDomain {
	return e.domain
}

// FetchNonce returns the signer's current nonce. It never blocks on a
// running settlement, so collaborators see nonces that settlement consumed.
func (e *Engine) FetchNonce(signer common.Address) uint64 {
	return e.nonces.Fetch(signer)
}

// CurrentPrice returns the listing's floor at the engine's clock.
func (e *Engine) CurrentPrice(l *chain.Listing) (*big.Int, error) {
	return CurrentPrice(l, e.now())
}

// Quote returns the split a payment of amount for l would produce. It checks
// nothing about the listing beyond its asset.
func (e *Engine) Quote(ctx context.Context, l *chain.Listing, amount *big.Int, affiliate common.Address) (*fees.Split, error) {
	if l == nil {
		return nil, malformed("missing listing")
	}
	return e.fees.ComputeSplit(ctx, amount, l.OriginAsset, l.TokenID, affiliate)
}

// Now returns the engine clock in unix seconds.
func (e *Engine) Now() int64 {
	return e.now()
}

// DirectBuy settles a direct sale.
func (e *Engine) DirectBuy(ctx context.Context, req DirectBuyRequest) (*Receipt, error) {
	if isSettling(ctx) {
		return nil, e.reject(KindDirectBuy, ErrReentrantCall)
	}
	if err := e.acquire(ctx); err != nil {
		return nil, e.reject(KindDirectBuy, err)
	}
	defer e.release()

	ctx = markSettling(ctx)
	p, err := e.prepareDirect(ctx, e.readers(), req, e.now())
	if err != nil {
		return nil, e.reject(KindDirectBuy, err)
	}
	receipt, err := e.execute(ctx, p)
	if err != nil {
		return nil, e.reject(KindDirectBuy, err)
	}
	return receipt, nil
}

// FinalizeAuction settles an English or Dutch auction with the given bid.
func (e *Engine) FinalizeAuction(ctx context.Context, req FinalizeRequest) (*Receipt, error) {
	if isSettling(ctx) {
		return nil, e.reject(KindAuction, ErrReentrantCall)
	}
	if err := e.acquire(ctx); err != nil {
		return nil, e.reject(KindAuction, err)
	}
	defer e.release()

	ctx = markSettling(ctx)
	p, err := e.prepareAuction(ctx, e.readers(), req, e.now())
	if err != nil {
		return nil, e.reject(KindAuction, err)
	}
	receipt, err := e.execute(ctx, p)
	if err != nil {
		return nil, e.reject(KindAuction, err)
	}
	return receipt, nil
}

// CancelNonce advances signer's nonce, invalidating everything they signed
// for the current value. Callers must have authenticated signer.
func (e *Engine) CancelNonce(ctx context.Context, signer common.Address) (uint64, error) {
	if isSettling(ctx) {
		return 0, e.reject("cancel", ErrReentrantCall)
	}
	if signer == (common.Address{}) {
		return 0, e.reject("cancel", fmt.Errorf("%w: zero signer", ErrInvalidCancelSignature))
	}
	if err := e.acquire(ctx); err != nil {
		return 0, e.reject("cancel", err)
	}
	defer e.release()

	next, err := e.nonces.Cancel(signer)
	if err != nil {
		return 0, e.reject("cancel", err)
	}
	nonceCancelsTotal.Inc()
	log.Info("nonce cancelled", "signer", signer.Hex(), "nonce", next)
	return next, nil
}

// CancelWithSignature advances the nonce of a cancel's signer. The cancel
// must carry the signer's current nonce.
func (e *Engine) CancelWithSignature(ctx context.Context, c *chain.Cancel, sig []byte) (uint64, error) {
	if isSettling(ctx) {
		return 0, e.reject("cancel", ErrReentrantCall)
	}
	if c == nil || c.Signer == (common.Address{}) {
		return 0, e.reject("cancel", fmt.Errorf("%w: missing signer", ErrInvalidCancelSignature))
	}
	if err := chain.VerifyCancel(e.domain, c, sig); err != nil {
		return 0, e.reject("cancel", fmt.Errorf("%w: %v", ErrInvalidCancelSignature, err))
	}
	if err := e.acquire(ctx); err != nil {
		return 0, e.reject("cancel", err)
	}
	defer e.release()

	if err := e.nonces.Consume(c.Signer, c.Nonce); err != nil {
		return 0, e.reject("cancel", err)
	}
	nonceCancelsTotal.Inc()
	log.Info("nonce cancelled by signature", "signer", c.Signer.Hex(), "nonce", c.Nonce+1)
	return c.Nonce + 1, nil
}

// Preflight runs every check of a settlement against the engine's registries
// without executing it.
func (e *Engine) Preflight(ctx context.Context, req PreflightRequest) (*PreflightResult, error) {
	return e.PreflightWith(ctx, e.readers(), req)
}

// PreflightWith runs the checks against other registry readers, such as a
// chain.RegistryReader.
func (e *Engine) PreflightWith(ctx context.Context, r Readers, req PreflightRequest) (*PreflightResult, error) {
	if isSettling(ctx) {
		return nil, ErrReentrantCall
	}
	if r.Assets == nil {
		return nil, fmt.Errorf("%w: no asset reader", ErrEngineMisconfigured)
	}
	if req.Listing == nil {
		return nil, malformed("missing listing")
	}
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()

	now := req.At
	if now == 0 {
		now = e.now()
	}

	var (
		p   *plan
		err error
	)
	if req.Bid != nil {
		p, err = e.prepareAuction(ctx, r, FinalizeRequest{
			Listing:          req.Listing,
			Bid:              req.Bid,
			ListingSignature: req.ListingSignature,
			BidSignature:     req.BidSignature,
			SellerNonce:      req.Listing.Nonce,
			BidderNonce:      req.Bid.Nonce,
			Affiliate:        req.Affiliate,
		}, now)
	} else {
		p, err = e.prepareDirect(ctx, r, DirectBuyRequest{
			Listing:       req.Listing,
			Signature:     req.ListingSignature,
			Buyer:         req.Buyer,
			PaymentAmount: req.PaymentAmount,
			Value:         req.Value,
			Affiliate:     req.Affiliate,
		}, now)
	}
	if err != nil {
		return nil, err
	}
	price, err := CurrentPrice(p.listing, now)
	if err != nil {
		return nil, err
	}
	return &PreflightResult{
		Kind:     p.kind,
		Currency: p.pay.label,
		Price:    price,
		Split:    p.split,
	}, nil
}

// acquire takes the engine lock. It gives up when ctx ends or the lock stays
// held past the configured wait.
func (e *Engine) acquire(ctx context.Context) error {
	select {
	case e.lock <- struct{}{}:
		return nil
	default:
	}
	timer := time.NewTimer(e.lockWait)
	defer timer.Stop()
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: settlement in progress for over %s", ErrEngineBusy, e.lockWait)
	}
}

func (e *Engine) release() {
	<-e.lock
}

func (e *Engine) readers() Readers {
	r := Readers{Assets: e.assets}
	if e.fungible != nil {
		r.Fungible = e.fungible
	}
	if e.native != nil {
		r.Native = e.native
	}
	return r
}

func (e *Engine) reject(kind string, err error) error {
	metricRejection(err)
	log.Debug("settlement rejected", "kind", kind, "category", Category(err), "err", err)
	return err
}

func (e *Engine) prepareDirect(ctx context.Context, r Readers, req DirectBuyRequest, now int64) (*plan, error) {
	l := req.Listing
	if l == nil {
		return nil, malformed("missing listing")
	}
	switch {
	case l.ListingType == chain.DirectSale:
	case l.ListingType == chain.DutchAuction && e.allowDutchBuyNow:
	default:
		return nil, fmt.Errorf("%w: %s cannot be bought directly", ErrWrongListingType, l.ListingType)
	}
	if err := ValidateListing(l); err != nil {
		return nil, err
	}
	if req.Buyer == (common.Address{}) {
		return nil, fmt.Errorf("%w: missing buyer", ErrMalformedBid)
	}
	if req.PaymentAmount == nil || req.PaymentAmount.Sign() < 0 {
		return nil, fmt.Errorf("%w: invalid payment amount", ErrPriceOutOfRange)
	}
	if err := chain.VerifyListing(e.domain, l, req.Signature); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidListingSignature, err)
	}
	if err := e.checkNonce(l.Seller, l.Nonce); err != nil {
		return nil, err
	}
	if err := checkWindow(l, now); err != nil {
		return nil, err
	}
	if l.ListingType == chain.DutchAuction {
		floor, err := CurrentPrice(l, now)
		if err != nil {
			return nil, err
		}
		if req.PaymentAmount.Cmp(floor) < 0 {
			return nil, fmt.Errorf("%w: %s below current price %s", ErrPriceOutOfRange, req.PaymentAmount, floor)
		}
	} else if err := checkDirectPrice(l, req.PaymentAmount); err != nil {
		return nil, err
	}

	split, err := e.fees.ComputeSplit(ctx, req.PaymentAmount, l.OriginAsset, l.TokenID, req.Affiliate)
	if err != nil {
		return nil, err
	}
	pay := directPayment(l, req.Buyer, req.Value)
	if err := e.checkItem(ctx, r, l); err != nil {
		return nil, err
	}
	if err := e.checkFunds(ctx, r, pay, split.Gross); err != nil {
		return nil, err
	}
	return &plan{
		kind:    KindDirectBuy,
		listing: l,
		buyer:   req.Buyer,
		pay:     pay,
		split:   split,
		consume: []nonceUse{{signer: l.Seller, nonce: l.Nonce}},
		now:     now,
	}, nil
}

func (e *Engine) prepareAuction(ctx context.Context, r Readers, req FinalizeRequest, now int64) (*plan, error) {
	l, b := req.Listing, req.Bid
	if l == nil {
		return nil, malformed("missing listing")
	}
	if b == nil {
		return nil, fmt.Errorf("%w: missing bid", ErrMalformedBid)
	}
	if !l.ListingType.IsAuction() {
		return nil, fmt.Errorf("%w: %s is not an auction", ErrWrongListingType, l.ListingType)
	}
	if !l.SameAsset(b) {
		return nil, ErrAssetMismatch
	}
	if !l.SameCurrency(b) {
		return nil, ErrCurrencyMismatch
	}
	if err := ValidateListing(l); err != nil {
		return nil, err
	}
	if err := ValidateBid(b); err != nil {
		return nil, err
	}
	if b.Bidder == l.Seller {
		return nil, fmt.Errorf("%w: seller cannot bid on own listing", ErrMalformedBid)
	}
	if req.SellerNonce != l.Nonce {
		return nil, fmt.Errorf("%w: seller nonce %d differs from signed %d", ErrNonceMismatch, req.SellerNonce, l.Nonce)
	}
	if req.BidderNonce != b.Nonce {
		return nil, fmt.Errorf("%w: bidder nonce %d differs from signed %d", ErrNonceMismatch, req.BidderNonce, b.Nonce)
	}
	if err := chain.VerifyListing(e.domain, l, req.ListingSignature); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidListingSignature, err)
	}
	if err := chain.VerifyBid(e.domain, b, req.BidSignature); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBidSignature, err)
	}
	if err := e.checkNonce(l.Seller, l.Nonce); err != nil {
		return nil, err
	}
	if err := e.checkNonce(b.Bidder, b.Nonce); err != nil {
		return nil, err
	}
	if err := checkWindow(l, now); err != nil {
		return nil, err
	}
	if err := checkBidPrice(l, b.BidAmount, now); err != nil {
		return nil, err
	}

	pay, err := e.auctionPayment(l, b.Bidder)
	if err != nil {
		return nil, err
	}
	split, err := e.fees.ComputeSplit(ctx, b.BidAmount, l.OriginAsset, l.TokenID, req.Affiliate)
	if err != nil {
		return nil, err
	}
	if err := e.checkItem(ctx, r, l); err != nil {
		return nil, err
	}
	if err := e.checkFunds(ctx, r, pay, split.Gross); err != nil {
		return nil, err
	}
	return &plan{
		kind:    KindAuction,
		listing: l,
		bid:     b,
		buyer:   b.Bidder,
		pay:     pay,
		split:   split,
		consume: []nonceUse{
			{signer: l.Seller, nonce: l.Nonce},
			{signer: b.Bidder, nonce: b.Nonce},
		},
		now: now,
	}, nil
}

func (e *Engine) checkNonce(signer common.Address, signed uint64) error {
	if current := e.nonces.Fetch(signer); current != signed {
		return fmt.Errorf("%w: signer %s signed %d, current %d", ErrNonceMismatch, signer.Hex(), signed, current)
	}
	return nil
}

// checkItem requires the seller to still own the item and the engine to be
// approved for it.
func (e *Engine) checkItem(ctx context.Context, r Readers, l *chain.Listing) error {
	owner, err := r.Assets.OwnerOf(ctx, l.OriginAsset, l.TokenID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotOwner, err)
	}
	if owner != l.Seller {
		return fmt.Errorf("%w: item %s/%s held by %s", ErrNotOwner, l.OriginAsset.Hex(), l.TokenID, owner.Hex())
	}
	approved, err := r.Assets.GetApproved(ctx, l.OriginAsset, l.TokenID)
	if err != nil {
		return fmt.Errorf("approval lookup: %w", err)
	}
	if approved == e.address {
		return nil
	}
	all, err := r.Assets.IsApprovedForAll(ctx, l.OriginAsset, l.Seller, e.address)
	if err != nil {
		return fmt.Errorf("approval lookup: %w", err)
	}
	if !all {
		return ErrNotApproved
	}
	return nil
}

// execute applies a plan. Nonces are consumed before any registry call and
// every write is reverted if a later step fails.
func (e *Engine) execute(ctx context.Context, p *plan) (*Receipt, error) {
	l := p.listing
	snap := e.journal.Snapshot()
	batch := e.nonces.Begin()
	revert := func(err error) error {
		e.journal.RevertToSnapshot(snap)
		batch.Rollback()
		log.Warn("settlement reverted", "kind", p.kind, "collection", l.OriginAsset.Hex(), "tokenId", l.TokenID, "err", err)
		return err
	}

	for _, use := range p.consume {
		if err := batch.Consume(use.signer, use.nonce); err != nil {
			return nil, revert(err)
		}
	}
	refund, err := e.moveFunds(ctx, p.pay, l.Seller, p.split)
	if err != nil {
		return nil, revert(err)
	}
	if err := e.assets.TransferAsset(ctx, e.address, l.OriginAsset, l.Seller, p.buyer, l.TokenID); err != nil {
		return nil, revert(fmt.Errorf("%w: item: %w", ErrTransferFailed, err))
	}
	if err := batch.Commit(); err != nil {
		e.journal.RevertToSnapshot(snap)
		log.Error("nonce commit failed", "kind", p.kind, "err", err)
		return nil, err
	}
	e.journal.DiscardSnapshot(snap)

	receipt := newReceipt(p.kind, l, p.buyer, p.pay, p.split, refund, p.now)
	if p.bid != nil {
		n := p.bid.Nonce
		receipt.BidderNonce = &n
	}
	if e.receipts != nil {
		if err := e.receipts.AppendReceipt(receipt); err != nil {
			log.Error("failed to append receipt", "id", receipt.ID, "err", err)
		}
	}
	metricSettlement(receipt)
	e.emitter.Emit(receipt)
	log.Info("settled", "id", receipt.ID, "kind", p.kind, "listingType", l.ListingType, "collection", l.OriginAsset.Hex(),
		"tokenId", l.TokenID, "seller", l.Seller.Hex(), "buyer", p.buyer.Hex(), "currency", p.pay.label, "amount", p.split.Amount)
	return receipt, nil
}
