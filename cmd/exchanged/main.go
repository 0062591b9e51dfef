package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/urfave/cli/v2"

	assetexchange "github.com/kaifufi/asset-exchange-go"
	"github.com/kaifufi/asset-exchange-go/chain"
	"github.com/kaifufi/asset-exchange-go/fees"
	"github.com/kaifufi/asset-exchange-go/ledger"
	"github.com/kaifufi/asset-exchange-go/logging"
	"github.com/kaifufi/asset-exchange-go/nonce"
	"github.com/kaifufi/asset-exchange-go/server"
	"github.com/kaifufi/asset-exchange-go/settlement"
	"github.com/kaifufi/asset-exchange-go/storage"
)

var log = logging.NewLog("exchanged")

func main() {
	app := &cli.App{
		Name:  "exchanged",
		Usage: "peer to peer asset exchange settlement node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "./exchange.toml", Usage: "config file path", EnvVars: []string{"EXCHANGE_CONFIG"}},
			&cli.StringFlag{Name: "data_dir", Usage: "bolt db dir path, overrides config", EnvVars: []string{"DATA_DIR"}},
			&cli.StringFlag{Name: "rpc", Usage: "rpc url, overrides config", EnvVars: []string{"RPC_URL"}},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the settlement node",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "port", Usage: "listen address, overrides config", EnvVars: []string{"PORT"}},
				},
				Action: serve,
			},
			{
				Name:  "token",
				Usage: "issue an operator token",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "subject", Value: "operator"},
					&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour},
				},
				Action: issueToken,
			},
			{
				Name:  "sign-listing",
				Usage: "sign a listing and print it as json",
				Flags: append(keyFlags(),
					&cli.StringFlag{Name: "collection", Required: true},
					&cli.StringFlag{Name: "token_id", Required: true},
					&cli.StringFlag{Name: "type", Value: "direct_sale", Usage: "direct_sale, english_auction or dutch_auction"},
					&cli.StringFlag{Name: "soft_cap", Required: true, Usage: "base units"},
					&cli.StringFlag{Name: "hard_cap", Required: true, Usage: "base units"},
					&cli.StringFlag{Name: "payment_asset", Usage: "erc20 address, empty for native"},
					&cli.Uint64Flag{Name: "start"},
					&cli.Uint64Flag{Name: "end"},
					&cli.Uint64Flag{Name: "nonce"},
				),
				Action: signListing,
			},
			{
				Name:  "sign-bid",
				Usage: "sign a bid and print it as json",
				Flags: append(keyFlags(),
					&cli.StringFlag{Name: "collection", Required: true},
					&cli.StringFlag{Name: "token_id", Required: true},
					&cli.StringFlag{Name: "amount", Required: true, Usage: "base units"},
					&cli.StringFlag{Name: "payment_asset", Usage: "erc20 address, empty for native"},
					&cli.Uint64Flag{Name: "nonce"},
				),
				Action: signBid,
			},
			{
				Name:   "sign-cancel",
				Usage:  "sign a nonce cancellation and print it as json",
				Flags:  append(keyFlags(), &cli.Uint64Flag{Name: "nonce"}),
				Action: signCancel,
			},
			{
				Name:      "nonce",
				Usage:     "print the stored nonce of an address",
				ArgsUsage: "<address>",
				Action:    printNonce,
			},
			{
				Name:  "preflight",
				Usage: "check a direct-buy or finalize body against chain state",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Required: true, Usage: "json body of a direct-buy or finalize request"},
					&cli.Int64Flag{Name: "at", Usage: "unix time to evaluate at"},
				},
				Action: preflight,
			},
			{
				Name:  "calldata",
				Usage: "print approval calldata naming the exchange as operator or spender",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "amount", Usage: "erc20 approve amount in base units, empty for setApprovalForAll"},
				},
				Action: calldata,
			},
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		log.Crit("exchanged failed", "err", err)
		os.Exit(1)
	}
}

func keyFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "key", Required: true, Usage: "hex private key", EnvVars: []string{"SIGNER_KEY"}},
	}
}

func loadConfig(c *cli.Context) (*assetexchange.Config, error) {
	cfg, err := assetexchange.LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	if dir := c.String("data_dir"); dir != "" {
		cfg.DataDir = dir
	}
	if rpc := c.String("rpc"); rpc != "" {
		cfg.RPCURL = rpc
	}
	return cfg, nil
}

type node struct {
	db     *storage.BoltDB
	ledger *ledger.Ledger
	engine *settlement.Engine
}

func openNode(cfg *assetexchange.Config) (*node, error) {
	db, err := storage.NewBoltDB(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	nonces, err := nonce.NewRegistry(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	royalties, err := cfg.RoyaltyManager()
	if err != nil {
		db.Close()
		return nil, err
	}
	affiliates, err := cfg.AffiliateTable()
	if err != nil {
		db.Close()
		return nil, err
	}
	resolver, err := fees.NewResolver(cfg.Fees, royalties, affiliates)
	if err != nil {
		db.Close()
		return nil, err
	}

	l, err := ledger.Open(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if l.Empty() && !cfg.Genesis.IsZero() {
		if err := cfg.Genesis.Apply(l); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply genesis: %w", err)
		}
		log.Info("genesis applied", "items", len(cfg.Genesis.Items), "native", len(cfg.Genesis.Native), "tokens", len(cfg.Genesis.Tokens))
	}
	engine, err := settlement.NewEngine(settlement.Config{
		Domain:           cfg.SigningDomain(),
		WrappedNative:    cfg.WrappedNative,
		AllowDutchBuyNow: cfg.AllowDutchBuyNow,
	}, settlement.Dependencies{
		Nonces:   nonces,
		Fees:     resolver,
		Assets:   l,
		Fungible: l,
		Native:   l,
		Journal:  l,
		Receipts: db,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &node{db: db, ledger: l, engine: engine}, nil
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if port := c.String("port"); port != "" {
		cfg.ListenAddress = port
	}
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	if err := logging.InitSentry(cfg.SentryDSN, cfg.Environment); err != nil {
		return fmt.Errorf("init sentry: %w", err)
	}

	n, err := openNode(cfg)
	if err != nil {
		return err
	}
	defer n.db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("exchange node starting",
		"chainID", cfg.ChainID,
		"exchange", cfg.ExchangeAddress.Hex(),
		"feeBps", cfg.Fees.ExchangeFeeBps,
		"feeMode", cfg.Fees.Mode.String(),
		"dataDir", cfg.DataDir,
	)
	return server.New(n.engine, n.db, []byte(cfg.JWTSecret)).ListenAndServe(ctx, cfg.ListenAddress)
}

func issueToken(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	token, err := server.IssueOperatorToken([]byte(cfg.JWTSecret), c.String("subject"), c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func signer(c *cli.Context) (*chain.Signer, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	return chain.NewSignerFromHex(cfg.SigningDomain(), c.String("key"))
}

func parseListingType(s string) (chain.ListingType, error) {
	for _, t := range []chain.ListingType{chain.DirectSale, chain.EnglishAuction, chain.DutchAuction} {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return 0, &assetexchange.InvalidParamError{Message: "unknown listing type: " + s}
}

func signListing(c *cli.Context) error {
	s, err := signer(c)
	if err != nil {
		return err
	}
	t, err := parseListingType(c.String("type"))
	if err != nil {
		return err
	}
	data := assetexchange.ListingData{
		OriginAsset:       c.String("collection"),
		TokenID:           c.String("token_id"),
		Seller:            s.Address().Hex(),
		StartTime:         c.Uint64("start"),
		EndTime:           c.Uint64("end"),
		SoftCap:           c.String("soft_cap"),
		HardCap:           c.String("hard_cap"),
		IsFungiblePayment: c.String("payment_asset") != "",
		PaymentAsset:      c.String("payment_asset"),
		ListingType:       uint8(t),
		Nonce:             c.Uint64("nonce"),
	}
	if data.StartTime == 0 {
		data.StartTime = uint64(time.Now().Unix())
	}
	l, err := data.ToListing()
	if err != nil {
		return err
	}
	if err := settlement.ValidateListing(l); err != nil {
		return err
	}
	sig, err := s.SignListing(l)
	if err != nil {
		return err
	}
	return printJSON(assetexchange.SignedListing{Listing: assetexchange.NewListingData(l), Signature: chain.EncodeSignature(sig)})
}

func signBid(c *cli.Context) error {
	s, err := signer(c)
	if err != nil {
		return err
	}
	data := assetexchange.BidData{
		OriginAsset:       c.String("collection"),
		TokenID:           c.String("token_id"),
		Bidder:            s.Address().Hex(),
		BidAmount:         c.String("amount"),
		IsFungiblePayment: c.String("payment_asset") != "",
		PaymentAsset:      c.String("payment_asset"),
		Nonce:             c.Uint64("nonce"),
	}
	b, err := data.ToBid()
	if err != nil {
		return err
	}
	if err := settlement.ValidateBid(b); err != nil {
		return err
	}
	sig, err := s.SignBid(b)
	if err != nil {
		return err
	}
	return printJSON(assetexchange.SignedBid{Bid: assetexchange.NewBidData(b), Signature: chain.EncodeSignature(sig)})
}

func signCancel(c *cli.Context) error {
	s, err := signer(c)
	if err != nil {
		return err
	}
	cancel, sig, err := s.SignCancel(c.Uint64("nonce"))
	if err != nil {
		return err
	}
	return printJSON(assetexchange.SignedCancel{
		Signer:    cancel.Signer.Hex(),
		Nonce:     cancel.Nonce,
		Signature: chain.EncodeSignature(sig),
	})
}

func printNonce(c *cli.Context) error {
	addr, err := assetexchange.ParseAddress("address", c.Args().First())
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	db, err := storage.NewBoltDB(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()
	nonces, err := nonce.NewRegistry(db)
	if err != nil {
		return err
	}
	return printJSON(assetexchange.NonceResponse{Address: addr.Hex(), Nonce: nonces.Fetch(addr)})
}

// preflightBody accepts either request shape; a body with a bid is a finalize.
type preflightBody struct {
	assetexchange.DirectBuyInput
	Bid *assetexchange.SignedBid `json:"bid,omitempty"`
}

func preflight(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.RPCURL == "" {
		return &assetexchange.InvalidParamError{Message: "preflight needs an rpc url"}
	}
	raw, err := os.ReadFile(c.String("file"))
	if err != nil {
		return err
	}
	var body preflightBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return &assetexchange.InvalidParamError{Message: "invalid request body: " + err.Error()}
	}

	var req settlement.PreflightRequest
	if body.Bid != nil {
		fin, err := assetexchange.FinalizeInput{
			Listing:   body.Listing,
			Bid:       *body.Bid,
			Affiliate: body.Affiliate,
		}.ToRequest()
		if err != nil {
			return err
		}
		req = settlement.PreflightRequest{
			Listing:          fin.Listing,
			ListingSignature: fin.ListingSignature,
			Bid:              fin.Bid,
			BidSignature:     fin.BidSignature,
			Affiliate:        fin.Affiliate,
		}
	} else {
		buy, err := body.DirectBuyInput.ToRequest()
		if err != nil {
			return err
		}
		req = settlement.PreflightRequest{
			Listing:          buy.Listing,
			ListingSignature: buy.Signature,
			Buyer:            buy.Buyer,
			PaymentAmount:    buy.PaymentAmount,
			Value:            buy.Value,
			Affiliate:        buy.Affiliate,
		}
	}
	req.At = c.Int64("at")

	reader, err := chain.DialRegistryReader(cfg.RPCURL)
	if err != nil {
		return err
	}
	defer reader.Close()

	n, err := openNode(cfg)
	if err != nil {
		return err
	}
	defer n.db.Close()

	res, err := n.engine.PreflightWith(c.Context, settlement.Readers{
		Assets:   reader,
		Fungible: reader,
		Native:   reader,
	}, req)
	if err != nil {
		return fmt.Errorf("preflight failed (%s): %w", settlement.Category(err), err)
	}
	return printJSON(assetexchange.NewPreflightResponse(res))
}

func calldata(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	var data []byte
	if amount := c.String("amount"); amount != "" {
		v, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return &assetexchange.InvalidParamError{Message: "invalid amount: " + amount}
		}
		data, err = chain.ApproveCalldata(cfg.ExchangeAddress, v)
	} else {
		data, err = chain.SetApprovalForAllCalldata(cfg.ExchangeAddress, true)
	}
	if err != nil {
		return err
	}
	return printJSON(struct {
		Operator common.Address `json:"operator"`
		Data     string         `json:"data"`
	}{Operator: cfg.ExchangeAddress, Data: hexutil.Encode(data)})
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
