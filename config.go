package assetexchange

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"github.com/kaifufi/asset-exchange-go/chain"
	"github.com/kaifufi/asset-exchange-go/fees"
	"github.com/kaifufi/asset-exchange-go/ledger"
)

// ChainID represents a blockchain chain ID
type ChainID int64

const (
	ChainIDBNBMainnet ChainID = 56   // BNB Chain (BSC) mainnet
	ChainIDDevnet     ChainID = 1337 // local development chain
)

// SupportedChainIDs lists all supported chain IDs
var SupportedChainIDs = []ChainID{ChainIDBNBMainnet, ChainIDDevnet}

// ContractAddresses holds contract addresses for each chain
type ContractAddresses struct {
	Exchange      string
	WrappedNative string
}

// DefaultContractAddresses maps chain IDs to their contract addresses
var DefaultContractAddresses = map[ChainID]ContractAddresses{
	ChainIDBNBMainnet: {
		WrappedNative: "0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c",
	},
	ChainIDDevnet: {
		Exchange:      "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		WrappedNative: "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512",
	},
}

const (
	DefaultListenAddress = ":8080"
	DefaultDataDir       = "./exchange-data"
	DefaultLogLevel      = "info"
)

// RoyaltyConfig is a per-collection royalty rate.
type RoyaltyConfig struct {
	Collection common.Address `toml:"Collection"`
	Bps        uint64         `toml:"Bps"`
	Recipient  common.Address `toml:"Recipient"`
}

// AffiliateConfig registers a referrer.
type AffiliateConfig struct {
	Referrer common.Address `toml:"Referrer"`
	Bps      uint64         `toml:"Bps"`
}

// Config is the exchange node configuration.
type Config struct {
	ChainID          ChainID        `toml:"ChainID"`
	ExchangeAddress  common.Address `toml:"ExchangeAddress"`
	WrappedNative    common.Address `toml:"WrappedNative"`
	AllowDutchBuyNow bool           `toml:"AllowDutchBuyNow"`

	RPCURL        string `toml:"RPCURL"`
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	JWTSecret     string `toml:"JWTSecret"`

	LogLevel    string `toml:"LogLevel"`
	SentryDSN   string `toml:"SentryDSN"`
	Environment string `toml:"Environment"`

	Fees       fees.Config       `toml:"Fees"`
	Royalties  []RoyaltyConfig   `toml:"Royalties"`
	Affiliates []AffiliateConfig `toml:"Affiliates"`

	// Genesis seeds the node ledger the first time it starts on an empty
	// data dir.
	Genesis ledger.Genesis `toml:"Genesis"`
}

// DefaultConfig returns a devnet configuration with a 5% fee on top.
func DefaultConfig() *Config {
	addrs := DefaultContractAddresses[ChainIDDevnet]
	return &Config{
		ChainID:         ChainIDDevnet,
		ExchangeAddress: common.HexToAddress(addrs.Exchange),
		WrappedNative:   common.HexToAddress(addrs.WrappedNative),
		ListenAddress:   DefaultListenAddress,
		DataDir:         DefaultDataDir,
		LogLevel:        DefaultLogLevel,
		Environment:     "devnet",
		Fees: fees.Config{
			ExchangeFeeBps:    500,
			MaxExchangeFeeBps: 1_000,
			MaxRoyaltyBps:     1_000,
			FeeCollector:      common.HexToAddress(addrs.Exchange),
		},
	}
}

// LoadConfig reads the TOML file at path. A missing file is created with
// DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := SaveConfig(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, &InvalidParamError{Message: fmt.Sprintf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes cfg to path as TOML.
func SaveConfig(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

func (c *Config) applyDefaults() {
	if addrs, ok := DefaultContractAddresses[c.ChainID]; ok {
		if c.ExchangeAddress == (common.Address{}) && addrs.Exchange != "" {
			c.ExchangeAddress = common.HexToAddress(addrs.Exchange)
		}
		if c.WrappedNative == (common.Address{}) && addrs.WrappedNative != "" {
			c.WrappedNative = common.HexToAddress(addrs.WrappedNative)
		}
	}
	if c.ListenAddress == "" {
		c.ListenAddress = DefaultListenAddress
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.ChainID <= 0 {
		return &InvalidParamError{Message: fmt.Sprintf("invalid chain ID: %d", c.ChainID)}
	}
	if c.ExchangeAddress == (common.Address{}) {
		return &InvalidParamError{Message: "exchange address is required"}
	}
	if err := c.Fees.Validate(); err != nil {
		return err
	}
	for _, r := range c.Royalties {
		if r.Bps > c.Fees.MaxRoyaltyBps {
			return &InvalidParamError{Message: fmt.Sprintf("royalty for %s exceeds %d bps", r.Collection.Hex(), c.Fees.MaxRoyaltyBps)}
		}
	}
	return nil
}

// SigningDomain returns the domain listings and bids are signed under.
func (c *Config) SigningDomain() *chain.SigningDomain {
	return chain.NewSigningDomain(big.NewInt(int64(c.ChainID)), c.ExchangeAddress)
}

// RoyaltyManager builds the royalty table from the configuration.
func (c *Config) RoyaltyManager() (*fees.StaticRoyaltyManager, error) {
	m, err := fees.NewStaticRoyaltyManager(c.Fees.MaxRoyaltyBps)
	if err != nil {
		return nil, err
	}
	for _, r := range c.Royalties {
		if err := m.Set(r.Collection, r.Bps, r.Recipient); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// AffiliateTable builds the affiliate registry from the configuration.
func (c *Config) AffiliateTable() (*fees.AffiliateTable, error) {
	t := fees.NewAffiliateTable()
	for _, a := range c.Affiliates {
		if err := t.Register(a.Referrer, a.Bps); err != nil {
			return nil, err
		}
	}
	return t, nil
}
