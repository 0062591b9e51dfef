package fees

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// RoyaltyResolver returns the royalty owed on a sale of one item.
type RoyaltyResolver interface {
	Resolve(ctx context.Context, collection common.Address, tokenID, amount *big.Int) (*big.Int, common.Address, error)
}

type royaltyEntry struct {
	bps       uint64
	recipient common.Address
}

// StaticRoyaltyManager resolves royalties from a per-collection table. Every
// rate is capped by the maximum fixed at construction.
type StaticRoyaltyManager struct {
	mu      sync.RWMutex
	maxBps  uint64
	entries map[common.Address]royaltyEntry
}

// NewStaticRoyaltyManager creates a manager whose rates may never exceed maxBps.
func NewStaticRoyaltyManager(maxBps uint64) (*StaticRoyaltyManager, error) {
	if maxBps > BasisPoints {
		return nil, fmt.Errorf("%w: royalty maximum %d bps exceeds %d", ErrFeeConfigurationInvalid, maxBps, BasisPoints)
	}
	return &StaticRoyaltyManager{
		maxBps:  maxBps,
		entries: make(map[common.Address]royaltyEntry),
	}, nil
}

// MaxBps returns the ceiling applied to every collection.
func (m *StaticRoyaltyManager) MaxBps() uint64 {
	return m.maxBps
}

// Set configures the royalty for a collection.
func (m *StaticRoyaltyManager) Set(collection common.Address, bps uint64, recipient common.Address) error {
	if bps > m.maxBps {
		return fmt.Errorf("%w: royalty %d bps exceeds maximum %d", ErrFeeConfigurationInvalid, bps, m.maxBps)
	}
	if bps > 0 && recipient == (common.Address{}) {
		return fmt.Errorf("%w: royalty recipient is required", ErrFeeConfigurationInvalid)
	}
	m.mu.Lock()
	m.entries[collection] = royaltyEntry{bps: bps, recipient: recipient}
	m.mu.Unlock()
	return nil
}

// Remove clears a collection's royalty.
func (m *StaticRoyaltyManager) Remove(collection common.Address) {
	m.mu.Lock()
	delete(m.entries, collection)
	m.mu.Unlock()
}

// Resolve implements RoyaltyResolver.
func (m *StaticRoyaltyManager) Resolve(_ context.Context, collection common.Address, _ *big.Int, amount *big.Int) (*big.Int, common.Address, error) {
	m.mu.RLock()
	entry, ok := m.entries[collection]
	m.mu.RUnlock()
	if !ok || entry.bps == 0 || amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0), common.Address{}, nil
	}
	return bpsOf(amount, entry.bps), entry.recipient, nil
}

func bpsOf(amount *big.Int, bps uint64) *big.Int {
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return fee.Div(fee, big.NewInt(BasisPoints))
}
