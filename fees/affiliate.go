package fees

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// AffiliateRegistry looks up the share owed to a referrer.
type AffiliateRegistry interface {
	AffiliateBps(ctx context.Context, referrer common.Address) (uint64, bool, error)
}

// AffiliateTable is an in-memory AffiliateRegistry.
type AffiliateTable struct {
	mu      sync.RWMutex
	entries map[common.Address]uint64
}

// NewAffiliateTable returns a table with no referrers registered.
func NewAffiliateTable() *AffiliateTable {
	return &AffiliateTable{entries: make(map[common.Address]uint64)}
}

// Register sets the referrer's share.
func (t *AffiliateTable) Register(referrer common.Address, bps uint64) error {
	if referrer == (common.Address{}) {
		return fmt.Errorf("%w: affiliate address is required", ErrFeeConfigurationInvalid)
	}
	if bps > BasisPoints {
		return fmt.Errorf("%w: affiliate %d bps exceeds %d", ErrFeeConfigurationInvalid, bps, BasisPoints)
	}
	t.mu.Lock()
	t.entries[referrer] = bps
	t.mu.Unlock()
	return nil
}

// Remove unregisters referrer. Later settlements naming it pay no affiliate.
func (t *AffiliateTable) Remove(referrer common.Address) {
	t.mu.Lock()
	delete(t.entries, referrer)
	t.mu.Unlock()
}

// AffiliateBps implements AffiliateRegistry.
func (t *AffiliateTable) AffiliateBps(_ context.Context, referrer common.Address) (uint64, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	bps, ok := t.entries[referrer]
	return bps, ok, nil
}
