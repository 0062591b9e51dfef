// Package nonce tracks the per-signer replay counter. A signed listing, bid or
// cancellation is valid only while it carries its signer's current nonce.
package nonce

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNonceMismatch  = errors.New("nonce: mismatch")
	ErrNonceExhausted = errors.New("nonce: counter exhausted")
	ErrBatchClosed    = errors.New("nonce: batch already closed")
)

// Backend persists committed nonces. Implementations must apply a SaveNonces
// call atomically.
type Backend interface {
	LoadNonces() (map[common.Address]uint64, error)
	SaveNonces(updates map[common.Address]uint64) error
}

// Registry holds the current nonce of every signer. The zero value of an
// unseen address is 0.
type Registry struct {
	mu      sync.RWMutex
	nonces  map[common.Address]uint64
	backend Backend
}

// NewRegistry creates a registry, loading committed state from backend.
// A nil backend keeps nonces in memory only.
func NewRegistry(backend Backend) (*Registry, error) {
	r := &Registry{
		nonces:  make(map[common.Address]uint64),
		backend: backend,
	}
	if backend == nil {
		return r, nil
	}
	loaded, err := backend.LoadNonces()
	if err != nil {
		return nil, fmt.Errorf("nonce: load: %w", err)
	}
	for addr, n := range loaded {
		r.nonces[addr] = n
	}
	return r, nil
}

// Fetch returns the signer's current nonce.
func (r *Registry) Fetch(addr common.Address) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nonces[addr]
}

// Consume advances addr's nonce if expected is current.
func (r *Registry) Consume(addr common.Address, expected uint64) error {
	b := r.Begin()
	if err := b.Consume(addr, expected); err != nil {
		b.Rollback()
		return err
	}
	return b.Commit()
}

// Cancel advances addr's nonce by one, invalidating every unconsumed message
// signed for the previous value. It returns the new nonce.
func (r *Registry) Cancel(addr common.Address) (uint64, error) {
	b := r.Begin()
	next, err := b.Advance(addr)
	if err != nil {
		b.Rollback()
		return 0, err
	}
	if err := b.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

// Begin opens a batch of nonce changes.
func (r *Registry) Begin() *Batch {
	return &Batch{
		registry: r,
		previous: make(map[common.Address]uint64),
	}
}

// Batch groups nonce changes that commit or roll back together. Changes are
// visible to Fetch as soon as they are made. Callers must not run two open
// batches that touch the same signer.
type Batch struct {
	registry *Registry
	previous map[common.Address]uint64
	closed   bool
}

// Consume advances addr's nonce inside the batch if expected is current.
func (b *Batch) Consume(addr common.Address, expected uint64) error {
	if b.closed {
		return ErrBatchClosed
	}
	r := b.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.nonces[addr]
	if current != expected {
		return fmt.Errorf("%w: signer %s expected %d, current %d", ErrNonceMismatch, addr.Hex(), expected, current)
	}
	return b.bumpLocked(addr, current)
}

// Advance increments addr's nonce inside the batch and returns the new value.
func (b *Batch) Advance(addr common.Address) (uint64, error) {
	if b.closed {
		return 0, ErrBatchClosed
	}
	r := b.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.nonces[addr]
	if err := b.bumpLocked(addr, current); err != nil {
		return 0, err
	}
	return current + 1, nil
}

func (b *Batch) bumpLocked(addr common.Address, current uint64) error {
	if current == math.MaxUint64 {
		return ErrNonceExhausted
	}
	if _, seen := b.previous[addr]; !seen {
		b.previous[addr] = current
	}
	b.registry.nonces[addr] = current + 1
	return nil
}

// Commit persists the batch. On a backend failure the batch is rolled back
// and the error returned.
func (b *Batch) Commit() error {
	if b.closed {
		return ErrBatchClosed
	}
	r := b.registry
	if r.backend != nil && len(b.previous) > 0 {
		r.mu.RLock()
		updates := make(map[common.Address]uint64, len(b.previous))
		for addr := range b.previous {
			updates[addr] = r.nonces[addr]
		}
		r.mu.RUnlock()

		if err := r.backend.SaveNonces(updates); err != nil {
			b.Rollback()
			return fmt.Errorf("nonce: persist: %w", err)
		}
	}
	b.closed = true
	return nil
}

// Rollback restores every nonce the batch touched. It is a no-op on a closed
// batch.
func (b *Batch) Rollback() {
	if b.closed {
		return
	}
	r := b.registry
	r.mu.Lock()
	for addr, n := range b.previous {
		r.nonces[addr] = n
	}
	r.mu.Unlock()
	b.closed = true
}

