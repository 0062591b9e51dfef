// Package ledger is an in-process asset ledger holding native balances,
// fungible token balances and allowances, and non-fungible items with their
// approvals. Every write is journaled so a settlement can be reverted as a
// unit.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnknownItem           = errors.New("ledger: unknown item")
	ErrItemExists            = errors.New("ledger: item already minted")
	ErrNotOwner              = errors.New("ledger: from is not the owner")
	ErrNotAuthorized         = errors.New("ledger: operator not authorized")
	ErrInsufficientBalance   = errors.New("ledger: insufficient balance")
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
	ErrInvalidAmount         = errors.New("ledger: invalid amount")
	ErrZeroAddress           = errors.New("ledger: zero address")
)

type itemKey struct {
	collection common.Address
	tokenID    string
}

type operatorKey struct {
	collection common.Address
	owner      common.Address
	operator   common.Address
}

type balanceKey struct {
	token common.Address
	owner common.Address
}

type allowanceKey struct {
	token   common.Address
	owner   common.Address
	spender common.Address
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu         sync.Mutex
	owners     map[itemKey]common.Address
	approvals  map[itemKey]common.Address
	operators  map[operatorKey]bool
	balances   map[balanceKey]*big.Int
	allowances map[allowanceKey]*big.Int
	native     map[common.Address]*big.Int
	journal    journal

	backend Backend
	dirty   map[string]func() Record
}

// New returns an empty ledger that keeps its state in memory only.
func New() *Ledger {
	return &Ledger{
		owners:     make(map[itemKey]common.Address),
		approvals:  make(map[itemKey]common.Address),
		operators:  make(map[operatorKey]bool),
		balances:   make(map[balanceKey]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
		native:     make(map[common.Address]*big.Int),
	}
}

func keyOf(collection common.Address, tokenID *big.Int) itemKey {
	return itemKey{collection: collection, tokenID: tokenID.String()}
}

// Snapshot returns an identifier for the current state.
func (l *Ledger) Snapshot() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.journal.snapshot()
}

// RevertToSnapshot undoes every write made since the snapshot was taken.
func (l *Ledger) RevertToSnapshot(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.journal.revertToSnapshot(id)
	if err := l.commitLocked(); err != nil {
		log.Error("failed to save ledger after revert", "err", err)
	}
}

// DiscardSnapshot keeps every write made since the snapshot and releases it.
func (l *Ledger) DiscardSnapshot(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.journal.discard(id)
	if err := l.commitLocked(); err != nil {
		log.Error("failed to save ledger", "snapshot", id, "err", err)
	}
}

// Mint721 creates an item owned by owner.
func (l *Ledger) Mint721(collection common.Address, tokenID *big.Int, owner common.Address) error {
	if tokenID == nil || tokenID.Sign() < 0 {
		return fmt.Errorf("%w: token id", ErrInvalidAmount)
	}
	if owner == (common.Address{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := keyOf(collection, tokenID)
	if _, ok := l.owners[key]; ok {
		return ErrItemExists
	}
	l.setOwnerLocked(key, owner)
	return l.commitLocked()
}

// MintFungible credits amount of token to owner.
func (l *Ledger) MintFungible(token, owner common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := balanceKey{token: token, owner: owner}
	l.setBalanceLocked(key, new(big.Int).Add(l.balanceLocked(key), amount))
	return l.commitLocked()
}

// SetNativeBalance overwrites an account's native balance.
func (l *Ledger) SetNativeBalance(account common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setNativeLocked(account, new(big.Int).Set(amount))
	return l.commitLocked()
}

// Approve lets spender move a single item on the owner's behalf.
func (l *Ledger) Approve(collection common.Address, tokenID *big.Int, owner, spender common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := keyOf(collection, tokenID)
	current, ok := l.owners[key]
	if !ok {
		return ErrUnknownItem
	}
	if current != owner {
		return ErrNotOwner
	}
	l.setApprovalLocked(key, spender)
	return l.commitLocked()
}

// SetApprovalForAll lets operator move every item owner holds in collection.
func (l *Ledger) SetApprovalForAll(collection, owner, operator common.Address, approved bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := operatorKey{collection: collection, owner: owner, operator: operator}
	prev, existed := l.operators[key]
	l.operators[key] = approved
	l.journal.append(func() {
		if existed {
			l.operators[key] = prev
		} else {
			delete(l.operators, key)
		}
	})
	l.markDirty(func() Record { return l.operatorRecordLocked(key) })
	return l.commitLocked()
}

// ApproveToken sets the amount spender may pull from owner.
func (l *Ledger) ApproveToken(token, owner, spender common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setAllowanceLocked(allowanceKey{token: token, owner: owner, spender: spender}, new(big.Int).Set(amount))
	return l.commitLocked()
}

// OwnerOf returns the owner of an item.
func (l *Ledger) OwnerOf(_ context.Context, collection common.Address, tokenID *big.Int) (common.Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, ok := l.owners[keyOf(collection, tokenID)]
	if !ok {
		return common.Address{}, ErrUnknownItem
	}
	return owner, nil
}

// GetApproved returns the single-item approval, or the zero address.
func (l *Ledger) GetApproved(_ context.Context, collection common.Address, tokenID *big.Int) (common.Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := keyOf(collection, tokenID)
	if _, ok := l.owners[key]; !ok {
		return common.Address{}, ErrUnknownItem
	}
	return l.approvals[key], nil
}

// IsApprovedForAll reports whether operator may move every item owner holds
// in collection.
func (l *Ledger) IsApprovedForAll(_ context.Context, collection, owner, operator common.Address) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.operators[operatorKey{collection: collection, owner: owner, operator: operator}], nil
}

// TransferAsset moves an item. operator must be the owner, the approved
// address, or an approved operator. The single-item approval is cleared.
func (l *Ledger) TransferAsset(_ context.Context, operator, collection, from, to common.Address, tokenID *big.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := keyOf(collection, tokenID)
	owner, ok := l.owners[key]
	if !ok {
		return ErrUnknownItem
	}
	if owner != from {
		return ErrNotOwner
	}
	if operator != owner && l.approvals[key] != operator && !l.operators[operatorKey{collection: collection, owner: owner, operator: operator}] {
		return ErrNotAuthorized
	}
	if _, ok := l.approvals[key]; ok {
		l.setApprovalLocked(key, common.Address{})
	}
	l.setOwnerLocked(key, to)
	return l.commitLocked()
}

// TokenBalance returns owner's balance of token.
func (l *Ledger) TokenBalance(_ context.Context, token, owner common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balanceLocked(balanceKey{token: token, owner: owner})), nil
}

// TokenAllowance returns how much of owner's token spender may pull.
func (l *Ledger) TokenAllowance(_ context.Context, token, owner, spender common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.allowances[allowanceKey{token: token, owner: owner, spender: spender}]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

// TransferTokenFrom pulls amount from from to to using spender's allowance.
// An allowance of MaxUint256 is never decreased.
func (l *Ledger) TransferTokenFrom(_ context.Context, spender, token, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	akey := allowanceKey{token: token, owner: from, spender: spender}
	allowance := l.allowances[akey]
	if allowance == nil {
		allowance = big.NewInt(0)
	}
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientAllowance, allowance, amount)
	}
	if err := l.moveTokenLocked(token, from, to, amount); err != nil {
		return err
	}
	if allowance.Cmp(maxUint256) != 0 {
		l.setAllowanceLocked(akey, new(big.Int).Sub(allowance, amount))
	}
	return l.commitLocked()
}

// TransferToken moves amount of token held by from.
func (l *Ledger) TransferToken(_ context.Context, token, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.moveTokenLocked(token, from, to, amount); err != nil {
		return err
	}
	return l.commitLocked()
}

// NativeBalance returns an account's native balance.
func (l *Ledger) NativeBalance(_ context.Context, account common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.nativeLocked(account)), nil
}

// TransferNative moves native currency between accounts.
func (l *Ledger) TransferNative(_ context.Context, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance := l.nativeLocked(from)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, amount)
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	l.setNativeLocked(from, new(big.Int).Sub(balance, amount))
	l.setNativeLocked(to, new(big.Int).Add(l.nativeLocked(to), amount))
	return l.commitLocked()
}

func (l *Ledger) moveTokenLocked(token, from, to common.Address, amount *big.Int) error {
	fkey := balanceKey{token: token, owner: from}
	balance := l.balanceLocked(fkey)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, amount)
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	tkey := balanceKey{token: token, owner: to}
	l.setBalanceLocked(fkey, new(big.Int).Sub(balance, amount))
	l.setBalanceLocked(tkey, new(big.Int).Add(l.balanceLocked(tkey), amount))
	return nil
}

func (l *Ledger) balanceLocked(key balanceKey) *big.Int {
	if v, ok := l.balances[key]; ok {
		return v
	}
	return big.NewInt(0)
}

func (l *Ledger) nativeLocked(account common.Address) *big.Int {
	if v, ok := l.native[account]; ok {
		return v
	}
	return big.NewInt(0)
}

func (l *Ledger) setOwnerLocked(key itemKey, owner common.Address) {
	prev, existed := l.owners[key]
	l.owners[key] = owner
	l.markDirty(func() Record { return l.ownerRecordLocked(key) })
	l.journal.append(func() {
		if existed {
			l.owners[key] = prev
		} else {
			delete(l.owners, key)
		}
	})
}

func (l *Ledger) setApprovalLocked(key itemKey, spender common.Address) {
	prev, existed := l.approvals[key]
	if spender == (common.Address{}) {
		delete(l.approvals, key)
	} else {
		l.approvals[key] = spender
	}
	l.markDirty(func() Record { return l.approvalRecordLocked(key) })
	l.journal.append(func() {
		if existed {
			l.approvals[key] = prev
		} else {
			delete(l.approvals, key)
		}
	})
}

func (l *Ledger) setBalanceLocked(key balanceKey, v *big.Int) {
	prev, existed := l.balances[key]
	l.balances[key] = v
	l.markDirty(func() Record { return l.balanceRecordLocked(key) })
	l.journal.append(func() {
		if existed {
			l.balances[key] = prev
		} else {
			delete(l.balances, key)
		}
	})
}

func (l *Ledger) setAllowanceLocked(key allowanceKey, v *big.Int) {
	prev, existed := l.allowances[key]
	l.allowances[key] = v
	l.markDirty(func() Record { return l.allowanceRecordLocked(key) })
	l.journal.append(func() {
		if existed {
			l.allowances[key] = prev
		} else {
			delete(l.allowances, key)
		}
	})
}

func (l *Ledger) setNativeLocked(account common.Address, v *big.Int) {
	prev, existed := l.native[account]
	l.native[account] = v
	l.markDirty(func() Record { return l.nativeRecordLocked(account) })
	l.journal.append(func() {
		if existed {
			l.native[account] = prev
		} else {
			delete(l.native, account)
		}
	})
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return nil
}
