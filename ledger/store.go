package ledger

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kaifufi/asset-exchange-go/logging"
)

var log = logging.NewLog("ledger")

// ErrCorruptRecord is returned by Open for records it cannot apply.
var ErrCorruptRecord = errors.New("ledger: corrupt record")

// Backend persists ledger state. SaveLedger must apply every record in a
// single transaction; a Deleted record removes its entry.
type Backend interface {
	LoadLedger() ([]Record, error)
	SaveLedger(records []Record) error
}

// RecordKind names the ledger table a Record belongs to.
type RecordKind string

const (
	KindOwner     RecordKind = "owner"
	KindApproval  RecordKind = "approval"
	KindOperator  RecordKind = "operator"
	KindBalance   RecordKind = "balance"
	KindAllowance RecordKind = "allowance"
	KindNative    RecordKind = "native"
)

// Record is one persisted ledger entry. Depending on Kind, Contract is the
// collection or token, Account the owner or holder and Counterparty the
// approved address, operator or spender.
type Record struct {
	Kind         RecordKind     `json:"kind"`
	Contract     common.Address `json:"contract"`
	TokenID      string         `json:"tokenId,omitempty"`
	Account      common.Address `json:"account"`
	Counterparty common.Address `json:"counterparty"`
	Amount       string         `json:"amount,omitempty"`
	Approved     bool           `json:"approved,omitempty"`
	Deleted      bool           `json:"deleted,omitempty"`
}

// Key identifies the entry a record overwrites.
func (r Record) Key() string {
	switch r.Kind {
	case KindOwner, KindApproval:
		return fmt.Sprintf("%s/%s/%s", r.Kind, r.Contract.Hex(), r.TokenID)
	case KindOperator, KindAllowance:
		return fmt.Sprintf("%s/%s/%s/%s", r.Kind, r.Contract.Hex(), r.Account.Hex(), r.Counterparty.Hex())
	case KindBalance:
		return fmt.Sprintf("%s/%s/%s", r.Kind, r.Contract.Hex(), r.Account.Hex())
	default:
		return fmt.Sprintf("%s/%s", r.Kind, r.Account.Hex())
	}
}

// Open loads the state held by backend. Every later write is saved to it once
// no snapshot is outstanding.
func Open(backend Backend) (*Ledger, error) {
	l := New()
	if backend == nil {
		return l, nil
	}
	records, err := backend.LoadLedger()
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if err := l.applyRecord(r); err != nil {
			return nil, err
		}
	}
	l.backend = backend
	l.dirty = make(map[string]func() Record)
	return l, nil
}

// Empty reports whether the ledger holds no state at all.
func (l *Ledger) Empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.owners) == 0 && len(l.approvals) == 0 && len(l.operators) == 0 &&
		len(l.balances) == 0 && len(l.allowances) == 0 && len(l.native) == 0
}

// Flush saves pending writes. It does nothing while a snapshot is outstanding.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commitLocked()
}

func (l *Ledger) commitLocked() error {
	if l.backend == nil || len(l.dirty) == 0 || l.journal.outstanding() {
		return nil
	}
	records := make([]Record, 0, len(l.dirty))
	for _, build := range l.dirty {
		records = append(records, build())
	}
	if err := l.backend.SaveLedger(records); err != nil {
		return fmt.Errorf("ledger: save: %w", err)
	}
	l.dirty = make(map[string]func() Record)
	return nil
}

func (l *Ledger) markDirty(build func() Record) {
	if l.backend == nil {
		return
	}
	l.dirty[build().Key()] = build
}

func (l *Ledger) ownerRecordLocked(key itemKey) Record {
	owner, ok := l.owners[key]
	return Record{Kind: KindOwner, Contract: key.collection, TokenID: key.tokenID, Account: owner, Deleted: !ok}
}

func (l *Ledger) approvalRecordLocked(key itemKey) Record {
	spender, ok := l.approvals[key]
	return Record{Kind: KindApproval, Contract: key.collection, TokenID: key.tokenID, Counterparty: spender, Deleted: !ok}
}

func (l *Ledger) operatorRecordLocked(key operatorKey) Record {
	approved, ok := l.operators[key]
	return Record{Kind: KindOperator, Contract: key.collection, Account: key.owner, Counterparty: key.operator, Approved: approved, Deleted: !ok || !approved}
}

func (l *Ledger) balanceRecordLocked(key balanceKey) Record {
	return amountRecord(Record{Kind: KindBalance, Contract: key.token, Account: key.owner}, l.balances[key])
}

func (l *Ledger) allowanceRecordLocked(key allowanceKey) Record {
	return amountRecord(Record{Kind: KindAllowance, Contract: key.token, Account: key.owner, Counterparty: key.spender}, l.allowances[key])
}

func (l *Ledger) nativeRecordLocked(account common.Address) Record {
	return amountRecord(Record{Kind: KindNative, Account: account}, l.native[account])
}

func amountRecord(r Record, v *big.Int) Record {
	if v == nil || v.Sign() == 0 {
		r.Deleted = true
		return r
	}
	r.Amount = v.String()
	return r
}

func (l *Ledger) applyRecord(r Record) error {
	if r.Deleted {
		return nil
	}
	var amount *big.Int
	switch r.Kind {
	case KindBalance, KindAllowance, KindNative:
		v, ok := new(big.Int).SetString(r.Amount, 10)
		if !ok || v.Sign() < 0 {
			return fmt.Errorf("%w: %s amount %q", ErrCorruptRecord, r.Key(), r.Amount)
		}
		amount = v
	}

	switch r.Kind {
	case KindOwner:
		l.owners[itemKey{collection: r.Contract, tokenID: r.TokenID}] = r.Account
	case KindApproval:
		l.approvals[itemKey{collection: r.Contract, tokenID: r.TokenID}] = r.Counterparty
	case KindOperator:
		l.operators[operatorKey{collection: r.Contract, owner: r.Account, operator: r.Counterparty}] = r.Approved
	case KindBalance:
		l.balances[balanceKey{token: r.Contract, owner: r.Account}] = amount
	case KindAllowance:
		l.allowances[allowanceKey{token: r.Contract, owner: r.Account, spender: r.Counterparty}] = amount
	case KindNative:
		l.native[r.Account] = amount
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrCorruptRecord, r.Kind)
	}
	return nil
}
