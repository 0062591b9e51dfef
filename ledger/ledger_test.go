package ledger

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	items  = common.HexToAddress("0x00000000000000000000000000000000000001c7")
	token  = common.HexToAddress("0x00000000000000000000000000000000000000e2")
	owner  = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	buyer  = common.HexToAddress("0x0000000000000000000000000000000000000b02")
	engine = common.HexToAddress("0x0000000000000000000000000000000000000e03")
)

func TestItemTransferRequiresAuthorization(t *testing.T) {
	ctx := context.Background()
	l := New()
	id := big.NewInt(1)
	require.NoError(t, l.Mint721(items, id, owner))
	assert.ErrorIs(t, l.Mint721(items, id, buyer), ErrItemExists)

	err := l.TransferAsset(ctx, engine, items, owner, buyer, id)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	require.NoError(t, l.Approve(items, id, owner, engine))
	approved, err := l.GetApproved(ctx, items, id)
	require.NoError(t, err)
	assert.Equal(t, engine, approved)

	err = l.TransferAsset(ctx, engine, items, buyer, engine, id)
	assert.ErrorIs(t, err, ErrNotOwner)

	require.NoError(t, l.TransferAsset(ctx, engine, items, owner, buyer, id))
	got, err := l.OwnerOf(ctx, items, id)
	require.NoError(t, err)
	assert.Equal(t, buyer, got)

	approved, err = l.GetApproved(ctx, items, id)
	require.NoError(t, err)
	assert.Equal(t, common.Address{}, approved)

	_, err = l.OwnerOf(ctx, items, big.NewInt(2))
	assert.ErrorIs(t, err, ErrUnknownItem)
}

func TestOperatorApproval(t *testing.T) {
	ctx := context.Background()
	l := New()
	require.NoError(t, l.Mint721(items, big.NewInt(1), owner))
	require.NoError(t, l.SetApprovalForAll(items, owner, engine, true))

	ok, err := l.IsApprovedForAll(ctx, items, owner, engine)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.TransferAsset(ctx, engine, items, owner, buyer, big.NewInt(1)))
}

func TestTokenTransferFrom(t *testing.T) {
	ctx := context.Background()
	l := New()
	require.NoError(t, l.MintFungible(token, buyer, big.NewInt(100)))

	err := l.TransferTokenFrom(ctx, engine, token, buyer, engine, big.NewInt(10))
	assert.ErrorIs(t, err, ErrInsufficientAllowance)

	require.NoError(t, l.ApproveToken(token, buyer, engine, big.NewInt(60)))
	require.NoError(t, l.TransferTokenFrom(ctx, engine, token, buyer, engine, big.NewInt(40)))

	allowance, err := l.TokenAllowance(ctx, token, buyer, engine)
	require.NoError(t, err)
	assert.Equal(t, "20", allowance.String())

	bal, err := l.TokenBalance(ctx, token, engine)
	require.NoError(t, err)
	assert.Equal(t, "40", bal.String())

	require.NoError(t, l.ApproveToken(token, buyer, engine, maxUint256))
	err = l.TransferTokenFrom(ctx, engine, token, buyer, engine, big.NewInt(61))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	require.NoError(t, l.TransferTokenFrom(ctx, engine, token, buyer, engine, big.NewInt(60)))
	allowance, err = l.TokenAllowance(ctx, token, buyer, engine)
	require.NoError(t, err)
	assert.Equal(t, 0, allowance.Cmp(maxUint256))

	require.NoError(t, l.TransferToken(ctx, token, engine, owner, big.NewInt(100)))
	bal, err = l.TokenBalance(ctx, token, owner)
	require.NoError(t, err)
	assert.Equal(t, "100", bal.String())
}

func TestNativeTransfer(t *testing.T) {
	ctx := context.Background()
	l := New()
	require.NoError(t, l.SetNativeBalance(buyer, big.NewInt(50)))

	assert.ErrorIs(t, l.TransferNative(ctx, buyer, owner, big.NewInt(51)), ErrInsufficientBalance)
	assert.ErrorIs(t, l.TransferNative(ctx, buyer, owner, big.NewInt(-1)), ErrInvalidAmount)
	require.NoError(t, l.TransferNative(ctx, buyer, owner, big.NewInt(20)))

	bal, err := l.NativeBalance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, "20", bal.String())
	bal, err = l.NativeBalance(ctx, buyer)
	require.NoError(t, err)
	assert.Equal(t, "30", bal.String())
}

func TestSnapshotRevert(t *testing.T) {
	ctx := context.Background()
	l := New()
	id := big.NewInt(9)
	require.NoError(t, l.Mint721(items, id, owner))
	require.NoError(t, l.MintFungible(token, buyer, big.NewInt(100)))
	require.NoError(t, l.ApproveToken(token, buyer, engine, big.NewInt(100)))
	require.NoError(t, l.Approve(items, id, owner, engine))
	require.NoError(t, l.SetNativeBalance(buyer, big.NewInt(7)))

	snap := l.Snapshot()
	require.NoError(t, l.TransferTokenFrom(ctx, engine, token, buyer, owner, big.NewInt(70)))
	require.NoError(t, l.TransferAsset(ctx, engine, items, owner, buyer, id))
	require.NoError(t, l.TransferNative(ctx, buyer, owner, big.NewInt(7)))

	nested := l.Snapshot()
	require.NoError(t, l.SetApprovalForAll(items, buyer, engine, true))
	l.RevertToSnapshot(nested)
	ok, err := l.IsApprovedForAll(ctx, items, buyer, engine)
	require.NoError(t, err)
	assert.False(t, ok)

	l.RevertToSnapshot(snap)

	got, err := l.OwnerOf(ctx, items, id)
	require.NoError(t, err)
	assert.Equal(t, owner, got)
	approved, err := l.GetApproved(ctx, items, id)
	require.NoError(t, err)
	assert.Equal(t, engine, approved)

	bal, err := l.TokenBalance(ctx, token, buyer)
	require.NoError(t, err)
	assert.Equal(t, "100", bal.String())
	bal, err = l.TokenBalance(ctx, token, owner)
	require.NoError(t, err)
	assert.Equal(t, "0", bal.String())
	allowance, err := l.TokenAllowance(ctx, token, buyer, engine)
	require.NoError(t, err)
	assert.Equal(t, "100", allowance.String())
	native, err := l.NativeBalance(ctx, buyer)
	require.NoError(t, err)
	assert.Equal(t, "7", native.String())

	assert.Panics(t, func() { l.RevertToSnapshot(snap) })
}

func TestDiscardSnapshotKeepsWrites(t *testing.T) {
	ctx := context.Background()
	l := New()
	require.NoError(t, l.MintFungible(token, buyer, big.NewInt(10)))

	snap := l.Snapshot()
	require.NoError(t, l.TransferToken(ctx, token, buyer, owner, big.NewInt(4)))
	l.DiscardSnapshot(snap)
	assert.Equal(t, 0, l.journal.length())

	bal, err := l.TokenBalance(ctx, token, owner)
	require.NoError(t, err)
	assert.Equal(t, "4", bal.String())
}

func TestWritesOutsideSnapshotKeepNoUndo(t *testing.T) {
	l := New()
	require.NoError(t, l.Mint721(items, big.NewInt(1), owner))
	require.NoError(t, l.MintFungible(token, buyer, big.NewInt(10)))
	require.NoError(t, l.SetApprovalForAll(items, owner, engine, true))
	require.NoError(t, l.ApproveToken(token, buyer, engine, big.NewInt(10)))
	assert.Equal(t, 0, l.journal.length())

	snap := l.Snapshot()
	require.NoError(t, l.SetNativeBalance(buyer, big.NewInt(3)))
	assert.Equal(t, 1, l.journal.length())
	l.DiscardSnapshot(snap)
	assert.Equal(t, 0, l.journal.length())
}

type memBackend struct {
	records map[string]Record
	saves   int
}

func newMemBackend() *memBackend {
	return &memBackend{records: make(map[string]Record)}
}

func (m *memBackend) LoadLedger() ([]Record, error) {
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out, nil
}

func (m *memBackend) SaveLedger(records []Record) error {
	m.saves++
	for _, r := range records {
		if r.Deleted {
			delete(m.records, r.Key())
			continue
		}
		m.records[r.Key()] = r
	}
	return nil
}

func TestOpenRestoresCommittedState(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	l, err := Open(backend)
	require.NoError(t, err)
	assert.True(t, l.Empty())

	id := big.NewInt(5)
	require.NoError(t, l.Mint721(items, id, owner))
	require.NoError(t, l.Approve(items, id, owner, buyer))
	require.NoError(t, l.SetApprovalForAll(items, owner, engine, true))
	require.NoError(t, l.MintFungible(token, buyer, big.NewInt(100)))
	require.NoError(t, l.ApproveToken(token, buyer, engine, big.NewInt(60)))
	require.NoError(t, l.SetNativeBalance(buyer, big.NewInt(9)))

	saves := backend.saves
	snap := l.Snapshot()
	require.NoError(t, l.TransferTokenFrom(ctx, engine, token, buyer, owner, big.NewInt(40)))
	require.NoError(t, l.TransferAsset(ctx, engine, items, owner, buyer, id))
	assert.Equal(t, saves, backend.saves)
	l.DiscardSnapshot(snap)
	assert.Equal(t, saves+1, backend.saves)

	snap = l.Snapshot()
	require.NoError(t, l.TransferNative(ctx, buyer, owner, big.NewInt(9)))
	l.RevertToSnapshot(snap)

	reopened, err := Open(backend)
	require.NoError(t, err)
	assert.False(t, reopened.Empty())

	got, err := reopened.OwnerOf(ctx, items, id)
	require.NoError(t, err)
	assert.Equal(t, buyer, got)
	approved, err := reopened.GetApproved(ctx, items, id)
	require.NoError(t, err)
	assert.Equal(t, common.Address{}, approved)
	ok, err := reopened.IsApprovedForAll(ctx, items, owner, engine)
	require.NoError(t, err)
	assert.True(t, ok)

	bal, err := reopened.TokenBalance(ctx, token, owner)
	require.NoError(t, err)
	assert.Equal(t, "40", bal.String())
	allowance, err := reopened.TokenAllowance(ctx, token, buyer, engine)
	require.NoError(t, err)
	assert.Equal(t, "20", allowance.String())
	native, err := reopened.NativeBalance(ctx, buyer)
	require.NoError(t, err)
	assert.Equal(t, "9", native.String())
}

func TestOpenRejectsCorruptRecord(t *testing.T) {
	backend := newMemBackend()
	r := Record{Kind: KindNative, Account: buyer, Amount: "lots"}
	backend.records[r.Key()] = r
	_, err := Open(backend)
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestGenesisApply(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	l, err := Open(backend)
	require.NoError(t, err)

	g := &Genesis{
		Items:      []GenesisItem{{Collection: items, TokenID: "7", Owner: owner}},
		Native:     []GenesisBalance{{Account: buyer, Amount: "1000"}},
		Tokens:     []GenesisBalance{{Token: token, Account: buyer, Amount: "0x10"}},
		Operators:  []GenesisOperator{{Collection: items, Owner: owner, Operator: engine}},
		Allowances: []GenesisAllowance{{Token: token, Owner: buyer, Spender: engine, Amount: "max"}},
	}
	assert.False(t, g.IsZero())
	require.NoError(t, g.Apply(l))
	assert.Equal(t, 1, backend.saves)

	got, err := l.OwnerOf(ctx, items, big.NewInt(7))
	require.NoError(t, err)
	assert.Equal(t, owner, got)
	bal, err := l.TokenBalance(ctx, token, buyer)
	require.NoError(t, err)
	assert.Equal(t, "16", bal.String())
	allowance, err := l.TokenAllowance(ctx, token, buyer, engine)
	require.NoError(t, err)
	assert.Equal(t, maxUint256.String(), allowance.String())

	// a second run collides with the minted item and leaves state untouched
	again := &Genesis{
		Native: []GenesisBalance{{Account: owner, Amount: "5"}},
		Items:  []GenesisItem{{Collection: items, TokenID: "7", Owner: buyer}},
	}
	assert.ErrorIs(t, again.Apply(l), ErrItemExists)
	native, err := l.NativeBalance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, "0", native.String())
	assert.Equal(t, 1, backend.saves)

	bad := &Genesis{Native: []GenesisBalance{{Account: owner, Amount: "-1"}}}
	assert.ErrorIs(t, bad.Apply(l), ErrInvalidAmount)
}
