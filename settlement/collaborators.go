package settlement

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AssetReader queries the non-fungible item registry.
type AssetReader interface {
	OwnerOf(ctx context.Context, collection common.Address, tokenID *big.Int) (common.Address, error)
	GetApproved(ctx context.Context, collection common.Address, tokenID *big.Int) (common.Address, error)
	IsApprovedForAll(ctx context.Context, collection, owner, operator common.Address) (bool, error)
}

// AssetRegistry moves items. The transfer is triggered by operator, who must
// be the owner or approved by them.
type AssetRegistry interface {
	AssetReader
	TransferAsset(ctx context.Context, operator, collection, from, to common.Address, tokenID *big.Int) error
}

// FungibleReader queries fungible payment registries.
type FungibleReader interface {
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	TokenAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
}

// FungibleRegistry moves fungible payment tokens.
type FungibleRegistry interface {
	FungibleReader
	TransferTokenFrom(ctx context.Context, spender, token, from, to common.Address, amount *big.Int) error
	TransferToken(ctx context.Context, token, from, to common.Address, amount *big.Int) error
}

// NativeReader queries native currency balances.
type NativeReader interface {
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
}

// NativeBank moves native currency.
type NativeBank interface {
	NativeReader
	TransferNative(ctx context.Context, from, to common.Address, amount *big.Int) error
}

// Journal reverts registry writes made during a failed settlement.
type Journal interface {
	Snapshot() int
	RevertToSnapshot(id int)
	DiscardSnapshot(id int)
}

// ReceiptLog stores receipts of committed settlements.
type ReceiptLog interface {
	AppendReceipt(r *Receipt) error
}

// Emitter is notified of every committed settlement.
type Emitter interface {
	Emit(r *Receipt)
}

// NoopEmitter discards receipts.
type NoopEmitter struct{}

// Emit does nothing.
func (NoopEmitter) Emit(*Receipt) {}

// Readers bundles the read side of the registries for Preflight.
type Readers struct {
	Assets   AssetReader
	Fungible FungibleReader
	Native   NativeReader
}

type settlingKey struct{}

func markSettling(ctx context.Context) context.Context {
	return context.WithValue(ctx, settlingKey{}, true)
}

func isSettling(ctx context.Context) bool {
	v, _ := ctx.Value(settlingKey{}).(bool)
	return v
}
