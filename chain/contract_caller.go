package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// RegistryReader queries asset and payment registries deployed on chain.
// It only reads: settlement against a live chain happens in the exchange
// contract, this reader backs preflight checks and the CLI.
type RegistryReader struct {
	caller        ethereum.ContractCaller
	state         ethereum.ChainStateReader
	closer        func()
	decimalsMu    sync.RWMutex
	decimalsCache map[common.Address]uint8
}

// NewRegistryReader creates a RegistryReader on top of any contract caller.
// state may be nil, in which case native balance queries fail.
func NewRegistryReader(caller ethereum.ContractCaller, state ethereum.ChainStateReader) *RegistryReader {
	return &RegistryReader{
		caller:        caller,
		state:         state,
		decimalsCache: make(map[common.Address]uint8),
	}
}

// DialRegistryReader connects to an RPC endpoint
func DialRegistryReader(rpcURL string) (*RegistryReader, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	r := NewRegistryReader(client, client)
	r.closer = client.Close
	return r, nil
}

// Close closes the underlying RPC connection, if owned
func (r *RegistryReader) Close() {
	if r.closer != nil {
		r.closer()
	}
}

// OwnerOf returns the owner of a non-fungible item
func (r *RegistryReader) OwnerOf(ctx context.Context, collection common.Address, tokenID *big.Int) (common.Address, error) {
	var owner common.Address
	if err := r.call(ctx, GetERC721ABI(), collection, &owner, "ownerOf", tokenID); err != nil {
		return common.Address{}, err
	}
	return owner, nil
}

// GetApproved returns the address approved for a single item
func (r *RegistryReader) GetApproved(ctx context.Context, collection common.Address, tokenID *big.Int) (common.Address, error) {
	var approved common.Address
	if err := r.call(ctx, GetERC721ABI(), collection, &approved, "getApproved", tokenID); err != nil {
		return common.Address{}, err
	}
	return approved, nil
}

// IsApprovedForAll checks if an operator is approved for all of owner's items
func (r *RegistryReader) IsApprovedForAll(ctx context.Context, collection, owner, operator common.Address) (bool, error) {
	var approved bool
	if err := r.call(ctx, GetERC721ABI(), collection, &approved, "isApprovedForAll", owner, operator); err != nil {
		return false, err
	}
	return approved, nil
}

// TokenBalance returns the ERC20 balance for an account
func (r *RegistryReader) TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error) {
	var balance *big.Int
	if err := r.call(ctx, GetERC20ABI(), token, &balance, "balanceOf", account); err != nil {
		return nil, err
	}
	return balance, nil
}

// TokenAllowance returns the ERC20 allowance for owner to spender
func (r *RegistryReader) TokenAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	var allowance *big.Int
	if err := r.call(ctx, GetERC20ABI(), token, &allowance, "allowance", owner, spender); err != nil {
		return nil, err
	}
	return allowance, nil
}

// TokenDecimals gets token decimals with caching
func (r *RegistryReader) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	r.decimalsMu.RLock()
	decimals, ok := r.decimalsCache[token]
	r.decimalsMu.RUnlock()
	if ok {
		return decimals, nil
	}

	if err := r.call(ctx, GetERC20ABI(), token, &decimals, "decimals"); err != nil {
		return 0, err
	}

	r.decimalsMu.Lock()
	r.decimalsCache[token] = decimals
	r.decimalsMu.Unlock()
	return decimals, nil
}

// NativeBalance returns the native currency balance of an account
func (r *RegistryReader) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	if r.state == nil {
		return nil, fmt.Errorf("native balance: no chain state reader configured")
	}
	balance, err := r.state.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

func (r *RegistryReader) call(ctx context.Context, contractABI abi.ABI, to common.Address, out interface{}, method string, args ...interface{}) error {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("failed to pack %s: %w", method, err)
	}

	result, err := r.caller.CallContract(ctx, ethereum.CallMsg{
		To:   &to,
		Data: data,
	}, nil)
	if err != nil {
		return fmt.Errorf("%s call failed: %w", method, err)
	}

	if err := contractABI.UnpackIntoInterface(out, method, result); err != nil {
		return fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return nil
}

// SetApprovalForAllCalldata builds the call a seller sends to the item
// registry to authorise the exchange for all of their items
func SetApprovalForAllCalldata(operator common.Address, approved bool) ([]byte, error) {
	data, err := GetERC721ABI().Pack("setApprovalForAll", operator, approved)
	if err != nil {
		return nil, fmt.Errorf("failed to pack setApprovalForAll: %w", err)
	}
	return data, nil
}

// ApproveCalldata builds the ERC20 approve call a bidder sends to authorise
// the exchange to pull amount
func ApproveCalldata(spender common.Address, amount *big.Int) ([]byte, error) {
	data, err := GetERC20ABI().Pack("approve", spender, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack approve: %w", err)
	}
	return data, nil
}

// MaxUint256 is the unlimited approval amount
func MaxUint256() *big.Int {
	return new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
}
