package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRegistry answers eth_call requests from in-memory tables
type fakeRegistry struct {
	owners    map[string]common.Address
	approved  map[string]common.Address
	operators map[common.Address]bool
	balances  map[common.Address]*big.Int
	allowance *big.Int
	decimals  uint8
	native    map[common.Address]*big.Int
	calls     map[string]int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		owners:    make(map[string]common.Address),
		approved:  make(map[string]common.Address),
		operators: make(map[common.Address]bool),
		balances:  make(map[common.Address]*big.Int),
		allowance: big.NewInt(0),
		native:    make(map[common.Address]*big.Int),
		calls:     make(map[string]int),
	}
}

func (f *fakeRegistry) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if len(msg.Data) < 4 {
		return nil, errors.New("short calldata")
	}
	erc721, erc20 := GetERC721ABI(), GetERC20ABI()
	method, err := erc721.MethodById(msg.Data[:4])
	if err != nil {
		method, err = erc20.MethodById(msg.Data[:4])
		if err != nil {
			return nil, err
		}
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	f.calls[method.Name]++

	switch method.Name {
	case "ownerOf":
		return method.Outputs.Pack(f.owners[args[0].(*big.Int).String()])
	case "getApproved":
		return method.Outputs.Pack(f.approved[args[0].(*big.Int).String()])
	case "isApprovedForAll":
		return method.Outputs.Pack(f.operators[args[1].(common.Address)])
	case "balanceOf":
		bal := f.balances[args[0].(common.Address)]
		if bal == nil {
			bal = big.NewInt(0)
		}
		return method.Outputs.Pack(bal)
	case "allowance":
		return method.Outputs.Pack(f.allowance)
	case "decimals":
		return method.Outputs.Pack(f.decimals)
	}
	return nil, fmt.Errorf("unexpected method %s", method.Name)
}

func (f *fakeRegistry) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	if bal, ok := f.native[account]; ok {
		return bal, nil
	}
	return big.NewInt(0), nil
}

func (f *fakeRegistry) StorageAt(context.Context, common.Address, common.Hash, *big.Int) ([]byte, error) {
	return nil, nil
}

func (f *fakeRegistry) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return nil, nil
}

func (f *fakeRegistry) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	return 0, nil
}

func TestRegistryReaderItemQueries(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRegistry()
	owner := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	fake.owners["7"] = owner
	fake.approved["7"] = testExchange
	fake.operators[testExchange] = true

	r := NewRegistryReader(fake, fake)

	got, err := r.OwnerOf(ctx, testCollection, big.NewInt(7))
	require.NoError(t, err)
	assert.Equal(t, owner, got)

	approved, err := r.GetApproved(ctx, testCollection, big.NewInt(7))
	require.NoError(t, err)
	assert.Equal(t, testExchange, approved)

	all, err := r.IsApprovedForAll(ctx, testCollection, owner, testExchange)
	require.NoError(t, err)
	assert.True(t, all)

	all, err = r.IsApprovedForAll(ctx, testCollection, owner, testToken)
	require.NoError(t, err)
	assert.False(t, all)
}

func TestRegistryReaderPaymentQueries(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRegistry()
	holder := common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	fake.balances[holder] = big.NewInt(1_000)
	fake.allowance = big.NewInt(250)
	fake.decimals = 18
	fake.native[holder] = big.NewInt(42)

	r := NewRegistryReader(fake, fake)

	bal, err := r.TokenBalance(ctx, testToken, holder)
	require.NoError(t, err)
	assert.Equal(t, "1000", bal.String())

	allowance, err := r.TokenAllowance(ctx, testToken, holder, testExchange)
	require.NoError(t, err)
	assert.Equal(t, "250", allowance.String())

	native, err := r.NativeBalance(ctx, holder)
	require.NoError(t, err)
	assert.Equal(t, "42", native.String())

	for i := 0; i < 3; i++ {
		dec, err := r.TokenDecimals(ctx, testToken)
		require.NoError(t, err)
		assert.Equal(t, uint8(18), dec)
	}
	assert.Equal(t, 1, fake.calls["decimals"])
}

func TestRegistryReaderWithoutState(t *testing.T) {
	r := NewRegistryReader(newFakeRegistry(), nil)
	_, err := r.NativeBalance(context.Background(), testExchange)
	assert.Error(t, err)
}

func TestApprovalCalldata(t *testing.T) {
	data, err := SetApprovalForAllCalldata(testExchange, true)
	require.NoError(t, err)
	erc721, erc20 := GetERC721ABI(), GetERC20ABI()
	method, err := erc721.MethodById(data[:4])
	require.NoError(t, err)
	assert.Equal(t, "setApprovalForAll", method.Name)
	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, testExchange, args[0])
	assert.Equal(t, true, args[1])

	data, err = ApproveCalldata(testExchange, MaxUint256())
	require.NoError(t, err)
	method, err = erc20.MethodById(data[:4])
	require.NoError(t, err)
	assert.Equal(t, "approve", method.Name)
	args, err = method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, 0, MaxUint256().Cmp(args[1].(*big.Int)))
	assert.Equal(t, 256, MaxUint256().BitLen())
}
