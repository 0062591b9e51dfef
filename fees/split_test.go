package fees

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	collector  = common.HexToAddress("0x000000000000000000000000000000000000fee5")
	collection = common.HexToAddress("0x000000000000000000000000000000000000c011")
	creator    = common.HexToAddress("0x000000000000000000000000000000000000c0de")
	referrer   = common.HexToAddress("0x000000000000000000000000000000000000aff1")
)

func baseConfig() Config {
	return Config{
		ExchangeFeeBps:    500,
		MaxExchangeFeeBps: 1_000,
		MaxRoyaltyBps:     1_000,
		FeeCollector:      collector,
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, baseConfig().Validate())

	cfg := baseConfig()
	cfg.ExchangeFeeBps = 1_001
	assert.ErrorIs(t, cfg.Validate(), ErrFeeConfigurationInvalid)

	cfg = baseConfig()
	cfg.MaxExchangeFeeBps = 10_001
	assert.ErrorIs(t, cfg.Validate(), ErrFeeConfigurationInvalid)

	cfg = baseConfig()
	cfg.MaxRoyaltyBps = 20_000
	assert.ErrorIs(t, cfg.Validate(), ErrFeeConfigurationInvalid)

	cfg = baseConfig()
	cfg.FeeCollector = common.Address{}
	assert.ErrorIs(t, cfg.Validate(), ErrFeeConfigurationInvalid)

	_, err := NewResolver(Config{ExchangeFeeBps: 10, MaxExchangeFeeBps: 5}, nil, nil)
	assert.ErrorIs(t, err, ErrFeeConfigurationInvalid)
}

func TestModeText(t *testing.T) {
	var m FeeMode
	require.NoError(t, m.UnmarshalText([]byte("deducted")))
	assert.Equal(t, FeeDeducted, m)
	require.NoError(t, m.UnmarshalText([]byte("")))
	assert.Equal(t, FeeOnTop, m)
	assert.ErrorIs(t, m.UnmarshalText([]byte("sideways")), ErrFeeConfigurationInvalid)

	var a AffiliateMode
	require.NoError(t, a.UnmarshalText([]byte("ADDITIVE")))
	assert.Equal(t, AffiliateAdditive, a)
	text, err := AffiliateCarveOut.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "carve_out", string(text))
}

func TestDirectSaleSplitOnTop(t *testing.T) {
	r, err := NewResolver(baseConfig(), nil, nil)
	require.NoError(t, err)

	split, err := r.ComputeSplit(context.Background(), big.NewInt(100), collection, big.NewInt(1), common.Address{})
	require.NoError(t, err)
	assert.Equal(t, "105", split.Gross.String())
	assert.Equal(t, "100", split.NetToSeller.String())
	assert.Equal(t, "5", split.ExchangeFee.String())
	assert.Equal(t, "5", split.CollectorFee.String())
	assert.Equal(t, "0", split.RoyaltyFee.String())
	assert.True(t, split.Reconciles())
}

func TestDeductedSplit(t *testing.T) {
	cfg := baseConfig()
	cfg.Mode = FeeDeducted
	royalties, err := NewStaticRoyaltyManager(1_000)
	require.NoError(t, err)
	require.NoError(t, royalties.Set(collection, 250, creator))

	r, err := NewResolver(cfg, royalties, nil)
	require.NoError(t, err)

	split, err := r.ComputeSplit(context.Background(), big.NewInt(1_000), collection, big.NewInt(1), common.Address{})
	require.NoError(t, err)
	assert.Equal(t, "1000", split.Gross.String())
	assert.Equal(t, "50", split.ExchangeFee.String())
	assert.Equal(t, "25", split.RoyaltyFee.String())
	assert.Equal(t, creator, split.RoyaltyRecipient)
	assert.Equal(t, "925", split.NetToSeller.String())
	assert.True(t, split.Reconciles())
}

func TestAffiliateModes(t *testing.T) {
	affiliates := NewAffiliateTable()
	require.NoError(t, affiliates.Register(referrer, 2_000))

	carve, err := NewResolver(baseConfig(), nil, affiliates)
	require.NoError(t, err)
	split, err := carve.ComputeSplit(context.Background(), big.NewInt(1_000), collection, big.NewInt(1), referrer)
	require.NoError(t, err)
	assert.Equal(t, "50", split.ExchangeFee.String())
	assert.Equal(t, "10", split.AffiliateFee.String())
	assert.Equal(t, "40", split.CollectorFee.String())
	assert.Equal(t, "1050", split.Gross.String())
	assert.Equal(t, referrer, split.Affiliate)
	assert.True(t, split.Reconciles())

	cfg := baseConfig()
	cfg.AffiliateMode = AffiliateAdditive
	add, err := NewResolver(cfg, nil, affiliates)
	require.NoError(t, err)
	split, err = add.ComputeSplit(context.Background(), big.NewInt(1_000), collection, big.NewInt(1), referrer)
	require.NoError(t, err)
	assert.Equal(t, "200", split.AffiliateFee.String())
	assert.Equal(t, "50", split.CollectorFee.String())
	assert.Equal(t, "1250", split.Gross.String())
	assert.True(t, split.Reconciles())

	// unregistered referrer earns nothing
	split, err = carve.ComputeSplit(context.Background(), big.NewInt(1_000), collection, big.NewInt(1), creator)
	require.NoError(t, err)
	assert.Equal(t, "0", split.AffiliateFee.String())
	assert.Equal(t, common.Address{}, split.Affiliate)
}

func TestReconciliationAcrossAmounts(t *testing.T) {
	royalties, err := NewStaticRoyaltyManager(1_000)
	require.NoError(t, err)
	require.NoError(t, royalties.Set(collection, 333, creator))
	affiliates := NewAffiliateTable()
	require.NoError(t, affiliates.Register(referrer, 1_234))

	for _, mode := range []FeeMode{FeeOnTop, FeeDeducted} {
		for _, affMode := range []AffiliateMode{AffiliateCarveOut, AffiliateAdditive} {
			for _, bps := range []uint64{0, 1, 250, 777, 1_000} {
				cfg := baseConfig()
				cfg.ExchangeFeeBps = bps
				cfg.Mode = mode
				cfg.AffiliateMode = affMode
				r, err := NewResolver(cfg, royalties, affiliates)
				require.NoError(t, err)

				for amount := int64(0); amount <= 2_500; amount += 7 {
					a := big.NewInt(amount)
					split, err := r.ComputeSplit(context.Background(), a, collection, big.NewInt(1), referrer)
					require.NoError(t, err)
					require.True(t, split.Reconciles(), "mode=%s aff=%s bps=%d amount=%d", mode, affMode, bps, amount)

					limit := new(big.Int).Mul(a, big.NewInt(int64(cfg.MaxExchangeFeeBps)))
					limit.Div(limit, big.NewInt(BasisPoints))
					require.True(t, split.ExchangeFee.Cmp(limit) <= 0)

					if mode == FeeDeducted && affMode == AffiliateCarveOut {
						sum := new(big.Int).Add(split.NetToSeller, split.ExchangeFee)
						sum.Add(sum, split.RoyaltyFee)
						require.Equal(t, 0, sum.Cmp(a))
					}
				}
			}
		}
	}
}

type fixedRoyalty struct {
	fee       *big.Int
	recipient common.Address
	err       error
}

func (f fixedRoyalty) Resolve(context.Context, common.Address, *big.Int, *big.Int) (*big.Int, common.Address, error) {
	return f.fee, f.recipient, f.err
}

func TestRoyaltyRechecked(t *testing.T) {
	r, err := NewResolver(baseConfig(), fixedRoyalty{fee: big.NewInt(11), recipient: creator}, nil)
	require.NoError(t, err)
	_, err = r.ComputeSplit(context.Background(), big.NewInt(100), collection, big.NewInt(1), common.Address{})
	assert.ErrorIs(t, err, ErrFeeConfigurationInvalid)

	r, err = NewResolver(baseConfig(), fixedRoyalty{fee: big.NewInt(5)}, nil)
	require.NoError(t, err)
	_, err = r.ComputeSplit(context.Background(), big.NewInt(100), collection, big.NewInt(1), common.Address{})
	assert.ErrorIs(t, err, ErrFeeConfigurationInvalid)

	boom := errors.New("royalty registry down")
	r, err = NewResolver(baseConfig(), fixedRoyalty{err: boom}, nil)
	require.NoError(t, err)
	_, err = r.ComputeSplit(context.Background(), big.NewInt(100), collection, big.NewInt(1), common.Address{})
	assert.ErrorIs(t, err, boom)
}

func TestComputeSplitRejectsBadAmount(t *testing.T) {
	r, err := NewResolver(baseConfig(), nil, nil)
	require.NoError(t, err)
	_, err = r.ComputeSplit(context.Background(), nil, collection, big.NewInt(1), common.Address{})
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = r.ComputeSplit(context.Background(), big.NewInt(-1), collection, big.NewInt(1), common.Address{})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestStaticRoyaltyManagerCap(t *testing.T) {
	_, err := NewStaticRoyaltyManager(10_001)
	assert.ErrorIs(t, err, ErrFeeConfigurationInvalid)

	m, err := NewStaticRoyaltyManager(500)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), m.MaxBps())
	assert.ErrorIs(t, m.Set(collection, 501, creator), ErrFeeConfigurationInvalid)
	assert.ErrorIs(t, m.Set(collection, 100, common.Address{}), ErrFeeConfigurationInvalid)

	require.NoError(t, m.Set(collection, 500, creator))
	fee, recipient, err := m.Resolve(context.Background(), collection, big.NewInt(1), big.NewInt(999))
	require.NoError(t, err)
	assert.Equal(t, "49", fee.String())
	assert.Equal(t, creator, recipient)

	m.Remove(collection)
	fee, _, err = m.Resolve(context.Background(), collection, big.NewInt(1), big.NewInt(999))
	require.NoError(t, err)
	assert.Equal(t, "0", fee.String())
}

func TestAffiliateTableValidation(t *testing.T) {
	tbl := NewAffiliateTable()
	assert.ErrorIs(t, tbl.Register(common.Address{}, 10), ErrFeeConfigurationInvalid)
	assert.ErrorIs(t, tbl.Register(referrer, 10_001), ErrFeeConfigurationInvalid)
	require.NoError(t, tbl.Register(referrer, 10))
	bps, ok, err := tbl.AffiliateBps(context.Background(), referrer)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(10), bps)
	tbl.Remove(referrer)
	_, ok, _ = tbl.AffiliateBps(context.Background(), referrer)
	assert.False(t, ok)
}
