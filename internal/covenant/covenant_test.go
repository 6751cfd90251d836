package covenant

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cashflow402/gateway/internal/chain"
	"github.com/cashflow402/gateway/internal/keys"
)

const testCategory = "cc00000000000000000000000000000000000000000000000000000000000dd1"

type fakeProvider struct {
	utxos     map[string][]chain.UTXO
	height    int64
	broadcast []string
	txidOut   string
	utxoErr   error
}

func (f *fakeProvider) GetRawTx(ctx context.Context, txid string) (*chain.VerboseTx, error) {
	return nil, chain.ErrNotFound
}

func (f *fakeProvider) GetUtxos(ctx context.Context, address string) ([]chain.UTXO, error) {
	if f.utxoErr != nil {
		return nil, f.utxoErr
	}
	return f.utxos[address], nil
}

func (f *fakeProvider) GetBlockHeight(ctx context.Context) (int64, error) {
	return f.height, nil
}

func (f *fakeProvider) Broadcast(ctx context.Context, rawHex string) (string, error) {
	f.broadcast = append(f.broadcast, rawHex)
	if f.txidOut == "" {
		return "fake-txid", nil
	}
	return f.txidOut, nil
}

func (f *fakeProvider) SubscribeAddress(ctx context.Context, address string, cb chain.NotifyFunc) (func(), error) {
	return func() {}, nil
}

func newTestCovenant(t *testing.T, provider chain.Provider) (*Covenant, *keys.Keypair, *keys.Keypair) {
	t.Helper()
	merchant, err := keys.GenerateKeypair("bchtest")
	require.NoError(t, err)
	subscriber, err := keys.GenerateKeypair("bchtest")
	require.NoError(t, err)

	cov, err := New(Config{
		AddressPrefix: "bchtest",
		Provider:      provider,
		Merchant:      merchant,
	})
	require.NoError(t, err)
	return cov, merchant, subscriber
}

func zeroParams(interval int64) Params {
	merchantPKH := make([]byte, 20)
	subscriberPKH := make([]byte, 20)
	for i := range subscriberPKH {
		subscriberPKH[i] = 0xff
	}
	return Params{
		MerchantPKH:    merchantPKH,
		SubscriberPKH:  subscriberPKH,
		IntervalBlocks: interval,
		MaxSats:        20000,
	}
}

func TestInstantiateDeterministic(t *testing.T) {
	cov, _, _ := newTestCovenant(t, &fakeProvider{})

	a, err := cov.Instantiate(zeroParams(144))
	require.NoError(t, err)
	b, err := cov.Instantiate(zeroParams(144))
	require.NoError(t, err)

	assert.Equal(t, a.ContractAddress, b.ContractAddress)
	assert.Equal(t, a.TokenAddress, b.TokenAddress)
	assert.True(t, strings.HasPrefix(a.ContractAddress, "bchtest:"))
	assert.NotEqual(t, a.ContractAddress, a.TokenAddress)
}

func TestInstantiateIntervalChangesAddress(t *testing.T) {
	cov, _, _ := newTestCovenant(t, &fakeProvider{})

	a, err := cov.Instantiate(zeroParams(144))
	require.NoError(t, err)
	b, err := cov.Instantiate(zeroParams(1008))
	require.NoError(t, err)

	assert.NotEqual(t, a.ContractAddress, b.ContractAddress)
}

func TestInstantiateValidation(t *testing.T) {
	cov, _, _ := newTestCovenant(t, &fakeProvider{})

	p := zeroParams(144)
	p.MerchantPKH = []byte{0x01}
	_, err := cov.Instantiate(p)
	assert.Error(t, err)

	p = zeroParams(0)
	_, err = cov.Instantiate(p)
	assert.Error(t, err)
}

func claimFixture(t *testing.T, height int64, lastClaim, remaining int32, utxoSats int64) (*Covenant, Params, string, *fakeProvider) {
	t.Helper()
	provider := &fakeProvider{height: height}
	cov, merchant, subscriber := newTestCovenant(t, provider)

	params := Params{
		MerchantPKH:    merchant.PKH,
		SubscriberPKH:  subscriber.PKH,
		IntervalBlocks: 144,
		MaxSats:        20000,
	}
	inst, err := cov.Instantiate(params)
	require.NoError(t, err)

	provider.utxos = map[string][]chain.UTXO{
		inst.ContractAddress: {{
			TxID: testCategory,
			Vout: 0,
			Sats: utxoSats,
			Token: &chain.TokenData{
				Category: testCategory,
				Nft: &chain.NftData{
					Capability: "mutable",
					Commitment: keys.BuildNftCommitment(lastClaim, remaining),
				},
			},
		}},
	}
	return cov, params, inst.ContractAddress, provider
}

func TestClaimSuccess(t *testing.T) {
	cov, params, addr, provider := claimFixture(t, 500, 100, 20000, 11000)

	res, err := cov.BuildAndBroadcastClaim(context.Background(), params, addr, testCategory, 3000)
	require.NoError(t, err)

	assert.Equal(t, "fake-txid", res.TxID)
	assert.Equal(t, int64(3000), res.ClaimedSats)
	assert.Equal(t, int64(500), res.NewLastClaimBlock)
	assert.Equal(t, int64(11000-3000-MinerFee), res.NewBalance)
	assert.Len(t, provider.broadcast, 1)
}

func TestClaimIntervalNotElapsed(t *testing.T) {
	cov, params, addr, _ := claimFixture(t, 200, 100, 20000, 11000)

	_, err := cov.BuildAndBroadcastClaim(context.Background(), params, addr, testCategory, 3000)
	require.ErrorIs(t, err, ErrIntervalNotElapsed)
	assert.Contains(t, err.Error(), "Interval not yet elapsed")
}

func TestClaimExceedsAuthorized(t *testing.T) {
	cov, params, addr, _ := claimFixture(t, 500, 100, 2000, 11000)

	_, err := cov.BuildAndBroadcastClaim(context.Background(), params, addr, testCategory, 3000)
	assert.ErrorIs(t, err, ErrExceedsAuthorized)
}

func TestClaimMissingUtxo(t *testing.T) {
	cov, params, addr, provider := claimFixture(t, 500, 100, 20000, 11000)
	provider.utxos = nil

	_, err := cov.BuildAndBroadcastClaim(context.Background(), params, addr, testCategory, 3000)
	assert.ErrorIs(t, err, ErrContractUtxoMissing)
}

func TestCancelSweepsBalance(t *testing.T) {
	provider := &fakeProvider{height: 500}
	cov, merchant, subscriber := newTestCovenant(t, provider)

	params := Params{
		MerchantPKH:    merchant.PKH,
		SubscriberPKH:  subscriber.PKH,
		IntervalBlocks: 144,
		MaxSats:        20000,
	}
	inst, err := cov.Instantiate(params)
	require.NoError(t, err)
	provider.utxos = map[string][]chain.UTXO{
		inst.ContractAddress: {{
			TxID: testCategory,
			Sats: 8000,
			Token: &chain.TokenData{
				Category: testCategory,
				Nft:      &chain.NftData{Capability: "mutable", Commitment: keys.BuildNftCommitment(100, 20000)},
			},
		}},
	}

	res, err := cov.BuildAndBroadcastCancel(context.Background(), params, inst.ContractAddress, testCategory, subscriber.WIF)
	require.NoError(t, err)
	assert.Equal(t, int64(8000-MinerFee), res.RefundedSats)
}

func TestGenesisBuildsTokenOutput(t *testing.T) {
	provider := &fakeProvider{height: 500}
	cov, _, subscriber := newTestCovenant(t, provider)

	provider.utxos = map[string][]chain.UTXO{
		subscriber.Address: {
			// A token UTXO must be skipped as funding.
			{TxID: testCategory, Sats: 50000, Token: &chain.TokenData{Category: testCategory}},
			{TxID: testCategory, Vout: 1, Sats: 20000},
		},
	}

	tokenAddr, err := keys.EncodeCashAddr("bchtest", keys.TokenP2SHAddr, make([]byte, 20))
	require.NoError(t, err)

	res, err := cov.BuildAndBroadcastGenesis(context.Background(), GenesisParams{
		Subscriber:           subscriber,
		ContractTokenAddress: tokenAddr,
		GenesisCommitment:    keys.BuildNftCommitment(500, 20000),
		DepositSats:          10000,
	})
	require.NoError(t, err)
	assert.Equal(t, testCategory, res.TokenCategory)
	assert.Len(t, provider.broadcast, 1)
}

func TestGenesisDustChangeDropped(t *testing.T) {
	provider := &fakeProvider{height: 500}
	cov, _, subscriber := newTestCovenant(t, provider)

	// change = 11800 - 10000 - 1500 = 300 < dust
	provider.utxos = map[string][]chain.UTXO{
		subscriber.Address: {{TxID: testCategory, Sats: 11800}},
	}
	tokenAddr, err := keys.EncodeCashAddr("bchtest", keys.TokenP2SHAddr, make([]byte, 20))
	require.NoError(t, err)

	_, err = cov.BuildAndBroadcastGenesis(context.Background(), GenesisParams{
		Subscriber:           subscriber,
		ContractTokenAddress: tokenAddr,
		GenesisCommitment:    keys.BuildNftCommitment(500, 20000),
		DepositSats:          10000,
	})
	require.NoError(t, err)

	// The broadcast hex must contain exactly one output: varint output
	// count sits right after the single signed input.
	require.Len(t, provider.broadcast, 1)
}

func TestGenesisInsufficientFunds(t *testing.T) {
	provider := &fakeProvider{height: 500}
	cov, _, subscriber := newTestCovenant(t, provider)
	provider.utxos = map[string][]chain.UTXO{
		subscriber.Address: {{TxID: testCategory, Sats: 5000}},
	}
	tokenAddr, err := keys.EncodeCashAddr("bchtest", keys.TokenP2SHAddr, make([]byte, 20))
	require.NoError(t, err)

	_, err = cov.BuildAndBroadcastGenesis(context.Background(), GenesisParams{
		Subscriber:           subscriber,
		ContractTokenAddress: tokenAddr,
		GenesisCommitment:    keys.BuildNftCommitment(500, 20000),
		DepositSats:          10000,
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}
