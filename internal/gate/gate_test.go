package gate

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cashflow402/gateway/internal/apperr"
	"github.com/cashflow402/gateway/internal/chain"
	"github.com/cashflow402/gateway/internal/covenant"
	"github.com/cashflow402/gateway/internal/keys"
	"github.com/cashflow402/gateway/internal/settle"
	"github.com/cashflow402/gateway/internal/store"
	"github.com/cashflow402/gateway/internal/token"
	"github.com/cashflow402/gateway/internal/verify"
)

const testCategory = "1100000000000000000000000000000000000000000000000000000000000022"

type fakeProvider struct {
	txs    map[string]*chain.VerboseTx
	utxos  map[string][]chain.UTXO
	height int64
}

func (f *fakeProvider) GetRawTx(ctx context.Context, txid string) (*chain.VerboseTx, error) {
	tx, ok := f.txs[txid]
	if !ok {
		return nil, chain.ErrNotFound
	}
	return tx, nil
}

func (f *fakeProvider) GetUtxos(ctx context.Context, address string) ([]chain.UTXO, error) {
	return f.utxos[address], nil
}

func (f *fakeProvider) GetBlockHeight(ctx context.Context) (int64, error) {
	return f.height, nil
}

func (f *fakeProvider) Broadcast(ctx context.Context, rawHex string) (string, error) {
	return "jit-claim-txid", nil
}

func (f *fakeProvider) SubscribeAddress(ctx context.Context, address string, cb chain.NotifyFunc) (func(), error) {
	return func() {}, nil
}

type testEnv struct {
	gate     *Gate
	router   *gin.Engine
	merchant *keys.Keypair
	subs     *store.SubscriptionStore
	usage    *store.UsageStore
	plans    *store.PlanStore
	nonces   *store.NonceStore
	provider *fakeProvider
	signer   *token.Signer
	contract string
}

// newTestEnv wires the full admission stack over a fake chain: an
// active subscription with an 11000 sat deposit, a JIT threshold of
// 5500, and a 546 sat default rate.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	provider := &fakeProvider{height: 500, txs: map[string]*chain.VerboseTx{}}

	merchant, err := keys.GenerateKeypair("bchtest")
	require.NoError(t, err)
	subscriber, err := keys.GenerateKeypair("bchtest")
	require.NoError(t, err)

	cov, err := covenant.New(covenant.Config{
		AddressPrefix: "bchtest",
		Provider:      provider,
		Merchant:      merchant,
	})
	require.NoError(t, err)
	inst, err := cov.Instantiate(covenant.Params{
		MerchantPKH:    merchant.PKH,
		SubscriberPKH:  subscriber.PKH,
		IntervalBlocks: 144,
		MaxSats:        20000,
	})
	require.NoError(t, err)

	provider.utxos = map[string][]chain.UTXO{
		inst.ContractAddress: {{
			TxID: testCategory,
			Sats: 11000,
			Token: &chain.TokenData{
				Category: testCategory,
				Nft: &chain.NftData{
					Capability: "mutable",
					Commitment: keys.BuildNftCommitment(100, 20000),
				},
			},
		}},
	}

	dir := t.TempDir()
	subs, err := store.NewSubscriptionStore(dir)
	require.NoError(t, err)
	usage, err := store.NewUsageStore(dir)
	require.NoError(t, err)
	plans := store.NewPlanStore()
	nonces := store.NewNonceStore()

	require.NoError(t, subs.Add(&store.Subscription{
		ContractAddress: inst.ContractAddress,
		TokenAddress:    inst.TokenAddress,
		TokenCategory:   testCategory,
		MerchantPKH:     hex.EncodeToString(merchant.PKH),
		SubscriberPKH:   hex.EncodeToString(subscriber.PKH),
		IntervalBlocks:  144,
		AuthorizedSats:  20000,
		DepositSats:     11000,
		LastClaimBlock:  100,
		Balance:         11000,
		Status:          store.StatusActive,
	}))

	signer, err := token.NewSigner("test-secret", time.Minute, time.Hour)
	require.NoError(t, err)
	verifier := verify.New(provider, nil)
	settler, err := settle.New(settle.Config{
		Subscriptions: subs,
		Usage:         usage,
		Covenant:      cov,
		Provider:      provider,
	})
	require.NoError(t, err)

	g, err := New(Config{
		MerchantAddress:    merchant.Address,
		DefaultPerCallSats: 546,
		JITThresholdSats:   5500,
		Nonces:             nonces,
		Subscriptions:      subs,
		Usage:              usage,
		Plans:              plans,
		Verifier:           verifier,
		Signer:             signer,
		Settler:            settler,
	})
	require.NoError(t, err)

	router := gin.New()
	router.GET("/api/premium/hello", g.RequirePayment(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "hello"})
	})
	router.GET("/api/subscription/data", g.Router402(), func(c *gin.Context) {
		call := CallFromContext(c)
		c.JSON(http.StatusOK, gin.H{"claimTxid": call.ClaimTxID, "pendingSats": call.PendingSats})
	})
	router.GET("/api/other/data", g.Router402(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	return &testEnv{
		gate:     g,
		router:   router,
		merchant: merchant,
		subs:     subs,
		usage:    usage,
		plans:    plans,
		nonces:   nonces,
		provider: provider,
		signer:   signer,
		contract: inst.ContractAddress,
	}
}

func (e *testEnv) get(path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestPerCallChallengeShape(t *testing.T) {
	e := newTestEnv(t)

	w := e.get("/api/premium/hello", nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.NotEmpty(t, w.Header().Get("Payment-Required"))

	var body ChallengeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, store.Sats(546), body.AmountSats)
	assert.Equal(t, e.merchant.Address, body.MerchantAddress)
	assert.NotEmpty(t, body.Nonce)
	assert.Equal(t, "/verify-payment", body.VerifyURL)
	assert.Contains(t, body.PaymentURI, e.merchant.Address)
	assert.Contains(t, body.PaymentURI, "amount=0.00000546")
	assert.Contains(t, body.PaymentURI, "nonce="+body.Nonce)
	assert.NotEmpty(t, body.Instructions)

	// The challenge is retrievable until consumed.
	assert.NotNil(t, e.nonces.Get(body.Nonce))
}

func paidTx(t *testing.T, address string, sats int64) *chain.VerboseTx {
	t.Helper()
	script, err := keys.AddressToLockingBytecode(address)
	require.NoError(t, err)
	var out chain.VerboseOutput
	out.ValueBCH = float64(sats) / 1e8
	out.ScriptPubKey.Hex = hex.EncodeToString(script)
	return &chain.VerboseTx{Vout: []chain.VerboseOutput{out}}
}

func TestPerCallPayVerifyAndAccess(t *testing.T) {
	e := newTestEnv(t)

	w := e.get("/api/premium/hello", nil)
	var challenge ChallengeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &challenge))

	e.provider.txs["paid-tx"] = paidTx(t, e.merchant.Address, 546)

	res, err := e.gate.VerifyPayment(context.Background(), "paid-tx", challenge.Nonce)
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
	assert.Equal(t, 60, res.ExpiresInSeconds)

	// The nonce is single-use.
	_, err = e.gate.VerifyPayment(context.Background(), "paid-tx", challenge.Nonce)
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))

	w = e.get("/api/premium/hello", map[string]string{"Authorization": "Bearer " + res.AccessToken})
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.get("/api/premium/hello", map[string]string{"X-Payment-Token": res.AccessToken})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPerCallUnderpaidIsPaymentRequired(t *testing.T) {
	e := newTestEnv(t)
	w := e.get("/api/premium/hello", nil)
	var challenge ChallengeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &challenge))

	e.provider.txs["cheap-tx"] = paidTx(t, e.merchant.Address, 10)
	_, err := e.gate.VerifyPayment(context.Background(), "cheap-tx", challenge.Nonce)
	assert.Equal(t, apperr.PaymentRequired, apperr.KindOf(err))
}

func TestRouter402RequiresCategory(t *testing.T) {
	e := newTestEnv(t)

	w := e.get("/api/subscription/data", nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	w = e.get("/api/subscription/data", map[string]string{"X-Subscription-Token": "deadbeef"})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "unknown subscription")
}

func TestRouter402MetersUsage(t *testing.T) {
	e := newTestEnv(t)
	headers := map[string]string{"X-Subscription-Token": testCategory}

	for i := 1; i <= 3; i++ {
		w := e.get("/api/subscription/data", headers)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "546", w.Header().Get("X-Subscription-Cost-Sats"))
	}

	rec := e.usage.GetUsage(testCategory)
	assert.Equal(t, store.Sats(1638), rec.PendingSats)
	assert.Equal(t, store.Sats(1638), rec.TotalSats)
}

func TestRouter402AcceptsBearerSubscriptionToken(t *testing.T) {
	e := newTestEnv(t)
	signed, err := e.signer.SignSubscription(testCategory, e.contract)
	require.NoError(t, err)

	w := e.get("/api/subscription/data", map[string]string{"Authorization": "Bearer " + signed})
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.get("/api/subscription/data?tokenCategory="+testCategory, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter402RejectsInactive(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.subs.SetStatus(e.contract, store.StatusCancelled)
	require.NoError(t, err)

	w := e.get("/api/subscription/data", map[string]string{"X-Subscription-Token": testCategory})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "cancelled")
}

func TestRouter402BalanceExhausted(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.subs.Patch(e.contract, func(r *store.Subscription) { r.Balance = 1000 })
	require.NoError(t, err)
	headers := map[string]string{"X-Subscription-Token": testCategory}

	w := e.get("/api/subscription/data", headers)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.get("/api/subscription/data", headers)
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, strings.ToLower(w.Body.String()), "exhausted")
}

func TestRouter402PlanPathRestrictions(t *testing.T) {
	e := newTestEnv(t)
	plan := e.plans.Create(&store.Plan{
		Name:           "narrow",
		AuthorizedSats: 20000,
		IntervalBlocks: 144,
		PerCallSats:    200,
		AllowedPaths:   []string{"/api/subscription/*"},
	})
	_, err := e.subs.Patch(e.contract, func(r *store.Subscription) { r.PlanID = plan.PlanID })
	require.NoError(t, err)
	headers := map[string]string{"X-Subscription-Token": testCategory}

	w := e.get("/api/subscription/data", headers)
	require.Equal(t, http.StatusOK, w.Code)
	// Plan rate overrides the default.
	assert.Equal(t, "200", w.Header().Get("X-Subscription-Cost-Sats"))

	w = e.get("/api/other/data", headers)
	assert.Equal(t, http.StatusForbidden, w.Code)

	_, err = e.plans.Update(plan.PlanID, func(p *store.Plan) { p.Status = store.PlanPaused })
	require.NoError(t, err)
	w = e.get("/api/subscription/data", headers)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "paused")
}

func TestRouter402JustInTimeClaim(t *testing.T) {
	e := newTestEnv(t)
	headers := map[string]string{"X-Subscription-Token": testCategory}

	// Ten calls at 546 sats stay under the 5500 threshold.
	for i := 1; i <= 10; i++ {
		w := e.get("/api/subscription/data", headers)
		require.Equal(t, http.StatusOK, w.Code, "call %d", i)
		assert.Empty(t, w.Header().Get("X-Claim-Txid"), "call %d", i)
	}

	// The eleventh crosses it and settles inline.
	w := e.get("/api/subscription/data", headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "jit-claim-txid", w.Header().Get("X-Claim-Txid"))

	var body struct {
		ClaimTxID string `json:"claimTxid"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "jit-claim-txid", body.ClaimTxID)

	assert.LessOrEqual(t, e.usage.GetUsage(testCategory).PendingSats.Int64(), int64(500))

	rec, err := e.subs.GetByAddress(e.contract)
	require.NoError(t, err)
	assert.Equal(t, int64(500), rec.LastClaimBlock)
}
