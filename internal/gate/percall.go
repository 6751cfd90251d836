package gate

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cashflow402/gateway/internal/apperr"
	"github.com/cashflow402/gateway/internal/store"
	"github.com/cashflow402/gateway/internal/token"
)

// PaymentContextKey is where the per-call gate stores verified claims
// on the gin context.
const PaymentContextKey = "percallPayment"

// ChallengeResponse is the 402 body offering a payment challenge.
type ChallengeResponse struct {
	PaymentURI      string     `json:"paymentUri"`
	AmountSats      store.Sats `json:"amountSats"`
	MerchantAddress string     `json:"merchantAddress"`
	Nonce           string     `json:"nonce"`
	VerifyURL       string     `json:"verifyUrl"`
	ExpiresAt       time.Time  `json:"expiresAt"`
	Instructions    []string   `json:"instructions"`
}

// RequirePayment admits requests bearing a valid per-call token and
// challenges everything else with a 402 payment offer.
func (g *Gate) RequirePayment() gin.HandlerFunc {
	return func(c *gin.Context) {
		bearer := extractBearer(c)
		if bearer != "" {
			claims, err := g.signer.Verify(bearer)
			if err == nil && claims.Type == token.TypePerCall {
				c.Set(PaymentContextKey, claims)
				c.Next()
				return
			}
		}
		g.challenge(c)
	}
}

func (g *Gate) challenge(c *gin.Context) {
	resp := g.NewChallenge(c.Request.URL.Path)
	c.Header("Payment-Required", resp.PaymentURI)
	c.AbortWithStatusJSON(http.StatusPaymentRequired, resp)
	g.log.Debug(c.Request.Context(), "Issued payment challenge", map[string]interface{}{
		"nonce":      resp.Nonce,
		"amountSats": resp.AmountSats,
		"path":       c.Request.URL.Path,
	})
}

// NewChallenge mints and stores a payment challenge for the given API
// path. Also served directly by the manual challenge endpoint.
func (g *Gate) NewChallenge(path string) *ChallengeResponse {
	nonce := uuid.NewString()
	expiresAt := time.Now().Add(store.NonceTTL)
	g.nonces.Store(&store.Challenge{
		Nonce:           nonce,
		MerchantAddress: g.merchantAddress,
		AmountSats:      g.defaultRate,
		APIPath:         path,
		ExpiresAt:       expiresAt,
	})
	return &ChallengeResponse{
		PaymentURI:      paymentURI(g.merchantAddress, g.defaultRate, path, nonce),
		AmountSats:      g.defaultRate,
		MerchantAddress: g.merchantAddress,
		Nonce:           nonce,
		VerifyURL:       "/verify-payment",
		ExpiresAt:       expiresAt.UTC(),
		Instructions: []string{
			fmt.Sprintf("Send %d sats to %s.", g.defaultRate, g.merchantAddress),
			"POST the transaction id and this nonce to /verify-payment.",
			"Retry the request with the returned access token as a bearer token.",
		},
	}
}

// VerifyPaymentResult carries a freshly issued per-call token.
type VerifyPaymentResult struct {
	AccessToken      string `json:"accessToken"`
	ExpiresInSeconds int    `json:"expiresInSeconds"`
}

// VerifyPayment redeems a challenge: the nonce is consumed first, so a
// replayed txid cannot buy a second token.
func (g *Gate) VerifyPayment(ctx context.Context, txid, nonce string) (*VerifyPaymentResult, error) {
	if txid == "" || nonce == "" {
		return nil, apperr.New(apperr.BadRequest, "txid and nonce are required")
	}
	challenge := g.nonces.Consume(nonce)
	if challenge == nil {
		return nil, apperr.New(apperr.BadRequest, "nonce not found, expired, or already used").
			WithHint("request a new challenge and pay again")
	}

	res, err := g.verif.VerifyPerCall(ctx, txid, challenge.MerchantAddress, challenge.AmountSats.Int64())
	if err != nil {
		return nil, err
	}
	if !res.Verified {
		return nil, apperr.Newf(apperr.PaymentRequired, "payment not verified: %s", res.Reason)
	}

	accessToken, err := g.signer.SignPerCall(txid, res.AmountSats, nonce)
	if err != nil {
		return nil, err
	}
	g.log.Info(ctx, "Per-call payment redeemed", map[string]interface{}{
		"txid":       txid,
		"amountSats": res.AmountSats,
	})
	return &VerifyPaymentResult{
		AccessToken:      accessToken,
		ExpiresInSeconds: int(g.signer.PerCallExpiry() / time.Second),
	}, nil
}

// paymentURI builds the BIP-21 style URI clients pay against. Cash
// addresses already carry their network prefix, so the address doubles
// as the URI scheme and body.
func paymentURI(address string, sats store.Sats, path, nonce string) string {
	bch := strconv.FormatFloat(float64(sats)/1e8, 'f', 8, 64)
	q := url.Values{}
	q.Set("amount", bch)
	q.Set("label", "API access")
	q.Set("message", "Payment for "+path)
	q.Set("nonce", nonce)
	return address + "?" + q.Encode()
}

func extractBearer(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return c.GetHeader("X-Payment-Token")
}
