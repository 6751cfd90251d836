// Package token signs and verifies the gateway's bearer tokens: short
// per-call receipts and longer-lived subscription session tokens.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token types carried in the "type" claim.
const (
	TypePerCall      = "percall"
	TypeSubscription = "subscription"
)

// ErrInvalidToken covers tampered, expired, and malformed tokens.
// Callers never learn which; the client just re-pays.
var ErrInvalidToken = errors.New("invalid or expired token")

// Claims is the signed envelope. Per-call tokens carry the paid txid,
// amount, and consumed nonce; subscription tokens carry the contract
// identity.
type Claims struct {
	Type            string `json:"type"`
	TxID            string `json:"txid,omitempty"`
	AmountSats      int64  `json:"amountSats,omitempty"`
	Nonce           string `json:"nonce,omitempty"`
	TokenCategory   string `json:"tokenCategory,omitempty"`
	ContractAddress string `json:"contractAddress,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HMAC-SHA256 tokens.
type Signer struct {
	secret             []byte
	perCallExpiry      time.Duration
	subscriptionExpiry time.Duration
}

// NewSigner creates a signer. Expiries of zero fall back to 60 s for
// per-call tokens and one hour for subscription tokens.
func NewSigner(secret string, perCallExpiry, subscriptionExpiry time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("token: signing secret is required")
	}
	if perCallExpiry <= 0 {
		perCallExpiry = time.Minute
	}
	if subscriptionExpiry <= 0 {
		subscriptionExpiry = time.Hour
	}
	return &Signer{
		secret:             []byte(secret),
		perCallExpiry:      perCallExpiry,
		subscriptionExpiry: subscriptionExpiry,
	}, nil
}

// PerCallExpiry returns the per-call token lifetime.
func (s *Signer) PerCallExpiry() time.Duration { return s.perCallExpiry }

// SignPerCall issues a token proving a verified per-call payment.
func (s *Signer) SignPerCall(txid string, amountSats int64, nonce string) (string, error) {
	return s.sign(&Claims{
		Type:       TypePerCall,
		TxID:       txid,
		AmountSats: amountSats,
		Nonce:      nonce,
	}, s.perCallExpiry)
}

// SignSubscription issues a session token bound to a funded contract.
func (s *Signer) SignSubscription(tokenCategory, contractAddress string) (string, error) {
	return s.sign(&Claims{
		Type:            TypeSubscription,
		TokenCategory:   tokenCategory,
		ContractAddress: contractAddress,
	}, s.subscriptionExpiry)
}

func (s *Signer) sign(claims *Claims, expiry time.Duration) (string, error) {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(expiry))
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify validates signature and expiry and returns the claims. There
// is no decode-without-verify path.
func (s *Signer) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
