package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSignerRequiresSecret(t *testing.T) {
	_, err := NewSigner("", time.Minute, time.Hour)
	assert.Error(t, err)
}

func TestPerCallRoundTrip(t *testing.T) {
	s, err := NewSigner("secret", time.Minute, time.Hour)
	require.NoError(t, err)

	signed, err := s.SignPerCall("txid123", 150, "nonce456")
	require.NoError(t, err)

	claims, err := s.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, TypePerCall, claims.Type)
	assert.Equal(t, "txid123", claims.TxID)
	assert.Equal(t, int64(150), claims.AmountSats)
	assert.Equal(t, "nonce456", claims.Nonce)
}

func TestSubscriptionRoundTrip(t *testing.T) {
	s, err := NewSigner("secret", time.Minute, time.Hour)
	require.NoError(t, err)

	signed, err := s.SignSubscription("cat1", "bchtest:contract1")
	require.NoError(t, err)

	claims, err := s.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, TypeSubscription, claims.Type)
	assert.Equal(t, "cat1", claims.TokenCategory)
	assert.Equal(t, "bchtest:contract1", claims.ContractAddress)
}

func TestVerifyRejectsTampering(t *testing.T) {
	s, err := NewSigner("secret", time.Minute, time.Hour)
	require.NoError(t, err)
	signed, err := s.SignPerCall("txid123", 150, "nonce456")
	require.NoError(t, err)

	tampered := signed[:len(signed)-2] + "xx"
	_, err = s.Verify(tampered)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.Verify("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	a, err := NewSigner("secret-a", time.Minute, time.Hour)
	require.NoError(t, err)
	b, err := NewSigner("secret-b", time.Minute, time.Hour)
	require.NoError(t, err)

	signed, err := a.SignPerCall("txid", 1, "n")
	require.NoError(t, err)
	_, err = b.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpired(t *testing.T) {
	s, err := NewSigner("secret", time.Nanosecond, time.Hour)
	require.NoError(t, err)

	signed, err := s.SignPerCall("txid", 1, "n")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = s.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiryDefaults(t *testing.T) {
	s, err := NewSigner("secret", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, s.PerCallExpiry())
}
