package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChallenge(nonce string, expiresAt time.Time) *Challenge {
	return &Challenge{
		Nonce:           nonce,
		MerchantAddress: "bchtest:merchant",
		AmountSats:      100,
		APIPath:         "/api/premium/hello",
		ExpiresAt:       expiresAt,
	}
}

func TestNonceConsumeIsSingleUse(t *testing.T) {
	s := NewNonceStore()
	s.Store(testChallenge("n1", time.Now().Add(NonceTTL)))

	got := s.Consume("n1")
	require.NotNil(t, got)
	assert.Equal(t, Sats(100), got.AmountSats)

	assert.Nil(t, s.Consume("n1"), "second consume must fail")
	assert.Nil(t, s.Get("n1"), "consumed nonce must not be readable")
}

func TestNonceGetDoesNotConsume(t *testing.T) {
	s := NewNonceStore()
	s.Store(testChallenge("n1", time.Now().Add(NonceTTL)))

	require.NotNil(t, s.Get("n1"))
	require.NotNil(t, s.Get("n1"))
	require.NotNil(t, s.Consume("n1"))
}

func TestNonceExpiry(t *testing.T) {
	s := NewNonceStore()
	now := time.Now()
	s.now = func() time.Time { return now }

	s.Store(testChallenge("n1", now.Add(NonceTTL)))
	require.NotNil(t, s.Get("n1"))

	now = now.Add(NonceTTL + time.Second)
	assert.Nil(t, s.Get("n1"))
	assert.Nil(t, s.Consume("n1"))
	assert.Equal(t, 0, s.Len())
}

func TestNonceSweepRemovesExpired(t *testing.T) {
	s := NewNonceStore()
	now := time.Now()
	s.now = func() time.Time { return now }

	s.Store(testChallenge("old", now.Add(time.Second)))
	s.Store(testChallenge("new", now.Add(NonceTTL)))

	now = now.Add(2 * time.Second)
	s.Sweep()
	assert.Equal(t, 1, s.Len())
	assert.NotNil(t, s.Get("new"))
}

func TestUnknownNonce(t *testing.T) {
	s := NewNonceStore()
	assert.Nil(t, s.Get("missing"))
	assert.Nil(t, s.Consume("missing"))
}
