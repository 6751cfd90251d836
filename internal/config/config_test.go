package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "chipnet", cfg.Network)
	assert.Equal(t, "bchtest", cfg.AddressPrefix())
	assert.True(t, cfg.ElectrumTLS())
	assert.Equal(t, int64(100), cfg.DefaultPerCallRateSats)
	// Unset threshold defaults to half the deposit.
	assert.Equal(t, cfg.DefaultDepositSats/2, cfg.JITThresholdSats)
}

func TestLoadRejectsUnknownNetwork(t *testing.T) {
	t.Setenv("BCH_NETWORK", "regtest")
	_, err := Load()
	assert.Error(t, err)
}

func TestMainnetPrefix(t *testing.T) {
	t.Setenv("BCH_NETWORK", "mainnet")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "bitcoincash", cfg.AddressPrefix())
}

func TestElectrumTLSProtocols(t *testing.T) {
	cfg := &Config{ElectrumProtocol: "tcp"}
	assert.False(t, cfg.ElectrumTLS())
	cfg.ElectrumProtocol = "ssl"
	assert.True(t, cfg.ElectrumTLS())
	cfg.ElectrumProtocol = "TLS"
	assert.True(t, cfg.ElectrumTLS())
}

func TestExplicitThresholdKept(t *testing.T) {
	t.Setenv("JIT_THRESHOLD_SATS", "1234")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(1234), cfg.JITThresholdSats)
}
