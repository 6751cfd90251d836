// Package gate implements the two admission paths in front of metered
// endpoints: the per-call 402 challenge/verify flow and the Router402
// subscription middleware that meters usage against a funded covenant.
package gate

import (
	"errors"

	"github.com/cashflow402/gateway/internal/logging"
	"github.com/cashflow402/gateway/internal/settle"
	"github.com/cashflow402/gateway/internal/store"
	"github.com/cashflow402/gateway/internal/token"
	"github.com/cashflow402/gateway/internal/verify"
)

// Gate wires the stores, verifier, and settler behind the middlewares.
type Gate struct {
	merchantAddress string
	defaultRate     store.Sats
	jitThreshold    store.Sats

	nonces  *store.NonceStore
	subs    *store.SubscriptionStore
	usage   *store.UsageStore
	plans   *store.PlanStore
	verif   *verify.Verifier
	signer  *token.Signer
	settler *settle.Orchestrator
	log     *logging.Logger
}

// Config carries the gate's dependencies and rate defaults.
type Config struct {
	MerchantAddress string
	// DefaultPerCallSats prices a gated call when neither the route nor
	// a plan overrides it.
	DefaultPerCallSats store.Sats
	// JITThresholdSats triggers an opportunistic settlement once a
	// subscription's pending usage reaches it.
	JITThresholdSats store.Sats

	Nonces        *store.NonceStore
	Subscriptions *store.SubscriptionStore
	Usage         *store.UsageStore
	Plans         *store.PlanStore
	Verifier      *verify.Verifier
	Signer        *token.Signer
	// Settler is optional; without it just-in-time settlement is off.
	Settler *settle.Orchestrator
	Logger  *logging.Logger
}

// New creates a gate.
func New(cfg Config) (*Gate, error) {
	if cfg.MerchantAddress == "" {
		return nil, errors.New("gate: merchant address is required")
	}
	if cfg.Nonces == nil || cfg.Subscriptions == nil || cfg.Usage == nil || cfg.Plans == nil {
		return nil, errors.New("gate: nonce, subscription, usage, and plan stores are required")
	}
	if cfg.Verifier == nil || cfg.Signer == nil {
		return nil, errors.New("gate: verifier and signer are required")
	}
	if cfg.DefaultPerCallSats <= 0 {
		cfg.DefaultPerCallSats = 100
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Gate{
		merchantAddress: cfg.MerchantAddress,
		defaultRate:     cfg.DefaultPerCallSats,
		jitThreshold:    cfg.JITThresholdSats,
		nonces:          cfg.Nonces,
		subs:            cfg.Subscriptions,
		usage:           cfg.Usage,
		plans:           cfg.Plans,
		verif:           cfg.Verifier,
		signer:          cfg.Signer,
		settler:         cfg.Settler,
		log:             log,
	}, nil
}
