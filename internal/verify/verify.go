// Package verify checks broadcast transactions against what the gateway
// asked to be paid: per-call payments to the merchant address and
// subscription genesis funding at a contract's token address.
package verify

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cashflow402/gateway/internal/chain"
	"github.com/cashflow402/gateway/internal/keys"
	"github.com/cashflow402/gateway/internal/logging"
)

// Verifier inspects on-chain transactions via the chain provider.
type Verifier struct {
	provider chain.Provider
	log      *logging.Logger
}

// New creates a verifier.
func New(provider chain.Provider, log *logging.Logger) *Verifier {
	if log == nil {
		log = logging.Nop()
	}
	return &Verifier{provider: provider, log: log}
}

// PerCallResult reports a per-call payment check.
type PerCallResult struct {
	Verified   bool
	AmountSats int64
	Reason     string
}

// VerifyPerCall checks that txid pays at least requiredSats to the
// merchant address in some output.
func (v *Verifier) VerifyPerCall(ctx context.Context, txid, merchantAddress string, requiredSats int64) (*PerCallResult, error) {
	wantScript, err := keys.AddressToLockingBytecode(merchantAddress)
	if err != nil {
		return nil, err
	}
	wantHex := hex.EncodeToString(wantScript)

	tx, err := v.provider.GetRawTx(ctx, txid)
	if err != nil {
		return nil, fmt.Errorf("fetch payment tx: %w", err)
	}

	var best int64
	for _, out := range tx.Vout {
		if !strings.EqualFold(out.ScriptPubKey.Hex, wantHex) {
			continue
		}
		if sats := out.Sats(); sats > best {
			best = sats
		}
	}
	if best == 0 {
		return &PerCallResult{Reason: "no output pays the merchant address"}, nil
	}
	if best < requiredSats {
		return &PerCallResult{
			AmountSats: best,
			Reason:     fmt.Sprintf("payment of %d sats is below the required %d", best, requiredSats),
		}, nil
	}

	v.log.Debug(ctx, "Per-call payment verified", map[string]interface{}{
		"txid":       txid,
		"amountSats": best,
	})
	return &PerCallResult{Verified: true, AmountSats: best}, nil
}

// FundingResult reports a genesis funding check.
type FundingResult struct {
	Verified   bool
	AmountSats int64
	Category   string
	Commitment string
	Reason     string
}

// VerifySubscriptionFunding checks that txid creates the contract's
// token output: correct address, matching category (unless the record
// still holds a pending placeholder), a mutable NFT, and at least
// minFundingSats of value. The NFT commitment is returned on success.
func (v *Verifier) VerifySubscriptionFunding(ctx context.Context, txid, contractTokenAddress, expectedCategory string, minFundingSats int64) (*FundingResult, error) {
	wantScript, err := keys.AddressToLockingBytecode(contractTokenAddress)
	if err != nil {
		return nil, err
	}
	wantHex := hex.EncodeToString(wantScript)

	tx, err := v.provider.GetRawTx(ctx, txid)
	if err != nil {
		return nil, fmt.Errorf("fetch funding tx: %w", err)
	}

	var candidate *chain.VerboseOutput
	for i := range tx.Vout {
		if strings.EqualFold(tx.Vout[i].ScriptPubKey.Hex, wantHex) {
			candidate = &tx.Vout[i]
			break
		}
	}
	if candidate == nil {
		return &FundingResult{Reason: "no output pays the contract token address"}, nil
	}
	if candidate.TokenData == nil {
		return &FundingResult{Reason: "contract output carries no token data"}, nil
	}
	td := candidate.TokenData
	if !pendingPlaceholder(expectedCategory) && !strings.EqualFold(td.Category, expectedCategory) {
		return &FundingResult{
			Reason: fmt.Sprintf("token category %s does not match expected %s", td.Category, expectedCategory),
		}, nil
	}
	if td.Nft == nil || td.Nft.Capability != "mutable" {
		return &FundingResult{Reason: "contract NFT is missing or not mutable"}, nil
	}
	if sats := candidate.Sats(); sats < minFundingSats {
		return &FundingResult{
			AmountSats: sats,
			Reason:     fmt.Sprintf("funding of %d sats is below the required %d", sats, minFundingSats),
		}, nil
	}

	v.log.Debug(ctx, "Subscription funding verified", map[string]interface{}{
		"txid":     txid,
		"category": td.Category,
	})
	return &FundingResult{
		Verified:   true,
		AmountSats: candidate.Sats(),
		Category:   strings.ToLower(td.Category),
		Commitment: td.Nft.Commitment,
	}, nil
}

func pendingPlaceholder(category string) bool {
	return category == "" || strings.HasPrefix(category, "pending_")
}
