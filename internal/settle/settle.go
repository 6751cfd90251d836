// Package settle reconciles off-chain metered usage with the chain: it
// drives single and batch covenant claims, cancel refunds, and the
// cached-balance refresh that expires drained subscriptions.
package settle

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/cashflow402/gateway/internal/apperr"
	"github.com/cashflow402/gateway/internal/chain"
	"github.com/cashflow402/gateway/internal/covenant"
	"github.com/cashflow402/gateway/internal/logging"
	"github.com/cashflow402/gateway/internal/store"
)

// Orchestrator coordinates stores, the covenant layer, and the chain.
type Orchestrator struct {
	subs     *store.SubscriptionStore
	usage    *store.UsageStore
	cov      *covenant.Covenant
	provider chain.Provider
	log      *logging.Logger
}

// Config carries the orchestrator's dependencies.
type Config struct {
	Subscriptions *store.SubscriptionStore
	Usage         *store.UsageStore
	Covenant      *covenant.Covenant
	Provider      chain.Provider
	Logger        *logging.Logger
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Subscriptions == nil || cfg.Usage == nil || cfg.Covenant == nil || cfg.Provider == nil {
		return nil, errors.New("settle: subscriptions, usage, covenant, and provider are required")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Orchestrator{
		subs:     cfg.Subscriptions,
		usage:    cfg.Usage,
		cov:      cfg.Covenant,
		provider: cfg.Provider,
		log:      log,
	}, nil
}

// ClaimResult reports a settled subscription.
type ClaimResult struct {
	TxID                string `json:"txid"`
	ClaimedSats         int64  `json:"claimedSats"`
	NextClaimAfterBlock int64  `json:"nextClaimAfterBlock"`
}

// Claim settles the subscription's full pending usage on-chain. The
// pending amount read before the spend is what gets reset afterwards;
// deductions racing the settlement stay pending for the next claim.
func (o *Orchestrator) Claim(ctx context.Context, contractAddress string) (*ClaimResult, error) {
	rec, err := o.subs.GetByAddress(contractAddress)
	if err != nil {
		return nil, err
	}
	if rec.Status != store.StatusActive {
		return nil, apperr.Newf(apperr.Conflict, "subscription %s is %s, not active", contractAddress, rec.Status)
	}

	var pending store.Sats
	if u := o.usage.GetUsage(rec.TokenCategory); u != nil {
		pending = u.PendingSats
	}
	if pending == 0 {
		return nil, apperr.New(apperr.BadRequest, "no pending usage to claim")
	}

	params, err := covenantParams(rec)
	if err != nil {
		return nil, err
	}
	res, err := o.cov.BuildAndBroadcastClaim(ctx, params, rec.ContractAddress, rec.TokenCategory, pending.Int64())
	if err != nil {
		return nil, classifyCovenantErr(err)
	}

	if _, err := o.subs.RecordClaim(contractAddress, res.NewLastClaimBlock, store.Sats(res.NewBalance)); err != nil {
		return nil, fmt.Errorf("persist claim: %w", err)
	}
	if err := o.usage.ResetPendingSats(rec.TokenCategory, pending); err != nil {
		return nil, fmt.Errorf("reset pending usage: %w", err)
	}

	o.log.Info(ctx, "Subscription settled", map[string]interface{}{
		"contract":    contractAddress,
		"txid":        res.TxID,
		"claimedSats": res.ClaimedSats,
	})
	return &ClaimResult{
		TxID:                res.TxID,
		ClaimedSats:         res.ClaimedSats,
		NextClaimAfterBlock: res.NewLastClaimBlock + rec.IntervalBlocks,
	}, nil
}

// ClaimByCategory settles via the category index; used by the
// just-in-time trigger, which only knows the token category.
func (o *Orchestrator) ClaimByCategory(ctx context.Context, tokenCategory string) (*ClaimResult, error) {
	rec, err := o.subs.GetByCategory(tokenCategory)
	if err != nil {
		return nil, err
	}
	return o.Claim(ctx, rec.ContractAddress)
}

// BatchEntry is one subscription's outcome in a batch settlement.
type BatchEntry struct {
	ContractAddress string `json:"contractAddress"`
	Status          string `json:"status"` // claimed | skipped | error
	TxID            string `json:"txid,omitempty"`
	ClaimedSats     int64  `json:"claimedSats,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// BatchResult reports a claim-all run.
type BatchResult struct {
	Results          []BatchEntry `json:"results"`
	TotalClaimedSats int64        `json:"totalClaimedSats"`
}

// ClaimAll settles every active subscription with pending usage. A
// per-subscription failure never aborts the batch: not-yet-claimable
// contracts are reported as skipped, anything else as an error string.
func (o *Orchestrator) ClaimAll(ctx context.Context) *BatchResult {
	out := &BatchResult{Results: []BatchEntry{}}
	for _, rec := range o.subs.GetAll() {
		if rec.Status != store.StatusActive {
			continue
		}
		entry := BatchEntry{ContractAddress: rec.ContractAddress}

		var pending store.Sats
		if u := o.usage.GetUsage(rec.TokenCategory); u != nil {
			pending = u.PendingSats
		}
		if pending == 0 {
			entry.Status = "skipped"
			entry.Reason = "no pending usage"
			out.Results = append(out.Results, entry)
			continue
		}

		res, err := o.Claim(ctx, rec.ContractAddress)
		switch {
		case err == nil:
			entry.Status = "claimed"
			entry.TxID = res.TxID
			entry.ClaimedSats = res.ClaimedSats
			out.TotalClaimedSats += res.ClaimedSats
		case strings.Contains(err.Error(), "Interval not yet elapsed"):
			entry.Status = "skipped"
			entry.Reason = err.Error()
		default:
			entry.Status = "error"
			entry.Reason = err.Error()
			o.log.Error(ctx, "Batch claim failed", err, map[string]interface{}{
				"contract": rec.ContractAddress,
			})
		}
		out.Results = append(out.Results, entry)
	}
	return out
}

// CancelResult reports a refunded subscription.
type CancelResult struct {
	TxID         string `json:"txid"`
	RefundedSats int64  `json:"refundedSats"`
}

// Cancel sweeps the remaining balance back to the subscriber and marks
// the record cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, contractAddress, subscriberWIF string) (*CancelResult, error) {
	rec, err := o.subs.GetByAddress(contractAddress)
	if err != nil {
		return nil, err
	}
	if rec.Status != store.StatusActive {
		return nil, apperr.Newf(apperr.Conflict, "subscription %s is %s, not active", contractAddress, rec.Status)
	}

	params, err := covenantParams(rec)
	if err != nil {
		return nil, err
	}
	res, err := o.cov.BuildAndBroadcastCancel(ctx, params, rec.ContractAddress, rec.TokenCategory, subscriberWIF)
	if err != nil {
		return nil, classifyCovenantErr(err)
	}

	if _, err := o.subs.Patch(contractAddress, func(r *store.Subscription) {
		r.Status = store.StatusCancelled
		r.Balance = 0
	}); err != nil {
		return nil, fmt.Errorf("persist cancel: %w", err)
	}

	o.log.Info(ctx, "Subscription cancelled", map[string]interface{}{
		"contract":     contractAddress,
		"txid":         res.TxID,
		"refundedSats": res.RefundedSats,
	})
	return &CancelResult{TxID: res.TxID, RefundedSats: res.RefundedSats}, nil
}

// RefreshBalance re-reads the contract's token UTXO value from the
// chain, updates the cached balance, and expires the subscription when
// the balance has drained to zero.
func (o *Orchestrator) RefreshBalance(ctx context.Context, contractAddress string) (*store.Subscription, error) {
	rec, err := o.subs.GetByAddress(contractAddress)
	if err != nil {
		return nil, err
	}
	if !rec.Funded() {
		return rec, nil
	}

	utxos, err := o.provider.GetUtxos(ctx, contractAddress)
	if err != nil {
		return nil, fmt.Errorf("refresh balance: %w", err)
	}
	var balance int64
	for _, u := range utxos {
		if u.Token != nil && u.Token.Category == rec.TokenCategory {
			balance += u.Sats
		}
	}

	return o.subs.Patch(contractAddress, func(r *store.Subscription) {
		r.Balance = store.Sats(balance)
		if r.Status == store.StatusActive && balance == 0 {
			r.Status = store.StatusExpired
		}
	})
}

func covenantParams(rec *store.Subscription) (covenant.Params, error) {
	merchantPKH, err := hex.DecodeString(rec.MerchantPKH)
	if err != nil {
		return covenant.Params{}, fmt.Errorf("subscription %s: merchant pkh: %w", rec.ContractAddress, err)
	}
	subscriberPKH, err := hex.DecodeString(rec.SubscriberPKH)
	if err != nil {
		return covenant.Params{}, fmt.Errorf("subscription %s: subscriber pkh: %w", rec.ContractAddress, err)
	}
	return covenant.Params{
		MerchantPKH:    merchantPKH,
		SubscriberPKH:  subscriberPKH,
		IntervalBlocks: rec.IntervalBlocks,
		MaxSats:        rec.AuthorizedSats.Int64(),
	}, nil
}

func classifyCovenantErr(err error) error {
	switch {
	case errors.Is(err, covenant.ErrIntervalNotElapsed),
		errors.Is(err, covenant.ErrExceedsAuthorized):
		return apperr.New(apperr.Conflict, err.Error())
	case errors.Is(err, covenant.ErrContractUtxoMissing):
		return apperr.New(apperr.NotFound, err.Error())
	case errors.Is(err, chain.ErrUnavailable):
		return apperr.Wrap(apperr.Unavailable, "chain unavailable during settlement", err)
	default:
		return err
	}
}
