// Package watch keeps subscription records in step with the chain by
// listening for scripthash notifications at contract addresses:
// pending contracts are activated when their genesis funding lands,
// and active contracts have their cached balance refreshed.
package watch

import (
	"context"
	"errors"
	"sync"

	"github.com/cashflow402/gateway/internal/chain"
	"github.com/cashflow402/gateway/internal/logging"
	"github.com/cashflow402/gateway/internal/settle"
	"github.com/cashflow402/gateway/internal/store"
)

// Watcher owns the per-contract chain subscriptions.
type Watcher struct {
	subs     *store.SubscriptionStore
	settler  *settle.Orchestrator
	provider chain.Provider
	log      *logging.Logger

	mu      sync.Mutex
	cancels map[string]func()
}

// Config carries the watcher's dependencies.
type Config struct {
	Subscriptions *store.SubscriptionStore
	Settler       *settle.Orchestrator
	Provider      chain.Provider
	Logger        *logging.Logger
}

// New creates a watcher.
func New(cfg Config) (*Watcher, error) {
	if cfg.Subscriptions == nil || cfg.Settler == nil || cfg.Provider == nil {
		return nil, errors.New("watch: subscriptions, settler, and provider are required")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Watcher{
		subs:     cfg.Subscriptions,
		settler:  cfg.Settler,
		provider: cfg.Provider,
		log:      log,
		cancels:  make(map[string]func()),
	}, nil
}

// Hydrate re-arms watches for every record that still needs chain
// events: pending contracts await funding, active ones balance changes.
func (w *Watcher) Hydrate(ctx context.Context) {
	for _, rec := range w.subs.GetAll() {
		if rec.Status == store.StatusPendingFunding || rec.Status == store.StatusActive {
			if err := w.Watch(ctx, rec.ContractAddress); err != nil {
				w.log.Warn(ctx, "Failed to re-arm contract watch", map[string]interface{}{
					"contract": rec.ContractAddress,
					"reason":   err.Error(),
				})
			}
		}
	}
}

// Watch subscribes to chain notifications for one contract address.
// Watching an already-watched address is a no-op.
func (w *Watcher) Watch(ctx context.Context, contractAddress string) error {
	w.mu.Lock()
	if _, ok := w.cancels[contractAddress]; ok {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	cancel, err := w.provider.SubscribeAddress(ctx, contractAddress, func(addr, status string) {
		w.onNotify(context.Background(), addr)
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.cancels[contractAddress] = cancel
	w.mu.Unlock()
	return nil
}

// Unwatch drops the subscription for a contract address.
func (w *Watcher) Unwatch(contractAddress string) {
	w.mu.Lock()
	cancel, ok := w.cancels[contractAddress]
	delete(w.cancels, contractAddress)
	w.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close drops every subscription.
func (w *Watcher) Close() {
	w.mu.Lock()
	cancels := w.cancels
	w.cancels = make(map[string]func())
	w.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (w *Watcher) onNotify(ctx context.Context, contractAddress string) {
	rec, err := w.subs.GetByAddress(contractAddress)
	if err != nil {
		w.Unwatch(contractAddress)
		return
	}

	switch rec.Status {
	case store.StatusPendingFunding:
		w.tryActivate(ctx, rec)
	case store.StatusActive:
		updated, err := w.settler.RefreshBalance(ctx, contractAddress)
		if err != nil {
			w.log.Warn(ctx, "Balance refresh failed", map[string]interface{}{
				"contract": contractAddress,
				"reason":   err.Error(),
			})
			return
		}
		if updated.Status == store.StatusExpired {
			w.log.Info(ctx, "Subscription expired", map[string]interface{}{
				"contract": contractAddress,
			})
			w.Unwatch(contractAddress)
		}
	default:
		w.Unwatch(contractAddress)
	}
}

// tryActivate looks for the genesis output at a pending contract: a
// UTXO carrying a mutable NFT fixes the token category and activates
// the record.
func (w *Watcher) tryActivate(ctx context.Context, rec *store.Subscription) {
	utxos, err := w.provider.GetUtxos(ctx, rec.ContractAddress)
	if err != nil {
		w.log.Warn(ctx, "Funding check failed", map[string]interface{}{
			"contract": rec.ContractAddress,
			"reason":   err.Error(),
		})
		return
	}
	for _, u := range utxos {
		if u.Token == nil || u.Token.Nft == nil || u.Token.Nft.Capability != "mutable" {
			continue
		}
		if _, err := w.subs.Patch(rec.ContractAddress, func(r *store.Subscription) {
			r.TokenCategory = u.Token.Category
			r.Status = store.StatusActive
			r.Balance = store.Sats(u.Sats)
		}); err != nil {
			w.log.Error(ctx, "Failed to activate subscription", err, map[string]interface{}{
				"contract": rec.ContractAddress,
			})
			return
		}
		w.log.Info(ctx, "Subscription funded", map[string]interface{}{
			"contract":      rec.ContractAddress,
			"tokenCategory": u.Token.Category,
			"balance":       u.Sats,
		})
		return
	}
}
