// Command gateway runs the CashFlow402 payment gateway: per-call BCH
// micropayments and pre-funded metered subscriptions in front of an
// HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cashflow402/gateway/internal/chain"
	"github.com/cashflow402/gateway/internal/config"
	"github.com/cashflow402/gateway/internal/covenant"
	"github.com/cashflow402/gateway/internal/gate"
	"github.com/cashflow402/gateway/internal/keys"
	"github.com/cashflow402/gateway/internal/logging"
	"github.com/cashflow402/gateway/internal/server"
	"github.com/cashflow402/gateway/internal/settle"
	"github.com/cashflow402/gateway/internal/store"
	"github.com/cashflow402/gateway/internal/token"
	"github.com/cashflow402/gateway/internal/verify"
	"github.com/cashflow402/gateway/internal/watch"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.New("cashflow402-gateway", cfg.PrettyLogs)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	merchant, err := loadMerchant(cfg, log)
	if err != nil {
		return err
	}

	subs, err := store.NewSubscriptionStore(cfg.DataDir)
	if err != nil {
		return err
	}
	usage, err := store.NewUsageStore(cfg.DataDir)
	if err != nil {
		return err
	}
	plans := store.NewPlanStore()
	nonces := store.NewNonceStore()

	client := chain.NewClient(chain.Config{
		Host:   cfg.ElectrumHost,
		Port:   cfg.ElectrumPort,
		UseTLS: cfg.ElectrumTLS(),
	}, log)
	defer client.Close()

	cov, err := covenant.New(covenant.Config{
		AddressPrefix: cfg.AddressPrefix(),
		Provider:      client,
		Merchant:      merchant,
		Logger:        log,
	})
	if err != nil {
		return err
	}
	verifier := verify.New(client, log)
	signer, err := token.NewSigner(cfg.JWTSecret, cfg.JWTExpiryPerCall, cfg.JWTExpirySubscription)
	if err != nil {
		return err
	}
	settler, err := settle.New(settle.Config{
		Subscriptions: subs,
		Usage:         usage,
		Covenant:      cov,
		Provider:      client,
		Logger:        log,
	})
	if err != nil {
		return err
	}
	watcher, err := watch.New(watch.Config{
		Subscriptions: subs,
		Settler:       settler,
		Provider:      client,
		Logger:        log,
	})
	if err != nil {
		return err
	}
	defer watcher.Close()

	g, err := gate.New(gate.Config{
		MerchantAddress:    merchant.Address,
		DefaultPerCallSats: store.Sats(cfg.DefaultPerCallRateSats),
		JITThresholdSats:   store.Sats(cfg.JITThresholdSats),
		Nonces:             nonces,
		Subscriptions:      subs,
		Usage:              usage,
		Plans:              plans,
		Verifier:           verifier,
		Signer:             signer,
		Settler:            settler,
		Logger:             log,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Deps{
		Config:        cfg,
		Logger:        log,
		Merchant:      merchant,
		Subscriptions: subs,
		Usage:         usage,
		Plans:         plans,
		Nonces:        nonces,
		Provider:      client,
		Covenant:      cov,
		Verifier:      verifier,
		Signer:        signer,
		Settler:       settler,
		Gate:          g,
		Watcher:       watcher,
	})
	if err != nil {
		return err
	}

	// Re-arm chain watches for records that survived a restart.
	watcher.Hydrate(ctx)

	jobs := cron.New()
	if _, err := jobs.AddFunc(cfg.SettleCron, func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		res := settler.ClaimAll(jobCtx)
		log.Info(jobCtx, "Scheduled settlement finished", map[string]interface{}{
			"subscriptions":    len(res.Results),
			"totalClaimedSats": res.TotalClaimedSats,
		})
	}); err != nil {
		return fmt.Errorf("invalid SETTLE_CRON %q: %w", cfg.SettleCron, err)
	}
	if _, err := jobs.AddFunc("@every 1m", nonces.Sweep); err != nil {
		return err
	}
	jobs.Start()
	defer jobs.Stop()

	return srv.Run(ctx)
}

// loadMerchant restores the merchant keypair from MERCHANT_WIF, or
// generates a throwaway one for development and logs it.
func loadMerchant(cfg *config.Config, log *logging.Logger) (*keys.Keypair, error) {
	prefix := cfg.AddressPrefix()
	if cfg.MerchantWIF != "" {
		kp, err := keys.FromWIF(cfg.MerchantWIF, prefix)
		if err != nil {
			return nil, fmt.Errorf("MERCHANT_WIF: %w", err)
		}
		if cfg.MerchantAddress != "" && cfg.MerchantAddress != kp.Address {
			return nil, fmt.Errorf("MERCHANT_ADDRESS %s does not match MERCHANT_WIF (derives %s)",
				cfg.MerchantAddress, kp.Address)
		}
		return kp, nil
	}

	kp, err := keys.GenerateKeypair(prefix)
	if err != nil {
		return nil, err
	}
	log.Warn(context.Background(), "MERCHANT_WIF not set, generated a development keypair", map[string]interface{}{
		"address": kp.Address,
		"wif":     kp.WIF,
	})
	return kp, nil
}
