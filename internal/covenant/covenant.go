// Package covenant derives the subscription contract deterministically from
// its constructor arguments and builds the spends that move value through it:
// periodic merchant claims, subscriber cancel sweeps, and the genesis funding
// transaction that mints the contract's mutable NFT.
package covenant

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/gcash/bchd/bchec"

	"github.com/cashflow402/gateway/internal/chain"
	"github.com/cashflow402/gateway/internal/keys"
	"github.com/cashflow402/gateway/internal/logging"
	"github.com/cashflow402/gateway/internal/txbuilder"
)

var (
	// ErrIntervalNotElapsed rejects a claim attempted before
	// lastClaimBlock + intervalBlocks. The message text is matched by the
	// batch settler to classify the result as skipped rather than failed.
	ErrIntervalNotElapsed = errors.New("Interval not yet elapsed")
	// ErrExceedsAuthorized rejects a claim above the remaining authorized
	// budget recorded in the NFT commitment.
	ErrExceedsAuthorized = errors.New("claim exceeds authorized amount")
	// ErrContractUtxoMissing means no UTXO carrying the contract's token
	// category sits at the contract address.
	ErrContractUtxoMissing = errors.New("contract UTXO missing")
	// ErrInsufficientFunds mirrors the builder error for funding shortfalls.
	ErrInsufficientFunds = txbuilder.ErrInsufficientFunds
)

const (
	// MinerFee is the flat fee attached to every covenant transaction.
	MinerFee = 1500
	// DustLimit is the minimum output value relays accept.
	DustLimit = 546

	claimSelector  = 0
	cancelSelector = 1
)

// covenantBody is the compiled contract tail appended after the pushed
// constructor arguments. It is a stand-in pending the audited reference
// contract: the byte sequence pins address derivation (changing a single
// byte changes every derived address), but the interval and budget rules
// are enforced by this layer before a spend is built, not by the script
// itself.
var covenantBody = []byte{
	0x00, 0x7c, 0x63, // OP_0 OP_SWAP OP_IF        (selector == 0: claim)
	0xb1, 0x75, // OP_CHECKLOCKTIMEVERIFY OP_DROP
	0x76, 0xa9, 0x7c, 0x88, // OP_DUP OP_HASH160 OP_SWAP OP_EQUALVERIFY
	0xad,       // OP_CHECKSIGVERIFY
	0xcd, 0x87, // OP_CHECKDATASIG OP_EQUAL
	0x67,                   // OP_ELSE                  (selector == 1: cancel)
	0x76, 0xa9, 0x7c, 0x88, // OP_DUP OP_HASH160 OP_SWAP OP_EQUALVERIFY
	0xac, // OP_CHECKSIG
	0x68, // OP_ENDIF
}

// Instance is the pair of addresses a subscription covenant lives at.
// Both hash the same redeem script; the token address carries the
// token-aware type bits so wallets attach the CashToken prefix.
type Instance struct {
	ContractAddress string
	TokenAddress    string
	RedeemScript    []byte
}

// Params are the covenant constructor arguments.
type Params struct {
	MerchantPKH    []byte
	SubscriberPKH  []byte
	IntervalBlocks int64
	MaxSats        int64
}

// Covenant builds and broadcasts spends of subscription contracts.
type Covenant struct {
	prefix   string
	provider chain.Provider
	merchant *keys.Keypair
	log      *logging.Logger
}

// Config carries the covenant layer's dependencies.
type Config struct {
	// AddressPrefix is the cashaddr prefix for the configured network.
	AddressPrefix string
	Provider      chain.Provider
	Merchant      *keys.Keypair
	Logger        *logging.Logger
}

// New creates a covenant layer.
func New(cfg Config) (*Covenant, error) {
	if cfg.Provider == nil {
		return nil, errors.New("covenant: provider is required")
	}
	if cfg.Merchant == nil {
		return nil, errors.New("covenant: merchant keypair is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Covenant{
		prefix:   cfg.AddressPrefix,
		provider: cfg.Provider,
		merchant: cfg.Merchant,
		log:      log,
	}, nil
}

// Instantiate derives the contract and token addresses for the given
// constructor arguments. The derivation is pure: identical arguments
// always produce identical addresses.
func (c *Covenant) Instantiate(p Params) (*Instance, error) {
	if len(p.MerchantPKH) != 20 || len(p.SubscriberPKH) != 20 {
		return nil, fmt.Errorf("covenant: constructor hashes must be 20 bytes")
	}
	if p.IntervalBlocks <= 0 {
		return nil, fmt.Errorf("covenant: intervalBlocks must be positive")
	}
	if p.MaxSats <= 0 {
		return nil, fmt.Errorf("covenant: maxSats must be positive")
	}

	var script []byte
	script = txbuilder.PushData(script, p.MerchantPKH)
	script = txbuilder.PushData(script, p.SubscriberPKH)
	script = txbuilder.PushInt(script, p.IntervalBlocks)
	script = txbuilder.PushInt(script, p.MaxSats)
	script = append(script, covenantBody...)

	scriptHash := keys.Hash160(script)
	contractAddr, err := keys.EncodeCashAddr(c.prefix, keys.P2SHAddr, scriptHash)
	if err != nil {
		return nil, fmt.Errorf("encode contract address: %w", err)
	}
	tokenAddr, err := keys.EncodeCashAddr(c.prefix, keys.TokenP2SHAddr, scriptHash)
	if err != nil {
		return nil, fmt.Errorf("encode token address: %w", err)
	}
	return &Instance{
		ContractAddress: contractAddr,
		TokenAddress:    tokenAddr,
		RedeemScript:    script,
	}, nil
}

// ClaimResult reports a successful settlement spend.
type ClaimResult struct {
	TxID              string
	ClaimedSats       int64
	NewLastClaimBlock int64
	NewBalance        int64
}

// BuildAndBroadcastClaim settles claimSats from the contract to the
// merchant: it locates the contract's token UTXO, validates the interval
// and authorized budget against the NFT commitment, and broadcasts a
// two-output spend that returns the NFT to the contract with updated
// state and pays the merchant.
func (c *Covenant) BuildAndBroadcastClaim(ctx context.Context, p Params, contractAddress, tokenCategory string, claimSats int64) (*ClaimResult, error) {
	if claimSats <= 0 {
		return nil, fmt.Errorf("covenant: claim of %d sats", claimSats)
	}
	inst, err := c.Instantiate(p)
	if err != nil {
		return nil, err
	}
	if inst.ContractAddress != contractAddress {
		return nil, fmt.Errorf("covenant: constructor arguments do not derive %s", contractAddress)
	}

	utxo, err := c.findTokenUtxo(ctx, contractAddress, tokenCategory)
	if err != nil {
		return nil, err
	}
	lastClaim, remaining, err := keys.ParseNftCommitment(utxo.Token.Nft.Commitment)
	if err != nil {
		return nil, fmt.Errorf("contract commitment: %w", err)
	}

	height, err := c.provider.GetBlockHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("query block height: %w", err)
	}
	if height < int64(lastClaim)+p.IntervalBlocks {
		return nil, fmt.Errorf("%w: height %d, claimable at %d",
			ErrIntervalNotElapsed, height, int64(lastClaim)+p.IntervalBlocks)
	}
	if claimSats > int64(remaining) {
		return nil, fmt.Errorf("%w: %d > %d remaining", ErrExceedsAuthorized, claimSats, remaining)
	}

	newBalance := utxo.Sats - claimSats - MinerFee
	if newBalance < DustLimit {
		return nil, fmt.Errorf("%w: %d sats left after claim and fee", ErrInsufficientFunds, newBalance)
	}

	contractScript, err := keys.AddressToLockingBytecode(contractAddress)
	if err != nil {
		return nil, err
	}
	newCommitment := keys.BuildNftCommitment(int32(height), remaining-int32(claimSats))

	tx := txbuilder.NewTx()
	tx.AddInput(&txbuilder.Input{
		TxID:            utxo.TxID,
		Vout:            utxo.Vout,
		Sats:            utxo.Sats,
		LockingBytecode: contractScript,
	})
	tx.AddOutput(&txbuilder.Output{
		Sats:            newBalance,
		LockingBytecode: contractScript,
		Token: &txbuilder.TokenPrefix{
			Category:   tokenCategory,
			Commitment: mustDecodeCommitment(newCommitment),
		},
	})
	tx.AddOutput(&txbuilder.Output{
		Sats:            claimSats,
		LockingBytecode: txbuilder.P2PKHLockingBytecode(c.merchant.PKH),
	})

	if err := c.signCovenantInput(tx, inst.RedeemScript, c.merchant.Priv, claimSelector); err != nil {
		return nil, err
	}
	txid, err := c.broadcast(ctx, tx)
	if err != nil {
		return nil, err
	}

	c.log.Info(ctx, "Covenant claim broadcast", map[string]interface{}{
		"txid":        txid,
		"contract":    contractAddress,
		"claimedSats": claimSats,
		"newBalance":  newBalance,
	})
	return &ClaimResult{
		TxID:              txid,
		ClaimedSats:       claimSats,
		NewLastClaimBlock: height,
		NewBalance:        newBalance,
	}, nil
}

// CancelResult reports a cancel sweep.
type CancelResult struct {
	TxID         string
	RefundedSats int64
}

// BuildAndBroadcastCancel sweeps the contract's full remaining balance
// back to the subscriber and burns the NFT by omitting any token output.
func (c *Covenant) BuildAndBroadcastCancel(ctx context.Context, p Params, contractAddress, tokenCategory, subscriberWIF string) (*CancelResult, error) {
	inst, err := c.Instantiate(p)
	if err != nil {
		return nil, err
	}
	if inst.ContractAddress != contractAddress {
		return nil, fmt.Errorf("covenant: constructor arguments do not derive %s", contractAddress)
	}
	subscriber, err := keys.FromWIF(subscriberWIF, c.prefix)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(subscriber.PKH, p.SubscriberPKH) {
		return nil, fmt.Errorf("covenant: key does not belong to the contract's subscriber")
	}

	utxo, err := c.findTokenUtxo(ctx, contractAddress, tokenCategory)
	if err != nil {
		return nil, err
	}
	refund := utxo.Sats - MinerFee
	if refund < DustLimit {
		return nil, fmt.Errorf("%w: %d sats left after fee", ErrInsufficientFunds, refund)
	}

	contractScript, err := keys.AddressToLockingBytecode(contractAddress)
	if err != nil {
		return nil, err
	}

	tx := txbuilder.NewTx()
	tx.AddInput(&txbuilder.Input{
		TxID:            utxo.TxID,
		Vout:            utxo.Vout,
		Sats:            utxo.Sats,
		LockingBytecode: contractScript,
	})
	tx.AddOutput(&txbuilder.Output{
		Sats:            refund,
		LockingBytecode: txbuilder.P2PKHLockingBytecode(subscriber.PKH),
	})

	if err := c.signCovenantInput(tx, inst.RedeemScript, subscriber.Priv, cancelSelector); err != nil {
		return nil, err
	}
	txid, err := c.broadcast(ctx, tx)
	if err != nil {
		return nil, err
	}

	c.log.Info(ctx, "Covenant cancel broadcast", map[string]interface{}{
		"txid":         txid,
		"contract":     contractAddress,
		"refundedSats": refund,
	})
	return &CancelResult{TxID: txid, RefundedSats: refund}, nil
}

// GenesisParams describes the funding transaction that mints the
// contract's mutable NFT.
type GenesisParams struct {
	Subscriber           *keys.Keypair
	ContractTokenAddress string
	// GenesisCommitment is the initial NFT commitment hex.
	GenesisCommitment string
	DepositSats       int64
}

// GenesisResult reports a broadcast funding transaction.
type GenesisResult struct {
	TxID          string
	TokenCategory string
}

// BuildAndBroadcastGenesis funds the contract from the subscriber's
// wallet. The first non-token UTXO at the subscriber address is spent;
// its txid becomes the token category of the minted NFT.
func (c *Covenant) BuildAndBroadcastGenesis(ctx context.Context, p GenesisParams) (*GenesisResult, error) {
	utxos, err := c.provider.GetUtxos(ctx, p.Subscriber.Address)
	if err != nil {
		return nil, fmt.Errorf("query subscriber UTXOs: %w", err)
	}
	var funding *chain.UTXO
	for i := range utxos {
		if !utxos[i].HasToken() {
			funding = &utxos[i]
			break
		}
	}
	if funding == nil {
		return nil, fmt.Errorf("%w: no plain UTXO at %s", ErrInsufficientFunds, p.Subscriber.Address)
	}

	change := funding.Sats - p.DepositSats - MinerFee
	if change < 0 {
		return nil, fmt.Errorf("%w: UTXO holds %d sats, need %d",
			ErrInsufficientFunds, funding.Sats, p.DepositSats+MinerFee)
	}

	tokenScript, err := keys.AddressToLockingBytecode(p.ContractTokenAddress)
	if err != nil {
		return nil, err
	}
	commitment, err := keys.DecodeCommitmentHex(p.GenesisCommitment)
	if err != nil {
		return nil, err
	}

	tokenCategory := funding.TxID
	tx := txbuilder.NewTx()
	tx.AddInput(&txbuilder.Input{
		TxID:            funding.TxID,
		Vout:            funding.Vout,
		Sats:            funding.Sats,
		LockingBytecode: txbuilder.P2PKHLockingBytecode(p.Subscriber.PKH),
	})
	tx.AddOutput(&txbuilder.Output{
		Sats:            p.DepositSats,
		LockingBytecode: tokenScript,
		Token: &txbuilder.TokenPrefix{
			Category:   tokenCategory,
			Commitment: commitment,
		},
	})
	if change >= DustLimit {
		tx.AddOutput(&txbuilder.Output{
			Sats:            change,
			LockingBytecode: txbuilder.P2PKHLockingBytecode(p.Subscriber.PKH),
		})
	}

	if err := tx.SignP2PKHInput(0, p.Subscriber.Priv); err != nil {
		return nil, err
	}
	txid, err := c.broadcast(ctx, tx)
	if err != nil {
		return nil, err
	}

	c.log.Info(ctx, "Genesis funding broadcast", map[string]interface{}{
		"txid":          txid,
		"tokenCategory": tokenCategory,
		"depositSats":   p.DepositSats,
	})
	return &GenesisResult{TxID: txid, TokenCategory: tokenCategory}, nil
}

func (c *Covenant) findTokenUtxo(ctx context.Context, contractAddress, tokenCategory string) (*chain.UTXO, error) {
	utxos, err := c.provider.GetUtxos(ctx, contractAddress)
	if err != nil {
		return nil, fmt.Errorf("query contract UTXOs: %w", err)
	}
	for i := range utxos {
		u := &utxos[i]
		if u.Token != nil && u.Token.Nft != nil && u.Token.Category == tokenCategory {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: category %s at %s", ErrContractUtxoMissing, tokenCategory, contractAddress)
}

func (c *Covenant) signCovenantInput(tx *txbuilder.Tx, redeemScript []byte, priv *bchec.PrivateKey, selector int64) error {
	hash, err := tx.SigHash(0, redeemScript)
	if err != nil {
		return err
	}
	sig, err := txbuilder.SchnorrSign(priv, hash)
	if err != nil {
		return err
	}
	var unlock []byte
	unlock = txbuilder.PushData(unlock, sig)
	unlock = txbuilder.PushData(unlock, priv.PubKey().SerializeCompressed())
	unlock = txbuilder.PushInt(unlock, selector)
	unlock = txbuilder.PushData(unlock, redeemScript)
	tx.Inputs[0].UnlockingScript = unlock
	return nil
}

func (c *Covenant) broadcast(ctx context.Context, tx *txbuilder.Tx) (string, error) {
	raw, err := tx.SerializeHex()
	if err != nil {
		return "", err
	}
	txid, err := c.provider.Broadcast(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}
	return txid, nil
}

func mustDecodeCommitment(hexStr string) []byte {
	raw, err := keys.DecodeCommitmentHex(hexStr)
	if err != nil {
		panic(fmt.Sprintf("covenant: built invalid commitment %q: %v", hexStr, err))
	}
	return raw
}
