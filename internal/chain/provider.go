// Package chain maintains the gateway's connection to an Electrum-protocol
// node and exposes the blockchain operations the rest of the core needs.
package chain

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable marks a transient failure reaching the chain.
	ErrUnavailable = errors.New("chain unavailable")
	// ErrNotFound marks a transaction the remote does not know about.
	ErrNotFound = errors.New("not found on chain")
)

// TokenData is the CashToken payload attached to a UTXO or verbose output.
type TokenData struct {
	Category string   `json:"category"`
	Amount   string   `json:"amount,omitempty"`
	Nft      *NftData `json:"nft,omitempty"`
}

// NftData is the non-fungible component of a CashToken.
type NftData struct {
	Capability string `json:"capability"`
	Commitment string `json:"commitment"`
}

// UTXO is an unspent output at an address, token payload included.
type UTXO struct {
	TxID   string
	Vout   uint32
	Sats   int64
	Height int64
	Token  *TokenData
}

// HasToken reports whether the UTXO carries a CashToken.
func (u UTXO) HasToken() bool { return u.Token != nil }

// VerboseOutput is one output of a verbose transaction. token_data is
// optional; outputs without it are plain value outputs.
type VerboseOutput struct {
	ValueBCH     float64 `json:"value"`
	N            uint32  `json:"n"`
	ScriptPubKey struct {
		Hex       string   `json:"hex"`
		Addresses []string `json:"addresses,omitempty"`
	} `json:"scriptPubKey"`
	TokenData *TokenData `json:"tokenData,omitempty"`
}

// Sats converts the BCH-denominated value to satoshis.
func (o VerboseOutput) Sats() int64 {
	return int64(o.ValueBCH*1e8 + 0.5)
}

// VerboseTx is the decoded form of a transaction as returned by
// blockchain.transaction.get with verbose=true.
type VerboseTx struct {
	TxID          string          `json:"txid"`
	Hex           string          `json:"hex"`
	Version       int32           `json:"version"`
	Locktime      uint32          `json:"locktime"`
	Confirmations int64           `json:"confirmations"`
	Vout          []VerboseOutput `json:"vout"`
}

// NotifyFunc receives scripthash status notifications for an address. It
// must not block; the client dispatches it off the receive path.
type NotifyFunc func(address, status string)

// Provider is the chain access surface consumed by the verifier, covenant
// layer, settlement orchestrator, and event hooks. The Electrum client is
// the production implementation; tests inject fakes.
type Provider interface {
	// GetRawTx fetches a transaction in verbose form. Returns ErrNotFound
	// if the remote reports it missing.
	GetRawTx(ctx context.Context, txid string) (*VerboseTx, error)

	// GetUtxos lists the unspent outputs at an address.
	GetUtxos(ctx context.Context, address string) ([]UTXO, error)

	// GetBlockHeight returns the current chain tip height.
	GetBlockHeight(ctx context.Context) (int64, error)

	// Broadcast submits a raw transaction and returns its txid.
	Broadcast(ctx context.Context, rawHex string) (string, error)

	// SubscribeAddress registers a callback for status changes at an
	// address. The returned func unsubscribes; the remote subscription is
	// dropped when the last callback for a scripthash goes away.
	SubscribeAddress(ctx context.Context, address string, cb NotifyFunc) (func(), error)
}
