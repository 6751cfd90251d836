// Package keys holds the deterministic key, address, and commitment
// utilities shared by the transaction builder, covenant layer, and gates.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchutil"
)

var (
	// ErrInvalidAddress marks a malformed or unsupported cash address.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrInvalidWIF marks a malformed WIF string.
	ErrInvalidWIF = errors.New("invalid WIF")
	// ErrInvalidCommitment marks a malformed NFT commitment.
	ErrInvalidCommitment = errors.New("invalid commitment")
)

// PrefixForNetwork maps a configured network name to its address prefix.
func PrefixForNetwork(network string) string {
	if network == "mainnet" {
		return "bitcoincash"
	}
	return "bchtest"
}

func paramsForPrefix(prefix string) *chaincfg.Params {
	if prefix == "bitcoincash" {
		return &chaincfg.MainNetParams
	}
	return &chaincfg.TestNet3Params
}

// Keypair bundles a secp256k1 key with its derived identifiers.
type Keypair struct {
	Priv    *bchec.PrivateKey
	Pub     *bchec.PublicKey
	PKH     []byte
	Address string
	WIF     string
}

// GenerateKeypair creates a fresh keypair for the given address prefix
// using the platform CSPRNG.
func GenerateKeypair(prefix string) (*Keypair, error) {
	priv, err := bchec.NewPrivateKey(bchec.S256())
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	return keypairFromPriv(priv, prefix)
}

// FromWIF reconstructs a keypair from its WIF encoding.
func FromWIF(wifStr, prefix string) (*Keypair, error) {
	wif, err := bchutil.DecodeWIF(wifStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWIF, err)
	}
	kp, err := keypairFromPriv(wif.PrivKey, prefix)
	if err != nil {
		return nil, err
	}
	return kp, nil
}

func keypairFromPriv(priv *bchec.PrivateKey, prefix string) (*Keypair, error) {
	pub := priv.PubKey()
	pkh := bchutil.Hash160(pub.SerializeCompressed())

	addr, err := EncodeCashAddr(prefix, P2PKHAddr, pkh)
	if err != nil {
		return nil, err
	}
	wif, err := bchutil.NewWIF(priv, paramsForPrefix(prefix), true)
	if err != nil {
		return nil, fmt.Errorf("encode WIF: %w", err)
	}
	return &Keypair{
		Priv:    priv,
		Pub:     pub,
		PKH:     pkh,
		Address: addr,
		WIF:     wif.String(),
	}, nil
}

// AddressToPKH returns the 20-byte hash carried by a P2PKH cash address.
func AddressToPKH(addr string) ([]byte, error) {
	dec, err := DecodeCashAddr(addr)
	if err != nil {
		return nil, err
	}
	if dec.IsP2SH() {
		return nil, fmt.Errorf("%w: %q is a script-hash address", ErrInvalidAddress, addr)
	}
	return dec.Hash, nil
}

// AddressToLockingBytecode returns the output script for any supported
// address type. Token-aware types lock identically to their base types.
func AddressToLockingBytecode(addr string) ([]byte, error) {
	dec, err := DecodeCashAddr(addr)
	if err != nil {
		return nil, err
	}
	if dec.IsP2SH() {
		// OP_HASH160 <20> OP_EQUAL
		out := make([]byte, 0, 23)
		out = append(out, 0xa9, 0x14)
		out = append(out, dec.Hash...)
		out = append(out, 0x87)
		return out, nil
	}
	// OP_DUP OP_HASH160 <20> OP_EQUALVERIFY OP_CHECKSIG
	out := make([]byte, 0, 25)
	out = append(out, 0x76, 0xa9, 0x14)
	out = append(out, dec.Hash...)
	out = append(out, 0x88, 0xac)
	return out, nil
}

// AddressToScripthash returns the Electrum scripthash for an address:
// SHA-256 of the locking bytecode, reversed to little-endian hex.
func AddressToScripthash(addr string) (string, error) {
	script, err := AddressToLockingBytecode(addr)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(script)
	for i, j := 0, len(sum)-1; i < j; i, j = i+1, j-1 {
		sum[i], sum[j] = sum[j], sum[i]
	}
	return hex.EncodeToString(sum[:]), nil
}

// Hash160 returns ripemd160(sha256(b)).
func Hash160(b []byte) []byte { return bchutil.Hash160(b) }
