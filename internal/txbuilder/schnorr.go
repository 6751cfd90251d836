package txbuilder

import (
	"fmt"

	"github.com/gcash/bchd/bchec"
)

// SchnorrSign produces a 65-byte transaction signature: the 64-byte BCH
// Schnorr signature followed by the SIGHASH_ALL|FORKID byte.
func SchnorrSign(priv *bchec.PrivateKey, hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("%w: sighash must be 32 bytes, got %d", ErrSignFailed, len(hash))
	}
	sig, err := priv.SignSchnorr(hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignFailed, err)
	}
	return append(sig.Serialize(), SigHashAllForkID), nil
}

// SignP2PKHInput computes the sighash for input idx, Schnorr-signs it,
// and installs the standard <sig> <pubkey> unlocking script.
func (t *Tx) SignP2PKHInput(idx int, priv *bchec.PrivateKey) error {
	if idx < 0 || idx >= len(t.Inputs) {
		return fmt.Errorf("%w: input index %d of %d", ErrInvalidOutpoint, idx, len(t.Inputs))
	}
	in := t.Inputs[idx]
	hash, err := t.SigHash(idx, in.LockingBytecode)
	if err != nil {
		return err
	}
	sig, err := SchnorrSign(priv, hash)
	if err != nil {
		return err
	}
	in.UnlockingScript = P2PKHUnlock(sig, priv.PubKey().SerializeCompressed())
	return nil
}
