// Package txbuilder assembles, signs, and serializes version-2 BCH
// transactions, including CashToken prefix outputs and covenant spends.
package txbuilder

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrInsufficientFunds marks input value below outputs plus fee.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidOutpoint marks a malformed input reference.
	ErrInvalidOutpoint = errors.New("invalid outpoint")
	// ErrSignFailed marks a signing failure.
	ErrSignFailed = errors.New("sign failed")
)

// Token capability bitfield, per the CashToken output prefix encoding.
const (
	tokenHasNFT        = 0x02
	tokenNFTMutable    = 0x10
	tokenHasCommitment = 0x40
)

// SigHashAllForkID is SIGHASH_ALL|SIGHASH_FORKID, the only sighash mode
// the gateway emits.
const SigHashAllForkID = 0x41

// TokenPrefix describes a mutable-NFT CashToken payload on an output.
type TokenPrefix struct {
	// Category is the token category in display order (txid hex).
	Category string
	// Commitment is the raw NFT commitment, possibly empty.
	Commitment []byte
}

// Bitfield returns the token bitfield byte for this prefix.
func (t *TokenPrefix) Bitfield() byte {
	b := byte(tokenHasNFT | tokenNFTMutable)
	if len(t.Commitment) > 0 {
		b |= tokenHasCommitment
	}
	return b
}

// Serialize encodes the prefix: 0xEF || category_LE(32) || bitfield ||
// varint(len) || commitment. The length field is omitted when the
// commitment is empty.
func (t *TokenPrefix) Serialize() ([]byte, error) {
	cat, err := reverseHex32(t.Category)
	if err != nil {
		return nil, fmt.Errorf("token category: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteByte(0xEF)
	buf.Write(cat)
	buf.WriteByte(t.Bitfield())
	if len(t.Commitment) > 0 {
		writeVarint(&buf, uint64(len(t.Commitment)))
		buf.Write(t.Commitment)
	}
	return buf.Bytes(), nil
}

// Input is a transaction input plus the previous-output data needed to
// compute its sighash.
type Input struct {
	// TxID references the previous transaction in display order.
	TxID string
	Vout uint32
	// Sats is the value of the spent output.
	Sats int64
	// LockingBytecode is the spent output's script, used as the default
	// script code during signing.
	LockingBytecode []byte
	Sequence        uint32
	// UnlockingScript is filled in by the signer.
	UnlockingScript []byte
}

// Output is a transaction output with an optional token prefix.
type Output struct {
	Sats            int64
	LockingBytecode []byte
	Token           *TokenPrefix
}

func (o *Output) serialize(buf *bytes.Buffer) error {
	var val [8]byte
	binary.LittleEndian.PutUint64(val[:], uint64(o.Sats))
	buf.Write(val[:])

	script := o.LockingBytecode
	if o.Token != nil {
		prefix, err := o.Token.Serialize()
		if err != nil {
			return err
		}
		script = append(append([]byte{}, prefix...), o.LockingBytecode...)
	}
	writeVarint(buf, uint64(len(script)))
	buf.Write(script)
	return nil
}

// Tx is an in-flight version-2 transaction.
type Tx struct {
	Version  int32
	Inputs   []*Input
	Outputs  []*Output
	Locktime uint32
}

// NewTx creates an empty version-2 transaction.
func NewTx() *Tx { return &Tx{Version: 2} }

// AddInput appends an input with the default final sequence.
func (t *Tx) AddInput(in *Input) {
	if in.Sequence == 0 {
		in.Sequence = 0xffffffff
	}
	t.Inputs = append(t.Inputs, in)
}

// AddOutput appends an output.
func (t *Tx) AddOutput(out *Output) { t.Outputs = append(t.Outputs, out) }

// Serialize produces the consensus encoding of the transaction.
func (t *Tx) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	var v [4]byte
	binary.LittleEndian.PutUint32(v[:], uint32(t.Version))
	buf.Write(v[:])

	writeVarint(&buf, uint64(len(t.Inputs)))
	for _, in := range t.Inputs {
		outpoint, err := serializeOutpoint(in)
		if err != nil {
			return nil, err
		}
		buf.Write(outpoint)
		writeVarint(&buf, uint64(len(in.UnlockingScript)))
		buf.Write(in.UnlockingScript)
		var seq [4]byte
		binary.LittleEndian.PutUint32(seq[:], in.Sequence)
		buf.Write(seq[:])
	}

	writeVarint(&buf, uint64(len(t.Outputs)))
	for _, out := range t.Outputs {
		if err := out.serialize(&buf); err != nil {
			return nil, err
		}
	}

	var lt [4]byte
	binary.LittleEndian.PutUint32(lt[:], t.Locktime)
	buf.Write(lt[:])
	return buf.Bytes(), nil
}

// SerializeHex returns the consensus encoding as hex.
func (t *Tx) SerializeHex() (string, error) {
	raw, err := t.Serialize()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// TxID computes the display-order txid of the serialized transaction.
func (t *Tx) TxID() (string, error) {
	raw, err := t.Serialize()
	if err != nil {
		return "", err
	}
	sum := hash256(raw)
	for i, j := 0, len(sum)-1; i < j; i, j = i+1, j-1 {
		sum[i], sum[j] = sum[j], sum[i]
	}
	return hex.EncodeToString(sum), nil
}

// SigHashPreimage computes the BIP143-style BCH preimage for input idx
// under SIGHASH_ALL|FORKID. scriptCode is the spent script for P2PKH
// inputs and the redeem script for covenant inputs.
func (t *Tx) SigHashPreimage(idx int, scriptCode []byte) ([]byte, error) {
	if idx < 0 || idx >= len(t.Inputs) {
		return nil, fmt.Errorf("%w: input index %d of %d", ErrInvalidOutpoint, idx, len(t.Inputs))
	}
	in := t.Inputs[idx]

	var prevouts bytes.Buffer
	for _, i := range t.Inputs {
		op, err := serializeOutpoint(i)
		if err != nil {
			return nil, err
		}
		prevouts.Write(op)
	}
	hashPrevouts := hash256(prevouts.Bytes())

	var sequences bytes.Buffer
	for _, i := range t.Inputs {
		var seq [4]byte
		binary.LittleEndian.PutUint32(seq[:], i.Sequence)
		sequences.Write(seq[:])
	}
	hashSequence := hash256(sequences.Bytes())

	var outs bytes.Buffer
	for _, out := range t.Outputs {
		if err := out.serialize(&outs); err != nil {
			return nil, err
		}
	}
	hashOutputs := hash256(outs.Bytes())

	var buf bytes.Buffer
	var u32 [4]byte
	var u64 [8]byte

	binary.LittleEndian.PutUint32(u32[:], uint32(t.Version))
	buf.Write(u32[:])
	buf.Write(hashPrevouts)
	buf.Write(hashSequence)
	op, err := serializeOutpoint(in)
	if err != nil {
		return nil, err
	}
	buf.Write(op)
	writeVarint(&buf, uint64(len(scriptCode)))
	buf.Write(scriptCode)
	binary.LittleEndian.PutUint64(u64[:], uint64(in.Sats))
	buf.Write(u64[:])
	binary.LittleEndian.PutUint32(u32[:], in.Sequence)
	buf.Write(u32[:])
	buf.Write(hashOutputs)
	binary.LittleEndian.PutUint32(u32[:], t.Locktime)
	buf.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], SigHashAllForkID)
	buf.Write(u32[:])

	return buf.Bytes(), nil
}

// SigHash computes hash256 of the preimage for input idx.
func (t *Tx) SigHash(idx int, scriptCode []byte) ([]byte, error) {
	preimage, err := t.SigHashPreimage(idx, scriptCode)
	if err != nil {
		return nil, err
	}
	return hash256(preimage), nil
}

func serializeOutpoint(in *Input) ([]byte, error) {
	txid, err := reverseHex32(in.TxID)
	if err != nil {
		return nil, fmt.Errorf("%w: txid %q: %v", ErrInvalidOutpoint, in.TxID, err)
	}
	out := make([]byte, 36)
	copy(out, txid)
	binary.LittleEndian.PutUint32(out[32:], in.Vout)
	return out, nil
}

func reverseHex32(display string) ([]byte, error) {
	raw, err := hex.DecodeString(display)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("want 32 bytes, got %d", len(raw))
	}
	for i, j := 0, len(raw)-1; i < j; i, j = i+1, j-1 {
		raw[i], raw[j] = raw[j], raw[i]
	}
	return raw, nil
}

func writeVarint(buf *bytes.Buffer, n uint64) {
	switch {
	case n < 0xfd:
		buf.WriteByte(byte(n))
	case n <= 0xffff:
		buf.WriteByte(0xfd)
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(n))
		buf.Write(b[:])
	case n <= 0xffffffff:
		buf.WriteByte(0xfe)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(n))
		buf.Write(b[:])
	default:
		buf.WriteByte(0xff)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], n)
		buf.Write(b[:])
	}
}

func hash256(b []byte) []byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second[:]
}
