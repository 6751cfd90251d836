package txbuilder

import "bytes"

// Script opcodes used by the builder.
const (
	OpFalse       = 0x00
	Op1Negate     = 0x4f
	OpTrue        = 0x51
	OpPushData1   = 0x4c
	OpPushData2   = 0x4d
	OpDup         = 0x76
	OpEqual       = 0x87
	OpEqualVerify = 0x88
	OpHash160     = 0xa9
	OpCheckSig    = 0xac
)

// PushData appends b to script as a minimal data push.
func PushData(script []byte, b []byte) []byte {
	switch {
	case len(b) == 0:
		return append(script, OpFalse)
	case len(b) == 1 && b[0] == 0x81:
		return append(script, Op1Negate)
	case len(b) == 1 && b[0] >= 1 && b[0] <= 16:
		// OP_1 .. OP_16
		return append(script, 0x50+b[0])
	case len(b) < OpPushData1:
		script = append(script, byte(len(b)))
		return append(script, b...)
	case len(b) <= 0xff:
		script = append(script, OpPushData1, byte(len(b)))
		return append(script, b...)
	default:
		script = append(script, OpPushData2, byte(len(b)), byte(len(b)>>8))
		return append(script, b...)
	}
}

// PushInt appends n to script as a minimally-encoded script number push.
func PushInt(script []byte, n int64) []byte {
	return PushData(script, ScriptNum(n))
}

// ScriptNum encodes n as a minimal script number: little-endian magnitude
// with the sign carried in the top bit of the final byte.
func ScriptNum(n int64) []byte {
	if n == 0 {
		return nil
	}
	neg := n < 0
	abs := uint64(n)
	if neg {
		abs = uint64(-n)
	}
	var out []byte
	for abs > 0 {
		out = append(out, byte(abs&0xff))
		abs >>= 8
	}
	if out[len(out)-1]&0x80 != 0 {
		if neg {
			out = append(out, 0x80)
		} else {
			out = append(out, 0x00)
		}
	} else if neg {
		out[len(out)-1] |= 0x80
	}
	return out
}

// P2PKHLockingBytecode builds the standard pay-to-pubkey-hash script.
func P2PKHLockingBytecode(pkh []byte) []byte {
	out := make([]byte, 0, 25)
	out = append(out, OpDup, OpHash160, 0x14)
	out = append(out, pkh...)
	out = append(out, OpEqualVerify, OpCheckSig)
	return out
}

// P2SHLockingBytecode builds the pay-to-script-hash script for a
// 20-byte redeem script hash.
func P2SHLockingBytecode(scriptHash []byte) []byte {
	out := make([]byte, 0, 23)
	out = append(out, OpHash160, 0x14)
	out = append(out, scriptHash...)
	out = append(out, OpEqual)
	return out
}

// P2PKHUnlock builds the unlocking script <sig||hashtype> <pubkey>.
func P2PKHUnlock(sigWithType, pubKey []byte) []byte {
	var out []byte
	out = PushData(out, sigWithType)
	out = PushData(out, pubKey)
	return out
}

// ScriptsEqual reports whether two scripts are byte-identical.
func ScriptsEqual(a, b []byte) bool { return bytes.Equal(a, b) }
