package keys

import (
	"fmt"
	"strings"
)

// Cash-address codec. The token-aware address types (used for CashToken
// receiving) are not covered by bchutil's codec, so the full base32 scheme
// lives here.

const charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// AddrType is the cash-address type encoded in the version byte.
type AddrType uint8

const (
	// P2PKHAddr is a pay-to-pubkey-hash address.
	P2PKHAddr AddrType = 0
	// P2SHAddr is a pay-to-script-hash address.
	P2SHAddr AddrType = 1
	// TokenP2PKHAddr is a token-aware pay-to-pubkey-hash address.
	TokenP2PKHAddr AddrType = 2
	// TokenP2SHAddr is a token-aware pay-to-script-hash address.
	TokenP2SHAddr AddrType = 3
)

var charsetRev = func() [128]int8 {
	var rev [128]int8
	for i := range rev {
		rev[i] = -1
	}
	for i, c := range charset {
		rev[c] = int8(i)
	}
	return rev
}()

func polyMod(v []byte) uint64 {
	c := uint64(1)
	for _, d := range v {
		c0 := c >> 35
		c = ((c & 0x07ffffffff) << 5) ^ uint64(d)
		if c0&0x01 != 0 {
			c ^= 0x98f2bc8e61
		}
		if c0&0x02 != 0 {
			c ^= 0x79b76d99e2
		}
		if c0&0x04 != 0 {
			c ^= 0xf33e5fb3c4
		}
		if c0&0x08 != 0 {
			c ^= 0xae2eabe2a8
		}
		if c0&0x10 != 0 {
			c ^= 0x1e4f43e470
		}
	}
	return c ^ 1
}

func expandPrefix(prefix string) []byte {
	out := make([]byte, len(prefix)+1)
	for i := 0; i < len(prefix); i++ {
		out[i] = prefix[i] & 0x1f
	}
	out[len(prefix)] = 0
	return out
}

func convertBits(data []byte, from, to uint, pad bool) ([]byte, error) {
	var acc, bits uint
	maxv := uint(1)<<to - 1
	out := make([]byte, 0, len(data)*int(from)/int(to)+1)
	for _, b := range data {
		if uint(b)>>from != 0 {
			return nil, fmt.Errorf("invalid data range: %d exceeds %d bits", b, from)
		}
		acc = acc<<from | uint(b)
		bits += from
		for bits >= to {
			bits -= to
			out = append(out, byte(acc>>bits&maxv))
		}
	}
	if pad {
		if bits > 0 {
			out = append(out, byte(acc<<(to-bits)&maxv))
		}
	} else if bits >= from || acc<<(to-bits)&maxv != 0 {
		return nil, fmt.Errorf("invalid padding")
	}
	return out, nil
}

// EncodeCashAddr encodes a 20-byte hash as a cash address with the given
// prefix and type.
func EncodeCashAddr(prefix string, typ AddrType, hash []byte) (string, error) {
	if len(hash) != 20 {
		return "", fmt.Errorf("%w: hash must be 20 bytes, got %d", ErrInvalidAddress, len(hash))
	}
	payload := append([]byte{byte(typ) << 3}, hash...)
	data, err := convertBits(payload, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	checksumInput := append(expandPrefix(prefix), data...)
	checksumInput = append(checksumInput, make([]byte, 8)...)
	mod := polyMod(checksumInput)

	var sb strings.Builder
	sb.WriteString(prefix)
	sb.WriteByte(':')
	for _, d := range data {
		sb.WriteByte(charset[d])
	}
	for i := 0; i < 8; i++ {
		sb.WriteByte(charset[mod>>uint(5*(7-i))&0x1f])
	}
	return sb.String(), nil
}

// DecodedAddr is the result of decoding a cash address.
type DecodedAddr struct {
	Prefix string
	Type   AddrType
	Hash   []byte
}

// DecodeCashAddr decodes a prefixed cash address.
func DecodeCashAddr(addr string) (*DecodedAddr, error) {
	addr = strings.ToLower(strings.TrimSpace(addr))
	idx := strings.IndexByte(addr, ':')
	if idx <= 0 || idx == len(addr)-1 {
		return nil, fmt.Errorf("%w: missing prefix in %q", ErrInvalidAddress, addr)
	}
	prefix, body := addr[:idx], addr[idx+1:]

	data := make([]byte, len(body))
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c >= 128 || charsetRev[c] < 0 {
			return nil, fmt.Errorf("%w: invalid character %q", ErrInvalidAddress, c)
		}
		data[i] = byte(charsetRev[c])
	}

	if polyMod(append(expandPrefix(prefix), data...)) != 0 {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}

	payload, err := convertBits(data[:len(data)-8], 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidAddress)
	}

	version := payload[0]
	if version&0x80 != 0 {
		return nil, fmt.Errorf("%w: reserved version bit set", ErrInvalidAddress)
	}
	typ := AddrType(version >> 3)
	if typ > TokenP2SHAddr {
		return nil, fmt.Errorf("%w: unknown address type %d", ErrInvalidAddress, typ)
	}
	hash := payload[1:]
	if len(hash) != 20 {
		return nil, fmt.Errorf("%w: unsupported hash size %d", ErrInvalidAddress, len(hash))
	}
	return &DecodedAddr{Prefix: prefix, Type: typ, Hash: hash}, nil
}

// IsP2SH reports whether the decoded address carries a script hash.
func (d *DecodedAddr) IsP2SH() bool {
	return d.Type == P2SHAddr || d.Type == TokenP2SHAddr
}
