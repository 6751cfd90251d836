// Package store holds the gateway's persisted and in-memory state: the
// subscription store, usage meter, plan registry, and nonce store.
package store

import (
	"fmt"
	"strconv"
)

// Sats is a satoshi amount. It marshals to a decimal JSON string so
// values above 2^53 survive consumers that parse JSON numbers as
// floats; it accepts both string and number forms on the way in.
type Sats int64

// MarshalJSON encodes the amount as a quoted decimal string.
func (s Sats) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatInt(int64(s), 10))), nil
}

// UnmarshalJSON decodes a quoted or bare decimal amount.
func (s *Sats) UnmarshalJSON(data []byte) error {
	str := string(data)
	if unquoted, err := strconv.Unquote(str); err == nil {
		str = unquoted
	}
	v, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid sats amount %s: %w", string(data), err)
	}
	*s = Sats(v)
	return nil
}

// Int64 returns the amount as a plain integer.
func (s Sats) Int64() int64 { return int64(s) }

func (s Sats) String() string { return strconv.FormatInt(int64(s), 10) }
