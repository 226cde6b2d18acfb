// Package codec defines key ordering and the textual integer format used by incr/decr.
package codec

import (
	"bytes"
	"fmt"
	"math"
	"strconv"

	"btreekv/pkg/dberrors"
)

// MaxKeySize bounds keys so that several entries always fit into one node.
const MaxKeySize = 250

var (
	ErrEmptyKey    = fmt.Errorf("codec: empty key: %w", dberrors.ErrInvalidArgument)
	ErrKeyTooLarge = fmt.Errorf("codec: key too large: %w", dberrors.ErrInvalidArgument)
)

// Compare orders keys lexicographically by bytes.
func Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// ValidateKey checks key length against MaxKeySize and the tree specific limit.
// limit <= 0 means only MaxKeySize applies.
func ValidateKey(key []byte, limit int) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	maxLen := MaxKeySize
	if limit > 0 && limit < maxLen {
		maxLen = limit
	}
	if len(key) > maxLen {
		return fmt.Errorf("%w: %d > %d", ErrKeyTooLarge, len(key), maxLen)
	}
	return nil
}

// MaxUint64Digits is len("18446744073709551615").
const MaxUint64Digits = 20

// ParseUint64 decodes a counter value. Only canonical unsigned decimals are accepted:
// digits only, no sign, no leading zeros except "0" itself, at most 2^64-1.
func ParseUint64(b []byte) (uint64, bool) {
	if len(b) == 0 || len(b) > MaxUint64Digits {
		return 0, false
	}
	if b[0] == '0' && len(b) > 1 {
		return 0, false
	}

	var v uint64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		d := uint64(c - '0')
		if v > (math.MaxUint64-d)/10 {
			return 0, false
		}
		v = v*10 + d
	}
	return v, true
}

// FormatUint64 returns the canonical decimal form of v.
func FormatUint64(v uint64) []byte {
	return strconv.AppendUint(make([]byte, 0, MaxUint64Digits), v, 10)
}

// AppendUint64 appends the canonical decimal form of v to dst.
func AppendUint64(dst []byte, v uint64) []byte {
	return strconv.AppendUint(dst, v, 10)
}
