// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pdu

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Count is a timeline position. The zero value is Normal(0), which
// sorts before every allocated position and serves as the "from the
// start" token.
type Count struct {
	backfilled bool
	value      uint64
}

// Normal returns the position of a live event: the n-th allocation
// of the global counter.
func Normal(n uint64) Count {
	return Count{value: n}
}

// Backfilled returns the position of a backfilled event. Higher n
// means further back in history: Backfilled(2) precedes
// Backfilled(1), and every Backfilled position precedes every Normal
// position.
func Backfilled(n uint64) Count {
	return Count{backfilled: true, value: n}
}

// IsBackfilled reports whether the position is in the backfilled
// range.
func (c Count) IsBackfilled() bool { return c.backfilled }

// Value returns the raw counter value.
func (c Count) Value() uint64 { return c.value }

// Compare orders positions in timeline order: -1 when c precedes
// other, +1 when c follows it, 0 when equal.
func (c Count) Compare(other Count) int {
	if c.backfilled != other.backfilled {
		if c.backfilled {
			return -1
		}
		return 1
	}
	if c.value == other.value {
		return 0
	}
	later := c.value > other.value
	if c.backfilled {
		// Backfilled positions run backwards: a higher counter is
		// further in the past.
		later = !later
	}
	if later {
		return 1
	}
	return -1
}

// Encode returns the position's key suffix: 8 big-endian bytes for
// Normal, 8 zero bytes followed by the complement for Backfilled.
// Appended to a fixed-length room prefix, the suffixes sort bytewise
// in timeline order (Normal positions start at 1, so no Normal
// suffix collides with the backfilled zero marker).
func (c Count) Encode() []byte {
	if !c.backfilled {
		suffix := make([]byte, 8)
		binary.BigEndian.PutUint64(suffix, c.value)
		return suffix
	}
	suffix := make([]byte, 16)
	binary.BigEndian.PutUint64(suffix[8:], math.MaxUint64-c.value)
	return suffix
}

// DecodeCount reverses Encode.
func DecodeCount(encoded []byte) (Count, error) {
	switch len(encoded) {
	case 8:
		return Normal(binary.BigEndian.Uint64(encoded)), nil
	case 16:
		if binary.BigEndian.Uint64(encoded[:8]) != 0 {
			return Count{}, fmt.Errorf("pdu: backfilled position suffix has nonzero marker")
		}
		return Backfilled(math.MaxUint64 - binary.BigEndian.Uint64(encoded[8:])), nil
	default:
		return Count{}, fmt.Errorf("pdu: position suffix has %d bytes, want 8 or 16", len(encoded))
	}
}

// String renders the position as a pagination token: the decimal
// counter, minus-prefixed for backfilled positions.
func (c Count) String() string {
	if c.backfilled {
		return "-" + strconv.FormatUint(c.value, 10)
	}
	return strconv.FormatUint(c.value, 10)
}

// ParseCount parses a pagination token produced by String.
func ParseCount(token string) (Count, error) {
	backfilled := strings.HasPrefix(token, "-")
	digits := strings.TrimPrefix(token, "-")
	value, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return Count{}, fmt.Errorf("pdu: invalid position token %q", token)
	}
	if backfilled {
		return Backfilled(value), nil
	}
	return Normal(value), nil
}
