// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the codec used for a stored value. The tag
// is the first byte of every stored blob. These values are format
// constants — changing them breaks existing databases.
type Compression uint8

const (
	// CompressionNone stores the value verbatim. Used for short
	// values and as the automatic fallback when a codec does not
	// shrink the input.
	CompressionNone Compression = 0

	// CompressionLZ4 is the fast default for binary records (CBOR
	// state snapshots, membership caches).
	CompressionLZ4 Compression = 1

	// CompressionZstd (level 3) gives better ratios on text-like
	// values and is used for stored event JSON.
	CompressionZstd Compression = 2
)

// String returns the human-readable name of a compression tag.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// errIncompressible signals that a codec failed to shrink the input;
// the caller stores the value under CompressionNone instead.
var errIncompressible = errors.New("db: value is incompressible")

// zstdEncoder and zstdDecoder are reused across calls. Both are safe
// for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("db: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("db: zstd decoder initialization failed: " + err.Error())
	}
}

// encodeValue produces the stored form of value: a one-byte tag,
// then for compressed tags a uvarint of the original length, then
// the payload. Falls back to CompressionNone when the codec does not
// shrink the input.
func encodeValue(value []byte, preferred Compression) ([]byte, error) {
	if preferred != CompressionNone && len(value) > 0 {
		compressed, err := compressValue(value, preferred)
		if err == nil {
			header := make([]byte, 1, 1+binary.MaxVarintLen64+len(compressed))
			header[0] = byte(preferred)
			header = binary.AppendUvarint(header, uint64(len(value)))
			return append(header, compressed...), nil
		}
		if !errors.Is(err, errIncompressible) {
			return nil, err
		}
	}

	stored := make([]byte, 1+len(value))
	stored[0] = byte(CompressionNone)
	copy(stored[1:], value)
	return stored, nil
}

// decodeValue reverses encodeValue, dispatching on the stored tag.
// A malformed blob means the database bytes themselves are wrong and
// is reported as ErrBadDatabase.
func decodeValue(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, fmt.Errorf("%w: empty stored value", ErrBadDatabase)
	}
	tag := Compression(stored[0])
	body := stored[1:]

	if tag == CompressionNone {
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	}

	originalLength, read := binary.Uvarint(body)
	if read <= 0 {
		return nil, fmt.Errorf("%w: truncated length header (%s)", ErrBadDatabase, tag)
	}
	body = body[read:]

	switch tag {
	case CompressionLZ4:
		destination := make([]byte, originalLength)
		n, err := lz4.UncompressBlock(body, destination)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrBadDatabase, err)
		}
		if uint64(n) != originalLength {
			return nil, fmt.Errorf("%w: lz4: got %d bytes, expected %d", ErrBadDatabase, n, originalLength)
		}
		return destination, nil

	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(body, make([]byte, 0, originalLength))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrBadDatabase, err)
		}
		if uint64(len(result)) != originalLength {
			return nil, fmt.Errorf("%w: zstd: got %d bytes, expected %d", ErrBadDatabase, len(result), originalLength)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("%w: unknown compression tag %d", ErrBadDatabase, stored[0])
	}
}

func compressValue(value []byte, tag Compression) ([]byte, error) {
	switch tag {
	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(value))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(value, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("db: lz4 compress: %w", err)
		}
		// CompressBlock returns 0 for incompressible input.
		if written == 0 || written >= len(value) {
			return nil, errIncompressible
		}
		return destination[:written], nil

	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(value, nil)
		if len(compressed) >= len(value) {
			return nil, errIncompressible
		}
		return compressed, nil

	default:
		return nil, fmt.Errorf("db: unsupported compression tag: %d", tag)
	}
}
