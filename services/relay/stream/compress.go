// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stream

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ErrUnsupportedCompression is returned for an unknown algorithm name.
var ErrUnsupportedCompression = errors.New("unsupported compression algorithm")

// errIncompressible means the output would not be smaller than the input.
var errIncompressible = errors.New("data is incompressible")

// Algorithm names a batch compression algorithm. It is negotiated once,
// at connection setup.
type Algorithm string

const (
	AlgorithmNone Algorithm = "none"
	AlgorithmZstd Algorithm = "zstd"
	AlgorithmLZ4  Algorithm = "lz4"
	AlgorithmS2   Algorithm = "s2"
)

// ParseAlgorithm parses a client-supplied algorithm name. The empty
// string means none.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case "", AlgorithmNone:
		return AlgorithmNone, nil
	case AlgorithmZstd, AlgorithmLZ4, AlgorithmS2:
		return Algorithm(name), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCompression, name)
	}
}

// CompressionConfig is the per-connection compression choice.
type CompressionConfig struct {
	// Algorithm is one of none, zstd, lz4, s2. Default: none
	Algorithm Algorithm `json:"algorithm" yaml:"algorithm" validate:"omitempty,oneof=none zstd lz4 s2"`

	// MinBytes is the serialized batch size below which compression is
	// skipped. Default: 512
	MinBytes int `json:"min_bytes" yaml:"min_bytes" validate:"gte=0"`
}

// DefaultMinBytes is the compression cutoff when none is configured.
const DefaultMinBytes = 512

// Compressor applies one CompressionConfig to serialized batches.
//
// # Thread Safety
//
// Safe for concurrent use. The zstd encoder and decoder are shared
// package-wide and are themselves safe for concurrent use.
type Compressor struct {
	alg      Algorithm
	minBytes int
}

// NewCompressor validates cfg and returns a Compressor.
func NewCompressor(cfg CompressionConfig) (*Compressor, error) {
	alg, err := ParseAlgorithm(string(cfg.Algorithm))
	if err != nil {
		return nil, err
	}
	if cfg.MinBytes < 0 {
		return nil, fmt.Errorf("compression min_bytes must be >= 0, got %d", cfg.MinBytes)
	}
	return &Compressor{alg: alg, minBytes: cfg.MinBytes}, nil
}

// Algorithm returns the configured algorithm.
func (c *Compressor) Algorithm() Algorithm {
	if c == nil {
		return AlgorithmNone
	}
	return c.alg
}

// Compress compresses data with the configured algorithm.
//
// # Outputs
//
//   - []byte: The bytes to send. The input itself when uncompressed.
//   - Algorithm: The algorithm actually applied. AlgorithmNone when the
//     compressor is nil or none, the input is below MinBytes, or the
//     output would not be smaller than the input.
//   - error: Non-nil only on an encoder failure.
func (c *Compressor) Compress(data []byte) ([]byte, Algorithm, error) {
	if c == nil || c.alg == AlgorithmNone || len(data) == 0 || len(data) < c.minBytes {
		return data, AlgorithmNone, nil
	}

	var (
		out []byte
		err error
	)
	switch c.alg {
	case AlgorithmZstd:
		out, err = compressZstd(data)
	case AlgorithmLZ4:
		out, err = compressLZ4(data)
	case AlgorithmS2:
		out, err = compressS2(data)
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedCompression, c.alg)
	}
	if errors.Is(err, errIncompressible) {
		return data, AlgorithmNone, nil
	}
	if err != nil {
		return nil, "", err
	}
	return out, c.alg, nil
}

// Decompress reverses Compress. rawSize is the uncompressed length, which
// block-mode lz4 needs and the others verify.
func Decompress(data []byte, alg Algorithm, rawSize int) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch alg {
	case AlgorithmNone, "":
		out = data
	case AlgorithmZstd:
		out, err = zstdDecoder.DecodeAll(data, make([]byte, 0, rawSize))
	case AlgorithmLZ4:
		out = make([]byte, rawSize)
		var n int
		n, err = lz4.UncompressBlock(data, out)
		out = out[:max(n, 0)]
	case AlgorithmS2:
		out, err = s2.Decode(nil, data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCompression, alg)
	}
	if err != nil {
		return nil, fmt.Errorf("%s decompress: %w", alg, err)
	}
	if len(out) != rawSize {
		return nil, fmt.Errorf("%s decompress: got %d bytes, expected %d", alg, len(out), rawSize)
	}
	return out, nil
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("stream: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("stream: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func compressS2(data []byte) ([]byte, error) {
	out := s2.Encode(nil, data)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}
