// Copyright (C) 2024-2025  Nexedi SA and Contributors.
//                          Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

// Package xcompress provides the per-frame compression codecs of the
// session protocol.
//
// The algorithm is negotiated by numeric id during the session
// handshake; ByAlgorithm maps an id to its Compressor. The receiver
// knows the size a frame segment must decompress to, so Decompress
// takes it and treats any mismatch as an error - a wrong size here
// means a corrupt or forged frame.
package xcompress

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"lab.nexedi.com/kirr/gorados/internal/xzlib"
)

// algorithm ids as negotiated on the wire.
const (
	AlgoNone   uint32 = 0
	AlgoSnappy uint32 = 1
	AlgoZlib   uint32 = 2
	AlgoZstd   uint32 = 3
	AlgoLz4    uint32 = 4 // recognized in negotiation, not implemented
)

// Compressor is one frame compression codec.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	// Decompress inflates data back to exactly expectedLen bytes.
	Decompress(data []byte, expectedLen int) ([]byte, error)
	Name() string
}

// ByAlgorithm returns the codec negotiated under the given id.
func ByAlgorithm(algo uint32) (Compressor, error) {
	switch algo {
	case AlgoNone:
		return noneCodec{}, nil
	case AlgoSnappy:
		return snappyCodec{}, nil
	case AlgoZlib:
		return zlibCodec{}, nil
	case AlgoZstd:
		return zstdCodec{}, nil
	}
	return nil, fmt.Errorf("xcompress: unsupported algorithm %d", algo)
}

// checkLen verifies the inflated size against what the frame declared.
func checkLen(name string, data []byte, expectedLen int) ([]byte, error) {
	if len(data) != expectedLen {
		return nil, fmt.Errorf("xcompress: %s: decompressed to %d byte(s); expected %d",
			name, len(data), expectedLen)
	}
	return data, nil
}

// noneCodec is the id-0 passthrough.
type noneCodec struct{}

func (noneCodec) Name() string { return "none" }

func (noneCodec) Compress(data []byte) ([]byte, error) { return data, nil }

func (noneCodec) Decompress(data []byte, expectedLen int) ([]byte, error) {
	return checkLen("none", data, expectedLen)
}

type snappyCodec struct{}

func (snappyCodec) Name() string { return "snappy" }

func (snappyCodec) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCodec) Decompress(data []byte, expectedLen int) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("xcompress: snappy: %w", err)
	}
	return checkLen("snappy", out, expectedLen)
}

type zlibCodec struct{}

func (zlibCodec) Name() string { return "zlib" }

func (zlibCodec) Compress(data []byte) ([]byte, error) {
	return xzlib.Compress(data), nil
}

func (zlibCodec) Decompress(data []byte, expectedLen int) ([]byte, error) {
	out, err := xzlib.Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("xcompress: zlib: %w", err)
	}
	return checkLen("zlib", out, expectedLen)
}

// zstdCodec shares one stateless encoder/decoder pair; both are safe
// for concurrent EncodeAll/DecodeAll use.
type zstdCodec struct{}

var (
	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
)

func init() {
	var err error
	zstdEnc, err = zstd.NewWriter(nil)
	if err != nil {
		panic(err) // nil writer + default options never fail
	}
	zstdDec, err = zstd.NewReader(nil)
	if err != nil {
		panic(err) // ----//----
	}
}

func (zstdCodec) Name() string { return "zstd" }

func (zstdCodec) Compress(data []byte) ([]byte, error) {
	return zstdEnc.EncodeAll(data, nil), nil
}

func (zstdCodec) Decompress(data []byte, expectedLen int) ([]byte, error) {
	out, err := zstdDec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("xcompress: zstd: %w", err)
	}
	return checkLen("zstd", out, expectedLen)
}
