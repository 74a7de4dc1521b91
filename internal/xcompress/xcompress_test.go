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

package xcompress

import (
	"bytes"
	"strings"
	"testing"
)

func TestRoundtrip(t *testing.T) {
	data := []byte(strings.Repeat("the quick brown fox jumps over the lazy dog. ", 50))

	for _, algo := range []uint32{AlgoNone, AlgoSnappy, AlgoZlib, AlgoZstd} {
		c, err := ByAlgorithm(algo)
		if err != nil {
			t.Fatalf("algo %d: %s", algo, err)
		}

		z, err := c.Compress(data)
		if err != nil {
			t.Fatalf("%s: compress: %s", c.Name(), err)
		}
		if algo != AlgoNone && len(z) >= len(data) {
			t.Errorf("%s: repetitive input did not shrink: %d -> %d",
				c.Name(), len(data), len(z))
		}

		out, err := c.Decompress(z, len(data))
		if err != nil {
			t.Fatalf("%s: decompress: %s", c.Name(), err)
		}
		if !bytes.Equal(out, data) {
			t.Errorf("%s: roundtrip mismatch", c.Name())
		}

		// the declared size is authoritative
		if _, err := c.Decompress(z, len(data)-1); err == nil {
			t.Errorf("%s: size mismatch not detected", c.Name())
		}

		// empty input is a valid frame segment
		z, err = c.Compress(nil)
		if err != nil {
			t.Fatalf("%s: compress empty: %s", c.Name(), err)
		}
		out, err = c.Decompress(z, 0)
		if err != nil {
			t.Fatalf("%s: decompress empty: %s", c.Name(), err)
		}
		if len(out) != 0 {
			t.Errorf("%s: empty roundtrip -> %d byte(s)", c.Name(), len(out))
		}
	}
}

func TestDecompressGarbage(t *testing.T) {
	garbage := []byte("\x00\x01\x02definitely not a compressed stream")
	for _, algo := range []uint32{AlgoSnappy, AlgoZlib, AlgoZstd} {
		c, _ := ByAlgorithm(algo)
		if _, err := c.Decompress(garbage, 1000); err == nil {
			t.Errorf("%s: garbage accepted", c.Name())
		}
	}
}

func TestByAlgorithm(t *testing.T) {
	for algo, name := range map[uint32]string{
		AlgoNone:   "none",
		AlgoSnappy: "snappy",
		AlgoZlib:   "zlib",
		AlgoZstd:   "zstd",
	} {
		c, err := ByAlgorithm(algo)
		if err != nil {
			t.Fatalf("algo %d: %s", algo, err)
		}
		if c.Name() != name {
			t.Errorf("algo %d: name %q; want %q", algo, c.Name(), name)
		}
	}

	for _, algo := range []uint32{AlgoLz4, 99} {
		if _, err := ByAlgorithm(algo); err == nil {
			t.Errorf("algo %d accepted", algo)
		}
	}
}
