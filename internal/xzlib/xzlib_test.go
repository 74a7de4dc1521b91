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

package xzlib

import (
	"strings"
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

func TestDecompress(t *testing.T) {
	// golden stream, compressed with a reference zlib
	ztestv := []struct{ in, out string }{
		{
			in:  "x\x9c\xf3H\xcd\xc9\xc9W\x08\xcf/\xcaIQ\x04\x00\x1cI\x04>",
			out: "Hello World!",
		},
	}

	for _, tt := range ztestv {
		got, err := Decompress([]byte(tt.in))
		if err != nil {
			t.Errorf("decompress err: %q", tt.in)
			continue
		}
		gots := string(got)
		if gots != tt.out {
			t.Errorf("decompress output mismatch:\n%s\n",
				pretty.Compare(tt.out, gots))
		}
	}
}

func TestCompressDecompress(t *testing.T) {
	testv := []string{
		"",
		"ceph v2\n",
		strings.Repeat("osdmap", 1000),
		string([]byte{0, 1, 2, 3, 0xff, 0xfe, 0, 0, 0, 0}),
	}

	for _, data := range testv {
		z := Compress([]byte(data))
		got, err := Decompress(z)
		if err != nil {
			t.Errorf("decompress(compress(%q...)): %s", short(data), err)
			continue
		}
		if string(got) != data {
			t.Errorf("roundtrip mismatch:\n%s", pretty.Compare(data, string(got)))
		}
	}
}

func short(s string) string {
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
