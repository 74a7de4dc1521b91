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

package crush

// fixed-point log2 lookup tables for the straw2 draw.
//
// The straw2 selection needs ln of a 16-bit uniform hash value in fixed
// point. It is computed from two lookup tables exactly as the reference
// algorithm does:
//
//	rhLH: interleaved pairs for even index1 in [256, 768]
//	      rhLH[index1-256]   ~ 2^56 / index1
//	      rhLH[index1+1-256] ~ 2^48 * log2(index1/256)
//	ll:   ll[j] ~ 2^48 * log2(1 + j/2^15)
//
// and combined in crushLn below. The tables are built once at package
// init from these formulas.

import (
	"math"
	"math/bits"
)

var (
	rhLH [514]uint64
	ll   [256]uint64
)

func init() {
	for i := 0; i < len(rhLH); i += 2 {
		index1 := float64(256 + i)
		rhLH[i] = uint64(1<<56) / uint64(256+i)
		rhLH[i+1] = uint64(math.Log2(index1/256) * (1 << 48))
	}
	for j := range ll {
		ll[j] = uint64(math.Log2(1+float64(j)/(1<<15)) * (1 << 48))
	}
}

// crushLn computes 2^44*log2(x+1) in fixed point.
func crushLn(xin uint32) uint64 {
	x := xin + 1

	// normalize so that bit 15 or 16 is the top set bit
	iexpon := 15
	if x&0x18000 == 0 {
		n := bits.LeadingZeros32(x&0x1ffff) - 16
		x <<= uint(n)
		iexpon = 15 - n
	}

	index1 := int(x>>8) << 1
	rh := rhLH[index1-256]   // ~ 2^56/index1
	lh := rhLH[index1+1-256] // ~ 2^48 * log2(index1/256)

	// rh*x ~ 2^48 * (2^15 + xf), xf < 2^8
	xl64 := uint64(x) * rh >> 48

	result := uint64(iexpon) << (12 + 32)
	lh += ll[xl64&0xff]
	result += lh >> (48 - 12 - 32)
	return result
}
