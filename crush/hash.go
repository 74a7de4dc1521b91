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

// rjenkins1 hash - the hash everything in placement is keyed on.
//
// This is Robert Jenkins' old 96-bit mix, not the later lookup3 one. Every
// placement decision in a cluster reproduces the bit pattern of these
// functions, so they must not be "improved" or replaced by a better hash.

const hashSeed uint32 = 1315423911

func hashmix(a, b, c uint32) (uint32, uint32, uint32) {
	a = a - b - c ^ c>>13
	b = b - c - a ^ a<<8
	c = c - a - b ^ b>>13
	a = a - b - c ^ c>>12
	b = b - c - a ^ a<<16
	c = c - a - b ^ b>>5
	a = a - b - c ^ c>>3
	b = b - c - a ^ a<<10
	c = c - a - b ^ b>>15
	return a, b, c
}

// Hash2 hashes two 32-bit values.
func Hash2(a, b uint32) uint32 {
	hash := hashSeed ^ a ^ b
	x := uint32(231232)
	y := uint32(1232)
	a, b, hash = hashmix(a, b, hash)
	x, a, hash = hashmix(x, a, hash)
	b, y, hash = hashmix(b, y, hash)
	return hash
}

// Hash3 hashes three 32-bit values.
func Hash3(a, b, c uint32) uint32 {
	hash := hashSeed ^ a ^ b ^ c
	x := uint32(231232)
	y := uint32(1232)
	a, b, hash = hashmix(a, b, hash)
	c, x, hash = hashmix(c, x, hash)
	y, a, hash = hashmix(y, a, hash)
	b, x, hash = hashmix(b, x, hash)
	y, c, hash = hashmix(y, c, hash)
	return hash
}

// Hash4 hashes four 32-bit values.
func Hash4(a, b, c, d uint32) uint32 {
	hash := hashSeed ^ a ^ b ^ c ^ d
	x := uint32(231232)
	y := uint32(1232)
	a, b, hash = hashmix(a, b, hash)
	c, d, hash = hashmix(c, d, hash)
	a, x, hash = hashmix(a, x, hash)
	y, b, hash = hashmix(y, b, hash)
	c, x, hash = hashmix(c, x, hash)
	y, d, hash = hashmix(y, d, hash)
	return hash
}

// StrHash hashes a byte string with the rjenkins string hash used to
// place objects into placement groups.
func StrHash(data []byte) uint32 {
	a := uint32(0x9e3779b9) // the golden ratio
	b := a
	c := uint32(0)

	i := 0
	for ; i+12 <= len(data); i += 12 {
		a += uint32(data[i]) | uint32(data[i+1])<<8 | uint32(data[i+2])<<16 | uint32(data[i+3])<<24
		b += uint32(data[i+4]) | uint32(data[i+5])<<8 | uint32(data[i+6])<<16 | uint32(data[i+7])<<24
		c += uint32(data[i+8]) | uint32(data[i+9])<<8 | uint32(data[i+10])<<16 | uint32(data[i+11])<<24
		a, b, c = hashmix(a, b, c)
	}

	c += uint32(len(data))
	tail := data[i:]
	// the tail goes into a, b and the top 3 bytes of c; c's low byte is
	// reserved for the length mixed in above
	switch len(tail) {
	case 11:
		c += uint32(tail[10]) << 24
		fallthrough
	case 10:
		c += uint32(tail[9]) << 16
		fallthrough
	case 9:
		c += uint32(tail[8]) << 8
		fallthrough
	case 8:
		b += uint32(tail[7]) << 24
		fallthrough
	case 7:
		b += uint32(tail[6]) << 16
		fallthrough
	case 6:
		b += uint32(tail[5]) << 8
		fallthrough
	case 5:
		b += uint32(tail[4])
		fallthrough
	case 4:
		a += uint32(tail[3]) << 24
		fallthrough
	case 3:
		a += uint32(tail[2]) << 16
		fallthrough
	case 2:
		a += uint32(tail[1]) << 8
		fallthrough
	case 1:
		a += uint32(tail[0])
	}

	_, _, c = hashmix(a, b, c)
	return c
}
