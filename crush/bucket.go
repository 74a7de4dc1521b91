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

// per-bucket item selection.

import "math"

// bucketChoose picks one item from b for input x and replica selector r.
// ok=false means the bucket is degenerate (empty or inconsistent data).
func bucketChoose(b *Bucket, x, r uint32) (item int32, ok bool) {
	if len(b.Items) == 0 {
		return 0, false
	}

	switch b.Alg {
	case AlgStraw2:
		return straw2Choose(b, x, r)
	case AlgUniform:
		return uniformChoose(b, x, r)
	case AlgList:
		return listChoose(b, x, r)
	case AlgTree:
		return treeChoose(b, x, r)
	case AlgStraw:
		return strawChoose(b, x, r)
	}
	return 0, false
}

// straw2Choose draws an exponentially distributed straw for every item,
// scaled by item weight, and picks the longest.
//
// The draw is -ln(U)/w in fixed point: a 16-bit uniform hash U is mapped
// through the crushLn tables to ln over [-11.090355, 0], then divided by
// the 16.16 weight. Zero-weight items never win.
func straw2Choose(b *Bucket, x, r uint32) (int32, bool) {
	if len(b.ItemWeights) < len(b.Items) {
		return 0, false
	}

	high := 0
	highDraw := int64(math.MinInt64)
	for i, item := range b.Items {
		var draw int64
		if w := b.ItemWeights[i]; w > 0 {
			u := Hash3(x, uint32(item), r) & 0xffff
			ln := int64(crushLn(u)) - 0x1000000000000
			draw = ln / int64(w)
		} else {
			draw = math.MinInt64
		}
		if i == 0 || draw > highDraw {
			high = i
			highDraw = draw
		}
	}
	return b.Items[high], true
}

// uniformChoose picks among equally weighted items by plain hashing.
func uniformChoose(b *Bucket, x, r uint32) (int32, bool) {
	i := Hash2(x, r) % uint32(len(b.Items))
	return b.Items[i], true
}

// listChoose walks the item list back to front, cutting off at each item
// with probability weight/cumulative-weight.
func listChoose(b *Bucket, x, r uint32) (int32, bool) {
	if len(b.ItemWeights) < len(b.Items) || len(b.SumWeights) < len(b.Items) {
		return 0, false
	}

	for i := len(b.Items) - 1; i >= 0; i-- {
		w := uint64(Hash4(x, uint32(b.Items[i]), r, uint32(b.Id))) & 0xffff
		w = w * uint64(b.SumWeights[i]) >> 16
		if w < uint64(b.ItemWeights[i]) {
			return b.Items[i], true
		}
	}
	return b.Items[0], true
}

// treeChoose descends the implicit binary tree, choosing a subtree at
// each node in proportion to subtree weights.
func treeChoose(b *Bucket, x, r uint32) (int32, bool) {
	n := len(b.Items)
	for n > 1 {
		left := n >> 1
		right := n - left

		w := Hash4(x, uint32(n), r, uint32(b.Id))
		wl := uint64(w & 0xffff)
		wr := uint64(w >> 16)

		var lw, rw uint64
		if left < len(b.NodeWeights) {
			lw = uint64(b.NodeWeights[left])
		}
		if right < len(b.NodeWeights) {
			rw = uint64(b.NodeWeights[right])
		}

		if wl*(lw+rw) < wr*lw {
			n = left
		} else {
			n = right
		}
	}

	if i := n >> 1; i < len(b.Items) {
		return b.Items[i], true
	}
	return b.Items[0], true
}

// strawChoose is the legacy straw algorithm with precomputed straw
// lengths; superseded by straw2 but still decodable.
func strawChoose(b *Bucket, x, r uint32) (int32, bool) {
	if len(b.Straws) < len(b.Items) {
		return 0, false
	}

	high := 0
	highDraw := uint64(0)
	for i, item := range b.Items {
		draw := uint64(Hash3(x, uint32(item), r)) & 0xffff
		draw *= uint64(b.Straws[i])
		if i == 0 || draw > highDraw {
			high = i
			highDraw = draw
		}
	}
	return b.Items[high], true
}
