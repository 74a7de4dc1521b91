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

// binary map decoding.
//
// The map blob is not wrapped into a versioned envelope - it predates
// them. It starts with a magic, three array bounds and the bucket and
// rule arrays, followed by the name maps. Tunables trail the blob and
// their presence is gated on remaining byte count only, so each extension
// of the format appended fields without a version bump.

import (
	"fmt"

	"lab.nexedi.com/kirr/gorados/denc"

	"lab.nexedi.com/kirr/go123/xerr"
)

// Magic identifies a binary map blob.
const Magic uint32 = 0x00010000

const maxSaneBucketSize = 10000

// DecodeMap decodes the binary form of a placement map.
func DecodeMap(data []byte) (_ *Map, err error) {
	defer xerr.Context(&err, "crush: decode map")

	r := denc.NewReader(data)

	magic := r.U32()
	if r.Err() == nil && magic != Magic {
		return nil, fmt.Errorf("invalid magic %#x", magic)
	}

	m := NewMap()
	m.MaxBuckets = r.I32()
	m.MaxRules = r.U32()
	m.MaxDevices = r.I32()
	if r.Err() != nil {
		return nil, r.Err()
	}
	if m.MaxBuckets < 0 || int64(m.MaxBuckets) > int64(len(data)) {
		return nil, fmt.Errorf("implausible max_buckets %d", m.MaxBuckets)
	}

	m.Buckets = make([]*Bucket, m.MaxBuckets)
	for i := range m.Buckets {
		alg := r.U32()
		if alg == 0 {
			continue // hole
		}
		b, err := decodeBucket(r, alg)
		if err != nil {
			return nil, fmt.Errorf("bucket #%d: %w", i, err)
		}
		m.Buckets[i] = b
	}

	m.Rules = make([]*Rule, m.MaxRules)
	for i := range m.Rules {
		if r.U32() == 0 {
			continue // hole
		}
		rule, err := decodeRule(r)
		if err != nil {
			return nil, fmt.Errorf("rule #%d: %w", i, err)
		}
		m.Rules[i] = rule
	}

	decodeNameMap(r, func(id int32, name string) { m.TypeNames[id] = name })
	decodeNameMap(r, func(id int32, name string) { m.Names[id] = name })
	decodeNameMap(r, func(id int32, name string) { m.RuleNames[uint32(id)] = name })
	if r.Err() != nil {
		return nil, r.Err()
	}

	// trailing tunables, each present only if bytes remain
	if r.Remain() >= 4 {
		m.ChooseLocalTries = r.U32()
	}
	if r.Remain() >= 4 {
		m.ChooseLocalFallbackTries = r.U32()
	}
	if r.Remain() >= 4 {
		m.ChooseTotalTries = r.U32()
	}
	if r.Remain() >= 4 {
		m.ChooseleafDescendOnce = r.U32()
	}
	if r.Remain() >= 1 {
		m.ChooseleafVaryR = r.U8()
	}
	if r.Remain() >= 1 {
		m.StrawCalcVersion = r.U8()
	}
	if r.Remain() >= 4 {
		m.AllowedBucketAlgs = r.U32()
	}
	if r.Remain() >= 1 {
		m.ChooseleafStable = r.U8()
	}
	// whatever else remains - device classes, choose args - does not
	// affect firstn placement and is skipped

	return m, r.Err()
}

func decodeBucket(r *denc.Reader, alg uint32) (*Bucket, error) {
	b := &Bucket{}
	b.Id = r.I32()
	b.Type = int32(r.U16())
	b.Alg = r.U8()
	b.Hash = r.U8()
	b.Weight = r.U32()
	size := r.U32()
	if r.Err() != nil {
		return nil, r.Err()
	}
	if uint32(b.Alg) != alg {
		return nil, fmt.Errorf("algorithm mismatch: header %d, bucket %d", alg, b.Alg)
	}
	if size > maxSaneBucketSize {
		return nil, fmt.Errorf("implausible size %d", size)
	}

	b.Items = make([]int32, size)
	for i := range b.Items {
		b.Items[i] = r.I32()
	}

	switch b.Alg {
	case AlgUniform:
		b.ItemWeight = r.U32()

	case AlgList:
		b.ItemWeights = make([]uint32, size)
		b.SumWeights = make([]uint32, size)
		for i := uint32(0); i < size; i++ {
			b.ItemWeights[i] = r.U32()
			b.SumWeights[i] = r.U32()
		}

	case AlgTree:
		n := r.U32()
		if r.Err() != nil {
			return nil, r.Err()
		}
		if n > 2*maxSaneBucketSize {
			return nil, fmt.Errorf("implausible tree node count %d", n)
		}
		b.NodeWeights = make([]uint32, n)
		for i := range b.NodeWeights {
			b.NodeWeights[i] = r.U32()
		}

	case AlgStraw:
		b.ItemWeights = make([]uint32, size)
		b.Straws = make([]uint32, size)
		for i := uint32(0); i < size; i++ {
			b.ItemWeights[i] = r.U32()
			b.Straws[i] = r.U32()
		}

	case AlgStraw2:
		b.ItemWeights = make([]uint32, size)
		for i := range b.ItemWeights {
			b.ItemWeights[i] = r.U32()
		}

	default:
		return nil, fmt.Errorf("unknown algorithm %d", b.Alg)
	}

	return b, r.Err()
}

func decodeRule(r *denc.Reader) (*Rule, error) {
	nstep := r.U32()
	if r.Err() != nil {
		return nil, r.Err()
	}
	if nstep > maxSaneBucketSize {
		return nil, fmt.Errorf("implausible step count %d", nstep)
	}

	rule := &Rule{}
	// legacy rule mask: id, type and retired min/max size bounds
	rule.Id = uint32(r.U8())
	rule.Type = r.U8()
	r.U8() // min_size, retired
	r.U8() // max_size, retired

	rule.Steps = make([]RuleStep, nstep)
	for i := range rule.Steps {
		rule.Steps[i].Op = r.U32()
		rule.Steps[i].Arg1 = r.I32()
		rule.Steps[i].Arg2 = r.I32()
	}
	return rule, r.Err()
}

// decodeNameMap decodes an u32-counted (i32 id, string) map, feeding
// pairs into add. An absent map - no bytes remain - is an empty map.
func decodeNameMap(r *denc.Reader, add func(id int32, name string)) {
	if r.Remain() < 4 {
		return
	}
	n := r.U32()
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		id := r.I32()
		name := r.Str()
		if r.Err() == nil {
			add(id, name)
		}
	}
}
