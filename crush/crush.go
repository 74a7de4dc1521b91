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

// Package crush implements the CRUSH placement algorithm.
//
// CRUSH deterministically maps an input value - in practice a placement
// group seed - to an ordered set of storage devices by walking a weighted
// hierarchy of buckets according to a placement rule. No directory is
// consulted and no state is kept between computations: every party with
// the same Map, rule and weights computes the same mapping.
//
// A Map is decoded once from its binary blob (DecodeMap) and is immutable
// afterwards. Map.DoRule executes one rule. ObjectToPG and PGToOSDs are
// the conventional entry points layered on top: object name -> placement
// group -> device set.
//
// The computation is specified bit-for-bit: the rjenkins1 hash (hash.go),
// the fixed-point log tables of the straw2 draw (lntable.go) and the
// retry/descent semantics of the selection loop (mapper.go) all reproduce
// the reference algorithm exactly, down to its historical quirks.
package crush

import (
	"errors"
	"fmt"
)

// bucket selection algorithms.
const (
	AlgUniform uint8 = 1
	AlgList    uint8 = 2
	AlgTree    uint8 = 3
	AlgStraw   uint8 = 4
	AlgStraw2  uint8 = 5
)

// rule step opcodes.
const (
	OpNoop                        uint32 = 0
	OpTake                        uint32 = 1
	OpChooseFirstN                uint32 = 2
	OpChooseIndep                 uint32 = 3
	OpEmit                        uint32 = 4
	OpChooseLeafFirstN            uint32 = 6
	OpChooseLeafIndep             uint32 = 7
	OpSetChooseTries              uint32 = 8
	OpSetChooseLeafTries          uint32 = 9
	OpSetChooseLocalTries         uint32 = 10
	OpSetChooseLocalFallbackTries uint32 = 11
	OpSetChooseLeafVaryR          uint32 = 12
	OpSetChooseLeafStable         uint32 = 13
)

// item weights are 16.16 fixed-point; 0x10000 is fully weighted.
const WeightFull uint32 = 0x10000

// errors surfaced by placement computations.
var (
	ErrBadBucketId = errors.New("crush: invalid bucket id")
	ErrNoBucket    = errors.New("crush: bucket not found")
	ErrNoRule      = errors.New("crush: rule not found")
)

// Bucket is one internal node of the topology tree: a set of items -
// devices or other buckets - with per-item weights and a selection
// algorithm that picks one item for a given (input, replica) pair.
type Bucket struct {
	Id     int32 // always negative
	Type   int32 // position in the hierarchy, e.g. host or rack; 0 is reserved for devices
	Alg    uint8
	Hash   uint8  // hash function id; 0 = rjenkins1, the only one defined
	Weight uint32 // total weight, 16.16 fixed-point

	Items []int32 // negative = nested buckets, >= 0 = devices

	// per-algorithm data; only the fields of Alg are meaningful
	ItemWeight  uint32   // uniform: the one shared weight
	ItemWeights []uint32 // list, straw, straw2
	SumWeights  []uint32 // list: cumulative weights
	NodeWeights []uint32 // tree: weights of the implicit binary tree nodes
	Straws      []uint32 // straw: precomputed straw lengths
}

// Size returns the number of items in the bucket.
func (b *Bucket) Size() int { return len(b.Items) }

// RuleStep is one instruction of a placement rule.
type RuleStep struct {
	Op   uint32
	Arg1 int32
	Arg2 int32
}

// Rule is an ordered program of steps mapping an input to a device set.
type Rule struct {
	Id    uint32
	Type  uint8 // replicated=1, erasure=3
	Steps []RuleStep
}

// Map is the complete placement topology: buckets, rules, names and the
// tunables that parameterize the selection loop. It is immutable once
// decoded.
type Map struct {
	MaxBuckets int32
	MaxRules   uint32
	MaxDevices int32

	Buckets []*Bucket // indexed by -1-id; nil entries are holes
	Rules   []*Rule   // indexed by rule id; nil entries are holes

	TypeNames map[int32]string
	Names     map[int32]string
	RuleNames map[uint32]string

	// tunables; zero-valued fields keep the legacy behavior
	ChooseLocalTries         uint32
	ChooseLocalFallbackTries uint32
	ChooseTotalTries         uint32
	ChooseleafDescendOnce    uint32
	ChooseleafVaryR          uint8
	ChooseleafStable         uint8
	StrawCalcVersion         uint8
	AllowedBucketAlgs        uint32
}

// NewMap returns an empty map with the legacy tunable profile.
func NewMap() *Map {
	return &Map{
		TypeNames: make(map[int32]string),
		Names:     make(map[int32]string),
		RuleNames: make(map[uint32]string),

		ChooseLocalTries:         2,
		ChooseLocalFallbackTries: 5,
		ChooseTotalTries:         19,
	}
}

// Bucket returns the bucket with the given id.
func (m *Map) Bucket(id int32) (*Bucket, error) {
	if id >= 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadBucketId, id)
	}
	i := int(-1 - id)
	if i >= len(m.Buckets) || m.Buckets[i] == nil {
		return nil, fmt.Errorf("%w: %d", ErrNoBucket, id)
	}
	return m.Buckets[i], nil
}

// Rule returns the rule with the given id.
func (m *Map) Rule(id uint32) (*Rule, error) {
	if int(id) >= len(m.Rules) || m.Rules[id] == nil {
		return nil, fmt.Errorf("%w: %d", ErrNoRule, id)
	}
	return m.Rules[id], nil
}
