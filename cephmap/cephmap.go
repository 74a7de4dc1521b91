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

// Package cephmap implements the cluster maps a client receives from
// monitors: MonMap with monitor membership, and the OSDMap family
// describing pools, devices and data placement.
//
// All types implement denc.Value and reproduce the wire formats of the
// corresponding cluster structures, including nested versioned
// envelopes and feature-dependent encodings. OSDMap also carries the
// parsed crush topology and exposes placement via ObjectToPG and
// PGToOSDs; Incremental carries one epoch delta and applies it to a
// full map via Apply.
package cephmap

import (
	"fmt"
	"sort"

	"lab.nexedi.com/kirr/gorados/denc"
)

// Release numbers named ceph versions the way map fields like
// min_mon_release and require_osd_release carry them.
type Release uint8

const (
	ReleaseUnknown Release = iota
	ReleaseArgonaut
	ReleaseBobtail
	ReleaseCuttlefish
	ReleaseDumpling
	ReleaseEmperor
	ReleaseFirefly
	ReleaseGiant
	ReleaseHammer
	ReleaseInfernalis
	ReleaseJewel
	ReleaseKraken
	ReleaseLuminous
	ReleaseMimic
	ReleaseNautilus
	ReleaseOctopus
	ReleasePacific
	ReleaseQuincy
	ReleaseReef
	ReleaseSquid
	ReleaseTentacle
	ReleaseMax
)

var releaseNames = [...]string{
	"unknown", "argonaut", "bobtail", "cuttlefish", "dumpling", "emperor",
	"firefly", "giant", "hammer", "infernalis", "jewel", "kraken",
	"luminous", "mimic", "nautilus", "octopus", "pacific", "quincy",
	"reef", "squid", "tentacle",
}

func (r Release) String() string {
	if int(r) < len(releaseNames) {
		return releaseNames[r]
	}
	return fmt.Sprintf("unknown(%d)", uint8(r))
}

// ElectionStrategy tells how monitors elect their leader.
type ElectionStrategy uint8

const (
	ElectClassic      ElectionStrategy = 1
	ElectDisallow     ElectionStrategy = 2
	ElectConnectivity ElectionStrategy = 3
)

// ---- collection codecs ----
//
// Maps inside cluster structures are ordered containers on the wire;
// encoding iterates keys in sorted order so output is deterministic.

type ordered interface {
	~int32 | ~uint32 | ~int64 | ~uint64 | ~string
}

func sortedKeys[K ordered, V any](m map[K]V) []K {
	kv := make([]K, 0, len(m))
	for k := range m {
		kv = append(kv, k)
	}
	sort.Slice(kv, func(i, j int) bool { return kv[i] < kv[j] })
	return kv
}

func sortedPgIDs[V any](m map[denc.PgId]V) []denc.PgId {
	kv := make([]denc.PgId, 0, len(m))
	for k := range m {
		kv = append(kv, k)
	}
	sort.Slice(kv, func(i, j int) bool {
		if kv[i].Pool != kv[j].Pool {
			return kv[i].Pool < kv[j].Pool
		}
		return kv[i].Seed < kv[j].Seed
	})
	return kv
}

func encodeStrVec(w *denc.Writer, v []string) {
	w.U32(uint32(len(v)))
	for _, s := range v {
		w.Str(s)
	}
}

func decodeStrVec(r *denc.Reader) []string {
	n := int(r.U32())
	var v []string
	for i := 0; i < n && r.Err() == nil; i++ {
		v = append(v, r.Str())
	}
	return v
}

func encodeU32Vec(w *denc.Writer, v []uint32) {
	w.U32(uint32(len(v)))
	for _, x := range v {
		w.U32(x)
	}
}

func decodeU32Vec(r *denc.Reader) []uint32 {
	n := int(r.U32())
	var v []uint32
	for i := 0; i < n && r.Err() == nil; i++ {
		v = append(v, r.U32())
	}
	return v
}

func encodeI32Vec(w *denc.Writer, v []int32) {
	w.U32(uint32(len(v)))
	for _, x := range v {
		w.I32(x)
	}
}

func decodeI32Vec(r *denc.Reader) []int32 {
	n := int(r.U32())
	var v []int32
	for i := 0; i < n && r.Err() == nil; i++ {
		v = append(v, r.I32())
	}
	return v
}

func encodeU64Vec(w *denc.Writer, v []uint64) {
	w.U32(uint32(len(v)))
	for _, x := range v {
		w.U64(x)
	}
}

func decodeU64Vec(r *denc.Reader) []uint64 {
	n := int(r.U32())
	var v []uint64
	for i := 0; i < n && r.Err() == nil; i++ {
		v = append(v, r.U64())
	}
	return v
}

func encodeStrMap(w *denc.Writer, m map[string]string) {
	w.U32(uint32(len(m)))
	for _, k := range sortedKeys(m) {
		w.Str(k)
		w.Str(m[k])
	}
}

func decodeStrMap(r *denc.Reader) map[string]string {
	n := int(r.U32())
	m := map[string]string{}
	for i := 0; i < n && r.Err() == nil; i++ {
		k := r.Str()
		m[k] = r.Str()
	}
	return m
}

// map<string, map<string,string>>; used for erasure code profiles and
// pool application metadata.
func encodeStrMapMap(w *denc.Writer, m map[string]map[string]string) {
	w.U32(uint32(len(m)))
	for _, k := range sortedKeys(m) {
		w.Str(k)
		encodeStrMap(w, m[k])
	}
}

func decodeStrMapMap(r *denc.Reader) map[string]map[string]string {
	n := int(r.U32())
	m := map[string]map[string]string{}
	for i := 0; i < n && r.Err() == nil; i++ {
		k := r.Str()
		m[k] = decodeStrMap(r)
	}
	return m
}
