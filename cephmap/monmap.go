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

package cephmap

// MonMap and monitor membership.

import (
	"fmt"

	"lab.nexedi.com/kirr/gorados/denc"
)

// MonFeature is a set of persistent or optional monitor quorum features.
type MonFeature struct {
	Features uint64
}

func (f *MonFeature) EncodedLen(denc.Features) int { return 6 + 8 }

func (f *MonFeature) Encode(w *denc.Writer, _ denc.Features) {
	pos := w.BeginEnv(1, 1)
	w.U64(f.Features)
	w.EndEnv(pos)
}

func (f *MonFeature) Decode(r *denc.Reader, _ denc.Features) error {
	e := r.Env(1)
	f.Features = e.R.U64()
	return e.Close()
}

// MonInfo describes one monitor: its name, public endpoints and
// election properties.
//
// Wire form is a v6 envelope on nautilus-era sessions and a v2 one
// before that; pre-v3 input carries a single legacy address instead of
// an address vector.
type MonInfo struct {
	Name        string
	PublicAddrs denc.EntityAddrVec
	Priority    uint16
	Weight      uint16
	CrushLoc    map[string]string
	TimeAdded   denc.Utime
}

func (i *MonInfo) EncodedLen(denc.Features) int { return 0 } // sized during encode

func (i *MonInfo) Encode(w *denc.Writer, f denc.Features) {
	v := uint8(6)
	if !f.HasSignificant(denc.FeatureMaskServerNautilus) {
		v = 2
	}
	pos := w.BeginEnv(v, 1)
	w.Str(i.Name)
	if v < 3 {
		i.legacyAddr().Encode(w, 0)
	} else {
		i.PublicAddrs.Encode(w, f)
	}
	w.U16(i.Priority)
	if v >= 4 {
		w.U16(i.Weight)
	}
	if v >= 5 {
		encodeStrMap(w, i.CrushLoc)
	}
	if v >= 6 {
		i.TimeAdded.Encode(w, f)
	}
	w.EndEnv(pos)
}

func (i *MonInfo) Decode(r *denc.Reader, f denc.Features) error {
	e := r.Env(6)
	i.Name = e.R.Str()
	if e.V < 3 {
		var a denc.EntityAddr
		a.Decode(e.R, f)
		i.PublicAddrs = denc.EntityAddrVec{Addrs: []denc.EntityAddr{a}}
	} else {
		i.PublicAddrs.Decode(e.R, f)
	}
	if e.V >= 2 {
		i.Priority = e.R.U16()
	}
	if e.V >= 4 {
		i.Weight = e.R.U16()
	}
	if e.V >= 5 {
		i.CrushLoc = decodeStrMap(e.R)
	}
	if e.V >= 6 {
		i.TimeAdded.Decode(e.R, f)
	}
	return e.Close()
}

// legacyAddr picks the address old peers see: the v1 endpoint when
// present, the first one otherwise.
func (i *MonInfo) legacyAddr() *denc.EntityAddr {
	if a := i.PublicAddrs.Legacy(); a != nil {
		return a
	}
	if len(i.PublicAddrs.Addrs) > 0 {
		return &i.PublicAddrs.Addrs[0]
	}
	return &denc.EntityAddr{}
}

// MonMap is the monitor membership of a cluster at one epoch.
//
// Wire form is a v9 envelope (compat 6) on nautilus-era sessions and a
// v5 one (compat 3) before that. Decode accepts v2 and newer; v2..v5
// input carries monitors as a legacy name -> address map from which
// MonInfo entries are synthesized.
type MonMap struct {
	FSID        denc.UUID
	Epoch       uint32
	LastChanged denc.Utime
	Created     denc.Utime

	PersistentFeatures MonFeature
	OptionalFeatures   MonFeature

	Mons  map[string]*MonInfo
	Ranks []string // monitor names in rank order

	MinMonRelease         Release
	RemovedRanks          []uint32
	Strategy              ElectionStrategy
	DisallowedLeaders     []string
	StretchModeEnabled    bool
	TiebreakerMon         string
	StretchMarkedDownMons []string
}

func (m *MonMap) String() string {
	return fmt.Sprintf("e%d: %d mon(s)", m.Epoch, len(m.Mons))
}

// Get returns the named monitor, or nil.
func (m *MonMap) Get(name string) *MonInfo {
	return m.Mons[name]
}

func (m *MonMap) EncodedLen(denc.Features) int { return 0 } // sized during encode

func (m *MonMap) Encode(w *denc.Writer, f denc.Features) {
	v, c := uint8(9), uint8(6)
	if !f.HasSignificant(denc.FeatureMaskServerNautilus) {
		v, c = 5, 3
	}
	pos := w.BeginEnv(v, c)
	m.FSID.Encode(w, f)
	w.U32(m.Epoch)
	if v < 6 {
		// legacy name -> address map
		w.U32(uint32(len(m.Mons)))
		for _, name := range sortedKeys(m.Mons) {
			w.Str(name)
			m.Mons[name].legacyAddr().Encode(w, 0)
		}
	}
	m.LastChanged.Encode(w, f)
	m.Created.Encode(w, f)
	m.PersistentFeatures.Encode(w, f)
	m.OptionalFeatures.Encode(w, f)
	w.U32(uint32(len(m.Mons)))
	for _, name := range sortedKeys(m.Mons) {
		w.Str(name)
		m.Mons[name].Encode(w, f)
	}
	if v >= 6 {
		encodeStrVec(w, m.Ranks)
	}
	if v >= 7 {
		w.U8(uint8(m.MinMonRelease))
	}
	if v >= 8 {
		encodeU32Vec(w, m.RemovedRanks)
		w.U8(uint8(m.Strategy))
		encodeStrVec(w, m.DisallowedLeaders)
	}
	if v >= 9 {
		w.Bool(m.StretchModeEnabled)
		w.Str(m.TiebreakerMon)
		encodeStrVec(w, m.StretchMarkedDownMons)
	}
	w.EndEnv(pos)
}

func (m *MonMap) Decode(r *denc.Reader, f denc.Features) error {
	e := r.Env(9)
	if e.V < 2 {
		e.R.Fail(fmt.Errorf("monmap: v%d is too old", e.V))
		return e.Close()
	}

	m.FSID.Decode(e.R, f)
	m.Epoch = e.R.U32()

	var legacyName []string
	var legacyAddr []denc.EntityAddr
	if e.V < 6 {
		n := int(e.R.U32())
		for i := 0; i < n && e.R.Err() == nil; i++ {
			name := e.R.Str()
			var a denc.EntityAddr
			a.Decode(e.R, f)
			legacyName = append(legacyName, name)
			legacyAddr = append(legacyAddr, a)
		}
	}

	m.LastChanged.Decode(e.R, f)
	m.Created.Decode(e.R, f)
	if e.V >= 4 {
		m.PersistentFeatures.Decode(e.R, f)
		m.OptionalFeatures.Decode(e.R, f)
	}

	m.Mons = map[string]*MonInfo{}
	if e.V >= 5 {
		n := int(e.R.U32())
		for i := 0; i < n && e.R.Err() == nil; i++ {
			name := e.R.Str()
			info := &MonInfo{}
			info.Decode(e.R, f)
			m.Mons[name] = info
		}
	} else {
		for i, name := range legacyName {
			m.Mons[name] = &MonInfo{
				Name:        name,
				PublicAddrs: denc.EntityAddrVec{Addrs: []denc.EntityAddr{legacyAddr[i]}},
			}
		}
	}

	if e.V >= 6 {
		m.Ranks = decodeStrVec(e.R)
	} else {
		m.Ranks = sortedKeys(m.Mons)
	}
	if e.V >= 7 {
		m.MinMonRelease = Release(e.R.U8())
	}
	if e.V >= 8 {
		m.RemovedRanks = decodeU32Vec(e.R)
		m.Strategy = ElectionStrategy(e.R.U8())
		m.DisallowedLeaders = decodeStrVec(e.R)
	}
	if e.V >= 9 {
		m.StretchModeEnabled = e.R.Bool()
		m.TiebreakerMon = e.R.Str()
		m.StretchMarkedDownMons = decodeStrVec(e.R)
	}
	return e.Close()
}
