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

// incremental OSDMap deltas.

import (
	"context"
	"fmt"

	"lab.nexedi.com/kirr/gorados/crush"
	"lab.nexedi.com/kirr/gorados/denc"
	"lab.nexedi.com/kirr/gorados/internal/log"
)

// allow_crimson mutations.
const (
	CrimsonKeep  uint8 = 0
	CrimsonSet   uint8 = 1
	CrimsonClear uint8 = 2
)

// Incremental is the delta between two consecutive OSDMap epochs.
//
// Wire form mirrors OSDMap: a v8 outer envelope (compat 7) with nested
// client (up to v9) and osd (up to v12) sections, optionally followed
// by crcs of the incremental itself and of the resulting full map.
//
// "not changed" is encoded in-band: -1 for the scalar New* fields,
// 0xff for the release fields, an absent map entry otherwise. Use
// NewIncremental to start from those defaults.
type Incremental struct {
	FSID     denc.UUID
	Epoch    uint32
	Modified denc.Utime

	NewPoolMax int64
	NewFlags   int32

	// a nonempty FullMap replaces the base map wholesale; a nonempty
	// Crush replaces just the topology blob
	FullMap []byte
	Crush   []byte

	NewMaxOSD    int32
	NewPools     map[int64]*PgPool
	NewPoolNames map[int64]string
	OldPools     []int64

	NewUpClient map[int32]denc.EntityAddrVec
	NewState    map[int32]uint32
	NewWeight   map[int32]uint32

	NewPgTemp      map[denc.PgId][]int32
	NewPrimaryTemp map[denc.PgId]int32

	NewPrimaryAffinity map[int32]uint32

	NewErasureCodeProfiles map[string]map[string]string
	OldErasureCodeProfiles []string

	NewPgUpmap      map[denc.PgId][]int32
	OldPgUpmap      []denc.PgId
	NewPgUpmapItems map[denc.PgId][][2]int32
	OldPgUpmapItems []denc.PgId

	NewRemovedSnaps map[int64]SnapIntervalSet
	NewPurgedSnaps  map[int64]SnapIntervalSet

	NewLastUpChange denc.Utime
	NewLastInChange denc.Utime

	NewPgUpmapPrimaries map[denc.PgId]int32
	OldPgUpmapPrimaries []denc.PgId

	// osd-only section
	NewHbBackUp          map[int32]denc.EntityAddrVec
	NewUpThru            map[int32]uint32
	NewLastCleanInterval map[int32][2]uint32
	NewLost              map[int32]uint32
	NewBlocklist         []BlocklistEntry
	OldBlocklist         []denc.EntityAddr
	NewUpCluster         map[int32]denc.EntityAddrVec
	ClusterSnapshot      string
	NewUUID              map[int32]denc.UUID
	NewXInfo             map[int32]OsdXInfo
	NewHbFrontUp         map[int32]denc.EntityAddrVec

	EncodeFeatures uint64

	NewNearfullRatio     float32
	NewFullRatio         float32
	NewBackfillfullRatio float32

	NewRequireMinCompatClient Release
	NewRequireOSDRelease      Release

	NewCrushNodeFlags   map[int32]uint32
	NewDeviceClassFlags map[int32]uint32

	ChangeStretchMode        bool
	NewStretchBucketCount    uint32
	NewDegradedStretchMode   uint32
	NewRecoveringStretchMode uint32
	NewStretchModeBucket     int32
	StretchModeEnabled       bool

	NewRangeBlocklist []BlocklistEntry
	OldRangeBlocklist []denc.EntityAddr

	MutateAllowCrimson uint8

	HaveCRC bool
	IncCRC  uint32
	FullCRC uint32
}

// NewIncremental returns an empty delta for the given epoch with all
// "not changed" markers in place.
func NewIncremental(epoch uint32) *Incremental {
	return &Incremental{
		Epoch:                     epoch,
		NewPoolMax:                -1,
		NewFlags:                  -1,
		NewMaxOSD:                 -1,
		NewNearfullRatio:          -1,
		NewFullRatio:              -1,
		NewBackfillfullRatio:      -1,
		NewRequireMinCompatClient: 0xff,
		NewRequireOSDRelease:      0xff,
	}
}

func (inc *Incremental) String() string {
	return fmt.Sprintf("inc e%d", inc.Epoch)
}

func (inc *Incremental) EncodedLen(denc.Features) int { return 0 } // sized during encode

func (inc *Incremental) Encode(w *denc.Writer, f denc.Features) {
	pos := w.BeginEnv(8, 7)

	// client-usable section
	cpos := w.BeginEnv(9, 1)
	inc.FSID.Encode(w, f)
	w.U32(inc.Epoch)
	inc.Modified.Encode(w, f)
	w.I64(inc.NewPoolMax)
	w.I32(inc.NewFlags)
	w.Bytes(inc.FullMap)
	w.Bytes(inc.Crush)
	w.I32(inc.NewMaxOSD)

	w.U32(uint32(len(inc.NewPools)))
	for _, id := range sortedKeys(inc.NewPools) {
		w.I64(id)
		inc.NewPools[id].Encode(w, f)
	}
	w.U32(uint32(len(inc.NewPoolNames)))
	for _, id := range sortedKeys(inc.NewPoolNames) {
		w.I64(id)
		w.Str(inc.NewPoolNames[id])
	}
	w.U32(uint32(len(inc.OldPools)))
	for _, id := range inc.OldPools {
		w.I64(id)
	}

	encodeI32AddrVecMap(w, inc.NewUpClient, f)
	encodeI32U32Map(w, inc.NewState)
	encodeI32U32Map(w, inc.NewWeight)
	encodePgVecMap(w, inc.NewPgTemp, f)
	encodePgI32Map(w, inc.NewPrimaryTemp, f)
	encodeI32U32Map(w, inc.NewPrimaryAffinity)
	encodeStrMapMap(w, inc.NewErasureCodeProfiles)
	encodeStrVec(w, inc.OldErasureCodeProfiles)
	encodePgVecMap(w, inc.NewPgUpmap, f)
	encodePgVec(w, inc.OldPgUpmap, f)
	encodePgPairsMap(w, inc.NewPgUpmapItems, f)
	encodePgVec(w, inc.OldPgUpmapItems, f)
	encodeSnapSetMap(w, inc.NewRemovedSnaps, f)
	encodeSnapSetMap(w, inc.NewPurgedSnaps, f)
	inc.NewLastUpChange.Encode(w, f)
	inc.NewLastInChange.Encode(w, f)
	encodePgI32Map(w, inc.NewPgUpmapPrimaries, f)
	encodePgVec(w, inc.OldPgUpmapPrimaries, f)
	w.EndEnv(cpos)

	// osd-only section
	opos := w.BeginEnv(12, 1)
	encodeI32AddrVecMap(w, inc.NewHbBackUp, f)
	encodeI32U32Map(w, inc.NewUpThru)
	w.U32(uint32(len(inc.NewLastCleanInterval)))
	for _, osd := range sortedKeys(inc.NewLastCleanInterval) {
		w.I32(osd)
		iv := inc.NewLastCleanInterval[osd]
		w.U32(iv[0])
		w.U32(iv[1])
	}
	encodeI32U32Map(w, inc.NewLost)
	encodeBlocklist(w, inc.NewBlocklist, f)
	w.U32(uint32(len(inc.OldBlocklist)))
	for i := range inc.OldBlocklist {
		inc.OldBlocklist[i].Encode(w, f)
	}
	encodeI32AddrVecMap(w, inc.NewUpCluster, f)
	w.Str(inc.ClusterSnapshot)
	w.U32(uint32(len(inc.NewUUID)))
	for _, osd := range sortedKeys(inc.NewUUID) {
		w.I32(osd)
		u := inc.NewUUID[osd]
		u.Encode(w, f)
	}
	w.U32(uint32(len(inc.NewXInfo)))
	for _, osd := range sortedKeys(inc.NewXInfo) {
		w.I32(osd)
		x := inc.NewXInfo[osd]
		x.Encode(w, f)
	}
	encodeI32AddrVecMap(w, inc.NewHbFrontUp, f)
	w.U64(inc.EncodeFeatures)
	w.F32(inc.NewNearfullRatio)
	w.F32(inc.NewFullRatio)
	w.F32(inc.NewBackfillfullRatio)
	w.U8(uint8(inc.NewRequireMinCompatClient))
	w.U8(uint8(inc.NewRequireOSDRelease))
	encodeI32U32Map(w, inc.NewCrushNodeFlags)
	encodeI32U32Map(w, inc.NewDeviceClassFlags)
	w.Bool(inc.ChangeStretchMode)
	w.U32(inc.NewStretchBucketCount)
	w.U32(inc.NewDegradedStretchMode)
	w.U32(inc.NewRecoveringStretchMode)
	w.I32(inc.NewStretchModeBucket)
	w.Bool(inc.StretchModeEnabled)
	encodeBlocklist(w, inc.NewRangeBlocklist, f)
	w.U32(uint32(len(inc.OldRangeBlocklist)))
	for i := range inc.OldRangeBlocklist {
		inc.OldRangeBlocklist[i].Encode(w, f)
	}
	w.U8(inc.MutateAllowCrimson)
	w.EndEnv(opos)

	if inc.HaveCRC {
		w.U32(inc.IncCRC)
		w.U32(inc.FullCRC)
	}
	w.EndEnv(pos)
}

func (inc *Incremental) Decode(r *denc.Reader, f denc.Features) error {
	e := r.Env(8)
	if e.V < 7 {
		e.R.Fail(fmt.Errorf("osdmap inc: v%d is too old", e.V))
		return e.Close()
	}

	// client-usable section
	ec := e.R.Env(9)
	inc.FSID.Decode(ec.R, f)
	inc.Epoch = ec.R.U32()
	inc.Modified.Decode(ec.R, f)
	inc.NewPoolMax = ec.R.I64()
	inc.NewFlags = ec.R.I32()
	inc.FullMap = ec.R.Bytes()
	inc.Crush = ec.R.Bytes()
	inc.NewMaxOSD = ec.R.I32()

	n := int(ec.R.U32())
	inc.NewPools = map[int64]*PgPool{}
	for i := 0; i < n && ec.R.Err() == nil; i++ {
		id := ec.R.I64()
		p := &PgPool{}
		p.Decode(ec.R, f)
		inc.NewPools[id] = p
	}
	n = int(ec.R.U32())
	inc.NewPoolNames = map[int64]string{}
	for i := 0; i < n && ec.R.Err() == nil; i++ {
		id := ec.R.I64()
		inc.NewPoolNames[id] = ec.R.Str()
	}
	n = int(ec.R.U32())
	inc.OldPools = nil
	for i := 0; i < n && ec.R.Err() == nil; i++ {
		inc.OldPools = append(inc.OldPools, ec.R.I64())
	}

	inc.NewUpClient = decodeI32AddrVecMap(ec.R, f)
	if ec.V >= 5 {
		inc.NewState = decodeI32U32Map(ec.R)
	} else {
		n = int(ec.R.U32())
		inc.NewState = map[int32]uint32{}
		for i := 0; i < n && ec.R.Err() == nil; i++ {
			osd := ec.R.I32()
			inc.NewState[osd] = uint32(ec.R.U8())
		}
	}
	inc.NewWeight = decodeI32U32Map(ec.R)
	inc.NewPgTemp = decodePgVecMap(ec.R, f)
	inc.NewPrimaryTemp = decodePgI32Map(ec.R, f)
	if ec.V >= 2 {
		inc.NewPrimaryAffinity = decodeI32U32Map(ec.R)
	}
	if ec.V >= 3 {
		inc.NewErasureCodeProfiles = decodeStrMapMap(ec.R)
		inc.OldErasureCodeProfiles = decodeStrVec(ec.R)
	}
	if ec.V >= 4 {
		inc.NewPgUpmap = decodePgVecMap(ec.R, f)
		inc.OldPgUpmap = decodePgVec(ec.R, f)
		inc.NewPgUpmapItems = decodePgPairsMap(ec.R, f)
		inc.OldPgUpmapItems = decodePgVec(ec.R, f)
	}
	if ec.V >= 6 {
		inc.NewRemovedSnaps = decodeSnapSetMap(ec.R, f)
		inc.NewPurgedSnaps = decodeSnapSetMap(ec.R, f)
	}
	if ec.V >= 8 {
		inc.NewLastUpChange.Decode(ec.R, f)
		inc.NewLastInChange.Decode(ec.R, f)
	}
	if ec.V >= 9 {
		inc.NewPgUpmapPrimaries = decodePgI32Map(ec.R, f)
		inc.OldPgUpmapPrimaries = decodePgVec(ec.R, f)
	}
	ec.Close()

	// osd-only section
	eo := e.R.Env(12)
	inc.NewHbBackUp = decodeI32AddrVecMap(eo.R, f)
	inc.NewUpThru = decodeI32U32Map(eo.R)
	n = int(eo.R.U32())
	inc.NewLastCleanInterval = map[int32][2]uint32{}
	for i := 0; i < n && eo.R.Err() == nil; i++ {
		osd := eo.R.I32()
		inc.NewLastCleanInterval[osd] = [2]uint32{eo.R.U32(), eo.R.U32()}
	}
	inc.NewLost = decodeI32U32Map(eo.R)
	inc.NewBlocklist = decodeBlocklist(eo.R, f)
	n = int(eo.R.U32())
	inc.OldBlocklist = nil
	for i := 0; i < n && eo.R.Err() == nil; i++ {
		var a denc.EntityAddr
		a.Decode(eo.R, f)
		inc.OldBlocklist = append(inc.OldBlocklist, a)
	}
	inc.NewUpCluster = decodeI32AddrVecMap(eo.R, f)
	inc.ClusterSnapshot = eo.R.Str()
	n = int(eo.R.U32())
	inc.NewUUID = map[int32]denc.UUID{}
	for i := 0; i < n && eo.R.Err() == nil; i++ {
		osd := eo.R.I32()
		var u denc.UUID
		u.Decode(eo.R, f)
		inc.NewUUID[osd] = u
	}
	n = int(eo.R.U32())
	inc.NewXInfo = map[int32]OsdXInfo{}
	for i := 0; i < n && eo.R.Err() == nil; i++ {
		osd := eo.R.I32()
		var x OsdXInfo
		x.Decode(eo.R, f)
		inc.NewXInfo[osd] = x
	}
	inc.NewHbFrontUp = decodeI32AddrVecMap(eo.R, f)
	if eo.V >= 2 {
		inc.EncodeFeatures = eo.R.U64()
	}
	if eo.V >= 3 {
		inc.NewNearfullRatio = eo.R.F32()
		inc.NewFullRatio = eo.R.F32()
	}
	if eo.V >= 4 {
		inc.NewBackfillfullRatio = eo.R.F32()
	}
	if eo.V >= 6 {
		inc.NewRequireMinCompatClient = Release(eo.R.U8())
		inc.NewRequireOSDRelease = Release(eo.R.U8())
	}
	if eo.V >= 8 {
		inc.NewCrushNodeFlags = decodeI32U32Map(eo.R)
	}
	if eo.V >= 9 {
		inc.NewDeviceClassFlags = decodeI32U32Map(eo.R)
	}
	if eo.V >= 10 {
		inc.ChangeStretchMode = eo.R.Bool()
		inc.NewStretchBucketCount = eo.R.U32()
		inc.NewDegradedStretchMode = eo.R.U32()
		inc.NewRecoveringStretchMode = eo.R.U32()
		inc.NewStretchModeBucket = eo.R.I32()
		inc.StretchModeEnabled = eo.R.Bool()
	}
	if eo.V >= 11 {
		inc.NewRangeBlocklist = decodeBlocklist(eo.R, f)
		n = int(eo.R.U32())
		inc.OldRangeBlocklist = nil
		for i := 0; i < n && eo.R.Err() == nil; i++ {
			var a denc.EntityAddr
			a.Decode(eo.R, f)
			inc.OldRangeBlocklist = append(inc.OldRangeBlocklist, a)
		}
	}
	if eo.V >= 12 {
		inc.MutateAllowCrimson = eo.R.U8()
	}
	eo.Close()

	inc.HaveCRC = false
	if e.V >= 8 && e.R.Err() == nil && e.R.Remain() >= 8 {
		inc.IncCRC = e.R.U32()
		inc.FullCRC = e.R.U32()
		inc.HaveCRC = true
	}
	return e.Close()
}

// Apply folds the delta into m, advancing it to inc.Epoch.
//
// A nonempty FullMap replaces m wholesale. Otherwise fields mutate in
// place: new_state bits XOR into osd_state, an empty pg_temp vector
// removes the entry, primary_temp -1 removes the entry, a nonempty
// crush blob replaces the topology.
func (inc *Incremental) Apply(m *OSDMap, f denc.Features) error {
	if len(inc.FullMap) > 0 {
		var full OSDMap
		if _, err := denc.Decode(&full, f, inc.FullMap); err != nil {
			return fmt.Errorf("osdmap inc e%d: fullmap: %s", inc.Epoch, err)
		}
		*m = full
		return nil
	}

	m.Epoch = inc.Epoch
	m.Modified = inc.Modified

	if len(inc.Crush) > 0 {
		m.CrushData = append([]byte(nil), inc.Crush...)
		cm, err := crush.DecodeMap(m.CrushData)
		if err != nil {
			log.Warningf(context.Background(), "osdmap e%d: bad crush blob: %s", m.Epoch, err)
			m.Crush = nil
		} else {
			m.Crush = cm
		}
	}

	if inc.NewPoolMax >= 0 {
		m.PoolMax = inc.NewPoolMax
	}
	if inc.NewFlags >= 0 {
		m.Flags = uint32(inc.NewFlags)
	}
	if inc.NewMaxOSD >= 0 {
		m.MaxOSD = inc.NewMaxOSD
		m.OSDState = resizeU32(m.OSDState, int(m.MaxOSD))
		m.OSDWeight = resizeU32(m.OSDWeight, int(m.MaxOSD))
	}

	for _, id := range inc.OldPools {
		delete(m.Pools, id)
		delete(m.PoolName, id)
	}
	for id, p := range inc.NewPools {
		if m.Pools == nil {
			m.Pools = map[int64]*PgPool{}
		}
		m.Pools[id] = p
	}
	for id, name := range inc.NewPoolNames {
		if m.PoolName == nil {
			m.PoolName = map[int64]string{}
		}
		m.PoolName[id] = name
	}

	for osd, av := range inc.NewUpClient {
		for int(osd) >= len(m.OSDAddrs) {
			m.OSDAddrs = append(m.OSDAddrs, denc.EntityAddrVec{})
		}
		m.OSDAddrs[osd] = av
	}
	for osd, state := range inc.NewState {
		if int(osd) < len(m.OSDState) {
			m.OSDState[osd] ^= state
		}
	}
	for osd, weight := range inc.NewWeight {
		if int(osd) < len(m.OSDWeight) {
			m.OSDWeight[osd] = weight
		}
	}
	for osd, aff := range inc.NewPrimaryAffinity {
		m.OSDPrimaryAffinity = resizeU32(m.OSDPrimaryAffinity, int(osd)+1)
		m.OSDPrimaryAffinity[osd] = aff
	}

	for pg, osds := range inc.NewPgTemp {
		if len(osds) == 0 {
			delete(m.PgTemp, pg)
		} else {
			if m.PgTemp == nil {
				m.PgTemp = map[denc.PgId][]int32{}
			}
			m.PgTemp[pg] = osds
		}
	}
	for pg, osd := range inc.NewPrimaryTemp {
		if osd == -1 {
			delete(m.PrimaryTemp, pg)
		} else {
			if m.PrimaryTemp == nil {
				m.PrimaryTemp = map[denc.PgId]int32{}
			}
			m.PrimaryTemp[pg] = osd
		}
	}

	for name, profile := range inc.NewErasureCodeProfiles {
		if m.ErasureCodeProfiles == nil {
			m.ErasureCodeProfiles = map[string]map[string]string{}
		}
		m.ErasureCodeProfiles[name] = profile
	}
	for _, name := range inc.OldErasureCodeProfiles {
		delete(m.ErasureCodeProfiles, name)
	}

	for pg, osds := range inc.NewPgUpmap {
		if m.PgUpmap == nil {
			m.PgUpmap = map[denc.PgId][]int32{}
		}
		m.PgUpmap[pg] = osds
	}
	for _, pg := range inc.OldPgUpmap {
		delete(m.PgUpmap, pg)
	}
	for pg, items := range inc.NewPgUpmapItems {
		if m.PgUpmapItems == nil {
			m.PgUpmapItems = map[denc.PgId][][2]int32{}
		}
		m.PgUpmapItems[pg] = items
	}
	for _, pg := range inc.OldPgUpmapItems {
		delete(m.PgUpmapItems, pg)
	}
	for pg, osd := range inc.NewPgUpmapPrimaries {
		if m.PgUpmapPrimaries == nil {
			m.PgUpmapPrimaries = map[denc.PgId]int32{}
		}
		m.PgUpmapPrimaries[pg] = osd
	}
	for _, pg := range inc.OldPgUpmapPrimaries {
		delete(m.PgUpmapPrimaries, pg)
	}

	m.Blocklist = append(m.Blocklist, inc.NewBlocklist...)
	for _, a := range inc.OldBlocklist {
		m.Blocklist = removeBlocklisted(m.Blocklist, a)
	}
	m.RangeBlocklist = append(m.RangeBlocklist, inc.NewRangeBlocklist...)
	for _, a := range inc.OldRangeBlocklist {
		m.RangeBlocklist = removeBlocklisted(m.RangeBlocklist, a)
	}

	for osd, thru := range inc.NewUpThru {
		if int(osd) < len(m.OSDInfo) {
			m.OSDInfo[osd].UpThru = thru
		}
	}
	for osd, iv := range inc.NewLastCleanInterval {
		if int(osd) < len(m.OSDInfo) {
			m.OSDInfo[osd].LastCleanBegin = iv[0]
			m.OSDInfo[osd].LastCleanEnd = iv[1]
		}
	}
	for osd, lost := range inc.NewLost {
		if int(osd) < len(m.OSDInfo) {
			m.OSDInfo[osd].LostAt = lost
		}
	}
	for osd, u := range inc.NewUUID {
		for int(osd) >= len(m.OSDUUID) {
			m.OSDUUID = append(m.OSDUUID, denc.UUID{})
		}
		m.OSDUUID[osd] = u
	}
	for osd, x := range inc.NewXInfo {
		for int(osd) >= len(m.OSDXInfo) {
			m.OSDXInfo = append(m.OSDXInfo, OsdXInfo{})
		}
		m.OSDXInfo[osd] = x
	}

	if inc.NewNearfullRatio >= 0 {
		m.NearfullRatio = inc.NewNearfullRatio
	}
	if inc.NewFullRatio >= 0 {
		m.FullRatio = inc.NewFullRatio
	}
	if inc.NewBackfillfullRatio >= 0 {
		m.BackfillfullRatio = inc.NewBackfillfullRatio
	}
	if inc.NewRequireMinCompatClient != 0xff {
		m.RequireMinCompatClient = inc.NewRequireMinCompatClient
	}
	if inc.NewRequireOSDRelease != 0xff {
		m.RequireOSDRelease = inc.NewRequireOSDRelease
	}

	for node, flags := range inc.NewCrushNodeFlags {
		if m.CrushNodeFlags == nil {
			m.CrushNodeFlags = map[int32]uint32{}
		}
		m.CrushNodeFlags[node] = flags
	}
	for class, flags := range inc.NewDeviceClassFlags {
		if m.DeviceClassFlags == nil {
			m.DeviceClassFlags = map[int32]uint32{}
		}
		m.DeviceClassFlags[class] = flags
	}

	m.NewRemovedSnaps = inc.NewRemovedSnaps
	m.NewPurgedSnaps = inc.NewPurgedSnaps

	if !inc.NewLastUpChange.IsZero() {
		m.LastUpChange = inc.NewLastUpChange
	}
	if !inc.NewLastInChange.IsZero() {
		m.LastInChange = inc.NewLastInChange
	}

	if inc.ChangeStretchMode {
		m.StretchModeEnabled = inc.StretchModeEnabled
		m.StretchBucketCount = inc.NewStretchBucketCount
		m.DegradedStretchMode = inc.NewDegradedStretchMode
		m.RecoveringStretchMode = inc.NewRecoveringStretchMode
		m.StretchModeBucket = inc.NewStretchModeBucket
	}
	switch inc.MutateAllowCrimson {
	case CrimsonSet:
		m.AllowCrimson = true
	case CrimsonClear:
		m.AllowCrimson = false
	}

	if inc.HaveCRC {
		m.CRC = inc.FullCRC
		m.HaveCRC = true
	} else {
		m.HaveCRC = false
	}
	return nil
}

func resizeU32(v []uint32, n int) []uint32 {
	if n <= len(v) {
		return v[:n]
	}
	for len(v) < n {
		v = append(v, 0)
	}
	return v
}

func removeBlocklisted(v []BlocklistEntry, a denc.EntityAddr) []BlocklistEntry {
	out := v[:0]
	for _, b := range v {
		if !sameAddr(b.Addr, a) {
			out = append(out, b)
		}
	}
	return out
}

func sameAddr(a, b denc.EntityAddr) bool {
	if a.Type != b.Type || a.Nonce != b.Nonce || len(a.SockAddr) != len(b.SockAddr) {
		return false
	}
	for i := range a.SockAddr {
		if a.SockAddr[i] != b.SockAddr[i] {
			return false
		}
	}
	return true
}

func encodeI32AddrVecMap(w *denc.Writer, m map[int32]denc.EntityAddrVec, f denc.Features) {
	w.U32(uint32(len(m)))
	for _, osd := range sortedKeys(m) {
		w.I32(osd)
		av := m[osd]
		av.Encode(w, f)
	}
}

func decodeI32AddrVecMap(r *denc.Reader, f denc.Features) map[int32]denc.EntityAddrVec {
	n := int(r.U32())
	m := map[int32]denc.EntityAddrVec{}
	for i := 0; i < n && r.Err() == nil; i++ {
		osd := r.I32()
		var av denc.EntityAddrVec
		av.Decode(r, f)
		m[osd] = av
	}
	return m
}
