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

// OSDMap and object placement.

import (
	"context"
	"fmt"

	"lab.nexedi.com/kirr/gorados/crush"
	"lab.nexedi.com/kirr/gorados/denc"
	"lab.nexedi.com/kirr/gorados/internal/log"
)

// osd state bits.
const (
	OSDExists  uint32 = 1 << 0
	OSDUp      uint32 = 1 << 1
	OSDAutoOut uint32 = 1 << 2
	OSDNew     uint32 = 1 << 3
)

// OSDIn is the weight of a fully-in osd; weights are 16.16 fixed point.
const OSDIn uint32 = 0x10000

// BlocklistEntry bans one client address until the given time.
type BlocklistEntry struct {
	Addr  denc.EntityAddr
	Until denc.Utime
}

// OSDMap is the full cluster map at one epoch: pools, osd membership
// and the crush topology that places objects onto osds.
//
// Wire form is a v8 outer envelope (compat 7) holding two nested
// envelopes: the client-usable section (up to v10) and the osd-only
// section (up to v12), optionally followed by a crc.
type OSDMap struct {
	FSID     denc.UUID
	Epoch    uint32
	Created  denc.Utime
	Modified denc.Utime

	Pools    map[int64]*PgPool
	PoolName map[int64]string
	PoolMax  int64
	Flags    uint32

	MaxOSD    int32
	OSDState  []uint32
	OSDWeight []uint32
	OSDAddrs  []denc.EntityAddrVec

	PgTemp             map[denc.PgId][]int32
	PrimaryTemp        map[denc.PgId]int32
	OSDPrimaryAffinity []uint32

	// raw crush blob plus its parsed form; Crush is nil when the blob
	// did not parse, in which case placement queries fail but the rest
	// of the map stays usable.
	CrushData []byte
	Crush     *crush.Map

	ErasureCodeProfiles map[string]map[string]string

	PgUpmap      map[denc.PgId][]int32
	PgUpmapItems map[denc.PgId][][2]int32
	CrushVersion int32

	NewRemovedSnaps map[int64]SnapIntervalSet
	NewPurgedSnaps  map[int64]SnapIntervalSet

	LastUpChange     denc.Utime
	LastInChange     denc.Utime
	PgUpmapPrimaries map[denc.PgId]int32

	// osd-only section
	HbBackAddrs  []denc.EntityAddrVec
	OSDInfo      []OsdInfo
	Blocklist    []BlocklistEntry
	ClusterAddrs []denc.EntityAddrVec

	ClusterSnapshotEpoch uint32
	ClusterSnapshot      string

	OSDUUID      []denc.UUID
	OSDXInfo     []OsdXInfo
	HbFrontAddrs []denc.EntityAddrVec

	NearfullRatio     float32
	FullRatio         float32
	BackfillfullRatio float32

	RequireMinCompatClient Release
	RequireOSDRelease      Release

	RemovedSnapsQueue map[int64]SnapIntervalSet

	CrushNodeFlags   map[int32]uint32
	DeviceClassFlags map[int32]uint32

	StretchModeEnabled    bool
	StretchBucketCount    uint32
	DegradedStretchMode   uint32
	RecoveringStretchMode uint32
	StretchModeBucket     int32

	RangeBlocklist []BlocklistEntry
	AllowCrimson   bool

	HaveCRC bool
	CRC     uint32
}

func (m *OSDMap) String() string {
	return fmt.Sprintf("e%d: %d pool(s), %d osd(s)", m.Epoch, len(m.Pools), m.MaxOSD)
}

// Exists reports whether osd is a member of the cluster.
func (m *OSDMap) Exists(osd int32) bool {
	return osd >= 0 && int(osd) < len(m.OSDState) && m.OSDState[osd]&OSDExists != 0
}

// IsUp reports whether osd exists and is up.
func (m *OSDMap) IsUp(osd int32) bool {
	return m.Exists(osd) && m.OSDState[osd]&OSDUp != 0
}

// ---- placement ----

// ObjectToPG maps an object to its placement group in the pool the
// locator names.
func (m *OSDMap) ObjectToPG(oid string, loc *denc.ObjectLocator) (denc.PgId, error) {
	p, ok := m.Pools[loc.Pool]
	if !ok {
		return denc.PgId{}, fmt.Errorf("osdmap e%d: no pool %d", m.Epoch, loc.Pool)
	}
	return crush.ObjectToPG(oid, loc, p.PgNum), nil
}

// PGToOSDs maps a placement group to the osds that serve it, primary
// first. The crush result is adjusted by pg_upmap overrides, and a
// pg_temp entry replaces the set entirely while the pg is remapped.
func (m *OSDMap) PGToOSDs(pg denc.PgId) ([]int32, error) {
	p, ok := m.Pools[int64(pg.Pool)]
	if !ok {
		return nil, fmt.Errorf("osdmap e%d: no pool %d", m.Epoch, pg.Pool)
	}
	if osds, ok := m.PgTemp[pg]; ok && len(osds) > 0 {
		return append([]int32(nil), osds...), nil
	}
	if m.Crush == nil {
		return nil, fmt.Errorf("osdmap e%d: no crush topology", m.Epoch)
	}

	osds, err := crush.PGToOSDs(m.Crush, pg, uint32(p.CrushRule), m.OSDWeight,
		int(p.Size), p.Flags&PoolFlagHashPsPool != 0)
	if err != nil {
		return nil, fmt.Errorf("osdmap e%d: pg %v: %s", m.Epoch, pg, err)
	}

	if up, ok := m.PgUpmap[pg]; ok && len(up) > 0 {
		osds = append([]int32(nil), up...)
	}
	for _, it := range m.PgUpmapItems[pg] {
		for i := range osds {
			if osds[i] == it[0] {
				osds[i] = it[1]
			}
		}
	}
	return osds, nil
}

// PrimaryOSD returns the osd acting as primary for pg.
func (m *OSDMap) PrimaryOSD(pg denc.PgId) (int32, error) {
	if osd, ok := m.PrimaryTemp[pg]; ok && osd >= 0 {
		return osd, nil
	}
	osds, err := m.PGToOSDs(pg)
	if err != nil {
		return -1, err
	}
	if len(osds) == 0 {
		return -1, fmt.Errorf("osdmap e%d: pg %v maps to no osds", m.Epoch, pg)
	}
	if osd, ok := m.PgUpmapPrimaries[pg]; ok {
		for _, o := range osds {
			if o == osd {
				return osd, nil
			}
		}
	}
	return osds[0], nil
}

// ObjectToOSDs combines ObjectToPG and PGToOSDs.
func (m *OSDMap) ObjectToOSDs(oid string, loc *denc.ObjectLocator) (denc.PgId, []int32, error) {
	pg, err := m.ObjectToPG(oid, loc)
	if err != nil {
		return denc.PgId{}, nil, err
	}
	osds, err := m.PGToOSDs(pg)
	return pg, osds, err
}

// ---- wire codec ----

func (m *OSDMap) EncodedLen(denc.Features) int { return 0 } // sized during encode

func (m *OSDMap) Encode(w *denc.Writer, f denc.Features) {
	pos := w.BeginEnv(8, 7)

	// client-usable section
	cpos := w.BeginEnv(10, 1)
	m.FSID.Encode(w, f)
	w.U32(m.Epoch)
	m.Created.Encode(w, f)
	m.Modified.Encode(w, f)

	w.U32(uint32(len(m.Pools)))
	for _, id := range sortedKeys(m.Pools) {
		w.I64(id)
		m.Pools[id].Encode(w, f)
	}
	w.U32(uint32(len(m.PoolName)))
	for _, id := range sortedKeys(m.PoolName) {
		w.I64(id)
		w.Str(m.PoolName[id])
	}
	w.I32(int32(m.PoolMax))
	w.U32(m.Flags)
	w.I32(m.MaxOSD)
	encodeU32Vec(w, m.OSDState)
	encodeU32Vec(w, m.OSDWeight)
	encodeAddrVecVec(w, m.OSDAddrs, f)
	encodePgVecMap(w, m.PgTemp, f)
	encodePgI32Map(w, m.PrimaryTemp, f)
	encodeU32Vec(w, m.OSDPrimaryAffinity)
	w.Bytes(m.CrushData)
	encodeStrMapMap(w, m.ErasureCodeProfiles)
	encodePgVecMap(w, m.PgUpmap, f)
	encodePgPairsMap(w, m.PgUpmapItems, f)
	w.I32(m.CrushVersion)
	encodeSnapSetMap(w, m.NewRemovedSnaps, f)
	encodeSnapSetMap(w, m.NewPurgedSnaps, f)
	m.LastUpChange.Encode(w, f)
	m.LastInChange.Encode(w, f)
	encodePgI32Map(w, m.PgUpmapPrimaries, f)
	w.EndEnv(cpos)

	// osd-only section
	opos := w.BeginEnv(12, 1)
	encodeAddrVecVec(w, m.HbBackAddrs, f)
	w.U32(uint32(len(m.OSDInfo)))
	for i := range m.OSDInfo {
		m.OSDInfo[i].Encode(w, f)
	}
	encodeBlocklist(w, m.Blocklist, f)
	encodeAddrVecVec(w, m.ClusterAddrs, f)
	w.U32(m.ClusterSnapshotEpoch)
	w.Str(m.ClusterSnapshot)
	w.U32(uint32(len(m.OSDUUID)))
	for i := range m.OSDUUID {
		m.OSDUUID[i].Encode(w, f)
	}
	w.U32(uint32(len(m.OSDXInfo)))
	for i := range m.OSDXInfo {
		m.OSDXInfo[i].Encode(w, f)
	}
	encodeAddrVecVec(w, m.HbFrontAddrs, f)
	w.F32(m.NearfullRatio)
	w.F32(m.FullRatio)
	w.F32(m.BackfillfullRatio)
	w.U8(uint8(m.RequireMinCompatClient))
	w.U8(uint8(m.RequireOSDRelease))
	encodeSnapSetMap(w, m.RemovedSnapsQueue, f)
	encodeI32U32Map(w, m.CrushNodeFlags)
	encodeI32U32Map(w, m.DeviceClassFlags)
	w.Bool(m.StretchModeEnabled)
	w.U32(m.StretchBucketCount)
	w.U32(m.DegradedStretchMode)
	w.U32(m.RecoveringStretchMode)
	w.I32(m.StretchModeBucket)
	encodeBlocklist(w, m.RangeBlocklist, f)
	w.Bool(m.AllowCrimson)
	w.EndEnv(opos)

	if m.HaveCRC {
		w.U32(m.CRC)
	}
	w.EndEnv(pos)
}

func (m *OSDMap) Decode(r *denc.Reader, f denc.Features) error {
	e := r.Env(8)
	if e.V < 7 {
		e.R.Fail(fmt.Errorf("osdmap: v%d is too old", e.V))
		return e.Close()
	}

	// client-usable section
	ec := e.R.Env(10)
	m.FSID.Decode(ec.R, f)
	m.Epoch = ec.R.U32()
	m.Created.Decode(ec.R, f)
	m.Modified.Decode(ec.R, f)

	n := int(ec.R.U32())
	m.Pools = map[int64]*PgPool{}
	for i := 0; i < n && ec.R.Err() == nil; i++ {
		id := ec.R.I64()
		p := &PgPool{}
		p.Decode(ec.R, f)
		m.Pools[id] = p
	}
	n = int(ec.R.U32())
	m.PoolName = map[int64]string{}
	for i := 0; i < n && ec.R.Err() == nil; i++ {
		id := ec.R.I64()
		m.PoolName[id] = ec.R.Str()
	}
	m.PoolMax = int64(ec.R.I32())
	m.Flags = ec.R.U32()
	m.MaxOSD = ec.R.I32()

	if ec.V >= 5 {
		m.OSDState = decodeU32Vec(ec.R)
	} else {
		n = int(ec.R.U32())
		m.OSDState = nil
		for i := 0; i < n && ec.R.Err() == nil; i++ {
			m.OSDState = append(m.OSDState, uint32(ec.R.U8()))
		}
	}
	m.OSDWeight = decodeU32Vec(ec.R)

	if ec.V >= 8 {
		m.OSDAddrs = decodeAddrVecVec(ec.R, f)
	} else {
		n = int(ec.R.U32())
		m.OSDAddrs = nil
		for i := 0; i < n && ec.R.Err() == nil; i++ {
			var a denc.EntityAddr
			a.Decode(ec.R, f)
			m.OSDAddrs = append(m.OSDAddrs, denc.EntityAddrVec{Addrs: []denc.EntityAddr{a}})
		}
	}

	m.PgTemp = decodePgVecMap(ec.R, f)
	m.PrimaryTemp = decodePgI32Map(ec.R, f)
	m.OSDPrimaryAffinity = decodeU32Vec(ec.R)

	m.CrushData = ec.R.Bytes()
	m.Crush = nil
	if len(m.CrushData) > 0 && ec.R.Err() == nil {
		cm, err := crush.DecodeMap(m.CrushData)
		if err != nil {
			log.Warningf(context.Background(), "osdmap e%d: bad crush blob: %s", m.Epoch, err)
		} else {
			m.Crush = cm
		}
	}

	m.ErasureCodeProfiles = decodeStrMapMap(ec.R)
	if ec.V >= 4 {
		m.PgUpmap = decodePgVecMap(ec.R, f)
		m.PgUpmapItems = decodePgPairsMap(ec.R, f)
	}
	if ec.V >= 6 {
		m.CrushVersion = ec.R.I32()
	}
	if ec.V >= 7 {
		m.NewRemovedSnaps = decodeSnapSetMap(ec.R, f)
		m.NewPurgedSnaps = decodeSnapSetMap(ec.R, f)
	}
	if ec.V >= 9 {
		m.LastUpChange.Decode(ec.R, f)
		m.LastInChange.Decode(ec.R, f)
	}
	if ec.V >= 10 {
		m.PgUpmapPrimaries = decodePgI32Map(ec.R, f)
	}
	ec.Close()

	// osd-only section
	eo := e.R.Env(12)
	m.HbBackAddrs = decodeAddrVecVec(eo.R, f)
	n = int(eo.R.U32())
	m.OSDInfo = nil
	for i := 0; i < n && eo.R.Err() == nil; i++ {
		var oi OsdInfo
		oi.Decode(eo.R, f)
		m.OSDInfo = append(m.OSDInfo, oi)
	}
	m.Blocklist = decodeBlocklist(eo.R, f)
	m.ClusterAddrs = decodeAddrVecVec(eo.R, f)
	m.ClusterSnapshotEpoch = eo.R.U32()
	m.ClusterSnapshot = eo.R.Str()
	n = int(eo.R.U32())
	m.OSDUUID = nil
	for i := 0; i < n && eo.R.Err() == nil; i++ {
		var u denc.UUID
		u.Decode(eo.R, f)
		m.OSDUUID = append(m.OSDUUID, u)
	}
	n = int(eo.R.U32())
	m.OSDXInfo = nil
	for i := 0; i < n && eo.R.Err() == nil; i++ {
		var x OsdXInfo
		x.Decode(eo.R, f)
		m.OSDXInfo = append(m.OSDXInfo, x)
	}
	m.HbFrontAddrs = decodeAddrVecVec(eo.R, f)
	if eo.V >= 2 {
		m.NearfullRatio = eo.R.F32()
		m.FullRatio = eo.R.F32()
	}
	if eo.V >= 3 {
		m.BackfillfullRatio = eo.R.F32()
	}
	if eo.V >= 5 {
		m.RequireMinCompatClient = Release(eo.R.U8())
		m.RequireOSDRelease = Release(eo.R.U8())
	}
	if eo.V >= 6 {
		m.RemovedSnapsQueue = decodeSnapSetMap(eo.R, f)
	}
	if eo.V >= 8 {
		m.CrushNodeFlags = decodeI32U32Map(eo.R)
	}
	if eo.V >= 9 {
		m.DeviceClassFlags = decodeI32U32Map(eo.R)
	}
	if eo.V >= 10 {
		m.StretchModeEnabled = eo.R.Bool()
		m.StretchBucketCount = eo.R.U32()
		m.DegradedStretchMode = eo.R.U32()
		m.RecoveringStretchMode = eo.R.U32()
		m.StretchModeBucket = eo.R.I32()
	}
	if eo.V >= 11 {
		m.RangeBlocklist = decodeBlocklist(eo.R, f)
	}
	if eo.V >= 12 {
		m.AllowCrimson = eo.R.Bool()
	}
	eo.Close()

	m.HaveCRC = false
	if e.V >= 8 && e.R.Err() == nil && e.R.Remain() >= 4 {
		m.CRC = e.R.U32()
		m.HaveCRC = true
	}
	return e.Close()
}

// ---- shared collection codecs ----

func encodeAddrVecVec(w *denc.Writer, v []denc.EntityAddrVec, f denc.Features) {
	w.U32(uint32(len(v)))
	for i := range v {
		v[i].Encode(w, f)
	}
}

func decodeAddrVecVec(r *denc.Reader, f denc.Features) []denc.EntityAddrVec {
	n := int(r.U32())
	var v []denc.EntityAddrVec
	for i := 0; i < n && r.Err() == nil; i++ {
		var av denc.EntityAddrVec
		av.Decode(r, f)
		v = append(v, av)
	}
	return v
}

func encodePgVecMap(w *denc.Writer, m map[denc.PgId][]int32, f denc.Features) {
	w.U32(uint32(len(m)))
	for _, pg := range sortedPgIDs(m) {
		pg.Encode(w, f)
		encodeI32Vec(w, m[pg])
	}
}

func decodePgVecMap(r *denc.Reader, f denc.Features) map[denc.PgId][]int32 {
	n := int(r.U32())
	m := map[denc.PgId][]int32{}
	for i := 0; i < n && r.Err() == nil; i++ {
		var pg denc.PgId
		pg.Decode(r, f)
		m[pg] = decodeI32Vec(r)
	}
	return m
}

func encodePgI32Map(w *denc.Writer, m map[denc.PgId]int32, f denc.Features) {
	w.U32(uint32(len(m)))
	for _, pg := range sortedPgIDs(m) {
		pg.Encode(w, f)
		w.I32(m[pg])
	}
}

func decodePgI32Map(r *denc.Reader, f denc.Features) map[denc.PgId]int32 {
	n := int(r.U32())
	m := map[denc.PgId]int32{}
	for i := 0; i < n && r.Err() == nil; i++ {
		var pg denc.PgId
		pg.Decode(r, f)
		m[pg] = r.I32()
	}
	return m
}

func encodePgPairsMap(w *denc.Writer, m map[denc.PgId][][2]int32, f denc.Features) {
	w.U32(uint32(len(m)))
	for _, pg := range sortedPgIDs(m) {
		pg.Encode(w, f)
		items := m[pg]
		w.U32(uint32(len(items)))
		for _, it := range items {
			w.I32(it[0])
			w.I32(it[1])
		}
	}
}

func decodePgPairsMap(r *denc.Reader, f denc.Features) map[denc.PgId][][2]int32 {
	n := int(r.U32())
	m := map[denc.PgId][][2]int32{}
	for i := 0; i < n && r.Err() == nil; i++ {
		var pg denc.PgId
		pg.Decode(r, f)
		k := int(r.U32())
		var items [][2]int32
		for j := 0; j < k && r.Err() == nil; j++ {
			items = append(items, [2]int32{r.I32(), r.I32()})
		}
		m[pg] = items
	}
	return m
}

func encodePgVec(w *denc.Writer, v []denc.PgId, f denc.Features) {
	w.U32(uint32(len(v)))
	for i := range v {
		v[i].Encode(w, f)
	}
}

func decodePgVec(r *denc.Reader, f denc.Features) []denc.PgId {
	n := int(r.U32())
	var v []denc.PgId
	for i := 0; i < n && r.Err() == nil; i++ {
		var pg denc.PgId
		pg.Decode(r, f)
		v = append(v, pg)
	}
	return v
}

func encodeSnapSetMap(w *denc.Writer, m map[int64]SnapIntervalSet, f denc.Features) {
	w.U32(uint32(len(m)))
	for _, pool := range sortedKeys(m) {
		w.I64(pool)
		s := m[pool]
		s.Encode(w, f)
	}
}

func decodeSnapSetMap(r *denc.Reader, f denc.Features) map[int64]SnapIntervalSet {
	n := int(r.U32())
	m := map[int64]SnapIntervalSet{}
	for i := 0; i < n && r.Err() == nil; i++ {
		pool := r.I64()
		var s SnapIntervalSet
		s.Decode(r, f)
		m[pool] = s
	}
	return m
}

func encodeBlocklist(w *denc.Writer, v []BlocklistEntry, f denc.Features) {
	w.U32(uint32(len(v)))
	for i := range v {
		v[i].Addr.Encode(w, f)
		v[i].Until.Encode(w, f)
	}
}

func decodeBlocklist(r *denc.Reader, f denc.Features) []BlocklistEntry {
	n := int(r.U32())
	var v []BlocklistEntry
	for i := 0; i < n && r.Err() == nil; i++ {
		var b BlocklistEntry
		b.Addr.Decode(r, f)
		b.Until.Decode(r, f)
		v = append(v, b)
	}
	return v
}

func encodeI32U32Map(w *denc.Writer, m map[int32]uint32) {
	w.U32(uint32(len(m)))
	for _, k := range sortedKeys(m) {
		w.I32(k)
		w.U32(m[k])
	}
}

func decodeI32U32Map(r *denc.Reader) map[int32]uint32 {
	n := int(r.U32())
	m := map[int32]uint32{}
	for i := 0; i < n && r.Err() == nil; i++ {
		k := r.I32()
		m[k] = r.U32()
	}
	return m
}
