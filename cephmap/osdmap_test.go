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

import (
	"reflect"
	"testing"

	"lab.nexedi.com/kirr/gorados/denc"
)

func mkavec(typ uint32, ip string, port uint16) denc.EntityAddrVec {
	return denc.EntityAddrVec{Addrs: []denc.EntityAddr{mkaddr(typ, ip, port, 0)}}
}

func mkosdmap() *OSDMap {
	fsid, _ := denc.ParseUUID("7150dbe1-1803-44b9-9a3d-b893308fd02e")
	return &OSDMap{
		FSID:     fsid,
		Epoch:    10,
		Created:  denc.Utime{Sec: 1600000000},
		Modified: denc.Utime{Sec: 1700000000},

		Pools:    map[int64]*PgPool{1: mkpool()},
		PoolName: map[int64]string{1: "rbd"},
		PoolMax:  1,
		Flags:    0x18,

		MaxOSD:    3,
		OSDState:  []uint32{OSDExists | OSDUp, OSDExists | OSDUp, OSDExists},
		OSDWeight: []uint32{OSDIn, OSDIn, OSDIn / 2},
		OSDAddrs: []denc.EntityAddrVec{
			mkavec(denc.AddrTypeMsgr2, "10.0.0.1", 6800),
			mkavec(denc.AddrTypeMsgr2, "10.0.0.2", 6800),
			mkavec(denc.AddrTypeMsgr2, "10.0.0.3", 6800),
		},

		PgTemp:             map[denc.PgId][]int32{{Pool: 1, Seed: 0}: {1, 0}},
		PrimaryTemp:        map[denc.PgId]int32{{Pool: 1, Seed: 1}: 2},
		OSDPrimaryAffinity: []uint32{OSDIn, OSDIn, OSDIn},

		ErasureCodeProfiles: map[string]map[string]string{
			"default": {"k": "2", "m": "1", "plugin": "jerasure"},
		},

		PgUpmap:      map[denc.PgId][]int32{{Pool: 1, Seed: 2}: {2, 1}},
		PgUpmapItems: map[denc.PgId][][2]int32{{Pool: 1, Seed: 3}: {{0, 2}}},
		CrushVersion: 5,

		LastUpChange:     denc.Utime{Sec: 1700000001},
		LastInChange:     denc.Utime{Sec: 1700000002},
		PgUpmapPrimaries: map[denc.PgId]int32{{Pool: 1, Seed: 2}: 2},

		OSDInfo: []OsdInfo{
			{UpFrom: 1, UpThru: 9},
			{UpFrom: 2, UpThru: 9},
			{UpFrom: 3, DownAt: 8},
		},
		Blocklist: []BlocklistEntry{
			{
				Addr:  mkaddr(denc.AddrTypeLegacy, "10.1.0.1", 0, 12345),
				Until: denc.Utime{Sec: 1700086400},
			},
		},

		NearfullRatio:     0.85,
		FullRatio:         0.95,
		BackfillfullRatio: 0.90,

		RequireMinCompatClient: ReleaseLuminous,
		RequireOSDRelease:      ReleaseSquid,

		AllowCrimson: true,

		HaveCRC: true,
		CRC:     0x1badcafe,
	}
}

func TestOSDMapCodec(t *testing.T) {
	m := mkosdmap()
	data := denc.Encode(m, featuresModern)

	var got OSDMap
	n, err := denc.Decode(&got, featuresModern, data)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(data) {
		t.Errorf("decode consumed %d of %d bytes", n, len(data))
	}

	if got.FSID != m.FSID || got.Epoch != m.Epoch || got.Modified != m.Modified {
		t.Errorf("header: %s", &got)
	}
	if !reflect.DeepEqual(got.Pools, m.Pools) {
		t.Errorf("pools:\ngot  %+v\nwant %+v", got.Pools, m.Pools)
	}
	if !reflect.DeepEqual(got.PoolName, m.PoolName) || got.PoolMax != m.PoolMax {
		t.Errorf("pool names: %v max=%d", got.PoolName, got.PoolMax)
	}
	if got.Flags != m.Flags || got.MaxOSD != m.MaxOSD {
		t.Errorf("flags=%#x max_osd=%d", got.Flags, got.MaxOSD)
	}
	if !reflect.DeepEqual(got.OSDState, m.OSDState) ||
		!reflect.DeepEqual(got.OSDWeight, m.OSDWeight) {
		t.Errorf("osd state/weight: %v %v", got.OSDState, got.OSDWeight)
	}
	if !reflect.DeepEqual(got.OSDAddrs, m.OSDAddrs) {
		t.Errorf("osd addrs: %v", got.OSDAddrs)
	}
	if !reflect.DeepEqual(got.PgTemp, m.PgTemp) ||
		!reflect.DeepEqual(got.PrimaryTemp, m.PrimaryTemp) {
		t.Errorf("pg_temp: %v primary_temp: %v", got.PgTemp, got.PrimaryTemp)
	}
	if !reflect.DeepEqual(got.ErasureCodeProfiles, m.ErasureCodeProfiles) {
		t.Errorf("ec profiles: %v", got.ErasureCodeProfiles)
	}
	if !reflect.DeepEqual(got.PgUpmap, m.PgUpmap) ||
		!reflect.DeepEqual(got.PgUpmapItems, m.PgUpmapItems) ||
		!reflect.DeepEqual(got.PgUpmapPrimaries, m.PgUpmapPrimaries) {
		t.Errorf("upmap: %v %v %v", got.PgUpmap, got.PgUpmapItems, got.PgUpmapPrimaries)
	}
	if got.CrushVersion != m.CrushVersion {
		t.Errorf("crush version: %d", got.CrushVersion)
	}
	if !reflect.DeepEqual(got.OSDInfo, m.OSDInfo) {
		t.Errorf("osd info: %v", got.OSDInfo)
	}
	if len(got.Blocklist) != 1 || !sameAddr(got.Blocklist[0].Addr, m.Blocklist[0].Addr) ||
		got.Blocklist[0].Until != m.Blocklist[0].Until {
		t.Errorf("blocklist: %v", got.Blocklist)
	}
	if got.NearfullRatio != m.NearfullRatio || got.FullRatio != m.FullRatio ||
		got.BackfillfullRatio != m.BackfillfullRatio {
		t.Errorf("ratios: %v %v %v", got.NearfullRatio, got.FullRatio, got.BackfillfullRatio)
	}
	if got.RequireMinCompatClient != ReleaseLuminous || got.RequireOSDRelease != ReleaseSquid {
		t.Errorf("releases: %v %v", got.RequireMinCompatClient, got.RequireOSDRelease)
	}
	if !got.AllowCrimson {
		t.Errorf("allow_crimson lost")
	}
	if !got.HaveCRC || got.CRC != m.CRC {
		t.Errorf("crc: have=%v %#x", got.HaveCRC, got.CRC)
	}

	// crush blob was empty, so placement is unavailable but the map works
	if got.Crush != nil {
		t.Errorf("crush parsed from empty blob")
	}
	if !got.IsUp(0) || !got.IsUp(1) || got.IsUp(2) || got.IsUp(3) {
		t.Errorf("IsUp: %v", got.OSDState)
	}
}

func TestOSDMapCodecNoCRC(t *testing.T) {
	m := mkosdmap()
	m.HaveCRC = false
	data := denc.Encode(m, featuresModern)

	var got OSDMap
	if _, err := denc.Decode(&got, featuresModern, data); err != nil {
		t.Fatal(err)
	}
	if got.HaveCRC {
		t.Errorf("crc appeared from nowhere: %#x", got.CRC)
	}
}

func TestOSDMapDecodeTooOld(t *testing.T) {
	var got OSDMap
	_, err := denc.Decode(&got, 0, []byte{6, 1, 0, 0, 0, 0})
	if err == nil {
		t.Errorf("osdmap v6 decoded without error")
	}
}

// pg_temp and primary_temp take precedence over crush, so those queries
// work even without a parsed topology.
func TestPlacementOverrides(t *testing.T) {
	m := mkosdmap()

	pgA := denc.PgId{Pool: 1, Seed: 0} // in pg_temp
	osds, err := m.PGToOSDs(pgA)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(osds, []int32{1, 0}) {
		t.Errorf("pg_temp override: %v", osds)
	}
	// the returned set is a copy
	osds[0] = 99
	if m.PgTemp[pgA][0] != 1 {
		t.Errorf("pg_temp mutated through result")
	}

	primary, err := m.PrimaryOSD(pgA)
	if err != nil {
		t.Fatal(err)
	}
	if primary != 1 {
		t.Errorf("primary: %d; want 1", primary)
	}

	pgB := denc.PgId{Pool: 1, Seed: 1} // in primary_temp
	primary, err = m.PrimaryOSD(pgB)
	if err != nil {
		t.Fatal(err)
	}
	if primary != 2 {
		t.Errorf("primary_temp: %d; want 2", primary)
	}

	// unknown pool
	if _, err := m.PGToOSDs(denc.PgId{Pool: 9, Seed: 0}); err == nil {
		t.Errorf("unknown pool gave no error")
	}
	if _, err := m.ObjectToPG("obj", &denc.ObjectLocator{Pool: 9}); err == nil {
		t.Errorf("unknown pool gave no error")
	}

	// no pg_temp and no crush topology
	if _, err := m.PGToOSDs(denc.PgId{Pool: 1, Seed: 7}); err == nil {
		t.Errorf("crush-less placement gave no error")
	}
}

func TestIncrementalCodec(t *testing.T) {
	inc := NewIncremental(11)
	fsid, _ := denc.ParseUUID("7150dbe1-1803-44b9-9a3d-b893308fd02e")
	inc.FSID = fsid
	inc.Modified = denc.Utime{Sec: 1700000100}
	inc.NewPoolMax = 2
	inc.NewFlags = 0x20
	inc.NewMaxOSD = 4
	inc.NewPools = map[int64]*PgPool{2: mkpool()}
	inc.NewPoolNames = map[int64]string{2: "cephfs_data"}
	inc.OldPools = []int64{7}
	inc.NewUpClient = map[int32]denc.EntityAddrVec{
		3: mkavec(denc.AddrTypeMsgr2, "10.0.0.4", 6800),
	}
	inc.NewState = map[int32]uint32{0: OSDUp}
	inc.NewWeight = map[int32]uint32{1: 0}
	inc.NewPgTemp = map[denc.PgId][]int32{{Pool: 1, Seed: 0}: {}}
	inc.NewPrimaryTemp = map[denc.PgId]int32{{Pool: 1, Seed: 1}: -1}
	inc.NewUpThru = map[int32]uint32{0: 11}
	inc.NewLastCleanInterval = map[int32][2]uint32{0: {5, 10}}
	inc.NewLost = map[int32]uint32{2: 11}
	inc.NewUUID = map[int32]denc.UUID{3: fsid}
	inc.EncodeFeatures = uint64(featuresModern)
	inc.NewFullRatio = 0.97
	inc.NewRequireOSDRelease = ReleaseSquid
	inc.ChangeStretchMode = true
	inc.NewStretchBucketCount = 2
	inc.StretchModeEnabled = true
	inc.MutateAllowCrimson = CrimsonSet
	inc.HaveCRC = true
	inc.IncCRC = 0x11111111
	inc.FullCRC = 0x22222222

	data := denc.Encode(inc, featuresModern)
	var got Incremental
	n, err := denc.Decode(&got, featuresModern, data)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(data) {
		t.Errorf("decode consumed %d of %d bytes", n, len(data))
	}

	if got.Epoch != 11 || got.FSID != fsid || got.Modified != inc.Modified {
		t.Errorf("header: %s", &got)
	}
	if got.NewPoolMax != 2 || got.NewFlags != 0x20 || got.NewMaxOSD != 4 {
		t.Errorf("scalars: pool_max=%d flags=%#x max_osd=%d",
			got.NewPoolMax, got.NewFlags, got.NewMaxOSD)
	}
	if !reflect.DeepEqual(got.NewPools, inc.NewPools) ||
		!reflect.DeepEqual(got.NewPoolNames, inc.NewPoolNames) ||
		!reflect.DeepEqual(got.OldPools, inc.OldPools) {
		t.Errorf("pools: %v %v %v", got.NewPools, got.NewPoolNames, got.OldPools)
	}
	if !reflect.DeepEqual(got.NewUpClient, inc.NewUpClient) {
		t.Errorf("new_up_client: %v", got.NewUpClient)
	}
	if !reflect.DeepEqual(got.NewState, inc.NewState) ||
		!reflect.DeepEqual(got.NewWeight, inc.NewWeight) {
		t.Errorf("state/weight: %v %v", got.NewState, got.NewWeight)
	}
	// the empty pg_temp vector survives as an explicit empty entry
	if v, ok := got.NewPgTemp[denc.PgId{Pool: 1, Seed: 0}]; !ok || len(v) != 0 {
		t.Errorf("new_pg_temp: %v", got.NewPgTemp)
	}
	if got.NewPrimaryTemp[denc.PgId{Pool: 1, Seed: 1}] != -1 {
		t.Errorf("new_primary_temp: %v", got.NewPrimaryTemp)
	}
	if !reflect.DeepEqual(got.NewUpThru, inc.NewUpThru) ||
		!reflect.DeepEqual(got.NewLastCleanInterval, inc.NewLastCleanInterval) ||
		!reflect.DeepEqual(got.NewLost, inc.NewLost) ||
		!reflect.DeepEqual(got.NewUUID, inc.NewUUID) {
		t.Errorf("per-osd records mismatch")
	}
	if got.EncodeFeatures != inc.EncodeFeatures {
		t.Errorf("encode_features: %#x", got.EncodeFeatures)
	}
	if got.NewNearfullRatio != -1 || got.NewFullRatio != 0.97 {
		t.Errorf("ratios: %v %v", got.NewNearfullRatio, got.NewFullRatio)
	}
	if got.NewRequireMinCompatClient != 0xff || got.NewRequireOSDRelease != ReleaseSquid {
		t.Errorf("releases: %v %v", got.NewRequireMinCompatClient, got.NewRequireOSDRelease)
	}
	if !got.ChangeStretchMode || got.NewStretchBucketCount != 2 || !got.StretchModeEnabled {
		t.Errorf("stretch: %+v", got)
	}
	if got.MutateAllowCrimson != CrimsonSet {
		t.Errorf("mutate_allow_crimson: %d", got.MutateAllowCrimson)
	}
	if !got.HaveCRC || got.IncCRC != 0x11111111 || got.FullCRC != 0x22222222 {
		t.Errorf("crc: have=%v %#x %#x", got.HaveCRC, got.IncCRC, got.FullCRC)
	}
}

func TestIncrementalDecodeTooOld(t *testing.T) {
	var got Incremental
	_, err := denc.Decode(&got, 0, []byte{6, 1, 0, 0, 0, 0})
	if err == nil {
		t.Errorf("osdmap inc v6 decoded without error")
	}
}

func TestIncrementalApply(t *testing.T) {
	m := mkosdmap()
	banned := m.Blocklist[0].Addr

	inc := NewIncremental(11)
	inc.FSID = m.FSID
	inc.Modified = denc.Utime{Sec: 1700000100}
	inc.NewPoolMax = 3
	inc.NewFlags = 0x20
	inc.NewMaxOSD = 4
	inc.NewPools = map[int64]*PgPool{2: mkpool()}
	inc.NewPoolNames = map[int64]string{2: "cephfs_data"}
	inc.OldPools = []int64{1}
	inc.NewState = map[int32]uint32{0: OSDUp} // marks osd0 down
	inc.NewWeight = map[int32]uint32{1: 0}    // marks osd1 out
	inc.NewPgTemp = map[denc.PgId][]int32{
		{Pool: 1, Seed: 0}: {},     // removal
		{Pool: 1, Seed: 5}: {2, 0}, // addition
	}
	inc.NewPrimaryTemp = map[denc.PgId]int32{{Pool: 1, Seed: 1}: -1} // removal
	inc.NewUpThru = map[int32]uint32{0: 11}
	inc.NewLost = map[int32]uint32{2: 11}
	inc.OldBlocklist = []denc.EntityAddr{banned}
	inc.NewFullRatio = 0.97
	inc.NewRequireOSDRelease = ReleaseTentacle
	inc.NewLastUpChange = denc.Utime{Sec: 1700000100}
	inc.MutateAllowCrimson = CrimsonClear

	if err := inc.Apply(m, featuresModern); err != nil {
		t.Fatal(err)
	}

	if m.Epoch != 11 || m.Modified != inc.Modified {
		t.Errorf("header: %s", m)
	}
	if m.PoolMax != 3 || m.Flags != 0x20 {
		t.Errorf("pool_max=%d flags=%#x", m.PoolMax, m.Flags)
	}
	if m.MaxOSD != 4 || len(m.OSDState) != 4 || len(m.OSDWeight) != 4 {
		t.Errorf("resize: max_osd=%d state=%v weight=%v", m.MaxOSD, m.OSDState, m.OSDWeight)
	}
	if _, ok := m.Pools[1]; ok {
		t.Errorf("pool 1 not removed")
	}
	if _, ok := m.Pools[2]; !ok || m.PoolName[2] != "cephfs_data" {
		t.Errorf("pool 2 not added: %v", m.PoolName)
	}
	// new_state xors: osd0 loses the up bit but still exists
	if m.IsUp(0) || !m.Exists(0) {
		t.Errorf("osd0 state: %#x", m.OSDState[0])
	}
	if m.OSDWeight[1] != 0 {
		t.Errorf("osd1 weight: %d", m.OSDWeight[1])
	}
	if _, ok := m.PgTemp[denc.PgId{Pool: 1, Seed: 0}]; ok {
		t.Errorf("empty pg_temp vector did not remove the entry")
	}
	if !reflect.DeepEqual(m.PgTemp[denc.PgId{Pool: 1, Seed: 5}], []int32{2, 0}) {
		t.Errorf("pg_temp addition: %v", m.PgTemp)
	}
	if _, ok := m.PrimaryTemp[denc.PgId{Pool: 1, Seed: 1}]; ok {
		t.Errorf("primary_temp -1 did not remove the entry")
	}
	if m.OSDInfo[0].UpThru != 11 || m.OSDInfo[2].LostAt != 11 {
		t.Errorf("osd info: %v", m.OSDInfo)
	}
	if len(m.Blocklist) != 0 {
		t.Errorf("blocklist entry not removed: %v", m.Blocklist)
	}
	if m.FullRatio != 0.97 || m.NearfullRatio != 0.85 {
		t.Errorf("ratios: %v %v", m.FullRatio, m.NearfullRatio)
	}
	if m.RequireOSDRelease != ReleaseTentacle || m.RequireMinCompatClient != ReleaseLuminous {
		t.Errorf("releases: %v %v", m.RequireOSDRelease, m.RequireMinCompatClient)
	}
	if m.LastUpChange != inc.NewLastUpChange {
		t.Errorf("last_up_change: %v", m.LastUpChange)
	}
	if m.AllowCrimson {
		t.Errorf("allow_crimson not cleared")
	}
}

func TestIncrementalApplyFullMap(t *testing.T) {
	m := mkosdmap()

	next := mkosdmap()
	next.Epoch = 42
	next.MaxOSD = 1
	next.Flags = 0x7

	inc := NewIncremental(42)
	inc.FSID = m.FSID
	inc.FullMap = denc.Encode(next, featuresModern)

	if err := inc.Apply(m, featuresModern); err != nil {
		t.Fatal(err)
	}
	if m.Epoch != 42 || m.MaxOSD != 1 || m.Flags != 0x7 {
		t.Errorf("fullmap not applied: %s flags=%#x", m, m.Flags)
	}

	// a corrupt fullmap leaves the base untouched
	m2 := mkosdmap()
	inc2 := NewIncremental(43)
	inc2.FullMap = []byte{0xde, 0xad}
	if err := inc2.Apply(m2, featuresModern); err == nil {
		t.Errorf("corrupt fullmap applied without error")
	}
	if m2.Epoch != 10 {
		t.Errorf("base map mutated: e%d", m2.Epoch)
	}
}
