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

package dencoder

// JSON views for structures that do not marshal themselves with wire
// field names. Field naming follows what dump tools print.

import (
	"encoding/base64"
	"sort"

	"lab.nexedi.com/kirr/gorados/cephmap"
	"lab.nexedi.com/kirr/gorados/cephx"
	"lab.nexedi.com/kirr/gorados/denc"
)

type osdInfoView struct {
	UpFrom         uint32 `json:"up_from"`
	UpThru         uint32 `json:"up_thru"`
	DownAt         uint32 `json:"down_at"`
	LostAt         uint32 `json:"lost_at"`
	LastCleanBegin uint32 `json:"last_clean_begin"`
	LastCleanEnd   uint32 `json:"last_clean_end"`
}

func osdInfo(i *cephmap.OsdInfo) osdInfoView {
	return osdInfoView{i.UpFrom, i.UpThru, i.DownAt, i.LostAt,
		i.LastCleanBegin, i.LastCleanEnd}
}

func dumpOsdInfo(v denc.Value) interface{} {
	return osdInfo(v.(*cephmap.OsdInfo))
}

func dumpCryptoKey(v denc.Value) interface{} {
	s := v.(*cephx.Secret)
	return struct {
		Type    uint16     `json:"type"`
		Created denc.Utime `json:"created"`
		Secret  string     `json:"secret"`
	}{s.Type, s.Created, base64.StdEncoding.EncodeToString(s.Key)}
}

func dumpTicketBlob(v denc.Value) interface{} {
	t := v.(*cephx.TicketBlob)
	return struct {
		SecretId uint64 `json:"secret_id"`
		Blob     string `json:"blob"`
	}{t.SecretId, base64.StdEncoding.EncodeToString(t.Blob)}
}

type monInfoView struct {
	Name          string             `json:"name"`
	PublicAddrs   denc.EntityAddrVec `json:"public_addrs"`
	Priority      uint16             `json:"priority"`
	Weight        uint16             `json:"weight"`
	CrushLocation map[string]string  `json:"crush_location"`
	TimeAdded     denc.Utime         `json:"time_added"`
}

func monInfo(i *cephmap.MonInfo) monInfoView {
	return monInfoView{i.Name, i.PublicAddrs, i.Priority, i.Weight,
		i.CrushLoc, i.TimeAdded}
}

func dumpMonInfo(v denc.Value) interface{} {
	return monInfo(v.(*cephmap.MonInfo))
}

func dumpMonMap(v denc.Value) interface{} {
	m := v.(*cephmap.MonMap)
	names := make([]string, 0, len(m.Mons))
	for name := range m.Mons {
		names = append(names, name)
	}
	sort.Strings(names)
	mons := make([]monInfoView, 0, len(names))
	for _, name := range names {
		mons = append(mons, monInfo(m.Mons[name]))
	}
	return struct {
		FSID               denc.UUID     `json:"fsid"`
		Epoch              uint32        `json:"epoch"`
		LastChanged        denc.Utime    `json:"last_changed"`
		Created            denc.Utime    `json:"created"`
		PersistentFeatures uint64        `json:"persistent_features"`
		OptionalFeatures   uint64        `json:"optional_features"`
		Mons               []monInfoView `json:"mons"`
		Ranks              []string      `json:"ranks"`
		MinMonRelease      string        `json:"min_mon_release"`
		RemovedRanks       []uint32      `json:"removed_ranks"`
		ElectionStrategy   uint8         `json:"election_strategy"`
		DisallowedLeaders  []string      `json:"disallowed_leaders"`
		StretchMode        bool          `json:"stretch_mode"`
		TiebreakerMon      string        `json:"tiebreaker_mon"`
	}{
		m.FSID, m.Epoch, m.LastChanged, m.Created,
		m.PersistentFeatures.Features, m.OptionalFeatures.Features,
		mons, m.Ranks, m.MinMonRelease.String(),
		m.RemovedRanks, uint8(m.Strategy), m.DisallowedLeaders,
		m.StretchModeEnabled, m.TiebreakerMon,
	}
}

type poolView struct {
	Pool     int64           `json:"pool"`
	PoolName string          `json:"pool_name"`
	Info     *cephmap.PgPool `json:"info"`
}

func poolViews(pools map[int64]*cephmap.PgPool, names map[int64]string) []poolView {
	ids := make([]int64, 0, len(pools))
	for id := range pools {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	pv := make([]poolView, 0, len(ids))
	for _, id := range ids {
		pv = append(pv, poolView{id, names[id], pools[id]})
	}
	return pv
}

type osdView struct {
	OSD    int32        `json:"osd"`
	UUID   string       `json:"uuid,omitempty"`
	State  uint32       `json:"state"`
	Weight float64      `json:"weight"`
	Info   *osdInfoView `json:"info,omitempty"`
}

type blocklistView struct {
	Addr  string     `json:"addr"`
	Until denc.Utime `json:"until"`
}

func dumpOSDMap(v denc.Value) interface{} {
	m := v.(*cephmap.OSDMap)

	osds := make([]osdView, 0, len(m.OSDState))
	for osd := range m.OSDState {
		ov := osdView{OSD: int32(osd), State: m.OSDState[osd]}
		if osd < len(m.OSDWeight) {
			ov.Weight = float64(m.OSDWeight[osd]) / float64(cephmap.OSDIn)
		}
		if osd < len(m.OSDUUID) && !m.OSDUUID[osd].IsZero() {
			ov.UUID = m.OSDUUID[osd].String()
		}
		if osd < len(m.OSDInfo) {
			iv := osdInfo(&m.OSDInfo[osd])
			ov.Info = &iv
		}
		osds = append(osds, ov)
	}

	blocklist := make([]blocklistView, 0, len(m.Blocklist))
	for i := range m.Blocklist {
		blocklist = append(blocklist, blocklistView{
			m.Blocklist[i].Addr.String(), m.Blocklist[i].Until})
	}

	return struct {
		Epoch             uint32          `json:"epoch"`
		FSID              denc.UUID       `json:"fsid"`
		Created           denc.Utime      `json:"created"`
		Modified          denc.Utime      `json:"modified"`
		LastUpChange      denc.Utime      `json:"last_up_change"`
		LastInChange      denc.Utime      `json:"last_in_change"`
		Flags             uint32          `json:"flags"`
		CrushVersion      int32           `json:"crush_version"`
		FullRatio         float32         `json:"full_ratio"`
		BackfillfullRatio float32         `json:"backfillfull_ratio"`
		NearfullRatio     float32         `json:"nearfull_ratio"`
		MinCompatClient   string          `json:"require_min_compat_client"`
		RequireOSDRelease string          `json:"require_osd_release"`
		PoolMax           int64           `json:"pool_max"`
		MaxOSD            int32           `json:"max_osd"`
		Pools             []poolView      `json:"pools"`
		OSDs              []osdView       `json:"osds"`
		Blocklist         []blocklistView `json:"blocklist"`
	}{
		m.Epoch, m.FSID, m.Created, m.Modified,
		m.LastUpChange, m.LastInChange,
		m.Flags, m.CrushVersion,
		m.FullRatio, m.BackfillfullRatio, m.NearfullRatio,
		m.RequireMinCompatClient.String(), m.RequireOSDRelease.String(),
		m.PoolMax, m.MaxOSD, poolViews(m.Pools, m.PoolName),
		osds, blocklist,
	}
}

func dumpIncremental(v denc.Value) interface{} {
	m := v.(*cephmap.Incremental)
	return struct {
		FSID         denc.UUID  `json:"fsid"`
		Epoch        uint32     `json:"epoch"`
		Modified     denc.Utime `json:"modified"`
		NewPoolMax   int64      `json:"new_pool_max"`
		NewFlags     int32      `json:"new_flags"`
		NewMaxOSD    int32      `json:"new_max_osd"`
		FullMapBytes int        `json:"full_map_bytes"`
		CrushBytes   int        `json:"crush_bytes"`

		NewPools     []poolView       `json:"new_pools"`
		OldPools     []int64          `json:"old_pools"`
		NewState     map[int32]uint32 `json:"new_state"`
		NewWeight    map[int32]uint32 `json:"new_weight"`
		NewUpThru    map[int32]uint32 `json:"new_up_thru"`
		NewLost      map[int32]uint32 `json:"new_lost"`
		OldBlocklist int              `json:"old_blocklist_entries"`
		NewBlocklist int              `json:"new_blocklist_entries"`
	}{
		m.FSID, m.Epoch, m.Modified,
		m.NewPoolMax, m.NewFlags, m.NewMaxOSD,
		len(m.FullMap), len(m.Crush),
		poolViews(m.NewPools, m.NewPoolNames), m.OldPools,
		m.NewState, m.NewWeight, m.NewUpThru, m.NewLost,
		len(m.OldBlocklist), len(m.NewBlocklist),
	}
}
