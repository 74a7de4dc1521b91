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

// pools and per-osd records.

import (
	"encoding/json"
	"fmt"
	"strconv"

	"lab.nexedi.com/kirr/gorados/denc"
)

// pool types.
const (
	PoolTypeReplicated uint8 = 1
	PoolTypeErasure    uint8 = 3
)

// pool flag bits.
const (
	PoolFlagHashPsPool uint64 = 1 << 0 // hash pgid seed together with pool id
	PoolFlagFull       uint64 = 1 << 1
	PoolFlagEC         uint64 = 1 << 2
	PoolFlagNoDelete   uint64 = 1 << 4
)

// cache modes of a tier pool.
const (
	CacheModeNone uint8 = iota
	CacheModeWriteback
	CacheModeForward
	CacheModeReadonly
	CacheModeReadForward
	CacheModeReadProxy
)

func cacheModeString(m uint8) string {
	switch m {
	case CacheModeNone:
		return "none"
	case CacheModeWriteback:
		return "writeback"
	case CacheModeForward:
		return "forward"
	case CacheModeReadonly:
		return "readonly"
	case CacheModeReadForward:
		return "readforward"
	case CacheModeReadProxy:
		return "readproxy"
	}
	return "unknown"
}

// pg autoscale modes.
const (
	AutoscaleOff uint8 = iota
	AutoscaleWarn
	AutoscaleOn
)

func autoscaleModeString(m uint8) string {
	switch m {
	case AutoscaleOff:
		return "off"
	case AutoscaleWarn:
		return "warn"
	case AutoscaleOn:
		return "on"
	}
	return "unknown"
}

// OsdInfo is the basic per-osd liveness record; fixed 25 bytes on the
// wire: u8 struct version followed by six epochs.
type OsdInfo struct {
	LastCleanBegin uint32
	LastCleanEnd   uint32
	UpFrom         uint32
	UpThru         uint32
	DownAt         uint32
	LostAt         uint32
}

func (i *OsdInfo) EncodedLen(denc.Features) int { return 25 }

func (i *OsdInfo) Encode(w *denc.Writer, _ denc.Features) {
	w.U8(1)
	w.U32(i.LastCleanBegin)
	w.U32(i.LastCleanEnd)
	w.U32(i.UpFrom)
	w.U32(i.UpThru)
	w.U32(i.DownAt)
	w.U32(i.LostAt)
}

func (i *OsdInfo) Decode(r *denc.Reader, _ denc.Features) error {
	r.U8() // struct version; always 1
	i.LastCleanBegin = r.U32()
	i.LastCleanEnd = r.U32()
	i.UpFrom = r.U32()
	i.UpThru = r.U32()
	i.DownAt = r.U32()
	i.LostAt = r.U32()
	return r.Err()
}

// osd_xinfo_t gained its v4 fields in octopus, but its encoder keys on
// the legacy bit63 mask rather than the incarnated octopus bit.
const featureXInfoOctopus denc.Features = 1 << 63

// OsdXInfo is the extended per-osd record: laggedness statistics and
// supported features.
//
// laggy_probability lives on the wire as u32 = p * 0xffffffff.
type OsdXInfo struct {
	DownStamp            denc.Utime
	LaggyProbability     float32
	LaggyInterval        uint32
	Features             uint64
	OldWeight            uint32
	LastPurgedSnapsScrub denc.Utime
	DeadEpoch            uint32
}

func (x *OsdXInfo) EncodedLen(denc.Features) int { return 0 } // sized during encode

func (x *OsdXInfo) Encode(w *denc.Writer, f denc.Features) {
	v := uint8(3)
	if f.Has(featureXInfoOctopus) {
		v = 4
	}
	pos := w.BeginEnv(v, 1)
	x.DownStamp.Encode(w, f)
	w.U32(uint32(float64(x.LaggyProbability) * 0xffffffff))
	w.U32(x.LaggyInterval)
	w.U64(x.Features)
	w.U32(x.OldWeight)
	if v >= 4 {
		x.LastPurgedSnapsScrub.Encode(w, f)
		w.U32(x.DeadEpoch)
	}
	w.EndEnv(pos)
}

func (x *OsdXInfo) Decode(r *denc.Reader, f denc.Features) error {
	e := r.Env(4)
	x.DownStamp.Decode(e.R, f)
	x.LaggyProbability = float32(float64(e.R.U32()) / 0xffffffff)
	x.LaggyInterval = e.R.U32()
	if e.V >= 2 {
		x.Features = e.R.U64()
	}
	if e.V >= 3 {
		x.OldWeight = e.R.U32()
	}
	if e.V >= 4 {
		x.LastPurgedSnapsScrub.Decode(e.R, f)
		x.DeadEpoch = e.R.U32()
	}
	return e.Close()
}

func (x OsdXInfo) MarshalJSON() ([]byte, error) {
	// laggy_probability dumps as the integer 0 when unset
	var laggy interface{} = x.LaggyProbability
	if x.LaggyProbability == 0 {
		laggy = 0
	}
	return json.Marshal(struct {
		DownStamp            denc.Utime  `json:"down_stamp"`
		LaggyProbability     interface{} `json:"laggy_probability"`
		LaggyInterval        uint32      `json:"laggy_interval"`
		Features             uint64      `json:"features"`
		OldWeight            uint32      `json:"old_weight"`
		LastPurgedSnapsScrub denc.Utime  `json:"last_purged_snaps_scrub"`
		DeadEpoch            uint32      `json:"dead_epoch"`
	}{x.DownStamp, laggy, x.LaggyInterval, x.Features, x.OldWeight,
		x.LastPurgedSnapsScrub, x.DeadEpoch})
}

// hit set types.
const (
	HitSetNone uint8 = iota
	HitSetExplicitHash
	HitSetExplicitObject
	HitSetBloom
)

// HitSetParams selects how a cache tier tracks recently accessed
// objects. Only the bloom filter type carries parameters.
type HitSetParams struct {
	Type       uint8
	FppMicro   uint32 // false positive probability * 1e6
	TargetSize uint64
	Seed       uint64
}

func (h *HitSetParams) EncodedLen(denc.Features) int { return 0 } // sized during encode

func (h *HitSetParams) Encode(w *denc.Writer, _ denc.Features) {
	pos := w.BeginEnv(1, 1)
	w.U8(h.Type)
	if h.Type != HitSetNone {
		inner := w.BeginEnv(1, 1)
		if h.Type == HitSetBloom {
			w.U32(h.FppMicro)
			w.U64(h.TargetSize)
			w.U64(h.Seed)
		}
		w.EndEnv(inner)
	}
	w.EndEnv(pos)
}

func (h *HitSetParams) Decode(r *denc.Reader, _ denc.Features) error {
	e := r.Env(1)
	h.Type = e.R.U8()
	switch h.Type {
	case HitSetNone:
		// no parameters
	case HitSetExplicitHash, HitSetExplicitObject, HitSetBloom:
		inner := e.R.Env(1)
		if h.Type == HitSetBloom {
			h.FppMicro = inner.R.U32()
			h.TargetSize = inner.R.U64()
			h.Seed = inner.R.U64()
		}
		inner.Close()
	default:
		e.R.Fail(fmt.Errorf("hit_set: unknown type %d", h.Type))
	}
	return e.Close()
}

func (h HitSetParams) MarshalJSON() ([]byte, error) {
	typ := "none"
	switch h.Type {
	case HitSetExplicitHash:
		typ = "explicit_hash"
	case HitSetExplicitObject:
		typ = "explicit_object"
	case HitSetBloom:
		typ = "bloom"
	}
	return json.Marshal(struct {
		Type string `json:"type"`
	}{typ})
}

// PoolSnapInfo describes one pool-level snapshot.
type PoolSnapInfo struct {
	SnapID uint64
	Stamp  denc.Utime
	Name   string
}

func (s *PoolSnapInfo) EncodedLen(denc.Features) int {
	return 6 + 8 + 8 + 4 + len(s.Name)
}

func (s *PoolSnapInfo) Encode(w *denc.Writer, f denc.Features) {
	pos := w.BeginEnv(2, 2)
	w.U64(s.SnapID)
	s.Stamp.Encode(w, f)
	w.Str(s.Name)
	w.EndEnv(pos)
}

func (s *PoolSnapInfo) Decode(r *denc.Reader, f denc.Features) error {
	e := r.Env(2)
	s.SnapID = e.R.U64()
	s.Stamp.Decode(e.R, f)
	s.Name = e.R.Str()
	return e.Close()
}

func (s PoolSnapInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		SnapID uint64     `json:"snapid"`
		Stamp  denc.Utime `json:"stamp"`
		Name   string     `json:"name"`
	}{s.SnapID, s.Stamp, s.Name})
}

// SnapInterval is a half-open range [Start, Start+Len) of snapshot ids;
// 16 bytes on the wire.
type SnapInterval struct {
	Start uint64
	Len   uint64
}

func (s *SnapInterval) EncodedLen(denc.Features) int { return 16 }

func (s *SnapInterval) Encode(w *denc.Writer, _ denc.Features) {
	w.U64(s.Start)
	w.U64(s.Len)
}

func (s *SnapInterval) Decode(r *denc.Reader, _ denc.Features) error {
	s.Start = r.U64()
	s.Len = r.U64()
	return r.Err()
}

func (s SnapInterval) String() string {
	return fmt.Sprintf("[%d~%d]", s.Start, s.Len)
}

func (s SnapInterval) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// SnapIntervalSet is a set of snapshot ids kept as sorted intervals.
type SnapIntervalSet []SnapInterval

func (s *SnapIntervalSet) EncodedLen(denc.Features) int { return 4 + 16*len(*s) }

func (s *SnapIntervalSet) Encode(w *denc.Writer, f denc.Features) {
	w.U32(uint32(len(*s)))
	for i := range *s {
		(*s)[i].Encode(w, f)
	}
}

func (s *SnapIntervalSet) Decode(r *denc.Reader, f denc.Features) error {
	n := int(r.U32())
	*s = nil
	for i := 0; i < n && r.Err() == nil; i++ {
		var iv SnapInterval
		iv.Decode(r, f)
		*s = append(*s, iv)
	}
	return r.Err()
}

// Contains reports whether snap is in the set.
func (s SnapIntervalSet) Contains(snap uint64) bool {
	for _, iv := range s {
		if snap >= iv.Start && snap < iv.Start+iv.Len {
			return true
		}
	}
	return false
}

// PgMergeMeta records the state of the last pg merge of a pool.
//
// Some corpus encodings carry a few bytes past the known v1 fields;
// they are preserved verbatim so a decode/encode round trip is exact.
type PgMergeMeta struct {
	SourcePgid       denc.PgId
	ReadyEpoch       uint32
	LastEpochStarted uint32
	LastEpochClean   uint32
	SourceVersion    denc.EVersion
	TargetVersion    denc.EVersion
	Trailing         []byte
}

func (m *PgMergeMeta) EncodedLen(denc.Features) int {
	return 6 + 17 + 12 + 24 + len(m.Trailing)
}

func (m *PgMergeMeta) Encode(w *denc.Writer, f denc.Features) {
	pos := w.BeginEnv(1, 1)
	m.SourcePgid.Encode(w, f)
	w.U32(m.ReadyEpoch)
	w.U32(m.LastEpochStarted)
	w.U32(m.LastEpochClean)
	m.SourceVersion.Encode(w, f)
	m.TargetVersion.Encode(w, f)
	w.Raw(m.Trailing)
	w.EndEnv(pos)
}

func (m *PgMergeMeta) Decode(r *denc.Reader, f denc.Features) error {
	e := r.Env(1)
	m.SourcePgid.Decode(e.R, f)
	m.ReadyEpoch = e.R.U32()
	m.LastEpochStarted = e.R.U32()
	m.LastEpochClean = e.R.U32()
	m.SourceVersion.Decode(e.R, f)
	m.TargetVersion.Decode(e.R, f)
	m.Trailing = nil
	if n := e.R.Remain(); n > 0 && e.R.Err() == nil {
		m.Trailing = e.R.Raw(n)
	}
	return e.Close()
}

func (m PgMergeMeta) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		SourcePgid       string `json:"source_pgid"`
		ReadyEpoch       uint32 `json:"ready_epoch"`
		LastEpochStarted uint32 `json:"last_epoch_started"`
		LastEpochClean   uint32 `json:"last_epoch_clean"`
		SourceVersion    string `json:"source_version"`
		TargetVersion    string `json:"target_version"`
	}{
		fmt.Sprintf("%d.%d", m.SourcePgid.Pool, m.SourcePgid.Seed),
		m.ReadyEpoch, m.LastEpochStarted, m.LastEpochClean,
		m.SourceVersion.String(), m.TargetVersion.String(),
	})
}

// ShardIdSet is a small bitset of erasure-code shard ids; two varint
// words on the wire.
type ShardIdSet struct {
	Words [2]uint64
}

func (s *ShardIdSet) EncodedLen(denc.Features) int { return 0 } // varint sized

func (s *ShardIdSet) Encode(w *denc.Writer, _ denc.Features) {
	w.VarU64(s.Words[0])
	w.VarU64(s.Words[1])
}

func (s *ShardIdSet) Decode(r *denc.Reader, _ denc.Features) error {
	s.Words[0] = r.VarU64()
	s.Words[1] = r.VarU64()
	return r.Err()
}

// Contains reports whether shard is in the set.
func (s *ShardIdSet) Contains(shard uint8) bool {
	return s.Words[shard/64]&(1<<(shard%64)) != 0
}

// Insert adds shard to the set.
func (s *ShardIdSet) Insert(shard uint8) {
	s.Words[shard/64] |= 1 << (shard % 64)
}

// PgPool describes one pool: replication, pg layout, snapshots,
// quotas and cache tiering.
//
// Wire form is a versioned envelope with compat 5 and up to 32 field
// generations; which generation is encoded depends on the session
// features, down to v21 for pre-luminous peers.
type PgPool struct {
	Type       uint8
	Size       uint8
	CrushRule  uint8
	ObjectHash uint8
	PgNum      uint32
	PgpNum     uint32
	LastChange uint32
	SnapSeq    uint64
	SnapEpoch  uint32

	Snaps        map[uint64]PoolSnapInfo
	RemovedSnaps SnapIntervalSet
	AUID         uint64
	Flags        uint64
	MinSize      uint8

	QuotaMaxBytes   uint64
	QuotaMaxObjects uint64

	// cache tiering
	Tiers     []uint64
	TierOf    int64
	CacheMode uint8
	ReadTier  int64
	WriteTier int64

	Properties   map[string]string
	HitSetParams HitSetParams
	HitSetPeriod uint32
	HitSetCount  uint32
	StripeWidth  uint32

	TargetMaxBytes                 uint64
	TargetMaxObjects               uint64
	CacheTargetDirtyRatioMicro     uint32
	CacheTargetDirtyHighRatioMicro uint32
	CacheTargetFullRatioMicro      uint32
	CacheMinFlushAge               uint32
	CacheMinEvictAge               uint32

	ErasureCodeProfile           string
	LastForceOpResendPreluminous uint32
	MinReadRecencyForPromote     int32
	ExpectedNumObjects           uint64
	MinWriteRecencyForPromote    int32
	UseGmtHitset                 bool
	FastRead                     bool
	HitSetGradeDecayRate         int32
	HitSetSearchLastN            uint32

	OptsData []byte // pool_opts_t blob, kept opaque

	LastForceOpResendPrenautilus uint32
	ApplicationMetadata          map[string]map[string]string
	CreateTime                   denc.Utime

	PgNumTarget       uint32
	PgpNumTarget      uint32
	PgNumPending      uint32
	LastForceOpResend uint32
	PgAutoscaleMode   uint8

	LastPgMergeMeta PgMergeMeta

	// stretch pool peering constraints
	PeeringCrushBucketCount     uint32
	PeeringCrushBucketTarget    uint32
	PeeringCrushBucketBarrier   uint32
	PeeringCrushMandatoryMember int32

	NonprimaryShards ShardIdSet
}

// IsStretchPool reports whether the pool constrains peering to crush
// buckets, as stretch clusters do.
func (p *PgPool) IsStretchPool() bool {
	return p.PeeringCrushBucketCount != 0
}

// encodeVersion picks the struct generation understood by a peer with
// the given features.
func (p *PgPool) encodeVersion(f denc.Features) uint8 {
	if f.HasSignificant(denc.FeatureMaskServerTentacle) {
		return 32
	}
	switch {
	case !f.HasSignificant(denc.FeatureMaskNewOSDOpEncoding):
		// first post-hammer addition; without it encode like hammer
		return 21
	case !f.HasSignificant(denc.FeatureMaskServerLuminous):
		return 24
	case !f.HasSignificant(denc.FeatureMaskServerMimic):
		return 26
	case !f.HasSignificant(denc.FeatureMaskServerNautilus):
		return 27
	case !p.IsStretchPool():
		return 29
	}
	return 30
}

func (p *PgPool) EncodedLen(denc.Features) int { return 0 } // sized during encode

func (p *PgPool) Encode(w *denc.Writer, f denc.Features) {
	v := p.encodeVersion(f)
	pos := w.BeginEnv(v, 5)

	w.U8(p.Type)
	w.U8(p.Size)
	w.U8(p.CrushRule)
	w.U8(p.ObjectHash)
	w.U32(p.PgNum)
	w.U32(p.PgpNum)
	w.U32(0) // lpg_num, retired
	w.U32(0) // lpgp_num, retired
	w.U32(p.LastChange)
	w.U64(p.SnapSeq)
	w.U32(p.SnapEpoch)

	w.U32(uint32(len(p.Snaps)))
	for _, id := range sortedKeys(p.Snaps) {
		w.U64(id)
		s := p.Snaps[id]
		s.Encode(w, f)
	}
	p.RemovedSnaps.Encode(w, f)

	w.U64(p.AUID)
	w.U64(p.Flags)
	w.U32(0) // crash_replay_interval, retired
	w.U8(p.MinSize)
	w.U64(p.QuotaMaxBytes)
	w.U64(p.QuotaMaxObjects)

	encodeU64Vec(w, p.Tiers)
	w.I64(p.TierOf)
	w.U8(p.CacheMode)
	w.I64(p.ReadTier)
	w.I64(p.WriteTier)

	encodeStrMap(w, p.Properties)
	p.HitSetParams.Encode(w, f)
	w.U32(p.HitSetPeriod)
	w.U32(p.HitSetCount)
	w.U32(p.StripeWidth)

	w.U64(p.TargetMaxBytes)
	w.U64(p.TargetMaxObjects)
	w.U32(p.CacheTargetDirtyRatioMicro)
	w.U32(p.CacheTargetFullRatioMicro)
	w.U32(p.CacheMinFlushAge)
	w.U32(p.CacheMinEvictAge)

	w.Str(p.ErasureCodeProfile)
	w.U32(p.LastForceOpResendPreluminous)
	w.I32(p.MinReadRecencyForPromote)
	w.U64(p.ExpectedNumObjects)

	if v >= 19 {
		w.U32(p.CacheTargetDirtyHighRatioMicro)
	}
	if v >= 20 {
		w.I32(p.MinWriteRecencyForPromote)
	}
	if v >= 21 {
		w.Bool(p.UseGmtHitset)
	}
	if v >= 22 {
		w.Bool(p.FastRead)
	}
	if v >= 23 {
		w.I32(p.HitSetGradeDecayRate)
		w.U32(p.HitSetSearchLastN)
	}
	if v >= 24 {
		w.U8(2) // opts struct version
		w.U8(1) // opts compat version
		w.Bytes(p.OptsData)
	}
	if v >= 25 {
		w.U32(p.LastForceOpResendPrenautilus)
	}
	if v >= 26 {
		encodeStrMapMap(w, p.ApplicationMetadata)
	}
	if v >= 27 {
		p.CreateTime.Encode(w, f)
	}
	if v >= 28 {
		w.U32(p.PgNumTarget)
		w.U32(p.PgpNumTarget)
		w.U32(p.PgNumPending)
		w.U32(0) // pg_num_dec_last_epoch_started, retired
		w.U32(0) // pg_num_dec_last_epoch_clean, retired
		w.U32(p.LastForceOpResend)
		w.U8(p.PgAutoscaleMode)
	}
	if v >= 29 {
		p.LastPgMergeMeta.Encode(w, f)
	}
	if v == 30 {
		w.U32(p.PeeringCrushBucketCount)
		w.U32(p.PeeringCrushBucketTarget)
		w.U32(p.PeeringCrushBucketBarrier)
		w.I32(p.PeeringCrushMandatoryMember)
	}
	if v >= 31 {
		if p.IsStretchPool() {
			w.U8(1)
			w.U32(p.PeeringCrushBucketCount)
			w.U32(p.PeeringCrushBucketTarget)
			w.U32(p.PeeringCrushBucketBarrier)
			w.I32(p.PeeringCrushMandatoryMember)
		} else {
			w.U8(0)
		}
	}
	if v >= 32 {
		p.NonprimaryShards.Encode(w, f)
	}

	w.EndEnv(pos)
}

func (p *PgPool) Decode(r *denc.Reader, f denc.Features) error {
	e := r.Env(32)
	v := e.V
	if v < 5 {
		e.R.Fail(fmt.Errorf("pg_pool: v%d is too old", v))
		return e.Close()
	}

	p.Type = e.R.U8()
	p.Size = e.R.U8()
	p.CrushRule = e.R.U8()
	p.ObjectHash = e.R.U8()
	p.PgNum = e.R.U32()
	p.PgpNum = e.R.U32()
	e.R.U32() // lpg_num
	e.R.U32() // lpgp_num
	p.LastChange = e.R.U32()
	p.SnapSeq = e.R.U64()
	p.SnapEpoch = e.R.U32()

	n := int(e.R.U32())
	p.Snaps = map[uint64]PoolSnapInfo{}
	for i := 0; i < n && e.R.Err() == nil; i++ {
		id := e.R.U64()
		var s PoolSnapInfo
		s.Decode(e.R, f)
		p.Snaps[id] = s
	}
	p.RemovedSnaps.Decode(e.R, f)
	p.AUID = e.R.U64()

	p.Flags = e.R.U64()
	e.R.U32() // crash_replay_interval

	if v >= 7 {
		p.MinSize = e.R.U8()
	} else {
		p.MinSize = p.Size - p.Size/2
	}

	if v >= 8 {
		p.QuotaMaxBytes = e.R.U64()
		p.QuotaMaxObjects = e.R.U64()
	}

	if v >= 9 {
		p.Tiers = decodeU64Vec(e.R)
		p.TierOf = e.R.I64()
		p.CacheMode = e.R.U8()
		p.ReadTier = e.R.I64()
		p.WriteTier = e.R.I64()
	} else {
		p.TierOf, p.ReadTier, p.WriteTier = -1, -1, -1
	}

	if v >= 10 {
		p.Properties = decodeStrMap(e.R)
	}

	if v >= 11 {
		p.HitSetParams.Decode(e.R, f)
		p.HitSetPeriod = e.R.U32()
		p.HitSetCount = e.R.U32()
	}
	if v >= 12 {
		p.StripeWidth = e.R.U32()
	}
	if v >= 13 {
		p.TargetMaxBytes = e.R.U64()
		p.TargetMaxObjects = e.R.U64()
		p.CacheTargetDirtyRatioMicro = e.R.U32()
		p.CacheTargetFullRatioMicro = e.R.U32()
		p.CacheMinFlushAge = e.R.U32()
		p.CacheMinEvictAge = e.R.U32()
	}
	if v >= 14 {
		p.ErasureCodeProfile = e.R.Str()
	}
	if v >= 15 {
		p.LastForceOpResendPreluminous = e.R.U32()
	}
	if v >= 16 {
		p.MinReadRecencyForPromote = e.R.I32()
	} else {
		p.MinReadRecencyForPromote = 1
	}
	if v >= 17 {
		p.ExpectedNumObjects = e.R.U64()
	}
	if v >= 19 {
		p.CacheTargetDirtyHighRatioMicro = e.R.U32()
	}
	if v >= 20 {
		p.MinWriteRecencyForPromote = e.R.I32()
	}
	if v >= 21 {
		p.UseGmtHitset = e.R.Bool()
	}
	if v >= 22 {
		p.FastRead = e.R.Bool()
	}
	if v >= 23 {
		p.HitSetGradeDecayRate = e.R.I32()
		p.HitSetSearchLastN = e.R.U32()
	} else {
		p.HitSetSearchLastN = 1
	}
	if v >= 24 {
		e.R.U8() // opts struct version
		e.R.U8() // opts compat version
		p.OptsData = e.R.Bytes()
	}
	if v >= 25 {
		p.LastForceOpResendPrenautilus = e.R.U32()
	} else {
		p.LastForceOpResendPrenautilus = p.LastForceOpResendPreluminous
	}
	if v >= 26 {
		p.ApplicationMetadata = decodeStrMapMap(e.R)
	}
	if v >= 27 {
		p.CreateTime.Decode(e.R, f)
	}
	if v >= 28 {
		p.PgNumTarget = e.R.U32()
		p.PgpNumTarget = e.R.U32()
		p.PgNumPending = e.R.U32()
		e.R.U32() // pg_num_dec_last_epoch_started
		e.R.U32() // pg_num_dec_last_epoch_clean
		p.LastForceOpResend = e.R.U32()
		p.PgAutoscaleMode = e.R.U8()
	} else {
		p.PgNumTarget = p.PgNum
		p.PgpNumTarget = p.PgpNum
		p.PgNumPending = p.PgNum
		p.LastForceOpResend = p.LastForceOpResendPrenautilus
	}
	if v >= 29 {
		p.LastPgMergeMeta.Decode(e.R, f)
	}
	if v == 30 {
		p.PeeringCrushBucketCount = e.R.U32()
		p.PeeringCrushBucketTarget = e.R.U32()
		p.PeeringCrushBucketBarrier = e.R.U32()
		p.PeeringCrushMandatoryMember = e.R.I32()
	}
	if v >= 31 {
		if e.R.Bool() {
			p.PeeringCrushBucketCount = e.R.U32()
			p.PeeringCrushBucketTarget = e.R.U32()
			p.PeeringCrushBucketBarrier = e.R.U32()
			p.PeeringCrushMandatoryMember = e.R.I32()
		}
	}
	if v >= 32 {
		p.NonprimaryShards.Decode(e.R, f)
	}
	return e.Close()
}

func (p PgPool) MarshalJSON() ([]byte, error) {
	// field names and order follow what map dump tools print; pgp_num
	// is historically "pg_placement_num" there
	return json.Marshal(struct {
		ApplicationMetadata            map[string]map[string]string `json:"application_metadata"`
		AUID                           uint64                       `json:"auid"`
		CacheMinEvictAge               uint32                       `json:"cache_min_evict_age"`
		CacheMinFlushAge               uint32                       `json:"cache_min_flush_age"`
		CacheMode                      string                       `json:"cache_mode"`
		CacheTargetDirtyHighRatioMicro uint32                       `json:"cache_target_dirty_high_ratio_micro"`
		CacheTargetDirtyRatioMicro     uint32                       `json:"cache_target_dirty_ratio_micro"`
		CacheTargetFullRatioMicro      uint32                       `json:"cache_target_full_ratio_micro"`
		CreateTime                     denc.Utime                   `json:"create_time"`
		CrushRule                      uint8                        `json:"crush_rule"`
		ErasureCodeProfile             string                       `json:"erasure_code_profile"`
		ExpectedNumObjects             uint64                       `json:"expected_num_objects"`
		FastRead                       bool                         `json:"fast_read"`
		Flags                          uint64                       `json:"flags"`
		HitSetCount                    uint32                       `json:"hit_set_count"`
		HitSetGradeDecayRate           int32                        `json:"hit_set_grade_decay_rate"`
		HitSetParams                   HitSetParams                 `json:"hit_set_params"`
		HitSetPeriod                   uint32                       `json:"hit_set_period"`
		HitSetSearchLastN              uint32                       `json:"hit_set_search_last_n"`
		LastChange                     string                       `json:"last_change"`
		LastForceOpResend              string                       `json:"last_force_op_resend"`
		LastForceOpResendPreluminous   string                       `json:"last_force_op_resend_preluminous"`
		LastForceOpResendPrenautilus   string                       `json:"last_force_op_resend_prenautilus"`
		LastPgMergeMeta                PgMergeMeta                  `json:"last_pg_merge_meta"`
		MinReadRecencyForPromote       int32                        `json:"min_read_recency_for_promote"`
		MinSize                        uint8                        `json:"min_size"`
		MinWriteRecencyForPromote      int32                        `json:"min_write_recency_for_promote"`
		ObjectHash                     uint8                        `json:"object_hash"`
		PgAutoscaleMode                string                       `json:"pg_autoscale_mode"`
		PgNum                          uint32                       `json:"pg_num"`
		PgNumPending                   uint32                       `json:"pg_num_pending"`
		PgNumTarget                    uint32                       `json:"pg_num_target"`
		PgPlacementNum                 uint32                       `json:"pg_placement_num"`
		PgPlacementNumTarget           uint32                       `json:"pg_placement_num_target"`
		PoolSnaps                      map[uint64]PoolSnapInfo      `json:"pool_snaps"`
		QuotaMaxBytes                  uint64                       `json:"quota_max_bytes"`
		QuotaMaxObjects                uint64                       `json:"quota_max_objects"`
		ReadTier                       int64                        `json:"read_tier"`
		RemovedSnaps                   SnapIntervalSet              `json:"removed_snaps"`
		Size                           uint8                        `json:"size"`
		SnapEpoch                      uint32                       `json:"snap_epoch"`
		SnapSeq                        uint64                       `json:"snap_seq"`
		StripeWidth                    uint32                       `json:"stripe_width"`
		TargetMaxBytes                 uint64                       `json:"target_max_bytes"`
		TargetMaxObjects               uint64                       `json:"target_max_objects"`
		TierOf                         int64                        `json:"tier_of"`
		Tiers                          []uint64                     `json:"tiers"`
		UseGmtHitset                   bool                         `json:"use_gmt_hitset"`
		WriteTier                      int64                        `json:"write_tier"`
	}{
		p.ApplicationMetadata, p.AUID, p.CacheMinEvictAge, p.CacheMinFlushAge,
		cacheModeString(p.CacheMode),
		p.CacheTargetDirtyHighRatioMicro, p.CacheTargetDirtyRatioMicro,
		p.CacheTargetFullRatioMicro, p.CreateTime, p.CrushRule,
		p.ErasureCodeProfile, p.ExpectedNumObjects, p.FastRead, p.Flags,
		p.HitSetCount, p.HitSetGradeDecayRate, p.HitSetParams, p.HitSetPeriod,
		p.HitSetSearchLastN,
		strconv.FormatUint(uint64(p.LastChange), 10),
		strconv.FormatUint(uint64(p.LastForceOpResend), 10),
		strconv.FormatUint(uint64(p.LastForceOpResendPreluminous), 10),
		strconv.FormatUint(uint64(p.LastForceOpResendPrenautilus), 10),
		p.LastPgMergeMeta, p.MinReadRecencyForPromote, p.MinSize,
		p.MinWriteRecencyForPromote, p.ObjectHash,
		autoscaleModeString(p.PgAutoscaleMode),
		p.PgNum, p.PgNumPending, p.PgNumTarget, p.PgpNum, p.PgpNumTarget,
		p.Snaps, p.QuotaMaxBytes, p.QuotaMaxObjects, p.ReadTier,
		p.RemovedSnaps, p.Size, p.SnapEpoch, p.SnapSeq, p.StripeWidth,
		p.TargetMaxBytes, p.TargetMaxObjects, p.TierOf, p.Tiers,
		p.UseGmtHitset, p.WriteTier,
	})
}
