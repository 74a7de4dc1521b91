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

package monclient
// messages exchanged with monitors and their front-payload codecs.

import (
	"sort"

	"lab.nexedi.com/kirr/gorados/denc"
	"lab.nexedi.com/kirr/gorados/msgr"
)

// monitor message types.
const (
	msgPing               uint16 = 1
	msgPingAck            uint16 = 2
	msgMonMap             uint16 = 4
	msgMonSubscribe       uint16 = 15
	msgMonSubscribeAck    uint16 = 16
	msgAuth               uint16 = 17
	msgAuthReply          uint16 = 18
	msgMonGetVersion      uint16 = 19
	msgMonGetVersionReply uint16 = 20
	msgOSDMap             uint16 = 41
	msgPoolOpReply        uint16 = 48
	msgPoolOp             uint16 = 49
	msgMonCommand         uint16 = 50
	msgMonCommandAck      uint16 = 51
	msgConfig             uint16 = 62
)

// SubOnetime marks a subscription to be dropped by the monitor after
// the first delivery.
const SubOnetime uint8 = 1

// pool operations carried by MPoolOp.
const (
	PoolOpCreate              uint32 = 0x01
	PoolOpDelete              uint32 = 0x02
	PoolOpCreateSnap          uint32 = 0x11
	PoolOpDeleteSnap          uint32 = 0x12
	PoolOpCreateUnmanagedSnap uint32 = 0x21
	PoolOpDeleteUnmanagedSnap uint32 = 0x22
)

// newMsg packs v as the front payload of a fresh message.
func newMsg(typ, version, compat uint16, v denc.Value) *msgr.Message {
	m := msgr.NewMessage(typ)
	m.Header.Version = version
	m.Header.Compat = compat
	m.Front = denc.Encode(v, 0)
	return m
}

// ---- paxos service preamble ----
//
// Messages routed through the monitor paxos service carry a version
// plus two retired session fields ahead of their own payload.

const paxosLen = 8 + 2 + 8

func encodePaxos(w *denc.Writer, version uint64) {
	w.U64(version)
	w.I16(-1) // retired session_mon
	w.U64(0)  // retired session_mon_tid
}

func decodePaxos(r *denc.Reader) uint64 {
	v := r.U64()
	r.Skip(2 + 8)
	return v
}

// ---- subscriptions ----

// SubItem is one subscription: deliver maps of a kind starting at
// version Start.
type SubItem struct {
	Start uint64
	Flags uint8
}

// MMonSubscribe tells the monitor which map streams we want.
type MMonSubscribe struct {
	What     map[string]SubItem
	Hostname string // v3
}

func (m *MMonSubscribe) EncodedLen(denc.Features) int { return 0 } // sized during encode

func (m *MMonSubscribe) Encode(w *denc.Writer, _ denc.Features) {
	whatv := make([]string, 0, len(m.What))
	for what := range m.What {
		whatv = append(whatv, what)
	}
	sort.Strings(whatv)

	w.U32(uint32(len(whatv)))
	for _, what := range whatv {
		item := m.What[what]
		w.Str(what)
		w.U64(item.Start)
		w.U8(item.Flags)
	}
	w.Str(m.Hostname)
}

func (m *MMonSubscribe) Decode(r *denc.Reader, _ denc.Features) error {
	n := int(r.U32())
	m.What = map[string]SubItem{}
	for i := 0; i < n && r.Err() == nil; i++ {
		what := r.Str()
		m.What[what] = SubItem{Start: r.U64(), Flags: r.U8()}
	}
	// hostname appeared in v3
	m.Hostname = ""
	if r.Remain() >= 4 && r.Err() == nil {
		m.Hostname = r.Str()
	}
	return r.Err()
}

// MMonSubscribeAck confirms a subscription round and tells the renewal
// interval.
type MMonSubscribeAck struct {
	Interval uint32 // seconds
	FSID     denc.UUID
}

func (m *MMonSubscribeAck) EncodedLen(denc.Features) int { return 4 + 16 }

func (m *MMonSubscribeAck) Encode(w *denc.Writer, f denc.Features) {
	w.U32(m.Interval)
	m.FSID.Encode(w, f)
}

func (m *MMonSubscribeAck) Decode(r *denc.Reader, f denc.Features) error {
	m.Interval = r.U32()
	return m.FSID.Decode(r, f)
}

// ---- map delivery ----

// MMonMap carries an encoded MonMap.
type MMonMap struct {
	Blob []byte
}

func (m *MMonMap) EncodedLen(denc.Features) int { return 4 + len(m.Blob) }

func (m *MMonMap) Encode(w *denc.Writer, _ denc.Features) { w.Bytes(m.Blob) }

func (m *MMonMap) Decode(r *denc.Reader, _ denc.Features) error {
	m.Blob = r.Bytes()
	return r.Err()
}

// MOSDMap carries encoded OSDMap epochs: full maps and incremental
// deltas keyed by epoch.
type MOSDMap struct {
	FSID        denc.UUID
	Incremental map[uint32][]byte
	Maps        map[uint32][]byte

	TrimLowerBound uint32 // v2
	NewestMap      uint32 // v2
}

func (m *MOSDMap) EncodedLen(denc.Features) int { return 0 } // sized during encode

func encodeEpochBlobs(w *denc.Writer, blobs map[uint32][]byte) {
	epochv := make([]uint32, 0, len(blobs))
	for e := range blobs {
		epochv = append(epochv, e)
	}
	sort.Slice(epochv, func(i, j int) bool { return epochv[i] < epochv[j] })

	w.U32(uint32(len(epochv)))
	for _, e := range epochv {
		w.U32(e)
		w.Bytes(blobs[e])
	}
}

func decodeEpochBlobs(r *denc.Reader) map[uint32][]byte {
	n := int(r.U32())
	blobs := map[uint32][]byte{}
	for i := 0; i < n && r.Err() == nil; i++ {
		e := r.U32()
		blobs[e] = r.Bytes()
	}
	return blobs
}

func (m *MOSDMap) Encode(w *denc.Writer, f denc.Features) {
	m.FSID.Encode(w, f)
	encodeEpochBlobs(w, m.Incremental)
	encodeEpochBlobs(w, m.Maps)
	w.U32(m.TrimLowerBound)
	w.U32(m.NewestMap)
}

func (m *MOSDMap) Decode(r *denc.Reader, f denc.Features) error {
	if err := m.FSID.Decode(r, f); err != nil {
		return err
	}
	m.Incremental = decodeEpochBlobs(r)
	m.Maps = decodeEpochBlobs(r)
	m.TrimLowerBound = 0
	m.NewestMap = 0
	if r.Remain() >= 4 && r.Err() == nil {
		m.TrimLowerBound = r.U32()
	}
	if r.Remain() >= 4 && r.Err() == nil {
		m.NewestMap = r.U32()
	}
	return r.Err()
}

// MConfig delivers the monitors' view of our configuration.
type MConfig struct {
	Config map[string]string
}

func (m *MConfig) EncodedLen(denc.Features) int { return 0 } // sized during encode

func (m *MConfig) Encode(w *denc.Writer, _ denc.Features) {
	keyv := make([]string, 0, len(m.Config))
	for k := range m.Config {
		keyv = append(keyv, k)
	}
	sort.Strings(keyv)

	w.U32(uint32(len(keyv)))
	for _, k := range keyv {
		w.Str(k)
		w.Str(m.Config[k])
	}
}

func (m *MConfig) Decode(r *denc.Reader, _ denc.Features) error {
	n := int(r.U32())
	m.Config = map[string]string{}
	for i := 0; i < n && r.Err() == nil; i++ {
		k := r.Str()
		m.Config[k] = r.Str()
	}
	return r.Err()
}

// ---- versions ----

// MMonGetVersion asks for the newest and oldest committed version of a
// map service. The reply carries the tid back in its payload.
type MMonGetVersion struct {
	Tid  uint64
	What string
}

func (m *MMonGetVersion) EncodedLen(denc.Features) int { return 8 + 4 + len(m.What) }

func (m *MMonGetVersion) Encode(w *denc.Writer, _ denc.Features) {
	w.U64(m.Tid)
	w.Str(m.What)
}

func (m *MMonGetVersion) Decode(r *denc.Reader, _ denc.Features) error {
	m.Tid = r.U64()
	m.What = r.Str()
	return r.Err()
}

// MMonGetVersionReply answers MMonGetVersion.
type MMonGetVersionReply struct {
	Tid     uint64
	Version uint64
	Oldest  uint64 // v2
}

func (m *MMonGetVersionReply) EncodedLen(denc.Features) int { return 8 + 8 + 8 }

func (m *MMonGetVersionReply) Encode(w *denc.Writer, _ denc.Features) {
	w.U64(m.Tid)
	w.U64(m.Version)
	w.U64(m.Oldest)
}

func (m *MMonGetVersionReply) Decode(r *denc.Reader, _ denc.Features) error {
	m.Tid = r.U64()
	m.Version = r.U64()
	m.Oldest = 0
	if r.Remain() >= 8 && r.Err() == nil {
		m.Oldest = r.U64()
	}
	return r.Err()
}

// ---- commands ----

// MMonCommand submits one monitor command; input data travels in the
// message data segment.
type MMonCommand struct {
	Version uint64 // paxos
	FSID    denc.UUID
	Cmd     []string
}

func (m *MMonCommand) EncodedLen(denc.Features) int { return 0 } // sized during encode

func (m *MMonCommand) Encode(w *denc.Writer, f denc.Features) {
	encodePaxos(w, m.Version)
	m.FSID.Encode(w, f)
	w.U32(uint32(len(m.Cmd)))
	for _, s := range m.Cmd {
		w.Str(s)
	}
}

func (m *MMonCommand) Decode(r *denc.Reader, f denc.Features) error {
	m.Version = decodePaxos(r)
	if err := m.FSID.Decode(r, f); err != nil {
		return err
	}
	n := int(r.U32())
	m.Cmd = nil
	for i := 0; i < n && r.Err() == nil; i++ {
		m.Cmd = append(m.Cmd, r.Str())
	}
	return r.Err()
}

// MMonCommandAck is the command result; output data travels in the
// message data segment.
type MMonCommandAck struct {
	Version uint64 // paxos
	R       int32
	Rs      string
	Cmd     []string
}

func (m *MMonCommandAck) EncodedLen(denc.Features) int { return 0 } // sized during encode

func (m *MMonCommandAck) Encode(w *denc.Writer, _ denc.Features) {
	encodePaxos(w, m.Version)
	w.I32(m.R)
	w.Str(m.Rs)
	w.U32(uint32(len(m.Cmd)))
	for _, s := range m.Cmd {
		w.Str(s)
	}
}

func (m *MMonCommandAck) Decode(r *denc.Reader, _ denc.Features) error {
	m.Version = decodePaxos(r)
	m.R = r.I32()
	m.Rs = r.Str()
	n := int(r.U32())
	m.Cmd = nil
	for i := 0; i < n && r.Err() == nil; i++ {
		m.Cmd = append(m.Cmd, r.Str())
	}
	return r.Err()
}

// ---- pool operations ----

// MPoolOp asks the monitors to create or delete a pool or a pool
// snapshot.
type MPoolOp struct {
	Version   uint64 // paxos; current osdmap epoch
	FSID      denc.UUID
	Pool      uint32
	Op        uint32
	SnapID    uint64
	Name      string
	CrushRule int16
}

func (m *MPoolOp) EncodedLen(denc.Features) int {
	return paxosLen + 16 + 4 + 4 + 8 + 8 + 4 + len(m.Name) + 1 + 2
}

func (m *MPoolOp) Encode(w *denc.Writer, f denc.Features) {
	encodePaxos(w, m.Version)
	m.FSID.Encode(w, f)
	w.U32(m.Pool)
	w.U32(m.Op)
	w.U64(0) // retired auid
	w.U64(m.SnapID)
	w.Str(m.Name)
	w.U8(0) // v3->v4 pad
	w.I16(m.CrushRule)
}

func (m *MPoolOp) Decode(r *denc.Reader, f denc.Features) error {
	m.Version = decodePaxos(r)
	if err := m.FSID.Decode(r, f); err != nil {
		return err
	}
	m.Pool = r.U32()
	m.Op = r.U32()
	r.Skip(8) // retired auid
	m.SnapID = r.U64()
	m.Name = r.Str()
	r.Skip(1) // v3->v4 pad
	m.CrushRule = r.I16()
	return r.Err()
}

// MPoolOpReply answers MPoolOp.
type MPoolOpReply struct {
	Version uint64 // paxos
	FSID    denc.UUID
	Code    int32
	Epoch   uint32
	Data    []byte // nil when the reply carries none
}

func (m *MPoolOpReply) EncodedLen(denc.Features) int { return 0 } // sized during encode

func (m *MPoolOpReply) Encode(w *denc.Writer, f denc.Features) {
	encodePaxos(w, m.Version)
	m.FSID.Encode(w, f)
	w.I32(m.Code)
	w.U32(m.Epoch)
	if len(m.Data) != 0 {
		w.U8(1)
		w.Bytes(m.Data)
	} else {
		w.U8(0)
	}
}

func (m *MPoolOpReply) Decode(r *denc.Reader, f denc.Features) error {
	m.Version = decodePaxos(r)
	if err := m.FSID.Decode(r, f); err != nil {
		return err
	}
	m.Code = r.I32()
	m.Epoch = r.U32()
	m.Data = nil
	if r.Bool() {
		m.Data = r.Bytes()
	}
	return r.Err()
}

// ---- auth ----

// MAuth carries one authentication round, here used for ticket renewal
// on the live session; the initial rounds run inside the msgr2
// handshake.
type MAuth struct {
	Version     uint64 // paxos
	Protocol    uint32
	Payload     []byte
	MonmapEpoch uint32
}

func (m *MAuth) EncodedLen(denc.Features) int {
	return paxosLen + 4 + 4 + len(m.Payload) + 4
}

func (m *MAuth) Encode(w *denc.Writer, _ denc.Features) {
	encodePaxos(w, m.Version)
	w.U32(m.Protocol)
	w.Bytes(m.Payload)
	w.U32(m.MonmapEpoch)
}

func (m *MAuth) Decode(r *denc.Reader, _ denc.Features) error {
	m.Version = decodePaxos(r)
	m.Protocol = r.U32()
	m.Payload = r.Bytes()
	m.MonmapEpoch = 0
	if r.Remain() >= 4 && r.Err() == nil {
		m.MonmapEpoch = r.U32()
	}
	return r.Err()
}

// MAuthReply answers MAuth.
type MAuthReply struct {
	Protocol  uint32
	Result    int32
	GlobalId  uint64
	ResultMsg string
	Payload   []byte
}

func (m *MAuthReply) EncodedLen(denc.Features) int {
	return 4 + 4 + 8 + 4 + len(m.ResultMsg) + 4 + len(m.Payload)
}

func (m *MAuthReply) Encode(w *denc.Writer, _ denc.Features) {
	w.U32(m.Protocol)
	w.I32(m.Result)
	w.U64(m.GlobalId)
	w.Str(m.ResultMsg)
	w.Bytes(m.Payload)
}

func (m *MAuthReply) Decode(r *denc.Reader, _ denc.Features) error {
	m.Protocol = r.U32()
	m.Result = r.I32()
	m.GlobalId = r.U64()
	m.ResultMsg = r.Str()
	m.Payload = r.Bytes()
	return r.Err()
}
