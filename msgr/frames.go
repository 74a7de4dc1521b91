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

package msgr
// control frame payloads

import (
	"fmt"

	"lab.nexedi.com/kirr/gorados/denc"
)

// frameFeatures is the feature set control frame payloads are encoded
// under: addresses go in their addrvec-era form.
const frameFeatures = denc.FeatureMsgAddr2

// sendCtl sends a control frame carrying the encoding of v as its
// single segment.
func (c *frameConn) sendCtl(tag Tag, v denc.Value) error {
	var segs [][]byte
	if v != nil {
		segs = [][]byte{denc.Encode(v, frameFeatures)}
	}
	return c.sendFrame(&Frame{Tag: tag, Segs: segs})
}

// decodeCtl decodes the single payload segment of a control frame.
func decodeCtl(f *Frame, v denc.Value) error {
	var seg []byte
	if len(f.Segs) > 0 {
		seg = f.Segs[0]
	}
	if _, err := denc.Decode(v, frameFeatures, seg); err != nil {
		return fmt.Errorf("%v: %w", f.Tag, err)
	}
	return nil
}

// ---- u32 vectors ----

func u32VecLen(v []uint32) int { return 4 + 4*len(v) }

func encodeU32Vec(w *denc.Writer, v []uint32) {
	w.U32(uint32(len(v)))
	for _, x := range v {
		w.U32(x)
	}
}

func decodeU32Vec(r *denc.Reader) []uint32 {
	n := int(r.U32())
	if r.Err() != nil || n > r.Remain()/4 {
		r.Fail(denc.ErrDecodeOverflow)
		return nil
	}
	v := make([]uint32, n)
	for i := range v {
		v[i] = r.U32()
	}
	return v
}

// ---- HELLO ----

type helloFrame struct {
	EntityType denc.EntityType // as u8
	PeerAddr   denc.EntityAddr // the peer's address as seen from here
}

func (h *helloFrame) EncodedLen(f denc.Features) int {
	return 1 + h.PeerAddr.EncodedLen(f)
}

func (h *helloFrame) Encode(w *denc.Writer, f denc.Features) {
	w.U8(uint8(h.EntityType))
	h.PeerAddr.Encode(w, f)
}

func (h *helloFrame) Decode(r *denc.Reader, f denc.Features) error {
	h.EntityType = denc.EntityType(r.U8())
	return h.PeerAddr.Decode(r, f)
}

// ---- AUTH_* ----

type authRequestFrame struct {
	Method         uint32
	PreferredModes []uint32
	Payload        []byte
}

func (a *authRequestFrame) EncodedLen(denc.Features) int {
	return 4 + u32VecLen(a.PreferredModes) + 4 + len(a.Payload)
}

func (a *authRequestFrame) Encode(w *denc.Writer, _ denc.Features) {
	w.U32(a.Method)
	encodeU32Vec(w, a.PreferredModes)
	w.Bytes(a.Payload)
}

func (a *authRequestFrame) Decode(r *denc.Reader, _ denc.Features) error {
	a.Method = r.U32()
	a.PreferredModes = decodeU32Vec(r)
	a.Payload = r.Bytes()
	return r.Err()
}

type authBadMethodFrame struct {
	Method         uint32
	Result         int32
	AllowedMethods []uint32
	AllowedModes   []uint32
}

func (a *authBadMethodFrame) EncodedLen(denc.Features) int {
	return 8 + u32VecLen(a.AllowedMethods) + u32VecLen(a.AllowedModes)
}

func (a *authBadMethodFrame) Encode(w *denc.Writer, _ denc.Features) {
	w.U32(a.Method)
	w.I32(a.Result)
	encodeU32Vec(w, a.AllowedMethods)
	encodeU32Vec(w, a.AllowedModes)
}

func (a *authBadMethodFrame) Decode(r *denc.Reader, _ denc.Features) error {
	a.Method = r.U32()
	a.Result = r.I32()
	a.AllowedMethods = decodeU32Vec(r)
	a.AllowedModes = decodeU32Vec(r)
	return r.Err()
}

// authMoreFrame serves both AUTH_REPLY_MORE and AUTH_REQUEST_MORE.
type authMoreFrame struct {
	Payload []byte
}

func (a *authMoreFrame) EncodedLen(denc.Features) int { return 4 + len(a.Payload) }

func (a *authMoreFrame) Encode(w *denc.Writer, _ denc.Features) {
	w.Bytes(a.Payload)
}

func (a *authMoreFrame) Decode(r *denc.Reader, _ denc.Features) error {
	a.Payload = r.Bytes()
	return r.Err()
}

type authDoneFrame struct {
	GlobalId uint64
	ConMode  uint32
	Payload  []byte
}

func (a *authDoneFrame) EncodedLen(denc.Features) int { return 16 + len(a.Payload) }

func (a *authDoneFrame) Encode(w *denc.Writer, _ denc.Features) {
	w.U64(a.GlobalId)
	w.U32(a.ConMode)
	w.Bytes(a.Payload)
}

func (a *authDoneFrame) Decode(r *denc.Reader, _ denc.Features) error {
	a.GlobalId = r.U64()
	a.ConMode = r.U32()
	a.Payload = r.Bytes()
	return r.Err()
}

// ---- COMPRESSION_* ----

type compressionRequestFrame struct {
	IsCompress       bool
	PreferredMethods []uint32
}

func (c *compressionRequestFrame) EncodedLen(denc.Features) int {
	return 1 + u32VecLen(c.PreferredMethods)
}

func (c *compressionRequestFrame) Encode(w *denc.Writer, _ denc.Features) {
	w.Bool(c.IsCompress)
	encodeU32Vec(w, c.PreferredMethods)
}

func (c *compressionRequestFrame) Decode(r *denc.Reader, _ denc.Features) error {
	c.IsCompress = r.Bool()
	c.PreferredMethods = decodeU32Vec(r)
	return r.Err()
}

type compressionDoneFrame struct {
	IsCompress bool
	Method     uint32
}

func (c *compressionDoneFrame) EncodedLen(denc.Features) int { return 5 }

func (c *compressionDoneFrame) Encode(w *denc.Writer, _ denc.Features) {
	w.Bool(c.IsCompress)
	w.U32(c.Method)
}

func (c *compressionDoneFrame) Decode(r *denc.Reader, _ denc.Features) error {
	c.IsCompress = r.Bool()
	c.Method = r.U32()
	return r.Err()
}

// ---- *_IDENT ----

type clientIdentFrame struct {
	Addrs             denc.EntityAddrVec // our addresses
	TargetAddr        denc.EntityAddr    // the address we dialed
	Gid               int64
	GlobalSeq         uint64
	FeaturesSupported uint64
	FeaturesRequired  uint64
	Flags             uint64
	Cookie            uint64
}

func (ci *clientIdentFrame) EncodedLen(f denc.Features) int {
	return ci.Addrs.EncodedLen(f) + ci.TargetAddr.EncodedLen(f) + 48
}

func (ci *clientIdentFrame) Encode(w *denc.Writer, f denc.Features) {
	ci.Addrs.Encode(w, f)
	ci.TargetAddr.Encode(w, f)
	w.I64(ci.Gid)
	w.U64(ci.GlobalSeq)
	w.U64(ci.FeaturesSupported)
	w.U64(ci.FeaturesRequired)
	w.U64(ci.Flags)
	w.U64(ci.Cookie)
}

func (ci *clientIdentFrame) Decode(r *denc.Reader, f denc.Features) error {
	if err := ci.Addrs.Decode(r, f); err != nil {
		return err
	}
	if err := ci.TargetAddr.Decode(r, f); err != nil {
		return err
	}
	ci.Gid = r.I64()
	ci.GlobalSeq = r.U64()
	ci.FeaturesSupported = r.U64()
	ci.FeaturesRequired = r.U64()
	ci.Flags = r.U64()
	ci.Cookie = r.U64()
	return r.Err()
}

type serverIdentFrame struct {
	Addrs             denc.EntityAddrVec
	Gid               int64
	GlobalSeq         uint64
	FeaturesSupported uint64
	FeaturesRequired  uint64
	Flags             uint64
	Cookie            uint64
}

func (si *serverIdentFrame) EncodedLen(f denc.Features) int {
	return si.Addrs.EncodedLen(f) + 48
}

func (si *serverIdentFrame) Encode(w *denc.Writer, f denc.Features) {
	si.Addrs.Encode(w, f)
	w.I64(si.Gid)
	w.U64(si.GlobalSeq)
	w.U64(si.FeaturesSupported)
	w.U64(si.FeaturesRequired)
	w.U64(si.Flags)
	w.U64(si.Cookie)
}

func (si *serverIdentFrame) Decode(r *denc.Reader, f denc.Features) error {
	if err := si.Addrs.Decode(r, f); err != nil {
		return err
	}
	si.Gid = r.I64()
	si.GlobalSeq = r.U64()
	si.FeaturesSupported = r.U64()
	si.FeaturesRequired = r.U64()
	si.Flags = r.U64()
	si.Cookie = r.U64()
	return r.Err()
}

type identMissingFeaturesFrame struct {
	Features uint64
}

func (m *identMissingFeaturesFrame) EncodedLen(denc.Features) int { return 8 }

func (m *identMissingFeaturesFrame) Encode(w *denc.Writer, _ denc.Features) {
	w.U64(m.Features)
}

func (m *identMissingFeaturesFrame) Decode(r *denc.Reader, _ denc.Features) error {
	m.Features = r.U64()
	return r.Err()
}

// ---- SESSION_* ----

type sessionReconnectFrame struct {
	Addrs        denc.EntityAddrVec
	ClientCookie uint64
	ServerCookie uint64
	GlobalSeq    uint64
	ConnectSeq   uint64
	MsgSeq       uint64 // in_seq: last message seq we received
}

func (sr *sessionReconnectFrame) EncodedLen(f denc.Features) int {
	return sr.Addrs.EncodedLen(f) + 40
}

func (sr *sessionReconnectFrame) Encode(w *denc.Writer, f denc.Features) {
	sr.Addrs.Encode(w, f)
	w.U64(sr.ClientCookie)
	w.U64(sr.ServerCookie)
	w.U64(sr.GlobalSeq)
	w.U64(sr.ConnectSeq)
	w.U64(sr.MsgSeq)
}

func (sr *sessionReconnectFrame) Decode(r *denc.Reader, f denc.Features) error {
	if err := sr.Addrs.Decode(r, f); err != nil {
		return err
	}
	sr.ClientCookie = r.U64()
	sr.ServerCookie = r.U64()
	sr.GlobalSeq = r.U64()
	sr.ConnectSeq = r.U64()
	sr.MsgSeq = r.U64()
	return r.Err()
}

type sessionReconnectOkFrame struct {
	MsgSeq uint64
}

func (sr *sessionReconnectOkFrame) EncodedLen(denc.Features) int { return 8 }

func (sr *sessionReconnectOkFrame) Encode(w *denc.Writer, _ denc.Features) {
	w.U64(sr.MsgSeq)
}

func (sr *sessionReconnectOkFrame) Decode(r *denc.Reader, _ denc.Features) error {
	sr.MsgSeq = r.U64()
	return r.Err()
}

type sessionRetryFrame struct {
	ConnectSeq uint64
}

func (s *sessionRetryFrame) EncodedLen(denc.Features) int { return 8 }

func (s *sessionRetryFrame) Encode(w *denc.Writer, _ denc.Features) {
	w.U64(s.ConnectSeq)
}

func (s *sessionRetryFrame) Decode(r *denc.Reader, _ denc.Features) error {
	s.ConnectSeq = r.U64()
	return r.Err()
}

type sessionRetryGlobalFrame struct {
	GlobalSeq uint64
}

func (s *sessionRetryGlobalFrame) EncodedLen(denc.Features) int { return 8 }

func (s *sessionRetryGlobalFrame) Encode(w *denc.Writer, _ denc.Features) {
	w.U64(s.GlobalSeq)
}

func (s *sessionRetryGlobalFrame) Decode(r *denc.Reader, _ denc.Features) error {
	s.GlobalSeq = r.U64()
	return r.Err()
}

type sessionResetFrame struct {
	Full bool
}

func (s *sessionResetFrame) EncodedLen(denc.Features) int { return 1 }

func (s *sessionResetFrame) Encode(w *denc.Writer, _ denc.Features) {
	w.Bool(s.Full)
}

func (s *sessionResetFrame) Decode(r *denc.Reader, _ denc.Features) error {
	s.Full = r.Bool()
	return r.Err()
}

// ---- KEEPALIVE2 / ACK ----

// keepaliveFrame carries the sender's timestamp; the ack echoes it back.
type keepaliveFrame struct {
	T denc.Utime
}

func (k *keepaliveFrame) EncodedLen(f denc.Features) int { return k.T.EncodedLen(f) }

func (k *keepaliveFrame) Encode(w *denc.Writer, f denc.Features) {
	k.T.Encode(w, f)
}

func (k *keepaliveFrame) Decode(r *denc.Reader, f denc.Features) error {
	return k.T.Decode(r, f)
}

type ackFrame struct {
	Seq uint64
}

func (a *ackFrame) EncodedLen(denc.Features) int { return 8 }

func (a *ackFrame) Encode(w *denc.Writer, _ denc.Features) {
	w.U64(a.Seq)
}

func (a *ackFrame) Decode(r *denc.Reader, _ denc.Features) error {
	a.Seq = r.U64()
	return r.Err()
}
