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
// messages on top of frames

import (
	"fmt"

	"lab.nexedi.com/kirr/gorados/denc"
)

// message priorities.
const (
	PrioLow     uint16 = 64
	PrioDefault uint16 = 127
	PrioHigh    uint16 = 196
	PrioHighest uint16 = 255
)

// MsgHeader is the fixed header travelling as the first segment of
// every MESSAGE frame.
type MsgHeader struct {
	Seq            uint64 // per-session sequence number, assigned on send
	Tid            uint64 // transaction id matching replies to requests
	Type           uint16
	Priority       uint16
	Version        uint16 // version of the message encoding
	DataPrePadding uint32
	DataOff        uint16
	AckSeq         uint64 // highest Seq received from the peer, piggybacked
	Flags          uint8
	Compat         uint16 // oldest encoding version the payload decodes as
}

const msgHeaderLen = 41

func (h *MsgHeader) EncodedLen(denc.Features) int { return msgHeaderLen }

func (h *MsgHeader) Encode(w *denc.Writer, _ denc.Features) {
	w.U64(h.Seq)
	w.U64(h.Tid)
	w.U16(h.Type)
	w.U16(h.Priority)
	w.U16(h.Version)
	w.U32(h.DataPrePadding)
	w.U16(h.DataOff)
	w.U64(h.AckSeq)
	w.U8(h.Flags)
	w.U16(h.Compat)
	w.U16(0) // reserved
}

func (h *MsgHeader) Decode(r *denc.Reader, _ denc.Features) error {
	h.Seq = r.U64()
	h.Tid = r.U64()
	h.Type = r.U16()
	h.Priority = r.U16()
	h.Version = r.U16()
	h.DataPrePadding = r.U32()
	h.DataOff = r.U16()
	h.AckSeq = r.U64()
	h.Flags = r.U8()
	h.Compat = r.U16()
	r.Skip(2) // reserved
	return r.Err()
}

// Message is one application message exchanged over a Link.
//
// Front carries the typed payload; Middle and Data are optional extra
// sections whose meaning depends on the message type.
type Message struct {
	Header MsgHeader
	Front  []byte
	Middle []byte
	Data   []byte
}

// NewMessage makes a message of the given type with default header fields.
func NewMessage(typ uint16) *Message {
	return &Message{Header: MsgHeader{
		Type:     typ,
		Priority: PrioDefault,
		Version:  2,
		Compat:   1,
	}}
}

func (m *Message) String() string {
	return fmt.Sprintf("msg{type %d, tid %d, front %d, middle %d, data %d}",
		m.Header.Type, m.Header.Tid, len(m.Front), len(m.Middle), len(m.Data))
}

// pack lays the message out as the 4-segment MESSAGE frame.
func (m *Message) pack() *Frame {
	return &Frame{
		Tag:   TagMessage,
		Segs:  [][]byte{denc.Encode(&m.Header, 0), m.Front, m.Middle, m.Data},
		Align: [maxSegments]uint16{defaultAlign, defaultAlign, defaultAlign, dataAlign},
	}
}

func unpackMessage(f *Frame) (*Message, error) {
	m := &Message{}
	if _, err := denc.Decode(&m.Header, 0, segAt(f.Segs, 0)); err != nil {
		return nil, fmt.Errorf("message header: %w", err)
	}
	m.Front = segAt(f.Segs, 1)
	m.Middle = segAt(f.Segs, 2)
	m.Data = segAt(f.Segs, 3)
	return m, nil
}
