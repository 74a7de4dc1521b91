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

package cephx

// wire structures of the protocol.
//
// Unlike the cluster structures these carry bare u8 struct versions, not
// full versioned envelopes - the protocol predates them and was never
// converted.

import (
	"fmt"

	"lab.nexedi.com/kirr/gorados/denc"
)

// protocol operations, the leading u16 of requests and replies.
const (
	OpGetAuthSessionKey      uint16 = 0x0100
	OpGetPrincipalSessionKey uint16 = 0x0200
	OpGetRotatingKey         uint16 = 0x0400
)

// EncMagic leads every encrypted payload; finding it intact after
// decryption proves the right key was used.
const EncMagic uint64 = 0xff009cad8826aa55

// RequestHeader leads every protocol request after the initial exchange.
type RequestHeader struct {
	Op uint16
}

func (h RequestHeader) EncodedLen(denc.Features) int { return 2 }

func (h RequestHeader) Encode(w *denc.Writer, _ denc.Features) { w.U16(h.Op) }

func (h *RequestHeader) Decode(r *denc.Reader, _ denc.Features) error {
	h.Op = r.U16()
	return r.Err()
}

// ResponseHeader leads every protocol reply. A non-zero status is a
// denial.
type ResponseHeader struct {
	Op     uint16
	Status int32
}

func (h ResponseHeader) EncodedLen(denc.Features) int { return 6 }

func (h ResponseHeader) Encode(w *denc.Writer, _ denc.Features) {
	w.U16(h.Op)
	w.I32(h.Status)
}

func (h *ResponseHeader) Decode(r *denc.Reader, _ denc.Features) error {
	h.Op = r.U16()
	h.Status = r.I32()
	return r.Err()
}

// ServerChallenge is the authority's opening move: a random value the
// client must fold into its proof of the secret.
type ServerChallenge struct {
	Challenge uint64
}

func (c ServerChallenge) EncodedLen(denc.Features) int { return 9 }

func (c ServerChallenge) Encode(w *denc.Writer, _ denc.Features) {
	w.U8(1)
	w.U64(c.Challenge)
}

func (c *ServerChallenge) Decode(r *denc.Reader, _ denc.Features) error {
	if v := r.U8(); r.Err() == nil && v != 1 {
		r.Fail(fmt.Errorf("cephx: server challenge v%d not understood", v))
	}
	c.Challenge = r.U64()
	return r.Err()
}

// challengeBlob is what the proof encrypts: both challenges side by side.
type challengeBlob struct {
	Server uint64
	Client uint64
}

func (b challengeBlob) EncodedLen(denc.Features) int { return 16 }

func (b challengeBlob) Encode(w *denc.Writer, _ denc.Features) {
	w.U64(b.Server)
	w.U64(b.Client)
}

func (b *challengeBlob) Decode(r *denc.Reader, _ denc.Features) error {
	b.Server = r.U64()
	b.Client = r.U64()
	return r.Err()
}

// TicketBlob is an opaque ticket as held by a client: the id of the
// service key that sealed it plus the sealed bytes only the service can
// read.
type TicketBlob struct {
	SecretId uint64
	Blob     []byte
}

func (t *TicketBlob) EncodedLen(denc.Features) int { return 1 + 8 + 4 + len(t.Blob) }

func (t *TicketBlob) Encode(w *denc.Writer, _ denc.Features) {
	w.U8(1)
	w.U64(t.SecretId)
	w.Bytes(t.Blob)
}

func (t *TicketBlob) Decode(r *denc.Reader, _ denc.Features) error {
	r.U8() // struct_v
	t.SecretId = r.U64()
	t.Blob = r.Bytes()
	return r.Err()
}

// Authenticate is the client's proof of the secret, sent in reply to the
// server challenge.
type Authenticate struct {
	ClientChallenge uint64
	Key             uint64 // the proof: see Client.proof
	OldTicket       TicketBlob
	OtherKeys       uint32 // service bitmask to issue tickets for
}

func (a *Authenticate) EncodedLen(f denc.Features) int {
	return 1 + 8 + 8 + a.OldTicket.EncodedLen(f) + 4
}

func (a *Authenticate) Encode(w *denc.Writer, f denc.Features) {
	w.U8(3)
	w.U64(a.ClientChallenge)
	w.U64(a.Key)
	a.OldTicket.Encode(w, f)
	w.U32(a.OtherKeys)
}

func (a *Authenticate) Decode(r *denc.Reader, f denc.Features) error {
	v := r.U8()
	if r.Err() == nil && (v < 1 || v > 3) {
		r.Fail(fmt.Errorf("cephx: authenticate v%d not understood", v))
		return r.Err()
	}
	a.ClientChallenge = r.U64()
	a.Key = r.U64()
	a.OldTicket.Decode(r, f)
	a.OtherKeys = 0
	if v >= 2 {
		a.OtherKeys = r.U32()
	}
	return r.Err()
}

// ServiceTicketRequest asks the authority for tickets to the services in
// the bitmask.
type ServiceTicketRequest struct {
	Keys uint32
}

func (t ServiceTicketRequest) EncodedLen(denc.Features) int { return 5 }

func (t ServiceTicketRequest) Encode(w *denc.Writer, _ denc.Features) {
	w.U8(1)
	w.U32(t.Keys)
}

func (t *ServiceTicketRequest) Decode(r *denc.Reader, _ denc.Features) error {
	r.U8() // struct_v
	t.Keys = r.U32()
	return r.Err()
}

// ServiceTicket is the secret part of an issued ticket, reaching the
// client sealed under a key it already holds: the session key to use
// with the service and for how long.
type ServiceTicket struct {
	SessionKey Secret
	Validity   denc.Utime
}

func (t *ServiceTicket) EncodedLen(f denc.Features) int {
	return 1 + t.SessionKey.EncodedLen(f) + 8
}

func (t *ServiceTicket) Encode(w *denc.Writer, f denc.Features) {
	w.U8(1)
	t.SessionKey.Encode(w, f)
	t.Validity.Encode(w, f)
}

func (t *ServiceTicket) Decode(r *denc.Reader, f denc.Features) error {
	r.U8() // struct_v
	t.SessionKey.Decode(r, f)
	t.Validity.Decode(r, f)
	return r.Err()
}

// TicketInfo is one issued ticket as it appears in the authority's
// reply: the sealed ServiceTicket next to the blob to present later.
type TicketInfo struct {
	Service   denc.EntityType
	Version   uint8  // version of the sealed ServiceTicket
	Sealed    []byte // ServiceTicket under the client's key
	Encrypted bool   // blob additionally sealed under the session key
	BlobData  []byte // encoded TicketBlob, maybe sealed
}

func (t *TicketInfo) EncodedLen(denc.Features) int {
	return 4 + 1 + 4 + len(t.Sealed) + 1 + 4 + len(t.BlobData)
}

func (t *TicketInfo) Encode(w *denc.Writer, _ denc.Features) {
	w.U32(uint32(t.Service))
	w.U8(t.Version)
	w.Bytes(t.Sealed)
	w.Bool(t.Encrypted)
	w.Bytes(t.BlobData)
}

func (t *TicketInfo) Decode(r *denc.Reader, _ denc.Features) error {
	t.Service = denc.EntityType(r.U32())
	t.Version = r.U8()
	t.Sealed = r.Bytes()
	t.Encrypted = r.Bool()
	t.BlobData = r.Bytes()
	return r.Err()
}

// TicketReply is the authority's batch of issued tickets.
type TicketReply struct {
	Tickets []TicketInfo
}

func (t *TicketReply) EncodedLen(f denc.Features) int {
	l := 1 + 4
	for i := range t.Tickets {
		l += t.Tickets[i].EncodedLen(f)
	}
	return l
}

func (t *TicketReply) Encode(w *denc.Writer, f denc.Features) {
	w.U8(1)
	w.U32(uint32(len(t.Tickets)))
	for i := range t.Tickets {
		t.Tickets[i].Encode(w, f)
	}
}

func (t *TicketReply) Decode(r *denc.Reader, f denc.Features) error {
	r.U8() // struct_v
	n := r.U32()
	t.Tickets = nil
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		var ti TicketInfo
		ti.Decode(r, f)
		if r.Err() == nil {
			t.Tickets = append(t.Tickets, ti)
		}
	}
	return r.Err()
}

// AuthorizeA is the clear part of an authorizer: who is asking and the
// ticket blob backing the claim.
type AuthorizeA struct {
	GlobalId uint64
	Service  denc.EntityType
	Ticket   TicketBlob
}

func (a *AuthorizeA) EncodedLen(f denc.Features) int {
	return 1 + 8 + 4 + a.Ticket.EncodedLen(f)
}

func (a *AuthorizeA) Encode(w *denc.Writer, f denc.Features) {
	w.U8(1)
	w.U64(a.GlobalId)
	w.U32(uint32(a.Service))
	a.Ticket.Encode(w, f)
}

func (a *AuthorizeA) Decode(r *denc.Reader, f denc.Features) error {
	r.U8() // struct_v
	a.GlobalId = r.U64()
	a.Service = denc.EntityType(r.U32())
	a.Ticket.Decode(r, f)
	return r.Err()
}

// AuthorizeB is the sealed part of an authorizer, proving possession of
// the ticket's session key. On a challenge round it binds the service's
// challenge in, incremented by one.
type AuthorizeB struct {
	Nonce            uint64
	HaveChallenge    bool
	ChallengePlusOne uint64
}

func (b *AuthorizeB) EncodedLen(denc.Features) int { return 1 + 8 + 1 + 8 }

func (b *AuthorizeB) Encode(w *denc.Writer, _ denc.Features) {
	w.U8(2)
	w.U64(b.Nonce)
	w.Bool(b.HaveChallenge)
	w.U64(b.ChallengePlusOne)
}

func (b *AuthorizeB) Decode(r *denc.Reader, _ denc.Features) error {
	r.U8() // struct_v
	b.Nonce = r.U64()
	b.HaveChallenge = r.Bool()
	b.ChallengePlusOne = 0
	if b.HaveChallenge {
		b.ChallengePlusOne = r.U64()
	}
	return r.Err()
}

// AuthorizeReply is the service's answer to an authorizer: the nonce
// incremented by one, proving the service could open the ticket.
type AuthorizeReply struct {
	NoncePlusOne uint64
}

func (a AuthorizeReply) EncodedLen(denc.Features) int { return 9 }

func (a AuthorizeReply) Encode(w *denc.Writer, _ denc.Features) {
	w.U8(1)
	w.U64(a.NoncePlusOne)
}

func (a *AuthorizeReply) Decode(r *denc.Reader, _ denc.Features) error {
	r.U8() // struct_v
	a.NoncePlusOne = r.U64()
	return r.Err()
}
