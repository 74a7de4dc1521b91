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

// Package cephx implements the CephX authentication protocol.
//
// CephX is a ticket-based scheme: a client first proves knowledge of its
// long-term secret to the authority in a challenge-response exchange and
// receives per-service tickets, then presents an authorizer built from
// such a ticket when connecting to a service. Neither exchange ever puts
// the secret itself on the wire.
//
// Client drives both exchanges from the client side: ModeMon for the
// authority handshake, ModeAuthorizer for service connections reusing
// tickets obtained earlier. One Client is shared between the authority
// connection that renews tickets and the service connections that read
// them.
//
// Secret is the key material: AES-128-CBC encryption with the protocol's
// fixed IV, and HMAC-SHA256 signing for frame transcripts. Wire
// structures live in proto.go and encode via package denc.
package cephx

import (
	"errors"
	"fmt"
	"strings"

	"lab.nexedi.com/kirr/gorados/denc"
)

// authentication modes, sent as the leading byte of the initial request.
const (
	ModeNone       uint8 = 0
	ModeAuthorizer uint8 = 1  // service connections presenting a ticket
	ModeMon        uint8 = 10 // authority connections proving the secret
)

// errors surfaced by the authentication machinery.
var (
	ErrBadMagic      = errors.New("cephx: bad encryption magic")
	ErrBadKey        = errors.New("cephx: bad key material")
	ErrNoTicket      = errors.New("cephx: no ticket for service")
	ErrDenied        = errors.New("cephx: authentication denied")
	ErrBadTransition = errors.New("cephx: unexpected protocol state")
)

// Name identifies an authentication principal: entity kind plus textual
// instance id, e.g. client.admin.
//
// This is distinct from denc.EntityName - principals are named by string
// id in the auth protocol, members by number everywhere else.
type Name struct {
	Type denc.EntityType
	Id   string
}

// ParseName parses "client.admin" style principal names.
func ParseName(s string) (Name, error) {
	kind, id, ok := strings.Cut(s, ".")
	if !ok {
		return Name{}, fmt.Errorf("cephx: invalid principal name %q", s)
	}
	typ, ok := denc.EntityTypeByName(kind)
	if !ok {
		return Name{}, fmt.Errorf("cephx: invalid principal name %q: unknown entity type %q", s, kind)
	}
	return Name{Type: typ, Id: id}, nil
}

func (n Name) String() string { return fmt.Sprintf("%v.%s", n.Type, n.Id) }

func (n Name) EncodedLen(denc.Features) int { return 4 + 4 + len(n.Id) }

func (n Name) Encode(w *denc.Writer, _ denc.Features) {
	w.U32(uint32(n.Type))
	w.Str(n.Id)
}

func (n *Name) Decode(r *denc.Reader, _ denc.Features) error {
	n.Type = denc.EntityType(r.U32())
	n.Id = r.Str()
	return r.Err()
}
