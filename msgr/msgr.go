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

// Package msgr implements the client side of the messenger v2 session
// protocol spoken by cluster daemons.
//
// A link to a peer is established with DialLink, which performs the
// full protocol handshake: banner and HELLO exchange, authentication
// (driven through a cephx.AuthClient), transcript signatures, optional
// per-frame compression negotiation, and session identification. The
// established Link then multiplexes messages over the single TCP
// stream: Submit queues a message for transmission and returns an *Op
// which resolves when the matching reply arrives, the operation is
// revoked, or the link goes down.
//
// On the wire the unit of exchange is a frame: a 32-byte preamble
// describing up to 4 segments, the segments themselves, and integrity
// trailers. In crc mode every part is covered by crc32c; in secure
// mode whole frames are sealed with AES-128-GCM under the connection
// secret established during authentication.
package msgr

import (
	"errors"
	"fmt"
)

// errors returned by Link operations.
var (
	ErrLinkClosed = errors.New("link is closed") // Close was called
	ErrLinkDown   = errors.New("link is down")   // e.g. due to IO error
	ErrRevoked    = errors.New("operation revoked")

	// ErrBadCRC is returned when an integrity check of a received
	// frame fails. The link is torn down: after a framing error the
	// stream position itself is no longer trustworthy.
	ErrBadCRC = errors.New("frame crc mismatch")
)

// LinkError is returned by Link operations.
type LinkError struct {
	Addr string // address of the peer
	Op   string
	Err  error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Addr, e.Op, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// connection modes negotiated during authentication.
const (
	ModeCRC    uint32 = 1 // integrity via crc32c
	ModeSecure uint32 = 2 // AES-128-GCM under the connection secret
)

// authentication methods as announced in AUTH_REQUEST.
const (
	AuthNone  uint32 = 1
	AuthCephX uint32 = 2
)

// ---- banner ----

// The banner opens every connection in both directions:
//
//	"ceph v2\n" | u16le payload len | u64le supported | u64le required
//
// A peer may extend the payload past the two feature words; the extra
// bytes are skipped. Feature bits here are messenger-protocol features,
// not the cluster feature bits exchanged later in ident frames.
const (
	bannerPrefix     = "ceph v2\n"
	bannerPayloadLen = 16
	bannerLen        = len(bannerPrefix) + 2 + bannerPayloadLen
)

// messenger protocol feature bits carried in the banner.
const (
	bannerRevision1   uint64 = 1 << 0 // revised frame format
	bannerCompression uint64 = 1 << 1 // on-wire compression
)

// cluster feature bits used in ident frames.
//
// featuresSupported is what a contemporary client advertises: everything
// up to and including the addrvec era.
const (
	featureMsgAddr2       uint64 = 1 << 59
	featureServerNautilus uint64 = 1 << 61
	featureServerOctopus  uint64 = 1 << 62

	featuresSupported = featureMsgAddr2 | featureServerNautilus |
		featureServerOctopus | 0x3fffffffffffffff
	featuresRequired = featureMsgAddr2
)
