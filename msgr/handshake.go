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
// session establishment

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"time"

	"lab.nexedi.com/kirr/gorados/cephx"
	"lab.nexedi.com/kirr/gorados/denc"
	"lab.nexedi.com/kirr/gorados/internal/xcompress"
)

// Options tunes how a Link is established and run.
// The zero value is usable: unauthenticated crc-mode session with
// default keepalive.
type Options struct {
	// Auth drives the authentication rounds; nil authenticates as
	// AUTH_NONE (no session key, no signatures, crc mode only).
	Auth cephx.AuthClient

	// EntityType is what we announce ourselves as. Default: client.
	EntityType denc.EntityType

	// Modes lists acceptable connection modes in preference order.
	// Default: secure then crc when Auth is set, crc alone otherwise.
	Modes []uint32

	// Compression offers on-wire compression to the peer.
	// Methods lists algorithms in preference order (default zstd,
	// snappy, zlib); Threshold is the minimal message payload size
	// worth compressing (default 512).
	Compression        bool
	CompressionMethods []uint32
	CompressThreshold  int

	// KeepaliveInterval is how often KEEPALIVE2 probes are sent and
	// KeepaliveTimeout is how long to wait for any ack before the
	// link is declared dead. Defaults: 10s and 4x the interval;
	// interval < 0 disables keepalive.
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration

	// Resume, when set, tries to resume a previously established
	// session via SESSION_RECONNECT instead of starting a fresh one.
	Resume *SessionState

	// ReplyAttempt extracts the retry counter from a reply message so
	// that replies to superseded attempts can be dropped. nil means
	// every reply matches.
	ReplyAttempt func(*Message) (attempt int, ok bool)

	// OnMessage is called from the receive loop for messages that do
	// not match any pending operation. nil means such messages are
	// dropped with a log notice.
	OnMessage func(*Message)
}

// SessionState is the resumable part of an established session, as
// captured by Link.State after the link went down.
type SessionState struct {
	ClientCookie uint64
	ServerCookie uint64
	GlobalSeq    uint64
	ConnectSeq   uint64
	InSeq        uint64
	OutSeq       uint64
	Unacked      []*Message // sent but not yet acked, in seq order
}

func (opt *Options) entityType() denc.EntityType {
	if opt.EntityType != 0 {
		return opt.EntityType
	}
	return denc.EntityTypeClient
}

func (opt *Options) modes() []uint32 {
	if len(opt.Modes) != 0 {
		return opt.Modes
	}
	if opt.Auth != nil {
		return []uint32{ModeSecure, ModeCRC}
	}
	return []uint32{ModeCRC}
}

func (opt *Options) compressionMethods() []uint32 {
	if len(opt.CompressionMethods) != 0 {
		return opt.CompressionMethods
	}
	return []uint32{xcompress.AlgoZstd, xcompress.AlgoSnappy, xcompress.AlgoZlib}
}

func (opt *Options) keepalive() (interval, timeout time.Duration) {
	interval = opt.KeepaliveInterval
	if interval == 0 {
		interval = 10 * time.Second
	}
	if interval < 0 {
		return -1, 0
	}
	timeout = opt.KeepaliveTimeout
	if timeout == 0 {
		timeout = 4 * interval
	}
	return interval, timeout
}

func randU64() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // crypto/rand does not fail on supported systems
	}
	return binary.LittleEndian.Uint64(b[:])
}

// processNonce distinguishes link instances originating from the same
// address.
var processNonce = uint32(randU64())

// entityAddrOf derives the wire form of a transport address. Addresses
// that are not ip:port (e.g. test networks) yield a typed zero address.
func entityAddrOf(addr net.Addr, nonce uint32) denc.EntityAddr {
	a := denc.EntityAddr{Type: denc.AddrTypeMsgr2, Nonce: nonce}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return a
	}
	ip := net.ParseIP(host)
	port, err2 := strconv.ParseUint(portStr, 10, 16)
	if ip == nil || err2 != nil {
		return a
	}
	a.SetIPPort(ip, uint16(port))
	return a
}

// handshake carries the state of session establishment over one
// connection.
type handshake struct {
	c   *frameConn
	opt *Options

	peerSupported uint64 // peer's banner features

	globalId   uint64
	mode       uint32
	sessionKey *cephx.Secret
	connSecret []byte

	compressAlgo uint32 // xcompress.AlgoNone when compression is off

	clientCookie uint64
	serverCookie uint64
	globalSeq    uint64
	connectSeq   uint64
	inSeq        uint64
	outSeq       uint64
	replay       []*Message // to retransmit after session resume

	peerIdent   serverIdentFrame
	reconnected bool
}

// run performs the full client handshake: banners, HELLO,
// authentication, transcript signatures, compression negotiation and
// session identification.
func (h *handshake) run() error {
	if r := h.opt.Resume; r != nil {
		h.clientCookie = r.ClientCookie
		h.serverCookie = r.ServerCookie
		h.globalSeq = r.GlobalSeq + 1
		h.connectSeq = r.ConnectSeq + 1
		h.inSeq = r.InSeq
		h.outSeq = r.OutSeq
	} else {
		h.clientCookie = randU64()
		h.globalSeq = 1
	}

	err := h.exchangeBanners()
	if err == nil {
		err = h.hello()
	}
	if err == nil {
		err = h.authenticate()
	}
	if err == nil {
		err = h.negotiateCompression()
	}
	if err == nil {
		err = h.session()
	}
	return err
}

func (h *handshake) exchangeBanners() error {
	b := make([]byte, bannerLen)
	copy(b, bannerPrefix)
	binary.LittleEndian.PutUint16(b[8:], bannerPayloadLen)
	binary.LittleEndian.PutUint64(b[10:], bannerRevision1|bannerCompression)
	binary.LittleEndian.PutUint64(b[18:], 0) // we require nothing via the banner
	h.c.recordTx(b)
	if _, err := h.c.conn.Write(b); err != nil {
		return err
	}

	hdr := make([]byte, len(bannerPrefix)+2)
	if _, err := h.c.read(hdr, 0, len(hdr)); err != nil {
		return err
	}
	if !bytes.HasPrefix(hdr, []byte("ceph v")) {
		return fmt.Errorf("peer does not speak the protocol (banner %q)", hdr)
	}
	if string(hdr[:len(bannerPrefix)]) != bannerPrefix {
		return fmt.Errorf("unsupported protocol version (banner %q)", hdr[:len(bannerPrefix)])
	}
	payloadLen := int(binary.LittleEndian.Uint16(hdr[8:]))
	if payloadLen < bannerPayloadLen {
		return fmt.Errorf("banner payload too short (%d byte(s))", payloadLen)
	}
	// a longer payload carries feature extensions we do not know; skip them
	payload := make([]byte, payloadLen)
	if _, err := h.c.read(payload, 0, payloadLen); err != nil {
		return err
	}
	h.c.recordRx(hdr)
	h.c.recordRx(payload)

	h.peerSupported = binary.LittleEndian.Uint64(payload[0:])
	required := binary.LittleEndian.Uint64(payload[8:])
	if missing := required &^ (bannerRevision1 | bannerCompression); missing != 0 {
		return fmt.Errorf("peer requires banner features %#x we do not support", missing)
	}
	if h.peerSupported&bannerRevision1 == 0 {
		return fmt.Errorf("peer does not support frame format revision 1")
	}
	return nil
}

func (h *handshake) hello() error {
	err := h.c.sendCtl(TagHello, &helloFrame{
		EntityType: h.opt.entityType(),
		PeerAddr:   entityAddrOf(h.c.conn.RemoteAddr(), 0),
	})
	if err != nil {
		return err
	}

	f, err := h.c.recvFrame()
	if err != nil {
		return err
	}
	if f.Tag != TagHello {
		return fmt.Errorf("expected HELLO, got %v", f.Tag)
	}
	var peer helloFrame
	return decodeCtl(f, &peer)
}

func (h *handshake) authenticate() error {
	method := AuthNone
	var payload []byte
	var err error
	if h.opt.Auth != nil {
		method = AuthCephX
		payload, err = h.opt.Auth.BuildRequest(0)
		if err != nil {
			return err
		}
	}
	err = h.c.sendCtl(TagAuthRequest, &authRequestFrame{
		Method:         method,
		PreferredModes: h.opt.modes(),
		Payload:        payload,
	})
	if err != nil {
		return err
	}

	for {
		f, err := h.c.recvFrame()
		if err != nil {
			return err
		}

		switch f.Tag {
		case TagAuthReplyMore:
			if h.opt.Auth == nil {
				return fmt.Errorf("AUTH_REPLY_MORE without authentication")
			}
			var more authMoreFrame
			if err := decodeCtl(f, &more); err != nil {
				return err
			}
			if _, err := h.opt.Auth.HandleReply(more.Payload, 0, 0); err != nil {
				return err
			}
			payload, err := h.opt.Auth.BuildRequest(0)
			if err != nil {
				return err
			}
			err = h.c.sendCtl(TagAuthRequestMore, &authMoreFrame{Payload: payload})
			if err != nil {
				return err
			}

		case TagAuthDone:
			var done authDoneFrame
			if err := decodeCtl(f, &done); err != nil {
				return err
			}
			h.globalId = done.GlobalId
			h.mode = done.ConMode
			ok := false
			for _, m := range h.opt.modes() {
				if m == h.mode {
					ok = true
					break
				}
			}
			if !ok {
				return fmt.Errorf("peer selected connection mode %d we did not offer", h.mode)
			}
			if h.opt.Auth != nil {
				res, err := h.opt.Auth.HandleReply(done.Payload, done.GlobalId, done.ConMode)
				if err != nil {
					return err
				}
				h.sessionKey = res.SessionKey
				h.connSecret = res.ConnectionSecret
			}
			return h.finishAuth()

		case TagAuthBadMethod:
			var bad authBadMethodFrame
			if err := decodeCtl(f, &bad); err != nil {
				return err
			}
			return fmt.Errorf("authentication method %d rejected (result %d; peer allows methods %v, modes %v)",
				bad.Method, bad.Result, bad.AllowedMethods, bad.AllowedModes)

		default:
			return fmt.Errorf("expected AUTH_*, got %v", f.Tag)
		}
	}
}

// finishAuth finalizes the pre-auth transcript, switches to secure
// framing when negotiated, and exchanges AUTH_SIGNATURE frames.
//
// Our signature covers the bytes we received; the peer's covers the
// bytes we sent. Both must be computed before any post-auth frame
// touches the wire, and in secure mode the signature frames themselves
// already travel encrypted.
func (h *handshake) finishAuth() error {
	txlog, rxlog := h.c.stopRecording()

	if h.mode == ModeSecure {
		if h.sessionKey == nil {
			return fmt.Errorf("secure mode without a session key")
		}
		if err := h.c.enableSecure(h.connSecret, false); err != nil {
			return err
		}
	}

	if h.sessionKey == nil {
		return nil
	}

	sig := h.sessionKey.Sign(rxlog)
	err := h.c.sendFrame(&Frame{Tag: TagAuthSignature, Segs: [][]byte{sig}})
	if err != nil {
		return err
	}

	f, err := h.c.recvFrame()
	if err != nil {
		return err
	}
	if f.Tag != TagAuthSignature {
		return fmt.Errorf("expected AUTH_SIGNATURE, got %v", f.Tag)
	}
	if !h.sessionKey.Verify(txlog, segAt(f.Segs, 0)) {
		return fmt.Errorf("peer auth signature verification failed")
	}
	return nil
}

// negotiateCompression runs the compression phase; it happens whenever
// the peer's banner advertised the capability, with is_compress telling
// whether we actually want it.
func (h *handshake) negotiateCompression() error {
	h.compressAlgo = xcompress.AlgoNone
	if h.peerSupported&bannerCompression == 0 {
		return nil
	}

	var methods []uint32
	if h.opt.Compression {
		methods = h.opt.compressionMethods()
	}
	err := h.c.sendCtl(TagCompressionRequest, &compressionRequestFrame{
		IsCompress:       h.opt.Compression,
		PreferredMethods: methods,
	})
	if err != nil {
		return err
	}

	f, err := h.c.recvFrame()
	if err != nil {
		return err
	}
	if f.Tag != TagCompressionDone {
		return fmt.Errorf("expected COMPRESSION_DONE, got %v", f.Tag)
	}
	var done compressionDoneFrame
	if err := decodeCtl(f, &done); err != nil {
		return err
	}
	if !done.IsCompress || done.Method == xcompress.AlgoNone {
		return nil
	}
	if err := h.c.enableCompression(done.Method, h.opt.CompressThreshold); err != nil {
		return err
	}
	h.compressAlgo = done.Method
	return nil
}

func (h *handshake) session() error {
	for {
		var err error
		if h.serverCookie != 0 {
			err = h.c.sendCtl(TagSessionReconnect, &sessionReconnectFrame{
				Addrs:        h.ourAddrs(),
				ClientCookie: h.clientCookie,
				ServerCookie: h.serverCookie,
				GlobalSeq:    h.globalSeq,
				ConnectSeq:   h.connectSeq,
				MsgSeq:       h.inSeq,
			})
		} else {
			err = h.c.sendCtl(TagClientIdent, &clientIdentFrame{
				Addrs:             h.ourAddrs(),
				TargetAddr:        entityAddrOf(h.c.conn.RemoteAddr(), 0),
				Gid:               int64(h.globalId),
				GlobalSeq:         h.globalSeq,
				FeaturesSupported: featuresSupported,
				FeaturesRequired:  featuresRequired,
				Flags:             0,
				Cookie:            h.clientCookie,
			})
		}
		if err != nil {
			return err
		}

	recv:
		f, err := h.c.recvFrame()
		if err != nil {
			return err
		}

		switch f.Tag {
		case TagServerIdent:
			if err := decodeCtl(f, &h.peerIdent); err != nil {
				return err
			}
			if missing := h.peerIdent.FeaturesRequired &^ uint64(featuresSupported); missing != 0 {
				return fmt.Errorf("peer requires features %#x we do not support", missing)
			}
			h.serverCookie = h.peerIdent.Cookie
			h.connectSeq = 1
			// fresh session: previous state, if any, is gone
			h.inSeq = 0
			h.outSeq = 0
			h.replay = nil
			return nil

		case TagSessionReconnectOk:
			var ok sessionReconnectOkFrame
			if err := decodeCtl(f, &ok); err != nil {
				return err
			}
			// retransmit what the peer did not see
			if r := h.opt.Resume; r != nil {
				for _, m := range r.Unacked {
					if m.Header.Seq > ok.MsgSeq {
						h.replay = append(h.replay, m)
					}
				}
			}
			h.reconnected = true
			return nil

		case TagSessionRetry:
			var retry sessionRetryFrame
			if err := decodeCtl(f, &retry); err != nil {
				return err
			}
			h.connectSeq = retry.ConnectSeq + 1

		case TagSessionRetryGlobal:
			var retry sessionRetryGlobalFrame
			if err := decodeCtl(f, &retry); err != nil {
				return err
			}
			if retry.GlobalSeq >= h.globalSeq {
				h.globalSeq = retry.GlobalSeq + 1
			}

		case TagSessionReset:
			var reset sessionResetFrame
			if err := decodeCtl(f, &reset); err != nil {
				return err
			}
			h.serverCookie = 0
			if reset.Full {
				h.inSeq = 0
				h.outSeq = 0
				h.opt.Resume = nil
			}

		case TagWait:
			// the peer has a competing connection in flight; stay
			// put and let it finish driving
			goto recv

		case TagIdentMissingFeatures:
			var miss identMissingFeaturesFrame
			if err := decodeCtl(f, &miss); err != nil {
				return err
			}
			return fmt.Errorf("peer misses required features %#x", miss.Features)

		default:
			return fmt.Errorf("expected SESSION_*, got %v", f.Tag)
		}
	}
}

func (h *handshake) ourAddrs() denc.EntityAddrVec {
	return denc.EntityAddrVec{Addrs: []denc.EntityAddr{
		entityAddrOf(h.c.conn.LocalAddr(), processNonce),
	}}
}
