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
// on-wire framing

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net"
	"sync"

	"github.com/someonegg/gocontainer/rbuf"

	"lab.nexedi.com/kirr/go123/xbytes"

	"lab.nexedi.com/kirr/gorados/internal/xcompress"
)

// Tag identifies the kind of a frame.
type Tag uint8

const (
	TagHello                 Tag = 1
	TagAuthRequest           Tag = 2
	TagAuthBadMethod         Tag = 3
	TagAuthReplyMore         Tag = 4
	TagAuthRequestMore       Tag = 5
	TagAuthDone              Tag = 6
	TagAuthSignature         Tag = 7
	TagClientIdent           Tag = 8
	TagServerIdent           Tag = 9
	TagIdentMissingFeatures  Tag = 10
	TagSessionReconnect      Tag = 11
	TagSessionReset          Tag = 12
	TagSessionRetry          Tag = 13
	TagSessionRetryGlobal    Tag = 14
	TagSessionReconnectOk    Tag = 15
	TagWait                  Tag = 16
	TagMessage               Tag = 17
	TagKeepalive2            Tag = 18
	TagKeepalive2Ack         Tag = 19
	TagAck                   Tag = 20
	TagCompressionRequest    Tag = 21
	TagCompressionDone       Tag = 22
)

func (t Tag) String() string {
	switch t {
	case TagHello:
		return "HELLO"
	case TagAuthRequest:
		return "AUTH_REQUEST"
	case TagAuthBadMethod:
		return "AUTH_BAD_METHOD"
	case TagAuthReplyMore:
		return "AUTH_REPLY_MORE"
	case TagAuthRequestMore:
		return "AUTH_REQUEST_MORE"
	case TagAuthDone:
		return "AUTH_DONE"
	case TagAuthSignature:
		return "AUTH_SIGNATURE"
	case TagClientIdent:
		return "CLIENT_IDENT"
	case TagServerIdent:
		return "SERVER_IDENT"
	case TagIdentMissingFeatures:
		return "IDENT_MISSING_FEATURES"
	case TagSessionReconnect:
		return "SESSION_RECONNECT"
	case TagSessionReset:
		return "SESSION_RESET"
	case TagSessionRetry:
		return "SESSION_RETRY"
	case TagSessionRetryGlobal:
		return "SESSION_RETRY_GLOBAL"
	case TagSessionReconnectOk:
		return "SESSION_RECONNECT_OK"
	case TagWait:
		return "WAIT"
	case TagMessage:
		return "MESSAGE"
	case TagKeepalive2:
		return "KEEPALIVE2"
	case TagKeepalive2Ack:
		return "KEEPALIVE2_ACK"
	case TagAck:
		return "ACK"
	case TagCompressionRequest:
		return "COMPRESSION_REQUEST"
	case TagCompressionDone:
		return "COMPRESSION_DONE"
	}
	return fmt.Sprintf("TAG(%d)", uint8(t))
}

// frame geometry.
const (
	maxSegments = 4
	preambleLen = 32
	crcLen      = 4
	epilogueLen = 1 + (maxSegments-1)*crcLen

	defaultAlign = 8
	dataAlign    = 4096

	flagEarlyDataCompressed = 0x01

	lateStatusComplete    = 0x0e
	lateStatusAborted     = 0x01
	lateStatusAbortedMask = 0x0f

	// secure mode
	cryptoBlockLen  = 16
	gcmNonceLen     = 12
	gcmTagLen       = 16
	secureInlineLen = 48
)

// maxFrameLen caps the size of a single frame on rx; anything larger is
// treated as stream corruption.
const maxFrameLen = 1 << 28

var ErrFrameTooBig = errors.New("frame too big")

// Frame is one unit of on-wire exchange: a tag plus up to 4 byte segments.
//
// A zero entry in Align means the default 8-byte alignment.
type Frame struct {
	Tag   Tag
	Segs  [][]byte
	Align [maxSegments]uint16
}

// ---- crc32c ----

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// cephCRC is crc32c the way frames use it: seeded with the raw register
// value and without the final xor.
func cephCRC(seed uint32, data []byte) uint32 {
	return ^crc32.Update(^seed, castagnoli, data)
}

// ---- preamble ----

// preamble is the fixed 32-byte header describing the rest of a frame:
//
//	u8 tag | u8 nseg | 4 x (u32le len + u16le align) | u8 flags | u8 0 | u32le crc
//
// where the crc covers the preceding 28 bytes.
type preamble struct {
	tag      Tag
	flags    uint8
	nseg     int
	segLen   [maxSegments]uint32
	segAlign [maxSegments]uint16
}

func (p *preamble) encode(b []byte) {
	b[0] = uint8(p.tag)
	b[1] = uint8(p.nseg)
	for i := 0; i < maxSegments; i++ {
		binary.LittleEndian.PutUint32(b[2+6*i:], p.segLen[i])
		binary.LittleEndian.PutUint16(b[6+6*i:], p.segAlign[i])
	}
	b[26] = p.flags
	b[27] = 0
	binary.LittleEndian.PutUint32(b[28:], cephCRC(0, b[:28]))
}

func (p *preamble) decode(b []byte) error {
	if binary.LittleEndian.Uint32(b[28:]) != cephCRC(0, b[:28]) {
		return ErrBadCRC
	}
	p.tag = Tag(b[0])
	p.nseg = int(b[1])
	if p.nseg < 1 || p.nseg > maxSegments {
		return fmt.Errorf("preamble: invalid segment count %d", p.nseg)
	}
	for i := 0; i < maxSegments; i++ {
		p.segLen[i] = binary.LittleEndian.Uint32(b[2+6*i:])
		p.segAlign[i] = binary.LittleEndian.Uint16(b[6+6*i:])
	}
	p.flags = b[26]
	return nil
}

// setup initializes the preamble for sending segs under tag.
// Trailing empty segments are not transmitted, but a frame always
// carries at least one segment.
func (p *preamble) setup(tag Tag, segs [][]byte, align [maxSegments]uint16, flags uint8) {
	*p = preamble{tag: tag, flags: flags}
	n := len(segs)
	for n > 1 && len(segs[n-1]) == 0 {
		n--
	}
	if n < 1 {
		n = 1
	}
	p.nseg = n
	for i := 0; i < n; i++ {
		p.segLen[i] = uint32(len(segAt(segs, i)))
		a := align[i]
		if a == 0 {
			a = defaultAlign
		}
		p.segAlign[i] = a
	}
}

// payloadLen returns the total frame length past the preamble,
// crc/epilogue trailers included, in crc mode.
func (p *preamble) payloadLen() int {
	l := int(p.segLen[0]) + crcLen
	if p.nseg > 1 {
		for i := 1; i < p.nseg; i++ {
			l += int(p.segLen[i])
		}
		l += epilogueLen
	}
	return l
}

// securePayloadLen returns the plaintext payload length in secure mode:
// every present segment padded to the crypto block, plus the late-status
// block for multi-segment frames.
func (p *preamble) securePayloadLen() int {
	l := 0
	for i := 0; i < p.nseg; i++ {
		l += alignUp(int(p.segLen[i]), cryptoBlockLen)
	}
	if p.nseg > 1 {
		l += cryptoBlockLen
	}
	return l
}

func segAt(segs [][]byte, i int) []byte {
	if i < len(segs) {
		return segs[i]
	}
	return nil
}

func alignUp(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}

// ---- frame buffers ----

// frameBuf is a buffer for assembling and receiving frames.
// Released buffers are reused through a pool.
type frameBuf struct {
	data []byte
}

var fbufPool = sync.Pool{New: func() interface{} {
	return &frameBuf{data: make([]byte, 0, 4096)}
}}

func fbufAlloc(n int) *frameBuf {
	fb := fbufPool.Get().(*frameBuf)
	fb.data = xbytes.Realloc(fb.data, n)
	return fb
}

func (fb *frameBuf) Free() {
	fbufPool.Put(fb)
}

// ---- gcm nonce stream ----

// gcmStream is one direction of secure-mode framing: an AES-128-GCM
// AEAD plus the evolving nonce. The low 8 nonce bytes hold a
// little-endian counter incremented after every seal/open.
type gcmStream struct {
	aead  cipher.AEAD
	nonce [gcmNonceLen]byte
}

func newGCMStream(key, nonce []byte) (*gcmStream, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(blk)
	if err != nil {
		return nil, err
	}
	s := &gcmStream{aead: aead}
	copy(s.nonce[:], nonce)
	return s, nil
}

func (s *gcmStream) seal(dst, pt []byte) []byte {
	out := s.aead.Seal(dst, s.nonce[:], pt, nil)
	s.tick()
	return out
}

func (s *gcmStream) open(ct []byte) ([]byte, error) {
	pt, err := s.aead.Open(nil, s.nonce[:], ct, nil)
	s.tick()
	return pt, err
}

func (s *gcmStream) tick() {
	ctr := binary.LittleEndian.Uint64(s.nonce[4:])
	binary.LittleEndian.PutUint64(s.nonce[4:], ctr+1)
}

// ---- frameConn ----

const defaultCompressThreshold = 512

// frameConn frames a byte stream.
//
// It starts in crc mode; enableSecure and enableCompression switch the
// framing as the handshake negotiates. sendFrame and recvFrame calls
// must each be serialized by the caller - the nonce streams and the
// transcript are stateful.
type frameConn struct {
	conn net.Conn

	rxbuf rbuf.RingBuf // buffer for reading from conn

	txSec *gcmStream // non-nil after secure mode is established
	rxSec *gcmStream

	cz       xcompress.Compressor // non-nil after compression negotiation
	czThresh int

	// transcript of raw wire bytes exchanged before authentication
	// completed; nil once recording is stopped.
	txlog *bytes.Buffer
	rxlog *bytes.Buffer
}

func newFrameConn(conn net.Conn) *frameConn {
	return &frameConn{
		conn:  conn,
		txlog: &bytes.Buffer{},
		rxlog: &bytes.Buffer{},
	}
}

func (c *frameConn) recordTx(b []byte) {
	if c.txlog != nil {
		c.txlog.Write(b)
	}
}

func (c *frameConn) recordRx(b []byte) {
	if c.rxlog != nil {
		c.rxlog.Write(b)
	}
}

// stopRecording finalizes the pre-auth transcript and returns both
// halves: the bytes we sent and the bytes we received.
func (c *frameConn) stopRecording() (txlog, rxlog []byte) {
	txlog = c.txlog.Bytes()
	rxlog = c.rxlog.Bytes()
	c.txlog = nil
	c.rxlog = nil
	return txlog, rxlog
}

const connSecretMinLen = 16 + 2*gcmNonceLen

// enableSecure switches the connection to AES-128-GCM framing.
//
// The connection secret provides the key and both nonce streams; the
// client takes rx nonce first and tx nonce second, the server side
// (server=true) crosses them.
func (c *frameConn) enableSecure(secret []byte, server bool) error {
	if len(secret) < connSecretMinLen {
		return fmt.Errorf("connection secret too short (%d byte(s))", len(secret))
	}
	key := secret[0:16]
	rx := secret[16 : 16+gcmNonceLen]
	tx := secret[16+gcmNonceLen : 16+2*gcmNonceLen]
	if server {
		rx, tx = tx, rx
	}
	var err error
	c.rxSec, err = newGCMStream(key, rx)
	if err == nil {
		c.txSec, err = newGCMStream(key, tx)
	}
	return err
}

// enableCompression activates per-frame compression with the negotiated
// algorithm. Message frames whose payload reaches threshold are sent
// compressed; threshold <= 0 selects the default.
func (c *frameConn) enableCompression(algo uint32, threshold int) error {
	cz, err := xcompress.ByAlgorithm(algo)
	if err != nil {
		return err
	}
	if threshold <= 0 {
		threshold = defaultCompressThreshold
	}
	c.cz = cz
	c.czThresh = threshold
	return nil
}

// ---- tx ----

// sendFrame assembles and writes one frame to the peer.
func (c *frameConn) sendFrame(f *Frame) error {
	segs, flags, err := c.deflate(f)
	if err != nil {
		return err
	}

	var p preamble
	p.setup(f.Tag, segs, f.Align, flags)

	if c.txSec != nil {
		return c.sendSecure(&p, segs)
	}
	return c.sendCRC(&p, segs)
}

// deflate compresses message segments when negotiated compression and
// the size threshold say so. Each compressed segment is prefixed with
// its original length so that the receiver can inflate it back exactly.
func (c *frameConn) deflate(f *Frame) (segs [][]byte, flags uint8, err error) {
	segs = f.Segs
	if c.cz == nil || f.Tag != TagMessage {
		return segs, 0, nil
	}
	total := 0
	for _, s := range segs {
		total += len(s)
	}
	if total < c.czThresh {
		return segs, 0, nil
	}

	zsegs := make([][]byte, len(segs))
	for i, s := range segs {
		if len(s) == 0 {
			continue
		}
		z, err := c.cz.Compress(s)
		if err != nil {
			return nil, 0, err
		}
		zs := make([]byte, 4+len(z))
		binary.LittleEndian.PutUint32(zs, uint32(len(s)))
		copy(zs[4:], z)
		zsegs[i] = zs
	}
	return zsegs, flagEarlyDataCompressed, nil
}

func (c *frameConn) sendCRC(p *preamble, segs [][]byte) error {
	fb := fbufAlloc(preambleLen + p.payloadLen())
	defer fb.Free()
	b := fb.data

	p.encode(b[:preambleLen])
	off := preambleLen

	s0 := segAt(segs, 0)
	off += copy(b[off:], s0)
	binary.LittleEndian.PutUint32(b[off:], cephCRC(^uint32(0), s0))
	off += crcLen

	if p.nseg > 1 {
		for i := 1; i < p.nseg; i++ {
			off += copy(b[off:], segAt(segs, i))
		}
		b[off] = lateStatusComplete
		off++
		for i := 1; i < maxSegments; i++ {
			crc := uint32(0)
			if i < p.nseg {
				crc = cephCRC(^uint32(0), segAt(segs, i))
			}
			binary.LittleEndian.PutUint32(b[off:], crc)
			off += crcLen
		}
	}

	c.recordTx(b[:off])
	_, err := c.conn.Write(b[:off])
	return err
}

func (c *frameConn) sendSecure(p *preamble, segs [][]byte) error {
	payloadLen := p.securePayloadLen()
	payload := make([]byte, payloadLen)
	off := 0
	for i := 0; i < p.nseg; i++ {
		copy(payload[off:], segAt(segs, i))
		off += alignUp(int(p.segLen[i]), cryptoBlockLen)
	}
	if p.nseg > 1 {
		payload[off] = lateStatusComplete
	}

	// the first ciphertext always covers preamble + 48 inline payload
	// bytes; the rest of the payload, if any, forms the second one.
	pt1 := make([]byte, preambleLen+secureInlineLen)
	p.encode(pt1[:preambleLen])
	copy(pt1[preambleLen:], payload)
	out := c.txSec.seal(nil, pt1)
	if payloadLen > secureInlineLen {
		out = c.txSec.seal(out, payload[secureInlineLen:])
	}

	c.recordTx(out)
	_, err := c.conn.Write(out)
	return err
}

// ---- rx ----

// recvFrame receives one frame from the peer.
//
// Framing errors (bad crc, failed gcm open, aborted frame) mean the
// stream position is lost; the caller must tear the connection down.
func (c *frameConn) recvFrame() (*Frame, error) {
	if c.rxSec != nil {
		return c.recvSecure()
	}
	return c.recvCRC()
}

// read reads frame bytes into data[n:need] going through the rx
// prefetch buffer: a previous read might have pulled in a part of this
// frame already, and overread past need is put back for the next one.
func (c *frameConn) read(data []byte, n, need int) (int, error) {
	if c.rxbuf.Len() > 0 && n < need {
		δn, _ := c.rxbuf.Read(data[n:need])
		n += δn
	}
	if n < need {
		δn, err := io.ReadAtLeast(c.conn, data[n:], need-n)
		if err != nil {
			return n, err
		}
		n += δn
	}
	if n > need {
		c.rxbuf.Write(data[need:n])
		n = need
	}
	return n, nil
}

func (c *frameConn) recvCRC() (*Frame, error) {
	fb := fbufAlloc(4096)
	defer fb.Free()
	data := fb.data[:cap(fb.data)]

	n := 0
	if c.rxbuf.Len() > 0 {
		δn, _ := c.rxbuf.Read(data[:preambleLen])
		n = δn
	}
	if n < preambleLen {
		δn, err := io.ReadAtLeast(c.conn, data[n:], preambleLen-n)
		if err != nil {
			return nil, err
		}
		n += δn
	}

	var p preamble
	if err := p.decode(data[:preambleLen]); err != nil {
		return nil, err
	}

	frameLen := preambleLen + p.payloadLen()
	if frameLen > maxFrameLen {
		return nil, ErrFrameTooBig
	}

	data = xbytes.Resize(data, frameLen)
	data = data[:cap(data)]
	fb.data = data
	n, err := c.read(data, n, frameLen)
	if err != nil {
		return nil, err
	}

	c.recordRx(data[:frameLen])

	// verify and extract segments
	off := preambleLen
	segs := make([][]byte, p.nseg)
	s0 := data[off : off+int(p.segLen[0])]
	off += len(s0)
	if binary.LittleEndian.Uint32(data[off:]) != cephCRC(^uint32(0), s0) {
		return nil, ErrBadCRC
	}
	off += crcLen
	segs[0] = append([]byte(nil), s0...)

	if p.nseg > 1 {
		for i := 1; i < p.nseg; i++ {
			si := data[off : off+int(p.segLen[i])]
			off += len(si)
			segs[i] = append([]byte(nil), si...)
		}
		status := data[off]
		off++
		if status&lateStatusAbortedMask != lateStatusComplete {
			return nil, fmt.Errorf("frame aborted (late status %#x)", status)
		}
		for i := 1; i < maxSegments; i++ {
			crc := binary.LittleEndian.Uint32(data[off:])
			off += crcLen
			if i < p.nseg && crc != cephCRC(^uint32(0), segs[i]) {
				return nil, ErrBadCRC
			}
		}
	}

	return c.mkframe(&p, segs)
}

func (c *frameConn) recvSecure() (*Frame, error) {
	const ct1Len = preambleLen + secureInlineLen + gcmTagLen

	fb := fbufAlloc(4096)
	defer fb.Free()
	data := fb.data[:cap(fb.data)]

	n, err := c.read(data, 0, ct1Len)
	if err != nil {
		return nil, err
	}
	pt1, err := c.rxSec.open(data[:ct1Len])
	if err != nil {
		return nil, fmt.Errorf("secure frame: %w", err)
	}

	var p preamble
	if err := p.decode(pt1[:preambleLen]); err != nil {
		return nil, err
	}

	payloadLen := p.securePayloadLen()
	if payloadLen > maxFrameLen {
		return nil, ErrFrameTooBig
	}

	wireLen := ct1Len
	if payloadLen > secureInlineLen {
		wireLen += payloadLen - secureInlineLen + gcmTagLen
	}
	data = xbytes.Resize(data, wireLen)
	data = data[:cap(data)]
	fb.data = data
	n, err = c.read(data, n, wireLen)
	if err != nil {
		return nil, err
	}

	c.recordRx(data[:wireLen])

	payload := pt1[preambleLen:]
	if payloadLen > secureInlineLen {
		pt2, err := c.rxSec.open(data[ct1Len:wireLen])
		if err != nil {
			return nil, fmt.Errorf("secure frame: %w", err)
		}
		full := make([]byte, 0, payloadLen)
		full = append(full, payload...)
		full = append(full, pt2...)
		payload = full
	} else {
		payload = payload[:payloadLen]
	}

	off := 0
	segs := make([][]byte, p.nseg)
	for i := 0; i < p.nseg; i++ {
		l := int(p.segLen[i])
		segs[i] = append([]byte(nil), payload[off:off+l]...)
		off += alignUp(l, cryptoBlockLen)
	}
	if p.nseg > 1 {
		if status := payload[off]; status&lateStatusAbortedMask != lateStatusComplete {
			return nil, fmt.Errorf("frame aborted (late status %#x)", status)
		}
	}

	return c.mkframe(&p, segs)
}

// mkframe finalizes a received frame: inflates compressed segments and
// carries the alignments over.
func (c *frameConn) mkframe(p *preamble, segs [][]byte) (*Frame, error) {
	if p.flags&flagEarlyDataCompressed != 0 {
		if c.cz == nil {
			return nil, fmt.Errorf("%v: compressed frame without negotiated compression", p.tag)
		}
		for i, s := range segs {
			if len(s) == 0 {
				continue
			}
			if len(s) < 4 {
				return nil, fmt.Errorf("%v: compressed segment %d too short", p.tag, i)
			}
			origLen := int(binary.LittleEndian.Uint32(s))
			if origLen > maxFrameLen {
				return nil, ErrFrameTooBig
			}
			out, err := c.cz.Decompress(s[4:], origLen)
			if err != nil {
				return nil, fmt.Errorf("%v: %w", p.tag, err)
			}
			segs[i] = out
		}
	}

	f := &Frame{Tag: p.tag, Segs: segs}
	copy(f.Align[:], p.segAlign[:])
	return f, nil
}
