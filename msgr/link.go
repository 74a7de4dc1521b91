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
// established links and operations on them

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"lab.nexedi.com/kirr/go123/xnet"

	"lab.nexedi.com/kirr/gorados/denc"
	"lab.nexedi.com/kirr/gorados/internal/log"
	"lab.nexedi.com/kirr/gorados/internal/xio"
)

// Link is an established session to one peer.
//
// Messages are submitted with Submit and matched to replies by
// transaction id; messages the peer sends on its own initiative go to
// Options.OnMessage. A link runs until Close or a connection fault;
// after that every pending operation resolves with the link error and
// State can be used to resume the session on a fresh connection.
type Link struct {
	fc  *frameConn
	opt *Options

	globalId     uint64
	mode         uint32
	compressAlgo uint32
	peerIdent    serverIdentFrame

	clientCookie uint64
	serverCookie uint64
	globalSeq    uint64
	connectSeq   uint64

	// ops and outgoing queue
	opMu    sync.Mutex
	opTab   map[uint64]*Op
	nextTid uint64

	txMu    sync.Mutex
	txq     []*txItem
	sentq   []*Message // sent but not yet acked, in seq order
	txWake  chan struct{}
	ackWake chan struct{}

	outSeq uint64 // accessed atomically
	inSeq  uint64 // ----//----
	lastRx int64  // unix ns of last received frame; accessed atomically

	down     chan struct{}
	downOnce sync.Once
	errMu    sync.Mutex
	errDown  error
	serveWg  sync.WaitGroup
}

// txItem is one entry of the outgoing queue: either a message, possibly
// belonging to an op, or a raw control frame.
type txItem struct {
	op     *Op
	msg    *Message
	ctl    *Frame
	preSeq bool // msg already carries its seq (session resume replay)
}

// Op is one in-flight request submitted over a Link.
type Op struct {
	Tid     uint64
	Msg     *Message
	Attempt int

	link  *Link
	done  chan struct{}
	reply *Message
	err   error

	state int // guarded by link.opMu
}

const (
	opQueued = iota // submitted, not yet on the wire
	opSent          // transmitted, waiting for reply
	opDone          // resolved: reply, revoke or link down
)

// DialLink connects to addr on net and establishes a session over it.
func DialLink(ctx context.Context, net xnet.Networker, addr string, opt *Options) (*Link, error) {
	conn, err := net.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return NewLink(ctx, conn, opt)
}

// NewLink establishes a session over an already-connected conn.
//
// On error conn is closed. ctx covers only the handshake; the returned
// link lives until Close or a connection fault.
func NewLink(ctx context.Context, conn net.Conn, opt *Options) (*Link, error) {
	if opt == nil {
		opt = &Options{}
	}

	fc := newFrameConn(conn)
	h := &handshake{c: fc, opt: opt}

	unwatch := xio.CloseWhenDone(ctx, conn)
	err := h.run()
	unwatch()
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &LinkError{Addr: conn.RemoteAddr().String(), Op: "handshake", Err: err}
	}

	link := &Link{
		fc:  fc,
		opt: opt,

		globalId:     h.globalId,
		mode:         h.mode,
		compressAlgo: h.compressAlgo,
		peerIdent:    h.peerIdent,

		clientCookie: h.clientCookie,
		serverCookie: h.serverCookie,
		globalSeq:    h.globalSeq,
		connectSeq:   h.connectSeq,

		opTab:   make(map[uint64]*Op),
		txWake:  make(chan struct{}, 1),
		ackWake: make(chan struct{}, 1),
		outSeq:  h.outSeq,
		inSeq:   h.inSeq,
		lastRx:  time.Now().UnixNano(),
		down:    make(chan struct{}),
	}
	for _, m := range h.replay {
		link.txq = append(link.txq, &txItem{msg: m, preSeq: true})
	}

	link.serveWg.Add(2)
	go link.serveSend()
	go link.serveRecv()
	return link, nil
}

// GlobalId returns the global id the cluster assigned to us during
// authentication.
func (link *Link) GlobalId() uint64 { return link.globalId }

// Mode returns the negotiated connection mode.
func (link *Link) Mode() uint32 { return link.mode }

// Features returns the feature set shared with the peer, for encoding
// message payloads.
func (link *Link) Features() denc.Features {
	return denc.Features(featuresSupported & link.peerIdent.FeaturesSupported)
}

// LocalAddr returns the local address of the underlying connection.
func (link *Link) LocalAddr() net.Addr { return link.fc.conn.LocalAddr() }

// RemoteAddr returns the remote address of the underlying connection.
func (link *Link) RemoteAddr() net.Addr { return link.fc.conn.RemoteAddr() }

func (link *Link) String() string {
	return fmt.Sprintf("link %s - %s", link.LocalAddr(), link.RemoteAddr())
}

// err wraps e with the link context.
func (link *Link) err(op string, e error) error {
	return &LinkError{Addr: link.RemoteAddr().String(), Op: op, Err: e}
}

// cause tells why the link went down.
func (link *Link) cause() error {
	link.errMu.Lock()
	defer link.errMu.Unlock()
	if link.errDown != nil {
		return link.errDown
	}
	return ErrLinkDown
}

// shutdown brings the link down and resolves every pending operation
// with the reason.
func (link *Link) shutdown(reason error) {
	link.downOnce.Do(func() {
		link.errMu.Lock()
		link.errDown = reason
		link.errMu.Unlock()
		close(link.down)
		link.fc.conn.Close()

		link.opMu.Lock()
		for tid, op := range link.opTab {
			delete(link.opTab, tid)
			op.state = opDone
			op.err = link.err("request", reason)
			close(op.done)
		}
		link.opMu.Unlock()
	})
}

// Done returns a channel that is closed when the link goes down,
// whether by Close or by transport failure.
func (link *Link) Done() <-chan struct{} {
	return link.down
}

// Close shuts the link down. Pending operations resolve with
// ErrLinkClosed.
func (link *Link) Close() error {
	link.shutdown(ErrLinkClosed)
	link.serveWg.Wait()
	return nil
}

// State captures the resumable session state.
//
// It is meant to be called after the link went down; the result can be
// passed as Options.Resume when dialing the peer again to resume the
// session instead of starting over.
func (link *Link) State() *SessionState {
	link.txMu.Lock()
	sent := append([]*Message(nil), link.sentq...)
	link.txMu.Unlock()
	return &SessionState{
		ClientCookie: link.clientCookie,
		ServerCookie: link.serverCookie,
		GlobalSeq:    link.globalSeq,
		ConnectSeq:   link.connectSeq,
		InSeq:        atomic.LoadUint64(&link.inSeq),
		OutSeq:       atomic.LoadUint64(&link.outSeq),
		Unacked:      sent,
	}
}

// ---- submitting ----

// Submit queues msg for sending and returns the operation tracking its
// reply. It never blocks.
func (link *Link) Submit(msg *Message) *Op {
	return link.SubmitAttempt(msg, 0)
}

// SubmitAttempt is Submit with an explicit retry counter, for requests
// resent after a session change. Together with Options.ReplyAttempt it
// lets replies to superseded attempts be dropped.
func (link *Link) SubmitAttempt(msg *Message, attempt int) *Op {
	op := &Op{
		Msg:     msg,
		Attempt: attempt,
		link:    link,
		done:    make(chan struct{}),
	}

	link.opMu.Lock()
	link.nextTid++
	op.Tid = link.nextTid
	msg.Header.Tid = op.Tid
	link.opTab[op.Tid] = op
	link.opMu.Unlock()

	select {
	case <-link.down:
		link.resolve(op, nil, link.err("request", link.cause()))
		return op
	default:
	}

	link.txMu.Lock()
	link.txq = append(link.txq, &txItem{op: op, msg: msg})
	link.txMu.Unlock()
	poke(link.txWake)
	return op
}

// Notify queues msg for sending without tracking a reply.
func (link *Link) Notify(msg *Message) {
	link.txMu.Lock()
	link.txq = append(link.txq, &txItem{msg: msg})
	link.txMu.Unlock()
	poke(link.txWake)
}

// Wait blocks until the operation resolves: reply received, revoked, or
// link down.
func (op *Op) Wait(ctx context.Context) (*Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-op.done:
		return op.reply, op.err
	}
}

// Revoke tries to take the operation back before it hits the wire.
//
// true means the message was never transmitted and the op resolved with
// ErrRevoked; false means it is already on the wire (or resolved) and
// stays tracked.
func (op *Op) Revoke() bool {
	link := op.link
	link.opMu.Lock()
	if op.state != opQueued {
		link.opMu.Unlock()
		return false
	}
	op.state = opDone
	op.err = ErrRevoked
	delete(link.opTab, op.Tid)
	link.opMu.Unlock()
	close(op.done)
	// the txq entry stays; serveSend skips ops that left opQueued
	return true
}

// resolve completes op unless it is already done.
func (link *Link) resolve(op *Op, reply *Message, err error) {
	link.opMu.Lock()
	if op.state == opDone {
		link.opMu.Unlock()
		return
	}
	op.state = opDone
	op.reply = reply
	op.err = err
	delete(link.opTab, op.Tid)
	link.opMu.Unlock()
	close(op.done)
}

func poke(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// ---- serve loops ----

func (link *Link) popTx() *txItem {
	link.txMu.Lock()
	defer link.txMu.Unlock()
	if len(link.txq) == 0 {
		return nil
	}
	it := link.txq[0]
	link.txq = link.txq[1:]
	return it
}

// sendItem transmits one queue entry.
func (link *Link) sendItem(it *txItem) error {
	if it.ctl != nil {
		return link.fc.sendFrame(it.ctl)
	}

	if it.op != nil {
		link.opMu.Lock()
		if it.op.state != opQueued {
			// revoked while queued
			link.opMu.Unlock()
			return nil
		}
		it.op.state = opSent
		link.opMu.Unlock()
	}

	m := it.msg
	if !it.preSeq {
		m.Header.Seq = atomic.AddUint64(&link.outSeq, 1)
	}
	m.Header.AckSeq = atomic.LoadUint64(&link.inSeq)

	link.txMu.Lock()
	link.sentq = append(link.sentq, m)
	link.txMu.Unlock()

	return link.fc.sendFrame(m.pack())
}

func (link *Link) serveSend() {
	defer link.serveWg.Done()

	interval, timeout := link.opt.keepalive()
	var tickC <-chan time.Time
	if interval > 0 {
		tick := time.NewTicker(interval)
		defer tick.Stop()
		tickC = tick.C
	}

	for {
		for {
			it := link.popTx()
			if it == nil {
				break
			}
			if err := link.sendItem(it); err != nil {
				link.shutdown(link.err("send", err))
				return
			}
		}

		select {
		case <-link.down:
			return

		case <-link.txWake:
			// loop around and drain

		case <-link.ackWake:
			err := link.fc.sendCtl(TagAck, &ackFrame{Seq: atomic.LoadUint64(&link.inSeq)})
			if err != nil {
				link.shutdown(link.err("send", err))
				return
			}

		case <-tickC:
			if time.Since(time.Unix(0, atomic.LoadInt64(&link.lastRx))) > timeout {
				link.shutdown(link.err("keepalive", ErrLinkDown))
				return
			}
			err := link.fc.sendCtl(TagKeepalive2, &keepaliveFrame{T: denc.UtimeNow()})
			if err != nil {
				link.shutdown(link.err("send", err))
				return
			}
		}
	}
}

func (link *Link) serveRecv() {
	defer link.serveWg.Done()
	ctx := context.Background()

	for {
		f, err := link.fc.recvFrame()
		if err != nil {
			link.shutdown(link.err("recv", err))
			return
		}
		atomic.StoreInt64(&link.lastRx, time.Now().UnixNano())

		switch f.Tag {
		case TagMessage:
			msg, err := unpackMessage(f)
			if err != nil {
				link.shutdown(link.err("recv", err))
				return
			}
			atomic.StoreUint64(&link.inSeq, msg.Header.Seq)
			link.trimSent(msg.Header.AckSeq)
			link.deliver(ctx, msg)
			poke(link.ackWake)

		case TagAck:
			var a ackFrame
			if err := decodeCtl(f, &a); err != nil {
				link.shutdown(link.err("recv", err))
				return
			}
			link.trimSent(a.Seq)

		case TagKeepalive2:
			var k keepaliveFrame
			if err := decodeCtl(f, &k); err != nil {
				link.shutdown(link.err("recv", err))
				return
			}
			link.txMu.Lock()
			link.txq = append(link.txq, &txItem{
				ctl: &Frame{
					Tag:  TagKeepalive2Ack,
					Segs: [][]byte{denc.Encode(&k, frameFeatures)},
				},
			})
			link.txMu.Unlock()
			poke(link.txWake)

		case TagKeepalive2Ack:
			// any received frame already proved liveness above

		default:
			link.shutdown(link.err("recv", fmt.Errorf("unexpected frame %v", f.Tag)))
			return
		}
	}
}

// deliver routes a received message: to its op, or to OnMessage.
func (link *Link) deliver(ctx context.Context, msg *Message) {
	tid := msg.Header.Tid

	link.opMu.Lock()
	op := link.opTab[tid]
	if op != nil && link.opt.ReplyAttempt != nil {
		if attempt, ok := link.opt.ReplyAttempt(msg); ok && attempt != op.Attempt {
			link.opMu.Unlock()
			log.Infof(ctx, "%s: dropping stale reply for tid %d (attempt %d; current %d)",
				link, tid, attempt, op.Attempt)
			return
		}
	}
	if op != nil {
		op.state = opDone
		op.reply = msg
		delete(link.opTab, tid)
		link.opMu.Unlock()
		close(op.done)
		return
	}
	link.opMu.Unlock()

	if link.opt.OnMessage != nil {
		link.opt.OnMessage(msg)
	} else {
		log.Infof(ctx, "%s: dropping unexpected %s", link, msg)
	}
}

func (link *Link) trimSent(ackSeq uint64) {
	link.txMu.Lock()
	i := 0
	for i < len(link.sentq) && link.sentq[i].Header.Seq <= ackSeq {
		i++
	}
	link.sentq = link.sentq[i:]
	link.txMu.Unlock()
}
