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

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func dialTestLink(t *testing.T, s *srv, opt *Options, andThen func() error) (*Link, chan error) {
	t.Helper()
	errch := startSrv(s, andThen)
	link, err := NewLink(context.Background(), s.cliConn, opt)
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	return link, errch
}

// mkSrv makes a scripted server over a fresh pipe and remembers the
// client end in cliConn.
func mkSrv() *srv {
	c1, c2 := net.Pipe()
	s := newSrv(c2)
	s.cliConn = c1
	return s
}

func TestLinkRequestReply(t *testing.T) {
	s := mkSrv()
	link, errch := dialTestLink(t, s, nil, func() error { return s.echo(3) })

	ctx := context.Background()
	var opv []*Op
	for i := 0; i < 3; i++ {
		msg := NewMessage(100)
		msg.Front = []byte(fmt.Sprintf("request %d", i))
		opv = append(opv, link.Submit(msg))
	}

	for i, op := range opv {
		reply, err := op.Wait(ctx)
		if err != nil {
			t.Fatalf("op %d: %s", i, err)
		}
		if reply.Header.Tid != op.Tid {
			t.Errorf("op %d: reply tid %d; want %d", i, reply.Header.Tid, op.Tid)
		}
		want := fmt.Sprintf("request %d", i)
		if string(reply.Front) != want {
			t.Errorf("op %d: reply front %q; want %q", i, reply.Front, want)
		}
	}

	link.Close()
	xwait(t, errch)
}

func TestLinkRevoke(t *testing.T) {
	s := mkSrv()
	start := make(chan struct{})
	link, errch := dialTestLink(t, s, nil, func() error {
		<-start
		return s.echo(1)
	})

	// the server is not reading: op1 blocks in transit, op2 stays queued
	op1 := link.Submit(NewMessage(100))
	op2 := link.Submit(NewMessage(101))

	if !op2.Revoke() {
		t.Fatalf("revoking a queued op failed")
	}
	if _, err := op2.Wait(context.Background()); !errors.Is(err, ErrRevoked) {
		t.Fatalf("revoked op resolved with %v; want ErrRevoked", err)
	}

	close(start)
	reply, err := op1.Wait(context.Background())
	if err != nil {
		t.Fatalf("op1: %s", err)
	}
	if reply.Header.Tid != op1.Tid {
		t.Errorf("op1: reply tid %d; want %d", reply.Header.Tid, op1.Tid)
	}
	if op1.Revoke() {
		t.Errorf("revoking a resolved op succeeded")
	}

	link.Close()
	xwait(t, errch)
}

func TestLinkDown(t *testing.T) {
	s := mkSrv()
	link, errch := dialTestLink(t, s, nil, func() error {
		// swallow one message, then drop the connection
		if _, err := s.c.recvFrame(); err != nil {
			return err
		}
		return s.c.conn.Close()
	})

	op := link.Submit(NewMessage(100))
	_, err := op.Wait(context.Background())
	if err == nil {
		t.Fatalf("op resolved without error on link down")
	}
	var le *LinkError
	if !errors.As(err, &le) {
		t.Fatalf("op error %T (%s); want LinkError", err, err)
	}
	xwait(t, errch)

	// submissions after the fault resolve immediately
	op = link.Submit(NewMessage(101))
	if _, err := op.Wait(context.Background()); err == nil {
		t.Fatalf("submit on downed link did not error")
	}
	link.Close()
}

func TestLinkStaleReply(t *testing.T) {
	s := mkSrv()

	// replies carry their attempt counter in the first front byte
	link, errch := dialTestLink(t, s, &Options{
		ReplyAttempt: func(m *Message) (int, bool) {
			if len(m.Front) == 0 {
				return 0, false
			}
			return int(m.Front[0]), true
		},
	}, func() error {
		f, err := s.c.recvFrame()
		if err != nil {
			return err
		}
		m, err := unpackMessage(f)
		if err != nil {
			return err
		}
		// first a reply from a superseded attempt, then the real one
		for i, attempt := range []byte{0, 1} {
			r := NewMessage(m.Header.Type)
			r.Header.Tid = m.Header.Tid
			r.Header.Seq = uint64(i + 1)
			r.Front = []byte{attempt, 'r'}
			if err := s.c.sendFrame(r.pack()); err != nil {
				return err
			}
		}
		s.drain()
		return nil
	})

	op := link.SubmitAttempt(NewMessage(100), 1)
	reply, err := op.Wait(context.Background())
	if err != nil {
		t.Fatalf("op: %s", err)
	}
	if len(reply.Front) != 2 || reply.Front[0] != 1 {
		t.Errorf("got stale reply %q", reply.Front)
	}

	link.Close()
	xwait(t, errch)
}

func TestLinkKeepalive(t *testing.T) {
	s := mkSrv()

	// server answers keepalives: the link stays up
	link, errch := dialTestLink(t, s, &Options{
		KeepaliveInterval: 10 * time.Millisecond,
	}, func() error { return s.echo(1) })

	time.Sleep(100 * time.Millisecond)
	reply, err := link.Submit(NewMessage(100)).Wait(context.Background())
	if err != nil {
		t.Fatalf("link died under answered keepalive: %s", err)
	}
	_ = reply
	link.Close()
	xwait(t, errch)

	// mute server: the link must detect the dead peer and go down
	s = mkSrv()
	link, errch = dialTestLink(t, s, &Options{
		KeepaliveInterval: 10 * time.Millisecond,
		KeepaliveTimeout:  50 * time.Millisecond,
	}, func() error {
		s.drain() // reads everything, answers nothing
		return nil
	})

	op := link.Submit(NewMessage(100))
	t0 := time.Now()
	_, err = op.Wait(context.Background())
	if err == nil {
		t.Fatalf("op resolved without error on dead peer")
	}
	if d := time.Since(t0); d > 3*time.Second {
		t.Errorf("keepalive timeout took %s", d)
	}
	link.Close()
	xwait(t, errch)
}

func TestLinkResume(t *testing.T) {
	s := mkSrv()
	link, errch := dialTestLink(t, s, nil, func() error {
		// receive the message but neither ack nor reply, then die
		f, err := s.c.recvFrame()
		if err != nil {
			return err
		}
		if f.Tag != TagMessage {
			return fmt.Errorf("srv: unexpected %v", f.Tag)
		}
		return s.c.conn.Close()
	})

	msg := NewMessage(100)
	msg.Front = []byte("retransmit me")
	op := link.Submit(msg)
	if _, err := op.Wait(context.Background()); err == nil {
		t.Fatalf("op survived connection loss")
	}
	xwait(t, errch)
	link.Close()

	state := link.State()
	if state.ServerCookie != s.cookie {
		t.Fatalf("state server cookie %d; want %d", state.ServerCookie, s.cookie)
	}
	if len(state.Unacked) != 1 || state.Unacked[0].Header.Seq != 1 {
		t.Fatalf("unacked: %v", state.Unacked)
	}

	// resume on a fresh connection; the server saw nothing, so the
	// message must be retransmitted with its original seq
	s2 := mkSrv()
	s2.expectReconnect = true
	s2.reconnectMsgSeq = 0

	replayed := make(chan *Message, 1)
	link2, errch2 := dialTestLink(t, s2, &Options{
		Resume: state,
		OnMessage: func(m *Message) {
			select {
			case replayed <- m:
			default:
			}
		},
	}, func() error {
		f, err := s2.c.recvFrame()
		if err != nil {
			return err
		}
		m, err := unpackMessage(f)
		if err != nil {
			return err
		}
		if m.Header.Seq != 1 || !bytes.Equal(m.Front, msg.Front) {
			return fmt.Errorf("srv: replayed %s seq %d", m, m.Header.Seq)
		}
		// answer it; the old op is gone, so it goes to OnMessage
		r := NewMessage(200)
		r.Header.Tid = m.Header.Tid
		r.Header.Seq = 1
		r.Front = []byte("late answer")
		if err := s2.c.sendFrame(r.pack()); err != nil {
			return err
		}
		s2.drain()
		return nil
	})

	select {
	case m := <-replayed:
		if string(m.Front) != "late answer" {
			t.Errorf("unexpected delivery %s", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("replayed message was never answered")
	}

	link2.Close()
	xwait(t, errch2)

	if s2.gotReconnect.ClientCookie != state.ClientCookie {
		t.Errorf("reconnect client cookie %d; want %d",
			s2.gotReconnect.ClientCookie, state.ClientCookie)
	}
	if s2.gotReconnect.ServerCookie != s.cookie {
		t.Errorf("reconnect server cookie %d; want %d",
			s2.gotReconnect.ServerCookie, s.cookie)
	}
}
