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

import (
	"context"
	"net"
	"sort"
	"testing"
	"time"

	"github.com/pkg/errors"

	"lab.nexedi.com/kirr/gorados/cephconf"
	"lab.nexedi.com/kirr/gorados/cephmap"
	"lab.nexedi.com/kirr/gorados/denc"
	"lab.nexedi.com/kirr/gorados/msgr"
)

// fTest is a nautilus-era session feature set.
const fTest = denc.FeatureMaskServerNautilus |
	denc.FeatureMaskServerMimic |
	denc.FeatureMaskServerLuminous |
	denc.FeatureMaskNewOSDOpEncoding |
	denc.FeatureMaskMsgAddr2

func mustMons(t *testing.T, s string) []cephconf.Mon {
	t.Helper()
	monv, err := cephconf.ParseMonAddrs(s)
	if err != nil {
		t.Fatal(err)
	}
	return monv
}

func mkTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(&Options{
		Mons: mustMons(t, "v2:10.0.0.1:3300,v2:10.0.0.2:3300"),
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func mkaddr(typ uint32, ip string, port uint16) denc.EntityAddr {
	a := denc.EntityAddr{Type: typ}
	a.SetIPPort(net.ParseIP(ip), port)
	return a
}

func mkTestMonMap(t *testing.T, epoch uint32) *cephmap.MonMap {
	t.Helper()
	return &cephmap.MonMap{
		FSID:        mkfsid(t),
		Epoch:       epoch,
		LastChanged: denc.Utime{Sec: 1700000000},
		Created:     denc.Utime{Sec: 1600000000},
		Mons: map[string]*cephmap.MonInfo{
			"a": {
				Name: "a",
				PublicAddrs: denc.EntityAddrVec{Addrs: []denc.EntityAddr{
					mkaddr(denc.AddrTypeMsgr2, "10.0.0.9", 3300),
					mkaddr(denc.AddrTypeLegacy, "10.0.0.9", 6789),
				}},
				CrushLoc: map[string]string{},
			},
		},
		Ranks:         []string{"a"},
		MinMonRelease: cephmap.ReleaseSquid,
		Strategy:      cephmap.ElectConnectivity,
	}
}

func mkTestOSDMap(t *testing.T, epoch uint32) *cephmap.OSDMap {
	t.Helper()
	return &cephmap.OSDMap{
		FSID:     mkfsid(t),
		Epoch:    epoch,
		Created:  denc.Utime{Sec: 1600000000},
		Modified: denc.Utime{Sec: 1700000000},

		NearfullRatio:     0.85,
		FullRatio:         0.95,
		BackfillfullRatio: 0.90,

		RequireMinCompatClient: cephmap.ReleaseLuminous,
		RequireOSDRelease:      cephmap.ReleaseSquid,
	}
}

func TestNewClientNoMons(t *testing.T) {
	_, err := NewClient(&Options{})
	if err == nil {
		t.Errorf("NewClient without monitors did not fail")
	}
}

func TestHuntOrder(t *testing.T) {
	c := mkTestClient(t)

	addrv := c.huntOrder()
	sort.Strings(addrv)
	want := []string{"10.0.0.1:3300", "10.0.0.2:3300"}
	if len(addrv) != 2 || addrv[0] != want[0] || addrv[1] != want[1] {
		t.Errorf("bootstrap hunt order: %v; want %v", addrv, want)
	}

	// once a monmap is known its membership takes over
	c.monmap = mkTestMonMap(t, 3)
	addrv = c.huntOrder()
	if len(addrv) != 1 || addrv[0] != "10.0.0.9:3300" {
		t.Errorf("monmap hunt order: %v", addrv)
	}
}

func TestHuntDelay(t *testing.T) {
	c := mkTestClient(t)
	c.opt.HuntInterval = time.Second

	if d := c.huntDelay(); d != time.Second {
		t.Errorf("first delay: %s", d)
	}
	if d := c.huntDelay(); d != 1500*time.Millisecond {
		t.Errorf("second delay: %s", d)
	}
	for i := 0; i < 10; i++ {
		c.huntDelay()
	}
	if d := c.huntDelay(); d != 10*time.Second {
		t.Errorf("capped delay: %s", d)
	}

	// a successful session resets the backoff
	c.mlinkMu.Lock()
	c.backoff = 1
	c.mlinkMu.Unlock()
	if d := c.huntDelay(); d != time.Second {
		t.Errorf("delay after reset: %s", d)
	}
}

func TestIsLinkDown(t *testing.T) {
	testv := []struct {
		err  error
		want bool
	}{
		{msgr.ErrLinkDown, true},
		{msgr.ErrLinkClosed, true},
		{&msgr.LinkError{Addr: "a", Op: "request", Err: msgr.ErrLinkDown}, true},
		{&msgr.LinkError{Addr: "a", Op: "request",
			Err: &msgr.LinkError{Addr: "a", Op: "recv", Err: msgr.ErrLinkDown}}, true},
		{msgr.ErrRevoked, false},
		{errors.New("epipe"), false},
	}
	for _, tt := range testv {
		if got := isLinkDown(tt.err); got != tt.want {
			t.Errorf("isLinkDown(%v) = %v", tt.err, got)
		}
	}
}

func TestMonMapDispatch(t *testing.T) {
	c := mkTestClient(t)
	var seen []*cephmap.MonMap
	c.opt.OnMonMap = func(m *cephmap.MonMap) { seen = append(seen, m) }
	c.SubscribeMap("monmap", 0, 0)

	mlink := &msgr.Link{}
	deliver := func(epoch uint32) {
		blob := denc.Encode(mkTestMonMap(t, epoch), 0)
		msg := msgr.NewMessage(msgMonMap)
		msg.Front = denc.Encode(&MMonMap{Blob: blob}, 0)
		c.dispatch(mlink, msg)
	}

	deliver(7)
	mm := c.MonMap()
	if mm == nil || mm.Epoch != 7 {
		t.Fatalf("monmap after delivery: %v", mm)
	}
	if c.FSID() != mkfsid(t) {
		t.Errorf("fsid not adopted: %v", c.FSID())
	}
	if len(seen) != 1 {
		t.Fatalf("watcher called %d times", len(seen))
	}

	// stale epoch is dropped
	deliver(5)
	if c.MonMap().Epoch != 7 || len(seen) != 1 {
		t.Errorf("stale monmap accepted: e%d, %d notification(s)",
			c.MonMap().Epoch, len(seen))
	}

	// the subscription advanced past the received epoch
	c.subMu.Lock()
	start := c.sub.subNew["monmap"].Start
	c.subMu.Unlock()
	if start != 8 {
		t.Errorf("monmap subscription start: %d; want 8", start)
	}
}

func TestOSDMapDispatch(t *testing.T) {
	c := mkTestClient(t)
	var seen []*cephmap.OSDMap
	c.opt.OnOSDMap = func(m *cephmap.OSDMap) { seen = append(seen, m) }
	c.SubscribeMap("osdmap", 0, 0)

	full := denc.Encode(mkTestOSDMap(t, 5), 0)
	m := &MOSDMap{
		FSID:        mkfsid(t),
		Maps:        map[uint32][]byte{5: full},
		Incremental: map[uint32][]byte{},
		NewestMap:   5,
	}
	msg := msgr.NewMessage(msgOSDMap)
	msg.Front = denc.Encode(m, 0)
	c.dispatch(&msgr.Link{}, msg)

	om := c.OSDMap()
	if om == nil || om.Epoch != 5 {
		t.Fatalf("osdmap after delivery: %v", om)
	}
	if len(seen) != 1 {
		t.Errorf("watcher called %d times", len(seen))
	}

	// the advanced subscription went out on the spot
	c.subMu.Lock()
	start := c.sub.subSent["osdmap"].Start
	c.subMu.Unlock()
	if start != 6 {
		t.Errorf("osdmap subscription start: %d; want 6", start)
	}
}

func TestApplyOSDMaps(t *testing.T) {
	ctx := context.Background()
	fsid := mkfsid(t)

	full5 := denc.Encode(mkTestOSDMap(t, 5), fTest)
	inc6 := cephmap.NewIncremental(6)
	inc6.FSID = fsid
	inc6.Modified = denc.Utime{Sec: 1700000100}
	inc6.NewFlags = 3

	m := &MOSDMap{
		FSID:        fsid,
		Maps:        map[uint32][]byte{5: full5},
		Incremental: map[uint32][]byte{6: denc.Encode(inc6, fTest)},
		NewestMap:   6,
	}

	got := applyOSDMaps(ctx, nil, m, fTest)
	if got == nil || got.Epoch != 6 {
		t.Fatalf("applied map: %v", got)
	}
	if got.Flags != 3 {
		t.Errorf("flags after delta: %d; want 3", got.Flags)
	}

	// redelivery of already-known epochs leaves the map alone
	if again := applyOSDMaps(ctx, got, m, fTest); again != got {
		t.Errorf("stale delivery produced a new map")
	}

	// a delta without its base is skipped
	m2 := &MOSDMap{
		FSID:        fsid,
		Maps:        map[uint32][]byte{},
		Incremental: map[uint32][]byte{8: denc.Encode(inc6, fTest)},
	}
	if got2 := applyOSDMaps(ctx, got, m2, fTest); got2 != got {
		t.Errorf("orphan delta was applied")
	}
	if applyOSDMaps(ctx, nil, m2, fTest) != nil {
		t.Errorf("orphan delta produced a map from nothing")
	}
}

func TestSubscribeAckDispatch(t *testing.T) {
	c := mkTestClient(t)
	c.SubscribeMap("osdmap", 0, 0)
	c.subMu.Lock()
	c.sub.renewed(time.Now())
	c.subMu.Unlock()

	msg := msgr.NewMessage(msgMonSubscribeAck)
	msg.Front = denc.Encode(&MMonSubscribeAck{Interval: 60, FSID: mkfsid(t)}, 0)
	c.dispatch(&msgr.Link{}, msg)

	if c.FSID() != mkfsid(t) {
		t.Errorf("fsid not adopted from ack")
	}
	c.subMu.Lock()
	renewAfter := c.sub.renewAfter
	c.subMu.Unlock()
	if renewAfter.IsZero() {
		t.Errorf("ack did not schedule renewal")
	}
}

func TestConfigDispatch(t *testing.T) {
	c := mkTestClient(t)
	var seen []map[string]string
	c.opt.OnConfig = func(cfg map[string]string) { seen = append(seen, cfg) }

	msg := msgr.NewMessage(msgConfig)
	msg.Front = denc.Encode(&MConfig{Config: map[string]string{
		"rados_osd_op_timeout": "30",
	}}, 0)
	c.dispatch(&msgr.Link{}, msg)

	cfg := c.ClusterConfig()
	if cfg["rados_osd_op_timeout"] != "30" {
		t.Errorf("config: %v", cfg)
	}
	if len(seen) != 1 {
		t.Errorf("watcher called %d times", len(seen))
	}
}

func TestVersionReplyDispatch(t *testing.T) {
	c := mkTestClient(t)
	ch := make(chan verReply, 1)
	c.verMu.Lock()
	c.verTab[7] = ch
	c.verMu.Unlock()

	msg := msgr.NewMessage(msgMonGetVersionReply)
	msg.Front = denc.Encode(&MMonGetVersionReply{Tid: 7, Version: 42, Oldest: 11}, 0)
	c.dispatch(&msgr.Link{}, msg)

	select {
	case r := <-ch:
		if r.version != 42 || r.oldest != 11 {
			t.Errorf("reply: %+v", r)
		}
	default:
		t.Fatalf("reply not delivered")
	}

	// a reply with no waiter is dropped
	msg.Front = denc.Encode(&MMonGetVersionReply{Tid: 99, Version: 1}, 0)
	c.dispatch(&msgr.Link{}, msg)
}
