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

// Package monclient maintains a client session with the monitor
// cluster.
//
// A Client hunts for a reachable monitor, authenticates, keeps map
// subscriptions renewed across reconnects, renews cephx tickets in the
// background, and tracks the monitor and osd maps the cluster pushes.
// On top of the session it exposes monitor commands, map version
// queries and pool operations.
package monclient

import (
	"context"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"lab.nexedi.com/kirr/go123/xnet"

	"lab.nexedi.com/kirr/gorados/cephconf"
	"lab.nexedi.com/kirr/gorados/cephmap"
	"lab.nexedi.com/kirr/gorados/cephx"
	"lab.nexedi.com/kirr/gorados/denc"
	"lab.nexedi.com/kirr/gorados/internal/log"
	"lab.nexedi.com/kirr/gorados/internal/task"
	"lab.nexedi.com/kirr/gorados/internal/xio"
	"lab.nexedi.com/kirr/gorados/msgr"
)

const (
	huntBackoff    = 1.5  // hunt delay multiplier after a failed round
	huntBackoffMax = 10.0 // cap on the accumulated multiplier
)

// Options tells NewClient how to reach and authenticate with the
// monitor cluster.
type Options struct {
	// Mons lists the monitors to hunt among initially; once a monmap
	// arrives its membership takes over.
	Mons []cephconf.Mon

	// Entity is who we authenticate as. Default: client.admin.
	Entity string

	// Secret is the long-term key of Entity; nil runs AUTH_NONE.
	Secret *cephx.Secret

	// KeyringPath, when set, is watched for changes and the secret
	// for Entity reloaded on rotation.
	KeyringPath string

	// Net is the network access point. Default: plain TCP.
	Net xnet.Networker

	// Compression offers on-wire compression to the monitors.
	Compression bool

	// ConnectTimeout bounds one connection attempt. Default 30s.
	ConnectTimeout time.Duration

	// HuntInterval is the base delay between hunt rounds; each failed
	// round scales it by a growing backoff multiplier. Default 3s.
	HuntInterval time.Duration

	// HuntParallel is how many monitors one hunt round dials at once,
	// first established session winning. Default 1.
	HuntParallel int

	// TickInterval drives subscription and ticket renewal checks.
	// Default 10s.
	TickInterval time.Duration

	// OnMonMap, OnOSDMap and OnConfig, when set, are called whenever
	// a newer map or an updated cluster configuration arrives. Called
	// with no internal lock held.
	OnMonMap func(*cephmap.MonMap)
	OnOSDMap func(*cephmap.OSDMap)
	OnConfig func(map[string]string)
}

func (opt *Options) entity() string {
	if opt.Entity != "" {
		return opt.Entity
	}
	return "client.admin"
}

func (opt *Options) net() xnet.Networker {
	if opt.Net != nil {
		return opt.Net
	}
	return xnet.NetPlain("tcp")
}

func (opt *Options) connectTimeout() time.Duration {
	if opt.ConnectTimeout != 0 {
		return opt.ConnectTimeout
	}
	return 30 * time.Second
}

func (opt *Options) huntInterval() time.Duration {
	if opt.HuntInterval != 0 {
		return opt.HuntInterval
	}
	return 3 * time.Second
}

func (opt *Options) huntParallel() int {
	if opt.HuntParallel > 0 {
		return opt.HuntParallel
	}
	return 1
}

func (opt *Options) tickInterval() time.Duration {
	if opt.TickInterval != 0 {
		return opt.TickInterval
	}
	return 10 * time.Second
}

// Client is a session with the monitor cluster.
//
// Run maintains the session; the other methods can be used from any
// goroutine and wait for the session to be up as needed. One Client is
// shared between connections: service links draw authorizers from
// Auth().
type Client struct {
	opt  Options
	auth *cephx.Client // nil for AUTH_NONE

	// link to the current monitor; established and maintained by Run.
	// users retrieve it via monLink().
	mlinkMu    sync.Mutex
	mlink      *msgr.Link
	mlinkReady chan struct{} // reinitialized at each hunt cycle
	backoff    float64

	subMu sync.Mutex
	sub   *monSub

	// pending get_version requests; the reply identifies itself only
	// by the tid inside its payload.
	verMu  sync.Mutex
	verTab map[uint64]chan verReply
	verTid uint64

	stateMu sync.Mutex
	fsid    denc.UUID
	monmap  *cephmap.MonMap
	osdmap  *cephmap.OSDMap
	config  map[string]string
}

type verReply struct {
	version uint64
	oldest  uint64
}

// NewClient makes a Client talking to the monitors from opt.
//
// The client does nothing until Run is started.
func NewClient(opt *Options) (*Client, error) {
	if len(opt.Mons) == 0 {
		return nil, errors.New("monclient: no monitors")
	}
	c := &Client{
		opt:        *opt,
		mlinkReady: make(chan struct{}),
		backoff:    1,
		sub:        newMonSub(),
		verTab:     make(map[uint64]chan verReply),
	}
	if opt.Secret != nil {
		name, err := cephx.ParseName(c.opt.entity())
		if err != nil {
			return nil, errors.WithMessage(err, "monclient")
		}
		c.auth = cephx.NewClient(name, opt.Secret)
	}
	return c, nil
}

// NewClientFromConfig builds a Client from ceph.conf style
// configuration: monitors from "mon host", entity from "name", the
// secret from the keyring, which is also watched for rotation.
func NewClientFromConfig(cfg *cephconf.Config) (*Client, error) {
	mons, err := cfg.MonAddrs()
	if err != nil {
		return nil, errors.WithMessage(err, "monclient")
	}
	opt := Options{
		Mons:   mons,
		Entity: cfg.EntityName(),
	}
	if path, ok := cfg.KeyringPath(); ok {
		kr, err := cephconf.LoadKeyring(path)
		if err != nil {
			return nil, errors.WithMessage(err, "monclient")
		}
		secret, err := kr.KeyFor(opt.Entity)
		if err != nil {
			return nil, errors.WithMessage(err, "monclient")
		}
		opt.Secret = secret
		opt.KeyringPath = path
	}
	return NewClient(&opt)
}

// Auth returns the shared cephx handle service connections should draw
// authorizers from; nil when running AUTH_NONE.
func (c *Client) Auth() *cephx.Client {
	return c.auth
}

// GlobalId returns the id the cluster assigned us, 0 before
// authentication.
func (c *Client) GlobalId() uint64 {
	if c.auth == nil {
		return 0
	}
	return c.auth.GlobalId()
}

// FSID returns the cluster id, zero before the first monmap or
// subscription ack.
func (c *Client) FSID() denc.UUID {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.fsid
}

// MonMap returns the last monitor map received, nil before the first.
func (c *Client) MonMap() *cephmap.MonMap {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.monmap
}

// OSDMap returns the last osd map received, nil before the first.
func (c *Client) OSDMap() *cephmap.OSDMap {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.osdmap
}

// ClusterConfig returns the configuration the monitors pushed, nil
// before the first MConfig. The returned map is replaced wholesale on
// update and must be treated read-only.
func (c *Client) ClusterConfig() map[string]string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.config
}

func (c *Client) osdEpoch() uint64 {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.osdmap == nil {
		return 0
	}
	return uint64(c.osdmap.Epoch)
}

// ---- session maintenance ----

// Run hunts for a monitor and keeps the session alive until ctx is
// cancelled. It always returns a non-nil error.
func (c *Client) Run(ctx context.Context) (err error) {
	defer task.Running(&ctx, "monc")(&err)

	wg, ctx := errgroup.WithContext(ctx)
	if c.opt.KeyringPath != "" && c.auth != nil {
		wg.Go(func() error {
			return c.watchKeyring(ctx)
		})
	}
	wg.Go(func() error {
		return c.talkMon(ctx)
	})
	return wg.Wait()
}

// WaitSession blocks until a monitor session is established.
func (c *Client) WaitSession(ctx context.Context) error {
	_, err := c.monLink(ctx, nil)
	return err
}

// monLink returns the link to the current monitor, waiting for the
// hunt to establish one. old, when non-nil, is a link the caller saw
// fail; monLink then waits for a fresh session.
func (c *Client) monLink(ctx context.Context, old *msgr.Link) (*msgr.Link, error) {
	for {
		c.mlinkMu.Lock()
		mlink := c.mlink
		ready := c.mlinkReady
		c.mlinkMu.Unlock()

		if mlink != nil && mlink != old {
			return mlink, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-ready:
			// ok - relock and recheck
		}
	}
}

// talkMon connects to a monitor and keeps the session alive,
// rehunting with backoff as needed.
func (c *Client) talkMon(ctx context.Context) (err error) {
	defer task.Running(&ctx, "talk mon")(&err)

	for {
		err := c.talkMon1(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warning(ctx, err)

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-time.After(c.huntDelay()):
			// rehunt
		}
	}
}

// huntDelay returns the delay before the next hunt round and raises
// the backoff for the one after.
func (c *Client) huntDelay() time.Duration {
	c.mlinkMu.Lock()
	defer c.mlinkMu.Unlock()
	d := time.Duration(float64(c.opt.huntInterval()) * c.backoff)
	c.backoff *= huntBackoff
	if c.backoff > huntBackoffMax {
		c.backoff = huntBackoffMax
	}
	return d
}

func (c *Client) talkMon1(ctx context.Context) (err error) {
	mlink, err := c.hunt(ctx)
	if err != nil {
		return err
	}

	// session established - publish the link, reset hunt backoff and
	// notify monLink waiters.
	c.mlinkMu.Lock()
	c.mlink = mlink
	c.backoff = 1
	ready := c.mlinkReady
	c.mlinkReady = make(chan struct{})
	c.mlinkMu.Unlock()
	close(ready)

	defer func() {
		c.mlinkMu.Lock()
		c.mlink = nil
		c.mlinkMu.Unlock()
	}()

	wg, ctx := errgroup.WithContext(ctx)
	defer xio.CloseWhenDone(ctx, mlink)()

	wg.Go(func() error {
		return c.serveMon(ctx, mlink)
	})
	return wg.Wait()
}

// hunt tries monitors in randomized order, HuntParallel at a time, and
// returns the first session established.
func (c *Client) hunt(ctx context.Context) (mlink *msgr.Link, err error) {
	defer task.Running(&ctx, "hunt")(&err)

	addrv := c.huntOrder()
	if len(addrv) == 0 {
		return nil, errors.New("no monitor with a usable v2 address")
	}

	par := c.opt.huntParallel()
	for i := 0; i < len(addrv); i += par {
		j := i + par
		if j > len(addrv) {
			j = len(addrv)
		}
		mlink, err = c.dialAny(ctx, addrv[i:j])
		if err == nil {
			return mlink, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warningf(ctx, "monc: %s", err)
	}
	return nil, err
}

// huntOrder returns candidate monitor v2 addresses shuffled. The
// current monmap, once received, overrides the bootstrap list.
func (c *Client) huntOrder() []string {
	c.stateMu.Lock()
	monmap := c.monmap
	c.stateMu.Unlock()

	var addrv []string
	if monmap != nil {
		for _, mi := range monmap.Mons {
			for _, a := range mi.PublicAddrs.Addrs {
				if a.Type != denc.AddrTypeMsgr2 {
					continue
				}
				if hp, err := a.HostPort(); err == nil {
					addrv = append(addrv, hp)
				}
			}
		}
	}
	if len(addrv) == 0 {
		for _, mon := range c.opt.Mons {
			if a, ok := mon.V2(); ok {
				addrv = append(addrv, a.HostPort())
			}
		}
	}
	rand.Shuffle(len(addrv), func(i, j int) {
		addrv[i], addrv[j] = addrv[j], addrv[i]
	})
	return addrv
}

// dialAny dials addrv concurrently; the first established session
// wins and the rest are closed.
func (c *Client) dialAny(ctx context.Context, addrv []string) (*msgr.Link, error) {
	dctx, cancel := context.WithTimeout(ctx, c.opt.connectTimeout())
	defer cancel()

	type result struct {
		mlink *msgr.Link
		err   error
	}
	resc := make(chan result, len(addrv))
	for _, addr := range addrv {
		addr := addr
		go func() {
			mlink, err := c.dialMon(dctx, addr)
			resc <- result{mlink, err}
		}()
	}

	var firstErr error
	for i := 0; i < len(addrv); i++ {
		res := <-resc
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		// drop the attempts still in flight
		cancel()
		go func(n int) {
			for j := 0; j < n; j++ {
				if r := <-resc; r.err == nil {
					r.mlink.Close()
				}
			}
		}(len(addrv) - i - 1)
		return res.mlink, nil
	}
	return nil, firstErr
}

// linkHolder hands the link to the dispatch closure which is wired
// before DialLink returns it.
type linkHolder struct {
	ready chan struct{}
	link  *msgr.Link
}

func (lh *linkHolder) set(link *msgr.Link) {
	lh.link = link
	close(lh.ready)
}

func (lh *linkHolder) get() *msgr.Link {
	<-lh.ready
	return lh.link
}

func (c *Client) dialMon(ctx context.Context, addr string) (*msgr.Link, error) {
	lh := &linkHolder{ready: make(chan struct{})}
	opt := &msgr.Options{
		EntityType:  denc.EntityTypeClient,
		Compression: c.opt.Compression,
		OnMessage: func(msg *msgr.Message) {
			c.dispatch(lh.get(), msg)
		},
	}
	if c.auth != nil {
		opt.Auth = c.auth
	}
	mlink, err := msgr.DialLink(ctx, c.opt.net(), addr, opt)
	if err != nil {
		return nil, err
	}
	lh.set(mlink)
	return mlink, nil
}

// serveMon runs one established session: initial subscription round,
// then periodic renewal checks until the link goes down.
func (c *Client) serveMon(ctx context.Context, mlink *msgr.Link) (err error) {
	defer task.Runningf(&ctx, "mon %s", mlink.RemoteAddr())(&err)

	// resend what the previous session was subscribed to
	c.subMu.Lock()
	c.sub.reload()
	c.subMu.Unlock()
	c.sendSubscribe(mlink)

	tick := time.NewTicker(c.opt.tickInterval())
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-mlink.Done():
			return errors.WithMessage(msgr.ErrLinkDown, "mon session")

		case <-tick.C:
			c.tick(ctx, mlink)
		}
	}
}

// tick runs the periodic renewals on the live session.
func (c *Client) tick(ctx context.Context, mlink *msgr.Link) {
	c.subMu.Lock()
	if c.sub.needRenew(time.Now()) {
		c.sub.reload()
	}
	c.subMu.Unlock()
	c.sendSubscribe(mlink)

	c.renewTickets(ctx, mlink)
}

// sendSubscribe sends the pending subscriptions, if any.
func (c *Client) sendSubscribe(mlink *msgr.Link) {
	c.subMu.Lock()
	var m *MMonSubscribe
	if c.sub.haveNew() {
		m = &MMonSubscribe{What: c.sub.pending(), Hostname: hostname}
		c.sub.renewed(time.Now())
	}
	c.subMu.Unlock()

	if m != nil {
		mlink.Notify(newMsg(msgMonSubscribe, 3, 2, m))
	}
}

// renewTickets requests fresh tickets for every service whose ticket
// entered its renewal window.
func (c *Client) renewTickets(ctx context.Context, mlink *msgr.Link) {
	if c.auth == nil {
		return
	}

	var keys uint32
	for _, svc := range []denc.EntityType{
		denc.EntityTypeAuth,
		denc.EntityTypeMon,
		denc.EntityTypeOSD,
		denc.EntityTypeMgr,
		denc.EntityTypeMDS,
	} {
		if t := c.auth.Ticket(svc); t != nil && t.NeedRenewal() {
			keys |= uint32(svc)
		}
	}
	if keys == 0 {
		return
	}

	payload, err := c.auth.BuildTicketRenewal(keys)
	if err != nil {
		log.Errorf(ctx, "monc: ticket renewal: %s", err)
		return
	}
	m := &MAuth{Protocol: msgr.AuthCephX, Payload: payload}
	c.stateMu.Lock()
	if c.monmap != nil {
		m.MonmapEpoch = c.monmap.Epoch
	}
	c.stateMu.Unlock()
	mlink.Notify(newMsg(msgAuth, 1, 1, m))
}

// watchKeyring follows keyring file rotation and reloads our secret.
func (c *Client) watchKeyring(ctx context.Context) (err error) {
	defer task.Runningf(&ctx, "watch keyring %s", c.opt.KeyringPath)(&err)

	watch, err := cephconf.WatchKeyring(ctx, c.opt.KeyringPath)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case kr, ok := <-watch:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("keyring watch terminated")
			}
			secret, err := kr.KeyFor(c.opt.entity())
			if err != nil {
				log.Warningf(ctx, "monc: keyring update: %s", err)
				continue
			}
			c.auth.SetSecret(secret)
			log.Infof(ctx, "monc: reloaded secret for %s", c.opt.entity())
		}
	}
}

// ---- inbound dispatch ----

// dispatch handles messages that did not resolve a tracked operation.
func (c *Client) dispatch(mlink *msgr.Link, msg *msgr.Message) {
	ctx := context.Background()
	switch msg.Header.Type {
	case msgPing:
		mlink.Notify(msgr.NewMessage(msgPingAck))

	case msgMonMap:
		c.handleMonMap(ctx, mlink, msg)

	case msgOSDMap:
		c.handleOSDMap(ctx, mlink, msg)

	case msgMonSubscribeAck:
		c.handleSubscribeAck(ctx, msg)

	case msgConfig:
		c.handleConfig(ctx, msg)

	case msgMonGetVersionReply:
		c.handleVersionReply(ctx, msg)

	case msgAuthReply:
		c.handleAuthReply(ctx, mlink, msg)

	default:
		log.Infof(ctx, "monc: %s: message type %d ignored",
			mlink.RemoteAddr(), msg.Header.Type)
	}
}

func (c *Client) handleMonMap(ctx context.Context, mlink *msgr.Link, msg *msgr.Message) {
	var mm MMonMap
	if _, err := denc.Decode(&mm, 0, msg.Front); err != nil {
		log.Errorf(ctx, "monc: monmap: %s", err)
		return
	}
	monmap := &cephmap.MonMap{}
	if _, err := denc.Decode(monmap, mlink.Features(), mm.Blob); err != nil {
		log.Errorf(ctx, "monc: monmap: %s", err)
		return
	}

	c.stateMu.Lock()
	if c.monmap != nil && monmap.Epoch <= c.monmap.Epoch {
		c.stateMu.Unlock()
		return
	}
	c.monmap = monmap
	c.fsid = monmap.FSID
	c.stateMu.Unlock()

	c.subMu.Lock()
	c.sub.got("monmap", uint64(monmap.Epoch))
	c.subMu.Unlock()

	log.Infof(ctx, "monc: monmap e%d with %d mon(s)", monmap.Epoch, len(monmap.Mons))
	if f := c.opt.OnMonMap; f != nil {
		f(monmap)
	}
}

func (c *Client) handleOSDMap(ctx context.Context, mlink *msgr.Link, msg *msgr.Message) {
	var m MOSDMap
	if _, err := denc.Decode(&m, 0, msg.Front); err != nil {
		log.Errorf(ctx, "monc: osdmap: %s", err)
		return
	}

	f := mlink.Features()
	c.stateMu.Lock()
	cur := c.osdmap
	cur = applyOSDMaps(ctx, cur, &m, f)
	changed := cur != c.osdmap && cur != nil
	if changed {
		c.osdmap = cur
	}
	c.stateMu.Unlock()

	if !changed {
		return
	}

	c.subMu.Lock()
	c.sub.got("osdmap", uint64(cur.Epoch))
	// the message may have been trimmed short of what the cluster has
	if m.NewestMap > cur.Epoch {
		c.sub.incWant("osdmap", uint64(cur.Epoch)+1, 0)
	}
	c.subMu.Unlock()
	c.sendSubscribe(mlink)

	log.Infof(ctx, "monc: osdmap e%d", cur.Epoch)
	if fn := c.opt.OnOSDMap; fn != nil {
		fn(cur)
	}
}

// applyOSDMaps folds the full maps and incremental deltas of m, in
// epoch order, on top of cur. Epochs at or below cur are skipped.
func applyOSDMaps(ctx context.Context, cur *cephmap.OSDMap, m *MOSDMap, f denc.Features) *cephmap.OSDMap {
	var epochv []uint32
	for e := range m.Maps {
		epochv = append(epochv, e)
	}
	for e := range m.Incremental {
		if _, ok := m.Maps[e]; !ok {
			epochv = append(epochv, e)
		}
	}
	sort.Slice(epochv, func(i, j int) bool { return epochv[i] < epochv[j] })

	for _, e := range epochv {
		if cur != nil && e <= cur.Epoch {
			continue
		}
		if blob, ok := m.Maps[e]; ok {
			next := &cephmap.OSDMap{}
			if _, err := denc.Decode(next, f, blob); err != nil {
				log.Errorf(ctx, "monc: osdmap e%d: %s", e, err)
				break
			}
			cur = next
			continue
		}
		if cur == nil || e != cur.Epoch+1 {
			// an incremental is useless without its base
			continue
		}
		var inc cephmap.Incremental
		if _, err := denc.Decode(&inc, f, m.Incremental[e]); err != nil {
			log.Errorf(ctx, "monc: osdmap delta e%d: %s", e, err)
			break
		}
		// apply on a copy so previously handed out maps stay intact
		next := &cephmap.OSDMap{}
		if _, err := denc.Decode(next, f, denc.Encode(cur, f)); err != nil {
			log.Errorf(ctx, "monc: osdmap clone e%d: %s", cur.Epoch, err)
			break
		}
		if err := inc.Apply(next, f); err != nil {
			log.Errorf(ctx, "monc: osdmap apply e%d: %s", e, err)
			break
		}
		cur = next
	}
	return cur
}

func (c *Client) handleSubscribeAck(ctx context.Context, msg *msgr.Message) {
	var ack MMonSubscribeAck
	if _, err := denc.Decode(&ack, 0, msg.Front); err != nil {
		log.Errorf(ctx, "monc: subscribe ack: %s", err)
		return
	}

	c.stateMu.Lock()
	if c.fsid.IsZero() {
		c.fsid = ack.FSID
	}
	c.stateMu.Unlock()

	c.subMu.Lock()
	c.sub.acked(time.Duration(ack.Interval) * time.Second)
	c.subMu.Unlock()
}

func (c *Client) handleConfig(ctx context.Context, msg *msgr.Message) {
	var m MConfig
	if _, err := denc.Decode(&m, 0, msg.Front); err != nil {
		log.Errorf(ctx, "monc: config: %s", err)
		return
	}

	c.stateMu.Lock()
	c.config = m.Config
	c.stateMu.Unlock()

	log.Infof(ctx, "monc: config with %d option(s)", len(m.Config))
	if f := c.opt.OnConfig; f != nil {
		f(m.Config)
	}
}

func (c *Client) handleVersionReply(ctx context.Context, msg *msgr.Message) {
	var m MMonGetVersionReply
	if _, err := denc.Decode(&m, 0, msg.Front); err != nil {
		log.Errorf(ctx, "monc: get version reply: %s", err)
		return
	}

	c.verMu.Lock()
	ch := c.verTab[m.Tid]
	delete(c.verTab, m.Tid)
	c.verMu.Unlock()

	if ch == nil {
		log.Infof(ctx, "monc: get version reply with unknown tid %d", m.Tid)
		return
	}
	ch <- verReply{version: m.Version, oldest: m.Oldest}
}

func (c *Client) handleAuthReply(ctx context.Context, mlink *msgr.Link, msg *msgr.Message) {
	var m MAuthReply
	if _, err := denc.Decode(&m, 0, msg.Front); err != nil {
		log.Errorf(ctx, "monc: auth reply: %s", err)
		return
	}
	if m.Result != 0 {
		log.Errorf(ctx, "monc: auth: rc=%d %s", m.Result, m.ResultMsg)
		return
	}
	if c.auth == nil {
		return
	}
	if _, err := c.auth.HandleReply(m.Payload, mlink.GlobalId(), mlink.Mode()); err != nil {
		log.Errorf(ctx, "monc: auth: %s", err)
	}
}

// ---- operations ----

// SubscribeMap registers interest in a map stream - "monmap",
// "osdmap", "config", ... - starting at version start. flags can carry
// SubOnetime. The subscription is sent on the live session and resent
// after every reconnect.
func (c *Client) SubscribeMap(what string, start uint64, flags uint8) {
	c.subMu.Lock()
	changed := c.sub.want(what, start, flags)
	c.subMu.Unlock()
	if !changed {
		return
	}

	c.mlinkMu.Lock()
	mlink := c.mlink
	c.mlinkMu.Unlock()
	if mlink != nil {
		c.sendSubscribe(mlink)
	}
}

// UnsubscribeMap withdraws interest in a map stream. The monitor side
// forgets it on the next renewal round.
func (c *Client) UnsubscribeMap(what string) {
	c.subMu.Lock()
	c.sub.unwant(what)
	c.subMu.Unlock()
}

// isLinkDown tells whether err means the session was lost, as opposed
// to the operation itself failing.
func isLinkDown(err error) bool {
	for {
		e, ok := err.(*msgr.LinkError)
		if !ok {
			break
		}
		err = e.Err
	}
	return err == msgr.ErrLinkDown || err == msgr.ErrLinkClosed
}

// MonCommand runs one monitor command, e.g. `{"prefix": "osd dump"}`,
// with optional input data. It returns the output data, the status
// string and the monitor's return code. The command is resent if the
// session changes before the reply arrives.
func (c *Client) MonCommand(ctx context.Context, cmd []string, inbl []byte) (outbl []byte, outs string, rc int32, err error) {
	defer task.Running(&ctx, "mon command")(&err)

	var old *msgr.Link
	for {
		mlink, err := c.monLink(ctx, old)
		if err != nil {
			return nil, "", 0, err
		}
		old = mlink

		m := &MMonCommand{FSID: c.FSID(), Cmd: cmd}
		msg := newMsg(msgMonCommand, 1, 1, m)
		msg.Data = inbl

		reply, err := mlink.Submit(msg).Wait(ctx)
		if err != nil {
			if isLinkDown(err) && ctx.Err() == nil {
				continue // resend on the next session
			}
			return nil, "", 0, err
		}

		var ack MMonCommandAck
		if _, err := denc.Decode(&ack, 0, reply.Front); err != nil {
			return nil, "", 0, errors.WithMessage(err, "command ack")
		}
		return reply.Data, ack.Rs, ack.R, nil
	}
}

// GetVersion asks the monitor for the newest and oldest committed
// version of a map service: "osdmap", "monmap", "mdsmap", ...
func (c *Client) GetVersion(ctx context.Context, what string) (version, oldest uint64, err error) {
	defer task.Runningf(&ctx, "get version %s", what)(&err)

	var old *msgr.Link
	for {
		mlink, err := c.monLink(ctx, old)
		if err != nil {
			return 0, 0, err
		}
		old = mlink

		tid := atomic.AddUint64(&c.verTid, 1)
		ch := make(chan verReply, 1)
		c.verMu.Lock()
		c.verTab[tid] = ch
		c.verMu.Unlock()

		mlink.Notify(newMsg(msgMonGetVersion, 1, 1, &MMonGetVersion{Tid: tid, What: what}))

		select {
		case <-ctx.Done():
			c.verDrop(tid)
			return 0, 0, ctx.Err()

		case <-mlink.Done():
			// session lost before the reply - ask again on the next one
			c.verDrop(tid)

		case r := <-ch:
			return r.version, r.oldest, nil
		}
	}
}

func (c *Client) verDrop(tid uint64) {
	c.verMu.Lock()
	delete(c.verTab, tid)
	c.verMu.Unlock()
}

// poolOp runs one MPoolOp round trip.
func (c *Client) poolOp(ctx context.Context, op, pool uint32, name string, snapid uint64, crushRule int16) (*MPoolOpReply, error) {
	var old *msgr.Link
	for {
		mlink, err := c.monLink(ctx, old)
		if err != nil {
			return nil, err
		}
		old = mlink

		m := &MPoolOp{
			Version:   c.osdEpoch(),
			FSID:      c.FSID(),
			Pool:      pool,
			Op:        op,
			SnapID:    snapid,
			Name:      name,
			CrushRule: crushRule,
		}
		reply, err := mlink.Submit(newMsg(msgPoolOp, 4, 2, m)).Wait(ctx)
		if err != nil {
			if isLinkDown(err) && ctx.Err() == nil {
				continue
			}
			return nil, err
		}

		pr := &MPoolOpReply{}
		if _, err := denc.Decode(pr, 0, reply.Front); err != nil {
			return nil, errors.WithMessage(err, "pool op reply")
		}
		return pr, nil
	}
}

func poolOpErr(reply *MPoolOpReply) error {
	if reply.Code != 0 {
		return errors.Errorf("pool op failed: rc=%d", reply.Code)
	}
	return nil
}

// CreatePool asks the monitors to create a replicated pool. crushRule
// 0 picks the cluster default.
func (c *Client) CreatePool(ctx context.Context, name string, crushRule int16) (err error) {
	defer task.Runningf(&ctx, "create pool %s", name)(&err)

	reply, err := c.poolOp(ctx, PoolOpCreate, 0, name, 0, crushRule)
	if err != nil {
		return err
	}
	return poolOpErr(reply)
}

// DeletePool asks the monitors to delete a pool. The name field
// deliberately carries "delete" rather than the pool name; monitors
// reject deletes whose name matches an existing pool.
func (c *Client) DeletePool(ctx context.Context, pool uint32) (err error) {
	defer task.Runningf(&ctx, "delete pool %d", pool)(&err)

	reply, err := c.poolOp(ctx, PoolOpDelete, pool, "delete", 0, 0)
	if err != nil {
		return err
	}
	return poolOpErr(reply)
}

// CreatePoolSnap creates a named snapshot of a pool.
func (c *Client) CreatePoolSnap(ctx context.Context, pool uint32, name string) (err error) {
	defer task.Runningf(&ctx, "create pool %d snap %s", pool, name)(&err)

	reply, err := c.poolOp(ctx, PoolOpCreateSnap, pool, name, 0, 0)
	if err != nil {
		return err
	}
	return poolOpErr(reply)
}

// DeletePoolSnap removes a named snapshot of a pool.
func (c *Client) DeletePoolSnap(ctx context.Context, pool uint32, name string) (err error) {
	defer task.Runningf(&ctx, "delete pool %d snap %s", pool, name)(&err)

	reply, err := c.poolOp(ctx, PoolOpDeleteSnap, pool, name, 0, 0)
	if err != nil {
		return err
	}
	return poolOpErr(reply)
}

var hostname, _ = os.Hostname()
