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

// the client-side state machines.

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"lab.nexedi.com/kirr/gorados/denc"
)

// AuthClient is what the messenger drives during its auth phase,
// regardless of whether the peer is the authority or a service.
//
// BuildRequest produces the next auth payload to send; HandleReply
// consumes the peer's answer. A nil-Done result means another round is
// needed; Done carries what the session layer takes over: the key to
// sign transcripts with and, in secure mode, the connection secret.
type AuthClient interface {
	BuildRequest(globalId uint64) ([]byte, error)
	HandleReply(payload []byte, globalId uint64, conMode uint32) (*Result, error)
	HasValidCredential() bool
}

// Result is the outcome of a completed auth exchange.
type Result struct {
	Done             bool
	SessionKey       *Secret // key for transcript signatures
	ConnectionSecret []byte  // secure-mode cipher material; nil in crc mode
}

// Ticket is the per-service credential state: the session key and blob
// from the last issue, and when they fade.
type Ticket struct {
	Service    denc.EntityType
	SessionKey *Secret
	Blob       TicketBlob

	haveKey    bool
	renewAfter time.Time
	expires    time.Time
}

// update installs a freshly issued credential valid for the given
// duration from now. Renewal is due at half-life.
func (t *Ticket) update(key *Secret, blob TicketBlob, validity time.Duration) {
	t.SessionKey = key
	t.Blob = blob
	t.haveKey = true
	now := time.Now()
	t.expires = now.Add(validity)
	t.renewAfter = now.Add(validity / 2)
}

// NeedRenewal reports whether the ticket should be reissued: there is no
// key, or the renewal point has passed.
func (t *Ticket) NeedRenewal() bool {
	return !t.haveKey || !time.Now().Before(t.renewAfter)
}

// Expired reports whether the ticket can no longer back an authorizer.
func (t *Ticket) Expired() bool {
	return t.expires.IsZero() || !time.Now().Before(t.expires)
}

// Client is the client side of the protocol: the authority handshake
// plus the ticket store it fills.
//
// A Client is shared: the authority connection authenticates and renews
// through it while service connections draw authorizers from it, each
// via an Authorizer.
type Client struct {
	mu     sync.Mutex
	name   Name
	secret *Secret

	starting        bool // initial request sent, challenge not yet seen
	serverChallenge uint64
	authenticated   bool

	globalId uint64
	tickets  map[denc.EntityType]*Ticket
}

// NewClient returns a Client authenticating as name with the given
// long-term secret.
func NewClient(name Name, secret *Secret) *Client {
	return &Client{
		name:     name,
		secret:   secret,
		starting: true,
		tickets:  make(map[denc.EntityType]*Ticket),
	}
}

// Reset discards all session state for a fresh authentication attempt.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starting = true
	c.serverChallenge = 0
	c.authenticated = false
	c.globalId = 0
	c.tickets = make(map[denc.EntityType]*Ticket)
}

// SetSecret replaces the long-term secret, e.g. after the keyring file
// was rotated. Tickets already held stay valid; the new secret takes
// effect from the next authentication round.
func (c *Client) SetSecret(secret *Secret) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secret = secret
}

// GlobalId returns the id the authority assigned, 0 before that.
func (c *Client) GlobalId() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.globalId
}

// Ticket returns the credential held for service, or nil.
func (c *Client) Ticket(service denc.EntityType) *Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickets[service]
}

// HasValidCredential reports whether the authority handshake completed
// and its own ticket is still usable.
func (c *Client) HasValidCredential() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.tickets[denc.EntityTypeAuth]
	return c.authenticated && t != nil && t.haveKey && !t.Expired()
}

// BuildRequest produces the next payload of the authority handshake.
//
// The opening request announces the principal in the clear; once the
// server challenge arrived the follow-up carries the proof.
func (c *Client) BuildRequest(globalId uint64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := &denc.Writer{}
	if c.starting {
		w.U8(ModeMon)
		c.name.Encode(w, 0)
		w.U64(globalId)
		return w.B, nil
	}

	clientChallenge, err := randU64()
	if err != nil {
		return nil, err
	}
	key, err := c.proof(clientChallenge)
	if err != nil {
		return nil, err
	}

	RequestHeader{Op: OpGetAuthSessionKey}.Encode(w, 0)
	auth := &Authenticate{
		ClientChallenge: clientChallenge,
		Key:             key,
		OtherKeys: uint32(denc.EntityTypeMon | denc.EntityTypeMDS |
			denc.EntityTypeOSD | denc.EntityTypeClient |
			denc.EntityTypeMgr | denc.EntityTypeAuth),
	}
	auth.Encode(w, 0)
	return w.B, nil
}

// proof derives the 64-bit possession proof from the two challenges:
// both sealed under the long-term secret, the length-prefixed ciphertext
// folded into one word by xor over its complete 8-byte chunks.
func (c *Client) proof(clientChallenge uint64) (uint64, error) {
	sealed, err := c.secret.Seal(&challengeBlob{
		Server: c.serverChallenge,
		Client: clientChallenge,
	}, 0)
	if err != nil {
		return 0, err
	}

	w := &denc.Writer{}
	w.Bytes(sealed)
	var key uint64
	for i := 0; i+8 <= len(w.B); i += 8 {
		key ^= binary.LittleEndian.Uint64(w.B[i:])
	}
	return key, nil
}

// HandleReply consumes one authority reply.
//
// The exchange type is sniffed from the payload: a final reply opens
// with its u16 operation code, anything else while the challenge is
// pending is the challenge itself.
func (c *Client) HandleReply(payload []byte, globalId uint64, conMode uint32) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(payload) >= 2 {
		switch binary.LittleEndian.Uint16(payload) {
		case OpGetAuthSessionKey, OpGetPrincipalSessionKey:
			return c.handleDone(payload, globalId)
		}
	}

	if !c.starting {
		return nil, fmt.Errorf("%w: second challenge", ErrBadTransition)
	}

	// u32 length prefix, then the challenge
	r := denc.NewReader(payload)
	r.U32()
	var ch ServerChallenge
	if err := ch.Decode(r, 0); err != nil {
		return nil, err
	}
	c.serverChallenge = ch.Challenge
	c.starting = false
	return &Result{}, nil
}

// handleDone consumes a final authority reply: the issued tickets,
// then the connection secret and any extra tickets trailing them.
// Both the handshake reply and the ticket renewal reply come here; they
// differ in the op and in the key the ticket batch is sealed under.
func (c *Client) handleDone(payload []byte, globalId uint64) (*Result, error) {
	r := denc.NewReader(payload)

	var h ResponseHeader
	if err := h.Decode(r, 0); err != nil {
		return nil, err
	}
	switch h.Op {
	case OpGetAuthSessionKey, OpGetPrincipalSessionKey:
		// ok
	default:
		return nil, fmt.Errorf("%w: final reply op %#x", ErrBadTransition, h.Op)
	}
	if h.Status != 0 {
		return nil, fmt.Errorf("%w: status %d", ErrDenied, h.Status)
	}

	// the handshake batch is sealed under the long-term secret; a
	// renewal batch under the auth session key the request proved
	under := c.secret
	if h.Op == OpGetPrincipalSessionKey {
		t := c.tickets[denc.EntityTypeAuth]
		if t == nil || !t.haveKey {
			return nil, fmt.Errorf("%w: %v", ErrNoTicket, denc.EntityTypeAuth)
		}
		under = t.SessionKey
	}

	var reply TicketReply
	if err := reply.Decode(r, 0); err != nil {
		return nil, err
	}
	if len(reply.Tickets) == 0 {
		return nil, fmt.Errorf("%w: no tickets issued", ErrDenied)
	}

	var first *Secret
	for i := range reply.Tickets {
		key, err := c.installTicket(&reply.Tickets[i], under)
		if err != nil {
			return nil, err
		}
		if first == nil {
			first = key
		}
	}

	conSecret := decodeConnectionSecret(r, first)

	// extra tickets are sealed under the session key just issued
	if r.Remain() > 4 {
		extra := denc.NewReader(r.Bytes())
		if r.Err() == nil {
			c.installExtraTickets(extra, first)
		}
	}

	c.globalId = globalId
	c.authenticated = true
	return &Result{Done: true, SessionKey: first, ConnectionSecret: conSecret}, nil
}

// installTicket opens one issued ticket with the given key and stores
// the credential. It returns the session key issued for the service.
func (c *Client) installTicket(ti *TicketInfo, key *Secret) (*Secret, error) {
	var st ServiceTicket
	if _, err := key.Open(ti.Sealed, &st, 0); err != nil {
		return nil, fmt.Errorf("cephx: ticket for %v: %w", ti.Service, err)
	}
	sessionKey := &st.SessionKey

	blobData := ti.BlobData
	if ti.Encrypted {
		// the blob itself is additionally sealed under the session key
		var err error
		blobData, err = sessionKey.Decrypt(blobData)
		if err != nil {
			return nil, fmt.Errorf("cephx: ticket blob for %v: %w", ti.Service, err)
		}
	}
	var blob TicketBlob
	if _, err := denc.Decode(&blob, 0, blobData); err != nil {
		return nil, fmt.Errorf("cephx: ticket blob for %v: %w", ti.Service, err)
	}

	t := c.tickets[ti.Service]
	if t == nil {
		t = &Ticket{Service: ti.Service}
		c.tickets[ti.Service] = t
	}
	validity := time.Duration(st.Validity.Sec)*time.Second +
		time.Duration(st.Validity.Nsec)*time.Nanosecond
	t.update(sessionKey, blob, validity)
	return sessionKey, nil
}

// installExtraTickets decodes the trailing ticket batch best-effort:
// placeholder entries end the batch rather than failing the handshake.
func (c *Client) installExtraTickets(r *denc.Reader, key *Secret) {
	r.U8() // batch version
	n := r.U32()
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		var ti TicketInfo
		if ti.Decode(r, 0) != nil {
			break
		}
		if _, err := c.installTicket(&ti, key); err != nil {
			glog.V(1).Infof("cephx: extra ticket %d/%d dropped: %s", i+1, n, err)
			break
		}
	}
}

// decodeConnectionSecret extracts the secure-mode connection secret, if
// present: an outer and inner length around a payload sealed under the
// session key. Absence - a crc-mode session - is not an error.
func decodeConnectionSecret(r *denc.Reader, key *Secret) []byte {
	if r.Remain() < 4 {
		return nil
	}
	outer := r.Bytes()
	if r.Err() != nil || len(outer) == 0 {
		return nil
	}
	inner := denc.NewReader(outer)
	sealed := inner.Bytes()
	if inner.Err() != nil || len(sealed) == 0 {
		return nil
	}

	var secret secretBytes
	if _, err := key.Open(sealed, &secret, 0); err != nil {
		glog.V(1).Infof("cephx: connection secret dropped: %s", err)
		return nil
	}
	if len(secret) == 0 {
		return nil
	}
	return secret
}

// secretBytes decodes a length-prefixed blob as an envelope payload.
type secretBytes []byte

func (b secretBytes) EncodedLen(denc.Features) int { return 4 + len(b) }

func (b secretBytes) Encode(w *denc.Writer, _ denc.Features) { w.Bytes(b) }

func (b *secretBytes) Decode(r *denc.Reader, _ denc.Features) error {
	*b = r.Bytes()
	return r.Err()
}

// BuildTicketRenewal produces a renewal request for the services in the
// bitmask: the request header, an authorizer proving the auth ticket,
// and the service bitmask.
func (c *Client) BuildTicketRenewal(keys uint32) ([]byte, error) {
	w := &denc.Writer{}
	RequestHeader{Op: OpGetPrincipalSessionKey}.Encode(w, 0)

	authorizer, err := c.buildAuthorizer(denc.EntityTypeAuth, 0, false)
	if err != nil {
		return nil, err
	}
	w.Raw(authorizer)

	ServiceTicketRequest{Keys: keys}.Encode(w, 0)
	return w.B, nil
}

// buildAuthorizer assembles the two-part authorizer for service from the
// ticket store: the clear identity half and the sealed possession proof.
func (c *Client) buildAuthorizer(service denc.EntityType, challenge uint64, haveChallenge bool) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.tickets[service]
	if t == nil || !t.haveKey {
		return nil, fmt.Errorf("%w: %v", ErrNoTicket, service)
	}
	if t.Expired() {
		return nil, fmt.Errorf("%w: %v: expired", ErrNoTicket, service)
	}

	nonce, err := randU64()
	if err != nil {
		return nil, err
	}

	w := &denc.Writer{}
	a := &AuthorizeA{GlobalId: c.globalId, Service: service, Ticket: t.Blob}
	a.Encode(w, 0)

	b := &AuthorizeB{Nonce: nonce}
	if haveChallenge {
		b.HaveChallenge = true
		b.ChallengePlusOne = challenge + 1
	}
	sealed, err := t.SessionKey.Seal(b, 0)
	if err != nil {
		return nil, err
	}
	w.Bytes(sealed)
	return w.B, nil
}

// Authorizer returns the per-connection driver of the service exchange,
// drawing credentials from the shared client.
func (c *Client) Authorizer(service denc.EntityType) *Authorizer {
	return &Authorizer{c: c, service: service}
}

// Authorizer drives the auth phase of one service connection: it
// presents an authorizer built from the shared ticket store and answers
// the service's challenge round.
type Authorizer struct {
	c       *Client
	service denc.EntityType

	challenge     uint64
	haveChallenge bool
}

// HasValidCredential reports whether a usable ticket for the service is
// held.
func (a *Authorizer) HasValidCredential() bool {
	t := a.c.Ticket(a.service)
	return t != nil && t.haveKey && !t.Expired()
}

// BuildRequest produces the authorizer payload. After a challenge round
// the rebuilt authorizer binds the service's challenge in.
func (a *Authorizer) BuildRequest(_ uint64) ([]byte, error) {
	return a.c.buildAuthorizer(a.service, a.challenge, a.haveChallenge)
}

// challengeReplySize is the exact size of the encrypted challenge the
// service sends before accepting an authorizer: a u32 length prefix and
// two AES blocks. The exchange type is told apart by it.
const challengeReplySize = 36

// HandleReply consumes one service reply: the challenge round by its
// fixed size, anything else as the final accept.
func (a *Authorizer) HandleReply(payload []byte, globalId uint64, conMode uint32) (*Result, error) {
	t := a.c.Ticket(a.service)
	if t == nil || !t.haveKey {
		return nil, fmt.Errorf("%w: %v", ErrNoTicket, a.service)
	}

	if len(payload) == challengeReplySize {
		r := denc.NewReader(payload)
		sealed := r.Bytes()
		if err := r.Err(); err != nil {
			return nil, err
		}
		var reply AuthorizeReply
		if _, err := t.SessionKey.Open(sealed, &reply, 0); err != nil {
			return nil, err
		}
		a.challenge = reply.NoncePlusOne
		a.haveChallenge = true
		return &Result{}, nil
	}

	res := &Result{Done: true, SessionKey: t.SessionKey}
	if len(payload) == 0 {
		return res, nil
	}

	// the final reply is sealed under the session key; in secure mode it
	// trails the connection secret after the nonce ack
	r := denc.NewReader(payload)
	sealed := r.Bytes()
	if err := r.Err(); err != nil {
		return nil, err
	}
	var reply AuthorizeReply
	trailer, err := t.SessionKey.Open(sealed, &reply, 0)
	if err != nil {
		return nil, err
	}
	if len(trailer) >= 4 {
		tr := denc.NewReader(trailer)
		if secret := tr.Bytes(); tr.Err() == nil && len(secret) > 0 {
			res.ConnectionSecret = secret
		}
	}
	return res, nil
}

// randU64 draws 8 bytes from the system entropy source.
func randU64() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("cephx: entropy source: %w", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
