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

import (
	"bytes"
	"encoding/binary"
	hexpkg "encoding/hex"
	"errors"
	"reflect"
	"testing"
	"time"

	"lab.nexedi.com/kirr/gorados/denc"
)

// decode string as hex; panic on error
func hex(s string) string {
	b, err := hexpkg.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// uint32 -> string as encoded on the wire
func u32(v uint32) string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return string(b[:])
}

// uint64 -> string as encoded on the wire
func u64(v uint64) string {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return string(b[:])
}

// test marshalling of one wire value
func testValueMarshal(t *testing.T, v denc.Value, encoded string) {
	t.Helper()
	typ := reflect.TypeOf(v).Elem()
	v2 := reflect.New(typ).Interface().(denc.Value)

	if n := v.EncodedLen(0); n != -1 && n != len(encoded) {
		t.Errorf("%v: encodedLen = %v  ; want %v", typ, n, len(encoded))
	}

	data := denc.Encode(v, 0)
	if string(data) != encoded {
		t.Errorf("%v: encode result unexpected:", typ)
		t.Errorf("\thave: %s", hexpkg.EncodeToString(data))
		t.Errorf("\twant: %s", hexpkg.EncodeToString([]byte(encoded)))
	}

	n, err := denc.Decode(v2, 0, []byte(encoded+"noise"))
	if err != nil {
		t.Errorf("%v: decode error %v", typ, err)
	}
	if n != len(encoded) {
		t.Errorf("%v: nread = %v  ; want %v", typ, n, len(encoded))
	}
	if !reflect.DeepEqual(v2, v) {
		t.Errorf("%v: decode result unexpected: %v  ; want %v", typ, v2, v)
	}
}

func TestValueMarshal(t *testing.T) {
	// the service ticket request is the classic pin: v1 + bitmask
	testValueMarshal(t, &ServiceTicketRequest{Keys: 0x16},
		hex("01")+u32(0x16))

	testValueMarshal(t, &RequestHeader{Op: OpGetAuthSessionKey},
		hex("0001"))
	testValueMarshal(t, &ResponseHeader{Op: OpGetAuthSessionKey, Status: -13},
		hex("0001")+u32(0xfffffff3))

	testValueMarshal(t, &ServerChallenge{Challenge: 0xdeadbeefcafe},
		hex("01")+u64(0xdeadbeefcafe))

	testValueMarshal(t, &TicketBlob{SecretId: 7, Blob: []byte("op")},
		hex("01")+u64(7)+u32(2)+"op")

	testValueMarshal(t, &Authenticate{
		ClientChallenge: 1,
		Key:             2,
		OldTicket:       TicketBlob{SecretId: 3, Blob: []byte{}},
		OtherKeys:       0x3f,
	}, hex("03")+u64(1)+u64(2)+hex("01")+u64(3)+u32(0)+u32(0x3f))

	testValueMarshal(t, &AuthorizeA{
		GlobalId: 0x1234,
		Service:  denc.EntityTypeOSD,
		Ticket:   TicketBlob{SecretId: 9, Blob: []byte("x")},
	}, hex("01")+u64(0x1234)+u32(4)+hex("01")+u64(9)+u32(1)+"x")

	testValueMarshal(t, &AuthorizeB{
		Nonce:            0xabcd,
		HaveChallenge:    true,
		ChallengePlusOne: 0x10001,
	}, hex("02")+u64(0xabcd)+hex("01")+u64(0x10001))

	testValueMarshal(t, &AuthorizeReply{NoncePlusOne: 0xabce},
		hex("01")+u64(0xabce))

	testValueMarshal(t, &Name{Type: denc.EntityTypeClient, Id: "admin"},
		u32(8)+u32(5)+"admin")

	testValueMarshal(t, &Secret{
		Type:    CryptoAES,
		Created: denc.Utime{Sec: 100, Nsec: 200},
		Key:     []byte("0123456789abcdef"),
	}, hex("0100")+u32(100)+u32(200)+hex("1000")+"0123456789abcdef")
}

func TestParseName(t *testing.T) {
	n, err := ParseName("client.admin")
	if err != nil {
		t.Fatal(err)
	}
	if n != (Name{Type: denc.EntityTypeClient, Id: "admin"}) {
		t.Errorf("client.admin -> %+v", n)
	}
	if s := n.String(); s != "client.admin" {
		t.Errorf("String() = %q", s)
	}

	for _, bad := range []string{"admin", "czar.admin", ""} {
		if _, err := ParseName(bad); err == nil {
			t.Errorf("ParseName(%q): no error", bad)
		}
	}
}

func TestSecretFromBase64(t *testing.T) {
	// a keyring-style key: full CryptoKey record under base64
	s, err := SecretFromBase64("AQD8J8JoSpspNhAAU49nK6K8fO4MgTYFnrk+HQ==")
	if err != nil {
		t.Fatal(err)
	}
	if s.Type != CryptoAES {
		t.Errorf("type = %d", s.Type)
	}
	if s.Created != (denc.Utime{Sec: 1757554684, Nsec: 908696394}) {
		t.Errorf("created = %v", s.Created)
	}
	if string(s.Key) != hex("538f672ba2bc7cee0c8136059eb93e1d") {
		t.Errorf("key = %x", s.Key)
	}

	if _, err := SecretFromBase64("!!!"); !errors.Is(err, ErrBadKey) {
		t.Errorf("bad base64 -> %v  ; want ErrBadKey", err)
	}
	if _, err := SecretFromBase64("AQID"); !errors.Is(err, ErrBadKey) {
		t.Errorf("short record -> %v  ; want ErrBadKey", err)
	}

	// a bare 16-byte key is accepted as raw material
	raw, err := SecretFromBytes([]byte("0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	if string(raw.Key) != "0123456789abcdef" || raw.Type != CryptoAES {
		t.Errorf("raw secret = %+v", raw)
	}
}

func TestEncryptDecrypt(t *testing.T) {
	s := NewSecret([]byte("0123456789abcdef"))

	for _, msg := range []string{"", "x", "exactly 16 bytes", "something a bit longer than one block"} {
		ct, err := s.Encrypt([]byte(msg))
		if err != nil {
			t.Fatalf("%q: %v", msg, err)
		}
		if len(ct)%16 != 0 || len(ct) == 0 {
			t.Fatalf("%q: ciphertext length %d", msg, len(ct))
		}
		pt, err := s.Decrypt(ct)
		if err != nil {
			t.Fatalf("%q: %v", msg, err)
		}
		if string(pt) != msg {
			t.Fatalf("%q: roundtrip -> %q", msg, pt)
		}
	}

	// ciphertext must be a block multiple
	if _, err := s.Decrypt([]byte("short")); err == nil {
		t.Error("odd-size ciphertext: no error")
	}

	// wrong key must not decrypt cleanly to the same plaintext
	ct, err := s.Encrypt([]byte("attack at dawn"))
	if err != nil {
		t.Fatal(err)
	}
	s2 := NewSecret([]byte("fedcba9876543210"))
	if pt, err := s2.Decrypt(ct); err == nil && string(pt) == "attack at dawn" {
		t.Error("wrong key decrypted to original plaintext")
	}
}

func TestSign(t *testing.T) {
	s := NewSecret([]byte("0123456789abcdef"))
	sig := s.Sign([]byte("transcript"))
	if len(sig) != 32 {
		t.Fatalf("signature length %d", len(sig))
	}
	if !s.Verify([]byte("transcript"), sig) {
		t.Error("own signature does not verify")
	}
	if s.Verify([]byte("Transcript"), sig) {
		t.Error("signature verifies altered message")
	}
	s2 := NewSecret([]byte("fedcba9876543210"))
	if s2.Verify([]byte("transcript"), sig) {
		t.Error("signature verifies under wrong key")
	}
}

// the sealed challenge blob and the proof folded from it are pinned to
// independently computed values
func TestProofGolden(t *testing.T) {
	secret := NewSecret([]byte("0123456789abcdef"))

	sealed, err := secret.Seal(&challengeBlob{
		Server: 0x1122334455667788,
		Client: 0x99aabbccddeeff00,
	}, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := "2ca3843b6c37be64b86a3c39831d0ad397e74bbdf9063df9c00b8e259fb51418"
	if hexpkg.EncodeToString(sealed) != want {
		t.Errorf("sealed challenge:\n\thave: %x\n\twant: %s", sealed, want)
	}

	c := NewClient(Name{Type: denc.EntityTypeClient, Id: "admin"}, secret)
	c.serverChallenge = 0x1122334455667788
	proof, err := c.proof(0x99aabbccddeeff00)
	if err != nil {
		t.Fatal(err)
	}
	if proof != 0x9a7d25c34e892c36 {
		t.Errorf("proof = %#x  ; want 0x9a7d25c34e892c36", proof)
	}
}

func TestSealOpen(t *testing.T) {
	s := NewSecret([]byte("0123456789abcdef"))

	sealed, err := s.Seal(&ServerChallenge{Challenge: 42}, 0)
	if err != nil {
		t.Fatal(err)
	}
	var ch ServerChallenge
	trailer, err := s.Open(sealed, &ch, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ch.Challenge != 42 || len(trailer) != 0 {
		t.Errorf("opened: %+v, trailer %d byte(s)", ch, len(trailer))
	}

	// a payload encrypted without the magic must be rejected
	w := &denc.Writer{}
	w.U8(1)
	w.U64(0x1111111111111111)
	ServerChallenge{Challenge: 42}.Encode(w, 0)
	ct, err := s.Encrypt(w.B)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Open(ct, &ch, 0); !errors.Is(err, ErrBadMagic) {
		t.Errorf("bad magic -> %v  ; want ErrBadMagic", err)
	}
}

func TestTicketLifecycle(t *testing.T) {
	tk := &Ticket{Service: denc.EntityTypeOSD}
	if !tk.NeedRenewal() || !tk.Expired() {
		t.Error("empty ticket reported usable")
	}

	key := NewSecret([]byte("0123456789abcdef"))
	tk.update(key, TicketBlob{SecretId: 1}, time.Hour)
	if tk.NeedRenewal() {
		t.Error("fresh ticket needs renewal")
	}
	if tk.Expired() {
		t.Error("fresh ticket expired")
	}

	// zero validity expires immediately and is due for renewal
	tk.update(key, TicketBlob{SecretId: 1}, 0)
	if !tk.NeedRenewal() || !tk.Expired() {
		t.Error("zero-validity ticket reported usable")
	}
}

// ---- full handshakes against an in-test authority/service ----

// sealed ticket info as the authority would issue it
func issueTicket(t *testing.T, under *Secret, service denc.EntityType, sessionKey *Secret, secretId uint64) TicketInfo {
	t.Helper()
	st := &ServiceTicket{SessionKey: *sessionKey, Validity: denc.Utime{Sec: 3600}}
	sealed, err := under.Seal(st, 0)
	if err != nil {
		t.Fatal(err)
	}
	return TicketInfo{
		Service:  service,
		Version:  1,
		Sealed:   sealed,
		BlobData: denc.Encode(&TicketBlob{SecretId: secretId, Blob: []byte("opaque")}, 0),
	}
}

func TestMonHandshake(t *testing.T) {
	secret := NewSecret([]byte("0123456789abcdef"))
	name := Name{Type: denc.EntityTypeClient, Id: "admin"}
	c := NewClient(name, secret)

	if c.HasValidCredential() {
		t.Error("fresh client claims credentials")
	}

	// round 1: principal announcement
	req, err := c.BuildRequest(0)
	if err != nil {
		t.Fatal(err)
	}
	r := denc.NewReader(req)
	if mode := r.U8(); mode != ModeMon {
		t.Fatalf("mode = %d", mode)
	}
	var gotName Name
	gotName.Decode(r, 0)
	if gid := r.U64(); r.Err() != nil || gotName != name || gid != 0 {
		t.Fatalf("initial request: name %v gid %d err %v", gotName, gid, r.Err())
	}

	// authority answers with its challenge
	const serverChallenge = 0xfeedface12345678
	w := &denc.Writer{}
	w.U32(9)
	ServerChallenge{Challenge: serverChallenge}.Encode(w, 0)
	res, err := c.HandleReply(w.B, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Done {
		t.Fatal("done after challenge")
	}

	// round 2: the proof; verify it the way the authority would
	req, err = c.BuildRequest(0)
	if err != nil {
		t.Fatal(err)
	}
	r = denc.NewReader(req)
	var h RequestHeader
	h.Decode(r, 0)
	if h.Op != OpGetAuthSessionKey {
		t.Fatalf("op = %#x", h.Op)
	}
	var auth Authenticate
	if err := auth.Decode(r, 0); err != nil {
		t.Fatal(err)
	}
	cc := NewClient(name, secret)
	cc.serverChallenge = serverChallenge
	want, err := cc.proof(auth.ClientChallenge)
	if err != nil {
		t.Fatal(err)
	}
	if auth.Key != want {
		t.Fatalf("proof = %#x  ; want %#x", auth.Key, want)
	}

	// authority issues tickets for auth and osd, plus the connection
	// secret and an extra mds ticket sealed under the new session key
	skAuth := NewSecret([]byte("AAAAchosenbykey!"))
	skOSD := NewSecret([]byte("BBBBchosenbykey!"))
	skMDS := NewSecret([]byte("CCCCchosenbykey!"))
	conSecret := bytes.Repeat([]byte{0x5a}, 64)

	w = &denc.Writer{}
	ResponseHeader{Op: OpGetAuthSessionKey}.Encode(w, 0)
	reply := &TicketReply{Tickets: []TicketInfo{
		issueTicket(t, secret, denc.EntityTypeAuth, skAuth, 11),
		issueTicket(t, secret, denc.EntityTypeOSD, skOSD, 12),
	}}
	reply.Encode(w, 0)

	sealedCS, err := skAuth.Seal(func() *secretBytes { b := secretBytes(conSecret); return &b }(), 0)
	if err != nil {
		t.Fatal(err)
	}
	inner := &denc.Writer{}
	inner.Bytes(sealedCS)
	w.Bytes(inner.B)

	extra := &denc.Writer{}
	extra.U8(1)
	extra.U32(1)
	mds := issueTicket(t, skAuth, denc.EntityTypeMDS, skMDS, 13)
	mds.Encode(extra, 0)
	w.Bytes(extra.B)

	res, err = c.HandleReply(w.B, 42, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Done {
		t.Fatal("not done after final reply")
	}
	if !bytes.Equal(res.SessionKey.Key, skAuth.Key) {
		t.Errorf("session key = %x", res.SessionKey.Key)
	}
	if !bytes.Equal(res.ConnectionSecret, conSecret) {
		t.Errorf("connection secret = %x", res.ConnectionSecret)
	}
	if c.GlobalId() != 42 {
		t.Errorf("global id = %d", c.GlobalId())
	}
	if !c.HasValidCredential() {
		t.Error("no valid credential after handshake")
	}

	for _, service := range []denc.EntityType{denc.EntityTypeAuth, denc.EntityTypeOSD, denc.EntityTypeMDS} {
		tk := c.Ticket(service)
		if tk == nil {
			t.Errorf("no ticket for %v", service)
			continue
		}
		if tk.NeedRenewal() || tk.Expired() {
			t.Errorf("%v ticket not usable", service)
		}
		if tk.Blob.Blob == nil || string(tk.Blob.Blob) != "opaque" {
			t.Errorf("%v ticket blob = %q", service, tk.Blob.Blob)
		}
	}
	if got := c.Ticket(denc.EntityTypeOSD).Blob.SecretId; got != 12 {
		t.Errorf("osd secret id = %d", got)
	}
}

// handshake, fed a denial
func TestMonHandshakeDenied(t *testing.T) {
	c := NewClient(Name{Type: denc.EntityTypeClient, Id: "admin"},
		NewSecret([]byte("0123456789abcdef")))

	w := &denc.Writer{}
	ResponseHeader{Op: OpGetAuthSessionKey, Status: -13}.Encode(w, 0)
	if _, err := c.HandleReply(w.B, 0, 0); !errors.Is(err, ErrDenied) {
		t.Errorf("denied reply -> %v  ; want ErrDenied", err)
	}

	// a challenge when none is expected is a protocol violation
	c.starting = false
	w = &denc.Writer{}
	w.U32(9)
	ServerChallenge{Challenge: 1}.Encode(w, 0)
	if _, err := c.HandleReply(w.B, 0, 0); !errors.Is(err, ErrBadTransition) {
		t.Errorf("stray challenge -> %v  ; want ErrBadTransition", err)
	}
}

// seed a client with one osd ticket, bypassing the mon handshake
func seedTicket(c *Client, service denc.EntityType, key *Secret, secretId uint64) {
	tk := &Ticket{Service: service}
	tk.update(key, TicketBlob{SecretId: secretId, Blob: []byte("opaque")}, time.Hour)
	c.tickets[service] = tk
	c.authenticated = true
	c.globalId = 42
}

func TestAuthorizer(t *testing.T) {
	c := NewClient(Name{Type: denc.EntityTypeClient, Id: "admin"},
		NewSecret([]byte("0123456789abcdef")))
	skOSD := NewSecret([]byte("BBBBchosenbykey!"))
	seedTicket(c, denc.EntityTypeOSD, skOSD, 12)

	az := c.Authorizer(denc.EntityTypeOSD)
	if !az.HasValidCredential() {
		t.Fatal("no credential after seeding")
	}

	// round 1: plain authorizer; verify it the way the service would
	req, err := az.BuildRequest(0)
	if err != nil {
		t.Fatal(err)
	}
	r := denc.NewReader(req)
	var a AuthorizeA
	if err := a.Decode(r, 0); err != nil {
		t.Fatal(err)
	}
	if a.GlobalId != 42 || a.Service != denc.EntityTypeOSD || a.Ticket.SecretId != 12 {
		t.Fatalf("authorize_a: %+v", a)
	}
	sealed := r.Bytes()
	if err := r.Err(); err != nil || r.Remain() != 0 {
		t.Fatalf("authorizer tail: err %v, %d byte(s) left", err, r.Remain())
	}
	var b AuthorizeB
	if _, err := skOSD.Open(sealed, &b, 0); err != nil {
		t.Fatal(err)
	}
	if b.HaveChallenge {
		t.Error("first authorizer carries a challenge")
	}

	// service challenges; the rebuilt authorizer must bind challenge+1
	const challenge = 0xc0ffee
	sealedCh, err := skOSD.Seal(&AuthorizeReply{NoncePlusOne: challenge}, 0)
	if err != nil {
		t.Fatal(err)
	}
	w := &denc.Writer{}
	w.Bytes(sealedCh)
	if len(w.B) != challengeReplySize {
		t.Fatalf("challenge payload %d byte(s)  ; want %d", len(w.B), challengeReplySize)
	}
	res, err := az.HandleReply(w.B, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if res.Done {
		t.Fatal("done after challenge round")
	}

	req, err = az.BuildRequest(0)
	if err != nil {
		t.Fatal(err)
	}
	r = denc.NewReader(req)
	a = AuthorizeA{}
	a.Decode(r, 0)
	sealed = r.Bytes()
	if err := r.Err(); err != nil {
		t.Fatal(err)
	}
	b = AuthorizeB{}
	if _, err := skOSD.Open(sealed, &b, 0); err != nil {
		t.Fatal(err)
	}
	if !b.HaveChallenge || b.ChallengePlusOne != challenge+1 {
		t.Errorf("rebuilt authorize_b: %+v", b)
	}

	// final reply: nonce ack with the connection secret trailing inside
	conSecret := bytes.Repeat([]byte{0xa5}, 64)
	pw := &denc.Writer{}
	pw.U8(1)
	pw.U64(EncMagic)
	AuthorizeReply{NoncePlusOne: b.Nonce + 1}.Encode(pw, 0)
	pw.Bytes(conSecret)
	ct, err := skOSD.Encrypt(pw.B)
	if err != nil {
		t.Fatal(err)
	}
	w = &denc.Writer{}
	w.Bytes(ct)
	res, err = az.HandleReply(w.B, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Done {
		t.Fatal("not done after final reply")
	}
	if !bytes.Equal(res.SessionKey.Key, skOSD.Key) {
		t.Errorf("session key = %x", res.SessionKey.Key)
	}
	if !bytes.Equal(res.ConnectionSecret, conSecret) {
		t.Errorf("connection secret = %x", res.ConnectionSecret)
	}

	// crc mode: empty final reply, no secret
	res, err = az.HandleReply(nil, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Done || res.ConnectionSecret != nil {
		t.Errorf("crc final: %+v", res)
	}
}

func TestAuthorizerNoTicket(t *testing.T) {
	c := NewClient(Name{Type: denc.EntityTypeClient, Id: "admin"},
		NewSecret([]byte("0123456789abcdef")))

	az := c.Authorizer(denc.EntityTypeOSD)
	if az.HasValidCredential() {
		t.Error("credential without ticket")
	}
	if _, err := az.BuildRequest(0); !errors.Is(err, ErrNoTicket) {
		t.Errorf("BuildRequest -> %v  ; want ErrNoTicket", err)
	}
	if _, err := az.HandleReply(nil, 0, 1); !errors.Is(err, ErrNoTicket) {
		t.Errorf("HandleReply -> %v  ; want ErrNoTicket", err)
	}
}

func TestTicketRenewalRequest(t *testing.T) {
	c := NewClient(Name{Type: denc.EntityTypeClient, Id: "admin"},
		NewSecret([]byte("0123456789abcdef")))
	skAuth := NewSecret([]byte("AAAAchosenbykey!"))
	seedTicket(c, denc.EntityTypeAuth, skAuth, 11)

	req, err := c.BuildTicketRenewal(0x16)
	if err != nil {
		t.Fatal(err)
	}
	r := denc.NewReader(req)
	var h RequestHeader
	h.Decode(r, 0)
	if h.Op != OpGetPrincipalSessionKey {
		t.Fatalf("op = %#x", h.Op)
	}

	// the embedded authorizer proves the auth ticket
	var a AuthorizeA
	if err := a.Decode(r, 0); err != nil {
		t.Fatal(err)
	}
	if a.Service != denc.EntityTypeAuth || a.Ticket.SecretId != 11 {
		t.Fatalf("authorize_a: %+v", a)
	}
	sealed := r.Bytes()
	var b AuthorizeB
	if _, err := skAuth.Open(sealed, &b, 0); err != nil {
		t.Fatal(err)
	}

	var tr ServiceTicketRequest
	if err := tr.Decode(r, 0); err != nil {
		t.Fatal(err)
	}
	if tr.Keys != 0x16 || r.Remain() != 0 {
		t.Errorf("keys = %#x, %d byte(s) left", tr.Keys, r.Remain())
	}

	// renewal needs a live auth ticket
	c2 := NewClient(Name{Type: denc.EntityTypeClient, Id: "admin"},
		NewSecret([]byte("0123456789abcdef")))
	if _, err := c2.BuildTicketRenewal(0x16); !errors.Is(err, ErrNoTicket) {
		t.Errorf("renewal without ticket -> %v  ; want ErrNoTicket", err)
	}
}

// the full renewal round on an authenticated client: the reply carries
// the renewal op and its ticket batch is sealed under the auth session
// key, not the long-term secret
func TestTicketRenewal(t *testing.T) {
	c := NewClient(Name{Type: denc.EntityTypeClient, Id: "admin"},
		NewSecret([]byte("0123456789abcdef")))
	skAuth := NewSecret([]byte("AAAAchosenbykey!"))
	skOSD := NewSecret([]byte("BBBBchosenbykey!"))
	seedTicket(c, denc.EntityTypeAuth, skAuth, 11)
	seedTicket(c, denc.EntityTypeOSD, skOSD, 12)
	c.starting = false

	req, err := c.BuildTicketRenewal(uint32(denc.EntityTypeOSD))
	if err != nil {
		t.Fatal(err)
	}
	r := denc.NewReader(req)
	var h RequestHeader
	h.Decode(r, 0)
	if h.Op != OpGetPrincipalSessionKey {
		t.Fatalf("op = %#x", h.Op)
	}

	// authority reissues the osd ticket under a new service key
	skOSD2 := NewSecret([]byte("DDDDchosenbykey!"))
	w := &denc.Writer{}
	ResponseHeader{Op: OpGetPrincipalSessionKey}.Encode(w, 0)
	reply := &TicketReply{Tickets: []TicketInfo{
		issueTicket(t, skAuth, denc.EntityTypeOSD, skOSD2, 21),
	}}
	reply.Encode(w, 0)

	res, err := c.HandleReply(w.B, 42, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Done {
		t.Fatal("not done after renewal reply")
	}

	tk := c.Ticket(denc.EntityTypeOSD)
	if tk.Blob.SecretId != 21 {
		t.Errorf("osd secret id = %d  ; want 21", tk.Blob.SecretId)
	}
	if !bytes.Equal(tk.SessionKey.Key, skOSD2.Key) {
		t.Errorf("osd session key = %x", tk.SessionKey.Key)
	}
	if tk.NeedRenewal() || tk.Expired() {
		t.Error("renewed ticket not usable")
	}
	// the auth ticket itself was not part of the batch and is untouched
	if got := c.Ticket(denc.EntityTypeAuth).Blob.SecretId; got != 11 {
		t.Errorf("auth secret id = %d  ; want 11", got)
	}

	// a renewal reply without a live auth ticket cannot be opened
	c2 := NewClient(Name{Type: denc.EntityTypeClient, Id: "admin"},
		NewSecret([]byte("0123456789abcdef")))
	c2.starting = false
	if _, err := c2.HandleReply(w.B, 42, 2); !errors.Is(err, ErrNoTicket) {
		t.Errorf("renewal reply without auth ticket -> %v  ; want ErrNoTicket", err)
	}
}

func TestReset(t *testing.T) {
	c := NewClient(Name{Type: denc.EntityTypeClient, Id: "admin"},
		NewSecret([]byte("0123456789abcdef")))
	seedTicket(c, denc.EntityTypeAuth, NewSecret([]byte("AAAAchosenbykey!")), 11)

	if !c.HasValidCredential() {
		t.Fatal("no credential after seeding")
	}
	c.Reset()
	if c.HasValidCredential() || c.GlobalId() != 0 || c.Ticket(denc.EntityTypeAuth) != nil {
		t.Error("state survived Reset")
	}
}
