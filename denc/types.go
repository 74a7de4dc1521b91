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

package denc

// common scalar structures shared by maps, messages and authentication.

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ---- time ----

// Utime is a wall-clock timestamp with second and nanosecond components;
// 8 bytes on the wire.
type Utime struct {
	Sec  uint32
	Nsec uint32
}

// UtimeNow returns the current time as Utime.
func UtimeNow() Utime { return UtimeFromTime(time.Now()) }

// UtimeFromTime converts t to Utime, clamping values outside the
// representable range.
func UtimeFromTime(t time.Time) Utime {
	sec := t.Unix()
	switch {
	case sec < 0:
		return Utime{}
	case sec > math.MaxUint32:
		return Utime{Sec: math.MaxUint32}
	}
	return Utime{Sec: uint32(sec), Nsec: uint32(t.Nanosecond())}
}

// Time converts the timestamp to time.Time.
func (t Utime) Time() time.Time { return time.Unix(int64(t.Sec), int64(t.Nsec)) }

// Add returns the timestamp shifted by d.
func (t Utime) Add(d time.Duration) Utime { return UtimeFromTime(t.Time().Add(d)) }

// Before reports whether t is earlier than u.
func (t Utime) Before(u Utime) bool {
	return t.Sec < u.Sec || (t.Sec == u.Sec && t.Nsec < u.Nsec)
}

// IsZero reports whether the timestamp is unset.
func (t Utime) IsZero() bool { return t.Sec == 0 && t.Nsec == 0 }

// String renders small values as relative sec.usec and everything else
// as an absolute UTC timestamp, which is how dump tools print utime.
func (t Utime) String() string {
	if t.Sec < 365*24*3600 {
		return fmt.Sprintf("%d.%06d", t.Sec, t.Nsec/1000)
	}
	return t.Time().UTC().Format("2006-01-02T15:04:05.000000+0000")
}

func (t Utime) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`{"seconds":%d,"nanoseconds":%d}`, t.Sec, t.Nsec)), nil
}

func (t Utime) EncodedLen(Features) int { return 8 }

func (t Utime) Encode(w *Writer, _ Features) {
	w.U32(t.Sec)
	w.U32(t.Nsec)
}

func (t *Utime) Decode(r *Reader, _ Features) error {
	t.Sec = r.U32()
	t.Nsec = r.U32()
	return r.Err()
}

// ---- uuid ----

// UUID is the 16-byte identifier of a cluster or an entity;
// raw bytes on the wire, canonical dashed form in text.
type UUID [16]byte

// ParseUUID parses the canonical text form of an UUID.
func ParseUUID(s string) (UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return UUID{}, err
	}
	return UUID(u), nil
}

func (u UUID) String() string { return uuid.UUID(u).String() }

// IsZero reports whether the UUID is all zeros.
func (u UUID) IsZero() bool { return u == UUID{} }

func (u UUID) MarshalJSON() ([]byte, error) {
	return []byte(`{"uuid":"` + u.String() + `"}`), nil
}

func (u UUID) EncodedLen(Features) int { return 16 }

func (u UUID) Encode(w *Writer, _ Features) { w.Raw(u[:]) }

func (u *UUID) Decode(r *Reader, _ Features) error {
	copy(u[:], r.Raw(16))
	return r.Err()
}

// ---- versions ----

// Epoch numbers the revisions of a cluster map.
type Epoch = uint32

// EVersion orders events relative to map epochs; 12 bytes on the wire,
// version first.
type EVersion struct {
	Version uint64 `json:"version"`
	Epoch   Epoch  `json:"epoch"`
}

// String renders the version in standard epoch'version form.
func (v EVersion) String() string { return fmt.Sprintf("%d'%d", v.Epoch, v.Version) }

func (v EVersion) EncodedLen(Features) int { return 12 }

func (v EVersion) Encode(w *Writer, _ Features) {
	w.U64(v.Version)
	w.U32(v.Epoch)
}

func (v *EVersion) Decode(r *Reader, _ Features) error {
	v.Version = r.U64()
	v.Epoch = r.U32()
	return r.Err()
}

// ---- entities ----

// EntityType tells which kind of cluster member an entity is.
type EntityType uint32

const (
	EntityTypeMon    EntityType = 0x01
	EntityTypeMDS    EntityType = 0x02
	EntityTypeOSD    EntityType = 0x04
	EntityTypeClient EntityType = 0x08
	EntityTypeMgr    EntityType = 0x10
	EntityTypeAuth   EntityType = 0x20
)

func (t EntityType) String() string {
	switch t {
	case EntityTypeMon:
		return "mon"
	case EntityTypeMDS:
		return "mds"
	case EntityTypeOSD:
		return "osd"
	case EntityTypeClient:
		return "client"
	case EntityTypeMgr:
		return "mgr"
	case EntityTypeAuth:
		return "auth"
	}
	return fmt.Sprintf("unknown(%d)", uint32(t))
}

// EntityTypeByName returns the entity type with the given textual name.
func EntityTypeByName(name string) (EntityType, bool) {
	switch name {
	case "mon":
		return EntityTypeMon, true
	case "mds":
		return EntityTypeMDS, true
	case "osd":
		return EntityTypeOSD, true
	case "client":
		return EntityTypeClient, true
	case "mgr":
		return EntityTypeMgr, true
	case "auth":
		return EntityTypeAuth, true
	}
	return 0, false
}

// EntityName identifies a concrete cluster member: entity kind plus
// instance number.
//
// The standalone wire form is u32 type + u64 num. Inside legacy message
// headers the type is squeezed into a single byte; that form is handled
// by the messenger directly.
type EntityName struct {
	Type EntityType
	Num  uint64
}

func (n EntityName) String() string {
	if num := int64(n.Num); num < 0 {
		return fmt.Sprintf("%v.?", n.Type)
	}
	return fmt.Sprintf("%v.%d", n.Type, n.Num)
}

func (n EntityName) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Num  uint64 `json:"num"`
	}{n.Type.String(), n.Num})
}

func (n EntityName) EncodedLen(Features) int { return 12 }

func (n EntityName) Encode(w *Writer, _ Features) {
	w.U32(uint32(n.Type))
	w.U64(n.Num)
}

func (n *EntityName) Decode(r *Reader, _ Features) error {
	n.Type = EntityType(r.U32())
	n.Num = r.U64()
	return r.Err()
}

// ---- addresses ----

// address types.
const (
	AddrTypeNone   uint32 = 0
	AddrTypeLegacy uint32 = 1 // v1 - banner-era messenger
	AddrTypeMsgr2  uint32 = 2 // v2
	AddrTypeAny    uint32 = 3
	AddrTypeCIDR   uint32 = 4
)

// socket address families as encoded on the wire (Linux numbering).
const (
	afInet  = 2
	afInet6 = 10
)

// EntityAddr is one endpoint of a cluster member: address type, nonce
// distinguishing instances bound to the same address, and the raw socket
// address bytes as they appear on the wire.
//
// Two wire forms exist. Sessions without FeatureMsgAddr2 use the fixed
// 136-byte legacy form
//
//	u32le 0 | u32le nonce | 128-byte sockaddr
//
// while FeatureMsgAddr2 sessions use marker byte 1 followed by a
// versioned envelope holding type, nonce and an explicitly sized
// sockaddr. Decode tells the two forms apart by the first byte.
type EntityAddr struct {
	Type     uint32
	Nonce    uint32
	SockAddr []byte
}

// SetIPPort fills SockAddr with ip:port in the kernel sockaddr layout.
func (a *EntityAddr) SetIPPort(ip net.IP, port uint16) {
	sa := make([]byte, 128)
	if ip4 := ip.To4(); ip4 != nil {
		binary.LittleEndian.PutUint16(sa[0:], afInet)
		binary.BigEndian.PutUint16(sa[2:], port)
		copy(sa[4:8], ip4)
	} else if ip16 := ip.To16(); ip16 != nil {
		binary.LittleEndian.PutUint16(sa[0:], afInet6)
		binary.BigEndian.PutUint16(sa[2:], port)
		copy(sa[8:24], ip16)
	}
	a.SockAddr = sa
}

// IPPort extracts the IP and port from SockAddr.
// ok=false means the address family is not one we recognize.
func (a *EntityAddr) IPPort() (ip net.IP, port uint16, ok bool) {
	sa := a.SockAddr
	if len(sa) < 8 {
		return nil, 0, false
	}
	port = binary.BigEndian.Uint16(sa[2:])
	switch binary.LittleEndian.Uint16(sa[0:]) {
	case afInet:
		return net.IPv4(sa[4], sa[5], sa[6], sa[7]), port, true
	case afInet6:
		if len(sa) < 24 {
			return nil, 0, false
		}
		ip = make(net.IP, 16)
		copy(ip, sa[8:24])
		return ip, port, true
	}
	return nil, 0, false
}

// HostPort returns the address as a "host:port" string suitable for dialing.
func (a *EntityAddr) HostPort() (string, bool) {
	ip, port, ok := a.IPPort()
	if !ok {
		return "", false
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(int(port))), true
}

// TypeString returns the textual form of the address type.
func (a *EntityAddr) TypeString() string {
	switch a.Type {
	case AddrTypeLegacy:
		return "v1"
	case AddrTypeMsgr2:
		return "v2"
	case AddrTypeAny:
		return "any"
	case AddrTypeCIDR:
		return "cidr"
	}
	return "none"
}

const badFamily = "(unrecognized address family 0)"

// addrString formats SockAddr the way dump tools print it: dotted quad
// for IPv4, full uncompressed groups for IPv6.
func (a *EntityAddr) addrString() string {
	sa := a.SockAddr
	if len(sa) < 8 {
		return badFamily
	}
	port := binary.BigEndian.Uint16(sa[2:])
	switch binary.LittleEndian.Uint16(sa[0:]) {
	case afInet:
		return fmt.Sprintf("%d.%d.%d.%d:%d", sa[4], sa[5], sa[6], sa[7], port)
	case afInet6:
		if len(sa) < 24 {
			return badFamily
		}
		var b strings.Builder
		b.WriteByte('[')
		for i := 8; i < 24; i += 2 {
			if i > 8 {
				b.WriteByte(':')
			}
			fmt.Fprintf(&b, "%02x%02x", sa[i], sa[i+1])
		}
		fmt.Fprintf(&b, "]:%d", port)
		return b.String()
	}
	return badFamily
}

// String renders the address in standard form, e.g. "v2:10.0.0.1:6789/0".
func (a EntityAddr) String() string {
	return fmt.Sprintf("%s:%s/%d", a.TypeString(), a.addrString(), a.Nonce)
}

func (a EntityAddr) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type  string `json:"type"`
		Addr  string `json:"addr"`
		Nonce uint32 `json:"nonce"`
	}{a.TypeString(), a.addrString(), a.Nonce})
}

func (a *EntityAddr) EncodedLen(f Features) int {
	if !f.Has(FeatureMsgAddr2) {
		return 136
	}
	// marker + envelope header + type + nonce + sized sockaddr
	return 1 + 6 + 4 + 4 + 4 + len(a.SockAddr)
}

func (a *EntityAddr) Encode(w *Writer, f Features) {
	if !f.Has(FeatureMsgAddr2) {
		w.U32(0) // marker
		w.U32(a.Nonce)
		var sa [128]byte
		copy(sa[:], a.SockAddr)
		w.Raw(sa[:])
		return
	}
	w.U8(1) // marker
	pos := w.BeginEnv(1, 1)
	w.U32(a.Type)
	w.U32(a.Nonce)
	w.Bytes(a.SockAddr)
	w.EndEnv(pos)
}

func (a *EntityAddr) Decode(r *Reader, f Features) error {
	marker := r.U8()
	if r.Err() != nil {
		return r.Err()
	}
	switch marker {
	case 0:
		// legacy form; type is not on the wire
		r.Skip(3) // rest of the u32 marker
		a.Type = AddrTypeLegacy
		a.Nonce = r.U32()
		a.SockAddr = r.Raw(128)
		return r.Err()
	case 1:
		e := r.Env(1)
		a.Type = e.R.U32()
		a.Nonce = e.R.U32()
		a.SockAddr = e.R.Bytes()
		return e.Close()
	}
	r.Fail(fmt.Errorf("entity_addr: invalid marker %d", marker))
	return r.Err()
}

// EntityAddrVec is the collection of addresses one entity listens on,
// e.g. both its v1 and v2 endpoints.
//
// On sessions without FeatureMsgAddr2 only the first address is encoded,
// in legacy form; otherwise marker byte 2 is followed by an u32 counted
// vector of addresses. Decode handles both plus a bare single address.
type EntityAddrVec struct {
	Addrs []EntityAddr `json:"addrs"`
}

// Legacy returns the first v1 address in the vector, or nil.
func (v *EntityAddrVec) Legacy() *EntityAddr { return v.find(AddrTypeLegacy) }

// Msgr2 returns the first v2 address in the vector, or nil.
func (v *EntityAddrVec) Msgr2() *EntityAddr { return v.find(AddrTypeMsgr2) }

func (v *EntityAddrVec) find(typ uint32) *EntityAddr {
	for i := range v.Addrs {
		if v.Addrs[i].Type == typ {
			return &v.Addrs[i]
		}
	}
	return nil
}

func (v EntityAddrVec) String() string {
	switch len(v.Addrs) {
	case 0:
		return "-"
	case 1:
		return v.Addrs[0].String()
	}
	var b strings.Builder
	b.WriteByte('[')
	for i := range v.Addrs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(v.Addrs[i].String())
	}
	b.WriteByte(']')
	return b.String()
}

func (v *EntityAddrVec) EncodedLen(f Features) int {
	if !f.Has(FeatureMsgAddr2) {
		if len(v.Addrs) == 0 {
			return 0
		}
		return v.Addrs[0].EncodedLen(0)
	}
	l := 1 + 4
	for i := range v.Addrs {
		l += v.Addrs[i].EncodedLen(f)
	}
	return l
}

func (v *EntityAddrVec) Encode(w *Writer, f Features) {
	if !f.Has(FeatureMsgAddr2) {
		// old peers understand only a single legacy-form address
		if len(v.Addrs) > 0 {
			v.Addrs[0].Encode(w, 0)
		}
		return
	}
	w.U8(2) // marker: vector form
	w.U32(uint32(len(v.Addrs)))
	for i := range v.Addrs {
		v.Addrs[i].Encode(w, f)
	}
}

func (v *EntityAddrVec) Decode(r *Reader, f Features) error {
	marker := r.Peek8()
	if r.Err() != nil {
		return r.Err()
	}
	switch marker {
	case 0, 1:
		// a single bare address
		v.Addrs = make([]EntityAddr, 1)
		return v.Addrs[0].Decode(r, f)
	case 2:
		r.Skip(1)
		n := int(r.U32())
		v.Addrs = nil
		for i := 0; i < n; i++ {
			var a EntityAddr
			if err := a.Decode(r, f); err != nil {
				return err
			}
			v.Addrs = append(v.Addrs, a)
		}
		return r.Err()
	}
	r.Fail(fmt.Errorf("entity_addrvec: invalid marker %d", marker))
	return r.Err()
}
