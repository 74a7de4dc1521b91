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

// object and placement-group identifiers.

import (
	"fmt"
	"math"
)

// snapshot ids with special meaning.
const (
	SnapHead uint64 = math.MaxUint64 - 1 // the live object (-2)
	SnapDir  uint64 = math.MaxUint64     // snapshot directory (-1)
)

// HObject names one object instance: object name plus its placement and
// snapshot coordinates.
//
// Wire form is a v4 envelope (compat 3) with content
//
//	key | oid | snap | hash | max | nspace | pool
//
// nspace and pool appeared in v4; decoding older input leaves nspace
// empty and pool -1.
type HObject struct {
	Key    string `json:"key"`    // locator key; overrides hash-by-name when set
	OID    string `json:"oid"`    // object name
	Snap   uint64 `json:"snapid"`
	Hash   uint32 `json:"hash"`   // placement hash
	Max    bool   `json:"max"`    // sorts after every real object
	Nspace string `json:"nspace"`
	Pool   int64  `json:"pool"`
}

// HObjectBegin returns the cursor positioned before every object of pool.
func HObjectBegin(pool int64) HObject {
	return HObject{Snap: SnapHead, Pool: pool}
}

func (o HObject) String() string {
	if o.Max {
		return "MAX"
	}
	return fmt.Sprintf("%d:%08x:%s:%s:%s:%d", o.Pool, o.Hash, o.Nspace, o.Key, o.OID, int64(o.Snap))
}

// Less orders objects the way placement sorts them: max flag, then pool,
// then locator key or hash, then namespace, name and snapshot.
func (o *HObject) Less(p *HObject) bool {
	if o.Max != p.Max {
		return p.Max // max sorts last
	}
	if o.Pool != p.Pool {
		return o.Pool < p.Pool
	}
	// an object with explicit locator key sorts after hash-located ones
	okey, pkey := o.Key != "", p.Key != ""
	switch {
	case okey && pkey:
		if o.Key != p.Key {
			return o.Key < p.Key
		}
	case okey:
		return false
	case pkey:
		return true
	default:
		if o.Hash != p.Hash {
			return o.Hash < p.Hash
		}
	}
	if o.Nspace != p.Nspace {
		return o.Nspace < p.Nspace
	}
	if o.OID != p.OID {
		return o.OID < p.OID
	}
	return o.Snap < p.Snap
}

func (o *HObject) EncodedLen(Features) int {
	return 6 + 4 + len(o.Key) + 4 + len(o.OID) + 8 + 4 + 1 + 4 + len(o.Nspace) + 8
}

func (o *HObject) Encode(w *Writer, _ Features) {
	pos := w.BeginEnv(4, 3)
	w.Str(o.Key)
	w.Str(o.OID)
	w.U64(o.Snap)
	w.U32(o.Hash)
	w.Bool(o.Max)
	w.Str(o.Nspace)
	w.I64(o.Pool)
	w.EndEnv(pos)
}

func (o *HObject) Decode(r *Reader, _ Features) error {
	e := r.Env(4)
	o.Key = e.R.Str()
	o.OID = e.R.Str()
	o.Snap = e.R.U64()
	o.Hash = e.R.U32()
	o.Max = false
	if e.V >= 2 {
		o.Max = e.R.Bool()
	}
	if e.V >= 4 {
		o.Nspace = e.R.Str()
		o.Pool = e.R.I64()
		// hammer-era encoders wrote pool -1 for what is now the minimum pool
		if o.Pool == -1 && o.Snap == 0 && o.Hash == 0 && !o.Max && o.OID == "" {
			o.Pool = math.MinInt64
		}
	} else {
		o.Nspace = ""
		o.Pool = -1
	}
	return e.Close()
}

// PgId names a placement group: pool id plus hash seed within the pool.
//
// Wire form is fixed 17 bytes: u8 v=1, u64 pool, u32 seed and i32 -1 for
// the retired preferred-osd field.
type PgId struct {
	Pool uint64 `json:"pool"`
	Seed uint32 `json:"seed"`
}

func (p PgId) String() string { return fmt.Sprintf("%d.%x", p.Pool, p.Seed) }

func (p PgId) EncodedLen(Features) int { return 17 }

func (p PgId) Encode(w *Writer, _ Features) {
	w.U8(1)
	w.U64(p.Pool)
	w.U32(p.Seed)
	w.I32(-1) // preferred osd, retired
}

func (p *PgId) Decode(r *Reader, _ Features) error {
	v := r.U8()
	if r.Err() == nil && v != 1 {
		r.Fail(fmt.Errorf("pg_t: invalid version %d", v))
	}
	p.Pool = r.U64()
	p.Seed = r.U32()
	r.I32() // preferred, discarded
	return r.Err()
}

// ObjectLocator tells where an object lives: the pool, plus optional
// overrides of the placement input - an explicit locator key, a
// namespace, or directly the placement hash.
//
// Key and Hash are mutually exclusive. Hash is -1 when unset.
//
// Wire form is a v6 envelope; compat drops to 3 when Hash is unset so
// that older peers can still decode the parts they understand.
type ObjectLocator struct {
	Pool   int64  `json:"pool"`
	Key    string `json:"key"`
	Nspace string `json:"nspace"`
	Hash   int64  `json:"hash"`
}

func (l *ObjectLocator) EncodedLen(Features) int {
	return 6 + 8 + 4 + 4 + len(l.Key) + 4 + len(l.Nspace) + 8
}

func (l *ObjectLocator) Encode(w *Writer, _ Features) {
	if l.Hash != -1 && l.Key != "" {
		panic("object_locator: both hash and key are set")
	}
	compat := uint8(3)
	if l.Hash != -1 {
		compat = 6
	}
	pos := w.BeginEnv(6, compat)
	w.I64(l.Pool)
	w.I32(-1) // preferred osd, retired
	w.Str(l.Key)
	w.Str(l.Nspace)
	w.I64(l.Hash)
	w.EndEnv(pos)
}

func (l *ObjectLocator) Decode(r *Reader, _ Features) error {
	e := r.Env(6)
	if e.V < 2 {
		l.Pool = int64(e.R.I32())
		e.R.I16() // old preferred
	} else {
		l.Pool = e.R.I64()
		e.R.I32() // preferred, discarded
	}
	l.Key = e.R.Str()
	l.Nspace = ""
	if e.V >= 5 {
		l.Nspace = e.R.Str()
	}
	l.Hash = -1
	if e.V >= 6 {
		l.Hash = e.R.I64()
	}
	if e.R.Err() == nil && l.Hash != -1 && l.Key != "" {
		e.R.Fail(fmt.Errorf("object_locator: both hash and key are set"))
	}
	return e.Close()
}
