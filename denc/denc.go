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

// Package denc implements the binary encoding of cluster data structures.
//
// All integers are encoded little-endian. A string or byte blob carries a
// u32 length prefix; a container a u32 element count. Composite structures
// are wrapped into versioned envelopes
//
//	u8 struct_v | u8 compat_v | u32le len | len content bytes
//
// where struct_v is the revision the encoder used and compat_v is the
// oldest revision that can still make sense of the content. A decoder
// accepts input with struct_v newer than it knows as long as compat_v is
// not above its own revision, and skips the trailing content bytes it
// does not understand. Decode is therefore always bounded by len, never
// by guessing where a structure ends.
//
// Several structures are encoded differently depending on which protocol
// features were negotiated for a session, so encode and decode take a
// Features mask explicitly. Use 0 where no session is involved.
//
// Reader and Writer are the decode and encode cursors. Reader is sticky
// on error: after the first failure every accessor returns a zero value
// and Err reports the cause, so a sequence of field decodes needs only
// one check at the end. Writer appends to a slice and does not fail.
package denc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrDecodeOverflow is the error returned when decoding hits buffer overflow.
var ErrDecodeOverflow = errors.New("decode: buffer overflow")

// ErrBadVarint is the error returned when a varint does not terminate.
var ErrBadVarint = errors.New("decode: bad varint")

// VersionError is the error returned when input was encoded by a structure
// revision too new for this software to understand even partially.
type VersionError struct {
	StructV uint8 // revision the encoder used
	CompatV uint8 // oldest revision the encoder says can decode the content
	MaxV    uint8 // newest revision the decoder understands
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("decode: struct v%d requires decoder v%d; only v%d is understood",
		e.StructV, e.CompatV, e.MaxV)
}

// Value is the interface implemented by types that know their wire form.
type Value interface {
	// EncodedLen returns the exact number of bytes Encode will append,
	// or -1 if that cannot be known without actually encoding.
	EncodedLen(f Features) int

	// Encode appends the wire form of the value to w.
	Encode(w *Writer, f Features)

	// Decode sets the value from its wire form at the current reader
	// position.
	//
	// The returned error is also latched into r, so when a value is
	// decoded as part of a larger sequence the result may be ignored
	// and checked once at the end via Reader.Err or Env.Close.
	Decode(r *Reader, f Features) error
}

// Encode encodes v into a freshly allocated buffer.
func Encode(v Value, f Features) []byte {
	w := &Writer{}
	if l := v.EncodedLen(f); l > 0 {
		w.B = make([]byte, 0, l)
	}
	v.Encode(w, f)
	return w.B
}

// Decode decodes v from the beginning of data.
// It returns the number of bytes consumed.
func Decode(v Value, f Features, data []byte) (nread int, err error) {
	r := NewReader(data)
	err = v.Decode(r, f)
	if err != nil {
		return 0, err
	}
	return r.off, nil
}

// ---- Reader ----

// Reader decodes wire data from a byte slice.
type Reader struct {
	data []byte
	off  int
	err  error
}

// NewReader returns a Reader decoding from data.
func NewReader(data []byte) *Reader { return &Reader{data: data} }

// Err returns the first error encountered by the reader, if any.
func (r *Reader) Err() error { return r.err }

// Fail latches err as the reader error, unless one is already latched.
func (r *Reader) Fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Nread returns how many bytes were consumed so far.
func (r *Reader) Nread() int { return r.off }

// Remain returns how many bytes are left to decode.
func (r *Reader) Remain() int {
	if r.err != nil {
		return 0
	}
	return len(r.data) - r.off
}

// need reports whether n more bytes are available, latching
// ErrDecodeOverflow if they are not.
func (r *Reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = ErrDecodeOverflow
		return false
	}
	return true
}

// U8, U16, U32 and U64 decode fixed-width little-endian unsigned integers.
func (r *Reader) U8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.data[r.off]
	r.off++
	return v
}

func (r *Reader) U16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v
}

func (r *Reader) U32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v
}

func (r *Reader) U64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v
}

// I8, I16, I32 and I64 decode fixed-width little-endian signed integers.
func (r *Reader) I8() int8   { return int8(r.U8()) }
func (r *Reader) I16() int16 { return int16(r.U16()) }
func (r *Reader) I32() int32 { return int32(r.U32()) }
func (r *Reader) I64() int64 { return int64(r.U64()) }

// F32 and F64 decode IEEE-754 floats from their little-endian bits.
func (r *Reader) F32() float32 { return math.Float32frombits(r.U32()) }
func (r *Reader) F64() float64 { return math.Float64frombits(r.U64()) }

// Bool decodes a bool encoded as one byte.
func (r *Reader) Bool() bool { return r.U8() != 0 }

// Str decodes an u32-length-prefixed string.
//
// NOTE it is deliberately not named String to avoid clashing with
// fmt.Stringer - formatting a reader must not consume its data.
func (r *Reader) Str() string {
	n := int(r.U32())
	if !r.need(n) {
		return ""
	}
	s := string(r.data[r.off : r.off+n])
	r.off += n
	return s
}

// Bytes decodes an u32-length-prefixed byte blob.
// The returned slice is a copy and does not alias reader data.
func (r *Reader) Bytes() []byte {
	n := int(r.U32())
	return r.Raw(n)
}

// Raw decodes n raw bytes without any length prefix.
// The returned slice is a copy and does not alias reader data.
func (r *Reader) Raw(n int) []byte {
	if !r.need(n) {
		return nil
	}
	b := make([]byte, n)
	copy(b, r.data[r.off:])
	r.off += n
	return b
}

// Skip advances the reader n bytes without interpreting them.
func (r *Reader) Skip(n int) {
	if r.need(n) {
		r.off += n
	}
}

// Peek8 returns the next byte without consuming it.
func (r *Reader) Peek8() uint8 {
	if !r.need(1) {
		return 0
	}
	return r.data[r.off]
}

// VarU64 decodes a base-128 varint: 7 bits per byte, least significant
// group first, high bit set on all bytes but the last.
func (r *Reader) VarU64() uint64 {
	var v uint64
	for shift := uint(0); shift < 64; shift += 7 {
		b := r.U8()
		if r.err != nil {
			return 0
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v
		}
	}
	r.Fail(ErrBadVarint)
	return 0
}

// ---- Writer ----

// Writer encodes wire data by appending to a byte slice.
type Writer struct {
	B []byte // the data encoded so far
}

// U8, U16, U32 and U64 append fixed-width little-endian unsigned integers.
func (w *Writer) U8(v uint8)   { w.B = append(w.B, v) }
func (w *Writer) U16(v uint16) { w.B = append(w.B, byte(v), byte(v>>8)) }
func (w *Writer) U32(v uint32) {
	w.B = append(w.B, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
func (w *Writer) U64(v uint64) {
	w.B = append(w.B, byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

// I8, I16, I32 and I64 append fixed-width little-endian signed integers.
func (w *Writer) I8(v int8)   { w.U8(uint8(v)) }
func (w *Writer) I16(v int16) { w.U16(uint16(v)) }
func (w *Writer) I32(v int32) { w.U32(uint32(v)) }
func (w *Writer) I64(v int64) { w.U64(uint64(v)) }

// F32 and F64 append IEEE-754 floats as their little-endian bits.
func (w *Writer) F32(v float32) { w.U32(math.Float32bits(v)) }
func (w *Writer) F64(v float64) { w.U64(math.Float64bits(v)) }

// Bool appends a bool encoded as one byte.
func (w *Writer) Bool(v bool) {
	if v {
		w.U8(1)
	} else {
		w.U8(0)
	}
}

// Str appends an u32-length-prefixed string.
func (w *Writer) Str(s string) {
	w.U32(uint32(len(s)))
	w.B = append(w.B, s...)
}

// Bytes appends an u32-length-prefixed byte blob.
func (w *Writer) Bytes(b []byte) {
	w.U32(uint32(len(b)))
	w.B = append(w.B, b...)
}

// Raw appends raw bytes without any length prefix.
func (w *Writer) Raw(b []byte) { w.B = append(w.B, b...) }

// VarU64 appends a base-128 varint.
func (w *Writer) VarU64(v uint64) {
	for v >= 0x80 {
		w.B = append(w.B, byte(v)|0x80)
		v >>= 7
	}
	w.B = append(w.B, byte(v))
}

// ---- versioned envelopes ----

// BeginEnv opens a versioned envelope: it appends the envelope header
// with a zero length placeholder and returns a position token for EndEnv.
func (w *Writer) BeginEnv(structV, compatV uint8) int {
	w.U8(structV)
	w.U8(compatV)
	w.U32(0) // length, backpatched by EndEnv
	return len(w.B)
}

// EndEnv closes the envelope opened at pos, backpatching the length of
// the content encoded in between.
func (w *Writer) EndEnv(pos int) {
	binary.LittleEndian.PutUint32(w.B[pos-4:], uint32(len(w.B)-pos))
}

// Env is a versioned envelope opened for decode.
//
// The envelope content is decoded via R, which is bounded to the content
// length from the envelope header. Close verifies the outcome and
// discards whatever trailer a newer encoder appended after the fields
// this software knows about.
type Env struct {
	V uint8   // struct_v the content was encoded with
	R *Reader // bounded to the envelope content

	parent *Reader
}

// Env opens a versioned envelope at the current reader position and
// advances the reader past it.
//
// maxV is the newest structure revision the caller understands: input
// declaring compat_v above maxV cannot be decoded even partially and
// fails with *VersionError.
func (r *Reader) Env(maxV uint8) Env {
	v := r.U8()
	compat := r.U8()
	l := int(r.U32())
	if r.err == nil && compat > maxV {
		r.Fail(&VersionError{StructV: v, CompatV: compat, MaxV: maxV})
	}
	if !r.need(l) {
		// dead envelope: every read from it fails the same way
		return Env{R: &Reader{err: r.err}, parent: r}
	}
	sub := &Reader{data: r.data[r.off : r.off+l]}
	r.off += l
	return Env{V: v, R: sub, parent: r}
}

// Close finishes decoding the envelope.
//
// It returns an error if either opening the envelope or decoding its
// content failed, and latches that error into the parent reader.
func (e Env) Close() error {
	if e.R.err != nil {
		e.parent.Fail(e.R.err)
	}
	return e.parent.err
}
