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

// key material and the crypto primitives of the protocol.

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"lab.nexedi.com/kirr/gorados/denc"
)

// key types carried in the CryptoKey wire record.
const (
	CryptoNone uint16 = 0
	CryptoAES  uint16 = 1
)

// the protocol encrypts everything under AES-128-CBC with this fixed IV.
var aesIV = []byte("cephsageyudagreg")

// cryptoKeyHeader is the size of the CryptoKey record header preceding
// the raw key: u16 type + utime created + u16 length.
const cryptoKeyHeader = 2 + 8 + 2

// Secret is CephX key material: the client's long-term key, a ticket
// session key, or a rotating service key.
type Secret struct {
	Type    uint16
	Created denc.Utime
	Key     []byte // raw key material; 16 bytes for AES-128
}

// NewSecret returns an AES secret over raw key material.
func NewSecret(key []byte) *Secret {
	return &Secret{Type: CryptoAES, Key: key}
}

// SecretFromBase64 parses a base64 key string as found in keyrings.
// The decoded bytes are a CryptoKey wire record, not a bare key.
func SecretFromBase64(s string) (*Secret, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadKey, err)
	}
	return SecretFromBytes(data)
}

// SecretFromBytes builds a Secret from serialized key material, either a
// bare 16-byte AES key or a full CryptoKey record, told apart by length.
func SecretFromBytes(data []byte) (*Secret, error) {
	if len(data) == aes.BlockSize {
		return NewSecret(data), nil
	}
	if len(data) < cryptoKeyHeader {
		return nil, fmt.Errorf("%w: %d byte(s)", ErrBadKey, len(data))
	}
	s := &Secret{}
	if _, err := denc.Decode(s, 0, data); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadKey, err)
	}
	return s, nil
}

func (s *Secret) EncodedLen(denc.Features) int { return cryptoKeyHeader + len(s.Key) }

func (s *Secret) Encode(w *denc.Writer, f denc.Features) {
	w.U16(s.Type)
	s.Created.Encode(w, f)
	w.U16(uint16(len(s.Key)))
	w.Raw(s.Key)
}

func (s *Secret) Decode(r *denc.Reader, f denc.Features) error {
	s.Type = r.U16()
	s.Created.Decode(r, f)
	s.Key = r.Raw(int(r.U16()))
	return r.Err()
}

// aesKey returns the raw AES-128 key inside the secret.
//
// Key is normally the bare key, but a secret built from an unparsed
// CryptoKey record is accepted too - the record header is skipped by
// length, matching what every other implementation of the protocol does.
func (s *Secret) aesKey() ([]byte, error) {
	if s.Type != CryptoAES {
		return nil, fmt.Errorf("%w: unsupported key type %d", ErrBadKey, s.Type)
	}
	switch {
	case len(s.Key) == aes.BlockSize:
		return s.Key, nil
	case len(s.Key) >= cryptoKeyHeader+aes.BlockSize:
		return s.Key[cryptoKeyHeader : cryptoKeyHeader+aes.BlockSize], nil
	}
	return nil, fmt.Errorf("%w: %d byte(s)", ErrBadKey, len(s.Key))
}

// Encrypt encrypts plaintext under the secret: AES-128-CBC, fixed IV,
// PKCS7 padding.
func (s *Secret) Encrypt(plaintext []byte) ([]byte, error) {
	key, err := s.aesKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	buf := make([]byte, len(plaintext)+pad)
	copy(buf, plaintext)
	for i := len(plaintext); i < len(buf); i++ {
		buf[i] = byte(pad)
	}

	cipher.NewCBCEncrypter(block, aesIV).CryptBlocks(buf, buf)
	return buf, nil
}

// Decrypt decrypts ciphertext produced by Encrypt and strips the padding.
func (s *Secret) Decrypt(ciphertext []byte) ([]byte, error) {
	key, err := s.aesKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("cephx: ciphertext length %d not a block multiple", len(ciphertext))
	}

	buf := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, aesIV).CryptBlocks(buf, ciphertext)

	pad := int(buf[len(buf)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(buf) {
		return nil, fmt.Errorf("cephx: bad padding")
	}
	for _, b := range buf[len(buf)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("cephx: bad padding")
		}
	}
	return buf[:len(buf)-pad], nil
}

// Sign returns the HMAC-SHA256 of msg under the secret.
func (s *Secret) Sign(msg []byte) []byte {
	mac := hmac.New(sha256.New, s.Key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// Verify reports whether sig is a valid signature of msg.
func (s *Secret) Verify(msg, sig []byte) bool {
	return hmac.Equal(s.Sign(msg), sig)
}

// Seal encrypts v wrapped into the magic envelope
//
//	u8 1 | u64 EncMagic | v
//
// under the secret. The receiver proves it used the right key by finding
// the magic intact after decryption.
func (s *Secret) Seal(v denc.Value, f denc.Features) ([]byte, error) {
	w := &denc.Writer{}
	w.U8(1)
	w.U64(EncMagic)
	v.Encode(w, f)
	return s.Encrypt(w.B)
}

// Open decrypts data produced by Seal and decodes the payload into v.
// Any leftover bytes after v are returned for the few structures that
// carry an optional trailer inside the envelope.
func (s *Secret) Open(data []byte, v denc.Value, f denc.Features) (trailer []byte, err error) {
	plaintext, err := s.Decrypt(data)
	if err != nil {
		return nil, err
	}
	r := denc.NewReader(plaintext)
	r.U8() // envelope struct_v
	if magic := r.U64(); r.Err() == nil && magic != EncMagic {
		return nil, fmt.Errorf("%w: %#x", ErrBadMagic, magic)
	}
	if err := v.Decode(r, f); err != nil {
		return nil, err
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return r.Raw(r.Remain()), nil
}
