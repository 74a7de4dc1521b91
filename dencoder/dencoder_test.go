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

package dencoder

import (
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/gorados/cephmap"
	"lab.nexedi.com/kirr/gorados/cephx"
	"lab.nexedi.com/kirr/gorados/denc"
)

func TestLookup(t *testing.T) {
	for _, name := range []string{"utime_t", "pg_t", "pg_id", "pg_pool_t", "MonMap", "OSDMap::Incremental"} {
		assert.NotNil(t, Lookup(name), name)
	}
	assert.Same(t, Lookup("pg_t"), Lookup("pg_id"), "pg_id is not an alias of pg_t")
	assert.Nil(t, Lookup("no_such_type"))
}

func TestPipeline(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "utime.bin")
	out := filepath.Join(dir, "utime.out")

	data := denc.Encode(&denc.Utime{Sec: 1700000000, Nsec: 42}, 0)
	require.NoError(t, os.WriteFile(in, data, 0666))

	var buf bytes.Buffer
	s := &Session{Out: &buf}

	cmdv := [][]string{
		{"type", "utime_t"},
		{"import", in},
		{"decode"},
		{"dump_json"},
		{"encode"},
		{"export", out},
		{"hexdump"},
		{"get_features"},
	}
	for _, cmd := range cmdv {
		require.NoError(t, s.Do(cmd[0], cmd[1:]), cmd[0])
	}

	got := buf.String()
	for _, want := range []string{
		"Selected type: utime_t",
		"Imported 8 bytes",
		"Decoded successfully (8 bytes consumed, 0 bytes remaining)",
		`"seconds": 1700000000`,
		"Encoded successfully (8 bytes)",
		"Exported 8 bytes",
		"Hex dump (8 bytes):",
		"Current features: 0x0 (0)",
	} {
		assert.Contains(t, got, want)
	}

	exported, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, data, exported, "exported bytes differ from imported")
}

func TestImportStdin(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	s := &Session{Out: io.Discard, In: bytes.NewReader(data)}
	require.NoError(t, s.Import("-"))
	assert.Equal(t, data, s.data)
}

func TestRoundTrip(t *testing.T) {
	addr := denc.EntityAddr{Type: denc.AddrTypeMsgr2, Nonce: 7}
	addr.SetIPPort(net.IPv4(10, 0, 0, 1), 6789)

	testv := []struct {
		typ string
		obj denc.Value
		f   denc.Features
	}{
		{"utime_t", &denc.Utime{Sec: 1, Nsec: 2}, 0},
		{"pg_t", &denc.PgId{Pool: 3, Seed: 0x2a}, 0},
		{"eversion_t", &denc.EVersion{Version: 11, Epoch: 4}, 0},
		{"entity_name_t", &denc.EntityName{Type: denc.EntityTypeClient, Num: 4711}, 0},
		{"entity_addr_t", &addr, denc.FeatureMaskMsgAddr2},
		{"hobject_t", &denc.HObject{OID: "obj", Snap: 4, Hash: 0x1234, Pool: 1}, 0},
		{"osd_info_t", &cephmap.OsdInfo{UpFrom: 5, UpThru: 9}, 0},
		{"CryptoKey", &cephx.Secret{Type: cephx.CryptoAES, Key: []byte("0123456789abcdef")}, 0},
	}

	for _, tt := range testv {
		s := &Session{Out: io.Discard}
		s.typ = Lookup(tt.typ)
		require.NotNil(t, s.typ, tt.typ)
		s.features = tt.f
		s.data = denc.Encode(tt.obj, tt.f)
		orig := append([]byte(nil), s.data...)

		require.NoError(t, s.Decode(), tt.typ)
		require.NoError(t, s.Encode(), tt.typ)
		assert.Equal(t, orig, s.data, "%s: reencoded bytes differ", tt.typ)
	}
}

func TestSetFeatures(t *testing.T) {
	s := &Session{Out: io.Discard}

	require.NoError(t, s.SetFeatures("0x2040"))
	assert.Equal(t, denc.Features(0x2040), s.features)

	require.NoError(t, s.SetFeatures("123"))
	assert.Equal(t, denc.Features(123), s.features)

	assert.Error(t, s.SetFeatures("zzz"))
}

func TestCommandErrors(t *testing.T) {
	testv := []struct {
		name string
		cmdv [][]string
	}{
		{"decode without type", [][]string{{"decode"}}},
		{"decode without data", [][]string{{"type", "pg_t"}, {"decode"}}},
		{"encode without object", [][]string{{"type", "pg_t"}, {"encode"}}},
		{"dump without object", [][]string{{"dump_json"}}},
		{"export without data", [][]string{{"export", "/nonexistent/x"}}},
		{"hexdump without data", [][]string{{"hexdump"}}},
		{"unknown type", [][]string{{"type", "no_such_type"}}},
		{"unknown command", [][]string{{"frobnicate"}}},
	}

	for _, tt := range testv {
		s := &Session{Out: io.Discard}
		var err error
		for _, cmd := range tt.cmdv {
			err = s.Do(cmd[0], cmd[1:])
			if err != nil {
				break
			}
		}
		assert.Error(t, err, tt.name)
	}
}

func TestMainArgs(t *testing.T) {
	err := Main([]string{"type"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing argument")

	err = Main([]string{"frobnicate"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestDumpMonMap(t *testing.T) {
	var addr denc.EntityAddr
	addr.Type = denc.AddrTypeMsgr2
	addr.SetIPPort(net.IPv4(10, 0, 0, 9), 3300)

	m := &cephmap.MonMap{
		Epoch: 3,
		Mons: map[string]*cephmap.MonInfo{
			"a": {
				Name:        "a",
				PublicAddrs: denc.EntityAddrVec{Addrs: []denc.EntityAddr{addr}},
			},
		},
		Ranks: []string{"a"},
	}

	var buf bytes.Buffer
	s := &Session{Out: &buf}
	s.typ = Lookup("MonMap")
	s.obj = m
	require.NoError(t, s.DumpJSON())

	got := buf.String()
	for _, want := range []string{`"epoch": 3`, `"name": "a"`, `"ranks"`, `"election_strategy"`} {
		assert.Contains(t, got, want)
	}
}

func TestDumpOsdInfo(t *testing.T) {
	var buf bytes.Buffer
	s := &Session{Out: &buf}
	s.typ = Lookup("osd_info_t")
	s.obj = &cephmap.OsdInfo{UpFrom: 5, DownAt: 8}
	require.NoError(t, s.DumpJSON())

	got := buf.String()
	for _, want := range []string{`"up_from": 5`, `"down_at": 8`, `"last_clean_begin": 0`} {
		assert.Contains(t, got, want)
	}
}

func TestListTypes(t *testing.T) {
	var buf bytes.Buffer
	s := &Session{Out: &buf}
	require.NoError(t, s.ListTypes())

	got := buf.String()
	for _, want := range []string{"pg_pool_t", "OSDMap::Incremental", "CryptoKey"} {
		assert.Contains(t, got, want)
	}
}
