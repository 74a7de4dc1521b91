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

package cephconf

import (
	"testing"
	"time"
)

const testConf = `
; cluster handle
fsid = 7150dbe1-1803-44b9-9a3d-b893308fd02e
mon host = [v2:192.168.1.43:40472,v1:192.168.1.43:40473] [v2:192.168.1.43:40474,v1:192.168.1.43:40475]

[global]
ms dispatch throttle bytes = 50M
ms_connection_timeout = 60s
rbd cache = true

[client]
keyring = /etc/ceph/keyring
log file = /var/log/ceph/$name.log

[mon]
debug mon = 20
this line has no value and is skipped
`

func TestParse(t *testing.T) {
	c := Parse(testConf)

	// entries before any section header land in [global]
	get := func(section, key, want string) {
		t.Helper()
		v, ok := c.Get(section, key)
		if !ok {
			t.Fatalf("[%s] %s: missing", section, key)
		}
		if v != want {
			t.Fatalf("[%s] %s: got %q; want %q", section, key, v, want)
		}
	}
	get("global", "fsid", "7150dbe1-1803-44b9-9a3d-b893308fd02e")
	get("client", "keyring", "/etc/ceph/keyring")
	get("mon", "debug mon", "20")

	// ' ' and '_' are the same character in keys
	get("global", "ms_dispatch_throttle_bytes", "50M")
	get("global", "ms connection timeout", "60s")

	if _, ok := c.Get("mon", "this line has no value and is skipped"); ok {
		t.Errorf("junk line parsed as an entry")
	}
	if _, ok := c.Get("osd", "anything"); ok {
		t.Errorf("value from nonexistent section")
	}
}

func TestLookup(t *testing.T) {
	c := Parse(testConf)

	v, ok := c.Lookup("keyring", "client", "global")
	if !ok || v != "/etc/ceph/keyring" {
		t.Errorf("keyring: got %q, %v", v, ok)
	}
	v, ok = c.Lookup("fsid", "client", "global")
	if !ok || v != "7150dbe1-1803-44b9-9a3d-b893308fd02e" {
		t.Errorf("fsid: got %q, %v", v, ok)
	}
	_, ok = c.Lookup("nonexistent", "client", "global")
	if ok {
		t.Errorf("nonexistent entry found")
	}
}

func TestAccessors(t *testing.T) {
	c := Parse(testConf)

	if _, ok := c.MonHost(); !ok {
		t.Errorf("mon host not found")
	}
	monv, err := c.MonAddrs()
	if err != nil {
		t.Fatalf("mon addrs: %s", err)
	}
	if len(monv) != 2 {
		t.Errorf("mon addrs: %d monitor(s); want 2", len(monv))
	}
	if path, ok := c.KeyringPath(); !ok || path != "/etc/ceph/keyring" {
		t.Errorf("keyring path: got %q, %v", path, ok)
	}
	if name := c.EntityName(); name != "client.admin" {
		t.Errorf("default entity name: got %q", name)
	}

	c2 := Parse("[client]\nname = client.rbd\n")
	if name := c2.EntityName(); name != "client.rbd" {
		t.Errorf("entity name: got %q", name)
	}
}

func TestParseSize(t *testing.T) {
	testv := []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"100", 100, true},
		{"100B", 100, true},
		{"1K", 1024, true},
		{"1KB", 1024, true},
		{"1kb", 1024, true},
		{"100M", 100 << 20, true},
		{"100MB", 100 << 20, true},
		{"1G", 1 << 30, true},
		{"1T", 1 << 40, true},
		{"100_M", 100 << 20, true},
		{"1.5M", 1<<20 + 1<<19, true},
		{"", 0, false},
		{"x", 0, false},
		{"1Q", 0, false},
	}
	for _, tt := range testv {
		got, err := ParseSize(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("%q: err = %v; want ok = %v", tt.in, err, tt.ok)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("%q: got %d; want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseDuration(t *testing.T) {
	testv := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"30", 30 * time.Second, true},
		{"30s", 30 * time.Second, true},
		{"30sec", 30 * time.Second, true},
		{"30 seconds", 30 * time.Second, true},
		{"500ms", 500 * time.Millisecond, true},
		{"10us", 10 * time.Microsecond, true},
		{"5m", 5 * time.Minute, true},
		{"5min", 5 * time.Minute, true},
		{"1h", time.Hour, true},
		{"1hr", time.Hour, true},
		{"1d", 24 * time.Hour, true},
		{"0.5s", 500 * time.Millisecond, true},
		{"", 0, false},
		{"1 fortnight", 0, false},
	}
	for _, tt := range testv {
		got, err := ParseDuration(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("%q: err = %v; want ok = %v", tt.in, err, tt.ok)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("%q: got %s; want %s", tt.in, got, tt.want)
		}
	}
}

func TestParseBool(t *testing.T) {
	for _, s := range []string{"true", "True", "yes", "1", "on", "ON"} {
		if v, err := ParseBool(s); err != nil || !v {
			t.Errorf("%q: got %v, %v; want true", s, v, err)
		}
	}
	for _, s := range []string{"false", "False", "no", "0", "off"} {
		if v, err := ParseBool(s); err != nil || v {
			t.Errorf("%q: got %v, %v; want false", s, v, err)
		}
	}
	if _, err := ParseBool("maybe"); err == nil {
		t.Errorf("\"maybe\" parsed as bool")
	}
}

func TestParseRatio(t *testing.T) {
	for _, s := range []string{"0", "0.5", "1", "1.0"} {
		if _, err := ParseRatio(s); err != nil {
			t.Errorf("%q: %s", s, err)
		}
	}
	for _, s := range []string{"1.5", "-0.1", "x"} {
		if _, err := ParseRatio(s); err == nil {
			t.Errorf("%q parsed as ratio", s)
		}
	}
}

func TestOption(t *testing.T) {
	c := Parse(`
[global]
ms dispatch throttle bytes = 50M
ms connection timeout = bogus
rbd cache = true
`)

	size := SizeOption("ms dispatch throttle bytes", 100<<20)
	if v := size.Get(c, "global"); v != 50<<20 {
		t.Errorf("size: got %d", v)
	}

	// malformed value degrades to the default
	timeout := DurationOption("ms connection timeout", 30*time.Second)
	if v := timeout.Get(c, "global"); v != 30*time.Second {
		t.Errorf("malformed duration: got %s", v)
	}

	// missing entry too
	count := CountOption("ms max connections", 128)
	if v := count.Get(c, "global"); v != 128 {
		t.Errorf("missing count: got %d", v)
	}

	cache := BoolOption("rbd cache", false)
	if !cache.Get(c, "client", "global") {
		t.Errorf("bool with section fallback: got false")
	}

	name := StringOption("name", "client.admin")
	if v := name.Get(c, "client", "global"); v != "client.admin" {
		t.Errorf("string default: got %q", v)
	}
}
