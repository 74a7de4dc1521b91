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
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"lab.nexedi.com/kirr/gorados/cephx"
	"lab.nexedi.com/kirr/gorados/denc"
)

// b64key serializes key as a base64 CryptoKey record, the way
// ceph-authtool writes keys into keyring files.
func b64key(key string) string {
	blob := denc.Encode(cephx.NewSecret([]byte(key)), 0)
	return base64.StdEncoding.EncodeToString(blob)
}

func TestParseKeyring(t *testing.T) {
	adminKey := "0123456789abcdef"
	testKey := "fedcba9876543210"
	text := fmt.Sprintf(`
# generated by ceph-authtool
[client.admin]
	key = %s
	caps mgr = "allow *"
	caps mon = "allow *"
	caps osd = "allow *"

[client.test]
	key = %s
	caps mon = "allow r"
	unknown field = ignored
`, b64key(adminKey), b64key(testKey))

	kr, err := ParseKeyring(text)
	if err != nil {
		t.Fatal(err)
	}

	secret, err := kr.SecretFor("client.admin")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(secret, []byte(adminKey)) {
		t.Errorf("admin secret: got %q", secret)
	}

	sec, err := kr.KeyFor("client.test")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sec.Key, []byte(testKey)) {
		t.Errorf("test secret: got %q", sec.Key)
	}

	if _, err := kr.SecretFor("client.nonexistent"); err == nil {
		t.Errorf("secret for unknown entity")
	}

	if caps, ok := kr.Caps("client.test", "mon"); !ok || caps != `"allow r"` {
		t.Errorf("caps: got %q, %v", caps, ok)
	}
	if _, ok := kr.Caps("client.admin", "mds"); ok {
		t.Errorf("caps for unknown service")
	}

	ev := kr.Entities()
	sort.Strings(ev)
	if len(ev) != 2 || ev[0] != "client.admin" || ev[1] != "client.test" {
		t.Errorf("entities: %v", ev)
	}
}

func TestParseKeyringBadKey(t *testing.T) {
	_, err := ParseKeyring("[client.admin]\nkey = not!base64\n")
	if err == nil {
		t.Errorf("bad key parsed without error")
	}
}

func TestWatchKeyring(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keyring")

	write := func(key string) {
		t.Helper()
		text := fmt.Sprintf("[client.admin]\n\tkey = %s\n", b64key(key))
		// atomic replace, as key rotation tools do
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, []byte(text), 0600); err != nil {
			t.Fatal(err)
		}
		if err := os.Rename(tmp, path); err != nil {
			t.Fatal(err)
		}
	}

	write("0123456789abcdef")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updatev, err := WatchKeyring(ctx, path)
	if err != nil {
		t.Fatal(err)
	}

	write("fedcba9876543210")
	select {
	case kr := <-updatev:
		secret, err := kr.SecretFor("client.admin")
		if err != nil {
			t.Fatal(err)
		}
		if string(secret) != "fedcba9876543210" {
			t.Errorf("updated secret: got %q", secret)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("keyring update was not delivered")
	}

	cancel()
	select {
	case _, ok := <-updatev:
		if ok {
			t.Errorf("update after cancel")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("watch did not stop on cancel")
	}
}
