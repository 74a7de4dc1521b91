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
// keyring files

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"lab.nexedi.com/kirr/gorados/cephx"
	"lab.nexedi.com/kirr/gorados/internal/log"
)

// Keyring holds long-term secrets of entities read from a keyring file.
type Keyring struct {
	keys map[string]*cephx.Secret
	caps map[string]map[string]string
}

// ParseKeyring parses keyring text.
//
// The format is the same INI dialect as ceph.conf with one `[entity]`
// section per entity. The `key = <base64>` entry carries the secret as
// a serialized CryptoKey record; `caps <service> = ...` entries are kept
// as opaque strings; anything else is ignored.
func ParseKeyring(text string) (*Keyring, error) {
	kr := &Keyring{
		keys: make(map[string]*cephx.Secret),
		caps: make(map[string]map[string]string),
	}
	entity := ""
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] == ';' || line[0] == '#' {
			continue
		}
		if line[0] == '[' && line[len(line)-1] == ']' {
			entity = strings.TrimSpace(line[1 : len(line)-1])
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 || entity == "" {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		value := strings.TrimSpace(line[eq+1:])
		switch {
		case key == "key":
			sec, err := cephx.SecretFromBase64(value)
			if err != nil {
				return nil, fmt.Errorf("keyring: [%s]: %s", entity, err)
			}
			kr.keys[entity] = sec
		case strings.HasPrefix(key, "caps "):
			service := strings.TrimSpace(key[len("caps "):])
			if kr.caps[entity] == nil {
				kr.caps[entity] = make(map[string]string)
			}
			kr.caps[entity][service] = value
		}
	}
	return kr, nil
}

// LoadKeyring reads and parses the keyring file at path.
func LoadKeyring(path string) (*Keyring, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	kr, err := ParseKeyring(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %s", path, err)
	}
	return kr, nil
}

// KeyFor returns the secret of entity.
func (kr *Keyring) KeyFor(entity string) (*cephx.Secret, error) {
	sec, ok := kr.keys[entity]
	if !ok {
		return nil, fmt.Errorf("keyring: no key for %s", entity)
	}
	return sec, nil
}

// SecretFor returns the raw key bytes of entity.
func (kr *Keyring) SecretFor(entity string) ([]byte, error) {
	sec, err := kr.KeyFor(entity)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), sec.Key...), nil
}

// Caps returns the capability string of entity for service.
func (kr *Keyring) Caps(entity, service string) (string, bool) {
	s, ok := kr.caps[entity][service]
	return s, ok
}

// Entities returns the names of all entities with a key.
func (kr *Keyring) Entities() []string {
	ev := make([]string, 0, len(kr.keys))
	for e := range kr.keys {
		ev = append(ev, e)
	}
	return ev
}

// WatchKeyring delivers reparsed keyrings whenever the file at path
// changes, until ctx is done.
//
// The watch is placed on the directory, not the file: editors and
// key-rotation tools replace keyrings atomically via write-to-temp +
// rename, which makes a watch on the file itself go stale. Besides
// fsnotify the file is also rechecked periodically, so lost
// notifications delay an update instead of losing it. A change that
// fails to read or parse is logged and skipped; the previous keyring
// stays in effect.
func WatchKeyring(ctx context.Context, path string) (<-chan *Keyring, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	err = w.Add(dir)
	if err != nil {
		w.Close()
		return nil, err
	}

	last, err := os.ReadFile(path)
	if err != nil {
		w.Close()
		return nil, err
	}

	updatev := make(chan *Keyring)
	go func() {
		defer close(updatev)
		defer w.Close()

		tick := time.NewTicker(1 * time.Second)
		defer tick.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case err := <-w.Errors:
				if err != fsnotify.ErrEventOverflow {
					log.Warningf(ctx, "watch %s: %s", path, err)
				}
				// recheck the file either way

			case ev := <-w.Events:
				if filepath.Base(ev.Name) != base {
					continue
				}

			case <-tick.C:
				// periodic recheck
			}

			data, err := os.ReadFile(path)
			if err != nil {
				// transient during atomic replace
				continue
			}
			if bytes.Equal(data, last) {
				continue
			}
			kr, err := ParseKeyring(string(data))
			if err != nil {
				log.Warningf(ctx, "watch %s: %s", path, err)
				continue
			}
			last = data

			select {
			case updatev <- kr:
			case <-ctx.Done():
				return
			}
		}
	}()
	return updatev, nil
}
