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

// Package cephconf reads Ceph client configuration.
//
// Config parses ceph.conf - an INI dialect with `key = value` entries
// grouped into `[section]`s. Entries before the first section header
// belong to the implicit section "global". In keys ' ' and '_' are
// interchangeable, so "mon host" and "mon_host" name the same entry.
//
// Lookups walk an explicit list of sections in order: a client reads
// e.g. the keyring path from [client] first and falls back to [global].
// Typed accessors parse sizes (K/M/G/T suffixes, powers of 1024),
// durations (s/ms/us/m/h/d and spelled-out forms), booleans, counts and
// ratios. Option bundles a name with a default that is used both when
// the entry is missing and when it fails to parse.
//
// Keyring (keyring.go) reads keyring files with long-term entity
// secrets, and WatchKeyring delivers reparsed keyrings when the file
// changes on disk. ParseMonAddrs (monaddr.go) parses "mon host" strings
// into logical monitors.
package cephconf

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is a parsed configuration: section -> key -> value.
type Config struct {
	sections map[string]map[string]string
}

// Parse parses configuration text.
//
// Lines that are empty or start with ';' or '#' are skipped. Lines
// without '=' outside a `[section]` header are skipped too - ceph.conf
// in the wild carries occasional junk and the reference tools tolerate
// it.
func Parse(text string) *Config {
	c := &Config{sections: make(map[string]map[string]string)}
	section := "global"
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] == ';' || line[0] == '#' {
			continue
		}
		if line[0] == '[' && line[len(line)-1] == ']' {
			section = strings.TrimSpace(line[1 : len(line)-1])
			if c.sections[section] == nil {
				c.sections[section] = make(map[string]string)
			}
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		key := normKey(line[:eq])
		value := strings.TrimSpace(line[eq+1:])
		if c.sections[section] == nil {
			c.sections[section] = make(map[string]string)
		}
		c.sections[section][key] = value
	}
	return c
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(string(data)), nil
}

// normKey canonicalizes a key: trimmed, '_' same as ' '.
func normKey(key string) string {
	return strings.ReplaceAll(strings.TrimSpace(key), "_", " ")
}

// Get returns the value of key in section.
func (c *Config) Get(section, key string) (value string, ok bool) {
	value, ok = c.sections[section][normKey(key)]
	return value, ok
}

// Lookup returns the value of key checking sections in order.
func (c *Config) Lookup(key string, sections ...string) (value string, ok bool) {
	for _, section := range sections {
		if value, ok = c.Get(section, key); ok {
			return value, true
		}
	}
	return "", false
}

// Sections returns the names of all sections.
func (c *Config) Sections() []string {
	sv := make([]string, 0, len(c.sections))
	for s := range c.sections {
		sv = append(sv, s)
	}
	return sv
}

// Keys returns all keys of a section.
func (c *Config) Keys(section string) []string {
	kv := make([]string, 0, len(c.sections[section]))
	for k := range c.sections[section] {
		kv = append(kv, k)
	}
	return kv
}

// MonHost returns the raw "mon host" entry ([global] then [client]).
func (c *Config) MonHost() (string, bool) {
	return c.Lookup("mon host", "global", "client")
}

// MonAddrs returns the monitors listed in "mon host".
func (c *Config) MonAddrs() ([]Mon, error) {
	monHost, ok := c.MonHost()
	if !ok {
		return nil, fmt.Errorf("cephconf: mon host is not set")
	}
	return ParseMonAddrs(monHost)
}

// KeyringPath returns the "keyring" entry ([client] then [global]).
func (c *Config) KeyringPath() (string, bool) {
	return c.Lookup("keyring", "client", "global")
}

// EntityName returns the configured entity name, "client.admin" if unset.
func (c *Config) EntityName() string {
	name, ok := c.Lookup("name", "client", "global")
	if !ok {
		return "client.admin"
	}
	return name
}

// ---- value grammars ----

// splitNum splits s into a leading number and the trailing unit.
func splitNum(s string) (num, unit string) {
	i := 0
	for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.') {
		i++
	}
	return s[:i], s[i:]
}

// ParseSize parses a byte size: a number with an optional suffix
// B/K/KB/M/MB/G/GB/T/TB (powers of 1024, case-insensitive). Underscores
// in the value are ignored, the mantissa may be fractional.
func ParseSize(s string) (uint64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "_", "")
	num, unit := splitNum(s)
	x, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("cephconf: invalid size %q", s)
	}
	var mul uint64
	switch strings.ToUpper(unit) {
	case "", "B":
		mul = 1
	case "K", "KB":
		mul = 1 << 10
	case "M", "MB":
		mul = 1 << 20
	case "G", "GB":
		mul = 1 << 30
	case "T", "TB":
		mul = 1 << 40
	default:
		return 0, fmt.Errorf("cephconf: invalid size unit %q", unit)
	}
	return uint64(x * float64(mul)), nil
}

// ParseDuration parses a duration: a number with an optional time unit.
// Without a unit the value is in seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	num, unit := splitNum(s)
	x, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("cephconf: invalid duration %q", s)
	}
	var scale float64 // seconds per unit
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "", "s", "sec", "second", "seconds":
		scale = 1
	case "ms", "msec", "millisecond", "milliseconds":
		scale = 1e-3
	case "us", "usec", "microsecond", "microseconds":
		scale = 1e-6
	case "m", "min", "minute", "minutes":
		scale = 60
	case "h", "hr", "hour", "hours":
		scale = 3600
	case "d", "day", "days":
		scale = 86400
	default:
		return 0, fmt.Errorf("cephconf: invalid time unit %q", unit)
	}
	return time.Duration(x * scale * float64(time.Second)), nil
}

// ParseBool parses true/yes/1/on and false/no/0/off, case-insensitive.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1", "on":
		return true, nil
	case "false", "no", "0", "off":
		return false, nil
	}
	return false, fmt.Errorf("cephconf: invalid bool %q", s)
}

// ParseCount parses a plain unsigned integer.
func ParseCount(s string) (uint64, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cephconf: invalid count %q", s)
	}
	return n, nil
}

// ParseRatio parses a float in [0, 1].
func ParseRatio(s string) (float64, error) {
	x, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || x < 0 || x > 1 {
		return 0, fmt.Errorf("cephconf: invalid ratio %q", s)
	}
	return x, nil
}

// ---- options ----

// Option is a typed configuration entry with a default.
//
// Get looks the entry up with section fallback and parses it; a missing
// or malformed entry yields the default. Malformed values thus degrade
// to defaults instead of failing the caller - configuration mistakes
// must not take a client down.
type Option[T any] struct {
	Name        string
	Default     T
	Description string

	parse func(string) (T, error)
}

// Get returns the parsed value of the option, checking sections in order.
func (o *Option[T]) Get(c *Config, sections ...string) T {
	s, ok := c.Lookup(o.Name, sections...)
	if !ok {
		return o.Default
	}
	v, err := o.parse(s)
	if err != nil {
		return o.Default
	}
	return v
}

func StringOption(name, def string) Option[string] {
	return Option[string]{Name: name, Default: def,
		parse: func(s string) (string, error) { return s, nil }}
}

func BoolOption(name string, def bool) Option[bool] {
	return Option[bool]{Name: name, Default: def, parse: ParseBool}
}

func SizeOption(name string, def uint64) Option[uint64] {
	return Option[uint64]{Name: name, Default: def, parse: ParseSize}
}

func DurationOption(name string, def time.Duration) Option[time.Duration] {
	return Option[time.Duration]{Name: name, Default: def, parse: ParseDuration}
}

func CountOption(name string, def uint64) Option[uint64] {
	return Option[uint64]{Name: name, Default: def, parse: ParseCount}
}

func RatioOption(name string, def float64) Option[float64] {
	return Option[float64]{Name: name, Default: def, parse: ParseRatio}
}
