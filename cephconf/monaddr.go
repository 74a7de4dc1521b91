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
// monitor address strings

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// default monitor ports per protocol version.
const (
	portMsgr2  = 3300
	portLegacy = 6789
)

// MonAddr is one endpoint of a monitor.
type MonAddr struct {
	Ver  int // msgr protocol version: 1 legacy, 2 msgr2
	Host string
	Port int
}

// HostPort returns the endpoint in dialable host:port form.
func (a MonAddr) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a MonAddr) String() string {
	return fmt.Sprintf("v%d:%s", a.Ver, a.HostPort())
}

// Mon is one logical monitor with its alternative endpoints, msgr2 first.
type Mon struct {
	Addrs []MonAddr
}

// V2 returns the monitor's msgr2 endpoint.
func (m Mon) V2() (MonAddr, bool) {
	for _, a := range m.Addrs {
		if a.Ver == 2 {
			return a, true
		}
	}
	return MonAddr{}, false
}

func (m Mon) String() string {
	av := make([]string, len(m.Addrs))
	for i, a := range m.Addrs {
		av[i] = a.String()
	}
	return "[" + strings.Join(av, ",") + "]"
}

// ParseMonAddrs parses a "mon host" string into logical monitors.
//
// The string is a whitespace-separated list of monitors. A bracketed
// entry `[v2:HOST:PORT,v1:HOST:PORT]` is one monitor with alternative
// protocol endpoints; a bare entry is split on commas into individual
// single-endpoint monitors, as in the classic `a,b,c` form. Untagged
// addresses are taken as msgr2. Within every monitor v2 endpoints are
// sorted before v1.
func ParseMonAddrs(s string) ([]Mon, error) {
	var monv []Mon
	for _, token := range strings.Fields(s) {
		bracketed := strings.HasPrefix(token, "[") && strings.HasSuffix(token, "]")
		if bracketed {
			token = token[1 : len(token)-1]
		}

		var addrs []MonAddr
		for _, as := range strings.Split(token, ",") {
			as = strings.TrimSpace(as)
			if as == "" {
				continue
			}
			a, err := parseMonAddr(as)
			if err != nil {
				return nil, err
			}
			if bracketed {
				addrs = append(addrs, a)
			} else {
				monv = append(monv, Mon{Addrs: []MonAddr{a}})
			}
		}
		if bracketed && len(addrs) > 0 {
			monv = append(monv, Mon{Addrs: addrs})
		}
	}
	if len(monv) == 0 {
		return nil, fmt.Errorf("cephconf: no monitor addresses in %q", s)
	}

	for _, m := range monv {
		sort.SliceStable(m.Addrs, func(i, j int) bool {
			return m.Addrs[i].Ver > m.Addrs[j].Ver
		})
	}
	return monv, nil
}

// parseMonAddr parses one `[vN:]HOST[:PORT]` element.
func parseMonAddr(s string) (MonAddr, error) {
	a := MonAddr{Ver: 2}
	switch {
	case strings.HasPrefix(s, "v1:"):
		a.Ver, s = 1, s[3:]
	case strings.HasPrefix(s, "v2:"):
		s = s[3:]
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		// no port; a bare [v6::addr] still carries brackets
		host = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
		if a.Ver == 1 {
			port = strconv.Itoa(portLegacy)
		} else {
			port = strconv.Itoa(portMsgr2)
		}
	}
	if host == "" {
		return MonAddr{}, fmt.Errorf("cephconf: invalid monitor address %q", s)
	}
	a.Host = host
	a.Port, err = strconv.Atoi(port)
	if err != nil || a.Port <= 0 || a.Port > 0xffff {
		return MonAddr{}, fmt.Errorf("cephconf: invalid monitor port in %q", s)
	}
	return a, nil
}
