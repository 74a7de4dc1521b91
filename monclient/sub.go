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

package monclient
// subscription bookkeeping.

import (
	"time"
)

// monSub tracks which map streams we want from the monitors.
//
// subNew holds subscriptions not yet sent; subSent the ones the current
// session carries. Renewal is due halfway through the interval the
// monitor acked. The caller serializes access.
type monSub struct {
	subNew  map[string]SubItem
	subSent map[string]SubItem

	renewSent  time.Time // when the last round went out; zero in between
	renewAfter time.Time // when to renew; zero before the first ack
}

func newMonSub() *monSub {
	return &monSub{
		subNew:  make(map[string]SubItem),
		subSent: make(map[string]SubItem),
	}
}

// haveNew tells whether a subscription round is pending.
func (s *monSub) haveNew() bool {
	return len(s.subNew) != 0
}

// needRenew tells whether the acked renewal deadline passed.
func (s *monSub) needRenew(now time.Time) bool {
	return !s.renewAfter.IsZero() && now.After(s.renewAfter)
}

// pending returns a copy of the subscriptions to send next.
func (s *monSub) pending() map[string]SubItem {
	what := make(map[string]SubItem, len(s.subNew))
	for k, v := range s.subNew {
		what[k] = v
	}
	return what
}

// renewed marks the pending subscriptions as sent.
func (s *monSub) renewed(now time.Time) {
	if s.renewSent.IsZero() {
		s.renewSent = now
	}
	for what, item := range s.subNew {
		s.subSent[what] = item
		delete(s.subNew, what)
	}
}

// acked schedules the next renewal halfway into the granted interval.
func (s *monSub) acked(interval time.Duration) {
	if !s.renewSent.IsZero() {
		s.renewAfter = s.renewSent.Add(interval / 2)
		s.renewSent = time.Time{}
	}
}

// got records delivery of a map: the subscription advances past the
// received version, or goes away if it was onetime.
func (s *monSub) got(what string, version uint64) {
	if item, ok := s.subNew[what]; ok {
		if item.Start <= version {
			if item.Flags&SubOnetime != 0 {
				delete(s.subNew, what)
			} else {
				item.Start = version + 1
				s.subNew[what] = item
			}
		}
		return
	}
	if item, ok := s.subSent[what]; ok {
		if item.Start <= version {
			if item.Flags&SubOnetime != 0 {
				delete(s.subSent, what)
			} else {
				item.Start = version + 1
				s.subSent[what] = item
			}
		}
	}
}

// reload moves sent subscriptions back to pending, for resending after
// a reconnect. It reports whether anything is pending.
func (s *monSub) reload() bool {
	for what, item := range s.subSent {
		if _, ok := s.subNew[what]; !ok {
			s.subNew[what] = item
		}
	}
	return s.haveNew()
}

// want adds or updates a subscription. false means an identical one is
// already tracked.
func (s *monSub) want(what string, start uint64, flags uint8) bool {
	item := SubItem{Start: start, Flags: flags}
	if cur, ok := s.subNew[what]; ok {
		if cur == item {
			return false
		}
	} else if cur, ok := s.subSent[what]; ok && cur == item {
		return false
	}
	s.subNew[what] = item
	return true
}

// incWant raises the start version of a subscription; lower or equal
// versions leave it as is.
func (s *monSub) incWant(what string, start uint64, flags uint8) bool {
	if cur, ok := s.subNew[what]; ok {
		if cur.Start >= start {
			return false
		}
		s.subNew[what] = SubItem{Start: start, Flags: flags}
		return true
	}
	if cur, ok := s.subSent[what]; ok && cur.Start >= start {
		return false
	}
	s.subNew[what] = SubItem{Start: start, Flags: flags}
	return true
}

// unwant drops a subscription.
func (s *monSub) unwant(what string) {
	delete(s.subNew, what)
	delete(s.subSent, what)
}

// clear drops everything.
func (s *monSub) clear() {
	s.subNew = make(map[string]SubItem)
	s.subSent = make(map[string]SubItem)
	s.renewSent = time.Time{}
	s.renewAfter = time.Time{}
}
