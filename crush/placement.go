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

package crush

// object -> placement group -> devices.

import "lab.nexedi.com/kirr/gorados/denc"

// ObjectToPG maps an object to its placement group.
//
// The placement input is the locator key when one is set, the object
// name otherwise; a non-empty namespace prefixes it with a newline
// separator. The rjenkins string hash of that input, reduced modulo the
// pool's placement-group count, is the group's seed.
func ObjectToPG(name string, loc *denc.ObjectLocator, pgnum uint32) denc.PgId {
	key := loc.Key
	if key == "" {
		key = name
	}
	in := key
	if loc.Nspace != "" {
		in = loc.Nspace + "\n" + key
	}
	return denc.PgId{
		Pool: uint64(loc.Pool),
		Seed: StrHash([]byte(in)) % pgnum,
	}
}

// PGToOSDs maps a placement group to its device set via rule ruleId.
//
// hashpspool tells whether the pool mixes its id into the placement seed
// (modern pools do); without it, pools with equal pg counts place their
// groups onto identical device sets. The result holds at most max ids,
// primary first, and may be shorter when replicas could not be placed.
func PGToOSDs(m *Map, pg denc.PgId, ruleId uint32, weights []uint32, max int, hashpspool bool) ([]int32, error) {
	x := pg.Seed
	if hashpspool {
		x = Hash2(pg.Seed, uint32(pg.Pool))
	}
	return m.DoRule(ruleId, x, max, weights)
}

// ObjectToOSDs maps an object directly to its device set: ObjectToPG
// composed with PGToOSDs.
func ObjectToOSDs(m *Map, name string, loc *denc.ObjectLocator, pgnum uint32,
	ruleId uint32, weights []uint32, max int, hashpspool bool) (denc.PgId, []int32, error) {

	pg := ObjectToPG(name, loc, pgnum)
	osds, err := PGToOSDs(m, pg, ruleId, weights, max, hashpspool)
	return pg, osds, err
}
