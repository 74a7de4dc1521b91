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

// rule execution - the selection loop.

import "github.com/golang/glog"

// isOut reports whether device item is excluded from placement for
// input x given the live weight table.
//
// Full weight is never out and zero weight always is. In between the
// verdict is probabilistic on (x, item), with probability 1 - w/0x10000,
// so a reweight shifts only the proportional share of inputs instead of
// remapping everything.
func isOut(weights []uint32, item int32, x uint32) bool {
	if item < 0 || int(item) >= len(weights) {
		return true
	}
	w := weights[item]
	if w >= WeightFull {
		return false
	}
	if w == 0 {
		return true
	}
	return Hash2(x, uint32(item))&0xffff >= w
}

// DoRule executes the rule over input x and returns the selected ids,
// at most resultMax of them.
//
// weights is the live device weight table indexed by device id (16.16
// fixed-point, from the cluster map, distinct from the topology weights
// inside buckets). A replica that cannot be placed within the retry
// budget is silently omitted - the result may be shorter than requested.
func (m *Map) DoRule(ruleId uint32, x uint32, resultMax int, weights []uint32) ([]int32, error) {
	rule, err := m.Rule(ruleId)
	if err != nil {
		return nil, err
	}

	var result, work, scratch []int32

	// tunables; rule steps may override for the rest of the execution
	chooseTries := m.ChooseTotalTries
	varyR := m.ChooseleafVaryR
	stable := m.ChooseleafStable

	for _, step := range rule.Steps {
		switch step.Op {
		case OpTake:
			work = append(work[:0], step.Arg1)

		case OpChooseFirstN, OpChooseLeafFirstN:
			numrep := int(step.Arg1)
			switch {
			case step.Arg1 == 0:
				numrep = resultMax
			case step.Arg1 < 0:
				numrep = resultMax + int(step.Arg1)
			}
			leaf := step.Op == OpChooseLeafFirstN

			scratch = scratch[:0]
			for _, item := range work {
				err = m.chooseFirstN(item, x, numrep, step.Arg2, &scratch,
					weights, chooseTries, leaf, varyR, stable)
				if err != nil {
					return nil, err
				}
			}
			work = append(work[:0], scratch...)

		case OpEmit:
			for _, item := range work {
				if len(result) < resultMax {
					result = append(result, item)
				}
			}

		case OpSetChooseTries:
			chooseTries = uint32(step.Arg1)
		case OpSetChooseLeafVaryR:
			varyR = uint8(step.Arg1)
		case OpSetChooseLeafStable:
			stable = uint8(step.Arg1)

		case OpNoop, OpSetChooseLeafTries, OpSetChooseLocalTries, OpSetChooseLocalFallbackTries:
			// accepted and ignored; they tune code paths the firstn
			// selection below does not have

		default:
			glog.Warningf("crush: rule %d: unsupported step op %d; skipped", ruleId, step.Op)
		}
	}

	return result, nil
}

// chooseFirstN selects numrep distinct items of wantType from within
// bucket id, appending them to *out.
//
// For each replica the attempt loop runs up to tries times with failure
// counter ftotal; the effective selector is r+ftotal when vary_r is
// active, and replica 0's selector throughout when stable is. A picked
// item of the wrong type is descended into without consuming a retry;
// collisions with *out and devices that are out consume one, and the
// retry resumes from the bucket the descent reached, not from id. leaf
// additionally descends each chosen bucket down to a device before
// accepting the replica.
func (m *Map) chooseFirstN(id int32, x uint32, numrep int, wantType int32,
	out *[]int32, weights []uint32, tries uint32, leaf bool, varyR, stable uint8) error {

	// taking a device directly: accept it if devices are what is wanted
	if id >= 0 {
		if wantType == 0 && !isOut(weights, id, x) {
			*out = append(*out, id)
		}
		return nil
	}

	bucket, err := m.Bucket(id)
	if err != nil {
		return err
	}

	for rep := 0; rep < numrep; rep++ {
		r := uint32(rep)
		if stable != 0 {
			r = 0
		}

		// the descent position persists across retries of one replica;
		// only the next replica starts over from the top
		cur := bucket

	tries:
		for ftotal := uint32(0); ftotal < tries; ftotal++ {
			rp := r
			if varyR != 0 {
				rp = r + ftotal
			}

			// descend through wrong-typed buckets
			for {
				item, ok := bucketChoose(cur, x, rp)
				if !ok {
					continue tries
				}

				itemType := int32(0)
				if item < 0 {
					b, err := m.Bucket(item)
					if err != nil {
						continue tries // a dangling id in the map is a retry, not a failure
					}
					itemType = b.Type
				}

				if itemType != wantType {
					if item >= 0 {
						// a device where a bucket type was wanted
						continue tries
					}
					cur, err = m.Bucket(item)
					if err != nil {
						return err
					}
					continue
				}

				if contains(*out, item) {
					continue tries // collision
				}
				if item >= 0 && isOut(weights, item, x) {
					continue tries
				}

				if leaf && item < 0 {
					// descend the chosen bucket down to one device
					before := len(*out)
					err = m.chooseFirstN(item, x, 1, 0, out, weights, tries, true, varyR, stable)
					if err != nil {
						return err
					}
					if len(*out) > before {
						break tries
					}
					continue tries // no leaf found in there
				}

				*out = append(*out, item)
				break tries
			}
		}
		// replica not placed after all tries: omitted, not an error
	}

	return nil
}

func contains(s []int32, v int32) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
