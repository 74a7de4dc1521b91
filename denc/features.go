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

package denc

// Features is the set of protocol features negotiated for a session.
//
// A feature is a bit in a 64-bit mask. Retired bits get reused over time,
// so the full identity of a feature is its bit plus the incarnation bits
// that were current when it was introduced. Plain bit tests (Has) are for
// the Feature* constants; the FeatureMask* constants carry bit+incarnation
// and must be tested with HasSignificant.
type Features uint64

// incarnations distinguish reuse of retired feature bits.
const (
	incarnation1 Features = 0
	incarnation2 Features = 1 << 57       // server jewel
	incarnation3 Features = 1<<57 | 1<<28 // server jewel + mimic
)

// feature bits that affect wire encodings this module handles.
const (
	FeaturePGID64           Features = 1 << 9
	FeaturePGPool3          Features = 1 << 11
	FeatureOSDEnc           Features = 1 << 13
	FeatureServerLuminous   Features = 1 << 21
	FeatureServerMimic      Features = 1 << 28
	FeatureServerNautilus   Features = 1 << 2
	FeatureServerOctopus    Features = 1 << 16
	FeatureServerSquid      Features = 1 << 49
	FeatureServerTentacle   Features = 1 << 50
	FeatureNewOSDOpEncoding Features = 1 << 56
	FeatureMsgAddr2         Features = 1 << 59
	FeatureCRUSHV2          Features = 1 << 36
	FeatureOSDPoolResend    Features = 1 << 23
)

// full feature masks: bit + incarnation.
const (
	FeatureMaskPGID64           = FeaturePGID64 | incarnation1
	FeatureMaskPGPool3          = FeaturePGPool3 | incarnation1
	FeatureMaskOSDEnc           = FeatureOSDEnc | incarnation1
	FeatureMaskServerLuminous   = FeatureServerLuminous | incarnation2
	FeatureMaskServerMimic      = FeatureServerMimic | incarnation2
	FeatureMaskServerNautilus   = FeatureServerNautilus | incarnation3
	FeatureMaskServerOctopus    = FeatureServerOctopus | incarnation3
	FeatureMaskServerSquid      = FeatureServerSquid | incarnation2
	FeatureMaskServerTentacle   = FeatureServerTentacle | incarnation2
	FeatureMaskNewOSDOpEncoding = FeatureNewOSDOpEncoding | incarnation1
	FeatureMaskMsgAddr2         = FeatureMsgAddr2 | incarnation1
	FeatureMaskCRUSHV2          = FeatureCRUSHV2 | incarnation1
	FeatureMaskOSDPoolResend    = FeatureOSDPoolResend | incarnation2
)

// SignificantFeatures is the union of the feature masks that change how
// structures are encoded. Bits outside this set never affect what this
// module puts on or expects from the wire.
const SignificantFeatures = FeatureMaskPGID64 |
	FeatureMaskPGPool3 |
	FeatureMaskOSDEnc |
	FeatureMaskOSDPoolResend |
	FeatureMaskNewOSDOpEncoding |
	FeatureMaskMsgAddr2 |
	FeatureMaskServerLuminous |
	FeatureMaskServerMimic |
	FeatureMaskServerNautilus |
	FeatureMaskServerOctopus |
	FeatureMaskServerTentacle

// Has reports whether feature bit f is present in the mask.
//
// It must be used only with the Feature* bit constants - for FeatureMask*
// use HasSignificant.
func (m Features) Has(f Features) bool { return m&f != 0 }

// HasSignificant reports whether full feature mask f - bit plus
// incarnation - is present in the mask.
func (m Features) HasSignificant(f Features) bool { return m&f == f }

// Significant returns the subset of the mask that affects wire encodings.
func (m Features) Significant() Features { return m & SignificantFeatures }
