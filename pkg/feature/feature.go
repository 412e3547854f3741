// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package feature implements the closed tagged-union Feature model: the
// unit of progress the fuzzing core tracks. A Feature is either an edge
// hit, an indirect-call pair, or a comparison event; each reduces to a
// smaller dedup key and carries a fixed, per-variant score.
package feature

import "math/bits"

// Variant discriminates the three kinds of Feature. It is a closed set by
// design: exhaustive switches over Variant are required everywhere a
// Feature is consumed, so this is a plain enum rather than an interface.
type Variant uint8

const (
	VariantEdge Variant = iota
	VariantIndirect
	VariantComparison
)

// PC is an opaque, machine-word-sized instruction location. Only equality
// and hashing are ever performed on it.
type PC = uint64

// Per-variant fixed scores (spec.md §3, §9 Open Questions: "choose values
// such that edge >= indirect > comparison and document them"). Edges and
// indirect calls are weighted equally and above comparisons because they
// represent new control-flow reached, while a comparison event only
// indicates a data value that brought a branch closer to being taken.
const (
	ScoreEdge       = 3.0
	ScoreIndirect   = 3.0
	ScoreComparison = 1.0
)

// Bucket maps a raw hit count (n >= 1) to its 3-bit counter bucket. This
// bucketing is load-bearing: two edges with different bucketed counts are
// distinct features, and the boundaries below are part of the
// specification, not a tuning knob.
func Bucket(n uint) uint8 {
	switch {
	case n == 0:
		return 0 // never hit; collect_features skips these anyway
	case n == 1:
		return 0
	case n == 2:
		return 1
	case n == 3:
		return 2
	case n <= 7:
		return 3
	case n <= 15:
		return 4
	case n <= 31:
		return 5
	case n <= 127:
		return 6
	default:
		return 7
	}
}

// ReducedKey is the deduplication key a Feature collapses to: near-miss
// variants of "the same" event share a ReducedKey even if their raw
// payload differs. It is comparable and therefore usable as a map key.
type ReducedKey struct {
	Variant Variant
	A, B    uint64
}

// Feature is a single observed instrumentation event. Exactly one of the
// three payload groups below is meaningful, selected by Variant.
type Feature struct {
	Variant Variant

	// Edge payload.
	GuardID       uint32
	CounterBucket uint8

	// Indirect payload.
	Caller, Callee PC

	// Comparison payload.
	CmpPC      PC
	Arg1, Arg2 uint64
}

// NewEdge constructs an Edge feature.
func NewEdge(guardID uint32, counterBucket uint8) Feature {
	return Feature{Variant: VariantEdge, GuardID: guardID, CounterBucket: counterBucket}
}

// NewIndirect constructs an Indirect feature.
func NewIndirect(caller, callee PC) Feature {
	return Feature{Variant: VariantIndirect, Caller: caller, Callee: callee}
}

// NewComparison constructs a Comparison feature.
func NewComparison(pc PC, arg1, arg2 uint64) Feature {
	return Feature{Variant: VariantComparison, CmpPC: pc, Arg1: arg1, Arg2: arg2}
}

// bitDistanceBucket folds popcount(arg1^arg2), which ranges 0..64, into a
// 6-bit (0..63) bucket by clamping the single value 6 bits cannot hold (a
// full 64-bit flip) down into the top bucket alongside 63.
func bitDistanceBucket(arg1, arg2 uint64) uint64 {
	d := uint64(bits.OnesCount64(arg1 ^ arg2))
	if d > 63 {
		d = 63
	}
	return d
}

// Reduced computes the deduplication key for this feature, per spec.md §4.3.
func (f Feature) Reduced() ReducedKey {
	switch f.Variant {
	case VariantEdge:
		return ReducedKey{Variant: VariantEdge, A: uint64(f.GuardID), B: uint64(f.CounterBucket)}
	case VariantIndirect:
		a := (f.Caller & 0xFFF) | ((f.Callee & 0xFFF) << 12)
		return ReducedKey{Variant: VariantIndirect, A: a}
	case VariantComparison:
		return ReducedKey{
			Variant: VariantComparison,
			A:       f.CmpPC & 0xFFF,
			B:       bitDistanceBucket(f.Arg1, f.Arg2),
		}
	default:
		panic("feature: unknown variant")
	}
}

// Score returns the fixed score for this feature's variant.
func (f Feature) Score() float64 {
	switch f.Variant {
	case VariantEdge:
		return ScoreEdge
	case VariantIndirect:
		return ScoreIndirect
	case VariantComparison:
		return ScoreComparison
	default:
		panic("feature: unknown variant")
	}
}

// Less defines the total order required for deterministic corpus
// acceptance: first by variant, then by reduced key, then by raw payload.
func (f Feature) Less(other Feature) bool {
	if f.Variant != other.Variant {
		return f.Variant < other.Variant
	}
	fr, or := f.Reduced(), other.Reduced()
	if fr.A != or.A {
		return fr.A < or.A
	}
	if fr.B != or.B {
		return fr.B < or.B
	}
	switch f.Variant {
	case VariantEdge:
		if f.GuardID != other.GuardID {
			return f.GuardID < other.GuardID
		}
		return f.CounterBucket < other.CounterBucket
	case VariantIndirect:
		if f.Caller != other.Caller {
			return f.Caller < other.Caller
		}
		return f.Callee < other.Callee
	case VariantComparison:
		if f.CmpPC != other.CmpPC {
			return f.CmpPC < other.CmpPC
		}
		if f.Arg1 != other.Arg1 {
			return f.Arg1 < other.Arg1
		}
		return f.Arg2 < other.Arg2
	default:
		panic("feature: unknown variant")
	}
}
