// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package tracepc implements the coverage sensor: the in-process table of
// instrumentation events (edge counters, indirect-call pairs, comparison
// operands) that the compiler-inserted trampolines feed during a single
// execution of the target, plus the deterministic extraction of an
// ordered Feature stream once that execution completes.
//
// A Sensor is logically a process-wide singleton, since the
// instrumentation ABI carries no user-data slot; callers are expected to
// construct exactly one and route every trampoline call through it.
package tracepc

import (
	"golang.org/x/exp/slices"

	"github.com/corpusfuzz/engine/pkg/feature"
	"github.com/corpusfuzz/engine/pkg/torc"
	"github.com/corpusfuzz/engine/pkg/valuemap"
)

// DefaultMaxNumGuards is the default upper bound on instrumented edges
// (spec.md §6: "max_num_guards ... Default 2^21").
const DefaultMaxNumGuards = 1 << 21

const maxCounter = 255

// Config carries the Sensor's start-up constants.
type Config struct {
	// MaxNumGuards bounds the number of distinct edge guards the sensor
	// will track. Guard ids beyond this are folded modulo the max.
	MaxNumGuards uint32
	// Logf receives a single warning the first (and only the first) time
	// guard ids saturate, at verbosity level 2. Nil is fine; the warning
	// is then dropped.
	Logf func(level int, format string, args ...any)
}

// DefaultConfig returns a Config with spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{MaxNumGuards: DefaultMaxNumGuards}
}

type indirectEvent struct {
	caller, callee feature.PC
}

type cmpEvent struct {
	pc         feature.PC
	arg1, arg2 uint64
}

// Sensor owns the guard table, the cumulative edge-seen bitmap, and the
// per-execution indirect-call and comparison lists. The instrumentation
// callbacks do not allocate in the steady state; reset reuses the lists'
// backing arrays. CollectFeatures builds fresh sort buffers on each call.
type Sensor struct {
	cfg Config

	numGuards uint32 // total guard slots ever assigned, pre-saturation
	saturated bool

	counters []uint8 // len == min(numGuards, MaxNumGuards) + 1; index 0 unused
	edgeSeen []bool  // cumulative; updated only via RecordEdgeObserved

	indirect    []indirectEvent
	comparisons []cmpEvent

	torc4 *torc.Table[uint32]
	torc8 *torc.Table[uint64]

	valueProfile valuemap.Map
}

// NewSensor constructs an empty Sensor. The guard table is allocated
// lazily on the first HandlePCGuardInit call.
func NewSensor(cfg Config) *Sensor {
	if cfg.MaxNumGuards == 0 {
		cfg.MaxNumGuards = DefaultMaxNumGuards
	}
	return &Sensor{
		cfg:   cfg,
		torc4: torc.New[uint32](),
		torc8: torc.New[uint64](),
	}
}

func (s *Sensor) logf(level int, format string, args ...any) {
	if s.cfg.Logf != nil {
		s.cfg.Logf(level, format, args...)
	}
}

// HandlePCGuardInit assigns a fresh, increasing guard id (starting at 1)
// into every slot of guards, then (re)allocates the counter and
// cumulative-edge buffers to fit. It is idempotent: if guards[0] is
// already nonzero, the range is assumed already initialized and the call
// is a no-op, per spec.md §4.4.1.
func (s *Sensor) HandlePCGuardInit(guards []uint32) {
	if len(guards) == 0 {
		return
	}
	if guards[0] != 0 {
		return
	}
	for i := range guards {
		guards[i] = s.nextGuardID()
	}
	s.growBuffers()
}

func (s *Sensor) nextGuardID() uint32 {
	s.numGuards++
	id := s.numGuards
	if id > s.cfg.MaxNumGuards {
		if !s.saturated {
			s.saturated = true
			s.logf(2, "tracepc: instrumented edge count exceeded MaxNumGuards (%d); saturating guard ids", s.cfg.MaxNumGuards)
		}
		id = ((id - 1) % s.cfg.MaxNumGuards) + 1
	}
	return id
}

func (s *Sensor) growBuffers() {
	size := s.numGuards
	if size > s.cfg.MaxNumGuards {
		size = s.cfg.MaxNumGuards
	}
	need := int(size) + 1
	if len(s.counters) >= need {
		return
	}
	counters := make([]uint8, need)
	copy(counters, s.counters)
	s.counters = counters

	seen := make([]bool, need)
	copy(seen, s.edgeSeen)
	s.edgeSeen = seen
}

// HandlePCGuard increments the saturating counter for the given guard id.
// Calling it before HandlePCGuardInit is a precondition violation.
func (s *Sensor) HandlePCGuard(guardID uint32) {
	if len(s.counters) == 0 {
		panic("tracepc: HandlePCGuard called before HandlePCGuardInit")
	}
	if guardID == 0 || int(guardID) >= len(s.counters) {
		return
	}
	if s.counters[guardID] < maxCounter {
		s.counters[guardID]++
	}
}

// HandlePCIndir records an observed indirect call pair.
func (s *Sensor) HandlePCIndir(caller, callee feature.PC) {
	s.indirect = append(s.indirect, indirectEvent{caller: caller, callee: callee})
	hash := (caller & 0xFFF) | ((callee & 0xFFF) << 12)
	s.valueProfile.AddValueModPrime(hash)
}

// HandleTraceCmp1 records a comparison of two bytes.
func (s *Sensor) HandleTraceCmp1(pc feature.PC, a, b uint8) {
	s.recordCmp(pc, uint64(a), uint64(b))
}

// HandleTraceCmp2 records a comparison of two 16-bit operands.
func (s *Sensor) HandleTraceCmp2(pc feature.PC, a, b uint16) {
	s.recordCmp(pc, uint64(a), uint64(b))
}

// HandleTraceCmp4 records a comparison of two 32-bit operands and stores
// it in the 4-byte table of recent compares.
func (s *Sensor) HandleTraceCmp4(pc feature.PC, a, b uint32) {
	s.recordCmp(pc, uint64(a), uint64(b))
	s.torc4.InsertByPopcount(uint64(a), uint64(b), a, b)
}

// HandleTraceCmp8 records a comparison of two 64-bit operands and stores
// it in the 8-byte table of recent compares.
func (s *Sensor) HandleTraceCmp8(pc feature.PC, a, b uint64) {
	s.recordCmp(pc, a, b)
	s.torc8.InsertByPopcount(a, b, a, b)
}

func (s *Sensor) recordCmp(pc feature.PC, a, b uint64) {
	s.comparisons = append(s.comparisons, cmpEvent{pc: pc, arg1: a, arg2: b})
	s.valueProfile.AddValue(a ^ b)
}

// TORC4 returns the table of recent 4-byte compares.
func (s *Sensor) TORC4() *torc.Table[uint32] { return s.torc4 }

// TORC8 returns the table of recent 8-byte compares.
func (s *Sensor) TORC8() *torc.Table[uint64] { return s.torc8 }

// ValueProfile returns the compressed set of observed comparison/indirect
// hashes, for mutators to mine as a dictionary of interesting constants.
func (s *Sensor) ValueProfile() *valuemap.Map { return &s.valueProfile }

// CollectFeatures emits the features observed during the execution just
// finished, in the deterministic order required by spec.md §4.4.5:
// nonzero edge counters in ascending guard-id order, then deduplicated
// indirect-call features sorted by reduced key, then deduplicated
// comparison features sorted by reduced key. The order is independent of
// the arrival order of the underlying callbacks.
func (s *Sensor) CollectFeatures(handle func(feature.Feature)) {
	for i := 1; i < len(s.counters); i++ {
		if s.counters[i] == 0 {
			continue
		}
		handle(feature.NewEdge(uint32(i), feature.Bucket(uint(s.counters[i]))))
	}

	indirectFeats := make([]feature.Feature, len(s.indirect))
	for i, ev := range s.indirect {
		indirectFeats[i] = feature.NewIndirect(ev.caller, ev.callee)
	}
	emitDeduped(indirectFeats, handle)

	cmpFeats := make([]feature.Feature, len(s.comparisons))
	for i, ev := range s.comparisons {
		cmpFeats[i] = feature.NewComparison(ev.pc, ev.arg1, ev.arg2)
	}
	emitDeduped(cmpFeats, handle)
}

// emitDeduped sorts feats by the total order and emits each one, skipping
// runs of consecutive features that share a reduced key.
func emitDeduped(feats []feature.Feature, handle func(feature.Feature)) {
	slices.SortFunc(feats, func(a, b feature.Feature) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		default:
			return 0
		}
	})
	var lastKey feature.ReducedKey
	haveLast := false
	for _, f := range feats {
		key := f.Reduced()
		if haveLast && key == lastKey {
			continue
		}
		handle(f)
		lastKey, haveLast = key, true
	}
}

// ResetCollectedFeatures zeros the counter buffer and clears the indirect
// and comparison lists, preserving their allocated capacity. The
// cumulative edge-seen bitmap is untouched — per spec.md §9 it is updated
// only via RecordEdgeObserved, on corpus acceptance.
func (s *Sensor) ResetCollectedFeatures() {
	for i := range s.counters {
		s.counters[i] = 0
	}
	s.indirect = s.indirect[:0]
	s.comparisons = s.comparisons[:0]
}

// RecordEdgeObserved marks an accepted edge feature's guard id as having
// been exercised by some accepted input, ever. Non-edge features are
// ignored. This makes "total edges ever exercised by an accepted input" a
// well-defined, testable quantity, independent of the transient
// per-execution counters that ResetCollectedFeatures clears.
func (s *Sensor) RecordEdgeObserved(f feature.Feature) {
	if f.Variant != feature.VariantEdge {
		return
	}
	if int(f.GuardID) < len(s.edgeSeen) {
		s.edgeSeen[f.GuardID] = true
	}
}

// TotalEdgesEverObserved returns the number of distinct guard ids ever
// marked via RecordEdgeObserved.
func (s *Sensor) TotalEdgesEverObserved() int {
	n := 0
	for _, seen := range s.edgeSeen {
		if seen {
			n++
		}
	}
	return n
}

// NumGuards returns the number of guard ids assigned so far, before
// saturation folding (i.e. the true number of instrumented edges seen at
// init time, which may exceed MaxNumGuards).
func (s *Sensor) NumGuards() uint32 { return s.numGuards }

// Saturated reports whether guard ids have wrapped modulo MaxNumGuards.
func (s *Sensor) Saturated() bool { return s.saturated }
