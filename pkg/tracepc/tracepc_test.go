// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tracepc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corpusfuzz/engine/pkg/feature"
)

func TestGuardInitAssignsIncreasingIDs(t *testing.T) {
	s := NewSensor(DefaultConfig())
	guards := make([]uint32, 4)
	s.HandlePCGuardInit(guards)
	require.Equal(t, []uint32{1, 2, 3, 4}, guards)
	require.EqualValues(t, 4, s.NumGuards())
}

func TestGuardInitIsIdempotent(t *testing.T) {
	s := NewSensor(DefaultConfig())
	guards := make([]uint32, 3)
	s.HandlePCGuardInit(guards)
	first := append([]uint32(nil), guards...)

	s.HandlePCGuardInit(guards) // second call on the same, already-initialized range
	require.Equal(t, first, guards)
	require.EqualValues(t, 3, s.NumGuards())
}

func TestGuardInitEmptyRangeIsNoop(t *testing.T) {
	s := NewSensor(DefaultConfig())
	s.HandlePCGuardInit(nil)
	require.EqualValues(t, 0, s.NumGuards())
}

func TestMultipleGuardRangesAccumulate(t *testing.T) {
	s := NewSensor(DefaultConfig())
	a := make([]uint32, 2)
	b := make([]uint32, 3)
	s.HandlePCGuardInit(a)
	s.HandlePCGuardInit(b)
	require.Equal(t, []uint32{1, 2}, a)
	require.Equal(t, []uint32{3, 4, 5}, b)
}

func TestHandlePCGuardBeforeInitPanics(t *testing.T) {
	s := NewSensor(DefaultConfig())
	require.Panics(t, func() { s.HandlePCGuard(1) })
}

func TestHandlePCGuardIncrementsAndSaturates(t *testing.T) {
	s := NewSensor(DefaultConfig())
	guards := make([]uint32, 1)
	s.HandlePCGuardInit(guards)
	id := guards[0]

	for i := 0; i < 300; i++ {
		s.HandlePCGuard(id)
	}

	var got feature.Feature
	found := false
	s.CollectFeatures(func(f feature.Feature) {
		found = true
		got = f
	})
	require.True(t, found)
	require.Equal(t, feature.VariantEdge, got.Variant)
	require.Equal(t, uint8(7), got.CounterBucket) // saturated counter (255) maps to the top bucket
}

func TestHandlePCGuardIgnoresZeroAndOutOfRange(t *testing.T) {
	s := NewSensor(DefaultConfig())
	guards := make([]uint32, 1)
	s.HandlePCGuardInit(guards)

	require.NotPanics(t, func() {
		s.HandlePCGuard(0)
		s.HandlePCGuard(999)
	})
	var count int
	s.CollectFeatures(func(feature.Feature) { count++ })
	require.Zero(t, count)
}

func TestGuardSaturationFoldsIDsAndWarnsOnce(t *testing.T) {
	var warnings []string
	cfg := Config{
		MaxNumGuards: 2,
		Logf: func(level int, format string, args ...any) {
			warnings = append(warnings, format)
		},
	}
	s := NewSensor(cfg)
	guards := make([]uint32, 5)
	s.HandlePCGuardInit(guards)

	// ids 1, 2 assigned directly; 3, 4, 5 fold modulo 2 back onto 1, 2, 1.
	require.Equal(t, []uint32{1, 2, 1, 2, 1}, guards)
	require.True(t, s.Saturated())
	require.Len(t, warnings, 1, "the saturation warning must fire exactly once")
}

func TestCollectFeaturesEdgeOrderAndSkipsZero(t *testing.T) {
	s := NewSensor(DefaultConfig())
	guards := make([]uint32, 3)
	s.HandlePCGuardInit(guards)

	s.HandlePCGuard(guards[2])
	s.HandlePCGuard(guards[0])
	s.HandlePCGuard(guards[0])
	// guards[1] never hit.

	var got []feature.Feature
	s.CollectFeatures(func(f feature.Feature) { got = append(got, f) })

	require.Len(t, got, 2)
	require.Equal(t, guards[0], got[0].GuardID)
	require.Equal(t, guards[2], got[1].GuardID)
}

func TestCollectFeaturesDedupsIndirectByReducedKey(t *testing.T) {
	s := NewSensor(DefaultConfig())
	// 0x1001 and 0x2002 differ in their low 12 bits (0x001 vs 0x002), so
	// swapping caller/callee between them actually changes the reduced key.
	s.HandlePCIndir(0x1001, 0x2002)
	s.HandlePCIndir(0x1001, 0x2002) // exact repeat
	s.HandlePCIndir(0x2002, 0x1001) // swapped caller/callee: distinct reduced key

	var got []feature.Feature
	s.CollectFeatures(func(f feature.Feature) { got = append(got, f) })
	require.Len(t, got, 2)
}

func TestCollectFeaturesDedupsComparisonsByBitDistanceBucket(t *testing.T) {
	s := NewSensor(DefaultConfig())
	s.HandleTraceCmp8(0x42, 1, 1)  // popcount(xor) == 0
	s.HandleTraceCmp8(0x42, 5, 5)  // also popcount(xor) == 0, same pc: dedups with the above
	s.HandleTraceCmp8(0x42, 0, 1)  // popcount(xor) == 1: distinct bucket

	var got []feature.Feature
	s.CollectFeatures(func(f feature.Feature) { got = append(got, f) })
	require.Len(t, got, 2)
}

func TestResetClearsCountersAndListsButNotEdgeSeen(t *testing.T) {
	s := NewSensor(DefaultConfig())
	guards := make([]uint32, 1)
	s.HandlePCGuardInit(guards)
	s.HandlePCGuard(guards[0])
	s.HandlePCIndir(1, 2)
	s.HandleTraceCmp4(0x10, 3, 4)

	var before []feature.Feature
	s.CollectFeatures(func(f feature.Feature) { before = append(before, f) })
	require.NotEmpty(t, before)
	for _, f := range before {
		s.RecordEdgeObserved(f)
	}
	require.Equal(t, 1, s.TotalEdgesEverObserved())

	s.ResetCollectedFeatures()

	var after []feature.Feature
	s.CollectFeatures(func(f feature.Feature) { after = append(after, f) })
	require.Empty(t, after, "reset must clear transient counters and lists")
	require.Equal(t, 1, s.TotalEdgesEverObserved(), "cumulative edge-seen bitmap survives reset")
}

func TestRecordEdgeObservedIgnoresNonEdgeFeatures(t *testing.T) {
	s := NewSensor(DefaultConfig())
	guards := make([]uint32, 1)
	s.HandlePCGuardInit(guards)

	s.RecordEdgeObserved(feature.NewIndirect(1, 2))
	s.RecordEdgeObserved(feature.NewComparison(1, 2, 3))
	require.Zero(t, s.TotalEdgesEverObserved())
}

func TestTraceCmp4AndCmp8PopulateTORC(t *testing.T) {
	s := NewSensor(DefaultConfig())
	s.HandleTraceCmp4(0x10, 7, 7)
	p, ok := s.TORC4().At(1 % s.TORC4().Size())
	require.True(t, ok)
	require.Equal(t, uint32(7), p.Arg1)

	s.HandleTraceCmp8(0x20, 1, 2)
	_, ok = s.TORC8().At(PopcountSlotForTest(1, 2, s.TORC8().Size()))
	require.True(t, ok)
}

// PopcountSlotForTest mirrors torc.PopcountSlot without importing the torc
// package's test internals, keeping this test file dependency-light.
func PopcountSlotForTest(a, b uint64, size int) int {
	x := a ^ b
	n := 0
	for x != 0 {
		n++
		x &= x - 1
	}
	return (n + 1) % size
}

func TestValueProfileRecordsIndirectAndComparisonHashes(t *testing.T) {
	s := NewSensor(DefaultConfig())
	isNew := s.ValueProfile().AddValueModPrime(0)
	require.True(t, isNew) // sanity: fresh map

	s.HandlePCIndir(1, 2)
	s.HandleTraceCmp8(0x10, 5, 9)
	// A value profile with any observations should no longer be all-zero;
	// re-adding the same indirect hash must now report "not new".
	hash := (uint64(1) & 0xFFF) | ((uint64(2) & 0xFFF) << 12)
	require.False(t, s.ValueProfile().AddValueModPrime(hash))
}
