// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package prng

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestGoldenStream locks in the first four Uint32 draws for seed 42. These
// values are derived directly from the LCG transition mandated by the
// specification and must never change across implementations or releases.
func TestGoldenStream(t *testing.T) {
	r := New(42)
	want := []uint32{3234350541, 527020623, 250494401, 2135749886}
	for i, w := range want {
		got := r.Uint32()
		require.Equalf(t, w, got, "draw %d", i)
	}
}

func TestReproducibility(t *testing.T) {
	a := New(0xC0FFEE)
	b := New(0xC0FFEE)
	for i := 0; i < 1000; i++ {
		require.Equal(t, a.Uint64(), b.Uint64())
	}
}

func TestBoolUsesLowBit(t *testing.T) {
	r := New(1)
	// Just exercise both branches occur over a long enough stream.
	seenTrue, seenFalse := false, false
	for i := 0; i < 100; i++ {
		if r.Bool() {
			seenTrue = true
		} else {
			seenFalse = true
		}
	}
	require.True(t, seenTrue)
	require.True(t, seenFalse)
}

func TestIntRangeEmptyPanics(t *testing.T) {
	r := New(1)
	require.Panics(t, func() { r.IntRange(5, 5) })
	require.Panics(t, func() { r.IntRange(6, 5) })
}

func TestIntRangeBounds(t *testing.T) {
	r := New(7)
	for i := 0; i < 1000; i++ {
		v := r.IntRange(10, 20)
		require.GreaterOrEqual(t, v, uint64(10))
		require.Less(t, v, uint64(20))
	}
}

// TestWeightedPick reproduces scenario S6 from the specification: given
// cumulative weights [5, 7, 17, 18] and a draw that resolves to r=14, the
// pick must land on index 2. Seed 4 was chosen because its first Uint64
// draw is congruent to 13 mod 18, i.e. IntRange(0, 18) == 13 and r == 14.
func TestWeightedPick(t *testing.T) {
	r := New(4)
	idx := r.WeightedPick([]uint64{5, 7, 17, 18})
	require.Equal(t, 2, idx)
}

func TestWeightedPickDistribution(t *testing.T) {
	weights := []uint64{3, 3, 3, 3} // four equal buckets, cumulative [3,6,9,12]
	cumulative := []uint64{3, 6, 9, 12}
	r := New(99)
	counts := make([]int, len(weights))
	const trials = 20000
	for i := 0; i < trials; i++ {
		counts[r.WeightedPick(cumulative)]++
	}
	for _, c := range counts {
		frac := float64(c) / trials
		require.InDelta(t, 0.25, frac, 0.03)
	}
}

func TestShuffleIsPermutation(t *testing.T) {
	r := New(123)
	n := 20
	seq := make([]int, n)
	for i := range seq {
		seq[i] = i
	}
	r.Shuffle(n, func(i, j int) { seq[i], seq[j] = seq[j], seq[i] })

	seen := make(map[int]bool, n)
	for _, v := range seq {
		require.False(t, seen[v], "duplicate value %d after shuffle", v)
		seen[v] = true
	}
	require.Len(t, seen, n)
}
