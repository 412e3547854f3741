// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package valuemap implements the value-profile bitmap: a fixed-size set
// of observed comparison/indirect-call hashes, compressed into a single
// flat bit array so that membership and insertion are both O(1).
package valuemap

import "math/bits"

const (
	// SizeInBits is the number of addressable slots in the bitmap. Must
	// stay a power of two.
	SizeInBits = 1 << 16
	// PrimeMod is used by AddValueModPrime to decorrelate values that are
	// naturally power-of-two aligned (indirect call pointers) before they
	// are folded into the bitmap.
	PrimeMod = 65371
)

const wordBits = 64

// Map is a fixed SizeInBits-bit array. The zero value is ready to use.
type Map struct {
	words [SizeInBits / wordBits]uint64
}

// AddValue sets the bit at v % SizeInBits and reports whether it
// transitioned from 0 to 1.
func (m *Map) AddValue(v uint64) bool {
	idx := v % SizeInBits
	word, bit := idx/wordBits, idx%wordBits
	mask := uint64(1) << bit
	old := m.words[word]
	m.words[word] = old | mask
	return old&mask == 0
}

// AddValueModPrime folds v through PrimeMod before calling AddValue. This
// matters for indirect-call hashes, whose low bits are frequently
// power-of-two correlated (function pointers are aligned) and would
// otherwise collide disproportionately in the low words of the bitmap.
func (m *Map) AddValueModPrime(v uint64) bool {
	return m.AddValue(v % PrimeMod)
}

// Reset zeroes the whole bitmap.
func (m *Map) Reset() {
	for i := range m.words {
		m.words[i] = 0
	}
}

// ForEach calls handle(idx) once for every set bit, in strictly ascending
// idx order.
func (m *Map) ForEach(handle func(idx uint64)) {
	for w, word := range m.words {
		if word == 0 {
			continue
		}
		base := uint64(w) * wordBits
		for word != 0 {
			bit := uint64(bits.TrailingZeros64(word))
			handle(base + bit)
			word &= word - 1 // clear the lowest set bit
		}
	}
}
