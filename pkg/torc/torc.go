// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package torc implements the Table Of Recent Compares: a small,
// ring-indexed memory of the operands seen in recent comparison
// instrumentation events. Mutators mine it later as a dictionary of
// "interesting" constants; this package only maintains the table.
package torc

import "math/bits"

// DefaultSize is the number of slots per table, per the specification's
// configuration knob of the same name.
const DefaultSize = 32

// Pair is a single remembered (arg1, arg2) comparison operand pair.
type Pair[T any] struct {
	Arg1, Arg2 T
	set        bool
}

// Table is a fixed-size array of optional operand pairs, addressed by
// slot = key % size. Writes overwrite unconditionally; there is no
// eviction policy beyond modular replacement.
type Table[T any] struct {
	slots []Pair[T]
}

// New creates a Table with DefaultSize slots.
func New[T any]() *Table[T] {
	return NewSize[T](DefaultSize)
}

// NewSize creates a Table with the given number of slots.
func NewSize[T any](size int) *Table[T] {
	if size <= 0 {
		panic("torc: size must be positive")
	}
	return &Table[T]{slots: make([]Pair[T], size)}
}

// Size returns the number of slots in the table.
func (t *Table[T]) Size() int {
	return len(t.slots)
}

// Insert records (a, b) at slot = key % len(slots), unconditionally
// overwriting whatever was there before.
func (t *Table[T]) Insert(key uint64, a, b T) {
	slot := key % uint64(len(t.slots))
	t.slots[slot] = Pair[T]{Arg1: a, Arg2: b, set: true}
}

// At returns the pair stored at the given slot and whether it is set.
func (t *Table[T]) At(slot int) (Pair[T], bool) {
	p := t.slots[slot]
	return p, p.set
}

// Reset clears every slot.
func (t *Table[T]) Reset() {
	for i := range t.slots {
		t.slots[i] = Pair[T]{}
	}
}

// PopcountSlot is the slot-selection rule the sensor uses for trace-cmp
// events: slot = popcount(a XOR b) + 1, modulo the table size. Near-equal
// operands (small popcount of the XOR) cluster together, which is the
// property that makes this table useful to mutators.
func PopcountSlot(a, b uint64, size int) int {
	return int((uint64(bits.OnesCount64(a^b)) + 1) % uint64(size))
}

// InsertByPopcount is a convenience wrapper combining PopcountSlot and a
// direct slot write (bypassing the key%size addressing Insert uses, since
// the slot is already computed from the popcount rule).
func (t *Table[T]) InsertByPopcount(a, b uint64, arg1, arg2 T) {
	slot := PopcountSlot(a, b, len(t.slots))
	t.slots[slot] = Pair[T]{Arg1: arg1, Arg2: arg2, set: true}
}
