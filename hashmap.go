// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cq

import (
	"sync/atomic"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// invalidThreadID is the reserved sentinel: it can never be a valid
// key. Goroutine ids are small positive integers, so neither 0 (the
// empty-slot marker) nor ^0 ever occurs naturally.
const invalidThreadID uint64 = ^uint64(0)

// hashEntry is one open-addressed slot. Keys are immutable once
// written; values are monotonic: once non-nil they stay non-nil for
// the life of the table.
type hashEntry[T any] struct {
	key   atomix.Uint64
	value atomic.Pointer[implicitQueue[T]]
}

// hashGeneration is one power-of-two-sized probe array. Resizing
// chains a doubled generation in front; entries already published in
// older generations are never moved, so pointers into them stay valid
// and lookups walk newest to oldest.
type hashGeneration[T any] struct {
	mask    uint64
	entries []hashEntry[T]
	prev    *hashGeneration[T]
}

// implicitHash maps goroutine ids to their implicit producer engines.
// Linear probing, key 0 = empty, growth at 50% load factor.
type implicitHash[T any] struct {
	_        pad
	count    atomix.Uint64
	resizing atomix.Bool
	current  atomic.Pointer[hashGeneration[T]]
	_        pad
}

func (t *implicitHash[T]) init(initialSize uint64) {
	size := ceilToPow2(initialSize)
	if size < 2 {
		size = 2
	}
	t.current.Store(&hashGeneration[T]{
		mask:    size - 1,
		entries: make([]hashEntry[T], size),
	})
}

// get looks key up across all generations, newest first. Within a
// generation the probe stops at the first empty slot: an entry present
// there would have been visible before anything probed past it.
func (t *implicitHash[T]) get(key uint64) (*implicitQueue[T], bool) {
	h := mix64(key)
	for gen := t.current.Load(); gen != nil; gen = gen.prev {
		idx := h & gen.mask
		for {
			k := gen.entries[idx].key.LoadAcquire()
			if k == key {
				v := gen.entries[idx].value.Load()
				return v, v != nil
			}
			if k == 0 {
				break
			}
			idx = (idx + 1) & gen.mask
		}
	}
	return nil, false
}

// getOrAdd installs value under key in the newest generation, or
// returns the value already registered there. The second result
// reports whether value was added.
//
// Panics on the reserved sentinel key: registering it is a programmer
// error.
func (t *implicitHash[T]) getOrAdd(key uint64, value *implicitQueue[T]) (*implicitQueue[T], bool) {
	if key == invalidThreadID {
		panic("cq: reserved thread id")
	}

	t.maybeGrow()

	h := mix64(key)
	gen := t.current.Load()
	idx := h & gen.mask
	for probes := uint64(0); ; {
		entry := &gen.entries[idx]
		k := entry.key.LoadAcquire()
		if k == 0 {
			if entry.key.CompareAndSwapAcqRel(0, key) {
				entry.value.Store(value)
				t.count.AddAcqRel(1)
				return value, true
			}
			k = entry.key.LoadAcquire()
		}
		if k == key {
			if v := entry.value.Load(); v != nil {
				return v, false
			}
			if entry.value.CompareAndSwap(nil, value) {
				t.count.AddAcqRel(1)
				return value, true
			}
			return entry.value.Load(), false
		}

		idx = (idx + 1) & gen.mask
		if probes++; probes > gen.mask {
			// Swept a full generation without landing: force growth
			// and restart in the fresh one.
			t.growLocked(gen)
			gen = t.current.Load()
			idx = h & gen.mask
			probes = 0
		}
	}
}

// maybeGrow resizes when the number of registered keys, counted across
// all generations, would exceed half the newest generation's capacity.
func (t *implicitHash[T]) maybeGrow() {
	gen := t.current.Load()
	if (t.count.LoadRelaxed()+1)*2 <= gen.mask+1 {
		return
	}
	t.growLocked(gen)
}

// growLocked serializes resizers on a spin flag and chains a doubled
// generation, re-checking under the flag so concurrent growers don't
// stack doublings.
func (t *implicitHash[T]) growLocked(seen *hashGeneration[T]) {
	sw := spin.Wait{}
	for !t.resizing.CompareAndSwapAcqRel(false, true) {
		sw.Once()
	}
	gen := t.current.Load()
	if gen == seen {
		size := (gen.mask + 1) << 1
		t.current.Store(&hashGeneration[T]{
			mask:    size - 1,
			entries: make([]hashEntry[T], size),
			prev:    gen,
		})
	}
	t.resizing.StoreRelease(false)
}
