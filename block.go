// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cq

import (
	"sync/atomic"

	"code.hybscloud.com/atomix"
)

// AllocMode selects whether a block requisition may fall back to a
// fresh allocation once the pool and the free list are exhausted.
type AllocMode uint8

const (
	// CanAlloc permits allocating a new block when none is recyclable.
	CanAlloc AllocMode = iota
	// CannotAlloc restricts requisition to the pool and the free list.
	CannotAlloc
)

// blockMethod selects the per-block emptiness policy.
//
// The flags policy tracks one atomic flag per slot; a block is empty
// iff every flag is set. The explicit engine uses it because blocks
// stay in the ring and are only reused once fully empty again.
//
// The counter policy tracks a single count of emptied slots; a block
// becomes empty exactly when the counter reaches blockSize, and
// setEmpty reports that transition. The implicit engine uses it so
// block release happens at one well-defined instant.
type blockMethod uint8

const (
	flagsMethod blockMethod = iota
	counterMethod
)

// Block is fixed-size storage for blockSize elements plus emptiness
// state. Blocks circulate between an engine, the free list, and the
// block pool; at any moment exactly one of them owns a given block.
//
// The type is exported so custom [BlockManager] implementations can be
// injected, but its internals are opaque outside this package.
type Block[T any] struct {
	// free list link: intrusive node, refcount word with the top bit
	// as the insertion-in-progress flag
	freeNext atomic.Pointer[Block[T]]
	freeRefs atomix.Uint32

	// hasOwner marks pool-arena blocks: their storage belongs to the
	// pool, never to the free list.
	hasOwner bool

	method  blockMethod
	elems   []T
	flags   []atomix.Bool // flagsMethod only, len == blockSize
	counter atomix.Uint64 // counterMethod only, emptied-slot count

	// next links in-use blocks: a circular ring for the explicit
	// engine, a plain chain during bulk operations for the implicit
	// engine.
	next *Block[T]
}

const (
	freeListRefsMask uint32 = 0x7fffffff
	freeListAddFlag  uint32 = 0x80000000
)

func newBlock[T any](blockSize uint64, method blockMethod) *Block[T] {
	b := &Block[T]{
		method: method,
		elems:  make([]T, blockSize),
	}
	if method == flagsMethod {
		b.flags = make([]atomix.Bool, blockSize)
	}
	b.setAllEmpty()
	return b
}

// slot returns a pointer to element i.
func (b *Block[T]) slot(i uint64) *T {
	return &b.elems[i]
}

// clearSlot zeroes element i so referenced objects become collectable.
func (b *Block[T]) clearSlot(i uint64) {
	var zero T
	b.elems[i] = zero
}

func (b *Block[T]) blockSize() uint64 {
	return uint64(len(b.elems))
}

// isEmpty reports whether every slot has been emptied. The acquire
// loads establish happens-before with the releasing setEmpty calls, so
// a true result means all prior consumer writes to this block are
// visible.
func (b *Block[T]) isEmpty() bool {
	if b.method == flagsMethod {
		for i := range b.flags {
			if !b.flags[i].LoadAcquire() {
				return false
			}
		}
		return true
	}
	return b.counter.LoadAcquire() == b.blockSize()
}

// setEmpty marks slot i empty with release ordering.
//
// Under the counter policy the return value is the transition flag:
// true iff this call made the block fully empty. The flags policy has
// no meaningful transition and always returns false.
func (b *Block[T]) setEmpty(i uint64) bool {
	if b.method == flagsMethod {
		b.flags[i].StoreRelease(true)
		return false
	}
	return b.counter.AddAcqRel(1) == b.blockSize()
}

// setSomeEmpty marks n contiguous slots starting at i empty. Counter
// policy: a single fetch-add; the return is the transition flag.
func (b *Block[T]) setSomeEmpty(i, n uint64) bool {
	if b.method == flagsMethod {
		for j := uint64(0); j < n; j++ {
			b.flags[i+j].StoreRelease(true)
		}
		return false
	}
	return b.counter.AddAcqRel(n) == b.blockSize()
}

// setAllEmpty puts the block into the fully-empty state.
func (b *Block[T]) setAllEmpty() {
	if b.method == flagsMethod {
		for i := range b.flags {
			b.flags[i].StoreRelease(true)
		}
		return
	}
	b.counter.StoreRelease(b.blockSize())
}

// reset prepares the block for refilling. Producer-only: called before
// the block is (re)published to consumers.
func (b *Block[T]) reset() {
	if b.method == flagsMethod {
		for i := range b.flags {
			b.flags[i].StoreRelaxed(false)
		}
		return
	}
	b.counter.StoreRelaxed(0)
}
