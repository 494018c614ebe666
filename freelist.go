// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cq

import (
	"sync/atomic"

	"code.hybscloud.com/spin"
)

// freeList is a lock-free intrusive stack of recyclable blocks.
//
// Each block carries a 32-bit refcount word: the low 31 bits count
// holders (the list itself counts as one), the top bit is set while an
// add is pending. A block is reachable from head iff its low bits are
// >= 1 and the add flag is clear, except transiently during add.
//
// The refcount protocol makes head immune to ABA: a taker holds a ref
// across the head CAS, so a block cannot be recycled and re-pushed
// while another taker still dereferences it. Blocks are never freed
// while the queue lives, so the pointers themselves stay valid.
type freeList[T any] struct {
	_    pad
	head atomic.Pointer[Block[T]]
	_    pad
}

// add inserts b at the head.
//
// The producer first raises the add flag; if the previous refcount was
// zero it owns the publish. Otherwise a concurrent tryGet still holds
// a reference and has undertaken to republish the block when its
// decrement observes refs == addFlag+1.
func (l *freeList[T]) add(b *Block[T]) {
	if b.freeRefs.AddAcqRel(freeListAddFlag)-freeListAddFlag == 0 {
		l.innerAdd(b)
	}
}

// tryGet attempts to pop the head block. Returns nil if the list is
// empty.
func (l *freeList[T]) tryGet() *Block[T] {
	sw := spin.Wait{}
	head := l.head.Load()
	for head != nil {
		prev := head
		refs := head.freeRefs.LoadRelaxed()
		if refs&freeListRefsMask == 0 || !head.freeRefs.CompareAndSwapAcqRel(refs, refs+1) {
			// Already taken, or an adder is mid-publish. Reload and
			// retry on the (possibly new) head.
			head = l.head.Load()
			sw.Once()
			continue
		}

		// We hold a reference: next cannot be mutated under us.
		next := head.freeNext.Load()
		if l.head.CompareAndSwap(head, next) {
			// Taken. Drop our reference and the list's.
			head.freeRefs.AddAcqRel(^uint32(1))
			return head
		}

		// Lost the race for the head. Drop our reference; if we were
		// the last holder of a pending add, republish.
		refs = prev.freeRefs.AddAcqRel(^uint32(0)) + 1
		if refs == freeListAddFlag+1 {
			l.innerAdd(prev)
		}
		head = l.head.Load()
	}
	return nil
}

// innerAdd publishes a block whose refcount is known to be
// addFlag-only (no other holders).
func (l *freeList[T]) innerAdd(b *Block[T]) {
	head := l.head.Load()
	for {
		// Order matters: next before refs, refs with release so a
		// taker that acquires a ref sees a consistent next.
		b.freeNext.Store(head)
		b.freeRefs.StoreRelease(1)
		if l.head.CompareAndSwap(head, b) {
			return
		}
		head = l.head.Load()
		if b.freeRefs.AddAcqRel(freeListAddFlag-1)-(freeListAddFlag-1) != 1 {
			// A taker claimed the block between our store and the
			// failed CAS; it will republish.
			return
		}
	}
}

// getHead returns the current head without synchronization. Only valid
// when there is no contention (teardown, tests).
func (l *freeList[T]) getHead() *Block[T] {
	return l.head.Load()
}
