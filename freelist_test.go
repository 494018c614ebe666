// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cq

import (
	"runtime"
	"sync"
	"testing"

	"code.hybscloud.com/atomix"
)

// TestFreeListAddGet round-trips blocks through the free list and
// checks the refcount invariant at quiescence: low bits 1 (the list's
// own reference), add flag clear.
func TestFreeListAddGet(t *testing.T) {
	var fl freeList[int]

	blocks := make([]*Block[int], 8)
	for i := range blocks {
		blocks[i] = newBlock[int](4, flagsMethod)
		fl.add(blocks[i])
	}

	for b := fl.getHead(); b != nil; b = b.freeNext.Load() {
		refs := b.freeRefs.LoadRelaxed()
		if refs&freeListRefsMask != 1 || refs&freeListAddFlag != 0 {
			t.Fatalf("quiescent refs: got %#x, want 1", refs)
		}
	}

	got := make(map[*Block[int]]bool)
	for range blocks {
		b := fl.tryGet()
		if b == nil {
			t.Fatal("tryGet: nil before list drained")
		}
		if got[b] {
			t.Fatal("tryGet: block handed out twice")
		}
		got[b] = true
		if refs := b.freeRefs.LoadRelaxed(); refs != 0 {
			t.Fatalf("taken block refs: got %#x, want 0", refs)
		}
	}
	if b := fl.tryGet(); b != nil {
		t.Fatal("tryGet on empty list: got block, want nil")
	}
}

// TestFreeListLIFO verifies stack order under single-threaded use.
func TestFreeListLIFO(t *testing.T) {
	var fl freeList[int]
	a := newBlock[int](4, counterMethod)
	b := newBlock[int](4, counterMethod)
	fl.add(a)
	fl.add(b)
	if got := fl.tryGet(); got != b {
		t.Fatal("tryGet: want most recently added block")
	}
	if got := fl.tryGet(); got != a {
		t.Fatal("tryGet: want first added block")
	}
}

// TestFreeListConcurrentChurn hammers add/tryGet from many goroutines
// and verifies block conservation: every block is always owned by
// exactly one holder, and all blocks are accounted for at the end.
func TestFreeListConcurrentChurn(t *testing.T) {
	if RaceEnabled {
		t.Skip("skip: refcount protocol uses cross-variable memory ordering")
	}

	const (
		numWorkers = 8
		numBlocks  = 16
	)
	rounds := 100000
	if testing.Short() {
		rounds = 10000
	}

	var fl freeList[int]
	blocks := make([]*Block[int], numBlocks)
	for i := range blocks {
		blocks[i] = newBlock[int](4, flagsMethod)
		fl.add(blocks[i])
	}

	var held atomix.Int64
	var wg sync.WaitGroup
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range rounds {
				b := fl.tryGet()
				if b == nil {
					runtime.Gosched()
					continue
				}
				held.AddAcqRel(1)
				// Exclusive ownership: refs must be zero while held.
				if refs := b.freeRefs.LoadRelaxed(); refs != 0 {
					t.Errorf("held block refs: got %#x, want 0", refs)
					return
				}
				held.AddAcqRel(-1)
				fl.add(b)
			}
		}()
	}
	wg.Wait()

	if held.Load() != 0 {
		t.Fatalf("held counter: got %d, want 0", held.Load())
	}

	// Conservation: all blocks are back on the list, each exactly once.
	onList := make(map[*Block[int]]bool)
	for b := fl.getHead(); b != nil; b = b.freeNext.Load() {
		if onList[b] {
			t.Fatal("block linked twice")
		}
		onList[b] = true
		refs := b.freeRefs.LoadRelaxed()
		if refs&freeListRefsMask != 1 || refs&freeListAddFlag != 0 {
			t.Fatalf("quiescent refs: got %#x, want 1", refs)
		}
	}
	if len(onList) != numBlocks {
		t.Fatalf("blocks on list: got %d, want %d", len(onList), numBlocks)
	}
}

// TestBlockPolicies covers the emptiness transitions of both slot
// policies per the block contract.
func TestBlockPolicies(t *testing.T) {
	t.Run("flags", func(t *testing.T) {
		b := newBlock[int](4, flagsMethod)
		if !b.isEmpty() {
			t.Fatal("fresh block must be empty")
		}
		b.reset()
		if b.isEmpty() {
			t.Fatal("reset block must not be empty")
		}
		for i := range uint64(4) {
			if b.setEmpty(i) {
				t.Fatal("flags setEmpty must always return false")
			}
		}
		if !b.isEmpty() {
			t.Fatal("block must be empty after all slots set")
		}
		b.setAllEmpty()
		if b.setEmpty(0) {
			t.Fatal("setEmpty after setAllEmpty must return false")
		}
	})

	t.Run("counter", func(t *testing.T) {
		b := newBlock[int](4, counterMethod)
		if !b.isEmpty() {
			t.Fatal("fresh block must be empty")
		}
		b.reset()
		if b.isEmpty() {
			t.Fatal("reset block must not be empty")
		}
		for i := range uint64(3) {
			if b.setEmpty(i) {
				t.Fatalf("setEmpty(%d): early transition", i)
			}
		}
		if !b.setEmpty(3) {
			t.Fatal("setEmpty(3): transition flag expected")
		}
		if !b.isEmpty() {
			t.Fatal("block must be empty after transition")
		}

		b.reset()
		if b.setSomeEmpty(0, 3) {
			t.Fatal("setSomeEmpty(0,3): early transition")
		}
		if !b.setSomeEmpty(3, 1) {
			t.Fatal("setSomeEmpty(3,1): transition flag expected")
		}
	})
}

// TestBlockManagerRequisitionOrder verifies pool → free list → alloc
// and the CannotAlloc failure.
func TestBlockManagerRequisitionOrder(t *testing.T) {
	m := newBlockManager[int](4, 2, counterMethod)

	a := m.RequisitionBlock(CannotAlloc)
	b := m.RequisitionBlock(CannotAlloc)
	if a == nil || b == nil {
		t.Fatal("pool blocks must be available without allocation")
	}
	if !a.hasOwner || !b.hasOwner {
		t.Fatal("pool blocks must be owner-marked")
	}
	if m.RequisitionBlock(CannotAlloc) != nil {
		t.Fatal("CannotAlloc with empty pool and list must fail")
	}

	m.ReturnBlock(a)
	if got := m.RequisitionBlock(CannotAlloc); got != a {
		t.Fatal("returned block must be requisitioned from the free list")
	}

	c := m.RequisitionBlock(CanAlloc)
	if c == nil {
		t.Fatal("CanAlloc must allocate")
	}
	if c.hasOwner {
		t.Fatal("allocated block must not be owner-marked")
	}

	// Chain return: blocks must all land on the free list.
	a.next = b
	b.next = c
	c.next = nil
	m.ReturnBlocks(a)
	seen := 0
	for blk := m.list.getHead(); blk != nil; blk = blk.freeNext.Load() {
		seen++
	}
	if seen != 3 {
		t.Fatalf("free list length: got %d, want 3", seen)
	}
}
