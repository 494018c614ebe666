// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cq

import (
	"sync/atomic"

	"code.hybscloud.com/atomix"
)

// invalidBlockBase marks an unused implicit index entry. Real bases
// are multiples of blockSize (>= 2), so 1 can never collide.
const invalidBlockBase uint64 = 1

// implicitEntry maps a block's base tail index to the block. The value
// is cleared by whichever consumer empties the block, so entries are
// reusable while their keys keep older lookups stable.
type implicitEntry[T any] struct {
	key   atomix.Uint64
	value atomic.Pointer[Block[T]]
}

// implicitIndexArray is one generation of the implicit block index.
//
// The layout is doubled: entries is the storage introduced by this
// generation, index holds pointers to every live entry: the previous
// generation's pointers copied into the low half (oldest first) and
// the fresh entries in the high half. Lookups therefore span
// generations without rehashing, and a key survives as long as any
// active block references it.
type implicitIndexArray[T any] struct {
	size    uint64
	tail    atomix.Uint64
	entries []implicitEntry[T]
	index   []*implicitEntry[T]
	prev    *implicitIndexArray[T]
}

// implicitQueue is the slow, thread-keyed engine: single producer per
// goroutine, multiple consumers. It keeps no block ring; each block is
// discovered through its index entry, keyed by the block's base tail
// index. Blocks are returned to the manager by the consumer that
// observes the counter policy's empty transition, the only release
// site outside queue death.
type implicitQueue[T any] struct {
	_               pad
	headIndex       atomix.Uint64
	_               pad
	tailIndex       atomix.Uint64
	_               pad
	dequeueAttempts atomix.Uint64
	dequeueFailures atomix.Uint64
	_               pad

	currentIndex atomic.Pointer[implicitIndexArray[T]]
	manager      BlockManager[T]
	blockSize    uint64
	sizeLog2     uint64

	// producer-only fields
	tailBlock   *Block[T]
	entriesSize uint64
}

func newImplicitQueue[T any](initialIndexSize, blockSize uint64, manager BlockManager[T]) *implicitQueue[T] {
	p := &implicitQueue[T]{
		manager:   manager,
		blockSize: blockSize,
		sizeLog2:  bitWidth(blockSize) - 1,
	}
	initial := ceilToPow2(initialIndexSize) >> 1
	if initial < 2 {
		initial = 2
	}
	p.entriesSize = initial
	p.createIndexArray()
	return p
}

// createIndexArray publishes the next index generation: the previous
// generation's pointer array copied into the low half (oldest entry
// first) and a fresh storage array, keyed invalid, in the high half.
// The new tail lands one before the first fresh slot so the next
// insert claims it.
func (p *implicitQueue[T]) createIndexArray() {
	prev := p.currentIndex.Load()
	prevSize := uint64(0)
	entryCount := p.entriesSize
	if prev != nil {
		prevSize = prev.size
		entryCount = prevSize
	}

	arr := &implicitIndexArray[T]{
		size:    p.entriesSize,
		entries: make([]implicitEntry[T], entryCount),
		index:   make([]*implicitEntry[T], p.entriesSize),
		prev:    prev,
	}

	if prev != nil {
		tail := prev.tail.LoadRelaxed()
		i := tail
		j := uint64(0)
		for {
			i = (i + 1) & (prevSize - 1)
			arr.index[j] = prev.index[i]
			j++
			if i == tail {
				break
			}
		}
	}
	for i := range arr.entries {
		arr.entries[i].key.StoreRelaxed(invalidBlockBase)
		arr.index[prevSize+uint64(i)] = &arr.entries[i]
	}

	arr.tail.StoreRelaxed((prevSize - 1) & (arr.size - 1))
	p.currentIndex.Store(arr)
	p.entriesSize <<= 1
}

// insertIndexEntry claims the slot after tail for a block starting at
// blockBase. The slot is reusable iff its key is invalid or its block
// pointer has been cleared by a releasing consumer; otherwise the
// index is full and, in CanAlloc mode, grows.
func (p *implicitQueue[T]) insertIndexEntry(mode AllocMode, blockBase uint64) (*implicitEntry[T], bool) {
	arr := p.currentIndex.Load()
	newTail := (arr.tail.LoadRelaxed() + 1) & (arr.size - 1)
	entry := arr.index[newTail]
	if entry.key.LoadRelaxed() == invalidBlockBase || entry.value.Load() == nil {
		entry.key.StoreRelaxed(blockBase)
		arr.tail.StoreRelease(newTail)
		return entry, true
	}

	if mode == CannotAlloc {
		return nil, false
	}
	p.createIndexArray()
	arr = p.currentIndex.Load()
	newTail = (arr.tail.LoadRelaxed() + 1) & (arr.size - 1)
	entry = arr.index[newTail]
	entry.key.StoreRelaxed(blockBase)
	arr.tail.StoreRelease(newTail)
	return entry, true
}

// rewindIndexTail backs out the most recent insertIndexEntry after a
// failed requisition, so no garbage entry is left published.
func (p *implicitQueue[T]) rewindIndexTail() {
	arr := p.currentIndex.Load()
	arr.tail.StoreRelaxed((arr.tail.LoadRelaxed() - 1) & (arr.size - 1))
}

// indexFor locates the entry slot covering the given element index.
// The key at tail anchors the mapping; entries for older blocks sit at
// fixed negative offsets because every generation copies the pointer
// array contiguously.
func (p *implicitQueue[T]) indexFor(index uint64) (*implicitIndexArray[T], uint64) {
	arr := p.currentIndex.Load()
	tail := arr.tail.LoadAcquire()
	tailBase := arr.index[tail].key.LoadRelaxed()
	offset := ((index &^ (p.blockSize - 1)) - tailBase) >> p.sizeLog2
	return arr, (tail + offset) & (arr.size - 1)
}

// enqueue appends one element. Single producer per goroutine: callers
// reach this engine through the thread-id hash, so at most one
// goroutine enqueues here at a time.
func (p *implicitQueue[T]) enqueue(mode AllocMode, elem *T) bool {
	tail := p.tailIndex.LoadRelaxed()
	inner := tail & (p.blockSize - 1)
	if inner == 0 {
		if !circularLessThan(p.headIndex.LoadRelaxed(), tail+p.blockSize) {
			return false
		}

		// Claim the index slot before requisitioning: a block without
		// an entry would be unreachable for consumers.
		entry, ok := p.insertIndexEntry(mode, tail)
		if !ok {
			return false
		}
		nb := p.manager.RequisitionBlock(mode)
		if nb == nil {
			p.rewindIndexTail()
			entry.value.Store(nil)
			return false
		}
		nb.reset()
		nb.next = nil
		entry.value.Store(nb)
		p.tailBlock = nb
	}

	*p.tailBlock.slot(inner) = *elem
	p.tailIndex.StoreRelease(tail + 1)
	return true
}

// enqueueBulk appends len(elems) elements. Unlike the explicit engine,
// a failed acquisition returns every freshly requisitioned block to
// the manager and clears their entries: the implicit engine keeps no
// ring to park them in.
func (p *implicitQueue[T]) enqueueBulk(mode AllocMode, elems []T) bool {
	count := uint64(len(elems))
	if count == 0 {
		return true
	}

	originTail := p.tailIndex.LoadRelaxed()
	originBlock := p.tailBlock
	var firstAllocated *Block[T]

	rollBack := func() {
		currentTail := (originTail - 1) &^ (p.blockSize - 1)
		for b := firstAllocated; b != nil; b = b.next {
			currentTail += p.blockSize
			arr, idx := p.indexFor(currentTail)
			arr.index[idx].value.Store(nil)
			p.rewindIndexTail()
		}
		p.manager.ReturnBlocks(firstAllocated)
		p.tailBlock = originBlock
	}

	need := ((originTail + count - 1) >> p.sizeLog2) - uint64(int64(originTail-1)>>p.sizeLog2)
	currentTail := (originTail - 1) &^ (p.blockSize - 1)
	for need > 0 {
		currentTail += p.blockSize
		need--

		var (
			entry    *implicitEntry[T]
			inserted bool
			nb       *Block[T]
		)
		full := !circularLessThan(p.headIndex.LoadRelaxed(), currentTail+p.blockSize)
		if !full {
			entry, inserted = p.insertIndexEntry(mode, currentTail)
		}
		if inserted {
			nb = p.manager.RequisitionBlock(mode)
		}
		if full || !inserted || nb == nil {
			if inserted {
				p.rewindIndexTail()
				entry.value.Store(nil)
			}
			rollBack()
			return false
		}

		nb.reset()
		nb.next = nil
		entry.value.Store(nb)

		if originTail&(p.blockSize-1) != 0 || firstAllocated != nil {
			p.tailBlock.next = nb
		}
		p.tailBlock = nb
		if firstAllocated == nil {
			firstAllocated = nb
		}
	}

	startInner := originTail & (p.blockSize - 1)
	cur := originBlock
	if startInner == 0 && firstAllocated != nil {
		cur = firstAllocated
	}
	src := uint64(0)
	for {
		endInner := p.blockSize - 1
		if cur == p.tailBlock {
			endInner = (originTail + count - 1) & (p.blockSize - 1)
		}
		for startInner <= endInner {
			*cur.slot(startInner) = elems[src]
			src++
			startInner++
		}
		if cur == p.tailBlock {
			break
		}
		startInner = 0
		cur = cur.next
	}

	p.tailIndex.StoreRelease(originTail + count)
	return true
}

// dequeue claims one element. Multi-consumer. The consumer that drives
// the block's emptied-slot counter to blockSize clears the entry and
// recycles the block.
func (p *implicitQueue[T]) dequeue(out *T) bool {
	failures := p.dequeueFailures.LoadRelaxed()
	if !circularLessThan(p.dequeueAttempts.LoadRelaxed()-failures, p.tailIndex.LoadAcquire()) {
		return false
	}

	attempts := p.dequeueAttempts.AddAcqRel(1) - 1
	if !circularLessThan(attempts-failures, p.tailIndex.LoadAcquire()) {
		p.dequeueFailures.AddAcqRel(1)
		return false
	}

	index := p.headIndex.AddAcqRel(1) - 1
	inner := index & (p.blockSize - 1)

	arr, idx := p.indexFor(index)
	entry := arr.index[idx]
	blk := entry.value.Load()

	*out = *blk.slot(inner)
	blk.clearSlot(inner)
	if blk.setEmpty(inner) {
		entry.value.Store(nil)
		p.manager.ReturnBlock(blk)
	}
	return true
}

// dequeueBulk claims up to len(out) elements, releasing every block it
// fully drains.
func (p *implicitQueue[T]) dequeueBulk(out []T) int {
	maxCount := uint64(len(out))
	if maxCount == 0 {
		return 0
	}

	failures := p.dequeueFailures.LoadRelaxed()
	desired := p.tailIndex.LoadAcquire() - (p.dequeueAttempts.LoadRelaxed() - failures)
	if !circularLessThan(0, desired) {
		return 0
	}
	if desired > maxCount {
		desired = maxCount
	}

	attempts := p.dequeueAttempts.AddAcqRel(desired) - desired
	actual := p.tailIndex.LoadAcquire() - (attempts - failures)
	if !circularLessThan(0, actual) {
		p.dequeueFailures.AddAcqRel(desired)
		return 0
	}
	if actual > desired {
		actual = desired
	}
	if actual < desired {
		p.dequeueFailures.AddAcqRel(desired - actual)
	}

	first := p.headIndex.AddAcqRel(actual) - actual
	startInner := first & (p.blockSize - 1)

	arr, idx := p.indexFor(first)
	dst := 0
	need := actual
	for need != 0 {
		entry := arr.index[idx]
		blk := entry.value.Load()

		endInner := p.blockSize
		if need < p.blockSize-startInner {
			endInner = need + startInner
		}
		for ci := startInner; ci != endInner; ci++ {
			out[dst] = *blk.slot(ci)
			dst++
			blk.clearSlot(ci)
			need--
		}
		if blk.setSomeEmpty(startInner, endInner-startInner) {
			entry.value.Store(nil)
			p.manager.ReturnBlock(blk)
		}
		startInner = 0
		idx = (idx + 1) & (arr.size - 1)
	}
	return int(actual)
}

func (p *implicitQueue[T]) size() uint64 {
	tail := p.tailIndex.LoadRelaxed()
	head := p.headIndex.LoadRelaxed()
	if circularLessThan(head, tail) {
		return tail - head
	}
	return 0
}
