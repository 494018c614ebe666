// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cq

import (
	"sync/atomic"

	"code.hybscloud.com/atomix"
)

// explicitEntry maps the tail index at which a block was appended to
// the block itself. Entries are plain fields: the entry at tail is
// published by the release store of the array's tail and read under
// the matching acquire load; older entries were published the same way
// earlier.
type explicitEntry[T any] struct {
	base  uint64
	block *Block[T]
}

// explicitIndexArray is one generation of the block index. When it
// fills, a generation of double size is allocated and the live entries
// are copied across (oldest first); old generations stay chained via
// prev until the queue dies so in-flight consumers never chase a freed
// pointer.
type explicitIndexArray[T any] struct {
	size    uint64
	tail    atomix.Uint64 // last published entry index
	entries []explicitEntry[T]
	prev    *explicitIndexArray[T]
}

// explicitQueue is the fast, token-bound engine: single producer,
// multiple consumers. Blocks in use form a circular singly-linked ring
// through next; the producer walks the ring reusing blocks that have
// fully drained, and appends requisitioned blocks otherwise.
//
// Consumers race on dequeueAttempts; a consumer that wins an index past
// the published tail records a failure, keeping attempts-failures equal
// to the count of successful claims. All index arithmetic is circular
// modulo 2^64.
type explicitQueue[T any] struct {
	_               pad
	headIndex       atomix.Uint64
	_               pad
	tailIndex       atomix.Uint64
	_               pad
	dequeueAttempts atomix.Uint64
	dequeueFailures atomix.Uint64
	_               pad

	currentIndex atomic.Pointer[explicitIndexArray[T]]
	manager      BlockManager[T]
	blockSize    uint64
	sizeLog2     uint64

	// producer-only fields
	tailBlock   *Block[T]
	entriesUsed uint64
	entriesSize uint64
	nextEntry   uint64
}

func newExplicitQueue[T any](initialIndexSize, blockSize uint64, manager BlockManager[T]) *explicitQueue[T] {
	p := &explicitQueue[T]{
		manager:   manager,
		blockSize: blockSize,
		sizeLog2:  bitWidth(blockSize) - 1,
	}
	initial := ceilToPow2(initialIndexSize) >> 1
	if initial < 2 {
		initial = 2
	}
	p.entriesSize = initial
	p.createIndexArray(0)
	return p
}

// createIndexArray allocates the next index generation at double the
// current capacity and copies the live entries across, oldest into
// slot 0. filledSlot is the number of entries already consumed by the
// caller's bookkeeping; the new tail is filledSlot-1 masked into
// range. The pre-publication tail is never observed: consumers are
// gated by the attempts/tailIndex check and cannot reach the index
// before the first entry is published.
func (p *explicitQueue[T]) createIndexArray(filledSlot uint64) {
	oldMask := p.entriesSize - 1
	p.entriesSize <<= 1
	arr := &explicitIndexArray[T]{
		size:    p.entriesSize,
		entries: make([]explicitEntry[T], p.entriesSize),
	}

	j := uint64(0)
	if p.entriesUsed != 0 {
		old := p.currentIndex.Load()
		i := (p.nextEntry - p.entriesUsed) & oldMask
		for {
			arr.entries[j] = old.entries[i]
			j++
			i = (i + 1) & oldMask
			if i == p.nextEntry {
				break
			}
		}
	}

	arr.tail.StoreRelaxed((filledSlot - 1) & (arr.size - 1))
	arr.prev = p.currentIndex.Load()
	p.nextEntry = j
	p.currentIndex.Store(arr)
}

// enqueue appends one element. Single-producer. Returns false when the
// engine cannot grow (CannotAlloc with pool and free list exhausted, or
// the head guard tripping at index wrap).
func (p *explicitQueue[T]) enqueue(mode AllocMode, elem *T) bool {
	tail := p.tailIndex.LoadRelaxed()
	inner := tail & (p.blockSize - 1)
	if inner == 0 {
		// Block boundary: reuse the next ring block if it has fully
		// drained, otherwise splice in a fresh one.
		if p.tailBlock != nil && p.tailBlock.next.isEmpty() {
			p.tailBlock = p.tailBlock.next
			p.tailBlock.reset()
		} else {
			if !circularLessThan(p.headIndex.LoadRelaxed(), tail+p.blockSize) {
				return false
			}
			if p.currentIndex.Load() == nil || p.entriesUsed == p.entriesSize {
				if mode == CannotAlloc {
					return false
				}
				p.createIndexArray(p.entriesUsed)
			}
			nb := p.manager.RequisitionBlock(mode)
			if nb == nil {
				return false
			}
			nb.reset()
			if p.tailBlock == nil {
				nb.next = nb
			} else {
				nb.next = p.tailBlock.next
				p.tailBlock.next = nb
			}
			p.tailBlock = nb
			p.entriesUsed++
		}

		arr := p.currentIndex.Load()
		entry := &arr.entries[p.nextEntry]
		entry.base = tail
		entry.block = p.tailBlock
		arr.tail.StoreRelease(p.nextEntry)
		p.nextEntry = (p.nextEntry + 1) & (p.entriesSize - 1)
	}

	*p.tailBlock.slot(inner) = *elem
	p.tailIndex.StoreRelease(tail + 1)
	return true
}

// enqueueBulk appends len(elems) elements with amortized index and
// block acquisition. On a mid-acquisition failure the tail block and
// next-entry cursor rewind; blocks already spliced into the ring stay
// there, empty, and are reused by later enqueues.
func (p *explicitQueue[T]) enqueueBulk(mode AllocMode, elems []T) bool {
	count := uint64(len(elems))
	if count == 0 {
		return true
	}

	originUsed := p.entriesUsed
	originNext := p.nextEntry
	startBlock := p.tailBlock
	startTail := p.tailIndex.LoadRelaxed()
	var firstAppended *Block[T]

	// Blocks already spliced stay in the ring for later enqueues, but
	// they must read as fully empty again or ring reuse would stall on
	// them. The tail block is only restored when the producer had one:
	// for a first-ever enqueue the freshly built ring itself stays the
	// tail, otherwise it would be orphaned.
	rollBack := func() {
		if firstAppended != nil {
			for b := firstAppended; ; b = b.next {
				b.setAllEmpty()
				if b == p.tailBlock {
					break
				}
			}
		}
		p.nextEntry = originNext
		if startBlock != nil {
			p.tailBlock = startBlock
		}
	}

	// Number of fresh block boundaries the run crosses. startTail-1 is
	// shifted as a signed quantity so the first ever enqueue (tail 0)
	// counts its initial boundary.
	need := ((count + startTail - 1) >> p.sizeLog2) - uint64(int64(startTail-1)>>p.sizeLog2)
	currentTail := (startTail - 1) &^ (p.blockSize - 1)

	for need > 0 && p.tailBlock != nil && p.tailBlock.next.isEmpty() {
		need--
		currentTail += p.blockSize

		p.tailBlock = p.tailBlock.next
		if firstAppended == nil {
			firstAppended = p.tailBlock
		}
		p.tailBlock.reset()

		arr := p.currentIndex.Load()
		entry := &arr.entries[p.nextEntry]
		entry.base = currentTail
		entry.block = p.tailBlock
		p.nextEntry = (p.nextEntry + 1) & (p.entriesSize - 1)
	}
	for need > 0 {
		need--
		currentTail += p.blockSize

		if !circularLessThan(p.headIndex.LoadRelaxed(), currentTail+p.blockSize) {
			rollBack()
			return false
		}
		if p.currentIndex.Load() == nil || p.entriesUsed == p.entriesSize {
			if mode == CannotAlloc {
				rollBack()
				return false
			}
			p.createIndexArray(originUsed)
			originNext = originUsed
		}
		nb := p.manager.RequisitionBlock(mode)
		if nb == nil {
			rollBack()
			return false
		}
		nb.reset()
		if p.tailBlock == nil {
			nb.next = nb
		} else {
			nb.next = p.tailBlock.next
			p.tailBlock.next = nb
		}
		p.tailBlock = nb
		if firstAppended == nil {
			firstAppended = nb
		}
		p.entriesUsed++

		arr := p.currentIndex.Load()
		entry := &arr.entries[p.nextEntry]
		entry.base = currentTail
		entry.block = nb
		p.nextEntry = (p.nextEntry + 1) & (p.entriesSize - 1)
	}

	// All blocks acquired; fill them.
	startInner := startTail & (p.blockSize - 1)
	cur := startBlock
	if startInner == 0 && firstAppended != nil {
		cur = firstAppended
	}
	src := uint64(0)
	for {
		endInner := p.blockSize - 1
		if cur == p.tailBlock {
			endInner = (startTail + count - 1) & (p.blockSize - 1)
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

	if firstAppended != nil {
		p.currentIndex.Load().tail.StoreRelease((p.nextEntry - 1) & (p.entriesSize - 1))
	}
	p.tailIndex.StoreRelease(startTail + count)
	return true
}

// dequeue claims one element. Multi-consumer.
func (p *explicitQueue[T]) dequeue(out *T) bool {
	failures := p.dequeueFailures.LoadRelaxed()
	if !circularLessThan(p.dequeueAttempts.LoadRelaxed()-failures, p.tailIndex.LoadAcquire()) {
		return false
	}

	attempts := p.dequeueAttempts.AddAcqRel(1) - 1
	if !circularLessThan(attempts-failures, p.tailIndex.LoadAcquire()) {
		// The queue drained between the speculative check and our
		// claim; balance the attempt.
		p.dequeueFailures.AddAcqRel(1)
		return false
	}

	// The head claim must precede the index array load: otherwise a
	// concurrent producer could publish a tail entry whose base is
	// behind the block our index maps to.
	index := p.headIndex.AddAcqRel(1) - 1
	inner := index & (p.blockSize - 1)

	arr := p.currentIndex.Load()
	ieIndex := arr.tail.LoadAcquire()
	tailBase := arr.entries[ieIndex].base
	blockBase := index &^ (p.blockSize - 1)
	offset := (blockBase - tailBase) >> p.sizeLog2
	blk := arr.entries[(ieIndex+offset)&(arr.size-1)].block

	*out = *blk.slot(inner)
	blk.clearSlot(inner)
	blk.setEmpty(inner)
	return true
}

// dequeueBulk claims up to len(out) elements and reports how many were
// moved out.
func (p *explicitQueue[T]) dequeueBulk(out []T) int {
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

	arr := p.currentIndex.Load()
	ieIndex := arr.tail.LoadAcquire()
	tailBase := arr.entries[ieIndex].base
	blockBase := first &^ (p.blockSize - 1)
	offset := (blockBase - tailBase) >> p.sizeLog2
	blk := arr.entries[(ieIndex+offset)&(arr.size-1)].block

	dst := 0
	need := actual
	for need != 0 {
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
		drained := blk
		blk = blk.next
		drained.setSomeEmpty(startInner, endInner-startInner)
		startInner = 0
	}
	return int(actual)
}

// size reports the number of elements currently held, using circular
// comparison so a racing wrap never yields a bogus huge value.
func (p *explicitQueue[T]) size() uint64 {
	tail := p.tailIndex.LoadRelaxed()
	head := p.headIndex.LoadRelaxed()
	if circularLessThan(head, tail) {
		return tail - head
	}
	return 0
}
