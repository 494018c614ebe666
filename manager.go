// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cq

import "code.hybscloud.com/atomix"

// blockPool is a contiguous arena of pre-constructed blocks. Each
// block is handed out at most once; afterwards it circulates between
// an engine and the free list. Arena blocks carry hasOwner so their
// storage is never treated as individually reclaimable.
type blockPool[T any] struct {
	blocks []Block[T]
	index  atomix.Uint64
}

func newBlockPool[T any](size, blockSize uint64, method blockMethod) *blockPool[T] {
	p := &blockPool[T]{blocks: make([]Block[T], size)}
	for i := range p.blocks {
		b := &p.blocks[i]
		b.method = method
		b.elems = make([]T, blockSize)
		if method == flagsMethod {
			b.flags = make([]atomix.Bool, blockSize)
		}
		b.hasOwner = true
		b.setAllEmpty()
	}
	return p
}

// getBlock returns the next unissued arena block, or nil once the
// arena is exhausted.
func (p *blockPool[T]) getBlock() *Block[T] {
	if p.index.LoadRelaxed() >= uint64(len(p.blocks)) {
		return nil
	}
	i := p.index.AddAcqRel(1) - 1
	if i >= uint64(len(p.blocks)) {
		return nil
	}
	return &p.blocks[i]
}

// BlockManager supplies blocks to a producer engine and takes emptied
// blocks back. Implementations must be safe for concurrent use by all
// producers and consumers of one queue.
//
// The default manager (see [NewFlagsBlockManager] and
// [NewCounterBlockManager]) requisitions from a pre-allocated pool
// first, then from a free list of recycled blocks, and finally (in
// [CanAlloc] mode only) from the heap.
type BlockManager[T any] interface {
	// RequisitionBlock returns a block ready for reset-and-fill, or
	// nil when mode is CannotAlloc and no recyclable block exists.
	RequisitionBlock(mode AllocMode) *Block[T]

	// ReturnBlock hands a fully emptied block back for recycling.
	ReturnBlock(b *Block[T])

	// ReturnBlocks returns a chain of blocks linked through next.
	ReturnBlocks(head *Block[T])
}

// blockManager fuses a block pool and a free list.
type blockManager[T any] struct {
	blockSize uint64
	method    blockMethod
	pool      *blockPool[T]
	list      freeList[T]
}

// NewFlagsBlockManager creates the default manager for the explicit
// engine: blocks use the per-slot flags emptiness policy. poolSize
// blocks are pre-allocated as one arena.
//
// The constructor is exported as the factory hook for custom traits;
// most callers configure managers through the [Builder] instead.
func NewFlagsBlockManager[T any](blockSize, poolSize int) BlockManager[T] {
	return newBlockManager[T](uint64(blockSize), uint64(poolSize), flagsMethod)
}

// NewCounterBlockManager creates the default manager for the implicit
// engine: blocks use the emptied-slot counter policy, so consumers
// observe the exact transition to fully-empty and can release the
// block mid-stream.
func NewCounterBlockManager[T any](blockSize, poolSize int) BlockManager[T] {
	return newBlockManager[T](uint64(blockSize), uint64(poolSize), counterMethod)
}

func newBlockManager[T any](blockSize, poolSize uint64, method blockMethod) *blockManager[T] {
	return &blockManager[T]{
		blockSize: blockSize,
		method:    method,
		pool:      newBlockPool[T](poolSize, blockSize, method),
	}
}

// RequisitionBlock implements the pool → free list → allocate policy.
func (m *blockManager[T]) RequisitionBlock(mode AllocMode) *Block[T] {
	if b := m.pool.getBlock(); b != nil {
		return b
	}
	if b := m.list.tryGet(); b != nil {
		return b
	}
	if mode == CannotAlloc {
		return nil
	}
	return newBlock[T](m.blockSize, m.method)
}

func (m *blockManager[T]) ReturnBlock(b *Block[T]) {
	m.list.add(b)
}

func (m *blockManager[T]) ReturnBlocks(head *Block[T]) {
	for head != nil {
		next := head.next
		m.list.add(head)
		head = next
	}
}
