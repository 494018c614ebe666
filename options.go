// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cq

// Options configures queue construction.
type Options struct {
	// blockSize is the element capacity of one block (power of 2, >= 2).
	// Larger blocks amortize requisition cost at the price of memory
	// and false-sharing risk.
	blockSize int

	// poolSize is the number of blocks pre-allocated per manager.
	poolSize int

	// hashSize is the initial capacity of the goroutine-id table.
	hashSize int

	// explicitIndexSize / implicitIndexSize are the initial block-index
	// capacities of newly created engines.
	explicitIndexSize int
	implicitIndexSize int
}

// Builder creates queues with fluent configuration.
//
// Example:
//
//	// Defaults
//	q := cq.NewQueue[int]()
//
//	// Tuned for large bursts
//	q := cq.Build[Event](cq.New().BlockSize(128).PoolSize(256))
//
//	// Custom block managers (the factory hook)
//	q := cq.BuildWith[Event](cq.New(),
//	    cq.NewFlagsBlockManager[Event](32, 64),
//	    cq.NewCounterBlockManager[Event](32, 64))
type Builder struct {
	opts Options
}

// New creates a queue builder with default configuration: block size
// 32, pool of 64 blocks per manager, hash and index capacities of 32.
func New() *Builder {
	return &Builder{opts: Options{
		blockSize:         32,
		poolSize:          64,
		hashSize:          32,
		explicitIndexSize: 32,
		implicitIndexSize: 32,
	}}
}

// BlockSize sets the per-block element capacity.
// Panics unless n is a power of 2 and >= 2.
func (b *Builder) BlockSize(n int) *Builder {
	if n < 2 || n&(n-1) != 0 {
		panic("cq: block size must be a power of 2 and >= 2")
	}
	b.opts.blockSize = n
	return b
}

// PoolSize sets the number of pre-allocated blocks per block manager.
func (b *Builder) PoolSize(n int) *Builder {
	if n < 0 {
		panic("cq: pool size must be >= 0")
	}
	b.opts.poolSize = n
	return b
}

// HashSize sets the initial goroutine-id table capacity.
// Rounds up to a power of 2.
func (b *Builder) HashSize(n int) *Builder {
	if n < 1 {
		panic("cq: hash size must be >= 1")
	}
	b.opts.hashSize = n
	return b
}

// ExplicitIndexSize sets the initial block-index capacity of explicit
// producer engines. Rounds up to a power of 2, with a minimum of 4.
func (b *Builder) ExplicitIndexSize(n int) *Builder {
	if n < 1 {
		panic("cq: index size must be >= 1")
	}
	b.opts.explicitIndexSize = n
	return b
}

// ImplicitIndexSize sets the block-index size of implicit producer
// engines. n is rounded up to a power of 2; the first index generation
// holds half of that, at least 2, and each growth doubles it.
func (b *Builder) ImplicitIndexSize(n int) *Builder {
	if n < 1 {
		panic("cq: index size must be >= 1")
	}
	b.opts.implicitIndexSize = n
	return b
}

// Build creates a queue from the builder's configuration with the
// default block managers.
func Build[T any](b *Builder) *Queue[T] {
	o := b.opts
	return BuildWith[T](b,
		NewFlagsBlockManager[T](o.blockSize, o.poolSize),
		NewCounterBlockManager[T](o.blockSize, o.poolSize))
}

// BuildWith creates a queue using caller-supplied block managers. The
// explicit manager must issue flags-policy blocks and the implicit
// manager counter-policy blocks of the configured block size; the
// default constructors [NewFlagsBlockManager] and
// [NewCounterBlockManager] are the usual factories to wrap.
func BuildWith[T any](b *Builder, explicit, implicit BlockManager[T]) *Queue[T] {
	q := &Queue[T]{
		opts:            b.opts,
		explicitManager: explicit,
		implicitManager: implicit,
	}
	q.implicitMap.init(uint64(b.opts.hashSize))
	return q
}

// NewQueue creates a queue with default configuration.
func NewQueue[T any]() *Queue[T] {
	return Build[T](New())
}
