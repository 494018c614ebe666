// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cq

import (
	"sync/atomic"

	"code.hybscloud.com/atomix"
	"github.com/petermattis/goid"
)

// consumptionQuota is how many elements a tokened consumer may take
// from one producer before bumping the global rotation, so consumers
// spread across producers instead of camping on the same engine.
const consumptionQuota = 256

type producerKind uint8

const (
	explicitKind producerKind = iota
	implicitKind
)

// producerNode is one entry of the intrusive producer list. The list
// only ever grows: retired explicit producers flip inactive and their
// node (engine state included) is reclaimed by the next token instead
// of being unlinked.
type producerNode[T any] struct {
	next     *producerNode[T] // immutable once published
	inactive atomix.Bool
	kind     producerKind
	explicit *explicitQueue[T]
	implicit *implicitQueue[T]
	parent   *Queue[T]
}

func (n *producerNode[T]) dequeue(out *T) bool {
	if n.kind == explicitKind {
		return n.explicit.dequeue(out)
	}
	return n.implicit.dequeue(out)
}

func (n *producerNode[T]) dequeueBulk(out []T) int {
	if n.kind == explicitKind {
		return n.explicit.dequeueBulk(out)
	}
	return n.implicit.dequeueBulk(out)
}

func (n *producerNode[T]) size() uint64 {
	if n.kind == explicitKind {
		return n.explicit.size()
	}
	return n.implicit.size()
}

// Queue is an unbounded multi-producer multi-consumer FIFO queue.
//
// Elements are stored in fixed-size blocks requisitioned from two
// block managers (one per producer flavor); capacity grows as blocks
// are acquired and emptied blocks are recycled through a lock-free
// free list. FIFO order holds per producer; elements from different
// producers interleave arbitrarily.
//
// Producers come in two flavors:
//
//   - implicit: plain Enqueue calls key an engine off the calling
//     goroutine's id through a lock-free hash table;
//   - explicit: a [ProducerToken] binds the caller to a dedicated
//     engine with a faster block ring (see NewProducerToken).
//
// All operations are non-blocking. Dequeue returns ErrWouldBlock when
// no element is available; TryEnqueue returns ErrWouldBlock when the
// queue cannot grow without allocating.
//
// A Queue must not be copied after first use. The zero value is not
// usable; construct with [NewQueue], [Build], or [BuildWith].
type Queue[T any] struct {
	_              pad
	producersHead  atomic.Pointer[producerNode[T]]
	producerCount  atomix.Uint32
	nextConsumerID atomix.Uint32
	globalOffset   atomix.Uint32
	_              pad

	explicitManager BlockManager[T]
	implicitManager BlockManager[T]
	implicitMap     implicitHash[T]
	opts            Options
}

// Enqueue adds an element using the calling goroutine's implicit
// producer, creating the producer on first use. The element is copied
// into the queue's storage; err is nil unless the engine's index
// cannot accept another block at the current wrap position.
func (q *Queue[T]) Enqueue(elem *T) error {
	if !q.implicitProducer().enqueue(CanAlloc, elem) {
		return ErrWouldBlock
	}
	return nil
}

// TryEnqueue is Enqueue restricted to recycled memory: it fails with
// ErrWouldBlock instead of allocating a block or growing an index.
func (q *Queue[T]) TryEnqueue(elem *T) error {
	if !q.implicitProducer().enqueue(CannotAlloc, elem) {
		return ErrWouldBlock
	}
	return nil
}

// EnqueueBulk adds all elements of elems, in order, as one amortized
// operation. Either every element is enqueued or none is.
func (q *Queue[T]) EnqueueBulk(elems []T) error {
	if !q.implicitProducer().enqueueBulk(CanAlloc, elems) {
		return ErrWouldBlock
	}
	return nil
}

// TryEnqueueBulk is EnqueueBulk without allocation. On failure the
// queue is unchanged and every freshly acquired block has been
// returned to its manager.
func (q *Queue[T]) TryEnqueueBulk(elems []T) error {
	if !q.implicitProducer().enqueueBulk(CannotAlloc, elems) {
		return ErrWouldBlock
	}
	return nil
}

// EnqueueToken adds an element through the token's explicit producer.
// Single-producer per token: concurrent use of one token is undefined.
func (q *Queue[T]) EnqueueToken(token *ProducerToken[T], elem *T) error {
	if !token.node.explicit.enqueue(CanAlloc, elem) {
		return ErrWouldBlock
	}
	return nil
}

// TryEnqueueToken is EnqueueToken without allocation.
func (q *Queue[T]) TryEnqueueToken(token *ProducerToken[T], elem *T) error {
	if !token.node.explicit.enqueue(CannotAlloc, elem) {
		return ErrWouldBlock
	}
	return nil
}

// EnqueueBulkToken adds all elements of elems through the token's
// explicit producer.
func (q *Queue[T]) EnqueueBulkToken(token *ProducerToken[T], elems []T) error {
	if !token.node.explicit.enqueueBulk(CanAlloc, elems) {
		return ErrWouldBlock
	}
	return nil
}

// TryEnqueueBulkToken is EnqueueBulkToken without allocation.
func (q *Queue[T]) TryEnqueueBulkToken(token *ProducerToken[T], elems []T) error {
	if !token.node.explicit.enqueueBulk(CannotAlloc, elems) {
		return ErrWouldBlock
	}
	return nil
}

// Dequeue removes and returns one element. Producers are probed from a
// rotating offset so independent consumers fan out instead of all
// hammering the list head; a fully unsuccessful sweep advances the
// rotation. Returns ErrWouldBlock when every producer is empty.
func (q *Queue[T]) Dequeue() (T, error) {
	var elem T
	count := q.producerCount.LoadRelaxed()
	if count == 0 {
		return elem, ErrWouldBlock
	}

	node := q.rotatedStart(count)
	for visited := uint32(0); visited < count; visited++ {
		if node == nil {
			node = q.producersHead.Load()
			if node == nil {
				break
			}
		}
		if node.dequeue(&elem) {
			return elem, nil
		}
		node = node.next
	}
	q.globalOffset.AddAcqRel(1)
	return elem, ErrWouldBlock
}

// DequeueBulk removes up to len(out) elements, sweeping producers from
// the rotating offset, and reports how many were written to out.
func (q *Queue[T]) DequeueBulk(out []T) int {
	count := q.producerCount.LoadRelaxed()
	if count == 0 || len(out) == 0 {
		return 0
	}

	total := 0
	node := q.rotatedStart(count)
	for visited := uint32(0); visited < count; visited++ {
		if node == nil {
			node = q.producersHead.Load()
			if node == nil {
				break
			}
		}
		total += node.dequeueBulk(out[total:])
		if total == len(out) {
			return total
		}
		node = node.next
	}
	if total == 0 {
		q.globalOffset.AddAcqRel(1)
	}
	return total
}

// DequeueToken removes one element using the token's cached producer:
// while the rotation is stable and the producer keeps yielding, the
// probe is O(1) instead of a list sweep.
func (q *Queue[T]) DequeueToken(token *ConsumerToken[T]) (T, error) {
	var elem T
	if token.desiredProducer == nil || token.lastKnownGlobalOffset != q.globalOffset.LoadRelaxed() {
		if !q.rotateConsumer(token) {
			return elem, ErrWouldBlock
		}
	}

	if token.currentProducer.dequeue(&elem) {
		if token.itemsConsumed++; token.itemsConsumed == consumptionQuota {
			q.globalOffset.AddAcqRel(1)
		}
		return elem, nil
	}

	node := q.nextWrapped(token.currentProducer)
	for node != token.currentProducer {
		if node.dequeue(&elem) {
			token.currentProducer = node
			token.itemsConsumed = 1
			return elem, nil
		}
		node = q.nextWrapped(node)
	}
	return elem, ErrWouldBlock
}

// DequeueBulkToken removes up to len(out) elements using the token's
// cached producer, continuing across producers until out is full or
// the sweep wraps.
func (q *Queue[T]) DequeueBulkToken(token *ConsumerToken[T], out []T) int {
	if len(out) == 0 {
		return 0
	}
	if token.desiredProducer == nil || token.lastKnownGlobalOffset != q.globalOffset.LoadRelaxed() {
		if !q.rotateConsumer(token) {
			return 0
		}
	}

	total := token.currentProducer.dequeueBulk(out)
	if token.itemsConsumed += uint32(total); token.itemsConsumed >= consumptionQuota {
		q.globalOffset.AddAcqRel(1)
		token.itemsConsumed = 0
	}
	if total == len(out) {
		return total
	}

	node := q.nextWrapped(token.currentProducer)
	for node != token.currentProducer {
		n := node.dequeueBulk(out[total:])
		if n > 0 {
			token.currentProducer = node
			token.itemsConsumed = uint32(n)
		}
		total += n
		if total == len(out) {
			break
		}
		node = q.nextWrapped(node)
	}
	return total
}

// DequeueFromProducer removes one element enqueued through the given
// producer token, preserving that producer's FIFO order exactly.
func (q *Queue[T]) DequeueFromProducer(token *ProducerToken[T]) (T, error) {
	var elem T
	if !token.node.explicit.dequeue(&elem) {
		return elem, ErrWouldBlock
	}
	return elem, nil
}

// DequeueBulkFromProducer removes up to len(out) elements enqueued
// through the given producer token.
func (q *Queue[T]) DequeueBulkFromProducer(token *ProducerToken[T], out []T) int {
	return token.node.explicit.dequeueBulk(out)
}

// Len reports the number of elements across all producers. The value
// is exact at quiescence and a point-in-time approximation under
// concurrent traffic.
func (q *Queue[T]) Len() int {
	var total uint64
	for node := q.producersHead.Load(); node != nil; node = node.next {
		total += node.size()
	}
	return int(total)
}

// rotatedStart advances from the list head by the current global
// offset so independent consumers begin their sweeps at different
// producers.
func (q *Queue[T]) rotatedStart(count uint32) *producerNode[T] {
	offset := q.globalOffset.LoadRelaxed() % count
	node := q.producersHead.Load()
	for i := uint32(0); i < offset && node != nil; i++ {
		node = node.next
	}
	return node
}

// nextWrapped steps to the next producer, wrapping to the head at the
// end of the list.
func (q *Queue[T]) nextWrapped(node *producerNode[T]) *producerNode[T] {
	next := node.next
	if next == nil {
		next = q.producersHead.Load()
	}
	return next
}

// rotateConsumer re-synchronizes a consumer token with the global
// rotation: its probe start is its dense id plus the rotation, modulo
// the producer count. Reports false when no producer exists yet.
func (q *Queue[T]) rotateConsumer(token *ConsumerToken[T]) bool {
	head := q.producersHead.Load()
	if token.desiredProducer == nil && head == nil {
		return false
	}
	count := q.producerCount.LoadRelaxed()
	if count == 0 {
		return false
	}
	globalOffset := q.globalOffset.LoadRelaxed()

	if token.desiredProducer == nil {
		offset := token.initialOffset % count
		token.desiredProducer = head
		for i := uint32(0); i < offset; i++ {
			token.desiredProducer = q.nextWrapped(token.desiredProducer)
		}
	}

	delta := globalOffset - token.lastKnownGlobalOffset
	if delta >= count {
		delta %= count
	}
	for i := uint32(0); i < delta; i++ {
		token.desiredProducer = q.nextWrapped(token.desiredProducer)
	}

	token.lastKnownGlobalOffset = globalOffset
	token.currentProducer = token.desiredProducer
	token.itemsConsumed = 0
	return true
}

// implicitProducer returns the calling goroutine's engine, creating
// and registering it on first use.
func (q *Queue[T]) implicitProducer() *implicitQueue[T] {
	key := uint64(goid.Get())
	if p, ok := q.implicitMap.get(key); ok {
		return p
	}
	node := q.producerNodeFor(implicitKind)
	p, _ := q.implicitMap.getOrAdd(key, node.implicit)
	return p
}

// producerNodeFor reclaims an inactive node of the wanted kind, or
// creates and publishes a new one.
func (q *Queue[T]) producerNodeFor(kind producerKind) *producerNode[T] {
	for node := q.producersHead.Load(); node != nil; node = node.next {
		if node.kind == kind && node.inactive.LoadRelaxed() &&
			node.inactive.CompareAndSwapAcqRel(true, false) {
			return node
		}
	}
	return q.addProducer(q.createProducerNode(kind))
}

func (q *Queue[T]) createProducerNode(kind producerKind) *producerNode[T] {
	node := &producerNode[T]{kind: kind, parent: q}
	if kind == explicitKind {
		node.explicit = newExplicitQueue(uint64(q.opts.explicitIndexSize), uint64(q.opts.blockSize), q.explicitManager)
	} else {
		node.implicit = newImplicitQueue(uint64(q.opts.implicitIndexSize), uint64(q.opts.blockSize), q.implicitManager)
	}
	return node
}

// addProducer prepends node to the producer list. The count is bumped
// after the node is reachable so sweeps never count nodes they cannot
// visit.
func (q *Queue[T]) addProducer(node *producerNode[T]) *producerNode[T] {
	for {
		head := q.producersHead.Load()
		node.next = head
		if q.producersHead.CompareAndSwap(head, node) {
			break
		}
	}
	q.producerCount.AddAcqRel(1)
	return node
}
