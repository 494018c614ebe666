// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cq

// ProducerToken binds its holder to a dedicated explicit producer
// engine. Enqueues through a token are single-producer and therefore
// take the fast block-ring path; FIFO order is guaranteed for all
// elements enqueued through the same token.
//
// Tokens are not safe for concurrent use. Close releases the engine
// for reclamation by a future token; it is O(1), never allocates, and
// leaves already-enqueued elements dequeuable.
type ProducerToken[T any] struct {
	node *producerNode[T]
}

// NewProducerToken creates a producer token, reclaiming a previously
// closed explicit producer when one exists so the producer list does
// not grow without bound.
func (q *Queue[T]) NewProducerToken() *ProducerToken[T] {
	return &ProducerToken[T]{node: q.producerNodeFor(explicitKind)}
}

// Valid reports whether the token is still bound to a producer.
func (t *ProducerToken[T]) Valid() bool {
	return t.node != nil
}

// Close detaches the token and marks its producer inactive. The
// engine's state is preserved: pending elements remain dequeuable and
// the engine is reused by the next NewProducerToken call.
func (t *ProducerToken[T]) Close() error {
	if t.node != nil {
		t.node.inactive.StoreRelease(true)
		t.node = nil
	}
	return nil
}

// ConsumerToken caches a consumer's position in the producer list.
// Tokened dequeues hit the cached producer directly, O(1) while it
// keeps yielding, and re-synchronize with the global rotation when it
// moves on. Tokens are not safe for concurrent use.
type ConsumerToken[T any] struct {
	initialOffset         uint32
	lastKnownGlobalOffset uint32
	itemsConsumed         uint32
	currentProducer       *producerNode[T]
	desiredProducer       *producerNode[T]
}

// NewConsumerToken creates a consumer token with a dense id; ids
// spread the initial probe offsets of concurrent consumers across the
// producer list.
func (q *Queue[T]) NewConsumerToken() *ConsumerToken[T] {
	return &ConsumerToken[T]{
		initialOffset:         q.nextConsumerID.AddAcqRel(1) - 1,
		lastKnownGlobalOffset: ^uint32(0),
	}
}
