// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cq provides an unbounded multi-producer multi-consumer FIFO
// queue built from recyclable fixed-size blocks.
//
// Unlike a bounded ring, the queue grows on demand: each producer owns
// a private single-producer engine whose storage is requisitioned in
// blocks from a shared pool, recycled through a lock-free free list,
// and, when both run dry, freshly allocated. Every operation is
// non-blocking.
//
// # Quick Start
//
//	q := cq.NewQueue[Event]()
//
//	// Enqueue from any goroutine
//	ev := Event{ID: 1}
//	q.Enqueue(&ev)
//
//	// Dequeue from any goroutine
//	ev, err := q.Dequeue()
//	if cq.IsWouldBlock(err) {
//	    // Queue is empty - try again later
//	}
//
// # Ordering
//
// FIFO order is guaranteed per producer only: elements enqueued by one
// goroutine (or through one [ProducerToken]) dequeue in enqueue order,
// but elements from different producers interleave arbitrarily. Use
// [Queue.DequeueFromProducer] to consume a single producer's stream in
// exact order.
//
// # Producers
//
// Plain Enqueue calls identify the producer by goroutine id through a
// lock-free hash table. Convenient, with a lookup on every call:
//
//	go func() {
//	    for ev := range events {
//	        q.Enqueue(&ev)  // implicit producer for this goroutine
//	    }
//	}()
//
// A [ProducerToken] skips the lookup and binds a dedicated engine with
// a faster block ring. Tokens pin their engine; Close releases it for
// reuse by a later token:
//
//	tok := q.NewProducerToken()
//	defer tok.Close()
//	for ev := range events {
//	    q.EnqueueToken(tok, &ev)
//	}
//
// Implicit producers are never retired: a queue touched by many
// short-lived goroutines accumulates one engine per goroutine id seen.
// Prefer tokens for high goroutine churn.
//
// # Consumers
//
// Plain Dequeue sweeps the producer list from a rotating offset. A
// [ConsumerToken] caches the last productive producer so repeated
// dequeues are O(1) while that producer keeps yielding:
//
//	tok := q.NewConsumerToken()
//	for {
//	    ev, err := q.DequeueToken(tok)
//	    if err != nil {
//	        break  // drained
//	    }
//	    process(ev)
//	}
//
// # Bulk Operations
//
// Bulk variants amortize index maintenance and per-element ordering
// costs across a batch:
//
//	batch := make([]Event, 64)
//	q.EnqueueBulk(batch)
//
//	out := make([]Event, 64)
//	n := q.DequeueBulk(out)
//	for _, ev := range out[:n] {
//	    process(ev)
//	}
//
// EnqueueBulk is all-or-nothing; DequeueBulk returns however many
// elements were available, possibly spanning several producers.
//
// # Error Handling
//
// Operations return [ErrWouldBlock] when they cannot proceed: Dequeue
// on an empty queue, TryEnqueue when growth would require allocation.
// This error is sourced from [code.hybscloud.com/iox] for ecosystem
// consistency; it is a control flow signal, not a failure.
//
//	backoff := iox.Backoff{}
//	for {
//	    elem, err := q.Dequeue()
//	    if err == nil {
//	        backoff.Reset()
//	        process(elem)
//	        continue
//	    }
//	    backoff.Wait()
//	}
//
// # Memory
//
// Block size, pool size, and index capacities are set through the
// [Builder]. Blocks emptied by consumers return to a free list and are
// reused before anything new is allocated, so steady-state memory is
// bounded by peak occupancy. TryEnqueue variants never allocate: they
// fail once the pool and free list are exhausted, which makes a
// pre-sized queue usable as a fixed-memory queue:
//
//	q := cq.Build[Job](cq.New().BlockSize(64).PoolSize(1024))
//	if err := q.TryEnqueue(&job); err != nil {
//	    // all 1024 pooled blocks are in use - shed load
//	}
//
// Index arrays and hash generations only ever grow while the queue is
// alive; everything is reclaimed by the garbage collector when the
// queue becomes unreachable.
//
// # Race Detection
//
// Go's race detector tracks explicit synchronization but cannot
// observe happens-before relationships established through atomic
// acquire-release orderings on separate variables, which is exactly
// how the engines publish block contents and index entries. The
// algorithms are correct under the Go memory model, but the detector
// may report false positives; stress tests gate on [RaceEnabled].
//
// # Dependencies
//
// This package uses [code.hybscloud.com/iox] for semantic errors,
// [code.hybscloud.com/atomix] for atomic primitives with explicit
// memory ordering, [code.hybscloud.com/spin] for CPU pause
// instructions, and [github.com/petermattis/goid] as the goroutine
// identity source for implicit producers.
package cq
