// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cq_test

import (
	"runtime"
	"testing"

	"code.hybscloud.com/cq"
)

// BenchmarkEnqueueDequeueImplicit measures the uncontended round trip
// through the implicit producer path (hash lookup included).
func BenchmarkEnqueueDequeueImplicit(b *testing.B) {
	q := cq.NewQueue[int]()
	for i := 0; b.Loop(); i++ {
		q.Enqueue(&i)
		q.Dequeue()
	}
}

// BenchmarkEnqueueDequeueToken measures the uncontended round trip
// through a producer token (no hash lookup, ring reuse).
func BenchmarkEnqueueDequeueToken(b *testing.B) {
	q := cq.NewQueue[int]()
	tok := q.NewProducerToken()
	defer tok.Close()
	for i := 0; b.Loop(); i++ {
		q.EnqueueToken(tok, &i)
		q.DequeueFromProducer(tok)
	}
}

// BenchmarkBulkRoundTrip measures amortized per-element cost of the
// bulk paths.
func BenchmarkBulkRoundTrip(b *testing.B) {
	q := cq.NewQueue[int]()
	in := make([]int, 256)
	out := make([]int, 256)
	for i := range in {
		in[i] = i
	}
	b.SetBytes(256)
	for b.Loop() {
		q.EnqueueBulk(in)
		for drained := 0; drained < len(in); {
			drained += q.DequeueBulk(out[drained:])
		}
	}
}

// BenchmarkMPMC runs producers and consumers on all Ps.
func BenchmarkMPMC(b *testing.B) {
	q := cq.NewQueue[int]()
	b.RunParallel(func(pb *testing.PB) {
		tok := q.NewProducerToken()
		defer tok.Close()
		ctok := q.NewConsumerToken()
		i := 0
		for pb.Next() {
			q.EnqueueToken(tok, &i)
			if _, err := q.DequeueToken(ctok); err != nil {
				runtime.Gosched()
			}
			i++
		}
	})
}
