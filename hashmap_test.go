// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cq

import (
	"sync"
	"testing"
)

// TestHashGetOrAdd covers insert, idempotent re-add, and lookup.
func TestHashGetOrAdd(t *testing.T) {
	var h implicitHash[int]
	h.init(4)

	p1 := &implicitQueue[int]{}
	p2 := &implicitQueue[int]{}

	if v, added := h.getOrAdd(10, p1); !added || v != p1 {
		t.Fatalf("getOrAdd(10): got (%p, %v), want (%p, true)", v, added, p1)
	}
	if v, added := h.getOrAdd(10, p2); added || v != p1 {
		t.Fatalf("getOrAdd(10) again: got (%p, %v), want (%p, false)", v, added, p1)
	}
	if v, ok := h.get(10); !ok || v != p1 {
		t.Fatalf("get(10): got (%p, %v), want (%p, true)", v, ok, p1)
	}
	if _, ok := h.get(11); ok {
		t.Fatal("get(11): found unregistered key")
	}
}

// TestHashGrowthChainsGenerations inserts far past the initial
// capacity and verifies monotonicity: every key registered remains
// reachable through the generation chain forever after.
func TestHashGrowthChainsGenerations(t *testing.T) {
	var h implicitHash[int]
	h.init(2)

	const n = 256
	producers := make([]*implicitQueue[int], n)
	for i := range producers {
		producers[i] = &implicitQueue[int]{}
		key := uint64(i + 1)
		if _, added := h.getOrAdd(key, producers[i]); !added {
			t.Fatalf("getOrAdd(%d): not added", key)
		}
		// Everything inserted so far stays visible.
		for j := 0; j <= i; j++ {
			v, ok := h.get(uint64(j + 1))
			if !ok || v != producers[j] {
				t.Fatalf("get(%d) after %d inserts: lost", j+1, i+1)
			}
		}
	}

	gens := 0
	for gen := h.current.Load(); gen != nil; gen = gen.prev {
		gens++
	}
	if gens < 2 {
		t.Fatalf("generations: got %d, want >= 2", gens)
	}
}

// TestHashSentinelPanics registers the reserved key.
func TestHashSentinelPanics(t *testing.T) {
	var h implicitHash[int]
	h.init(4)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on sentinel key")
		}
	}()
	h.getOrAdd(invalidThreadID, &implicitQueue[int]{})
}

// TestHashConcurrentDistinctKeys mirrors production use: every
// goroutine inserts its own key, nobody shares one.
func TestHashConcurrentDistinctKeys(t *testing.T) {
	var h implicitHash[int]
	h.init(2)

	const numKeys = 128
	producers := make([]*implicitQueue[int], numKeys)
	for i := range producers {
		producers[i] = &implicitQueue[int]{}
	}

	var wg sync.WaitGroup
	for i := range numKeys {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := uint64(i + 1)
			if _, added := h.getOrAdd(key, producers[i]); !added {
				t.Errorf("getOrAdd(%d): not added", key)
			}
		}(i)
	}
	wg.Wait()

	for i := range numKeys {
		v, ok := h.get(uint64(i + 1))
		if !ok || v != producers[i] {
			t.Fatalf("get(%d): wrong or missing value", i+1)
		}
	}
	if got := h.count.Load(); got != numKeys {
		t.Fatalf("count: got %d, want %d", got, numKeys)
	}
}
