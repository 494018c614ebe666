// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cq_test

import (
	"fmt"
	"sort"
	"sync"

	"code.hybscloud.com/cq"
)

// Basic enqueue and dequeue through the implicit producer.
func ExampleNewQueue() {
	q := cq.NewQueue[int]()

	for i := 1; i <= 3; i++ {
		v := i * 10
		if err := q.Enqueue(&v); err != nil {
			panic(err)
		}
	}

	for {
		v, err := q.Dequeue()
		if err != nil {
			break // drained
		}
		fmt.Println(v)
	}
	// Output:
	// 10
	// 20
	// 30
}

// Tokens give each producer a dedicated engine and let a consumer
// follow one producer's stream in exact FIFO order.
func ExampleQueue_DequeueFromProducer() {
	q := cq.NewQueue[string]()

	tok := q.NewProducerToken()
	defer tok.Close()

	for _, s := range []string{"a", "b", "c"} {
		if err := q.EnqueueToken(tok, &s); err != nil {
			panic(err)
		}
	}

	for {
		s, err := q.DequeueFromProducer(tok)
		if err != nil {
			break
		}
		fmt.Println(s)
	}
	// Output:
	// a
	// b
	// c
}

// Multiple goroutines enqueue concurrently; elements from different
// producers interleave, but nothing is lost or duplicated.
func ExampleQueue_concurrent() {
	q := cq.NewQueue[int]()

	var wg sync.WaitGroup
	for p := range 4 {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			v := p
			q.Enqueue(&v)
		}(p)
	}
	wg.Wait()

	out := make([]int, 4)
	n := q.DequeueBulk(out)

	sort.Ints(out[:n])
	fmt.Println(out[:n])
	// Output:
	// [0 1 2 3]
}
