// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cq

import "testing"

// TestCircularLessThan checks the boundary semantics of index
// comparison modulo 2^64.
func TestCircularLessThan(t *testing.T) {
	for _, tc := range []struct {
		a, b uint64
		want bool
	}{
		{0, 0, false},
		{5, 5, false},
		{0, 1, true},
		{1, 0, false},
		{^uint64(0), 0, true}, // just-wrapped
		{0, ^uint64(0), false},
		// Exactly half the ring apart the difference has its top bit
		// set in both directions.
		{1 << 63, 0, true},
		{0, 1 << 63, true},
		{0, 1<<63 - 1, true},
		{1<<63 - 1, 0, false},
	} {
		if got := circularLessThan(tc.a, tc.b); got != tc.want {
			t.Errorf("circularLessThan(%d, %d): got %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

// TestCeilToPow2 checks exact values at and around powers of 2.
func TestCeilToPow2(t *testing.T) {
	for _, tc := range []struct {
		in, want uint64
	}{
		{0, 0},
		{1, 1},
		{2, 2},
		{3, 4},
		{4, 4},
		{5, 8},
		{1023, 1024},
		{1024, 1024},
		{1025, 2048},
		{1 << 62, 1 << 62},
		{1<<62 + 1, 1 << 63},
	} {
		if got := ceilToPow2(tc.in); got != tc.want {
			t.Errorf("ceilToPow2(%d): got %d, want %d", tc.in, got, tc.want)
		}
	}
}

// TestBitWidth checks exact values per the bit_width convention.
func TestBitWidth(t *testing.T) {
	for _, tc := range []struct {
		in, want uint64
	}{
		{0, 0},
		{1, 1},
		{2, 2},
		{3, 2},
		{4, 3},
		{32, 6},
		{1 << 20, 21},
		{^uint64(0), 64},
	} {
		if got := bitWidth(tc.in); got != tc.want {
			t.Errorf("bitWidth(%d): got %d, want %d", tc.in, got, tc.want)
		}
	}
}

// TestMix64Distinct spot-checks that the mixer separates sequential
// keys (its entire purpose for goroutine ids).
func TestMix64Distinct(t *testing.T) {
	const n = 1024
	set := make(map[uint64]struct{}, n)
	for i := uint64(1); i <= n; i++ {
		set[mix64(i)] = struct{}{}
	}
	if len(set) != n {
		t.Fatalf("mix64 collisions: %d distinct of %d", len(set), n)
	}
	if mix64(1) == 1 || mix64(2) == 2 {
		t.Fatal("mix64 must not be identity on small keys")
	}
}
