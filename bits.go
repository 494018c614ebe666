// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cq

import "math/bits"

// circularLessThan compares two indices modulo 2^64.
//
// Indices increase monotonically and are allowed to wrap; a < b holds
// iff the unsigned difference a-b has its top bit set. Consequently
// circularLessThan(x, x) is false and circularLessThan(^0, 0) is true
// (just-wrapped).
func circularLessThan(a, b uint64) bool {
	return int64(a-b) < 0
}

// ceilToPow2 rounds x up to the next power of 2.
// ceilToPow2(0) == 0 and exact powers of 2 map to themselves.
func ceilToPow2(x uint64) uint64 {
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	return x + 1
}

// bitWidth returns the number of bits required to represent x.
// bitWidth(0) == 0, bitWidth(1) == 1, bitWidth(2^k) == k+1.
func bitWidth(x uint64) uint64 {
	return uint64(bits.Len64(x))
}

// mix64 finalizes a 64-bit key before probing.
//
// Goroutine ids are small sequential integers; without mixing they
// cluster in the low slots of every hash generation. This is the
// splitmix64 finalizer.
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// pad is cache line padding to prevent false sharing.
type pad [64]byte
