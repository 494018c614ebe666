// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build race

package cq

// RaceEnabled is true when the race detector is active.
// Used by tests to skip concurrent stress tests: the engines protect
// plain element and index-entry fields with acquire-release orderings
// on separate atomic words, a happens-before shape the race detector
// cannot observe and reports as false positives.
const RaceEnabled = true
