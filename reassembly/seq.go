/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package reassembly

// Seq is a TCP sequence number. Arithmetic wraps at 2^32.
type Seq uint32

// Diff returns s-o as a signed distance. It is positive when s is after o,
// and stays correct across the wrap as long as the two are less than 2^31
// apart.
func (s Seq) Diff(o Seq) int32 {
	return int32(s - o)
}

// Add advances s by n bytes.
func (s Seq) Add(n int) Seq {
	return s + Seq(uint32(n))
}

// Before reports whether s precedes o.
func (s Seq) Before(o Seq) bool {
	return s.Diff(o) < 0
}
