/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package reassembly

import (
	"errors"
	"fmt"
)

// Error kinds. Every error produced by this package wraps one of them.
var (
	// ErrInvalidPacket marks malformed or truncated headers.
	ErrInvalidPacket = errors.New("invalid packet")

	// ErrResourceExhausted marks a table or buffer at capacity.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrTimeout marks state aged out by the reaper.
	ErrTimeout = errors.New("timed out")

	// ErrInconsistent marks pieces that contradict state already held for
	// the same key. The affected group is discarded, nothing else.
	ErrInconsistent = errors.New("inconsistent reassembly input")
)

var (
	ErrTotalLengthConflict = fmt.Errorf("%w: terminal fragments disagree on total length", ErrInconsistent)
	ErrFragmentBeyondEnd   = fmt.Errorf("%w: fragment extends past total length", ErrInconsistent)
	ErrDatagramTooLarge    = fmt.Errorf("%w: datagram exceeds %d bytes", ErrInconsistent, maxDatagramSize)
	ErrOutOfWindow         = fmt.Errorf("%w: segment too far ahead of stream", ErrInconsistent)
	ErrTooManyFragments    = fmt.Errorf("%w: too many fragments for one datagram", ErrResourceExhausted)
	ErrBufferOverflow      = fmt.Errorf("%w: out-of-order buffer full", ErrResourceExhausted)
)
