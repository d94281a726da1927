/* SPDX-License-Identifier: GPL-2.0
 *
 * Copyright (C) 2017-2018 WireGuard LLC. All Rights Reserved.
 */

// Package tai64n implements the TAI64N timestamp format used as the replay
// guard inside a handshake initiation message: monotonically increasing,
// comparable byte-for-byte, with no field to parse out.
package tai64n

import (
	"bytes"
	"encoding/binary"
	"time"
)

// TimestampSize is the wire size of a TAI64N label plus nanosecond count.
const TimestampSize = 12

// base is the TAI64 epoch offset (1970-01-01 in TAI64 seconds).
const base = uint64(4611686018427387914)

// Timestamp is an opaque, strictly-increasing wall-clock label.
type Timestamp [TimestampSize]byte

// Now captures the current time as a Timestamp.
func Now() Timestamp {
	var t Timestamp
	now := time.Now()
	secs := base + uint64(now.Unix())
	nano := uint32(now.Nanosecond())
	binary.BigEndian.PutUint64(t[:], secs)
	binary.BigEndian.PutUint32(t[8:], nano)
	return t
}

// After reports whether t1 is strictly later than t2, used by the handshake
// to reject replayed or out-of-order initiation messages.
func (t1 Timestamp) After(t2 Timestamp) bool {
	return bytes.Compare(t1[:], t2[:]) > 0
}
