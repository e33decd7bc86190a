// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

package telemetry

import "bytes"

// LineFramer accumulates bytes from one connection and yields complete
// '\n' terminated messages. It is owned by a single session goroutine.
//
// Empty fragments are skipped and a trailing '\r' is removed. Only the
// trailing partial fragment is kept between calls. A message longer than
// maxBytes is discarded whole, however it was split across reads.
type LineFramer struct {
	buf      []byte
	maxBytes int
	skipping bool
}

// NewLineFramer creates a framer. maxBytes <= 0 disables the length limit.
func NewLineFramer(maxBytes int) *LineFramer {
	return &LineFramer{maxBytes: maxBytes}
}

// Feed appends chunk and returns the complete messages it terminates, in
// order, plus the number of oversized messages discarded.
func (f *LineFramer) Feed(chunk []byte) (msgs []string, discarded int) {
	data := chunk
	if len(f.buf) > 0 {
		f.buf = append(f.buf, chunk...)
		data = f.buf
	}

	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := data[:idx]
		data = data[idx+1:]

		if f.skipping {
			// Tail of a message already counted as oversized.
			f.skipping = false
			continue
		}
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) == 0 {
			continue
		}
		if f.maxBytes > 0 && len(line) > f.maxBytes {
			discarded++
			continue
		}
		msgs = append(msgs, string(line))
	}

	if f.maxBytes > 0 && f.partialTooLong(data) {
		if !f.skipping {
			discarded++
			f.skipping = true
		}
		data = nil
	}

	// Keep only the partial fragment, reusing the buffer's storage.
	f.buf = append(f.buf[:0], data...)
	return msgs, discarded
}

// partialTooLong reports whether the unterminated fragment can no longer
// become an acceptable message. A trailing '\r' may still be the first half
// of a "\r\n" terminator, so it does not count against the limit.
func (f *LineFramer) partialTooLong(data []byte) bool {
	n := len(data)
	if n > 0 && data[n-1] == '\r' {
		n--
	}
	return n > f.maxBytes
}

// Pending returns the number of buffered bytes of the partial fragment.
func (f *LineFramer) Pending() int {
	return len(f.buf)
}
