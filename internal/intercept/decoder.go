package intercept

import "unicode/utf8"

// ChunkDecoder decodes UTF-8 text arriving in arbitrary byte chunks. A
// multi-byte sequence split across a chunk boundary is carried over and
// prefixed onto the next chunk before decoding; naive per-chunk decoding
// corrupts characters that straddle frames. Invalid bytes that are not a
// truncated sequence pass through as-is (the stream is decoded tolerantly,
// matching the parser's permissiveness).
type ChunkDecoder struct {
	carry []byte
}

// Decode returns the longest decodable prefix of carry+chunk as a string and
// retains any incomplete trailing multi-byte sequence for the next call.
func (d *ChunkDecoder) Decode(chunk []byte) string {
	if len(chunk) == 0 {
		return ""
	}

	buf := chunk
	if len(d.carry) > 0 {
		buf = append(d.carry, chunk...)
		d.carry = nil
	}

	complete, rest := splitIncompleteTail(buf)
	if len(rest) > 0 {
		// Copy: buf may alias the caller's chunk.
		d.carry = append(make([]byte, 0, len(rest)), rest...)
	}
	return string(complete)
}

// Flush drops and returns any bytes still held as an incomplete sequence.
// Called on lifecycle reset so no carry-over leaks into the next exchange.
func (d *ChunkDecoder) Flush() []byte {
	rest := d.carry
	d.carry = nil
	return rest
}

// Pending reports how many carried-over bytes await completion.
func (d *ChunkDecoder) Pending() int {
	return len(d.carry)
}

// splitIncompleteTail finds the start of the last rune in b. If that rune is
// a truncated multi-byte sequence it is returned as rest; otherwise all of b
// is complete. Bytes that are outright invalid UTF-8 are treated as
// complete, not held back.
func splitIncompleteTail(b []byte) (complete, rest []byte) {
	if len(b) == 0 {
		return b, nil
	}

	// Walk back at most UTFMax bytes to the last start byte.
	i := len(b) - 1
	for i > 0 && len(b)-i < utf8.UTFMax && !utf8.RuneStart(b[i]) {
		i--
	}
	if !utf8.RuneStart(b[i]) {
		// No start byte within reach: not a truncated sequence, just
		// malformed input. Pass it through.
		return b, nil
	}

	tail := b[i:]
	if utf8.FullRune(tail) {
		return b, nil
	}
	return b[:i], tail
}
