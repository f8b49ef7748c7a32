package intercept

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

// Mixed 1-, 2-, 3-, and 4-byte runes.
const decoderSample = "héllo wörld ☃ 日本語 🎉 done"

// TestChunkDecoder_SplitAtEveryOffset verifies that splitting the byte
// stream at any position, including inside a multi-byte character, yields
// the same text as decoding it whole, and that every individually emitted
// piece is valid UTF-8. Each piece is marshaled and dispatched on its own,
// so a piece ending mid-character is corruption even when later
// concatenation would hide it.
func TestChunkDecoder_SplitAtEveryOffset(t *testing.T) {
	raw := []byte(decoderSample)
	for cut := 0; cut <= len(raw); cut++ {
		var d ChunkDecoder
		first := d.Decode(raw[:cut])
		second := d.Decode(raw[cut:])
		require.True(t, utf8.ValidString(first), "split at byte %d: first piece invalid", cut)
		require.True(t, utf8.ValidString(second), "split at byte %d: second piece invalid", cut)
		require.Equal(t, decoderSample, first+second, "split at byte %d", cut)
		require.Zero(t, d.Pending(), "split at byte %d left carry", cut)
	}
}

// TestChunkDecoder_ThreeWaySplit exercises a carry that spans two boundaries
// of the same character: the snowman (3 bytes) delivered one byte at a time.
func TestChunkDecoder_ThreeWaySplit(t *testing.T) {
	raw := []byte("a☃b")
	var d ChunkDecoder

	require.Equal(t, "a", d.Decode(raw[:2]))
	require.Equal(t, 1, d.Pending())
	require.Equal(t, "", d.Decode(raw[2:3]))
	require.Equal(t, 2, d.Pending())
	require.Equal(t, "☃b", d.Decode(raw[3:]))
	require.Zero(t, d.Pending())
}

// Without the carry, a frame cut inside a character ships invalid bytes to
// the consumer; this guards against regressing to plain string conversion.
func TestChunkDecoder_HoldsBackTruncatedCharacter(t *testing.T) {
	raw := []byte("日本")
	cut := 4 // inside the second character

	require.False(t, utf8.Valid(raw[:cut]))

	var d ChunkDecoder
	first := d.Decode(raw[:cut])
	require.Equal(t, "日", first)
	require.Equal(t, 1, d.Pending())
	require.Equal(t, "本", d.Decode(raw[cut:]))
}

func TestChunkDecoder_InvalidBytesPassThrough(t *testing.T) {
	var d ChunkDecoder
	// 0xff is never valid UTF-8; it must not be held back waiting for a
	// continuation that cannot come.
	got := d.Decode([]byte{'x', 0xff, 'y'})
	require.Equal(t, "x\xffy", got)
	require.Zero(t, d.Pending())
}

func TestChunkDecoder_LoneContinuationBytes(t *testing.T) {
	var d ChunkDecoder
	// Continuation bytes with no start byte are malformed input, not a
	// truncated sequence.
	got := d.Decode([]byte{0x80, 0x80, 0x80, 0x80, 0x80})
	require.NotEmpty(t, got)
	require.Zero(t, d.Pending())
}

func TestChunkDecoder_FlushDropsCarry(t *testing.T) {
	var d ChunkDecoder
	d.Decode([]byte("ok\xe2\x98")) // truncated snowman
	require.Equal(t, 2, d.Pending())

	dropped := d.Flush()
	require.Len(t, dropped, 2)
	require.Zero(t, d.Pending())

	// Post-flush decoding starts clean.
	require.Equal(t, "next", d.Decode([]byte("next")))
}

func TestChunkDecoder_EmptyChunk(t *testing.T) {
	var d ChunkDecoder
	require.Equal(t, "", d.Decode(nil))
	require.Equal(t, "", d.Decode([]byte{}))
	require.Zero(t, d.Pending())
}

func TestChunkDecoder_CarryDoesNotAliasCaller(t *testing.T) {
	var d ChunkDecoder
	chunk := []byte("ab\xf0\x9f") // truncated 🎉
	d.Decode(chunk)
	chunk[2] = 'Z' // caller reuses its buffer
	chunk[3] = 'Z'

	require.Equal(t, "🎉", d.Decode([]byte("\x8e\x89")))
}
