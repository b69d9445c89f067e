package ringbuf

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameSize(t *testing.T) {
	assert.Equal(t, uint32(8), FrameSize(0))
	assert.Equal(t, uint32(16), FrameSize(1))
	assert.Equal(t, uint32(16), FrameSize(8))
	assert.Equal(t, uint32(24), FrameSize(9))
	assert.Equal(t, uint32(48), MaxPayload(64))
	assert.Equal(t, uint32(0), MaxPayload(8))
	assert.Equal(t, HeaderSize+64, ChunkSize(60))
}

func TestSpanSplit(t *testing.T) {
	first, second := Span{Start: 40, Len: 24}.Split(64)
	assert.Equal(t, uint32(24), first)
	assert.Equal(t, uint32(0), second)

	first, second = Span{Start: 40, Len: 32}.Split(64)
	assert.Equal(t, uint32(24), first)
	assert.Equal(t, uint32(8), second)
}

func TestCursorSkipsTrailingSliver(t *testing.T) {
	w := Cursor{Size: 64}
	_, err := w.Reserve(16)
	require.NoError(t, err)
	assert.Equal(t, Offset(24), w.Pos)

	span, err := w.Reserve(24)
	require.NoError(t, err)
	assert.Equal(t, Span{Start: 32, Len: 24}, span)
	// 56+8 leaves no room for a cookie: skipped and charged
	assert.Equal(t, Offset(0), w.Pos)
	assert.Equal(t, uint32(64), w.Filled)

	_, err = w.Reserve(0)
	assert.Equal(t, ErrNoSpace, err)

	r := Cursor{Size: 64, Filled: w.Filled}
	require.NoError(t, r.Advance(16))
	require.NoError(t, r.Advance(24))
	assert.Equal(t, Offset(0), r.Pos)
	assert.Equal(t, uint32(0), r.Filled)
}

func TestCursorStraddle(t *testing.T) {
	w := Cursor{Size: 64, Pos: 32}
	span, err := w.Reserve(32)
	require.NoError(t, err)
	assert.Equal(t, Span{Start: 40, Len: 32}, span)
	assert.Equal(t, Offset(8), w.Pos)
	assert.Equal(t, uint32(40), w.Filled)
}

func TestCursorCapacity(t *testing.T) {
	for pos := Offset(0); pos < 56; pos += WordSize {
		w := Cursor{Size: 64, Pos: pos}
		_, err := w.Reserve(48)
		require.NoError(t, err, "pos %d", pos)
		assert.LessOrEqual(t, w.Filled, uint32(64))
	}
	w := Cursor{Size: 64}
	_, err := w.Reserve(49)
	assert.True(t, errors.Is(err, ErrPacketTooLarge))
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	assert.Equal(t, Cursor{Size: 64}, w)
}

func TestCursorAdvanceOverrun(t *testing.T) {
	r := Cursor{Size: 64, Filled: 8}
	assert.True(t, errors.Is(r.Advance(16), ErrCorruption))
	assert.True(t, errors.Is(r.Advance(100), ErrCorruption))
}

// TestCursorRandomSequences drives a writer and a reader cursor through random
// operations and checks the layout invariants after every step.
func TestCursorRandomSequences(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for _, size := range []uint32{16, 24, 64, 128, 1000, 4096} {
		size = RoundUp(size)
		w := Cursor{Size: size}
		r := Cursor{Size: size}
		var (
			queue  []uint32
			filled uint32
		)
		for step := 0; step < 20000; step++ {
			if rnd.Intn(2) == 0 {
				n := uint32(rnd.Intn(int(MaxPayload(size)) + 1))
				w.Filled = filled
				charge := w.Charge(n)
				_, err := w.Reserve(n)
				if err != nil {
					require.Equal(t, ErrNoSpace, err)
					require.Greater(t, charge, size-filled)
					continue
				}
				filled = w.Filled
				queue = append(queue, n)
			} else {
				if len(queue) == 0 {
					continue
				}
				r.Filled = filled
				require.NoError(t, r.Advance(queue[0]))
				filled = r.Filled
				queue = queue[1:]
			}
			require.LessOrEqual(t, filled, size)
			for _, c := range []Cursor{w, r} {
				require.Less(t, uint32(c.Pos), size)
				require.True(t, c.Pos.Aligned())
				require.Less(t, uint32(c.Pos)+CookieSize, size)
			}
			if len(queue) == 0 {
				require.Equal(t, uint32(0), filled)
				require.Equal(t, w.Pos, r.Pos)
			}
		}
	}
}
