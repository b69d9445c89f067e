package ringbuf

import "fmt"

// Span is a wrap-aware byte range of the data region.
type Span struct {
	Start Offset
	Len   uint32
}

// Split returns the lengths of the parts before and after the end of a data region of
// size bytes. The second part is zero when the span does not wrap.
func (s Span) Split(size uint32) (first, second uint32) {
	if uint64(s.Start)+uint64(s.Len) <= uint64(size) {
		return s.Len, 0
	}
	first = size - uint32(s.Start)
	return first, s.Len - first
}

// Cursor is one side's view of the ring: the data region size, its position and the
// fill count. The writer reserves frames with Reserve, the reader releases them with
// Advance; both apply the same skip rule so their positions agree.
type Cursor struct {
	Size   uint32
	Pos    Offset
	Filled uint32
}

// Free returns the bytes not charged to any packet.
func (c Cursor) Free() uint32 {
	return c.Size - c.Filled
}

// step returns the position after a frame of psize bytes and the bytes skipped at the
// end of the region. A cookie needs room before the end; when fewer than CookieSize
// bytes remain, or exactly that many, the tail is skipped and the position restarts at 0.
func (c Cursor) step(psize uint32) (next Offset, skip uint32) {
	next = c.Pos.Add(psize, c.Size)
	if uint32(next)+CookieSize >= c.Size {
		skip = c.Size - uint32(next)
		next = 0
	}
	return next, skip
}

// Reserve charges a frame for a payload of n bytes at Pos and moves Pos past it. It
// returns the payload span, ErrPacketTooLarge when n can never fit and ErrNoSpace when
// the ring is currently too full.
func (c *Cursor) Reserve(n uint32) (Span, error) {
	if n > MaxPayload(c.Size) {
		return Span{}, fmt.Errorf("payload %d, max %d: %w", n, MaxPayload(c.Size), ErrPacketTooLarge)
	}
	psize := FrameSize(n)
	next, skip := c.step(psize)
	if c.Free() < psize+skip {
		return Span{}, ErrNoSpace
	}
	span := Span{Start: c.Pos.Add(CookieSize, c.Size), Len: n}
	c.Pos = next
	c.Filled += psize + skip
	return span, nil
}

// Advance releases the frame of a payload of n bytes at Pos. It fails when the frame is
// larger than what is filled, which only happens when the header is corrupted.
func (c *Cursor) Advance(n uint32) error {
	if n > MaxPayload(c.Size) {
		return fmt.Errorf("payload %d, max %d: %w", n, MaxPayload(c.Size), ErrCorruption)
	}
	psize := FrameSize(n)
	next, skip := c.step(psize)
	if psize+skip > c.Filled {
		return fmt.Errorf("frame of %d bytes with %d filled: %w", psize+skip, c.Filled, ErrCorruption)
	}
	c.Pos = next
	c.Filled -= psize + skip
	return nil
}

// Charge returns the bytes a payload of n bytes at Pos would take, skip included.
func (c Cursor) Charge(n uint32) uint32 {
	psize := FrameSize(n)
	_, skip := c.step(psize)
	return psize + skip
}
