package ringbuf

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internalshm "github.com/srediag/shmring/internal/shm"
)

func newTestHeader(t *testing.T, size uint32) *Header {
	t.Helper()
	h, err := InitHeader(internalshm.AlignedBytes(ChunkSize(size)), size)
	require.NoError(t, err)
	return h
}

func write(t *testing.T, h *Header, data []byte) Packet {
	t.Helper()
	p, err := h.AllocPacket(len(data))
	require.NoError(t, err)
	require.NoError(t, h.PutData(p, data))
	h.Commit(p)
	return p
}

func read(t *testing.T, h *Header) []byte {
	t.Helper()
	n := h.ReadNextSize()
	require.GreaterOrEqual(t, n, 0)
	buf := make([]byte, n)
	got, err := h.CopyOut(buf)
	require.NoError(t, err)
	require.Equal(t, n, got)
	return buf
}

// requireCorruption runs fn and expects it to panic with a *CorruptionError.
func requireCorruption(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		rec := recover()
		require.NotNil(t, rec, "operation did not fail on a corrupted header")
		err, ok := rec.(error)
		require.True(t, ok, "panic value %v", rec)
		var ce *CorruptionError
		assert.True(t, errors.As(err, &ce))
		assert.True(t, errors.Is(err, ErrCorruption))
	}()
	fn()
}

func TestInitHeader(t *testing.T) {
	h := newTestHeader(t, 128)
	assert.Equal(t, State{Lock: LockUnlocked, DataSize: 128}, h.State())
	assert.NoError(t, h.Check())
	assert.Equal(t, 112, h.MaxPayload())

	_, err := InitHeader(internalshm.AlignedBytes(ChunkSize(128)), 100)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	_, err = InitHeader(internalshm.AlignedBytes(ChunkSize(128)), 8)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	_, err = InitHeader(internalshm.AlignedBytes(64), 128)
	assert.True(t, errors.Is(err, ErrNoMemory))
	_, err = InitHeader(internalshm.AlignedBytes(ChunkSize(128)+8)[4:], 128)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestOpenHeader(t *testing.T) {
	mem := internalshm.AlignedBytes(ChunkSize(128))
	_, err := InitHeader(mem, 128)
	require.NoError(t, err)

	h, err := OpenHeader(mem)
	require.NoError(t, err)
	assert.Equal(t, uint32(128), h.DataSize())

	internalshm.AtomicStoreUint32(mem, offCanary2, 0)
	_, err = OpenHeader(mem)
	var ce *CorruptionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "canary2", ce.Field)
	assert.Equal(t, Canary2, ce.Want)

	internalshm.AtomicStoreUint32(mem, offDataSize, 4096)
	_, err = OpenHeader(mem)
	assert.True(t, errors.Is(err, ErrCorruption))
}

func TestFIFO(t *testing.T) {
	h := newTestHeader(t, 128)
	p1 := bytes.Repeat([]byte{'a'}, 10)
	p2 := bytes.Repeat([]byte{'b'}, 20)
	p3 := bytes.Repeat([]byte{'c'}, 5)
	write(t, h, p1)
	write(t, h, p2)
	write(t, h, p3)
	assert.Equal(t, uint32(24+32+16), h.State().BytesFilled)

	assert.Equal(t, p1, read(t, h))
	assert.Equal(t, p2, read(t, h))
	assert.Equal(t, p3, read(t, h))
	assert.Equal(t, -1, h.ReadNextSize())
	_, err := h.CopyOut(make([]byte, 64))
	assert.Equal(t, ErrEmpty, err)
}

func TestWraparoundSkip(t *testing.T) {
	h := newTestHeader(t, 64)
	a := bytes.Repeat([]byte{1}, 16)
	b := bytes.Repeat([]byte{2}, 24)
	write(t, h, a)
	write(t, h, b)
	s := h.State()
	assert.Equal(t, uint32(0), s.NextWrite)
	assert.Equal(t, uint32(64), s.BytesFilled)

	_, err := h.AllocPacket(0)
	assert.Equal(t, ErrNoSpace, err)
	assert.True(t, h.State().SenderWaits)

	assert.Equal(t, a, read(t, h))
	assert.Equal(t, b, read(t, h))
	s = h.State()
	assert.Equal(t, uint32(0), s.NextRead)
	assert.Equal(t, uint32(0), s.BytesFilled)

	c := []byte("again")
	p := write(t, h, c)
	assert.Equal(t, Offset(0), p.Frame)
	assert.Equal(t, c, read(t, h))
}

func TestWraparoundStraddle(t *testing.T) {
	h := newTestHeader(t, 64)
	write(t, h, make([]byte, 24))
	read(t, h)
	require.Equal(t, uint32(32), h.State().NextRead)

	payload := make([]byte, 32)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	p := write(t, h, payload)
	first, second := p.Span.Split(64)
	assert.Equal(t, uint32(24), first)
	assert.Equal(t, uint32(8), second)
	assert.Equal(t, uint32(8), h.State().NextWrite)

	assert.Equal(t, payload, read(t, h))
	assert.Equal(t, uint32(8), h.State().NextRead)
	assert.Equal(t, uint32(0), h.State().BytesFilled)
}

func TestCapacityBoundary(t *testing.T) {
	h := newTestHeader(t, 64)
	_, err := h.AllocPacket(49)
	assert.True(t, errors.Is(err, ErrPacketTooLarge))
	assert.False(t, h.State().SenderWaits)
	_, err = h.AllocPacket(-1)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	big := bytes.Repeat([]byte{9}, 48)
	write(t, h, big)
	_, err = h.AllocPacket(48)
	assert.Equal(t, ErrNoSpace, err)
	assert.Equal(t, big, read(t, h))
}

func TestPutDataBounds(t *testing.T) {
	h := newTestHeader(t, 64)
	p, err := h.AllocPacket(4)
	require.NoError(t, err)
	assert.True(t, errors.Is(h.PutData(p, make([]byte, 5)), ErrInvalidArgument))
	assert.True(t, errors.Is(h.PutData(Packet{Span: Span{Start: 64, Len: 4}}, []byte{1}), ErrInvalidArgument))
}

func TestCopyOutTargetTooSmall(t *testing.T) {
	h := newTestHeader(t, 128)
	write(t, h, []byte("0123456789"))

	_, err := h.CopyOut(make([]byte, 4))
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	assert.Equal(t, LockUnlocked, h.State().Lock)
	assert.Equal(t, 10, h.ReadNextSize())

	assert.Equal(t, []byte("0123456789"), read(t, h))
}

func TestUncommittedPacketInvisible(t *testing.T) {
	h := newTestHeader(t, 128)
	p, err := h.AllocPacket(3)
	require.NoError(t, err)
	require.NoError(t, h.PutData(p, []byte("abc")))

	assert.Equal(t, -1, h.ReadNextSize())
	_, err = h.CopyOut(make([]byte, 8))
	assert.Equal(t, ErrEmpty, err)

	h.Commit(p)
	assert.Equal(t, []byte("abc"), read(t, h))
}

func TestDiscardedPacketReleased(t *testing.T) {
	h := newTestHeader(t, 128)
	h.SetPoisonConsumed(true)
	p, err := h.AllocPacket(4)
	require.NoError(t, err)
	q, err := h.AllocPacket(5)
	require.NoError(t, err)
	require.NoError(t, h.PutData(q, []byte("hello")))
	h.Commit(q)
	assert.Equal(t, -1, h.ReadNextSize(), "uncommitted head holds back the ring")

	h.Discard(p)
	assert.Equal(t, 5, h.ReadNextSize())
	assert.Equal(t, uint32(16), h.State().BytesFilled)
	assert.Equal(t, bytes.Repeat([]byte{PoisonByte}, 16), h.data[:16])
	assert.Equal(t, []byte("hello"), read(t, h))
	assert.Equal(t, uint32(0), h.State().BytesFilled)

	// a discarded frame alone leaves the ring empty
	p, err = h.AllocPacket(1)
	require.NoError(t, err)
	h.Discard(p)
	_, err = h.CopyOut(make([]byte, 8))
	assert.Equal(t, ErrEmpty, err)
	state := h.State()
	assert.Equal(t, uint32(0), state.BytesFilled)
	assert.Equal(t, state.NextWrite, state.NextRead)
}

func TestPoisonConsumed(t *testing.T) {
	h := newTestHeader(t, 64)
	h.SetPoisonConsumed(true)
	write(t, h, []byte("payload!!"))
	read(t, h)
	assert.Equal(t, bytes.Repeat([]byte{PoisonByte}, 24), h.data[:24])
	assert.Equal(t, make([]byte, 40), h.data[24:])
}

func TestTakeSenderWaits(t *testing.T) {
	h := newTestHeader(t, 16)
	assert.False(t, h.takeSenderWaits())
	write(t, h, nil)
	_, err := h.AllocPacket(0)
	require.Equal(t, ErrNoSpace, err)
	assert.True(t, h.takeSenderWaits())
	assert.False(t, h.takeSenderWaits())
}

func TestCorruptedLockFailsEveryOperation(t *testing.T) {
	h := newTestHeader(t, 128)
	p := write(t, h, []byte("x"))
	internalshm.AtomicStoreUint32(h.mem, offLock, 0x1234)

	requireCorruption(t, func() { _, _ = h.AllocPacket(1) })
	requireCorruption(t, func() { _ = h.PutData(p, []byte("y")) })
	requireCorruption(t, func() { h.Commit(p) })
	requireCorruption(t, func() { _, _ = h.CopyOut(make([]byte, 8)) })
	requireCorruption(t, func() { _ = h.ReadNextSize() })
	requireCorruption(t, func() { _ = h.takeSenderWaits() })
	assert.Error(t, h.Check())
	assert.Contains(t, h.State().String(), "INVALID(0x1234)")

	// cursors untouched
	s := h.State()
	assert.Equal(t, uint32(0), s.NextRead)
	assert.Equal(t, uint32(16), s.BytesFilled)
}

func TestCorruptedCanaryFailsEveryOperation(t *testing.T) {
	h := newTestHeader(t, 128)
	p := write(t, h, []byte("x"))
	internalshm.AtomicStoreUint32(h.mem, offCanary3, 0)

	requireCorruption(t, func() { _, _ = h.AllocPacket(1) })
	requireCorruption(t, func() { _ = h.PutData(p, []byte("y")) })
	requireCorruption(t, func() { _, _ = h.CopyOut(make([]byte, 8)) })
	requireCorruption(t, func() { _ = h.ReadNextSize() })
	// the failed operations did not leave the lock held
	assert.Equal(t, LockUnlocked, h.lock.Value())
}

func TestCorruptedCursor(t *testing.T) {
	h := newTestHeader(t, 128)
	internalshm.AtomicStoreUint32(h.mem, offNextRead, 4)
	requireCorruption(t, func() { _ = h.ReadNextSize() })
	internalshm.AtomicStoreUint32(h.mem, offNextRead, 0)
	internalshm.AtomicStoreUint32(h.mem, offBytesFilled, 256)
	requireCorruption(t, func() { _, _ = h.AllocPacket(1) })
}

func TestCorruptedCookie(t *testing.T) {
	h := newTestHeader(t, 128)
	write(t, h, []byte("x"))
	h.data[1] = 0
	requireCorruption(t, func() { _ = h.ReadNextSize() })
}
