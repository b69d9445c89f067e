package ringbuf

import (
	"encoding/binary"
	"errors"
	"fmt"

	internalshm "github.com/srediag/shmring/internal/shm"
)

// Packet is a frame reserved by AllocPacket. It stays owned by the sender until it is
// committed and by the receiver until CopyOut releases it.
type Packet struct {
	// Frame is where the cookie sits.
	Frame Offset
	// Span is the payload.
	Span Span
}

// Len returns the payload length.
func (p Packet) Len() int { return int(p.Span.Len) }

// Header is a view over a ring chunk: the shared header followed by the data region.
// Every method validates the canaries and the lock word and panics with a
// *CorruptionError when they are damaged.
type Header struct {
	mem    []byte
	data   []byte
	size   uint32
	lock   internalshm.WordLock
	poison bool
}

// InitHeader formats mem as an empty ring with a data region of dataSize bytes. Only
// the creator calls it, before the signals are published.
func InitHeader(mem []byte, dataSize uint32) (*Header, error) {
	if dataSize < MinDataSize || dataSize%WordSize != 0 {
		return nil, fmt.Errorf("data size %d must be a multiple of %d and at least %d: %w",
			dataSize, WordSize, MinDataSize, ErrInvalidArgument)
	}
	if len(mem) < ChunkSize(dataSize) {
		return nil, fmt.Errorf("chunk holds %d bytes, need %d: %w", len(mem), ChunkSize(dataSize), ErrNoMemory)
	}
	if !internalshm.IsAligned(mem) {
		return nil, fmt.Errorf("chunk is not %d-byte aligned: %w", WordSize, ErrInvalidArgument)
	}
	clear(mem[:HeaderSize])
	h := newHeader(mem, dataSize)
	h.store(offDataSize, dataSize)
	h.store(offCanary1, Canary1)
	h.store(offNextRead, 0)
	h.store(offNextWrite, 0)
	h.store(offCanary2, Canary2)
	h.store(offBytesFilled, 0)
	h.store(offSenderWaits, 0)
	h.store(offCanary3, Canary3)
	h.lock.Init()
	return h, nil
}

// OpenHeader validates the header at the start of mem and returns a view over it. A
// damaged header is returned as a *CorruptionError.
func OpenHeader(mem []byte) (*Header, error) {
	if len(mem) < HeaderSize+MinDataSize {
		return nil, fmt.Errorf("chunk holds %d bytes: %w", len(mem), ErrInvalidArgument)
	}
	if !internalshm.IsAligned(mem) {
		return nil, fmt.Errorf("chunk is not %d-byte aligned: %w", WordSize, ErrInvalidArgument)
	}
	size := internalshm.AtomicLoadUint32(mem, offDataSize)
	if size < MinDataSize || size%WordSize != 0 || ChunkSize(size) > len(mem) {
		return nil, &CorruptionError{Op: "open", Field: "data_size", Offset: offDataSize, Got: size}
	}
	h := newHeader(mem, size)
	if err := h.check("open"); err != nil {
		return nil, err
	}
	return h, nil
}

func newHeader(mem []byte, size uint32) *Header {
	return &Header{
		mem:  mem,
		data: mem[HeaderSize : HeaderSize+int(size) : HeaderSize+int(size)],
		size: size,
		lock: internalshm.NewWordLock(internalshm.Uint32At(mem, offLock), LockUnlocked, LockLocked),
	}
}

// DataSize returns the size of the data region.
func (h *Header) DataSize() uint32 { return h.size }

// MaxPayload returns the largest payload AllocPacket accepts.
func (h *Header) MaxPayload() int { return int(MaxPayload(h.size)) }

// SetPoisonConsumed makes CopyOut overwrite consumed frames with PoisonByte.
func (h *Header) SetPoisonConsumed(on bool) { h.poison = on }

func (h *Header) load(off int) uint32 {
	return internalshm.AtomicLoadUint32(h.mem, off)
}

func (h *Header) store(off int, v uint32) {
	internalshm.AtomicStoreUint32(h.mem, off, v)
}

// Check validates the header without panicking.
func (h *Header) Check() error {
	if err := h.check("check"); err != nil {
		return err
	}
	return nil
}

func (h *Header) check(op string) *CorruptionError {
	for _, c := range [...]struct {
		off  int
		name string
		want uint32
	}{
		{offCanary1, "canary1", Canary1},
		{offCanary2, "canary2", Canary2},
		{offCanary3, "canary3", Canary3},
		{offDataSize, "data_size", h.size},
	} {
		if got := h.load(c.off); got != c.want {
			return &CorruptionError{Op: op, Field: c.name, Offset: c.off, Got: got, Want: c.want}
		}
	}
	if v := h.lock.Value(); v != LockLocked && v != LockUnlocked {
		return &CorruptionError{Op: op, Field: "lock", Offset: offLock, Got: v}
	}
	for _, c := range [...]struct {
		off  int
		name string
	}{
		{offNextRead, "next_read"},
		{offNextWrite, "next_write"},
	} {
		if v := h.load(c.off); v >= h.size || !Offset(v).Aligned() {
			return &CorruptionError{Op: op, Field: c.name, Offset: c.off, Got: v}
		}
	}
	if v := h.load(offBytesFilled); v > h.size || v%WordSize != 0 {
		return &CorruptionError{Op: op, Field: "bytes_filled", Offset: offBytesFilled, Got: v}
	}
	if v := h.load(offSenderWaits); v > 1 {
		return &CorruptionError{Op: op, Field: "sender_waits", Offset: offSenderWaits, Got: v}
	}
	return nil
}

func (h *Header) verify(op string) {
	if err := h.check(op); err != nil {
		panic(err)
	}
}

func (h *Header) acquire(op string) {
	h.verify(op)
	if err := h.lock.Lock(); err != nil {
		var lse *internalshm.LockStateError
		if errors.As(err, &lse) {
			corrupt(op, "lock", offLock, lse.Got, 0)
		}
		panic(err)
	}
	if err := h.check(op); err != nil {
		_ = h.lock.Unlock()
		panic(err)
	}
}

func (h *Header) release(op string) {
	if err := h.lock.Unlock(); err != nil {
		var lse *internalshm.LockStateError
		if errors.As(err, &lse) {
			corrupt(op, "lock", offLock, lse.Got, LockLocked)
		}
		panic(err)
	}
}

// critical runs fn under the header lock. The lock is released even when fn panics, so
// a caller that recovers from a *CorruptionError does not deadlock the peer.
func (h *Header) critical(op string, fn func()) {
	h.acquire(op)
	defer h.release(op)
	fn()
}

func (h *Header) writer() Cursor {
	return Cursor{Size: h.size, Pos: Offset(h.load(offNextWrite)), Filled: h.load(offBytesFilled)}
}

func (h *Header) reader() Cursor {
	return Cursor{Size: h.size, Pos: Offset(h.load(offNextRead)), Filled: h.load(offBytesFilled)}
}

func cookieWord(flags byte) uint32 {
	return binary.NativeEndian.Uint32([]byte{CookieMagic1, CookieMagic2, flags, 0})
}

func (h *Header) writeCookie(at Offset, size uint32, flags byte) {
	binary.NativeEndian.PutUint32(h.data[at+4:at+8], size)
	internalshm.AtomicStoreUint32(h.data, int(at), cookieWord(flags))
}

func (h *Header) readCookie(op string, at Offset) (size uint32, flags byte) {
	w := internalshm.AtomicLoadUint32(h.data, int(at))
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], w)
	if b[0] != CookieMagic1 || b[1] != CookieMagic2 || b[2]&^(cookieCommitted|cookieDiscarded) != 0 || b[3] != 0 {
		corrupt(op, "cookie", HeaderSize+int(at), w, cookieWord(cookieCommitted))
	}
	size = binary.NativeEndian.Uint32(h.data[at+4 : at+8])
	if size > MaxPayload(h.size) {
		corrupt(op, "cookie size", HeaderSize+int(at)+4, size, 0)
	}
	return size, b[2]
}

// head releases the discarded frames at the read position and returns the reader cursor
// with the size of the frame now at its head. ok is false when that frame is missing or
// not committed yet. Call it under the lock.
func (h *Header) head(op string) (c Cursor, size uint32, ok bool) {
	c = h.reader()
	released := false
	defer func() {
		if released {
			h.store(offNextRead, uint32(c.Pos))
			h.store(offBytesFilled, c.Filled)
		}
	}()
	for c.Filled > 0 {
		n, flags := h.readCookie(op, c.Pos)
		if flags&cookieDiscarded == 0 {
			return c, n, flags&cookieCommitted != 0
		}
		start, charge := c.Pos, c.Charge(n)
		if err := c.Advance(n); err != nil {
			corrupt(op, "bytes_filled", offBytesFilled, c.Filled, charge)
		}
		if h.poison {
			h.fill(Span{Start: start, Len: charge}, PoisonByte)
		}
		released = true
	}
	return c, 0, false
}

// AllocPacket reserves a frame for a payload of size bytes. When the ring is full it
// sets sender_waits and returns ErrNoSpace; the sender then waits for
// space_available. A payload above MaxPayload fails with ErrPacketTooLarge.
func (h *Header) AllocPacket(size int) (Packet, error) {
	const op = "alloc_packet"
	h.verify(op)
	if size < 0 {
		return Packet{}, fmt.Errorf("payload size %d: %w", size, ErrInvalidArgument)
	}
	if uint64(size) > uint64(MaxPayload(h.size)) {
		return Packet{}, fmt.Errorf("payload %d, max %d: %w", size, MaxPayload(h.size), ErrPacketTooLarge)
	}

	var (
		p   Packet
		err error
	)
	h.critical(op, func() {
		c := h.writer()
		start := c.Pos
		var span Span
		if span, err = c.Reserve(uint32(size)); err != nil {
			if errors.Is(err, ErrNoSpace) {
				h.store(offSenderWaits, 1)
			}
			return
		}
		h.writeCookie(start, uint32(size), 0)
		h.store(offNextWrite, uint32(c.Pos))
		h.store(offBytesFilled, c.Filled)
		p = Packet{Frame: start, Span: span}
	})
	if err != nil {
		return Packet{}, err
	}
	return p, nil
}

// PutData copies data into the payload of p, wrapping at the end of the data region.
// It takes no lock: the frame belongs to the sender until it is committed.
func (h *Header) PutData(p Packet, data []byte) error {
	h.verify("put_data")
	if uint64(len(data)) > uint64(p.Span.Len) {
		return fmt.Errorf("%d bytes into a %d byte packet: %w", len(data), p.Span.Len, ErrInvalidArgument)
	}
	if uint32(p.Span.Start) >= h.size {
		return fmt.Errorf("packet at %#x outside data region: %w", p.Span.Start, ErrInvalidArgument)
	}
	first, second := Span{Start: p.Span.Start, Len: uint32(len(data))}.Split(h.size)
	copy(h.data[p.Span.Start:uint32(p.Span.Start)+first], data[:first])
	copy(h.data[:second], data[first:])
	return nil
}

// Commit marks p readable. Packets are read in order, so a committed packet behind an
// uncommitted one stays invisible until that one is committed too.
func (h *Header) Commit(p Packet) {
	h.mark("commit", p, cookieCommitted)
}

// Discard marks p abandoned. The reader releases its frame without delivering it, so
// packets allocated after p are not held back.
func (h *Header) Discard(p Packet) {
	h.mark("discard", p, cookieDiscarded)
}

func (h *Header) mark(op string, p Packet, flags byte) {
	h.verify(op)
	if uint32(p.Frame) >= h.size || !p.Frame.Aligned() {
		panic(fmt.Errorf("%s: frame %#x outside data region: %w", op, p.Frame, ErrInvalidArgument))
	}
	size, _ := h.readCookie(op, p.Frame)
	if size != p.Span.Len {
		corrupt(op, "cookie size", HeaderSize+int(p.Frame)+4, size, p.Span.Len)
	}
	internalshm.AtomicStoreUint32(h.data, int(p.Frame), cookieWord(flags))
}

// CopyOut moves the next committed packet into target and releases its frame. It
// returns ErrEmpty when nothing is readable and ErrInvalidArgument when target is too
// small; in both cases the ring is left unchanged. The payload is copied without
// holding the lock.
func (h *Header) CopyOut(target []byte) (int, error) {
	const op = "copy_out"
	var (
		start  Offset
		size   uint32
		charge uint32
		err    error
	)
	h.critical(op, func() {
		c, n, ok := h.head(op)
		if !ok {
			err = ErrEmpty
			return
		}
		start, size = c.Pos, n
		if uint64(len(target)) < uint64(size) {
			err = fmt.Errorf("target holds %d bytes, packet has %d: %w", len(target), size, ErrInvalidArgument)
			return
		}
		charge = c.Charge(size)
	})
	if err != nil {
		return 0, err
	}

	h.copyOut(Span{Start: start.Add(CookieSize, h.size), Len: size}, target)
	if h.poison {
		h.fill(Span{Start: start, Len: charge}, PoisonByte)
	}

	h.critical(op, func() {
		c := h.reader()
		if c.Pos != start {
			corrupt(op, "next_read", offNextRead, uint32(c.Pos), uint32(start))
		}
		if err := c.Advance(size); err != nil {
			corrupt(op, "bytes_filled", offBytesFilled, c.Filled, charge)
		}
		h.store(offNextRead, uint32(c.Pos))
		h.store(offBytesFilled, c.Filled)
	})
	return int(size), nil
}

func (h *Header) copyOut(s Span, target []byte) {
	first, second := s.Split(h.size)
	copy(target[:first], h.data[s.Start:uint32(s.Start)+first])
	copy(target[first:first+second], h.data[:second])
}

func (h *Header) fill(s Span, b byte) {
	first, second := s.Split(h.size)
	for i := uint32(0); i < first; i++ {
		h.data[uint32(s.Start)+i] = b
	}
	for i := uint32(0); i < second; i++ {
		h.data[i] = b
	}
}

// ReadNextSize returns the payload size of the next committed packet, or -1 when there
// is none. It only moves the read cursor past discarded frames.
func (h *Header) ReadNextSize() int {
	const op = "read_next_size"
	size := -1
	h.critical(op, func() {
		if _, n, ok := h.head(op); ok {
			size = int(n)
		}
	})
	return size
}

// takeSenderWaits clears sender_waits and reports whether it was set.
func (h *Header) takeSenderWaits() bool {
	const op = "notify_done"
	var waits bool
	h.critical(op, func() {
		if waits = h.load(offSenderWaits) != 0; waits {
			h.store(offSenderWaits, 0)
		}
	})
	return waits
}

// State is a snapshot of the header fields.
type State struct {
	Lock        uint32
	DataSize    uint32
	NextRead    uint32
	NextWrite   uint32
	BytesFilled uint32
	SenderWaits bool
}

// State returns the header fields without taking the lock, so the fields may be
// mutually inconsistent while the peer is active.
func (h *Header) State() State {
	return State{
		Lock:        h.lock.Value(),
		DataSize:    h.load(offDataSize),
		NextRead:    h.load(offNextRead),
		NextWrite:   h.load(offNextWrite),
		BytesFilled: h.load(offBytesFilled),
		SenderWaits: h.load(offSenderWaits) != 0,
	}
}

func (s State) String() string {
	lock := "unlocked"
	switch s.Lock {
	case LockLocked:
		lock = "LOCKED"
	case LockUnlocked:
	default:
		lock = fmt.Sprintf("INVALID(%#x)", s.Lock)
	}
	return fmt.Sprintf("lock %s, data size %d, next_rd %#x next_wr %#x filled %d, sender waits %t",
		lock, s.DataSize, s.NextRead, s.NextWrite, s.BytesFilled, s.SenderWaits)
}
