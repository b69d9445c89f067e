package ringbuf

const (
	// WordSize is the framing granularity; it is 8 on every platform so 32- and 64-bit
	// peers agree on the layout.
	WordSize = 8
	// CookieSize is the size of the length prefix in front of every payload.
	CookieSize = 8
	// HeaderSize is the size of the header in front of the data region.
	HeaderSize = 0x28
	// MinDataSize is the smallest data region a ring can have.
	MinDataSize = 2 * CookieSize

	// LockLocked and LockUnlocked are the only valid lock word values.
	LockLocked   uint32 = 5
	LockUnlocked uint32 = 6

	Canary1 uint32 = 0xABABABAB
	Canary2 uint32 = 0xCDCDCDCD
	Canary3 uint32 = 0xEFEFEFEF

	// PoisonByte fills consumed frames when Config.PoisonConsumed is set.
	PoisonByte = 0x6B

	CookieMagic1 = 0xDE
	CookieMagic2 = 0xAD
	// cookieCommitted is set in the cookie flags byte once the packet is committed.
	cookieCommitted = 0x01
	// cookieDiscarded marks a packet its sender abandoned; the reader releases it unread.
	cookieDiscarded = 0x02
)

// Header field offsets.
const (
	offLock        = 0x00
	offDataSize    = 0x04
	offCanary1     = 0x08
	offNextRead    = 0x0C
	offNextWrite   = 0x10
	offCanary2     = 0x14
	offBytesFilled = 0x18
	offSenderWaits = 0x1C
	offCanary3     = 0x20
	offReserved    = 0x24
)

// Offset is a byte offset into the data region. Positions are stored as offsets in
// shared memory and only resolved against the local mapping when accessed.
type Offset uint32

// Add returns o+n modulo size.
func (o Offset) Add(n, size uint32) Offset {
	return Offset((uint64(o) + uint64(n)) % uint64(size))
}

// Aligned reports whether o is a multiple of WordSize.
func (o Offset) Aligned() bool {
	return o%WordSize == 0
}

// RoundUp rounds n up to a multiple of WordSize.
func RoundUp(n uint32) uint32 {
	return (n + WordSize - 1) &^ (WordSize - 1)
}

// FrameSize is the space a payload of n bytes occupies, cookie included.
func FrameSize(n uint32) uint32 {
	return RoundUp(n + CookieSize)
}

// MaxPayload is the largest payload a data region of size bytes accepts.
func MaxPayload(size uint32) uint32 {
	if size < MinDataSize {
		return 0
	}
	return size - 2*CookieSize
}

// ChunkSize is the chunk capacity needed for a data region of dataSize bytes.
func ChunkSize(dataSize uint32) int {
	return HeaderSize + int(RoundUp(dataSize))
}
