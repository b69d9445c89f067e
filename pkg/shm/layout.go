package shm

import (
	"bytes"
	"fmt"
	"strings"
)

const (
	// AreaVersion is stored last when an area is created; attachers wait for it.
	AreaVersion = 1
	// AreaHeaderSize is the size of the area header at offset 0.
	AreaHeaderSize = 64
	// DescriptorSize is the size of every chunk and signal descriptor.
	DescriptorSize = 96
	// MaxNameLen is the longest chunk or signal name.
	MaxNameLen = 63
	// MinAreaSize fits the header and one descriptor.
	MinAreaSize = AreaHeaderSize + DescriptorSize

	areaMagicOff   = 0
	areaVersionOff = 8
	areaLockOff    = 12
	areaSizeOff    = 16
	areaFirstOff   = 20
	areaTopOff     = 24
	areaLastOff    = 28

	descMagicOff    = 0
	descKindOff     = 4
	descNextOff     = 8
	descCapacityOff = 12
	descSeqOff      = 16
	descOwnerOff    = 20
	descNameOff     = 32

	descMagic = 0x444d4853 // "SHMD"

	areaUnlocked = 0
	areaLocked   = 1
)

var areaMagic = [8]byte{'S', 'H', 'M', 'C', 'A', 'R', 'E', 'A'}

// Kind tells chunk descriptors from signal descriptors.
type Kind uint32

const (
	KindChunk  Kind = 1
	KindSignal Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindChunk:
		return "chunk"
	case KindSignal:
		return "signal"
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}

// Entry describes one descriptor of an area.
type Entry struct {
	Kind     Kind
	Name     string
	Offset   int
	Capacity int
	Seq      uint32
	OwnerPID uint32
}

func roundUp8(n int) int {
	return (n + 7) &^ 7
}

func validateName(name string) error {
	if name == "" || len(name) > MaxNameLen || strings.IndexByte(name, 0) >= 0 || strings.ContainsRune(name, '/') {
		return fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	return nil
}

func descName(mem []byte, off int) string {
	raw := mem[off+descNameOff : off+descNameOff+MaxNameLen+1]
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return string(raw)
}
