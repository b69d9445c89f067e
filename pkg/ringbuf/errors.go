package ringbuf

import (
	"errors"
	"fmt"

	"github.com/srediag/shmring/api"
)

var (
	// ErrNotFound is returned when the chunk or a signal did not appear in time.
	ErrNotFound = api.ErrNotFound
	// ErrNoMemory is returned when the area cannot hold the ring.
	ErrNoMemory = api.ErrNoMemory

	// ErrNoSpace means the ring is full for now; wait for space_available and retry.
	ErrNoSpace         = errors.New("ring buffer full")
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrPacketTooLarge is returned for a payload that can never fit the ring.
	ErrPacketTooLarge = fmt.Errorf("packet larger than ring capacity: %w", ErrInvalidArgument)
	// ErrEmpty means there is no committed packet to read.
	ErrEmpty = errors.New("ring buffer empty")
	// ErrWouldBlock is returned by a non-blocking wait that found nothing.
	ErrWouldBlock = errors.New("operation would block")
	ErrClosed     = errors.New("ring buffer closed")
	ErrCorruption = errors.New("ring buffer corrupted")
)

// CorruptionError describes a header or cookie that failed validation.
type CorruptionError struct {
	Op     string
	Field  string
	Offset int
	Got    uint32
	Want   uint32
}

func (e *CorruptionError) Error() string {
	if e.Want != 0 {
		return fmt.Sprintf("%s: %s at %#x is %#x, want %#x: %v", e.Op, e.Field, e.Offset, e.Got, e.Want, ErrCorruption)
	}
	return fmt.Sprintf("%s: %s at %#x has invalid value %#x: %v", e.Op, e.Field, e.Offset, e.Got, ErrCorruption)
}

func (e *CorruptionError) Unwrap() error { return ErrCorruption }

func corrupt(op, field string, off int, got, want uint32) {
	panic(&CorruptionError{Op: op, Field: field, Offset: off, Got: got, Want: want})
}
