package shm

import (
	"errors"

	"github.com/srediag/shmring/api"
)

var (
	// ErrNotFound is returned when a lookup gives up before the name appears.
	ErrNotFound = api.ErrNotFound
	// ErrNoMemory is returned when the area has no room for a new chunk or signal.
	ErrNoMemory = api.ErrNoMemory
	// ErrExists is returned when a name is already taken in the area.
	ErrExists = api.ErrExists
	// ErrTimeout is returned by Signal.Wait when the timeout elapses.
	ErrTimeout = api.ErrTimeout
	// ErrNotAttached is returned when waiting on a signal with no owner.
	ErrNotAttached = api.ErrNotAttached

	ErrInvalidName     = errors.New("invalid name")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrClosed          = errors.New("area closed")
	// ErrBadArea is returned when the area header or a descriptor fails validation.
	ErrBadArea = errors.New("area corrupted")
)
