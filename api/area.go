package api

import (
	"context"
	"errors"
	"time"
)

// Errors shared by every Area implementation.
var (
	ErrNotFound    = errors.New("not found")
	ErrNoMemory    = errors.New("no memory left in area")
	ErrExists      = errors.New("name already exists")
	ErrTimeout     = errors.New("wait timed out")
	ErrNotAttached = errors.New("signal has no owner attached")
)

// Owner identifies the execution context that receives a signal's deliveries.
type Owner string

// Area is a shared memory region mapped into cooperating processes. It hands out named
// chunks and named signals.
type Area interface {
	Name() string
	// AddChunk carves a new chunk of at least capacity bytes out of the area.
	AddChunk(name string, capacity int) (Chunk, error)
	// GetChunk looks an existing chunk up, retrying until timeout.
	GetChunk(ctx context.Context, name string, timeout time.Duration) (Chunk, error)
	AddSignal(name string) (Signal, error)
	GetSignal(ctx context.Context, name string, timeout time.Duration) (Signal, error)
	// AttachSignal binds owner to sig so it may wait on it.
	AttachSignal(name string, owner Owner, sig Signal) error
}

// Chunk is a named sub-allocation of an Area.
type Chunk interface {
	Name() string
	Capacity() int
	// Bytes returns the chunk memory, 8-byte aligned.
	Bytes() []byte
}

// Signal is a cross-process event. Triggers are latched: a Wait that starts after a
// Trigger returns at once.
type Signal interface {
	Name() string
	Trigger() error
	// Wait blocks until the signal is triggered, timeout elapses (ErrTimeout) or ctx is
	// done. A zero timeout polls and a negative timeout waits forever.
	Wait(ctx context.Context, timeout time.Duration) error
}
