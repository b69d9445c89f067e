// Package shm implements the shared memory Area used by the ring buffer: a named region
// mapped into cooperating processes that hands out named chunks and named signals.
//
// The region starts with a fixed area header followed by a singly linked list of
// descriptors, linked by offset so every process can walk it regardless of where the
// region is mapped. A chunk's memory follows its descriptor. A signal is a sequence word
// inside its descriptor: Trigger increments it and wakes all futex waiters, Wait returns
// once the word differs from the last value the handle observed.
//
// Example usage:
//
//	area, err := shm.CreateArea(ctx, "demo", 1<<20, nil)
//	// ...
//	chunk, err := area.AddChunk("rx", 64<<10)
//	sig, err := area.AddSignal("rx.data_ready")
//
// The attaching process uses AttachArea, GetChunk and GetSignal, which retry until the
// creator has published the names or the timeout elapses.
package shm
