package shm

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/srediag/shmring/api"
	internalshm "github.com/srediag/shmring/internal/shm"
)

// waitSlice bounds a single futex sleep so a cancelled ctx is noticed.
const waitSlice = 50 * time.Millisecond

// Signal is a latched cross-process event backed by a sequence word in its descriptor.
type Signal struct {
	area  *Area
	name  string
	off   int
	seq   *uint32
	seen  atomic.Uint32
	owner atomic.Pointer[api.Owner]
}

var _ api.Signal = (*Signal)(nil)

// signalAt returns a handle whose first Wait returns at once if the signal was ever
// triggered, so a trigger sent before the waiter attached is not lost.
func (a *Area) signalAt(name string, off int) *Signal {
	return &Signal{
		area: a,
		name: name,
		off:  off,
		seq:  internalshm.Uint32At(a.mem, off+descSeqOff),
	}
}

func (s *Signal) Name() string { return s.name }

// Owner returns the owner bound by AttachSignal, empty when unattached.
func (s *Signal) Owner() api.Owner {
	if o := s.owner.Load(); o != nil {
		return *o
	}
	return ""
}

// Seq returns the number of triggers so far, modulo 2^32.
func (s *Signal) Seq() uint32 {
	return atomic.LoadUint32(s.seq)
}

// Trigger wakes every waiter of the signal, in any process.
func (s *Signal) Trigger() error {
	if s.area.closed.Load() {
		return ErrClosed
	}
	atomic.AddUint32(s.seq, 1)
	_, err := internalshm.FutexWake(s.seq, math.MaxInt32)
	return err
}

// Wait blocks until the signal has been triggered since this handle last returned from
// Wait. A zero timeout polls; a negative one waits until ctx is done.
func (s *Signal) Wait(ctx context.Context, timeout time.Duration) error {
	if s.owner.Load() == nil {
		return ErrNotAttached
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if s.area.closed.Load() {
			return ErrClosed
		}
		cur := atomic.LoadUint32(s.seq)
		seen := s.seen.Load()
		if cur != seen {
			if s.seen.CompareAndSwap(seen, cur) {
				return nil
			}
			continue
		}
		if timeout == 0 {
			return ErrTimeout
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		d := waitSlice
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return ErrTimeout
			}
			if left < d {
				d = left
			}
		}
		if err := internalshm.FutexWait(s.seq, cur, d); err != nil && !errors.Is(err, internalshm.ErrFutexTimeout) {
			return err
		}
	}
}
