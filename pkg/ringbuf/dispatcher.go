package ringbuf

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	queuepkg "github.com/Workiva/go-datastructures/queue"
	"github.com/valyala/bytebufferpool"
)

const minDispatchDepth = 2

// Handler consumes one payload. The slice is only valid during the call.
type Handler func(payload []byte) error

// Dispatcher drains a receiving ring into a bounded queue and hands the payloads to a
// single consumer goroutine in ring order. When the consumer falls behind the queue
// fills up and the dispatcher stops reading, which pushes back on the sender through the
// ring.
type Dispatcher struct {
	ring    *Ring
	handler Handler
	q       *queuepkg.RingBuffer
	pool    bytebufferpool.Pool

	dispatched atomic.Uint64
	failed     atomic.Uint64
	closeOnce  sync.Once
}

// NewDispatcher returns a dispatcher for r with room for depth queued payloads. depth
// must be at least 2.
func NewDispatcher(r *Ring, depth uint64, h Handler) (*Dispatcher, error) {
	if r == nil || h == nil {
		return nil, fmt.Errorf("dispatcher needs a ring and a handler: %w", ErrInvalidArgument)
	}
	// A queue.RingBuffer of one slot overwrites it instead of blocking.
	if depth < minDispatchDepth {
		return nil, fmt.Errorf("dispatcher depth %d below %d: %w", depth, minDispatchDepth, ErrInvalidArgument)
	}
	return &Dispatcher{
		ring:    r,
		handler: h,
		q:       queuepkg.NewRingBuffer(depth),
	}, nil
}

// Run reads the ring until ctx is done, the dispatcher is closed or the ring fails. It
// returns after the consumer has handled every queued payload.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.consume()
	}()
	err := d.produce(ctx)
	// nil marks the end of the stream for the consumer.
	if perr := d.q.Put(nil); perr != nil && !errors.Is(perr, queuepkg.ErrDisposed) {
		d.ring.log.Warnf("dispatcher %s: %v", d.ring.Name(), perr)
	}
	wg.Wait()
	d.q.Dispose()
	if errors.Is(err, queuepkg.ErrDisposed) {
		return ErrClosed
	}
	return err
}

func (d *Dispatcher) produce(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := d.ring.ReadNextSize()
		if n < 0 {
			if err := d.ring.NotifyDone(); err != nil {
				return err
			}
			if err := d.ring.WaitForData(ctx, true); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				return err
			}
			continue
		}
		buf := d.pool.Get()
		if cap(buf.B) < n {
			buf.B = make([]byte, n)
		}
		buf.B = buf.B[:n]
		if _, err := d.ring.CopyOut(buf.B); err != nil {
			d.pool.Put(buf)
			return err
		}
		if err := d.ring.NotifyDone(); err != nil {
			d.pool.Put(buf)
			return err
		}
		if err := d.q.Put(buf); err != nil {
			d.pool.Put(buf)
			return err
		}
	}
}

func (d *Dispatcher) consume() {
	for {
		item, err := d.q.Get()
		if err != nil || item == nil {
			return
		}
		buf := item.(*bytebufferpool.ByteBuffer)
		if err := d.handler(buf.B); err != nil {
			d.failed.Add(1)
			d.ring.log.Warnf("dispatcher %s: handler: %v", d.ring.Name(), err)
		}
		d.dispatched.Add(1)
		d.pool.Put(buf)
	}
}

// Dispatched returns how many payloads reached the handler.
func (d *Dispatcher) Dispatched() uint64 { return d.dispatched.Load() }

// Failed returns how many handler calls returned an error.
func (d *Dispatcher) Failed() uint64 { return d.failed.Load() }

// Close drops queued payloads and unblocks a producer stuck on a full queue. Cancel the
// context given to Run to stop it waiting on the ring.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(d.q.Dispose)
}
