package ringbuf

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shmring/api"
	"github.com/srediag/shmring/internal/logging"
	internalshm "github.com/srediag/shmring/internal/shm"
)

var log = logging.New("ringbuf", nil)

// Role tells which end of the channel a handle serves.
type Role int

const (
	RoleNone Role = iota
	RoleSender
	RoleReceiver
)

func (r Role) String() string {
	switch r {
	case RoleSender:
		return "sender"
	case RoleReceiver:
		return "receiver"
	}
	return "none"
}

// Ring is one process's handle on a ring buffer. A handle serves one role: the sender
// methods are called from the sender's goroutine only and the receiver methods from the
// receiver's goroutine only.
type Ring struct {
	area           api.Area
	chunk          api.Chunk
	header         *Header
	conf           Config
	dataReady      api.Signal
	spaceAvailable api.Signal
	creator        bool

	mu      sync.Mutex
	role    Role
	owner   api.Owner
	pending []Packet

	closed   atomic.Bool
	counters counters
	inst     *instruments
	log      *logging.Logger
}

var _ api.Transport = (*Ring)(nil)

func normalize(conf *Config) (Config, error) {
	if conf == nil {
		conf = DefaultConfig()
	}
	c := *conf
	c.Size = RoundUp(c.Size)
	if err := VerifyConfig(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// InitBuffer creates the ring in area: the chunk, the header and then both signals.
// Finding the signals therefore tells an attacher the header is ready.
func InitBuffer(area api.Area, conf *Config) (*Ring, error) {
	c, err := normalize(conf)
	if err != nil {
		return nil, err
	}
	r := newRing(area, c, true)
	chunk, err := area.AddChunk(c.ChunkName, ChunkSize(c.Size))
	if err != nil {
		return nil, fmt.Errorf("init buffer %s: %w", c.ChunkName, err)
	}
	r.chunk = chunk
	if r.header, err = InitHeader(chunk.Bytes(), c.Size); err != nil {
		return nil, fmt.Errorf("init buffer %s: %w", c.ChunkName, err)
	}
	r.header.SetPoisonConsumed(c.PoisonConsumed)
	if r.dataReady, err = area.AddSignal(DataReadyName(c.SignalBaseName)); err != nil {
		return nil, fmt.Errorf("init buffer %s: %w", c.ChunkName, err)
	}
	if r.spaceAvailable, err = area.AddSignal(SpaceAvailableName(c.SignalBaseName)); err != nil {
		return nil, fmt.Errorf("init buffer %s: %w", c.ChunkName, err)
	}
	r.log.Infof("created ring %s", r)
	return r, nil
}

// InitReceiver attaches to a ring created by InitBuffer, waiting up to
// conf.AttachTimeout for the chunk and both signals. A damaged header is returned as a
// *CorruptionError.
func InitReceiver(ctx context.Context, area api.Area, conf *Config) (*Ring, error) {
	c, err := normalize(conf)
	if err != nil {
		return nil, err
	}
	r := newRing(area, c, false)
	if r.chunk, err = area.GetChunk(ctx, c.ChunkName, c.AttachTimeout); err != nil {
		return nil, fmt.Errorf("init receiver %s: %w", c.ChunkName, err)
	}
	if r.dataReady, err = area.GetSignal(ctx, DataReadyName(c.SignalBaseName), c.AttachTimeout); err != nil {
		return nil, fmt.Errorf("init receiver %s: %w", c.ChunkName, err)
	}
	if r.spaceAvailable, err = area.GetSignal(ctx, SpaceAvailableName(c.SignalBaseName), c.AttachTimeout); err != nil {
		return nil, fmt.Errorf("init receiver %s: %w", c.ChunkName, err)
	}
	if r.header, err = OpenHeader(r.chunk.Bytes()); err != nil {
		return nil, fmt.Errorf("init receiver %s: %w", c.ChunkName, err)
	}
	r.header.SetPoisonConsumed(c.PoisonConsumed)
	r.conf.Size = r.header.DataSize()
	r.log.Infof("attached ring %s", r)
	return r, nil
}

func newRing(area api.Area, conf Config, creator bool) *Ring {
	return &Ring{
		area:    area,
		conf:    conf,
		creator: creator,
		inst:    newInstruments(&conf),
		log:     log.With(conf.LogOutput),
	}
}

// AttachSender binds owner to space_available so the sender can wait for room.
func (r *Ring) AttachSender(owner api.Owner) error {
	return r.attach(RoleSender, owner, SpaceAvailableName(r.conf.SignalBaseName), r.spaceAvailable)
}

// AttachReceiver binds owner to data_ready so the receiver can wait for packets.
func (r *Ring) AttachReceiver(owner api.Owner) error {
	return r.attach(RoleReceiver, owner, DataReadyName(r.conf.SignalBaseName), r.dataReady)
}

func (r *Ring) attach(role Role, owner api.Owner, name string, sig api.Signal) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if err := r.area.AttachSignal(name, owner, sig); err != nil {
		return fmt.Errorf("attach %s %s: %w", role, owner, err)
	}
	r.mu.Lock()
	r.role = role
	r.owner = owner
	r.mu.Unlock()
	r.log.Debugf("ring %s: %s attached as %s", r.conf.ChunkName, owner, role)
	return nil
}

// Deinit releases the handle. The shared chunk and signals stay in the area. Packets
// allocated but not committed are discarded so the receiver skips them.
func (r *Ring) Deinit() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()
	if len(pending) > 0 {
		if err := r.header.Check(); err != nil {
			r.log.Warnf("ring %s: deinit with %d uncommitted packets: %v", r.conf.ChunkName, len(pending), err)
			return nil
		}
		for _, p := range pending {
			r.header.Discard(p)
		}
		r.log.Warnf("ring %s: deinit discarded %d uncommitted packets", r.conf.ChunkName, len(pending))
	}
	r.log.Debugf("ring %s: deinit", r.conf.ChunkName)
	return nil
}

// Header returns the header view.
func (r *Ring) Header() *Header { return r.header }

// Name returns the chunk name of the ring.
func (r *Ring) Name() string { return r.conf.ChunkName }

// Role returns the role the handle was attached as.
func (r *Ring) Role() Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role
}

// Attached reports whether the handle is open and bound to an owner.
func (r *Ring) Attached() bool {
	return !r.closed.Load() && r.Role() != RoleNone
}

// Stats returns the traffic counters of this handle.
func (r *Ring) Stats() Stats { return r.counters.snapshot() }

// AllocPacket reserves a frame for size payload bytes; see Header.AllocPacket.
func (r *Ring) AllocPacket(size int) (Packet, error) {
	if r.closed.Load() {
		return Packet{}, ErrClosed
	}
	p, err := r.header.AllocPacket(size)
	if err != nil {
		if errors.Is(err, ErrNoSpace) {
			r.counters.fullEvents.Add(1)
			r.inst.full.Add(context.Background(), 1, r.inst.attrs)
		}
		return Packet{}, err
	}
	r.mu.Lock()
	r.pending = append(r.pending, p)
	r.mu.Unlock()
	return p, nil
}

// PutData copies data into p.
func (r *Ring) PutData(p Packet, data []byte) error {
	if r.closed.Load() {
		return ErrClosed
	}
	return r.header.PutData(p, data)
}

// CommitPacket publishes every packet allocated since the last commit and triggers
// data_ready. It triggers even with nothing pending; a spurious wake only makes the
// receiver re-check the ring.
func (r *Ring) CommitPacket() error {
	if r.closed.Load() {
		return ErrClosed
	}
	r.header.verify("commit")
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()
	for _, p := range pending {
		r.header.Commit(p)
		r.counters.packetsSent.Add(1)
		r.counters.bytesSent.Add(uint64(p.Len()))
		r.inst.sent(context.Background(), p.Len())
	}
	if err := r.dataReady.Trigger(); err != nil {
		return fmt.Errorf("trigger %s: %w", r.dataReady.Name(), err)
	}
	return nil
}

// NextCopyIn allocates a packet for data and copies data into it. When the ring is full
// and block is set it waits for space_available and retries; otherwise it returns
// ErrNoSpace. The packet is not committed.
func (r *Ring) NextCopyIn(ctx context.Context, data []byte, block bool) (Packet, error) {
	for {
		p, err := r.AllocPacket(len(data))
		if err == nil {
			return p, r.PutData(p, data)
		}
		if !errors.Is(err, ErrNoSpace) || !block {
			return Packet{}, err
		}
		if err := r.waitForSpace(ctx); err != nil {
			return Packet{}, err
		}
	}
}

func (r *Ring) waitForSpace(ctx context.Context) error {
	ctx, span := r.inst.tracer.Start(ctx, "ringbuf.WaitForSpace",
		trace.WithAttributes(attribute.String("ring", r.conf.ChunkName)))
	defer span.End()
	r.log.Tracef("ring %s: full, waiting for space", r.conf.ChunkName)
	if err := r.spaceAvailable.Wait(ctx, internalshm.Forever); err != nil {
		span.RecordError(err)
		return fmt.Errorf("wait %s: %w", r.spaceAvailable.Name(), err)
	}
	return nil
}

// Send copies data into the ring, waiting for space as needed, and commits it.
func (r *Ring) Send(ctx context.Context, data []byte) error {
	if _, err := r.NextCopyIn(ctx, data, true); err != nil {
		return err
	}
	return r.CommitPacket()
}

// WaitForData waits for data_ready. A non-blocking call that finds no trigger returns
// ErrWouldBlock. A wake does not guarantee a packet; CopyOut may still return ErrEmpty.
func (r *Ring) WaitForData(ctx context.Context, block bool) error {
	if r.closed.Load() {
		return ErrClosed
	}
	r.header.verify("wait_for_data")
	timeout := internalshm.Forever
	if !block {
		timeout = 0
	}
	ctx, span := r.inst.tracer.Start(ctx, "ringbuf.WaitForData",
		trace.WithAttributes(attribute.String("ring", r.conf.ChunkName), attribute.Bool("block", block)))
	defer span.End()
	err := r.dataReady.Wait(ctx, timeout)
	if err == nil {
		return nil
	}
	if errors.Is(err, api.ErrTimeout) && !block {
		return ErrWouldBlock
	}
	span.RecordError(err)
	return fmt.Errorf("wait %s: %w", r.dataReady.Name(), err)
}

// CopyOut moves the next packet into target; see Header.CopyOut.
func (r *Ring) CopyOut(target []byte) (int, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}
	n, err := r.header.CopyOut(target)
	if err != nil {
		return 0, err
	}
	r.counters.packetsReceived.Add(1)
	r.counters.bytesReceived.Add(uint64(n))
	r.inst.received(context.Background(), n)
	return n, nil
}

// NotifyDone wakes the sender if it found the ring full. It triggers space_available
// at most once per full condition.
func (r *Ring) NotifyDone() error {
	if r.closed.Load() {
		return ErrClosed
	}
	if !r.header.takeSenderWaits() {
		return nil
	}
	r.counters.notifyWakes.Add(1)
	r.inst.wakes.Add(context.Background(), 1, r.inst.attrs)
	if err := r.spaceAvailable.Trigger(); err != nil {
		return fmt.Errorf("trigger %s: %w", r.spaceAvailable.Name(), err)
	}
	return nil
}

// ReadNextSize returns the size of the next packet, or -1 when there is none or the
// handle is closed.
func (r *Ring) ReadNextSize() int {
	if r.closed.Load() {
		return -1
	}
	return r.header.ReadNextSize()
}

// Receive waits for the next packet and returns a copy of it, notifying the sender
// afterwards.
func (r *Ring) Receive(ctx context.Context) ([]byte, error) {
	for {
		if r.closed.Load() {
			return nil, ErrClosed
		}
		if n := r.ReadNextSize(); n >= 0 {
			buf := make([]byte, n)
			if _, err := r.CopyOut(buf); err != nil {
				return nil, err
			}
			return buf, r.NotifyDone()
		}
		// ReadNextSize may have released discarded frames a full sender waits on.
		if err := r.NotifyDone(); err != nil {
			return nil, err
		}
		if err := r.WaitForData(ctx, true); err != nil {
			return nil, err
		}
	}
}
