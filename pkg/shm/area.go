package shm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/srediag/shmring/api"
	"github.com/srediag/shmring/internal/logging"
	internalshm "github.com/srediag/shmring/internal/shm"
)

const maxRetryInterval = 100 * time.Millisecond

var log = logging.New("shm", nil)

// Options configures how an area is mapped.
type Options struct {
	// Dir holds the backing file, /dev/shm or the temp dir when empty.
	Dir string
	// Mode is the permission of a created backing file.
	Mode os.FileMode
	// LogOutput redirects this area's log lines.
	LogOutput io.Writer
}

// Area is a shared memory region holding named chunks and signals.
type Area struct {
	name   string
	region *internalshm.MappedRegion
	mem    []byte
	lock   internalshm.WordLock
	log    *logging.Logger
	closed atomic.Bool
}

var _ api.Area = (*Area)(nil)

// CreateArea creates a named area of size bytes. It fails with ErrExists when an area
// of that name is already present.
func CreateArea(ctx context.Context, name string, size int, opts *Options) (*Area, error) {
	if opts == nil {
		opts = &Options{}
	}
	if err := validateName(name); err != nil {
		return nil, fmt.Errorf("create area: %w", err)
	}
	if size < MinAreaSize {
		return nil, fmt.Errorf("create area %q: size %d below %d: %w", name, size, MinAreaSize, ErrInvalidArgument)
	}
	size = roundUp8(size)
	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
		Name:   name,
		Size:   size,
		Create: true,
		Dir:    opts.Dir,
		Mode:   opts.Mode,
	})
	if err != nil {
		if errors.Is(err, internalshm.ErrRegionExists) {
			return nil, fmt.Errorf("create area %q: %w", name, ErrExists)
		}
		if errors.Is(err, internalshm.ErrNotEnoughSpace) {
			return nil, fmt.Errorf("create area %q: %v: %w", name, err, ErrNoMemory)
		}
		return nil, fmt.Errorf("create area %q: %w", name, err)
	}
	a := newArea(name, region, opts.LogOutput)
	a.format()
	a.log.Debugf("created area %s at %s, %d bytes", name, region.Path, size)
	return a, nil
}

// NewAnonymousArea creates an area that is not backed by a named file. It is shared
// with goroutines of this process and, on Linux, with children forked afterwards.
func NewAnonymousArea(name string, size int) (*Area, error) {
	if err := validateName(name); err != nil {
		return nil, fmt.Errorf("create area: %w", err)
	}
	if size < MinAreaSize {
		return nil, fmt.Errorf("create area %q: size %d below %d: %w", name, size, MinAreaSize, ErrInvalidArgument)
	}
	size = roundUp8(size)
	region, err := internalshm.MapAnonymous(size)
	if err != nil {
		return nil, fmt.Errorf("create area %q: %w", name, err)
	}
	a := newArea(name, region, nil)
	a.format()
	return a, nil
}

// AttachArea maps an area created by another process. It retries until the creator
// has finished formatting the area or timeout elapses, then fails with ErrNotFound.
func AttachArea(ctx context.Context, name string, timeout time.Duration, opts *Options) (*Area, error) {
	if opts == nil {
		opts = &Options{}
	}
	if err := validateName(name); err != nil {
		return nil, fmt.Errorf("attach area: %w", err)
	}
	var a *Area
	err := retry(ctx, timeout, func() error {
		region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
			Name: name,
			Dir:  opts.Dir,
		})
		if err != nil {
			if errors.Is(err, internalshm.ErrRegionNotExist) {
				return fmt.Errorf("attach area %q: %w", name, ErrNotFound)
			}
			return backoff.Permanent(fmt.Errorf("attach area %q: %w", name, err))
		}
		candidate := newArea(name, region, opts.LogOutput)
		if err := candidate.validate(); err != nil {
			_ = region.Unmap()
			if errors.Is(err, ErrNotFound) {
				return err
			}
			return backoff.Permanent(err)
		}
		a = candidate
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.log.Debugf("attached area %s at %s, %d bytes", name, a.region.Path, len(a.mem))
	return a, nil
}

func newArea(name string, region *internalshm.MappedRegion, out io.Writer) *Area {
	a := &Area{
		name:   name,
		region: region,
		mem:    region.Addr,
		log:    log.With(out),
	}
	a.lock = internalshm.NewWordLock(internalshm.Uint32At(a.mem, areaLockOff), areaUnlocked, areaLocked)
	a.lock.Sleep = time.Millisecond
	return a
}

func (a *Area) format() {
	copy(a.mem[areaMagicOff:], areaMagic[:])
	a.lock.Init()
	internalshm.AtomicStoreUint32(a.mem, areaSizeOff, uint32(len(a.mem)))
	internalshm.AtomicStoreUint32(a.mem, areaFirstOff, 0)
	internalshm.AtomicStoreUint32(a.mem, areaLastOff, 0)
	internalshm.AtomicStoreUint32(a.mem, areaTopOff, AreaHeaderSize)
	internalshm.AtomicStoreUint32(a.mem, areaVersionOff, AreaVersion)
}

func (a *Area) validate() error {
	if len(a.mem) < MinAreaSize {
		return fmt.Errorf("attach area %q: %d bytes mapped: %w", a.name, len(a.mem), ErrNotFound)
	}
	v := internalshm.AtomicLoadUint32(a.mem, areaVersionOff)
	if v == 0 {
		return fmt.Errorf("attach area %q: not formatted yet: %w", a.name, ErrNotFound)
	}
	if v != AreaVersion {
		return fmt.Errorf("attach area %q: version %d: %w", a.name, v, ErrBadArea)
	}
	if [8]byte(a.mem[areaMagicOff:areaMagicOff+8]) != areaMagic {
		return fmt.Errorf("attach area %q: bad magic: %w", a.name, ErrBadArea)
	}
	if size := internalshm.AtomicLoadUint32(a.mem, areaSizeOff); int(size) != len(a.mem) {
		return fmt.Errorf("attach area %q: size field %d, mapped %d: %w", a.name, size, len(a.mem), ErrBadArea)
	}
	return nil
}

// Name returns the area name.
func (a *Area) Name() string { return a.name }

// Path returns the backing file, empty for anonymous areas.
func (a *Area) Path() string { return a.region.Path }

// Size returns the mapped size.
func (a *Area) Size() int { return len(a.mem) }

// FreeSize returns the bytes still available for chunks and signals, descriptors
// included.
func (a *Area) FreeSize() int {
	top := int(internalshm.AtomicLoadUint32(a.mem, areaTopOff))
	if top > len(a.mem) {
		return 0
	}
	return len(a.mem) - top
}

// AddChunk allocates a chunk of capacity bytes, rounded up to a multiple of 8.
func (a *Area) AddChunk(name string, capacity int) (api.Chunk, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("add chunk %q: capacity %d: %w", name, capacity, ErrInvalidArgument)
	}
	off, err := a.add(name, KindChunk, roundUp8(capacity))
	if err != nil {
		return nil, fmt.Errorf("add chunk: %w", err)
	}
	return a.chunkAt(name, off), nil
}

// GetChunk looks a chunk up by name, retrying until timeout. A zero timeout tries once,
// a negative timeout retries until ctx is done.
func (a *Area) GetChunk(ctx context.Context, name string, timeout time.Duration) (api.Chunk, error) {
	off, err := a.lookup(ctx, name, KindChunk, timeout)
	if err != nil {
		return nil, fmt.Errorf("get chunk: %w", err)
	}
	return a.chunkAt(name, off), nil
}

// AddSignal creates a signal.
func (a *Area) AddSignal(name string) (api.Signal, error) {
	off, err := a.add(name, KindSignal, 0)
	if err != nil {
		return nil, fmt.Errorf("add signal: %w", err)
	}
	return a.signalAt(name, off), nil
}

// GetSignal looks a signal up by name, retrying until timeout.
func (a *Area) GetSignal(ctx context.Context, name string, timeout time.Duration) (api.Signal, error) {
	off, err := a.lookup(ctx, name, KindSignal, timeout)
	if err != nil {
		return nil, fmt.Errorf("get signal: %w", err)
	}
	return a.signalAt(name, off), nil
}

// AttachSignal binds owner to sig, which must be a signal of this area named name.
func (a *Area) AttachSignal(name string, owner api.Owner, sig api.Signal) error {
	s, ok := sig.(*Signal)
	if !ok || s.area != a || s.name != name {
		return fmt.Errorf("attach signal %q: %w", name, ErrInvalidArgument)
	}
	if owner == "" {
		return fmt.Errorf("attach signal %q: empty owner: %w", name, ErrInvalidArgument)
	}
	if a.closed.Load() {
		return ErrClosed
	}
	s.owner.Store(&owner)
	internalshm.AtomicStoreUint32(a.mem, s.off+descOwnerOff, uint32(os.Getpid()))
	a.log.Debugf("signal %s attached to %s", name, owner)
	return nil
}

// Entries lists every chunk and signal in creation order.
func (a *Area) Entries() ([]Entry, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	var entries []Entry
	err := a.walk(func(off int) bool {
		entries = append(entries, Entry{
			Kind:     Kind(internalshm.AtomicLoadUint32(a.mem, off+descKindOff)),
			Name:     descName(a.mem, off),
			Offset:   off,
			Capacity: int(internalshm.AtomicLoadUint32(a.mem, off+descCapacityOff)),
			Seq:      internalshm.AtomicLoadUint32(a.mem, off+descSeqOff),
			OwnerPID: internalshm.AtomicLoadUint32(a.mem, off+descOwnerOff),
		})
		return true
	})
	return entries, err
}

// Chunks lists the chunks of the area.
func (a *Area) Chunks() ([]Entry, error) {
	entries, err := a.Entries()
	if err != nil {
		return nil, err
	}
	chunks := entries[:0]
	for _, e := range entries {
		if e.Kind == KindChunk {
			chunks = append(chunks, e)
		}
	}
	return chunks, nil
}

// Close unmaps the area. Chunks and signals obtained from it must not be used
// afterwards. The backing file stays until Remove.
func (a *Area) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	return a.region.Unmap()
}

// Remove deletes the backing file so no further process can attach.
func (a *Area) Remove() error {
	if a.region.Path == "" {
		return nil
	}
	return internalshm.RemoveRegion(a.region.Path)
}

func (a *Area) add(name string, kind Kind, capacity int) (int, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}
	if a.closed.Load() {
		return 0, ErrClosed
	}
	if err := a.lock.Lock(); err != nil {
		return 0, fmt.Errorf("area %q: %v: %w", a.name, err, ErrBadArea)
	}
	defer func() {
		_ = a.lock.Unlock()
	}()

	found := -1
	if err := a.walk(func(off int) bool {
		if descName(a.mem, off) == name {
			found = off
			return false
		}
		return true
	}); err != nil {
		return 0, err
	}
	if found >= 0 {
		return 0, fmt.Errorf("%q: %w", name, ErrExists)
	}

	top := int(internalshm.AtomicLoadUint32(a.mem, areaTopOff))
	need := DescriptorSize + capacity
	if top+need > len(a.mem) {
		return 0, fmt.Errorf("%q needs %d bytes, %d free: %w", name, need, len(a.mem)-top, ErrNoMemory)
	}
	desc := a.mem[top : top+need]
	clear(desc)
	internalshm.AtomicStoreUint32(a.mem, top+descMagicOff, descMagic)
	internalshm.AtomicStoreUint32(a.mem, top+descKindOff, uint32(kind))
	internalshm.AtomicStoreUint32(a.mem, top+descCapacityOff, uint32(capacity))
	copy(desc[descNameOff:descNameOff+MaxNameLen], name)

	// Link last: a walker that reaches the descriptor sees it complete.
	if last := int(internalshm.AtomicLoadUint32(a.mem, areaLastOff)); last == 0 {
		internalshm.AtomicStoreUint32(a.mem, areaFirstOff, uint32(top))
	} else {
		internalshm.AtomicStoreUint32(a.mem, last+descNextOff, uint32(top))
	}
	internalshm.AtomicStoreUint32(a.mem, areaLastOff, uint32(top))
	internalshm.AtomicStoreUint32(a.mem, areaTopOff, uint32(top+need))
	a.log.Debugf("area %s: added %s %s at %#x, capacity %d", a.name, kind, name, top, capacity)
	return top, nil
}

func (a *Area) lookup(ctx context.Context, name string, kind Kind, timeout time.Duration) (int, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}
	found := -1
	err := retry(ctx, timeout, func() error {
		if a.closed.Load() {
			return backoff.Permanent(ErrClosed)
		}
		err := a.walk(func(off int) bool {
			if descName(a.mem, off) == name {
				found = off
				return false
			}
			return true
		})
		if err != nil {
			return backoff.Permanent(err)
		}
		if found < 0 {
			return fmt.Errorf("%s %q: %w", kind, name, ErrNotFound)
		}
		if k := Kind(internalshm.AtomicLoadUint32(a.mem, found+descKindOff)); k != kind {
			return backoff.Permanent(fmt.Errorf("%q is a %s, not a %s: %w", name, k, kind, ErrNotFound))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return found, nil
}

// walk visits descriptors until fn returns false. Links are bounded so a corrupted list
// cannot loop forever.
func (a *Area) walk(fn func(off int) bool) error {
	limit := len(a.mem) / DescriptorSize
	off := int(internalshm.AtomicLoadUint32(a.mem, areaFirstOff))
	for n := 0; off != 0; n++ {
		if n > limit || off < AreaHeaderSize || off+DescriptorSize > len(a.mem) || off%8 != 0 {
			return fmt.Errorf("area %q: descriptor link %#x: %w", a.name, off, ErrBadArea)
		}
		if m := internalshm.AtomicLoadUint32(a.mem, off+descMagicOff); m != descMagic {
			return fmt.Errorf("area %q: descriptor %#x magic %#x: %w", a.name, off, m, ErrBadArea)
		}
		if !fn(off) {
			return nil
		}
		off = int(internalshm.AtomicLoadUint32(a.mem, off+descNextOff))
	}
	return nil
}

func (a *Area) chunkAt(name string, off int) *Chunk {
	capacity := int(internalshm.AtomicLoadUint32(a.mem, off+descCapacityOff))
	start := off + DescriptorSize
	return &Chunk{
		area: a,
		name: name,
		off:  off,
		data: a.mem[start : start+capacity : start+capacity],
	}
}

// retry runs op with exponential backoff capped at maxRetryInterval until it succeeds,
// returns a permanent error or timeout elapses.
func retry(ctx context.Context, timeout time.Duration, op func() error) error {
	if timeout == 0 {
		err := op()
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return permanent.Err
		}
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = maxRetryInterval
	b.MaxElapsedTime = 0
	if timeout > 0 {
		b.MaxElapsedTime = timeout
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// Chunk is a named block of area memory.
type Chunk struct {
	area *Area
	name string
	off  int
	data []byte
}

var _ api.Chunk = (*Chunk)(nil)

func (c *Chunk) Name() string { return c.name }

func (c *Chunk) Capacity() int { return len(c.data) }

// Bytes returns the chunk memory. It stays valid until the area is closed.
func (c *Chunk) Bytes() []byte { return c.data }

// Offset returns the offset of the chunk descriptor inside the area.
func (c *Chunk) Offset() int { return c.off }
