package ringbuf

import (
	"errors"
	"fmt"
	"sort"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/shmring/api"
)

// ID identifies a handle inside a Registry: the chunk name and whether the handle
// created the ring, so both ends of one ring can live in the same process.
func (r *Ring) ID() string {
	if r.creator {
		return r.conf.ChunkName + "#creator"
	}
	return r.conf.ChunkName + "#attacher"
}

// Registry holds the rings of a process. Pass it explicitly to whatever needs to
// enumerate rings, such as the metrics collector and the health handler.
type Registry struct {
	rings cmap.ConcurrentMap[string, *Ring]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{rings: cmap.New[*Ring]()}
}

// Register adds r. It fails with api.ErrExists when a handle with the same ID is
// already registered.
func (g *Registry) Register(r *Ring) error {
	if r == nil {
		return fmt.Errorf("register nil ring: %w", ErrInvalidArgument)
	}
	if !g.rings.SetIfAbsent(r.ID(), r) {
		return fmt.Errorf("register %s: %w", r.ID(), api.ErrExists)
	}
	return nil
}

// Lookup returns the handle registered under id.
func (g *Registry) Lookup(id string) (*Ring, bool) {
	return g.rings.Get(id)
}

// Remove drops the handle registered under id and returns it.
func (g *Registry) Remove(id string) (*Ring, bool) {
	return g.rings.Pop(id)
}

// Len returns the number of registered handles.
func (g *Registry) Len() int {
	return g.rings.Count()
}

// Rings returns the registered handles ordered by ID.
func (g *Registry) Rings() []*Ring {
	rings := make([]*Ring, 0, g.rings.Count())
	g.rings.IterCb(func(_ string, r *Ring) {
		rings = append(rings, r)
	})
	sort.Slice(rings, func(i, j int) bool {
		return rings[i].ID() < rings[j].ID()
	})
	return rings
}

// Close deinits and removes every handle.
func (g *Registry) Close() error {
	var errs []error
	for _, r := range g.Rings() {
		if err := r.Deinit(); err != nil {
			errs = append(errs, err)
		}
		g.rings.Remove(r.ID())
	}
	return errors.Join(errs...)
}
