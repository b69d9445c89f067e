package ringbuf

import (
	"fmt"

	"github.com/srediag/shmring/api"
)

// DebugState describes a ring handle and its shared header.
type DebugState struct {
	Area          string
	Chunk         string
	SignalBase    string
	ChunkCapacity int
	Creator       bool
	Role          Role
	Owner         api.Owner
	Pending       int
	Closed        bool
	Header        State
	Stats         Stats
}

// DebugState returns a snapshot of the handle. The header part is read without the
// lock.
func (r *Ring) DebugState() DebugState {
	r.mu.Lock()
	role, owner, pending := r.role, r.owner, len(r.pending)
	r.mu.Unlock()
	s := DebugState{
		Area:       r.area.Name(),
		Chunk:      r.conf.ChunkName,
		SignalBase: r.conf.SignalBaseName,
		Creator:    r.creator,
		Role:       role,
		Owner:      owner,
		Pending:    pending,
		Closed:     r.closed.Load(),
		Stats:      r.counters.snapshot(),
	}
	if r.chunk != nil {
		s.ChunkCapacity = r.chunk.Capacity()
	}
	if r.header != nil {
		s.Header = r.header.State()
	}
	return s
}

func (r *Ring) String() string {
	s := r.DebugState()
	return fmt.Sprintf("%s in area %s (chunk %d bytes), owner %q as %s, signals %s.*: %s",
		s.Chunk, s.Area, s.ChunkCapacity, s.Owner, s.Role, s.SignalBase, s.Header)
}
