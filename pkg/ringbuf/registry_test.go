package ringbuf

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/shmring/api"
)

func TestRegistry(t *testing.T) {
	tx, rx := newTestPair(t, 128)
	assert.Equal(t, "ring#creator", tx.ID())
	assert.Equal(t, "ring#attacher", rx.ID())

	reg := NewRegistry()
	require.NoError(t, reg.Register(rx))
	require.NoError(t, reg.Register(tx))
	assert.True(t, errors.Is(reg.Register(tx), api.ErrExists))
	assert.True(t, errors.Is(reg.Register(nil), ErrInvalidArgument))
	assert.Equal(t, 2, reg.Len())

	rings := reg.Rings()
	require.Len(t, rings, 2)
	// sorted by ID: "ring#attacher" < "ring#creator"
	assert.Same(t, rx, rings[0])
	assert.Same(t, tx, rings[1])

	got, ok := reg.Lookup("ring#attacher")
	require.True(t, ok)
	assert.Same(t, rx, got)
	_, ok = reg.Lookup("missing")
	assert.False(t, ok)

	got, ok = reg.Remove("ring#attacher")
	require.True(t, ok)
	assert.Same(t, rx, got)
	assert.Equal(t, 1, reg.Len())

	require.NoError(t, reg.Register(rx))
	require.NoError(t, reg.Close())
	assert.Equal(t, 0, reg.Len())
	assert.False(t, tx.Attached())
	assert.False(t, rx.Attached())
}
