package ringbuf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/shmring/api"
	"github.com/srediag/shmring/pkg/shm"
)

func testConf(size uint32) *Config {
	conf := DefaultConfig()
	conf.ChunkName = "ring"
	conf.SignalBaseName = "ring"
	conf.Size = size
	conf.AttachTimeout = time.Second
	conf.LogOutput = io.Discard
	return conf
}

func newTestArea(t *testing.T) *shm.Area {
	t.Helper()
	area, err := shm.NewAnonymousArea("ringtest", 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = area.Close() })
	return area
}

// newTestPair returns an attached sender created in a fresh area and an attached
// receiver on the same ring.
func newTestPair(t *testing.T, size uint32) (tx, rx *Ring) {
	t.Helper()
	area := newTestArea(t)
	conf := testConf(size)
	tx, err := InitBuffer(area, conf)
	require.NoError(t, err)
	require.NoError(t, tx.AttachSender("tx"))
	rx, err = InitReceiver(context.Background(), area, conf)
	require.NoError(t, err)
	require.NoError(t, rx.AttachReceiver("rx"))
	return tx, rx
}

func triggers(sig api.Signal) uint32 {
	return sig.(*shm.Signal).Seq()
}

func TestInitBufferLayout(t *testing.T) {
	area := newTestArea(t)
	conf := testConf(100)
	r, err := InitBuffer(area, conf)
	require.NoError(t, err)
	assert.Equal(t, uint32(104), r.Header().DataSize())

	entries, err := area.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "ring", entries[0].Name)
	assert.Equal(t, ChunkSize(104), entries[0].Capacity)
	assert.Equal(t, "ring.data_ready", entries[1].Name)
	assert.Equal(t, "ring.space_available", entries[2].Name)

	_, err = InitBuffer(area, conf)
	assert.True(t, errors.Is(err, api.ErrExists))

	conf.ChunkName = "small"
	conf.SignalBaseName = "small"
	conf.Size = 8
	_, err = InitBuffer(area, conf)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestInitBufferNoMemory(t *testing.T) {
	area, err := shm.NewAnonymousArea("tiny", 4096)
	require.NoError(t, err)
	defer area.Close()
	_, err = InitBuffer(area, testConf(8192))
	assert.True(t, errors.Is(err, ErrNoMemory))
}

func TestInitReceiverTimeout(t *testing.T) {
	area := newTestArea(t)
	conf := testConf(128)
	conf.AttachTimeout = 30 * time.Millisecond
	_, err := InitReceiver(context.Background(), area, conf)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestInitReceiverWaitsForCreator(t *testing.T) {
	area := newTestArea(t)
	conf := testConf(128)
	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = InitBuffer(area, conf)
	}()
	r, err := InitReceiver(context.Background(), area, conf)
	require.NoError(t, err)
	assert.Equal(t, uint32(128), r.Header().DataSize())
}

func TestInitReceiverCorruptHeader(t *testing.T) {
	area := newTestArea(t)
	conf := testConf(128)
	tx, err := InitBuffer(area, conf)
	require.NoError(t, err)
	tx.Header().store(offCanary1, 0)
	_, err = InitReceiver(context.Background(), area, conf)
	var ce *CorruptionError
	assert.True(t, errors.As(err, &ce))
}

func TestRoundTrip(t *testing.T) {
	const size = 512
	tx, rx := newTestPair(t, size)
	ctx := context.Background()
	for n := 1; n <= size/2; n++ {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(n + i)
		}
		p, err := tx.AllocPacket(n)
		require.NoError(t, err)
		require.NoError(t, tx.PutData(p, payload))
		require.NoError(t, tx.CommitPacket())

		require.NoError(t, rx.WaitForData(ctx, true))
		buf := make([]byte, size)
		got, err := rx.CopyOut(buf)
		require.NoError(t, err)
		require.Equal(t, payload, buf[:got], "payload size %d", n)
		require.NoError(t, rx.NotifyDone())
	}
	assert.Equal(t, uint64(size/2), tx.Stats().PacketsSent)
	assert.Equal(t, uint64(size/2), rx.Stats().PacketsReceived)
	assert.Equal(t, tx.Stats().BytesSent, rx.Stats().BytesReceived)
}

func TestBackpressure(t *testing.T) {
	tx, rx := newTestPair(t, 64)
	ctx := context.Background()
	payload := bytes.Repeat([]byte{7}, 16)
	for i := 0; i < 2; i++ {
		_, err := tx.NextCopyIn(ctx, payload, false)
		require.NoError(t, err)
		require.NoError(t, tx.CommitPacket())
	}
	_, err := tx.AllocPacket(16)
	require.Equal(t, ErrNoSpace, err)
	assert.True(t, tx.Header().State().SenderWaits)
	assert.Equal(t, uint64(1), tx.Stats().FullEvents)

	before := triggers(rx.spaceAvailable)
	got, err := rx.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, before+1, triggers(rx.spaceAvailable))
	assert.False(t, tx.Header().State().SenderWaits)

	_, err = tx.AllocPacket(16)
	assert.NoError(t, err)

	// no new full condition: a second notify is a no-op
	require.NoError(t, rx.NotifyDone())
	require.NoError(t, rx.NotifyDone())
	assert.Equal(t, before+1, triggers(rx.spaceAvailable))
	assert.Equal(t, uint64(1), rx.Stats().NotifyWakes)
}

func TestNextCopyInNonBlocking(t *testing.T) {
	tx, _ := newTestPair(t, 64)
	ctx := context.Background()
	_, err := tx.NextCopyIn(ctx, make([]byte, 48), false)
	require.NoError(t, err)
	_, err = tx.NextCopyIn(ctx, []byte{1}, false)
	assert.Equal(t, ErrNoSpace, err)
	_, err = tx.NextCopyIn(ctx, make([]byte, 49), true)
	assert.True(t, errors.Is(err, ErrPacketTooLarge))
}

func TestNextCopyInBlocksUntilSpace(t *testing.T) {
	tx, rx := newTestPair(t, 64)
	ctx := context.Background()
	require.NoError(t, tx.Send(ctx, make([]byte, 48)))

	done := make(chan error, 1)
	go func() {
		done <- tx.Send(ctx, []byte("next"))
	}()
	select {
	case err := <-done:
		t.Fatalf("send returned %v on a full ring", err)
	case <-time.After(50 * time.Millisecond):
	}

	got, err := rx.Receive(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 48)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sender was not woken by space_available")
	}
	got, err = rx.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("next"), got)
}

func TestNextCopyInCancel(t *testing.T) {
	tx, _ := newTestPair(t, 64)
	require.NoError(t, tx.Send(context.Background(), make([]byte, 48)))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := tx.NextCopyIn(ctx, []byte{1}, true)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestWaitForDataNonBlocking(t *testing.T) {
	tx, rx := newTestPair(t, 128)
	ctx := context.Background()
	assert.Equal(t, ErrWouldBlock, rx.WaitForData(ctx, false))

	require.NoError(t, tx.Send(ctx, []byte("x")))
	assert.NoError(t, rx.WaitForData(ctx, false))
	assert.Equal(t, ErrWouldBlock, rx.WaitForData(ctx, false))

	// a spurious wake finds nothing to read
	require.NoError(t, tx.CommitPacket())
	require.NoError(t, rx.WaitForData(ctx, true))
	assert.Equal(t, 1, rx.ReadNextSize())
	_, err := rx.CopyOut(make([]byte, 1))
	require.NoError(t, err)
	require.NoError(t, tx.CommitPacket())
	require.NoError(t, rx.WaitForData(ctx, true))
	_, err = rx.CopyOut(make([]byte, 1))
	assert.Equal(t, ErrEmpty, err)
}

func TestWaitRequiresAttach(t *testing.T) {
	area := newTestArea(t)
	conf := testConf(128)
	tx, err := InitBuffer(area, conf)
	require.NoError(t, err)
	rx, err := InitReceiver(context.Background(), area, conf)
	require.NoError(t, err)
	assert.False(t, rx.Attached())

	err = rx.WaitForData(context.Background(), false)
	assert.True(t, errors.Is(err, api.ErrNotAttached))

	// the trigger sent before attach is not lost
	require.NoError(t, tx.AttachSender("tx"))
	require.NoError(t, tx.Send(context.Background(), []byte("early")))
	require.NoError(t, rx.AttachReceiver("rx"))
	assert.True(t, rx.Attached())
	require.NoError(t, rx.WaitForData(context.Background(), false))
	assert.Equal(t, 5, rx.ReadNextSize())
}

func TestCommitPublishesInOrder(t *testing.T) {
	tx, rx := newTestPair(t, 256)
	p1, err := tx.AllocPacket(3)
	require.NoError(t, err)
	p2, err := tx.AllocPacket(3)
	require.NoError(t, err)
	require.NoError(t, tx.PutData(p2, []byte("two")))
	require.NoError(t, tx.PutData(p1, []byte("one")))
	assert.Equal(t, -1, rx.ReadNextSize())

	require.NoError(t, tx.CommitPacket())
	got, err := rx.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)
	got, err = rx.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)
}

func TestStreamConcurrent(t *testing.T) {
	tx, rx := newTestPair(t, 1024)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	const count = 5000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < count; i++ {
			msg := []byte(fmt.Sprintf("message-%d-%s", i, bytes.Repeat([]byte{'x'}, i%300)))
			if err := tx.Send(ctx, msg); err != nil {
				t.Errorf("send %d: %v", i, err)
				return
			}
		}
	}()
	for i := 0; i < count; i++ {
		got, err := rx.Receive(ctx)
		require.NoError(t, err)
		want := fmt.Sprintf("message-%d-%s", i, bytes.Repeat([]byte{'x'}, i%300))
		require.Equal(t, want, string(got))
	}
	wg.Wait()
	assert.Equal(t, uint32(0), rx.Header().State().BytesFilled)
}

func TestCorruptedRingFailsLoudly(t *testing.T) {
	tx, rx := newTestPair(t, 128)
	ctx := context.Background()
	require.NoError(t, tx.Send(ctx, []byte("x")))
	tx.Header().store(offLock, 0)

	requireCorruption(t, func() { _, _ = tx.AllocPacket(1) })
	requireCorruption(t, func() { _, _ = tx.NextCopyIn(ctx, []byte("y"), false) })
	requireCorruption(t, func() { _ = tx.CommitPacket() })
	requireCorruption(t, func() { _ = rx.WaitForData(ctx, false) })
	requireCorruption(t, func() { _, _ = rx.CopyOut(make([]byte, 8)) })
	requireCorruption(t, func() { _ = rx.NotifyDone() })
	requireCorruption(t, func() { _ = rx.ReadNextSize() })
	requireCorruption(t, func() { _, _ = rx.Receive(ctx) })
}

func TestDeinit(t *testing.T) {
	tx, rx := newTestPair(t, 128)
	_, err := tx.AllocPacket(1)
	require.NoError(t, err)
	require.NoError(t, tx.Deinit())
	require.NoError(t, tx.Deinit())
	assert.False(t, tx.Attached())

	_, err = tx.AllocPacket(1)
	assert.Equal(t, ErrClosed, err)
	assert.Equal(t, ErrClosed, tx.CommitPacket())
	assert.Equal(t, ErrClosed, tx.AttachSender("again"))

	require.NoError(t, rx.Deinit())
	assert.Equal(t, -1, rx.ReadNextSize())
	_, err = rx.Receive(context.Background())
	assert.Equal(t, ErrClosed, err)
}

func TestDeinitDiscardsUncommitted(t *testing.T) {
	area := newTestArea(t)
	conf := testConf(128)
	tx, err := InitBuffer(area, conf)
	require.NoError(t, err)
	require.NoError(t, tx.AttachSender("tx"))
	rx, err := InitReceiver(context.Background(), area, conf)
	require.NoError(t, err)
	require.NoError(t, rx.AttachReceiver("rx"))

	_, err = tx.AllocPacket(4)
	require.NoError(t, err)
	require.NoError(t, tx.Deinit())

	// a new sender handle on the same ring
	tx2, err := InitReceiver(context.Background(), area, conf)
	require.NoError(t, err)
	require.NoError(t, tx2.AttachSender("tx2"))
	require.NoError(t, tx2.Send(context.Background(), []byte("hello")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := rx.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
	assert.Equal(t, uint32(0), rx.Header().State().BytesFilled)
}

func TestReceiveWakesSenderAfterDiscard(t *testing.T) {
	tx, rx := newTestPair(t, 64)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := tx.AllocPacket(40)
	require.NoError(t, err)
	_, err = tx.AllocPacket(16)
	require.Equal(t, ErrNoSpace, err)
	// abandon the frame without closing the handle
	tx.mu.Lock()
	tx.pending = nil
	tx.mu.Unlock()
	tx.Header().Discard(p)

	sent := make(chan error, 1)
	msg := []byte("after the discarded frame")
	go func() { sent <- tx.Send(ctx, msg) }()
	got, err := rx.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
	require.NoError(t, <-sent)
}

func TestDebugState(t *testing.T) {
	tx, rx := newTestPair(t, 128)
	require.NoError(t, tx.Send(context.Background(), []byte("abc")))

	s := rx.DebugState()
	assert.Equal(t, "ringtest", s.Area)
	assert.Equal(t, RoleReceiver, s.Role)
	assert.Equal(t, api.Owner("rx"), s.Owner)
	assert.False(t, s.Creator)
	assert.Equal(t, uint32(16), s.Header.BytesFilled)
	assert.True(t, tx.DebugState().Creator)

	str := tx.String()
	assert.Contains(t, str, "ring in area ringtest")
	assert.Contains(t, str, "as sender")
	assert.Contains(t, str, "filled 16")
}
