package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Aarnav2440/extension-kafka/event"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	partA = event.Partition{Topic: "orders", ID: 0}
	partB = event.Partition{Topic: "orders", ID: 1}
	epoch = time.Unix(1_700_000_000, 0).UTC()
)

func env(p event.Partition, off int64, tsMillis int64) event.Envelope {
	return event.NewEnvelope([]byte("x"), event.WithTimestamp(epoch.Add(time.Duration(tsMillis)*time.Millisecond))).
		WithPosition(event.Position{Partition: p, Offset: off})
}

func newBuffer(t *testing.T, capacity int) *Buffer {
	t.Helper()
	b, err := NewBuffer(BufferConfig{Capacity: capacity})
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestBuffer_MergesByTimestamp(t *testing.T) {
	b := newBuffer(t, 10)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, env(partA, 0, 10)))
	require.NoError(t, b.Put(ctx, env(partA, 1, 30)))
	require.NoError(t, b.Put(ctx, env(partB, 0, 20)))
	require.NoError(t, b.Put(ctx, env(partB, 1, 40)))

	var got []event.Position
	for i := 0; i < 4; i++ {
		e, ok, err := b.Poll(ctx, 0)
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, e.Position)
	}
	require.Equal(t, []event.Position{{Partition: partA, Offset: 0}, {Partition: partB, Offset: 0}, {Partition: partA, Offset: 1}, {Partition: partB, Offset: 1}}, got)
	require.Zero(t, b.Len())
}

func TestBuffer_EqualTimestampsRoundRobin(t *testing.T) {
	b := newBuffer(t, 10)
	ctx := context.Background()
	for off := int64(0); off < 2; off++ {
		require.NoError(t, b.Put(ctx, env(partA, off, 5)))
		require.NoError(t, b.Put(ctx, env(partB, off, 5)))
	}

	var got []event.Position
	for i := 0; i < 4; i++ {
		e, ok, err := b.Poll(ctx, 0)
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, e.Position)
	}
	require.Equal(t, []event.Position{{Partition: partA, Offset: 0}, {Partition: partB, Offset: 0}, {Partition: partA, Offset: 1}, {Partition: partB, Offset: 1}}, got)
}

func TestBuffer_RejectsStaleOffset(t *testing.T) {
	b := newBuffer(t, 4)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, env(partA, 5, 0)))
	require.ErrorIs(t, b.Put(ctx, env(partA, 5, 1)), ErrStaleOffset)
	require.ErrorIs(t, b.Put(ctx, env(partA, 3, 1)), ErrStaleOffset)
	require.Equal(t, 1, b.Len())

	// the rejected puts gave their slots back
	for off := int64(6); off < 9; off++ {
		require.NoError(t, b.Put(ctx, env(partA, off, 2)))
	}
	require.Equal(t, 4, b.Len())
}

func TestBuffer_PollTimeout(t *testing.T) {
	b := newBuffer(t, 1)

	_, ok, err := b.Poll(context.Background(), 0)
	require.NoError(t, err)
	require.False(t, ok)

	start := time.Now()
	_, ok, err = b.Poll(context.Background(), 30*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestBuffer_PollWakesOnPut(t *testing.T) {
	b := newBuffer(t, 1)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Put(context.Background(), env(partA, 0, 0))
	}()
	e, ok, err := b.Poll(context.Background(), 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, event.Position{Partition: partA, Offset: 0}, e.Position)
}

func TestBuffer_PutBlocksUntilSpace(t *testing.T) {
	b := newBuffer(t, 1)
	ctx := context.Background()
	require.NoError(t, b.Put(ctx, env(partA, 0, 0)))

	putCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.Put(putCtx, env(partA, 1, 1)), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- b.Put(ctx, env(partA, 1, 1)) }()

	select {
	case <-done:
		t.Fatal("put returned while the buffer was full")
	case <-time.After(20 * time.Millisecond):
	}
	require.Equal(t, b.Cap(), b.Len())
	_, ok, err := b.Poll(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, <-done)
	require.Equal(t, 1, b.Len())
}

func TestBuffer_CloseWakesEveryone(t *testing.T) {
	full, err := NewBuffer(BufferConfig{Capacity: 1})
	require.NoError(t, err)
	empty, err := NewBuffer(BufferConfig{Capacity: 1})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, full.Put(ctx, env(partA, 0, 0)))

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- full.Put(ctx, env(partA, 1, 1))
	}()
	go func() {
		defer wg.Done()
		_, _, err := empty.Poll(ctx, time.Hour)
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	full.Close()
	full.Close()
	empty.Close()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.ErrorIs(t, err, ErrBufferClosed)
	}

	// queued envelopes are not handed out after close
	_, _, err = full.Poll(ctx, 0)
	require.ErrorIs(t, err, ErrBufferClosed)
	require.ErrorIs(t, full.Put(ctx, env(partB, 0, 0)), ErrBufferClosed)
}

func TestBuffer_ClearFreesSlots(t *testing.T) {
	b := newBuffer(t, 2)
	ctx := context.Background()
	require.NoError(t, b.Put(ctx, env(partA, 7, 0)))
	require.NoError(t, b.Put(ctx, env(partB, 3, 0)))

	b.Clear(partA)
	require.Equal(t, 1, b.Len())
	_, ok := b.LastAccepted(partA)
	require.False(t, ok)

	// partA starts over, the slot is free again
	require.NoError(t, b.Put(ctx, env(partA, 1, 0)))
	e, ok := b.Peek()
	require.True(t, ok)
	require.Equal(t, partA, e.Position.Partition)

	b.Clear()
	require.Zero(t, b.Len())
}

func TestBuffer_StalePartitionEvicted(t *testing.T) {
	now := epoch
	var stale []event.Partition
	b, err := NewBuffer(BufferConfig{
		Capacity: 4,
		MaxSkew:  time.Second,
		OnStale:  func(p event.Partition) { stale = append(stale, p) },
		Now:      func() time.Time { return now },
	})
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, env(partA, 0, 0)))
	require.NoError(t, b.Put(ctx, env(partB, 0, 1)))
	require.NoError(t, b.Put(ctx, env(partB, 1, 2)))
	_, _, err = b.Poll(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, stale)

	now = now.Add(2 * time.Second)
	// partB still has a queued envelope and is never evicted
	e, ok, err := b.Poll(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, partB, e.Position.Partition)
	require.Equal(t, []event.Partition{partA}, stale)

	_, known := b.LastAccepted(partA)
	require.False(t, known)
	_, known = b.LastAccepted(partB)
	require.True(t, known)
}

// Two writers race through a buffer of two slots; every partition must come
// out in offset order and the earliest envelope must lead.
func TestBuffer_ConcurrentWritersKeepPartitionOrder(t *testing.T) {
	const perPartition = 50
	b := newBuffer(t, 2)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, env(partA, 0, 0)))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for off := int64(1); off < perPartition; off++ {
			if err := b.Put(ctx, env(partA, off, 2*off)); err != nil {
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for off := int64(0); off < perPartition; off++ {
			if err := b.Put(ctx, env(partB, off, 2*off+1)); err != nil {
				return
			}
		}
	}()

	last := map[event.Partition]int64{partA: -1, partB: -1}
	for i := 0; i < 2*perPartition; i++ {
		e, ok, err := b.Poll(ctx, 5*time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		if i == 0 {
			require.Equal(t, event.Position{Partition: partA, Offset: 0}, e.Position)
		}
		p := e.Position.Partition
		require.Greater(t, e.Position.Offset, last[p], "partition %s out of order", p)
		last[p] = e.Position.Offset
	}
	wg.Wait()
	require.EqualValues(t, perPartition-1, last[partA])
	require.EqualValues(t, perPartition-1, last[partB])
}

func TestBuffer_InvalidCapacity(t *testing.T) {
	_, err := NewBuffer(BufferConfig{})
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrBufferClosed))
}
