package shm

import (
	"context"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndMapFile(t *testing.T) {
	ctx := context.Background()
	r1, err := CreateAnonymous(ctx, MapOptions{Name: "test-create", Size: 4096})
	require.NoError(t, err)
	require.Len(t, r1.Addr, 4096)

	r2, err := MapFile(ctx, r1.File, 4096)
	require.NoError(t, err)
	assert.NotEqual(t, r1.File.Fd(), r2.File.Fd())

	r1.Addr[10] = 42
	assert.Equal(t, byte(42), r2.Addr[10])

	require.NoError(t, UnmapRegion(ctx, r1))
	assert.Nil(t, r1.Addr)
	assert.Equal(t, byte(42), r2.Addr[10])
	require.NoError(t, UnmapRegion(ctx, r2))
	require.NoError(t, UnmapRegion(ctx, r2))
}

func TestMapFileRejectsOversize(t *testing.T) {
	ctx := context.Background()
	r, err := CreateAnonymous(ctx, MapOptions{Name: "test-oversize", Size: 64})
	require.NoError(t, err)
	defer func() { _ = UnmapRegion(ctx, r) }()

	_, err = MapFile(ctx, r.File, 1<<20)
	assert.Error(t, err)
}

func TestWordAtomics(t *testing.T) {
	var w Word
	w.Store(1)
	assert.Equal(t, uint32(1), w.Load())
	assert.True(t, w.CompareAndSwap(1, 2))
	assert.False(t, w.CompareAndSwap(1, 3))
	assert.Equal(t, uint32(2), w.Swap(5))
	assert.Equal(t, uint32(6), w.Add(1))
	assert.Equal(t, uint32(5), w.Add(^uint32(0)))
}

func TestWord64Atomics(t *testing.T) {
	var w Word64
	w.Store(1 << 40)
	assert.Equal(t, uint64(1<<40), w.Load())
	assert.True(t, w.CompareAndSwap(1<<40, 1<<40|3))
	assert.False(t, w.CompareAndSwap(1<<40, 0))
	assert.Equal(t, uint64(1<<40|3), w.Load())
}

func TestFutexOnSharedWord(t *testing.T) {
	ctx := context.Background()
	r, err := CreateAnonymous(ctx, MapOptions{Name: "test-futex", Size: 4096})
	require.NoError(t, err)
	defer func() { _ = UnmapRegion(ctx, r) }()

	w := (*Word)(unsafe.Pointer(&r.Addr[0]))
	w.Store(7)

	// value differs: returns at once
	require.NoError(t, w.Wait(8, true))

	n, err := w.Wake(1, true)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	done := make(chan error, 1)
	go func() {
		done <- w.Wait(7, true)
	}()
	w.Store(9)
	for {
		_, err := w.Wake(1, true)
		require.NoError(t, err)
		select {
		case err := <-done:
			require.NoError(t, err)
			return
		case <-time.After(time.Millisecond):
		}
	}
}
