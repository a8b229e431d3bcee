package shm

import (
	"sync/atomic"
)

// Word is a 32-bit cell placed inside a shared mapping. All access goes through
// the atomic methods below; the futex methods in futex_linux.go key on its
// address.
type Word uint32

func (w *Word) ptr() *uint32 {
	return (*uint32)(w)
}

// Load loads the word from shared memory atomically.
func (w *Word) Load() uint32 {
	return atomic.LoadUint32(w.ptr())
}

// Store stores v to shared memory atomically.
func (w *Word) Store(v uint32) {
	atomic.StoreUint32(w.ptr(), v)
}

// Swap stores v and returns the previous value.
func (w *Word) Swap(v uint32) uint32 {
	return atomic.SwapUint32(w.ptr(), v)
}

// CompareAndSwap atomically compares and swaps the word.
func (w *Word) CompareAndSwap(old, new uint32) bool {
	return atomic.CompareAndSwapUint32(w.ptr(), old, new)
}

// Add adds delta and returns the new value. Use ^uint32(0) to decrement.
func (w *Word) Add(delta uint32) uint32 {
	return atomic.AddUint32(w.ptr(), delta)
}

// Word64 is a 64-bit cell inside a shared mapping. It must sit at an 8-byte
// aligned offset; mappings start on a page boundary, so placing it first in a
// struct is enough.
type Word64 uint64

func (w *Word64) ptr() *uint64 {
	return (*uint64)(w)
}

func (w *Word64) Load() uint64 {
	return atomic.LoadUint64(w.ptr())
}

func (w *Word64) Store(v uint64) {
	atomic.StoreUint64(w.ptr(), v)
}

func (w *Word64) CompareAndSwap(old, new uint64) bool {
	return atomic.CompareAndSwapUint64(w.ptr(), old, new)
}
