package shm

import (
	"context"
	"reflect"
	"sync"
	"unsafe"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sys/unix"

	"github.com/srediag/procsync/internal/config"
	"github.com/srediag/procsync/internal/logging"
	internalshm "github.com/srediag/procsync/internal/shm"
	"github.com/srediag/procsync/pkg/ipcerr"
)

var (
	log = logging.New("shm", nil)
	cfg = sync.OnceValue(config.LoadOrDefault)

	debugMode       = logging.DebugMode
	availableMemory = func() (uint64, error) {
		vm, err := mem.VirtualMemory()
		if err != nil {
			return 0, err
		}
		return vm.Available, nil
	}
)

// Region holds one value of type T in memory shared with duplicated processes.
type Region[T any] struct {
	mu     sync.Mutex
	mapped *internalshm.MappedRegion
	ptr    *T
	owner  int
}

// Allocate maps anonymous shared memory exactly large enough for one T and
// stores initial in it. T must not contain pointers, slices, maps, strings,
// channels, funcs or interfaces: their targets live in one process's heap.
//
// Errors are of kind ipcerr.KindAllocation and carry the OS errno. With
// PROCSYNC_DEBUG_MODE set, Allocate also fails with ENOMEM when the system
// reports less available memory than the region needs.
func Allocate[T any](initial T) (*Region[T], error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if !fixedLayout(t) {
		log.Warnf("refusing to place %s in shared memory", t)
		return nil, ipcerr.Check(ipcerr.KindAllocation, "allocate "+t.String(), unix.EINVAL)
	}
	size := sizeOf[T]()
	if debugMode() {
		if avail, err := availableMemory(); err == nil && avail < uint64(size) {
			log.Warnf("refusing %d bytes with only %d bytes of memory available", size, avail)
			return nil, ipcerr.Check(ipcerr.KindAllocation, "allocate "+t.String(), unix.ENOMEM)
		}
	}

	name := cfg().MemfdPrefix + "-" + uuid.NewString()
	mapped, err := internalshm.CreateAnonymous(context.Background(), internalshm.MapOptions{
		Name: name,
		Size: size,
	})
	if err != nil {
		return nil, ipcerr.Wrap(ipcerr.KindAllocation, "allocate "+t.String(), err)
	}
	r := newRegion[T](mapped, unix.Getpid())
	*r.ptr = initial
	log.Debugf("allocated %s (%d bytes) as %s", t, size, name)
	return r, nil
}

// Map maps the region described by d, normally obtained from Inherited.
// The descriptor's size must match T exactly.
func Map[T any](d Descriptor) (*Region[T], error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if !fixedLayout(t) || d.Size != sizeOf[T]() || d.File == nil {
		return nil, ipcerr.Check(ipcerr.KindAllocation, "map "+t.String(), unix.EINVAL)
	}
	mapped, err := internalshm.MapFile(context.Background(), d.File, d.Size)
	if err != nil {
		return nil, ipcerr.Wrap(ipcerr.KindAllocation, "map "+t.String(), err)
	}
	return newRegion[T](mapped, d.Owner), nil
}

func newRegion[T any](mapped *internalshm.MappedRegion, owner int) *Region[T] {
	return &Region[T]{
		mapped: mapped,
		ptr:    (*T)(unsafe.Pointer(&mapped.Addr[0])),
		owner:  owner,
	}
}

// Get returns a pointer to the shared value. It never fails and never
// synchronizes. The pointer is valid until Close.
func (r *Region[T]) Get() *T {
	return r.ptr
}

// Load copies the shared value out. Same contract as Get.
func (r *Region[T]) Load() T {
	return *r.ptr
}

// Store overwrites the shared value. Same contract as Get.
func (r *Region[T]) Store(v T) {
	*r.ptr = v
}

// Size is the mapped size in bytes.
func (r *Region[T]) Size() int {
	return sizeOf[T]()
}

// Owner is the pid of the process that allocated the region.
func (r *Region[T]) Owner() int {
	return r.owner
}

// Descriptor describes the region for inheritance by a duplicated process.
// File is nil once the region is closed.
func (r *Region[T]) Descriptor() Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := Descriptor{Kind: KindRegion, Size: sizeOf[T](), Owner: r.owner}
	if r.mapped != nil {
		d.File = r.mapped.File
	}
	return d
}

// Close releases this process's view of the region. The value is untouched
// for every other process holding a view. Calling Close again is a no-op.
// A Region that is never closed stays mapped until the process exits.
func (r *Region[T]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mapped == nil {
		return nil
	}
	mapped := r.mapped
	r.mapped = nil
	r.ptr = nil
	if err := internalshm.UnmapRegion(context.Background(), mapped); err != nil {
		return ipcerr.Wrap(ipcerr.KindDeallocation, "release region", err)
	}
	return nil
}

func sizeOf[T any]() int {
	var zero T
	if n := int(unsafe.Sizeof(zero)); n > 0 {
		return n
	}
	return 1
}

// fixedLayout reports whether values of t are meaningful in another address
// space.
func fixedLayout(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return fixedLayout(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if !fixedLayout(t.Field(i).Type) {
				return false
			}
		}
		return true
	}
	return false
}
