package shm

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"

	"github.com/srediag/procsync/pkg/ipcerr"
)

const (
	// HandlesVariable carries the inherited descriptors into a duplicated
	// process. It is set by fork.Start.
	HandlesVariable = "PROCSYNC_HANDLES"

	// FirstInheritedFd is the descriptor number of handle 0; handle i is at
	// FirstInheritedFd+i, the order of exec.Cmd.ExtraFiles.
	FirstInheritedFd = 3

	// KindRegion marks a plain Region. procsync uses its own kinds for the
	// lock and condition structures.
	KindRegion = "region"
)

// ErrNotInherited is returned when asking for a handle the process did not
// inherit, in particular in a process not started by fork.Start.
var ErrNotInherited = errors.New("procsync: handle not inherited")

// Descriptor is what a duplicated process needs to map a shared object.
type Descriptor struct {
	Kind  string
	Size  int
	Owner int
	File  *os.File
}

// EncodeDescriptors renders ds as kind:size:owner entries separated by commas.
// Files are passed separately, by position.
func EncodeDescriptors(ds []Descriptor) string {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	for i, d := range ds {
		if i > 0 {
			_ = buf.WriteByte(',')
		}
		_, _ = buf.WriteString(d.Kind)
		_ = buf.WriteByte(':')
		_, _ = buf.WriteString(strconv.Itoa(d.Size))
		_ = buf.WriteByte(':')
		_, _ = buf.WriteString(strconv.Itoa(d.Owner))
	}
	return buf.String()
}

// DecodeDescriptors parses the output of EncodeDescriptors. Files are left nil.
func DecodeDescriptors(s string) ([]Descriptor, error) {
	if s == "" {
		return nil, nil
	}
	entries := strings.Split(s, ",")
	ds := make([]Descriptor, 0, len(entries))
	for i, e := range entries {
		parts := strings.Split(e, ":")
		if len(parts) != 3 || parts[0] == "" {
			return nil, fmt.Errorf("handle %d: malformed entry %q", i, e)
		}
		size, err := strconv.Atoi(parts[1])
		if err != nil || size <= 0 {
			return nil, fmt.Errorf("handle %d: bad size %q", i, parts[1])
		}
		owner, err := strconv.Atoi(parts[2])
		if err != nil || owner <= 0 {
			return nil, fmt.Errorf("handle %d: bad owner %q", i, parts[2])
		}
		ds = append(ds, Descriptor{Kind: parts[0], Size: size, Owner: owner})
	}
	return ds, nil
}

var inherited struct {
	once sync.Once
	ds   []Descriptor
	err  error
}

func loadInherited() {
	v, ok := os.LookupEnv(HandlesVariable)
	if !ok {
		inherited.err = ErrNotInherited
		return
	}
	ds, err := DecodeDescriptors(v)
	if err != nil {
		inherited.err = fmt.Errorf("%s: %w", HandlesVariable, err)
		return
	}
	for i := range ds {
		ds[i].File = os.NewFile(uintptr(FirstInheritedFd+i), ds[i].Kind+"-"+strconv.Itoa(i))
	}
	inherited.ds = ds
	log.Debugf("inherited %d handles", len(ds))
}

// Inherited returns the index-th descriptor handed to this process.
func Inherited(index int) (Descriptor, error) {
	inherited.once.Do(loadInherited)
	if inherited.err != nil {
		return Descriptor{}, inherited.err
	}
	if index < 0 || index >= len(inherited.ds) {
		return Descriptor{}, fmt.Errorf("%w: no handle %d of %d", ErrNotInherited, index, len(inherited.ds))
	}
	return inherited.ds[index], nil
}

// Inherit maps the index-th inherited handle, which must be a Region of T.
func Inherit[T any](index int) (*Region[T], error) {
	d, err := Inherited(index)
	if err != nil {
		return nil, err
	}
	if d.Kind != KindRegion {
		return nil, ipcerr.Check(ipcerr.KindAllocation, "inherit "+d.Kind+" as region", unix.EINVAL)
	}
	return Map[T](d)
}
