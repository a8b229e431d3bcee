// Package shm contains the Linux primitives behind shared regions: anonymous
// memory files, their mappings, and futex words living inside them.
package shm

import "os"

// MappedRegion is one process's view of an anonymous shared memory file.
type MappedRegion struct {
	Addr []byte
	// File is the memfd backing Addr. It is what a duplicated process inherits.
	File *os.File
	Size int
}

// MapOptions defines options for creating anonymous shared memory.
type MapOptions struct {
	// Name labels the memfd in /proc/<pid>/fd; it is not a filesystem path and
	// cannot be used to attach.
	Name string
	Size int
}

// Function implementations are provided in platform_linux.go.
