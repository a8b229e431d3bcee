package procsync

import (
	"golang.org/x/sys/unix"

	"github.com/srediag/procsync/pkg/ipcerr"
)

// PShared selects who may use a synchronization structure.
type PShared int32

const (
	// ProcessPrivate restricts use to threads of the creating process.
	ProcessPrivate PShared = iota
	// ProcessShared allows threads of any process mapping the structure.
	ProcessShared
)

func setPShared(dst *PShared, p PShared, op string) error {
	if p != ProcessPrivate && p != ProcessShared {
		return ipcerr.Check(ipcerr.KindAttributeConfig, op, unix.EINVAL)
	}
	*dst = p
	return nil
}

// MutexAttr configures a mutex before initialization.
type MutexAttr struct {
	pshared PShared
}

// SetPShared sets the sharing mode. Unknown modes fail with EINVAL.
func (a *MutexAttr) SetPShared(p PShared) error {
	return setPShared(&a.pshared, p, "mutexattr setpshared")
}

func (a MutexAttr) PShared() PShared { return a.pshared }

// CondAttr configures a condition variable before initialization.
type CondAttr struct {
	pshared PShared
}

// SetPShared sets the sharing mode. Unknown modes fail with EINVAL.
func (a *CondAttr) SetPShared(p PShared) error {
	return setPShared(&a.pshared, p, "condattr setpshared")
}

func (a CondAttr) PShared() PShared { return a.pshared }
