// Package fork duplicates the running program into child processes that
// share the parent's procsync objects.
//
// The Go runtime cannot fork without exec, so a child is the same binary
// re-executed with the shared objects' memory files as inherited descriptors
// and the name of a registered entry point in its environment. Entry points
// are registered from init, and main (or TestMain) calls DispatchAndExit
// before doing anything else:
//
//	func init() {
//	  fork.Register("worker", worker)
//	}
//
//	func main() {
//	  fork.DispatchAndExit()
//	  mu, _ := procsync.NewMutex()
//	  child, _ := fork.Start(ctx, "worker", mu)
//	  _ = child.Wait()
//	}
//
// Objects must be created before Start; a process started by other means
// has nothing to inherit.
package fork

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/procsync/internal/logging"
)

const (
	// EntryPointVariable names the entry point a child runs.
	EntryPointVariable = "PROCSYNC_ENTRY_POINT"
	// RunIDVariable identifies one Start call, for correlating logs.
	RunIDVariable = "PROCSYNC_RUN_ID"
)

// Main is the body of an entry point. Its error becomes the exit status.
type Main func(ctx context.Context) error

var (
	// ErrUnknownEntryPoint is returned for names never passed to Register.
	ErrUnknownEntryPoint = errors.New("fork: entry point not registered")
	// ErrClosedHandle is returned by Start for an object already closed.
	ErrClosedHandle = errors.New("fork: handle is closed")
)

var (
	log      = logging.New("fork", nil)
	registry = cmap.New[Main]()
	exit     = os.Exit
)

// Register adds an entry point. It must run in both parent and child, so
// call it from an init function.
func Register(name string, main Main) {
	registry.Set(name, main)
}

// IsChild reports whether this process was started by Start.
func IsChild() bool {
	return os.Getenv(EntryPointVariable) != ""
}

// Dispatch runs the entry point this process was started for. It returns nil
// at once in a process that is not a child.
func Dispatch() error {
	if !IsChild() {
		return nil
	}
	name := os.Getenv(EntryPointVariable)
	main, ok := registry.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntryPoint, name)
	}
	log.Debugf("running entry point %s (run %s)", name, os.Getenv(RunIDVariable))
	return main(context.Background())
}

// DispatchAndExit runs Dispatch in a child and exits with status 0 on
// success or 1 on error. In any other process it returns immediately. Test
// binaries call it first thing in TestMain.
func DispatchAndExit() {
	if !IsChild() {
		return
	}
	if err := Dispatch(); err != nil {
		log.Errorf("entry point %s failed: %v", os.Getenv(EntryPointVariable), err)
		exit(1)
		return
	}
	exit(0)
}

// setenv replaces or appends name=value in env.
func setenv(env []string, name, value string) []string {
	newValue := name + "=" + value
	for i, v := range env {
		if strings.HasPrefix(v, name+"=") {
			env[i] = newValue
			return env
		}
	}
	return append(env, newValue)
}
