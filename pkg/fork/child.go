package fork

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/procsync/pkg/shm"
)

// Inheritable is implemented by every shared object: shm.Region,
// procsync.Mutex and procsync.Cond.
type Inheritable interface {
	Descriptor() shm.Descriptor
}

// Config holds child creation parameters.
type Config struct {
	Stdout io.Writer
	Stderr io.Writer
	// Env is added to the parent's environment.
	Env    []string
	Meter  metric.Meter
	Tracer trace.Tracer
}

// DefaultConfig forwards the child's output to ours and records no telemetry.
func DefaultConfig() Config {
	return Config{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Meter:  metricnoop.NewMeterProvider().Meter("procsync/fork"),
		Tracer: tracenoop.NewTracerProvider().Tracer("procsync/fork"),
	}
}

// Child is a running duplicate of this process.
type Child struct {
	name  string
	runID string
	cmd   *exec.Cmd
	done  chan struct{}
	err   error
}

// Start duplicates this process into a child running the entry point name.
// objects are inherited in order: the child gets objects[i] with
// shm.Inherit(i), procsync.InheritMutex(i) or procsync.InheritCond(i).
func Start(ctx context.Context, name string, objects ...Inheritable) (*Child, error) {
	return StartWithConfig(ctx, DefaultConfig(), name, objects...)
}

// StartWithConfig is Start with explicit output and telemetry settings.
func StartWithConfig(ctx context.Context, cfg Config, name string, objects ...Inheritable) (*Child, error) {
	if cfg.Tracer == nil {
		cfg.Tracer = tracenoop.NewTracerProvider().Tracer("procsync/fork")
	}
	if cfg.Meter == nil {
		cfg.Meter = metricnoop.NewMeterProvider().Meter("procsync/fork")
	}
	ctx, span := cfg.Tracer.Start(ctx, "fork.Start", trace.WithAttributes(
		attribute.String("procsync.entry_point", name),
		attribute.Int("procsync.handles", len(objects)),
	))
	defer span.End()

	c, err := start(cfg, name, objects)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("procsync.pid", c.Pid()))

	if started, merr := cfg.Meter.Int64Counter("procsync.fork.children",
		metric.WithDescription("Child processes started.")); merr == nil {
		started.Add(ctx, 1, metric.WithAttributes(attribute.String("entry_point", name)))
	} else {
		log.Warnf("children counter: %v", merr)
	}
	return c, nil
}

func start(cfg Config, name string, objects []Inheritable) (*Child, error) {
	if _, ok := registry.Get(name); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntryPoint, name)
	}
	ds := make([]shm.Descriptor, len(objects))
	files := make([]*os.File, len(objects))
	for i, o := range objects {
		d := o.Descriptor()
		if d.File == nil {
			return nil, fmt.Errorf("%w: %s handle %d (%s)", ErrClosedHandle, name, i, d.Kind)
		}
		ds[i] = d
		files[i] = d.File
	}

	runID := uuid.NewString()
	env := append(os.Environ(), cfg.Env...)
	env = setenv(env, EntryPointVariable, name)
	env = setenv(env, RunIDVariable, runID)
	env = setenv(env, shm.HandlesVariable, shm.EncodeDescriptors(ds))

	cmd := exec.Command("/proc/self/exe", os.Args[1:]...)
	cmd.Args[0] = os.Args[0]
	cmd.Env = env
	cmd.ExtraFiles = files
	cmd.Stdout = cfg.Stdout
	cmd.Stderr = cfg.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
	if err := spawn(cmd); err != nil {
		return nil, fmt.Errorf("fork %s: %w", name, err)
	}

	c := &Child{
		name:  name,
		runID: runID,
		cmd:   cmd,
		done:  make(chan struct{}),
	}
	go c.wait()
	log.Infof("started %s as pid %d with %d handles (run %s)", name, c.Pid(), len(ds), runID)
	return c, nil
}

type spawnRequest struct {
	cmd  *exec.Cmd
	done chan error
}

var (
	spawnOnce sync.Once
	spawns    chan spawnRequest
)

// spawn starts cmd on one OS thread that never exits. Pdeathsig fires when
// the thread that forked the child exits, not the process, so that thread has
// to outlive every child.
func spawn(cmd *exec.Cmd) error {
	spawnOnce.Do(func() {
		spawns = make(chan spawnRequest)
		go func() {
			runtime.LockOSThread()
			for req := range spawns {
				req.done <- req.cmd.Start()
			}
		}()
	})
	done := make(chan error, 1)
	spawns <- spawnRequest{cmd: cmd, done: done}
	return <-done
}

func (c *Child) wait() {
	c.err = c.cmd.Wait()
	if c.err != nil {
		log.Warnf("%s (pid %d) exited: %v", c.name, c.Pid(), c.err)
	} else {
		log.Debugf("%s (pid %d) exited", c.name, c.Pid())
	}
	close(c.done)
}

// Wait blocks until the child exits. It returns nil for exit status 0.
func (c *Child) Wait() error {
	<-c.done
	return c.err
}

// Done is closed once the child has exited.
func (c *Child) Done() <-chan struct{} {
	return c.done
}

// Exited reports whether the child has exited and, if so, how.
func (c *Child) Exited() (bool, error) {
	select {
	case <-c.done:
		return true, c.err
	default:
		return false, nil
	}
}

// Alive reports whether the child process still exists.
func (c *Child) Alive() bool {
	if exited, _ := c.Exited(); exited {
		return false
	}
	ok, err := process.PidExists(int32(c.Pid()))
	return err == nil && ok
}

func (c *Child) Name() string  { return c.name }
func (c *Child) RunID() string { return c.runID }

// Pid returns the pid of the child.
func (c *Child) Pid() int {
	return c.cmd.Process.Pid
}

// Signal sends sig to the child.
func (c *Child) Signal(sig os.Signal) error {
	return c.cmd.Process.Signal(sig)
}

// Kill kills the child.
func (c *Child) Kill() error {
	return c.cmd.Process.Kill()
}
