// Package process wraps the external programs the launcher drives (demucs,
// mpv). Kill is reserved for launcher shutdown.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	psprocess "github.com/shirou/gopsutil/process"
)

// Options configures a spawned process.
type Options struct {
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Handle is a running or finished external process.
type Handle struct {
	name string
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	err      error
	exitCode int
}

// Spawn starts name with args and returns once the process is running. The
// process is reaped in the background; Wait and Done observe its exit.
func Spawn(name string, args []string, opts Options) (*Handle, error) {
	// #nosec G204 - binaries come from configuration, arguments are built internally.
	cmd := exec.Command(name, args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	h := &Handle{name: name, cmd: cmd, done: make(chan struct{}), exitCode: -1}
	go h.reap()
	return h, nil
}

func (h *Handle) reap() {
	err := h.cmd.Wait()

	h.mu.Lock()
	h.err = err
	h.exitCode = h.cmd.ProcessState.ExitCode()
	h.mu.Unlock()

	close(h.done)
}

// Name returns the binary the handle was spawned from.
func (h *Handle) Name() string {
	return h.name
}

// Pid returns the operating system process id.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Done is closed once the process has exited and its output was drained.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the process exits and returns its exit error, if any.
func (h *Handle) Wait() error {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// ExitCode returns the exit status, or -1 while running or when the process
// was terminated by a signal.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Exited reports whether the process has finished.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Kill terminates the process and any children it spawned.
func (h *Handle) Kill() error {
	if h.Exited() {
		return nil
	}

	if proc, err := psprocess.NewProcess(int32(h.Pid())); err == nil {
		killChildren(proc)
	}

	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s: %w", h.name, err)
	}
	return nil
}

func killChildren(proc *psprocess.Process) {
	children, err := proc.Children()
	if err != nil {
		return
	}
	for _, child := range children {
		killChildren(child)
		_ = child.Kill()
	}
}

// Group tracks handles that must not outlive the launcher.
type Group struct {
	mu      sync.Mutex
	handles map[*Handle]struct{}
}

// NewGroup returns an empty group.
func NewGroup() *Group {
	return &Group{handles: make(map[*Handle]struct{})}
}

// Track adds h to the group until it exits.
func (g *Group) Track(h *Handle) {
	g.mu.Lock()
	g.handles[h] = struct{}{}
	g.mu.Unlock()

	go func() {
		<-h.Done()
		g.mu.Lock()
		delete(g.handles, h)
		g.mu.Unlock()
	}()
}

// Len returns the number of live tracked handles.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.handles)
}

// KillAll kills every live tracked process and returns the first error.
func (g *Group) KillAll() error {
	g.mu.Lock()
	handles := make([]*Handle, 0, len(g.handles))
	for h := range g.handles {
		handles = append(handles, h)
	}
	g.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.Kill(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
