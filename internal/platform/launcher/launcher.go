// Package launcher abstracts the process-launching facility the broker's
// worker start/stop protocol runs on top of. The broker never
// forks/execs directly: every spawn goes through a Launcher and every
// signal and wait through the Handle it returns. Spawns, waits, and user
// switches issued through a Delegate are serialized by its mutex, so at
// most one of them is in flight at a time regardless of how many workers
// share the delegate; signals are sent on the Handle directly.
package launcher

import (
	"context"
	"io"
	"os"
)

// Handle is a running child process plus its three standard streams.
type Handle interface {
	// Pid returns the child's process id.
	Pid() int
	// Stdin is the write end of the child's stdin.
	Stdin() io.WriteCloser
	// Stdout is the read end of the child's stdout.
	Stdout() io.ReadCloser
	// Stderr is the read end of the child's stderr.
	Stderr() io.ReadCloser
	// Signal sends a signal to the child.
	Signal(sig os.Signal) error
	// Wait blocks until the child exits or ctx is done, whichever comes
	// first. On timeout it returns ctx.Err() without reaping the process.
	Wait(ctx context.Context) (*os.ProcessState, error)
}

// Launcher spawns a child process running command (executable + args).
type Launcher interface {
	// Launch starts command and returns a Handle wired to its three
	// standard streams.
	Launch(ctx context.Context, command []string) (Handle, error)
	// ChangeUser switches the effective user the launcher spawns children
	// as. A no-op for launchers that don't support user switching.
	ChangeUser(username string) error
}

// Delegate wraps a Launcher with the single mutex every process operation
// issued against it holds: spawn, wait, and user switch all serialize
// through this lock rather than racing each other.
type Delegate struct {
	mu   chan struct{} // 1-buffered: cheaper to reason about than sync.Mutex + defer in hot paths
	impl Launcher
}

// NewDelegate wraps impl for exclusive access.
func NewDelegate(impl Launcher) *Delegate {
	d := &Delegate{mu: make(chan struct{}, 1), impl: impl}
	d.mu <- struct{}{}
	return d
}

func (d *Delegate) lock()   { <-d.mu }
func (d *Delegate) unlock() { d.mu <- struct{}{} }

// Launch starts command under the delegate lock.
func (d *Delegate) Launch(ctx context.Context, command []string) (Handle, error) {
	d.lock()
	defer d.unlock()
	return d.impl.Launch(ctx, command)
}

// ChangeUser switches the launcher's spawn user under the delegate lock.
func (d *Delegate) ChangeUser(username string) error {
	d.lock()
	defer d.unlock()
	return d.impl.ChangeUser(username)
}

// Wait blocks on h under the delegate lock, matching the original's
// waitpid-under-AFDT-lock discipline.
func (d *Delegate) Wait(ctx context.Context, h Handle) (*os.ProcessState, error) {
	d.lock()
	defer d.unlock()
	return h.Wait(ctx)
}

// Close releases any resources the underlying launcher holds (e.g. a
// docker client connection). Safe to call on a nil-impl-less Delegate.
func (d *Delegate) Close() error {
	if c, ok := d.impl.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
