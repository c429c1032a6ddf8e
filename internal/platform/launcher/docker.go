package launcher

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerLauncher runs each worker inside a fresh, memory-bounded
// container instead of a bare child process: a Ping-on-construct check
// and a hard memory cap via container.Resources. Selected via Config's
// HACKC_LAUNCHER=docker; the container's entrypoint is expected to speak
// the same stdin/stdout wire protocol as a directly exec'd worker binary.
type DockerLauncher struct {
	cli   *client.Client
	image string

	// nextHandleID hands out a per-handle identifier distinct from
	// invalidPid (-1), since a container has no OS pid of its own but
	// worker.isRunning() distinguishes "running" from "not running" by
	// comparing Pid() against that sentinel.
	nextHandleID atomic.Int64
}

// NewDockerLauncher connects to the local docker daemon and verifies it
// is reachable. It returns an error instead of panicking: the supervisor
// may lazily select this launcher on the first compile of a long-lived
// server, and a misconfigured docker daemon there is a recoverable
// BadCompilerError, not a process-fatal condition.
func NewDockerLauncher(ctx context.Context, image string) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker launcher: create client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker launcher: ping daemon: %w", err)
	}
	return &DockerLauncher{cli: cli, image: image}, nil
}

// ChangeUser is unsupported for the docker launcher: the container's own
// image determines its runtime user.
func (l *DockerLauncher) ChangeUser(string) error { return nil }

// Close releases the underlying docker client connection.
func (l *DockerLauncher) Close() error { return l.cli.Close() }

// Launch creates, attaches to, and starts a container running command as
// its entrypoint, with stdin/stdout/stderr wired the same way a directly
// exec'd worker's pipes would be.
func (l *DockerLauncher) Launch(ctx context.Context, command []string) (Handle, error) {
	resp, err := l.cli.ContainerCreate(ctx, &container.Config{
		Image:        l.image,
		Cmd:          command,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: 512 * 1024 * 1024,
		},
		AutoRemove: true,
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("docker launcher: create container: %w", err)
	}

	hijacked, err := l.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("docker launcher: attach container: %w", err)
	}

	if err := l.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		hijacked.Close()
		return nil, fmt.Errorf("docker launcher: start container: %w", err)
	}

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(outW, errW, hijacked.Reader)
		outW.CloseWithError(err)
		errW.CloseWithError(err)
	}()

	return &dockerHandle{
		cli:    l.cli,
		id:     resp.ID,
		pid:    int(l.nextHandleID.Add(1)),
		conn:   hijacked.Conn,
		stdout: outR,
		stderr: errR,
	}, nil
}

type dockerHandle struct {
	cli    *client.Client
	id     string
	pid    int
	conn   net.Conn
	stdout io.ReadCloser
	stderr io.ReadCloser
}

// Pid has no OS meaning for a container; it returns a per-handle
// identifier that is only guaranteed distinct from invalidPid, so
// worker.isRunning() correctly reports "running" for a live container.
// Callers that need the actual container id for logs should use
// ContainerID instead.
func (h *dockerHandle) Pid() int { return h.pid }

// ContainerID exposes the docker container id backing this handle.
func (h *dockerHandle) ContainerID() string { return h.id }

func (h *dockerHandle) Stdin() io.WriteCloser { return dockerStdin{h.conn} }
func (h *dockerHandle) Stdout() io.ReadCloser { return h.stdout }
func (h *dockerHandle) Stderr() io.ReadCloser { return h.stderr }

// Signal delivers a signal to the container through ContainerKill;
// docker containers do not accept arbitrary POSIX signals through the SDK
// uniformly across platforms, so os.Kill is sent as SIGKILL and any other
// signal as SIGTERM.
func (h *dockerHandle) Signal(sig os.Signal) error {
	ctx := context.Background()
	if sig == os.Kill {
		return h.cli.ContainerKill(ctx, h.id, "SIGKILL")
	}
	return h.cli.ContainerKill(ctx, h.id, "SIGTERM")
}

func (h *dockerHandle) Wait(ctx context.Context) (*os.ProcessState, error) {
	statusCh, errCh := h.cli.ContainerWait(ctx, h.id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("docker launcher: wait: %w", err)
		}
		return nil, nil
	case <-statusCh:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dockerStdin adapts the hijacked connection's write half to
// io.WriteCloser. Closing it half-closes the connection for writes only,
// so the demux goroutine reading stdout/stderr keeps running until the
// container itself exits.
type dockerStdin struct{ conn net.Conn }

func (d dockerStdin) Write(p []byte) (int, error) { return d.conn.Write(p) }

func (d dockerStdin) Close() error {
	if cw, ok := d.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return d.conn.Close()
}
