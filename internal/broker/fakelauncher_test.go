package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hackc-pool/hackpoold/internal/platform/launcher"
)

// fakeCompilerBehavior scripts how the in-process fake worker responds to
// each "code" frame it receives.
type fakeCompilerBehavior func(req fakeCodeRequest, body []byte) (respType string, respBody []byte, respErr string)

type fakeCodeRequest struct {
	Type        string `json:"type"`
	MD5         string `json:"md5"`
	File        string `json:"file"`
	IsSystemlib bool   `json:"is_systemlib"`
	Bytes       int    `json:"bytes"`
}

// fakeLauncher implements launcher.Launcher entirely in-process: Launch
// spins up a goroutine that speaks the wire protocol over io.Pipe ends,
// standing in for a real child process without ever exec'ing one.
type fakeLauncher struct {
	version  string
	behavior fakeCompilerBehavior

	// diesAfterStart makes the fake worker hang up right after the start
	// handshake, before serving any "code" frame, for exercising a
	// TransportError on the following compile.
	diesAfterStart bool

	mu               sync.Mutex
	launches         int
	lastConfigFrames []int // bytes field of each of the two config frames from the most recent launch
}

// configFrame is the header shape of a "config" frame; only its declared
// body length is inspected here.
type configFrame struct {
	Type  string `json:"type"`
	Bytes int    `json:"bytes"`
}

func newFakeLauncher(version string, behavior fakeCompilerBehavior) *fakeLauncher {
	return &fakeLauncher{version: version, behavior: behavior}
}

func (l *fakeLauncher) ChangeUser(string) error { return nil }

// configFrameBytes returns the "bytes" field of the two config frames sent
// during the most recent start(), waiting up to a short deadline for the
// serving goroutine to finish parsing them.
func (l *fakeLauncher) configFrameBytes(t *testing.T) []int {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		l.mu.Lock()
		frames := l.lastConfigFrames
		l.mu.Unlock()
		if len(frames) == 2 {
			return frames
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for fake worker to record config frames")
		}
		time.Sleep(time.Millisecond)
	}
}

func (l *fakeLauncher) Launch(_ context.Context, _ []string) (launcher.Handle, error) {
	// stdinR/stdinW: broker writes to stdinW, fake worker reads from stdinR.
	stdinR, stdinW := io.Pipe()
	// stdoutR/stdoutW: fake worker writes to stdoutW, broker reads from stdoutR.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	l.mu.Lock()
	l.launches++
	pid := 10000 + l.launches
	l.mu.Unlock()

	h := &fakeHandle{
		pid:    pid,
		stdin:  stdinW,
		stdout: stdoutR,
		stderr: stderrR,
		done:   make(chan struct{}),
	}

	go l.serve(h, stdinR, stdoutW, stderrW)

	return h, nil
}

func (l *fakeLauncher) serve(h *fakeHandle, stdin io.Reader, stdout, stderr io.WriteCloser) {
	defer close(h.done)
	defer stdout.Close()
	defer stderr.Close()

	w := newCodec(stdin, stdout)

	if err := w.writeMessage(frameHeader{"version": l.version}, nil); err != nil {
		return
	}
	// Consume the reserved handshake byte the start protocol writes.
	buf := make([]byte, 1)
	if _, err := io.ReadFull(stdin, buf); err != nil {
		return
	}
	// Two config frames: parse each header for its declared body length,
	// then read exactly that many bytes off the wire before moving on.
	frames := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		line, err := w.readLine()
		if err != nil {
			return
		}
		var cfg configFrame
		if err := json.Unmarshal([]byte(line), &cfg); err != nil {
			return
		}
		if _, err := w.readBytes(cfg.Bytes); err != nil {
			return
		}
		frames = append(frames, cfg.Bytes)
	}
	l.mu.Lock()
	l.lastConfigFrames = frames
	l.mu.Unlock()

	if l.diesAfterStart {
		// Keep draining stdin so the broker's next write doesn't block
		// forever on an unbuffered pipe with nobody reading; stdout/stderr
		// close (via the deferred calls above) is what actually signals
		// the "worker died" condition to the broker side.
		go io.Copy(io.Discard, stdin)
		return
	}

	for {
		line, err := w.readLine()
		if err != nil {
			return
		}
		var req fakeCodeRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			return
		}
		body, err := w.readBytes(req.Bytes)
		if err != nil {
			return
		}

		respType, respBody, respErr := l.behavior(req, body)
		header := frameHeader{"type": respType}
		if respErr != "" {
			header["error"] = respErr
		}
		if err := w.writeMessage(header, respBody); err != nil {
			return
		}
	}
}

// fakeHandle implements launcher.Handle for a fakeLauncher-served worker.
type fakeHandle struct {
	pid    int
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	killOnce sync.Once
	done     chan struct{}
}

func (h *fakeHandle) Pid() int              { return h.pid }
func (h *fakeHandle) Stdin() io.WriteCloser { return h.stdin }
func (h *fakeHandle) Stdout() io.ReadCloser { return h.stdout }
func (h *fakeHandle) Stderr() io.ReadCloser { return h.stderr }

// Signal closes stdin, causing the serving goroutine's next readLine to
// fail and the fake worker to exit, mirroring a real process reacting to
// SIGTERM by giving up its next blocking read.
func (h *fakeHandle) Signal(os.Signal) error {
	h.killOnce.Do(func() { h.stdin.Close() })
	return nil
}

func (h *fakeHandle) Wait(ctx context.Context) (*os.ProcessState, error) {
	select {
	case <-h.done:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var errFakeLaunch = errors.New("fake launcher: launch refused")

// failingLauncher always fails to launch, for exercising BadCompilerError.
type failingLauncher struct{}

func (failingLauncher) ChangeUser(string) error { return nil }
func (failingLauncher) Launch(context.Context, []string) (launcher.Handle, error) {
	return nil, errFakeLaunch
}
