package broker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/hackc-pool/hackpoold/internal/domain"
	"github.com/hackc-pool/hackpoold/internal/platform/launcher"
)

const invalidPid = -1

// stopWaitBudget is the wait timeout the stop sequence allows before
// giving up and letting the OS reap the child later.
const stopWaitBudget = 2 * time.Second

// worker is one child compiler process plus its framed protocol. Exactly
// one of {running with all three streams valid, not running with all
// streams nil and pid = invalidPid} is observable at any time; no
// intermediate state ever escapes a public method. The one exception is
// detachFromProcess, which clears the pid and leaves the handle and codec
// set.
type worker struct {
	cfg        domain.Config
	delegate   *launcher.Delegate
	log        domain.Logger
	configJSON func() []byte
	miscConfig func() []byte

	mu sync.Mutex // serializes start/stop/compile against each other; a
	// Lease already guarantees no two callers use the same worker
	// concurrently, but stop() can race a self-recycling compile().

	pid     int
	handle  launcher.Handle
	codec   *codec
	version string

	compilations   uint64
	drainDone      chan struct{}
}

func newWorker(cfg domain.Config, delegate *launcher.Delegate, log domain.Logger, configJSON, miscConfig func() []byte) *worker {
	return &worker{
		cfg:        cfg,
		delegate:   delegate,
		log:        log,
		configJSON: configJSON,
		miscConfig: miscConfig,
		pid:        invalidPid,
	}
}

func (w *worker) isRunning() bool { return w.pid != invalidPid }

// versionString lazily starts the worker if needed and returns its cached
// version string.
func (w *worker) versionString(ctx context.Context) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.isRunning() {
		if err := w.start(ctx); err != nil {
			return "", err
		}
	}
	return w.version, nil
}

// compile runs the compile RPC. It may recycle and/or (re)start the
// worker first.
func (w *worker) compile(ctx context.Context, req domain.CompileRequest) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cfg.ResetThreshold > 0 && w.compilations > w.cfg.ResetThreshold {
		w.stopLocked()
	}
	if !w.isRunning() {
		if err := w.start(ctx); err != nil {
			return nil, err
		}
	}

	w.compilations++

	header := frameHeader{
		"type":         "code",
		"md5":          hex.EncodeToString(req.Digest[:]),
		"file":         req.Filename,
		"is_systemlib": req.IsSystemlib,
	}
	if err := w.codec.writeMessage(header, req.Source); err != nil {
		w.stopLocked()
		return nil, err
	}

	line, err := w.codec.readLine()
	if err != nil {
		w.stopLocked()
		return nil, err
	}

	var resp struct {
		Type  string `json:"type"`
		Bytes int    `json:"bytes"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		w.stopLocked()
		return nil, domain.NewTransportError("parse response header", err)
	}

	switch resp.Type {
	case "hhas":
		body, err := w.codec.readBytes(resp.Bytes)
		if err != nil {
			w.stopLocked()
			return nil, err
		}
		return body, nil
	case "error":
		return nil, domain.NewCompileError(resp.Error)
	default:
		return nil, domain.NewCompileError(fmt.Sprintf("unknown message type, %s", resp.Type))
	}
}

// start launches the child, reads its version handshake, and sends the
// initial config frames. Caller must hold w.mu.
func (w *worker) start(ctx context.Context) error {
	if w.isRunning() {
		return nil
	}

	h, err := w.delegate.Launch(ctx, w.cfg.Command)
	if err != nil {
		return domain.NewBadCompilerError(
			fmt.Sprintf("unable to start external compiler with command: %v", w.cfg.Command), err)
	}

	w.handle = h
	w.pid = h.Pid()
	w.codec = newCodec(h.Stdout(), h.Stdin())

	w.drainDone = make(chan struct{})
	go w.drainStderr(h.Stderr(), h.Pid())

	var versionMsg struct {
		Version string `json:"version"`
	}
	line, err := w.codec.readLine()
	if err != nil {
		w.stopLocked()
		return domain.NewBadCompilerError("couldn't read version message from external compiler", err)
	}
	if err := json.Unmarshal([]byte(line), &versionMsg); err != nil || versionMsg.Version == "" {
		w.stopLocked()
		return domain.NewBadCompilerError("couldn't parse version message from external compiler", err)
	}
	w.version = versionMsg.Version

	// The child's first stdin read swallows one byte; reserve it here.
	// This byte is load-bearing and must not be removed without
	// coordinating a matching change in the worker binary.
	if err := w.codec.writeByte('\n'); err != nil {
		w.stopLocked()
		return domain.NewBadCompilerError("couldn't write initial newline", err)
	}

	if err := w.writeConfigs(); err != nil {
		w.stopLocked()
		return err
	}

	return nil
}

// writeConfigs sends the two "config" frames. Serialization happens
// exactly once per worker lifetime; a restarted worker re-serializes to
// capture any host config changes since.
func (w *worker) writeConfigs() error {
	var boundConfig, miscConfig []byte
	if w.cfg.InheritConfig {
		boundConfig = w.configJSON()
		miscConfig = w.miscConfig()
	}

	header := frameHeader{"type": "config"}
	if err := w.codec.writeMessage(header, boundConfig); err != nil {
		return err
	}
	header = frameHeader{"type": "config"}
	if err := w.codec.writeMessage(header, miscConfig); err != nil {
		return err
	}
	return nil
}

// stopLocked signals, waits for, and reaps the child. Caller must hold
// w.mu. A worker that isn't running (never started, already stopped, or
// detached) returns immediately without touching the drain goroutine or
// streams; a detached worker's stream and drain-goroutine teardown is its
// new owner's responsibility, not this worker's. Otherwise it signals the
// child, waits on it under the delegate lock, then closes stdin/stdout
// and clears the pid before finally closing stderr and joining the
// drain — draining last so the drain goroutine's own Close-triggered EOF
// doesn't race the signal/wait sequence above it.
func (w *worker) stopLocked() {
	if !w.isRunning() {
		return
	}

	handle := w.handle
	pid := w.pid

	if err := handle.Signal(syscall.SIGTERM); err != nil {
		w.log.Warn("worker: kill failed", "pid", pid, "error", err)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), stopWaitBudget)
	state, err := w.delegate.Wait(waitCtx, handle)
	cancel()
	if err != nil {
		w.log.Warn("worker: unable to wait for compiler process", "pid", pid, "error", err)
	} else if state != nil && !state.Success() {
		w.log.Warn("worker: exited with non-zero status", "pid", pid, "state", state.String())
	}

	handle.Stdin().Close()
	handle.Stdout().Close()
	w.handle = nil
	w.codec = nil
	w.pid = invalidPid
	w.compilations = 0

	w.stopDrain(handle)
}

// stop is the public, locking entry point used by the pool on shutdown.
func (w *worker) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
}

// detachFromProcess clears the pid without touching the child process or
// its streams, so a post-fork-style detach doesn't kill a process now
// owned by a different owner. Go programs rarely fork raw, but this hook
// also covers the case where the broker process re-execs itself for a
// zero-downtime restart and must not tear down workers it no longer owns.
// The handle, codec, and stderr-drain goroutine are left running; whoever
// now owns the process is responsible for their teardown.
func (w *worker) detachFromProcess() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pid = invalidPid
}

// drainStderr forwards each stderr line to the logger tagged with the
// child's pid, until the stream hangs up or is closed by stop().
func (w *worker) drainStderr(r io.ReadCloser, pid int) {
	defer close(w.drainDone)
	rd := newCodec(r, io.Discard)
	for {
		line, err := rd.readLine()
		if err != nil {
			return
		}
		w.log.Info("external compiler stderr", "pid", pid, "line", line)
	}
}

// stopDrain closes handle's stderr stream (unblocking the drain's
// readLine with EOF) and joins the drain goroutine.
func (w *worker) stopDrain(handle launcher.Handle) {
	handle.Stderr().Close()
	if w.drainDone != nil {
		<-w.drainDone
		w.drainDone = nil
	}
}
