package broker

import (
	"context"
	"testing"

	"github.com/hackc-pool/hackpoold/internal/assembler"
	"github.com/hackc-pool/hackpoold/internal/domain"
	"github.com/hackc-pool/hackpoold/internal/platform/launcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(t *testing.T, cfg domain.Config, mode domain.Mode, l *fakeLauncher) *Supervisor {
	t.Helper()
	newLauncher := func(context.Context) (launcher.Launcher, error) { return l, nil }
	sup := NewSupervisor(cfg, mode, newLauncher, testLogger{t}, func() []byte { return nil }, func() []byte { return nil })
	t.Cleanup(sup.Shutdown)
	return sup
}

func TestServiceCompileSuccess(t *testing.T) {
	l := newFakeLauncher("hackc-1.0", echoBehavior)
	sup := newTestSupervisor(t, domain.Config{Command: []string{"hackc"}, Workers: 1}, domain.ModeFatal, l)
	svc := NewService(sup, assembler.Passthrough{}, testLogger{t}, 0)

	result := svc.Compile(context.Background(), domain.CompileRequest{Filename: "a.php", Source: []byte("payload")})
	require.Empty(t, result.Err)
	require.NotNil(t, result.Emitter)
	assert.Equal(t, "payload", string(result.Emitter.Bytes))
}

func TestServiceCompileErrorDoesNotRetry(t *testing.T) {
	calls := 0
	behavior := func(req fakeCodeRequest, body []byte) (string, []byte, string) {
		calls++
		return "error", nil, "syntax error"
	}
	l := newFakeLauncher("hackc-1.0", behavior)
	sup := newTestSupervisor(t, domain.Config{Command: []string{"hackc"}, Workers: 1}, domain.ModeFatal, l)
	svc := NewService(sup, assembler.Passthrough{}, testLogger{t}, 5)

	result := svc.Compile(context.Background(), domain.CompileRequest{Filename: "a.php", Source: []byte("x")})
	assert.Equal(t, "syntax error", result.Err)
	assert.Nil(t, result.Emitter)
	assert.Equal(t, 1, calls)
}

func TestServiceCompileRetriesOnTransportError(t *testing.T) {
	// Every launch from this fake dies right after the start handshake, so
	// each retry attempt gets its own TransportError; with maxRetries=1
	// the service makes exactly two attempts before giving up.
	l := newFakeLauncher("hackc-1.0", echoBehavior)
	l.diesAfterStart = true
	sup := newTestSupervisor(t, domain.Config{Command: []string{"hackc"}, Workers: 1}, domain.ModeFatal, l)
	svc := NewService(sup, assembler.Passthrough{}, testLogger{t}, 1)

	result := svc.Compile(context.Background(), domain.CompileRequest{Filename: "a.php", Source: []byte("x")})
	assert.Nil(t, result.Emitter)
	assert.NotEmpty(t, result.Err)
	assert.Equal(t, 2, l.launches)
}

func TestServiceModeNeverDisablesCompile(t *testing.T) {
	l := newFakeLauncher("hackc-1.0", echoBehavior)
	sup := newTestSupervisor(t, domain.Config{Command: []string{"hackc"}, Workers: 1}, domain.ModeNever, l)
	svc := NewService(sup, assembler.Passthrough{}, testLogger{t}, 0)

	result := svc.Compile(context.Background(), domain.CompileRequest{Filename: "a.php"})
	assert.NotEmpty(t, result.Err)
	assert.Nil(t, result.Emitter)
}
