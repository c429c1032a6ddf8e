package broker

import (
	"context"
	"testing"

	"github.com/hackc-pool/hackpoold/internal/assembler"
	"github.com/hackc-pool/hackpoold/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failingBehavior(req fakeCodeRequest, body []byte) (string, []byte, string) {
	return "error", nil, "boom"
}

func TestUnitCompilerModeFatalWrapsFailure(t *testing.T) {
	l := newFakeLauncher("hackc-1.0", failingBehavior)
	sup := newTestSupervisor(t, domain.Config{Command: []string{"hackc"}, Workers: 1}, domain.ModeFatal, l)
	svc := NewService(sup, assembler.Passthrough{}, testLogger{t}, 0)

	var built *domain.UnitEmitter
	fatalUnit := func(filename string, digest domain.Digest, message string) *domain.UnitEmitter {
		built = &domain.UnitEmitter{Filename: filename, Bytes: []byte(message)}
		return built
	}
	uc := NewUnitCompiler(svc, domain.ModeFatal, fatalUnit)

	emitter, ok := uc.Compile(context.Background(), domain.CompileRequest{Filename: "a.php"})
	assert.True(t, ok)
	require.NotNil(t, emitter)
	assert.Same(t, built, emitter)
	assert.Equal(t, "boom", string(emitter.Bytes))
}

func TestUnitCompilerModeFallbackReturnsFalse(t *testing.T) {
	l := newFakeLauncher("hackc-1.0", failingBehavior)
	sup := newTestSupervisor(t, domain.Config{Command: []string{"hackc"}, Workers: 1}, domain.ModeFallback, l)
	svc := NewService(sup, assembler.Passthrough{}, testLogger{t}, 0)
	uc := NewUnitCompiler(svc, domain.ModeFallback, nil)

	emitter, ok := uc.Compile(context.Background(), domain.CompileRequest{Filename: "a.php"})
	assert.False(t, ok)
	assert.Nil(t, emitter)
}

func TestUnitCompilerSuccessBypassesMode(t *testing.T) {
	l := newFakeLauncher("hackc-1.0", echoBehavior)
	sup := newTestSupervisor(t, domain.Config{Command: []string{"hackc"}, Workers: 1}, domain.ModeFatal, l)
	svc := NewService(sup, assembler.Passthrough{}, testLogger{t}, 0)
	uc := NewUnitCompiler(svc, domain.ModeFatal, func(string, domain.Digest, string) *domain.UnitEmitter {
		t.Fatal("fatalUnit should not be called on success")
		return nil
	})

	emitter, ok := uc.Compile(context.Background(), domain.CompileRequest{Filename: "a.php", Source: []byte("ok")})
	assert.True(t, ok)
	require.NotNil(t, emitter)
	assert.Equal(t, "ok", string(emitter.Bytes))
}

func TestCreateReturnsNilWhenModeNever(t *testing.T) {
	l := newFakeLauncher("hackc-1.0", echoBehavior)
	sup := newTestSupervisor(t, domain.Config{Command: []string{"hackc"}, Workers: 1}, domain.ModeNever, l)

	uc := Create(sup, assembler.Passthrough{}, testLogger{t}, domain.Config{MaxRetries: 0}, nil)
	assert.Nil(t, uc)
}
