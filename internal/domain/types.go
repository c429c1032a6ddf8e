// Package domain holds the types and interfaces shared across the broker:
// the wire protocol vocabulary, the worker configuration, and the
// collaborator contracts (assembler, logger, config registry).
package domain

import "context"

// Digest identifies the content of a compile request, e.g. an MD5 sum of
// the source bytes. The broker treats it as opaque and forwards it verbatim
// to the wire protocol and to the assembler.
type Digest [16]byte

// Config is the immutable, shared configuration for every worker spawned by
// a single Pool. It is read once at supervisor startup.
type Config struct {
	// Command is the worker executable followed by its arguments, e.g.
	// []string{"/usr/bin/hackc", "--daemon"}.
	Command []string

	// Workers is the fixed pool size. Must be >= 1 for the supervisor to
	// start; a value of 0 means "disabled" at the mode-selection layer.
	Workers uint64

	// MaxRetries bounds the number of extra attempts the compile service
	// makes after a TransportError, on top of the first attempt.
	MaxRetries uint64

	// VerboseErrors turns on extra diagnostic logging: the source alongside
	// a CompileError, and the source plus raw artifact when the assembler
	// rejects an artifact.
	VerboseErrors bool

	// InheritConfig controls whether the two config frames sent at worker
	// startup carry the host's global settings, or are sent empty.
	InheritConfig bool

	// ResetThreshold recycles a worker once its compilation counter
	// exceeds this value. Zero disables recycling.
	ResetThreshold uint64
}

// Mode describes how the caller should react when the compile service
// cannot produce an artifact.
type Mode int

const (
	// ModeNever means the broker is disabled; callers must not call compile.
	ModeNever Mode = iota
	// ModeFallback means callers should fall back to an in-process compiler.
	ModeFallback
	// ModeFatal means callers should surface the error as a hard fatal unit.
	ModeFatal
)

func (m Mode) String() string {
	switch m {
	case ModeNever:
		return "never"
	case ModeFallback:
		return "fallback"
	case ModeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// CompileRequest is a caller-supplied compile job. Source is not copied by
// the broker; callers must not mutate it until the call returns.
type CompileRequest struct {
	Filename    string
	Digest      Digest
	Source      []byte
	IsSystemlib bool
}

// UnitEmitter is the in-memory representation produced by the external
// assembler from a worker's artifact bytes. The broker never inspects it.
type UnitEmitter struct {
	Filename string
	Digest   Digest
	Bytes    []byte
}

// CompileResult is the tagged union returned by the compile service: either
// a compiled emitter, or a textual diagnostic. Exactly one field is set.
type CompileResult struct {
	Emitter *UnitEmitter
	Err     string
}

// Assembler turns worker artifact bytes into an in-memory UnitEmitter.
// External collaborator; the broker consumes it but never implements it.
type Assembler interface {
	Assemble(ctx context.Context, artifact []byte, filename string, digest Digest) (*UnitEmitter, error)
}

// Logger is the minimal structured-logging contract the broker depends on.
// A *slog.Logger satisfies it once wrapped by internal/broker.SlogAdapter.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

// ConfigRegistry is the external global-settings registry. No broker code
// calls it: the Supervisor takes the two config-frame bodies as
// configJSON/miscConfig functions, which are only called when
// Config.InheritConfig is true.
type ConfigRegistry interface {
	// DumpJSON returns a JSON serialization of all globals.
	DumpJSON() ([]byte, error)
	// IncludeRoots returns the value bound to "hhvm.include_roots".
	IncludeRoots() (any, error)
}
