// Package assembler provides a stand-in for the external assembler
// collaborator: assemble(bytes, filename, digest, callbacks) ->
// UnitEmitter. The real assembler lives in the host VM and is out of
// scope for this module; Passthrough exists so the broker's demo
// binaries and integration tests have something concrete to wire
// domain.Assembler to.
package assembler

import (
	"context"

	"github.com/hackc-pool/hackpoold/internal/domain"
)

// Passthrough treats the worker's artifact bytes as an already-final
// UnitEmitter payload, performing no further transformation. It is
// sufficient for exercising the broker end to end against
// cmd/mockcompiler, which returns raw bytes rather than a real bytecode
// blob.
type Passthrough struct{}

// Assemble wraps artifact into a domain.UnitEmitter unchanged.
func (Passthrough) Assemble(_ context.Context, artifact []byte, filename string, digest domain.Digest) (*domain.UnitEmitter, error) {
	return &domain.UnitEmitter{
		Filename: filename,
		Digest:   digest,
		Bytes:    artifact,
	}, nil
}

var _ domain.Assembler = Passthrough{}
