package broker

import (
	"context"

	"github.com/hackc-pool/hackpoold/internal/domain"
)

// FatalUnitFactory builds the synthetic fatal unit a ModeFatal caller
// wraps a compile error into. It is supplied by the host VM; the broker
// only calls it, never constructs a unit itself.
type FatalUnitFactory func(filename string, digest domain.Digest, message string) *domain.UnitEmitter

// UnitCompiler is the surface exposed to callers: a compiler handle bound
// to a Service and a Mode, so the caller doesn't need to re-derive
// fallback/fatal behavior at every call site.
type UnitCompiler struct {
	svc        *Service
	mode       domain.Mode
	fatalUnit  FatalUnitFactory
}

// NewUnitCompiler binds svc to mode. fatalUnit may be nil when mode is
// never ModeFatal.
func NewUnitCompiler(svc *Service, mode domain.Mode, fatalUnit FatalUnitFactory) *UnitCompiler {
	return &UnitCompiler{svc: svc, mode: mode, fatalUnit: fatalUnit}
}

// Compile runs req through the underlying service and applies the mode:
// ModeFatal wraps a failure into a synthetic fatal unit via fatalUnit;
// ModeFallback returns (nil, false) so the caller falls back to an
// in-process compiler (not part of this core); ModeNever should never
// reach here (Create returns no UnitCompiler when Mode() is ModeNever).
func (c *UnitCompiler) Compile(ctx context.Context, req domain.CompileRequest) (*domain.UnitEmitter, bool) {
	result := c.svc.Compile(ctx, req)
	if result.Emitter != nil {
		return result.Emitter, true
	}

	switch c.mode {
	case domain.ModeFatal:
		if c.fatalUnit == nil {
			return nil, false
		}
		return c.fatalUnit(req.Filename, req.Digest, result.Err), true
	case domain.ModeFallback:
		return nil, false
	default:
		return nil, false
	}
}

// Create returns nil when the broker is disabled (mode is ModeNever),
// letting the caller fall back to whatever compiler it uses when this
// core is out of the picture.
func Create(sup *Supervisor, assembler domain.Assembler, log domain.Logger, cfg domain.Config, fatalUnit FatalUnitFactory) *UnitCompiler {
	mode := sup.Mode()
	if mode == domain.ModeNever {
		return nil
	}
	svc := NewService(sup, assembler, log, cfg.MaxRetries)
	return NewUnitCompiler(svc, mode, fatalUnit)
}
