package broker

import (
	"context"
	"errors"
	"strings"

	"github.com/hackc-pool/hackpoold/internal/domain"
)

// Service is the compile service's public entry: it leases a worker from
// the pool, applies the retry policy, and translates the pool's results
// into either an artifact or a textual error.
type Service struct {
	sup        *Supervisor
	assembler  domain.Assembler
	log        domain.Logger
	maxRetries uint64
}

// NewService builds a compile service over sup. maxRetries is fixed here
// for the Service's lifetime; it is not re-read from sup's configuration.
func NewService(sup *Supervisor, assembler domain.Assembler, log domain.Logger, maxRetries uint64) *Service {
	return &Service{sup: sup, assembler: assembler, log: log, maxRetries: maxRetries}
}

// Compile acquires a lease, retries up to max(1, maxRetries+1) times on
// the same worker, and returns either the artifact turned into a
// UnitEmitter, or accumulated diagnostic text.
func (s *Service) Compile(ctx context.Context, req domain.CompileRequest) domain.CompileResult {
	p, err := s.sup.Pool(ctx)
	if err != nil {
		return domain.CompileResult{Err: err.Error()}
	}

	l := p.acquire()
	defer p.release(l)

	max := s.maxRetries + 1
	if max < 1 {
		max = 1
	}

	var errs []string
	for attempt := uint64(0); attempt < max; attempt++ {
		artifact, err := l.worker.compile(ctx, req)
		if err == nil {
			emitter, asmErr := s.assembler.Assemble(ctx, artifact, req.Filename, req.Digest)
			if asmErr != nil {
				if s.sup.cfg.VerboseErrors && s.log != nil {
					s.log.Error("compile service: assembler rejected artifact",
						"filename", req.Filename,
						"code", string(req.Source),
						"raw_artifact", artifact,
						"error", asmErr)
				}
				return domain.CompileResult{Err: asmErr.Error()}
			}
			return domain.CompileResult{Emitter: emitter}
		}

		var transportErr *domain.TransportError
		var compileErr *domain.CompileError
		switch {
		case errors.As(err, &transportErr):
			errs = append(errs, err.Error())
			if s.log != nil {
				s.log.Debug("compile service: transport error, retrying on fresh worker", "attempt", attempt+1, "error", err)
			}
			continue
		case errors.As(err, &compileErr):
			if s.sup.cfg.VerboseErrors && s.log != nil {
				s.log.Error("compile service: bad unit",
					"filename", req.Filename,
					"code", string(req.Source),
					"error", err)
			}
			return domain.CompileResult{Err: err.Error()}
		default:
			return domain.CompileResult{Err: err.Error()}
		}
	}

	if s.log != nil {
		s.log.Warn("compile service: too many communication errors, giving up", "filename", req.Filename)
	}
	return domain.CompileResult{Err: strings.Join(errs, "\n")}
}
