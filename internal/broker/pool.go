package broker

import (
	"context"
	"sync"

	"github.com/hackc-pool/hackpoold/internal/domain"
	"github.com/hackc-pool/hackpoold/internal/platform/launcher"
)

// pool is a fixed-size slot array of workers with a blocking
// acquire/release protocol. Invariant: free equals the number of non-nil
// slots, and a leased slot's worker pointer is held exclusively by its
// lessee until release.
type pool struct {
	mu    sync.Mutex
	cond  *sync.Cond
	slots []*worker

	free int

	version string
}

func newPool(cfg domain.Config, delegate *launcher.Delegate, log domain.Logger, configJSON, miscConfig func() []byte) *pool {
	p := &pool{slots: make([]*worker, cfg.Workers)}
	p.cond = sync.NewCond(&p.mu)
	for i := range p.slots {
		p.slots[i] = newWorker(cfg, delegate, log, configJSON, miscConfig)
	}
	return p
}

// start populates free and forces at least one worker up to cache the
// pool's version string.
func (p *pool) start(ctx context.Context) error {
	p.mu.Lock()
	p.free = len(p.slots)
	p.mu.Unlock()

	lease := p.acquire()
	defer p.release(lease)

	v, err := lease.worker.versionString(ctx)
	if err != nil {
		return err
	}
	p.version = v
	return nil
}

// lease is scoped exclusive access to one worker. Non-copyable by
// convention: callers should always defer release.
type lease struct {
	index  int
	worker *worker
}

// acquire blocks until a slot is free, then removes it from the pool and
// returns it as a lease. Guaranteed by the pool's invariant to find a
// non-nil slot once free > 0. This never times out; callers that need
// cancellation must not call it from a context they expect to abandon
// mid-wait.
func (p *pool) acquire() lease {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.free == 0 {
		p.cond.Wait()
	}
	p.free--
	for i, w := range p.slots {
		if w != nil {
			p.slots[i] = nil
			return lease{index: i, worker: w}
		}
	}
	panic("pool: freeCount positive but no free slot found")
}

// release returns l's worker to its slot and wakes one waiter.
func (p *pool) release(l lease) {
	p.mu.Lock()
	p.slots[l.index] = l.worker
	p.free++
	p.mu.Unlock()
	p.cond.Signal()
}

// shutdown stops every worker. When detach is set, each worker is
// detached from its process first instead of signaled/waited on — used
// when the current process no longer owns the child.
func (p *pool) shutdown(detach bool) {
	p.mu.Lock()
	slots := make([]*worker, len(p.slots))
	copy(slots, p.slots)
	for i := range p.slots {
		p.slots[i] = nil
	}
	p.free = 0
	p.mu.Unlock()

	for _, w := range slots {
		if w == nil {
			continue
		}
		if detach {
			w.detachFromProcess()
		} else {
			w.stop()
		}
	}
}
