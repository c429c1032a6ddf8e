// Package queue provides a distributed front end for the compile broker:
// a Redis Stream carries compile requests to whichever broker replica has
// spare pool capacity, and a Pub/Sub channel broadcasts results back to
// whoever is waiting on them.
package queue

import (
	"context"

	"github.com/hackc-pool/hackpoold/internal/domain"
)

// Request is one compile job in flight on the queue. RawID is the
// consumer-group message id needed to Acknowledge it later; it is unset
// on the publishing side.
type Request struct {
	ID      string               `json:"id"`
	Compile domain.CompileRequest `json:"compile"`

	RawID string `json:"-"`
}

// Result carries a compile outcome back to whoever published the
// matching Request.
type Result struct {
	RequestID string               `json:"request_id"`
	Result    domain.CompileResult `json:"result"`
}

// RequestQueue decouples the broker's HTTP/CLI front ends from the
// underlying broker (Redis Streams here; any durable queue could
// satisfy this).
type RequestQueue interface {
	// Publish enqueues a compile request.
	Publish(ctx context.Context, req Request) error

	// Subscribe returns a channel streaming requests from the queue,
	// handling consumer-group registration and delivery internally.
	Subscribe(ctx context.Context) (<-chan Request, error)

	// Acknowledge confirms a request identified by its RawID has been
	// processed, removing it from the pending-entries list.
	Acknowledge(ctx context.Context, rawID string) error

	// Broadcast publishes a compile result for any subscriber waiting on
	// it.
	Broadcast(ctx context.Context, result Result) error

	// SubscribeResults returns a channel streaming results from every
	// broker replica.
	SubscribeResults(ctx context.Context) (<-chan Result, error)
}
