package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// StartRecoveryRoutine polls the pending-entries list for requests whose
// consumer died mid-compile and reclaims them. A request stuck in the
// PEL for longer than maxAge means its consumer crashed (or its worker
// pool hung) before Acknowledging.
func (r *RedisQueue) StartRecoveryRoutine(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	const consumerName = "recovery-agent"
	slog.Info("starting compile-request recovery routine", "interval", interval, "maxAge", maxAge)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reclaimStale(ctx, consumerName, maxAge)
		}
	}
}

func (r *RedisQueue) reclaimStale(ctx context.Context, consumerName string, maxAge time.Duration) {
	start := "-"
	for {
		messages, nextStart, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.stream,
			Group:    r.group,
			MinIdle:  maxAge,
			Start:    start,
			Count:    10,
			Consumer: consumerName,
		}).Result()
		if err != nil {
			slog.Error("recovery routine failed", "error", err)
			return
		}
		if len(messages) == 0 {
			return
		}

		slog.Info("recovered stale compile requests", "count", len(messages))
		for _, msg := range messages {
			slog.Warn("stale compile request claimed by recovery agent", "msgID", msg.ID)
			// The request's worker was never observed to finish; without a
			// dead-letter queue we can only ack it out of the PEL so it
			// doesn't leak. A caller relying on this delivery will see no
			// result and should apply its own request-level timeout.
			r.client.XAck(ctx, r.stream, r.group, msg.ID)
		}

		start = nextStart
		if start == "0-0" {
			return
		}
	}
}
