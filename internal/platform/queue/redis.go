package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements RequestQueue using Redis Streams: an
// XADD/XREADGROUP consumer-group shape with a fail-fast Ping on
// construction.
type RedisQueue struct {
	client *redis.Client
	stream string
	group  string
}

var _ RequestQueue = (*RedisQueue)(nil)

// NewRedisQueue returns a new Redis-backed queue adapter for stream/group.
func NewRedisQueue(addr, stream, group string) *RedisQueue {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		panic(fmt.Sprintf("failed to connect to redis: %v", err))
	}

	return &RedisQueue{client: rdb, stream: stream, group: group}
}

// Publish enqueues req to the Redis stream using XADD.
func (r *RedisQueue) Publish(ctx context.Context, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{"request": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Subscribe returns a channel of requests using XREADGROUP.
func (r *RedisQueue) Subscribe(ctx context.Context) (<-chan Request, error) {
	err := r.client.XGroupCreateMkStream(ctx, r.stream, r.group, "$").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	outCh := make(chan Request)

	consumerID, _ := os.Hostname()
	if consumerID == "" {
		consumerID = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}

	go func() {
		defer close(outCh)

		for {
			select {
			case <-ctx.Done():
				return
			default:
				streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
					Group:    r.group,
					Consumer: consumerID,
					Streams:  []string{r.stream, ">"},
					Count:    1,
					Block:    2 * time.Second,
				}).Result()
				if err != nil {
					if err == redis.Nil {
						continue
					}
					if ctx.Err() != nil {
						return
					}
					slog.Error("redis read error", "error", err)
					time.Sleep(1 * time.Second)
					continue
				}
				for _, stream := range streams {
					for _, msg := range stream.Messages {
						val, ok := msg.Values["request"].(string)
						if !ok {
							slog.Error("invalid message format", "msgID", msg.ID)
							continue
						}
						var req Request
						if err := json.Unmarshal([]byte(val), &req); err != nil {
							slog.Error("failed to unmarshal request", "error", err)
							continue
						}
						req.RawID = msg.ID
						outCh <- req
					}
				}
			}
		}
	}()
	return outCh, nil
}

// Acknowledge confirms processing using XACK.
func (r *RedisQueue) Acknowledge(ctx context.Context, rawID string) error {
	return r.client.XAck(ctx, r.stream, r.group, rawID).Err()
}

const resultsChannel = "hackc:results"

// Broadcast publishes result to the results Pub/Sub channel.
func (r *RedisQueue) Broadcast(ctx context.Context, result Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return r.client.Publish(ctx, resultsChannel, data).Err()
}

// SubscribeResults subscribes to the results channel and streams
// decoded Results to a Go channel.
func (r *RedisQueue) SubscribeResults(ctx context.Context) (<-chan Result, error) {
	pubsub := r.client.Subscribe(ctx, resultsChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("failed to subscribe to results: %w", err)
	}

	outCh := make(chan Result)

	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var result Result
				if err := json.Unmarshal([]byte(msg.Payload), &result); err != nil {
					slog.Error("failed to unmarshal result", "error", err)
					continue
				}
				outCh <- result
			}
		}
	}()

	return outCh, nil
}
