// Package eventbus publishes non-critical debug and heat-lifecycle events
// over Redis pub/sub, adapted from the teacher's hash/pub-sub Redis client
// into a narrower CBOR-encoded event stream. Nothing on the ingestion or
// heat-engine critical path depends on this package succeeding.
package eventbus

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

// Kind identifies the shape of an event's Payload.
type Kind string

const (
	KindFrameDecoded Kind = "frame_decoded"
	KindFrameDropped Kind = "frame_dropped"
	KindHeatAcquired Kind = "heat_acquired"
	KindFinishWaved  Kind = "finish_waved"
	KindHeatFinished Kind = "heat_finished"
)

// Event is one CBOR-encoded message published to Channel.
type Event struct {
	Kind    Kind
	Payload map[string]string
}

// Channel is the single Redis pub/sub channel this package uses.
const Channel = "amb:events"

// Bus wraps a Redis connection for publishing and subscribing to Events.
type Bus struct {
	client *redis.Client
}

// New connects to Redis and verifies reachability with a ping, mirroring
// the teacher's pkg/redis.New.
func New(ctx context.Context, addr, password string, db int) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("eventbus: failed to connect to redis: %w", err)
	}
	return &Bus{client: client}, nil
}

// Close releases the underlying Redis connection.
func (b *Bus) Close() error {
	return b.client.Close()
}

// Publish CBOR-encodes and publishes one event. Errors are returned for the
// caller to log; callers on the critical path should not block on them.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	data, err := cbor.Marshal(e)
	if err != nil {
		return fmt.Errorf("eventbus: encode: %w", err)
	}
	return b.client.Publish(ctx, Channel, data).Err()
}

// Subscribe returns a channel of decoded Events and an unsubscribe func.
// Messages that fail to decode are dropped rather than delivered.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, func()) {
	pubsub := b.client.Subscribe(ctx, Channel)
	raw := pubsub.Channel()
	out := make(chan Event)
	go func() {
		defer close(out)
		for msg := range raw {
			var e Event
			if err := cbor.Unmarshal([]byte(msg.Payload), &e); err != nil {
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() { pubsub.Close() }
}
