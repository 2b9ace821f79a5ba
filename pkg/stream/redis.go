package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStream implements Stream on Redis: durable events go to a capped list
// per (topic, group) and are also fanned out over pub/sub; ephemeral events
// use pub/sub only.
type RedisStream struct {
	client  *redis.Client
	maxSize int64
	clock   func() time.Time
}

// NewRedisStream wraps an existing client.
func NewRedisStream(client *redis.Client) *RedisStream {
	return &RedisStream{client: client, maxSize: 10000, clock: time.Now}
}

func (r *RedisStream) queueKey(topic, groupID string) string {
	return fmt.Sprintf("stream:%s:%s", topic, groupID)
}

func (r *RedisStream) Publish(ctx context.Context, topic, groupID string, payload []byte) error {
	ev := Event{Topic: topic, ID: uuid.New().String(), Payload: payload, Timestamp: r.clock()}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("stream publish encode: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, r.queueKey(topic, groupID), raw)
	pipe.LTrim(ctx, r.queueKey(topic, groupID), -r.maxSize, -1)
	pipe.Publish(ctx, "topic:"+topic, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stream publish %s: %w", topic, err)
	}
	return nil
}

func (r *RedisStream) Ephemeral(ctx context.Context, topic, _ string, payload []byte) error {
	ev := Event{Topic: topic, ID: uuid.New().String(), Payload: payload, Timestamp: r.clock()}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("stream ephemeral encode: %w", err)
	}
	if err := r.client.Publish(ctx, "topic:"+topic, raw).Err(); err != nil {
		return fmt.Errorf("stream ephemeral %s: %w", topic, err)
	}
	return nil
}

type redisSub struct {
	pubsub *redis.PubSub
	ch     chan Event
	cancel context.CancelFunc
}

func (s *redisSub) Events() <-chan Event { return s.ch }

func (s *redisSub) Cancel() {
	s.cancel()
	_ = s.pubsub.Close()
}

func (r *RedisStream) Subscribe(ctx context.Context, topic string, filter Filter) (Subscription, error) {
	subCtx, cancel := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(subCtx, "topic:"+topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("stream subscribe %s: %w", topic, err)
	}

	sub := &redisSub{pubsub: pubsub, ch: make(chan Event, 256), cancel: cancel}
	go func() {
		defer close(sub.ch)
		msgs := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				if filter != nil && !filter(ev) {
					continue
				}
				select {
				case sub.ch <- ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()
	return sub, nil
}
