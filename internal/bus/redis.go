package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	agentStreamPrefix   = "hivemind:agent:"
	sessionStreamPrefix = "hivemind:session:"
	eventKeyPrefix      = "hivemind:event:"

	eventTTL  = 24 * time.Hour
	streamCap = 1024
)

// RedisBus is a Redis Streams implementation of Bus.
type RedisBus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedisBus creates a bus over an existing Redis client.
func NewRedisBus(rdb *redis.Client, logger *zap.Logger) *RedisBus {
	return &RedisBus{rdb: rdb, logger: logger}
}

// Connect parses a Redis URL, pings the server, and returns a bus.
func Connect(ctx context.Context, redisURL string, logger *zap.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBus{rdb: rdb, logger: logger}, nil
}

// Client returns the underlying Redis client for shared use.
func (b *RedisBus) Client() *redis.Client { return b.rdb }

// Publish delivers an event to its ToAgent stream and records it by id.
func (b *RedisBus) Publish(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := b.rdb.Set(ctx, eventKeyPrefix+ev.ID, data, eventTTL).Err(); err != nil {
		return fmt.Errorf("record event %s: %w", ev.ID, err)
	}

	stream := agentStreamPrefix + ev.ToAgent
	if err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamCap,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	b.logger.Debug("published event",
		zap.String("id", ev.ID),
		zap.String("type", string(ev.Type)),
		zap.String("from", ev.FromAgent),
		zap.String("to", ev.ToAgent))
	return nil
}

// Broadcast delivers an event to a session's broadcast stream.
func (b *RedisBus) Broadcast(ctx context.Context, sessionID string, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.SessionID = sessionID
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	stream := sessionStreamPrefix + sessionID
	if err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamCap,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		return fmt.Errorf("broadcast to %s: %w", stream, err)
	}
	return nil
}

// Subscribe streams events addressed to an agent. Cancel the context to stop.
func (b *RedisBus) Subscribe(ctx context.Context, agentID string) <-chan *Event {
	ch := make(chan *Event, 16)
	stream := agentStreamPrefix + agentID

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()

			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev Event
					if json.Unmarshal([]byte(data), &ev) == nil {
						select {
						case ch <- &ev:
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}
	}()

	return ch
}

// GetEvent fetches a previously published event by id.
func (b *RedisBus) GetEvent(ctx context.Context, id string) (*Event, error) {
	data, err := b.rdb.Get(ctx, eventKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal event %s: %w", id, err)
	}
	return &ev, nil
}

// Close shuts down the Redis connection.
func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
