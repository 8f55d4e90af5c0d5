// Package events publishes session lifecycle events for downstream consumers
// (analytics, classroom dashboards). Publishing is best effort.
package events

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Type string

const (
	SessionCreated   Type = "session_created"
	TurnCompleted    Type = "turn_completed"
	TurnFailed       Type = "turn_failed"
	SessionCompleted Type = "session_completed"
)

type Event struct {
	ID        string
	Type      Type
	SessionID int64
	OwnerID   string
	At        time.Time
	// Detail is free-form context, e.g. the provider status of a failed turn.
	Detail string
}

// Publisher records lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// RedisStream appends events to a capped Redis stream.
type RedisStream struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

type RedisStreamConfig struct {
	Stream string
	MaxLen int64
}

func NewRedisStream(client redis.UniversalClient, cfg RedisStreamConfig) (*RedisStream, error) {
	if client == nil {
		return nil, errors.New("event stream requires a redis client")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "writingbuddy:events"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisStream{client: client, stream: stream, maxLen: maxLen}, nil
}

func (p *RedisStream) Publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	values := map[string]any{
		"event_id":   event.ID,
		"type":       string(event.Type),
		"session_id": strconv.FormatInt(event.SessionID, 10),
		"owner_id":   event.OwnerID,
		"at":         event.At.UTC().Format(time.RFC3339Nano),
	}
	if event.Detail != "" {
		values["detail"] = event.Detail
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: values,
	}).Err()
}
