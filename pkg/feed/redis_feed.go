package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisFeed publishes events onto a Redis stream via XADD. Consumers
// read with XREAD or consumer groups; the stream is capped so an absent
// consumer cannot grow it without bound.
type RedisFeed struct {
	client *redis.Client
	stream string
	maxLen int64
}

var _ Feed = (*RedisFeed)(nil)

// NewRedisFeed creates a RedisFeed publishing to the given stream key.
// maxLen caps the stream length (approximate trimming); <= 0 means a
// default of 10000 entries.
func NewRedisFeed(client *redis.Client, stream string, maxLen int64) *RedisFeed {
	if stream == "" {
		stream = "loom:feed"
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisFeed{client: client, stream: stream, maxLen: maxLen}
}

func (f *RedisFeed) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return f.client.XAdd(ctx, &redis.XAddArgs{
		Stream: f.stream,
		MaxLen: f.maxLen,
		Approx: true,
		Values: map[string]any{
			"type": string(ev.Type),
			"body": body,
		},
	}).Err()
}
