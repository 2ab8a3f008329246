package ledger

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/api"
)

// RedisLedger persists transitions in Redis. Key structure:
//
//	<prefix>tr:<executionID>   => LIST of gob-encoded transitions
//	<prefix>idx:active         => SET of non-terminal execution IDs
//	<prefix>lease:<executionID> => lease owner (with TTL)
//
// RPUSH returns the new list length, which doubles as the assigned
// per-execution sequence number; Redis serializes the push, so two
// contending writers cannot claim the same position.
type RedisLedger struct {
	client *redis.Client
	prefix string
}

var _ Ledger = (*RedisLedger)(nil)

// NewRedisLedger creates a RedisLedger. prefix is optional but
// recommended (e.g. "loom:").
func NewRedisLedger(client *redis.Client, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = "loom:"
	}
	return &RedisLedger{client: client, prefix: prefix}
}

func (l *RedisLedger) keyHistory(id string) string { return l.prefix + "tr:" + id }
func (l *RedisLedger) keyActive() string           { return l.prefix + "idx:active" }
func (l *RedisLedger) keyLease(id string) string   { return l.prefix + "lease:" + id }

// redisTransition is the stored form; Output is pre-encoded so the outer
// gob stream never carries unregistered interface values.
type redisTransition struct {
	ExecutionID     string
	Seq             int
	At              time.Time
	Type            string
	InstanceID      string
	TemplateID      string
	TemplateVersion int
	StepID          string
	Attempt         int
	Output          []byte
	Detail          string
}

func encodeTransition(t *api.Transition) ([]byte, error) {
	output, err := store.EncodeAny(t.Output)
	if err != nil {
		return nil, err
	}
	payload := redisTransition{
		ExecutionID:     t.ExecutionID,
		Seq:             t.Seq,
		At:              t.At,
		Type:            string(t.Type),
		InstanceID:      t.InstanceID,
		TemplateID:      t.TemplateID,
		TemplateVersion: t.TemplateVersion,
		StepID:          t.StepID,
		Attempt:         t.Attempt,
		Output:          output,
		Detail:          t.Detail,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeTransition(data []byte) (api.Transition, error) {
	var payload redisTransition
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&payload); err != nil {
		return api.Transition{}, err
	}
	output, err := store.DecodeAny(payload.Output)
	if err != nil {
		return api.Transition{}, err
	}
	return api.Transition{
		ExecutionID:     payload.ExecutionID,
		Seq:             payload.Seq,
		At:              payload.At,
		Type:            api.TransitionType(payload.Type),
		InstanceID:      payload.InstanceID,
		TemplateID:      payload.TemplateID,
		TemplateVersion: payload.TemplateVersion,
		StepID:          payload.StepID,
		Attempt:         payload.Attempt,
		Output:          output,
		Detail:          payload.Detail,
	}, nil
}

func (l *RedisLedger) Append(ctx context.Context, t *api.Transition) (int, error) {
	if t.ExecutionID == "" {
		return 0, errors.New("transition has no execution ID")
	}
	if t.At.IsZero() {
		t.At = time.Now()
	}

	data, err := encodeTransition(t)
	if err != nil {
		return 0, err
	}

	length, err := l.client.RPush(ctx, l.keyHistory(t.ExecutionID), data).Result()
	if err != nil {
		return 0, err
	}
	t.Seq = int(length)

	if t.Type.Terminal() {
		err = l.client.SRem(ctx, l.keyActive(), t.ExecutionID).Err()
	} else {
		err = l.client.SAdd(ctx, l.keyActive(), t.ExecutionID).Err()
	}
	if err != nil {
		return 0, err
	}
	return t.Seq, nil
}

func (l *RedisLedger) History(ctx context.Context, executionID string) ([]api.Transition, error) {
	items, err := l.client.LRange(ctx, l.keyHistory(executionID), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]api.Transition, 0, len(items))
	for i, item := range items {
		t, err := decodeTransition([]byte(item))
		if err != nil {
			return nil, err
		}
		// Stored Seq is authoritative, but guard against older records.
		if t.Seq == 0 {
			t.Seq = i + 1
		}
		out = append(out, t)
	}
	return out, nil
}

func (l *RedisLedger) ListActive(ctx context.Context) ([]string, error) {
	ids, err := l.client.SMembers(ctx, l.keyActive()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return ids, nil
}

// Lua scripts for lease handling; each runs atomically in Redis.
const (
	redisLeaseAcquireLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if not cur then
	redis.call('PSETEX', key, ttlms, owner)
	return 1
end
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`

	redisLeaseRenewLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`

	redisLeaseReleaseLua = `
local key = KEYS[1]
local owner = ARGV[1]

local cur = redis.call('GET', key)
if cur == owner then
	redis.call('DEL', key)
	return 1
end
return 0
`
)

func (l *RedisLedger) TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	res, err := l.client.Eval(ctx, redisLeaseAcquireLua,
		[]string{l.keyLease(executionID)}, owner, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (l *RedisLedger) RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error {
	res, err := l.client.Eval(ctx, redisLeaseRenewLua,
		[]string{l.keyLease(executionID)}, owner, ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if n, _ := res.(int64); n != 1 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (l *RedisLedger) ReleaseLease(ctx context.Context, executionID, owner string) error {
	return l.client.Eval(ctx, redisLeaseReleaseLua,
		[]string{l.keyLease(executionID)}, owner).Err()
}
