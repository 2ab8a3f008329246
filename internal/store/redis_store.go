package store

import (
	"context"
	"errors"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/loomworks/loom/pkg/api"
)

// RedisStore is a TemplateStore + InstanceStore backed by Redis.
// Key structure:
//
//	<prefix>tpl:<id>:<version> => gob-encoded template
//	<prefix>tpl:latest         => HASH template id -> latest version
//	<prefix>inst:<id>          => gob-encoded instance
//	<prefix>inst:ids           => SET of instance IDs
//
// Version immutability is enforced with SETNX on the template key.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var (
	_ TemplateStore = (*RedisStore)(nil)
	_ InstanceStore = (*RedisStore)(nil)
)

// NewRedisStore creates a RedisStore. prefix is optional but
// recommended (e.g. "loom:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "loom:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) keyTemplate(id string, version int) string {
	return s.prefix + "tpl:" + id + ":" + strconv.Itoa(version)
}
func (s *RedisStore) keyLatest() string            { return s.prefix + "tpl:latest" }
func (s *RedisStore) keyInstance(id string) string { return s.prefix + "inst:" + id }
func (s *RedisStore) keyInstanceIDs() string       { return s.prefix + "inst:ids" }

// latestVersionLua bumps the latest-version hash field, never lowering it.
const latestVersionLua = `
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if not cur or tonumber(cur) < tonumber(ARGV[2]) then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
end
return 1
`

func (s *RedisStore) SaveTemplate(ctx context.Context, tpl *api.WorkflowTemplate) error {
	data, err := EncodeAs(*tpl)
	if err != nil {
		return err
	}

	set, err := s.client.SetNX(ctx, s.keyTemplate(tpl.ID, tpl.Version), data, 0).Result()
	if err != nil {
		return err
	}
	if !set {
		return ErrVersionExists
	}
	return s.client.Eval(ctx, latestVersionLua,
		[]string{s.keyLatest()}, tpl.ID, tpl.Version).Err()
}

func (s *RedisStore) GetTemplate(ctx context.Context, id string, version int) (*api.WorkflowTemplate, error) {
	if version <= 0 {
		latest, err := s.LatestVersion(ctx, id)
		if err != nil {
			return nil, err
		}
		if latest == 0 {
			return nil, ErrTemplateNotFound
		}
		version = latest
	}

	data, err := s.client.Get(ctx, s.keyTemplate(id, version)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTemplateNotFound
		}
		return nil, err
	}
	tpl, err := DecodeAs[api.WorkflowTemplate](data)
	if err != nil {
		return nil, err
	}
	return &tpl, nil
}

func (s *RedisStore) LatestVersion(ctx context.Context, id string) (int, error) {
	val, err := s.client.HGet(ctx, s.keyLatest(), id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return strconv.Atoi(val)
}

func (s *RedisStore) ListTemplates(ctx context.Context, f api.TemplateFilter) ([]*api.WorkflowTemplate, error) {
	latest, err := s.client.HGetAll(ctx, s.keyLatest()).Result()
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*api.WorkflowTemplate
	for _, id := range ids {
		version, err := strconv.Atoi(latest[id])
		if err != nil {
			continue
		}
		tpl, err := s.GetTemplate(ctx, id, version)
		if err != nil {
			if errors.Is(err, ErrTemplateNotFound) {
				continue
			}
			return nil, err
		}
		if matchTemplate(tpl, f) {
			out = append(out, tpl)
		}
	}
	return out, nil
}

func (s *RedisStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	data, err := EncodeAs(*inst)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.keyInstance(inst.ID), data, 0).Err(); err != nil {
		return err
	}
	return s.client.SAdd(ctx, s.keyInstanceIDs(), inst.ID).Err()
}

func (s *RedisStore) UpdateInstanceStatus(ctx context.Context, id string, status api.InstanceStatus) error {
	inst, err := s.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	inst.Status = status

	data, err := EncodeAs(*inst)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.keyInstance(id), data, 0).Err()
}

func (s *RedisStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	data, err := s.client.Get(ctx, s.keyInstance(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	inst, err := DecodeAs[api.WorkflowInstance](data)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *RedisStore) ListInstances(ctx context.Context, f api.InstanceFilter) ([]*api.WorkflowInstance, error) {
	ids, err := s.client.SMembers(ctx, s.keyInstanceIDs()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	var out []*api.WorkflowInstance
	for _, id := range ids {
		inst, err := s.GetInstance(ctx, id)
		if err != nil {
			if errors.Is(err, ErrInstanceNotFound) {
				continue
			}
			return nil, err
		}
		if matchInstance(inst, f) {
			out = append(out, inst)
		}
	}
	return out, nil
}
