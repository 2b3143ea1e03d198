package persistence

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/reelflow/pkg/api"
)

// RedisStore is a Store and ApprovalStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>inst:<id>             => gob-encoded api.Instance
//	<prefix>hist:<id>             => LIST of gob-encoded api.HistoryEvent
//	<prefix>idx:all               => SET of all instance IDs
//	<prefix>idx:name:<name>       => SET of instance IDs for a given orchestrator
//	<prefix>idx:status:<status>   => SET of instance IDs for a given status
//	<prefix>approval:<code>       => orchestration ID
//
// Commits run as WATCH/MULTI transactions on the instance key, so a
// concurrent writer makes the transaction fail instead of interleaving.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Backend = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "reelflow:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "reelflow:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) keyInstance(id string) string {
	return s.prefix + "inst:" + id
}

func (s *RedisStore) keyHistory(id string) string {
	return s.prefix + "hist:" + id
}

func (s *RedisStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisStore) keyName(name string) string {
	return s.prefix + "idx:name:" + name
}

func (s *RedisStore) keyStatus(status api.Status) string {
	return s.prefix + "idx:status:" + string(status)
}

func (s *RedisStore) keyApproval(code string) string {
	return s.prefix + "approval:" + code
}

func encodeEvents(events []api.HistoryEvent) ([]any, error) {
	out := make([]any, len(events))
	for i := range events {
		data, err := encodeRecord(&events[i])
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

func (s *RedisStore) CreateInstance(ctx context.Context, inst *api.Instance, events []api.HistoryEvent) error {
	inst.HistoryLen = len(events)
	data, err := encodeRecord(inst)
	if err != nil {
		return err
	}
	values, err := encodeEvents(indexEvents(events, 0))
	if err != nil {
		return err
	}

	key := s.keyInstance(inst.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrInstanceExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.Del(ctx, s.keyHistory(inst.ID))
			if len(values) > 0 {
				pipe.RPush(ctx, s.keyHistory(inst.ID), values...)
			}
			s.index(ctx, pipe, inst, "")
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrInstanceExists
	}
	return err
}

func (s *RedisStore) Commit(ctx context.Context, inst *api.Instance, expect Version, events []api.HistoryEvent) error {
	base, length := nextLength(inst, expect, len(events))
	values, err := encodeEvents(indexEvents(events, base))
	if err != nil {
		return err
	}

	next := inst.Clone()
	next.HistoryLen = length
	data, err := encodeRecord(next)
	if err != nil {
		return err
	}

	key := s.keyInstance(inst.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrInstanceNotFound
		}
		if err != nil {
			return err
		}
		cur, err := decodeRecord[api.Instance](raw)
		if err != nil {
			return err
		}
		if VersionOf(&cur) != expect {
			return ErrHistoryConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if base == 0 {
				pipe.Del(ctx, s.keyHistory(inst.ID))
			}
			if len(values) > 0 {
				pipe.RPush(ctx, s.keyHistory(inst.ID), values...)
			}
			s.index(ctx, pipe, next, cur.Status)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrHistoryConflict
	}
	if err != nil {
		return err
	}
	inst.HistoryLen = length
	return nil
}

// index keeps the lookup sets in step with the instance record.
func (s *RedisStore) index(ctx context.Context, pipe redis.Pipeliner, inst *api.Instance, previous api.Status) {
	if previous != "" && previous != inst.Status {
		pipe.SRem(ctx, s.keyStatus(previous), inst.ID)
	}
	pipe.SAdd(ctx, s.keyAll(), inst.ID)
	pipe.SAdd(ctx, s.keyName(inst.Name), inst.ID)
	pipe.SAdd(ctx, s.keyStatus(inst.Status), inst.ID)
}

func (s *RedisStore) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	data, err := s.client.Get(ctx, s.keyInstance(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	inst, err := decodeRecord[api.Instance](data)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *RedisStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.Instance, error) {
	var ids []string
	var err error

	switch {
	case filter.Name != "" && filter.Status != "":
		ids, err = s.client.SInter(ctx,
			s.keyName(filter.Name),
			s.keyStatus(filter.Status),
		).Result()
	case filter.Name != "":
		ids, err = s.client.SMembers(ctx, s.keyName(filter.Name)).Result()
	case filter.Status != "":
		ids, err = s.client.SMembers(ctx, s.keyStatus(filter.Status)).Result()
	default:
		ids, err = s.client.SMembers(ctx, s.keyAll()).Result()
	}

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*api.Instance{}, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return []*api.Instance{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyInstance(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var instances []*api.Instance
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		inst, err := decodeRecord[api.Instance](data)
		if err != nil {
			return nil, err
		}
		// The status index can lag behind a record by one commit.
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		instances = append(instances, &inst)
	}
	sortInstances(instances)
	return instances, nil
}

func (s *RedisStore) History(ctx context.Context, id string) ([]api.HistoryEvent, error) {
	if _, err := s.GetInstance(ctx, id); err != nil {
		return nil, err
	}
	raw, err := s.client.LRange(ctx, s.keyHistory(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]api.HistoryEvent, 0, len(raw))
	for _, r := range raw {
		ev, err := decodeRecord[api.HistoryEvent]([]byte(r))
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *RedisStore) SaveApproval(ctx context.Context, rec api.ApprovalRecord) error {
	return s.client.Set(ctx, s.keyApproval(rec.Code), rec.OrchestrationID, 0).Err()
}

func (s *RedisStore) GetApproval(ctx context.Context, code string) (api.ApprovalRecord, error) {
	id, err := s.client.Get(ctx, s.keyApproval(code)).Result()
	if errors.Is(err, redis.Nil) {
		return api.ApprovalRecord{}, ErrApprovalNotFound
	}
	if err != nil {
		return api.ApprovalRecord{}, err
	}
	return api.ApprovalRecord{Code: code, OrchestrationID: id}, nil
}
