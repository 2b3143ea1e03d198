package taskqueue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a delayed task queue on Redis:
//
//	<prefix>queue        => ZSET of task IDs scored by NotBefore (unix ms)
//	<prefix>task:<id>    => gob-encoded Task
//
// Enqueue and Dequeue run as Lua scripts so a task is claimed by exactly one
// consumer.
type RedisQueue struct {
	client *redis.Client
	opts   queueOptions
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

var (
	enqueueScript = redis.NewScript(`
if redis.call('SET', KEYS[2], ARGV[2], 'NX') then
	redis.call('ZADD', KEYS[1], ARGV[1], ARGV[3])
	return 1
end
return 0`)

	dequeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
redis.call('ZREM', KEYS[1], ids[1])
local key = ARGV[2] .. ids[1]
local data = redis.call('GET', key)
redis.call('DEL', key)
return data`)
)

// NewRedisQueue creates a RedisQueue. The key prefix defaults to
// "reelflow:" and can be changed with WithPrefix.
func NewRedisQueue(client *redis.Client, opts ...Option) *RedisQueue {
	o := buildOptions(opts, 50*time.Millisecond)
	if o.prefix == "" {
		o.prefix = "reelflow:"
	}
	return &RedisQueue{client: client, opts: o}
}

func (q *RedisQueue) keyQueue() string {
	return q.opts.prefix + "queue"
}

func (q *RedisQueue) keyTask(id string) string {
	return q.opts.prefix + "task:" + id
}

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	now := q.opts.clock.Now()
	t.EnqueuedAt = now
	if t.NotBefore.IsZero() {
		t.NotBefore = now
	}
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	score := strconv.FormatInt(t.NotBefore.UnixMilli(), 10)
	return enqueueScript.Run(ctx, q.client,
		[]string{q.keyQueue(), q.keyTask(t.ID)},
		score, data, t.ID,
	).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := newStoppedTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := strconv.FormatInt(q.opts.clock.Now().UnixMilli(), 10)
		data, err := dequeueScript.Run(ctx, q.client,
			[]string{q.keyQueue()},
			now, q.opts.prefix+"task:",
		).Text()
		if err == nil {
			return DecodeTask([]byte(data))
		}
		if !errors.Is(err, redis.Nil) {
			return nil, err
		}

		if err := sleep(ctx, tmr, q.opts.pollInterval); err != nil {
			return nil, err
		}
	}
}

func (q *RedisQueue) Cancel(ctx context.Context, id string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.keyQueue(), id)
		pipe.Del(ctx, q.keyTask(id))
		return nil
	})
	return err
}

func (q *RedisQueue) Len() int {
	n, err := q.client.ZCard(context.Background(), q.keyQueue()).Result()
	if err != nil {
		return 0
	}
	return int(n)
}
