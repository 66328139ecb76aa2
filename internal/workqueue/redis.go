package workqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/finscan/internal/model"
)

// DefaultRedisKey is the list key used when none is configured.
const DefaultRedisKey = "finscan:tasks"

// Redis is a Queue backed by a Redis list. Wake pushes a token onto a
// sibling list that BLPOP watches after the task list. Payloads that fail
// to decode are moved to a dead-letter list.
type Redis struct {
	rdb     redis.Cmdable
	key     string
	wakeKey string
	deadKey string
}

// RedisConfig configures the Redis client used by the queue.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	Key      string `yaml:"key" mapstructure:"key"`
}

// NewRedisClient connects and pings a Redis server.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "workqueue: redis ping")
	}
	return client, nil
}

// NewRedis creates a Redis queue on key.
func NewRedis(rdb redis.Cmdable, key string) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{rdb: rdb, key: key, wakeKey: key + ":wake", deadKey: key + ":dead"}
}

func (q *Redis) Push(ctx context.Context, task model.Task) error {
	b, err := json.Marshal(task)
	if err != nil {
		return eris.Wrap(err, "workqueue: marshal task")
	}
	return eris.Wrap(q.rdb.RPush(ctx, q.key, b).Err(), "workqueue: rpush")
}

func (q *Redis) Pop(ctx context.Context, wait time.Duration) (model.Task, bool, error) {
	res, err := q.rdb.BLPop(ctx, wait, q.key, q.wakeKey).Result()
	if errors.Is(err, redis.Nil) {
		return model.Task{}, false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return model.Task{}, false, ctx.Err()
		}
		return model.Task{}, false, eris.Wrap(err, "workqueue: blpop")
	}
	if len(res) != 2 || res[0] != q.key {
		return model.Task{}, false, nil
	}

	var task model.Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		zap.L().Warn("workqueue: undecodable task moved to dead-letter list",
			zap.String("dead_key", q.deadKey),
			zap.String("payload", res[1]),
			zap.Error(err),
		)
		if perr := q.rdb.RPush(ctx, q.deadKey, res[1]).Err(); perr != nil {
			return model.Task{}, false, eris.Wrap(perr, "workqueue: dead-letter task")
		}
		return model.Task{}, false, nil
	}
	return task, true, nil
}

func (q *Redis) Len(ctx context.Context) (int, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	return int(n), eris.Wrap(err, "workqueue: llen")
}

func (q *Redis) Drain(ctx context.Context) ([]model.Task, error) {
	pipe := q.rdb.TxPipeline()
	lr := pipe.LRange(ctx, q.key, 0, -1)
	pipe.Del(ctx, q.key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, eris.Wrap(err, "workqueue: drain")
	}

	raw := lr.Val()
	tasks := make([]model.Task, 0, len(raw))
	for _, r := range raw {
		var task model.Task
		if err := json.Unmarshal([]byte(r), &task); err != nil {
			return tasks, eris.Wrap(err, "workqueue: unmarshal drained task")
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Wake leaves at most one pending token so repeated wakes do not pile up.
func (q *Redis) Wake(ctx context.Context) error {
	pipe := q.rdb.TxPipeline()
	pipe.Del(ctx, q.wakeKey)
	pipe.RPush(ctx, q.wakeKey, "1")
	_, err := pipe.Exec(ctx)
	return eris.Wrap(err, "workqueue: wake")
}
