package spider

import (
	"context"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Task is a work source feeding seed values to a running crawl. Get returns
// up to n values; an empty slice means the source is currently drained. Put
// returns values that could not be processed, typically on interrupt.
type Task interface {
	Get(ctx context.Context, n int) ([]string, error)
	Put(ctx context.Context, values []string) error
	// Persistent sources are polled forever; a drained non-persistent
	// source lets the spider finish.
	Persistent() bool
	Close() error
}

// MemoryTask serves a fixed in-process list of seed values.
type MemoryTask struct {
	values []string
}

// NewMemoryTask wraps seed values in a Task.
func NewMemoryTask(values []string) *MemoryTask {
	return &MemoryTask{values: append([]string(nil), values...)}
}

func (t *MemoryTask) Get(_ context.Context, n int) ([]string, error) {
	if n > len(t.values) {
		n = len(t.values)
	}
	out := t.values[:n]
	t.values = t.values[n:]
	return out, nil
}

func (t *MemoryTask) Put(_ context.Context, values []string) error {
	t.values = append(values, t.values...)
	return nil
}

func (t *MemoryTask) Persistent() bool { return false }

func (t *MemoryTask) Close() error { return nil }

// RedisTask pulls seed values from a Redis list or set so multiple crawl
// processes can share one frontier. Interrupted work goes back with Put.
type RedisTask struct {
	client  *redis.Client
	key     string
	isSet   bool
	persist bool
	logger  *slog.Logger
}

// NewRedisTask connects to Redis and serves values from key. keyType is
// "list" (LPOP/RPUSH) or "set" (SPOP/SADD).
func NewRedisTask(cfg RedisSettings, logger *slog.Logger) (*RedisTask, error) {
	if cfg.Key == "" {
		return nil, errors.New("redis task: key is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisTask{
		client:  client,
		key:     cfg.Key,
		isSet:   cfg.KeyType == "set",
		persist: cfg.Persist,
		logger:  logger.With("component", "redis_task"),
	}, nil
}

func (t *RedisTask) Persistent() bool { return t.persist }

func (t *RedisTask) Get(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	var values []string
	var err error
	if t.isSet {
		values, err = t.client.SPopN(ctx, t.key, int64(n)).Result()
	} else {
		values, err = t.client.LPopCount(ctx, t.key, n).Result()
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return values, nil
}

func (t *RedisTask) Put(ctx context.Context, values []string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	var err error
	if t.isSet {
		err = t.client.SAdd(ctx, t.key, args...).Err()
	} else {
		err = t.client.RPush(ctx, t.key, args...).Err()
	}
	if err != nil {
		t.logger.Error("putting values back failed", "key", t.key, "count", len(values), "error", err)
	}
	return err
}

func (t *RedisTask) Close() error {
	return t.client.Close()
}
