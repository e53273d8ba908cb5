package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/omnisearch/omnisearch/abengine/internal/config"
)

// Redis is the durable shared key-value backend. Values survive restarts and
// are visible to every process pointed at the same server.
type Redis struct {
	client    *redis.Client
	prefix    string
	streamTTL time.Duration
}

// NewRedis connects to Redis and verifies the connection
func NewRedis(cfg config.RedisConfig, prefix string, streamTTL time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisFromClient(client, prefix, streamTTL), nil
}

// NewRedisFromClient wraps an existing client
func NewRedisFromClient(client *redis.Client, prefix string, streamTTL time.Duration) *Redis {
	return &Redis{
		client:    client,
		prefix:    prefix,
		streamTTL: streamTTL,
	}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) kvKey(key string) string { return r.prefix + "kv:" + key }

func (r *Redis) streamKey(stream string) string { return r.prefix + "stream:" + stream }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.kvKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

func (r *Redis) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.kvKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) ([]byte, bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	k := r.kvKey(key)

	// SET NX is the single atomic check-and-create; the loop only covers a
	// competing key expiring between SET NX and GET.
	for attempt := 0; attempt < 3; attempt++ {
		created, err := r.client.SetNX(ctx, k, value, ttl).Result()
		if err != nil {
			return nil, false, fmt.Errorf("redis setnx %s: %w", key, err)
		}
		if created {
			return value, true, nil
		}

		existing, err := r.client.Get(ctx, k).Bytes()
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, redis.Nil) {
			return nil, false, fmt.Errorf("redis get %s: %w", key, err)
		}
	}
	return nil, false, fmt.Errorf("redis setnx %s: key kept expiring", key)
}

func (r *Redis) Append(ctx context.Context, stream string, record []byte) (string, error) {
	key := r.streamKey(stream)

	pipe := r.client.TxPipeline()
	length := pipe.RPush(ctx, key, record)
	if r.streamTTL > 0 {
		pipe.Expire(ctx, key, r.streamTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("redis rpush %s: %w", stream, err)
	}

	return strconv.FormatInt(length.Val(), 10), nil
}

func (r *Redis) Query(ctx context.Context, stream string, match func([]byte) bool) ([][]byte, error) {
	vals, err := r.client.LRange(ctx, r.streamKey(stream), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", stream, err)
	}

	match = matchAll(match)
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		rec := []byte(v)
		if match(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// Clear deletes every key under the prefix inside one MULTI/EXEC
func (r *Redis) Clear(ctx context.Context) error {
	var keys []string
	iter := r.client.Scan(ctx, 0, globEscaper.Replace(r.prefix)+"*", 500).Iterator()
	for iter.Next(ctx) {
		if strings.HasPrefix(iter.Val(), r.prefix) {
			keys = append(keys, iter.Val())
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan %s*: %w", r.prefix, err)
	}
	if len(keys) == 0 {
		return nil
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, keys...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
