package cache

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisProvider implements SessionCache using Redis.
type RedisProvider struct {
	client    *redis.Client
	available bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Host      string
	Port      string
	Password  string
	DB        int
	PoolSize  int
	EnableTLS bool // for cloud providers
}

// NewRedisProvider creates a new Redis cache provider. A failed initial
// ping does not return an error — the provider starts unavailable and
// ProtocolStore falls through to the durable store instead.
func NewRedisProvider(cfg *RedisConfig) (*RedisProvider, error) {
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10
	}

	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
	if cfg.EnableTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return &RedisProvider{client: client, available: false}, nil
	}
	return &RedisProvider{client: client, available: true}, nil
}

func (r *RedisProvider) Get(ctx context.Context, key string) ([]byte, error) {
	if !r.available {
		return nil, ErrCacheUnavailable
	}
	val, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, &CacheError{Code: "GET_ERROR", Message: "failed to get key", Err: err}
	}
	return val, nil
}

func (r *RedisProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !r.available {
		return ErrCacheUnavailable
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return &CacheError{Code: "SET_ERROR", Message: "failed to set key", Err: err}
	}
	return nil
}

func (r *RedisProvider) Delete(ctx context.Context, key string) error {
	if !r.available {
		return ErrCacheUnavailable
	}
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return &CacheError{Code: "DELETE_ERROR", Message: "failed to delete key", Err: err}
	}
	return nil
}

func (r *RedisProvider) Exists(ctx context.Context, key string) (bool, error) {
	if !r.available {
		return false, ErrCacheUnavailable
	}
	count, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, &CacheError{Code: "EXISTS_ERROR", Message: "failed to check key existence", Err: err}
	}
	return count > 0, nil
}

func (r *RedisProvider) Ping(ctx context.Context) error {
	if !r.available {
		return ErrCacheUnavailable
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		r.available = false
		return &CacheError{Code: "PING_ERROR", Message: "failed to ping Redis", Err: err}
	}
	return nil
}

func (r *RedisProvider) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *RedisProvider) IsAvailable() bool {
	return r.available
}
