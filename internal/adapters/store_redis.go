package adapters

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/Marketen/duties-notifier/internal/application/ports"
)

const redisOpTimeout = 5 * time.Second

// redisStore keeps the service state in Redis under a key prefix, so several
// instances can share one server.
type redisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, addr, password string, db int, prefix string) (ports.PersistentStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "failed to connect to Redis at %s", addr)
	}
	return &redisStore{client: client, prefix: prefix}, nil
}

func (s *redisStore) Get(key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	value, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ports.ErrNotFound
	}
	return value, err
}

func (s *redisStore) Put(key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	return s.client.Set(ctx, s.prefix+key, value, 0).Err()
}

func (s *redisStore) Delete(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	return s.client.Del(ctx, s.prefix+key).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
