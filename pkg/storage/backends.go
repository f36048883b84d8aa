package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/angelmondragon/packfinderz-client/pkg/config"
	"github.com/angelmondragon/packfinderz-client/pkg/db"
	"github.com/angelmondragon/packfinderz-client/pkg/logger"
	redisclient "github.com/angelmondragon/packfinderz-client/pkg/redis"
)

type sqlKV interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// SQL adapts the GORM key/value table to Store.
type SQL struct {
	kv sqlKV
}

func NewSQL(kv sqlKV) *SQL {
	return &SQL{kv: kv}
}

func (s *SQL) Get(ctx context.Context, key string) (string, error) {
	value, err := s.kv.Get(ctx, key)
	if errors.Is(err, db.ErrNotFound) {
		return "", ErrNotFound
	}
	return value, err
}

func (s *SQL) Set(ctx context.Context, key, value string) error {
	return s.kv.Put(ctx, key, value)
}

func (s *SQL) Remove(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, key)
}

type redisKV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, keys ...string) error
}

// Redis adapts the namespaced redis client to Store.
type Redis struct {
	kv redisKV
}

func NewRedis(kv redisKV) *Redis {
	return &Redis{kv: kv}
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	value, err := r.kv.Get(ctx, key)
	if errors.Is(err, redisclient.ErrNil) {
		return "", ErrNotFound
	}
	return value, err
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	return r.kv.Set(ctx, key, value)
}

func (r *Redis) Remove(ctx context.Context, key string) error {
	return r.kv.Del(ctx, key)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open builds the backend selected by cfg.Storage.Driver. The returned closer
// releases the backend connection.
func Open(ctx context.Context, cfg *config.Config, logg *logger.Logger) (Store, io.Closer, error) {
	switch cfg.Storage.Driver {
	case config.StorageDriverMemory:
		return NewMemory(), nopCloser{}, nil
	case config.StorageDriverSQL:
		client, err := db.New(ctx, cfg.DB, logg)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap sql storage: %w", err)
		}
		return NewSQL(client), client, nil
	case config.StorageDriverRedis:
		client, err := redisclient.New(ctx, cfg.Redis, logg)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap redis storage: %w", err)
		}
		return NewRedis(client), client, nil
	}
	return nil, nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
}
