package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hlameta/hlameta/internal/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultPointerKeyPrefix = "hlameta:pointer:"
	redisFieldTable         = "table"
	redisFieldUpdatedAt     = "updated_at"
	redisScanCount          = 100
)

// RedisPointerStore implements PointerStore for Redis. Each pointer is a hash
// at <prefix><dataset>:<version>.
type RedisPointerStore struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisPointerStore creates a new Redis pointer store
func NewRedisPointerStore(host string, port int, password string, db int, keyPrefix string, logger *zap.Logger) (*RedisPointerStore, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisPointerStoreWithClient(client, keyPrefix, logger), nil
}

// NewRedisPointerStoreWithClient wraps an existing client
func NewRedisPointerStoreWithClient(client redis.UniversalClient, keyPrefix string, logger *zap.Logger) *RedisPointerStore {
	if keyPrefix == "" {
		keyPrefix = defaultPointerKeyPrefix
	}
	return &RedisPointerStore{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger,
	}
}

func (s *RedisPointerStore) key(dataset, version string) string {
	return s.keyPrefix + dataset + ":" + version
}

// GetTableName returns the table published for (dataset, version)
func (s *RedisPointerStore) GetTableName(ctx context.Context, dataset, version string) (string, error) {
	table, err := s.client.HGet(ctx, s.key(dataset, version), redisFieldTable).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get pointer: %w", err)
	}
	return table, nil
}

// SetTableName overwrites the pointer for (dataset, version)
func (s *RedisPointerStore) SetTableName(ctx context.Context, dataset, version, table string) error {
	if strings.Contains(dataset, ":") {
		return fmt.Errorf("dataset %q cannot contain ':'", dataset)
	}
	err := s.client.HSet(ctx, s.key(dataset, version),
		redisFieldTable, table,
		redisFieldUpdatedAt, time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to set pointer: %w", err)
	}
	return nil
}

// ListPointers lists the pointers of a dataset, or all pointers when dataset is empty
func (s *RedisPointerStore) ListPointers(ctx context.Context, dataset string) ([]model.TablePointer, error) {
	match := s.keyPrefix + "*"
	if dataset != "" {
		match = s.keyPrefix + dataset + ":*"
	}

	var pointers []model.TablePointer
	iter := s.client.Scan(ctx, 0, match, redisScanCount).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		rest := strings.TrimPrefix(key, s.keyPrefix)
		i := strings.Index(rest, ":")
		if i < 0 {
			continue
		}

		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read pointer %s: %w", key, err)
		}
		table, ok := fields[redisFieldTable]
		if !ok {
			continue
		}

		p := model.TablePointer{
			DatasetPrefix: rest[:i],
			Version:       rest[i+1:],
			TableName:     table,
		}
		if updated, err := time.Parse(time.RFC3339Nano, fields[redisFieldUpdatedAt]); err == nil {
			p.UpdatedAt = updated
		} else {
			s.logger.Debug("Pointer without a valid timestamp", zap.String("key", key))
		}
		pointers = append(pointers, p)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan pointers: %w", err)
	}

	sortPointers(pointers)
	return pointers, nil
}

// Ping checks the Redis connection
func (s *RedisPointerStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisPointerStore) Close() error {
	return s.client.Close()
}
