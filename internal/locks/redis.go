package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sitedoc/sitedoc/internal/common/logger"
)

// RedisService implements Service on Redis using SET NX with expiry.
type RedisService struct {
	client *redis.Client
	logger *logger.Logger
}

// NewRedisService connects to the Redis lock store at the given URL.
func NewRedisService(url string, log *logger.Logger) (*RedisService, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	return &RedisService{
		client: client,
		logger: log.WithFields(zap.String("component", "locks")),
	}, nil
}

// NewRedisServiceWithClient wraps an existing Redis client. Used in tests.
func NewRedisServiceWithClient(client *redis.Client, log *logger.Logger) *RedisService {
	return &RedisService{
		client: client,
		logger: log.WithFields(zap.String("component", "locks")),
	}
}

// TryAcquire takes the lock via SET NX with the given TTL.
// When Redis is unreachable the lock is granted anyway: availability is
// preferred over strict mutual exclusion here, with the runner's column
// pre-flight check acting as backstop.
func (s *RedisService) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		s.logger.Warn("Lock store unreachable, proceeding without lock",
			zap.String("key", key),
			zap.Error(err))
		return true, nil
	}
	return ok, nil
}

// Release drops the lock.
func (s *RedisService) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.logger.Warn("Failed to release lock",
			zap.String("key", key),
			zap.Error(err))
		return err
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisService) Close() error {
	return s.client.Close()
}
