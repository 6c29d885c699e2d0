package repositories

import (
	"context"
	"fmt"

	"meshcall/internal/core/ports"
	"meshcall/internal/infrastructure/repositories/memory"
	redisrepo "meshcall/internal/infrastructure/repositories/redis"
	sqlrepo "meshcall/internal/infrastructure/repositories/sql"
	"meshcall/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RepositoryFactory creates repositories, falling back to memory when a
// configured backend is unreachable.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	keyPrefix   string
	db          *gorm.DB
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	factory := &RepositoryFactory{
		useRedis:  cfg.Redis.Enabled,
		keyPrefix: cfg.Redis.KeyPrefix,
		logger:    logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			cfg.Redis.KeyPrefix,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory room store",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis room store")
		}
	}

	if cfg.Database.Enabled {
		db, err := sqlrepo.Open(cfg.Database.DSN)
		if err != nil {
			factory.Close()
			return nil, fmt.Errorf("open meeting database: %w", err)
		}
		factory.db = db
		logger.Infow("using SQLite meeting store", "dsn", cfg.Database.DSN)
	}

	return factory, nil
}

func (f *RepositoryFactory) CreateRoomRepository() ports.RoomRepository {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisRoomRepository(f.redisClient, f.keyPrefix)
	}
	return memory.NewMemoryRoomRepository()
}

func (f *RepositoryFactory) CreateMeetingRepository() ports.MeetingRepository {
	if f.db != nil {
		return sqlrepo.NewMeetingRepository(f.db)
	}
	return memory.NewMemoryMeetingRepository()
}

// RedisClient returns the shared client, or nil when Redis is not in use.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if f.useRedis {
		return f.redisClient
	}
	return nil
}

func (f *RepositoryFactory) Close() error {
	var firstErr error
	if f.redisClient != nil {
		if err := redisrepo.CloseRedisClient(f.redisClient); err != nil {
			firstErr = err
		}
		f.redisClient = nil
	}
	if f.db != nil {
		if err := sqlrepo.Close(f.db); err != nil && firstErr == nil {
			firstErr = err
		}
		f.db = nil
	}
	return firstErr
}

// HealthCheck pings every backend in use.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		if err := f.redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if f.db != nil {
		if err := sqlrepo.Ping(ctx, f.db); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	return nil
}
