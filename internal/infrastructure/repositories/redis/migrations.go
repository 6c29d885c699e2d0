package redis

import (
	"context"
	"fmt"
	"time"

	"meshcall/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	currentSchemaVersion = 1
	migrationLockTTL     = 30 * time.Second
)

// Migration represents a key schema migration
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client, prefix string) error
}

func schemaVersionKey(prefix string) string {
	return prefix + "schema:version"
}

// Migrate runs all pending migrations and then drops every stored room.
// Instances sharing a prefix take turns through a lock, so each migration runs
// once.
//
// Rooms are purged on every start because their members are sessions of the
// process that wrote them. Instances that share a prefix must be restarted
// together.
func Migrate(ctx context.Context, client *redis.Client, prefix string, logger *zap.SugaredLogger) error {
	lock := distributed.NewLock(client, prefix+"schema:lock", migrationLockTTL)
	if err := lock.Acquire(ctx, migrationLockTTL); err != nil {
		return fmt.Errorf("failed to take migration lock: %w", err)
	}
	defer lock.Release(context.Background())

	if err := migrate(ctx, client, prefix, logger); err != nil {
		return err
	}

	purged, err := purgeRooms(ctx, client, prefix)
	if err != nil {
		return fmt.Errorf("failed to purge stale rooms: %w", err)
	}
	if purged > 0 && logger != nil {
		logger.Infow("dropped rooms left by a previous process", "rooms", purged)
	}
	return nil
}

func migrate(ctx context.Context, client *redis.Client, prefix string, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client, prefix)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Debugw("redis schema is up to date", "version", currentVersion)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}

		if logger != nil {
			logger.Infow("running redis migration", "version", migration.Version)
		}
		if err := migration.Up(ctx, client, prefix); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, prefix, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client, prefix string) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey(prefix)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, prefix string, version int) error {
	return client.Set(ctx, schemaVersionKey(prefix), version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// Version 1 stored rooms without an index; rebuild it from the room keys.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client, prefix string) error {
				iter := client.Scan(ctx, 0, prefix+"room:*", 100).Iterator()
				for iter.Next(ctx) {
					id := iter.Val()[len(prefix+"room:"):]
					if err := client.SAdd(ctx, prefix+"rooms", id).Err(); err != nil {
						return err
					}
				}
				return iter.Err()
			},
		},
	}
}

// purgeRooms deletes every room key, indexed or not, and the index itself.
func purgeRooms(ctx context.Context, client *redis.Client, prefix string) (int, error) {
	purged := 0
	iter := client.Scan(ctx, 0, prefix+"room:*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := client.Del(ctx, iter.Val()).Result()
		if err != nil {
			return purged, err
		}
		purged += int(n)
	}
	if err := iter.Err(); err != nil {
		return purged, err
	}
	return purged, client.Del(ctx, prefix+"rooms").Err()
}
