package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisRoomRepository stores each room as a JSON document plus a set of ids.
type RedisRoomRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisRoomRepository(client *redis.Client, prefix string) ports.RoomRepository {
	return &RedisRoomRepository{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisRoomRepository) roomKey(id domain.RoomID) string {
	return r.prefix + "room:" + string(id)
}

func (r *RedisRoomRepository) indexKey() string {
	return r.prefix + "rooms"
}

func (r *RedisRoomRepository) Get(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	data, err := r.client.Get(ctx, r.roomKey(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrRoomNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room from Redis: %w", err)
	}

	var room domain.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room: %w", err)
	}
	if room.Members == nil {
		room.Members = make(map[domain.SessionID]*domain.Member)
	}
	return &room, nil
}

func (r *RedisRoomRepository) Save(ctx context.Context, room *domain.Room) error {
	if room == nil || room.ID == "" {
		return fmt.Errorf("room id is required")
	}

	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.roomKey(room.ID), data, 0)
		pipe.SAdd(ctx, r.indexKey(), string(room.ID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save room in Redis: %w", err)
	}
	return nil
}

func (r *RedisRoomRepository) Delete(ctx context.Context, id domain.RoomID) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.roomKey(id))
		pipe.SRem(ctx, r.indexKey(), string(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete room from Redis: %w", err)
	}
	return nil
}

func (r *RedisRoomRepository) List(ctx context.Context) ([]domain.RoomID, error) {
	members, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms from Redis: %w", err)
	}

	ids := make([]domain.RoomID, 0, len(members))
	for _, m := range members {
		ids = append(ids, domain.RoomID(m))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
