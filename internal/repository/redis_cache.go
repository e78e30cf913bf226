package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/Sharing-microservice/internal/domain"
	"github.com/Dhoini/Sharing-microservice/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const (
	groupKeyPrefix = "sharing_group:"

	defaultCacheTTL = 15 * time.Minute
)

// GroupViewCache кеширует снимки групп для чтения. Источник истины - Store;
// кеш инвалидируется после каждой зафиксированной транзакции, меняющей группу.
type GroupViewCache interface {
	// Get возвращает nil, nil при промахе
	Get(ctx context.Context, groupID string) (*domain.GroupSnapshot, error)
	Set(ctx context.Context, snap *domain.GroupSnapshot) error
	Invalidate(ctx context.Context, groupID string) error
}

// RedisGroupCache реализует GroupViewCache на Redis
type RedisGroupCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

var _ GroupViewCache = (*RedisGroupCache)(nil)

// NewRedisGroupCache подключается к Redis и проверяет соединение
func NewRedisGroupCache(addr, password string, db int, ttl time.Duration, log *logger.Logger) (*RedisGroupCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Errorw("Failed to connect to Redis", "error", err)
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	log.Infow("Connected to Redis successfully", "addr", addr, "ttl", ttl)
	return &RedisGroupCache{client: client, ttl: ttl, log: log}, nil
}

// Close закрывает соединение с Redis
func (r *RedisGroupCache) Close() error {
	return r.client.Close()
}

func groupKey(groupID string) string {
	return groupKeyPrefix + groupID
}

func (r *RedisGroupCache) Get(ctx context.Context, groupID string) (*domain.GroupSnapshot, error) {
	data, err := r.client.Get(ctx, groupKey(groupID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			r.log.Debugw("Group not found in cache", "groupID", groupID)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get group from cache: %w", err)
	}

	var snap domain.GroupSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached group: %w", err)
	}
	return &snap, nil
}

func (r *RedisGroupCache) Set(ctx context.Context, snap *domain.GroupSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal group snapshot: %w", err)
	}
	if err := r.client.Set(ctx, groupKey(snap.Group.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache group: %w", err)
	}
	r.log.Debugw("Group cached", "groupID", snap.Group.ID)
	return nil
}

func (r *RedisGroupCache) Invalidate(ctx context.Context, groupID string) error {
	if err := r.client.Del(ctx, groupKey(groupID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate group cache: %w", err)
	}
	return nil
}

// NoopGroupCache используется, когда Redis не настроен
type NoopGroupCache struct{}

var _ GroupViewCache = NoopGroupCache{}

func (NoopGroupCache) Get(context.Context, string) (*domain.GroupSnapshot, error) { return nil, nil }
func (NoopGroupCache) Set(context.Context, *domain.GroupSnapshot) error          { return nil }
func (NoopGroupCache) Invalidate(context.Context, string) error                  { return nil }
