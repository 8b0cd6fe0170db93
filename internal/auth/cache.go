package auth

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/citylord/trajectory-engine/internal/metrics"
)

// RedisClient интерфейс для Redis клиента
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Cache кеширует результаты проверки токенов в Redis
type Cache struct {
	client RedisClient
	ttl    time.Duration
}

// NewCache создает новый экземпляр кеша аутентификации
func NewCache(client RedisClient, ttl time.Duration) *Cache {
	return &Cache{
		client: client,
		ttl:    ttl,
	}
}

// GetUser получает пользователя из кеша по токену, nil если записи нет
func (c *Cache) GetUser(ctx context.Context, token string) (*User, error) {
	data, err := c.client.Get(ctx, c.tokenKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.AuthCacheLookups.WithLabelValues("miss").Inc()
		return nil, nil
	}
	if err != nil {
		metrics.AuthCacheLookups.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to get user from cache: %w", err)
	}

	user, err := UserFromJSON(data)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize user: %w", err)
	}

	metrics.AuthCacheLookups.WithLabelValues("hit").Inc()
	return user, nil
}

// SetUser сохраняет пользователя в кеш
func (c *Cache) SetUser(ctx context.Context, token string, user *User) error {
	data, err := user.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize user: %w", err)
	}

	if err := c.client.Set(ctx, c.tokenKey(token), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set user in cache: %w", err)
	}
	return nil
}

// DeleteUser удаляет токен из кеша
func (c *Cache) DeleteUser(ctx context.Context, token string) error {
	if err := c.client.Del(ctx, c.tokenKey(token)).Err(); err != nil {
		return fmt.Errorf("failed to delete user from cache: %w", err)
	}
	return nil
}

// tokenKey хранит хеш, а не сам токен
func (c *Cache) tokenKey(token string) string {
	hash := sha256.Sum256([]byte(token))
	return fmt.Sprintf("auth:token:%x", hash[:16])
}
