package storage

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"board-sync/internal/consts"
	"board-sync/notify"
)

// RedisPreferences keeps preferences under board:prefs:{user}.
type RedisPreferences struct {
	rdb    *redis.Client
	userID string
}

func NewRedisPreferences(rdb *redis.Client, userID string) *RedisPreferences {
	return &RedisPreferences{rdb: rdb, userID: userID}
}

func (r *RedisPreferences) key() string {
	return consts.KeyPrefix + ":" + preferencesKey(r.userID)
}

func (r *RedisPreferences) LoadPreferences(ctx context.Context) (notify.Preferences, error) {
	raw, err := r.rdb.Get(ctx, r.key()).Result()
	if errors.Is(err, redis.Nil) {
		return notify.Preferences{}, ErrNotFound
	}
	if err != nil {
		return notify.Preferences{}, err
	}
	return decode(raw)
}

func (r *RedisPreferences) SavePreferences(ctx context.Context, p notify.Preferences) error {
	raw, err := encode(p)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.key(), raw, 0).Err()
}
