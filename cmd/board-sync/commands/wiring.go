package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"board-sync/auth"
	"board-sync/config"
	"board-sync/notify"
	"board-sync/storage"
)

// identify verifies the configured token locally and returns its user.
func identify(cfg config.Config) (*auth.Verifier, auth.Identity, error) {
	if cfg.Token == "" {
		return nil, auth.Identity{}, errors.New("missing auth token")
	}
	v, err := auth.NewVerifier(cfg.Verifier())
	if err != nil {
		return nil, auth.Identity{}, err
	}
	id, err := v.Verify(auth.Normalize(cfg.Token))
	if err != nil {
		v.Close()
		return nil, auth.Identity{}, err
	}
	return v, id, nil
}

// openStore opens the configured preference backend for userID. rdb is only
// used by the redis backend.
func openStore(ctx context.Context, cfg config.Preferences, rdb *redis.Client, userID string) (notify.PreferenceStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case config.BackendSQLite:
		s, err := storage.OpenSQLite(ctx, cfg.Path, userID)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.BackendRedis:
		if rdb == nil {
			return nil, nil, errors.New("redis preferences need a redis connection")
		}
		return storage.NewRedisPreferences(rdb, userID), noop, nil
	case config.BackendTable:
		s, err := storage.NewTablePreferences(cfg.StorageConnectionString, cfg.SettingsTable, userID)
		if err != nil {
			return nil, nil, err
		}
		if err := s.EnsureTable(ctx); err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	case config.BackendMemory:
		return &notify.MemoryPreferences{}, noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown preferences backend %q", cfg.Backend)
	}
}
