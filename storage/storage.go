// Package storage persists toast preferences per user. Every backend
// implements notify.PreferenceStore.
package storage

import (
	"fmt"

	"github.com/bytedance/sonic"

	"board-sync/internal/consts"
	"board-sync/notify"
)

// ErrNotFound is returned when no preferences were saved for the user. It
// matches notify.ErrNoPreferences so the queue falls back to defaults.
var ErrNotFound = fmt.Errorf("storage: preferences not found: %w", notify.ErrNoPreferences)

var (
	_ notify.PreferenceStore = (*SQLitePreferences)(nil)
	_ notify.PreferenceStore = (*RedisPreferences)(nil)
	_ notify.PreferenceStore = (*TablePreferences)(nil)
)

func preferencesKey(userID string) string {
	return consts.PreferencesKeyPrefix + userID
}

func encode(p notify.Preferences) (string, error) {
	return sonic.MarshalString(p)
}

func decode(raw string) (notify.Preferences, error) {
	var p notify.Preferences
	if err := sonic.UnmarshalString(raw, &p); err != nil {
		return notify.Preferences{}, fmt.Errorf("decode preferences: %w", err)
	}
	return p, nil
}
