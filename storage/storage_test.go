package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"board-sync/notify"
)

var custom = notify.Preferences{SoundEnabled: false, DesktopNotifications: true, MaxToasts: 3, Position: notify.BottomLeft}

func roundTrip(t *testing.T, store notify.PreferenceStore) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.LoadPreferences(ctx); !errors.Is(err, ErrNotFound) || !errors.Is(err, notify.ErrNoPreferences) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.SavePreferences(ctx, notify.DefaultPreferences()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SavePreferences(ctx, custom); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := store.LoadPreferences(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != custom {
		t.Fatalf("expected %+v, got %+v", custom, got)
	}
}

func TestSQLitePreferences(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "prefs.sqlite")
	s, err := OpenSQLite(context.Background(), path, "alice")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	roundTrip(t, s)

	other, err := OpenSQLite(context.Background(), path, "bob")
	if err != nil {
		t.Fatalf("open second user: %v", err)
	}
	defer other.Close()
	if _, err := other.LoadPreferences(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("preferences leaked across users: %v", err)
	}
}

func TestRedisPreferences(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer m.Close()
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rdb.Close()

	roundTrip(t, NewRedisPreferences(rdb, "alice"))
	if !m.Exists("board:prefs:alice") {
		t.Fatalf("expected key board:prefs:alice, have %v", m.Keys())
	}
}

func TestRedisPreferencesRejectsCorruptData(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer m.Close()
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rdb.Close()
	if err := m.Set("board:prefs:alice", "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := NewRedisPreferences(rdb, "alice").LoadPreferences(context.Background()); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestTableEntityMapsPreferences(t *testing.T) {
	ent := toEntity("alice", custom)
	if ent.PartitionKey != "alice" || ent.RowKey != "toast-preferences" {
		t.Fatalf("unexpected keys %+v", ent)
	}
	raw, err := sonic.Marshal(ent)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back preferencesEntity
	if err := sonic.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := back.preferences(); got != custom {
		t.Fatalf("expected %+v, got %+v", custom, got)
	}
}

func TestNewTablePreferencesRejectsBadConnectionString(t *testing.T) {
	if _, err := NewTablePreferences("not a connection string", "settings", "alice"); err == nil {
		t.Fatal("expected error")
	}
}

func TestQueueFallsBackToDefaultsWhenNothingSaved(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "prefs.sqlite"), "alice")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	q := notify.NewQueue(context.Background(), s)
	if got := q.Preferences(); got != notify.DefaultPreferences() {
		t.Fatalf("expected defaults, got %+v", got)
	}
	if err := q.SetPosition(context.Background(), notify.BottomCenter); err != nil {
		t.Fatalf("set position: %v", err)
	}
	again := notify.NewQueue(context.Background(), s)
	if got := again.Preferences().Position; got != notify.BottomCenter {
		t.Fatalf("expected persisted position, got %s", got)
	}
}
