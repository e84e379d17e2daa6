package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Position is the screen corner toasts are stacked in.
type Position string

const (
	TopRight     Position = "top-right"
	TopLeft      Position = "top-left"
	TopCenter    Position = "top-center"
	BottomRight  Position = "bottom-right"
	BottomLeft   Position = "bottom-left"
	BottomCenter Position = "bottom-center"
)

// Valid reports whether p is a known corner.
func (p Position) Valid() bool {
	switch p {
	case TopRight, TopLeft, TopCenter, BottomRight, BottomLeft, BottomCenter:
		return true
	}
	return false
}

// Preferences are the user tunable toast settings.
type Preferences struct {
	SoundEnabled         bool     `json:"soundEnabled" yaml:"soundEnabled"`
	DesktopNotifications bool     `json:"desktopNotifications" yaml:"desktopNotifications"`
	MaxToasts            int      `json:"maxToasts" yaml:"maxToasts"`
	Position             Position `json:"position" yaml:"position"`
}

// DefaultPreferences are used until the user changes something.
func DefaultPreferences() Preferences {
	return Preferences{
		SoundEnabled:         true,
		DesktopNotifications: false,
		MaxToasts:            5,
		Position:             TopRight,
	}
}

// normalize replaces out of range values with defaults.
func (p Preferences) normalize() Preferences {
	def := DefaultPreferences()
	if p.MaxToasts <= 0 {
		p.MaxToasts = def.MaxToasts
	}
	if !p.Position.Valid() {
		p.Position = def.Position
	}
	return p
}

// PreferencesPatch holds a partial preference update.
type PreferencesPatch struct {
	SoundEnabled         *bool     `json:"soundEnabled,omitempty"`
	DesktopNotifications *bool     `json:"desktopNotifications,omitempty"`
	MaxToasts            *int      `json:"maxToasts,omitempty"`
	Position             *Position `json:"position,omitempty"`
}

// ErrInvalidPreferences is returned for out of range patch values.
var ErrInvalidPreferences = errors.New("invalid preferences")

// ErrDesktopNotPermitted is returned when desktop notifications are enabled
// without platform permission.
var ErrDesktopNotPermitted = errors.New("desktop notifications not permitted")

func (pp PreferencesPatch) apply(p Preferences) (Preferences, error) {
	if pp.MaxToasts != nil && *pp.MaxToasts <= 0 {
		return p, fmt.Errorf("%w: maxToasts must be positive, got %d", ErrInvalidPreferences, *pp.MaxToasts)
	}
	if pp.Position != nil && !pp.Position.Valid() {
		return p, fmt.Errorf("%w: unknown position %q", ErrInvalidPreferences, *pp.Position)
	}
	if pp.SoundEnabled != nil {
		p.SoundEnabled = *pp.SoundEnabled
	}
	if pp.DesktopNotifications != nil {
		p.DesktopNotifications = *pp.DesktopNotifications
	}
	if pp.MaxToasts != nil {
		p.MaxToasts = *pp.MaxToasts
	}
	if pp.Position != nil {
		p.Position = *pp.Position
	}
	return p, nil
}

// ErrNoPreferences is returned by stores that hold no saved preferences yet.
var ErrNoPreferences = errors.New("no saved preferences")

// PreferenceStore persists preferences across restarts.
type PreferenceStore interface {
	LoadPreferences(ctx context.Context) (Preferences, error)
	SavePreferences(ctx context.Context, p Preferences) error
}

// MemoryPreferences keeps preferences in process. Used when no durable store
// is configured and in tests.
type MemoryPreferences struct {
	mu    sync.Mutex
	saved *Preferences
	Saves int
}

func (m *MemoryPreferences) LoadPreferences(context.Context) (Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		return Preferences{}, ErrNoPreferences
	}
	return *m.saved, nil
}

func (m *MemoryPreferences) SavePreferences(_ context.Context, p Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = &p
	m.Saves++
	return nil
}
