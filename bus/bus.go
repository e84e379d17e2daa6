// Package bus carries board events between clients. A Session is one
// authenticated connection that can join rooms, publish events to a room and
// receive the events peers publish.
package bus

import (
	"context"
	"errors"
	"fmt"

	"board-sync/auth"
	"board-sync/domain"
	"board-sync/internal/consts"
)

var (
	// ErrNotConnected is returned when an operation needs a live session.
	ErrNotConnected = errors.New("bus: not connected")
	// ErrSessionClosed is returned by a session after Close or connection loss.
	ErrSessionClosed = errors.New("bus: session closed")
	// ErrHandshake is returned when the session credential is rejected.
	ErrHandshake = errors.New("bus: handshake rejected")
	// ErrConnectionLost is the cause reported by Err when the transport failed.
	ErrConnectionLost = errors.New("bus: connection lost")
)

// Session is a live bus connection.
type Session interface {
	ID() string
	Identity() auth.Identity
	// Join subscribes to room, announces self to its occupants and delivers
	// a project-users snapshot on Events.
	Join(ctx context.Context, room string, self domain.PresenceEntry) error
	Leave(ctx context.Context, room string) error
	// Publish sends an outbound event. The tag peers receive follows Relay.
	Publish(ctx context.Context, room string, typ domain.EventType, payload any) error
	// Events is never closed; stop reading once Done is closed.
	Events() <-chan domain.Envelope
	Done() <-chan struct{}
	// Err reports why the session ended, nil while it is live.
	Err() error
	Close() error
}

// Dialer opens sessions. The token is the handshake credential.
type Dialer interface {
	Dial(ctx context.Context, token string) (Session, error)
}

var relay = map[domain.EventType]domain.EventType{
	domain.JoinRoom:         domain.UserOnline,
	domain.LeaveRoom:        domain.UserOffline,
	domain.TaskMoved:        domain.TaskPositionChanged,
	domain.TaskDeleted:      domain.TaskRemoved,
	domain.StartEditingTask: domain.UserEditing,
	domain.StopEditingTask:  domain.UserStoppedEditing,
	domain.UserTyping:       domain.UserActivity,
}

// Relay returns the tag peers receive for an outbound tag. Tags shared by
// both directions map to themselves.
func Relay(t domain.EventType) domain.EventType {
	if r, ok := relay[t]; ok {
		return r
	}
	return t
}

// Keys names the Redis keys of one bus namespace.
type Keys struct {
	Namespace string
}

func (k Keys) base(room string) string {
	ns := k.Namespace
	if ns == "" {
		ns = "default"
	}
	return fmt.Sprintf("%s:%s:room:%s", consts.KeyPrefix, ns, room)
}

// Channel is the pub/sub channel of a room.
func (k Keys) Channel(room string) string { return k.base(room) + ":events" }

// Presence is the hash of occupants of a room keyed by user id.
func (k Keys) Presence(room string) string { return k.base(room) + ":presence" }

// Seen is the sorted set of occupant heartbeats in unix milliseconds.
func (k Keys) Seen(room string) string { return k.base(room) + ":seen" }
