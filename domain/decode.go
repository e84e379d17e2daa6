package domain

import (
	"errors"
	"fmt"
	"math"

	"github.com/bytedance/sonic"
)

var (
	// ErrInvalidEvent is returned when an envelope payload fails validation.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrUnknownEvent is returned for tags outside the inbound event set.
	ErrUnknownEvent = errors.New("unknown event type")
)

// Event is the closed set of inbound events understood by the reconciler.
type Event interface {
	EventType() EventType
}

type TaskCreatedEvent struct{ Task Task }
type TaskUpdatedEvent struct{ Task Task }
type TaskPositionChangedEvent struct{ PositionPayload }
type TaskRemovedEvent struct{ RemovedPayload }
type ProjectUpdatedEvent struct{ Project Project }
type MemberJoinedEvent struct{ MemberPayload }
type MemberLeftEvent struct{ MemberPayload }
type UserOnlineEvent struct{ User PresenceEntry }
type UserOfflineEvent struct{ User PresenceEntry }
type ProjectUsersEvent struct{ Users []PresenceEntry }
type UserEditingEvent struct{ EditingPayload }
type UserStoppedEditingEvent struct{ EditingPayload }
type UserActivityEvent struct{ ActivityPayload }
type BusErrorEvent struct{ ErrorPayload }

func (TaskCreatedEvent) EventType() EventType         { return TaskCreated }
func (TaskUpdatedEvent) EventType() EventType         { return TaskUpdated }
func (TaskPositionChangedEvent) EventType() EventType { return TaskPositionChanged }
func (TaskRemovedEvent) EventType() EventType         { return TaskRemoved }
func (ProjectUpdatedEvent) EventType() EventType      { return ProjectUpdated }
func (MemberJoinedEvent) EventType() EventType        { return MemberJoined }
func (MemberLeftEvent) EventType() EventType          { return MemberLeft }
func (UserOnlineEvent) EventType() EventType          { return UserOnline }
func (UserOfflineEvent) EventType() EventType         { return UserOffline }
func (ProjectUsersEvent) EventType() EventType        { return ProjectUsers }
func (UserEditingEvent) EventType() EventType         { return UserEditing }
func (UserStoppedEditingEvent) EventType() EventType  { return UserStoppedEditing }
func (UserActivityEvent) EventType() EventType        { return UserActivity }
func (BusErrorEvent) EventType() EventType            { return BusError }

// Inbound is a decoded, validated envelope.
type Inbound struct {
	ID    string
	Room  string
	Actor User
	Time  int64
	Event Event
}

// Decode validates an envelope and converts its payload into a typed event.
func Decode(env Envelope) (Inbound, error) {
	in := Inbound{ID: env.ID, Room: env.Room, Actor: env.Actor, Time: env.Time}
	ev, err := decodeEvent(env)
	if err != nil {
		return Inbound{}, err
	}
	in.Event = ev
	return in, nil
}

func decodeEvent(env Envelope) (Event, error) {
	switch env.Type {
	case TaskCreated, TaskUpdated:
		var p TaskPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		if p.Task.ID == "" {
			return nil, invalid(env.Type, "missing task id")
		}
		if !finite(p.Task.Order) {
			return nil, invalid(env.Type, "order is not a finite number")
		}
		if env.Type == TaskCreated {
			return TaskCreatedEvent{Task: p.Task}, nil
		}
		return TaskUpdatedEvent{Task: p.Task}, nil
	case TaskPositionChanged:
		var p PositionPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		if p.TaskID == "" || p.Column == "" {
			return nil, invalid(env.Type, "missing task id or column")
		}
		if !finite(p.Order) {
			return nil, invalid(env.Type, "order is not a finite number")
		}
		return TaskPositionChangedEvent{p}, nil
	case TaskRemoved:
		var p RemovedPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		if p.TaskID == "" {
			return nil, invalid(env.Type, "missing task id")
		}
		return TaskRemovedEvent{p}, nil
	case ProjectUpdated:
		var p ProjectPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		if p.Project.ID == "" {
			return nil, invalid(env.Type, "missing project id")
		}
		return ProjectUpdatedEvent{Project: p.Project}, nil
	case MemberJoined, MemberLeft:
		var p MemberPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		if p.User.ID == "" {
			return nil, invalid(env.Type, "missing user id")
		}
		if env.Type == MemberJoined {
			return MemberJoinedEvent{p}, nil
		}
		return MemberLeftEvent{p}, nil
	case UserOnline, UserOffline:
		var p UserPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		if p.User.UserID == "" {
			return nil, invalid(env.Type, "missing user id")
		}
		if env.Type == UserOnline {
			return UserOnlineEvent{User: p.User}, nil
		}
		return UserOfflineEvent{User: p.User}, nil
	case ProjectUsers:
		var p UsersPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		for i, u := range p.Users {
			if u.UserID == "" {
				return nil, invalid(env.Type, fmt.Sprintf("missing user id at index %d", i))
			}
		}
		return ProjectUsersEvent{Users: p.Users}, nil
	case UserEditing, UserStoppedEditing:
		var p EditingPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		if p.TaskID == "" || p.User.UserID == "" {
			return nil, invalid(env.Type, "missing task id or user id")
		}
		if env.Type == UserEditing {
			return UserEditingEvent{p}, nil
		}
		return UserStoppedEditingEvent{p}, nil
	case UserActivity:
		var p ActivityPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		if p.User.UserID == "" || p.Action == "" {
			return nil, invalid(env.Type, "missing user id or action")
		}
		return UserActivityEvent{p}, nil
	case BusError:
		var p ErrorPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		if p.Message == "" {
			p.Message = "unknown error"
		}
		return BusErrorEvent{p}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

func unmarshal(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return invalid(env.Type, "empty payload")
	}
	if err := sonic.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidEvent, env.Type, err)
	}
	return nil
}

func invalid(t EventType, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidEvent, t, reason)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
