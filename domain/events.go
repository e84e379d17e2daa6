package domain

import "encoding/json"

// EventType tags every message crossing the event bus.
type EventType string

// Events received from peers.
const (
	TaskCreated         EventType = "task-created"
	TaskUpdated         EventType = "task-updated"
	TaskPositionChanged EventType = "task-position-changed"
	TaskRemoved         EventType = "task-removed"
	ProjectUpdated      EventType = "project-updated"
	MemberJoined        EventType = "member-joined"
	MemberLeft          EventType = "member-left"
	UserOnline          EventType = "user-online"
	UserOffline         EventType = "user-offline"
	ProjectUsers        EventType = "project-users"
	UserEditing         EventType = "user-editing"
	UserStoppedEditing  EventType = "user-stopped-editing"
	UserActivity        EventType = "user-activity"
	BusError            EventType = "error"
)

// Events emitted by this client. task-created, task-updated and
// project-updated travel under the same tag in both directions.
const (
	JoinRoom         EventType = "join-room"
	LeaveRoom        EventType = "leave-room"
	TaskMoved        EventType = "task-moved"
	TaskDeleted      EventType = "task-deleted"
	StartEditingTask EventType = "start-editing-task"
	StopEditingTask  EventType = "stop-editing-task"
	UserTyping       EventType = "user-typing"
)

// Envelope is the wire form of a bus message.
type Envelope struct {
	ID     string          `json:"id"`
	Type   EventType       `json:"type"`
	Room   string          `json:"room"`
	Origin string          `json:"origin"`
	Actor  User            `json:"actor"`
	Time   int64           `json:"time"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// TaskPayload carries a full task for created/updated events.
type TaskPayload struct {
	Task Task `json:"task"`
}

// PositionPayload carries the result of a move computed by the origin client.
type PositionPayload struct {
	TaskID  string  `json:"taskId"`
	Column  string  `json:"column"`
	Order   float64 `json:"order"`
	Version int64   `json:"version"`
}

// RemovedPayload identifies a deleted task.
type RemovedPayload struct {
	TaskID  string `json:"taskId"`
	Version int64  `json:"version"`
}

// ProjectPayload carries a full project.
type ProjectPayload struct {
	Project Project `json:"project"`
}

// MemberPayload reports a membership change on a project.
type MemberPayload struct {
	ProjectID string `json:"projectId"`
	User      User   `json:"user"`
}

// UserPayload reports presence of a single user.
type UserPayload struct {
	User PresenceEntry `json:"user"`
}

// UsersPayload is a full presence snapshot for a room.
type UsersPayload struct {
	Users []PresenceEntry `json:"users"`
}

// EditingPayload reports a user starting or stopping to edit a task.
type EditingPayload struct {
	TaskID string        `json:"taskId"`
	User   PresenceEntry `json:"user"`
}

// ActivityPayload reports transient activity such as typing.
type ActivityPayload struct {
	TaskID string        `json:"taskId"`
	User   PresenceEntry `json:"user"`
	Action string        `json:"action"`
}

// ErrorPayload is sent by the bus when a request could not be served.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
