package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
)

func envelope(t *testing.T, typ EventType, payload any) Envelope {
	t.Helper()
	data, err := sonic.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return Envelope{ID: "e1", Type: typ, Room: "p1", Actor: User{ID: "u2", Name: "Bob"}, Time: 10, Data: data}
}

func TestDecodeTaskCreated(t *testing.T) {
	env := envelope(t, TaskCreated, TaskPayload{Task: Task{ID: "t1", Title: "Write docs", Column: "todo", Order: 1.5, Version: 3}})
	in, err := Decode(env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ev, ok := in.Event.(TaskCreatedEvent)
	if !ok {
		t.Fatalf("expected TaskCreatedEvent, got %T", in.Event)
	}
	if ev.Task.ID != "t1" || ev.Task.Order != 1.5 || ev.Task.Version != 3 {
		t.Fatalf("unexpected task %+v", ev.Task)
	}
	if in.ID != "e1" || in.Room != "p1" || in.Actor.ID != "u2" || in.Time != 10 {
		t.Fatalf("unexpected metadata %+v", in)
	}
}

func TestDecodePositionChanged(t *testing.T) {
	env := envelope(t, TaskPositionChanged, PositionPayload{TaskID: "t1", Column: "done", Order: -2, Version: 9})
	in, err := Decode(env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ev := in.Event.(TaskPositionChangedEvent)
	if ev.TaskID != "t1" || ev.Column != "done" || ev.Order != -2 || ev.Version != 9 {
		t.Fatalf("unexpected payload %+v", ev)
	}
	if ev.EventType() != TaskPositionChanged {
		t.Fatalf("unexpected type %s", ev.EventType())
	}
}

func TestDecodeRejectsInvalidPayloads(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
	}{
		{"task without id", envelope(t, TaskUpdated, TaskPayload{Task: Task{Title: "x"}})},
		{"position without column", envelope(t, TaskPositionChanged, PositionPayload{TaskID: "t1"})},
		{"removed without id", envelope(t, TaskRemoved, RemovedPayload{})},
		{"editing without user", envelope(t, UserEditing, EditingPayload{TaskID: "t1"})},
		{"activity without action", envelope(t, UserActivity, ActivityPayload{TaskID: "t1", User: PresenceEntry{UserID: "u1"}})},
		{"snapshot with blank user", envelope(t, ProjectUsers, UsersPayload{Users: []PresenceEntry{{UserID: "u1"}, {}}})},
		{"empty payload", Envelope{Type: UserOnline}},
		{"malformed json", Envelope{Type: TaskRemoved, Data: json.RawMessage(`{"taskId":`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.env)
			if !errors.Is(err, ErrInvalidEvent) {
				t.Fatalf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode(Envelope{Type: "task-archived", Data: json.RawMessage(`{}`)})
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
	if !strings.Contains(err.Error(), "task-archived") {
		t.Fatalf("expected type in error, got %v", err)
	}
}

func TestDecodeBusErrorDefaultsMessage(t *testing.T) {
	in, err := Decode(Envelope{Type: BusError, Data: json.RawMessage(`{"code":"E1"}`)})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ev := in.Event.(BusErrorEvent)
	if ev.Message != "unknown error" || ev.Code != "E1" {
		t.Fatalf("unexpected error payload %+v", ev)
	}
}

func TestTaskPatchApplyDoesNotAlias(t *testing.T) {
	labels := []string{"bug"}
	title := "renamed"
	orig := Task{ID: "t1", Title: "old", Labels: []string{"x"}}
	patched := TaskPatch{Title: &title, Labels: &labels}.ApplyTo(orig)
	labels[0] = "mutated"
	if patched.Title != "renamed" || patched.Labels[0] != "bug" {
		t.Fatalf("unexpected patched task %+v", patched)
	}
	if orig.Title != "old" || orig.Labels[0] != "x" {
		t.Fatalf("original task changed %+v", orig)
	}
}
