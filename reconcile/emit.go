package reconcile

import (
	"context"

	log "github.com/sirupsen/logrus"

	"board-sync/bus"
	"board-sync/domain"
)

// emit broadcasts a confirmed change to the current room. Without a room or a
// live session the event is dropped and bus.ErrNotConnected returned.
func (d *Dispatcher) emit(ctx context.Context, typ domain.EventType, payload any) error {
	room := ""
	if d.rooms != nil {
		room = d.rooms.Current()
	}
	var s bus.Session
	err := bus.ErrNotConnected
	if room != "" && d.sessions != nil {
		s, err = d.sessions.Session()
	}
	if err != nil {
		d.logger.WithFields(log.Fields{"event": typ, "room": room}).Warn("not connected, dropping emit")
		return bus.ErrNotConnected
	}
	if err := s.Publish(ctx, room, typ, payload); err != nil {
		d.logger.WithError(err).WithFields(log.Fields{"event": typ, "room": room}).Warn("emit failed")
		return err
	}
	return nil
}

func (d *Dispatcher) selfEntry() domain.PresenceEntry {
	if d.sessions != nil {
		if s, err := d.sessions.Session(); err == nil {
			return domain.PresenceFromUser(s.Identity().User())
		}
	}
	return domain.PresenceEntry{UserID: d.self()}
}

// StartEditing tells peers the local user opened taskID for editing.
func (d *Dispatcher) StartEditing(ctx context.Context, taskID string) error {
	return d.emit(ctx, domain.StartEditingTask, domain.EditingPayload{TaskID: taskID, User: d.selfEntry()})
}

// StopEditing releases the editing marker on taskID.
func (d *Dispatcher) StopEditing(ctx context.Context, taskID string) error {
	return d.emit(ctx, domain.StopEditingTask, domain.EditingPayload{TaskID: taskID, User: d.selfEntry()})
}

// Typing signals keystrokes on taskID. Peers clear the flag on their own.
func (d *Dispatcher) Typing(ctx context.Context, taskID string) error {
	return d.emit(ctx, domain.UserTyping, domain.ActivityPayload{TaskID: taskID, User: d.selfEntry(), Action: domain.ActivityTyping})
}
