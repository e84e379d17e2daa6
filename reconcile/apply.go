package reconcile

import (
	"context"
	"fmt"

	"board-sync/domain"
	"board-sync/internal/consts"
	"board-sync/notify"
)

// Handle validates and applies one inbound envelope. Envelopes for another
// room, redeliveries and stale versions leave the board untouched.
func (d *Dispatcher) Handle(ctx context.Context, env domain.Envelope) Outcome {
	_, tr := startApply(ctx, d.logger, string(env.Type))

	if d.rooms != nil && env.Room != "" && env.Room != d.rooms.Current() {
		tr.end(Ignored, nil)
		return Ignored
	}
	if env.ID != "" {
		d.mu.Lock()
		dup := d.seen.seen(env.ID)
		d.mu.Unlock()
		if dup {
			tr.end(Duplicate, nil)
			return Duplicate
		}
	}
	in, err := domain.Decode(env)
	if err != nil {
		d.logger.WithError(err).WithField("event", env.Type).Error("dropping invalid event")
		tr.end(Invalid, err)
		return Invalid
	}
	o, taskID := d.apply(in)
	tr.task(taskID)
	tr.end(o, nil)
	return o
}

func (d *Dispatcher) apply(in domain.Inbound) (Outcome, string) {
	fromSelf := in.Actor.ID != "" && in.Actor.ID == d.self()
	actor := in.Actor.DisplayName()

	switch ev := in.Event.(type) {
	case domain.TaskCreatedEvent:
		o := d.upsert(ev.Task)
		if o == Applied && !fromSelf {
			d.toast(in, notify.CategoryTask, fmt.Sprintf("%s created %q", actor, ev.Task.Title))
		}
		return o, ev.Task.ID
	case domain.TaskUpdatedEvent:
		o := d.upsert(ev.Task)
		if o == Applied && !fromSelf {
			d.toast(in, notify.CategoryTask, fmt.Sprintf("%s updated %q", actor, ev.Task.Title))
		}
		return o, ev.Task.ID
	case domain.TaskPositionChangedEvent:
		return d.reposition(ev.PositionPayload), ev.TaskID
	case domain.TaskRemovedEvent:
		o, title := d.remove(ev.TaskID, ev.Version)
		if o == Applied && !fromSelf {
			d.toast(in, notify.CategoryTask, fmt.Sprintf("%s deleted %q", actor, title))
		}
		return o, ev.TaskID
	case domain.ProjectUpdatedEvent:
		o := d.replaceProject(ev.Project)
		if o == Applied && !fromSelf {
			d.toast(in, notify.CategoryInfo, fmt.Sprintf("%s updated project %q", actor, ev.Project.Name))
		}
		return o, ""
	case domain.MemberJoinedEvent:
		o := d.member(ev.MemberPayload, true)
		if o == Applied {
			d.toast(in, notify.CategoryInfo, fmt.Sprintf("%s joined the project", ev.User.DisplayName()))
		}
		return o, ""
	case domain.MemberLeftEvent:
		o := d.member(ev.MemberPayload, false)
		if o == Applied {
			d.toast(in, notify.CategoryInfo, fmt.Sprintf("%s left the project", ev.User.DisplayName()))
		}
		return o, ""
	case domain.UserOnlineEvent:
		return outcome(d.presence.Online(ev.User)), ""
	case domain.UserOfflineEvent:
		return outcome(d.presence.Offline(ev.User.UserID)), ""
	case domain.ProjectUsersEvent:
		d.presence.Snapshot(ev.Users)
		return Applied, ""
	case domain.UserEditingEvent:
		return outcome(d.presence.StartEditing(ev.TaskID, ev.User)), ev.TaskID
	case domain.UserStoppedEditingEvent:
		d.presence.StopEditing(ev.TaskID, ev.User.UserID)
		return Applied, ev.TaskID
	case domain.UserActivityEvent:
		if ev.Action != domain.ActivityTyping {
			return Ignored, ev.TaskID
		}
		d.presence.Typing(ev.TaskID, ev.User)
		return Applied, ev.TaskID
	case domain.BusErrorEvent:
		if d.toasts != nil {
			d.toasts.Add(notify.Options{Message: ev.Message, Category: notify.CategoryError, DedupeKey: consts.BusErrorToastKey})
		}
		return Applied, ""
	default:
		d.logger.WithField("event", fmt.Sprintf("%T", ev)).Warn("no handler for event")
		return Ignored, ""
	}
}

func outcome(changed bool) Outcome {
	if changed {
		return Applied
	}
	return Ignored
}

func (d *Dispatcher) toast(in domain.Inbound, cat notify.Category, msg string) {
	if d.toasts == nil {
		return
	}
	d.toasts.Add(notify.Options{Message: msg, Category: cat, Avatar: in.Actor.Avatar})
}

// newer decides last-write-wins between a stored and an incoming version.
// Unversioned writes apply in arrival order.
func newer(current, incoming int64) Outcome {
	if incoming == 0 || current == 0 {
		return Applied
	}
	switch {
	case incoming > current:
		return Applied
	case incoming == current:
		return Duplicate
	default:
		return Stale
	}
}

func (d *Dispatcher) upsert(t domain.Task) Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.upsertLocked(t)
}

func (d *Dispatcher) upsertLocked(t domain.Task) Outcome {
	if tomb, ok := d.tombstones[t.ID]; ok && t.Version != 0 && t.Version <= tomb {
		return Stale
	}
	if cur, ok := d.tasks[t.ID]; ok {
		if o := newer(cur.Version, t.Version); o != Applied {
			return o
		}
	}
	delete(d.tombstones, t.ID)
	d.tasks[t.ID] = t.Clone()
	d.touchLocked(t.ID)
	return Applied
}

// reposition trusts the transmitted order so every client converges on the
// same value.
func (d *Dispatcher) reposition(p domain.PositionPayload) Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.tasks[p.TaskID]
	if !ok {
		d.logger.WithError(ErrUnknownTask).WithField("task", p.TaskID).Debug("ignoring move")
		return Ignored
	}
	if o := newer(cur.Version, p.Version); o != Applied {
		return o
	}
	cur.Column = p.Column
	cur.Order = p.Order
	if p.Version != 0 {
		cur.Version = p.Version
	}
	d.tasks[p.TaskID] = cur
	d.touchLocked(p.TaskID)
	return Applied
}

func (d *Dispatcher) remove(id string, version int64) (Outcome, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.tasks[id]
	if !ok {
		if version > d.tombstones[id] {
			d.tombstones[id] = version
			d.touchLocked(id)
		}
		return Ignored, ""
	}
	if version != 0 && cur.Version != 0 && version < cur.Version {
		return Stale, cur.Title
	}
	delete(d.tasks, id)
	d.tombstones[id] = max(version, cur.Version)
	d.touchLocked(id)
	return Applied, cur.Title
}

func (d *Dispatcher) replaceProject(p domain.Project) Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.project.ID != "" && d.project.ID != p.ID {
		return Ignored
	}
	if d.project.ID != "" {
		if o := newer(d.project.Version, p.Version); o != Applied {
			return o
		}
	}
	d.project = p.Clone()
	d.touchProjectLocked()
	return Applied
}

func (d *Dispatcher) member(m domain.MemberPayload, joined bool) Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.project.ID == "" || (m.ProjectID != "" && m.ProjectID != d.project.ID) {
		return Ignored
	}
	idx := -1
	for i, u := range d.project.Members {
		if u.ID == m.User.ID {
			idx = i
			break
		}
	}
	switch {
	case joined && idx < 0:
		d.project.Members = append(d.project.Members, m.User)
		d.touchProjectLocked()
		return Applied
	case !joined && idx >= 0:
		members := append([]domain.User(nil), d.project.Members[:idx]...)
		d.project.Members = append(members, d.project.Members[idx+1:]...)
		d.touchProjectLocked()
		return Applied
	}
	return Ignored
}
