package reconcile

import (
	"context"
	"fmt"

	"board-sync/domain"
	"board-sync/notify"
	"board-sync/ordering"
)

// CreateTask asks the Mutation API for a new task at the tail of its column,
// stores the confirmed task and broadcasts it.
func (d *Dispatcher) CreateTask(ctx context.Context, draft domain.TaskDraft) (domain.Task, error) {
	ctx, span := startAction(ctx, "create-task", "")
	projectID := d.projectID()
	d.mu.RLock()
	orders := ordering.Orders(d.columnLocked(draft.Column, ""))
	d.mu.RUnlock()
	draft.Order = ordering.ComputeOrder(ordering.NeighborsAt(orders, len(orders)))

	create := func(ctx context.Context) (domain.Task, error) {
		return d.api.CreateTask(ctx, projectID, draft)
	}
	var (
		task domain.Task
		err  error
	)
	if d.toasts != nil {
		task, err = notify.Promise(ctx, d.toasts, create, notify.PromiseMessages{
			Loading: fmt.Sprintf("Creating %q", draft.Title),
			Success: fmt.Sprintf("Created %q", draft.Title),
		})
	} else {
		task, err = create(ctx)
	}
	endAction(span, err)
	if err != nil {
		d.logger.WithError(err).WithField("project", projectID).Error("create task")
		return domain.Task{}, err
	}

	d.mu.Lock()
	d.confirmLocked(task)
	d.mu.Unlock()
	_ = d.emit(ctx, domain.TaskCreated, domain.TaskPayload{Task: task})
	return task.Clone(), nil
}

// UpdateTask applies patch locally, confirms it with the Mutation API and
// broadcasts the result. A failed call restores the previous task unless a
// newer version arrived meanwhile.
func (d *Dispatcher) UpdateTask(ctx context.Context, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	ctx, span := startAction(ctx, "update-task", taskID)
	d.mu.Lock()
	prev, ok := d.tasks[taskID]
	if !ok {
		d.mu.Unlock()
		endAction(span, ErrUnknownTask)
		return domain.Task{}, ErrUnknownTask
	}
	d.tasks[taskID] = patch.ApplyTo(prev)
	d.touchLocked(taskID)
	d.mu.Unlock()

	task, err := d.api.UpdateTask(ctx, taskID, patch)
	endAction(span, err)
	if err != nil {
		d.rollback(prev)
		d.failed(err, fmt.Sprintf("Could not update %q", prev.Title), taskID)
		return domain.Task{}, err
	}
	d.mu.Lock()
	d.confirmLocked(task)
	d.mu.Unlock()
	_ = d.emit(ctx, domain.TaskUpdated, domain.TaskPayload{Task: task})
	return task.Clone(), nil
}

// MoveTask places taskID at index in column. The order comes from the
// neighbors at that index; when their orders are too close to split, the
// column is renumbered first.
func (d *Dispatcher) MoveTask(ctx context.Context, taskID, column string, index int) (domain.Task, error) {
	ctx, span := startAction(ctx, "move-task", taskID)
	d.mu.Lock()
	prev, ok := d.tasks[taskID]
	if !ok {
		d.mu.Unlock()
		endAction(span, ErrUnknownTask)
		return domain.Task{}, ErrUnknownTask
	}
	siblings := d.columnLocked(column, taskID)
	order, fits := ordering.Between(ordering.NeighborsAt(ordering.Orders(siblings), index))
	var shifted []domain.Task
	if !fits {
		order, shifted = renumber(siblings, index)
	}
	moved := prev.Clone()
	moved.Column = column
	moved.Order = order
	d.tasks[taskID] = moved
	d.touchLocked(taskID)
	d.mu.Unlock()

	for _, s := range shifted {
		if _, err := d.confirmMove(ctx, s); err != nil {
			endAction(span, err)
			d.rollback(prev)
			d.failed(err, fmt.Sprintf("Could not move %q", prev.Title), taskID)
			return domain.Task{}, err
		}
	}
	task, err := d.confirmMove(ctx, moved)
	endAction(span, err)
	if err != nil {
		d.rollback(prev)
		d.failed(err, fmt.Sprintf("Could not move %q", prev.Title), taskID)
		return domain.Task{}, err
	}
	return task, nil
}

// renumber spaces the column evenly with a gap at index for the moved task
// and returns the moved task's order plus the siblings whose order changed.
func renumber(siblings []domain.Task, index int) (float64, []domain.Task) {
	if index < 0 {
		index = 0
	}
	if index > len(siblings) {
		index = len(siblings)
	}
	orders := ordering.Renumber(len(siblings) + 1)
	var shifted []domain.Task
	for i, s := range siblings {
		pos := i
		if i >= index {
			pos++
		}
		if s.Order == orders[pos] {
			continue
		}
		s.Order = orders[pos]
		shifted = append(shifted, s)
	}
	return orders[index], shifted
}

func (d *Dispatcher) confirmMove(ctx context.Context, t domain.Task) (domain.Task, error) {
	confirmed, err := d.api.MoveTask(ctx, t.ID, t.Column, t.Order)
	if err != nil {
		return domain.Task{}, err
	}
	d.mu.Lock()
	d.confirmLocked(confirmed)
	d.mu.Unlock()
	_ = d.emit(ctx, domain.TaskMoved, domain.PositionPayload{
		TaskID:  confirmed.ID,
		Column:  confirmed.Column,
		Order:   confirmed.Order,
		Version: confirmed.Version,
	})
	return confirmed.Clone(), nil
}

// DeleteTask removes taskID locally, confirms with the Mutation API and
// broadcasts the removal.
func (d *Dispatcher) DeleteTask(ctx context.Context, taskID string) error {
	ctx, span := startAction(ctx, "delete-task", taskID)
	d.mu.Lock()
	prev, ok := d.tasks[taskID]
	if !ok {
		d.mu.Unlock()
		endAction(span, ErrUnknownTask)
		return ErrUnknownTask
	}
	delete(d.tasks, taskID)
	d.touchLocked(taskID)
	d.mu.Unlock()

	err := d.api.DeleteTask(ctx, taskID)
	endAction(span, err)
	if err != nil {
		d.mu.Lock()
		if _, back := d.tasks[taskID]; !back && d.tombstones[taskID] <= prev.Version {
			d.tasks[taskID] = prev
			d.touchLocked(taskID)
		}
		d.mu.Unlock()
		d.failed(err, fmt.Sprintf("Could not delete %q", prev.Title), taskID)
		return err
	}
	d.mu.Lock()
	d.tombstones[taskID] = max(d.tombstones[taskID], prev.Version)
	if cur, ok := d.tasks[taskID]; ok && cur.Version <= prev.Version {
		delete(d.tasks, taskID)
	}
	d.touchLocked(taskID)
	d.mu.Unlock()
	_ = d.emit(ctx, domain.TaskDeleted, domain.RemovedPayload{TaskID: taskID, Version: prev.Version})
	return nil
}

// UpdateProject applies patch to the current project with the same
// optimistic flow as UpdateTask.
func (d *Dispatcher) UpdateProject(ctx context.Context, patch domain.ProjectPatch) (domain.Project, error) {
	ctx, span := startAction(ctx, "update-project", "")
	d.mu.Lock()
	prev := d.project.Clone()
	if prev.ID == "" {
		d.mu.Unlock()
		endAction(span, ErrUnknownProject)
		return domain.Project{}, ErrUnknownProject
	}
	d.project = patch.ApplyTo(prev)
	d.touchProjectLocked()
	d.mu.Unlock()

	p, err := d.api.UpdateProject(ctx, prev.ID, patch)
	endAction(span, err)
	if err != nil {
		d.mu.Lock()
		if d.project.ID == prev.ID && d.project.Version == prev.Version {
			d.project = prev
		}
		d.mu.Unlock()
		d.failed(err, fmt.Sprintf("Could not update project %q", prev.Name), "")
		return domain.Project{}, err
	}
	d.mu.Lock()
	if d.project.ID == p.ID && (p.Version == 0 || p.Version >= d.project.Version) {
		d.project = p.Clone()
		d.touchProjectLocked()
	}
	d.mu.Unlock()
	_ = d.emit(ctx, domain.ProjectUpdated, domain.ProjectPayload{Project: p})
	return p.Clone(), nil
}

func (d *Dispatcher) projectID() string {
	d.mu.RLock()
	id := d.project.ID
	d.mu.RUnlock()
	if id == "" && d.rooms != nil {
		id = d.rooms.Current()
	}
	return id
}

// confirmLocked stores a task returned by the Mutation API unless a newer
// version or a later removal is already known.
func (d *Dispatcher) confirmLocked(t domain.Task) {
	if t.Version != 0 {
		if tomb, ok := d.tombstones[t.ID]; ok && t.Version <= tomb {
			return
		}
		if cur, ok := d.tasks[t.ID]; ok && cur.Version > t.Version {
			return
		}
	}
	delete(d.tombstones, t.ID)
	d.tasks[t.ID] = t.Clone()
	d.touchLocked(t.ID)
}

// rollback restores prev while the stored task still carries prev's version.
func (d *Dispatcher) rollback(prev domain.Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.tasks[prev.ID]; ok && cur.Version == prev.Version {
		d.tasks[prev.ID] = prev
		d.touchLocked(prev.ID)
	}
}

func (d *Dispatcher) failed(err error, msg, taskID string) {
	d.logger.WithError(err).WithField("task", taskID).Error(msg)
	if d.toasts != nil {
		d.toasts.Add(notify.Options{Message: fmt.Sprintf("%s: %v", msg, err), Category: notify.CategoryError})
	}
}
