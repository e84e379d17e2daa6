// Package reconcile is the only writer of board state. It applies inbound
// bus events, runs local optimistic mutations against the Mutation API and
// broadcasts confirmed changes.
package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"board-sync/bus"
	"board-sync/domain"
	"board-sync/notify"
	"board-sync/ordering"
)

const defaultWindow = 1024

var (
	// ErrUnknownTask is returned for actions on a task the board does not hold.
	ErrUnknownTask = errors.New("reconcile: unknown task")
	// ErrUnknownProject is returned for project actions before a board is loaded.
	ErrUnknownProject = errors.New("reconcile: no project loaded")
)

// MutationAPI is the authority that confirms every change.
type MutationAPI interface {
	Board(ctx context.Context, projectID string) (domain.Board, error)
	CreateTask(ctx context.Context, projectID string, draft domain.TaskDraft) (domain.Task, error)
	UpdateTask(ctx context.Context, taskID string, patch domain.TaskPatch) (domain.Task, error)
	MoveTask(ctx context.Context, taskID, column string, order float64) (domain.Task, error)
	DeleteTask(ctx context.Context, taskID string) error
	UpdateProject(ctx context.Context, projectID string, patch domain.ProjectPatch) (domain.Project, error)
}

// Presence receives the presence and editing events of the current room.
type Presence interface {
	Online(domain.PresenceEntry) bool
	Offline(userID string) bool
	Snapshot([]domain.PresenceEntry)
	StartEditing(taskID string, u domain.PresenceEntry) bool
	StopEditing(taskID, userID string)
	Typing(taskID string, u domain.PresenceEntry)
}

// Sessions yields the live bus session.
type Sessions interface {
	Session() (bus.Session, error)
}

// Rooms reports the room events are accepted for.
type Rooms interface {
	Current() string
}

// Deps wires a Dispatcher.
type Deps struct {
	API      MutationAPI
	Sessions Sessions
	Rooms    Rooms
	Presence Presence
	Toasts   *notify.Queue
	// Self returns the signed in user id.
	Self       func() string
	Logger     *log.Logger
	WindowSize int
}

// Dispatcher holds the board of one project.
type Dispatcher struct {
	api      MutationAPI
	sessions Sessions
	rooms    Rooms
	presence Presence
	toasts   *notify.Queue
	self     func() string
	logger   *log.Logger

	mu         sync.RWMutex
	project    domain.Project
	tasks      map[string]domain.Task
	tombstones map[string]int64
	seen       *window
	marks      map[*resyncMark]struct{}
}

func NewDispatcher(deps Deps) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	self := deps.Self
	if self == nil {
		self = func() string { return "" }
	}
	return &Dispatcher{
		api:        deps.API,
		sessions:   deps.Sessions,
		rooms:      deps.Rooms,
		presence:   deps.Presence,
		toasts:     deps.Toasts,
		self:       self,
		logger:     logger,
		tasks:      make(map[string]domain.Task),
		tombstones: make(map[string]int64),
		seen:       newWindow(deps.WindowSize),
		marks:      make(map[*resyncMark]struct{}),
	}
}

// Run applies envelopes from in until ctx is done or in is closed.
func (d *Dispatcher) Run(ctx context.Context, in <-chan domain.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-in:
			if !ok {
				return
			}
			d.Handle(ctx, env)
		}
	}
}

// Resync merges the Mutation API's snapshot of projectID into the board.
// Writes applied while the snapshot was in flight win over it when they
// carry a newer version, and tasks removed meanwhile stay removed.
func (d *Dispatcher) Resync(ctx context.Context, projectID string) error {
	ctx, span := startAction(ctx, "resync", "")
	mark := &resyncMark{tasks: make(map[string]struct{})}
	d.mu.Lock()
	d.marks[mark] = struct{}{}
	d.mu.Unlock()

	board, err := d.api.Board(ctx, projectID)
	endAction(span, err)
	d.mu.Lock()
	delete(d.marks, mark)
	if err != nil {
		d.mu.Unlock()
		d.logger.WithError(err).WithField("project", projectID).Error("resync board")
		return err
	}
	d.mergeLocked(board, mark)
	n := len(d.tasks)
	d.mu.Unlock()
	d.logger.WithFields(log.Fields{"project": projectID, "tasks": n}).Info("board resynced")
	return nil
}

// resyncMark collects the entities written while a snapshot is in flight.
type resyncMark struct {
	tasks   map[string]struct{}
	project bool
}

func (d *Dispatcher) touchLocked(taskID string) {
	for m := range d.marks {
		m.tasks[taskID] = struct{}{}
	}
}

func (d *Dispatcher) touchProjectLocked() {
	for m := range d.marks {
		m.project = true
	}
}

// keepLocal reports whether a local version beats a snapshot version. Version
// 0 carries no ordering, so the local value only wins when it was written
// after the snapshot was requested.
func keepLocal(local, snapshot int64, touched bool) bool {
	if local == 0 || snapshot == 0 {
		return touched
	}
	return local > snapshot
}

func (d *Dispatcher) mergeLocked(board domain.Board, mark *resyncMark) {
	sameProject := d.project.ID == board.Project.ID
	// member changes do not bump the project version
	local := keepLocal(d.project.Version, board.Project.Version, mark.project) ||
		(mark.project && d.project.Version == board.Project.Version)
	if !sameProject || !local {
		d.project = board.Project.Clone()
	}

	tasks := make(map[string]domain.Task, len(board.Tasks))
	tombstones := make(map[string]int64)
	inSnapshot := make(map[string]struct{}, len(board.Tasks))
	for _, t := range board.Tasks {
		inSnapshot[t.ID] = struct{}{}
		_, touched := mark.tasks[t.ID]
		if tomb, ok := d.tombstones[t.ID]; ok {
			if (tomb != 0 && t.Version != 0 && t.Version <= tomb) || ((tomb == 0 || t.Version == 0) && touched) {
				tombstones[t.ID] = tomb
				continue
			}
		}
		if cur, ok := d.tasks[t.ID]; ok && keepLocal(cur.Version, t.Version, touched) {
			tasks[t.ID] = cur
			continue
		}
		tasks[t.ID] = t.Clone()
	}
	for id, cur := range d.tasks {
		if _, ok := inSnapshot[id]; ok {
			continue
		}
		if _, touched := mark.tasks[id]; touched {
			tasks[id] = cur
		}
	}
	for id, tomb := range d.tombstones {
		if _, ok := inSnapshot[id]; ok {
			continue
		}
		if _, touched := mark.tasks[id]; touched || sameProject {
			tombstones[id] = tomb
		}
	}
	d.tasks = tasks
	d.tombstones = tombstones
}

// Reset forgets the board, used on sign out.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.project = domain.Project{}
	d.tasks = make(map[string]domain.Task)
	d.tombstones = make(map[string]int64)
	d.mu.Unlock()
}

// Project returns the current project.
func (d *Dispatcher) Project() domain.Project {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.project.Clone()
}

// Task returns one task by id.
func (d *Dispatcher) Task(id string) (domain.Task, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tasks[id]
	return t.Clone(), ok
}

// Tasks returns every task sorted by column, then position.
func (d *Dispatcher) Tasks() []domain.Task {
	d.mu.RLock()
	out := make([]domain.Task, 0, len(d.tasks))
	for _, t := range d.tasks {
		out = append(out, t.Clone())
	}
	d.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Column != out[j].Column {
			return out[i].Column < out[j].Column
		}
		return ordering.Less(out[i], out[j])
	})
	return out
}

// TasksIn returns the tasks of one column in display order.
func (d *Dispatcher) TasksIn(column string) []domain.Task {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.columnLocked(column, "")
}

func (d *Dispatcher) columnLocked(column, excludeID string) []domain.Task {
	all := make([]domain.Task, 0, len(d.tasks))
	for _, t := range d.tasks {
		all = append(all, t.Clone())
	}
	return ordering.Column(all, column, excludeID)
}
