package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type entry struct {
	toast Toast
	timer *time.Timer
	// seq changes whenever the timer is replaced so a stale callback that
	// already fired cannot remove the updated toast.
	seq uint64
}

func (e *entry) stop() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.seq++
}

// Queue is the toast queue. It is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	entries []*entry
	prefs   Preferences

	store   PreferenceStore
	sounder Sounder
	desktop Desktop
	logger  *log.Logger
	now     func() time.Time
	changes *changeBroker
}

// Option configures a Queue.
type Option func(*Queue)

func WithSounder(s Sounder) Option { return func(q *Queue) { q.sounder = s } }
func WithDesktop(d Desktop) Option { return func(q *Queue) { q.desktop = d } }
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithLogger(l *log.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// NewQueue loads the saved preferences from store, falling back to defaults,
// and returns an empty queue.
func NewQueue(ctx context.Context, store PreferenceStore, opts ...Option) *Queue {
	q := &Queue{
		prefs:   DefaultPreferences(),
		store:   store,
		logger:  log.StandardLogger(),
		now:     time.Now,
		changes: newChangeBroker(),
	}
	for _, opt := range opts {
		opt(q)
	}
	if store != nil {
		p, err := store.LoadPreferences(ctx)
		switch {
		case err == nil:
			q.prefs = p.normalize()
		case errors.Is(err, ErrNoPreferences):
		default:
			q.logger.WithError(err).Warn("load toast preferences, using defaults")
		}
	}
	return q
}

// Add enqueues a toast and returns its id. A live toast with the same
// DedupeKey is replaced. The oldest toasts are evicted beyond MaxToasts.
func (q *Queue) Add(o Options) string {
	t := q.build(o)
	q.mu.Lock()
	var changes []Change
	if t.DedupeKey != "" {
		for i := 0; i < len(q.entries); {
			if q.entries[i].toast.DedupeKey == t.DedupeKey {
				changes = append(changes, q.removeAtLocked(i))
				continue
			}
			i++
		}
	}
	e := &entry{toast: t}
	q.scheduleLocked(e)
	q.entries = append(q.entries, e)
	changes = append(changes, Change{Kind: ChangeAdded, Toast: t})
	changes = append(changes, q.trimLocked()...)
	prefs := q.prefs
	q.mu.Unlock()

	q.changes.notify(changes...)
	q.announce(t, prefs)
	return t.ID
}

func (q *Queue) Info(msg string) string {
	return q.Add(Options{Message: msg, Category: CategoryInfo})
}

func (q *Queue) Success(msg string) string {
	return q.Add(Options{Message: msg, Category: CategorySuccess})
}

func (q *Queue) Warning(msg string) string {
	return q.Add(Options{Message: msg, Category: CategoryWarning})
}

func (q *Queue) Error(msg string) string {
	return q.Add(Options{Message: msg, Category: CategoryError})
}

// Remove drops the toast with the given id and cancels its timer. Unknown ids
// are ignored.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	i := q.indexLocked(id)
	if i < 0 {
		q.mu.Unlock()
		return false
	}
	c := q.removeAtLocked(i)
	q.mu.Unlock()
	q.changes.notify(c)
	return true
}

// Update replaces the content of a live toast in place. Its lifetime restarts
// from now. A changed category plays the new category's side effects.
func (q *Queue) Update(id string, o Options) bool {
	q.mu.Lock()
	i := q.indexLocked(id)
	if i < 0 {
		q.mu.Unlock()
		return false
	}
	e := q.entries[i]
	prev := e.toast
	next := q.build(o)
	next.ID = prev.ID
	if next.DedupeKey == "" {
		next.DedupeKey = prev.DedupeKey
	}
	e.stop()
	e.toast = next
	q.scheduleLocked(e)
	prefs := q.prefs
	q.mu.Unlock()

	q.changes.notify(Change{Kind: ChangeUpdated, Toast: next})
	if next.Category != prev.Category {
		q.announce(next, prefs)
	}
	return true
}

// ClearByCategory removes every toast of category c and returns how many were
// removed.
func (q *Queue) ClearByCategory(c Category) int {
	q.mu.Lock()
	var changes []Change
	for i := 0; i < len(q.entries); {
		if q.entries[i].toast.Category == c {
			changes = append(changes, q.removeAtLocked(i))
			continue
		}
		i++
	}
	q.mu.Unlock()
	q.changes.notify(changes...)
	return len(changes)
}

// Clear removes every toast.
func (q *Queue) Clear() {
	q.mu.Lock()
	for _, e := range q.entries {
		e.stop()
	}
	q.entries = nil
	q.mu.Unlock()
	q.changes.notify(Change{Kind: ChangeCleared})
}

// Reset is called on sign out. Toasts are dropped and preferences are kept.
func (q *Queue) Reset() { q.Clear() }

// List returns the live toasts, oldest first.
func (q *Queue) List() []Toast {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Toast, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.toast
	}
	return out
}

// Get returns a live toast by id.
func (q *Queue) Get(id string) (Toast, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexLocked(id); i >= 0 {
		return q.entries[i].toast, true
	}
	return Toast{}, false
}

// Subscribe returns a feed of queue changes and a function that stops it.
// Slow subscribers miss changes rather than block the queue.
func (q *Queue) Subscribe() (<-chan Change, func()) {
	ch := q.changes.subscribe()
	return ch, func() { q.changes.unsubscribe(ch) }
}

// Preferences returns the current preferences.
func (q *Queue) Preferences() Preferences {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.prefs
}

// UpdatePreferences applies a partial update and persists the result. The
// in memory update stands even when saving fails. Enabling desktop
// notifications needs platform permission and otherwise fails with
// ErrDesktopNotPermitted.
func (q *Queue) UpdatePreferences(ctx context.Context, patch PreferencesPatch) (Preferences, error) {
	if patch.DesktopNotifications != nil && *patch.DesktopNotifications &&
		!q.Preferences().DesktopNotifications && !q.desktopPermitted(ctx) {
		return q.Preferences(), ErrDesktopNotPermitted
	}
	return q.mutatePreferences(ctx, func(p Preferences) (Preferences, error) {
		return patch.apply(p)
	})
}

// ToggleSound flips SoundEnabled and returns the new value.
func (q *Queue) ToggleSound(ctx context.Context) (bool, error) {
	p, err := q.mutatePreferences(ctx, func(p Preferences) (Preferences, error) {
		p.SoundEnabled = !p.SoundEnabled
		return p, nil
	})
	return p.SoundEnabled, err
}

// ToggleDesktopNotifications flips DesktopNotifications. Enabling asks for
// platform permission the first time and stays off unless it is granted.
func (q *Queue) ToggleDesktopNotifications(ctx context.Context) (bool, error) {
	on := !q.Preferences().DesktopNotifications
	p, err := q.UpdatePreferences(ctx, PreferencesPatch{DesktopNotifications: &on})
	if errors.Is(err, ErrDesktopNotPermitted) {
		return false, nil
	}
	return p.DesktopNotifications, err
}

// desktopPermitted asks for permission when it was never decided.
func (q *Queue) desktopPermitted(ctx context.Context) bool {
	if q.desktop == nil {
		return false
	}
	perm := q.desktop.Permission()
	if perm == PermissionDefault {
		perm = q.desktop.RequestPermission(ctx)
	}
	if perm != PermissionGranted {
		q.logger.WithField("permission", perm).Debug("desktop notifications not permitted")
		return false
	}
	return true
}

// SetPosition moves the toast stack to another corner.
func (q *Queue) SetPosition(ctx context.Context, pos Position) error {
	_, err := q.UpdatePreferences(ctx, PreferencesPatch{Position: &pos})
	return err
}

func (q *Queue) mutatePreferences(ctx context.Context, fn func(Preferences) (Preferences, error)) (Preferences, error) {
	q.mu.Lock()
	next, err := fn(q.prefs)
	if err != nil {
		cur := q.prefs
		q.mu.Unlock()
		return cur, err
	}
	q.prefs = next
	changes := q.trimLocked()
	q.mu.Unlock()

	q.changes.notify(changes...)
	if q.store == nil {
		return next, nil
	}
	if err := q.store.SavePreferences(ctx, next); err != nil {
		q.logger.WithError(err).Warn("save toast preferences")
		return next, fmt.Errorf("save toast preferences: %w", err)
	}
	return next, nil
}

func (q *Queue) build(o Options) Toast {
	cat := o.Category
	if cat == "" {
		cat = CategoryInfo
	}
	persistent := o.Persistent || (cat == CategoryLoading && o.Duration <= 0)
	d := o.Duration
	switch {
	case persistent:
		d = 0
	case d <= 0:
		var ok bool
		if d, ok = defaultDurations[cat]; !ok {
			d = fallbackDuration
		}
	}
	return Toast{
		ID:           uuid.NewString(),
		Title:        o.Title,
		Message:      o.Message,
		Category:     cat,
		CreatedAt:    q.now(),
		Duration:     d,
		Persistent:   persistent,
		DedupeKey:    o.DedupeKey,
		Action:       o.Action,
		Avatar:       o.Avatar,
		Icon:         o.Icon,
		ShowProgress: o.ShowProgress,
		Progress:     clampProgress(o.Progress),
	}
}

func (q *Queue) scheduleLocked(e *entry) {
	if e.toast.Persistent {
		return
	}
	seq := e.seq
	e.timer = time.AfterFunc(e.toast.Duration, func() { q.expire(e, seq) })
}

func (q *Queue) expire(e *entry, seq uint64) {
	q.mu.Lock()
	if e.seq != seq {
		q.mu.Unlock()
		return
	}
	i := q.indexLocked(e.toast.ID)
	if i < 0 || q.entries[i] != e {
		q.mu.Unlock()
		return
	}
	c := q.removeAtLocked(i)
	q.mu.Unlock()
	q.changes.notify(c)
}

func (q *Queue) indexLocked(id string) int {
	for i, e := range q.entries {
		if e.toast.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) removeAtLocked(i int) Change {
	e := q.entries[i]
	e.stop()
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	return Change{Kind: ChangeRemoved, Toast: e.toast}
}

// trimLocked evicts from the front until the queue fits MaxToasts.
func (q *Queue) trimLocked() []Change {
	var changes []Change
	for len(q.entries) > q.prefs.MaxToasts && len(q.entries) > 0 {
		changes = append(changes, q.removeAtLocked(0))
	}
	return changes
}

func (q *Queue) announce(t Toast, p Preferences) {
	if p.SoundEnabled && q.sounder != nil {
		q.bestEffort("play toast sound", func() error {
			return q.sounder.Play(ToneFor(t.Category))
		})
	}
	if p.DesktopNotifications && q.desktop != nil {
		q.bestEffort("desktop notification", func() error {
			if q.desktop.Permission() != PermissionGranted {
				return nil
			}
			return q.desktop.Notify(TitleFor(t.Category), t.Message)
		})
	}
}

// bestEffort runs a side effect whose failure must never reach the caller.
func (q *Queue) bestEffort(what string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.WithField("panic", r).Debugf("%s failed", what)
		}
	}()
	if err := fn(); err != nil {
		q.logger.WithError(err).Debugf("%s failed", what)
	}
}
