// Package presence tracks who is in the current room and who holds the soft
// editing lock on each task.
package presence

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

const (
	DefaultEditingTTL = 30 * time.Second
	DefaultTypingTTL  = 3 * time.Second
)

type editEntry struct {
	editor domain.Editor

	expiry    *time.Timer
	expirySeq uint64
	typing    *time.Timer
	typingSeq uint64
	dropped   bool
}

func (e *editEntry) stop() {
	if e.expiry != nil {
		e.expiry.Stop()
	}
	if e.typing != nil {
		e.typing.Stop()
	}
	e.dropped = true
}

// Tracker holds presence and editing state for a single room.
type Tracker struct {
	mu      sync.Mutex
	self    string
	users   []domain.PresenceEntry
	editing map[string][]*editEntry

	editingTTL time.Duration
	typingTTL  time.Duration
	now        func() time.Time
	logger     *log.Logger
}

type Option func(*Tracker)

func WithEditingTTL(d time.Duration) Option { return func(t *Tracker) { t.editingTTL = d } }
func WithTypingTTL(d time.Duration) Option  { return func(t *Tracker) { t.typingTTL = d } }
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

func WithLogger(l *log.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		editing:    make(map[string][]*editEntry),
		editingTTL: DefaultEditingTTL,
		typingTTL:  DefaultTypingTTL,
		now:        time.Now,
		logger:     log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetSelf records the local user id used for echo suppression.
func (t *Tracker) SetSelf(userID string) {
	t.mu.Lock()
	t.self = userID
	for taskID := range t.editing {
		t.dropEditorLocked(taskID, userID)
	}
	t.mu.Unlock()
}

// Online adds a user. It reports false when the user was already present.
func (t *Tracker) Online(u domain.PresenceEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.indexLocked(u.UserID) >= 0 {
		return false
	}
	t.users = append(t.users, u)
	return true
}

// Offline removes a user together with any editing markers they held.
func (t *Tracker) Offline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexLocked(userID)
	if i >= 0 {
		t.users = append(t.users[:i], t.users[i+1:]...)
	}
	for taskID := range t.editing {
		t.dropEditorLocked(taskID, userID)
	}
	return i >= 0
}

// Snapshot replaces the whole presence set. Duplicate ids keep the first entry.
func (t *Tracker) Snapshot(users []domain.PresenceEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[string]struct{}, len(users))
	next := make([]domain.PresenceEntry, 0, len(users))
	for _, u := range users {
		if _, ok := seen[u.UserID]; ok {
			continue
		}
		seen[u.UserID] = struct{}{}
		next = append(next, u)
	}
	t.users = next
}

// StartEditing marks user as editing taskID. Markers for the local user are
// ignored. The marker expires after the editing TTL unless refreshed.
func (t *Tracker) StartEditing(taskID string, u domain.PresenceEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if u.UserID == t.self {
		return false
	}
	e := t.findLocked(taskID, u.UserID)
	if e == nil {
		e = &editEntry{editor: domain.Editor{UserID: u.UserID, DisplayName: u.DisplayName}}
		t.editing[taskID] = append(t.editing[taskID], e)
	}
	if u.DisplayName != "" {
		e.editor.DisplayName = u.DisplayName
	}
	t.armExpiryLocked(taskID, e)
	return true
}

// StopEditing removes the marker of userID on taskID.
func (t *Tracker) StopEditing(taskID, userID string) {
	t.mu.Lock()
	t.dropEditorLocked(taskID, userID)
	t.mu.Unlock()
}

// Typing sets the typing flag of user on taskID, inserting an editing marker
// if needed. The flag clears itself after the typing TTL; repeated calls
// restart that delay.
func (t *Tracker) Typing(taskID string, u domain.PresenceEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if u.UserID == t.self {
		return
	}
	e := t.findLocked(taskID, u.UserID)
	if e == nil {
		e = &editEntry{editor: domain.Editor{UserID: u.UserID, DisplayName: u.DisplayName}}
		t.editing[taskID] = append(t.editing[taskID], e)
	}
	e.editor.IsTyping = true
	t.armExpiryLocked(taskID, e)
	if e.typing != nil {
		e.typing.Stop()
	}
	e.typingSeq++
	seq := e.typingSeq
	e.typing = time.AfterFunc(t.typingTTL, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if !e.dropped && e.typingSeq == seq {
			e.editor.IsTyping = false
		}
	})
}

// armExpiryLocked restarts the lifetime of the marker e.
func (t *Tracker) armExpiryLocked(taskID string, e *editEntry) {
	if e.expiry != nil {
		e.expiry.Stop()
	}
	e.expirySeq++
	seq := e.expirySeq
	e.editor.ExpiresAt = t.now().Add(t.editingTTL)
	userID := e.editor.UserID
	e.expiry = time.AfterFunc(t.editingTTL, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if e.dropped || e.expirySeq != seq {
			return
		}
		t.logger.WithFields(log.Fields{"task": taskID, "user": userID}).Debug("editing marker expired")
		t.dropEditorLocked(taskID, userID)
	})
}

// IsBeingEditedByOthers reports whether anyone but the local user edits taskID.
func (t *Tracker) IsBeingEditedByOthers(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.editing[taskID] {
		if e.editor.UserID != t.self {
			return true
		}
	}
	return false
}

// EditorsOf lists the editors of taskID, excluding the local user.
func (t *Tracker) EditorsOf(taskID string) []domain.Editor {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.Editor
	for _, e := range t.editing[taskID] {
		if e.editor.UserID == t.self {
			continue
		}
		out = append(out, e.editor)
	}
	return out
}

// Editing returns all editors keyed by task id.
func (t *Tracker) Editing() map[string][]domain.Editor {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string][]domain.Editor, len(t.editing))
	for taskID, entries := range t.editing {
		for _, e := range entries {
			if e.editor.UserID != t.self {
				out[taskID] = append(out[taskID], e.editor)
			}
		}
	}
	return out
}

// Users returns the users currently in the room.
func (t *Tracker) Users() []domain.PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.PresenceEntry(nil), t.users...)
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.indexLocked(userID) >= 0
}

// Reset clears presence and editing state and cancels every pending timer.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entries := range t.editing {
		for _, e := range entries {
			e.stop()
		}
	}
	t.editing = make(map[string][]*editEntry)
	t.users = nil
}

func (t *Tracker) indexLocked(userID string) int {
	for i, u := range t.users {
		if u.UserID == userID {
			return i
		}
	}
	return -1
}

func (t *Tracker) findLocked(taskID, userID string) *editEntry {
	for _, e := range t.editing[taskID] {
		if e.editor.UserID == userID {
			return e
		}
	}
	return nil
}

func (t *Tracker) dropEditorLocked(taskID, userID string) {
	entries := t.editing[taskID]
	for i, e := range entries {
		if e.editor.UserID != userID {
			continue
		}
		e.stop()
		entries = append(entries[:i], entries[i+1:]...)
		break
	}
	if len(entries) == 0 {
		delete(t.editing, taskID)
		return
	}
	t.editing[taskID] = entries
}
