// Package room keeps a client joined to at most one project room.
package room

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"board-sync/bus"
	"board-sync/domain"
)

// Sessions yields the live bus session.
type Sessions interface {
	Session() (bus.Session, error)
}

// Presence is the room scoped state cleared on every room change.
type Presence interface {
	Reset()
	SetSelf(userID string)
}

// JoinHook runs after a room was joined.
type JoinHook func(ctx context.Context, room string)

// Coordinator joins and leaves rooms on behalf of one client.
type Coordinator struct {
	sessions Sessions
	presence Presence
	logger   *log.Logger

	// op serializes joins and leaves; mu guards the fields below.
	op      sync.Mutex
	mu      sync.Mutex
	current string
	hooks   []JoinHook
}

func NewCoordinator(sessions Sessions, presence Presence, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Coordinator{sessions: sessions, presence: presence, logger: logger}
}

// OnJoin registers fn to run after every successful join.
func (c *Coordinator) OnJoin(fn JoinHook) {
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

// Current returns the joined room, empty when none.
func (c *Coordinator) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// JoinRoom leaves the current room if it differs and joins projectID. When
// the bus is not connected the join is dropped and bus.ErrNotConnected is
// returned; callers join again once connected.
func (c *Coordinator) JoinRoom(ctx context.Context, projectID string) error {
	c.op.Lock()
	defer c.op.Unlock()

	s, err := c.sessions.Session()
	if err != nil {
		c.logger.WithField("room", projectID).Warn("not connected, dropping room join")
		return bus.ErrNotConnected
	}
	prev := c.Current()
	if prev != "" && prev != projectID {
		if err := s.Leave(ctx, prev); err != nil {
			c.logger.WithError(err).WithField("room", prev).Warn("leave previous room")
		}
	}

	self := s.Identity()
	c.presence.Reset()
	c.presence.SetSelf(self.UserID)
	// set before joining so the snapshot delivered by Join is accepted
	c.setCurrent(projectID)
	if err := s.Join(ctx, projectID, domain.PresenceFromUser(self.User())); err != nil {
		c.setCurrent("")
		return fmt.Errorf("join room %s: %w", projectID, err)
	}
	c.logger.WithField("room", projectID).Info("joined room")

	c.mu.Lock()
	hooks := append([]JoinHook(nil), c.hooks...)
	c.mu.Unlock()
	for _, h := range hooks {
		h(ctx, projectID)
	}
	return nil
}

// LeaveRoom leaves projectID, or the current room when projectID is empty.
// Leaving the current room clears presence and editing state even when the
// bus is unreachable.
func (c *Coordinator) LeaveRoom(ctx context.Context, projectID string) error {
	c.op.Lock()
	defer c.op.Unlock()

	cur := c.Current()
	room := projectID
	if room == "" {
		room = cur
	}
	if room == "" {
		return nil
	}
	var leaveErr error
	if s, err := c.sessions.Session(); err == nil {
		if err := s.Leave(ctx, room); err != nil {
			leaveErr = fmt.Errorf("leave room %s: %w", room, err)
		}
	}
	if room == cur {
		c.setCurrent("")
		c.presence.Reset()
	}
	return leaveErr
}

func (c *Coordinator) setCurrent(room string) {
	c.mu.Lock()
	c.current = room
	c.mu.Unlock()
}
