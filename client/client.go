// Package client wires the board components of one signed in user.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"board-sync/bus"
	"board-sync/connection"
	"board-sync/internal/consts"
	"board-sync/notify"
	"board-sync/presence"
	"board-sync/reconcile"
	"board-sync/room"
)

// Config selects the user and project of a Client.
type Config struct {
	Token      string
	Project    string
	Policy     connection.Policy
	WindowSize int
}

// Deps are the external collaborators of a Client.
type Deps struct {
	Dialer      bus.Dialer
	API         reconcile.MutationAPI
	Preferences notify.PreferenceStore
	Sounder     notify.Sounder
	Desktop     notify.Desktop
	Logger      *log.Logger
}

// Client keeps one project board in sync with the event bus.
type Client struct {
	cfg    Config
	logger *log.Logger

	conn     *connection.Manager
	rooms    *room.Coordinator
	presence *presence.Tracker
	toasts   *notify.Queue
	board    *reconcile.Dispatcher

	mu sync.Mutex
	// project is the room joined after a reconnect when none is current.
	project   string
	stopBoard context.CancelFunc
	boardDone chan struct{}

	closing   atomic.Bool
	closeOnce sync.Once
}

func New(cfg Config, deps Deps) (*Client, error) {
	if deps.Dialer == nil {
		return nil, errors.New("client: dialer is required")
	}
	if deps.API == nil {
		return nil, errors.New("client: mutation api is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	store := deps.Preferences
	if store == nil {
		store = &notify.MemoryPreferences{}
	}
	qopts := []notify.Option{notify.WithLogger(logger)}
	if deps.Sounder != nil {
		qopts = append(qopts, notify.WithSounder(deps.Sounder))
	}
	if deps.Desktop != nil {
		qopts = append(qopts, notify.WithDesktop(deps.Desktop))
	}

	c := &Client{cfg: cfg, logger: logger, project: cfg.Project}
	c.conn = connection.NewManager(deps.Dialer, connection.WithPolicy(cfg.Policy), connection.WithLogger(logger))
	c.presence = presence.NewTracker(presence.WithLogger(logger))
	c.toasts = notify.NewQueue(context.Background(), store, qopts...)
	c.rooms = room.NewCoordinator(c.conn, c.presence, logger)
	c.board = reconcile.NewDispatcher(reconcile.Deps{
		API:        deps.API,
		Sessions:   c.conn,
		Rooms:      c.rooms,
		Presence:   c.presence,
		Toasts:     c.toasts,
		Self:       func() string { return c.conn.Identity().UserID },
		Logger:     logger,
		WindowSize: cfg.WindowSize,
	})
	c.rooms.OnJoin(func(ctx context.Context, project string) {
		if err := c.board.Resync(ctx, project); err != nil {
			c.toasts.Add(notify.Options{
				Message:  fmt.Sprintf("Could not load the board: %v", err),
				Category: notify.CategoryError,
			})
		}
	})
	return c, nil
}

func (c *Client) Board() *reconcile.Dispatcher    { return c.board }
func (c *Client) Presence() *presence.Tracker     { return c.presence }
func (c *Client) Toasts() *notify.Queue           { return c.toasts }
func (c *Client) Connection() *connection.Manager { return c.conn }
func (c *Client) Rooms() *room.Coordinator        { return c.rooms }
func (c *Client) Status() connection.Status       { return c.conn.Status() }

// Run connects, joins the configured project and applies bus events until
// ctx is done. Every new session joins the current project again and
// reloads the board. Run only fails when no token is configured.
func (c *Client) Run(ctx context.Context) error {
	statuses, stop := c.conn.Watch()
	defer stop()

	if err := c.conn.Connect(ctx, c.cfg.Token); err != nil {
		if errors.Is(err, connection.ErrNoToken) {
			return err
		}
		c.logger.WithError(err).Warn("initial connect failed, retrying in background")
	}

	boardCtx, stopBoard := context.WithCancel(ctx)
	defer stopBoard()
	done := make(chan struct{})
	c.mu.Lock()
	c.stopBoard, c.boardDone = stopBoard, done
	c.mu.Unlock()
	go func() {
		defer close(done)
		c.board.Run(boardCtx, c.conn.Events())
	}()

	c.watch(ctx, statuses)
	<-done
	return nil
}

func (c *Client) watch(ctx context.Context, statuses <-chan connection.Status) {
	var (
		session string
		lost    bool
	)
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-statuses:
			if c.closing.Load() {
				continue
			}
			switch st.State {
			case connection.Connected:
				if st.SessionID == session {
					continue
				}
				session = st.SessionID
				if lost {
					c.connectionToast(notify.CategorySuccess, "Reconnected to live updates", false, nil)
				} else {
					c.toasts.Remove(c.connectionToastID())
				}
				lost = false
				c.join(ctx)
			case connection.Connecting:
				if st.Attempt > 0 {
					lost = true
					c.connectionToast(notify.CategoryLoading, fmt.Sprintf("Reconnecting (attempt %d)", st.Attempt), true, nil)
				}
			case connection.Disconnected:
				if session == "" && !lost && st.LastError == nil {
					continue
				}
				session = ""
				lost = true
				c.presence.Reset()
				msg := "Live updates unavailable"
				if st.LastError != nil {
					msg = fmt.Sprintf("%s: %v", msg, st.LastError)
				}
				if st.Attempt > 0 {
					c.connectionToast(notify.CategoryError, msg, true, &notify.Action{
						Label: "Retry",
						Run: func() {
							if err := c.conn.Retry(ctx); err != nil {
								c.logger.WithError(err).Warn("retry connect")
							}
						},
					})
				} else {
					c.connectionToast(notify.CategoryWarning, msg, false, nil)
				}
			}
		}
	}
}

func (c *Client) join(ctx context.Context) {
	project := c.rooms.Current()
	if project == "" {
		c.mu.Lock()
		project = c.project
		c.mu.Unlock()
	}
	if project == "" {
		return
	}
	if err := c.rooms.JoinRoom(ctx, project); err != nil {
		c.logger.WithError(err).WithField("room", project).Error("join project room")
	}
}

// SwitchProject joins project, leaving the previous one.
func (c *Client) SwitchProject(ctx context.Context, project string) error {
	c.mu.Lock()
	c.project = project
	c.mu.Unlock()
	return c.rooms.JoinRoom(ctx, project)
}

func (c *Client) connectionToast(cat notify.Category, msg string, persistent bool, action *notify.Action) {
	c.toasts.Add(notify.Options{
		Message:    msg,
		Category:   cat,
		Persistent: persistent,
		DedupeKey:  consts.ConnectionToastKey,
		Action:     action,
	})
}

func (c *Client) connectionToastID() string {
	for _, t := range c.toasts.List() {
		if t.DedupeKey == consts.ConnectionToastKey {
			return t.ID
		}
	}
	return ""
}

// Close leaves the room and disconnects. Events still in flight are dropped
// before all user scoped state is forgotten.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		err = c.rooms.LeaveRoom(ctx, "")
		c.conn.Disconnect()
		c.mu.Lock()
		stop, done := c.stopBoard, c.boardDone
		c.mu.Unlock()
		if stop != nil {
			stop()
			<-done
		}
		c.presence.Reset()
		c.board.Reset()
		c.toasts.Reset()
	})
	return err
}
