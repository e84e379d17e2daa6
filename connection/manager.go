// Package connection owns the single event bus session of a signed in user
// and brings it back after network loss.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"board-sync/auth"
	"board-sync/bus"
	"board-sync/domain"
)

// ErrNoToken is returned by Connect when no credential is available.
var ErrNoToken = errors.New("connection: no auth token")

// State of the bus connection.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
)

// Status is a snapshot of the connection.
type Status struct {
	State     State
	Attempt   int
	LastError error
	SessionID string
}

const eventBuffer = 256

// Manager maintains one bus session. It is safe for concurrent use.
type Manager struct {
	dialer bus.Dialer
	policy Policy
	logger *log.Logger

	mu       sync.Mutex
	token    string
	status   Status
	session  bus.Session
	gen      uint64
	cancel   context.CancelFunc
	watchers map[chan Status]struct{}

	// sendMu orders forwarding against the drain in Disconnect.
	sendMu sync.RWMutex
	events chan domain.Envelope
}

type Option func(*Manager)

func WithPolicy(p Policy) Option { return func(m *Manager) { m.policy = p.normalize() } }

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func NewManager(dialer bus.Dialer, opts ...Option) *Manager {
	m := &Manager{
		dialer:   dialer,
		policy:   DefaultPolicy(),
		logger:   log.StandardLogger(),
		status:   Status{State: Disconnected},
		watchers: make(map[chan Status]struct{}),
		events:   make(chan domain.Envelope, eventBuffer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect opens a session with token. It does nothing while a session is
// live or being established. A failed first dial starts the reconnect
// schedule and returns the dial error.
func (m *Manager) Connect(ctx context.Context, token string) error {
	token = auth.Normalize(token)
	if token == "" {
		m.logger.WithError(ErrNoToken).Warn("not connecting to the event bus")
		return ErrNoToken
	}
	m.mu.Lock()
	if m.status.State != Disconnected {
		m.mu.Unlock()
		return nil
	}
	m.token = token
	m.gen++
	gen := m.gen
	if m.cancel != nil {
		m.cancel()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.setStatusLocked(Status{State: Connecting})
	m.mu.Unlock()

	s, err := m.dialer.Dial(ctx, token)
	if err != nil {
		m.logger.WithError(err).Warn("event bus connect failed")
		m.mu.Lock()
		if gen == m.gen {
			m.setStatusLocked(Status{State: Connecting, LastError: err})
		}
		m.mu.Unlock()
		go m.reconnect(runCtx, gen, token)
		return fmt.Errorf("connect: %w", err)
	}
	m.attach(runCtx, gen, s)
	return nil
}

// Retry reconnects with the last token after the schedule gave up.
func (m *Manager) Retry(ctx context.Context) error {
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()
	return m.Connect(ctx, token)
}

// Disconnect closes the session and cancels pending reconnects. Envelopes
// forwarded by the closed session and not yet read from Events are
// discarded. It is idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	s := m.session
	m.session = nil
	if m.status.State != Disconnected || m.status.LastError != nil {
		m.setStatusLocked(Status{State: Disconnected})
	}
	m.mu.Unlock()

	m.sendMu.Lock()
	dropped := m.drain()
	m.sendMu.Unlock()
	if dropped > 0 {
		m.logger.WithField("dropped", dropped).Debug("discarded buffered events")
	}
	if s != nil {
		if err := s.Close(); err != nil {
			m.logger.WithError(err).Debug("close bus session")
		}
	}
}

func (m *Manager) drain() int {
	n := 0
	for {
		select {
		case <-m.events:
			n++
		default:
			return n
		}
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Session returns the live session or bus.ErrNotConnected.
func (m *Manager) Session() (bus.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, bus.ErrNotConnected
	}
	return m.session, nil
}

// Identity of the current session user, zero when disconnected.
func (m *Manager) Identity() auth.Identity {
	s, err := m.Session()
	if err != nil {
		return auth.Identity{}
	}
	return s.Identity()
}

// Events delivers inbound envelopes of whichever session is live. The
// channel outlives individual sessions.
func (m *Manager) Events() <-chan domain.Envelope { return m.events }

// Watch returns a feed of status changes. The feed always holds the latest
// status; intermediate states may be skipped by slow readers.
func (m *Manager) Watch() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	ch <- m.status
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		delete(m.watchers, ch)
		m.mu.Unlock()
	}
}

func (m *Manager) setStatusLocked(st Status) {
	m.status = st
	for ch := range m.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}

func (m *Manager) attach(ctx context.Context, gen uint64, s bus.Session) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		s.Close()
		return
	}
	m.session = s
	m.setStatusLocked(Status{State: Connected, SessionID: s.ID()})
	m.mu.Unlock()
	m.logger.WithField("session", s.ID()).Info("connected to event bus")
	go m.pump(ctx, gen, s)
}

func (m *Manager) pump(ctx context.Context, gen uint64, s bus.Session) {
	for {
		select {
		case env := <-s.Events():
			if !m.forward(ctx, gen, env) {
				return
			}
		case <-s.Done():
			m.lost(ctx, gen, s)
			return
		case <-ctx.Done():
			return
		}
	}
}

// forward hands env to Events unless the session of gen was replaced or
// disconnected.
func (m *Manager) forward(ctx context.Context, gen uint64, env domain.Envelope) bool {
	m.sendMu.RLock()
	defer m.sendMu.RUnlock()
	m.mu.Lock()
	live := gen == m.gen
	m.mu.Unlock()
	if !live {
		return false
	}
	select {
	case m.events <- env:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) lost(ctx context.Context, gen uint64, s bus.Session) {
	m.mu.Lock()
	if gen != m.gen || m.session != s {
		m.mu.Unlock()
		return
	}
	m.session = nil
	err := s.Err()
	m.setStatusLocked(Status{State: Disconnected, LastError: err})
	token := m.token
	m.mu.Unlock()
	m.logger.WithError(err).Warn("event bus connection lost")
	go m.reconnect(ctx, gen, token)
}

func (m *Manager) reconnect(ctx context.Context, gen uint64, token string) {
	schedule := m.policy.backOff()
	var lastErr error
	for attempt := 1; ; attempt++ {
		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			m.giveUp(gen, attempt-1, lastErr)
			return
		}
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.setStatusLocked(Status{State: Connecting, Attempt: attempt, LastError: lastErr})
		m.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s, err := m.dialer.Dial(ctx, token)
		if err != nil {
			lastErr = err
			m.logger.WithError(err).WithField("attempt", attempt).Warn("event bus reconnect failed")
			continue
		}
		m.attach(ctx, gen, s)
		return
	}
}

func (m *Manager) giveUp(gen uint64, attempts int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.logger.WithError(err).WithField("attempts", attempts).Error("giving up on event bus")
	m.setStatusLocked(Status{State: Disconnected, Attempt: attempts, LastError: err})
}
