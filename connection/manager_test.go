package connection

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"board-sync/auth"
	"board-sync/bus"
	"board-sync/domain"
)

type staticVerifier struct{}

func (staticVerifier) Verify(token string) (auth.Identity, error) {
	return auth.Identity{UserID: token, Name: token, Token: token}, nil
}

type countingDialer struct {
	inner bus.Dialer
	dials atomic.Int32
}

func (d *countingDialer) Dial(ctx context.Context, token string) (bus.Session, error) {
	d.dials.Add(1)
	return d.inner.Dial(ctx, token)
}

type failingDialer struct{ dials atomic.Int32 }

func (d *failingDialer) Dial(context.Context, string) (bus.Session, error) {
	d.dials.Add(1)
	return nil, errors.New("connection refused")
}

const token = "header.payload.sig"

var fastPolicy = Policy{MaxAttempts: 5, InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2}

func redisDialer(t *testing.T) (*countingDialer, *miniredis.Miniredis) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	rc := redis.NewClient(&redis.Options{Addr: m.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rc.Close() })
	inner := &bus.RedisDialer{Client: rc, Verifier: staticVerifier{}, Namespace: "test", PingInterval: 10 * time.Millisecond}
	return &countingDialer{inner: inner}, m
}

func TestConnectWithoutTokenStaysDisconnected(t *testing.T) {
	d := &failingDialer{}
	m := NewManager(d)
	if err := m.Connect(context.Background(), "  "); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
	if st := m.Status(); st.State != Disconnected {
		t.Fatalf("unexpected state %s", st.State)
	}
	if d.dials.Load() != 0 {
		t.Fatal("expected no dial without a token")
	}
	if _, err := m.Session(); !errors.Is(err, bus.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestConnectIsNoopWhenConnected(t *testing.T) {
	d, _ := redisDialer(t)
	m := NewManager(d, WithPolicy(fastPolicy))
	t.Cleanup(m.Disconnect)
	if err := m.Connect(context.Background(), "Bearer "+token); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.Connect(context.Background(), token); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if d.dials.Load() != 1 {
		t.Fatalf("expected one dial, got %d", d.dials.Load())
	}
	st := m.Status()
	if st.State != Connected || st.SessionID == "" {
		t.Fatalf("unexpected status %+v", st)
	}
	if m.Identity().UserID != token {
		t.Fatalf("unexpected identity %+v", m.Identity())
	}
}

func TestReconnectionIsBounded(t *testing.T) {
	d := &failingDialer{}
	m := NewManager(d, WithPolicy(fastPolicy))
	t.Cleanup(m.Disconnect)
	if err := m.Connect(context.Background(), token); err == nil {
		t.Fatal("expected first dial to fail")
	}
	require.Eventually(t, func() bool {
		return m.Status().State == Disconnected
	}, 2*time.Second, 5*time.Millisecond)
	if n := d.dials.Load(); n != 6 {
		t.Fatalf("expected first dial plus 5 retries, got %d", n)
	}
	time.Sleep(100 * time.Millisecond)
	if n := d.dials.Load(); n != 6 {
		t.Fatalf("expected no further attempts, got %d", n)
	}
	st := m.Status()
	if st.Attempt != 5 || st.LastError == nil {
		t.Fatalf("unexpected final status %+v", st)
	}
}

func TestLostConnectionRetriesThenGivesUp(t *testing.T) {
	d, srv := redisDialer(t)
	m := NewManager(d, WithPolicy(fastPolicy))
	t.Cleanup(m.Disconnect)
	if err := m.Connect(context.Background(), token); err != nil {
		t.Fatalf("connect: %v", err)
	}
	srv.Close()
	require.Eventually(t, func() bool {
		return d.dials.Load() == 6 && m.Status().State == Disconnected
	}, 3*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	if n := d.dials.Load(); n != 6 {
		t.Fatalf("expected no attempts after giving up, got %d", n)
	}
}

func TestReconnectsWhenBusComesBack(t *testing.T) {
	d, srv := redisDialer(t)
	m := NewManager(d, WithPolicy(Policy{MaxAttempts: 100, InitialDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond}))
	t.Cleanup(m.Disconnect)
	if err := m.Connect(context.Background(), token); err != nil {
		t.Fatalf("connect: %v", err)
	}
	first := m.Status().SessionID
	srv.Close()
	require.Eventually(t, func() bool {
		return m.Status().State != Connected
	}, 2*time.Second, 5*time.Millisecond)
	if err := srv.Restart(); err != nil {
		t.Fatalf("restart miniredis: %v", err)
	}
	require.Eventually(t, func() bool {
		st := m.Status()
		return st.State == Connected && st.SessionID != first
	}, 3*time.Second, 5*time.Millisecond)
}

func TestDisconnectCancelsReconnects(t *testing.T) {
	d := &failingDialer{}
	m := NewManager(d, WithPolicy(Policy{MaxAttempts: 5, InitialDelay: 50 * time.Millisecond, MaxDelay: 50 * time.Millisecond}))
	m.Connect(context.Background(), token)
	if st := m.Status(); st.State != Connecting {
		t.Fatalf("expected connecting while retrying, got %s", st.State)
	}
	m.Disconnect()
	m.Disconnect()
	time.Sleep(150 * time.Millisecond)
	if n := d.dials.Load(); n != 1 {
		t.Fatalf("expected reconnects to stop, got %d dials", n)
	}
	if st := m.Status(); st.State != Disconnected || st.LastError != nil {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestWatchReportsTransitions(t *testing.T) {
	d, _ := redisDialer(t)
	m := NewManager(d, WithPolicy(fastPolicy))
	feed, stop := m.Watch()
	defer stop()
	if st := <-feed; st.State != Disconnected {
		t.Fatalf("expected initial disconnected status, got %s", st.State)
	}
	if err := m.Connect(context.Background(), token); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if st := <-feed; st.State != Connected {
		t.Fatalf("expected latest status connected, got %s", st.State)
	}
	m.Disconnect()
	if st := <-feed; st.State != Disconnected {
		t.Fatalf("expected disconnected, got %s", st.State)
	}
}

func TestEventsArePumpedFromSession(t *testing.T) {
	d, _ := redisDialer(t)
	alice := NewManager(d, WithPolicy(fastPolicy))
	bob := NewManager(d, WithPolicy(fastPolicy))
	t.Cleanup(alice.Disconnect)
	t.Cleanup(bob.Disconnect)
	ctx := context.Background()
	for _, p := range []struct {
		m    *Manager
		user string
	}{{alice, "alice.a.b"}, {bob, "bob.a.b"}} {
		if err := p.m.Connect(ctx, p.user); err != nil {
			t.Fatalf("connect: %v", err)
		}
		s, err := p.m.Session()
		if err != nil {
			t.Fatalf("session: %v", err)
		}
		if err := s.Join(ctx, "p1", domain.PresenceFromUser(s.Identity().User())); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	s, _ := bob.Session()
	if err := s.Publish(ctx, "p1", domain.TaskDeleted, domain.RemovedPayload{TaskID: "t9"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env := <-alice.Events():
			if env.Type == domain.TaskRemoved {
				if env.Actor.ID != "bob.a.b" {
					t.Fatalf("unexpected actor %+v", env.Actor)
				}
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for relayed delete")
		}
	}
}

func TestDisconnectDiscardsBufferedEvents(t *testing.T) {
	d, _ := redisDialer(t)
	alice := NewManager(d, WithPolicy(fastPolicy))
	bob := NewManager(d, WithPolicy(fastPolicy))
	t.Cleanup(alice.Disconnect)
	t.Cleanup(bob.Disconnect)
	ctx := context.Background()
	join := func(m *Manager, user string) bus.Session {
		if err := m.Connect(ctx, user); err != nil {
			t.Fatalf("connect %s: %v", user, err)
		}
		s, err := m.Session()
		if err != nil {
			t.Fatalf("session: %v", err)
		}
		if err := s.Join(ctx, "p1", domain.PresenceFromUser(s.Identity().User())); err != nil {
			t.Fatalf("join: %v", err)
		}
		return s
	}
	join(alice, "alice.a.b")
	peer := join(bob, "bob.a.b")
	for i := 0; i < 5; i++ {
		task := domain.Task{ID: "t1", Title: "Plan", Column: "todo", Version: int64(i + 1)}
		if err := peer.Publish(ctx, "p1", domain.TaskUpdated, domain.TaskPayload{Task: task}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	require.Eventually(t, func() bool {
		updates := 0
		for _, env := range bufferedEvents(alice) {
			if env.Type == domain.TaskUpdated {
				updates++
			}
		}
		return updates == 5
	}, 2*time.Second, 10*time.Millisecond)

	alice.Disconnect()
	select {
	case env := <-alice.Events():
		t.Fatalf("event %s delivered after disconnect", env.Type)
	case <-time.After(100 * time.Millisecond):
	}

	join(alice, "alice.a.b")
	task := domain.Task{ID: "t1", Title: "Plan", Column: "todo", Version: 9}
	if err := peer.Publish(ctx, "p1", domain.TaskUpdated, domain.TaskPayload{Task: task}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env := <-alice.Events():
			if env.Type == domain.TaskUpdated {
				return
			}
		case <-timeout:
			t.Fatal("new session delivered nothing")
		}
	}
}

// bufferedEvents reads what is queued on Events and puts it back.
func bufferedEvents(m *Manager) []domain.Envelope {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	var out []domain.Envelope
	for {
		select {
		case env := <-m.events:
			out = append(out, env)
		default:
			for _, env := range out {
				m.events <- env
			}
			return out
		}
	}
}
