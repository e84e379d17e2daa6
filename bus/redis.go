package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-sync/auth"
	"board-sync/domain"
)

const (
	DefaultPingInterval = 5 * time.Second
	DefaultHeartbeatTTL = 30 * time.Second

	eventBuffer       = 256
	confirmTimeout    = 5 * time.Second
	snapshotOrigin    = "bus"
	leaveOnCloseLimit = 2 * time.Second
)

// TokenVerifier checks the handshake credential.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// RedisDialer opens sessions over Redis pub/sub. The client is shared by all
// sessions and is not closed by them.
type RedisDialer struct {
	Client       *redis.Client
	Verifier     TokenVerifier
	Namespace    string
	PingInterval time.Duration
	HeartbeatTTL time.Duration
	Logger       *log.Logger
	Now          func() time.Time
}

// Dial verifies the token, checks that Redis answers and starts a session.
func (d *RedisDialer) Dial(ctx context.Context, token string) (Session, error) {
	if d.Verifier == nil {
		return nil, fmt.Errorf("%w: no verifier configured", ErrHandshake)
	}
	id, err := d.Verifier.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if err := d.Client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("bus unreachable: %w", err)
	}
	return d.open(id), nil
}

func (d *RedisDialer) keysFor() Keys { return Keys{Namespace: d.Namespace} }

func (d *RedisDialer) open(id auth.Identity) *RedisSession {
	logger := d.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	ping := d.PingInterval
	if ping <= 0 {
		ping = DefaultPingInterval
	}
	ttl := d.HeartbeatTTL
	if ttl <= 0 {
		ttl = DefaultHeartbeatTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &RedisSession{
		id:           uuid.NewString(),
		identity:     id,
		rdb:          d.Client,
		keys:         d.keysFor(),
		now:          now,
		pingInterval: ping,
		heartbeatTTL: ttl,
		ctx:          ctx,
		cancel:       cancel,
		ps:           d.Client.Subscribe(ctx),
		rooms:        make(map[string]domain.PresenceEntry),
		waiters:      make(map[string][]chan struct{}),
		events:       make(chan domain.Envelope, eventBuffer),
		done:         make(chan struct{}),
	}
	s.logger = logger.WithFields(log.Fields{"session": s.id, "user": id.UserID})
	s.wg.Add(2)
	go s.receive()
	go s.health()
	return s
}

// RedisSession is a Session backed by one Redis pub/sub connection.
type RedisSession struct {
	id           string
	identity     auth.Identity
	rdb          *redis.Client
	keys         Keys
	logger       *log.Entry
	now          func() time.Time
	pingInterval time.Duration
	heartbeatTTL time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	ps     *redis.PubSub

	mu      sync.Mutex
	rooms   map[string]domain.PresenceEntry
	waiters map[string][]chan struct{}

	events    chan domain.Envelope
	done      chan struct{}
	err       error
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (s *RedisSession) ID() string                     { return s.id }
func (s *RedisSession) Identity() auth.Identity        { return s.identity }
func (s *RedisSession) Events() <-chan domain.Envelope { return s.events }
func (s *RedisSession) Done() <-chan struct{}          { return s.done }

func (s *RedisSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *RedisSession) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *RedisSession) Join(ctx context.Context, room string, self domain.PresenceEntry) error {
	if s.closed() {
		return ErrSessionClosed
	}
	if room == "" {
		return errors.New("bus: empty room")
	}
	ch := s.keys.Channel(room)
	confirmed := s.await("subscribe", ch)
	if err := s.ps.Subscribe(ctx, ch); err != nil {
		return fmt.Errorf("subscribe %s: %w", room, err)
	}
	if err := s.wait(ctx, confirmed); err != nil {
		return fmt.Errorf("subscribe %s: %w", room, err)
	}

	entry, err := sonic.MarshalString(self)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.keys.Presence(room), self.UserID, entry)
	pipe.ZAdd(ctx, s.keys.Seen(room), redis.Z{Score: float64(s.now().UnixMilli()), Member: self.UserID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record presence in %s: %w", room, err)
	}
	s.mu.Lock()
	s.rooms[room] = self
	s.mu.Unlock()

	if err := s.Publish(ctx, room, domain.JoinRoom, domain.UserPayload{User: self}); err != nil {
		return err
	}
	users, err := s.Occupants(ctx, room)
	if err != nil {
		return err
	}
	data, err := sonic.Marshal(domain.UsersPayload{Users: users})
	if err != nil {
		return err
	}
	s.deliver(domain.Envelope{
		ID:     uuid.NewString(),
		Type:   domain.ProjectUsers,
		Room:   room,
		Origin: snapshotOrigin,
		Time:   s.now().UnixMilli(),
		Data:   data,
	})
	s.logger.WithField("room", room).Debug("joined room")
	return nil
}

func (s *RedisSession) Leave(ctx context.Context, room string) error {
	if s.closed() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	self, ok := s.rooms[room]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	pubErr := s.Publish(ctx, room, domain.LeaveRoom, domain.UserPayload{User: self})

	pipe := s.rdb.TxPipeline()
	pipe.HDel(ctx, s.keys.Presence(room), self.UserID)
	pipe.ZRem(ctx, s.keys.Seen(room), self.UserID)
	_, presErr := pipe.Exec(ctx)

	ch := s.keys.Channel(room)
	confirmed := s.await("unsubscribe", ch)
	subErr := s.ps.Unsubscribe(ctx, ch)
	if subErr == nil {
		subErr = s.wait(ctx, confirmed)
	}

	s.mu.Lock()
	delete(s.rooms, room)
	s.mu.Unlock()
	s.logger.WithField("room", room).Debug("left room")
	return errors.Join(pubErr, presErr, subErr)
}

func (s *RedisSession) Publish(ctx context.Context, room string, typ domain.EventType, payload any) error {
	if s.closed() {
		return ErrSessionClosed
	}
	data, err := sonic.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", typ, err)
	}
	env := domain.Envelope{
		ID:     uuid.NewString(),
		Type:   Relay(typ),
		Room:   room,
		Origin: s.id,
		Actor:  s.identity.User(),
		Time:   s.now().UnixMilli(),
		Data:   data,
	}
	body, err := sonic.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := s.rdb.Publish(ctx, s.keys.Channel(room), body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", typ, err)
	}
	return nil
}

// Occupants returns the live occupants of room sorted by user id. Entries
// without a recent heartbeat are pruned.
func (s *RedisSession) Occupants(ctx context.Context, room string) ([]domain.PresenceEntry, error) {
	seenKey, presKey := s.keys.Seen(room), s.keys.Presence(room)
	cutoff := s.now().Add(-s.heartbeatTTL).UnixMilli()
	if err := s.rdb.ZRemRangeByScore(ctx, seenKey, "-inf", fmt.Sprintf("(%d", cutoff)).Err(); err != nil {
		return nil, fmt.Errorf("prune heartbeats: %w", err)
	}
	live, err := s.rdb.ZRange(ctx, seenKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read heartbeats: %w", err)
	}
	alive := make(map[string]struct{}, len(live))
	for _, id := range live {
		alive[id] = struct{}{}
	}
	all, err := s.rdb.HGetAll(ctx, presKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence: %w", err)
	}
	users := make([]domain.PresenceEntry, 0, len(all))
	var stale []string
	for uid, raw := range all {
		if _, ok := alive[uid]; !ok {
			stale = append(stale, uid)
			continue
		}
		var p domain.PresenceEntry
		if err := sonic.UnmarshalString(raw, &p); err != nil || p.UserID == "" {
			s.logger.WithError(err).WithField("user", uid).Warn("dropping unreadable presence entry")
			stale = append(stale, uid)
			continue
		}
		users = append(users, p)
	}
	if len(stale) > 0 {
		if err := s.rdb.HDel(ctx, presKey, stale...).Err(); err != nil {
			s.logger.WithError(err).Debug("prune presence")
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users, nil
}

// Close leaves every joined room and ends the session.
func (s *RedisSession) Close() error {
	if s.closed() {
		return nil
	}
	s.mu.Lock()
	rooms := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), leaveOnCloseLimit)
	defer cancel()
	for _, r := range rooms {
		if err := s.Leave(ctx, r); err != nil {
			s.logger.WithError(err).WithField("room", r).Debug("leave on close")
		}
	}
	s.end(ErrSessionClosed)
	s.wg.Wait()
	return nil
}

func (s *RedisSession) end(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		s.cancel()
		if cerr := s.ps.Close(); cerr != nil {
			s.logger.WithError(cerr).Debug("close pubsub")
		}
	})
}

func (s *RedisSession) deliver(env domain.Envelope) {
	select {
	case s.events <- env:
	case <-s.done:
	}
}

func (s *RedisSession) receive() {
	defer s.wg.Done()
	for {
		msg, err := s.ps.Receive(s.ctx)
		if err != nil {
			if s.closed() || errors.Is(err, redis.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			s.logger.WithError(err).Error("pubsub receive failed")
			s.end(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}
		switch m := msg.(type) {
		case *redis.Subscription:
			s.confirm(m.Kind, m.Channel)
		case *redis.Message:
			var env domain.Envelope
			if err := sonic.UnmarshalString(m.Payload, &env); err != nil {
				s.logger.WithError(err).WithField("channel", m.Channel).Error("unable to parse envelope")
				continue
			}
			if env.Origin == s.id {
				continue
			}
			s.deliver(env)
		}
	}
}

// health pings Redis and refreshes heartbeats of joined rooms.
func (s *RedisSession) health() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(s.ctx, s.pingInterval)
		err := s.rdb.Ping(ctx).Err()
		if err == nil {
			s.heartbeat(ctx)
		}
		cancel()
		if err != nil {
			if s.closed() {
				return
			}
			s.logger.WithError(err).Warn("bus ping failed")
			s.end(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}
	}
}

func (s *RedisSession) heartbeat(ctx context.Context) {
	s.mu.Lock()
	rooms := make(map[string]string, len(s.rooms))
	for r, self := range s.rooms {
		rooms[r] = self.UserID
	}
	s.mu.Unlock()
	score := float64(s.now().UnixMilli())
	for room, uid := range rooms {
		if err := s.rdb.ZAdd(ctx, s.keys.Seen(room), redis.Z{Score: score, Member: uid}).Err(); err != nil {
			s.logger.WithError(err).WithField("room", room).Debug("refresh heartbeat")
		}
	}
}

func (s *RedisSession) await(kind, channel string) chan struct{} {
	ch := make(chan struct{})
	key := kind + ":" + channel
	s.mu.Lock()
	s.waiters[key] = append(s.waiters[key], ch)
	s.mu.Unlock()
	return ch
}

func (s *RedisSession) confirm(kind, channel string) {
	key := strings.ToLower(kind) + ":" + channel
	s.mu.Lock()
	waiting := s.waiters[key]
	delete(s.waiters, key)
	s.mu.Unlock()
	for _, ch := range waiting {
		close(ch)
	}
}

func (s *RedisSession) wait(ctx context.Context, confirmed chan struct{}) error {
	timer := time.NewTimer(confirmTimeout)
	defer timer.Stop()
	select {
	case <-confirmed:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("subscription not confirmed")
	}
}
