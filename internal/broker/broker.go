// Package broker owns the live streaming sessions. It decouples the
// pace of upstream chunk arrival (producer pushes) from downstream
// delivery (consumer pulls) with one buffered queue per session, and
// injects keepalive events while the consumer waits.
package broker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomofuminijo/HealthmateUI/internal/domain"
)

// State is the lifecycle state of a streaming session.
type State string

const (
	// StateOpen accepts both producer pushes and consumer pulls.
	StateOpen State = "open"
	// StateDraining no longer accepts pushes; the consumer may still
	// pull until the queue empties.
	StateDraining State = "draining"
	// StateClosed is terminal: the queue is discarded and any further
	// push or pull is a no-op.
	StateClosed State = "closed"
)

const (
	defaultKeepalive    = 30 * time.Second
	defaultIdleTimeout  = 5 * time.Minute
	defaultReapInterval = 60 * time.Second
	defaultQueueSize    = 256
)

// Session is one live event stream owned by the broker. The transport
// holds only the identifier and the channel returned by Consume.
type Session struct {
	SessionID string
	UserID    string
	CreatedAt time.Time

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	queue        chan domain.StreamEvent
	done         chan struct{}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the time of the session's last push or pull.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Options configures a Broker. Zero values select the defaults.
type Options struct {
	// Keepalive is how long Consume waits for an event before
	// injecting a synthetic keepalive.
	Keepalive time.Duration
	// IdleTimeout is how long a session may sit without activity
	// before the reaper force-closes it.
	IdleTimeout time.Duration
	// ReapInterval is the period of the idle reaper loop.
	ReapInterval time.Duration
	// QueueSize bounds the per-session queue. A producer that
	// overruns it closes the session rather than blocking.
	QueueSize int
}

// Broker manages all streaming sessions.
type Broker struct {
	keepalive    time.Duration
	idleTimeout  time.Duration
	reapInterval time.Duration
	queueSize    int

	mu           sync.RWMutex
	sessions     map[string]*Session
	userSessions map[string]map[string]bool

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a Broker. Call Start to run the idle reaper.
func New(opts Options) *Broker {
	if opts.Keepalive <= 0 {
		opts.Keepalive = defaultKeepalive
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = defaultReapInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	return &Broker{
		keepalive:    opts.Keepalive,
		idleTimeout:  opts.IdleTimeout,
		reapInterval: opts.ReapInterval,
		queueSize:    opts.QueueSize,
		sessions:     make(map[string]*Session),
		userSessions: make(map[string]map[string]bool),
		stop:         make(chan struct{}),
	}
}

// CreateSession allocates a new open session for the user.
func (b *Broker) CreateSession(userID string) *Session {
	now := time.Now()
	s := &Session{
		SessionID:    uuid.New().String(),
		UserID:       userID,
		CreatedAt:    now,
		state:        StateOpen,
		lastActivity: now,
		queue:        make(chan domain.StreamEvent, b.queueSize),
		done:         make(chan struct{}),
	}

	b.mu.Lock()
	b.sessions[s.SessionID] = s
	if b.userSessions[userID] == nil {
		b.userSessions[userID] = make(map[string]bool)
	}
	b.userSessions[userID][s.SessionID] = true
	b.mu.Unlock()

	log.Printf("INFO: created streaming session %s for user %s", s.SessionID, userID)
	return s
}

func (b *Broker) get(sessionID string) *Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sessions[sessionID]
}

// Lookup returns the session when it exists and requestingUser owns
// it. A miss and an ownership mismatch are both ErrNotFound so session
// identifiers never leak across users.
func (b *Broker) Lookup(sessionID, requestingUser string) (*Session, error) {
	s := b.get(sessionID)
	if s == nil || s.UserID != requestingUser {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

// Push appends an event to the session's queue. It is a silent no-op
// for unknown or closed sessions and never blocks the producer: a
// producer that overruns the queue closes the session instead.
func (b *Broker) Push(sessionID string, ev domain.StreamEvent) {
	s := b.get(sessionID)
	if s == nil {
		return
	}

	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return
	}
	select {
	case s.queue <- ev:
		s.lastActivity = time.Now()
		if domain.IsTerminal(ev) {
			s.state = StateDraining
		}
		s.mu.Unlock()
	default:
		// Queue overrun means the consumer is gone or wedged.
		s.state = StateClosed
		close(s.done)
		s.mu.Unlock()
		log.Printf("WARN: session %s queue full, closing", sessionID)
		b.remove(s)
	}
}

// Consume returns the session's event channel for the transport to
// range over. Each wait is bounded by the keepalive interval, after
// which a synthetic keepalive event is produced. Cancelling ctx tears
// the session down; the channel is closed after the terminal event or
// when the session closes.
func (b *Broker) Consume(ctx context.Context, sessionID string) (<-chan domain.StreamEvent, error) {
	s := b.get(sessionID)
	if s == nil {
		return nil, domain.ErrNotFound
	}

	out := make(chan domain.StreamEvent)
	go func() {
		defer close(out)
		keepalive := time.NewTimer(b.keepalive)
		defer keepalive.Stop()

		for {
			select {
			case <-ctx.Done():
				b.closeSession(s)
				return
			case <-s.done:
				return
			case <-b.stop:
				b.closeSession(s)
				return
			case ev := <-s.queue:
				if !deliver(ctx, out, ev) {
					b.closeSession(s)
					return
				}
				s.touch()
				if domain.IsTerminal(ev) {
					b.closeSession(s)
					return
				}
			case <-keepalive.C:
				ka := domain.KeepaliveEvent{Timestamp: time.Now(), Message: "connection active"}
				if !deliver(ctx, out, ka) {
					b.closeSession(s)
					return
				}
				s.touch()
			}
			if !keepalive.Stop() {
				select {
				case <-keepalive.C:
				default:
				}
			}
			keepalive.Reset(b.keepalive)
		}
	}()
	return out, nil
}

func deliver(ctx context.Context, out chan<- domain.StreamEvent, ev domain.StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close closes the session by identifier. It fails with ErrNotFound
// when the session does not exist or requestingUser does not own it;
// ownership mismatch is indistinguishable from a miss by design.
func (b *Broker) Close(sessionID, requestingUser string) error {
	s := b.get(sessionID)
	if s == nil || s.UserID != requestingUser {
		return domain.ErrNotFound
	}
	b.closeSession(s)
	return nil
}

// closeSession transitions the session to CLOSED and releases it.
// Idempotent.
func (b *Broker) closeSession(s *Session) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	close(s.done)
	s.mu.Unlock()

	b.remove(s)
	log.Printf("INFO: closed streaming session %s", s.SessionID)
}

func (b *Broker) remove(s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[s.SessionID]; !ok {
		return
	}
	delete(b.sessions, s.SessionID)
	if set := b.userSessions[s.UserID]; set != nil {
		delete(set, s.SessionID)
		if len(set) == 0 {
			delete(b.userSessions, s.UserID)
		}
	}
}

// ListUserSessions returns the session identifiers owned by the user.
func (b *Broker) ListUserSessions(userID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.userSessions[userID]))
	for id := range b.userSessions[userID] {
		ids = append(ids, id)
	}
	return ids
}

// SessionCount returns the number of live sessions.
func (b *Broker) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// UserCount returns the number of users with live sessions.
func (b *Broker) UserCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.userSessions)
}

// Start launches the idle reaper, the only component permitted to
// close a session without explicit owner action. It returns when ctx
// is cancelled or Shutdown is called.
func (b *Broker) Start(ctx context.Context) {
	go b.reapLoop(ctx)
}

func (b *Broker) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(b.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case <-ticker.C:
			if n := b.reap(); n > 0 {
				log.Printf("INFO: reaped %d idle streaming sessions", n)
			}
		}
	}
}

// reap force-closes sessions idle beyond the timeout or already out
// of a live state. Candidates are snapshotted so no session lock is
// held while iterating the collection.
func (b *Broker) reap() int {
	cutoff := time.Now().Add(-b.idleTimeout)

	b.mu.RLock()
	candidates := make([]*Session, 0)
	for _, s := range b.sessions {
		candidates = append(candidates, s)
	}
	b.mu.RUnlock()

	var reaped int
	for _, s := range candidates {
		s.mu.Lock()
		stale := s.state == StateClosed || s.lastActivity.Before(cutoff)
		s.mu.Unlock()
		if stale {
			b.closeSession(s)
			reaped++
		}
	}
	return reaped
}

// Shutdown closes every session and stops the reaper.
func (b *Broker) Shutdown() {
	b.stopOnce.Do(func() { close(b.stop) })

	b.mu.RLock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.RUnlock()

	for _, s := range sessions {
		b.closeSession(s)
	}
}
