// Package registry tracks live session state: one Session per connection,
// quota bookkeeping per IP and per subject, and the idle sweep.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/marketgate/internal/policy"
	"github.com/nmxmxh/marketgate/internal/token"
	"github.com/nmxmxh/marketgate/pkg/errors"
)

// Verifier is the slice of the token authority the registry needs.
type Verifier interface {
	Verify(tokenStr string) (*token.Claims, error)
}

// Session is the state of one live connection. Owned exclusively by the
// Registry; callers only ever see copies.
type Session struct {
	ConnID        string
	SubjectID     string
	Role          token.Role
	IP            string
	ConnectedAt   time.Time
	LastActivity  time.Time
	Subscriptions []string

	subscriptions map[string]struct{}
}

// Config bounds concurrent connections.
type Config struct {
	MaxPerIP      int
	MaxPerSubject int
}

// Registry is the single owner of all sessions. Mutex guarded.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byIP     map[string]map[string]struct{}
	bySubj   map[string]map[string]struct{}

	verifier Verifier
	policy   *policy.Policy
	cfg      Config
	log      *zap.Logger
	clock    func() time.Time
}

// New creates a registry.
func New(verifier Verifier, perm *policy.Policy, cfg Config, log *zap.Logger) *Registry {
	if cfg.MaxPerIP <= 0 {
		cfg.MaxPerIP = 10
	}
	if cfg.MaxPerSubject <= 0 {
		cfg.MaxPerSubject = 3
	}
	return &Registry{
		sessions: make(map[string]*Session),
		byIP:     make(map[string]map[string]struct{}),
		bySubj:   make(map[string]map[string]struct{}),
		verifier: verifier,
		policy:   perm,
		cfg:      cfg,
		log:      log,
		clock:    time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Authenticate verifies the token, enforces per-IP and per-subject quotas, and
// registers a session for the connection. The returned session is a copy.
func (r *Registry) Authenticate(connID, tokenStr, ip string) (Session, error) {
	claims, err := r.verifier.Verify(tokenStr)
	if err != nil {
		return Session{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.byIP[ip]) >= r.cfg.MaxPerIP {
		return Session{}, errors.Wrap(errors.ErrQuotaExceeded, "too many connections from ip")
	}
	if len(r.bySubj[claims.SubjectID]) >= r.cfg.MaxPerSubject {
		return Session{}, errors.Wrap(errors.ErrQuotaExceeded, "too many connections for subject")
	}

	now := r.clock()
	sess := &Session{
		ConnID:        connID,
		SubjectID:     claims.SubjectID,
		Role:          claims.Role,
		IP:            ip,
		ConnectedAt:   now,
		LastActivity:  now,
		subscriptions: make(map[string]struct{}),
	}
	r.sessions[connID] = sess
	index(r.byIP, ip, connID)
	index(r.bySubj, claims.SubjectID, connID)

	if r.log != nil {
		r.log.Info("session registered",
			zap.String("conn_id", connID),
			zap.String("subject_id", claims.SubjectID),
			zap.String("role", claims.Role.String()),
			zap.String("ip", ip))
	}
	return sess.snapshot(), nil
}

// Subscribe adds the channel to the session's subscription set after the
// permission check. A denied subscribe leaves the set untouched.
func (r *Registry) Subscribe(connID, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[connID]
	if !ok {
		return errors.ErrSessionNotFound
	}
	if !r.policy.HasPermission(sess.Role, channel) {
		if r.log != nil && !r.policy.Known(channel) {
			r.log.Warn("subscribe to unknown channel denied",
				zap.String("conn_id", connID),
				zap.String("channel", channel))
		}
		return errors.ErrPermissionDenied
	}
	sess.subscriptions[channel] = struct{}{}
	return nil
}

// Unsubscribe removes the channel from the subscription set. Idempotent.
func (r *Registry) Unsubscribe(connID, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[connID]
	if !ok {
		return errors.ErrSessionNotFound
	}
	delete(sess.subscriptions, channel)
	return nil
}

// Touch updates last-activity. Called on every inbound frame so the idle
// sweep only evicts genuinely silent connections.
func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[connID]
	if !ok {
		return
	}
	sess.LastActivity = r.clock()
}

// Disconnect removes the session and all quota index entries. Idempotent.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(connID)
}

// Sweep evicts sessions idle longer than maxIdle and returns their ids.
func (r *Registry) Sweep(maxIdle time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	var evicted []string
	for connID, sess := range r.sessions {
		if now.Sub(sess.LastActivity) > maxIdle {
			evicted = append(evicted, connID)
		}
	}
	for _, connID := range evicted {
		r.remove(connID)
	}
	if len(evicted) > 0 && r.log != nil {
		r.log.Info("idle sweep evicted sessions", zap.Int("count", len(evicted)))
	}
	return evicted
}

// Get returns a copy of the session.
func (r *Registry) Get(connID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[connID]
	if !ok {
		return Session{}, false
	}
	return sess.snapshot(), true
}

// Subscribers returns the ids of every connection subscribed to the channel.
func (r *Registry) Subscribers(channel string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var subs []string
	for connID, sess := range r.sessions {
		if _, ok := sess.subscriptions[channel]; ok {
			subs = append(subs, connID)
		}
	}
	return subs
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// remove must be called with the lock held.
func (r *Registry) remove(connID string) {
	sess, ok := r.sessions[connID]
	if !ok {
		return
	}
	delete(r.sessions, connID)
	unindex(r.byIP, sess.IP, connID)
	unindex(r.bySubj, sess.SubjectID, connID)
}

func (s *Session) snapshot() Session {
	out := *s
	out.Subscriptions = make([]string, 0, len(s.subscriptions))
	for ch := range s.subscriptions {
		out.Subscriptions = append(out.Subscriptions, ch)
	}
	out.subscriptions = nil
	return out
}

func index(m map[string]map[string]struct{}, key, connID string) {
	if m[key] == nil {
		m[key] = make(map[string]struct{})
	}
	m[key][connID] = struct{}{}
}

func unindex(m map[string]map[string]struct{}, key, connID string) {
	if set, ok := m[key]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(m, key)
		}
	}
}
