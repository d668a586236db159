package registry

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"scenestream-proxy/work/logger"
	"scenestream-proxy/work/metrics"
)

// Session is the cancellation handle for one live proxied stream of a
// logical entity. It is owned by the Registry for its lifetime; holders
// observe cancellation through Context.
type Session struct {
	EntityID  string
	StartedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
}

// Context returns the context that is cancelled when the session is
// superseded, swept, or ended.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Registry maps entity ids to their currently active stream session and
// enforces at most one live upstream stream per entity. It is an
// explicitly constructed, injectable object so test instances never share
// state.
type Registry struct {
	sessions *xsync.MapOf[string, *Session]
	log      *logger.Logger
}

// New creates an empty Registry.
func New(log *logger.Logger) *Registry {
	return &Registry{
		sessions: xsync.NewMapOf[string, *Session](),
		log:      log,
	}
}

// Begin registers a new session for entityID, derived from parent. If a
// session already exists for the entity it is cancelled synchronously
// before the new one is stored; the registry never holds two live handles
// for the same id. Clients that seek or switch quality rapidly issue
// overlapping requests for the same entity, and the newest one always wins.
func (r *Registry) Begin(parent context.Context, entityID string) *Session {
	ctx, cancel := context.WithCancel(parent)
	session := &Session{
		EntityID:  entityID,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	r.sessions.Compute(entityID, func(old *Session, loaded bool) (*Session, bool) {
		if loaded {
			r.log.Debug("{registry - Begin} Superseding active session for entity %s (started %s ago)",
				entityID, time.Since(old.StartedAt).Round(time.Millisecond))
			old.cancel()
			metrics.SessionsSuperseded.Inc()
		}
		return session, false
	})

	metrics.ActiveSessions.Set(float64(r.sessions.Size()))
	return session
}

// End removes the entry for entityID only if the stored handle is still
// the one being ended, then cancels it. A slow-finishing stale session
// calling End after being superseded is a no-op and never clobbers the
// newer session's entry.
func (r *Registry) End(entityID string, session *Session) {
	r.sessions.Compute(entityID, func(old *Session, loaded bool) (*Session, bool) {
		if loaded && old == session {
			return nil, true
		}
		return old, !loaded
	})
	session.cancel()
	metrics.ActiveSessions.Set(float64(r.sessions.Size()))
}

// Active returns the currently registered session for entityID, or nil.
func (r *Registry) Active(entityID string) *Session {
	s, _ := r.sessions.Load(entityID)
	return s
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	return r.sessions.Size()
}

// Sweep cancels and removes sessions older than maxAge. Stream requests
// normally end their own sessions; the sweep is a backstop for handles
// orphaned by clients that vanished without the request context firing.
func (r *Registry) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	swept := 0
	r.sessions.Range(func(entityID string, s *Session) bool {
		if s.StartedAt.Before(cutoff) {
			r.sessions.Compute(entityID, func(old *Session, loaded bool) (*Session, bool) {
				if loaded && old == s {
					old.cancel()
					swept++
					return nil, true
				}
				return old, !loaded
			})
		}
		return true
	})
	if swept > 0 {
		r.log.Debug("{registry - Sweep} Cancelled %d stale sessions older than %s", swept, maxAge)
		metrics.ActiveSessions.Set(float64(r.sessions.Size()))
	}
	return swept
}
