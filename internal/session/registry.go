// Package session maintains the in-memory registry of resumable Claude CLI
// conversations. Sessions are keyed by UUID v4, bounded by an idle TTL and a
// hard maximum age, and serialized by a per-session busy flag so that at most
// one request uses a given conversation at a time. Nothing is persisted; a
// restart forgets every session.
package session

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/fred-drake/claude-cli-api/internal/apierr"
)

// AnonymousClient is the owner recorded for requests that carry no API key.
const AnonymousClient = "__anonymous__"

// Session is one resumable conversation with the Claude CLI.
type Session struct {
	ID         string
	ClientID   string
	Model      string
	CreatedAt  time.Time
	LastUsedAt time.Time

	// active is true while a request holds the session lock.
	active bool
}

// Action reports whether Resolve created or resumed a session.
type Action string

const (
	ActionCreated Action = "created"
	ActionResumed Action = "resumed"
)

// Resolution is the outcome of a Resolve call.
type Resolution struct {
	Action    Action
	SessionID string
}

// Registry owns every live session and the periodic sweeper that reclaims
// expired ones.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	ttl    time.Duration
	maxAge time.Duration

	sweeper *time.Ticker
	done    chan struct{}

	now func() time.Time
}

// Typed errors shared by Resolve and AcquireLock. All three not-found causes
// (unknown id, foreign owner, expired) return an identical body so a caller
// cannot probe for other clients' sessions.
func errInvalidSessionID() *apierr.Error {
	return apierr.New(http.StatusBadRequest, apierr.TypeInvalidRequest,
		apierr.CodeInvalidSessionID, "Session id must be a UUID v4.")
}

func errSessionNotFound() *apierr.Error {
	return apierr.New(http.StatusNotFound, apierr.TypeNotFound,
		apierr.CodeSessionNotFound, "Session not found or expired.")
}

func errSessionBusy() *apierr.Error {
	return apierr.New(http.StatusTooManyRequests, apierr.TypeRateLimit,
		apierr.CodeSessionBusy, "Session is currently processing another request.")
}

// NewRegistry creates a registry whose sweeper runs every sweepInterval.
// A non-positive interval disables the sweeper (resolve-time expiry still
// applies), which test suites use for determinism.
func NewRegistry(ttl, maxAge, sweepInterval time.Duration) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		maxAge:   maxAge,
		done:     make(chan struct{}),
		now:      time.Now,
	}
	if sweepInterval > 0 {
		r.sweeper = time.NewTicker(sweepInterval)
		go r.sweepLoop()
	}
	return r
}

func (r *Registry) sweepLoop() {
	for {
		select {
		case <-r.sweeper.C:
			r.Sweep()
		case <-r.done:
			return
		}
	}
}

// Resolve locates or creates the session for a request. With no id a fresh
// session is created for clientID. With an id the session is resumed if it
// exists, belongs to clientID, is within TTL and max age, and is not busy.
// Resolving an expired session deletes it as a side effect.
//
// The returned session has its busy flag set; the caller must ReleaseLock
// when done.
func (r *Registry) Resolve(sessionID, clientID, model string) (*Resolution, *apierr.Error) {
	now := r.now()

	if sessionID == "" {
		s := &Session{
			ID:         uuid.NewString(),
			ClientID:   clientID,
			Model:      model,
			CreatedAt:  now,
			LastUsedAt: now,
			active:     true,
		}
		r.mu.Lock()
		r.sessions[s.ID] = s
		r.mu.Unlock()
		log.Debugf("session %s created for client %s", s.ID, clientID)
		return &Resolution{Action: ActionCreated, SessionID: s.ID}, nil
	}

	// Only the canonical 36-character hyphenated form is accepted;
	// uuid.Parse alone would also admit braced, URN, and unhyphenated ids.
	if len(sessionID) != 36 {
		return nil, errInvalidSessionID()
	}
	parsed, err := uuid.Parse(sessionID)
	if err != nil || parsed.Version() != 4 {
		return nil, errInvalidSessionID()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok || s.ClientID != clientID {
		return nil, errSessionNotFound()
	}
	if r.expiredLocked(s, now) {
		delete(r.sessions, sessionID)
		log.Debugf("session %s expired on resume", sessionID)
		return nil, errSessionNotFound()
	}
	if s.active {
		return nil, errSessionBusy()
	}
	s.active = true
	s.LastUsedAt = now
	return &Resolution{Action: ActionResumed, SessionID: s.ID}, nil
}

// AcquireLock marks a session busy, failing when it already is.
func (r *Registry) AcquireLock(id string) *apierr.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return errSessionNotFound()
	}
	if s.active {
		return errSessionBusy()
	}
	s.active = true
	s.LastUsedAt = r.now()
	return nil
}

// ReleaseLock clears the busy flag and refreshes the idle clock. Releasing
// an unknown id is a no-op so error paths can release unconditionally.
func (r *Registry) ReleaseLock(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		s.active = false
		s.LastUsedAt = r.now()
	}
}

// Get returns a snapshot of the session, for tests and diagnostics.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep removes every idle session past TTL or max age. Busy sessions are
// skipped regardless of age; they re-enter sweeping once released.
func (r *Registry) Sweep() {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.sessions {
		if s.active {
			continue
		}
		if r.expiredLocked(s, now) {
			delete(r.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		log.Debugf("session sweep removed %d expired sessions, %d remain", removed, len(r.sessions))
	}
}

func (r *Registry) expiredLocked(s *Session, now time.Time) bool {
	return now.Sub(s.CreatedAt) > r.maxAge || now.Sub(s.LastUsedAt) > r.ttl
}

// Destroy stops the sweeper and clears all state. The registry must not be
// used afterwards.
func (r *Registry) Destroy() {
	if r.sweeper != nil {
		r.sweeper.Stop()
		close(r.done)
		r.sweeper = nil
	}
	r.mu.Lock()
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
}
