package bridgehttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// session is one live SSE stream paired with the POST endpoint advertised to
// the client. Writes are serialized; a closed session drops writes instead of
// erroring so late deliveries after disconnect are harmless.
type session struct {
	serverID  string
	sessionID string

	mu     sync.Mutex
	w      io.Writer
	f      http.Flusher
	ctx    context.Context
	closed bool
}

func (s *session) key() string {
	return sessionKey(s.serverID, s.sessionID)
}

func sessionKey(serverID, sessionID string) string {
	return serverID + ":" + sessionID
}

// send writes one SSE frame. An empty event name emits a bare data frame; an
// event name with empty data emits an empty data line, which the SSE parser
// delivers as an empty payload.
func (s *session) send(event, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// comment writes an SSE comment line, used for keepalives.
func (s *session) comment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// sessionRegistry holds the live sessions keyed by (serverID, sessionID) and
// a latest-session pointer per server used as a routing fallback when a
// client reconnected and is still POSTing against a stale session id.
type sessionRegistry struct {
	mu     sync.Mutex
	byKey  map[string]*session
	latest map[string]*session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		byKey:  make(map[string]*session),
		latest: make(map[string]*session),
	}
}

// add registers the session and makes it the latest for its server.
// At most one live session exists per (serverID, sessionID); a duplicate key
// replaces the old entry, which is closed.
func (r *sessionRegistry) add(s *session) {
	r.mu.Lock()
	prev := r.byKey[s.key()]
	r.byKey[s.key()] = s
	r.latest[s.serverID] = s
	r.mu.Unlock()
	if prev != nil {
		prev.close()
	}
}

// remove deregisters the session and clears the latest pointer if it still
// refers to this session.
func (r *sessionRegistry) remove(s *session) {
	r.mu.Lock()
	if r.byKey[s.key()] == s {
		delete(r.byKey, s.key())
	}
	if r.latest[s.serverID] == s {
		delete(r.latest, s.serverID)
	}
	r.mu.Unlock()
	s.close()
}

// resolve finds the session for an exact (serverID, sessionID) match, falling
// back to the server's latest session. Returns nil when neither exists.
func (r *sessionRegistry) resolve(serverID, sessionID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byKey[sessionKey(serverID, sessionID)]; ok {
		return s
	}
	return r.latest[serverID]
}
