package mcp

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle position of a session.
type SessionState int

// TransportKind names the adapter a session is bound to.
type TransportKind string

// SessionInfo is the registry's record of one session.
type SessionInfo struct {
	ID        string
	CreatedAt time.Time
	Transport TransportKind
	State     SessionState
}

// SessionRegistry maps session ids to their live transport binding. It is safe for concurrent use
// by any number of transports and gateways sharing it.
//
// A removed id is never handed out again: ids are random UUIDs and Create retries on the
// (practically impossible) collision with a live entry.
type SessionRegistry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
	now     func() time.Time
}

type registryEntry struct {
	info    SessionInfo
	session Session
}

// Session states. A session only moves forward through them.
const (
	SessionInitializing SessionState = iota
	SessionActive
	SessionClosed
)

// Transport kinds.
const (
	TransportStdio          TransportKind = "stdio"
	TransportSSE            TransportKind = "sse"
	TransportStreamableHTTP TransportKind = "streamable-http"
)

func (s SessionState) String() string {
	switch s {
	case SessionInitializing:
		return "initializing"
	case SessionActive:
		return "active"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		entries: make(map[string]*registryEntry),
		now:     time.Now,
	}
}

// Create allocates a fresh session id in the initializing state. The entry has no binding until
// Bind is called.
func (r *SessionRegistry) Create(kind TransportKind) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.New().String()
	for r.entries[id] != nil {
		id = uuid.New().String()
	}
	r.entries[id] = &registryEntry{
		info: SessionInfo{
			ID:        id,
			CreatedAt: r.now(),
			Transport: kind,
			State:     SessionInitializing,
		},
	}
	return id
}

// Bind attaches the live transport session to id.
func (r *SessionRegistry) Bind(id string, sess Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return NewError(KindSessionNotFound, "session %s not found", id)
	}
	if e.session != nil {
		return NewError(KindInvalidRequest, "session %s is already bound", id)
	}
	e.session = sess
	return nil
}

// Get returns the binding of a live session. Unknown and closed ids report false.
func (r *SessionRegistry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok || e.info.State == SessionClosed || e.session == nil {
		return nil, false
	}
	return e.session, true
}

// Info returns the registry record of id.
func (r *SessionRegistry) Info(id string) (SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return SessionInfo{}, false
	}
	return e.info, true
}

// Activate moves id from initializing to active. Activating an active session is a no-op.
func (r *SessionRegistry) Activate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.info.State == SessionClosed {
		return NewError(KindSessionNotFound, "session %s not found", id)
	}
	e.info.State = SessionActive
	return nil
}

// Remove closes id and drops it from the registry, returning its binding. Removing an unknown
// or already removed id fails with SessionNotFound.
func (r *SessionRegistry) Remove(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.info.State == SessionClosed {
		return nil, NewError(KindSessionNotFound, "session %s not found", id)
	}
	e.info.State = SessionClosed
	delete(r.entries, id)
	return e.session, nil
}

// Len returns the number of live sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns the records of all live sessions.
func (r *SessionRegistry) Snapshot() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, e.info)
	}
	return infos
}

func (s SessionInfo) String() string {
	return fmt.Sprintf("%s(%s, %s)", s.ID, s.Transport, s.State)
}
