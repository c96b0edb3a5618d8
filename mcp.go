package mcp

import (
	"context"
	"errors"
	"iter"
)

// ServerTransport provides the server-side communication layer of the gateway.
type ServerTransport interface {
	// Sessions returns an iterator that yields new client sessions as they are initiated.
	// Each yielded Session represents a unique client binding. The transport registers every
	// session in the gateway's SessionRegistry before yielding it.
	//
	// The implementation should exit the iteration when the Shutdown method is called.
	Sessions() iter.Seq[Session]

	// Shutdown gracefully shuts down the ServerTransport to clean up resources. The implementations should not
	// close all the Session it produce, the caller would already do that when callling this method. The caller
	// is guaranteed to call this method only once.
	Shutdown(ctx context.Context) error
}

// Session represents a bidirectional communication channel between server and client.
type Session interface {
	// ID returns the identifier the session is registered under.
	ID() string

	// Send transmits a message to the client.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Frames returns an iterator that yields the frames received from the client, already
	// decoded and validated. Frames that fail to decode are answered by the transport; stdio
	// yields them as rejections so they are answered in arrival order. The implementations should
	// exit the iteration if the session is stopped.
	Frames() iter.Seq[Frame]

	// Stop stops the session. Implementations must tolerate repeated calls.
	Stop()
}

// Event is one immutable unit of outbound data retained for resumable delivery.
type Event struct {
	ID      string
	Payload []byte
}

// EventLog retains the most recent outbound events of each session so a reconnecting client can
// resume from the last event it saw.
type EventLog interface {
	// Append stores payload as the next event of the session and returns its id. The oldest
	// event is evicted once the per-session capacity is exceeded.
	Append(ctx context.Context, sessionID string, payload []byte) (string, error)

	// ReplaySince returns the retained events after lastEventID in append order. An empty
	// lastEventID, or one that is no longer retained, yields the entire retained window.
	ReplaySince(ctx context.Context, sessionID, lastEventID string) (iter.Seq[Event], error)

	// Clear drops every retained event of the session.
	Clear(ctx context.Context, sessionID string) error
}

// hostedTransport is implemented by transports that route requests through the gateway's
// registry. NewServer attaches its host to them.
type hostedTransport interface {
	attach(h *sessionHost)
}

// sequentialSession is implemented by sessions whose frames must be answered in arrival order.
type sequentialSession interface {
	sequential() bool
}

// responseDropper is implemented by sessions that hold a caller open until its response is sent.
// They are told when a request will not be answered.
type responseDropper interface {
	dropResponse(id MustString)
}

var errSessionStopped = errors.New("session stopped")

type authTokenKey struct{}

type sessionIDKey struct{}

// ContextWithAuthToken returns a context carrying the caller's bearer token.
func ContextWithAuthToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, authTokenKey{}, token)
}

// AuthTokenFromContext returns the bearer token attached to ctx, if any.
func AuthTokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(authTokenKey{}).(string)
	return token
}

// SessionIDFromContext returns the id of the session a tool call runs in.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey{}).(string)
	return id
}
