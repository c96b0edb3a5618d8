package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

// Headers of the stateful HTTP transport.
const (
	HeaderSessionID   = "Mcp-Session-Id"
	HeaderLastEventID = "Last-Event-ID"
)

// StreamableHTTPServer implements the stateful HTTP transport on a single endpoint:
//
//   - POST carries one frame. An initialize request without a session header creates a session
//     and returns its id in the Mcp-Session-Id response header. Every other request must carry
//     the header of a live session.
//   - GET opens an event stream for a session. Retained events after Last-Event-ID are replayed
//     first, then new outbound messages are pushed as they are produced.
//   - DELETE terminates the session.
//
// With an idle timeout set, sessions without requests, open streams or outbound messages for that
// long are terminated.
//
// Every outbound message of a session is appended to the gateway's EventLog before delivery, so a
// client that lost its stream can resume it.
type StreamableHTTPServer struct {
	logger          *slog.Logger
	host            *sessionHost
	maxBodySize     int64
	responseTimeout time.Duration
	idleTimeout     time.Duration

	sessions chan *streamableSession

	done     chan struct{}
	closed   chan struct{}
	doneOnce sync.Once
}

// StreamableHTTPOption represents the options for the StreamableHTTPServer.
type StreamableHTTPOption func(*StreamableHTTPServer)

type streamableSession struct {
	id     string
	events EventLog
	logger *slog.Logger

	frames chan Frame

	// mu guards the fields below and orders Send against Stop, so nothing is appended to the
	// event log once the session is stopped.
	mu          sync.Mutex
	waiters     map[MustString]chan JSONRPCMessage
	subscribers map[chan struct{}]struct{}
	lastActive  time.Time
	stopped     bool
	done        chan struct{}
}

const defaultResponseTimeout = 2 * time.Minute

// NewStreamableHTTPServer creates the stateful HTTP transport. It has to be attached to a gateway
// with NewServer before it can serve requests.
func NewStreamableHTTPServer(options ...StreamableHTTPOption) *StreamableHTTPServer {
	s := &StreamableHTTPServer{
		logger:          slog.Default(),
		maxBodySize:     defaultMaxBodySize,
		responseTimeout: defaultResponseTimeout,
		sessions:        make(chan *streamableSession, 5),
		done:            make(chan struct{}),
		closed:          make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithStreamableHTTPLogger sets the logger for the stateful HTTP transport.
func WithStreamableHTTPLogger(logger *slog.Logger) StreamableHTTPOption {
	return func(s *StreamableHTTPServer) {
		s.logger = logger.With(
			slog.String("package", "orders-mcp"),
			slog.String("component", "streamable-http"),
		)
	}
}

// WithStreamableHTTPMaxBodySize limits the size of posted frames.
func WithStreamableHTTPMaxBodySize(size int64) StreamableHTTPOption {
	return func(s *StreamableHTTPServer) {
		s.maxBodySize = size
	}
}

// WithStreamableHTTPResponseTimeout bounds how long a POST waits for the gateway's response.
func WithStreamableHTTPResponseTimeout(timeout time.Duration) StreamableHTTPOption {
	return func(s *StreamableHTTPServer) {
		s.responseTimeout = timeout
	}
}

// WithStreamableHTTPIdleTimeout terminates sessions that stayed idle for timeout. A session with
// an open stream or a pending POST is never idle. Zero keeps sessions until they are deleted.
func WithStreamableHTTPIdleTimeout(timeout time.Duration) StreamableHTTPOption {
	return func(s *StreamableHTTPServer) {
		s.idleTimeout = timeout
	}
}

func (s *StreamableHTTPServer) attach(h *sessionHost) {
	s.host = h
}

// Sessions returns an iterator over the sessions created by initialize requests.
func (s *StreamableHTTPServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		if s.idleTimeout > 0 {
			stop := make(chan struct{})
			reaped := make(chan struct{})
			go func() {
				defer close(reaped)
				s.reapIdle(stop)
			}()
			defer func() {
				close(stop)
				<-reaped
			}()
		}

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown stops accepting new sessions.
func (s *StreamableHTTPServer) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.done) })

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close streamable HTTP server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// reapIdle terminates idle sessions until stop is closed.
func (s *StreamableHTTPServer) reapIdle(stop <-chan struct{}) {
	ticker := time.NewTicker(max(s.idleTimeout/2, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			for _, info := range s.host.registry.Snapshot() {
				if info.Transport != TransportStreamableHTTP {
					continue
				}
				sess, ok := s.lookup(info.ID)
				if !ok || !sess.idleSince(now, s.idleTimeout) {
					continue
				}
				s.logger.Info("terminating idle session", slog.String("sessionID", info.ID))
				if err := s.host.terminate(context.Background(), info.ID); err != nil &&
					!errors.Is(err, ErrSessionNotFound) {
					s.logger.Warn("failed to terminate session", slog.String("err", err.Error()))
				}
			}
		}
	}
}

// ServeHTTP implements http.Handler.
func (s *StreamableHTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("handler panicked", slog.Any("panic", rec))
			writeJSONRPC(w, http.StatusInternalServerError,
				errorResponse("", &Error{Kind: KindInternalError}))
		}
	}()

	if s.host == nil {
		http.Error(w, "transport is not served", http.StatusServiceUnavailable)
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *StreamableHTTPServer) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodySize))
	if err != nil {
		writeJSONRPC(w, http.StatusRequestEntityTooLarge,
			errorResponse("", NewError(KindInvalidRequest, "failed to read request body")))
		return
	}

	frame, err := DecodeFrame(body)
	if err != nil {
		s.logger.Warn("rejected frame", slog.String("err", err.Error()))
		writeJSONRPC(w, http.StatusBadRequest, errorResponse("", err))
		return
	}
	if call, ok := frame.(CallToolRequest); ok {
		call.AuthToken = bearerToken(r)
		frame = call
	}

	sess, created, err := s.sessionFor(r, frame)
	if err != nil {
		writeJSONRPC(w, http.StatusBadRequest, errorResponse(FrameID(frame), err))
		return
	}

	if !IsRequest(frame) {
		if !sess.deliver(r.Context(), frame) {
			writeJSONRPC(w, http.StatusBadRequest, errorResponse("", sessionGone(sess.id)))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	id := FrameID(frame)
	responses := sess.expect(id)
	defer sess.forget(id)

	if !sess.deliver(r.Context(), frame) {
		writeJSONRPC(w, http.StatusBadRequest, errorResponse(id, sessionGone(sess.id)))
		return
	}

	timer := time.NewTimer(s.responseTimeout)
	defer timer.Stop()

	var (
		msg      JSONRPCMessage
		answered bool
	)
	select {
	case msg, answered = <-responses:
		if !answered {
			// The call was cancelled, no response follows.
			w.WriteHeader(http.StatusAccepted)
			return
		}
	case <-sess.done:
		writeJSONRPC(w, http.StatusBadRequest, errorResponse(id, sessionGone(sess.id)))
		return
	case <-timer.C:
		s.logger.Warn("timed out waiting for response",
			slog.String("sessionID", sess.id),
			slog.String("id", string(id)))
		writeJSONRPC(w, http.StatusGatewayTimeout,
			errorResponse(id, &Error{Kind: KindInternalError}))
		return
	case <-r.Context().Done():
		return
	}

	if created {
		if msg.Error != nil {
			// A failed handshake leaves nothing behind.
			if err := s.host.terminate(context.Background(), sess.id); err != nil &&
				!errors.Is(err, ErrSessionNotFound) {
				s.logger.Warn("failed to terminate session", slog.String("err", err.Error()))
			}
		} else {
			w.Header().Set(HeaderSessionID, sess.id)
		}
	}

	writeJSONRPC(w, statusForError(msg.Error), msg)
}

// sessionFor resolves the session a POSTed frame belongs to, creating one for an initialize
// request without a session header.
func (s *StreamableHTTPServer) sessionFor(r *http.Request, frame Frame) (*streamableSession, bool, error) {
	sessID := r.Header.Get(HeaderSessionID)
	if sessID != "" {
		sess, ok := s.lookup(sessID)
		if !ok {
			return nil, false, NewError(KindSessionNotFound, "session %q not found", sessID)
		}
		return sess, false, nil
	}

	if _, ok := frame.(InitializeRequest); !ok {
		return nil, false, NewError(KindInvalidRequest, "missing %s header", HeaderSessionID)
	}

	var sess *streamableSession
	if _, err := s.host.open(TransportStreamableHTTP, func(id string) Session {
		sess = &streamableSession{
			id:          id,
			events:      s.host.events,
			logger:      s.logger.With(slog.String("sessionID", id)),
			frames:      make(chan Frame, 5),
			waiters:     make(map[MustString]chan JSONRPCMessage),
			subscribers: make(map[chan struct{}]struct{}),
			lastActive:  time.Now(),
			done:        make(chan struct{}),
		}
		return sess
	}); err != nil {
		return nil, false, err
	}

	select {
	case s.sessions <- sess:
	case <-s.done:
		_ = s.host.terminate(context.Background(), sess.id)
		return nil, false, NewError(KindInvalidRequest, "server is shutting down")
	}
	return sess, true, nil
}

func (s *StreamableHTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	sessID := r.Header.Get(HeaderSessionID)
	sess, ok := s.lookup(sessID)
	if !ok {
		writeJSONRPC(w, http.StatusBadRequest, errorResponse("", sessionGone(sessID)))
		return
	}

	notify := sess.subscribe()
	defer sess.unsubscribe(notify)

	stream, err := sse.Upgrade(w, r)
	if err != nil {
		s.logger.Error("failed to upgrade session", slog.String("err", err.Error()))
		http.Error(w, "failed to upgrade session", http.StatusInternalServerError)
		return
	}

	last := r.Header.Get(HeaderLastEventID)
	replaying := true

	for {
		events, err := s.host.events.ReplaySince(r.Context(), sess.id, last)
		if err != nil {
			s.logger.Error("failed to replay events", slog.String("err", err.Error()))
			return
		}

		sent := 0
		for ev := range events {
			msg := &sse.Message{
				ID:   sse.ID(ev.ID),
				Type: sse.Type("message"),
			}
			msg.AppendData(string(ev.Payload))
			if err := stream.Send(msg); err != nil {
				s.logger.Debug("stream closed", slog.String("err", err.Error()))
				return
			}
			last = ev.ID
			sent++
		}
		if err := stream.Flush(); err != nil {
			s.logger.Debug("stream closed", slog.String("err", err.Error()))
			return
		}
		if replaying {
			s.host.metrics.replayed(sent)
			replaying = false
		}

		select {
		case <-notify:
		case <-sess.done:
			return
		case <-s.done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *StreamableHTTPServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessID := r.Header.Get(HeaderSessionID)
	if sessID == "" {
		writeJSONRPC(w, http.StatusBadRequest,
			errorResponse("", NewError(KindInvalidRequest, "missing %s header", HeaderSessionID)))
		return
	}
	if _, ok := s.lookup(sessID); !ok {
		writeJSONRPC(w, http.StatusBadRequest, errorResponse("", sessionGone(sessID)))
		return
	}
	if err := s.host.terminate(r.Context(), sessID); err != nil {
		writeJSONRPC(w, http.StatusBadRequest, errorResponse("", err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *StreamableHTTPServer) lookup(id string) (*streamableSession, bool) {
	target, ok := s.host.lookup(id)
	if !ok {
		return nil, false
	}
	sess, ok := target.(*streamableSession)
	return sess, ok
}

func (s *streamableSession) ID() string { return s.id }

// Send records msg in the event log, hands a response to the POST waiting for it and wakes the
// open streams.
func (s *streamableSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return errSessionStopped
	}
	if _, err := s.events.Append(ctx, s.id, payload); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	s.lastActive = time.Now()

	if msg.Method == "" {
		if waiter, ok := s.waiters[msg.ID]; ok {
			waiter <- msg
			delete(s.waiters, msg.ID)
		}
	}
	for notify := range s.subscribers {
		select {
		case notify <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *streamableSession) Frames() iter.Seq[Frame] {
	return func(yield func(Frame) bool) {
		for {
			select {
			case frame := <-s.frames:
				if !yield(frame) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

func (s *streamableSession) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	close(s.done)
}

func (s *streamableSession) deliver(ctx context.Context, frame Frame) bool {
	s.touch()
	select {
	case s.frames <- frame:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *streamableSession) expect(id MustString) <-chan JSONRPCMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan JSONRPCMessage, 1)
	s.waiters[id] = ch
	return ch
}

func (s *streamableSession) forget(id MustString) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waiters, id)
	s.lastActive = time.Now()
}

// dropResponse releases the POST waiting for id with a closed channel.
func (s *streamableSession) dropResponse(id MustString) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if waiter, ok := s.waiters[id]; ok {
		close(waiter)
		delete(s.waiters, id)
	}
}

func (s *streamableSession) subscribe() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan struct{}, 1)
	s.subscribers[ch] = struct{}{}
	s.lastActive = time.Now()
	return ch
}

func (s *streamableSession) unsubscribe(ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, ch)
	s.lastActive = time.Now()
}

func (s *streamableSession) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
}

// idleSince reports whether nothing happened on the session for timeout before now.
func (s *streamableSession) idleSince(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.waiters) > 0 || len(s.subscribers) > 0 {
		return false
	}
	return now.Sub(s.lastActive) >= timeout
}

func sessionGone(id string) *Error {
	return NewError(KindSessionNotFound, "session %q not found", id)
}

// statusForError maps a response's error to the HTTP status it travels with. Tool-level failures
// are regular 200 responses, only protocol violations change the status.
func statusForError(e *JSONRPCError) int {
	if e == nil {
		return http.StatusOK
	}
	switch e.Code {
	case jsonRPCParseErrorCode, jsonRPCInvalidRequestCode, jsonRPCMethodNotFoundCode, jsonRPCSessionNotFoundCode:
		return http.StatusBadRequest
	case jsonRPCInternalErrorCode:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

func writeJSONRPC(w http.ResponseWriter, status int, msg JSONRPCMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		slog.Default().Debug("failed to write response", slog.String("err", err.Error()))
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
