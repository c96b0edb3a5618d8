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
	"sync"

	"github.com/tmaxmax/go-sse"
)

// SSEServer implements the push-stream transport: a client opens a long-lived Server-Sent Events
// stream with GET and posts its frames to a message endpoint carrying the session id the stream
// announced in its first "endpoint" event. Every stream is one session, closing the stream ends it.
//
// The handlers returned by HandleSSE and HandleMessage can be mounted on any HTTP router.
// Instances should be created using NewSSEServer and are attached to a gateway by NewServer.
type SSEServer struct {
	messageURL  string
	logger      *slog.Logger
	host        *sessionHost
	maxBodySize int64

	sessions chan *sseServerSession

	done   chan struct{}
	closed chan struct{}
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

type sseServerSession struct {
	id       string
	sess     *sse.Session
	sendMsgs chan sseServerSessionSendMsg
	frames   chan Frame
	logger   *slog.Logger

	done       chan struct{}
	stopOnce   *sync.Once
	sendClosed chan struct{}
}

type sseServerSessionSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

const defaultMaxBodySize = 1 << 20

// NewSSEServer creates an SSE transport whose streams direct clients to post frames to messageURL.
func NewSSEServer(messageURL string, options ...SSEServerOption) *SSEServer {
	s := &SSEServer{
		messageURL:  messageURL,
		logger:      slog.Default(),
		maxBodySize: defaultMaxBodySize,
		sessions:    make(chan *sseServerSession, 5),
		done:        make(chan struct{}),
		closed:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithSSEServerLogger sets the logger for the SSE transport.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(
			slog.String("package", "orders-mcp"),
			slog.String("component", "sse"),
		)
	}
}

// WithSSEServerMaxBodySize limits the size of posted frames.
func WithSSEServerMaxBodySize(size int64) SSEServerOption {
	return func(s *SSEServer) {
		s.maxBodySize = size
	}
}

func (s *SSEServer) attach(h *sessionHost) {
	s.host = h
}

// Sessions returns an iterator over new client sessions, one per opened stream.
func (s *SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				// Forward the session to the caller.
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown stops yielding sessions. Open streams are closed by the gateway stopping their sessions.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	// Signal the server to shutdown.
	close(s.done)

	// Wait for main loop to finish.
	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler for managing SSE connections over GET requests.
// The handler upgrades HTTP connections to SSE, registers a session and provides the client
// with its message endpoint. The connection remains active until either the client disconnects
// or the session is terminated.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.host == nil {
			http.Error(w, "transport is not served", http.StatusServiceUnavailable)
			return
		}

		// Received the request to establish a new SSE session.
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			s.logger.Error("failed to upgrade session", slog.String("err", err.Error()))
			http.Error(w, "failed to upgrade session", http.StatusInternalServerError)
			return
		}

		var srvSession *sseServerSession
		if _, err := s.host.open(TransportSSE, func(id string) Session {
			srvSession = &sseServerSession{
				id:         id,
				sess:       sess,
				logger:     s.logger.With(slog.String("sessionID", id)),
				sendMsgs:   make(chan sseServerSessionSendMsg, 5),
				frames:     make(chan Frame, 5),
				done:       make(chan struct{}),
				stopOnce:   &sync.Once{},
				sendClosed: make(chan struct{}),
			}
			return srvSession
		}); err != nil {
			s.logger.Error("failed to register session", slog.String("err", err.Error()))
			http.Error(w, "failed to register session", http.StatusInternalServerError)
			return
		}

		// Form an url for the client that can be used to communicate with the server session.
		url := fmt.Sprintf("%s?sessionID=%s", s.messageURL, srvSession.id)

		// Use the type "endpoint" to indicate the endpoint URL.
		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(url)
		if err := sess.Send(&msg); err == nil {
			err = sess.Flush()
		}
		if err != nil {
			s.logger.Error("failed to write SSE endpoint", slog.String("err", err.Error()))
			_ = s.host.terminate(context.Background(), srvSession.id)
			return
		}

		go srvSession.processSendMessages()

		// Feed the sessions channel that would be consumed in Sessions loop, so it can be fowarded to caller.
		select {
		case s.sessions <- srvSession:
		case <-s.done:
			_ = s.host.terminate(context.Background(), srvSession.id)
			return
		case <-r.Context().Done():
			_ = s.host.terminate(context.Background(), srvSession.id)
			return
		}

		// Block until the session is closed, so the connection is left open.
		select {
		case <-srvSession.done:
		case <-r.Context().Done():
			// The client went away, the session goes with it.
			if err := s.host.terminate(context.Background(), srvSession.id); err != nil &&
				!errors.Is(err, ErrSessionNotFound) {
				s.logger.Warn("failed to terminate session", slog.String("err", err.Error()))
			}
		}
		<-srvSession.sendClosed
	})
}

// HandleMessage returns an http.Handler for processing client frames sent via POST requests.
// The handler expects a sessionID query parameter naming a live SSE session. Accepted frames
// are answered with 202 and their responses are delivered on the session's stream.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.host == nil {
			http.Error(w, "transport is not served", http.StatusServiceUnavailable)
			return
		}

		// Received a request from client to one of our sessions.
		sessID := r.URL.Query().Get("sessionID")
		target, ok := s.host.lookup(sessID)
		sess, isSSE := target.(*sseServerSession)
		if !ok || !isSSE {
			s.logger.Warn("message for unknown session", slog.String("sessionID", sessID))
			writeJSONRPC(w, http.StatusBadRequest,
				errorResponse("", NewError(KindSessionNotFound, "session %q not found", sessID)))
			return
		}

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

		// Route the frame to the session, it is consumed by the gateway's session loop.
		select {
		case sess.frames <- frame:
		case <-sess.done:
			writeJSONRPC(w, http.StatusBadRequest,
				errorResponse(FrameID(frame), NewError(KindSessionNotFound, "session %q not found", sessID)))
			return
		case <-r.Context().Done():
			return
		}

		w.WriteHeader(http.StatusAccepted)
	})
}

func (s *sseServerSession) ID() string { return s.id }

// Responses share one event stream, so they leave in the order their requests were posted.
func (s *sseServerSession) sequential() bool { return true }

func (s *sseServerSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error, 1)

	// Queue the message for sending to avoid race in the sse library
	select {
	case s.sendMsgs <- sseServerSessionSendMsg{sseMsg, errs}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errSessionStopped
	}

	// Wait and return the error if any
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errSessionStopped
	}
}

func (s *sseServerSession) Frames() iter.Seq[Frame] {
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

func (s *sseServerSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *sseServerSession) processSendMessages() {
	defer close(s.sendClosed)

	for {
		select {
		case sm := <-s.sendMsgs:
			// Send and flush the message to the client.
			err := s.sess.Send(sm.msg)
			if err == nil {
				err = s.sess.Flush()
			}
			if err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))
			}
			sm.errs <- err
		case <-s.done:
			return
		}
	}
}
