package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server is the protocol gateway. It consumes the sessions produced by a ServerTransport, drives
// each session through the initializing -> active -> closed state machine and dispatches tool
// calls through a static ToolTable.
//
// All mutable state (the SessionRegistry and the EventLog) is injected, so several Server
// instances, one per transport, can share one registry or be fully isolated from each other.
type Server struct {
	info         Info
	instructions string
	capabilities ServerCapabilities
	transport    ServerTransport
	tools        ToolTable

	registry *SessionRegistry
	events   EventLog
	metrics  *Metrics
	host     *sessionHost

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration
	toolTimeout          time.Duration

	logger *slog.Logger

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	// mu orders sessionsWaitGroup.Add in Serve against closing done in Shutdown.
	mu                *sync.Mutex
	sessionsWaitGroup *sync.WaitGroup
	done              chan struct{}
}

// sessionHost is the part of the gateway transports borrow to register and tear down sessions.
type sessionHost struct {
	registry *SessionRegistry
	events   EventLog
	metrics  *Metrics
	logger   *slog.Logger
}

type serverSession struct {
	session Session
	kind    TransportKind
	host    *sessionHost
	tools   ToolTable
	logger  *slog.Logger

	serverCap    ServerCapabilities
	serverInfo   Info
	instructions string

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration
	toolTimeout          time.Duration

	onClientConnected func(string, Info)

	handshakeDone atomic.Bool
}

// inflight tracks the cancel functions of running requests so notifications/cancelled can
// reach them.
type inflight struct {
	mu      sync.Mutex
	cancels map[MustString]context.CancelFunc
}

type toolOutcome struct {
	result CallToolResult
	err    error
}

var (
	defaultServerPingInterval         = 30 * time.Second
	defaultServerPingTimeout          = 30 * time.Second
	defaultServerPingTimeoutThreshold = 3
	defaultServerSendTimeout          = 30 * time.Second
	defaultServerToolTimeout          = 30 * time.Second

	errRequestCancelled = errors.New("request cancelled by client")
)

// NewServer creates a gateway serving transport. Unless overridden with options it owns a fresh
// SessionRegistry and an in-memory EventLog.
func NewServer(info Info, transport ServerTransport, options ...ServerOption) Server {
	s := Server{
		info:              info,
		transport:         transport,
		logger:            slog.Default(),
		mu:                &sync.Mutex{},
		sessionsWaitGroup: &sync.WaitGroup{},
		done:              make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	if s.pingInterval == 0 {
		s.pingInterval = defaultServerPingInterval
	}
	if s.pingTimeout == 0 {
		s.pingTimeout = defaultServerPingTimeout
	}
	if s.pingTimeoutThreshold == 0 {
		s.pingTimeoutThreshold = defaultServerPingTimeoutThreshold
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}
	if s.toolTimeout == 0 {
		s.toolTimeout = defaultServerToolTimeout
	}
	if s.registry == nil {
		s.registry = NewSessionRegistry()
	}
	if s.events == nil {
		s.events = NewMemoryEventLog(DefaultEventLogCapacity)
	}

	s.capabilities = ServerCapabilities{Tools: &ToolsCapability{}}

	s.host = &sessionHost{
		registry: s.registry,
		events:   s.events,
		metrics:  s.metrics,
		logger:   s.logger,
	}
	if ht, ok := transport.(hostedTransport); ok {
		ht.attach(s.host)
	}

	return s
}

// WithToolTable returns a ServerOption that configures the tools the gateway dispatches to.
func WithToolTable(table ToolTable) ServerOption {
	return func(s *Server) {
		s.tools = table
	}
}

// WithSessionRegistry returns a ServerOption that injects the registry sessions are recorded in.
func WithSessionRegistry(registry *SessionRegistry) ServerOption {
	return func(s *Server) {
		s.registry = registry
	}
}

// WithEventLog returns a ServerOption that injects the event log used for resumable streams.
func WithEventLog(events EventLog) ServerOption {
	return func(s *Server) {
		s.events = events
	}
}

// WithServerMetrics returns a ServerOption that records gateway metrics into m.
func WithServerMetrics(m *Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithInstructions returns a ServerOption that configures the server instructions.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerPingInterval returns a ServerOption that configures the server's keep-alive ping
// interval. A negative interval disables keep-alive pings.
func WithServerPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = interval
	}
}

// WithServerPingTimeout returns a ServerOption that configures the server's ping timeout.
func WithServerPingTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.pingTimeout = timeout
	}
}

// WithServerPingTimeoutThreshold sets the ping timeout threshold for the server.
// If the number of consecutive ping timeouts exceeds the threshold, the server will close the session.
func WithServerPingTimeoutThreshold(threshold int) ServerOption {
	return func(s *Server) {
		s.pingTimeoutThreshold = threshold
	}
}

// WithServerSendTimeout returns a ServerOption that configures the server's send timeout.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithToolTimeout bounds every tool call. When the bound expires the call is abandoned and an
// UpstreamTimeout result is returned in its place.
func WithToolTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.toolTimeout = timeout
	}
}

// WithServerOnClientConnected sets the callback for when a client completes initialization.
// The callback's parameter is the session ID and the Info the client announced.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a session ends.
// The callback's parameter is the ID of the session.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "orders-mcp"),
			slog.String("component", "server"),
		)
	}
}

// Serve starts consuming sessions from the transport.
//
// Serve blocks until the transport stops yielding sessions, either because Shutdown was called
// or because a single-session transport (StdIO) lost its peer.
func (s Server) Serve() {
	// This loop would break when the transport is closed.
	for sess := range s.transport.Sessions() {
		info, _ := s.registry.Info(sess.ID())
		ss := &serverSession{
			session:              sess,
			kind:                 info.Transport,
			host:                 s.host,
			tools:                s.tools,
			logger:               s.logger.With(slog.String("sessionID", sess.ID())),
			serverCap:            s.capabilities,
			serverInfo:           s.info,
			instructions:         s.instructions,
			pingInterval:         s.pingInterval,
			pingTimeout:          s.pingTimeout,
			pingTimeoutThreshold: s.pingTimeoutThreshold,
			sendTimeout:          s.sendTimeout,
			toolTimeout:          s.toolTimeout,
			onClientConnected:    s.onClientConnected,
		}

		s.mu.Lock()
		select {
		case <-s.done:
			s.mu.Unlock()
			// Shutdown is already waiting, the session is not served.
			ss.logger.Info("session arrived during shutdown")
			sess.Stop()
			if err := s.host.terminate(context.Background(), sess.ID()); err != nil &&
				!errors.Is(err, ErrSessionNotFound) {
				ss.logger.Warn("failed to terminate session", slog.String("err", err.Error()))
			}
			continue
		default:
		}
		s.sessionsWaitGroup.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.sessionsWaitGroup.Done()

			ss.start(s.done)

			// The frames iterator ended: the peer went away, the session was terminated or the
			// server is shutting down. Terminating twice is harmless.
			if err := s.host.terminate(context.Background(), ss.session.ID()); err != nil &&
				!errors.Is(err, ErrSessionNotFound) {
				ss.logger.Warn("failed to terminate session", slog.String("err", err.Error()))
			}

			if s.onClientDisconnected != nil {
				s.onClientDisconnected(ss.session.ID())
			}
		}()
	}
}

// Shutdown gracefully shuts down the server by terminating all active sessions and cleaning up resources.
// It returns an error if the shutdown process fails or if the context is cancelled before the shutdown completes.
func (s Server) Shutdown(ctx context.Context) error {
	// Signal the server to shutdown and terminates all sessions
	s.mu.Lock()
	close(s.done)
	s.mu.Unlock()

	sessionsClosed := make(chan struct{})
	go func() {
		s.sessionsWaitGroup.Wait()
		close(sessionsClosed)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for sessions: %w", ctx.Err())
	case <-sessionsClosed:
	}

	// Close the transport so the Sessions loop in Serve breaks.
	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	return nil
}

// Registry returns the registry the server records sessions in.
func (s Server) Registry() *SessionRegistry {
	return s.registry
}

// Terminate ends a session: it is marked closed, removed from the registry, its retained events
// are purged and its transport binding is stopped. Terminating an unknown or already terminated
// session fails with SessionNotFound.
func (s Server) Terminate(ctx context.Context, sessionID string) error {
	return s.host.terminate(ctx, sessionID)
}

func (h *sessionHost) open(kind TransportKind, bind func(id string) Session) (Session, error) {
	id := h.registry.Create(kind)
	sess := bind(id)
	if err := h.registry.Bind(id, sess); err != nil {
		_, _ = h.registry.Remove(id)
		return nil, err
	}
	h.metrics.sessionOpened(kind)
	return sess, nil
}

func (h *sessionHost) lookup(id string) (Session, bool) {
	if id == "" {
		return nil, false
	}
	return h.registry.Get(id)
}

func (h *sessionHost) terminate(ctx context.Context, id string) error {
	info, _ := h.registry.Info(id)
	sess, err := h.registry.Remove(id)
	if err != nil {
		return err
	}
	// Stop before clearing, a stopped session appends nothing more.
	if sess != nil {
		sess.Stop()
	}
	if err := h.events.Clear(ctx, id); err != nil {
		h.logger.Warn("failed to clear event log",
			slog.String("sessionID", id),
			slog.String("err", err.Error()))
	}
	h.metrics.sessionClosed(info.Transport)
	h.logger.Debug("session terminated", slog.String("sessionID", id))
	return nil
}

func (s *serverSession) start(done <-chan struct{}) {
	stopped := make(chan struct{})
	defer close(stopped)

	// This base context is to make sure all the in-flight requests are cancelled when the server
	// shuts down.
	baseCtx, baseCancel := context.WithCancel(context.Background())
	defer baseCancel()

	// Stop the session when the server shuts down, so the frames loop below breaks.
	go func() {
		select {
		case <-done:
			baseCancel()
			s.session.Stop()
		case <-stopped:
		}
	}()

	// This channel is used to feed the ping goroutine the response IDs we received from the client.
	pingResponses := make(chan MustString, 10)
	if s.keepAlive() {
		go s.ping(pingResponses, stopped)
	}

	requests := &inflight{cancels: make(map[MustString]context.CancelFunc)}
	var wg sync.WaitGroup

	// Sequential sessions get a single worker, so responses keep the arrival order while the loop
	// below still reads cancellations.
	var queue chan func()
	if _, ok := s.session.(sequentialSession); ok {
		queue = make(chan func(), 16)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for run := range queue {
				run()
			}
		}()
	}

	dispatch := func(run func()) {
		if queue != nil {
			queue <- run
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			run()
		}()
	}

	// This loops would break when the session is closed
	for frame := range s.session.Frames() {
		switch f := frame.(type) {
		case rejectedFrame:
			s.host.metrics.frame("invalid", "error")
			msg := errorResponse("", f.err)
			dispatch(func() { s.reply(msg) })
		case Notification:
			s.handleNotification(f, requests)
		case Response:
			if f.Error != nil {
				s.logger.Warn("client answered with an error",
					slog.String("id", string(f.ID)),
					slog.String("err", f.Error.Error()))
			}
			select {
			case pingResponses <- f.ID:
			default:
			}
		default:
			ctx, cancel := context.WithCancel(baseCtx)
			id := FrameID(frame)
			requests.add(id, cancel)
			dispatch(func() {
				defer requests.remove(id)
				defer cancel()
				msg, ok := s.handle(ctx, frame)
				if ok {
					s.reply(msg)
					return
				}
				if d, ok := s.session.(responseDropper); ok {
					d.dropResponse(id)
				}
			})
		}
	}

	// Requests received before the peer went away are still answered.
	if queue != nil {
		close(queue)
	}
	wg.Wait()
}

// handle produces the response frame for one request. The boolean is false when no response
// must be sent, which is the case for requests the client cancelled.
func (s *serverSession) handle(ctx context.Context, frame Frame) (JSONRPCMessage, bool) {
	var (
		method string
		result any
		err    error
	)

	switch f := frame.(type) {
	case PingRequest:
		method = MethodPing
		result = struct{}{}
	case InitializeRequest:
		method = MethodInitialize
		result, err = s.handleInitialize(f)
	case ListToolsRequest:
		method = MethodToolsList
		if err = s.requireActive(); err == nil {
			result = s.handleToolList()
		}
	case CallToolRequest:
		method = MethodToolsCall
		if err = s.requireActive(); err == nil {
			result, err = s.handleToolCall(ctx, f)
		}
	default:
		return JSONRPCMessage{}, false
	}

	id := FrameID(frame)
	if errors.Is(err, errRequestCancelled) {
		s.host.metrics.frame(method, "cancelled")
		return JSONRPCMessage{}, false
	}
	if err != nil {
		s.host.metrics.frame(method, "error")
		s.logger.Info("request failed",
			slog.String("method", method),
			slog.String("err", err.Error()))
		return errorResponse(id, err), true
	}

	msg, err := resultResponse(id, result)
	if err != nil {
		s.host.metrics.frame(method, "error")
		s.logger.Error("failed to encode result",
			slog.String("method", method),
			slog.String("err", err.Error()))
		return errorResponse(id, &Error{Kind: KindInternalError, Err: err}), true
	}
	s.host.metrics.frame(method, "ok")
	return msg, true
}

func (s *serverSession) handleInitialize(f InitializeRequest) (InitializeResult, error) {
	if !s.handshakeDone.CompareAndSwap(false, true) {
		return InitializeResult{}, NewError(KindInvalidRequest, "session is already initialized")
	}
	if err := s.host.registry.Activate(s.session.ID()); err != nil {
		return InitializeResult{}, err
	}

	s.logger.Info("client initialized",
		slog.String("client", f.Params.ClientInfo.Name),
		slog.String("clientVersion", f.Params.ClientInfo.Version),
		slog.String("protocolVersion", f.Params.ProtocolVersion))
	if s.onClientConnected != nil {
		s.onClientConnected(s.session.ID(), f.Params.ClientInfo)
	}

	return InitializeResult{
		ProtocolVersion: negotiateProtocolVersion(f.Params.ProtocolVersion),
		Capabilities:    s.serverCap,
		ServerInfo:      s.serverInfo,
		Instructions:    s.instructions,
	}, nil
}

func (s *serverSession) handleToolList() ListToolsResult {
	return ListToolsResult{Tools: s.tools.List()}
}

func (s *serverSession) handleToolCall(ctx context.Context, f CallToolRequest) (CallToolResult, error) {
	desc, ok := s.tools.Lookup(f.Params.Name)
	if !ok {
		s.host.metrics.toolCall("unknown", string(KindUnknownTool), 0)
		return CallToolResult{}, &Error{
			Kind:    KindUnknownTool,
			Message: fmt.Sprintf("unknown tool %q", f.Params.Name),
		}
	}
	if err := desc.Validate(f.Params.Arguments); err != nil {
		s.host.metrics.toolCall(desc.Name, string(KindInvalidArguments), 0)
		return CallToolResult{}, err
	}

	ctx = ContextWithAuthToken(ctx, f.AuthToken)
	ctx = context.WithValue(ctx, sessionIDKey{}, s.session.ID())
	if s.toolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.toolTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := s.invoke(ctx, desc, f.Params)
	elapsed := time.Since(start)

	if errors.Is(err, errRequestCancelled) {
		s.host.metrics.toolCall(desc.Name, "cancelled", elapsed)
		return CallToolResult{}, err
	}

	outcome := "ok"
	if err != nil {
		e := AsError(err)
		outcome = string(e.Kind)
		if e.Kind == KindInternalError {
			s.logger.Error("tool failed",
				slog.String("tool", desc.Name),
				slog.Duration("duration", elapsed),
				slog.String("err", err.Error()))
		} else {
			s.logger.Warn("tool failed",
				slog.String("tool", desc.Name),
				slog.Duration("duration", elapsed),
				slog.String("err", err.Error()))
		}
		result = e.ToolResult()
	} else if result.IsError {
		outcome = "tool_error"
	}
	s.host.metrics.toolCall(desc.Name, outcome, elapsed)

	return result, nil
}

// invoke runs the handler in its own goroutine so a handler ignoring its context cannot hold the
// gateway past the deadline, and so a panic is contained.
func (s *serverSession) invoke(ctx context.Context, desc ToolDescriptor, params CallToolParams) (CallToolResult, error) {
	outcomes := make(chan toolOutcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				outcomes <- toolOutcome{err: &Error{
					Kind: KindInternalError,
					Err:  fmt.Errorf("tool %s panicked: %v", desc.Name, r),
				}}
			}
		}()
		res, err := desc.Handler(ctx, params)
		outcomes <- toolOutcome{result: res, err: err}
	}()

	var o toolOutcome
	select {
	case o = <-outcomes:
	case <-ctx.Done():
		o = toolOutcome{err: ctx.Err()}
	}

	if o.err == nil {
		return o.result, nil
	}
	if AsError(o.err).Kind != KindInternalError {
		return o.result, o.err
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return CallToolResult{}, UpstreamError(KindUpstreamTimeout,
			fmt.Sprintf("tool %s did not finish within %s", desc.Name, s.toolTimeout), o.err)
	case errors.Is(ctx.Err(), context.Canceled):
		return CallToolResult{}, errRequestCancelled
	}
	return o.result, o.err
}

func (s *serverSession) requireActive() error {
	info, ok := s.host.registry.Info(s.session.ID())
	if !ok || info.State == SessionClosed {
		return NewError(KindSessionNotFound, "session %s not found", s.session.ID())
	}
	if info.State != SessionActive {
		return NewError(KindInvalidRequest, "session is not initialized")
	}
	return nil
}

func (s *serverSession) handleNotification(n Notification, requests *inflight) {
	switch n.Method {
	case methodNotificationsInitialized:
		s.logger.Debug("client confirmed initialization")
	case methodNotificationsCancelled:
		var params notificationsCancelledParams
		if err := json.Unmarshal(n.Params, &params); err != nil {
			s.logger.Warn("invalid cancellation notification", slog.String("err", err.Error()))
			return
		}
		if requests.cancel(params.RequestID) {
			s.logger.Debug("request cancelled by client",
				slog.String("id", string(params.RequestID)),
				slog.String("reason", params.Reason))
		}
	default:
		s.logger.Debug("ignoring notification", slog.String("method", n.Method))
	}
}

func (s *serverSession) reply(msg JSONRPCMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.session.Send(ctx, msg); err != nil {
		s.logger.Error("failed to send result", slog.String("err", err.Error()))
	}
}

// keepAlive reports whether the session gets server pings. Stateful HTTP sessions never do: every
// ping would be appended to the event log and push replayable responses out of the window.
func (s *serverSession) keepAlive() bool {
	return s.pingInterval > 0 && s.kind != TransportStreamableHTTP
}

func (s *serverSession) ping(responses <-chan MustString, done <-chan struct{}) {
	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	failedPings := 0
	var msgID MustString

	for {
		if failedPings > s.pingTimeoutThreshold {
			s.logger.Warn("too many pings failed, closing session")
			s.session.Stop()
			return
		}

		select {
		case <-done:
			return
		case id := <-responses:
			// Received id from client response, check whether it's the same as the one we sent.
			if id != msgID {
				continue
			}
			s.logger.Debug("received ping response, resetting failed ping counter")
			failedPings = 0
			continue
		case <-pingTicker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.pingTimeout)

		msgID = MustString(uuid.New().String())

		if err := s.session.Send(ctx, JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      msgID,
			Method:  MethodPing,
		}); err != nil {
			s.logger.Warn("failed to send ping to client",
				slog.String("err", err.Error()))
			failedPings++
		}
		cancel()
	}
}

func (r *inflight) add(id MustString, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[id] = cancel
}

func (r *inflight) remove(id MustString) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, id)
}

func (r *inflight) cancel(id MustString) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.cancels[id]
	if ok {
		cancel()
		delete(r.cancels, id)
	}
	return ok
}
