package mcp

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrorKind classifies every failure the gateway can report to a client.
type ErrorKind string

// Error kinds. The first four are protocol-level and travel as JSON-RPC errors, the rest are
// reported inside a CallToolResult with IsError set.
const (
	KindInvalidRequest      ErrorKind = "InvalidRequest"
	KindSessionNotFound     ErrorKind = "SessionNotFound"
	KindUnknownTool         ErrorKind = "UnknownTool"
	KindInvalidArguments    ErrorKind = "InvalidArguments"
	KindUpstreamTimeout     ErrorKind = "UpstreamTimeout"
	KindUpstreamAuthFailure ErrorKind = "UpstreamAuthFailure"
	KindUpstreamRateLimited ErrorKind = "UpstreamRateLimited"
	KindUpstreamServerError ErrorKind = "UpstreamServerError"
	KindInternalError       ErrorKind = "InternalError"
)

// Sentinels for errors.Is against an *Error of the same kind.
var (
	ErrInvalidRequest      = &Error{Kind: KindInvalidRequest}
	ErrSessionNotFound     = &Error{Kind: KindSessionNotFound}
	ErrUnknownTool         = &Error{Kind: KindUnknownTool}
	ErrInvalidArguments    = &Error{Kind: KindInvalidArguments}
	ErrUpstreamTimeout     = &Error{Kind: KindUpstreamTimeout}
	ErrUpstreamAuthFailure = &Error{Kind: KindUpstreamAuthFailure}
	ErrUpstreamRateLimited = &Error{Kind: KindUpstreamRateLimited}
	ErrUpstreamServerError = &Error{Kind: KindUpstreamServerError}
	ErrInternal            = &Error{Kind: KindInternalError}
)

const genericInternalMessage = "internal error"

// Error is the gateway's classified error. Message is safe to show to the client, Err is the
// underlying cause and is only ever logged.
type Error struct {
	Kind    ErrorKind
	Message string
	// Field names the offending argument for KindInvalidArguments.
	Field string
	// Hint is a remediation hint shown to the agent in tool results.
	Hint string
	// RetryAfter is the upstream's requested back-off, if any.
	RetryAfter time.Duration
	// Code overrides the JSON-RPC code derived from Kind.
	Code int
	// ID is the correlation id of the frame that failed, when it is known.
	ID MustString

	Err error
}

// NewError returns an *Error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// InvalidArgument reports a schema violation on field.
func InvalidArgument(field, reason string) *Error {
	return &Error{
		Kind:    KindInvalidArguments,
		Field:   field,
		Message: fmt.Sprintf("invalid argument %q: %s", field, reason),
	}
}

// UpstreamError wraps a collaborator failure into one of the Upstream kinds.
func UpstreamError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors of the same kind, so errors.Is(err, ErrUpstreamTimeout) works on any
// timeout-classed error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithHint sets the remediation hint and returns e.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// WithRetryAfter sets the upstream back-off and returns e.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// Protocol reports whether the kind travels as a JSON-RPC error rather than a tool result.
func (k ErrorKind) Protocol() bool {
	switch k {
	case KindInvalidRequest, KindSessionNotFound, KindUnknownTool, KindInvalidArguments:
		return true
	default:
		return false
	}
}

// Retryable reports whether a client may reasonably retry the same call later.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindUpstreamTimeout, KindUpstreamRateLimited, KindUpstreamServerError:
		return true
	default:
		return false
	}
}

func (k ErrorKind) defaultHint() string {
	switch k {
	case KindUpstreamTimeout:
		return "The backend did not answer in time. Retry the call in a moment."
	case KindUpstreamAuthFailure:
		return "The bearer token was rejected. Obtain a fresh token and retry."
	case KindUpstreamRateLimited:
		return "The backend is rate limiting requests. Wait before retrying."
	case KindUpstreamServerError:
		return "The backend failed to process the request. Retry later."
	case KindInvalidArguments:
		return "Fix the arguments and call the tool again."
	default:
		return ""
	}
}

// JSONRPCError projects e onto the wire error object. InternalError never carries its cause.
func (e *Error) JSONRPCError() *JSONRPCError {
	code := e.Code
	if code == 0 {
		switch e.Kind {
		case KindInvalidRequest:
			code = jsonRPCInvalidRequestCode
		case KindSessionNotFound:
			code = jsonRPCSessionNotFoundCode
		case KindUnknownTool:
			code = jsonRPCUnknownToolCode
		case KindInvalidArguments:
			code = jsonRPCInvalidParamsCode
		default:
			code = jsonRPCInternalErrorCode
		}
	}
	msg := e.Message
	switch {
	case e.Kind == KindInternalError:
		msg = genericInternalMessage
	case msg == "":
		msg = string(e.Kind)
	}
	data := map[string]any{"kind": string(e.Kind)}
	if e.Field != "" {
		data["field"] = e.Field
	}
	return &JSONRPCError{Code: code, Message: msg, Data: data}
}

// ToolResult projects e onto an error-flagged tool result.
func (e *Error) ToolResult() CallToolResult {
	msg := e.Message
	if e.Kind == KindInternalError || msg == "" {
		msg = genericInternalMessage
	}
	hint := e.Hint
	if hint == "" {
		hint = e.Kind.defaultHint()
	}

	text := fmt.Sprintf("[%s] %s", e.Kind, msg)
	if hint != "" {
		text += "\nHint: " + hint
	}

	structured := map[string]any{
		"error_code": string(e.Kind),
		"detail":     msg,
		"retryable":  e.Kind.Retryable(),
	}
	if hint != "" {
		structured["hint"] = hint
	}
	if e.Field != "" {
		structured["field"] = e.Field
	}
	if e.RetryAfter > 0 {
		structured["retry_after_seconds"] = int64(math.Ceil(e.RetryAfter.Seconds()))
	}

	return CallToolResult{
		Content:           []Content{{Type: ContentTypeText, Text: text}},
		StructuredContent: structured,
		IsError:           true,
	}
}

// AsError classifies any error. Unclassified errors become InternalError with the cause kept
// for logging only.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternalError, Err: err}
}
