package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Frame is one decoded inbound protocol unit. The concrete types form a closed set:
// InitializeRequest, ListToolsRequest, CallToolRequest, PingRequest, Notification and Response.
// Transports turn raw bytes into a Frame with DecodeFrame before anything reaches the gateway.
type Frame interface {
	frameID() MustString
}

// InitializeRequest asks the gateway to bind a session.
type InitializeRequest struct {
	ID     MustString
	Params InitializeParams
}

// ListToolsRequest asks for the public tool table.
type ListToolsRequest struct {
	ID     MustString
	Params ListToolsParams
}

// CallToolRequest invokes one tool. AuthToken is filled by the transport from the request's
// credentials and never decoded from the frame itself.
type CallToolRequest struct {
	ID        MustString
	Params    CallToolParams
	AuthToken string
}

// PingRequest is a liveness probe from the client.
type PingRequest struct {
	ID MustString
}

// Notification is a request without a correlation id.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Response is the client's answer to a server-initiated request (ping).
type Response struct {
	ID     MustString
	Result json.RawMessage
	Error  *JSONRPCError
}

// rejectedFrame carries bytes that failed to decode into the gateway, so the rejection is answered
// in the session's arrival order like any other request.
type rejectedFrame struct {
	err error
}

func (f InitializeRequest) frameID() MustString { return f.ID }
func (f ListToolsRequest) frameID() MustString  { return f.ID }
func (f CallToolRequest) frameID() MustString   { return f.ID }
func (f PingRequest) frameID() MustString       { return f.ID }
func (Notification) frameID() MustString        { return "" }
func (f Response) frameID() MustString          { return f.ID }
func (f rejectedFrame) frameID() MustString     { return AsError(f.err).ID }

// FrameID returns the correlation id of f, empty for notifications.
func FrameID(f Frame) MustString {
	return f.frameID()
}

// IsRequest reports whether f expects a response frame.
func IsRequest(f Frame) bool {
	switch f.(type) {
	case InitializeRequest, ListToolsRequest, CallToolRequest, PingRequest:
		return true
	default:
		return false
	}
}

// DecodeFrame validates data as a JSON-RPC 2.0 message and decodes it into its Frame type.
// Every failure is an *Error of kind InvalidRequest carrying the frame's id when it could be read.
func DecodeFrame(data []byte) (Frame, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, &Error{Kind: KindInvalidRequest, Code: jsonRPCParseErrorCode, Message: "empty frame"}
	}
	if data[0] == '[' {
		return nil, &Error{Kind: KindInvalidRequest, Message: "batch requests are not supported"}
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &Error{
			Kind:    KindInvalidRequest,
			Code:    jsonRPCParseErrorCode,
			Message: "frame is not valid JSON",
			Err:     err,
		}
	}
	return frameFromMessage(msg)
}

func frameFromMessage(msg JSONRPCMessage) (Frame, error) {
	if msg.JSONRPC != JSONRPCVersion {
		return nil, &Error{
			Kind:    KindInvalidRequest,
			ID:      msg.ID,
			Message: fmt.Sprintf("unsupported jsonrpc version %q", msg.JSONRPC),
		}
	}

	if msg.Method == "" {
		if msg.ID == "" || (msg.Result == nil && msg.Error == nil) {
			return nil, &Error{Kind: KindInvalidRequest, ID: msg.ID, Message: "frame has neither method nor result"}
		}
		return Response{ID: msg.ID, Result: msg.Result, Error: msg.Error}, nil
	}

	if msg.ID == "" {
		return Notification{Method: msg.Method, Params: msg.Params}, nil
	}

	switch msg.Method {
	case MethodInitialize:
		var params InitializeParams
		if err := decodeParams(msg, &params); err != nil {
			return nil, err
		}
		if params.ProtocolVersion == "" {
			return nil, &Error{
				Kind:    KindInvalidRequest,
				ID:      msg.ID,
				Message: "initialize requires protocolVersion",
			}
		}
		return InitializeRequest{ID: msg.ID, Params: params}, nil
	case MethodToolsList:
		var params ListToolsParams
		if err := decodeParams(msg, &params); err != nil {
			return nil, err
		}
		return ListToolsRequest{ID: msg.ID, Params: params}, nil
	case MethodToolsCall:
		var params CallToolParams
		if err := decodeParams(msg, &params); err != nil {
			return nil, err
		}
		if params.Name == "" {
			return nil, &Error{Kind: KindInvalidRequest, ID: msg.ID, Message: "tools/call requires a tool name"}
		}
		if len(params.Arguments) == 0 || string(params.Arguments) == "null" {
			params.Arguments = json.RawMessage("{}")
		}
		return CallToolRequest{ID: msg.ID, Params: params}, nil
	case MethodPing:
		return PingRequest{ID: msg.ID}, nil
	default:
		return nil, &Error{
			Kind:    KindInvalidRequest,
			Code:    jsonRPCMethodNotFoundCode,
			ID:      msg.ID,
			Message: fmt.Sprintf("method %q not found", msg.Method),
		}
	}
}

func decodeParams(msg JSONRPCMessage, v any) error {
	if len(msg.Params) == 0 || string(msg.Params) == "null" {
		return nil
	}
	if err := json.Unmarshal(msg.Params, v); err != nil {
		return &Error{
			Kind:    KindInvalidRequest,
			ID:      msg.ID,
			Message: fmt.Sprintf("invalid params for %s", msg.Method),
			Err:     err,
		}
	}
	return nil
}

// errorResponse renders err as a response frame for id. Errors that are not *Error are
// reported as InternalError without detail.
func errorResponse(id MustString, err error) JSONRPCMessage {
	e := AsError(err)
	if id == "" {
		id = e.ID
	}
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   e.JSONRPCError(),
	}
}

func resultResponse(id MustString, result any) (JSONRPCMessage, error) {
	bs, err := json.Marshal(result)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	return JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: id, Result: bs}, nil
}
