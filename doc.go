// Package mcp implements a session-oriented Model Context Protocol gateway. It accepts JSON-RPC
// 2.0 frames over three transports, binds each client channel to a session and dispatches
// tools/call requests to a static table of tool handlers.
//
// The transports are:
//
//   - StdIO: a single duplex channel over stdin/stdout. The session exists as soon as the process
//     starts and frames are answered in arrival order.
//   - SSEServer: one Server-Sent Events stream per session, frames are posted to a message endpoint.
//   - StreamableHTTPServer: stateful HTTP sessions identified by the Mcp-Session-Id header. Every
//     outbound message is recorded in an EventLog so a client can resume its stream with
//     Last-Event-ID after a disconnect.
//
// A Server ties a transport to a SessionRegistry, an EventLog and a ToolTable. All three are
// injected, so several servers can share them:
//
//	registry := mcp.NewSessionRegistry()
//	events := mcp.NewMemoryEventLog(mcp.DefaultEventLogCapacity)
//	transport := mcp.NewStreamableHTTPServer()
//	srv := mcp.NewServer(info, transport,
//		mcp.WithToolTable(tools),
//		mcp.WithSessionRegistry(registry),
//		mcp.WithEventLog(events),
//	)
//	go srv.Serve()
//	http.Handle("/mcp", transport)
//
// Tool failures never surface as JSON-RPC errors: handlers return an *Error (or any error) and
// the gateway projects it onto an error-flagged CallToolResult. Only protocol violations, such as
// an unknown session, an unknown tool or arguments that do not match the tool's input schema, are
// reported as JSON-RPC errors.
package mcp
