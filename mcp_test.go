package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	mcp "github.com/TangGee/orders-mcp"
)

type stdioHarness struct {
	server   mcp.Server
	registry *mcp.SessionRegistry

	in  *io.PipeWriter
	out *bufio.Reader
}

type readResult struct {
	line []byte
	err  error
}

var testServerInfo = mcp.Info{Name: "orders-mcp-test", Version: "0.0.1"}

func newStdIOHarness(t *testing.T, table mcp.ToolTable, options ...mcp.ServerOption) *stdioHarness {
	t.Helper()

	serverReader, clientWriter := io.Pipe()
	clientReader, serverWriter := io.Pipe()

	registry := mcp.NewSessionRegistry()
	transport := mcp.NewStdIO(serverReader, serverWriter)

	opts := append([]mcp.ServerOption{
		mcp.WithToolTable(table),
		mcp.WithSessionRegistry(registry),
		mcp.WithServerPingInterval(-1),
	}, options...)
	srv := mcp.NewServer(testServerInfo, transport, opts...)
	go srv.Serve()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("failed to shutdown server: %v", err)
		}
		_ = clientWriter.Close()
		_ = clientReader.Close()
	})

	return &stdioHarness{
		server:   srv,
		registry: registry,
		in:       clientWriter,
		out:      bufio.NewReader(clientReader),
	}
}

func (h *stdioHarness) write(t *testing.T, raw string) {
	t.Helper()
	if _, err := io.WriteString(h.in, raw); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
}

func (h *stdioHarness) request(t *testing.T, id int, method string, params any) {
	t.Helper()
	h.write(t, requestLine(t, id, method, params))
}

func (h *stdioHarness) read(t *testing.T) mcp.JSONRPCMessage {
	t.Helper()

	results := make(chan readResult, 1)
	go func() {
		line, err := h.out.ReadBytes('\n')
		results <- readResult{line: line, err: err}
	}()

	select {
	case res := <-results:
		if res.err != nil {
			t.Fatalf("failed to read response: %v", res.err)
		}
		var msg mcp.JSONRPCMessage
		if err := json.Unmarshal(res.line, &msg); err != nil {
			t.Fatalf("failed to unmarshal response %q: %v", res.line, err)
		}
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a response")
	}
	return mcp.JSONRPCMessage{}
}

func (h *stdioHarness) call(t *testing.T, id int, method string, params any) mcp.JSONRPCMessage {
	t.Helper()
	h.request(t, id, method, params)
	return h.read(t)
}

func requestLine(t *testing.T, id int, method string, params any) string {
	t.Helper()
	msg := map[string]any{
		"jsonrpc": mcp.JSONRPCVersion,
		"id":      id,
		"method":  method,
	}
	if params != nil {
		msg["params"] = params
	}
	bs, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	return string(bs) + "\n"
}

func initializeParams(version string) map[string]any {
	return map[string]any{
		"protocolVersion": version,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "test-client", "version": "1.0.0"},
	}
}

func callParams(name string, args any) map[string]any {
	return map[string]any{"name": name, "arguments": args}
}

func toolResult(t *testing.T, msg mcp.JSONRPCMessage) mcp.CallToolResult {
	t.Helper()
	if msg.Error != nil {
		t.Fatalf("unexpected error response: %v", msg.Error)
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal tool result: %v", err)
	}
	return result
}

func orderNumberSchema() *openapi3.Schema {
	return openapi3.NewObjectSchema().
		WithProperty("numer_zamowienia", openapi3.NewStringSchema().WithMinLength(1).WithMaxLength(50)).
		WithRequired([]string{"numer_zamowienia"})
}

// testToolTable returns a table with verify_order, backed by handler, and echo.
func testToolTable(t *testing.T, handler mcp.ToolHandler) mcp.ToolTable {
	t.Helper()
	if handler == nil {
		handler = verifyHandler
	}
	table, err := mcp.NewToolTable(
		mcp.ToolDescriptor{
			Name:        "verify_order",
			Description: "Checks whether an order exists.",
			InputSchema: orderNumberSchema(),
			Handler:     handler,
		},
		mcp.ToolDescriptor{
			Name:        "echo",
			Description: "Echoes text.",
			InputSchema: openapi3.NewObjectSchema().WithProperty("text", openapi3.NewStringSchema()),
			Handler:     echoHandler,
		},
	)
	if err != nil {
		t.Fatalf("failed to build tool table: %v", err)
	}
	return table
}

func verifyHandler(_ context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	var args struct {
		OrderNumber string `json:"numer_zamowienia"`
	}
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, err
	}
	if args.OrderNumber == "OP404" {
		return textResult(fmt.Sprintf("Zamówienie %s nie istnieje.", args.OrderNumber)), nil
	}
	return textResult(fmt.Sprintf("Zamówienie %s istnieje.\nStatus: dostarczone", args.OrderNumber)), nil
}

// slowVerifyHandler answers like verifyHandler after delay.
func slowVerifyHandler(delay time.Duration) mcp.ToolHandler {
	return func(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return mcp.CallToolResult{}, ctx.Err()
		}
		return verifyHandler(ctx, params)
	}
}

func echoHandler(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	var args struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, err
	}
	if args.Text == "whoami" {
		return textResult(mcp.AuthTokenFromContext(ctx)), nil
	}
	return textResult(args.Text), nil
}

func textResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: text}},
	}
}

func errorKind(t *testing.T, err error) mcp.ErrorKind {
	t.Helper()
	var e *mcp.Error
	if !errors.As(err, &e) {
		t.Fatalf("error %v is not an *mcp.Error", err)
	}
	return e.Kind
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
