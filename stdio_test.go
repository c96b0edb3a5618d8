package mcp_test

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"testing"
	"time"

	mcp "github.com/TangGee/orders-mcp"
)

func TestStdIOSessionIsActiveImmediately(t *testing.T) {
	h := newStdIOHarness(t, testToolTable(t, nil))

	// No initialize: the channel itself binds the session.
	msg := h.call(t, 1, mcp.MethodToolsList, nil)
	if msg.Error != nil {
		t.Fatalf("unexpected error: %v", msg.Error)
	}

	sessions := h.registry.Snapshot()
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	if sessions[0].Transport != mcp.TransportStdio {
		t.Errorf("got transport %q, want %q", sessions[0].Transport, mcp.TransportStdio)
	}
	if sessions[0].State != mcp.SessionActive {
		t.Errorf("got state %v, want %v", sessions[0].State, mcp.SessionActive)
	}
}

func TestStdIOAnswersInOrder(t *testing.T) {
	h := newStdIOHarness(t, testToolTable(t, nil))

	var batch strings.Builder
	for i := 1; i <= 5; i++ {
		batch.WriteString(requestLine(t, i, mcp.MethodToolsCall,
			callParams("echo", map[string]any{"text": fmt.Sprintf("message %d", i)})))
	}
	h.write(t, batch.String())

	for i := 1; i <= 5; i++ {
		msg := h.read(t)
		if msg.ID != mcp.MustString(strconv.Itoa(i)) {
			t.Fatalf("got response for id %q, want %d", msg.ID, i)
		}
		result := toolResult(t, msg)
		if want := fmt.Sprintf("message %d", i); result.Content[0].Text != want {
			t.Errorf("got %q, want %q", result.Content[0].Text, want)
		}
	}
}

func TestStdIORejectedFrameKeepsArrivalOrder(t *testing.T) {
	h := newStdIOHarness(t, testToolTable(t, slowVerifyHandler(300*time.Millisecond)))

	h.request(t, 1, mcp.MethodToolsCall, callParams("verify_order", map[string]any{"numer_zamowienia": "OP1001"}))
	h.write(t, "{not json\n")
	h.request(t, 2, mcp.MethodPing, nil)

	if msg := h.read(t); msg.ID != "1" || msg.Error != nil {
		t.Fatalf("got %+v first, want the result for id 1", msg)
	}
	if msg := h.read(t); msg.Error == nil {
		t.Fatalf("got %+v second, want the rejection of the malformed frame", msg)
	}
	if msg := h.read(t); msg.ID != "2" || msg.Error != nil {
		t.Fatalf("got %+v third, want the ping result for id 2", msg)
	}
}

func TestStdIOEndOfInputEndsSession(t *testing.T) {
	h := newStdIOHarness(t, testToolTable(t, nil))

	h.request(t, 1, mcp.MethodPing, nil)
	h.request(t, 2, mcp.MethodToolsCall, callParams("echo", map[string]any{"text": "last words"}))
	if err := h.in.Close(); err != nil {
		t.Fatalf("failed to close input: %v", err)
	}

	// Frames read before the end of input are still answered.
	if msg := h.read(t); msg.ID != "1" {
		t.Errorf("got response for id %q, want 1", msg.ID)
	}
	if result := toolResult(t, h.read(t)); result.Content[0].Text != "last words" {
		t.Errorf("got %q, want %q", result.Content[0].Text, "last words")
	}

	waitFor(t, func() bool { return h.registry.Len() == 0 }, "the session to be removed")
}

func TestStdIOContentLengthFraming(t *testing.T) {
	h := newStdIOHarness(t, testToolTable(t, nil))

	body := `{"jsonrpc":"2.0","id":"abc","method":"ping"}`
	h.write(t, fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body))

	header, err := h.out.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read header: %v", err)
	}
	name, value, ok := strings.Cut(strings.TrimSpace(header), ":")
	if !ok || name != "Content-Length" {
		t.Fatalf("got header %q, want Content-Length", header)
	}
	length, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		t.Fatalf("invalid length %q: %v", value, err)
	}
	if sep, err := h.out.ReadString('\n'); err != nil || sep != "\r\n" {
		t.Fatalf("got separator %q, %v", sep, err)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(h.out, payload); err != nil {
		t.Fatalf("failed to read payload: %v", err)
	}
	var msg mcp.JSONRPCMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if msg.ID != "abc" || msg.Error != nil {
		t.Errorf("got %+v, want a result for id abc", msg)
	}
}
