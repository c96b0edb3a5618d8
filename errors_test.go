package mcp_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	mcp "github.com/TangGee/orders-mcp"
)

func TestErrorJSONRPCError(t *testing.T) {
	type testCase struct {
		name        string
		err         *mcp.Error
		wantCode    int
		wantMessage string
	}

	testCases := []testCase{
		{
			name:        "invalid request",
			err:         mcp.NewError(mcp.KindInvalidRequest, "missing method"),
			wantCode:    -32600,
			wantMessage: "missing method",
		},
		{
			name:        "session not found",
			err:         mcp.NewError(mcp.KindSessionNotFound, "session %q not found", "abc"),
			wantCode:    -32001,
			wantMessage: `session "abc" not found`,
		},
		{
			name:        "unknown tool",
			err:         mcp.NewError(mcp.KindUnknownTool, "unknown tool %q", "run_shell"),
			wantCode:    -32002,
			wantMessage: `unknown tool "run_shell"`,
		},
		{
			name:        "invalid arguments",
			err:         mcp.InvalidArgument("numer_zamowienia", "too long"),
			wantCode:    -32602,
			wantMessage: `invalid argument "numer_zamowienia": too long`,
		},
		{
			name:        "explicit code",
			err:         &mcp.Error{Kind: mcp.KindInvalidRequest, Code: -32700, Message: "parse error"},
			wantCode:    -32700,
			wantMessage: "parse error",
		},
		{
			name:        "internal error hides its message",
			err:         &mcp.Error{Kind: mcp.KindInternalError, Message: "dial tcp 10.0.0.7:5432: refused"},
			wantCode:    -32603,
			wantMessage: "internal error",
		},
		{
			name:        "empty message falls back to the kind",
			err:         &mcp.Error{Kind: mcp.KindInvalidRequest},
			wantCode:    -32600,
			wantMessage: "InvalidRequest",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.err.JSONRPCError()
			if got.Code != tc.wantCode {
				t.Errorf("got code %d, want %d", got.Code, tc.wantCode)
			}
			if got.Message != tc.wantMessage {
				t.Errorf("got message %q, want %q", got.Message, tc.wantMessage)
			}
			if got.Data["kind"] != string(tc.err.Kind) {
				t.Errorf("got data kind %v, want %q", got.Data["kind"], tc.err.Kind)
			}
		})
	}
}

func TestErrorJSONRPCErrorCarriesField(t *testing.T) {
	got := mcp.InvalidArgument("numer_zamowienia", "is required").JSONRPCError()
	if got.Data["field"] != "numer_zamowienia" {
		t.Errorf("got field %v, want numer_zamowienia", got.Data["field"])
	}
}

func TestErrorToolResult(t *testing.T) {
	err := mcp.UpstreamError(mcp.KindUpstreamRateLimited, "orders API rate limited the request", errors.New("429"))
	err.WithRetryAfter(1500 * time.Millisecond)

	result := err.ToolResult()
	if !result.IsError {
		t.Fatal("an error result must set isError")
	}
	text := result.Content[0].Text
	if !strings.HasPrefix(text, "[UpstreamRateLimited] orders API rate limited the request") {
		t.Errorf("got text %q", text)
	}
	if !strings.Contains(text, "\nHint: ") {
		t.Errorf("got text %q, want a hint line", text)
	}
	if strings.Contains(text, "429") {
		t.Errorf("the cause leaked into the result: %q", text)
	}

	structured, ok := result.StructuredContent.(map[string]any)
	if !ok {
		t.Fatalf("got structured content %T, want a map", result.StructuredContent)
	}
	if structured["error_code"] != "UpstreamRateLimited" {
		t.Errorf("got error_code %v", structured["error_code"])
	}
	if structured["retryable"] != true {
		t.Errorf("got retryable %v, want true", structured["retryable"])
	}
	if structured["retry_after_seconds"] != int64(2) {
		t.Errorf("got retry_after_seconds %v, want 2", structured["retry_after_seconds"])
	}
}

func TestErrorToolResultHidesInternalCause(t *testing.T) {
	err := mcp.AsError(fmt.Errorf("query failed: %w", errors.New("password authentication failed for user admin")))

	result := err.ToolResult()
	text := result.Content[0].Text
	if strings.Contains(text, "password") || strings.Contains(text, "admin") {
		t.Errorf("internal cause leaked: %q", text)
	}
	if !strings.HasPrefix(text, "[InternalError] internal error") {
		t.Errorf("got text %q", text)
	}
	structured := result.StructuredContent.(map[string]any)
	if structured["retryable"] != false {
		t.Errorf("got retryable %v, want false", structured["retryable"])
	}
}

func TestErrorCustomHint(t *testing.T) {
	result := mcp.UpstreamError(mcp.KindUpstreamAuthFailure, "token rejected", nil).
		WithHint("Log in again.").
		ToolResult()

	if !strings.HasSuffix(result.Content[0].Text, "\nHint: Log in again.") {
		t.Errorf("got text %q", result.Content[0].Text)
	}
}

func TestAsError(t *testing.T) {
	if mcp.AsError(nil) != nil {
		t.Error("AsError(nil) must be nil")
	}

	classified := mcp.NewError(mcp.KindUpstreamTimeout, "slow")
	if got := mcp.AsError(fmt.Errorf("wrapped: %w", classified)); got != classified {
		t.Errorf("got %v, want the wrapped *Error", got)
	}

	cause := errors.New("boom")
	got := mcp.AsError(cause)
	if got.Kind != mcp.KindInternalError {
		t.Errorf("got kind %q, want %q", got.Kind, mcp.KindInternalError)
	}
	if !errors.Is(got, cause) {
		t.Error("the cause must stay reachable for logging")
	}
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("verify: %w", mcp.UpstreamError(mcp.KindUpstreamTimeout, "deadline", nil))

	if !errors.Is(err, mcp.ErrUpstreamTimeout) {
		t.Error("want a match on the timeout sentinel")
	}
	if errors.Is(err, mcp.ErrUpstreamServerError) {
		t.Error("unexpected match on another kind")
	}
}

func TestErrorKindClassification(t *testing.T) {
	tests := []struct {
		kind      mcp.ErrorKind
		protocol  bool
		retryable bool
	}{
		{mcp.KindInvalidRequest, true, false},
		{mcp.KindSessionNotFound, true, false},
		{mcp.KindUnknownTool, true, false},
		{mcp.KindInvalidArguments, true, false},
		{mcp.KindUpstreamTimeout, false, true},
		{mcp.KindUpstreamAuthFailure, false, false},
		{mcp.KindUpstreamRateLimited, false, true},
		{mcp.KindUpstreamServerError, false, true},
		{mcp.KindInternalError, false, false},
	}

	for _, tt := range tests {
		if got := tt.kind.Protocol(); got != tt.protocol {
			t.Errorf("%s.Protocol() = %v, want %v", tt.kind, got, tt.protocol)
		}
		if got := tt.kind.Retryable(); got != tt.retryable {
			t.Errorf("%s.Retryable() = %v, want %v", tt.kind, got, tt.retryable)
		}
	}
}
