package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcp "github.com/TangGee/orders-mcp"
	"github.com/TangGee/orders-mcp/orderapi"
	"github.com/TangGee/orders-mcp/schemadb"
)

func (s Server) verifyOrder(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	var args VerifyOrderArgs
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}
	number := strings.TrimSpace(args.OrderNumber)
	if number == "" {
		return mcp.CallToolResult{}, mcp.InvalidArgument("numer_zamowienia", "must not be blank")
	}

	v, err := s.verifier.Verify(ctx, number, s.token(ctx))
	if err != nil {
		return mcp.CallToolResult{}, orderError(err)
	}

	structured := map[string]any{
		"numer_zamowienia": number,
		"exists":           v.Exists,
	}
	if !v.Exists {
		return textResult(fmt.Sprintf("Zamówienie %s nie istnieje.", number), structured), nil
	}

	status := v.Status()
	if status == "" {
		status = "nieznany"
	}
	structured["status"] = status
	structured["details"] = v.Details

	details, err := json.MarshalIndent(v.Details, "", "  ")
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to marshal order details: %w", err)
	}
	text := fmt.Sprintf("Zamówienie %s istnieje.\nStatus: %s\nSzczegóły:\n%s", number, status, details)
	return textResult(text, structured), nil
}

func (s Server) describeSchema(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	var args DescribeSchemaArgs
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	tables, err := s.querier.DescribeSchema(ctx, s.token(ctx), schemadb.DescribeRequest{
		Schema:         args.SchemaName,
		Table:          args.Table,
		IncludeColumns: args.IncludeColumns,
	})
	if err != nil {
		return mcp.CallToolResult{}, queryError(err)
	}

	schema := args.SchemaName
	if schema == "" {
		schema = "public"
	}
	return jsonResult(map[string]any{"schema": schema, "tables": tables})
}

func (s Server) runQuery(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	var args RunQueryArgs
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}
	limit := defaultQueryLimit
	if args.Limit != nil {
		limit = *args.Limit
	}

	res, err := s.querier.RunQuery(ctx, s.token(ctx), schemadb.QueryRequest{
		SQL:    args.SQL,
		Limit:  limit,
		Offset: args.Offset,
	})
	if err != nil {
		return mcp.CallToolResult{}, queryError(err)
	}
	return jsonResult(res)
}

// orderError classifies an order service failure. Unclassified errors stay internal.
func orderError(err error) error {
	switch {
	case errors.Is(err, orderapi.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return mcp.UpstreamError(mcp.KindUpstreamTimeout, "the order service did not answer in time", err)
	case errors.Is(err, orderapi.ErrAuth):
		return mcp.UpstreamError(mcp.KindUpstreamAuthFailure, "the order service rejected the credentials", err)
	case errors.Is(err, orderapi.ErrRateLimited):
		e := mcp.UpstreamError(mcp.KindUpstreamRateLimited, "the order service is rate limiting requests", err)
		var se *orderapi.StatusError
		if errors.As(err, &se) {
			e.WithRetryAfter(se.RetryAfter())
		}
		return e
	case errors.Is(err, orderapi.ErrServer), errors.Is(err, orderapi.ErrBadResponse):
		return mcp.UpstreamError(mcp.KindUpstreamServerError, "the order service failed to answer", err)
	case errors.Is(err, orderapi.ErrClient):
		e := mcp.InvalidArgument("numer_zamowienia", "the order service rejected the order number")
		e.Err = err
		return e.WithHint("Check the order number format and try again.")
	default:
		return err
	}
}

// queryError classifies a database failure. Messages of rejected statements are returned to the
// agent so it can fix the SQL.
func queryError(err error) error {
	switch {
	case errors.Is(err, schemadb.ErrNotReadOnly):
		e := mcp.InvalidArgument("sql", strings.TrimPrefix(err.Error(), "schemadb: "))
		e.Err = err
		return e.WithHint("Only a single SELECT statement is allowed.")
	case errors.Is(err, schemadb.ErrQuery):
		e := mcp.InvalidArgument("sql", strings.TrimPrefix(err.Error(), "schemadb: "))
		e.Err = err
		return e.WithHint("Check table and column names with describe_schema and fix the statement.")
	case errors.Is(err, schemadb.ErrInvalidToken):
		return mcp.UpstreamError(mcp.KindUpstreamAuthFailure, "the bearer token was rejected", err)
	case errors.Is(err, schemadb.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return mcp.UpstreamError(mcp.KindUpstreamTimeout, "the query did not finish in time", err).
			WithHint("Narrow the query or lower the limit and retry.")
	case errors.Is(err, schemadb.ErrUnavailable):
		return mcp.UpstreamError(mcp.KindUpstreamServerError, "the database is unavailable", err)
	default:
		return err
	}
}

func textResult(text string, structured any) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: text,
			},
		},
		StructuredContent: structured,
	}
}

func jsonResult(v any) (mcp.CallToolResult, error) {
	bs, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	return textResult(string(bs), v), nil
}
