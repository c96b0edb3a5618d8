package orders

import (
	"context"
	"errors"

	mcp "github.com/TangGee/orders-mcp"
	"github.com/TangGee/orders-mcp/orderapi"
	"github.com/TangGee/orders-mcp/schemadb"
)

// Verifier looks orders up in the upstream order service.
type Verifier interface {
	Verify(ctx context.Context, orderNumber, authToken string) (orderapi.Verification, error)
}

// Querier describes and queries the backing database.
type Querier interface {
	DescribeSchema(ctx context.Context, authToken string, req schemadb.DescribeRequest) ([]schemadb.Table, error)
	RunQuery(ctx context.Context, authToken string, req schemadb.QueryRequest) (schemadb.QueryResult, error)
}

// Server exposes order verification and read-only database access as MCP tools. Every tool call
// runs with the caller's bearer token, so the upstream row-level security decides what the agent
// may see.
type Server struct {
	verifier     Verifier
	querier      Querier
	defaultToken string
}

// Option configures a Server.
type Option func(*Server)

// WithDefaultToken sets the token used when a call carries none, as on the stdio transport.
func WithDefaultToken(token string) Option {
	return func(s *Server) {
		s.defaultToken = token
	}
}

// NewServer creates the tool server. querier may be nil, in which case only verify_order is
// exposed.
func NewServer(verifier Verifier, querier Querier, options ...Option) (Server, error) {
	if verifier == nil {
		return Server{}, errors.New("orders: a verifier is required")
	}
	s := Server{
		verifier: verifier,
		querier:  querier,
	}
	for _, opt := range options {
		opt(&s)
	}
	return s, nil
}

// Tools returns the descriptors of every tool this server offers.
func (s Server) Tools() []mcp.ToolDescriptor {
	tools := []mcp.ToolDescriptor{
		{
			Name: "verify_order",
			Description: `
Check whether an order with the given number (numer_zamowienia) exists.
Returns the order status and details when it does. Use this tool before
answering any question about a specific order.
`,
			InputSchema: verifyOrderSchema(),
			Handler:     s.verifyOrder,
		},
	}
	if s.querier == nil {
		return tools
	}
	return append(tools,
		mcp.ToolDescriptor{
			Name: "describe_schema",
			Description: `
List the tables and views of a database schema (default "public").
Set include_columns to get column names, types and nullability, and
table to describe a single table. Use this before writing a query.
`,
			InputSchema: describeSchemaSchema(),
			Handler:     s.describeSchema,
		},
		mcp.ToolDescriptor{
			Name: "run_query",
			Description: `
Run a single read-only SQL SELECT (or WITH ... SELECT) statement.
Rows are paged with limit (1-1000, default 100) and offset; truncated
is true when more rows follow the returned page. Data-changing statements
are rejected.
`,
			InputSchema: runQuerySchema(),
			Handler:     s.runQuery,
		},
	)
}

// ToolTable builds the dispatch table for a gateway.
func (s Server) ToolTable() (mcp.ToolTable, error) {
	return mcp.NewToolTable(s.Tools()...)
}

func (s Server) token(ctx context.Context) string {
	if token := mcp.AuthTokenFromContext(ctx); token != "" {
		return token
	}
	return s.defaultToken
}
