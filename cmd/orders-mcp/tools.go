package main

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	mcp "github.com/TangGee/orders-mcp"
	"github.com/TangGee/orders-mcp/orderapi"
	"github.com/TangGee/orders-mcp/schemadb"
	"github.com/TangGee/orders-mcp/servers/orders"
)

var errListingOnly = errors.New("tool table listing has no backend")

// listing backs a tool server whose handlers are never called.
type listing struct{}

func (listing) Verify(context.Context, string, string) (orderapi.Verification, error) {
	return orderapi.Verification{}, errListingOnly
}

func (listing) DescribeSchema(context.Context, string, schemadb.DescribeRequest) ([]schemadb.Table, error) {
	return nil, errListingOnly
}

func (listing) RunQuery(context.Context, string, schemadb.QueryRequest) (schemadb.QueryResult, error) {
	return schemadb.QueryResult{}, errListingOnly
}

func newToolsCommand() *cobra.Command {
	var withoutDatabase bool

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Print the tool table as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var querier orders.Querier = listing{}
			if withoutDatabase {
				querier = nil
			}
			srv, err := orders.NewServer(listing{}, querier)
			if err != nil {
				return err
			}
			table, err := srv.ToolTable()
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(mcp.ListToolsResult{Tools: table.List()})
		},
	}
	cmd.Flags().BoolVar(&withoutDatabase, "without-database", false, "list only the tools available without a schema service")
	return cmd
}
