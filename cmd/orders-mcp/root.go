package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/TangGee/orders-mcp/config"
)

const configEnv = config.EnvPrefix + "_CONFIG"

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "orders-mcp",
		Short:         "orders-mcp exposes order verification and read-only SQL to MCP clients",
		SilenceErrors: true,
		SilenceUsage:  true,
		Version:       version,
		Example: `
  # Claude Desktop style stdio server
  ORDERS_MCP_ORDERS_ENDPOINT=https://orders.example.com/api orders-mcp serve

  # HTTP gateway with a Postgres schema service and a shared Redis event log
  orders-mcp serve --transport http --http-addr :8080 \
    --orders-endpoint https://orders.example.com/api \
    --database-driver postgres --database-dsn "postgres://mcp@db/orders" \
    --config /etc/orders-mcp.yaml

  # Print the tool table
  orders-mcp tools
`,
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "YAML config file (env "+configEnv+")")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("log-format", "text", "log format: text or json")

	cmd.AddCommand(newServeCommand(), newToolsCommand())
	return cmd
}

// loadConfig layers the config file, ORDERS_MCP_ variables and the flags of cmd over the defaults.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	v := config.New()
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return config.Config{}, err
	}

	file, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to read --config: %w", err)
	}
	if file == "" {
		file = os.Getenv(configEnv)
	}
	return config.Load(v, file)
}

// newLogger writes to w, never to stdout: the stdio transport owns it.
func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With(slog.String("app", "orders-mcp"))
}
