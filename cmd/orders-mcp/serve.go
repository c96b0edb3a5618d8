package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	mcp "github.com/TangGee/orders-mcp"
	"github.com/TangGee/orders-mcp/config"
	"github.com/TangGee/orders-mcp/orderapi"
	"github.com/TangGee/orders-mcp/redisevents"
	"github.com/TangGee/orders-mcp/schemadb"
	"github.com/TangGee/orders-mcp/servers/orders"
)

const instructions = `
Use verify_order to check an order number before answering questions about it.
When a database is attached, call describe_schema first and then run_query with
a single SELECT statement; results are paged with limit and offset.
`

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the order tools over stdio or HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg)

			g, err := newGateway(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := g.Close(); err != nil {
					logger.Warn("failed to release resources", slog.String("err", err.Error()))
				}
			}()

			if cfg.Transport == config.TransportHTTP {
				return g.serveHTTP(cmd.Context())
			}
			return g.serveStdio(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.String("transport", config.TransportStdio, "transport: stdio or http")
	flags.String("http-addr", ":8080", "listen address of the http transport")
	flags.String("orders-endpoint", "", "base URL of the order service")
	flags.String("database-driver", "", "schema service driver: postgres or sqlite (empty disables it)")
	flags.String("database-dsn", "", "schema service data source name")
	return cmd
}

// gateway holds everything the transports share: one session registry, one event log, one tool
// table and one metrics registry.
type gateway struct {
	cfg    config.Config
	logger *slog.Logger

	prom     *prometheus.Registry
	metrics  *mcp.Metrics
	registry *mcp.SessionRegistry
	events   mcp.EventLog
	tools    mcp.ToolTable

	closers []func() error
}

func newGateway(ctx context.Context, cfg config.Config, logger *slog.Logger) (*gateway, error) {
	g := &gateway{
		cfg:      cfg,
		logger:   logger,
		prom:     prometheus.NewRegistry(),
		registry: mcp.NewSessionRegistry(),
	}
	g.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	g.metrics = mcp.NewMetrics(g.prom)

	client := orderapi.NewClient(cfg.Orders.Endpoint, orderapi.Options{
		Timeout:     cfg.Orders.Timeout,
		MaxAttempts: cfg.Orders.MaxAttempts,
		Backoff:     cfg.Orders.BaseBackoff,
		MaxBackoff:  cfg.Orders.MaxBackoff,
		RateLimit:   rate.Limit(cfg.Orders.RateLimit),
		RateBurst:   cfg.Orders.RateBurst,
		APIKey:      cfg.Orders.APIKey,
		UserAgent:   "orders-mcp/" + version,
		Registerer:  g.prom,
		Logger:      logger,
	})

	// querier stays a nil interface without a database, which hides the SQL tools.
	var querier orders.Querier
	if cfg.Database.Driver != "" {
		db, err := schemadb.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, schemadb.Options{
			MaxRows:          cfg.Database.MaxRows,
			StatementTimeout: cfg.Database.StatementTimeout,
			JWTSecret:        []byte(cfg.Database.JWTSecret),
			Logger:           logger,
		})
		if err != nil {
			return nil, err
		}
		g.closers = append(g.closers, db.Close)
		querier = db
		logger.Info("schema service attached", slog.String("driver", cfg.Database.Driver))
	}

	srv, err := orders.NewServer(client, querier, orders.WithDefaultToken(cfg.Auth.DefaultToken))
	if err != nil {
		return nil, errors.Join(err, g.Close())
	}
	if g.tools, err = srv.ToolTable(); err != nil {
		return nil, errors.Join(err, g.Close())
	}

	if g.events, err = g.newEventLog(ctx); err != nil {
		return nil, errors.Join(err, g.Close())
	}
	return g, nil
}

// newEventLog shares events through Redis when an address is configured, so several gateway
// processes can serve the same stateful sessions.
func (g *gateway) newEventLog(ctx context.Context) (mcp.EventLog, error) {
	cfg := g.cfg.Session
	if cfg.RedisAddr == "" {
		return mcp.NewMemoryEventLog(cfg.EventLogCapacity), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	g.closers = append(g.closers, client.Close)

	g.logger.Info("connected to Redis event log", slog.String("addr", cfg.RedisAddr))
	return redisevents.New(client, redisevents.Options{
		Capacity: cfg.EventLogCapacity,
		Prefix:   cfg.RedisPrefix,
		TTL:      cfg.EventTTL,
	}), nil
}

// Close releases the database pool and the Redis client.
func (g *gateway) Close() error {
	var errs []error
	for _, c := range g.closers {
		errs = append(errs, c())
	}
	g.closers = nil
	return errors.Join(errs...)
}

func (g *gateway) newServer(transport mcp.ServerTransport) mcp.Server {
	ping := g.cfg.Gateway.PingInterval
	if ping <= 0 {
		ping = -1
	}
	return mcp.NewServer(mcp.Info{Name: "orders-mcp", Version: version}, transport,
		mcp.WithToolTable(g.tools),
		mcp.WithSessionRegistry(g.registry),
		mcp.WithEventLog(g.events),
		mcp.WithServerMetrics(g.metrics),
		mcp.WithInstructions(instructions),
		mcp.WithToolTimeout(g.cfg.Gateway.ToolTimeout),
		mcp.WithServerSendTimeout(g.cfg.Gateway.SendTimeout),
		mcp.WithServerPingInterval(ping),
		mcp.WithServerLogger(g.logger),
		mcp.WithServerOnClientConnected(func(id string, info mcp.Info) {
			g.logger.Info("client connected",
				slog.String("sessionID", id),
				slog.String("client", info.Name),
				slog.String("clientVersion", info.Version))
		}),
		mcp.WithServerOnClientDisconnected(func(id string) {
			g.logger.Info("client disconnected", slog.String("sessionID", id))
		}),
	)
}

func (g *gateway) serveStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	srv := g.newServer(mcp.NewStdIO(in, out, mcp.WithStdIOLogger(g.logger)))

	served := make(chan struct{})
	go func() {
		srv.Serve()
		close(served)
	}()

	select {
	case <-ctx.Done():
		g.logger.Info("shutting down")
	case <-served:
		g.logger.Info("client closed stdin")
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (g *gateway) serveHTTP(ctx context.Context) error {
	streamable := mcp.NewStreamableHTTPServer(
		mcp.WithStreamableHTTPLogger(g.logger),
		mcp.WithStreamableHTTPIdleTimeout(g.cfg.Session.IdleTimeout),
	)
	sse := mcp.NewSSEServer(g.cfg.HTTP.MessagePath, mcp.WithSSEServerLogger(g.logger))
	servers := []mcp.Server{g.newServer(streamable), g.newServer(sse)}

	httpSrv := &http.Server{
		Addr:              g.cfg.HTTP.Addr,
		Handler:           g.router(streamable, sse),
		ReadHeaderTimeout: 15 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		group.Go(func() error {
			srv.Serve()
			return nil
		})
	}
	group.Go(func() error {
		g.logger.Info("listening", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		g.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.HTTP.ShutdownTimeout)
		defer cancel()

		// Gateways first: stopping their sessions ends the open streams httpSrv would wait for.
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		errs = append(errs, httpSrv.Shutdown(shutdownCtx))
		return errors.Join(errs...)
	})
	return group.Wait()
}

func (g *gateway) router(streamable *mcp.StreamableHTTPServer, sse *mcp.SSEServer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Get("/healthz", g.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(g.prom, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		if g.cfg.HTTP.RateLimit > 0 {
			r.Use(rateLimit(g.cfg.HTTP.RateLimit, time.Minute))
		}
		r.Handle(g.cfg.HTTP.MCPPath, streamable)
		r.Method(http.MethodGet, g.cfg.HTTP.SSEPath, sse.HandleSSE())
		r.Method(http.MethodPost, g.cfg.HTTP.MessagePath, sse.HandleMessage())
	})
	return r
}

func (g *gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": g.registry.Len(),
	})
}

// rateLimit limits requests per client IP. Rejections are JSON-RPC errors so MCP clients can
// surface them.
func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","error":{"code":-32000,"message":"too many requests"}}`))
		}),
	)
}
