// Package main provides the magic-mcp server binary.
// The server tracks client connections, fans broadcasts out to them, and
// pushes component changes to the contexts they belong to.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaebz/magic-mcp/internal/broadcast"
	"github.com/vaebz/magic-mcp/internal/client"
	"github.com/vaebz/magic-mcp/internal/bus"
	"github.com/vaebz/magic-mcp/internal/component"
	"github.com/vaebz/magic-mcp/internal/config"
	"github.com/vaebz/magic-mcp/internal/connection"
	"github.com/vaebz/magic-mcp/internal/grpcserver"
	"github.com/vaebz/magic-mcp/internal/mcp"
	"github.com/vaebz/magic-mcp/internal/metrics"
	"github.com/vaebz/magic-mcp/internal/pkg/logger"
	"github.com/vaebz/magic-mcp/internal/server"
	"github.com/vaebz/magic-mcp/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "magic-mcp-server",
		Short: "magic-mcp server - connection registry and broadcast fanout",
		Long: `magic-mcp-server keeps a registry of client connections and broadcasts
events to them, either directly over WebSockets or through an API Gateway
WebSocket API.

The server exposes:
  - HTTP API and /ws on :8080 (configurable)
  - gRPC health service on :50051 (configurable, 0 disables)

Examples:
  magic-mcp-server                         # Start with defaults
  magic-mcp-server -c config.yaml          # Load a config file
  magic-mcp-server sweep --threshold 10m   # Evict stale connections once`,
		RunE:         runServer,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose logging")
	rootCmd.Flags().Int("http-port", 8080, "HTTP server port")
	rootCmd.Flags().Int("grpc-port", 50051, "gRPC health port (0 disables)")
	rootCmd.Flags().String("host", "0.0.0.0", "server host")
	rootCmd.Flags().String("unix-socket", "", "gRPC Unix socket path (disabled on Windows)")

	rootCmd.AddCommand(sweepCmd(), broadcastCmd(), connectionsCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("magic-mcp-server %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Evict stale connections once and exit",
		Long: `Run a single stale-connection sweep against the configured registry.
Connections whose last heartbeat is older than the threshold are marked
inactive. Useful as a scheduled job when the in-process sweeper is disabled.`,
		RunE: runSweep,
	}
	cmd.Flags().Duration("threshold", 0, "heartbeat age that counts as stale (default from config)")
	return cmd
}

func broadcastCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broadcast EVENT",
		Short: "Send an event through a running server",
		Long: `Send an event to every active connection, or to one context, through
the HTTP API of a running server and print the delivery summary.

Examples:
  magic-mcp-server broadcast notice --data '{"text":"deploying"}'
  magic-mcp-server broadcast refresh --context tenant-a --exclude conn-1`,
		Args: cobra.ExactArgs(1),
		RunE: runBroadcast,
	}
	cmd.Flags().String("server", "http://localhost:8080", "server base URL")
	cmd.Flags().String("data", "", "event payload as JSON")
	cmd.Flags().String("context", "", "target context (all active connections when empty)")
	cmd.Flags().StringSlice("exclude", nil, "connection ids to skip")
	cmd.Flags().Bool("include-metadata", false, "attach each recipient's client metadata")
	return cmd
}

func runBroadcast(cmd *cobra.Command, args []string) error {
	serverURL, _ := cmd.Flags().GetString("server")
	data, _ := cmd.Flags().GetString("data")
	target, _ := cmd.Flags().GetString("context")
	exclude, _ := cmd.Flags().GetStringSlice("exclude")
	includeMetadata, _ := cmd.Flags().GetBool("include-metadata")

	req := client.BroadcastRequest{
		Event:                args[0],
		TargetContext:        target,
		ExcludeConnectionIDs: exclude,
		IncludeMetadata:      includeMetadata,
	}
	if data != "" {
		var payload any
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return fmt.Errorf("--data is not valid JSON: %w", err)
		}
		req.Data = payload
	}

	summary, err := client.New(client.Config{BaseURL: serverURL}).Broadcast(cmd.Context(), req)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), summary.String())
	return nil
}

func connectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "List active connections on a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			serverURL, _ := cmd.Flags().GetString("server")
			target, _ := cmd.Flags().GetString("context")

			recs, err := client.New(client.Config{BaseURL: serverURL}).ListConnections(cmd.Context(), target)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, rec := range recs {
				fmt.Fprintf(out, "%s\t%s\t%s\n", rec.ID, rec.Context, rec.LastHeartbeatAt.Format(time.RFC3339))
			}
			fmt.Fprintf(out, "%d active\n", len(recs))
			return nil
		},
	}
	cmd.Flags().String("server", "http://localhost:8080", "server base URL")
	cmd.Flags().String("context", "", "only connections in this context")
	return cmd
}

// setup loads config and builds the logger shared by every command.
func setup(cmd *cobra.Command) (*config.Config, *logger.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	return cfg, logger.New(level, cfg.Log.Format), nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}

	threshold, _ := cmd.Flags().GetDuration("threshold")
	if threshold <= 0 {
		threshold = cfg.Sweeper.Threshold
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals...)
	defer stop()

	registry, closeRegistry, err := connection.NewRegistry(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create registry: %w", err)
	}
	defer func() { _ = closeRegistry() }()

	eventBus, err := bus.NewBus(cfg.Bus, log)
	if err != nil {
		return fmt.Errorf("failed to create event bus: %w", err)
	}
	defer func() { _ = eventBus.Close() }()

	manager := connection.NewManager(registry, eventBus, log)
	sweeper := connection.NewSweeper(registry, manager, connection.SweeperConfig{Threshold: threshold}, log)

	result, err := sweeper.Sweep(ctx, time.Now(), threshold)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	for id, ferr := range result.Failures {
		log.Warn("Eviction failed", "connection_id", id, "error", ferr)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		connection.SweepResult
		Failed int `json:"failed"`
	}{result, len(result.Failures)})
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("http-port") {
		cfg.Port, _ = cmd.Flags().GetInt("http-port")
	}
	if cmd.Flags().Changed("grpc-port") {
		cfg.GRPCPort, _ = cmd.Flags().GetInt("grpc-port")
	}
	if cmd.Flags().Changed("host") {
		cfg.Host, _ = cmd.Flags().GetString("host")
	}
	unixSocket, _ := cmd.Flags().GetString("unix-socket")

	log.Info("Starting magic-mcp server",
		"version", version,
		"http_port", cfg.Port,
		"grpc_port", cfg.GRPCPort,
		"registry", cfg.Registry.Type,
		"transport", cfg.Transport.Type,
		"bus", cfg.Bus.Type,
	)

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals...)
	defer stop()

	m := metrics.New()

	if cfg.Bus.Type == "kafka" && cfg.Transport.Type == "websocket" && !cfg.Bus.KafkaFanout {
		log.Warn("Kafka bus is shared across nodes; component broadcasts reach only sockets on the consuming node",
			"hint", "set MAGIC_KAFKA_FANOUT=true")
	}

	innerBus, err := bus.NewBus(cfg.Bus, log)
	if err != nil {
		return fmt.Errorf("failed to create event bus: %w", err)
	}
	defer func() { _ = innerBus.Close() }()
	eventBus := bus.NewInstrumentedBus(innerBus, m)

	registry, closeRegistry, err := connection.NewRegistry(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create registry: %w", err)
	}
	defer func() { _ = closeRegistry() }()

	var (
		hub    *transport.Hub
		sender transport.Sender
	)
	switch cfg.Transport.Type {
	case "apigateway":
		client, err := transport.NewAPIGatewayClient(ctx, cfg.AWS.Region, cfg.Transport.APIGatewayEndpoint)
		if err != nil {
			return fmt.Errorf("failed to create API Gateway client: %w", err)
		}
		sender = transport.NewAPIGatewaySender(client)
		log.Info("Delivering through API Gateway", "endpoint", cfg.Transport.APIGatewayEndpoint)
	default:
		hub = transport.NewHub(cfg.Transport.WriteTimeout, log)
		sender = hub
		log.Info("Serving WebSockets directly")
	}

	managerOpts := []connection.ManagerOption{connection.WithRecorder(m)}
	if hub != nil {
		managerOpts = append(managerOpts, connection.WithEvictHook(hub.Disconnect))
	}
	manager := connection.NewManager(registry, eventBus, log, managerOpts...)

	engine := broadcast.NewEngine(registry, sender, manager, broadcast.Config{
		BatchSize:   cfg.Broadcast.BatchSize,
		RetryLimit:  cfg.Broadcast.RetryLimit,
		BaseDelay:   cfg.Broadcast.BaseDelay,
		MaxDelay:    cfg.Broadcast.MaxDelay,
		SendTimeout: cfg.Broadcast.SendTimeout,
	}, log, broadcast.WithRecorder(m))

	if err := broadcast.NewRelay(engine, log).Subscribe(ctx, eventBus); err != nil {
		return fmt.Errorf("failed to subscribe broadcast relay: %w", err)
	}

	var storage component.Storage = component.NewMemoryStorage()
	if cfg.Components.StoragePath != "" {
		storage = component.NewFileStorage(cfg.Components.StoragePath)
		log.Info("Persisting components", "path", cfg.Components.StoragePath)
	}
	components := component.NewService(storage, eventBus, log)

	if cfg.Audit.Enabled {
		audit, err := connection.NewAuditLogger(connection.AuditLoggerConfig{LogPath: cfg.Audit.LogPath}, log)
		if err != nil {
			return fmt.Errorf("failed to create audit logger: %w", err)
		}
		defer func() { _ = audit.Close() }()
		if err := audit.SubscribeToEvents(ctx, eventBus); err != nil {
			log.Warn("Failed to subscribe audit logger", "error", err)
		}
	}

	if cfg.Sweeper.Enabled {
		sweeper := connection.NewSweeper(registry, manager, connection.SweeperConfig{
			Interval:  cfg.Sweeper.Interval,
			Threshold: cfg.Sweeper.Threshold,
		}, log)
		sweeper.SetRecorder(m)
		go sweeper.Run(ctx)
	}

	if cfg.GRPCPort > 0 {
		grpcSrv := grpcserver.New(grpcserver.Config{
			TCPAddr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.GRPCPort),
			UnixSocketPath: unixSocket,
		}, func(ctx context.Context) error {
			return connection.Ping(ctx, registry)
		}, log)
		if err := grpcSrv.Start(); err != nil {
			return fmt.Errorf("failed to start gRPC server: %w", err)
		}
		defer grpcSrv.Stop()
	}

	if cfg.MCP.Enabled {
		mcpSrv := mcp.NewServer(mcp.ServerConfig{
			SocketPath: cfg.MCP.SocketPath,
			TCPAddr:    cfg.MCP.TCPAddr,
			Handler: mcp.NewHandler(mcp.HandlerConfig{
				Components:  components,
				Broadcaster: engine,
				Registry:    registry,
				Version:     version,
				Logger:      log,
			}),
			Logger: log,
		})
		if err := mcpSrv.Listen(); err != nil {
			return fmt.Errorf("failed to start MCP server: %w", err)
		}
		go func() {
			if err := mcpSrv.Serve(ctx); err != nil {
				log.Error("MCP server error", "error", err)
			}
		}()
	}

	deps := server.Deps{
		Manager:    manager,
		Broadcast:  engine,
		Components: components,
		Hub:        hub,
	}
	if cfg.Observability.MetricsEnabled {
		deps.Metrics = m
	}

	srv := server.New(server.Config{
		Host:         cfg.Host,
		Port:         cfg.Port,
		Version:      version,
		PingInterval: cfg.Transport.PingInterval,
		ReadLimit:    cfg.Transport.ReadLimit,
		RateLimit:    cfg.Security.RateLimit,
		CORSOrigins:  cfg.Security.CORSOrigins,
		MetricsPath:  cfg.Observability.MetricsPath,
	}, deps, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", "error", err)
	}

	log.Info("Server stopped")
	return nil
}
