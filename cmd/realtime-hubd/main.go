package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sams-monitoring/realtime-hub/pkg/config"
	"github.com/sams-monitoring/realtime-hub/pkg/dispatch"
	"github.com/sams-monitoring/realtime-hub/pkg/heartbeat"
	"github.com/sams-monitoring/realtime-hub/pkg/hub"
	"github.com/sams-monitoring/realtime-hub/pkg/identity"
	"github.com/sams-monitoring/realtime-hub/pkg/ingest"
	"github.com/sams-monitoring/realtime-hub/pkg/monitoring"
	"github.com/sams-monitoring/realtime-hub/pkg/offline"
	"github.com/sams-monitoring/realtime-hub/pkg/session"
	"github.com/sams-monitoring/realtime-hub/pkg/storage"
	"github.com/sams-monitoring/realtime-hub/pkg/subscription"
)

var (
	// Global flags
	configFile string
	logLevel   string
	logFormat  string
	httpPort   int

	// Build info (set by build system)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "realtime-hubd",
		Short: "Real-time event subscription and delivery hub",
		Long: `realtime-hubd is the real-time delivery subsystem of the monitoring
platform. Clients connect over WebSocket, subscribe to event types with
per-field filters, and receive matching events as they are published.
Events for users without a live session are queued and delivered on
reconnect.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		RunE:    runServer,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&logFormat, "log-format", "f", "", "log format (json, console)")
	rootCmd.PersistentFlags().IntVarP(&httpPort, "port", "p", 0, "listen port")

	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Command line flags override the file.
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if httpPort > 0 {
		cfg.Hub.Port = httpPort
	}

	logger, err := monitoring.SetupLogging(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}

	shutdownTracing, err := monitoring.SetupTracing(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to setup tracing: %w", err)
	}

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", date).
		Int("port", cfg.Hub.Port).
		Msg("Starting realtime hub")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Offline store: Redis when configured, in-memory otherwise.
	var store offline.Store
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		defer client.Close()
		store = offline.NewRedisStore(client, cfg.Redis.KeyPrefix)
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Offline queue backed by Redis")
	} else {
		store = offline.NewMemoryStore()
		logger.Info().Msg("Offline queue backed by in-memory store")
	}

	queue := offline.NewQueue(store, cfg.Offline)
	queue.Start(nil)
	defer queue.Stop()

	interests := offline.NewInterestRegistry(cfg.Offline.TTL)
	interests.Start(nil, cfg.Offline.EvictionInterval)
	defer interests.Stop()

	index := subscription.NewIndex()
	registry := session.NewRegistry(&dispatch.SubscriptionCleanup{
		Index:     index,
		Interests: interests,
	})
	dispatcher := dispatch.NewDispatcher(index, registry, queue, interests)

	monitor := heartbeat.NewMonitor(registry, cfg.Heartbeat, nil)
	monitor.Start()
	defer monitor.Stop()

	var audit hub.AuditLog
	if cfg.Audit.Enabled {
		auditStore, err := storage.NewAuditStore(cfg.Audit.StoreConfig())
		if err != nil {
			return fmt.Errorf("failed to open audit store: %w", err)
		}
		defer auditStore.Close()
		audit = auditStore
	}

	authenticator := buildAuthenticator(cfg, logger)

	server, err := hub.NewServer(cfg.Hub, hub.Deps{
		Authenticator: authenticator,
		Registry:      registry,
		Index:         index,
		Monitor:       monitor,
		Queue:         queue,
		Interests:     interests,
		Dispatcher:    dispatcher,
		Audit:         audit,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create hub server: %w", err)
	}

	errCh := make(chan error, 2)

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub server: %w", err)
	}

	if cfg.Kafka.Enabled {
		consumer, err := ingest.NewConsumer(cfg.Kafka, dispatcher)
		if err != nil {
			return fmt.Errorf("failed to create kafka consumer: %w", err)
		}
		defer consumer.Close()
		go func() {
			errCh <- consumer.Run(ctx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("Component failed")
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Hub server shutdown error")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Tracer shutdown error")
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}

func buildAuthenticator(cfg *config.Config, logger zerolog.Logger) identity.Authenticator {
	tokens := make(map[string]identity.Identity, len(cfg.Auth.Tokens))
	for token, id := range cfg.Auth.Tokens {
		tokens[token] = identity.Identity{
			UserID:   id.UserID,
			OrgID:    id.OrgID,
			DeviceID: id.DeviceID,
		}
	}
	if len(tokens) == 0 {
		logger.Warn().Msg("No auth tokens configured, every connection will be rejected")
	}
	return identity.NewStaticAuthenticator(tokens)
}

func newConfigCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if outputPath == "" {
				outputPath = "realtime-hubd.yaml"
			}
			if err := cfg.SaveConfig(outputPath); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			fmt.Printf("Generated default configuration: %s\n", outputPath)
			return nil
		},
	}
	generateCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			fmt.Printf("Configuration is valid\n")
			fmt.Printf("Listen: %s:%d\n", cfg.Hub.Address, cfg.Hub.Port)
			fmt.Printf("Heartbeat interval: %s\n", cfg.Heartbeat.Interval)
			fmt.Printf("Offline TTL: %s\n", cfg.Offline.TTL)
			fmt.Printf("Redis: %v, Kafka: %v, Audit: %v\n",
				cfg.Redis.Enabled, cfg.Kafka.Enabled, cfg.Audit.Enabled)
			return nil
		},
	}

	cmd.AddCommand(generateCmd)
	cmd.AddCommand(validateCmd)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Realtime Hub\n")
			fmt.Printf("Version: %s\n", version)
			fmt.Printf("Commit: %s\n", commit)
			fmt.Printf("Built: %s\n", date)
		},
	}
}
