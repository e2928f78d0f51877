package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/redvm/redvm/pkg/manager"
	"github.com/redvm/redvm/pkg/observability"
	"github.com/redvm/redvm/pkg/server"
	"github.com/redvm/redvm/pkg/store"
)

var (
	// Build information (set via ldflags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	logger *zap.Logger

	rootCmd = &cobra.Command{
		Use:   "manager",
		Short: "RedVM Manager - Control plane for virtual machine fleets",
		Long: `The RedVM Manager tracks virtual machine and disk metadata in a durable
store and brokers authenticated control channels to per-VM agents.`,
		RunE: run,
	}
)

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file path")
	rootCmd.PersistentFlags().String("bind-addr", "0.0.0.0:8888", "Command server bind address")
	rootCmd.PersistentFlags().String("metrics-addr", "0.0.0.0:9090", "Metrics server bind address")
	rootCmd.PersistentFlags().String("db-path", "/var/lib/redvm/redvm.db", "SQLite database path")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Duration("dial-timeout", 5*time.Second, "Agent dial timeout")
	rootCmd.PersistentFlags().Duration("roundtrip-timeout", 10*time.Second, "Agent command round-trip timeout")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("bind_addr", rootCmd.PersistentFlags().Lookup("bind-addr"))
	viper.BindPFlag("metrics_addr", rootCmd.PersistentFlags().Lookup("metrics-addr"))
	viper.BindPFlag("db_path", rootCmd.PersistentFlags().Lookup("db-path"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("dial_timeout", rootCmd.PersistentFlags().Lookup("dial-timeout"))
	viper.BindPFlag("roundtrip_timeout", rootCmd.PersistentFlags().Lookup("roundtrip-timeout"))

	viper.SetEnvPrefix("REDVM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("RedVM Manager\n")
			fmt.Printf("  Version:    %s\n", Version)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Git Commit: %s\n", GitCommit)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var err error
	logger, err = observability.NewLogger(viper.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting RedVM Manager",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	st, err := store.Open(store.Config{
		Path:   viper.GetString("db_path"),
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	registry, err := manager.NewRegistry(manager.RegistryConfig{
		DialTimeout:      viper.GetDuration("dial_timeout"),
		RoundTripTimeout: viper.GetDuration("roundtrip_timeout"),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create session registry: %w", err)
	}
	defer registry.Close()

	service, err := manager.NewService(st, registry, logger)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	// No sessions survive a restart; connection flags left set in the store
	// are stale.
	if _, err := service.ResetConnectionState(ctx); err != nil {
		return fmt.Errorf("failed to reset connection state: %w", err)
	}

	srv, err := server.New(server.Config{
		BindAddr: viper.GetString("bind_addr"),
		Logger:   logger,
	}, manager.NewHandler(service, logger))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	metricsServer := startMetricsServer(viper.GetString("metrics_addr"), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx)
	})
	g.Go(func() error {
		select {
		case <-sigChan:
			logger.Info("Received shutdown signal")
		case <-gctx.Done():
		}
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server error", zap.Error(err))
	}

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	srv.Stop()
	registry.Close()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping metrics server", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	return nil
}

func startMetricsServer(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		logger.Info("Starting metrics server", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	return server
}
