package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/redvm/redvm/pkg/agent"
	"github.com/redvm/redvm/pkg/observability"
	"github.com/redvm/redvm/pkg/protocol"
	"github.com/redvm/redvm/pkg/server"
)

var (
	// Build information (set via ldflags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	logger *zap.Logger

	rootCmd = &cobra.Command{
		Use:   "agent",
		Short: "RedVM Agent - Per-VM control channel endpoint",
		Long: `The RedVM Agent runs alongside a virtual machine, holds its local spec
state, and accepts authenticated control commands from the manager.`,
		RunE: run,
	}
)

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file path")
	rootCmd.PersistentFlags().String("bind-addr", "localhost:9000", "Control channel bind address")
	rootCmd.PersistentFlags().Int64("vm-id", 0, "VM identity (0 adopts the id from the first successful auth)")
	rootCmd.PersistentFlags().String("username", "", "Username the manager must present")
	rootCmd.PersistentFlags().String("password", "", "Password the manager must present")
	rootCmd.PersistentFlags().Int("ram", 1, "RAM in GB")
	rootCmd.PersistentFlags().Int("cpu", 1, "CPU count")
	rootCmd.PersistentFlags().IntSlice("drives", nil, "Drive sizes in GB")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("bind_addr", rootCmd.PersistentFlags().Lookup("bind-addr"))
	viper.BindPFlag("vm_id", rootCmd.PersistentFlags().Lookup("vm-id"))
	viper.BindPFlag("username", rootCmd.PersistentFlags().Lookup("username"))
	viper.BindPFlag("password", rootCmd.PersistentFlags().Lookup("password"))
	viper.BindPFlag("ram", rootCmd.PersistentFlags().Lookup("ram"))
	viper.BindPFlag("cpu", rootCmd.PersistentFlags().Lookup("cpu"))
	viper.BindPFlag("drives", rootCmd.PersistentFlags().Lookup("drives"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	viper.SetEnvPrefix("REDVM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("RedVM Agent\n")
			fmt.Printf("  Version:    %s\n", Version)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Git Commit: %s\n", GitCommit)
			fmt.Printf("  Go Version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
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

	logger.Info("Starting RedVM Agent",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var drives []protocol.HardDrive
	for _, size := range viper.GetIntSlice("drives") {
		drives = append(drives, protocol.HardDrive{Size: size})
	}

	service, err := agent.NewService(agent.Config{
		VMID:     viper.GetInt64("vm_id"),
		Username: viper.GetString("username"),
		Password: viper.GetString("password"),
		Specs: protocol.VMSpecs{
			RAM:        viper.GetInt("ram"),
			CPU:        viper.GetInt("cpu"),
			HardDrives: drives,
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	srv, err := server.New(server.Config{
		BindAddr: viper.GetString("bind_addr"),
		Logger:   logger,
	}, agent.NewHandler(service, logger))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	srv.Stop()
	logger.Info("Shutdown complete")
	return nil
}
