package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/redvm/redvm/cmd/redvmctl/commands"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "redvmctl",
		Short: "RedVM Fleet CLI",
		Long: `redvmctl is the command-line interface for the RedVM fleet manager.

It provides commands to provision VMs, open control channels to their agents,
and manage specs and drives.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
	}

	// Global flags
	rootCmd.PersistentFlags().String("manager", "", "Manager address (default from config)")
	rootCmd.PersistentFlags().String("config", "", "Config file path (default: $HOME/.redvm/config.yaml)")
	rootCmd.PersistentFlags().String("output", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().Duration("timeout", 10*time.Second, "Command timeout")

	// Add subcommands
	rootCmd.AddCommand(commands.NewVMCommand())
	rootCmd.AddCommand(commands.NewDriveCommand())
	rootCmd.AddCommand(commands.NewVersionCommand(Version, BuildTime, GitCommit))

	return rootCmd
}
