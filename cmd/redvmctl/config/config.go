package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/redvm/redvm/pkg/protocol"
)

// Config holds CLI configuration
type Config struct {
	Manager string        `mapstructure:"manager"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoadConfig loads configuration from file and flags
func LoadConfig(cmd *cobra.Command) (*Config, error) {
	cfg := &Config{}

	// Get config file path
	configFile, _ := cmd.Flags().GetString("config")
	if configFile == "" {
		// Default to $HOME/.redvm/config.yaml
		home, err := os.UserHomeDir()
		if err == nil {
			configFile = filepath.Join(home, ".redvm", "config.yaml")
		}
	}

	// Set up viper
	viper.SetConfigFile(configFile)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	viper.SetEnvPrefix("REDVM")

	// Read config file if it exists
	if configFile != "" {
		if err := viper.ReadInConfig(); err != nil {
			_, notFound := err.(viper.ConfigFileNotFoundError)
			if !notFound && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Unmarshal config
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Override with flags
	if manager, _ := cmd.Flags().GetString("manager"); manager != "" {
		cfg.Manager = manager
	}
	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		cfg.Timeout = timeout
	}

	// Defaults
	if cfg.Manager == "" {
		cfg.Manager = "localhost:8888"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return cfg, nil
}

// Client is a one-shot command client: it dials the manager, sends one framed
// command, and reads one framed response.
type Client struct {
	conn    *protocol.Conn
	timeout time.Duration
}

// NewClient opens a connection to the manager.
func (c *Config) NewClient() (*Client, error) {
	conn, err := protocol.Dial(c.Manager, c.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to manager at %s: %w", c.Manager, err)
	}
	return &Client{conn: conn, timeout: c.Timeout}, nil
}

// Do sends cmd and decodes the response into out.
func (c *Client) Do(cmd any, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	raw, err := c.conn.RoundTrip(ctx, cmd)
	if err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("undecodable response: %w", err)
	}
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
