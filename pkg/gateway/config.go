package gateway

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/time/rate"
)

// Config holds the gateway's runtime tunables.
type Config struct {
	HeartbeatInterval     time.Duration // advertised in HELLO
	HeartbeatGrace        time.Duration // extra slack before a timeout fires
	IdentifyTimeout       time.Duration // handshake must authenticate within this
	ResumeGrace           time.Duration // window a detached session stays resumable
	ReplayBufferSize      int           // per-session replay ring capacity
	SendQueueSize         int           // per-session outbound queue capacity
	MaxFrameBytes         int64
	MaxSessionsPerAccount int
	FrameRate             rate.Limit // inbound frames per second per connection
	FrameBurst            int
	OfflineDebounce       time.Duration
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:     45 * time.Second,
		HeartbeatGrace:        15 * time.Second,
		IdentifyTimeout:       30 * time.Second,
		ResumeGrace:           90 * time.Second,
		ReplayBufferSize:      256,
		SendQueueSize:         128,
		MaxFrameBytes:         64 * 1024,
		MaxSessionsPerAccount: 8,
		FrameRate:             50,
		FrameBurst:            100,
		OfflineDebounce:       5 * time.Second,
	}
}

// TOMLConfig represents the structure of the server config file.
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Gateway GatewaySection `toml:"gateway"`
	Limits  LimitsSection  `toml:"limits"`
	Auth    AuthSection    `toml:"auth"`
}

type ServerSection struct {
	HTTPPort       int    `toml:"http_port"`
	PublicHostname string `toml:"public_hostname"`
	DatabasePath   string `toml:"database_path"`
}

type GatewaySection struct {
	HeartbeatIntervalMs    int `toml:"heartbeat_interval_ms"`
	IdentifyTimeoutSeconds int `toml:"identify_timeout_seconds"`
	ResumeGraceSeconds     int `toml:"resume_grace_seconds"`
	ReplayBufferSize       int `toml:"replay_buffer_size"`
	SendQueueSize          int `toml:"send_queue_size"`
}

type LimitsSection struct {
	FramesPerSecond       int `toml:"frames_per_second"`
	FrameBurst            int `toml:"frame_burst"`
	MaxFrameBytes         int `toml:"max_frame_bytes"`
	MaxSessionsPerAccount int `toml:"max_sessions_per_account"`
}

type AuthSection struct {
	TokenSecret   string `toml:"token_secret"`
	TokenTTLHours int    `toml:"token_ttl_hours"`
	AdminToken    string `toml:"admin_token"`
}

// DefaultTOMLConfig returns the default file configuration.
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			HTTPPort:       8080,
			PublicHostname: "localhost",
			DatabasePath:   "~/.concord/concord.db",
		},
		Gateway: GatewaySection{
			HeartbeatIntervalMs:    45000,
			IdentifyTimeoutSeconds: 30,
			ResumeGraceSeconds:     90,
			ReplayBufferSize:       256,
			SendQueueSize:          128,
		},
		Limits: LimitsSection{
			FramesPerSecond:       50,
			FrameBurst:            100,
			MaxFrameBytes:         65536,
			MaxSessionsPerAccount: 8,
		},
		Auth: AuthSection{
			TokenTTLHours: 720,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creating a default
// file when none exists.
func LoadConfig(path string) (TOMLConfig, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}
	path = expanded

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Fall back to in-memory defaults when the file can't be
			// written; the server can still run.
			return config, nil
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Concord Server Configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToGatewayConfig converts the file configuration into gateway tunables,
// filling gaps from DefaultConfig.
func (c *TOMLConfig) ToGatewayConfig() Config {
	cfg := DefaultConfig()

	if c.Gateway.HeartbeatIntervalMs != 0 {
		cfg.HeartbeatInterval = time.Duration(c.Gateway.HeartbeatIntervalMs) * time.Millisecond
		cfg.HeartbeatGrace = cfg.HeartbeatInterval / 3
	}
	if c.Gateway.IdentifyTimeoutSeconds != 0 {
		cfg.IdentifyTimeout = time.Duration(c.Gateway.IdentifyTimeoutSeconds) * time.Second
	}
	if c.Gateway.ResumeGraceSeconds != 0 {
		cfg.ResumeGrace = time.Duration(c.Gateway.ResumeGraceSeconds) * time.Second
	}
	if c.Gateway.ReplayBufferSize != 0 {
		cfg.ReplayBufferSize = c.Gateway.ReplayBufferSize
	}
	if c.Gateway.SendQueueSize != 0 {
		cfg.SendQueueSize = c.Gateway.SendQueueSize
	}
	if c.Limits.FramesPerSecond != 0 {
		cfg.FrameRate = rate.Limit(c.Limits.FramesPerSecond)
	}
	if c.Limits.FrameBurst != 0 {
		cfg.FrameBurst = c.Limits.FrameBurst
	}
	if c.Limits.MaxFrameBytes != 0 {
		cfg.MaxFrameBytes = int64(c.Limits.MaxFrameBytes)
	}
	if c.Limits.MaxSessionsPerAccount != 0 {
		cfg.MaxSessionsPerAccount = c.Limits.MaxSessionsPerAccount
	}
	return cfg
}

// GetDatabasePath returns the database path with ~ expanded.
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}
	return path, nil
}
