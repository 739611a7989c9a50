package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/sketchsync/internal/consts"
)

var (
	ErrMissingIP         = errors.New("hot reload requires an IP address")
	ErrMissingPort       = errors.New("hot reload requires a port")
	ErrInvalidProjectDir = errors.New("project directory is invalid")
)

// SyncConfig holds the hot-reload channel settings shared by server and client
type SyncConfig struct {
	Enabled                 bool     `json:"enabled"`
	IP                      string   `json:"ip"`
	Port                    int      `json:"port"`
	ProjectDir              string   `json:"project_dir,omitempty"`
	DebounceMillis          int      `json:"debounce_ms"`
	HandshakeTimeoutSeconds int      `json:"handshake_timeout_seconds"` // 0 waits forever
	MaxConnections          int      `json:"max_connections"`
	DefaultImports          []string `json:"default_imports,omitempty"`
}

// Config represents application configuration
type Config struct {
	Sync     SyncConfig `json:"sync"`
	LogLevel string     `json:"log_level"` // debug, info, warn, error, none
	LogPath  string     `json:"-"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "sketchsync")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "sketchsync")
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, "sketchsync")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "sketchsync")
	}
}

// StateDir returns the directory for logs and lock files
func StateDir() string {
	switch runtime.GOOS {
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "sketchsync")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "sketchsync")
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "sketchsync")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", "sketchsync")
	default:
		return defaultConfigDir()
	}
}

// DefaultImports are always part of a merged unit's import set
func DefaultImports() []string {
	return []string{
		"using SkiaSharp;",
		"using System.Collections.Generic;",
		"using System.Linq;",
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Sync: SyncConfig{
			Enabled:                 true,
			IP:                      consts.DefaultIP,
			Port:                    consts.DefaultPort,
			DebounceMillis:          int(consts.DefaultDebounce / time.Millisecond),
			HandshakeTimeoutSeconds: int(consts.Timeout30Seconds / time.Second),
			MaxConnections:          consts.DefaultMaxConnections,
			DefaultImports:          DefaultImports(),
		},
		LogLevel: "info",
		LogPath:  filepath.Join(StateDir(), "sketchsync.log"),
	}
}

// Load loads configuration from file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	// Unmarshal into default config (overrides only provided fields)
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.LogPath == "" {
		config.LogPath = filepath.Join(StateDir(), "sketchsync.log")
	}
	if config.Sync.DefaultImports == nil {
		config.Sync.DefaultImports = DefaultImports()
	}

	return config, nil
}

// ApplyEnv overrides fields from SKETCHSYNC_* environment variables
func (c *Config) ApplyEnv() error {
	if ip := strings.TrimSpace(os.Getenv("SKETCHSYNC_IP")); ip != "" {
		c.Sync.IP = ip
	}
	if port := strings.TrimSpace(os.Getenv("SKETCHSYNC_PORT")); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid SKETCHSYNC_PORT %q: %w", port, err)
		}
		c.Sync.Port = p
	}
	if dir := strings.TrimSpace(os.Getenv("SKETCHSYNC_PROJECT_DIR")); dir != "" {
		c.Sync.ProjectDir = dir
	}
	if level := strings.TrimSpace(os.Getenv("SKETCHSYNC_LOG_LEVEL")); level != "" {
		c.LogLevel = level
	}
	if path := strings.TrimSpace(os.Getenv("SKETCHSYNC_LOG_PATH")); path != "" {
		c.LogPath = path
	}
	return nil
}

// Validate checks the settings hot reload cannot run without. The project
// directory is resolved from the working directory when unset.
func (c *Config) Validate() error {
	if !c.Sync.Enabled {
		return nil
	}
	if err := ValidateEndpoint(c.Sync.IP, c.Sync.Port); err != nil {
		return err
	}

	if c.Sync.ProjectDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidProjectDir, err)
		}
		root, err := FindProjectRoot(wd)
		if err != nil {
			return err
		}
		c.Sync.ProjectDir = root
	}

	abs, err := ValidateProjectDir(c.Sync.ProjectDir)
	if err != nil {
		return err
	}
	c.Sync.ProjectDir = abs
	return nil
}

// ValidateEndpoint checks an IPv4 address and a port in 1..65535
func ValidateEndpoint(ip string, port int) error {
	if strings.TrimSpace(ip) == "" {
		return ErrMissingIP
	}
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return fmt.Errorf("%w: %q is not a valid IPv4 address", ErrMissingIP, ip)
	}
	if port == 0 {
		return ErrMissingPort
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: %d is outside 1-65535", ErrMissingPort, port)
	}
	return nil
}

// ValidateProjectDir returns the absolute form of dir if it is an existing directory
func ValidateProjectDir(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidProjectDir)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidProjectDir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidProjectDir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrInvalidProjectDir, abs)
	}
	return abs, nil
}

// Addr returns the host:port the server binds and clients dial
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Sync.IP, strconv.Itoa(c.Sync.Port))
}

// ListenAddr is the bind address for the server; it listens on all interfaces
// so devices on the LAN can reach it.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort("", strconv.Itoa(c.Sync.Port))
}

// Debounce returns the watcher debounce window. A negative value disables
// debouncing.
func (c *Config) Debounce() time.Duration {
	if c.Sync.DebounceMillis <= 0 {
		return -1
	}
	return time.Duration(c.Sync.DebounceMillis) * time.Millisecond
}

// HandshakeTimeout returns how long the server waits for a watch list
func (c *Config) HandshakeTimeout() time.Duration {
	if c.Sync.HandshakeTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Sync.HandshakeTimeoutSeconds) * time.Second
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}
