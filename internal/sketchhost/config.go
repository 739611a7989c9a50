package sketchhost

import (
	"errors"
	"net"
	"strconv"
	"strings"

	"github.com/codefionn/sketchsync/internal/config"
	"github.com/codefionn/sketchsync/internal/consts"
)

// ErrNoFiles is returned when hot reload is enabled without files to watch
var ErrNoFiles = errors.New("hot reload requires at least one file")

// HostConfig is the host side hot reload configuration
type HostConfig struct {
	Enabled bool     `json:"enabled"`
	IP      string   `json:"ip"`
	Port    int      `json:"port"`
	Files   []string `json:"files"`
}

// DefaultHostConfig returns a disabled configuration on the default port
func DefaultHostConfig() HostConfig {
	return HostConfig{IP: consts.DefaultIP, Port: consts.DefaultPort}
}

// Validate checks the configuration before any network activity. A disabled
// configuration is always valid.
func (c HostConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if err := config.ValidateEndpoint(c.IP, c.Port); err != nil {
		return err
	}
	if len(c.Files) == 0 {
		return ErrNoFiles
	}
	return nil
}

// Addr returns host:port
func (c HostConfig) Addr() string {
	return net.JoinHostPort(c.IP, strconv.Itoa(c.Port))
}

// ParseFilesCSV splits a comma-separated file list, trimming entries and
// dropping empty ones
func ParseFilesCSV(csv string) []string {
	var files []string
	for _, f := range strings.Split(csv, ",") {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}
	return files
}
