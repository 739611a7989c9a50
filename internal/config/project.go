package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// projectMarkers identify a sketch project root
var projectMarkers = []string{".sketchsync", "go.mod"}

// FindProjectRoot walks up from start until it finds a directory containing a
// project file (*.csproj) or one of the project markers.
func FindProjectRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidProjectDir, err)
	}

	for {
		if isProjectRoot(dir) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w: no project root above %s", ErrInvalidProjectDir, start)
		}
		dir = parent
	}
}

func isProjectRoot(dir string) bool {
	if matches, _ := filepath.Glob(filepath.Join(dir, "*.csproj")); len(matches) > 0 {
		return true
	}
	for _, marker := range projectMarkers {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return true
		}
	}
	return false
}

// FirstIPv4 returns the first non-loopback IPv4 address of an interface that is
// up, so the operator knows what a device on the LAN should dial.
func FirstIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}
	return "127.0.0.1"
}
