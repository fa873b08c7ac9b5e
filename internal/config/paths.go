package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// SocketName is the filename of the control socket inside the runtime
// directory.
const SocketName = "icinga2.s"

// Paths holds platform-specific file locations for the daemon.
type Paths struct {
	ConfigDir  string // ~/.config/icinga2 or equivalent
	ConfigFile string // <ConfigDir>/config.toml
	RunDir     string // runtime directory holding the control socket
	SocketPath string // <RunDir>/icinga2.s
}

// GetPaths returns platform-specific paths for the daemon.
//
// ICINGA2_CONFIG_DIR overrides everything, placing the runtime
// directory under the config directory; useful for tests and for
// running multiple instances side by side.
func GetPaths() (*Paths, error) {
	if dir := os.Getenv("ICINGA2_CONFIG_DIR"); dir != "" {
		return pathsIn(dir, filepath.Join(dir, "run")), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home directory: %w", err)
	}
	configDir := filepath.Join(home, ".config", "icinga2")

	var runDir string
	switch runtime.GOOS {
	case "linux":
		runDir = os.Getenv("XDG_RUNTIME_DIR")
		if runDir == "" {
			runDir = fmt.Sprintf("/run/user/%d", os.Getuid())
		}
	case "darwin":
		runDir = filepath.Join(home, "Library", "Application Support", "icinga2")
	default:
		// The control socket is a Unix-domain socket; there is no
		// Windows rendition of this subsystem.
		return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	return pathsIn(configDir, runDir), nil
}

func pathsIn(configDir, runDir string) *Paths {
	return &Paths{
		ConfigDir:  configDir,
		ConfigFile: filepath.Join(configDir, "config.toml"),
		RunDir:     runDir,
		SocketPath: filepath.Join(runDir, SocketName),
	}
}

// ApplyRunDir re-derives the socket path after a configured runtime
// directory override.
func (p *Paths) ApplyRunDir(runDir string) {
	if runDir == "" {
		return
	}
	p.RunDir = runDir
	p.SocketPath = filepath.Join(runDir, SocketName)
}
