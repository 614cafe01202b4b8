package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const appDataEnvOverride = "MNESIS_APPDATA_DIR"

// Dir resolves the config directory: an env override takes priority, then
// %APPDATA%/Mnesis on Windows, then ~/.mnesis everywhere else.
func Dir() (string, error) {
	if v := os.Getenv(appDataEnvOverride); v != "" {
		return v, nil
	}
	if runtime.GOOS == "windows" {
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("config: APPDATA is not set")
		}
		return filepath.Join(appData, "Mnesis"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".mnesis"), nil
}

// Path resolves the full config.yaml path within Dir().
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// ensurePrivatePermissions best-effort hardens the config directory (0700)
// and file (0600) to owner-only on POSIX systems. A no-op on Windows,
// where ACL-based hardening is out of scope for this module.
func ensurePrivatePermissions(dir, path string) {
	if runtime.GOOS == "windows" {
		return
	}
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		if info.Mode().Perm() != 0o700 {
			_ = os.Chmod(dir, 0o700)
		}
	}
	if info, err := os.Stat(path); err == nil {
		if info.Mode().Perm() != 0o600 {
			_ = os.Chmod(path, 0o600)
		}
	}
}
