package storage

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/adrg/xdg"
	log "github.com/sirupsen/logrus"

	"github.com/poemonsense/antigravity-broker/internal/config"
)

// ResolveConfigDir returns the directory holding the accounts file:
// env override > XDG config home > platform default. The directory is
// created if missing, and on Linux a one-time migration from the legacy
// antigravity-proxy directory is attempted.
func ResolveConfigDir() (string, error) {
	if dir := os.Getenv(config.ConfigDirEnv); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", err
		}
		return dir, nil
	}

	dir := filepath.Join(xdg.ConfigHome, config.AppDirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}

	if runtime.GOOS == "linux" {
		migrateLegacyDir(dir)
	}
	return dir, nil
}

// migrateLegacyDir copies the accounts file out of the legacy config
// directory when the new location has none yet. Best effort: failures
// are logged, never fatal.
func migrateLegacyDir(dir string) {
	target := filepath.Join(dir, config.AccountsFileName)
	if _, err := os.Stat(target); err == nil {
		return
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	legacy := filepath.Join(home, ".config", config.LegacyDirName, "accounts.json")
	data, err := os.ReadFile(legacy)
	if err != nil {
		return
	}

	if err := os.WriteFile(target, data, 0o600); err != nil {
		log.Warnf("[Storage] Legacy config migration failed: %v", err)
		return
	}
	log.Infof("[Storage] Migrated legacy accounts file from %s", legacy)
}
