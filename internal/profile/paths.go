package profile

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.habitado.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".habitado")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// DBPath returns the profile's chat database path. The database holds
// both the message store and the pending-message journal.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "chat.db")
}

// ConfigPath returns the profile's config file path.
func ConfigPath(name string) string {
	return filepath.Join(Dir(name), "config.toml")
}

// LockPath returns the lock file path for a profile.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the engine log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "chatsyncd.log")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
