package instance

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.chatd, or $CHATD_HOME when set.
func BaseDir() string {
	if dir := os.Getenv("CHATD_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatd")
}

// Dir returns the instance-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "instances", name)
}

// SocketPath returns the control socket path for an instance.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "control.sock")
}

// LockPath returns the lock file path for an instance.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// DBPath returns the SQLite checkpoint database path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "chatd.db")
}

// BadgerDir returns the Badger checkpoint directory.
func BadgerDir(name string) string {
	return filepath.Join(Dir(name), "badger")
}

// StorePath returns the checkpoint location for driver.
func StorePath(name, driver string) string {
	if driver == "badger" {
		return BadgerDir(name)
	}
	return DBPath(name)
}

// LogDir returns the log directory for an instance.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "chatd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the instance directory tree with proper permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
