// Package session resolves which account a process works on and where that
// account's files live:
//
//	$CHATSYNC_HOME (default ~/.chatsync)
//	  config.toml
//	  .env
//	  accounts/<name>/
//	    LOCK
//	    daemon.sock
//	    cache.db
//	    logs/chatsyncd.log
package session

import (
	"os"
	"path/filepath"
)

const homeEnv = "CHATSYNC_HOME"

func BaseDir() string {
	if d := os.Getenv(homeEnv); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".chatsync")
}

func accountsDir() string { return filepath.Join(BaseDir(), "accounts") }

// Dir is the account's private directory.
func Dir(name string) string { return filepath.Join(accountsDir(), name) }

func SocketPath(name string) string { return filepath.Join(Dir(name), "daemon.sock") }
func CachePath(name string) string  { return filepath.Join(Dir(name), "cache.db") }
func LogPath(name string) string    { return filepath.Join(logDir(name), "chatsyncd.log") }

func logDir(name string) string { return filepath.Join(Dir(name), "logs") }

func ConfigPath() string { return filepath.Join(BaseDir(), "config.toml") }

// EnvPath is the optional dotenv file loaded before CHATSYNC_* overrides.
func EnvPath() string { return filepath.Join(BaseDir(), ".env") }

// EnsureDir creates the account's directories owner-only.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), logDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
