package session

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultBaseDir(t *testing.T) {
	t.Setenv(homeEnv, "")
	home, _ := os.UserHomeDir()
	if got, want := Dir("main"), filepath.Join(home, ".chatsync", "accounts", "main"); got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestAccountLayout(t *testing.T) {
	t.Setenv(homeEnv, "/srv/cs")

	tests := map[string]string{
		SocketPath("work"): "/srv/cs/accounts/work/daemon.sock",
		CachePath("work"):  "/srv/cs/accounts/work/cache.db",
		LogPath("work"):    "/srv/cs/accounts/work/logs/chatsyncd.log",
		ConfigPath():       "/srv/cs/config.toml",
		EnvPath():          "/srv/cs/.env",
	}
	for got, want := range tests {
		if got != filepath.FromSlash(want) {
			t.Errorf("path = %q, want %q", got, want)
		}
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv(homeEnv, t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{Dir("test"), filepath.Dir(LogPath("test"))} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("%s not created: %v", d, err)
		}
		if !info.IsDir() || info.Mode().Perm() != 0700 {
			t.Errorf("%s: mode = %v, want dir 0700", d, info.Mode())
		}
	}
}
