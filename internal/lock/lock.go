// Package lock keeps a single daemon per account with an flock on the
// account's LOCK file. The file also records who holds it, so other tools can
// report a running daemon without talking to it.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
)

const fileName = "LOCK"

// Holder describes the daemon holding an account lock.
type Holder struct {
	PID     int       `toml:"pid"`
	UserID  string    `toml:"user_id"`
	Socket  string    `toml:"socket"`
	Started time.Time `toml:"started"`
}

// HeldError is returned when another process holds the account lock.
type HeldError struct {
	Holder Holder
	Path   string
}

func (e *HeldError) Error() string {
	if e.Holder.PID == 0 {
		return fmt.Sprintf("account lock held (%s)", e.Path)
	}
	return fmt.Sprintf("account lock held by PID %d since %s (%s)",
		e.Holder.PID, e.Holder.Started.Format(time.RFC3339), e.Path)
}

// Lock is an acquired account lock.
type Lock struct {
	file   *os.File
	path   string
	holder Holder
}

// Path returns the lock file of an account directory.
func Path(accountDir string) string {
	return filepath.Join(accountDir, fileName)
}

// Acquire takes the exclusive lock of accountDir and records h in it. PID and
// Started are filled in when zero. It returns *HeldError if another process
// holds the lock.
func Acquire(accountDir string, h Holder) (*Lock, error) {
	if err := os.MkdirAll(accountDir, 0700); err != nil {
		return nil, fmt.Errorf("create account dir: %w", err)
	}
	path := Path(accountDir)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if !errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}
		held := &HeldError{Path: path}
		if prev, rerr := ReadHolder(accountDir); rerr == nil {
			held.Holder = prev
		}
		return nil, held
	}

	if h.PID == 0 {
		h.PID = os.Getpid()
	}
	if h.Started.IsZero() {
		h.Started = time.Now().UTC().Truncate(time.Second)
	}
	if err := writeHolder(f, h); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return &Lock{file: f, path: path, holder: h}, nil
}

func writeHolder(f *os.File, h Holder) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	return toml.NewEncoder(f).Encode(h)
}

// Holder returns what this lock recorded.
func (l *Lock) Holder() Holder {
	return l.holder
}

// Release drops the lock and removes the file. Safe on a nil or released lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove first so a stale file never outlives the lock.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadHolder reads the holder recorded in accountDir's lock file.
func ReadHolder(accountDir string) (Holder, error) {
	var h Holder
	if _, err := toml.DecodeFile(Path(accountDir), &h); err != nil {
		return Holder{}, err
	}
	return h, nil
}

// Held reports whether some process currently holds accountDir's lock.
func Held(accountDir string) (bool, error) {
	f, err := os.Open(Path(accountDir))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_SH|syscall.LOCK_NB)
	if errors.Is(err, syscall.EWOULDBLOCK) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	return false, nil
}
