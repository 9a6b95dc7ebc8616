package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const fileName = "LOCK"

// Owner describes the process holding a profile lock.
type Owner struct {
	PID     int
	Profile string
	Since   time.Time
}

// HeldError is returned when another process holds the profile lock.
type HeldError struct {
	Owner Owner
	Path  string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("profile %q is already served by PID %d since %s (%s)",
		e.Owner.Profile, e.Owner.PID, e.Owner.Since.Format(time.RFC3339), e.Path)
}

// Lock is an exclusive advisory lock on a profile directory. One daemon per
// profile owns the connection, so a second daemon must refuse to start.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the lock for profile in dir without blocking.
// Returns *HeldError if another process already holds it.
func Acquire(dir, profile string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	path := filepath.Join(dir, fileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		owner, _ := ReadOwner(dir)
		return nil, &HeldError{Owner: owner, Path: path}
	}

	owner := Owner{PID: os.Getpid(), Profile: profile, Since: time.Now().UTC().Truncate(time.Second)}
	if err := writeOwner(f, owner); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Lock{file: f, path: path}, nil
}

// ReadOwner reports what the lock file in dir says about its holder. The
// information may be stale if the holder crashed; only Acquire is authoritative.
func ReadOwner(dir string) (Owner, error) {
	data, err := os.ReadFile(filepath.Join(dir, fileName))
	if err != nil {
		return Owner{}, err
	}
	var o Owner
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			o.PID, _ = strconv.Atoi(value)
		case "profile":
			o.Profile = value
		case "since":
			o.Since, _ = time.Parse(time.RFC3339, value)
		}
	}
	return o, nil
}

// Release releases the lock. Safe to call on nil receiver and more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func writeOwner(f *os.File, o Owner) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(f, "pid=%d\nprofile=%s\nsince=%s\n", o.PID, o.Profile, o.Since.Format(time.RFC3339))
	return err
}
