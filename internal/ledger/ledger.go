package ledger

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// ErrLocked is returned by Lock when another supervisor holds the session lock.
var ErrLocked = errors.New("ledger is locked by another supervisor")

// IOError reports a failed ledger file operation.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string { return "ledger " + e.Op + " " + e.Path + ": " + e.Err.Error() }
func (e *IOError) Unwrap() error { return e.Err }

// Ledger persists the PIDs launched by the most recent supervisor session.
// The file holds one PID per line. A non-empty ledger found at startup means
// the previous session did not shut down cleanly.
type Ledger struct {
	path string
	lock *flock.Flock
}

func New(path string) *Ledger {
	return &Ledger{path: path, lock: flock.New(path + ".lock")}
}

func (l *Ledger) Path() string { return l.path }

// Write replaces the ledger content with pids. The data is written to a
// temporary file in the same directory and renamed over the ledger, so
// readers observe either the old or the new content.
func (l *Ledger) Write(pids []int) error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return &IOError{Op: "write", Path: l.path, Err: err}
	}
	var buf bytes.Buffer
	for _, pid := range pids {
		buf.WriteString(strconv.Itoa(pid))
		buf.WriteByte('\n')
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return &IOError{Op: "write", Path: l.path, Err: err}
	}
	tmpName := tmp.Name()
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &IOError{Op: "write", Path: l.path, Err: err}
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &IOError{Op: "write", Path: l.path, Err: err}
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		_ = os.Remove(tmpName)
		return &IOError{Op: "write", Path: l.path, Err: err}
	}
	return nil
}

// Read returns the recorded PIDs. A missing ledger yields an empty slice.
// Lines that do not hold a positive integer are skipped.
func (l *Ledger) Read() ([]int, error) {
	b, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []int{}, nil
		}
		return nil, &IOError{Op: "read", Path: l.path, Err: err}
	}
	return parse(b), nil
}

func parse(b []byte) []int {
	pids := []int{}
	s := bufio.NewScanner(bytes.NewReader(b))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}

// Clear removes the ledger. A ledger that does not exist is not an error.
func (l *Ledger) Clear() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &IOError{Op: "clear", Path: l.path, Err: err}
	}
	return nil
}

// Lock retry window. A status probe holds the lock for a moment only, so a
// supervisor starting at the same time waits it out instead of failing.
const (
	lockGrace = 500 * time.Millisecond
	lockRetry = 20 * time.Millisecond
)

// Lock takes the session lock next to the ledger, retrying for a short
// grace period. It returns ErrLocked when another live supervisor holds it.
func (l *Ledger) Lock() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return &IOError{Op: "lock", Path: l.lock.Path(), Err: err}
	}
	ctx, cancel := context.WithTimeout(context.Background(), lockGrace)
	defer cancel()
	ok, err := l.lock.TryLockContext(ctx, lockRetry)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return &IOError{Op: "lock", Path: l.lock.Path(), Err: err}
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLocked, l.lock.Path())
	}
	return nil
}

// Held reports whether a supervisor currently holds the session lock. It
// takes the lock for an instant only and never waits for it.
func (l *Ledger) Held() (bool, error) {
	if _, err := os.Stat(l.lock.Path()); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	probe := flock.New(l.lock.Path())
	ok, err := probe.TryLock()
	if err != nil {
		return false, &IOError{Op: "probe", Path: probe.Path(), Err: err}
	}
	if ok {
		_ = probe.Unlock()
		return false, nil
	}
	return true, nil
}

// Unlock releases the session lock. It is safe to call when not locked.
func (l *Ledger) Unlock() error {
	if !l.lock.Locked() {
		return nil
	}
	if err := l.lock.Unlock(); err != nil {
		return &IOError{Op: "unlock", Path: l.lock.Path(), Err: err}
	}
	return nil
}
