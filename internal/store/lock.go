package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

const (
	// DispatchLock serialises operator sessions that send orders.
	DispatchLock = ".dispatch.lock"
	// MonitorLock keeps a second monitor from publishing into the same state dir.
	MonitorLock = ".monitor.lock"
)

var ErrLockHeld = errors.New("lock held")

type LockOptions struct {
	TakeoverEnabled bool
	StaleAfter      time.Duration
	Now             func() time.Time
}

// Lock is an exclusive lock file holding its owner's pid and host.
type Lock struct {
	path string
	file *os.File
}

type lockOwner struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host,omitempty"`
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
}

// AcquireLock creates root/name exclusively. With takeover enabled a lock is replaced
// when its owner process on this host is gone, or, when liveness cannot be checked
// (foreign host or no pid), once it is older than StaleAfter.
func AcquireLock(root, name string, opts LockOptions) (*Lock, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if name == "" {
		return nil, errors.New("lock name required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	path := filepath.Join(root, name)
	owner := lockOwner{PID: os.Getpid(), Host: hostname(), Name: name}

	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			owner.StartedAt = now().UTC()
			if err := writeOwner(f, owner); err != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, err
			}
			return &Lock{path: path, file: f}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if !opts.TakeoverEnabled {
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, path)
		}
		stale, reason, err := staleLock(path, now().UTC(), opts.StaleAfter)
		if err != nil {
			return nil, fmt.Errorf("%w: %s (stale check failed: %v)", ErrLockHeld, path, err)
		}
		if !stale {
			return nil, fmt.Errorf("%w: %s (%s)", ErrLockHeld, path, reason)
		}
		log.Printf("level=WARN event=lock_takeover path=%q reason=%q", path, reason)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLockHeld, path)
}

func writeOwner(f *os.File, owner lockOwner) error {
	data, err := json.Marshal(owner)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func staleLock(path string, now time.Time, staleAfter time.Duration) (bool, string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return true, "lock_disappeared", nil
	}
	if err != nil {
		return false, "", err
	}
	var owner lockOwner
	if err := json.Unmarshal(data, &owner); err != nil {
		return false, "", fmt.Errorf("unreadable lock owner: %w", err)
	}
	if owner.PID > 0 && (owner.Host == "" || owner.Host == hostname()) {
		if processAlive(owner.PID) {
			return false, "owner_process_running", nil
		}
		return true, "owner_process_not_running", nil
	}
	if owner.StartedAt.IsZero() {
		return false, "missing_lock_owner_info", nil
	}
	if staleAfter > 0 && now.Sub(owner.StartedAt) >= staleAfter {
		return true, "lock_age_exceeded", nil
	}
	return false, "lock_not_stale", nil
}

// processAlive probes pid with signal 0. EPERM means the process exists under
// another user.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	l.path = ""
	return nil
}
