package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

const lockFile = ".instance.lock"

var ErrLocked = errors.New("instance lock held")

// LockError says why an existing lock was not taken over.
type LockError struct {
	Path   string
	Reason string
	Owner  lockOwner
}

func (e *LockError) Error() string {
	return fmt.Sprintf("%s: %s (%s, pid=%d)", ErrLocked, e.Path, e.Reason, e.Owner.PID)
}

func (e *LockError) Unwrap() error { return ErrLocked }

type lockOwner struct {
	PID        int       `json:"pid"`
	InstanceID string    `json:"instance_id,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

type InstanceLock struct {
	path string
	file *os.File
}

type LockOptions struct {
	InstanceID string
	// Takeover allows replacing a lock whose owner is gone or older than StaleAfter.
	Takeover   bool
	StaleAfter time.Duration
	Now        func() time.Time
}

// AcquireInstanceLock makes root exclusive to this process.
func AcquireInstanceLock(root string, opts LockOptions) (*InstanceLock, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	path := filepath.Join(root, lockFile)

	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			owner := lockOwner{PID: os.Getpid(), InstanceID: opts.InstanceID, StartedAt: now().UTC()}
			if err := json.NewEncoder(f).Encode(owner); err != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, err
			}
			if err := f.Sync(); err != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, err
			}
			return &InstanceLock{path: path, file: f}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}

		owner, readErr := readLockOwner(path)
		if errors.Is(readErr, os.ErrNotExist) {
			continue
		}
		if readErr != nil {
			return nil, &LockError{Path: path, Reason: "unreadable: " + readErr.Error()}
		}
		if !opts.Takeover {
			return nil, &LockError{Path: path, Reason: "takeover_disabled", Owner: owner}
		}
		if reason, stale := staleReason(owner, now().UTC(), opts.StaleAfter); !stale {
			return nil, &LockError{Path: path, Reason: reason, Owner: owner}
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, &LockError{Path: path, Reason: "contended"}
}

func readLockOwner(path string) (lockOwner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return lockOwner{}, err
	}
	var owner lockOwner
	if len(data) == 0 {
		return owner, nil
	}
	if err := json.Unmarshal(data, &owner); err != nil {
		return lockOwner{}, err
	}
	return owner, nil
}

// staleReason reports whether a lock may be replaced. A live owner pid always wins.
func staleReason(owner lockOwner, now time.Time, staleAfter time.Duration) (string, bool) {
	if owner.PID > 0 {
		if processAlive(owner.PID) {
			return "owner_process_running", false
		}
		return "owner_process_gone", true
	}
	if owner.StartedAt.IsZero() {
		return "owner_unknown", false
	}
	if staleAfter > 0 && now.Sub(owner.StartedAt) >= staleAfter {
		return "lock_age_exceeded", true
	}
	return "lock_not_stale", false
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

func (l *InstanceLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
