// Package lock provides the advisory single-writer lock scoped to a
// working tree root. One apply transaction owns the tree exclusively;
// acquisition fails fast rather than queuing, since skill application is
// an operator-driven, infrequent action.
package lock

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/vfriday/skillet/pkg/state"
)

const fileName = "engine.lock"

// ErrEngineBusy means another live transaction holds the lock. Retryable
// by the operator once the prior run finishes.
var ErrEngineBusy = errors.New("engine busy")

// Info is the persisted lock metadata, used to tell a live holder from an
// orphan left by a crashed process.
type Info struct {
	PID        int       `json:"pid"`
	TxID       string    `json:"txId"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Lock is a held advisory lock.
type Lock struct {
	path string
}

// Path returns the lock file location for a working tree root.
func Path(root string) string {
	return filepath.Join(root, state.EngineDirName, fileName)
}

// Acquire takes the lock for root, or fails fast. A lock file whose owning
// process is dead is reported as stale rather than silently broken: the
// operator resolves it together with any orphaned backup via --recover.
func Acquire(root, txID string) (*Lock, error) {
	path := Path(root)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create engine directory")
	}

	content, err := json.Marshal(Info{PID: os.Getpid(), TxID: txID, AcquiredAt: time.Now().UTC()})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal lock info")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !os.IsExist(err) {
			return nil, errors.Wrap(err, "failed to create lock file")
		}
		info, stale, inspectErr := Inspect(root)
		if inspectErr != nil {
			return nil, inspectErr
		}
		if stale {
			return nil, errors.Wrapf(ErrEngineBusy,
				"stale lock held by dead pid %d since %s (resolve with --recover)",
				info.PID, info.AcquiredAt.Format(time.RFC3339))
		}
		return nil, errors.Wrapf(ErrEngineBusy, "lock held by pid %d since %s",
			info.PID, info.AcquiredAt.Format(time.RFC3339))
	}

	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, errors.Wrap(err, "failed to write lock file")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, errors.Wrap(err, "failed to close lock file")
	}

	return &Lock{path: path}, nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	return errors.Wrap(os.Remove(l.path), "failed to release lock")
}

// Inspect reads the current lock file, reporting whether its holder is
// dead. Returns a zero Info when no lock exists.
func Inspect(root string) (Info, bool, error) {
	content, err := os.ReadFile(Path(root))
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, false, nil
		}
		return Info{}, false, errors.Wrap(err, "failed to read lock file")
	}

	var info Info
	if err := json.Unmarshal(content, &info); err != nil {
		// unreadable lock: treat as stale so the operator can break it
		return Info{}, true, nil
	}

	alive, _ := process.PidExists(int32(info.PID))
	return info, !alive, nil
}

// Break removes a lock file regardless of holder. Only called on an
// explicit operator recovery decision.
func Break(root string) error {
	err := os.Remove(Path(root))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to break lock")
	}
	return nil
}

// Held reports whether a lock file currently exists.
func Held(root string) bool {
	_, err := os.Stat(Path(root))
	return err == nil
}
