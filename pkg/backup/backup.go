// Package backup takes a verbatim snapshot of the files one apply
// transaction will touch and restores them on rollback. A backup set lives
// exactly as long as its transaction: committed away on success, consumed
// by restore on failure, and reported as orphaned if a crash left it
// behind.
package backup

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/vfriday/skillet/pkg/fsx"
	"github.com/vfriday/skillet/pkg/state"
)

const (
	dirName          = "backup"
	manifestFileName = "backup.json"
)

// ErrRestoreFailed is fatal: it means the safe-rollback invariant broke and
// the working tree needs manual repair before any further apply.
var ErrRestoreFailed = errors.New("restore failed")

// Entry captures one path's pre-transaction condition: its content lives
// under the backup directory when Exists is true, and Exists=false records
// explicit absence so restore knows to delete.
type Entry struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
}

// Set is the snapshot for one transaction.
type Set struct {
	TxID      string    `json:"txId"`
	Skill     string    `json:"skill"`
	CreatedAt time.Time `json:"createdAt"`
	Entries   []Entry   `json:"entries"`

	root string
	dir  string
}

// Dir returns the backup directory for a working tree root.
func Dir(root string) string {
	return filepath.Join(root, state.EngineDirName, dirName)
}

// Snapshot captures current content (or explicit absence) for exactly the
// given tree-relative paths, before any mutation. Any prior backup
// directory is replaced: overlapping backup sets cannot exist because the
// engine holds an exclusive lock while one is alive.
func Snapshot(root, txID, skill string, paths []string) (*Set, error) {
	dir := Dir(root)
	if err := os.RemoveAll(dir); err != nil {
		return nil, errors.Wrap(err, "failed to clear backup directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create backup directory")
	}

	set := &Set{
		TxID:      txID,
		Skill:     skill,
		CreatedAt: time.Now().UTC(),
		root:      root,
		dir:       dir,
	}

	for _, rel := range paths {
		target := filepath.Join(root, filepath.FromSlash(rel))
		entry := Entry{Path: rel}

		info, err := os.Stat(target)
		switch {
		case err == nil && info.Mode().IsRegular():
			entry.Exists = true
			if err := fsx.CopyFile(target, filepath.Join(dir, filepath.FromSlash(rel))); err != nil {
				return nil, errors.Wrapf(err, "failed to back up %s", rel)
			}
		case err == nil:
			return nil, errors.Errorf("cannot back up %s: not a regular file", rel)
		case os.IsNotExist(err):
			// recorded as absent
		default:
			return nil, errors.Wrapf(err, "failed to stat %s", rel)
		}

		set.Entries = append(set.Entries, entry)
	}

	if err := set.writeManifest(); err != nil {
		return nil, err
	}
	return set, nil
}

// Open loads an existing backup set, if any. ok is false when no backup
// directory is present. A set found by Open is an orphan from an
// interrupted transaction; the operator decides restore or discard.
func Open(root string) (*Set, bool, error) {
	dir := Dir(root)
	content, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "failed to read backup manifest")
	}

	var set Set
	if err := json.Unmarshal(content, &set); err != nil {
		return nil, false, errors.Wrap(err, "failed to parse backup manifest")
	}
	set.root = root
	set.dir = dir
	return &set, true, nil
}

// Restore writes every captured path back to its original content, or
// deletes it if it was absent at snapshot time. Failures do not stop the
// pass: every entry is attempted, and any accumulated failure surfaces as
// fatal ErrRestoreFailed since a partially restored tree must halt further
// automated action.
func (s *Set) Restore() error {
	var result *multierror.Error

	for _, entry := range s.Entries {
		target := filepath.Join(s.root, filepath.FromSlash(entry.Path))

		if entry.Exists {
			if err := fsx.CopyFile(filepath.Join(s.dir, filepath.FromSlash(entry.Path)), target); err != nil {
				result = multierror.Append(result, errors.Wrapf(err, "restore %s", entry.Path))
			}
			continue
		}

		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, errors.Wrapf(err, "remove %s", entry.Path))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return errors.Wrapf(ErrRestoreFailed, "%v", err)
	}
	return s.Discard()
}

// Discard removes the backup directory. Called on commit, or after a
// completed restore.
func (s *Set) Discard() error {
	return errors.Wrap(os.RemoveAll(s.dir), "failed to discard backup")
}

func (s *Set) writeManifest() error {
	content, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal backup manifest")
	}
	return fsx.WriteFileAtomic(filepath.Join(s.dir, manifestFileName), content, 0o644)
}
