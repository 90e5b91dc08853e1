package state

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/vfriday/skillet/pkg/envfile"
	"github.com/vfriday/skillet/pkg/fsx"
	"github.com/vfriday/skillet/pkg/manifest"
	"github.com/vfriday/skillet/pkg/merge"
)

// DriftReport names a ledger-tracked file whose live content no longer
// matches its recorded hash. Drift means the file was edited outside the
// engine and a future apply against it would be unsafe.
type DriftReport struct {
	Path         string `json:"path"`
	RecordedHash string `json:"recordedHash"`
	LiveHash     string `json:"liveHash,omitempty"`
	Missing      bool   `json:"missing,omitempty"`
}

// trackedHashes returns the expected hash per path: the last committed
// record to touch a path is its owner, whether or not that record was
// later superseded (a superseded record's files stay live until the
// superseding record rewrites them).
func trackedHashes(ledger *Ledger) map[string]string {
	hashes := make(map[string]string)
	for _, rec := range ledger.Records {
		for path, hash := range rec.AffectedFiles {
			hashes[path] = hash
		}
	}
	return hashes
}

// Verify recomputes the hash of every file referenced in the ledger and
// reports each path whose live content has drifted from its recorded hash.
func (t *Tracker) Verify(ledger *Ledger) ([]DriftReport, error) {
	expected := trackedHashes(ledger)

	paths := make([]string, 0, len(expected))
	for path := range expected {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var reports []DriftReport
	for _, path := range paths {
		live, err := fileHashOrAbsent(filepath.Join(t.root, filepath.FromSlash(path)))
		if err != nil {
			return nil, err
		}
		if live == "" {
			reports = append(reports, DriftReport{Path: path, RecordedHash: expected[path], Missing: true})
			continue
		}
		if live != expected[path] {
			reports = append(reports, DriftReport{Path: path, RecordedHash: expected[path], LiveHash: live})
		}
	}
	return reports, nil
}

// Replay reconstructs the content every tracked path should have, by
// replaying every recorded operation in ledger order on top of the base
// snapshot. Superseded records are replayed too: their effects were live
// when later records applied, so skipping them would corrupt the result.
//
// Add operations replay as content assignments rather than re-running the
// exists check; a committed add is known to have succeeded when it was
// applied, and under update intent it legitimately rewrote the skill's own
// earlier file.
func (t *Tracker) Replay(ledger *Ledger) (map[string][]byte, error) {
	tree := make(map[string][]byte)

	load := func(path string) ([]byte, error) {
		if content, ok := tree[path]; ok {
			return content, nil
		}
		content, err := os.ReadFile(filepath.Join(t.BaseDir(), filepath.FromSlash(path)))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, errors.Wrap(err, "failed to read base snapshot")
		}
		return content, nil
	}

	for _, rec := range ledger.Records {
		for _, op := range rec.Operations {
			switch manifest.OpKind(op.Kind) {
			case manifest.OpAdd:
				tree[op.Path] = []byte(op.Content)

			case manifest.OpModify:
				current, err := load(op.Path)
				if err != nil {
					return nil, err
				}
				mop := manifest.FileOperation{Kind: manifest.OpModify, Path: op.Path}
				for _, e := range op.Edits {
					mop.Edits = append(mop.Edits, manifest.Edit{
						Anchor:  e.Anchor,
						Action:  manifest.EditAction(e.Action),
						Content: e.Content,
					})
				}
				res, err := merge.Apply(&mop, current)
				if err != nil {
					return nil, err
				}
				if !res.Applied() {
					return nil, errors.Errorf(
						"replay conflict at seq %d (%s): %v; ledger and base snapshot disagree",
						rec.Seq, op.Path, res.Conflict)
				}
				tree[op.Path] = res.Content

			default:
				return nil, errors.Errorf("replay: unknown operation kind %q at seq %d", op.Kind, rec.Seq)
			}
		}

		if len(rec.EnvAdditions) > 0 {
			current, err := load(envfile.FileName)
			if err != nil {
				return nil, err
			}
			next, _ := envfile.EnsureKeys(current, rec.EnvAdditions)
			tree[envfile.FileName] = next
		}
	}

	return tree, nil
}

// VerifyReplay cross-checks Replay output against the recorded hashes:
// every tracked path's replayed content must hash to the ledger's expected
// value. A mismatch means the ledger or base store is corrupt.
func (t *Tracker) VerifyReplay(ledger *Ledger) error {
	tree, err := t.Replay(ledger)
	if err != nil {
		return err
	}
	for path, expected := range trackedHashes(ledger) {
		content, ok := tree[path]
		if !ok {
			return errors.Errorf("replay produced no content for tracked path %s", path)
		}
		if got := fsx.HashBytes(content); got != expected {
			return errors.Errorf("replay hash mismatch for %s: got %s want %s", path, got, expected)
		}
	}
	return nil
}

func fileHashOrAbsent(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Wrap(err, "failed to stat tracked file")
	}
	if !info.Mode().IsRegular() {
		return "", nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to read tracked file")
	}
	return fsx.HashBytes(content), nil
}
