// Package state owns the applied-skills ledger and the base snapshot store.
//
// The ledger is a canonical-JSON document (RFC 8785 / JCS) so two engines
// that apply the same skills in the same order to the same base produce
// byte-identical ledgers. It is replaced atomically on every commit; a
// crash never leaves a half-written ledger on disk.
package state

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/gowebpki/jcs"
	"github.com/pkg/errors"

	"github.com/vfriday/skillet/pkg/fsx"
	"github.com/vfriday/skillet/pkg/manifest"
)

const (
	// EngineDirName is the engine-owned directory at the working tree root.
	EngineDirName = ".skillet"

	ledgerFileName = "state.json"
	baseDirName    = "base"

	// SchemaVersion is bumped only on incompatible ledger format changes.
	SchemaVersion = "1"
)

var (
	ErrNotInitialized            = errors.New("engine state not initialized")
	ErrDuplicateSkillApplication = errors.New("skill already applied")
)

// TestResult records how the declared test command concluded for a
// committed skill. Failed runs never reach the ledger.
type TestResult string

const (
	TestPass    TestResult = "pass"
	TestSkipped TestResult = "skipped"
)

// RecordedEdit is the replayable form of one anchor edit.
type RecordedEdit struct {
	Anchor  string `json:"anchor"`
	Action  string `json:"action"`
	Content string `json:"content,omitempty"`
}

// RecordedOperation is the replayable form of one file operation. Add
// operations carry their full content so the ledger alone, plus the base
// snapshot store, reproduces the tree.
type RecordedOperation struct {
	Kind    string         `json:"kind"`
	Path    string         `json:"path"`
	Content string         `json:"content,omitempty"`
	Edits   []RecordedEdit `json:"edits,omitempty"`
}

// AppliedSkillRecord is one committed skill application. Once committed it
// is immutable: re-application with update intent appends a new record and
// flips Superseded on the old one, never edits it in place.
type AppliedSkillRecord struct {
	Name          string              `json:"name"`
	Version       string              `json:"version"`
	Seq           int                 `json:"seq"`
	AffectedFiles map[string]string   `json:"affectedFiles"`
	Operations    []RecordedOperation `json:"operations"`
	EnvAdditions  []string            `json:"envAdditions,omitempty"`
	TestResult    TestResult          `json:"testResult"`
	Superseded    bool                `json:"superseded,omitempty"`
}

// Ledger is the full ordered record of applied skills plus the identifier
// of the pre-skills baseline.
type Ledger struct {
	SchemaVersion  string               `json:"schemaVersion"`
	BaseSnapshotID string               `json:"baseSnapshotId"`
	Records        []AppliedSkillRecord `json:"records"`
}

// Active returns the latest non-superseded record for name, or nil.
func (l *Ledger) Active(name string) *AppliedSkillRecord {
	for i := len(l.Records) - 1; i >= 0; i-- {
		if l.Records[i].Name == name && !l.Records[i].Superseded {
			return &l.Records[i]
		}
	}
	return nil
}

// AppliedNames returns the sorted names of all skills with an active record.
func (l *Ledger) AppliedNames() []string {
	seen := make(map[string]struct{})
	for _, rec := range l.Records {
		if !rec.Superseded {
			seen[rec.Name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Hash returns the content hash of the ledger's canonical JSON form. Equal
// ledgers hash equal on any machine; this is the replay guarantee made
// checkable.
func (l *Ledger) Hash() (string, error) {
	canonical, err := canonicalJSON(l)
	if err != nil {
		return "", err
	}
	return fsx.HashBytes(canonical), nil
}

// Tracker persists and queries the ledger for one working tree root.
type Tracker struct {
	root string
}

// New returns a Tracker for the given working tree root.
func New(root string) *Tracker {
	return &Tracker{root: root}
}

// EngineDir returns the engine-owned state directory.
func (t *Tracker) EngineDir() string {
	return filepath.Join(t.root, EngineDirName)
}

// LedgerPath returns the on-disk ledger location.
func (t *Tracker) LedgerPath() string {
	return filepath.Join(t.EngineDir(), ledgerFileName)
}

// BaseDir returns the base snapshot store directory.
func (t *Tracker) BaseDir() string {
	return filepath.Join(t.EngineDir(), baseDirName)
}

// Initialized reports whether a ledger exists for this root.
func (t *Tracker) Initialized() bool {
	_, err := os.Stat(t.LedgerPath())
	return err == nil
}

// Init creates the ledger and captures the base snapshot: a pristine copy
// of every file currently in the tree, so a future Replay can rebuild the
// exact post-skills state onto a fresh checkout. With force it discards
// any existing state and starts over; without force an existing ledger is
// returned untouched.
func (t *Tracker) Init(force bool) (*Ledger, error) {
	if t.Initialized() && !force {
		return t.Load()
	}

	if err := os.RemoveAll(t.BaseDir()); err != nil {
		return nil, errors.Wrap(err, "failed to clear base snapshot store")
	}

	baseID, err := t.captureBaseSnapshot()
	if err != nil {
		return nil, err
	}

	ledger := &Ledger{
		SchemaVersion:  SchemaVersion,
		BaseSnapshotID: baseID,
		Records:        []AppliedSkillRecord{},
	}
	if err := t.save(ledger); err != nil {
		return nil, err
	}
	return ledger, nil
}

// Load reads the ledger, failing with ErrNotInitialized when absent.
func (t *Tracker) Load() (*Ledger, error) {
	content, err := os.ReadFile(t.LedgerPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotInitialized, "no ledger at %s (run init first)", t.LedgerPath())
		}
		return nil, errors.Wrap(err, "failed to read ledger")
	}

	var ledger Ledger
	if err := json.Unmarshal(content, &ledger); err != nil {
		return nil, errors.Wrap(err, "failed to parse ledger")
	}
	if ledger.SchemaVersion != SchemaVersion {
		return nil, errors.Errorf("unsupported ledger schema version %q (want %q)",
			ledger.SchemaVersion, SchemaVersion)
	}
	return &ledger, nil
}

// Record appends rec to the ledger and persists it atomically. A skill with
// an active record is rejected with ErrDuplicateSkillApplication unless
// update is set, in which case the prior record is marked superseded and
// the new one appended.
func (t *Tracker) Record(ledger *Ledger, rec AppliedSkillRecord, update bool) error {
	if prior := ledger.Active(rec.Name); prior != nil {
		if !update {
			return errors.Wrapf(ErrDuplicateSkillApplication,
				"skill %q is already applied at seq %d (re-apply requires explicit update intent)",
				rec.Name, prior.Seq)
		}
		prior.Superseded = true
	}

	rec.Seq = len(ledger.Records) + 1
	if rec.AffectedFiles == nil {
		rec.AffectedFiles = map[string]string{}
	}
	ledger.Records = append(ledger.Records, rec)

	return t.save(ledger)
}

// save writes the canonical JSON form of the ledger with replace-on-commit
// semantics.
func (t *Tracker) save(ledger *Ledger) error {
	canonical, err := canonicalJSON(ledger)
	if err != nil {
		return err
	}
	return fsx.WriteFileAtomic(t.LedgerPath(), canonical, 0o644)
}

func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal ledger")
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, errors.Wrap(err, "failed to canonicalize ledger")
	}
	return canonical, nil
}

// captureBaseSnapshot copies the current tree into the base store and
// returns its content-derived identifier.
func (t *Tracker) captureBaseSnapshot() (string, error) {
	hashes := make(map[string]string)

	err := filepath.WalkDir(t.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" || path == t.EngineDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(t.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if err := fsx.CopyFile(path, filepath.Join(t.BaseDir(), filepath.FromSlash(rel))); err != nil {
			return err
		}
		hash, err := fsx.HashFile(path)
		if err != nil {
			return err
		}
		hashes[rel] = hash
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to capture base snapshot")
	}

	canonical, err := canonicalJSON(map[string]any{"files": hashes})
	if err != nil {
		return "", err
	}
	return fsx.HashBytes(canonical), nil
}

// RecordOperations converts manifest operations into their replayable
// ledger form.
func RecordOperations(ops []manifest.FileOperation) []RecordedOperation {
	out := make([]RecordedOperation, 0, len(ops))
	for _, op := range ops {
		rec := RecordedOperation{Kind: string(op.Kind), Path: op.Path}
		if op.Kind == manifest.OpAdd {
			rec.Content = string(op.Content)
		}
		for _, e := range op.Edits {
			rec.Edits = append(rec.Edits, RecordedEdit{
				Anchor:  e.Anchor,
				Action:  string(e.Action),
				Content: e.Content,
			})
		}
		out = append(out, rec)
	}
	return out
}
