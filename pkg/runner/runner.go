// Package runner orchestrates one skill application as a transaction:
// validate, snapshot, merge, test, gate, commit, with rollback restoring
// the tree byte-for-byte on any failure after mutation starts. A skill
// either fully applies (files changed, tests passed, ledger updated) or
// fully fails (tree and ledger unchanged); no partial state survives a
// completed run.
package runner

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/vfriday/skillet/pkg/backup"
	"github.com/vfriday/skillet/pkg/envfile"
	"github.com/vfriday/skillet/pkg/fsx"
	"github.com/vfriday/skillet/pkg/gate"
	"github.com/vfriday/skillet/pkg/lock"
	"github.com/vfriday/skillet/pkg/logger"
	"github.com/vfriday/skillet/pkg/manifest"
	"github.com/vfriday/skillet/pkg/merge"
	"github.com/vfriday/skillet/pkg/state"
)

// Phase names the transaction states, in order of progress.
type Phase string

const (
	PhaseValidating       Phase = "validating"
	PhaseSnapshotting     Phase = "snapshotting"
	PhaseMerging          Phase = "merging"
	PhaseTesting          Phase = "testing"
	PhaseAwaitingApproval Phase = "awaiting-approval"
	PhaseCommitting       Phase = "committing"
	PhaseDone             Phase = "done"
	PhaseRolledBack       Phase = "rolled-back"
)

var (
	ErrMergeConflict       = errors.New("merge conflict")
	ErrTestFailure         = errors.New("test failure")
	ErrTestTimeout         = errors.New("test timeout")
	ErrMissingDependency   = errors.New("missing skill dependency")
	ErrSkillConflict       = errors.New("conflicting skill applied")
	ErrMissingEnvKey       = errors.New("required environment key not set")
	ErrOrphanedTransaction = errors.New("orphaned transaction found")
)

// Options configure one apply transaction.
type Options struct {
	Root     string
	SkillDir string

	// Update is the explicit intent required to re-apply an already
	// applied skill; without it a second apply is rejected untouched.
	Update bool

	TestTimeout  time.Duration
	ApprovalTTL  time.Duration
	ApprovalPoll time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.TestTimeout <= 0 {
		out.TestTimeout = 2 * time.Minute
	}
	if out.ApprovalTTL <= 0 {
		out.ApprovalTTL = time.Hour
	}
	if out.ApprovalPoll <= 0 {
		out.ApprovalPoll = 2 * time.Second
	}
	return out
}

// Outcome reports how a transaction concluded. Err mirrors the returned
// error for callers that keep the outcome around.
type Outcome struct {
	TxID          string
	Phase         Phase
	Skill         string
	Version       string
	AffectedFiles map[string]string
	EnvAdded      []string
	Conflict      *merge.Conflict
	TestOutput    string
	ApprovalID    string
	RolledBack    bool
}

// Apply runs the full transaction for the skill package at opts.SkillDir
// against the working tree at opts.Root.
func Apply(ctx context.Context, opts Options) (*Outcome, error) {
	opts = opts.withDefaults()
	outcome := &Outcome{TxID: uuid.NewString(), Phase: PhaseValidating}

	log := logger.G(ctx).WithField("tx", outcome.TxID)
	ctx = logger.WithLogger(ctx, log)

	held, err := lock.Acquire(opts.Root, outcome.TxID)
	if err != nil {
		return outcome, err
	}
	defer func() {
		if releaseErr := held.Release(); releaseErr != nil {
			log.WithError(releaseErr).Warn("failed to release engine lock")
		}
	}()

	// An orphaned backup set means a prior run died between snapshot and
	// commit. The operator decides restore or discard; auto-deciding
	// either way could destroy their work.
	if orphan, found, err := backup.Open(opts.Root); err != nil {
		return outcome, err
	} else if found {
		return outcome, errors.Wrapf(ErrOrphanedTransaction,
			"backup set from transaction %s (skill %q) exists; resolve with --recover restore|discard",
			orphan.TxID, orphan.Skill)
	}

	tracker := state.New(opts.Root)
	ledger, err := tracker.Load()
	if err != nil {
		return outcome, err
	}

	m, err := manifest.Load(opts.SkillDir)
	if err != nil {
		return outcome, err
	}
	outcome.Skill = m.Name
	outcome.Version = m.Version
	log = log.WithField("skill", m.Name)

	if err := validate(m, ledger, opts.Update); err != nil {
		return outcome, err
	}

	touched := m.Paths()
	if len(m.EnvKeys) > 0 {
		touched = append(touched, envfile.FileName)
	}

	outcome.Phase = PhaseSnapshotting
	set, err := backup.Snapshot(opts.Root, outcome.TxID, m.Name, touched)
	if err != nil {
		return outcome, err
	}
	log.WithField("paths", len(touched)).Debug("backup set captured")

	outcome.Phase = PhaseMerging
	if err := mergeAll(ctx, opts, m, ledger, outcome); err != nil {
		return rollback(ctx, outcome, set, err)
	}

	outcome.Phase = PhaseTesting
	testResult, err := runChecks(ctx, opts, m, outcome)
	if err != nil {
		return rollback(ctx, outcome, set, err)
	}

	// Classify everything the transaction writes, not just the declared
	// operations: env additions mutate .env.example, which the default
	// sensitive patterns cover.
	var approvals *gate.Store
	if sensitive := gate.SensitivePaths(touched, m.Sensitive); len(sensitive) > 0 {
		outcome.Phase = PhaseAwaitingApproval
		approvals = gate.NewStore(opts.Root)
		if err := awaitApproval(ctx, approvals, opts, m, sensitive, outcome); err != nil {
			return rollback(ctx, outcome, set, err)
		}
	}

	outcome.Phase = PhaseCommitting
	rec := state.AppliedSkillRecord{
		Name:          m.Name,
		Version:       m.Version,
		AffectedFiles: outcome.AffectedFiles,
		Operations:    state.RecordOperations(m.Operations),
		EnvAdditions:  outcome.EnvAdded,
		TestResult:    testResult,
	}
	if err := tracker.Record(ledger, rec, opts.Update); err != nil {
		return rollback(ctx, outcome, set, err)
	}

	// The approval token is spent only now that the commit stands; a
	// rollback above leaves it approved for the retry.
	if approvals != nil {
		if err := approvals.Consume(outcome.ApprovalID); err != nil {
			log.WithError(err).Warn("failed to mark approval consumed")
		}
	}

	if err := set.Discard(); err != nil {
		log.WithError(err).Warn("failed to discard backup set after commit")
	}

	outcome.Phase = PhaseDone
	if committed := ledger.Active(m.Name); committed != nil {
		log.WithField("seq", committed.Seq).Info("skill committed")
	}
	return outcome, nil
}

// validate enforces every precondition that must hold before a single
// file is touched.
func validate(m *manifest.SkillManifest, ledger *state.Ledger, update bool) error {
	applied := make(map[string]struct{})
	for _, name := range ledger.AppliedNames() {
		applied[name] = struct{}{}
	}

	for _, dep := range m.Depends {
		if _, ok := applied[dep]; !ok {
			return errors.Wrapf(ErrMissingDependency, "skill %q requires %q", m.Name, dep)
		}
	}
	for _, rival := range m.Conflicts {
		if _, ok := applied[rival]; ok {
			return errors.Wrapf(ErrSkillConflict, "skill %q conflicts with applied skill %q", m.Name, rival)
		}
	}
	if missing := m.MissingEnvKeys(); len(missing) > 0 {
		return errors.Wrapf(ErrMissingEnvKey, "%v", missing)
	}
	if prior := ledger.Active(m.Name); prior != nil && !update {
		return errors.Wrapf(state.ErrDuplicateSkillApplication,
			"skill %q applied at seq %d; pass --update to supersede it", m.Name, prior.Seq)
	}
	return nil
}

// mergeAll applies every file operation in declared order, stopping at the
// first conflict. Operations already merged are left for rollback to undo.
func mergeAll(ctx context.Context, opts Options, m *manifest.SkillManifest, ledger *state.Ledger, outcome *Outcome) error {
	outcome.AffectedFiles = make(map[string]string, len(m.Operations))

	for i := range m.Operations {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "apply cancelled during merge")
		}
		op := &m.Operations[i]

		target := filepath.Join(opts.Root, filepath.FromSlash(op.Path))
		current, err := os.ReadFile(target)
		if err != nil {
			if !os.IsNotExist(err) {
				return errors.Wrapf(err, "failed to read %s", op.Path)
			}
			current = nil
		}

		// Under explicit update intent a skill may rewrite a file its own
		// prior application added, provided the file has not drifted since.
		if current != nil && opts.Update && op.Kind == manifest.OpAdd {
			if prior := ledger.Active(m.Name); prior != nil && prior.AffectedFiles[op.Path] == fsx.HashBytes(current) {
				current = nil
			}
		}

		res, err := merge.Apply(op, current)
		if err != nil {
			return err
		}
		if !res.Applied() {
			outcome.Conflict = res.Conflict
			return errors.Wrap(ErrMergeConflict, res.Conflict.Error())
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return errors.Wrapf(err, "failed to create directory for %s", op.Path)
		}
		if err := os.WriteFile(target, res.Content, 0o644); err != nil {
			return errors.Wrapf(err, "failed to write %s", op.Path)
		}
		outcome.AffectedFiles[op.Path] = res.Hash
	}

	if len(m.EnvKeys) > 0 {
		if err := mergeEnvKeys(opts.Root, m.EnvKeys, outcome); err != nil {
			return err
		}
	}
	return nil
}

func mergeEnvKeys(root string, keys []string, outcome *Outcome) error {
	path := filepath.Join(root, envfile.FileName)
	current, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to read env example file")
	}

	next, appended := envfile.EnsureKeys(current, keys)
	if len(appended) == 0 {
		return nil
	}
	if err := os.WriteFile(path, next, 0o644); err != nil {
		return errors.Wrap(err, "failed to write env example file")
	}
	outcome.EnvAdded = appended
	outcome.AffectedFiles[envfile.FileName] = fsx.HashBytes(next)
	return nil
}

func awaitApproval(ctx context.Context, store *gate.Store, opts Options, m *manifest.SkillManifest, sensitive []string, outcome *Outcome) error {
	fingerprint := gate.Fingerprint(m.Name, sensitive)

	req, created, err := store.Ensure(m.Name, sensitive, fingerprint, opts.ApprovalTTL)
	if err != nil {
		return err
	}
	outcome.ApprovalID = req.ID

	log := logger.G(ctx).WithField("request", req.ID)
	if created {
		log.WithField("paths", sensitive).Warnf(
			"sensitive paths require approval: run `skillet approve %s` before %s",
			req.ID, req.ExpiresAt.Format(time.RFC3339))
	} else {
		log.Info("reusing pending approval request")
	}

	return store.Await(ctx, req.ID, opts.ApprovalPoll)
}

// rollback restores the backup set and downgrades the outcome. The one
// unrecoverable condition is the restore itself failing, which must halt
// all further automated action.
func rollback(ctx context.Context, outcome *Outcome, set *backup.Set, cause error) (*Outcome, error) {
	log := logger.G(ctx)
	log.WithError(cause).WithField("phase", string(outcome.Phase)).Warn("rolling back transaction")

	if err := set.Restore(); err != nil {
		log.WithError(err).Error("restore failed; working tree requires manual repair")
		return outcome, err
	}

	outcome.RolledBack = true
	outcome.Phase = PhaseRolledBack
	return outcome, cause
}
