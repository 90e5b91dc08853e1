// Package merge applies a single declared file operation against on-disk
// content, producing either the new file body or a conflict report.
//
// Anchor matching is an exact byte substring search: an anchor must occur
// exactly once in the running buffer. Zero occurrences or more than one is
// a conflict, and a conflict on any edit rejects the whole operation. The
// engine never resolves a conflict on its own; that is a deliberate policy,
// not a missing feature. Anchors are chosen over line numbers because
// skills are authored against a moving base: an anchor survives unrelated
// edits above and below it, a line number does not.
package merge

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/vfriday/skillet/pkg/fsx"
	"github.com/vfriday/skillet/pkg/manifest"
)

// ConflictReason names why an operation could not be applied.
type ConflictReason string

const (
	ReasonPathExists      ConflictReason = "path already exists"
	ReasonAnchorMissing   ConflictReason = "anchor not found"
	ReasonAnchorAmbiguous ConflictReason = "ambiguous anchor"
)

// Conflict describes a terminal merge failure for one operation. It carries
// the anchor the skill expected and how the target actually looked, so the
// operator can fix the skill or the file by hand.
type Conflict struct {
	Path        string
	EditIndex   int
	Reason      ConflictReason
	Anchor      string
	Occurrences int
}

// Error renders the conflict as a named, operator-readable failure.
func (c *Conflict) Error() string {
	switch c.Reason {
	case ReasonPathExists:
		return fmt.Sprintf("merge conflict in %s: %s", c.Path, c.Reason)
	case ReasonAnchorAmbiguous:
		return fmt.Sprintf("merge conflict in %s: %s (edit %d: anchor %q occurs %d times, want exactly 1)",
			c.Path, c.Reason, c.EditIndex, truncateAnchor(c.Anchor), c.Occurrences)
	default:
		return fmt.Sprintf("merge conflict in %s: %s (edit %d: anchor %q)",
			c.Path, c.Reason, c.EditIndex, truncateAnchor(c.Anchor))
	}
}

// Result is the outcome of applying one file operation. Exactly one of
// (Content, Hash) or Conflict is meaningful.
type Result struct {
	Content  []byte
	Hash     string
	Conflict *Conflict
}

// Applied reports whether the operation produced new content.
func (r *Result) Applied() bool {
	return r.Conflict == nil
}

// Apply runs one file operation against the current on-disk content
// (nil means the target does not exist). It is pure: no disk access, no
// mutation of its inputs.
//
// Add succeeds only when the target is absent; adds are not overwrites, so
// a partially applied prior run cannot be silently papered over.
//
// Modify applies its edits in declared order against a running buffer, so
// a later edit may anchor on content introduced by an earlier edit within
// the same operation. The buffer is abandoned wholesale on the first
// conflicting edit; partial application of a change set never escapes.
func Apply(op *manifest.FileOperation, current []byte) (*Result, error) {
	switch op.Kind {
	case manifest.OpAdd:
		if current != nil {
			return &Result{Conflict: &Conflict{Path: op.Path, Reason: ReasonPathExists}}, nil
		}
		return &Result{Content: op.Content, Hash: fsx.HashBytes(op.Content)}, nil

	case manifest.OpModify:
		buf := current
		if buf == nil {
			// Every edit on an absent file fails anchor lookup; report the
			// first edit's anchor as missing rather than inventing a kind.
			return &Result{Conflict: &Conflict{
				Path:   op.Path,
				Reason: ReasonAnchorMissing,
				Anchor: op.Edits[0].Anchor,
			}}, nil
		}
		for i, edit := range op.Edits {
			next, conflict := applyEdit(buf, edit)
			if conflict != nil {
				conflict.Path = op.Path
				conflict.EditIndex = i
				return &Result{Conflict: conflict}, nil
			}
			buf = next
		}
		return &Result{Content: buf, Hash: fsx.HashBytes(buf)}, nil

	default:
		return nil, errors.Errorf("unknown operation kind %q", op.Kind)
	}
}

// applyEdit applies one anchor edit to buf, returning the new buffer or a
// conflict (with Path/EditIndex left for the caller to fill).
func applyEdit(buf []byte, edit manifest.Edit) ([]byte, *Conflict) {
	anchor := []byte(edit.Anchor)

	occurrences := bytes.Count(buf, anchor)
	if occurrences == 0 {
		return nil, &Conflict{Reason: ReasonAnchorMissing, Anchor: edit.Anchor}
	}
	if occurrences > 1 {
		return nil, &Conflict{Reason: ReasonAnchorAmbiguous, Anchor: edit.Anchor, Occurrences: occurrences}
	}

	idx := bytes.Index(buf, anchor)
	content := []byte(edit.Content)

	var replacement []byte
	switch edit.Action {
	case manifest.EditReplace:
		replacement = content
	case manifest.EditInsertAfter:
		replacement = append(append([]byte{}, anchor...), content...)
	case manifest.EditInsertBefore:
		replacement = append(append([]byte{}, content...), anchor...)
	case manifest.EditDelete:
		replacement = nil
	}

	out := make([]byte, 0, len(buf)-len(anchor)+len(replacement))
	out = append(out, buf[:idx]...)
	out = append(out, replacement...)
	out = append(out, buf[idx+len(anchor):]...)
	return out, nil
}

func truncateAnchor(anchor string) string {
	const max = 80
	anchor = strings.ReplaceAll(anchor, "\n", "\\n")
	if len(anchor) <= max {
		return anchor
	}
	return anchor[:max] + "..."
}
