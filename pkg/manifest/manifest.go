// Package manifest loads and validates skill package descriptors.
//
// A skill package is a directory with this layout:
//
//	my-skill/
//	  skill.yaml          declared metadata (this package's concern)
//	  SKILL.md            optional human documentation with YAML frontmatter
//	  add/<rel>           whole-file payloads for every entry in `adds`
//	  modify/<rel>.yaml   ordered anchor edits for every entry in `modifies`
//
// Loading is a pure parse/validate step with no side effects on the
// working tree; all file reads stay inside the package directory.
package manifest

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ManifestFileName is the skill descriptor file inside a package directory.
const ManifestFileName = "skill.yaml"

// Validation errors surfaced by Load. Callers match them with errors.Is.
var (
	ErrMalformedManifest  = errors.New("malformed manifest")
	ErrDuplicateOperation = errors.New("duplicate file operation")
	ErrUnsafePath         = errors.New("unsafe path")
)

// OpKind discriminates the closed set of file operation kinds.
type OpKind string

const (
	OpAdd    OpKind = "add"
	OpModify OpKind = "modify"
)

// EditAction is the kind of a single anchor edit inside a change set.
type EditAction string

const (
	EditReplace      EditAction = "replace"
	EditInsertAfter  EditAction = "insert-after"
	EditInsertBefore EditAction = "insert-before"
	EditDelete       EditAction = "delete"
)

// Edit is one structured edit: an anchor expected to occur exactly once in
// the target content, plus the action to take at that anchor.
type Edit struct {
	Anchor  string     `yaml:"anchor" json:"anchor"`
	Action  EditAction `yaml:"action" json:"action"`
	Content string     `yaml:"content" json:"content,omitempty"`
}

// FileOperation is a tagged union over {Add, Modify}. Exactly one of
// Content (for Add) or Edits (for Modify) is populated.
type FileOperation struct {
	Kind    OpKind
	Path    string
	Content []byte // Add only
	Edits   []Edit // Modify only
}

// SkillManifest is the immutable descriptor of one skill package. It is
// loaded once per apply and never mutated.
type SkillManifest struct {
	Name        string
	Version     string
	Description string
	Operations  []FileOperation
	Test        string
	PostApply   []string
	EnvKeys     []string
	Depends     []string
	Conflicts   []string
	Sensitive   []string
	Doc         *Doc
	Dir         string
}

// rawManifest mirrors the on-disk skill.yaml schema.
type rawManifest struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Adds        []string `yaml:"adds"`
	Modifies    []string `yaml:"modifies"`
	Env         []string `yaml:"env"`
	Depends     []string `yaml:"depends"`
	Conflicts   []string `yaml:"conflicts"`
	PostApply   []string `yaml:"post_apply"`
	Test        string   `yaml:"test"`
	Sensitive   []string `yaml:"sensitive"`
}

type changeSetFile struct {
	Edits []Edit `yaml:"edits"`
}

// Load reads and validates the skill package at packageDir.
func Load(packageDir string) (*SkillManifest, error) {
	dir, err := filepath.Abs(packageDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve package directory")
	}

	manifestPath := filepath.Join(dir, ManifestFileName)
	content, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedManifest, "failed to read %s: %v", manifestPath, err)
	}

	var raw rawManifest
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, errors.Wrapf(ErrMalformedManifest, "failed to parse %s: %v", manifestPath, err)
	}

	raw.Name = strings.TrimSpace(raw.Name)
	if raw.Name == "" {
		return nil, errors.Wrap(ErrMalformedManifest, "name is required")
	}
	if raw.Version == "" {
		raw.Version = "0.0.0"
	}
	// Env keys alone are a valid skill: the engine still materializes them
	// as .env.example lines and records the application.
	if len(raw.Adds) == 0 && len(raw.Modifies) == 0 && len(raw.Env) == 0 {
		return nil, errors.Wrap(ErrMalformedManifest, "manifest declares no file operations or env keys")
	}

	if err := checkPaths(append(append([]string{}, raw.Adds...), raw.Modifies...)); err != nil {
		return nil, err
	}

	ops := make([]FileOperation, 0, len(raw.Adds)+len(raw.Modifies))
	for _, rel := range raw.Adds {
		payload := filepath.Join(dir, "add", filepath.FromSlash(rel))
		body, err := os.ReadFile(payload)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedManifest, "add payload missing for %s: %v", rel, err)
		}
		ops = append(ops, FileOperation{Kind: OpAdd, Path: rel, Content: body})
	}
	for _, rel := range raw.Modifies {
		csPath := filepath.Join(dir, "modify", filepath.FromSlash(rel)+".yaml")
		edits, err := loadChangeSet(csPath, rel)
		if err != nil {
			return nil, err
		}
		ops = append(ops, FileOperation{Kind: OpModify, Path: rel, Edits: edits})
	}

	m := &SkillManifest{
		Name:        raw.Name,
		Version:     raw.Version,
		Description: strings.TrimSpace(raw.Description),
		Operations:  ops,
		Test:        strings.TrimSpace(raw.Test),
		PostApply:   cleanList(raw.PostApply),
		EnvKeys:     sortedSet(raw.Env),
		Depends:     sortedSet(raw.Depends),
		Conflicts:   sortedSet(raw.Conflicts),
		Sensitive:   sortedSet(raw.Sensitive),
		Dir:         dir,
	}

	doc, err := loadDoc(dir)
	if err != nil {
		return nil, err
	}
	if doc != nil && doc.Name != m.Name {
		return nil, errors.Wrapf(ErrMalformedManifest,
			"SKILL.md frontmatter name %q does not match manifest name %q", doc.Name, m.Name)
	}
	m.Doc = doc

	return m, nil
}

// Paths returns the relative paths of all declared operations, in declared order.
func (m *SkillManifest) Paths() []string {
	paths := make([]string, 0, len(m.Operations))
	for _, op := range m.Operations {
		paths = append(paths, op.Path)
	}
	return paths
}

// MissingEnvKeys returns declared env key names absent from the host
// environment. Values are never inspected or stored.
func (m *SkillManifest) MissingEnvKeys() []string {
	var missing []string
	for _, key := range m.EnvKeys {
		if _, ok := os.LookupEnv(key); !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

func loadChangeSet(path, rel string) ([]Edit, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedManifest, "change set missing for %s: %v", rel, err)
	}

	var cs changeSetFile
	if err := yaml.Unmarshal(content, &cs); err != nil {
		return nil, errors.Wrapf(ErrMalformedManifest, "failed to parse change set for %s: %v", rel, err)
	}
	if len(cs.Edits) == 0 {
		return nil, errors.Wrapf(ErrMalformedManifest, "change set for %s declares no edits", rel)
	}

	for i, e := range cs.Edits {
		if e.Anchor == "" {
			return nil, errors.Wrapf(ErrMalformedManifest, "change set for %s: edit %d has an empty anchor", rel, i)
		}
		switch e.Action {
		case EditReplace, EditInsertAfter, EditInsertBefore:
		case EditDelete:
			if e.Content != "" {
				return nil, errors.Wrapf(ErrMalformedManifest,
					"change set for %s: delete edit %d must not carry content", rel, i)
			}
		case "":
			return nil, errors.Wrapf(ErrMalformedManifest, "change set for %s: edit %d has no action", rel, i)
		default:
			return nil, errors.Wrapf(ErrMalformedManifest,
				"change set for %s: edit %d has unknown action %q", rel, i, e.Action)
		}
	}
	return cs.Edits, nil
}

// checkPaths enforces that every declared path is relative, normalized,
// stays inside the working tree, and is declared at most once.
func checkPaths(paths []string) error {
	seen := make(map[string]string, len(paths))
	for _, rel := range paths {
		if rel == "" {
			return errors.Wrap(ErrUnsafePath, "empty path")
		}
		if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") {
			return errors.Wrapf(ErrUnsafePath, "absolute path %q", rel)
		}
		clean := filepath.ToSlash(filepath.Clean(filepath.FromSlash(rel)))
		if clean != rel {
			return errors.Wrapf(ErrUnsafePath, "path %q is not normalized (want %q)", rel, clean)
		}
		for _, part := range strings.Split(clean, "/") {
			if part == ".." {
				return errors.Wrapf(ErrUnsafePath, "path %q escapes the working tree", rel)
			}
		}
		if clean == ".skillet" || strings.HasPrefix(clean, ".skillet/") {
			return errors.Wrapf(ErrUnsafePath, "path %q targets the engine state directory", rel)
		}
		if prior, ok := seen[clean]; ok {
			return errors.Wrapf(ErrDuplicateOperation, "path %q declared twice (%s)", rel, prior)
		}
		seen[clean] = rel
	}
	return nil
}

// cleanList trims entries and drops blanks, preserving declared order.
// post_apply commands rely on that order.
func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// sortedSet normalizes set-valued fields (env keys, depends, conflicts,
// sensitive globs) into a deduplicated sorted list so ledger records do not
// depend on author-side list ordering.
func sortedSet(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
