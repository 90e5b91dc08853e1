package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func writeSkill(t *testing.T, dir, manifest string) {
	t.Helper()
	writeFile(t, filepath.Join(dir, ManifestFileName), manifest)
}

func TestLoadValidPackage(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, `
name: lean-config
version: 0.2.0
description: adds lean pipeline config
adds:
  - config.lean.toml
modifies:
  - pipeline/run.go
env:
  - LEAN_API_KEY
depends:
  - base-pipeline
post_apply:
  - gofmt -w pipeline/run.go
test: "go test ./..."
`)
	writeFile(t, filepath.Join(dir, "add", "config.lean.toml"), "enabled = true\n")
	writeFile(t, filepath.Join(dir, "modify", "pipeline", "run.go.yaml"), `
edits:
  - anchor: "func Run("
    action: insert-before
    content: "// lean mode\n"
`)

	m, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "lean-config", m.Name)
	assert.Equal(t, "0.2.0", m.Version)
	assert.Equal(t, "go test ./...", m.Test)
	assert.Equal(t, []string{"LEAN_API_KEY"}, m.EnvKeys)
	assert.Equal(t, []string{"base-pipeline"}, m.Depends)

	require.Len(t, m.Operations, 2)
	assert.Equal(t, OpAdd, m.Operations[0].Kind)
	assert.Equal(t, "config.lean.toml", m.Operations[0].Path)
	assert.Equal(t, "enabled = true\n", string(m.Operations[0].Content))

	assert.Equal(t, OpModify, m.Operations[1].Kind)
	require.Len(t, m.Operations[1].Edits, 1)
	assert.Equal(t, EditInsertBefore, m.Operations[1].Edits[0].Action)
	assert.Equal(t, "func Run(", m.Operations[1].Edits[0].Anchor)

	assert.Equal(t, []string{"config.lean.toml", "pipeline/run.go"}, m.Paths())
}

func TestLoadMissingManifest(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.ErrorIs(t, err, ErrMalformedManifest)
}

func TestLoadMissingName(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "version: 1.0.0\nadds: [a.txt]\n")
	writeFile(t, filepath.Join(dir, "add", "a.txt"), "x")

	_, err := Load(dir)
	assert.ErrorIs(t, err, ErrMalformedManifest)
	assert.Contains(t, err.Error(), "name is required")
}

func TestLoadNoOperations(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "name: empty\n")

	_, err := Load(dir)
	assert.ErrorIs(t, err, ErrMalformedManifest)
}

func TestLoadEnvOnlySkill(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "name: creds\nenv: [SERVICE_API_KEY]\n")

	m, err := Load(dir)
	require.NoError(t, err)
	assert.Empty(t, m.Operations)
	assert.Equal(t, []string{"SERVICE_API_KEY"}, m.EnvKeys)
}

func TestLoadDuplicateOperation(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "name: dup\nadds: [a.txt]\nmodifies: [a.txt]\n")
	writeFile(t, filepath.Join(dir, "add", "a.txt"), "x")

	_, err := Load(dir)
	assert.ErrorIs(t, err, ErrDuplicateOperation)
}

func TestLoadUnsafePaths(t *testing.T) {
	cases := []struct {
		name string
		path string
	}{
		{"absolute", "/etc/passwd"},
		{"parent escape", "../outside.txt"},
		{"nested escape", "a/../../outside.txt"},
		{"not normalized", "a/./b.txt"},
		{"engine state dir", ".skillet/state.json"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeSkill(t, dir, "name: bad\nadds: [\""+tc.path+"\"]\n")

			_, err := Load(dir)
			assert.ErrorIs(t, err, ErrUnsafePath)
		})
	}
}

func TestLoadMissingAddPayload(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "name: missing-payload\nadds: [a.txt]\n")

	_, err := Load(dir)
	assert.ErrorIs(t, err, ErrMalformedManifest)
	assert.Contains(t, err.Error(), "add payload missing")
}

func TestLoadChangeSetValidation(t *testing.T) {
	newSkill := func(t *testing.T, changeSet string) string {
		dir := t.TempDir()
		writeSkill(t, dir, "name: cs\nmodifies: [main.go]\n")
		writeFile(t, filepath.Join(dir, "modify", "main.go.yaml"), changeSet)
		return dir
	}

	t.Run("no edits", func(t *testing.T) {
		_, err := Load(newSkill(t, "edits: []\n"))
		assert.ErrorIs(t, err, ErrMalformedManifest)
	})

	t.Run("empty anchor", func(t *testing.T) {
		_, err := Load(newSkill(t, "edits:\n  - action: replace\n    content: x\n"))
		assert.ErrorIs(t, err, ErrMalformedManifest)
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := Load(newSkill(t, "edits:\n  - anchor: a\n    action: merge\n"))
		assert.ErrorIs(t, err, ErrMalformedManifest)
	})

	t.Run("delete with content", func(t *testing.T) {
		_, err := Load(newSkill(t, "edits:\n  - anchor: a\n    action: delete\n    content: x\n"))
		assert.ErrorIs(t, err, ErrMalformedManifest)
	})
}

func TestLoadDocFrontmatter(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "name: documented\nadds: [a.txt]\n")
	writeFile(t, filepath.Join(dir, "add", "a.txt"), "x")
	writeFile(t, filepath.Join(dir, DocFileName), `---
name: documented
description: a documented skill
---

# Documented

Usage notes.
`)

	m, err := Load(dir)
	require.NoError(t, err)
	require.NotNil(t, m.Doc)
	assert.Equal(t, "a documented skill", m.Doc.Description)
	assert.Contains(t, m.Doc.Body, "Usage notes.")
	assert.NotContains(t, m.Doc.Body, "description:")
}

func TestLoadDocNameMismatch(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "name: real-name\nadds: [a.txt]\n")
	writeFile(t, filepath.Join(dir, "add", "a.txt"), "x")
	writeFile(t, filepath.Join(dir, DocFileName), "---\nname: other-name\n---\nbody\n")

	_, err := Load(dir)
	assert.ErrorIs(t, err, ErrMalformedManifest)
}

func TestMissingEnvKeys(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "name: env-skill\nadds: [a.txt]\nenv: [SKILLET_TEST_PRESENT, SKILLET_TEST_ABSENT]\n")
	writeFile(t, filepath.Join(dir, "add", "a.txt"), "x")

	t.Setenv("SKILLET_TEST_PRESENT", "1")

	m, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"SKILLET_TEST_ABSENT"}, m.MissingEnvKeys())
}

func TestSchema(t *testing.T) {
	s := Schema()
	require.NotNil(t, s)

	b, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"name"`)
	assert.Contains(t, string(b), `"modifies"`)
	assert.Contains(t, string(b), `"post_apply"`)
}
