package backup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func read(t *testing.T, root, rel string) string {
	t.Helper()
	content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(content)
}

func TestSnapshotCapturesContentAndAbsence(t *testing.T) {
	root := t.TempDir()
	write(t, root, "existing.txt", "original\n")

	set, err := Snapshot(root, "tx-1", "demo", []string{"existing.txt", "new.txt"})
	require.NoError(t, err)

	require.Len(t, set.Entries, 2)
	assert.True(t, set.Entries[0].Exists)
	assert.False(t, set.Entries[1].Exists)
	assert.Equal(t, "original\n", read(t, Dir(root), "existing.txt"))
}

func TestRestoreRevertsMutationAndCreation(t *testing.T) {
	root := t.TempDir()
	write(t, root, "a.txt", "before\n")

	set, err := Snapshot(root, "tx-1", "demo", []string{"a.txt", "b.txt"})
	require.NoError(t, err)

	// simulate a partial transaction
	write(t, root, "a.txt", "mutated\n")
	write(t, root, "b.txt", "created\n")

	require.NoError(t, set.Restore())

	assert.Equal(t, "before\n", read(t, root, "a.txt"))
	assert.NoFileExists(t, filepath.Join(root, "b.txt"))
	assert.NoDirExists(t, Dir(root), "restore consumes the backup set")
}

func TestRestoreIsCommutativeWithNoMutation(t *testing.T) {
	root := t.TempDir()
	write(t, root, "a.txt", "stable\n")

	set, err := Snapshot(root, "tx-1", "demo", []string{"a.txt"})
	require.NoError(t, err)
	require.NoError(t, set.Restore())

	assert.Equal(t, "stable\n", read(t, root, "a.txt"))
}

func TestDiscardOnCommit(t *testing.T) {
	root := t.TempDir()
	write(t, root, "a.txt", "v1\n")

	set, err := Snapshot(root, "tx-1", "demo", []string{"a.txt"})
	require.NoError(t, err)

	write(t, root, "a.txt", "v2\n")
	require.NoError(t, set.Discard())

	assert.Equal(t, "v2\n", read(t, root, "a.txt"), "discard must not touch the tree")
	assert.NoDirExists(t, Dir(root))
}

func TestOpenFindsOrphanedSet(t *testing.T) {
	root := t.TempDir()

	_, ok, err := Open(root)
	require.NoError(t, err)
	assert.False(t, ok)

	write(t, root, "a.txt", "original\n")
	_, err = Snapshot(root, "tx-9", "crashed-skill", []string{"a.txt"})
	require.NoError(t, err)

	// a new process finds the orphan and can still restore it
	write(t, root, "a.txt", "half-applied\n")
	orphan, ok, err := Open(root)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tx-9", orphan.TxID)
	assert.Equal(t, "crashed-skill", orphan.Skill)

	require.NoError(t, orphan.Restore())
	assert.Equal(t, "original\n", read(t, root, "a.txt"))
}

func TestSnapshotRejectsDirectories(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "somedir"), 0o755))

	_, err := Snapshot(root, "tx-1", "demo", []string{"somedir"})
	assert.Error(t, err)
}
