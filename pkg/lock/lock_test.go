package lock

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	root := t.TempDir()

	l, err := Acquire(root, "tx-1")
	require.NoError(t, err)
	assert.True(t, Held(root))

	info, stale, err := Inspect(root)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Equal(t, "tx-1", info.TxID)
	assert.False(t, stale, "our own pid is alive")

	require.NoError(t, l.Release())
	assert.False(t, Held(root))
}

func TestAcquireFailsFastWhenHeld(t *testing.T) {
	root := t.TempDir()

	l, err := Acquire(root, "tx-1")
	require.NoError(t, err)
	defer func() { _ = l.Release() }()

	_, err = Acquire(root, "tx-2")
	assert.ErrorIs(t, err, ErrEngineBusy)
}

func TestStaleLockDetected(t *testing.T) {
	root := t.TempDir()

	// forge a lock owned by a pid that cannot be running
	content, err := json.Marshal(Info{PID: 1 << 30, TxID: "tx-dead", AcquiredAt: time.Now().UTC()})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(Path(root)), 0o755))
	require.NoError(t, os.WriteFile(Path(root), content, 0o644))

	_, stale, err := Inspect(root)
	require.NoError(t, err)
	assert.True(t, stale)

	_, err = Acquire(root, "tx-2")
	assert.ErrorIs(t, err, ErrEngineBusy)
	assert.Contains(t, err.Error(), "stale")

	require.NoError(t, Break(root))
	l, err := Acquire(root, "tx-2")
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestInspectNoLock(t *testing.T) {
	info, stale, err := Inspect(t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, info.PID)
	assert.False(t, stale)
}

func TestBreakMissingLockIsNoop(t *testing.T) {
	assert.NoError(t, Break(t.TempDir()))
}
