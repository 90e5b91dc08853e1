package envfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnsureKeysAppendsMissing(t *testing.T) {
	content := []byte("# api keys\nOPENAI_API_KEY=\n")

	out, appended := EnsureKeys(content, []string{"LEAN_API_KEY", "OPENAI_API_KEY"})

	assert.Equal(t, []string{"LEAN_API_KEY"}, appended)
	assert.Equal(t, "# api keys\nOPENAI_API_KEY=\nLEAN_API_KEY=\n", string(out))
}

func TestEnsureKeysFromEmpty(t *testing.T) {
	out, appended := EnsureKeys(nil, []string{"A_KEY"})
	assert.Equal(t, []string{"A_KEY"}, appended)
	assert.Equal(t, "A_KEY=\n", string(out))
}

func TestEnsureKeysIdempotent(t *testing.T) {
	out, appended := EnsureKeys(nil, []string{"A", "B"})
	assert.Len(t, appended, 2)

	again, appended2 := EnsureKeys(out, []string{"A", "B"})
	assert.Empty(t, appended2)
	assert.Equal(t, string(out), string(again))
}

func TestEnsureKeysIgnoresCommentsAndBlanks(t *testing.T) {
	content := []byte("# A=commented out\n\nB=value\n")

	out, appended := EnsureKeys(content, []string{"A"})
	assert.Equal(t, []string{"A"}, appended)
	assert.Equal(t, "# A=commented out\n\nB=value\nA=\n", string(out))
}

func TestEnsureKeysNoKeys(t *testing.T) {
	out, appended := EnsureKeys([]byte("X=1\n"), nil)
	assert.Empty(t, appended)
	assert.Equal(t, "X=1\n", string(out))
}
