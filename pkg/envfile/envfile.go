// Package envfile implements the one structured file operation the engine
// performs outside anchor merging: ensuring declared environment keys exist
// as `KEY=` lines in an env example file. Only key names are written;
// values are never stored by the engine.
package envfile

import "strings"

// FileName is the env example file maintained at the working tree root.
const FileName = ".env.example"

// EnsureKeys returns content with a `KEY=` line appended for every key not
// already present, plus the list of keys actually appended. Existing lines
// are preserved byte-for-byte; the operation is idempotent and
// deterministic, so replaying it over its own output is a no-op.
func EnsureKeys(content []byte, keys []string) ([]byte, []string) {
	var lines []string
	if len(content) > 0 {
		lines = strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	}

	existing := make(map[string]struct{})
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || !strings.Contains(trimmed, "=") {
			continue
		}
		key := strings.TrimSpace(strings.SplitN(trimmed, "=", 2)[0])
		existing[key] = struct{}{}
	}

	var appended []string
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, ok := existing[key]; ok {
			continue
		}
		lines = append(lines, key+"=")
		appended = append(appended, key)
		existing[key] = struct{}{}
	}

	if len(lines) == 0 {
		return []byte{}, appended
	}
	return []byte(strings.Join(lines, "\n") + "\n"), appended
}
