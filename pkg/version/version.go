// Package version holds build-time version information for the skillet binary.
package version

import (
	"encoding/json"
	"fmt"

	"github.com/vfriday/skillet/pkg/state"
)

var (
	// Version is the current version of skillet, set at build time via ldflags.
	Version = "dev"

	// GitCommit is the git commit SHA that was built, set at build time via ldflags.
	GitCommit = "unknown"
)

// Info represents version information, including the ledger schema this
// binary reads and writes so operators can spot incompatible state files
// before running anything against them.
type Info struct {
	Version      string `json:"version"`
	GitCommit    string `json:"gitCommit"`
	LedgerSchema string `json:"ledgerSchema"`
}

// Get returns the version information.
func Get() Info {
	return Info{
		Version:      Version,
		GitCommit:    GitCommit,
		LedgerSchema: state.SchemaVersion,
	}
}

// String returns the string representation of version info.
func (i Info) String() string {
	return fmt.Sprintf("Version: %s, GitCommit: %s, LedgerSchema: %s", i.Version, i.GitCommit, i.LedgerSchema)
}

// JSON returns the JSON representation of version info.
func (i Info) JSON() (string, error) {
	b, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
