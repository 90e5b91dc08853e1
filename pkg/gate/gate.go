// Package gate implements the engine's side of the confirm-gate boundary.
//
// A transaction that touches governance- or credential-sensitive paths must
// not commit until an operator approves it out of band. The engine persists
// a pending request, blocks on it until an approval token is observed, and
// treats TTL expiry exactly like a merge conflict: roll back. Approval
// itself happens through `skillet approve <request-id>` in another process.
package gate

import (
	"encoding/json"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"

	"github.com/vfriday/skillet/pkg/fsx"
)

// ErrApprovalExpired means the approval TTL lapsed before an operator
// approved; the transaction rolls back.
var ErrApprovalExpired = errors.New("approval expired")

// DefaultSensitivePatterns classify paths that always require approval:
// credential material and governance/policy documents. Manifests may add
// more via their `sensitive` field, never remove these.
var DefaultSensitivePatterns = []string{
	".env*",
	"**/.env*",
	"**/secrets/**",
	"**/credentials/**",
	"docs/governance/**",
	"prompts/**",
}

// IsSensitive reports whether a tree-relative path matches any sensitive
// pattern.
func IsSensitive(path string, extra []string) bool {
	for _, pattern := range append(append([]string{}, DefaultSensitivePatterns...), extra...) {
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return true
		}
	}
	return false
}

// SensitivePaths filters paths down to the sensitive ones, sorted.
func SensitivePaths(paths, extra []string) []string {
	var out []string
	for _, p := range paths {
		if IsSensitive(p, extra) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Fingerprint derives a stable identity for an approval request from the
// skill name and the sensitive paths it touches, so re-running the same
// blocked transaction reuses its pending request instead of minting a new
// one each attempt.
func Fingerprint(skill string, paths []string) string {
	sorted := append([]string{}, paths...)
	sort.Strings(sorted)
	raw, _ := json.Marshal(struct {
		Skill string   `json:"skill"`
		Paths []string `json:"paths"`
	}{Skill: skill, Paths: sorted})
	return fsx.HashBytes(raw)
}
