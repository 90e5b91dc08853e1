package manifest

import "github.com/invopop/jsonschema"

// schemaDocument mirrors rawManifest with jsonschema annotations. Kept
// separate so the published schema stays a deliberate, stable surface for
// skill authors rather than a reflection of internal parsing structs.
type schemaDocument struct {
	Name        string   `json:"name" jsonschema:"description=Unique skill identifier"`
	Version     string   `json:"version,omitempty" jsonschema:"description=Skill version string"`
	Description string   `json:"description,omitempty" jsonschema:"description=One-line summary of what the skill does"`
	Adds        []string `json:"adds,omitempty" jsonschema:"description=Relative paths of whole files shipped under add/"`
	Modifies    []string `json:"modifies,omitempty" jsonschema:"description=Relative paths with change-set files under modify/"`
	Env         []string `json:"env,omitempty" jsonschema:"description=Required environment variable names; values are never stored"`
	Depends     []string `json:"depends,omitempty" jsonschema:"description=Skills that must already be applied"`
	Conflicts   []string `json:"conflicts,omitempty" jsonschema:"description=Skills that must not be applied"`
	PostApply   []string `json:"post_apply,omitempty" jsonschema:"description=Commands run after merging, before the declared test"`
	Test        string   `json:"test,omitempty" jsonschema:"description=Test command executed against the mutated tree"`
	Sensitive   []string `json:"sensitive,omitempty" jsonschema:"description=Additional sensitive-path globs requiring confirm-gate approval"`
}

// Schema returns the JSON Schema describing the skill.yaml document.
func Schema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	return reflector.Reflect(schemaDocument{})
}
