package manifest

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/parser"
)

// DocFileName is the optional human-facing documentation file in a skill
// package, a markdown file with YAML frontmatter.
const DocFileName = "SKILL.md"

// Doc is the parsed SKILL.md: frontmatter metadata plus the markdown body.
type Doc struct {
	Name        string
	Description string
	Body        string
}

// loadDoc parses SKILL.md when present. A missing file is not an error;
// a present but malformed file is.
func loadDoc(dir string) (*Doc, error) {
	path := filepath.Join(dir, DocFileName)
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read SKILL.md")
	}

	md := goldmark.New(goldmark.WithExtensions(meta.Meta))

	var buf bytes.Buffer
	pctx := parser.NewContext()
	if err := md.Convert(content, &buf, parser.WithContext(pctx)); err != nil {
		return nil, errors.Wrapf(ErrMalformedManifest, "failed to parse SKILL.md: %v", err)
	}

	metaData := meta.Get(pctx)
	if metaData == nil {
		return nil, errors.Wrap(ErrMalformedManifest, "SKILL.md is missing frontmatter")
	}

	name, _ := metaData["name"].(string)
	description, _ := metaData["description"].(string)
	if name == "" {
		return nil, errors.Wrap(ErrMalformedManifest, "SKILL.md frontmatter requires a name")
	}

	return &Doc{
		Name:        name,
		Description: description,
		Body:        extractBodyContent(string(content)),
	}, nil
}

// extractBodyContent removes YAML frontmatter and returns the markdown body.
func extractBodyContent(content string) string {
	if !strings.HasPrefix(content, "---") {
		return content
	}

	lines := strings.Split(content, "\n")
	frontmatterEnd := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			frontmatterEnd = i
			break
		}
	}
	if frontmatterEnd == -1 {
		return content
	}
	return strings.TrimLeft(strings.Join(lines[frontmatterEnd+1:], "\n"), "\n")
}
