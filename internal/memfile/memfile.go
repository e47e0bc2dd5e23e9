// Package memfile renders and parses memory files: YAML front-matter between
// "---" delimiters followed by the markdown body. The file on disk is the
// source of truth; the index rebuilds from these files.
package memfile

import (
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"agentos/internal/fsio"
	"agentos/internal/types"
)

const delimiter = "---"

// frontMatter is the on-disk metadata block. Times serialize as RFC 3339.
type frontMatter struct {
	ID         string   `yaml:"id"`
	Title      string   `yaml:"title,omitempty"`
	Scope      string   `yaml:"scope"`
	Priority   float64  `yaml:"priority"`
	Confidence string   `yaml:"confidence,omitempty"`
	Status     string   `yaml:"status,omitempty"`
	Tags       []string `yaml:"tags,omitempty"`
	Created    string   `yaml:"created,omitempty"`
	Supersedes []string `yaml:"supersedes,omitempty"`
	Related    []string `yaml:"related,omitempty"`
	Expires    string   `yaml:"expires,omitempty"`
}

// Render serializes a memory to its file form.
func Render(m *types.Memory) (string, error) {
	fm := frontMatter{
		ID:         m.ID,
		Title:      m.Title,
		Scope:      string(m.Scope),
		Priority:   m.Priority,
		Confidence: string(m.Confidence),
		Status:     string(m.Status),
		Tags:       m.Tags,
		Supersedes: m.Supersedes,
		Related:    m.Related,
	}
	if !m.Created.IsZero() {
		fm.Created = m.Created.UTC().Format(time.RFC3339)
	}
	if m.Expires != nil {
		fm.Expires = m.Expires.UTC().Format(time.RFC3339)
	}

	meta, err := yaml.Marshal(&fm)
	if err != nil {
		return "", types.Storef("failed to marshal front-matter for %s: %v", m.ID, err)
	}

	var b strings.Builder
	b.WriteString(delimiter + "\n")
	b.Write(meta)
	b.WriteString(delimiter + "\n")
	b.WriteString(m.Content)
	if !strings.HasSuffix(m.Content, "\n") {
		b.WriteString("\n")
	}
	return b.String(), nil
}

// Parse reads a memory file back into a Memory. The path argument becomes the
// memory's path; derived fields (directory, token count, content hash) are
// recomputed so a hand-edited file re-enters the index consistently.
func Parse(path, raw string) (*types.Memory, error) {
	rest, ok := strings.CutPrefix(raw, delimiter+"\n")
	if !ok {
		return nil, types.Validationf("memory file %s missing front-matter", path)
	}
	idx := strings.Index(rest, "\n"+delimiter+"\n")
	if idx < 0 {
		return nil, types.Validationf("memory file %s has unterminated front-matter", path)
	}
	metaBlock := rest[:idx+1]
	body := rest[idx+len(delimiter)+2:]
	body = strings.TrimPrefix(body, "\n")
	body = strings.TrimSuffix(body, "\n")

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(metaBlock), &fm); err != nil {
		return nil, types.Validationf("memory file %s has invalid front-matter: %v", path, err)
	}

	m := &types.Memory{
		ID:          fm.ID,
		Path:        path,
		Directory:   parentDir(path),
		Title:       fm.Title,
		Scope:       types.Scope(fm.Scope),
		Priority:    fm.Priority,
		Confidence:  types.Confidence(fm.Confidence),
		Status:      types.MemoryStatus(fm.Status),
		Tags:        fm.Tags,
		TokenCount:  types.EstimateTokens(body),
		ContentHash: fsio.HashContent(body),
		Content:     body,
		Supersedes:  fm.Supersedes,
		Related:     fm.Related,
	}
	if m.Status == "" {
		m.Status = types.MemoryActive
	}
	if m.Confidence == "" {
		m.Confidence = types.ConfidenceActive
	}
	if fm.Created != "" {
		t, err := time.Parse(time.RFC3339, fm.Created)
		if err != nil {
			return nil, types.Validationf("memory file %s has invalid created time: %v", path, err)
		}
		m.Created = t
	}
	if fm.Expires != "" {
		t, err := time.Parse(time.RFC3339, fm.Expires)
		if err != nil {
			return nil, types.Validationf("memory file %s has invalid expires time: %v", path, err)
		}
		m.Expires = &t
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func parentDir(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[:i]
	}
	return ""
}
