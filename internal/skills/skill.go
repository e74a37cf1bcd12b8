// Package skills manages file-backed methodology packets: structured
// frontmatter plus a markdown body, optionally with a scripts directory
// (recorded on load; execute_code does not mount it). The manager scans a directory into an
// in-memory catalog and can watch it for changes.
package skills

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// maxSkillMDSize is the maximum allowed size for a SKILL.md file (1 MiB).
const maxSkillMDSize = 1 << 20

// Triggers describe when a skill matches a work item at Orient time.
type Triggers struct {
	WorkTypes []string          `yaml:"work_types,omitempty"`
	Keywords  []string          `yaml:"keywords,omitempty"`
	Params    map[string]string `yaml:"params,omitempty"`
}

// Skill is one parsed skill definition.
type Skill struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Version      string   `yaml:"version,omitempty"`
	Faculties    []string `yaml:"faculties,omitempty"`
	Triggers     Triggers `yaml:"triggers,omitempty"`
	AutoActivate bool     `yaml:"auto_activate,omitempty"`
	CreatedBy    string   `yaml:"created_by,omitempty"`

	Metadata map[string]any `yaml:"metadata,omitempty"`

	// Body is the markdown below the frontmatter — the prompt fragment
	// injected on activation.
	Body string `yaml:"-"`

	// Resolved at load time.
	SourceDir  string `yaml:"-"`
	ScriptsDir string `yaml:"-"` // empty when the skill ships no scripts
}

// CanonicalKey returns the normalized catalog key for a skill name.
func CanonicalKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ParseSkillMD parses a SKILL.md document: YAML frontmatter between ---
// delimiters, markdown body after.
func ParseSkillMD(data []byte) (Skill, error) {
	yamlBytes, body, err := extractFrontmatter(data)
	if err != nil {
		return Skill{}, err
	}
	if len(yamlBytes) == 0 {
		return Skill{}, fmt.Errorf("missing frontmatter")
	}

	var skill Skill
	if err := yaml.Unmarshal(yamlBytes, &skill); err != nil {
		return Skill{}, fmt.Errorf("parse frontmatter yaml: %w", err)
	}
	skill.Name = strings.TrimSpace(skill.Name)
	skill.Description = strings.TrimSpace(skill.Description)
	skill.Body = strings.TrimSpace(body)
	if skill.Name == "" {
		return Skill{}, fmt.Errorf("missing skill name")
	}
	if skill.Description == "" {
		return Skill{}, fmt.Errorf("skill %s: missing description", skill.Name)
	}
	if skill.Version == "" {
		skill.Version = "1"
	}
	return skill, nil
}

func extractFrontmatter(data []byte) (yamlBytes []byte, markdownBody string, err error) {
	s := string(data)
	if s == "" {
		return nil, "", nil
	}

	firstLineEnd := strings.IndexByte(s, '\n')
	firstLine := s
	restStart := len(s)
	if firstLineEnd >= 0 {
		firstLine = s[:firstLineEnd]
		restStart = firstLineEnd + 1
	}
	firstLine = strings.TrimSpace(strings.TrimSuffix(firstLine, "\r"))
	if firstLine != "---" {
		return nil, "", nil
	}

	i := restStart
	for {
		if i > len(s) {
			break
		}
		nextNL := strings.IndexByte(s[i:], '\n')
		line := ""
		next := len(s)
		if nextNL >= 0 {
			line = s[i : i+nextNL]
			next = i + nextNL + 1
		} else {
			line = s[i:]
			next = len(s)
		}
		trimmed := strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if trimmed == "---" {
			return []byte(s[restStart:i]), s[next:], nil
		}
		if next == len(s) {
			break
		}
		i = next
	}

	// The author started a frontmatter block but never closed it.
	return nil, "", fmt.Errorf("unclosed frontmatter: opening --- found but no closing ---")
}

// Render serializes a skill back to SKILL.md form. Used by create_skill.
func Render(s Skill) ([]byte, error) {
	front, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal frontmatter: %w", err)
	}
	var b strings.Builder
	b.WriteString("---\n")
	b.Write(front)
	b.WriteString("---\n\n")
	b.WriteString(strings.TrimSpace(s.Body))
	b.WriteString("\n")
	return []byte(b.String()), nil
}
