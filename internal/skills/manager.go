package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Manager scans the skills directory into an in-memory catalog.
type Manager struct {
	dir    string
	logger *slog.Logger

	mu      sync.RWMutex
	catalog map[string]*Skill
}

// NewManager creates a manager for the given skills directory and performs
// the initial scan. A missing directory yields an empty catalog.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{dir: dir, logger: logger, catalog: make(map[string]*Skill)}
	if err := m.Rescan(); err != nil {
		return nil, err
	}
	return m, nil
}

// Dir returns the managed skills directory.
func (m *Manager) Dir() string { return m.dir }

// Rescan rebuilds the catalog from disk. Individual bad skills are skipped
// with a warning; only directory-level failures error.
func (m *Manager) Rescan() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			m.mu.Lock()
			m.catalog = make(map[string]*Skill)
			m.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read skills dir %s: %w", m.dir, err)
	}

	catalog := make(map[string]*Skill)
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		skillDir := filepath.Join(m.dir, ent.Name())
		skill, err := m.loadOne(skillDir)
		if err != nil {
			m.logger.Warn("skipping bad skill", "dir", skillDir, "error", err)
			continue
		}
		key := CanonicalKey(skill.Name)
		if _, dup := catalog[key]; dup {
			m.logger.Warn("skill name collision, keeping first", "skill", skill.Name, "dir", skillDir)
			continue
		}
		catalog[key] = skill
	}

	m.mu.Lock()
	m.catalog = catalog
	m.mu.Unlock()
	m.logger.Info("skill catalog loaded", "dir", m.dir, "count", len(catalog))
	return nil
}

func (m *Manager) loadOne(dir string) (*Skill, error) {
	skillMD := filepath.Join(dir, "SKILL.md")
	fi, err := os.Stat(skillMD)
	if err != nil {
		return nil, fmt.Errorf("stat SKILL.md: %w", err)
	}
	if fi.Size() > maxSkillMDSize {
		return nil, fmt.Errorf("SKILL.md too large: %d bytes (max %d)", fi.Size(), maxSkillMDSize)
	}
	data, err := os.ReadFile(skillMD)
	if err != nil {
		return nil, fmt.Errorf("read SKILL.md: %w", err)
	}
	skill, err := ParseSkillMD(data)
	if err != nil {
		return nil, err
	}
	skill.SourceDir = dir
	scripts := filepath.Join(dir, "scripts")
	if st, err := os.Stat(scripts); err == nil && st.IsDir() {
		skill.ScriptsDir = scripts
	}
	return &skill, nil
}

// Get returns the skill by name, or nil.
func (m *Manager) Get(name string) *Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.catalog[CanonicalKey(name)]
}

// All returns the catalog sorted by name.
func (m *Manager) All() []*Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Skill, 0, len(m.catalog))
	for _, s := range m.catalog {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Discover filters the catalog by free-text query, faculty, and work type.
// Empty filters match everything.
func (m *Manager) Discover(query, faculty, workType string) []*Skill {
	query = strings.ToLower(strings.TrimSpace(query))
	var out []*Skill
	for _, s := range m.All() {
		if query != "" &&
			!strings.Contains(strings.ToLower(s.Name), query) &&
			!strings.Contains(strings.ToLower(s.Description), query) {
			continue
		}
		if faculty != "" && !containsFold(s.Faculties, faculty) {
			continue
		}
		if workType != "" && !containsFold(s.Triggers.WorkTypes, workType) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// WorkContext is what trigger matching sees of the current work item.
type WorkContext struct {
	Faculty     string
	Description string
	Params      json.RawMessage
}

// Matches reports whether the skill triggers for the work item: the
// faculty must be listed, and at least one trigger (work type, keyword, or
// param) must overlap. A skill with no triggers matches on faculty alone.
func (s *Skill) Matches(wc WorkContext) bool {
	if len(s.Faculties) > 0 && !containsFold(s.Faculties, wc.Faculty) {
		return false
	}
	t := s.Triggers
	if len(t.WorkTypes) == 0 && len(t.Keywords) == 0 && len(t.Params) == 0 {
		return len(s.Faculties) > 0
	}
	if containsFold(t.WorkTypes, wc.Faculty) {
		return true
	}
	haystack := strings.ToLower(wc.Description + " " + string(wc.Params))
	for _, kw := range t.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(haystack, kw) {
			return true
		}
	}
	if len(t.Params) > 0 && len(wc.Params) > 0 {
		var params map[string]any
		if err := json.Unmarshal(wc.Params, &params); err == nil {
			for key, want := range t.Params {
				if got, ok := params[key]; ok && fmt.Sprintf("%v", got) == want {
					return true
				}
			}
		}
	}
	return false
}

// Match splits the catalog's matching skills into auto-activated (up to
// maxAuto) and manually activatable, for Orient-time wiring.
func (m *Manager) Match(wc WorkContext, maxAuto int) (auto, manual []*Skill) {
	for _, s := range m.All() {
		if !s.Matches(wc) {
			continue
		}
		if s.AutoActivate && len(auto) < maxAuto {
			auto = append(auto, s)
		} else {
			manual = append(manual, s)
		}
	}
	return auto, manual
}

// Draft is the input to Create.
type Draft struct {
	Name        string
	Description string
	Faculties   []string
	Triggers    Triggers
	Content     string
	CreatedBy   string
}

// Create writes a new skill directory and makes it immediately
// discoverable. Rejects names that collide with existing skills.
func (m *Manager) Create(ctx context.Context, d Draft) (*Skill, error) {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return nil, fmt.Errorf("skill name must be non-empty")
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return nil, fmt.Errorf("skill name %q must not contain path separators", name)
	}
	if strings.TrimSpace(d.Description) == "" {
		return nil, fmt.Errorf("skill description must be non-empty")
	}
	if strings.TrimSpace(d.Content) == "" {
		return nil, fmt.Errorf("skill content must be non-empty")
	}
	if existing := m.Get(name); existing != nil {
		return nil, fmt.Errorf("skill %q already exists", name)
	}

	skill := Skill{
		Name:         name,
		Description:  strings.TrimSpace(d.Description),
		Version:      "1",
		Faculties:    d.Faculties,
		Triggers:     d.Triggers,
		AutoActivate: false,
		CreatedBy:    d.CreatedBy,
		Body:         strings.TrimSpace(d.Content),
	}
	// Structural validation round trip: what we write must parse back.
	rendered, err := Render(skill)
	if err != nil {
		return nil, err
	}
	if _, err := ParseSkillMD(rendered); err != nil {
		return nil, fmt.Errorf("generated skill does not parse: %w", err)
	}

	dir := filepath.Join(m.dir, CanonicalKey(name))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create skill dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "SKILL.md"), rendered, 0o644); err != nil {
		return nil, fmt.Errorf("write SKILL.md: %w", err)
	}

	loaded, err := m.loadOne(dir)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.catalog[CanonicalKey(name)] = loaded
	m.mu.Unlock()
	m.logger.Info("skill created", "skill", name, "created_by", d.CreatedBy)
	return loaded, nil
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}
