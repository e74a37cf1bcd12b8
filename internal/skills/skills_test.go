package skills

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

const sampleSkillMD = `---
name: check-in
description: How to run a relationship check-in
version: "2"
faculties: [social]
auto_activate: true
triggers:
  work_types: [social]
  keywords: [check in, reach out]
  params:
    kind: checkin
---

# Check-in

Start by reviewing recent findings about the person.
`

func TestParseSkillMD(t *testing.T) {
	s, err := ParseSkillMD([]byte(sampleSkillMD))
	if err != nil {
		t.Fatal(err)
	}
	if s.Name != "check-in" || s.Version != "2" {
		t.Errorf("name/version = %q %q", s.Name, s.Version)
	}
	if !s.AutoActivate {
		t.Error("auto_activate not parsed")
	}
	if len(s.Faculties) != 1 || s.Faculties[0] != "social" {
		t.Errorf("faculties = %v", s.Faculties)
	}
	if s.Triggers.Params["kind"] != "checkin" {
		t.Errorf("trigger params = %v", s.Triggers.Params)
	}
	if s.Body == "" || s.Body[0] != '#' {
		t.Errorf("body = %q", s.Body)
	}
}

func TestParseSkillMDErrors(t *testing.T) {
	cases := map[string]string{
		"no frontmatter": "# just markdown",
		"unclosed":       "---\nname: x\n",
		"missing name":   "---\ndescription: d\n---\nbody",
	}
	for label, input := range cases {
		if _, err := ParseSkillMD([]byte(input)); err == nil {
			t.Errorf("%s: expected error", label)
		}
	}
}

func TestRenderRoundTrip(t *testing.T) {
	orig, err := ParseSkillMD([]byte(sampleSkillMD))
	if err != nil {
		t.Fatal(err)
	}
	rendered, err := Render(orig)
	if err != nil {
		t.Fatal(err)
	}
	back, err := ParseSkillMD(rendered)
	if err != nil {
		t.Fatalf("rendered skill does not parse: %v\n%s", err, rendered)
	}
	if back.Name != orig.Name || back.Description != orig.Description || back.Body != orig.Body {
		t.Errorf("round trip mismatch: %+v vs %+v", back, orig)
	}
}

func writeSkill(t *testing.T, dir, name, content string) {
	t.Helper()
	skillDir := filepath.Join(dir, name)
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	writeSkill(t, dir, "check-in", sampleSkillMD)
	writeSkill(t, dir, "research", `---
name: research
description: Deep research methodology
faculties: [analysis]
triggers:
  keywords: [investigate]
---
Body here.
`)
	m, err := NewManager(dir, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	return m, dir
}

func TestManagerScanAndDiscover(t *testing.T) {
	m, _ := newTestManager(t)

	if len(m.All()) != 2 {
		t.Fatalf("catalog size = %d", len(m.All()))
	}
	if m.Get("CHECK-IN") == nil {
		t.Error("lookup should be case-insensitive")
	}

	byQuery := m.Discover("relationship", "", "")
	if len(byQuery) != 1 || byQuery[0].Name != "check-in" {
		t.Errorf("query discover = %v", byQuery)
	}
	byFaculty := m.Discover("", "analysis", "")
	if len(byFaculty) != 1 || byFaculty[0].Name != "research" {
		t.Errorf("faculty discover = %v", byFaculty)
	}
	byWorkType := m.Discover("", "", "social")
	if len(byWorkType) != 1 || byWorkType[0].Name != "check-in" {
		t.Errorf("work type discover = %v", byWorkType)
	}
}

func TestTriggerMatching(t *testing.T) {
	m, _ := newTestManager(t)
	checkIn := m.Get("check-in")

	tests := []struct {
		name string
		wc   WorkContext
		want bool
	}{
		{"faculty and work type", WorkContext{Faculty: "social"}, true},
		{"wrong faculty", WorkContext{Faculty: "analysis"}, false},
		{"keyword in description", WorkContext{Faculty: "social", Description: "please reach out to kelly"}, true},
		{"param match", WorkContext{Faculty: "social", Params: json.RawMessage(`{"kind":"checkin"}`)}, true},
	}
	for _, tc := range tests {
		if got := checkIn.Matches(tc.wc); got != tc.want {
			t.Errorf("%s: Matches = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestMatchSplitsAutoAndManual(t *testing.T) {
	m, _ := newTestManager(t)
	auto, manual := m.Match(WorkContext{Faculty: "social"}, 3)
	if len(auto) != 1 || auto[0].Name != "check-in" {
		t.Errorf("auto = %v", auto)
	}
	if len(manual) != 0 {
		t.Errorf("manual = %v", manual)
	}

	// max_auto_activated = 0 auto-activates nothing.
	auto, manual = m.Match(WorkContext{Faculty: "social"}, 0)
	if len(auto) != 0 {
		t.Errorf("auto with cap 0 = %v", auto)
	}
	if len(manual) != 1 {
		t.Errorf("manual with cap 0 = %v", manual)
	}
}

func TestCreateSkill(t *testing.T) {
	m, dir := newTestManager(t)
	created, err := m.Create(context.Background(), Draft{
		Name:        "summarize",
		Description: "How to summarize long documents",
		Faculties:   []string{"analysis"},
		Content:     "Read, outline, compress.",
		CreatedBy:   "work-123",
	})
	if err != nil {
		t.Fatal(err)
	}
	if created.Version != "1" {
		t.Errorf("version = %q", created.Version)
	}
	// Immediately discoverable.
	if m.Get("summarize") == nil {
		t.Error("created skill not in catalog")
	}
	// Persisted to disk and parseable by a fresh manager.
	fresh, err := NewManager(dir, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Get("summarize") == nil {
		t.Error("created skill not found on rescan")
	}

	// Duplicate names are rejected.
	if _, err := m.Create(context.Background(), Draft{
		Name: "summarize", Description: "dup", Content: "x",
	}); err == nil {
		t.Error("duplicate create should fail")
	}
	// Path-escaping names are rejected.
	if _, err := m.Create(context.Background(), Draft{
		Name: "../evil", Description: "d", Content: "x",
	}); err == nil {
		t.Error("path-escaping name should fail")
	}
}
