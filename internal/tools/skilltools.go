package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/animusworks/animus/internal/skills"
	"github.com/animusworks/animus/internal/store"
)

// Result metadata keys set by activate_skill. The engage loop reads
// MetaSkillName to extend its active-skill set; MetaScriptsDir is reported
// only and is not passed to the sandbox.
const (
	MetaSkillName  = "skill"
	MetaScriptsDir = "scripts_dir"
)

type discoverSkillsInput struct {
	Query    string `json:"query,omitempty"`
	Faculty  string `json:"faculty,omitempty"`
	WorkType string `json:"work_type,omitempty"`
}

type activateSkillInput struct {
	SkillName string `json:"skill_name"`
}

type createSkillInput struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Faculties   []string `json:"faculties"`
	Triggers    struct {
		WorkTypes []string          `json:"work_types,omitempty"`
		Keywords  []string          `json:"keywords,omitempty"`
		Params    map[string]string `json:"params,omitempty"`
	} `json:"triggers,omitempty"`
	Content string `json:"content"`
}

// RegisterSkillTools adds discover_skills, activate_skill, and
// create_skill, bound to the skill manager and the store (activation and
// provenance records).
func RegisterSkillTools(r *Registry, mgr *skills.Manager, st *store.Store) error {
	discover := Tool{
		Name: "discover_skills",
		Description: "List available skills matching an optional free-text query, faculty, or " +
			"work type. Returns each skill's name and description; use activate_skill to load one.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":     map[string]any{"type": "string"},
				"faculty":   map[string]any{"type": "string"},
				"work_type": map[string]any{"type": "string"},
			},
		},
		Handler: func(ctx context.Context, input json.RawMessage, auth AuthContext) (*Result, error) {
			var in discoverSkillsInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			matches := mgr.Discover(in.Query, in.Faculty, in.WorkType)
			if len(matches) == 0 {
				return &Result{Content: "(no matching skills)"}, nil
			}
			var b strings.Builder
			for _, s := range matches {
				fmt.Fprintf(&b, "- %s (v%s): %s\n", s.Name, s.Version, s.Description)
			}
			return &Result{Content: strings.TrimRight(b.String(), "\n")}, nil
		},
	}

	activate := Tool{
		Name: "activate_skill",
		Description: "Load a skill's full instructions into your context. Once activated, the " +
			"skill stays active for the rest of this focus. Skill scripts are not mounted into " +
			"execute_code.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"skill_name": map[string]any{"type": "string"},
			},
			"required": []any{"skill_name"},
		},
		Handler: func(ctx context.Context, input json.RawMessage, auth AuthContext) (*Result, error) {
			var in activateSkillInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			skill := mgr.Get(in.SkillName)
			if skill == nil {
				return Errorf(ErrorTypeInvalidInput, "skill not found: %s", in.SkillName), nil
			}
			if err := st.RecordSkillActivation(ctx, skill.Name, auth.WorkItemID, auth.Faculty, "manual"); err != nil {
				return nil, err
			}
			meta := map[string]any{MetaSkillName: skill.Name}
			if skill.ScriptsDir != "" {
				meta[MetaScriptsDir] = skill.ScriptsDir
			}
			return &Result{
				Content:  fmt.Sprintf("# Skill: %s\n\n%s", skill.Name, skill.Body),
				Metadata: meta,
			}, nil
		},
	}

	create := Tool{
		Name: "create_skill",
		Description: "Write a new skill so future foci can discover and reuse a methodology you " +
			"worked out. The skill is immediately discoverable.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":        map[string]any{"type": "string"},
				"description": map[string]any{"type": "string"},
				"faculties": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
				"triggers": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"work_types": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"keywords":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"params":     map[string]any{"type": "object"},
					},
				},
				"content": map[string]any{"type": "string"},
			},
			"required": []any{"name", "description", "faculties", "content"},
		},
		Handler: func(ctx context.Context, input json.RawMessage, auth AuthContext) (*Result, error) {
			var in createSkillInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			created, err := mgr.Create(ctx, skills.Draft{
				Name:        in.Name,
				Description: in.Description,
				Faculties:   in.Faculties,
				Triggers: skills.Triggers{
					WorkTypes: in.Triggers.WorkTypes,
					Keywords:  in.Triggers.Keywords,
					Params:    in.Triggers.Params,
				},
				Content:   in.Content,
				CreatedBy: auth.WorkItemID,
			})
			if err != nil {
				return Errorf(ErrorTypeInvalidInput, "create skill: %v", err), nil
			}
			// Provenance: tie the skill to the ledger position it grew out of.
			var seq int64
			if latest, err := st.ReadLedger(ctx, auth.WorkItemID, "", 1); err == nil && len(latest) > 0 {
				seq = latest[0].Seq
			}
			snippet := in.Content
			if len(snippet) > 200 {
				snippet = snippet[:200]
			}
			if err := st.RecordSkillProvenance(ctx, store.SkillProvenance{
				SkillName:  created.Name,
				Version:    created.Version,
				WorkItemID: auth.WorkItemID,
				LedgerSeq:  seq,
				Snippet:    snippet,
			}); err != nil {
				return nil, err
			}
			return &Result{
				Content:  fmt.Sprintf("created skill %q (v%s)", created.Name, created.Version),
				Metadata: map[string]any{MetaSkillName: created.Name},
			}, nil
		},
	}

	if err := r.Register(discover); err != nil {
		return err
	}
	if err := r.Register(activate); err != nil {
		return err
	}
	return r.Register(create)
}
