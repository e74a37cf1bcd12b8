package focus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/animusworks/animus/internal/config"
	"github.com/animusworks/animus/internal/engine"
	"github.com/animusworks/animus/internal/skills"
	"github.com/animusworks/animus/internal/tools"
	"github.com/animusworks/animus/internal/work"
)

// orientOutput is what the orient hook writes to orient-out.json.
type orientOutput struct {
	// Context is prepended to the engage loop's opening message.
	Context string `json:"context,omitempty"`
	// Ledger seeds initial entries (plan, relevant findings).
	Ledger []struct {
		EntryType string `json:"entry_type"`
		Content   string `json:"content"`
	} `json:"ledger,omitempty"`
}

// engageOutput is the engage phase result, internal or external.
type engageOutput struct {
	Text string          `json:"text"`
	Data json.RawMessage `json:"data,omitempty"`
}

// consolidateOutput is what the consolidate hook writes.
type consolidateOutput struct {
	OutcomeData  json.RawMessage `json:"outcome_data,omitempty"`
	OutcomeError string          `json:"outcome_error,omitempty"`
}

// recoverOutput is what the recover hook writes.
type recoverOutput struct {
	Action string `json:"action"` // "retry" | "dead_letter"
	Reason string `json:"reason,omitempty"`
}

// orient runs the orient hook (when configured), seeds the ledger, and
// returns the context for engage.
func (f *Focus) orient(ctx context.Context, digest string) (*orientOutput, error) {
	out := &orientOutput{}
	if f.Faculty.Orient.Command != "" {
		input := map[string]any{
			"work_item":        f.Item,
			"awareness_digest": digest,
			"faculty": map[string]any{
				"name":  f.Faculty.Name,
				"skill": f.Item.Skill,
			},
		}
		if err := f.runHook(ctx, "orient", f.Faculty.Orient, input, out); err != nil {
			return nil, err
		}
	}
	for _, seed := range out.Ledger {
		if _, err := f.deps.Store.AppendLedger(ctx, f.Item.ID, work.EntryType(seed.EntryType), seed.Content); err != nil {
			return nil, fmt.Errorf("seed ledger: %w", err)
		}
	}
	return out, nil
}

// engage runs the built-in loop, or the external engage command when the
// faculty asks for it.
func (f *Focus) engage(ctx context.Context, orientOut *orientOutput, digest string) (*engageOutput, error) {
	if f.Faculty.Engage.Mode == config.EngageModeExternal {
		out := &engageOutput{}
		input := map[string]any{
			"work_item":        f.Item,
			"awareness_digest": digest,
			"orient":           orientOut,
		}
		// External engage owns the whole agentic phase; give it far more
		// room than the bookend hooks.
		hook := config.HookConfig{
			Command: f.Faculty.Engage.ExternalCommand,
			Timeout: config.Duration{Duration: 30 * time.Minute},
		}
		if err := f.runHook(ctx, "engage", hook, input, out); err != nil {
			return nil, err
		}
		return out, nil
	}

	auth := tools.AuthContext{
		FocusID:    f.ID,
		WorkItemID: f.Item.ID,
		Faculty:    f.Faculty.Name,
		Skill:      f.Item.Skill,
	}
	loop := engine.New(f.deps.Client, f.deps.Registry, f.deps.Store, f.deps.Skills,
		f.Faculty, auth, f.logger)

	// Orient-time skill matching: auto-activate matches, catalog the rest.
	var manual []*skills.Skill
	if f.deps.Skills != nil {
		wc := skills.WorkContext{
			Faculty:     f.Faculty.Name,
			Description: f.Item.Provenance.Trigger,
			Params:      f.Item.Params,
		}
		var auto []*skills.Skill
		auto, manual = f.deps.Skills.Match(wc, f.deps.MaxAutoActivated)
		// An explicitly requested skill activates regardless of triggers.
		if f.Item.Skill != "" {
			if s := f.deps.Skills.Get(f.Item.Skill); s != nil {
				auto = append(auto, s)
			}
		}
		for _, s := range auto {
			loop.ActivateSkill(s.Name, s.Body)
			if err := f.deps.Store.RecordSkillActivation(ctx, s.Name, f.Item.ID, f.Faculty.Name, "auto"); err != nil {
				f.logger.Warn("record auto activation failed", "skill", s.Name, "error", err)
			}
		}
	}

	outcome, err := loop.Run(ctx, buildSeedContext(digest, orientOut.Context, manual))
	if err != nil {
		return nil, err
	}
	if outcome.Cancelled {
		return nil, context.Canceled
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		return nil, fmt.Errorf("marshal engage outcome: %w", err)
	}
	// Mirror the outcome into the scratch dir for consolidate hooks.
	if err := os.WriteFile(filepath.Join(f.Dir, "engage-out.json"), data, 0o644); err != nil {
		return nil, fmt.Errorf("write engage output: %w", err)
	}
	return &engageOutput{Text: outcome.Text, Data: data}, nil
}

// consolidate reads the full ledger and finalizes the outcome, via the
// hook when configured.
func (f *Focus) consolidate(ctx context.Context, engageOut *engageOutput) (*work.Outcome, error) {
	formatted, err := f.deps.Store.FormatLedger(ctx, f.Item.ID)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	if f.Faculty.Consolidate.Command == "" {
		data := engageOut.Data
		if len(data) == 0 {
			payload, err := json.Marshal(map[string]any{"text": engageOut.Text})
			if err != nil {
				return nil, err
			}
			data = payload
		}
		return &work.Outcome{Data: data}, nil
	}

	out := &consolidateOutput{}
	input := map[string]any{
		"work_item": f.Item,
		"ledger":    formatted,
		"engage":    json.RawMessage(engageOut.Data),
	}
	if err := f.runHook(ctx, "consolidate", f.Faculty.Consolidate, input, out); err != nil {
		return nil, err
	}
	return &work.Outcome{Data: out.OutcomeData, Error: out.OutcomeError}, nil
}

func (f *Focus) runRecoverHook(ctx context.Context, phase string, cause error) (*recoverOutput, error) {
	formatted, _ := f.deps.Store.FormatLedger(ctx, f.Item.ID)
	out := &recoverOutput{}
	hook := config.HookConfig{
		Command: f.Faculty.Recover.Command,
		Timeout: f.Faculty.Recover.Timeout,
	}
	input := map[string]any{
		"work_item": f.Item,
		"phase":     phase,
		"error":     cause.Error(),
		"ledger":    formatted,
		"attempts":  f.Item.Attempts,
		"max":       f.Item.MaxAttempts,
	}
	if err := f.runHook(ctx, "recover", hook, input, out); err != nil {
		return nil, err
	}
	if out.Action != "retry" && out.Action != "dead_letter" {
		return nil, fmt.Errorf("recover hook returned unknown action %q", out.Action)
	}
	return out, nil
}

// runHook launches one external phase hook: input file written, empty
// output file created, subprocess run with the contract env vars, output
// parsed on success. Non-zero exit or unparseable output is phase failure.
func (f *Focus) runHook(ctx context.Context, phase string, hook config.HookConfig, input any, output any) error {
	inPath := filepath.Join(f.Dir, phase+"-in.json")
	outPath := filepath.Join(f.Dir, phase+"-out.json")

	payload, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s input: %w", phase, err)
	}
	if err := os.WriteFile(inPath, payload, 0o644); err != nil {
		return fmt.Errorf("write %s input: %w", phase, err)
	}
	if err := os.WriteFile(outPath, nil, 0o644); err != nil {
		return fmt.Errorf("create %s output: %w", phase, err)
	}

	timeout := hook.Timeout.Duration
	if timeout <= 0 {
		timeout = time.Minute
	}
	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(hookCtx, hook.Command)
	cmd.Dir = f.Dir
	cmd.Env = append(os.Environ(),
		"ANIMUS_FOCUS_ID="+f.ID,
		"ANIMUS_WORK_ID="+f.Item.ID,
		"ANIMUS_FACULTY="+f.Faculty.Name,
		"ANIMUS_PHASE="+phase,
		"ANIMUS_FOCUS_DIR="+f.Dir,
	)
	err = cmd.Run()
	elapsed := time.Since(start)
	if err != nil {
		if hookCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%s hook timed out after %s", phase, timeout)
		}
		return fmt.Errorf("%s hook: %w", phase, err)
	}
	f.logger.Info("phase hook completed", "phase", phase, "duration_ms", elapsed.Milliseconds())

	data, err := os.ReadFile(outPath)
	if err != nil {
		return fmt.Errorf("read %s output: %w", phase, err)
	}
	if len(data) == 0 {
		// An empty output file is acceptable for hooks with nothing to say.
		return nil
	}
	if err := json.Unmarshal(data, output); err != nil {
		return fmt.Errorf("parse %s output: %w", phase, err)
	}
	return nil
}
