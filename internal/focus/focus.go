// Package focus runs one claimed work item through the four-phase pipeline:
// Orient → Engage → Consolidate, with Recover on any phase failure. The
// scratch directory is only a substrate for external hook communication;
// the durable record lives in the work item, ledger, and outcome.
package focus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/animusworks/animus/internal/awareness"
	"github.com/animusworks/animus/internal/bus"
	"github.com/animusworks/animus/internal/config"
	"github.com/animusworks/animus/internal/llm"
	"github.com/animusworks/animus/internal/otel"
	"github.com/animusworks/animus/internal/skills"
	"github.com/animusworks/animus/internal/store"
	"github.com/animusworks/animus/internal/tools"
	"github.com/animusworks/animus/internal/work"
	"github.com/google/uuid"
)

// Deps carries the collaborators a focus needs.
type Deps struct {
	Store     *store.Store
	Bus       *bus.Bus
	Client    llm.Client
	Registry  *tools.Registry
	Skills    *skills.Manager
	Awareness *awareness.Builder
	Logger    *slog.Logger

	// BaseDir hosts scratch directories, one per focus.
	BaseDir string
	// MaxAutoActivated caps Orient-time skill auto-activation.
	MaxAutoActivated int
}

// Focus is one execution of a faculty on one work item.
type Focus struct {
	ID      string
	Item    *work.Item
	Faculty *config.Faculty
	Dir     string

	deps   Deps
	logger *slog.Logger
	start  time.Time
}

// New creates the focus scratch directory and writes the work.json
// snapshot.
func New(item *work.Item, faculty *config.Faculty, deps Deps) (*Focus, error) {
	id := uuid.NewString()
	dir := filepath.Join(deps.BaseDir, id)
	if faculty.Isolation == config.IsolationWorktree {
		// Worktree-isolated foci get a workspace the hooks own; it is not
		// removed on cleanup.
		dir = filepath.Join(deps.BaseDir, "worktrees", id)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create focus dir: %w", err)
	}

	snapshot, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal work item: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "work.json"), snapshot, 0o644); err != nil {
		return nil, fmt.Errorf("write work.json: %w", err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("focus_id", id, "work_item_id", item.ID, "faculty", faculty.Name)

	return &Focus{
		ID:      id,
		Item:    item,
		Faculty: faculty,
		Dir:     dir,
		deps:    deps,
		logger:  logger,
	}, nil
}

// Run drives the pipeline to a terminal transition on the work item. The
// returned error reports infrastructure failure only — work-level failure
// is recorded on the item via the store.
func (f *Focus) Run(ctx context.Context) error {
	f.start = time.Now()
	otel.FocusStarted(ctx)
	defer otel.FocusFinished(ctx)
	if f.deps.Bus != nil {
		f.deps.Bus.Publish(bus.TopicFocusStarted, f.ID)
		defer f.deps.Bus.Publish(bus.TopicFocusFinished, f.ID)
	}
	defer func() {
		otel.FocusDuration(ctx, f.Faculty.Name, time.Since(f.start).Seconds())
		f.cleanup()
	}()

	// The awareness digest is assembled once, before Orient; it does not
	// refresh during the engage loop.
	digest := ""
	if f.deps.Awareness != nil {
		digest = f.deps.Awareness.Build(ctx, f.Item.ID, f.Faculty.Awareness)
	}

	orientOut, err := f.orient(ctx, digest)
	if err != nil {
		return f.recover(ctx, "orient", err)
	}

	engageOut, err := f.engage(ctx, orientOut, digest)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// External cancellation: requeue rather than fail.
			return f.recover(ctx, "engage", fmt.Errorf("cancelled: %w", err))
		}
		return f.recover(ctx, "engage", err)
	}

	outcome, err := f.consolidate(ctx, engageOut)
	if err != nil {
		return f.recover(ctx, "consolidate", err)
	}

	outcome.DurationMS = time.Since(f.start).Milliseconds()
	if _, err := f.deps.Store.Complete(ctx, f.Item.ID, *outcome); err != nil {
		return fmt.Errorf("complete work item: %w", err)
	}
	f.logger.Info("focus completed", "duration_ms", outcome.DurationMS)
	return nil
}

// recover consults the recover hook (or the default retry policy) and
// drives the matching Failed transition. Recover failure dead-letters.
func (f *Focus) recover(ctx context.Context, phase string, cause error) error {
	f.logger.Warn("phase failed, recovering", "phase", phase, "error", cause)
	durationMS := time.Since(f.start).Milliseconds()
	reason := fmt.Sprintf("%s: %v", phase, cause)

	action := "retry"
	if f.Faculty.Recover.Command != "" {
		decision, err := f.runRecoverHook(ctx, phase, cause)
		if err != nil {
			f.logger.Error("recover hook failed, dead-lettering", "error", err)
			action = "dead_letter"
			reason = fmt.Sprintf("%s; recover: %v", reason, err)
		} else {
			action = decision.Action
			if decision.Reason != "" {
				reason = fmt.Sprintf("%s; %s", reason, decision.Reason)
			}
		}
	}

	// Recovery runs after Claim put the item in Running, so both branches
	// go through Fail; retryable=false forces Dead regardless of attempts.
	// Retries re-enter the queue after the faculty's recover backoff. The
	// store write ignores cancellation so a cancelled focus still records
	// its failure.
	retryable := action != "dead_letter"
	if _, err := f.deps.Store.Fail(context.WithoutCancel(ctx), f.Item.ID, reason, retryable, durationMS, f.Faculty.Recover.Backoff.Duration); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// cleanup removes the scratch directory. Worktree-isolated foci keep
// theirs.
func (f *Focus) cleanup() {
	if f.Faculty.Isolation == config.IsolationWorktree {
		return
	}
	if err := os.RemoveAll(f.Dir); err != nil {
		f.logger.Warn("focus cleanup failed", "dir", f.Dir, "error", err)
	}
}

// buildSeedContext assembles what the engage loop sees first: the awareness
// digest, orient's context, and the manual-skill catalog.
func buildSeedContext(digest, orientContext string, manual []*skills.Skill) string {
	var b strings.Builder
	if digest != "" {
		b.WriteString("# Awareness\n\n")
		b.WriteString(strings.TrimSpace(digest))
		b.WriteString("\n\n")
	}
	if orientContext != "" {
		b.WriteString(strings.TrimSpace(orientContext))
		b.WriteString("\n")
	}
	if len(manual) > 0 {
		b.WriteString("\n# Available skills\n")
		for _, s := range manual {
			fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
		}
		b.WriteString("Use activate_skill to load one.\n")
	}
	return strings.TrimSpace(b.String())
}
