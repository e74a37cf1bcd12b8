// Package awareness assembles the cross-focus coherence digest: what other
// foci are doing, what recently completed, and what was recently learned.
// The digest is built once per focus, at the start of Orient, and prepended
// to the orient output. Assembly failure is non-fatal.
package awareness

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animusworks/animus/internal/config"
	"github.com/animusworks/animus/internal/otel"
	"github.com/animusworks/animus/internal/store"
	"github.com/animusworks/animus/internal/work"
)

// Builder assembles digests from the store.
type Builder struct {
	store  *store.Store
	logger *slog.Logger
}

func NewBuilder(st *store.Store, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{store: st, logger: logger}
}

// Build assembles the digest for a focus on currentID under the faculty's
// awareness config. Returns "" when awareness is disabled or assembly
// fails (a warning metric increments; the focus proceeds without a
// digest).
func (b *Builder) Build(ctx context.Context, currentID string, cfg config.AwarenessConfig) string {
	if !cfg.Enabled {
		return ""
	}
	digest, err := b.build(ctx, currentID, cfg)
	if err != nil {
		b.logger.Warn("awareness digest assembly failed", "work_item_id", currentID, "error", err)
		otel.AwarenessFailure(ctx)
		return ""
	}
	return digest
}

func (b *Builder) build(ctx context.Context, currentID string, cfg config.AwarenessConfig) (string, error) {
	since := time.Now().UTC().Add(-time.Duration(cfg.LookbackHours) * time.Hour)
	var out strings.Builder

	// Currently active: running siblings, excluding the current focus.
	running, err := b.store.List(ctx, store.ListFilter{State: work.StateRunning, Limit: cfg.MaxRunning + 1})
	if err != nil {
		return "", fmt.Errorf("list running: %w", err)
	}
	var active []string
	for _, item := range running {
		if item.ID == currentID {
			continue
		}
		if !cfg.IncludeChildWork && item.ParentID != "" {
			continue
		}
		if len(active) >= cfg.MaxRunning {
			break
		}
		line := fmt.Sprintf("- [%s] %s", item.Faculty, summarizeParams(item))
		if plan, err := b.store.LatestLedgerEntry(ctx, item.ID, work.EntryPlan); err == nil && plan != nil {
			line += fmt.Sprintf(" — plan: %s", truncate(plan.Content, 120))
		}
		active = append(active, line)
	}
	out.WriteString("## Currently active\n")
	if len(active) == 0 {
		out.WriteString("(nothing else is running)\n")
	} else {
		out.WriteString(strings.Join(active, "\n"))
		out.WriteString("\n")
	}

	// Recently completed within the lookback window.
	completed, err := b.store.List(ctx, store.ListFilter{State: work.StateCompleted, Limit: cfg.MaxRecentCompleted * 3})
	if err != nil {
		return "", fmt.Errorf("list completed: %w", err)
	}
	var recent []string
	for _, item := range completed {
		if item.ResolvedAt == nil || item.ResolvedAt.Before(since) {
			continue
		}
		if !cfg.IncludeChildWork && item.ParentID != "" {
			continue
		}
		if len(recent) >= cfg.MaxRecentCompleted {
			break
		}
		line := fmt.Sprintf("- [%s] %s — %s (%s ago)",
			item.Faculty, summarizeParams(item), outcomeSynopsis(item), age(*item.ResolvedAt))
		recent = append(recent, line)
	}
	out.WriteString("\n## Recently completed\n")
	if len(recent) == 0 {
		out.WriteString("(nothing completed recently)\n")
	} else {
		out.WriteString(strings.Join(recent, "\n"))
		out.WriteString("\n")
	}

	// Recent findings across all work items.
	findings, err := b.store.RecentFindings(ctx, since, cfg.MaxRecentFindings)
	if err != nil {
		return "", fmt.Errorf("recent findings: %w", err)
	}
	out.WriteString("\n## Recent findings\n")
	if len(findings) == 0 {
		out.WriteString("(no recent findings)\n")
	} else {
		for _, f := range findings {
			fmt.Fprintf(&out, "- [%s] %s (%s ago)\n", f.Faculty, truncate(f.Entry.Content, 200), age(f.Entry.CreatedAt))
		}
	}

	return out.String(), nil
}

func summarizeParams(item *work.Item) string {
	if len(item.Params) == 0 {
		return item.ID[:8]
	}
	return truncate(string(item.Params), 100)
}

func outcomeSynopsis(item *work.Item) string {
	if item.OutcomeError != "" {
		return "error: " + truncate(item.OutcomeError, 80)
	}
	if len(item.OutcomeData) > 0 {
		return truncate(string(item.OutcomeData), 120)
	}
	return "ok"
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func age(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
}
