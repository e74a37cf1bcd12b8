// Package pulse submits recurring work on faculty-declared cron schedules.
// A pulse submission carries provenance {source: "pulse"} and the faculty's
// configured dedup key, so overlapping pulses merge instead of piling up.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/animusworks/animus/internal/config"
	"github.com/animusworks/animus/internal/store"
	"github.com/animusworks/animus/internal/work"
)

// cronParser parses standard 5-field cron expressions.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Scheduler ticks periodically and submits due pulses.
type Scheduler struct {
	store     *store.Store
	faculties *config.Registry
	logger    *slog.Logger
	interval  time.Duration

	mu      sync.Mutex
	nextRun map[string]time.Time // faculty name -> next due time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler. interval defaults to one minute.
func New(st *store.Store, faculties *config.Registry, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     st,
		faculties: faculties,
		logger:    logger,
		interval:  interval,
		nextRun:   make(map[string]time.Time),
	}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("pulse scheduler started", "interval", s.interval)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("pulse scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick submits a pulse for every faculty whose schedule is due at now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	for _, fac := range s.faculties.All() {
		if fac.Pulse == nil || fac.Pulse.Cron == "" {
			continue
		}
		sched, err := cronParser.Parse(fac.Pulse.Cron)
		if err != nil {
			s.logger.Error("bad pulse cron expression", "faculty", fac.Name, "cron", fac.Pulse.Cron, "error", err)
			continue
		}

		s.mu.Lock()
		next, seen := s.nextRun[fac.Name]
		if !seen {
			next = sched.Next(now)
			s.nextRun[fac.Name] = next
			s.mu.Unlock()
			continue
		}
		due := !now.Before(next)
		if due {
			s.nextRun[fac.Name] = sched.Next(now)
		}
		s.mu.Unlock()

		if due {
			s.fire(ctx, fac)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, fac *config.Faculty) {
	n := work.New(fac.Name, "pulse").WithTrigger("pulse/" + fac.Name)
	if fac.Pulse.Params != "" {
		n = n.WithParams(json.RawMessage(fac.Pulse.Params))
	}
	if fac.Pulse.DedupKey != "" {
		n = n.WithDedupKey(fac.Pulse.DedupKey)
	}

	res, err := s.store.Submit(ctx, n)
	if err != nil {
		// Losing the dedup race to a concurrent submit is fine: the pulse's
		// work is already in flight.
		if errors.Is(err, work.ErrConflict) {
			return
		}
		s.logger.Error("pulse submit failed", "faculty", fac.Name, "error", err)
		return
	}
	if res.Merged {
		s.logger.Debug("pulse merged into in-flight work",
			"faculty", fac.Name, "canonical_id", res.CanonicalID)
		return
	}
	s.logger.Info("pulse fired", "faculty", fac.Name, "work_item_id", res.Item.ID)
}

// NextRunTime returns the next firing after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
