// Package control is the long-running supervisor: it observes queue ready
// signals, claims work under capacity limits, and launches foci. It owns
// the in-memory active-focus table.
package control

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/animusworks/animus/internal/bus"
	"github.com/animusworks/animus/internal/config"
	"github.com/animusworks/animus/internal/focus"
	"github.com/animusworks/animus/internal/otel"
	"github.com/animusworks/animus/internal/store"
)

const (
	defaultHeartbeat    = 5 * time.Second
	defaultDrainTimeout = 30 * time.Second
	// priorityAgeWindow is how long an item waits queued before its
	// priority gets a boost.
	priorityAgeWindow = 10 * time.Minute
	// maxPriorityBoost caps aging at this much over the submitted
	// priority.
	maxPriorityBoost = 5
)

// Options configure the plane.
type Options struct {
	MaxConcurrent     int
	VisibilitySeconds int
	Heartbeat         time.Duration
	DrainTimeout      time.Duration
}

// Plane dispatches queued work to foci.
type Plane struct {
	store      *store.Store
	bus        *bus.Bus
	faculties  *config.Registry
	focusDeps  focus.Deps
	logger     *slog.Logger
	opts       Options
	lastAgeRun time.Time

	mu         sync.Mutex
	active     map[string]string // work item id -> focus id
	perFaculty map[string]int
	draining   bool

	wg        sync.WaitGroup
	recheckCh chan struct{}
}

// New builds a Plane.
func New(st *store.Store, eventBus *bus.Bus, faculties *config.Registry, focusDeps focus.Deps, opts Options, logger *slog.Logger) *Plane {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.VisibilitySeconds <= 0 {
		opts.VisibilitySeconds = store.DefaultVisibilitySeconds
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	return &Plane{
		store:      st,
		bus:        eventBus,
		faculties:  faculties,
		focusDeps:  focusDeps,
		logger:     logger,
		opts:       opts,
		active:     make(map[string]string),
		perFaculty: make(map[string]int),
		recheckCh:  make(chan struct{}, 1),
	}
}

// ActiveCount returns the number of running foci.
func (p *Plane) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Run blocks until ctx is cancelled, then drains in-flight foci up to the
// grace period. Foci still running after the grace period are cancelled;
// recovery requeues their work items.
func (p *Plane) Run(ctx context.Context) error {
	sub := p.bus.Subscribe(bus.TopicQueueReady)
	defer p.bus.Unsubscribe(sub)

	// Foci run under their own cancellable context so draining can let
	// them finish after ctx is already done.
	focusCtx, cancelFoci := context.WithCancel(context.Background())
	defer cancelFoci()

	ticker := time.NewTicker(p.opts.Heartbeat)
	defer ticker.Stop()

	p.logger.Info("control plane started",
		"max_concurrent", p.opts.MaxConcurrent,
		"faculties", p.faculties.Names())

	// Queued work may be waiting from a previous run.
	p.dispatch(ctx, focusCtx)

	for {
		select {
		case <-ctx.Done():
			return p.drain(cancelFoci)
		case <-sub.Ch():
			// Signals collapse: one dispatch pass covers every buffered
			// ready event.
			drainSignals(sub)
			p.dispatch(ctx, focusCtx)
		case <-p.recheckCh:
			p.dispatch(ctx, focusCtx)
		case <-ticker.C:
			p.heartbeat(ctx)
			p.dispatch(ctx, focusCtx)
		}
	}
}

func drainSignals(sub *bus.Subscription) {
	for {
		select {
		case <-sub.Ch():
		default:
			return
		}
	}
}

// heartbeat performs periodic maintenance: lease extension for in-flight
// foci, expired-claim requeue, and priority aging.
func (p *Plane) heartbeat(ctx context.Context) {
	p.extendLeases(ctx)
	if n, err := p.store.RequeueExpired(ctx); err != nil {
		p.logger.Warn("requeue expired claims failed", "error", err)
	} else if n > 0 {
		p.logger.Info("requeued expired claims", "count", n)
	}
	if time.Since(p.lastAgeRun) >= priorityAgeWindow {
		p.lastAgeRun = time.Now()
		if n, err := p.store.AgeQueuedPriorities(ctx, priorityAgeWindow, maxPriorityBoost); err != nil {
			p.logger.Warn("priority aging failed", "error", err)
		} else if n > 0 {
			p.logger.Debug("aged queued priorities", "count", n)
		}
	}
	p.reportUnroutable(ctx)
}

// extendLeases pushes the visibility horizon for every active focus's
// queue message so a long engage phase is not requeued from under it.
func (p *Plane) extendLeases(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.active))
	for workItemID := range p.active {
		ids = append(ids, workItemID)
	}
	p.mu.Unlock()

	for _, id := range ids {
		item, err := p.store.Get(ctx, id)
		if err != nil {
			continue
		}
		if err := p.store.ExtendVisibility(ctx, item.QueueMessageID, p.opts.VisibilitySeconds); err != nil {
			p.logger.Warn("lease extension failed", "work_item_id", id, "error", err)
		}
	}
}

// reportUnroutable surfaces queued work whose faculty name has no
// configured faculty. The work stays queued for operator intervention.
func (p *Plane) reportUnroutable(ctx context.Context) {
	queues, err := p.store.Queues(ctx)
	if err != nil {
		return
	}
	for _, queue := range queues {
		if p.faculties.Get(queue) != nil {
			continue
		}
		visible, _, err := p.store.QueueDepth(ctx, queue)
		if err != nil || visible == 0 {
			continue
		}
		otel.UnroutableWork(ctx, queue)
		p.logger.Warn("queued work has no configured faculty", "faculty", queue, "visible", visible)
	}
}

// dispatch claims work for every faculty with free capacity and launches
// foci. The dispatcher never exceeds the smaller of the global and
// per-faculty remaining allowances.
func (p *Plane) dispatch(ctx context.Context, focusCtx context.Context) {
	if ctx.Err() != nil {
		return
	}
	for _, fac := range p.faculties.All() {
		for p.tryClaimOne(ctx, focusCtx, fac) {
		}
	}
}

func (p *Plane) tryClaimOne(ctx context.Context, focusCtx context.Context, fac *config.Faculty) bool {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return false
	}
	globalFree := p.opts.MaxConcurrent - len(p.active)
	facultyFree := fac.EffectiveConcurrency(p.opts.MaxConcurrent) - p.perFaculty[fac.Name]
	if globalFree <= 0 || facultyFree <= 0 {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	claimed, err := p.store.Claim(ctx, fac.Name, p.opts.VisibilitySeconds)
	if err != nil {
		p.logger.Error("claim failed", "faculty", fac.Name, "error", err)
		return false
	}
	if claimed == nil {
		return false
	}

	fc, err := focus.New(claimed.Item, fac, p.focusDeps)
	if err != nil {
		p.logger.Error("focus create failed", "work_item_id", claimed.Item.ID, "error", err)
		// The item stays Running; the visibility sweep will requeue it.
		return false
	}

	p.mu.Lock()
	p.active[claimed.Item.ID] = fc.ID
	p.perFaculty[fac.Name]++
	p.mu.Unlock()

	p.logger.Info("focus launched", "focus_id", fc.ID, "work_item_id", claimed.Item.ID, "faculty", fac.Name)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.active, claimed.Item.ID)
			p.perFaculty[fac.Name]--
			p.mu.Unlock()
			// A finished focus frees capacity: re-examine the queues.
			select {
			case p.recheckCh <- struct{}{}:
			default:
			}
		}()
		if err := fc.Run(focusCtx); err != nil {
			p.logger.Error("focus infrastructure failure", "focus_id", fc.ID, "error", err)
		}
	}()
	return true
}

// drain stops claiming, waits for in-flight foci up to the grace period,
// then cancels the stragglers.
func (p *Plane) drain(cancelFoci context.CancelFunc) error {
	p.mu.Lock()
	p.draining = true
	remaining := len(p.active)
	p.mu.Unlock()

	p.logger.Info("control plane draining", "active_foci", remaining, "grace", p.opts.DrainTimeout)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("control plane stopped cleanly")
	case <-time.After(p.opts.DrainTimeout):
		p.logger.Warn("grace period expired, cancelling in-flight foci")
		cancelFoci()
		<-done
		p.logger.Info("control plane stopped after cancellation")
	}
	return nil
}
