// Package coordinator implements the control loop that drives virtual
// workstation reservations: admission, setup/restart/cleanup workers against
// engine RPC endpoints, proxy-mapping issuance, and the orphan sweep.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/velesio/atrium/internal/logging"
	"github.com/velesio/atrium/internal/metrics"
	"github.com/velesio/atrium/internal/store"
)

// Coordinator wires the handlers together and runs the periodic loop. One
// instance per process; Start is idempotent.
type Coordinator struct {
	store store.Store

	Reservations *ReservationHandler
	Templates    *TemplateHandler
	Engines      *EngineHandler

	tick       time.Duration
	now        func() time.Time
	engineOpts []EngineOption

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTickInterval sets the sleep between control-loop passes.
func WithTickInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.tick = d }
}

// WithClock substitutes the time source. Tests use this to move the window.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithEngineOptions configures the engine handler the coordinator builds.
func WithEngineOptions(opts ...EngineOption) Option {
	return func(c *Coordinator) { c.engineOpts = opts }
}

// New builds a coordinator over the store. It does not start the loop.
func New(st store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store: st,
		tick:  5 * time.Second,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Engines = NewEngineHandler(st, c.engineOpts...)
	c.Reservations = NewReservationHandler(st, c.now)
	c.Templates = NewTemplateHandler(st)
	return c
}

// IsActive reports whether the control loop is running.
func (c *Coordinator) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Start launches the control loop in the background. Calling Start on an
// active coordinator is a no-op.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		select {
		case <-c.done:
		default:
			logging.Op().Info("coordinator already active, skipping startup")
			return
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
}

// Stop cancels the loop and waits for the current pass to finish. Running
// workers observe the cancellation through their context.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Coordinator) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	if err := c.Engines.InitializeClients(ctx); err != nil {
		logging.Op().Error("client initialization failed", "error", err)
	}
	c.listInfo(ctx)
	if !c.sleep(ctx) {
		return
	}

	for {
		start := time.Now()
		c.Reservations.Handle(ctx, c.Engines)
		c.Engines.GCSetupWorkers()
		c.Engines.GCCleanupWorkers()
		c.Engines.CleanOrphanedWorkstations(ctx)
		metrics.RecordTickDuration(time.Since(start))

		if !c.sleep(ctx) {
			return
		}
	}
}

func (c *Coordinator) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.tick):
		return true
	}
}

// listInfo dumps fleet state once at startup.
func (c *Coordinator) listInfo(ctx context.Context) {
	types, err := c.store.ListEngineTypes(ctx)
	if err != nil {
		logging.Op().Error("list engine types failed", "error", err)
	}
	for _, et := range types {
		logging.Op().Info("engine type", "name", et.Name)
	}

	templates, err := c.Templates.GetAll(ctx)
	if err != nil {
		logging.Op().Error("list templates failed", "error", err)
	}
	for _, t := range templates {
		logging.Op().Info("template", "name", t.Name, "internal_name", t.InternalName)
	}

	c.Reservations.ListWithStatus(ctx, "Pending")
}
