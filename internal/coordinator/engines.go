package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/velesio/atrium/internal/domain"
	"github.com/velesio/atrium/internal/logging"
	"github.com/velesio/atrium/internal/metrics"
	"github.com/velesio/atrium/internal/rpc"
	"github.com/velesio/atrium/internal/store"
)

// EngineClient is the slice of the engine RPC surface the coordinator
// drives. *rpc.Client satisfies it; tests substitute an in-memory fake.
type EngineClient interface {
	StartVM(ctx context.Context, vmName string) (string, error)
	StopVM(ctx context.Context, vmName string) (string, error)
	RebootVM(ctx context.Context, vmName string) (string, error)
	CreateVM(ctx context.Context, templateName, vmName string) (string, error)
	DeleteVM(ctx context.Context, vmName string) (string, error)
	GetVMNetworkInfo(ctx context.Context, vmName string) (*rpc.NetworkInfo, error)
	IsVMRunning(ctx context.Context, vmName string) (bool, error)
	IsAgentRunning(ctx context.Context, vmName string) (bool, error)
	VMExists(ctx context.Context, vmName string) (bool, error)
	GetAllVMNames(ctx context.Context) ([]string, error)
}

var _ EngineClient = (*rpc.Client)(nil)

// ClientFactory builds an EngineClient for an endpoint URL.
type ClientFactory func(url string) EngineClient

func defaultClientFactory(url string) EngineClient {
	return rpc.NewClient(url)
}

type setupEntry struct {
	w      *worker
	vmName string
	cancel context.CancelFunc
}

// EngineHandler owns the per-engine client registry and the setup/cleanup
// worker pools. One instance per coordinator.
type EngineHandler struct {
	store        store.Store
	newClient    ClientFactory
	pollInterval time.Duration

	flight singleflight.Group

	mu      sync.Mutex
	clients map[string]EngineClient
	setup   map[string]setupEntry
	cleanup map[string]*worker
}

// EngineOption configures an EngineHandler.
type EngineOption func(*EngineHandler)

// WithClientFactory substitutes how RPC clients are constructed.
func WithClientFactory(f ClientFactory) EngineOption {
	return func(h *EngineHandler) { h.newClient = f }
}

// WithPollInterval sets the sleep between convergence polls.
func WithPollInterval(d time.Duration) EngineOption {
	return func(h *EngineHandler) { h.pollInterval = d }
}

// NewEngineHandler builds a handler over the store.
func NewEngineHandler(st store.Store, opts ...EngineOption) *EngineHandler {
	h := &EngineHandler{
		store:        st,
		newClient:    defaultClientFactory,
		pollInterval: 5 * time.Second,
		clients:      make(map[string]EngineClient),
		setup:        make(map[string]setupEntry),
		cleanup:      make(map[string]*worker),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// InitializeClients eagerly constructs a client for every engine reachable
// through some host. Engines added later get clients lazily.
func (h *EngineHandler) InitializeClients(ctx context.Context) error {
	hosts, err := h.store.ListHosts(ctx)
	if err != nil {
		return fmt.Errorf("list hosts: %w", err)
	}
	for _, host := range hosts {
		for _, engineID := range host.EngineIDs {
			engine, err := h.store.GetEngine(ctx, engineID)
			if err != nil {
				logging.Op().Warn("host references unknown engine", "host", host.Name, "engine_id", engineID)
				continue
			}
			h.mu.Lock()
			h.clients[engine.ID] = h.newClient(host.EngineURL(engine))
			n := len(h.clients)
			h.mu.Unlock()
			metrics.SetEngineClients(n)
			logging.Op().Info("initialized engine client", "engine", engine.Name, "url", host.EngineURL(engine))
		}
	}
	return nil
}

// ClientForEngine returns the registered client for the engine, constructing
// one on first use. Concurrent first uses collapse into one construction.
func (h *EngineHandler) ClientForEngine(ctx context.Context, engineID string) (EngineClient, error) {
	h.mu.Lock()
	if c, ok := h.clients[engineID]; ok {
		h.mu.Unlock()
		return c, nil
	}
	h.mu.Unlock()

	v, err, _ := h.flight.Do(engineID, func() (any, error) {
		engine, err := h.store.GetEngine(ctx, engineID)
		if err != nil {
			return nil, fmt.Errorf("get engine %s: %w", engineID, err)
		}
		host, err := h.store.GetHostForEngine(ctx, engineID)
		if err != nil {
			return nil, fmt.Errorf("no host exposes engine %s: %w", engineID, err)
		}
		c := h.newClient(host.EngineURL(engine))
		h.mu.Lock()
		h.clients[engineID] = c
		n := len(h.clients)
		h.mu.Unlock()
		metrics.SetEngineClients(n)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(EngineClient), nil
}

// AggregateLoadAtTime sums the resource requirements of every candidate
// reservation admitted onto the engine and not in a terminal-or-pending
// state.
func (h *EngineHandler) AggregateLoadAtTime(ctx context.Context, engine *domain.Engine, candidates []*domain.Reservation) (domain.ResourceMap, error) {
	load := domain.ResourceMap{}
	for _, r := range candidates {
		switch r.Status {
		case domain.ReservationPending, domain.ReservationRejected,
			domain.ReservationCompleted, domain.ReservationCancelled:
			continue
		}
		if r.WorkstationID == "" {
			continue
		}
		ws, err := h.store.GetWorkstation(ctx, r.WorkstationID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get workstation %s: %w", r.WorkstationID, err)
		}
		if ws.EngineID != engine.ID {
			continue
		}
		t, err := h.store.GetTemplate(ctx, r.TemplateID)
		if err != nil {
			return nil, fmt.Errorf("get template %s: %w", r.TemplateID, err)
		}
		load.Add(t.ResourceRequirements)
	}
	return load, nil
}

// VMNameForReservation derives the deterministic hypervisor VM name for a
// reservation. Stability across coordinator restarts is what makes the
// delete-before-clone retry rule safe.
func VMNameForReservation(r *domain.Reservation, t *domain.Template) string {
	return domain.Capitalize(r.Username) +
		domain.Capitalize(t.InternalName) +
		r.RequestDate.UTC().Format("20060102150405")
}

// IsSetupWorkerRunning reports whether a setup (or restart) worker is
// registered for the reservation.
func (h *EngineHandler) IsSetupWorkerRunning(reservationID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.setup[reservationID]
	return ok
}

func (h *EngineHandler) isSetupTarget(vmName string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, entry := range h.setup {
		if entry.vmName == vmName {
			return true
		}
	}
	return false
}

// GCSetupWorkers drops terminated setup workers from the registry.
func (h *EngineHandler) GCSetupWorkers() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, entry := range h.setup {
		if !entry.w.Running() {
			entry.cancel()
			delete(h.setup, id)
			logging.Op().Debug("removed setup worker", "reservation", id)
		}
	}
	metrics.SetActiveWorkers("setup", len(h.setup))
}

// GCCleanupWorkers drops terminated cleanup workers from the registry.
func (h *EngineHandler) GCCleanupWorkers() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, w := range h.cleanup {
		if !w.Running() {
			delete(h.cleanup, id)
			logging.Op().Debug("removed cleanup worker", "reservation", id)
		}
	}
	metrics.SetActiveWorkers("cleanup", len(h.cleanup))
}

// StartSetup records the VM name on the workstation, registers a setup
// worker, and launches it. onSuccess runs only when the VM is up with a
// routable address.
func (h *EngineHandler) StartSetup(ctx context.Context, r *domain.Reservation, onSuccess func()) error {
	ws, err := h.store.GetWorkstation(ctx, r.WorkstationID)
	if err != nil {
		return fmt.Errorf("get workstation %s: %w", r.WorkstationID, err)
	}
	t, err := h.store.GetTemplate(ctx, r.TemplateID)
	if err != nil {
		return fmt.Errorf("get template %s: %w", r.TemplateID, err)
	}

	vmName := VMNameForReservation(r, t)
	ws.EngineInternalName = vmName
	ws.LastStatusUpdate = time.Now()
	if err := h.store.SaveWorkstation(ctx, ws); err != nil {
		return fmt.Errorf("save workstation %s: %w", ws.ID, err)
	}

	w := newWorker("setup")
	wctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.setup[r.ID] = setupEntry{w: w, vmName: vmName, cancel: cancel}
	n := len(h.setup)
	h.mu.Unlock()
	metrics.SetActiveWorkers("setup", n)

	w.start(func() error {
		return h.setupWorkstation(wctx, r, t, vmName)
	}, onSuccess)
	logging.Op().Info("started setup worker", "reservation", r.ID, "vm", vmName)
	return nil
}

func (h *EngineHandler) setupWorkstation(ctx context.Context, r *domain.Reservation, t *domain.Template, vmName string) error {
	ws, err := h.store.GetWorkstation(ctx, r.WorkstationID)
	if err != nil {
		return fmt.Errorf("get workstation %s: %w", r.WorkstationID, err)
	}
	client, err := h.ClientForEngine(ctx, ws.EngineID)
	if err != nil {
		return err
	}

	// A leftover VM with the same deterministic name belongs to an earlier
	// attempt of this very reservation; delete it before cloning.
	exists, err := client.VMExists(ctx, vmName)
	if err != nil {
		return fmt.Errorf("check vm %s: %w", vmName, err)
	}
	if exists {
		logging.Op().Info("vm already exists, deleting before clone", "vm", vmName)
		if err := h.deleteVM(ctx, client, vmName); err != nil {
			return err
		}
	}

	if _, err := client.CreateVM(ctx, t.InternalName, vmName); err != nil {
		return fmt.Errorf("create vm %s from %s: %w", vmName, t.InternalName, err)
	}
	if _, err := client.StartVM(ctx, vmName); err != nil {
		return fmt.Errorf("start vm %s: %w", vmName, err)
	}

	if err := h.waitFor(ctx, func() (bool, error) {
		return client.IsVMRunning(ctx, vmName)
	}); err != nil {
		return fmt.Errorf("wait for vm %s to run: %w", vmName, err)
	}
	if err := h.waitFor(ctx, func() (bool, error) {
		return client.IsAgentRunning(ctx, vmName)
	}); err != nil {
		return fmt.Errorf("wait for agent on %s: %w", vmName, err)
	}

	// The guest reports a link-local autoconfiguration address until its
	// DHCP lease lands; hold off until a routable one shows up.
	var ip string
	if err := h.waitFor(ctx, func() (bool, error) {
		info, err := client.GetVMNetworkInfo(ctx, vmName)
		if err != nil {
			return false, err
		}
		if !info.Usable() {
			logging.Op().Debug("vm address not routable yet", "vm", vmName, "ip", info.IPAddress)
			return false, nil
		}
		ip = info.IPAddress
		return true, nil
	}); err != nil {
		return fmt.Errorf("wait for address on %s: %w", vmName, err)
	}

	ws, err = h.store.GetWorkstation(ctx, r.WorkstationID)
	if err != nil {
		return fmt.Errorf("get workstation %s: %w", r.WorkstationID, err)
	}
	ws.IPAddress = ip
	ws.EngineInternalName = vmName
	ws.LastStatusUpdate = time.Now()
	if err := h.store.SaveWorkstation(ctx, ws); err != nil {
		return fmt.Errorf("save workstation %s: %w", ws.ID, err)
	}
	logging.Op().Info("workstation setup finished", "reservation", r.ID, "vm", vmName, "ip", ip)
	return nil
}

// AbortSetup cancels the setup or restart worker registered for the
// reservation and waits for it to exit. No-op when none is registered. The
// caller owns the VM afterwards; the dead worker cannot touch it anymore.
func (h *EngineHandler) AbortSetup(reservationID string) {
	h.mu.Lock()
	entry, ok := h.setup[reservationID]
	h.mu.Unlock()
	if !ok {
		return
	}
	entry.cancel()
	entry.w.Wait()
	logging.Op().Info("aborted setup worker", "reservation", reservationID)
}

// StartCleanup registers and launches a cleanup worker for the reservation.
func (h *EngineHandler) StartCleanup(ctx context.Context, r *domain.Reservation, onSuccess func()) {
	w := newWorker("cleanup")
	h.mu.Lock()
	h.cleanup[r.ID] = w
	n := len(h.cleanup)
	h.mu.Unlock()
	metrics.SetActiveWorkers("cleanup", n)

	w.start(func() error {
		return h.CleanupWorkstation(ctx, r)
	}, onSuccess)
	logging.Op().Info("started cleanup worker", "reservation", r.ID)
}

// CleanupWorkstation tears down the reservation's VM. Also called inline on
// cancellation, which must not race user flows.
func (h *EngineHandler) CleanupWorkstation(ctx context.Context, r *domain.Reservation) error {
	ws, err := h.store.GetWorkstation(ctx, r.WorkstationID)
	if err != nil {
		return fmt.Errorf("get workstation %s: %w", r.WorkstationID, err)
	}
	client, err := h.ClientForEngine(ctx, ws.EngineID)
	if err != nil {
		return err
	}
	return h.deleteVM(ctx, client, ws.EngineInternalName)
}

// StartRestart registers a restart worker in the setup pool, so the
// reservation handler's double-scheduling guard covers restarts too. No-op
// while a setup worker is registered.
func (h *EngineHandler) StartRestart(ctx context.Context, r *domain.Reservation, onSuccess func()) {
	h.mu.Lock()
	if _, ok := h.setup[r.ID]; ok {
		h.mu.Unlock()
		logging.Op().Info("setup worker registered, skipping restart", "reservation", r.ID)
		return
	}
	h.mu.Unlock()

	ws, err := h.store.GetWorkstation(ctx, r.WorkstationID)
	if err != nil {
		logging.Op().Error("restart: workstation lookup failed", "reservation", r.ID, "error", err)
		return
	}
	vmName := ws.EngineInternalName

	w := newWorker("restart")
	wctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.setup[r.ID] = setupEntry{w: w, vmName: vmName, cancel: cancel}
	n := len(h.setup)
	h.mu.Unlock()
	metrics.SetActiveWorkers("setup", n)

	w.start(func() error {
		client, err := h.ClientForEngine(wctx, ws.EngineID)
		if err != nil {
			return err
		}
		if _, err := client.RebootVM(wctx, vmName); err != nil {
			return fmt.Errorf("reboot vm %s: %w", vmName, err)
		}
		return h.waitFor(wctx, func() (bool, error) {
			return client.IsAgentRunning(wctx, vmName)
		})
	}, onSuccess)
	logging.Op().Info("started restart worker", "reservation", r.ID, "vm", vmName)
}

// deleteVM converges on VM absence: stop if present, wait for the stop, then
// delete and wait until the name disappears from the engine.
func (h *EngineHandler) deleteVM(ctx context.Context, client EngineClient, vmName string) error {
	if vmName == "" {
		return nil
	}
	exists, err := client.VMExists(ctx, vmName)
	if err != nil {
		return fmt.Errorf("check vm %s: %w", vmName, err)
	}
	if !exists {
		logging.Op().Debug("vm does not exist, skipping deletion", "vm", vmName)
		return nil
	}

	if _, err := client.StopVM(ctx, vmName); err != nil {
		return fmt.Errorf("stop vm %s: %w", vmName, err)
	}
	if err := h.waitFor(ctx, func() (bool, error) {
		running, err := client.IsVMRunning(ctx, vmName)
		return !running, err
	}); err != nil {
		return fmt.Errorf("wait for stop of %s: %w", vmName, err)
	}

	if _, err := client.DeleteVM(ctx, vmName); err != nil {
		return fmt.Errorf("delete vm %s: %w", vmName, err)
	}
	if err := h.waitFor(ctx, func() (bool, error) {
		exists, err := client.VMExists(ctx, vmName)
		return !exists, err
	}); err != nil {
		return fmt.Errorf("wait for deletion of %s: %w", vmName, err)
	}
	logging.Op().Info("vm deleted", "vm", vmName)
	return nil
}

// CleanOrphanedWorkstations deletes engine VMs that no consistent
// reservation/workstation pair accounts for. One engine failing must not
// stop the sweep over the rest.
func (h *EngineHandler) CleanOrphanedWorkstations(ctx context.Context) {
	engines, err := h.store.ListEngines(ctx)
	if err != nil {
		logging.Op().Error("orphan sweep: list engines failed", "error", err)
		return
	}
	for _, engine := range engines {
		client, err := h.ClientForEngine(ctx, engine.ID)
		if err != nil {
			logging.Op().Error("orphan sweep: no client for engine", "engine", engine.Name, "error", err)
			continue
		}
		names, err := client.GetAllVMNames(ctx)
		if err != nil {
			logging.Op().Error("orphan sweep: listing vms failed", "engine", engine.Name, "error", err)
			continue
		}
		for _, name := range names {
			if h.isSetupTarget(name) {
				continue
			}
			if !h.isOrphan(ctx, name) {
				continue
			}
			logging.Op().Info("deleting orphaned vm", "engine", engine.Name, "vm", name)
			if err := h.deleteVM(ctx, client, name); err != nil {
				logging.Op().Error("orphan sweep: deletion failed", "vm", name, "error", err)
				continue
			}
			metrics.RecordOrphanDeleted()
		}
	}
}

func (h *EngineHandler) isOrphan(ctx context.Context, vmName string) bool {
	ws, err := h.store.GetWorkstationByInternalName(ctx, vmName)
	if errors.Is(err, store.ErrNotFound) {
		return true
	}
	if err != nil {
		logging.Op().Error("orphan sweep: workstation lookup failed", "vm", vmName, "error", err)
		return false
	}
	r, err := h.store.GetReservationForWorkstation(ctx, ws.ID)
	if errors.Is(err, store.ErrNotFound) {
		return true
	}
	if err != nil {
		logging.Op().Error("orphan sweep: reservation lookup failed", "vm", vmName, "error", err)
		return false
	}

	reservationOK := r.Status == domain.ReservationApproved || r.Status == domain.ReservationActive
	workstationOK := ws.Status == domain.WorkstationActive ||
		ws.Status == domain.WorkstationSetup ||
		ws.Status == domain.WorkstationCleanup ||
		ws.Status == domain.WorkstationRestart
	return !reservationOK || !workstationOK
}

func (h *EngineHandler) waitFor(ctx context.Context, pred func() (bool, error)) error {
	for {
		ok, err := pred()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.pollInterval):
		}
	}
}
