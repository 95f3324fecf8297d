package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/velesio/atrium/internal/domain"
	"github.com/velesio/atrium/internal/rpc"
	"github.com/velesio/atrium/internal/store"
)

// fakeClock is a settable time source shared by the handlers under test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// fakeHypervisor is an in-memory engine: VM state transitions are instant,
// network info can be scripted per VM name.
type fakeHypervisor struct {
	mu        sync.Mutex
	templates map[string]bool
	vms       map[string]*fakeVM
	ipSeqs    map[string][]string
	deleted   []string
	listErr   error
}

type fakeVM struct {
	running bool
	ips     []string
}

func newFakeHypervisor(templates ...string) *fakeHypervisor {
	h := &fakeHypervisor{
		templates: map[string]bool{},
		vms:       map[string]*fakeVM{},
		ipSeqs:    map[string][]string{},
	}
	for _, t := range templates {
		h.templates[t] = true
	}
	return h
}

// scriptIPs sets the successive network-info answers for a future VM; the
// last entry repeats.
func (h *fakeHypervisor) scriptIPs(vmName string, ips ...string) {
	h.mu.Lock()
	h.ipSeqs[vmName] = ips
	h.mu.Unlock()
}

func (h *fakeHypervisor) addVM(name string, running bool) {
	h.mu.Lock()
	h.vms[name] = &fakeVM{running: running, ips: []string{"10.0.0.99"}}
	h.mu.Unlock()
}

func (h *fakeHypervisor) hasVM(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.vms[name]
	return ok
}

func (h *fakeHypervisor) deletedNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.deleted...)
}

type fakeClient struct{ h *fakeHypervisor }

func (c *fakeClient) StartVM(ctx context.Context, name string) (string, error) {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	vm, ok := c.h.vms[name]
	if !ok {
		return "", fmt.Errorf("vm %s not found", name)
	}
	vm.running = true
	return "OK", nil
}

func (c *fakeClient) StopVM(ctx context.Context, name string) (string, error) {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	if vm, ok := c.h.vms[name]; ok {
		vm.running = false
	}
	return "OK", nil
}

func (c *fakeClient) RebootVM(ctx context.Context, name string) (string, error) {
	return c.StartVM(ctx, name)
}

func (c *fakeClient) CreateVM(ctx context.Context, templateName, vmName string) (string, error) {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	if !c.h.templates[templateName] {
		return "", &rpc.Error{Code: rpc.CodeTemplateNotFound, Message: "template does not exist"}
	}
	ips := c.h.ipSeqs[vmName]
	if len(ips) == 0 {
		ips = []string{"10.0.0.50"}
	}
	c.h.vms[vmName] = &fakeVM{ips: ips}
	return "VM created successfully", nil
}

func (c *fakeClient) DeleteVM(ctx context.Context, name string) (string, error) {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	if _, ok := c.h.vms[name]; !ok {
		return "VM does not exist", nil
	}
	delete(c.h.vms, name)
	c.h.deleted = append(c.h.deleted, name)
	return "VM deleted successfully", nil
}

func (c *fakeClient) GetVMNetworkInfo(ctx context.Context, name string) (*rpc.NetworkInfo, error) {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	vm, ok := c.h.vms[name]
	if !ok {
		return nil, fmt.Errorf("vm %s not found", name)
	}
	ip := vm.ips[0]
	if len(vm.ips) > 1 {
		vm.ips = vm.ips[1:]
	}
	return &rpc.NetworkInfo{IPAddress: ip, SubnetMask: "255.255.255.0"}, nil
}

func (c *fakeClient) IsVMRunning(ctx context.Context, name string) (bool, error) {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	vm, ok := c.h.vms[name]
	return ok && vm.running, nil
}

func (c *fakeClient) IsAgentRunning(ctx context.Context, name string) (bool, error) {
	return c.IsVMRunning(ctx, name)
}

func (c *fakeClient) VMExists(ctx context.Context, name string) (bool, error) {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	_, ok := c.h.vms[name]
	return ok, nil
}

func (c *fakeClient) GetAllVMNames(ctx context.Context) ([]string, error) {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	if c.h.listErr != nil {
		return nil, c.h.listErr
	}
	names := make([]string, 0, len(c.h.vms))
	for name := range c.h.vms {
		names = append(names, name)
	}
	return names, nil
}

// fixture wires a memory store, a scripted hypervisor, and handlers with a
// fast poll interval.
type fixture struct {
	store  *store.MemoryStore
	hv     *fakeHypervisor
	eh     *EngineHandler
	rh     *ReservationHandler
	clock  *fakeClock
	engine *domain.Engine
	tmpl   *domain.Template
	user   *domain.User
}

func newFixture(t *testing.T, engineResources domain.ResourceMap) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	hv := newFakeHypervisor("ubuntudev")
	clock := newFakeClock(time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC))

	et := &domain.EngineType{ID: "et-1", Name: "proxmox"}
	engine := &domain.Engine{
		ID: "eng-1", Name: "pve1", Port: 5000, TypeID: et.ID,
		MaxResources: engineResources,
	}
	host := &domain.Host{ID: "host-1", Name: "rack1", IPAddress: "192.168.1.10", EngineIDs: []string{engine.ID}}
	tag := &domain.Tag{ID: "tag-1", Name: "dev"}
	tmpl := &domain.Template{
		ID: "tmpl-1", Name: "Ubuntu Dev", InternalName: "ubuntudev",
		AllowedEngineTypeIDs: []string{et.ID},
		TagIDs:               []string{tag.ID},
		ResourceRequirements: domain.ResourceMap{"cpu": 4, "ram": 8},
	}
	for _, err := range []error{
		st.SaveEngineType(ctx, et),
		st.SaveEngine(ctx, engine),
		st.SaveHost(ctx, host),
		st.SaveTag(ctx, tag),
		st.SaveTemplate(ctx, tmpl),
	} {
		if err != nil {
			t.Fatalf("seed fixture: %v", err)
		}
	}

	eh := NewEngineHandler(st,
		WithClientFactory(func(url string) EngineClient { return &fakeClient{h: hv} }),
		WithPollInterval(time.Millisecond),
	)
	rh := NewReservationHandler(st, clock.Now)

	return &fixture{
		store: st, hv: hv, eh: eh, rh: rh, clock: clock,
		engine: engine, tmpl: tmpl,
		user: &domain.User{ID: "user-1", Username: "alice"},
	}
}

func (f *fixture) createReservation(t *testing.T, start, end time.Time) *domain.Reservation {
	t.Helper()
	r, err := f.rh.CreateReservation(context.Background(), f.user, []string{"dev"}, start, end, "")
	if err != nil {
		t.Fatalf("create reservation: %v", err)
	}
	if r == nil {
		t.Fatal("no template matched")
	}
	return r
}

func (f *fixture) reservation(t *testing.T, id string) *domain.Reservation {
	t.Helper()
	r, err := f.store.GetReservation(context.Background(), id)
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	return r
}

func (f *fixture) workstation(t *testing.T, r *domain.Reservation) *domain.Workstation {
	t.Helper()
	fresh := f.reservation(t, r.ID)
	if fresh.WorkstationID == "" {
		t.Fatalf("reservation %s has no workstation", r.ID)
	}
	ws, err := f.store.GetWorkstation(context.Background(), fresh.WorkstationID)
	if err != nil {
		t.Fatalf("get workstation: %v", err)
	}
	return ws
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.ResourceMap{"cpu": 8, "ram": 16})

	start := f.clock.Now()
	end := start.Add(time.Hour)
	r := f.createReservation(t, start, end)

	// Tick 1: admission.
	f.rh.Handle(ctx, f.eh)
	if got := f.reservation(t, r.ID).Status; got != domain.ReservationApproved {
		t.Fatalf("after tick 1 status = %s, want Approved", got)
	}
	if got := f.workstation(t, r).Status; got != domain.WorkstationScheduled {
		t.Fatalf("workstation status = %s, want Scheduled", got)
	}

	// Tick 2: setup worker runs to completion.
	f.rh.Handle(ctx, f.eh)
	waitUntil(t, "workstation active", func() bool {
		return f.workstation(t, r).Status == domain.WorkstationActive
	})
	ws := f.workstation(t, r)
	if ws.IPAddress != "10.0.0.50" {
		t.Fatalf("workstation ip = %q, want 10.0.0.50", ws.IPAddress)
	}
	if !f.hv.hasVM(ws.EngineInternalName) {
		t.Fatalf("vm %s not present on hypervisor", ws.EngineInternalName)
	}

	// Tick 3: reservation goes active.
	f.eh.GCSetupWorkers()
	f.rh.Handle(ctx, f.eh)
	if got := f.reservation(t, r.ID).Status; got != domain.ReservationActive {
		t.Fatalf("after tick 3 status = %s, want Active", got)
	}

	// Mint a mapping while active, then run out the window.
	mapping, err := f.rh.CreateMappingForReservation(ctx, f.reservation(t, r.ID))
	if err != nil {
		t.Fatalf("create mapping: %v", err)
	}

	f.clock.Set(end.Add(time.Minute))
	f.rh.Handle(ctx, f.eh)
	waitUntil(t, "reservation completed", func() bool {
		return f.reservation(t, r.ID).Status == domain.ReservationCompleted
	})
	if got := f.workstation(t, r).Status; got != domain.WorkstationArchived {
		t.Fatalf("workstation status = %s, want Archived", got)
	}
	if f.hv.hasVM(ws.EngineInternalName) {
		t.Fatal("vm still present after cleanup")
	}
	m, err := f.store.GetProxyMapping(ctx, mapping.ID)
	if err != nil {
		t.Fatalf("get mapping: %v", err)
	}
	if !m.Archived || m.ArchivedAt == nil {
		t.Fatal("mapping not archived on completion")
	}
}

func TestCapacityRejection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.ResourceMap{"cpu": 4, "ram": 8})

	start := f.clock.Now().Add(time.Hour)
	end := start.Add(time.Hour)
	first := f.createReservation(t, start, end)
	second := f.createReservation(t, start.Add(30*time.Minute), end.Add(30*time.Minute))

	f.rh.Handle(ctx, f.eh)

	if got := f.reservation(t, first.ID).Status; got != domain.ReservationApproved {
		t.Fatalf("first reservation status = %s, want Approved", got)
	}
	if got := f.reservation(t, second.ID).Status; got != domain.ReservationRejected {
		t.Fatalf("second reservation status = %s, want Rejected", got)
	}
}

func TestNonOverlappingSharesEngine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.ResourceMap{"cpu": 4, "ram": 8})

	start := f.clock.Now().Add(time.Hour)
	first := f.createReservation(t, start, start.Add(time.Hour))
	second := f.createReservation(t, start.Add(2*time.Hour), start.Add(3*time.Hour))

	f.rh.Handle(ctx, f.eh)

	for _, r := range []*domain.Reservation{first, second} {
		if got := f.reservation(t, r.ID).Status; got != domain.ReservationApproved {
			t.Fatalf("reservation %s status = %s, want Approved", r.ID, got)
		}
	}
}

func TestCollisionOnRetryDeletesFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.ResourceMap{"cpu": 8, "ram": 16})

	start := f.clock.Now()
	r := f.createReservation(t, start, start.Add(time.Hour))
	f.rh.Handle(ctx, f.eh) // admit

	// A prior coordinator run left a VM under the deterministic name.
	vmName := VMNameForReservation(f.reservation(t, r.ID), f.tmpl)
	f.hv.addVM(vmName, true)

	f.rh.Handle(ctx, f.eh) // setup
	waitUntil(t, "workstation active", func() bool {
		return f.workstation(t, r).Status == domain.WorkstationActive
	})

	deleted := f.hv.deletedNames()
	if len(deleted) != 1 || deleted[0] != vmName {
		t.Fatalf("deleted = %v, want exactly the stale %s", deleted, vmName)
	}
	if got := f.workstation(t, r).IPAddress; got != "10.0.0.50" {
		t.Fatalf("ip = %q, want 10.0.0.50", got)
	}
}

func TestAPIPAHoldOff(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.ResourceMap{"cpu": 8, "ram": 16})

	start := f.clock.Now()
	r := f.createReservation(t, start, start.Add(time.Hour))
	f.rh.Handle(ctx, f.eh) // admit

	vmName := VMNameForReservation(f.reservation(t, r.ID), f.tmpl)
	f.hv.scriptIPs(vmName, "169.254.1.2", "169.254.1.2", "10.0.0.5")

	f.rh.Handle(ctx, f.eh) // setup
	waitUntil(t, "workstation active", func() bool {
		return f.workstation(t, r).Status == domain.WorkstationActive
	})

	if got := f.workstation(t, r).IPAddress; got != "10.0.0.5" {
		t.Fatalf("ip = %q, want the first routable address 10.0.0.5", got)
	}
}

func TestCancelPerformsSynchronousCleanup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.ResourceMap{"cpu": 8, "ram": 16})

	start := f.clock.Now()
	r := f.createReservation(t, start, start.Add(time.Hour))
	f.rh.Handle(ctx, f.eh) // admit
	f.rh.Handle(ctx, f.eh) // setup
	waitUntil(t, "workstation active", func() bool {
		return f.workstation(t, r).Status == domain.WorkstationActive
	})
	vmName := f.workstation(t, r).EngineInternalName

	mapping, err := f.rh.CreateMappingForReservation(ctx, f.reservation(t, r.ID))
	if err != nil {
		t.Fatalf("create mapping: %v", err)
	}

	ok, err := f.rh.CancelReservation(ctx, r.ID)
	if err != nil || !ok {
		t.Fatalf("cancel = %v, %v", ok, err)
	}

	// Cancellation cleanup runs inline in the tick, no waiting involved.
	f.rh.Handle(ctx, f.eh)
	if got := f.workstation(t, r).Status; got != domain.WorkstationArchived {
		t.Fatalf("workstation status = %s, want Archived", got)
	}
	if f.hv.hasVM(vmName) {
		t.Fatal("vm still present after cancel cleanup")
	}
	m, err := f.store.GetProxyMapping(ctx, mapping.ID)
	if err != nil {
		t.Fatalf("get mapping: %v", err)
	}
	if !m.Archived {
		t.Fatal("mapping not archived on cancel")
	}
}

func TestCancelDuringSetupAbortsWorker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.ResourceMap{"cpu": 8, "ram": 16})

	start := f.clock.Now()
	r := f.createReservation(t, start, start.Add(time.Hour))
	f.rh.Handle(ctx, f.eh) // admit

	vmName := VMNameForReservation(f.reservation(t, r.ID), f.tmpl)
	// Hold the setup worker in the address poll so the cancel lands mid-setup.
	f.hv.scriptIPs(vmName, "169.254.0.1")

	f.rh.Handle(ctx, f.eh) // setup starts and blocks
	waitUntil(t, "vm created", func() bool { return f.hv.hasVM(vmName) })
	if !f.eh.IsSetupWorkerRunning(r.ID) {
		t.Fatal("setup worker not registered")
	}

	ok, err := f.rh.CancelReservation(ctx, r.ID)
	if err != nil || !ok {
		t.Fatalf("cancel = %v, %v", ok, err)
	}
	f.rh.Handle(ctx, f.eh) // synchronous cancel cleanup

	if got := f.workstation(t, r).Status; got != domain.WorkstationArchived {
		t.Fatalf("workstation status = %s, want Archived", got)
	}
	if f.hv.hasVM(vmName) {
		t.Fatal("vm still present after cancel cleanup")
	}
	f.eh.GCSetupWorkers()
	if f.eh.IsSetupWorkerRunning(r.ID) {
		t.Fatal("setup worker still registered after cancel")
	}
	// The aborted worker must not resurrect the workstation.
	time.Sleep(10 * time.Millisecond)
	if got := f.workstation(t, r).Status; got != domain.WorkstationArchived {
		t.Fatalf("workstation status drifted to %s after cancel", got)
	}
}

func TestTeardownWithOverlappingTicks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.ResourceMap{"cpu": 8, "ram": 16})

	start := f.clock.Now()
	end := start.Add(time.Hour)
	r := f.createReservation(t, start, end)
	f.rh.Handle(ctx, f.eh) // admit
	f.rh.Handle(ctx, f.eh) // setup
	waitUntil(t, "workstation active", func() bool {
		return f.workstation(t, r).Status == domain.WorkstationActive
	})
	f.eh.GCSetupWorkers()
	f.rh.Handle(ctx, f.eh) // reservation active
	mapping, err := f.rh.CreateMappingForReservation(ctx, f.reservation(t, r.ID))
	if err != nil {
		t.Fatalf("create mapping: %v", err)
	}

	// Keep ticking while the cleanup worker races the loop; the callback
	// reloads the reservation, so no tick shares state with the worker.
	f.clock.Set(end.Add(time.Minute))
	for i := 0; i < 500; i++ {
		f.rh.Handle(ctx, f.eh)
		f.eh.GCCleanupWorkers()
		if f.reservation(t, r.ID).Status == domain.ReservationCompleted {
			break
		}
	}
	waitUntil(t, "reservation completed", func() bool {
		return f.reservation(t, r.ID).Status == domain.ReservationCompleted
	})

	final := f.reservation(t, r.ID)
	if final.ProxyMappingID != "" {
		t.Fatalf("completed reservation still references mapping %s", final.ProxyMappingID)
	}
	m, err := f.store.GetProxyMapping(ctx, mapping.ID)
	if err != nil {
		t.Fatalf("get mapping: %v", err)
	}
	if !m.Archived {
		t.Fatal("mapping not archived by the teardown")
	}
	if got := f.workstation(t, r).Status; got != domain.WorkstationArchived {
		t.Fatalf("workstation status = %s, want Archived", got)
	}
}

func TestSetupWithoutWorkerRevertsToScheduled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.ResourceMap{"cpu": 8, "ram": 16})

	start := f.clock.Now()
	r := f.createReservation(t, start, start.Add(time.Hour))
	f.rh.Handle(ctx, f.eh) // admit

	// Simulate a coordinator restart mid-setup: status Setup, no worker.
	ws := f.workstation(t, r)
	ws.Status = domain.WorkstationSetup
	if err := f.store.SaveWorkstation(ctx, ws); err != nil {
		t.Fatalf("save workstation: %v", err)
	}

	f.rh.Handle(ctx, f.eh)
	if got := f.workstation(t, r).Status; got != domain.WorkstationScheduled {
		t.Fatalf("workstation status = %s, want Scheduled", got)
	}

	// Next tick starts a fresh setup worker.
	f.rh.Handle(ctx, f.eh)
	waitUntil(t, "workstation active", func() bool {
		return f.workstation(t, r).Status == domain.WorkstationActive
	})
}

func TestOrphanSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.ResourceMap{"cpu": 8, "ram": 16})

	start := f.clock.Now()
	r := f.createReservation(t, start, start.Add(time.Hour))
	f.rh.Handle(ctx, f.eh) // admit
	f.rh.Handle(ctx, f.eh) // setup
	waitUntil(t, "workstation active", func() bool {
		return f.workstation(t, r).Status == domain.WorkstationActive
	})
	f.eh.GCSetupWorkers()
	legit := f.workstation(t, r).EngineInternalName

	// Reservation is still Approved, workstation Active: must survive.
	f.hv.addVM("StrayNoRow20250101000000", false)
	f.eh.CleanOrphanedWorkstations(ctx)

	if f.hv.hasVM("StrayNoRow20250101000000") {
		t.Fatal("orphan without DB row survived the sweep")
	}
	if !f.hv.hasVM(legit) {
		t.Fatal("accounted-for vm was deleted by the sweep")
	}
}

func TestOrphanSweepSkipsActiveSetupTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.ResourceMap{"cpu": 8, "ram": 16})

	start := f.clock.Now()
	r := f.createReservation(t, start, start.Add(time.Hour))
	f.rh.Handle(ctx, f.eh) // admit

	vmName := VMNameForReservation(f.reservation(t, r.ID), f.tmpl)
	// Hold the setup worker in the address poll so it stays registered.
	f.hv.scriptIPs(vmName, "169.254.0.1")

	f.rh.Handle(ctx, f.eh) // setup starts and blocks
	waitUntil(t, "vm created", func() bool { return f.hv.hasVM(vmName) })

	f.eh.CleanOrphanedWorkstations(ctx)
	if !f.hv.hasVM(vmName) {
		t.Fatal("sweep deleted the vm a running setup worker owns")
	}

	// Unblock the worker so the test tears down cleanly.
	f.hv.mu.Lock()
	f.hv.vms[vmName].ips = []string{"10.0.0.50"}
	f.hv.mu.Unlock()
	waitUntil(t, "workstation active", func() bool {
		return f.workstation(t, r).Status == domain.WorkstationActive
	})
}

func TestOrphanSweepContinuesPastFailingEngine(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	et := &domain.EngineType{ID: "et-1", Name: "proxmox"}
	if err := st.SaveEngineType(ctx, et); err != nil {
		t.Fatal(err)
	}
	broken := newFakeHypervisor()
	broken.listErr = fmt.Errorf("connection refused")
	healthy := newFakeHypervisor()
	healthy.addVM("Stray20250101000000", false)

	hvs := map[string]*fakeHypervisor{
		"http://10.0.0.1:5000/api/v1": broken,
		"http://10.0.0.2:5000/api/v1": healthy,
	}
	for i, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		engine := &domain.Engine{ID: fmt.Sprintf("eng-%d", i+1), Name: fmt.Sprintf("pve%d", i+1), Port: 5000, TypeID: et.ID, MaxResources: domain.ResourceMap{"cpu": 8}}
		host := &domain.Host{ID: fmt.Sprintf("host-%d", i+1), Name: ip, IPAddress: ip, EngineIDs: []string{engine.ID}}
		if err := st.SaveEngine(ctx, engine); err != nil {
			t.Fatal(err)
		}
		if err := st.SaveHost(ctx, host); err != nil {
			t.Fatal(err)
		}
	}

	eh := NewEngineHandler(st,
		WithClientFactory(func(url string) EngineClient { return &fakeClient{h: hvs[url]} }),
		WithPollInterval(time.Millisecond),
	)

	eh.CleanOrphanedWorkstations(ctx)
	if healthy.hasVM("Stray20250101000000") {
		t.Fatal("failure on the first engine stopped the sweep before the second")
	}
}

func TestOneShotMappingResolution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.ResourceMap{"cpu": 8, "ram": 16})

	start := f.clock.Now()
	r := f.createReservation(t, start, start.Add(time.Hour))
	f.rh.Handle(ctx, f.eh)
	f.rh.Handle(ctx, f.eh)
	waitUntil(t, "workstation active", func() bool {
		return f.workstation(t, r).Status == domain.WorkstationActive
	})

	mapping, err := f.rh.CreateMappingForReservation(ctx, f.reservation(t, r.ID))
	if err != nil {
		t.Fatalf("create mapping: %v", err)
	}
	if mapping.ExternalPath != "/novnc/"+mapping.ID {
		t.Fatalf("external path = %q", mapping.ExternalPath)
	}

	first, err := f.rh.GetMappingTargetByID(ctx, mapping.ID)
	if err != nil {
		t.Fatalf("first resolution: %v", err)
	}
	if first != "10.0.0.50:5900" {
		t.Fatalf("first resolution = %q, want 10.0.0.50:5900", first)
	}

	second, err := f.rh.GetMappingTargetByID(ctx, mapping.ID)
	if err != nil {
		t.Fatalf("second resolution: %v", err)
	}
	if second != mapping.ExternalPath {
		t.Fatalf("second resolution = %q, want %q", second, mapping.ExternalPath)
	}

	if _, err := f.rh.GetMappingTargetByID(ctx, "no-such-mapping"); err != nil {
		t.Fatalf("missing mapping errored: %v", err)
	}
}

func TestNewMappingArchivesPrevious(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.ResourceMap{"cpu": 8, "ram": 16})

	start := f.clock.Now()
	r := f.createReservation(t, start, start.Add(time.Hour))
	f.rh.Handle(ctx, f.eh)
	f.rh.Handle(ctx, f.eh)
	waitUntil(t, "workstation active", func() bool {
		return f.workstation(t, r).Status == domain.WorkstationActive
	})

	old, err := f.rh.CreateMappingForReservation(ctx, f.reservation(t, r.ID))
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := f.rh.CreateMappingForReservation(ctx, f.reservation(t, r.ID))
	if err != nil {
		t.Fatal(err)
	}

	archived, err := f.store.GetProxyMapping(ctx, old.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !archived.Archived {
		t.Fatal("previous mapping not archived")
	}
	if got, _ := f.rh.GetMappingTargetByID(ctx, old.ID); got != "" {
		t.Fatalf("archived mapping resolved to %q, want empty", got)
	}
	if got, _ := f.rh.GetMappingTargetByID(ctx, fresh.ID); got != "10.0.0.50:5900" {
		t.Fatalf("fresh mapping resolved to %q", got)
	}
}

func TestApprovedWindowElapsedGoesBroken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.ResourceMap{"cpu": 8, "ram": 16})

	start := f.clock.Now().Add(time.Hour)
	r := f.createReservation(t, start, start.Add(time.Hour))
	f.rh.Handle(ctx, f.eh) // admit

	f.clock.Set(start.Add(2 * time.Hour))
	f.rh.Handle(ctx, f.eh)
	if got := f.reservation(t, r.ID).Status; got != domain.ReservationBroken {
		t.Fatalf("status = %s, want Broken", got)
	}
}

func TestCreateReservationDefaultsAndMatching(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.ResourceMap{"cpu": 8, "ram": 16})

	start := f.clock.Now().Add(time.Hour)
	r := f.createReservation(t, start, start.Add(time.Hour))
	if r.UserLabel != f.tmpl.Name {
		t.Fatalf("default label = %q, want template name %q", r.UserLabel, f.tmpl.Name)
	}

	none, err := f.rh.CreateReservation(ctx, f.user, []string{"gpu"}, start, start.Add(time.Hour), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if none != nil {
		t.Fatal("expected nil reservation for unmatched tags")
	}

	if _, err := f.rh.CreateReservation(ctx, f.user, []string{"dev"}, start, start.Add(5*time.Minute), ""); err == nil {
		t.Fatal("expected window validation error")
	}
}

func TestVMNameDeterminism(t *testing.T) {
	r := &domain.Reservation{
		Username:    "alice",
		RequestDate: time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC),
	}
	tmpl := &domain.Template{InternalName: "ubuntudev"}

	name := VMNameForReservation(r, tmpl)
	if name != "AliceUbuntudev20260102150405" {
		t.Fatalf("vm name = %q", name)
	}
	if name != VMNameForReservation(r, tmpl) {
		t.Fatal("vm name not stable")
	}
	if strings.ContainsAny(name, " :-+") {
		t.Fatalf("vm name carries separators: %q", name)
	}
}

func TestCoordinatorStartIdempotent(t *testing.T) {
	f := newFixture(t, domain.ResourceMap{"cpu": 8, "ram": 16})

	c := New(f.store,
		WithTickInterval(5*time.Millisecond),
		WithClock(f.clock.Now),
		WithEngineOptions(
			WithClientFactory(func(url string) EngineClient { return &fakeClient{h: f.hv} }),
			WithPollInterval(time.Millisecond),
		),
	)
	if c.IsActive() {
		t.Fatal("coordinator active before start")
	}

	ctx := context.Background()
	c.Start(ctx)
	c.Start(ctx) // no-op
	if !c.IsActive() {
		t.Fatal("coordinator not active after start")
	}

	start := f.clock.Now()
	r := f.createReservation(t, start, start.Add(time.Hour))
	waitUntil(t, "loop drives reservation active", func() bool {
		return f.reservation(t, r.ID).Status == domain.ReservationActive
	})

	c.Stop()
	if c.IsActive() {
		t.Fatal("coordinator active after stop")
	}
}
