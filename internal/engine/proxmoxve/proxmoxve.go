// Package proxmoxve adapts a Proxmox VE node to the engine interface. All
// hypervisor access goes through the Proxmox HTTP API; guest access goes
// through the QEMU agent.
package proxmoxve

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/luthermonson/go-proxmox"

	"github.com/velesio/atrium/internal/config"
	"github.com/velesio/atrium/internal/engine"
	"github.com/velesio/atrium/internal/logging"
	"github.com/velesio/atrium/internal/rpc"
)

const (
	// firstVMID is the floor for allocated IDs; Proxmox reserves IDs below 100.
	firstVMID = 100

	createWaitTimeout = 5 * time.Minute
	deleteWaitTimeout = 10 * time.Second
	stopWaitTimeout   = 2 * time.Minute
	pollInterval      = time.Second

	// agentExecWaitSeconds is the server-side ceiling for guest command
	// completion, passed to the agent exec-status poll.
	agentExecWaitSeconds = 60
)

// Adapter implements engine.Engine against a single Proxmox VE node.
type Adapter struct {
	client *proxmox.Client
	node   string

	mu          sync.Mutex
	templateIDs map[string]int
	vmIDs       map[string]int
	highestVMID int
}

var _ engine.Engine = (*Adapter)(nil)

// New builds an adapter from settings. No API call is made here; the first
// operation validates connectivity.
func New(cfg config.ProxmoxConfig) *Adapter {
	apiURL := fmt.Sprintf("https://%s:8006/api2/json", cfg.Host)

	transport := http.DefaultTransport
	if !cfg.VerifySSL {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		}
	}

	client := proxmox.NewClient(apiURL,
		proxmox.WithHTTPClient(&http.Client{Transport: transport}),
		proxmox.WithCredentials(&proxmox.Credentials{
			Username: cfg.User,
			Password: cfg.Password,
		}),
	)

	return &Adapter{
		client:      client,
		node:        cfg.PrimaryNode,
		templateIDs: make(map[string]int),
		vmIDs:       make(map[string]int),
		highestVMID: firstVMID,
	}
}

// refreshInventory rebuilds the name-to-VMID caches from the node's VM list
// and raises the allocation watermark past every ID seen.
func (a *Adapter) refreshInventory(ctx context.Context) error {
	node, err := a.client.Node(ctx, a.node)
	if err != nil {
		return fmt.Errorf("get node %s: %w", a.node, err)
	}
	vms, err := node.VirtualMachines(ctx)
	if err != nil {
		return fmt.Errorf("list vms on %s: %w", a.node, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.templateIDs = make(map[string]int, len(vms))
	a.vmIDs = make(map[string]int, len(vms))
	for _, vm := range vms {
		id := int(vm.VMID)
		if bool(vm.Template) {
			a.templateIDs[vm.Name] = id
		} else {
			a.vmIDs[vm.Name] = id
		}
		a.highestVMID = max(a.highestVMID, id)
	}
	return nil
}

func (a *Adapter) nextVMID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.highestVMID++
	return a.highestVMID
}

func (a *Adapter) vmID(name string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.vmIDs[name]
	return id, ok
}

func (a *Adapter) templateID(name string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.templateIDs[name]
	return id, ok
}

// lookupVM refreshes the inventory and fetches the named VM, or
// engine.ErrVMNotFound.
func (a *Adapter) lookupVM(ctx context.Context, name string) (*proxmox.VirtualMachine, error) {
	if err := a.refreshInventory(ctx); err != nil {
		return nil, err
	}
	id, ok := a.vmID(name)
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, engine.ErrVMNotFound)
	}
	node, err := a.client.Node(ctx, a.node)
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", a.node, err)
	}
	vm, err := node.VirtualMachine(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get vm %d: %w", id, err)
	}
	return vm, nil
}

// CreateVM clones the named template into a fresh VMID and blocks until the
// clone shows up in the node's VM list.
func (a *Adapter) CreateVM(ctx context.Context, templateName, vmName string) (string, error) {
	if err := a.refreshInventory(ctx); err != nil {
		return "", err
	}
	tmplID, ok := a.templateID(templateName)
	if !ok {
		return "", fmt.Errorf("%q: %w", templateName, engine.ErrTemplateNotFound)
	}

	node, err := a.client.Node(ctx, a.node)
	if err != nil {
		return "", fmt.Errorf("get node %s: %w", a.node, err)
	}
	tmpl, err := node.VirtualMachine(ctx, tmplID)
	if err != nil {
		return "", fmt.Errorf("get template %d: %w", tmplID, err)
	}

	newID := a.nextVMID()
	logging.Op().Info("cloning template", "template", templateName, "vm", vmName, "vmid", newID)
	if _, _, err := tmpl.Clone(ctx, &proxmox.VirtualMachineCloneOptions{
		NewID: newID,
		Name:  vmName,
	}); err != nil {
		return "", fmt.Errorf("clone %s to %s: %w", templateName, vmName, err)
	}

	err = engine.WaitUntilTrue(ctx, func(ctx context.Context) (bool, error) {
		if err := a.refreshInventory(ctx); err != nil {
			return false, err
		}
		_, ok := a.vmID(vmName)
		return ok, nil
	}, createWaitTimeout, pollInterval)
	if err != nil {
		return "", fmt.Errorf("wait for clone %s: %w", vmName, err)
	}
	return "VM created successfully", nil
}

// DeleteVM stops the VM if needed, deletes it, and blocks until it is gone
// from the VM list. Deleting an absent VM is a no-op.
func (a *Adapter) DeleteVM(ctx context.Context, vmName string) (string, error) {
	if err := a.refreshInventory(ctx); err != nil {
		return "", err
	}
	id, ok := a.vmID(vmName)
	if !ok {
		return "VM does not exist", nil
	}

	node, err := a.client.Node(ctx, a.node)
	if err != nil {
		return "", fmt.Errorf("get node %s: %w", a.node, err)
	}
	vm, err := node.VirtualMachine(ctx, id)
	if err != nil {
		return "", fmt.Errorf("get vm %d: %w", id, err)
	}

	if vm.IsRunning() {
		if _, err := vm.Stop(ctx); err != nil {
			return "", fmt.Errorf("stop vm %s: %w", vmName, err)
		}
		err = engine.WaitUntilTrue(ctx, func(ctx context.Context) (bool, error) {
			current, err := node.VirtualMachine(ctx, id)
			if err != nil {
				return false, fmt.Errorf("poll vm %d: %w", id, err)
			}
			return !current.IsRunning(), nil
		}, stopWaitTimeout, pollInterval)
		if err != nil {
			return "", fmt.Errorf("wait for stop of %s: %w", vmName, err)
		}
	}

	if _, err := vm.Delete(ctx); err != nil {
		return "", fmt.Errorf("delete vm %s: %w", vmName, err)
	}

	err = engine.WaitUntilTrue(ctx, func(ctx context.Context) (bool, error) {
		if err := a.refreshInventory(ctx); err != nil {
			return false, err
		}
		_, still := a.vmID(vmName)
		return !still, nil
	}, deleteWaitTimeout, pollInterval)
	if err != nil {
		return "", fmt.Errorf("wait for deletion of %s: %w", vmName, err)
	}
	logging.Op().Info("vm deleted", "vm", vmName, "vmid", id)
	return "VM deleted successfully", nil
}

// StartVM asks the hypervisor to start the VM and returns the task UPID.
func (a *Adapter) StartVM(ctx context.Context, vmName string) (string, error) {
	vm, err := a.lookupVM(ctx, vmName)
	if err != nil {
		return "", err
	}
	task, err := vm.Start(ctx)
	if err != nil {
		return "", fmt.Errorf("start vm %s: %w", vmName, err)
	}
	return string(task.UPID), nil
}

// StopVM asks the hypervisor to stop the VM and returns the task UPID.
func (a *Adapter) StopVM(ctx context.Context, vmName string) (string, error) {
	vm, err := a.lookupVM(ctx, vmName)
	if err != nil {
		return "", err
	}
	task, err := vm.Stop(ctx)
	if err != nil {
		return "", fmt.Errorf("stop vm %s: %w", vmName, err)
	}
	return string(task.UPID), nil
}

// RebootVM reboots a running VM; a stopped VM is started instead.
func (a *Adapter) RebootVM(ctx context.Context, vmName string) (string, error) {
	vm, err := a.lookupVM(ctx, vmName)
	if err != nil {
		return "", err
	}
	if !vm.IsRunning() {
		task, err := vm.Start(ctx)
		if err != nil {
			return "", fmt.Errorf("start vm %s: %w", vmName, err)
		}
		return string(task.UPID), nil
	}
	task, err := vm.Reboot(ctx)
	if err != nil {
		return "", fmt.Errorf("reboot vm %s: %w", vmName, err)
	}
	return string(task.UPID), nil
}

// RunCommandOnVM executes argv in the guest through the QEMU agent and
// returns captured stdout.
func (a *Adapter) RunCommandOnVM(ctx context.Context, vmName string, command []string) (string, error) {
	vm, err := a.lookupVM(ctx, vmName)
	if err != nil {
		return "", err
	}
	pid, err := vm.AgentExec(ctx, command, "")
	if err != nil {
		return "", fmt.Errorf("agent exec on %s: %w", vmName, err)
	}
	status, err := vm.WaitForAgentExecExit(ctx, pid, agentExecWaitSeconds)
	if err != nil {
		return "", fmt.Errorf("wait for agent exec on %s: %w", vmName, err)
	}
	if status.Exited != 1 {
		return "", fmt.Errorf("agent exec on %s: %w", vmName, engine.ErrTimeout)
	}
	return status.OutData, nil
}

// GetVMNetworkInfo runs ipconfig in the guest and parses the primary IPv4
// address and subnet mask from its output.
func (a *Adapter) GetVMNetworkInfo(ctx context.Context, vmName string) (*rpc.NetworkInfo, error) {
	out, err := a.RunCommandOnVM(ctx, vmName, []string{"ipconfig", "/all"})
	if err != nil {
		return nil, err
	}
	info, err := ParseIPConfig(out)
	if err != nil {
		return nil, fmt.Errorf("vm %s: %w", vmName, err)
	}
	return info, nil
}

// IsVMRunning reports the hypervisor-side run state.
func (a *Adapter) IsVMRunning(ctx context.Context, vmName string) (bool, error) {
	vm, err := a.lookupVM(ctx, vmName)
	if err != nil {
		return false, err
	}
	return vm.IsRunning(), nil
}

// IsAgentRunning probes the guest agent with a trivial exec. Any agent error
// means not-ready, not failure; callers poll this until true.
func (a *Adapter) IsAgentRunning(ctx context.Context, vmName string) (bool, error) {
	vm, err := a.lookupVM(ctx, vmName)
	if err != nil {
		return false, err
	}
	if _, err := vm.AgentExec(ctx, []string{"whoami"}, ""); err != nil {
		return false, nil
	}
	return true, nil
}

// GetResourceUsage reports the node's memory and CPU figures.
func (a *Adapter) GetResourceUsage(ctx context.Context) (map[string]any, error) {
	node, err := a.client.Node(ctx, a.node)
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", a.node, err)
	}
	return map[string]any{
		"memory_total": node.Memory.Total,
		"memory_used":  node.Memory.Used,
		"memory_free":  node.Memory.Free,
		"cpu_count":    node.CPUInfo.CPUs,
		"cpu_usage":    node.CPU,
	}, nil
}

// GetVMConfig returns the hypervisor-side VM configuration as a generic map.
func (a *Adapter) GetVMConfig(ctx context.Context, vmName string) (map[string]any, error) {
	vm, err := a.lookupVM(ctx, vmName)
	if err != nil {
		return nil, err
	}
	return toMap(vm.VirtualMachineConfig)
}

// GetTemplateConfig returns the template's configuration as a generic map.
func (a *Adapter) GetTemplateConfig(ctx context.Context, templateName string) (map[string]any, error) {
	if err := a.refreshInventory(ctx); err != nil {
		return nil, err
	}
	id, ok := a.templateID(templateName)
	if !ok {
		return nil, fmt.Errorf("%q: %w", templateName, engine.ErrTemplateNotFound)
	}
	node, err := a.client.Node(ctx, a.node)
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", a.node, err)
	}
	tmpl, err := node.VirtualMachine(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get template %d: %w", id, err)
	}
	return toMap(tmpl.VirtualMachineConfig)
}

// VMExists reports whether a non-template VM with the name is on the node.
func (a *Adapter) VMExists(ctx context.Context, vmName string) (bool, error) {
	if err := a.refreshInventory(ctx); err != nil {
		return false, err
	}
	_, ok := a.vmID(vmName)
	return ok, nil
}

// GetAllVMNames lists the names of every non-template VM, sorted.
func (a *Adapter) GetAllVMNames(ctx context.Context) ([]string, error) {
	if err := a.refreshInventory(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	names := make([]string, 0, len(a.vmIDs))
	for name := range a.vmIDs {
		names = append(names, name)
	}
	a.mu.Unlock()
	sort.Strings(names)
	return names, nil
}
