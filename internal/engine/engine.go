// Package engine defines the uniform capability set a hypervisor adapter
// implements and the JSON-RPC binding that exposes it. Every call is
// synchronous from the caller's perspective and returns on server-observed
// completion.
package engine

import (
	"context"
	"errors"

	"github.com/velesio/atrium/internal/rpc"
)

// Sentinel errors adapters return; the RPC service maps them to typed
// JSON-RPC error objects.
var (
	ErrVMNotFound       = errors.New("vm does not exist")
	ErrTemplateNotFound = errors.New("template does not exist")
	ErrTimeout          = errors.New("timeout reached")
)

// Engine is a hypervisor adapter. Start/stop/reboot return when the
// hypervisor accepts the transition, not when it completes; callers observe
// completion via IsVMRunning. Create and Delete block until the VM list
// reflects the change.
type Engine interface {
	StartVM(ctx context.Context, vmName string) (string, error)
	StopVM(ctx context.Context, vmName string) (string, error)
	RebootVM(ctx context.Context, vmName string) (string, error)
	CreateVM(ctx context.Context, templateName, vmName string) (string, error)
	DeleteVM(ctx context.Context, vmName string) (string, error)
	GetVMNetworkInfo(ctx context.Context, vmName string) (*rpc.NetworkInfo, error)
	RunCommandOnVM(ctx context.Context, vmName string, command []string) (string, error)
	IsVMRunning(ctx context.Context, vmName string) (bool, error)
	IsAgentRunning(ctx context.Context, vmName string) (bool, error)
	GetResourceUsage(ctx context.Context) (map[string]any, error)
	GetVMConfig(ctx context.Context, vmName string) (map[string]any, error)
	GetTemplateConfig(ctx context.Context, templateName string) (map[string]any, error)
	VMExists(ctx context.Context, vmName string) (bool, error)
	GetAllVMNames(ctx context.Context) ([]string, error)
}
