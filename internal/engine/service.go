package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/velesio/atrium/internal/rpc"
)

// NewService exposes an Engine as an rpc.Server ready to mount at /api/v1.
func NewService(eng Engine) *rpc.Server {
	s := rpc.NewServer()

	type vmParams struct {
		VMName string `json:"vm_name"`
	}
	type templateParams struct {
		TemplateName string `json:"template_name"`
	}

	vmMethod := func(fn func(ctx context.Context, vmName string) (any, error)) rpc.HandlerFunc {
		return func(ctx context.Context, params json.RawMessage) (any, error) {
			var p vmParams
			if err := rpc.DecodeParams(params, &p); err != nil {
				return nil, err
			}
			result, err := fn(ctx, p.VMName)
			if err != nil {
				return nil, mapError(err)
			}
			return result, nil
		}
	}

	s.Register("start_vm", vmMethod(func(ctx context.Context, name string) (any, error) {
		return eng.StartVM(ctx, name)
	}))
	s.Register("stop_vm", vmMethod(func(ctx context.Context, name string) (any, error) {
		return eng.StopVM(ctx, name)
	}))
	s.Register("reboot_vm", vmMethod(func(ctx context.Context, name string) (any, error) {
		return eng.RebootVM(ctx, name)
	}))
	s.Register("delete_vm", vmMethod(func(ctx context.Context, name string) (any, error) {
		return eng.DeleteVM(ctx, name)
	}))
	s.Register("get_vm_network_info", vmMethod(func(ctx context.Context, name string) (any, error) {
		return eng.GetVMNetworkInfo(ctx, name)
	}))
	s.Register("get_vm_config", vmMethod(func(ctx context.Context, name string) (any, error) {
		return eng.GetVMConfig(ctx, name)
	}))
	s.Register("vm_exists", vmMethod(func(ctx context.Context, name string) (any, error) {
		return eng.VMExists(ctx, name)
	}))

	// is_vm_running answers false for unknown VMs instead of erroring so
	// pollers converge without special-casing deletion races.
	s.Register("is_vm_running", vmMethod(func(ctx context.Context, name string) (any, error) {
		running, err := eng.IsVMRunning(ctx, name)
		if errors.Is(err, ErrVMNotFound) {
			return false, nil
		}
		return running, err
	}))
	s.Register("is_agent_running", vmMethod(func(ctx context.Context, name string) (any, error) {
		return eng.IsAgentRunning(ctx, name)
	}))

	s.Register("create_vm", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			TemplateName string `json:"template_name"`
			VMName       string `json:"vm_name"`
		}
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		result, err := eng.CreateVM(ctx, p.TemplateName, p.VMName)
		if err != nil {
			return nil, mapError(err)
		}
		return result, nil
	})

	s.Register("run_command_on_vm", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			VMName  string   `json:"vm_name"`
			Command []string `json:"command"`
		}
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		out, err := eng.RunCommandOnVM(ctx, p.VMName, p.Command)
		if err != nil {
			return nil, mapError(err)
		}
		return out, nil
	})

	s.Register("get_template_config", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p templateParams
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		cfg, err := eng.GetTemplateConfig(ctx, p.TemplateName)
		if err != nil {
			return nil, mapError(err)
		}
		return cfg, nil
	})

	s.Register("get_resource_usage", func(ctx context.Context, _ json.RawMessage) (any, error) {
		usage, err := eng.GetResourceUsage(ctx)
		if err != nil {
			return nil, mapError(err)
		}
		return usage, nil
	})

	s.Register("get_all_vm_names", func(ctx context.Context, _ json.RawMessage) (any, error) {
		names, err := eng.GetAllVMNames(ctx)
		if err != nil {
			return nil, mapError(err)
		}
		if names == nil {
			names = []string{}
		}
		return names, nil
	})

	return s
}

// mapError translates adapter sentinels into typed JSON-RPC error objects.
func mapError(err error) error {
	switch {
	case errors.Is(err, ErrVMNotFound):
		return &rpc.Error{Code: rpc.CodeVMNotFound, Message: err.Error()}
	case errors.Is(err, ErrTemplateNotFound):
		return &rpc.Error{Code: rpc.CodeTemplateNotFound, Message: err.Error()}
	case errors.Is(err, ErrTimeout):
		return &rpc.Error{Code: rpc.CodeEngineTimeout, Message: err.Error()}
	}
	return err
}
