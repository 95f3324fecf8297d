package engine

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/velesio/atrium/internal/rpc"
)

// fakeEngine is a minimal in-memory Engine for round-trip tests.
type fakeEngine struct {
	vms       map[string]bool // name -> running
	templates map[string]bool
	lastCmd   []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		vms:       map[string]bool{},
		templates: map[string]bool{"UbuntuDev": true},
	}
}

func (f *fakeEngine) StartVM(ctx context.Context, name string) (string, error) {
	if _, ok := f.vms[name]; !ok {
		return "", ErrVMNotFound
	}
	f.vms[name] = true
	return "OK", nil
}

func (f *fakeEngine) StopVM(ctx context.Context, name string) (string, error) {
	if _, ok := f.vms[name]; !ok {
		return "", ErrVMNotFound
	}
	f.vms[name] = false
	return "OK", nil
}

func (f *fakeEngine) RebootVM(ctx context.Context, name string) (string, error) {
	return f.StartVM(ctx, name)
}

func (f *fakeEngine) CreateVM(ctx context.Context, templateName, vmName string) (string, error) {
	if !f.templates[templateName] {
		return "", ErrTemplateNotFound
	}
	f.vms[vmName] = false
	return "VM created successfully", nil
}

func (f *fakeEngine) DeleteVM(ctx context.Context, name string) (string, error) {
	if _, ok := f.vms[name]; !ok {
		return "VM does not exist", nil
	}
	delete(f.vms, name)
	return "VM deleted successfully", nil
}

func (f *fakeEngine) GetVMNetworkInfo(ctx context.Context, name string) (*rpc.NetworkInfo, error) {
	if _, ok := f.vms[name]; !ok {
		return nil, ErrVMNotFound
	}
	return &rpc.NetworkInfo{IPAddress: "10.0.0.7", SubnetMask: "255.255.255.0"}, nil
}

func (f *fakeEngine) RunCommandOnVM(ctx context.Context, name string, command []string) (string, error) {
	if _, ok := f.vms[name]; !ok {
		return "", ErrVMNotFound
	}
	f.lastCmd = command
	return strings.Join(command, " "), nil
}

func (f *fakeEngine) IsVMRunning(ctx context.Context, name string) (bool, error) {
	running, ok := f.vms[name]
	if !ok {
		return false, ErrVMNotFound
	}
	return running, nil
}

func (f *fakeEngine) IsAgentRunning(ctx context.Context, name string) (bool, error) {
	return f.vms[name], nil
}

func (f *fakeEngine) GetResourceUsage(ctx context.Context) (map[string]any, error) {
	return map[string]any{"memory": float64(1024)}, nil
}

func (f *fakeEngine) GetVMConfig(ctx context.Context, name string) (map[string]any, error) {
	if _, ok := f.vms[name]; !ok {
		return nil, ErrVMNotFound
	}
	return map[string]any{"name": name}, nil
}

func (f *fakeEngine) GetTemplateConfig(ctx context.Context, templateName string) (map[string]any, error) {
	if !f.templates[templateName] {
		return nil, ErrTemplateNotFound
	}
	return map[string]any{"name": templateName, "template": true}, nil
}

func (f *fakeEngine) VMExists(ctx context.Context, name string) (bool, error) {
	_, ok := f.vms[name]
	return ok, nil
}

func (f *fakeEngine) GetAllVMNames(ctx context.Context) ([]string, error) {
	names := make([]string, 0, len(f.vms))
	for name := range f.vms {
		names = append(names, name)
	}
	return names, nil
}

func TestServiceRoundTrip(t *testing.T) {
	ctx := context.Background()
	eng := newFakeEngine()
	srv := httptest.NewServer(NewService(eng))
	defer srv.Close()

	client := rpc.NewClient(srv.URL)

	status, err := client.CreateVM(ctx, "UbuntuDev", "AliceUbuntuDev20260102150405")
	if err != nil {
		t.Fatalf("create_vm: %v", err)
	}
	if status != "VM created successfully" {
		t.Fatalf("unexpected create status %q", status)
	}

	if _, err := client.StartVM(ctx, "AliceUbuntuDev20260102150405"); err != nil {
		t.Fatalf("start_vm: %v", err)
	}

	running, err := client.IsVMRunning(ctx, "AliceUbuntuDev20260102150405")
	if err != nil || !running {
		t.Fatalf("is_vm_running = %v, %v; want true, nil", running, err)
	}

	info, err := client.GetVMNetworkInfo(ctx, "AliceUbuntuDev20260102150405")
	if err != nil {
		t.Fatalf("get_vm_network_info: %v", err)
	}
	if info.IPAddress != "10.0.0.7" || info.SubnetMask != "255.255.255.0" {
		t.Fatalf("unexpected network info %+v", info)
	}

	out, err := client.RunCommandOnVM(ctx, "AliceUbuntuDev20260102150405", []string{"ipconfig", "/all"})
	if err != nil {
		t.Fatalf("run_command_on_vm: %v", err)
	}
	if out != "ipconfig /all" {
		t.Fatalf("unexpected command output %q", out)
	}

	names, err := client.GetAllVMNames(ctx)
	if err != nil || len(names) != 1 {
		t.Fatalf("get_all_vm_names = %v, %v", names, err)
	}

	if _, err := client.DeleteVM(ctx, "AliceUbuntuDev20260102150405"); err != nil {
		t.Fatalf("delete_vm: %v", err)
	}
	exists, err := client.VMExists(ctx, "AliceUbuntuDev20260102150405")
	if err != nil || exists {
		t.Fatalf("vm_exists after delete = %v, %v; want false, nil", exists, err)
	}
}

func TestServiceTypedErrors(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(NewService(newFakeEngine()))
	defer srv.Close()

	client := rpc.NewClient(srv.URL)

	_, err := client.CreateVM(ctx, "NoSuchTemplate", "SomeVM")
	rpcErr, ok := rpc.AsError(err)
	if !ok || rpcErr.Code != rpc.CodeTemplateNotFound {
		t.Fatalf("create_vm unknown template: got %v, want code %d", err, rpc.CodeTemplateNotFound)
	}

	_, err = client.StartVM(ctx, "Ghost")
	rpcErr, ok = rpc.AsError(err)
	if !ok || rpcErr.Code != rpc.CodeVMNotFound {
		t.Fatalf("start_vm missing VM: got %v, want code %d", err, rpc.CodeVMNotFound)
	}

	// is_vm_running must not error for unknown VMs.
	running, err := client.IsVMRunning(ctx, "Ghost")
	if err != nil || running {
		t.Fatalf("is_vm_running missing VM = %v, %v; want false, nil", running, err)
	}
}

func TestServiceDeleteMissingVMIsNoop(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(NewService(newFakeEngine()))
	defer srv.Close()

	status, err := rpc.NewClient(srv.URL).DeleteVM(ctx, "NeverExisted")
	if err != nil {
		t.Fatalf("delete_vm: %v", err)
	}
	if status != "VM does not exist" {
		t.Fatalf("unexpected status %q", status)
	}
}

var _ Engine = (*fakeEngine)(nil)

func TestMapError(t *testing.T) {
	cases := []struct {
		in   error
		code int
	}{
		{ErrVMNotFound, rpc.CodeVMNotFound},
		{ErrTemplateNotFound, rpc.CodeTemplateNotFound},
		{ErrTimeout, rpc.CodeEngineTimeout},
	}
	for _, tc := range cases {
		var rpcErr *rpc.Error
		if !errors.As(mapError(tc.in), &rpcErr) {
			t.Fatalf("mapError(%v) did not produce *rpc.Error", tc.in)
		}
		if rpcErr.Code != tc.code {
			t.Fatalf("mapError(%v) code = %d, want %d", tc.in, rpcErr.Code, tc.code)
		}
	}

	plain := errors.New("plain")
	if got := mapError(plain); got != plain {
		t.Fatalf("mapError passed through = %v, want %v", got, plain)
	}
}
