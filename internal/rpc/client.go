package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/velesio/atrium/internal/metrics"
	"github.com/velesio/atrium/internal/observability"
)

// Client is a stateless JSON-RPC 2.0 client bound to one engine endpoint.
// It is safe for concurrent use and cheap to recreate per call.
type Client struct {
	url  string
	http *http.Client
	seq  atomic.Int64
}

// NewClient returns a client for the given endpoint URL
// (http://host:port/api/v1).
func NewClient(url string) *Client {
	return &Client{
		url: url,
		// Engine calls block until server-observed completion; generous
		// client-side ceiling so slow clones do not get cut off.
		http: &http.Client{Timeout: 10 * time.Minute},
	}
}

// URL returns the endpoint this client talks to.
func (c *Client) URL() string {
	return c.url
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	ctx, span := observability.StartSpan(ctx, "rpc.call",
		observability.AttrRPCMethod.String(method),
		attribute.String("rpc.endpoint", c.url),
	)
	defer span.End()

	started := time.Now()
	err := c.doCall(ctx, method, params, out)
	metrics.RecordRPCCall(method, time.Since(started), err)
	if err != nil {
		observability.SetSpanError(span, err)
	}
	return err
}

func (c *Client) doCall(ctx context.Context, method string, params any, out any) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params for %s: %w", method, err)
	}

	req := Request{
		JSONRPC: Version,
		Method:  method,
		Params:  rawParams,
		ID:      c.seq.Add(1),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request for %s: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransport, method, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response for %s: %v", ErrTransport, method, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		// A well-formed error object may still ride on a non-2xx status.
		var resp Response
		if jsonErr := json.Unmarshal(respBody, &resp); jsonErr == nil && resp.Err != nil {
			return resp.Err
		}
		return fmt.Errorf("%w: %s: HTTP %d", ErrTransport, method, httpResp.StatusCode)
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return fmt.Errorf("%w: decode response for %s: %v", ErrTransport, method, err)
	}
	if resp.Err != nil {
		return resp.Err
	}
	if out != nil && resp.Result != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("%w: decode result for %s: %v", ErrTransport, method, err)
		}
	}
	return nil
}

type vmParams struct {
	VMName string `json:"vm_name"`
}

// StartVM asks the engine to start the VM. The engine returns once the
// transition is accepted; completion is observed via IsVMRunning.
func (c *Client) StartVM(ctx context.Context, vmName string) (string, error) {
	var status string
	err := c.call(ctx, "start_vm", vmParams{vmName}, &status)
	return status, err
}

// StopVM asks the engine to stop the VM.
func (c *Client) StopVM(ctx context.Context, vmName string) (string, error) {
	var status string
	err := c.call(ctx, "stop_vm", vmParams{vmName}, &status)
	return status, err
}

// RebootVM reboots a running VM, or starts a stopped one.
func (c *Client) RebootVM(ctx context.Context, vmName string) (string, error) {
	var status string
	err := c.call(ctx, "reboot_vm", vmParams{vmName}, &status)
	return status, err
}

// CreateVM clones template templateName into a new VM named vmName and
// returns once the engine observes the clone in its VM list.
func (c *Client) CreateVM(ctx context.Context, templateName, vmName string) (string, error) {
	params := struct {
		TemplateName string `json:"template_name"`
		VMName       string `json:"vm_name"`
	}{templateName, vmName}
	var status string
	err := c.call(ctx, "create_vm", params, &status)
	return status, err
}

// DeleteVM stops (if needed) and deletes the VM, returning once it is gone
// or the engine-side wait times out.
func (c *Client) DeleteVM(ctx context.Context, vmName string) (string, error) {
	var status string
	err := c.call(ctx, "delete_vm", vmParams{vmName}, &status)
	return status, err
}

// GetVMNetworkInfo returns the guest's IPv4 address and subnet mask.
func (c *Client) GetVMNetworkInfo(ctx context.Context, vmName string) (*NetworkInfo, error) {
	var info NetworkInfo
	if err := c.call(ctx, "get_vm_network_info", vmParams{vmName}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// RunCommandOnVM executes argv inside the guest and returns captured stdout.
func (c *Client) RunCommandOnVM(ctx context.Context, vmName string, command []string) (string, error) {
	params := struct {
		VMName  string   `json:"vm_name"`
		Command []string `json:"command"`
	}{vmName, command}
	var out string
	err := c.call(ctx, "run_command_on_vm", params, &out)
	return out, err
}

// IsVMRunning reports whether the VM is currently running.
func (c *Client) IsVMRunning(ctx context.Context, vmName string) (bool, error) {
	var running bool
	err := c.call(ctx, "is_vm_running", vmParams{vmName}, &running)
	return running, err
}

// IsAgentRunning reports whether the guest agent answers.
func (c *Client) IsAgentRunning(ctx context.Context, vmName string) (bool, error) {
	var running bool
	err := c.call(ctx, "is_agent_running", vmParams{vmName}, &running)
	return running, err
}

// GetResourceUsage returns the engine node's resource usage.
func (c *Client) GetResourceUsage(ctx context.Context) (map[string]any, error) {
	var usage map[string]any
	err := c.call(ctx, "get_resource_usage", struct{}{}, &usage)
	return usage, err
}

// GetVMConfig returns the hypervisor-side VM configuration.
func (c *Client) GetVMConfig(ctx context.Context, vmName string) (map[string]any, error) {
	var cfg map[string]any
	err := c.call(ctx, "get_vm_config", vmParams{vmName}, &cfg)
	return cfg, err
}

// GetTemplateConfig returns the hypervisor-side template configuration.
func (c *Client) GetTemplateConfig(ctx context.Context, templateName string) (map[string]any, error) {
	params := struct {
		TemplateName string `json:"template_name"`
	}{templateName}
	var cfg map[string]any
	err := c.call(ctx, "get_template_config", params, &cfg)
	return cfg, err
}

// VMExists reports whether a VM with the name exists on the engine.
func (c *Client) VMExists(ctx context.Context, vmName string) (bool, error) {
	var exists bool
	err := c.call(ctx, "vm_exists", vmParams{vmName}, &exists)
	return exists, err
}

// GetAllVMNames lists the names of every (non-template) VM on the engine.
func (c *Client) GetAllVMNames(ctx context.Context) ([]string, error) {
	var names []string
	err := c.call(ctx, "get_all_vm_names", struct{}{}, &names)
	return names, err
}
