// Package rpc implements the JSON-RPC 2.0 surface engines expose at
// POST /api/v1. The client and server share the wire types here; engine
// method bindings live next to the engine interface.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
)

// Version is the fixed JSON-RPC protocol version.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes, plus the engine-specific range.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	// CodeVMNotFound is returned when an operation targets an unknown VM.
	CodeVMNotFound = -32001
	// CodeAgentUnavailable is returned when the guest agent cannot be reached.
	CodeAgentUnavailable = -32002
	// CodeEngineTimeout is returned when an engine-side wait ran out.
	CodeEngineTimeout = -32003
	// CodeTemplateNotFound is returned when a clone source does not exist.
	CodeTemplateNotFound = -32004
)

// Error is a JSON-RPC error object. It is distinct from transport errors:
// receiving one means the engine answered and rejected the call.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ErrTransport marks failures where no JSON-RPC response was obtained
// (connection refused, timeouts, malformed bodies, HTTP-level failures).
var ErrTransport = errors.New("rpc transport failure")

// AsError unwraps a JSON-RPC error object from err, if present.
func AsError(err error) (*Error, bool) {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}

// Request is a single JSON-RPC 2.0 call. Params is always a JSON object;
// keyword arguments keep the wire format self-describing.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      int64           `json:"id"`
}

// Response is a JSON-RPC 2.0 reply; exactly one of Result and Err is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Err     *Error          `json:"error,omitempty"`
	ID      *int64          `json:"id"`
}

// NetworkInfo is the result shape of get_vm_network_info.
type NetworkInfo struct {
	IPAddress  string `json:"ip_address"`
	SubnetMask string `json:"subnet_mask"`
}

// Usable reports whether the address is a routable IPv4 address. Guests that
// have not finished DHCP report a link-local (169.254/16) autoconfiguration
// address, which callers must not treat as reachable.
func (n *NetworkInfo) Usable() bool {
	addr, err := netip.ParseAddr(n.IPAddress)
	if err != nil {
		return false
	}
	return addr.Is4() && !addr.IsLinkLocalUnicast()
}
