package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/velesio/atrium/internal/logging"
	"github.com/velesio/atrium/internal/observability"
)

// HandlerFunc serves a single JSON-RPC method. Returning a *Error produces
// that error object on the wire; any other error becomes CodeInternal.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Server dispatches JSON-RPC 2.0 requests to registered methods. It is an
// http.Handler intended to be mounted at /api/v1.
type Server struct {
	methods map[string]HandlerFunc
}

// NewServer returns an empty method registry.
func NewServer() *Server {
	return &Server{methods: make(map[string]HandlerFunc)}
}

// Register binds a method name to a handler. Registration happens during
// startup, before ServeHTTP is reachable; no locking.
func (s *Server) Register(name string, h HandlerFunc) {
	s.methods[name] = h
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, &Response{
			JSONRPC: Version,
			Err:     &Error{Code: CodeParse, Message: "parse error", Data: err.Error()},
		})
		return
	}

	resp := s.dispatch(r.Context(), &req)
	writeResponse(w, resp)
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	resp := &Response{JSONRPC: Version, ID: &req.ID}

	if req.JSONRPC != Version || req.Method == "" {
		resp.Err = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
		return resp
	}

	handler, ok := s.methods[req.Method]
	if !ok {
		resp.Err = &Error{Code: CodeMethodNotFound, Message: "method not found: " + req.Method}
		return resp
	}

	ctx, span := observability.StartServerSpan(ctx, "rpc.serve",
		observability.AttrRPCMethod.String(req.Method))
	defer span.End()

	result, err := handler(ctx, req.Params)
	if err != nil {
		observability.SetSpanError(span, err)
		logging.Op().Warn("rpc method failed", "method", req.Method, "error", err)

		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			resp.Err = rpcErr
		} else {
			resp.Err = &Error{Code: CodeInternal, Message: err.Error()}
		}
		return resp
	}

	raw, err := json.Marshal(result)
	if err != nil {
		resp.Err = &Error{Code: CodeInternal, Message: "marshal result: " + err.Error()}
		return resp
	}
	resp.Result = raw
	return resp
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// DecodeParams unmarshals the request params object into dst, mapping
// failures to CodeInvalidParams.
func DecodeParams(params json.RawMessage, dst any) error {
	if len(params) == 0 {
		return &Error{Code: CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return &Error{Code: CodeInvalidParams, Message: "invalid params", Data: err.Error()}
	}
	return nil
}
