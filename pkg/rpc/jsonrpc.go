package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
)

const jsonRPCVersion = "2.0"

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      uint64 `json:"id"`
}

// Response is a JSON-RPC 2.0 response or subscription notification.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error object of a failed call.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// envelope is the node's wrapper around every result.
type envelope[T any] struct {
	Data     T               `json:"data"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// jsonRPC issues calls over an HTTPClient.
type jsonRPC struct {
	http   *HTTPClient
	nextID atomic.Uint64
}

func (j *jsonRPC) newRequest(method string, params ...any) Request {
	if params == nil {
		params = []any{}
	}
	return Request{JSONRPC: jsonRPCVersion, Method: method, Params: params, ID: j.nextID.Add(1)}
}

// call runs method and decodes result.data into out.
func call[T any](ctx context.Context, j *jsonRPC, method string, params ...any) (T, error) {
	var zero T
	var resp Response
	if err := j.http.doJSON(ctx, http.MethodPost, "", j.newRequest(method, params...), &resp); err != nil {
		return zero, fmt.Errorf("%s: %w", method, err)
	}
	if resp.Error != nil {
		return zero, fmt.Errorf("%s: %w", method, resp.Error)
	}
	var env envelope[T]
	if err := json.Unmarshal(resp.Result, &env); err != nil {
		return zero, fmt.Errorf("%s: decode result: %w", method, err)
	}
	return env.Data, nil
}
