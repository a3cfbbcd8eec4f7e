// Package jsonrpcserver allows exposing functions like:
// func Foo(context, int) (int, error)
// as JSON-RPC 2.0 methods over HTTP
package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

var (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeCustomError    = -32000
)

const (
	maxOriginIDLength = 255
	maxRequestBytes   = 1 << 20
	originHeader      = "x-router-origin"
)

type originKey struct{}

type JSONRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      any               `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type JSONRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      any              `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError    `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *any   `json:"data,omitempty"`
}

type Handler struct {
	log     *zap.Logger
	methods map[string]method
}

type Methods map[string]interface{}

// NewHandler creates JSONRPC http.Handler from the map that maps method names to method functions
// each method function must:
// - have context as a first argument
// - return error as a last argument
// - have argument types that can be unmarshalled from JSON
// - have return types that can be marshalled to JSON
func NewHandler(log *zap.Logger, methods Methods) (*Handler, error) {
	m := make(map[string]method, len(methods))
	for name, fn := range methods {
		parsed, err := newMethod(fn)
		if err != nil {
			return nil, fmt.Errorf("method %s: %w", name, err)
		}
		m[name] = parsed
	}
	return &Handler{
		log:     log.Named("jsonrpc"),
		methods: m,
	}, nil
}

func writeJSONRPCError(w http.ResponseWriter, id any, code int, msg string) {
	res := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: msg,
		},
	}
	writeResponse(w, res)
}

func writeResponse(w http.ResponseWriter, res JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func validID(id any) bool {
	switch id.(type) {
	case nil, string, float64:
		return true
	}
	return false
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeJSONRPCError(w, nil, CodeParseError, err.Error())
		return
	}
	if req.JSONRPC != "2.0" {
		writeJSONRPCError(w, req.ID, CodeInvalidRequest, "invalid jsonrpc version")
		return
	}
	if !validID(req.ID) {
		writeJSONRPCError(w, nil, CodeInvalidRequest, "invalid id type")
		return
	}

	ctx := r.Context()
	if origin := r.Header.Get(originHeader); origin != "" {
		if len(origin) > maxOriginIDLength {
			writeJSONRPCError(w, req.ID, CodeInvalidRequest, originHeader+" header is too long")
			return
		}
		ctx = context.WithValue(ctx, originKey{}, origin)
	}

	m, ok := h.methods[req.Method]
	if !ok {
		writeJSONRPCError(w, req.ID, CodeMethodNotFound, "method not found")
		return
	}

	result, err := h.call(ctx, req.Method, m, req.Params)
	if err != nil {
		code := CodeCustomError
		if errors.Is(err, ErrInvalidParams) {
			code = CodeInvalidParams
		}
		writeJSONRPCError(w, req.ID, code, err.Error())
		return
	}

	marshaledResult, err := json.Marshal(result)
	if err != nil {
		writeJSONRPCError(w, req.ID, CodeInternalError, err.Error())
		return
	}
	rawMessageResult := json.RawMessage(marshaledResult)
	writeResponse(w, JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  &rawMessageResult,
	})
}

func (h *Handler) call(ctx context.Context, name string, m method, params []json.RawMessage) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			h.log.Error("Method panicked", zap.String("method", name), zap.Any("panic", p))
			result, err = nil, ErrInternal
		}
	}()
	return m.call(ctx, params)
}

// GetOrigin returns the caller supplied origin id, if any
func GetOrigin(ctx context.Context) string {
	value, ok := ctx.Value(originKey{}).(string)
	if !ok {
		return ""
	}
	return value
}
