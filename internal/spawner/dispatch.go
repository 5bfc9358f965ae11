package spawner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/opsbutler/butler/internal/approvals"
	"github.com/opsbutler/butler/internal/executor"
	"github.com/opsbutler/butler/internal/module"
)

// dispatchRequest mirrors a worker's tool-call body posted to the local
// tool-dispatch endpoint — the worker process itself is a documented
// black box; this is the one HTTP contract it must speak.
type dispatchRequest struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

type dispatchResponse struct {
	Status   string  `json:"status"` // "ok" | "pending_approval" | "error"
	ActionID string  `json:"action_id,omitempty"`
	Result   any     `json:"result,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// dispatchServer is the per-session local HTTP endpoint a worker subprocess
// calls into for every tool invocation; it routes gated tools through the
// approval Gate and ungated tools directly to their handler, structured as
// a small fixed set of endpoints over a mux with typed JSON request/response
// bodies.
type dispatchServer struct {
	server   *http.Server
	gate     *approvals.Gate
	registry *executor.Registry
	modules  *module.Registry
}

func newDispatchServer(gate *approvals.Gate, registry *executor.Registry, modules *module.Registry) *dispatchServer {
	d := &dispatchServer{gate: gate, registry: registry, modules: modules}
	mux := http.NewServeMux()
	mux.HandleFunc("/tools/call", d.handleCall)
	d.server = &http.Server{Handler: mux, ReadTimeout: 30 * time.Second, WriteTimeout: 30 * time.Second}
	return d
}

// start binds an ephemeral local port and returns its address so the caller
// can pass it to the worker's environment.
func (d *dispatchServer) start(ctx context.Context) (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("dispatch: listen: %w", err)
	}
	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("dispatch server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.server.Shutdown(shutdownCtx)
	}()
	return "http://" + ln.Addr().String(), nil
}

func (d *dispatchServer) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.server.Shutdown(ctx)
}

func (d *dispatchServer) handleCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, dispatchResponse{Status: "error", Error: err.Error()})
		return
	}

	if err := d.modules.ValidateArgs(req.Tool, req.Args); err != nil {
		writeJSON(w, http.StatusOK, dispatchResponse{Status: "error", Error: err.Error()})
		return
	}

	decision, err := d.gate.Handle(r.Context(), approvals.ToolCall{ToolName: req.Tool, Args: req.Args})
	if errors.Is(err, approvals.ErrNotGated) {
		result, callErr := d.registry.Call(r.Context(), req.Tool, req.Args)
		if callErr != nil {
			writeJSON(w, http.StatusOK, dispatchResponse{Status: "error", Error: callErr.Error()})
			return
		}
		writeJSON(w, http.StatusOK, dispatchResponse{Status: "ok", Result: result})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, dispatchResponse{Status: "error", Error: err.Error()})
		return
	}

	resp := dispatchResponse{Status: decision.Status, ActionID: decision.ActionID, Result: decision.Result, Error: decision.Error}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
