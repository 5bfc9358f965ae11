// Package dashboard implements the read-mostly dashboard HTTP API: schedules, the approvals queue and its decisions/rules, the
// session timeline, and the audit log. It is grounded on an earlier
// internal/gitai/control.Server — a small http.ServeMux, typed JSON
// request/response bodies, a Handlers-style bundle of callbacks per
// butler — generalized from one agent to a named set of butlers, since one
// daemon process can host several.
//
// Every mutating endpoint (approve, reject, rule creation, schedule toggle)
// calls into the owning subsystem's own store/gate API rather than issuing
// SQL directly against a table family it doesn't own.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/opsbutler/butler/internal/approvals"
	"github.com/opsbutler/butler/internal/identity"
	"github.com/opsbutler/butler/internal/scheduler"
	"github.com/opsbutler/butler/internal/spawner"
	"github.com/opsbutler/butler/internal/storage"
)

// Butler bundles the per-butler handles the dashboard reads from and writes
// through.
type Butler struct {
	Gate      *approvals.Gate
	Scheduler *scheduler.Store
	Sessions  *spawner.Store
}

// OpenButler opens an existing butler database at dbPath and wires just the
// handles the dashboard needs to read and mutate through: it never spawns
// workers, runs the scheduler loop, or constructs a full app.App, since the
// dashboard process is a read-mostly API fanning out across per-butler
// databases rather than a second copy of the running daemon.
func OpenButler(dbPath string) (*Butler, error) {
	db, err := storage.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("dashboard: open %s: %w", dbPath, err)
	}
	resolver := identity.New(db)
	gate := approvals.NewGate(approvals.NewStore(db), resolver, approvals.Config{}, nil)
	return &Butler{
		Gate:      gate,
		Scheduler: scheduler.NewStore(db),
		Sessions:  spawner.NewStore(db),
	}, nil
}

// Server is the dashboard HTTP API.
type Server struct {
	butlers map[string]*Butler
	server  *http.Server
	log     *slog.Logger
}

// New creates a dashboard Server bound to host:port, serving the given
// named butlers.
func New(host string, port int, butlers map[string]*Butler, log *slog.Logger) *Server {
	s := &Server{butlers: butlers, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/butlers/", s.route)
	s.server = &http.Server{
		Addr:         net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start begins listening; it returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("dashboard listen %s: %w", s.server.Addr, err)
	}
	s.log.Info("dashboard listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("dashboard server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()
	return nil
}

// Stop gracefully shuts the dashboard down.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
}

// ServeHTTP lets tests drive the dashboard's routing through an
// httptest.Server without binding a real listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.Handler.ServeHTTP(w, r)
}

// route dispatches /butlers/{name}/{resource}[/{id}[/{action}]] requests.
// A single catch-all handler (rather than one mux entry per resource) keeps
// the {name} path segment from colliding with Go's ServeMux pattern
// matching, the same tradeoff accepted by keeping the control mux this is
// grounded on flat and small.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// parts[0] == "butlers"
	if len(parts) < 3 {
		writeError(w, http.StatusNotFound, "BUTLER_NOT_FOUND", "", "missing butler name or resource")
		return
	}
	butlerName, resource := parts[1], parts[2]
	b, ok := s.butlers[butlerName]
	if !ok {
		writeError(w, http.StatusNotFound, "BUTLER_NOT_FOUND", butlerName, fmt.Sprintf("unknown butler %q", butlerName))
		return
	}
	rest := parts[3:]

	switch resource {
	case "schedules":
		s.handleSchedules(w, r, b, butlerName, rest)
	case "approvals":
		s.handleApprovals(w, r, b, butlerName, rest)
	case "timeline":
		s.handleTimeline(w, r, b, butlerName)
	default:
		writeError(w, http.StatusNotFound, "BUTLER_NOT_FOUND", butlerName, fmt.Sprintf("unknown resource %q", resource))
	}
}

// --- schedules ---

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request, b *Butler, butlerName string, rest []string) {
	ctx := r.Context()
	switch {
	case r.Method == http.MethodGet && len(rest) == 0:
		tasks, err := b.Scheduler.List(ctx)
		if err != nil {
			writeError(w, http.StatusBadGateway, "BUTLER_UNREACHABLE", butlerName, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, tasks)

	case r.Method == http.MethodPost && len(rest) == 2 && rest[1] == "toggle":
		taskID := rest[0]
		var body struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", butlerName, err.Error())
			return
		}
		if err := b.Scheduler.SetEnabled(ctx, taskID, body.Enabled); err != nil {
			if errors.Is(err, scheduler.ErrNotFound) {
				writeError(w, http.StatusNotFound, "BUTLER_NOT_FOUND", butlerName, "task not found")
				return
			}
			writeError(w, http.StatusBadGateway, "BUTLER_UNREACHABLE", butlerName, err.Error())
			return
		}
		w.WriteHeader(http.StatusOK)

	default:
		writeError(w, http.StatusNotFound, "BUTLER_NOT_FOUND", butlerName, "unknown schedules route")
	}
}

// --- approvals ---

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request, b *Butler, butlerName string, rest []string) {
	ctx := r.Context()
	switch {
	case r.Method == http.MethodGet && len(rest) == 0:
		status := approvals.Status(r.URL.Query().Get("status"))
		if status == "" {
			status = approvals.StatusPending
		}
		if status == approvals.StatusPending {
			if _, err := b.Gate.ExpireStale(ctx, time.Now()); err != nil {
				s.log.Warn("dashboard: expire stale approvals failed", "butler", butlerName, "error", err)
			}
		}
		actions, err := b.Gate.Store().ListActions(ctx, approvals.ActionFilter{Status: status, Limit: 100})
		if err != nil {
			writeError(w, http.StatusBadGateway, "BUTLER_UNREACHABLE", butlerName, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, actions)

	case r.Method == http.MethodPost && len(rest) == 2 && (rest[1] == "approve" || rest[1] == "reject"):
		actionID := rest[0]
		var body struct {
			Actor  string `json:"actor"`
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", butlerName, err.Error())
			return
		}
		if body.Actor == "" {
			body.Actor = "dashboard"
		}
		var decision *approvals.Decision
		var err error
		if rest[1] == "approve" {
			decision, err = b.Gate.Approve(ctx, actionID, body.Actor, body.Reason)
		} else {
			decision, err = b.Gate.Reject(ctx, actionID, body.Actor, body.Reason)
		}
		if err != nil {
			writeError(w, http.StatusConflict, "VALIDATION_ERROR", butlerName, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, decision)

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "rules":
		var spec approvals.RuleSpec
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", butlerName, err.Error())
			return
		}
		rule, err := b.Gate.CreateRule(ctx, spec, "dashboard")
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", butlerName, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rule)

	case r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "audit":
		actions, err := b.Gate.ListExecuted(ctx, approvals.ActionFilter{Limit: 200})
		if err != nil {
			writeError(w, http.StatusBadGateway, "BUTLER_UNREACHABLE", butlerName, err.Error())
			return
		}
		flagged, err := b.Gate.Store().ListNeedsReconciliation(ctx)
		if err != nil {
			writeError(w, http.StatusBadGateway, "BUTLER_UNREACHABLE", butlerName, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, append(actions, flagged...))

	default:
		writeError(w, http.StatusNotFound, "BUTLER_NOT_FOUND", butlerName, "unknown approvals route")
	}
}

// --- timeline ---

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request, b *Butler, butlerName string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "BUTLER_NOT_FOUND", butlerName, "method not allowed")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	sessions, err := b.Sessions.ListByButler(r.Context(), butlerName, limit)
	if err != nil {
		writeError(w, http.StatusBadGateway, "BUTLER_UNREACHABLE", butlerName, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// --- helpers ---

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Butler  string `json:"butler,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, code, butler, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message, Butler: butler}})
}
