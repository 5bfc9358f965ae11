// Package webhook is the Switchboard's HTTP webhook ingress connector: it
// exposes POST /webhooks/{source}, authenticates the caller, and turns the
// delivery into a switchboard.InboundEvent. Adapted from an earlier
// internal/ruriko/webhook proxy, which forwarded authenticated deliveries to
// an agent's ACP endpoint; this connector instead forwards straight into a
// switchboard.Router's Ingest, since there is no second agent process
// downstream of a webhook delivery here — the butler is the agent.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/opsbutler/butler/internal/switchboard"
)

// maxBodyBytes caps inbound webhook bodies, same limit a webhook proxy
// enforces to avoid memory exhaustion from an oversized delivery.
const maxBodyBytes = 1 * 1024 * 1024

// Source is one configured webhook endpoint: /webhooks/{Name}.
type Source struct {
	Name     string
	AuthType string // "bearer" | "hmac-sha256"
	Secret   string // bearer token, or the HMAC key
}

// Config configures the Connector.
type Config struct {
	Addr    string
	Sources []Source
}

// Connector runs an HTTP server that authenticates and ingests webhook
// deliveries into a switchboard.Router. Each configured Source maps to its
// own path and its own bearer token or HMAC secret, so one butler can
// expose several independently-authenticated webhook endpoints (e.g. a
// GitHub source and a monitoring-alert source) without sharing credentials.
type Connector struct {
	srv     *http.Server
	router  *switchboard.Router
	sources map[string]Source
	log     *slog.Logger
}

// New creates a Connector. Call Start to begin listening.
func New(cfg Config, router *switchboard.Router, log *slog.Logger) *Connector {
	sources := make(map[string]Source, len(cfg.Sources))
	for _, s := range cfg.Sources {
		sources[s.Name] = s
	}
	c := &Connector{router: router, sources: sources, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhooks/", c.handleWebhook)
	c.srv = &http.Server{Addr: cfg.Addr, Handler: mux}
	return c
}

// Start begins listening in the background. A listen failure after startup
// (port already bound, permissions) is logged, matching a fail-open startup
// health server's fire-and-forget ListenAndServe goroutine.
func (c *Connector) Start() {
	go func() {
		if err := c.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.log.Error("webhook connector: listen failed", "addr", c.srv.Addr, "error", err)
		}
	}()
}

// Stop gracefully shuts the listener down.
func (c *Connector) Stop() {
	c.srv.Close() //nolint:errcheck
}

func (c *Connector) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/webhooks/")
	source, ok := c.sources[name]
	if !ok {
		http.Error(w, "unknown source", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	authType := source.AuthType
	if authType == "" {
		authType = "bearer"
	}
	switch authType {
	case "bearer":
		if err := validateBearer(r, source.Secret); err != nil {
			c.log.Info("webhook connector: bearer auth failed", "source", name, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	case "hmac-sha256":
		if err := validateHMAC(r, body, source.Secret); err != nil {
			c.log.Info("webhook connector: hmac auth failed", "source", name, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	default:
		c.log.Error("webhook connector: unsupported auth type", "source", name, "auth_type", authType)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	eventID := r.Header.Get("X-Event-Id")
	if eventID == "" {
		eventID = fmt.Sprintf("%s-%d", name, time.Now().UnixNano())
	}

	err = c.router.Ingest(r.Context(), switchboard.InboundEvent{
		ChannelType:      "webhook:" + name,
		EndpointIdentity: r.RemoteAddr,
		ExternalEventID:  eventID,
		RawPayload:       body,
		NormalizedText:   string(body),
	})
	switch {
	case errors.Is(err, switchboard.ErrRateLimited):
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	case errors.Is(err, switchboard.ErrNoRoute):
		http.Error(w, "no route configured for this source", http.StatusNotFound)
	case err != nil:
		c.log.Error("webhook connector: ingest failed", "source", name, "error", err)
		http.Error(w, "ingest failed", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func validateBearer(r *http.Request, secret string) error {
	if secret == "" {
		return nil
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return fmt.Errorf("missing or malformed Authorization header")
	}
	if strings.TrimPrefix(auth, prefix) != secret {
		return fmt.Errorf("invalid bearer token")
	}
	return nil
}

func validateHMAC(r *http.Request, body []byte, secret string) error {
	if secret == "" {
		return fmt.Errorf("no hmac secret configured for this source")
	}
	sigHdr := r.Header.Get("X-Hub-Signature-256")
	const prefix = "sha256="
	if !strings.HasPrefix(sigHdr, prefix) {
		return fmt.Errorf("missing or malformed X-Hub-Signature-256 header")
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(sigHdr, prefix))
	if err != nil {
		return fmt.Errorf("invalid hex in X-Hub-Signature-256: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return fmt.Errorf("hmac signature mismatch")
	}
	return nil
}
