package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/localrouter/localrouter/accesslog"
	"github.com/localrouter/localrouter/clients"
	"github.com/localrouter/localrouter/firewall"
	"github.com/localrouter/localrouter/internal/logging"
	"github.com/localrouter/localrouter/internal/metrics"
	ipthrottle "github.com/localrouter/localrouter/internal/ratelimit"
	"github.com/localrouter/localrouter/lrerrors"
	"github.com/localrouter/localrouter/mcpgateway"
	"github.com/localrouter/localrouter/mcpmanager"
	"github.com/localrouter/localrouter/models"
	"github.com/localrouter/localrouter/permissions"
	"github.com/localrouter/localrouter/providers"
	"github.com/localrouter/localrouter/router"
)

// Server holds every wired component and exposes the HTTP surface (spec
// §6 External Interfaces): chat completions, the MCP gateway endpoint and
// its per-server passthrough/stream companions, the approval resolution
// endpoint, and the Prometheus /metrics scrape target.
type Server struct {
	Router    *router.Router
	Gateway   *mcpgateway.Gateway
	Manager   mcpmanager.Manager
	Broker    *firewall.Broker
	Clients   *clients.Manager
	AccessLog accesslog.Tracker
	Catalog   models.Catalog

	// ipThrottle bounds request volume per remote address before
	// authentication runs at all, protecting the process from an
	// unauthenticated request flood. This is independent of
	// ratelimit.Engine's per-client token/cost quotas, which only see
	// traffic that has already authenticated.
	ipThrottle *ipthrottle.Store
}

// newIPThrottle builds the default per-IP floor: 20 requests/sec
// sustained with a burst of 40, shared across every route.
func newIPThrottle() *ipthrottle.Store {
	return ipthrottle.NewStore(20, 40)
}

func (s *Server) throttleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.ipThrottle != nil {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			if !s.ipThrottle.Allow(host) {
				writeJSONError(w, lrerrors.New(lrerrors.RateLimited, "too many requests from this address"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logging.Middleware)
	r.Use(s.throttleMiddleware)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Get("/v1/models", s.handleModels)

	r.Post("/", s.handleMCPGateway)
	r.Post("/mcp/{serverID}", s.handleMCPPassthrough)
	r.Post("/mcp/{serverID}/stream", s.handleMCPStream)

	r.Post("/approvals/{id}/resolve", s.handleApprovalResolve)

	return r
}

func (s *Server) authenticate(r *http.Request) (*clients.Client, error) {
	auth := r.Header.Get("Authorization")
	secret, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || secret == "" {
		return nil, lrerrors.New(lrerrors.Unauthorized, "missing bearer token")
	}
	c, ok := s.Clients.VerifySecret(r.Context(), secret)
	if !ok {
		return nil, lrerrors.New(lrerrors.Unauthorized, "invalid api key")
	}
	return c, nil
}

func writeJSONError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(lrerrors.KindOf(err).HTTPStatus())
	_ = json.NewEncoder(w).Encode(lrerrors.ToBody(err))
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	client, err := s.authenticate(r)
	if err != nil {
		writeJSONError(w, err)
		return
	}

	var req providers.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, lrerrors.Wrap(lrerrors.Validation, "invalid request body", err))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONError(w, lrerrors.Wrap(lrerrors.Validation, err.Error(), err))
		return
	}

	if req.Stream {
		s.handleChatCompletionsStream(w, r, client, req)
		return
	}

	start := time.Now()
	resp, err := s.Router.Complete(r.Context(), client.ID, req)
	duration := time.Since(start)

	if err != nil {
		metrics.RequestsTotal.WithLabelValues("", req.Model, "error").Inc()
		writeJSONError(w, err)
		return
	}
	status := "success"

	metrics.RequestsTotal.WithLabelValues(resp.Provider, resp.Model, status).Inc()
	metrics.RequestDuration.WithLabelValues(resp.Provider, resp.Model).Observe(duration.Seconds())
	metrics.TokensInput.WithLabelValues(resp.Provider, resp.Model).Add(float64(resp.Usage.PromptTokens))
	metrics.TokensOutput.WithLabelValues(resp.Provider, resp.Model).Add(float64(resp.Usage.CompletionTokens))

	s.logGeneration(r.Context(), client, req, resp, duration)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleChatCompletionsStream serves req.Stream == true via
// router.Router.StreamComplete, relaying each providers.StreamChunk as
// an OpenAI-compatible "data: {...}\n\n" SSE event terminated by
// "data: [DONE]\n\n". Rate-limit usage accounting happens inside the
// Router's stream-tracking goroutine (spec §4.3), not here. Streamed
// completions are not written to the access log.
func (s *Server) handleChatCompletionsStream(w http.ResponseWriter, r *http.Request, client *clients.Client, req providers.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, lrerrors.New(lrerrors.Internal, "streaming unsupported by response writer"))
		return
	}

	stream, err := s.Router.StreamComplete(r.Context(), client.ID, req)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("", req.Model, "error").Inc()
		writeJSONError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range stream {
		if chunk.Error != nil {
			payload, _ := json.Marshal(lrerrors.ToBody(chunk.Error))
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			break
		}
		payload, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
	metrics.RequestsTotal.WithLabelValues("", req.Model, "success").Inc()
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// logGeneration computes the catalog-accurate cost breakdown and appends
// one immutable Generation record (spec §2.J / §3). Logging failures are
// warned, never surfaced to the caller -- the completion already
// succeeded.
func (s *Server) logGeneration(ctx context.Context, client *clients.Client, req providers.Request, resp *providers.Response, duration time.Duration) {
	modelKey := resp.Provider + "/" + resp.Model
	cost := models.Calculate(s.Catalog, modelKey, models.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		ReasoningTokens:  resp.Usage.ReasoningTokens,
		CacheReadTokens:  resp.Usage.CacheReadTokens,
		CacheWriteTokens: resp.Usage.CacheWriteTokens,
	})

	finishReason := ""
	if len(resp.Choices) > 0 {
		finishReason = resp.Choices[0].FinishReason
	}

	g := accesslog.Generation{
		ID:               uuid.NewString(),
		ClientID:         client.ID,
		Model:            resp.Model,
		Provider:         resp.Provider,
		FinishReason:     finishReason,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		CostUSD:          cost.TotalUSD,
		Stream:           req.Stream,
		DurationMS:       duration.Milliseconds(),
	}
	if err := s.AccessLog.Write(ctx, g); err != nil {
		logging.Logger.Warn("access log write failed", "error", err, "client", client.ID)
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		writeJSONError(w, err)
		return
	}
	models := s.Router.Providers.AllModels()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"object": "list", "data": models})
}

func (s *Server) handleMCPGateway(w http.ResponseWriter, r *http.Request) {
	client, err := s.authenticate(r)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	var req mcpmanager.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, lrerrors.Wrap(lrerrors.Validation, "invalid JSON-RPC request", err))
		return
	}
	resp := s.Gateway.HandleRequest(r.Context(), client.ID, req)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleMCPPassthrough forwards a raw JSON-RPC request directly to one
// upstream server, bypassing namespace merging -- for clients that
// already know which server they want (spec §6 expansion).
func (s *Server) handleMCPPassthrough(w http.ResponseWriter, r *http.Request) {
	client, err := s.authenticate(r)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	serverID := chi.URLParam(r, "serverID")
	if !clientAllowedServer(client, serverID) {
		writeJSONError(w, lrerrors.New(lrerrors.Forbidden, "client not permitted to access server "+serverID))
		return
	}

	var req mcpmanager.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, lrerrors.Wrap(lrerrors.Validation, "invalid JSON-RPC request", err))
		return
	}
	resp, err := s.Manager.Send(r.Context(), serverID, req, mcpgateway.DispatchTimeout)
	if err != nil {
		writeJSONError(w, lrerrors.Wrap(lrerrors.Mcp, "upstream dispatch failed", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleMCPStream offers an SSE companion to the passthrough endpoint for
// servers that advertise streaming support. The reference StdioManager
// transport is request/response (not incrementally streamed), so this
// emits the single upstream response as one SSE event rather than a true
// token-by-token stream -- a real streaming-capable Manager implementation
// would push multiple events here instead.
func (s *Server) handleMCPStream(w http.ResponseWriter, r *http.Request) {
	client, err := s.authenticate(r)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	serverID := chi.URLParam(r, "serverID")
	if !clientAllowedServer(client, serverID) {
		writeJSONError(w, lrerrors.New(lrerrors.Forbidden, "client not permitted to access server "+serverID))
		return
	}
	if !s.Manager.SupportsStreaming(serverID) {
		writeJSONError(w, lrerrors.New(lrerrors.Validation, "server does not support streaming"))
		return
	}

	var req mcpmanager.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, lrerrors.Wrap(lrerrors.Validation, "invalid JSON-RPC request", err))
		return
	}
	resp, err := s.Manager.Send(r.Context(), serverID, req, mcpgateway.DispatchTimeout)
	if err != nil {
		writeJSONError(w, lrerrors.Wrap(lrerrors.Mcp, "upstream dispatch failed", err))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, lrerrors.New(lrerrors.Internal, "streaming unsupported by response writer"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	payload, _ := json.Marshal(resp)
	fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
	flusher.Flush()
}

func clientAllowedServer(c *clients.Client, serverID string) bool {
	return c.MCPServerPermissions.Resolve(permissions.Key{Specific: serverID})
}

func (s *Server) handleApprovalResolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Resolution string `json:"resolution"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, lrerrors.Wrap(lrerrors.Validation, "invalid request body", err))
		return
	}
	res, ok := parseResolution(body.Resolution)
	if !ok {
		writeJSONError(w, lrerrors.New(lrerrors.Validation, "unknown resolution: "+body.Resolution))
		return
	}
	if !s.Broker.Resolve(id, res) {
		writeJSONError(w, lrerrors.New(lrerrors.Validation, "no pending approval with id "+id))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

func parseResolution(s string) (firewall.Resolution, bool) {
	switch s {
	case "allow_once":
		return firewall.AllowOnce, true
	case "allow_session":
		return firewall.AllowSession, true
	case "allow_one_hour":
		return firewall.AllowOneHour, true
	case "allow_permanent":
		return firewall.AllowPermanent, true
	case "deny_once":
		return firewall.DenyOnce, true
	case "deny_session":
		return firewall.DenySession, true
	case "deny_always":
		return firewall.DenyAlways, true
	default:
		return firewall.DenyOnce, false
	}
}
