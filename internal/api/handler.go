// Package api exposes the routing core over HTTP: one routing endpoint, a
// health summary, and Prometheus metrics.
package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/oropendola/modelgate"
	"github.com/oropendola/modelgate/pkg/entitlement"
	routeerrors "github.com/oropendola/modelgate/pkg/errors"
)

const maxBodyBytes = 4 << 20

// ErrorResponse is the error envelope for all failed requests.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Handler serves the gateway's HTTP surface.
type Handler struct {
	router  *modelgate.Router
	logger  *slog.Logger
	inbound *rate.Limiter
}

// NewHandler creates a handler around the routing core.
func NewHandler(router *modelgate.Router, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{router: router, logger: logger}
}

// SetInboundLimit installs a process-wide throttle in requests per second,
// applied before any per-account admission. Zero removes it. This is a load
// shedding guard for the gateway itself, distinct from plan rate limits.
func (h *Handler) SetInboundLimit(rps float64, burst int) {
	if rps <= 0 {
		h.inbound = nil
		return
	}
	if burst < 1 {
		burst = int(rps)
	}
	h.inbound = rate.NewLimiter(rate.Limit(rps), burst)
}

// RegisterRoutes registers all endpoints on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/route", h.Route)
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// routeEnvelope carries the admission fields piggybacked on the otherwise
// opaque payload.
type routeEnvelope struct {
	CostUnits        int64 `json:"cost_units"`
	MinContextWindow int   `json:"min_context_window"`
}

// Route handles POST /v1/route. The request body is forwarded to the
// winning backend as-is; cost_units and min_context_window are read out of
// it without stripping them.
func (h *Handler) Route(w http.ResponseWriter, r *http.Request) {
	if h.inbound != nil && !h.inbound.Allow() {
		h.writeError(w, routeerrors.NewRateLimited("gateway is shedding load", 1))
		return
	}

	apiKey, err := entitlement.ParseAuthHeader(r.Header.Get("Authorization"))
	if err != nil {
		h.writeError(w, routeerrors.NewUnauthorized("missing or malformed authorization header"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, routeerrors.NewInvalidRequest("unreadable request body"))
		return
	}

	var env routeEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		h.writeError(w, routeerrors.NewInvalidRequest("request body is not valid JSON"))
		return
	}

	resp, err := h.router.Route(r.Context(), modelgate.Request{
		APIKey:           apiKey,
		Payload:          body,
		CostUnits:        env.CostUnits,
		MinContextWindow: env.MinContextWindow,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", resp.RequestID)
	w.Header().Set("X-Routed-Model", resp.Model)
	if resp.Fallback {
		w.Header().Set("X-Fallback", "true")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Body)
}

// healthEntry is one candidate in the health summary.
type healthEntry struct {
	ID        string  `json:"id"`
	Provider  string  `json:"provider"`
	Health    string  `json:"health"`
	InFlight  int64   `json:"in_flight"`
	LatencyMs float64 `json:"latency_ms"`
}

// Healthz handles GET /healthz with a per-candidate health summary.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	candidates := h.router.Registry().All()
	entries := make([]healthEntry, 0, len(candidates))
	for _, c := range candidates {
		entries = append(entries, healthEntry{
			ID:        c.ID,
			Provider:  c.Provider,
			Health:    string(c.Health()),
			InFlight:  c.InFlight(),
			LatencyMs: c.AvgLatencyMs(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":     "ok",
		"candidates": entries,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	resp := ErrorResponse{Error: "internal error", Code: "internal"}

	var re *routeerrors.RouteError
	if errors.As(err, &re) {
		status = re.HTTPStatusCode()
		resp = ErrorResponse{Error: re.Message, Code: string(re.Kind)}
		if re.RetryAfterSec > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(re.RetryAfterSec))
		}
	} else {
		h.logger.Error("unclassified routing failure", "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
