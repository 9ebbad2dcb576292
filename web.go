package ezproxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// WebAPI provides REST endpoints for inspecting a proxy session: stored
// records and their bodies, websocket frames, filters, rules and tests.
//
// The API is mounted at a configurable path prefix (default "/api") and
// uses [chi] for routing. Handler additionally serves /metrics, /healthz
// and /readyz when the matching collaborators are set.
//
// All API endpoints return JSON, except the raw body endpoint which
// replies with the recorded content type.
type WebAPI struct {
	// Server is the proxy session to inspect.
	Server *ProxyServer

	// Logger for web API events.
	Logger *slog.Logger

	// PathPrefix is the URL path prefix for API routes (default "/api").
	PathPrefix string

	// Metrics and Health, when set, are exposed on Handler.
	Metrics *Metrics
	Health  *HealthChecker

	// ReloadFunc is called when POST /api/reload is invoked. If nil, the
	// reload endpoint returns 501 Not Implemented.
	ReloadFunc ReloadFunc

	router chi.Router
}

// NewWebAPI creates a WebAPI wired to the given proxy session.
func NewWebAPI(server *ProxyServer) *WebAPI {
	a := &WebAPI{
		Server:     server,
		Logger:     slog.Default(),
		PathPrefix: "/api",
	}
	a.buildRouter()
	return a
}

func (a *WebAPI) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Get("/status", a.handleStatus)

	r.Route("/records", func(r chi.Router) {
		r.Get("/", a.handleListRecords)
		r.Get("/summary", a.handleSummary)
		r.Get("/{id}", a.handleGetRecord)
		r.Get("/{id}/body", a.handleBody)
		r.Get("/{id}/decoded", a.handleDecoded)
		r.Get("/{id}/ws", a.handleWsFrames)
	})

	r.Get("/filters", a.handleListFilters)
	r.Put("/filters", a.handleSetFilters)
	r.Get("/rules", a.handleListRules)

	r.Get("/tests", a.handleListTests)
	r.Post("/tests/{name}/enable", a.handleToggleTest(true))
	r.Post("/tests/{name}/disable", a.handleToggleTest(false))
	r.Get("/report", a.handleReport)

	r.Post("/reload", a.handleReload)

	a.router = r
}

// APIHandler returns an http.Handler for the API routes only.
func (a *WebAPI) APIHandler() http.Handler {
	return http.StripPrefix(a.PathPrefix, a.router)
}

// Handler returns the API under PathPrefix together with the metrics and
// health endpoints. Mount it as the proxy's direct handler or on a
// separate listener.
func (a *WebAPI) Handler() http.Handler {
	r := chi.NewRouter()
	r.Mount(a.PathPrefix, a.router)
	if a.Metrics != nil {
		r.Handle("/metrics", a.Metrics.Handler())
	}
	if a.Health != nil {
		r.Get("/healthz", a.Health.HandleHealthz)
		r.Get("/readyz", a.Health.HandleReadyz)
	}
	return r
}

// ServeHTTP implements http.Handler by delegating to Handler.
func (a *WebAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Handler().ServeHTTP(w, r)
}

// --------------------------------------------------------------------------
// Response types
// --------------------------------------------------------------------------

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	State       State  `json:"state"`
	Addr        string `json:"addr,omitempty"`
	Records     int    `json:"records"`
	Filters     int    `json:"filters"`
	ActiveTests int    `json:"active_tests"`
	Tunnels     int    `json:"tunnels"`
	Sockets     int    `json:"sockets"`
	Uptime      string `json:"uptime,omitempty"`

	Upstream TransportPoolStats `json:"upstream"`
}

// FiltersResponse is returned by GET /api/filters.
type FiltersResponse struct {
	Names []string     `json:"names"`
	Rules []FilterRule `json:"rules"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is returned for successful mutations.
type MessageResponse struct {
	Message string `json:"message"`
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func (a *WebAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	s := a.Server
	resp := StatusResponse{
		State:       s.State(),
		Filters:     s.Recorder().Filters().Len(),
		ActiveTests: s.Recorder().Tests().Active(),
		Tunnels:     s.Core().Handler().TunnelCount(),
		Upstream:    s.Core().Handler().Transport().Stats(),
	}
	if addr := s.Core().Addr(); addr != nil {
		resp.Addr = addr.String()
	}
	if pool := s.Core().Sockets(); pool != nil {
		resp.Sockets = pool.Len()
	}
	if n, err := s.Recorder().Count(r.Context()); err == nil {
		resp.Records = n
	}
	if a.Health != nil {
		resp.Uptime = a.Health.Uptime().Truncate(time.Second).String()
	}

	a.writeJSON(w, http.StatusOK, resp)
}

func (a *WebAPI) handleListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var from *int64
	if v := q.Get("from"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid from: " + v})
			return
		}
		from = &n
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid limit: " + v})
			return
		}
		limit = n
	}

	recs, err := a.Server.Recorder().Records(r.Context(), from, limit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, recs)
}

func (a *WebAPI) handleSummary(w http.ResponseWriter, r *http.Request) {
	recs, err := a.Server.Recorder().Summary(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, recs)
}

func (a *WebAPI) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := a.recordID(w, r)
	if !ok {
		return
	}
	rec, err := a.Server.Recorder().Record(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, rec)
}

func (a *WebAPI) handleBody(w http.ResponseWriter, r *http.Request) {
	id, ok := a.recordID(w, r)
	if !ok {
		return
	}
	rec, err := a.Server.Recorder().Record(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	body, err := a.Server.Recorder().Body(id)
	if err != nil && !isNotExist(err) {
		a.writeError(w, err)
		return
	}

	ct := rec.ResHeaderValue("content-type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (a *WebAPI) handleDecoded(w http.ResponseWriter, r *http.Request) {
	id, ok := a.recordID(w, r)
	if !ok {
		return
	}
	decoded, err := a.Server.Recorder().DecodedBody(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, decoded)
}

func (a *WebAPI) handleWsFrames(w http.ResponseWriter, r *http.Request) {
	id, ok := a.recordID(w, r)
	if !ok {
		return
	}
	frames, err := a.Server.Recorder().WsFrames(id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if frames == nil {
		frames = []WsFrame{}
	}
	a.writeJSON(w, http.StatusOK, frames)
}

func (a *WebAPI) handleListFilters(w http.ResponseWriter, _ *http.Request) {
	rules := a.Server.FilterRules()
	if rules == nil {
		rules = []FilterRule{}
	}
	a.writeJSON(w, http.StatusOK, FiltersResponse{
		Names: a.Server.Recorder().Filters().Names(),
		Rules: rules,
	})
}

func (a *WebAPI) handleSetFilters(w http.ResponseWriter, r *http.Request) {
	var rules []FilterRule
	if err := json.NewDecoder(r.Body).Decode(&rules); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := a.Server.SetFilterRules(rules); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	a.Logger.Info("filters replaced via web API", "count", len(rules))
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "filters updated"})
}

func (a *WebAPI) handleListRules(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Server.Rules().Summary())
}

func (a *WebAPI) handleListTests(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Server.Recorder().Tests().Info())
}

func (a *WebAPI) handleToggleTest(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		var ok bool
		if enable {
			ok = a.Server.EnableTest(name)
		} else {
			ok = a.Server.DisableTest(name)
		}
		if !ok {
			a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "test not found: " + name})
			return
		}
		a.writeJSON(w, http.StatusOK, MessageResponse{Message: "test " + name + " updated"})
	}
}

func (a *WebAPI) handleReport(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Server.Recorder().Tests().Report())
}

func (a *WebAPI) handleReload(w http.ResponseWriter, r *http.Request) {
	if a.ReloadFunc == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "reload not configured"})
		return
	}

	cfg, err := a.ReloadFunc(r.Context())
	if err == nil {
		err = ApplyRuntimeConfig(a.Server, cfg)
	}
	if err != nil {
		a.Logger.Error("web API reload failed", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "reload failed: " + err.Error()})
		return
	}

	a.Logger.Info("configuration reloaded via web API")
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "reload successful"})
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func (a *WebAPI) recordID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid record id: " + raw})
		return 0, false
	}
	return id, true
}

func (a *WebAPI) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrRecordNotFound), isNotExist(err):
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, context.Canceled):
		a.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
	default:
		a.Logger.Error("web API error", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}

func (a *WebAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("web API write error", "error", err)
	}
}
