package control

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/sitepulse/sitepulse/pkg/identity"
	"github.com/sitepulse/sitepulse/pkg/metrics"
	"github.com/sitepulse/sitepulse/pkg/telemetry"
)

// maxBeaconBytes bounds a collect request body.
const maxBeaconBytes = 64 << 10

// RegisterAPIRoutes registers all REST API routes on the given mux.
func (s *Server) RegisterAPIRoutes(mux *http.ServeMux) {
	mux.Handle("POST /api/v1/collect", s.beaconChain(http.HandlerFunc(s.handleCollect)))
	mux.Handle("OPTIONS /api/v1/collect", s.beaconChain(http.HandlerFunc(noContent)))

	mux.HandleFunc("GET /api/v1/pageviews", s.admin(s.handlePageViews))
	mux.HandleFunc("GET /api/v1/events", s.admin(s.handleEvents))
	mux.HandleFunc("GET /api/v1/top-pages", s.admin(s.handleTopPages))
	mux.HandleFunc("GET /api/v1/top-events", s.admin(s.handleTopEvents))
	mux.HandleFunc("GET /api/v1/stats", s.admin(s.handleStats))

	mux.HandleFunc("GET /api/v1/analytics/status", s.admin(s.handleStatus))
	mux.HandleFunc("POST /api/v1/analytics/disable", s.admin(s.handleDisable))
	mux.HandleFunc("POST /api/v1/analytics/enable", s.admin(s.handleEnable))
	mux.HandleFunc("PUT /api/v1/analytics/admin-exclusion", s.admin(s.handleAdminExclusion))
	mux.Handle("PUT /api/v1/analytics/admin-user", s.withCORS(s.admin(s.handleAdminUser)))
	mux.Handle("OPTIONS /api/v1/analytics/admin-user", s.withCORS(http.HandlerFunc(noContent)))
}

// Beacon is one capture posted by the browser.
type Beacon struct {
	Type       string         `json:"type"` // pageview, event or scroll
	Path       string         `json:"path"`
	Referrer   string         `json:"referrer,omitempty"`
	Name       string         `json:"name,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Percent    int            `json:"percent,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	Screen     string         `json:"screen,omitempty"` // WxH
	Timezone   string         `json:"timezone,omitempty"`
	Connection string         `json:"connection,omitempty"`
}

// POST /api/v1/collect accepts one beacon or a JSON array of them. The
// response is always 204 so a page never sees telemetry trouble.
func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	defer w.WriteHeader(http.StatusNoContent)

	beacons, err := decodeBeacons(http.MaxBytesReader(w, r.Body, maxBeaconBytes))
	if err != nil {
		slog.Debug("dropping malformed beacon", "error", err, "remote", r.RemoteAddr)
		return
	}

	scope := newCookieScope(w, r, s.cfg.CookieSecure)
	ip := clientIP(r, s.cfg.TrustProxy)
	for _, b := range beacons {
		ua := b.UserAgent
		if ua == "" {
			ua = r.UserAgent()
		}
		cl := telemetry.Client{
			Scope:    scope,
			Env:      beaconEnv{ua: ua, screen: b.Screen, timezone: b.Timezone, connection: b.Connection},
			Path:     b.Path,
			Referrer: b.Referrer,
			IP:       ip,
		}
		switch b.Type {
		case "", "pageview":
			s.collector.TrackPageView(cl, b.Path)
		case "event":
			s.collector.TrackEvent(cl, b.Name, b.Params)
		case "scroll":
			s.collector.TrackScrollDepth(cl, b.Percent)
		default:
			slog.Debug("dropping beacon of unknown type", "type", b.Type)
		}
	}
}

func decodeBeacons(body io.Reader) ([]Beacon, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var beacons []Beacon
		if err := json.Unmarshal(data, &beacons); err != nil {
			return nil, err
		}
		return beacons, nil
	}
	var b Beacon
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return []Beacon{b}, nil
}

// beaconChain wraps the collect endpoint with CORS and the optional
// per-client rate limit. Preflights are answered before the limiter runs.
func (s *Server) beaconChain(h http.Handler) http.Handler {
	return s.withCORS(s.rateLimit(h))
}

func (s *Server) rateLimit(h http.Handler) http.Handler {
	if s.cfg.RateLimit > 0 {
		keyFn := httprate.KeyByIP
		if s.cfg.TrustProxy {
			keyFn = httprate.KeyByRealIP
		}
		h = httprate.Limit(s.cfg.RateLimit, time.Minute,
			httprate.WithKeyFuncs(keyFn),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				metrics.BeaconsRateLimited.Inc()
				w.WriteHeader(http.StatusNoContent)
			}),
		)(h)
	}
	return h
}

// withCORS lets the configured site origins call h with cookies. Without
// configured origins h is returned unchanged.
func (s *Server) withCORS(h http.Handler) http.Handler {
	if len(s.cfg.AllowedOrigins) == 0 {
		return h
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	})(h)
}

func noContent(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// admin gates h behind the configured bearer token.
func (s *Server) admin(h http.HandlerFunc) http.HandlerFunc {
	if s.cfg.AdminToken == "" {
		return h
	}
	want := []byte("Bearer " + s.cfg.AdminToken)
	return func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

// GET /api/v1/pageviews?days=30
func (s *Server) handlePageViews(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.agg.PageViews(parseIntParam(r, "days", s.cfg.DefaultDays)))
}

// GET /api/v1/events?days=30
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.agg.Events(parseIntParam(r, "days", s.cfg.DefaultDays)))
}

// GET /api/v1/top-pages?days=30&n=10
func (s *Server) handleTopPages(w http.ResponseWriter, r *http.Request) {
	days := parseIntParam(r, "days", s.cfg.DefaultDays)
	writeJSON(w, s.agg.TopPages(days, parseIntParam(r, "n", 0)))
}

// GET /api/v1/top-events?days=30&n=10
func (s *Server) handleTopEvents(w http.ResponseWriter, r *http.Request) {
	days := parseIntParam(r, "days", s.cfg.DefaultDays)
	writeJSON(w, s.agg.TopEvents(days, parseIntParam(r, "n", 0)))
}

// GET /api/v1/stats?days=30
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.agg.ComputeStats(parseIntParam(r, "days", s.cfg.DefaultDays)))
}

// GET /api/v1/analytics/status?path=/admin/settings reports the policy status
// as seen by the caller's session cookies.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeStatus(w, r, newCookieScope(w, r, s.cfg.CookieSecure))
}

// POST /api/v1/analytics/disable
func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	s.applyFlag(w, r, s.policy.Disable())
}

// POST /api/v1/analytics/enable
func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	s.applyFlag(w, r, s.policy.Enable())
}

// PUT /api/v1/analytics/admin-exclusion {"enabled": true}
func (s *Server) handleAdminExclusion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	if req.Enabled == nil {
		http.Error(w, "enabled is required", http.StatusBadRequest)
		return
	}
	s.applyFlag(w, r, s.policy.SetAdminExclusion(*req.Enabled))
}

// PUT /api/v1/analytics/admin-user {"is_admin": true} marks only the
// caller's browser session, through a session cookie.
func (s *Server) handleAdminUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IsAdmin *bool `json:"is_admin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	if req.IsAdmin == nil {
		http.Error(w, "is_admin is required", http.StatusBadRequest)
		return
	}
	scope := newCookieScope(w, r, s.cfg.CookieSecure)
	if err := s.policy.SetCurrentUserAdmin(scope, *req.IsAdmin); err != nil {
		slog.Error("admin marker update failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeStatus(w, r, scope)
}

// applyFlag reports the outcome of a flag write with the resulting status.
func (s *Server) applyFlag(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		slog.Error("analytics flag update failed", "route", r.URL.Path, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeStatus(w, r, newCookieScope(w, r, s.cfg.CookieSecure))
}

func (s *Server) writeStatus(w http.ResponseWriter, r *http.Request, scope identity.Scope) {
	writeJSON(w, s.policy.Status(r.URL.Query().Get("path"), scope))
}

// ─── Helpers ──────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := strings.TrimSpace(r.URL.Query().Get(name))
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return n
}
