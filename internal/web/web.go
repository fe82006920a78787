package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"tourkita/internal/assets"
	"tourkita/internal/config"
	"tourkita/internal/errs"
	"tourkita/internal/events"
	appLog "tourkita/internal/log"
	"tourkita/internal/model"
	"tourkita/internal/session"
)

// Store is the read side of the document store the API serves from.
type Store interface {
	Events(ctx context.Context) ([]model.Event, error)
	Markers(ctx context.Context, category string) ([]model.Marker, error)
	Document(ctx context.Context, id string) (model.Document, error)
}

// Deps are the components the HTTP API is built on.
type Deps struct {
	Store    Store
	Filter   *events.Filter
	Assets   *assets.Cache
	Sessions *session.Store
	// Location is the display timezone for calendar output.
	Location *time.Location
}

// Server provides the HTTP API consumed by the guide UI.
type Server struct {
	cfg  *config.Config
	deps Deps
	mux  *http.ServeMux

	// In-memory cache of the merged event list so that every endpoint
	// does not refetch the collection and feeds on each request.
	eventsMu    sync.RWMutex
	eventsCache *eventsCache
}

// eventsCache holds the last loaded events and when they were loaded.
type eventsCache struct {
	events    []model.Event
	updatedAt time.Time
}

const eventsCacheTTL = 30 * time.Second

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Location == nil {
		deps.Location = time.Local
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewStore()
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler for this server with request logging and,
// when configured, HTTP Basic Auth.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		h = s.basicAuthMiddleware(h)
	}
	return s.requestMiddleware(h)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/events/happening", s.handleHappening)
	s.mux.HandleFunc("GET /api/calendar", s.handleCalendar)
	s.mux.HandleFunc("GET /api/calendar.ics", s.handleCalendarICS)

	s.mux.HandleFunc("GET /api/markers", s.handleMarkers)
	s.mux.HandleFunc("GET /api/documents/{id}", s.handleDocument)

	s.mux.HandleFunc("GET /api/assets", s.handleAssetStatus)
	s.mux.HandleFunc("POST /api/assets", s.handleAssetDownload)
	s.mux.HandleFunc("DELETE /api/assets", s.handleAssetDelete)

	s.mux.HandleFunc("GET /api/session", s.handleSessionGet)
	s.mux.HandleFunc("POST /api/session", s.handleSessionSignIn)
	s.mux.HandleFunc("PATCH /api/session", s.handleSessionUpdate)
	s.mux.HandleFunc("DELETE /api/session", s.handleSessionSignOut)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password disables auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="TourKita", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// requestMiddleware tags each request with an ID (X-Request-ID, generated
// when absent), attaches the current session to the request context and
// logs the outcome.
func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		ctx := session.WithSession(r.Context(), s.deps.Sessions.Current())
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()

		next.ServeHTTP(rec, r.WithContext(ctx))

		kv := []any{
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"elapsed", time.Since(started).Round(time.Millisecond).String(),
		}
		if r.URL.Path == "/health" {
			appLog.Debug("http request", kv...)
			return
		}
		appLog.Info("http request", kv...)
	})
}

// loadEvents returns the merged event list, served from a short-lived
// in-memory cache. The periodic refresh keeps the document cache warm; this
// only saves re-decoding on bursts of UI requests.
func (s *Server) loadEvents(ctx context.Context) ([]model.Event, error) {
	now := time.Now()

	s.eventsMu.RLock()
	ec := s.eventsCache
	s.eventsMu.RUnlock()
	if ec != nil && now.Sub(ec.updatedAt) < eventsCacheTTL {
		return ec.events, nil
	}

	evs, err := s.deps.Store.Events(ctx)
	if err != nil {
		return nil, err
	}

	s.eventsMu.Lock()
	s.eventsCache = &eventsCache{events: evs, updatedAt: time.Now()}
	s.eventsMu.Unlock()
	return evs, nil
}

// InvalidateEvents drops the cached event list, e.g. after a refresh.
func (s *Server) InvalidateEvents() {
	s.eventsMu.Lock()
	s.eventsCache = nil
	s.eventsMu.Unlock()
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

// writeErr maps err onto a status code through its errs.Kind. Server-side
// failures are logged; client errors are only echoed back.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		appLog.Error("api request failed", err, "path", r.URL.Path, "status", status)
	}
	writeError(w, status, err.Error())
}
