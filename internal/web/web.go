package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"calmerge/internal/config"
	appLog "calmerge/internal/log"
	"calmerge/internal/query"
)

const (
	msgFetchFailed = "Failed to fetch events"

	shutdownTimeout = 5 * time.Second
)

// Querier produces the JSON body for a range request.
type Querier interface {
	Query(ctx context.Context, start, end string) ([]byte, error)
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes the merged events API, the static UI, health and metrics.
type Server struct {
	cfg     *config.Config
	mux     *http.ServeMux
	events  Querier
	health  Pinger
	metrics http.Handler
}

// NewServer constructs a new Server. health and metrics may be nil.
func NewServer(cfg *config.Config, events Querier, health Pinger, metrics http.Handler) *Server {
	s := &Server{
		cfg:     cfg,
		mux:     http.NewServeMux(),
		events:  events,
		health:  health,
		metrics: metrics,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password disables auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
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
			w.Header().Set("WWW-Authenticate", `Basic realm="calmerge", charset="UTF-8"`)
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

// Serve listens on cfg.Listen until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/events.json", s.handleEvents)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics)
	}
	s.mux.Handle("/", s.staticFileServer())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			appLog.Error("health check failed", err)
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleEvents returns stored events inside a time range.
//
// GET /events.json?start=2024-01-01T00:00&end=2024-01-01T23:59
//   - start: inclusive lower bound on event start
//   - end:   inclusive upper bound on event end
//
// Bounds without an offset are read in the configured timezone.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	body, err := s.events.Query(r.Context(), q.Get("start"), q.Get("end"))
	if err != nil {
		var br *query.BadRequest
		if errors.As(err, &br) {
			writeError(w, http.StatusBadRequest, br.Msg)
			return
		}
		appLog.Error("events request failed", err, "start", q.Get("start"), "end", q.Get("end"))
		writeError(w, http.StatusInternalServerError, msgFetchFailed)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		appLog.Error("failed to write events response", err)
	}
}

// staticFileServer serves the browser UI from cfg.StaticDir. "/" maps to
// index.html; a missing file is a plain 404.
func (s *Server) staticFileServer() http.Handler {
	dir := s.cfg.StaticDir
	if dir == "" {
		return http.NotFoundHandler()
	}
	if _, err := os.Stat(filepath.Join(dir, "index.html")); err != nil {
		appLog.Warn("static UI index not found; / will return 404", "dir", dir)
	}
	return http.FileServer(noListingDir{http.Dir(dir)})
}

// noListingDir hides directories that have no index.html, so the file
// server answers 404 instead of rendering a listing.
type noListingDir struct {
	http.Dir
}

func (d noListingDir) Open(name string) (http.File, error) {
	f, err := d.Dir.Open(name)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil || !st.IsDir() {
		return f, err
	}
	idx, err := d.Dir.Open(path.Join(name, "index.html"))
	if err != nil {
		f.Close()
		return nil, os.ErrNotExist
	}
	idx.Close()
	return f, nil
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
