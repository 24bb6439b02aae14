// Package web implements the optional live dashboard for prep runs:
// session stats as JSON, the brief rendered to HTML, and a WebSocket
// stream of bus events.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/yuin/goldmark"

	"github.com/mquinn/prepflow/internal/events"
	"github.com/mquinn/prepflow/internal/evidence"
	"github.com/mquinn/prepflow/internal/session"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the dashboard HTTP server. It holds no session at
// construction; the runner attaches one when a prep run starts.
type Server struct {
	address string
	port    int
	bus     *events.Bus
	logger  *slog.Logger
	server  *http.Server

	mu   sync.RWMutex
	sess *session.Store
}

// NewServer creates a dashboard server. The bus feeds the /events
// WebSocket stream; pass nil to disable it.
func NewServer(address string, port int, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		bus:     bus,
		logger:  logger,
	}
}

// SetSession attaches the active prep session. Safe to call while
// serving; the stats and brief endpoints reflect the new session on
// their next request.
func (s *Server) SetSession(sess *session.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess = sess
}

func (s *Server) session() *session.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sess
}

// Handler returns the dashboard routes, exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleIndex)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /brief", s.handleBrief)
	mux.HandleFunc("GET /events", s.handleEvents)
	return s.withLogging(mux)
}

// Start begins serving HTTP requests. Blocks until the listener fails
// or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting dashboard server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

const indexPage = `<!DOCTYPE html>
<html>
<head><title>prepflow</title></head>
<body>
<h1>prepflow</h1>
<ul>
<li><a href="/api/stats">session stats</a></li>
<li><a href="/brief">current brief</a></li>
<li>live events: connect a WebSocket to <code>/events</code></li>
</ul>
</body>
</html>
`

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexPage)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

// statsResponse is the /api/stats payload.
type statsResponse struct {
	SessionID  string        `json:"session_id"`
	Resolution string        `json:"resolution"`
	Side       string        `json:"side"`
	Stats      session.Stats `json:"stats"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	sess := s.session()
	if sess == nil {
		http.Error(w, "no active session", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, statsResponse{
		SessionID:  sess.ID,
		Resolution: sess.Resolution,
		Side:       string(sess.Side),
		Stats:      sess.GetStats(),
	}, s.logger)
}

func (s *Server) handleBrief(w http.ResponseWriter, r *http.Request) {
	sess := s.session()
	if sess == nil {
		http.Error(w, "no active session", http.StatusServiceUnavailable)
		return
	}
	brief, err := sess.ReadBrief()
	if err != nil {
		s.logger.Warn("brief read failed", "error", err)
		http.Error(w, "brief unavailable", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(evidence.RenderMarkdown(brief)), &buf); err != nil {
		s.logger.Warn("brief render failed", "error", err)
		http.Error(w, "brief render failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!DOCTYPE html>\n<html><head><title>%s</title></head><body>\n", brief.Resolution)
	w.Write(buf.Bytes())
	fmt.Fprint(w, "</body></html>\n")
}
