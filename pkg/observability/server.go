package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aixgo-dev/ophthalmocapture/pkg/audit"
)

// Server exposes health, metrics and read-only audit reporting over HTTP.
type Server struct {
	httpServer *http.Server
	router     chi.Router
	checker    *HealthChecker
	sink       audit.Sink
	logger     *slog.Logger
}

// NewServer builds the router. sink may be nil, in which case the audit
// routes are not mounted.
func NewServer(port int, checker *HealthChecker, sink audit.Sink, logger *slog.Logger) *Server {
	if checker == nil {
		checker = NewHealthChecker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{checker: checker, sink: sink, logger: logger}

	r := chi.NewRouter()
	r.Use(s.instrument)

	r.Get("/health", checker.HealthHandler())
	r.Get("/health/live", LivenessHandler())
	r.Get("/health/ready", checker.ReadinessHandler())
	r.Method(http.MethodGet, "/metrics", MetricsHandler())

	if sink != nil {
		r.Route("/api/v1/audit/sessions", func(r chi.Router) {
			r.Get("/", s.listSessions)
			r.Get("/{sessionID}", s.sessionRecords)
			r.Get("/{sessionID}/stats", s.sessionStats)
		})
	}

	s.router = r
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the router, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("observability server listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request metrics keyed by the matched route pattern,
// so session ids never become label values.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		RecordHTTPRequest(r.Method, route, rec.status, time.Since(start))
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.sink.(audit.SessionLister)
	if !ok {
		writeError(w, http.StatusNotImplemented, "audit backend cannot list sessions")
		return
	}
	ids, err := lister.Sessions(r.Context())
	if err != nil {
		s.logger.Error("list audit sessions", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": ids})
}

func (s *Server) sessionRecords(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sessionID")
	records, ok := s.query(w, r, sid)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sid, "records": records})
}

func (s *Server) sessionStats(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sessionID")
	records, ok := s.query(w, r, sid)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, audit.ComputeStats(sid, records))
}

// query writes the error response itself and reports whether to continue.
func (s *Server) query(w http.ResponseWriter, r *http.Request, sid string) ([]*audit.Record, bool) {
	records, err := s.sink.Query(r.Context(), sid)
	switch {
	case errors.Is(err, audit.ErrInvalidPathComponent):
		writeError(w, http.StatusBadRequest, "invalid session id")
		return nil, false
	case errors.Is(err, audit.ErrQueryUnsupported):
		writeError(w, http.StatusNotImplemented, "audit backend cannot be queried")
		return nil, false
	case err != nil:
		s.logger.Error("query audit trail", slog.String("session_id", sid), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to query audit trail")
		return nil, false
	case len(records) == 0:
		writeError(w, http.StatusNotFound, "no audit records for session")
		return nil, false
	}
	return records, true
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
